// Package mock provides an in-memory stt.Provider for tests. Sessions
// record the audio they receive and emit whatever fragments the test
// pushes into them.
package mock

import (
	"context"
	"sync"

	"github.com/vollawetscher/media-worker/pkg/provider/stt"
)

// Provider implements stt.Provider. Every StartStream call returns a
// fresh Session, retained in Sessions for inspection.
type Provider struct {
	// StartErr, when set, is returned by StartStream instead of a session.
	StartErr error

	mu       sync.Mutex
	sessions []*Session
}

func New() *Provider { return &Provider{} }

func (p *Provider) StartStream(_ context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if p.StartErr != nil {
		return nil, p.StartErr
	}
	s := &Session{
		Config:   cfg,
		tag:      "mock-session",
		partials: make(chan stt.Fragment, 16),
		finals:   make(chan stt.Fragment, 16),
	}
	p.mu.Lock()
	p.sessions = append(p.sessions, s)
	p.mu.Unlock()
	return s, nil
}

// Sessions returns all sessions opened so far.
func (p *Provider) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Session, len(p.sessions))
	copy(out, p.sessions)
	return out
}

// Session is a scripted stt.SessionHandle.
type Session struct {
	Config stt.StreamConfig

	// SendErr, when set, is returned by SendAudio.
	SendErr error

	mu       sync.Mutex
	tag      string
	audio    [][]byte
	closed   bool
	err      error
	partials chan stt.Fragment
	finals   chan stt.Fragment
}

func (s *Session) SendAudio(chunk []byte) error {
	if s.SendErr != nil {
		return s.SendErr
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.mu.Lock()
	s.audio = append(s.audio, cp)
	s.mu.Unlock()
	return nil
}

func (s *Session) Partials() <-chan stt.Fragment { return s.partials }
func (s *Session) Finals() <-chan stt.Fragment   { return s.finals }

func (s *Session) SessionTag() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tag
}

func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.partials)
		close(s.finals)
	}
	return nil
}

// EmitFinal pushes a final fragment to the consumer.
func (s *Session) EmitFinal(f stt.Fragment) {
	f.IsFinal = true
	s.finals <- f
}

// EmitPartial pushes a partial fragment to the consumer.
func (s *Session) EmitPartial(f stt.Fragment) {
	f.IsFinal = false
	s.partials <- f
}

// FailWith records err and ends the fragment channels, simulating a
// provider-side failure.
func (s *Session) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.err = err
		close(s.partials)
		close(s.finals)
	}
}

// Audio returns every chunk received so far.
func (s *Session) Audio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.audio))
	copy(out, s.audio)
	return out
}

// Closed reports whether Close or FailWith was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
