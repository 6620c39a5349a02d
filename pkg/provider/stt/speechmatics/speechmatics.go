// Package speechmatics provides a Speechmatics-backed STT provider
// using the realtime streaming WebSocket API. It implements the
// stt.Provider interface.
//
// Wire protocol (subset): the client opens the socket, sends one
// StartRecognition JSON control frame, then streams raw PCM as binary
// frames. The server answers with JSON control frames whose "message"
// field is one of RecognitionStarted, AddTranscript,
// AddPartialTranscript, EndOfTranscript, Error, or Warning. End of
// stream is signalled by sending an empty binary frame.
package speechmatics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/vollawetscher/media-worker/pkg/provider/stt"
)

const (
	defaultEndpoint       = "wss://eu2.rt.speechmatics.com/v2"
	defaultLanguage       = "en"
	defaultOperatingPoint = "enhanced"
	defaultMaxDelay       = 2.0

	// drainWait bounds how long Close waits for the provider to
	// acknowledge end-of-stream before tearing the socket down.
	drainWait = 500 * time.Millisecond
)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithEndpoint overrides the realtime websocket endpoint.
func WithEndpoint(url string) Option {
	return func(p *Provider) {
		if url != "" {
			p.endpoint = url
		}
	}
}

// WithLanguage sets the default recognition language.
func WithLanguage(language string) Option {
	return func(p *Provider) {
		if language != "" {
			p.language = language
		}
	}
}

// WithOperatingPoint sets the default operating point.
func WithOperatingPoint(op string) Option {
	return func(p *Provider) {
		if op != "" {
			p.operatingPoint = op
		}
	}
}

// Provider implements stt.Provider backed by the Speechmatics realtime API.
type Provider struct {
	apiKey         string
	endpoint       string
	language       string
	operatingPoint string
}

// New creates a new Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("speechmatics: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:         apiKey,
		endpoint:       defaultEndpoint,
		language:       defaultLanguage,
		operatingPoint: defaultOperatingPoint,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream dials the realtime endpoint, sends StartRecognition, and
// returns a live session. The session becomes active (and starts
// accepting audio) once the provider sends RecognitionStarted.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, p.endpoint, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("speechmatics: dial: %w", err)
	}

	start := startRecognition(cfg, p.language, p.operatingPoint)
	frame, err := json.Marshal(start)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "encode failure")
		return nil, fmt.Errorf("speechmatics: encode StartRecognition: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		conn.Close(websocket.StatusInternalError, "write failure")
		return nil, fmt.Errorf("speechmatics: send StartRecognition: %w", err)
	}

	sess := &session{
		conn:     conn,
		language: start.TranscriptionConfig.Language,
		partials: make(chan stt.Fragment, 64),
		finals:   make(chan stt.Fragment, 64),
		audio:    make(chan []byte, 256),
		eot:      make(chan struct{}),
		done:     make(chan struct{}),
	}

	sess.wg.Add(2)
	go sess.readLoop(ctx)
	go sess.writeLoop(ctx)

	return sess, nil
}

// ---- wire messages ----

type startRecognitionMsg struct {
	Message             string              `json:"message"`
	AudioFormat         audioFormat         `json:"audio_format"`
	TranscriptionConfig transcriptionConfig `json:"transcription_config"`
}

type audioFormat struct {
	Type       string `json:"type"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

type transcriptionConfig struct {
	Language       string  `json:"language"`
	OperatingPoint string  `json:"operating_point"`
	EnablePartials bool    `json:"enable_partials"`
	MaxDelay       float64 `json:"max_delay"`
}

// startRecognition builds the opening control frame for cfg, falling
// back to provider defaults for unset fields.
func startRecognition(cfg stt.StreamConfig, language, operatingPoint string) startRecognitionMsg {
	lang := cfg.Language
	if lang == "" {
		lang = language
	}
	op := cfg.OperatingPoint
	if op == "" {
		op = operatingPoint
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = 16000
	}
	maxDelay := cfg.MaxDelay
	if maxDelay == 0 {
		maxDelay = defaultMaxDelay
	}
	return startRecognitionMsg{
		Message: "StartRecognition",
		AudioFormat: audioFormat{
			Type:       "raw",
			Encoding:   "pcm_s16le",
			SampleRate: sr,
		},
		TranscriptionConfig: transcriptionConfig{
			Language:       lang,
			OperatingPoint: op,
			EnablePartials: cfg.EnablePartials,
			MaxDelay:       maxDelay,
		},
	}
}

// serverMsg is the superset of inbound control frames we consume.
type serverMsg struct {
	Message  string `json:"message"`
	ID       string `json:"id"`
	Type     string `json:"type"`
	Reason   string `json:"reason"`
	Metadata struct {
		Transcript string  `json:"transcript"`
		StartTime  float64 `json:"start_time"`
		EndTime    float64 `json:"end_time"`
	} `json:"metadata"`
	Results []struct {
		Alternatives []struct {
			Content    string  `json:"content"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"results"`
}

// ---- session ----

type sessionState int

const (
	stateOpening sessionState = iota
	stateActive
	stateDraining
	stateClosed
	stateFailed
)

// session is a live Speechmatics streaming session. It implements
// stt.SessionHandle.
type session struct {
	conn     *websocket.Conn
	language string

	partials chan stt.Fragment
	finals   chan stt.Fragment
	audio    chan []byte

	eot  chan struct{} // closed on EndOfTranscript
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	mu    sync.Mutex
	state sessionState
	tag   string
	err   error
}

func (s *session) Partials() <-chan stt.Fragment { return s.partials }
func (s *session) Finals() <-chan stt.Fragment   { return s.finals }

// SessionTag returns the provider-assigned session id, or "" before
// RecognitionStarted.
func (s *session) SessionTag() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tag
}

// Err reports the terminal session error. Valid after Finals is closed.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// SendAudio queues a PCM chunk for delivery. Chunks are dropped
// silently while the session is not active: before the provider's
// acknowledgement, during drain, and after any failure. The chunk is
// copied before queueing, so callers may reuse their buffer.
func (s *session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	active := s.state == stateActive
	s.mu.Unlock()
	if !active || len(chunk) == 0 {
		return nil
	}

	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	select {
	case s.audio <- cp:
		return nil
	case <-s.done:
		return nil
	}
}

// Close performs the drain handshake: flush queued audio, send the
// empty end-of-stream frame, wait up to drainWait for EndOfTranscript,
// then close the transport normally.
func (s *session) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		if s.state == stateActive || s.state == stateOpening {
			s.state = stateDraining
		}
		s.mu.Unlock()

		close(s.done) // writeLoop drains remaining audio, sends the sentinel

		select {
		case <-s.eot:
		case <-time.After(drainWait):
			slog.Debug("speechmatics: drain timed out, closing transport")
		}

		s.conn.Close(websocket.StatusNormalClosure, "session closed")
		s.wg.Wait()

		s.mu.Lock()
		if s.state != stateFailed {
			s.state = stateClosed
		}
		s.mu.Unlock()
	})
	return nil
}

// fail records the terminal error once and marks the session failed.
func (s *session) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.state = stateFailed
	s.mu.Unlock()
}

// writeLoop forwards queued audio as binary frames. After done it
// drains what is pending and sends the empty end-of-stream sentinel.
func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-s.done:
			for {
				select {
				case chunk := <-s.audio:
					_ = s.conn.Write(ctx, websocket.MessageBinary, chunk)
				default:
					// Empty payload frame signals EndOfStream.
					_ = s.conn.Write(ctx, websocket.MessageBinary, nil)
					return
				}
			}
		}
	}
}

// readLoop receives control frames and dispatches fragments. It owns
// the partials and finals channels and closes them on exit. A provider
// protocol violation never panics the process: unknown messages are
// logged at debug and ignored.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			s.handleReadError(err)
			return
		}

		var msg serverMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("speechmatics: ignoring undecodable frame", "err", err)
			continue
		}

		switch msg.Message {
		case "RecognitionStarted":
			s.mu.Lock()
			s.tag = msg.ID
			if s.state == stateOpening {
				s.state = stateActive
			}
			s.mu.Unlock()

		case "AddTranscript":
			if f, ok := fragmentFrom(msg, true, s.language); ok {
				select {
				case s.finals <- f:
				case <-s.done:
				}
			}

		case "AddPartialTranscript":
			if f, ok := fragmentFrom(msg, false, s.language); ok {
				select {
				case s.partials <- f:
				default:
					// Partials are advisory; never block on them.
				}
			}

		case "EndOfTranscript":
			close(s.eot)
			return

		case "Error":
			s.fail(fmt.Errorf("speechmatics: provider error %s: %s", msg.Type, msg.Reason))
			return

		case "Warning":
			slog.Warn("speechmatics: provider warning", "type", msg.Type, "reason", msg.Reason)

		default:
			slog.Debug("speechmatics: ignoring unknown message", "message", msg.Message)
		}
	}
}

// handleReadError classifies the transport close. A normal closure or
// an intentional drain is clean; anything else fails the session with
// the close reason.
func (s *session) handleReadError(err error) {
	s.mu.Lock()
	draining := s.state == stateDraining || s.state == stateClosed
	s.mu.Unlock()

	status := websocket.CloseStatus(err)
	if draining || status == websocket.StatusNormalClosure {
		return
	}
	if status != -1 {
		s.fail(fmt.Errorf("speechmatics: unclean close (code %d): %w", status, err))
		return
	}
	s.fail(fmt.Errorf("speechmatics: transport error: %w", err))
}

// fragmentFrom converts an AddTranscript/AddPartialTranscript frame to
// a Fragment. Frames whose transcript text is empty are skipped.
func fragmentFrom(msg serverMsg, isFinal bool, language string) (stt.Fragment, bool) {
	if msg.Metadata.Transcript == "" {
		return stt.Fragment{}, false
	}

	// Mean confidence over the per-word alternatives, when present.
	var sum float64
	var n int
	for _, r := range msg.Results {
		if len(r.Alternatives) > 0 {
			sum += r.Alternatives[0].Confidence
			n++
		}
	}
	conf := 0.0
	if n > 0 {
		conf = sum / float64(n)
	}

	return stt.Fragment{
		Text:       msg.Metadata.Transcript,
		IsFinal:    isFinal,
		Confidence: conf,
		StartTime:  msg.Metadata.StartTime,
		EndTime:    msg.Metadata.EndTime,
		Language:   language,
	}, true
}
