// Package transcribe runs one streaming recognition pipeline per
// participant audio track: RTP in, Opus decode, PCM normalization,
// provider streaming, utterance aggregation, and persistence through
// the room's transcript sink.
package transcribe

import (
	"strings"
	"sync"
	"time"

	"github.com/vollawetscher/media-worker/pkg/provider/stt"
)

const (
	// DefaultMaxUtteranceChars forces a flush once the accumulated text
	// exceeds this length, so a speaker who never pauses still produces
	// bounded rows.
	DefaultMaxUtteranceChars = 500

	// DefaultIdleFlush flushes the pending utterance after this much
	// silence from the provider.
	DefaultIdleFlush = 2 * time.Second
)

// Utterance is one aggregated unit of speech ready for persistence.
type Utterance struct {
	Text       string
	Confidence float64
	StartTime  float64
	EndTime    float64
	Language   string
	WallClock  time.Time
}

// Aggregator accumulates final fragments into utterances. A flush is
// triggered by a sentence terminator, by exceeding the length cap, or
// by the idle timer. Safe for concurrent use; the emit callback runs
// without the internal lock held.
type Aggregator struct {
	maxChars int
	idle     time.Duration
	emit     func(Utterance)
	now      func() time.Time

	mu       sync.Mutex
	emitDone *sync.Cond
	parts    []string
	confSum  float64
	confN    int
	start    float64
	end      float64
	language string
	timer    *time.Timer
	flushing bool
	closed   bool
}

// AggregatorOption tunes an Aggregator.
type AggregatorOption func(*Aggregator)

// WithMaxChars overrides the utterance length cap.
func WithMaxChars(n int) AggregatorOption {
	return func(a *Aggregator) {
		if n > 0 {
			a.maxChars = n
		}
	}
}

// WithIdleFlush overrides the idle flush interval.
func WithIdleFlush(d time.Duration) AggregatorOption {
	return func(a *Aggregator) {
		if d > 0 {
			a.idle = d
		}
	}
}

// WithClock overrides the wall-clock source. For tests.
func WithClock(now func() time.Time) AggregatorOption {
	return func(a *Aggregator) { a.now = now }
}

// NewAggregator creates an Aggregator that passes each flushed
// utterance to emit.
func NewAggregator(emit func(Utterance), opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{
		maxChars: DefaultMaxUtteranceChars,
		idle:     DefaultIdleFlush,
		emit:     emit,
		now:      time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	a.emitDone = sync.NewCond(&a.mu)
	return a
}

// Append adds one final fragment to the pending utterance and flushes
// when a boundary is reached. Fragments with empty text only rearm the
// idle timer.
func (a *Aggregator) Append(f stt.Fragment) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}

	text := strings.TrimSpace(f.Text)
	if text != "" {
		if len(a.parts) == 0 {
			a.start = f.StartTime
		}
		a.parts = append(a.parts, text)
		a.end = f.EndTime
		if f.Confidence > 0 {
			a.confSum += f.Confidence
			a.confN++
		}
		if f.Language != "" {
			a.language = f.Language
		}
	}

	if endsSentence(text) || a.pendingLen() > a.maxChars {
		a.flushLocked()
		a.mu.Unlock()
		return
	}

	a.rearmTimerLocked()
	a.mu.Unlock()
}

// Flush forces the pending utterance out immediately.
func (a *Aggregator) Flush() {
	a.mu.Lock()
	a.flushLocked()
	a.mu.Unlock()
}

// Close flushes the remainder and rejects further appends. An emit in
// flight on another goroutine is waited out first, so text appended
// during it is flushed rather than stranded.
func (a *Aggregator) Close() {
	a.mu.Lock()
	for a.flushing {
		a.emitDone.Wait()
	}
	a.flushLocked()
	a.closed = true
	if a.timer != nil {
		a.timer.Stop()
	}
	a.mu.Unlock()
}

// pendingLen returns the joined length of the pending parts. Must be
// called with a.mu held.
func (a *Aggregator) pendingLen() int {
	n := 0
	for _, p := range a.parts {
		n += len(p) + 1
	}
	return n
}

// rearmTimerLocked restarts the idle timer. Must be called with a.mu
// held.
func (a *Aggregator) rearmTimerLocked() {
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = time.AfterFunc(a.idle, a.Flush)
}

// flushLocked emits the pending utterance. The flushing guard keeps a
// concurrently-firing idle timer from emitting the same text twice:
// while one flush is emitting (lock released), a second flush rearms
// the idle timer instead, so text that arrived during the emit still
// gets flushed on its own. Must be called with a.mu held; the lock is
// released around the emit callback.
func (a *Aggregator) flushLocked() {
	if len(a.parts) == 0 {
		return
	}
	if a.flushing {
		a.rearmTimerLocked()
		return
	}
	if a.timer != nil {
		a.timer.Stop()
	}

	u := Utterance{
		Text:      strings.Join(a.parts, " "),
		StartTime: a.start,
		EndTime:   a.end,
		Language:  a.language,
		WallClock: a.now(),
	}
	if a.confN > 0 {
		u.Confidence = a.confSum / float64(a.confN)
	}

	a.parts = nil
	a.confSum, a.confN = 0, 0
	a.start, a.end = 0, 0

	a.flushing = true
	a.mu.Unlock()
	a.emit(u)
	a.mu.Lock()
	a.flushing = false
	a.emitDone.Broadcast()
}

// endsSentence reports whether text closes with a sentence terminator.
func endsSentence(text string) bool {
	t := strings.TrimSpace(text)
	if t == "" {
		return false
	}
	switch t[len(t)-1] {
	case '.', '!', '?':
		return true
	}
	return false
}
