// Package stt defines the streaming speech-to-text provider contract.
// One [SessionHandle] serves one participant audio track for its whole
// lifetime; implementations live in sub-packages (speechmatics, mock).
package stt

import "context"

// StreamConfig describes one recognition stream. Audio is always raw
// little-endian 16-bit PCM; SampleRate and Channels declare its shape.
type StreamConfig struct {
	// SampleRate of the PCM audio in Hz (the worker sends 16000).
	SampleRate int

	// Channels of the PCM audio (the worker sends mono).
	Channels int

	// Language is the BCP-47 recognition language.
	Language string

	// OperatingPoint selects the provider's accuracy/latency trade-off.
	OperatingPoint string

	// EnablePartials requests interim results. Final-only consumers
	// leave this false.
	EnablePartials bool

	// MaxDelay bounds how long the provider may hold back a final
	// fragment, in seconds.
	MaxDelay float64
}

// SessionHandle is a live streaming recognition session.
//
// SendAudio may be called concurrently with channel reads; writes are
// serialized internally. After Finals is closed, Err reports why the
// session ended: nil for a clean close, otherwise the provider error or
// unclean-close reason.
type SessionHandle interface {
	// SendAudio forwards a chunk of raw PCM. Chunks sent before the
	// provider acknowledged the stream, or after it ended, are dropped
	// silently. Implementations must not retain chunk past the call;
	// callers reuse the buffer.
	SendAudio(chunk []byte) error

	// Partials returns the channel of interim fragments. Empty and
	// immediately closed when partials are disabled.
	Partials() <-chan Fragment

	// Finals returns the channel of final fragments. Closed when the
	// session ends for any reason.
	Finals() <-chan Fragment

	// SessionTag returns the provider-side session identifier, or ""
	// before the provider acknowledged the stream.
	SessionTag() string

	// Err reports the terminal error after Finals is closed.
	Err() error

	// Close drains the stream: it signals end-of-stream to the provider,
	// waits briefly for a clean close, and releases the transport.
	Close() error
}

// Provider opens streaming recognition sessions.
type Provider interface {
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
