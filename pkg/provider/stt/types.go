package stt

// Fragment represents one speech-to-text result from a streaming
// provider. Both partial (interim) and final fragments use this type;
// only final fragments are ever persisted.
type Fragment struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or
	// partial (interim) fragment.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). May be zero
	// if the provider does not report confidence.
	Confidence float64

	// StartTime and EndTime bound the fragment within the provider's
	// audio stream, in seconds from stream start.
	StartTime float64
	EndTime   float64

	// Language is the recognition language of the fragment.
	Language string
}
