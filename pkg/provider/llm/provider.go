// Package llm defines the completion provider contract used by the
// post-call analysis jobs. Jobs are one-shot request/response
// completions; streaming is out of scope for this worker.
//
// Implementations must be safe for concurrent use.
package llm

import "context"

// Message is one entry in the conversation sent to the model.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string

	// Content is the text content of the message.
	Content string
}

// Usage holds token accounting reported by the backend. Counts are in
// the model's native token unit.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs for one
// completion. Messages must be non-empty.
type CompletionRequest struct {
	// SystemPrompt is injected before the conversation when set.
	SystemPrompt string

	// Messages is the ordered conversation. For analysis jobs this is
	// typically a single user message carrying the transcript.
	Messages []Message

	// Temperature controls output randomness. Zero selects the
	// provider default.
	Temperature float64

	// MaxTokens caps the completion length. Zero selects the provider
	// default.
	MaxTokens int
}

// CompletionResponse is the model's full reply.
type CompletionResponse struct {
	Content string
	Usage   Usage
}

// Provider is the abstraction over any completion backend.
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
