// Package mock provides a scripted llm.Provider for tests.
package mock

import (
	"context"
	"sync"

	"github.com/vollawetscher/media-worker/pkg/provider/llm"
)

// Provider implements llm.Provider with canned responses.
type Provider struct {
	// Response is returned for every Complete call when Err is nil.
	Response string

	// Err, when set, fails every Complete call.
	Err error

	mu       sync.Mutex
	requests []llm.CompletionRequest
}

func New(response string) *Provider { return &Provider{Response: response} }

func (p *Provider) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()
	if p.Err != nil {
		return nil, p.Err
	}
	return &llm.CompletionResponse{Content: p.Response}, nil
}

// Requests returns every request received so far.
func (p *Provider) Requests() []llm.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]llm.CompletionRequest, len(p.requests))
	copy(out, p.requests)
	return out
}
