// Package mock provides an in-memory llm.Provider for unit tests. The mock
// replays scripted responses, records every request, and supports scripted
// failures.
package mock

import (
	"context"
	"sync"

	"github.com/cantinaworks/djrex/pkg/provider/llm"
)

// Provider is a mock llm.Provider. Set the exported fields before use;
// inspect Requests after. Safe for concurrent use.
type Provider struct {
	mu sync.Mutex

	// Responses are returned by successive Complete calls. When exhausted,
	// the last response repeats. Empty defaults to a single canned reply.
	Responses []string

	// Err, when non-nil, is returned by every call.
	Err error

	// Requests records every CompletionRequest received.
	Requests []llm.CompletionRequest

	calls int
}

var _ llm.Provider = (*Provider)(nil)

// Complete returns the next scripted response.
func (p *Provider) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.Requests = append(p.Requests, req)
	if p.Err != nil {
		return nil, p.Err
	}

	content := "Well, hello hello!"
	if len(p.Responses) > 0 {
		idx := min(p.calls, len(p.Responses)-1)
		content = p.Responses[idx]
	}
	p.calls++

	return &llm.CompletionResponse{
		Content: content,
		Usage:   llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

// StreamCompletion streams the next scripted response as one chunk followed
// by a stop chunk.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	resp, err := p.Complete(ctx, req)
	if err != nil {
		return nil, err
	}

	ch := make(chan llm.Chunk, 2)
	ch <- llm.Chunk{Text: resp.Content}
	ch <- llm.Chunk{FinishReason: "stop"}
	close(ch)
	return ch, nil
}

// CallCount returns how many requests were recorded.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Requests)
}
