// Package mock provides an in-memory tts.Provider for unit tests. The mock
// synthesizes deterministic PCM sized by a configurable per-character
// duration, records every call, and supports scripted failures.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/cantinaworks/djrex/pkg/provider/tts"
)

// Provider is a mock tts.Provider. Set the exported fields before use;
// inspect the Calls field after. Safe for concurrent use.
type Provider struct {
	mu sync.Mutex

	// NameResult is returned by Name. Defaults to "mock".
	NameResult string

	// SampleRate of synthesized clips. Defaults to 24000.
	SampleRate int

	// PerChar is the synthetic audio duration generated per input character.
	// Defaults to 10ms, so "hello" becomes a 50ms clip.
	PerChar time.Duration

	// Err, when non-nil, is returned by every Synthesize call.
	Err error

	// Delay, when set, makes Synthesize sleep (honouring ctx) before
	// returning, to simulate provider latency.
	Delay time.Duration

	// Voices is returned by ListVoices.
	Voices []tts.Voice

	// Calls records the text of every Synthesize invocation.
	Calls []string
}

var _ tts.Provider = (*Provider)(nil)

// Name returns NameResult or "mock".
func (p *Provider) Name() string {
	if p.NameResult != "" {
		return p.NameResult
	}
	return "mock"
}

// Synthesize returns a deterministic clip for text, or the scripted error.
func (p *Provider) Synthesize(ctx context.Context, text string, _ tts.Voice) (tts.Clip, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, text)
	err := p.Err
	delay := p.Delay
	rate := p.SampleRate
	perChar := p.PerChar
	p.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return tts.Clip{}, ctx.Err()
		case <-t.C:
		}
	}
	if err != nil {
		return tts.Clip{}, err
	}

	if rate == 0 {
		rate = 24000
	}
	if perChar == 0 {
		perChar = 10 * time.Millisecond
	}
	samples := int(time.Duration(len(text)) * perChar * time.Duration(rate) / time.Second)
	if samples == 0 {
		samples = 1
	}
	return tts.Clip{PCM: make([]byte, samples*2), SampleRate: rate}, nil
}

// ListVoices returns the scripted voice list.
func (p *Provider) ListVoices(_ context.Context) ([]tts.Voice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Voices, nil
}

// CallCount returns how many Synthesize calls were recorded.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}
