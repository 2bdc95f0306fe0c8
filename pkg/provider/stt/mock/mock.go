// Package mock provides a test double for the stt.Provider interface.
//
// Example:
//
//	p := &mock.Provider{
//	    Result: types.Transcript{Text: "buy oat milk", Confidence: 0.92},
//	}
//	tr, err := p.Transcribe(ctx, req)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/earmark/pkg/provider/stt"
	"github.com/MrWong99/earmark/pkg/types"
)

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	// Ctx is the context passed to Transcribe.
	Ctx context.Context
	// Req is the Request passed to Transcribe.
	Req stt.Request
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Results, if non-empty, are returned by successive calls. When exhausted
	// Result is returned.
	Results []types.Transcript

	// Result is returned by Transcribe once Results is exhausted.
	Result types.Transcript

	// Err, if non-nil, is returned as the error from Transcribe.
	Err error

	// Delay, if positive, is waited before answering. A cancelled ctx ends
	// the wait with ctx.Err().
	Delay time.Duration

	// Model is returned by ModelID. Defaults to "mock-stt".
	Model string

	// Calls records every call to Transcribe.
	Calls []TranscribeCall
}

// Transcribe records the call and returns the next scripted result.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (types.Transcript, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, TranscribeCall{Ctx: ctx, Req: req})
	delay := p.Delay
	p.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return types.Transcript{}, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return types.Transcript{}, p.Err
	}
	if len(p.Results) > 0 {
		r := p.Results[0]
		p.Results = p.Results[1:]
		return r, nil
	}
	return p.Result, nil
}

// ModelID returns Model, or "mock-stt" when unset.
func (p *Provider) ModelID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Model == "" {
		return "mock-stt"
	}
	return p.Model
}

// CallCount returns the number of Transcribe calls so far. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)
