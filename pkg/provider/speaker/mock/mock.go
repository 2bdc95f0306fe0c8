// Package mock provides a test double for the speaker.Provider interface.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/earmark/pkg/provider/speaker"
	"github.com/MrWong99/earmark/pkg/types"
)

// Provider is a mock implementation of speaker.Provider.
type Provider struct {
	mu sync.Mutex

	// Result is returned by Identify.
	Result types.SpeakerMatch

	// Err, if non-nil, is returned as the error from Identify.
	Err error

	// Model is returned by ModelID. Defaults to "mock-speaker".
	Model string

	// Calls records every Request passed to Identify.
	Calls []speaker.Request
}

// Identify records the call and returns Result, Err.
func (p *Provider) Identify(_ context.Context, req speaker.Request) (types.SpeakerMatch, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, req)
	return p.Result, p.Err
}

// ModelID returns Model, or "mock-speaker" when unset.
func (p *Provider) ModelID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Model == "" {
		return "mock-speaker"
	}
	return p.Model
}

// Ensure Provider implements speaker.Provider at compile time.
var _ speaker.Provider = (*Provider)(nil)
