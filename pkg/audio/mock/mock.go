// Package mock provides an in-memory [audio.Source] for use in unit tests.
//
// The mock is safe for concurrent use. It records calls so tests can assert
// on them and exposes fields to control what it returns.
//
// Typical usage:
//
//	src := &mock.Source{Buffers: []audio.Buffer{buf1, buf2}}
//	err := audio.Pump(ctx, src, "mock", queue.Push)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/earmark/pkg/audio"
)

// Source is a mock implementation of [audio.Source]. It returns Buffers in
// order, then ReadErr if set, then [audio.ErrSourceDone].
type Source struct {
	mu sync.Mutex

	// Buffers are returned by Read in order.
	Buffers []audio.Buffer

	// ReadErr is returned once all Buffers have been consumed. Nil means
	// audio.ErrSourceDone.
	ReadErr error

	// CloseErr is returned by Close.
	CloseErr error

	// ReadCalls counts Read invocations.
	ReadCalls int

	// Closed is true after Close has been called.
	Closed bool

	pos int
}

// Read implements [audio.Source].
func (s *Source) Read(ctx context.Context) (audio.Buffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ReadCalls++
	if err := ctx.Err(); err != nil {
		return audio.Buffer{}, err
	}
	if s.pos < len(s.Buffers) {
		b := s.Buffers[s.pos]
		s.pos++
		return b, nil
	}
	if s.ReadErr != nil {
		return audio.Buffer{}, s.ReadErr
	}
	return audio.Buffer{}, audio.ErrSourceDone
}

// Close implements [audio.Source].
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed = true
	return s.CloseErr
}

var _ audio.Source = (*Source)(nil)
