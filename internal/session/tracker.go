package session

import (
	"context"
	"sync"
	"sync/atomic"
)

// Tracker counts in-flight background tasks such as interpretations. Stopping
// a session does not wait on it; application shutdown does.
type Tracker struct {
	wg       sync.WaitGroup
	inFlight atomic.Int64
	onChange func(delta int64)
}

// NewTracker returns a Tracker. onChange, when non-nil, is called with +1 and
// -1 as tasks start and finish.
func NewTracker(onChange func(delta int64)) *Tracker {
	return &Tracker{onChange: onChange}
}

// Go runs fn in a new goroutine and tracks it until it returns.
func (t *Tracker) Go(fn func()) {
	t.add(1)
	t.wg.Add(1)
	go func() {
		defer func() {
			t.add(-1)
			t.wg.Done()
		}()
		fn()
	}()
}

func (t *Tracker) add(delta int64) {
	t.inFlight.Add(delta)
	if t.onChange != nil {
		t.onChange(delta)
	}
}

// InFlight returns the number of running tasks.
func (t *Tracker) InFlight() int64 { return t.inFlight.Load() }

// Wait blocks until every task finished or ctx is done.
func (t *Tracker) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
