package sysmetrics

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// pruneSchedule is when retention is enforced.
const pruneSchedule = "@hourly"

// Gauge reports the current value of one named metric.
type Gauge struct {
	Name  string
	Value func() float64
}

// RuntimeGauges report process-level figures.
func RuntimeGauges() []Gauge {
	var (
		mu   sync.Mutex
		last runtime.MemStats
		at   time.Time
	)
	// ReadMemStats stops the world; read once per sampling tick.
	mem := func() runtime.MemStats {
		mu.Lock()
		defer mu.Unlock()
		if time.Since(at) > time.Second {
			runtime.ReadMemStats(&last)
			at = time.Now()
		}
		return last
	}
	return []Gauge{
		{Name: "process.goroutines", Value: func() float64 { return float64(runtime.NumGoroutine()) }},
		{Name: "process.heap_alloc_bytes", Value: func() float64 { return float64(mem().HeapAlloc) }},
		{Name: "process.gc_cycles", Value: func() float64 { return float64(mem().NumGC) }},
	}
}

// Option configures a [Sampler].
type Option func(*Sampler)

// WithRetention sets how long samples are kept. Zero keeps them forever.
func WithRetention(d time.Duration) Option {
	return func(s *Sampler) { s.retention = d }
}

// WithClock overrides the sample timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Sampler) { s.now = now }
}

// Sampler periodically records gauges into a [Store].
type Sampler struct {
	store     *Store
	gauges    []Gauge
	retention time.Duration
	now       func() time.Time

	cron *cron.Cron
}

// NewSampler returns a Sampler recording gauges into store.
func NewSampler(store *Store, gauges []Gauge, opts ...Option) *Sampler {
	s := &Sampler{
		store:  store,
		gauges: gauges,
		now:    time.Now,
		cron:   cron.New(cron.WithLocation(time.UTC)),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start schedules sampling on schedule (standard cron or "@every 15s") and
// hourly pruning, then starts the scheduler.
func (s *Sampler) Start(schedule string) error {
	if _, err := s.cron.AddFunc(schedule, func() {
		if err := s.SampleOnce(context.Background()); err != nil {
			slog.Warn("sysmetrics: sample failed", "err", err)
		}
	}); err != nil {
		return fmt.Errorf("sysmetrics: schedule %q: %w", schedule, err)
	}
	if s.retention > 0 {
		if _, err := s.cron.AddFunc(pruneSchedule, func() {
			n, err := s.PruneOnce(context.Background())
			if err != nil {
				slog.Warn("sysmetrics: prune failed", "err", err)
				return
			}
			slog.Debug("sysmetrics: pruned samples", "removed", n)
		}); err != nil {
			return fmt.Errorf("sysmetrics: schedule prune: %w", err)
		}
	}
	s.cron.Start()
	slog.Info("system metrics sampler started", "schedule", schedule, "retention", s.retention)
	return nil
}

// Stop halts scheduling and waits for a running job to finish.
func (s *Sampler) Stop() {
	<-s.cron.Stop().Done()
}

// SampleOnce records every gauge with a common timestamp.
func (s *Sampler) SampleOnce(ctx context.Context) error {
	at := s.now().UTC()
	samples := make([]Sample, 0, len(s.gauges))
	for _, g := range s.gauges {
		samples = append(samples, Sample{At: at, Name: g.Name, Value: g.Value()})
	}
	return s.store.Insert(ctx, samples)
}

// PruneOnce enforces the retention period.
func (s *Sampler) PruneOnce(ctx context.Context) (int64, error) {
	if s.retention <= 0 {
		return 0, nil
	}
	return s.store.Prune(ctx, s.now().Add(-s.retention))
}

// Recent returns the samples of the last window.
func (s *Sampler) Recent(ctx context.Context, window time.Duration) ([]Sample, error) {
	return s.store.Since(ctx, s.now().Add(-window))
}
