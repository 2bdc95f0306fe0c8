package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Change is one accepted reload of the watched file.
type Change struct {
	Old, New *Config
	Diff     ConfigDiff
}

// stamp identifies a file revision cheaply; content is only hashed when it
// moves.
type stamp struct {
	mtime time.Time
	size  int64
}

// Watcher polls a config file and reports validated changes. Reloads go
// through [LoadFromReader], so environment overrides and defaults apply the
// same way as at startup. Files that fail validation are logged and skipped.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(Change)
	log      *slog.Logger

	mu      sync.Mutex
	current *Config
	stamp   stamp
	sum     [sha256.Size]byte

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithBaseline makes the first reported change diff against cfg, the config
// the process is actually running with, instead of the file's initial
// contents.
func WithBaseline(cfg *Config) WatcherOption {
	return func(w *Watcher) {
		if cfg != nil {
			w.current = cfg
		}
	}
}

// WithWatcherLogger sets the logger. Defaults to [slog.Default].
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// NewWatcher validates the file at path and starts polling it. onChange runs
// on the polling goroutine for every reload whose [Diff] is non-empty; it may
// be nil.
func NewWatcher(path string, onChange func(Change), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		log:      slog.Default(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, st, sum, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	if w.current == nil {
		w.current = cfg
	}
	w.stamp, w.sum = st, sum

	go w.loop()
	return w, nil
}

// Current returns the most recently accepted config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling and waits for an in-flight callback to return. It is
// safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
}

func (w *Watcher) loop() {
	defer close(w.done)
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-t.C:
			if c, ok := w.poll(); ok && w.onChange != nil {
				w.onChange(c)
			}
		}
	}
}

// poll reports a change when the file's stamp and content hash both moved,
// the new contents validate, and at least one setting differs.
func (w *Watcher) poll() (Change, bool) {
	info, err := os.Stat(w.path)
	if err != nil {
		w.log.Warn("config watcher: stat failed", "path", w.path, "err", err)
		return Change{}, false
	}
	w.mu.Lock()
	unchanged := w.stamp == stamp{mtime: info.ModTime(), size: info.Size()}
	w.mu.Unlock()
	if unchanged {
		return Change{}, false
	}

	cfg, st, sum, err := w.read()
	if err != nil {
		w.log.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
		return Change{}, false
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.stamp = st
	if sum == w.sum {
		return Change{}, false
	}
	w.sum = sum
	d := Diff(w.current, cfg)
	if d.Empty() {
		return Change{}, false
	}
	c := Change{Old: w.current, New: cfg, Diff: d}
	w.current = cfg
	w.log.Info("config watcher: reloaded", "path", w.path, "changes", len(d.Changes))
	return c, true
}

func (w *Watcher) read() (*Config, stamp, [sha256.Size]byte, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, stamp{}, [sha256.Size]byte{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, stamp{}, [sha256.Size]byte{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, stamp{}, [sha256.Size]byte{}, err
	}
	return cfg, stamp{mtime: info.ModTime(), size: info.Size()}, sha256.Sum256(data), nil
}
