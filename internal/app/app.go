// Package app wires all earmark subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP and the background jobs until the context ends,
// and Shutdown tears everything down in order.
//
// For testing, inject an in-memory store via [WithStore]. When no store is
// injected, New connects to PostgreSQL using the configured DSN.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"reflect"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/earmark/internal/approval"
	"github.com/MrWong99/earmark/internal/config"
	"github.com/MrWong99/earmark/internal/control"
	"github.com/MrWong99/earmark/internal/feedback"
	"github.com/MrWong99/earmark/internal/health"
	"github.com/MrWong99/earmark/internal/hotctx"
	"github.com/MrWong99/earmark/internal/ingest"
	"github.com/MrWong99/earmark/internal/interpret"
	"github.com/MrWong99/earmark/internal/observe"
	"github.com/MrWong99/earmark/internal/pipeline"
	"github.com/MrWong99/earmark/internal/recorder"
	"github.com/MrWong99/earmark/internal/replay"
	"github.com/MrWong99/earmark/internal/session"
	"github.com/MrWong99/earmark/internal/sysmetrics"
	"github.com/MrWong99/earmark/internal/versions"
	"github.com/MrWong99/earmark/pkg/audio"
	"github.com/MrWong99/earmark/pkg/memory"
	"github.com/MrWong99/earmark/pkg/memory/postgres"
	"github.com/MrWong99/earmark/pkg/provider/embeddings"
	"github.com/MrWong99/earmark/pkg/provider/llm"
	"github.com/MrWong99/earmark/pkg/provider/speaker"
	"github.com/MrWong99/earmark/pkg/provider/stt"
	"github.com/MrWong99/earmark/pkg/provider/vad"
	"github.com/MrWong99/earmark/pkg/provider/vad/energy"
)

// recallK is the number of approved memories recalled into each
// interpretation context.
const recallK = 3

// Providers holds one interface value per provider slot. Populated by
// main.go via the config registry. LLM and STT are required; a nil Speaker
// disables identification and a nil Embeddings disables the semantic index.
type Providers struct {
	LLM        llm.Provider
	STT        stt.Provider
	Speaker    speaker.Provider
	Embeddings embeddings.Provider

	// VAD defaults to the energy detector.
	VAD vad.Engine
}

// Store is the persistence backend the application runs on.
type Store interface {
	memory.Store
	memory.ApprovalWriter
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	registry  *config.Registry
	metrics   *observe.Metrics
	logLevel  *slog.LevelVar

	configPath string

	// Subsystems, initialised in New and torn down in Shutdown.
	store    Store
	index    memory.SemanticIndex
	checkers []health.Checker
	prompts  *interpret.Prompts
	versions *versions.Registry
	models   *versionModels
	sessions *SessionManager
	sampler  *sysmetrics.Sampler
	watcher  *config.Watcher
	server   *http.Server
	handler  http.Handler

	verMu   sync.RWMutex
	current memory.ModelVersion

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects the persistence backend instead of connecting to
// PostgreSQL. index may be nil to disable semantic search.
func WithStore(s Store, index memory.SemanticIndex) Option {
	return func(a *App) {
		a.store = s
		a.index = index
	}
}

// WithRegistry supplies the provider registry used to rebuild the LLM of
// historical model versions during replay.
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithMetrics overrides the OpenTelemetry instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel lets configuration reloads adjust the log level at runtime.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// WithConfigWatch enables polling path for configuration changes.
func WithConfigWatch(path string) Option {
	return func(a *App) { a.configPath = path }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
//
// New performs all initialisation synchronously: store connection, model
// version registration, pipeline assembly and the HTTP routes. Nothing runs
// until [App.Run].
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.LLM == nil || providers.STT == nil {
		return nil, errors.New("app: llm and stt providers are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.providers.VAD == nil {
		a.providers.VAD = energy.New()
	}
	if a.providers.Speaker == nil {
		a.providers.Speaker = speaker.Disabled{}
	}

	// ── 1. Store ─────────────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Model versions ────────────────────────────────────────────────
	if err := a.initVersions(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init versions: %w", err)
	}

	// ── 3. Session processing ────────────────────────────────────────────
	mgr, replayer, approvals, err := a.initSessions()
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init sessions: %w", err)
	}
	a.sessions = mgr

	// ── 4. System metrics ────────────────────────────────────────────────
	if err := a.initSysMetrics(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init system metrics: %w", err)
	}

	// ── 5. HTTP surface ──────────────────────────────────────────────────
	a.initHTTP(replayer, approvals)

	slog.Info("app initialised",
		"version", a.currentVersionTag(),
		"llm", a.providers.LLM.ModelID(),
		"stt", a.providers.STT.ModelID(),
		"speaker", a.providers.Speaker.ModelID(),
		"semantic_index", a.index != nil && a.providers.Embeddings != nil,
	)
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore connects to PostgreSQL or uses the injected store.
func (a *App) initStore(ctx context.Context) error {
	a.checkers = append(a.checkers, health.WritableDir("storage", a.cfg.Storage.Root))
	if a.store != nil {
		return nil
	}

	dsn := a.cfg.Storage.PostgresDSN
	if dsn == "" {
		return errors.New("storage.postgres_dsn is required when no store is injected")
	}
	store, err := postgres.NewStore(ctx, dsn, a.cfg.Storage.EmbeddingDimensions)
	if err != nil {
		return err
	}
	a.store = store
	a.index = store.Index()
	a.checkers = append(a.checkers, health.Ping("postgres", store.Pool()))
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	return nil
}

// initVersions registers the running configuration as a model version.
func (a *App) initVersions(ctx context.Context) error {
	a.prompts = interpret.DefaultPrompts()
	a.versions = versions.New(a.store, a.prompts)

	v, err := a.versions.Ensure(ctx, a.cfg)
	if err != nil {
		return err
	}
	a.current = v

	a.models = newVersionModels(a.registry, a.metrics)
	a.models.setCurrent(a.cfg, a.providers.LLM)
	return nil
}

// initSessions assembles the pipeline and the components around it.
func (a *App) initSessions() (*SessionManager, *replay.Engine, *approval.Machine, error) {
	cfg := a.cfg

	learning := feedback.NewRecorder(a.store, cfg.Storage.Root, feedback.WithMetrics(a.metrics))

	hotOpts := []hotctx.Option{
		hotctx.WithWindow(cfg.Interpretation.ContextWindow),
		hotctx.WithMaxItems(cfg.Interpretation.ContextItems),
	}
	approvalOpts := []approval.Option{approval.WithMetrics(a.metrics)}
	if a.index != nil && a.providers.Embeddings != nil {
		hotOpts = append(hotOpts, hotctx.WithRecall(a.index, a.providers.Embeddings, recallK))
		approvalOpts = append(approvalOpts, approval.WithIndex(a.index, a.providers.Embeddings))
	}
	hot := hotctx.NewAssembler(a.store, hotOpts...)

	orch := interpret.New(a.models, a.prompts, learning,
		interpret.WithTimeout(cfg.Interpretation.Timeout),
		interpret.WithMaxAttempts(cfg.Interpretation.MaxAttempts),
		interpret.WithSampling(cfg.Interpretation.Temperature, cfg.Interpretation.MaxTokens),
		interpret.WithMetrics(a.metrics),
	)
	machine := approval.New(a.store, a.store, a.store, learning, approvalOpts...)
	replayer := replay.New(a.store, a.versions, orch, hot,
		replay.WithConcurrency(cfg.Interpretation.Concurrency),
	)

	rec, err := recorder.New(cfg.Storage.Root, cfg.Audio.SampleRate, recorder.WithMetrics(a.metrics))
	if err != nil {
		return nil, nil, nil, err
	}

	pipe := pipeline.New(pipeline.Config{
		Normalizer: audio.NormalizerConfig{
			SampleRate:    cfg.Audio.SampleRate,
			FrameDuration: cfg.Audio.FrameDuration,
			Tolerance:     cfg.Audio.Tolerance,
		},
		VAD: vad.Config{
			SampleRate:  cfg.Audio.SampleRate,
			ThresholdDB: cfg.VAD.ThresholdDB,
			MinSpeech:   cfg.VAD.MinSpeech,
			Padding:     cfg.VAD.Padding,
		},
		Concurrency: cfg.Interpretation.Concurrency,
	}, pipeline.Deps{
		Events:      a.store,
		Items:       a.store,
		VAD:         a.providers.VAD,
		Recorder:    rec,
		STT:         a.providers.STT,
		Speaker:     a.providers.Speaker,
		Interpreter: orch,
		Context:     hot,
		Approval:    machine,
		Learning:    learning,
		Metrics:     a.metrics,
	})

	tracker := session.NewTracker(func(delta int64) {
		a.metrics.InFlightInterpretations.Add(context.Background(), delta)
	})
	mgr := NewSessionManager(SessionManagerConfig{
		Sessions:       a.store,
		Events:         a.store,
		Pipeline:       pipe,
		Approval:       machine,
		Version:        a.currentVersion,
		Tracker:        tracker,
		Metrics:        a.metrics,
		QueueCapacity:  cfg.Audio.QueueCapacity,
		OverflowPolicy: audio.OverflowPolicy(cfg.Audio.OverflowPolicy),
	})
	return mgr, replayer, machine, nil
}

// initSysMetrics opens the SQLite sample store and the cron sampler.
func (a *App) initSysMetrics() error {
	st, err := sysmetrics.Open(a.cfg.Metrics.Path)
	if err != nil {
		return err
	}
	a.checkers = append(a.checkers, health.Ping("metrics_db", st))
	a.closers = append(a.closers, st.Close)

	gauges := append(sysmetrics.RuntimeGauges(),
		sysmetrics.Gauge{Name: "session.recording", Value: func() float64 {
			if a.sessions.IsActive() {
				return 1
			}
			return 0
		}},
		sysmetrics.Gauge{Name: "session.queue_depth", Value: func() float64 {
			st, err := a.sessions.Status(context.Background())
			if err != nil {
				return 0
			}
			return float64(st.Queue.Depth)
		}},
		sysmetrics.Gauge{Name: "interpret.in_flight", Value: func() float64 {
			return float64(a.sessions.tracker.InFlight())
		}},
	)
	a.sampler = sysmetrics.NewSampler(st, gauges, sysmetrics.WithRetention(a.cfg.Metrics.Retention))
	return nil
}

// initHTTP registers every route on one mux.
func (a *App) initHTTP(replayer *replay.Engine, approvals *approval.Machine) {
	mux := http.NewServeMux()

	ctl := control.New(control.Deps{
		Recorder:  a.sessions,
		Store:     a.store,
		Approvals: approvals,
		Replay:    replayer,
		Index:     a.index,
		Embedder:  a.providers.Embeddings,
		Metrics:   a.sampler,
	})
	ctl.Register(mux)
	health.New(a.checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("GET /ws/audio", ingest.NewHandler(a.sessions, a.cfg.Audio.SampleRate,
		ingest.WithMetrics(a.metrics),
	))

	a.handler = observe.Middleware(a.metrics)(mux)
	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// ─── Model versions ──────────────────────────────────────────────────────────

func (a *App) currentVersion(context.Context) (memory.ModelVersion, error) {
	a.verMu.RLock()
	defer a.verMu.RUnlock()
	return a.current, nil
}

func (a *App) currentVersionTag() string {
	a.verMu.RLock()
	defer a.verMu.RUnlock()
	return a.current.Tag
}

// applyConfig handles a changed configuration file. The log level applies
// immediately and every fingerprint change is logged to the audit trail.
// Settings that only feed the version snapshot take effect for the next
// session; audio, storage and non-LLM provider changes need a restart and
// keep the current version.
func (a *App) applyConfig(ctx context.Context, old, next *config.Config) {
	if a.logLevel != nil {
		a.logLevel.Set(SlogLevel(next.Server.LogLevel))
	}

	change, changed, err := a.versions.RecordChange(ctx, "config-watcher", old, next)
	if err != nil {
		slog.Error("config change: record", "err", err)
		return
	}
	if !changed {
		return
	}
	slog.Info("config changed", "change_id", change.ID, "summary", change.Summary)
	if restartRequired(old, next) {
		slog.Warn("config change needs a restart to take effect; keeping model version", "version", a.currentVersionTag())
		return
	}

	v, err := a.versions.Ensure(ctx, next)
	if err != nil {
		slog.Error("config change: register version", "err", err)
		return
	}
	a.models.setConfig(next)

	a.verMu.Lock()
	prev := a.current
	a.current = v
	a.verMu.Unlock()
	if prev.ID != v.ID {
		slog.Info("model version switched", "from", prev.Tag, "to", v.Tag)
	}
}

// restartRequired reports whether next changes settings that are bound at
// construction time.
func restartRequired(old, next *config.Config) bool {
	return old.Server.ListenAddr != next.Server.ListenAddr ||
		old.Audio != next.Audio ||
		old.VAD != next.VAD ||
		!reflect.DeepEqual(old.Storage, next.Storage) ||
		!reflect.DeepEqual(old.Providers.STT, next.Providers.STT) ||
		!reflect.DeepEqual(old.Providers.Speaker, next.Providers.Speaker) ||
		!reflect.DeepEqual(old.Providers.Embeddings, next.Providers.Embeddings)
}

// SlogLevel converts a configured log level to its slog equivalent.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and starts the metrics sampler and config watcher, then
// blocks until ctx is cancelled or the server fails. When ctx is done, Run
// returns context.Canceled (or the underlying cause).
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is [App.Run] on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	if err := a.sampler.Start(a.cfg.Metrics.Schedule); err != nil {
		ln.Close()
		return fmt.Errorf("app: start sampler: %w", err)
	}
	a.closers = append([]func() error{func() error {
		a.sampler.Stop()
		return nil
	}}, a.closers...)

	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, func(c config.Change) {
			a.applyConfig(context.WithoutCancel(ctx), c.Old, c.New)
		}, config.WithBaseline(a.cfg))
		if err != nil {
			slog.Warn("config watcher disabled", "path", a.configPath, "err", err)
		} else {
			a.watcher = w
		}
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	slog.Info("app running", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops accepting requests, finishes the active session and every
// background interpretation, then runs the closers. It respects the context
// deadline: if ctx expires, remaining closers are skipped and the context
// error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.watcher != nil {
			a.watcher.Stop()
		}
		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown error", "err", err)
		}
		if err := a.sessions.Wait(ctx); err != nil {
			slog.Warn("sessions did not drain", "err", err)
			shutdownErr = err
			return
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll releases whatever New acquired before failing.
func (a *App) closeAll() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			slog.Warn("closer error", "err", err)
		}
	}
	a.closers = nil
}
