// Command earmark is the main entry point for the earmark personal memory
// service.
//
// Without -feed it serves the control API, the audio ingestion WebSocket and
// /metrics until interrupted. With -feed it records one session from a WAV
// file, waits for interpretation to finish and exits.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/earmark/internal/app"
	"github.com/MrWong99/earmark/internal/config"
	"github.com/MrWong99/earmark/internal/observe"
	"github.com/MrWong99/earmark/internal/resilience"
	"github.com/MrWong99/earmark/pkg/audio/wavfile"
	"github.com/MrWong99/earmark/pkg/provider/embeddings"
	ollamaembed "github.com/MrWong99/earmark/pkg/provider/embeddings/ollama"
	oaembed "github.com/MrWong99/earmark/pkg/provider/embeddings/openai"
	"github.com/MrWong99/earmark/pkg/provider/llm"
	"github.com/MrWong99/earmark/pkg/provider/llm/anyllm"
	oallm "github.com/MrWong99/earmark/pkg/provider/llm/openai"
	"github.com/MrWong99/earmark/pkg/provider/speaker"
	"github.com/MrWong99/earmark/pkg/provider/speaker/sidecar"
	"github.com/MrWong99/earmark/pkg/provider/stt"
	"github.com/MrWong99/earmark/pkg/provider/stt/whisper"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envPath := flag.String("env", ".env", "optional dotenv file loaded before the configuration")
	feedPath := flag.String("feed", "", "record one session from this WAV file and exit")
	notes := flag.String("notes", "", "notes attached to the session started by -feed")
	flag.Parse()

	// ── Environment ───────────────────────────────────────────────────────────
	if err := godotenv.Load(*envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "earmark: load %s: %v\n", *envPath, err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "earmark: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "earmark: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("earmark starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "earmark",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg)

	providers, err := buildProviders(cfg, reg, metrics)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	application, err := app.New(ctx, cfg, providers,
		app.WithRegistry(reg),
		app.WithMetrics(metrics),
		app.WithLogLevel(level),
		app.WithConfigWatch(*configPath),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	code := 0
	if *feedPath != "" {
		code = feed(ctx, application, *feedPath, *notes)
	} else {
		slog.Info("server ready; press Ctrl+C to shut down")
		if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("run error", "err", err)
			code = 1
		}
		slog.Info("shutdown signal received, stopping")
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// feed records one session from the WAV file at path.
func feed(ctx context.Context, application *app.App, path, notes string) int {
	src, err := wavfile.Open(path)
	if err != nil {
		slog.Error("failed to open capture", "path", path, "err", err)
		return 1
	}
	defer src.Close()

	info := src.Info()
	slog.Info("feeding capture", "path", path, "duration", info.Duration, "sample_rate", info.SampleRate)
	sess, err := application.Sessions().Feed(ctx, src, "file", notes)
	if err != nil {
		slog.Error("feed failed", "err", err)
		return 1
	}
	slog.Info("capture recorded", "session_id", sess.ID, "status", sess.Status)
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the provider
// from the real implementation package.
func registerBuiltinProviders(reg *config.Registry, cfg *config.Config) {
	// ── LLM ───────────────────────────────────────────────────────────────────

	// openai speaks the OpenAI chat API of llama.cpp server, vLLM, LM Studio
	// and similar local endpoints.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oallm.Option
		if entry.APIKey != "" {
			opts = append(opts, oallm.WithAPIKey(entry.APIKey))
		}
		if entry.Timeout > 0 {
			opts = append(opts, oallm.WithTimeout(entry.Timeout))
		}
		return oallm.New(entry.BaseURL, entry.Model, opts...)
	})

	for _, backend := range anyllm.Backends {
		reg.RegisterLLM(backend, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(backend, entry.Model, opts...)
		})
	}

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		if entry.Timeout > 0 {
			opts = append(opts, whisper.WithTimeout(entry.Timeout))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	// ── Speaker ───────────────────────────────────────────────────────────────

	reg.RegisterSpeaker("disabled", func(config.ProviderEntry) (speaker.Provider, error) {
		return speaker.Disabled{}, nil
	})

	reg.RegisterSpeaker("sidecar", func(entry config.ProviderEntry) (speaker.Provider, error) {
		path := optString(entry.Options, "profiles")
		if path == "" {
			return nil, errors.New("speaker sidecar: options.profiles is required")
		}
		profiles, err := sidecar.LoadProfiles(path)
		if err != nil {
			return nil, err
		}
		m, err := speaker.NewMatcher(profiles, speaker.Thresholds{
			Self:    cfg.Thresholds.SpeakerSelf,
			Unknown: cfg.Thresholds.SpeakerUnknown,
		})
		if err != nil {
			return nil, err
		}
		opts := []sidecar.Option{}
		if entry.Model != "" {
			opts = append(opts, sidecar.WithModel(entry.Model))
		}
		if entry.Timeout > 0 {
			opts = append(opts, sidecar.WithTimeout(entry.Timeout))
		}
		return sidecar.New(entry.BaseURL, m, opts...)
	})

	// ── Embeddings ────────────────────────────────────────────────────────────

	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.APIKey != "" {
			opts = append(opts, oaembed.WithAPIKey(entry.APIKey))
		}
		if entry.Timeout > 0 {
			opts = append(opts, oaembed.WithTimeout(entry.Timeout))
		}
		return oaembed.New(entry.BaseURL, entry.Model, cfg.Storage.EmbeddingDimensions, opts...)
	})

	reg.RegisterEmbeddings("ollama", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		opts := []ollamaembed.Option{ollamaembed.WithDimensions(cfg.Storage.EmbeddingDimensions)}
		if entry.Timeout > 0 {
			opts = append(opts, ollamaembed.WithTimeout(entry.Timeout))
		}
		return ollamaembed.New(entry.BaseURL, entry.Model, opts...)
	})

	for kind, names := range reg.Names() {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates all providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to consume.
func buildProviders(cfg *config.Config, reg *config.Registry, metrics *observe.Metrics) (*app.Providers, error) {
	ps := &app.Providers{}

	chain := append([]config.ProviderEntry{cfg.Providers.LLM}, cfg.Providers.LLMFallbacks...)
	llmGroup, err := app.BuildLLMChain(reg, chain, metrics)
	if err != nil {
		return nil, err
	}
	ps.LLM = llmGroup
	slog.Info("provider created", "kind", "llm", "model", llmGroup.ModelID())

	sttProvider, err := reg.CreateSTT(cfg.Providers.STT)
	if err != nil {
		return nil, fmt.Errorf("create stt provider %q: %w", cfg.Providers.STT.Name, err)
	}
	ps.STT = resilience.NewSTTFallback(sttProvider, cfg.Providers.STT.Name, resilience.FallbackConfig{
		Kind:    "stt",
		Metrics: metrics,
	})
	slog.Info("provider created", "kind", "stt", "name", cfg.Providers.STT.Name)

	sp, err := reg.CreateSpeaker(cfg.Providers.Speaker)
	if err != nil {
		return nil, fmt.Errorf("create speaker provider %q: %w", cfg.Providers.Speaker.Name, err)
	}
	ps.Speaker = sp
	slog.Info("provider created", "kind", "speaker", "name", cfg.Providers.Speaker.Name)

	if name := cfg.Providers.Embeddings.Name; name != "" {
		p, err := reg.CreateEmbeddings(cfg.Providers.Embeddings)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("embeddings provider not registered; semantic search disabled", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create embeddings provider %q: %w", name, err)
		} else {
			ps.Embeddings = p
			slog.Info("provider created", "kind", "embeddings", "name", name)
		}
	}

	return ps, nil
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	s, _ := opts[key].(string)
	return s
}
