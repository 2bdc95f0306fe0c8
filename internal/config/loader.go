package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/caarlos0/env/v6"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/earmark/pkg/audio"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "ollama", "llamacpp", "llamafile"},
	"stt":        {"whisper"},
	"speaker":    {"sidecar", "disabled"},
	"embeddings": {"ollama", "openai"},
}

// envOverrides are the EARMARK_* variables that take precedence over the YAML
// file. A .env file in the working directory is loaded first by the binary.
type envOverrides struct {
	ListenAddr     string `env:"EARMARK_LISTEN_ADDR"`
	LogLevel       string `env:"EARMARK_LOG_LEVEL"`
	StorageRoot    string `env:"EARMARK_STORAGE_ROOT"`
	PostgresDSN    string `env:"EARMARK_POSTGRES_DSN"`
	LLMBaseURL     string `env:"EARMARK_LLM_BASE_URL"`
	LLMModel       string `env:"EARMARK_LLM_MODEL"`
	LLMAPIKey      string `env:"EARMARK_LLM_API_KEY"`
	STTBaseURL     string `env:"EARMARK_STT_BASE_URL"`
	SpeakerBaseURL string `env:"EARMARK_SPEAKER_BASE_URL"`
	EmbedBaseURL   string `env:"EARMARK_EMBEDDINGS_BASE_URL"`
}

// Load reads the YAML configuration file at path, applies environment
// overrides and defaults, and returns a validated [Config].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment overrides
// and defaults, and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays non-empty EARMARK_* environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("config: parse environment: %w", err)
	}
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Server.ListenAddr, o.ListenAddr)
	if o.LogLevel != "" {
		cfg.Server.LogLevel = LogLevel(o.LogLevel)
	}
	set(&cfg.Storage.Root, o.StorageRoot)
	set(&cfg.Storage.PostgresDSN, o.PostgresDSN)
	set(&cfg.Providers.LLM.BaseURL, o.LLMBaseURL)
	set(&cfg.Providers.LLM.Model, o.LLMModel)
	set(&cfg.Providers.LLM.APIKey, o.LLMAPIKey)
	set(&cfg.Providers.STT.BaseURL, o.STTBaseURL)
	set(&cfg.Providers.Speaker.BaseURL, o.SpeakerBaseURL)
	set(&cfg.Providers.Embeddings.BaseURL, o.EmbedBaseURL)
	return nil
}

// ApplyDefaults fills every zero-valued setting with its default.
func ApplyDefaults(cfg *Config) {
	def := func(dst *int, v int) {
		if *dst == 0 {
			*dst = v
		}
	}
	defD := func(dst *time.Duration, v time.Duration) {
		if *dst == 0 {
			*dst = v
		}
	}
	defF := func(dst *float64, v float64) {
		if *dst == 0 {
			*dst = v
		}
	}
	defS := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
		}
	}

	defS(&cfg.Server.ListenAddr, "127.0.0.1:8765")
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	def(&cfg.Audio.SampleRate, 16000)
	defD(&cfg.Audio.FrameDuration, 30*time.Millisecond)
	defF(&cfg.Audio.Tolerance, audio.DefaultTolerance)
	def(&cfg.Audio.QueueCapacity, 256)
	defS(&cfg.Audio.OverflowPolicy, string(audio.DropOldest))

	defF(&cfg.VAD.ThresholdDB, -45)
	defD(&cfg.VAD.MinSpeech, 300*time.Millisecond)
	defD(&cfg.VAD.Padding, 300*time.Millisecond)

	defS(&cfg.Providers.Speaker.Name, "disabled")

	defF(&cfg.Thresholds.ASRConfidence, 0.7)
	defF(&cfg.Thresholds.SpeakerSelf, 0.80)
	defF(&cfg.Thresholds.SpeakerUnknown, 0.65)

	defS(&cfg.Interpretation.Prompt, "default")
	if cfg.Interpretation.Aggregation == "" {
		cfg.Interpretation.Aggregation = AggregateMin
	}
	defD(&cfg.Interpretation.Timeout, 30*time.Second)
	def(&cfg.Interpretation.MaxAttempts, 2)
	defD(&cfg.Interpretation.ContextWindow, 60*time.Second)
	def(&cfg.Interpretation.ContextItems, 5)
	def(&cfg.Interpretation.Concurrency, 2)
	def(&cfg.Interpretation.MaxTokens, 512)

	defS(&cfg.Storage.Root, "./data")
	def(&cfg.Storage.EmbeddingDimensions, 768)

	defS(&cfg.Metrics.Path, filepath.Join(cfg.Storage.Root, "metrics.db"))
	defS(&cfg.Metrics.Schedule, "@every 15s")
	defD(&cfg.Metrics.Retention, 24*time.Hour)
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Audio
	if cfg.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate must be positive, got %d", cfg.Audio.SampleRate))
	}
	if cfg.Audio.FrameDuration <= 0 {
		errs = append(errs, fmt.Errorf("audio.frame_duration must be positive, got %s", cfg.Audio.FrameDuration))
	}
	if cfg.Audio.Tolerance < 1 {
		errs = append(errs, fmt.Errorf("audio.tolerance %.2f must be at least 1.0", cfg.Audio.Tolerance))
	}
	if cfg.Audio.QueueCapacity <= 0 {
		errs = append(errs, fmt.Errorf("audio.queue_capacity must be positive, got %d", cfg.Audio.QueueCapacity))
	}
	if !audio.OverflowPolicy(cfg.Audio.OverflowPolicy).IsValid() {
		errs = append(errs, fmt.Errorf("audio.overflow_policy %q is invalid; valid values: drop_oldest, reject_newest", cfg.Audio.OverflowPolicy))
	}

	// VAD
	if cfg.VAD.ThresholdDB > 0 || cfg.VAD.ThresholdDB < -120 {
		errs = append(errs, fmt.Errorf("vad.threshold_db %.1f is out of range [-120, 0]", cfg.VAD.ThresholdDB))
	}
	if cfg.VAD.MinSpeech <= 0 {
		errs = append(errs, fmt.Errorf("vad.min_speech must be positive, got %s", cfg.VAD.MinSpeech))
	}
	if cfg.VAD.Padding < 0 {
		errs = append(errs, fmt.Errorf("vad.padding must not be negative, got %s", cfg.VAD.Padding))
	}

	// Thresholds
	for name, v := range map[string]float64{
		"thresholds.asr_confidence":  cfg.Thresholds.ASRConfidence,
		"thresholds.speaker_self":    cfg.Thresholds.SpeakerSelf,
		"thresholds.speaker_unknown": cfg.Thresholds.SpeakerUnknown,
	} {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s %.2f is out of range [0, 1]", name, v))
		}
	}
	if cfg.Thresholds.SpeakerUnknown > cfg.Thresholds.SpeakerSelf {
		errs = append(errs, fmt.Errorf("thresholds.speaker_unknown %.2f exceeds thresholds.speaker_self %.2f",
			cfg.Thresholds.SpeakerUnknown, cfg.Thresholds.SpeakerSelf))
	}

	// Interpretation
	if !cfg.Interpretation.Aggregation.IsValid() {
		errs = append(errs, fmt.Errorf("interpretation.aggregation %q is invalid; valid values: min, mean, product", cfg.Interpretation.Aggregation))
	}
	if cfg.Interpretation.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("interpretation.timeout must be positive, got %s", cfg.Interpretation.Timeout))
	}
	if cfg.Interpretation.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("interpretation.max_attempts must be positive, got %d", cfg.Interpretation.MaxAttempts))
	}
	if cfg.Interpretation.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("interpretation.concurrency must be positive, got %d", cfg.Interpretation.Concurrency))
	}

	// Providers
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("speaker", cfg.Providers.Speaker.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	for i, fb := range cfg.Providers.LLMFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
		}
		validateProviderName("llm", fb.Name)
	}
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("providers.llm is not configured; events will be stored but never interpreted")
	}
	if cfg.Providers.STT.Name == "" {
		slog.Warn("providers.stt is not configured; segments will be stored with empty transcripts")
	}
	if cfg.Providers.Embeddings.Name == "" {
		slog.Warn("providers.embeddings is not configured; approved memories will not be searchable")
	}

	// Storage
	if cfg.Storage.PostgresDSN == "" {
		errs = append(errs, errors.New("storage.postgres_dsn is required"))
	}
	if cfg.Storage.EmbeddingDimensions <= 0 {
		errs = append(errs, fmt.Errorf("storage.embedding_dimensions must be positive, got %d", cfg.Storage.EmbeddingDimensions))
	}

	// Metrics
	if cfg.Metrics.Retention <= 0 {
		errs = append(errs, fmt.Errorf("metrics.retention must be positive, got %s", cfg.Metrics.Retention))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
