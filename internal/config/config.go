// Package config provides the configuration schema, loader, change watcher and
// provider registry for earmark.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Aggregation names how ASR and speaker confidences are combined into one
// item confidence.
type Aggregation string

const (
	AggregateMin     Aggregation = "min"
	AggregateMean    Aggregation = "mean"
	AggregateProduct Aggregation = "product"
)

// IsValid reports whether a is a recognised strategy.
func (a Aggregation) IsValid() bool {
	switch a {
	case AggregateMin, AggregateMean, AggregateProduct:
		return true
	}
	return false
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Audio          AudioConfig          `yaml:"audio"`
	VAD            VADConfig            `yaml:"vad"`
	Providers      ProvidersConfig      `yaml:"providers"`
	Thresholds     ThresholdsConfig     `yaml:"thresholds"`
	Interpretation InterpretationConfig `yaml:"interpretation"`
	Storage        StorageConfig        `yaml:"storage"`
	Metrics        MetricsConfig        `yaml:"metrics"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address for the control surface, audio ingestion
	// and /metrics (e.g., "127.0.0.1:8765").
	ListenAddr string `yaml:"listen_addr"`

	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// AudioConfig describes the canonical stream format and the ingestion queue.
type AudioConfig struct {
	// SampleRate is the only accepted input rate in Hz.
	SampleRate int `yaml:"sample_rate"`

	// FrameDuration is the fixed frame length handed to the VAD.
	FrameDuration time.Duration `yaml:"frame_duration"`

	// Tolerance is the largest absolute normalized sample value accepted.
	Tolerance float64 `yaml:"tolerance"`

	// QueueCapacity bounds the number of buffered input buffers.
	QueueCapacity int `yaml:"queue_capacity"`

	// OverflowPolicy is "drop_oldest" or "reject_newest".
	OverflowPolicy string `yaml:"overflow_policy"`
}

// VADConfig configures the energy detector.
type VADConfig struct {
	ThresholdDB float64       `yaml:"threshold_db"`
	MinSpeech   time.Duration `yaml:"min_speech"`
	Padding     time.Duration `yaml:"padding"`
}

// ProvidersConfig selects the collaborator implementation for each stage.
// Each Name is looked up in the [Registry].
type ProvidersConfig struct {
	LLM        ProviderEntry `yaml:"llm"`
	STT        ProviderEntry `yaml:"stt"`
	Speaker    ProviderEntry `yaml:"speaker"`
	Embeddings ProviderEntry `yaml:"embeddings"`

	// LLMFallbacks are tried in order when the primary LLM's circuit is open.
	LLMFallbacks []ProviderEntry `yaml:"llm_fallbacks"`
}

// ProviderEntry is the common configuration block shared by all provider types.
type ProviderEntry struct {
	// Name selects the registered implementation (e.g., "ollama", "whisper").
	Name string `yaml:"name"`

	// APIKey is optional; local servers usually ignore it.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Timeout bounds a single request. Zero uses the provider default.
	Timeout time.Duration `yaml:"timeout"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// ThresholdsConfig holds confidence thresholds recorded in every model version.
type ThresholdsConfig struct {
	// ASRConfidence below which an item is flagged low_asr_confidence.
	ASRConfidence float64 `yaml:"asr_confidence"`

	// SpeakerSelf is the cosine similarity needed to attribute speech to the user.
	SpeakerSelf float64 `yaml:"speaker_self"`

	// SpeakerUnknown is the similarity below which a speaker is unknown.
	SpeakerUnknown float64 `yaml:"speaker_unknown"`
}

// InterpretationConfig tunes the interpretation step.
type InterpretationConfig struct {
	// Prompt names the registered prompt template.
	Prompt string `yaml:"prompt"`

	Aggregation Aggregation `yaml:"aggregation"`

	// Timeout bounds one collaborator attempt.
	Timeout time.Duration `yaml:"timeout"`

	// MaxAttempts is the number of tries before the parse-failure path.
	MaxAttempts int `yaml:"max_attempts"`

	// ContextWindow is how far back prior transcripts are included.
	ContextWindow time.Duration `yaml:"context_window"`

	// ContextItems caps the number of prior transcripts included.
	ContextItems int `yaml:"context_items"`

	// Concurrency bounds parallel interpretations (live and replay).
	Concurrency int `yaml:"concurrency"`

	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// StorageConfig locates persisted state.
type StorageConfig struct {
	// Root is the directory holding audio segments and learning artifacts.
	Root string `yaml:"root"`

	// PostgresDSN is the connection string for the relational store.
	PostgresDSN string `yaml:"postgres_dsn"`

	// EmbeddingDimensions must match providers.embeddings.
	EmbeddingDimensions int `yaml:"embedding_dimensions"`
}

// MetricsConfig configures the system-metrics sampler.
type MetricsConfig struct {
	// Path is the SQLite file holding samples. Defaults to <storage.root>/metrics.db.
	Path string `yaml:"path"`

	// Schedule is a cron spec for sampling, e.g. "@every 15s".
	Schedule string `yaml:"schedule"`

	// Retention is how long samples are kept.
	Retention time.Duration `yaml:"retention"`
}
