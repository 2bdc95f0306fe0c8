package config

import (
	"fmt"
	"strings"
)

// FieldChange is one changed setting.
type FieldChange struct {
	Path string
	Old  string
	New  string
}

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	Changes []FieldChange

	// LogLevelChanged is the only change applied without restart.
	LogLevelChanged bool
	NewLogLevel     LogLevel
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool { return len(d.Changes) == 0 }

// Summary renders the changes as "path: old -> new" joined by "; ".
// Secrets are redacted.
func (d ConfigDiff) Summary() string {
	parts := make([]string, len(d.Changes))
	for i, c := range d.Changes {
		parts[i] = fmt.Sprintf("%s: %s -> %s", c.Path, c.Old, c.New)
	}
	return strings.Join(parts, "; ")
}

// Diff compares old and new configs and returns every changed setting in
// schema order.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff
	cmp := func(path string, a, b any) {
		as, bs := fmt.Sprint(a), fmt.Sprint(b)
		if as != bs {
			d.Changes = append(d.Changes, FieldChange{Path: path, Old: as, New: bs})
		}
	}
	secret := func(path, a, b string) {
		if a != b {
			d.Changes = append(d.Changes, FieldChange{Path: path, Old: redact(a), New: redact(b)})
		}
	}

	cmp("server.listen_addr", old.Server.ListenAddr, new.Server.ListenAddr)
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
		cmp("server.log_level", old.Server.LogLevel, new.Server.LogLevel)
	}

	cmp("audio.sample_rate", old.Audio.SampleRate, new.Audio.SampleRate)
	cmp("audio.frame_duration", old.Audio.FrameDuration, new.Audio.FrameDuration)
	cmp("audio.tolerance", old.Audio.Tolerance, new.Audio.Tolerance)
	cmp("audio.queue_capacity", old.Audio.QueueCapacity, new.Audio.QueueCapacity)
	cmp("audio.overflow_policy", old.Audio.OverflowPolicy, new.Audio.OverflowPolicy)

	cmp("vad.threshold_db", old.VAD.ThresholdDB, new.VAD.ThresholdDB)
	cmp("vad.min_speech", old.VAD.MinSpeech, new.VAD.MinSpeech)
	cmp("vad.padding", old.VAD.Padding, new.VAD.Padding)

	provider := func(prefix string, a, b ProviderEntry) {
		cmp(prefix+".name", a.Name, b.Name)
		cmp(prefix+".base_url", a.BaseURL, b.BaseURL)
		cmp(prefix+".model", a.Model, b.Model)
		secret(prefix+".api_key", a.APIKey, b.APIKey)
		cmp(prefix+".timeout", a.Timeout, b.Timeout)
		cmp(prefix+".options", a.Options, b.Options)
	}
	provider("providers.llm", old.Providers.LLM, new.Providers.LLM)
	provider("providers.stt", old.Providers.STT, new.Providers.STT)
	provider("providers.speaker", old.Providers.Speaker, new.Providers.Speaker)
	provider("providers.embeddings", old.Providers.Embeddings, new.Providers.Embeddings)
	for i := range max(len(old.Providers.LLMFallbacks), len(new.Providers.LLMFallbacks)) {
		var a, b ProviderEntry
		if i < len(old.Providers.LLMFallbacks) {
			a = old.Providers.LLMFallbacks[i]
		}
		if i < len(new.Providers.LLMFallbacks) {
			b = new.Providers.LLMFallbacks[i]
		}
		provider(fmt.Sprintf("providers.llm_fallbacks[%d]", i), a, b)
	}

	cmp("thresholds.asr_confidence", old.Thresholds.ASRConfidence, new.Thresholds.ASRConfidence)
	cmp("thresholds.speaker_self", old.Thresholds.SpeakerSelf, new.Thresholds.SpeakerSelf)
	cmp("thresholds.speaker_unknown", old.Thresholds.SpeakerUnknown, new.Thresholds.SpeakerUnknown)

	cmp("interpretation.prompt", old.Interpretation.Prompt, new.Interpretation.Prompt)
	cmp("interpretation.aggregation", old.Interpretation.Aggregation, new.Interpretation.Aggregation)
	cmp("interpretation.timeout", old.Interpretation.Timeout, new.Interpretation.Timeout)
	cmp("interpretation.max_attempts", old.Interpretation.MaxAttempts, new.Interpretation.MaxAttempts)
	cmp("interpretation.context_window", old.Interpretation.ContextWindow, new.Interpretation.ContextWindow)
	cmp("interpretation.context_items", old.Interpretation.ContextItems, new.Interpretation.ContextItems)
	cmp("interpretation.concurrency", old.Interpretation.Concurrency, new.Interpretation.Concurrency)
	cmp("interpretation.temperature", old.Interpretation.Temperature, new.Interpretation.Temperature)
	cmp("interpretation.max_tokens", old.Interpretation.MaxTokens, new.Interpretation.MaxTokens)

	cmp("storage.root", old.Storage.Root, new.Storage.Root)
	secret("storage.postgres_dsn", old.Storage.PostgresDSN, new.Storage.PostgresDSN)
	cmp("storage.embedding_dimensions", old.Storage.EmbeddingDimensions, new.Storage.EmbeddingDimensions)

	cmp("metrics.schedule", old.Metrics.Schedule, new.Metrics.Schedule)
	cmp("metrics.retention", old.Metrics.Retention, new.Metrics.Retention)

	return d
}

// redact hides secrets while still showing that a value changed.
func redact(s string) string {
	if s == "" {
		return "<unset>"
	}
	return fmt.Sprintf("<redacted:%d>", len(s))
}
