// Package versions fingerprints the interpretation-relevant configuration and
// keeps the immutable model-version registry plus the configuration audit
// trail.
//
// A [memory.ModelVersion] is identified by the SHA-256 of a canonical JSON
// [Snapshot]. Any change to a model, a threshold, the VAD settings, the
// aggregation strategy or the prompt template yields a new hash and thus a
// new version. Listen address, log level and storage paths are not part of
// the snapshot.
package versions

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/MrWong99/earmark/internal/config"
	"github.com/MrWong99/earmark/internal/observe"
	"github.com/MrWong99/earmark/pkg/memory"
)

// ErrUnknownVersion is returned by [Registry.Resolve] when no version matches.
var ErrUnknownVersion = errors.New("versions: unknown model version")

// Prompts resolves a prompt template name to its content hash.
type Prompts interface {
	Hash(name string) (string, error)
}

// Snapshot is the canonical set of settings a version is fingerprinted over.
// Field order is fixed by the struct, so its JSON encoding is canonical.
type Snapshot struct {
	LLM          string   `json:"llm"`
	LLMFallbacks []string `json:"llm_fallbacks,omitempty"`

	ASR          string  `json:"asr"`
	ASRThreshold float64 `json:"asr_threshold"`

	Speaker        string  `json:"speaker"`
	SpeakerSelf    float64 `json:"speaker_self"`
	SpeakerUnknown float64 `json:"speaker_unknown"`

	SampleRate    int     `json:"sample_rate"`
	FrameMS       int64   `json:"frame_ms"`
	VADThreshold  float64 `json:"vad_threshold_db"`
	MinSpeechMS   int64   `json:"vad_min_speech_ms"`
	VADPaddingMS  int64   `json:"vad_padding_ms"`
	Aggregation   string  `json:"aggregation"`
	PromptName    string  `json:"prompt_name"`
	PromptHash    string  `json:"prompt_hash"`
	ContextWindow int64   `json:"context_window_ms"`
}

// Fingerprint builds the snapshot of cfg with the given prompt hash and
// returns it together with its canonical JSON and SHA-256 hex digest.
func Fingerprint(cfg *config.Config, promptHash string) (Snapshot, []byte, string, error) {
	snap := Snapshot{
		LLM:            modelRef(cfg.Providers.LLM),
		ASR:            modelRef(cfg.Providers.STT),
		ASRThreshold:   cfg.Thresholds.ASRConfidence,
		Speaker:        modelRef(cfg.Providers.Speaker),
		SpeakerSelf:    cfg.Thresholds.SpeakerSelf,
		SpeakerUnknown: cfg.Thresholds.SpeakerUnknown,
		SampleRate:     cfg.Audio.SampleRate,
		FrameMS:        cfg.Audio.FrameDuration.Milliseconds(),
		VADThreshold:   cfg.VAD.ThresholdDB,
		MinSpeechMS:    cfg.VAD.MinSpeech.Milliseconds(),
		VADPaddingMS:   cfg.VAD.Padding.Milliseconds(),
		Aggregation:    string(cfg.Interpretation.Aggregation),
		PromptName:     cfg.Interpretation.Prompt,
		PromptHash:     promptHash,
		ContextWindow:  cfg.Interpretation.ContextWindow.Milliseconds(),
	}
	for _, fb := range cfg.Providers.LLMFallbacks {
		snap.LLMFallbacks = append(snap.LLMFallbacks, modelRef(fb))
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return Snapshot{}, nil, "", fmt.Errorf("versions: marshal snapshot: %w", err)
	}
	sum := sha256.Sum256(raw)
	return snap, raw, hex.EncodeToString(sum[:]), nil
}

func modelRef(e config.ProviderEntry) string {
	if e.Model == "" {
		return e.Name
	}
	return e.Name + "/" + e.Model
}

// Registry registers and resolves model versions.
type Registry struct {
	store   memory.VersionStore
	prompts Prompts
	now     func() time.Time
}

// Option configures a [Registry].
type Option func(*Registry)

// WithClock overrides the clock used for version tags.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New returns a Registry persisting to store.
func New(store memory.VersionStore, prompts Prompts, opts ...Option) *Registry {
	r := &Registry{store: store, prompts: prompts, now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Ensure returns the version matching cfg, registering it first if this
// fingerprint has never been seen.
func (r *Registry) Ensure(ctx context.Context, cfg *config.Config) (memory.ModelVersion, error) {
	snap, raw, hash, err := r.fingerprint(cfg)
	if err != nil {
		return memory.ModelVersion{}, err
	}
	v, err := r.store.RegisterVersion(ctx, memory.ModelVersion{
		Tag:                     Tag(r.now(), hash),
		ConfigHash:              hash,
		LLMModel:                snap.LLM,
		ASRModel:                snap.ASR,
		ASRThreshold:            snap.ASRThreshold,
		SpeakerModel:            snap.Speaker,
		SpeakerSelfThreshold:    snap.SpeakerSelf,
		SpeakerUnknownThreshold: snap.SpeakerUnknown,
		PromptName:              snap.PromptName,
		PromptHash:              snap.PromptHash,
		Aggregation:             snap.Aggregation,
		Snapshot:                raw,
	})
	if err != nil {
		return memory.ModelVersion{}, fmt.Errorf("versions: register: %w", err)
	}
	observe.Logger(ctx).Info("model version active", "version", v.Tag, "config_hash", v.ConfigHash)
	return v, nil
}

// RecordChange appends a config change entry when old and new fingerprint
// differently. It reports whether an entry was written.
func (r *Registry) RecordChange(ctx context.Context, actor string, old, new *config.Config) (memory.ConfigChange, bool, error) {
	_, _, oldHash, err := r.fingerprint(old)
	if err != nil {
		return memory.ConfigChange{}, false, err
	}
	_, _, newHash, err := r.fingerprint(new)
	if err != nil {
		return memory.ConfigChange{}, false, err
	}
	if oldHash == newHash {
		return memory.ConfigChange{}, false, nil
	}

	c, err := r.store.LogConfigChange(ctx, memory.ConfigChange{
		At:      r.now(),
		Actor:   actor,
		OldHash: oldHash,
		NewHash: newHash,
		Summary: config.Diff(old, new).Summary(),
	})
	if err != nil {
		return memory.ConfigChange{}, false, fmt.Errorf("versions: log config change: %w", err)
	}
	return c, true, nil
}

// Resolve looks up a version by numeric id or by tag.
func (r *Registry) Resolve(ctx context.Context, idOrTag string) (memory.ModelVersion, error) {
	var (
		v   memory.ModelVersion
		err error
	)
	if id, perr := strconv.ParseInt(idOrTag, 10, 64); perr == nil {
		v, err = r.store.GetVersion(ctx, id)
	} else {
		v, err = r.store.GetVersionByTag(ctx, idOrTag)
	}
	if errors.Is(err, memory.ErrNotFound) {
		return memory.ModelVersion{}, fmt.Errorf("%w: %q", ErrUnknownVersion, idOrTag)
	}
	if err != nil {
		return memory.ModelVersion{}, fmt.Errorf("versions: resolve %q: %w", idOrTag, err)
	}
	return v, nil
}

func (r *Registry) fingerprint(cfg *config.Config) (Snapshot, []byte, string, error) {
	promptHash, err := r.prompts.Hash(cfg.Interpretation.Prompt)
	if err != nil {
		return Snapshot{}, nil, "", fmt.Errorf("versions: %w", err)
	}
	return Fingerprint(cfg, promptHash)
}

// Tag formats the human-readable version tag v<YYYYMMDD>-<hash8>.
func Tag(at time.Time, hash string) string {
	if len(hash) > 8 {
		hash = hash[:8]
	}
	return fmt.Sprintf("v%s-%s", at.UTC().Format("20060102"), hash)
}
