package versions_test

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/earmark/internal/config"
	"github.com/MrWong99/earmark/internal/versions"
	"github.com/MrWong99/earmark/pkg/memory"
	"github.com/MrWong99/earmark/pkg/memory/mock"
)

type fakePrompts map[string]string

func (f fakePrompts) Hash(name string) (string, error) {
	h, ok := f[name]
	if !ok {
		return "", errors.New("unknown prompt " + name)
	}
	return h, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Providers.LLM = config.ProviderEntry{Name: "ollama", Model: "llama3.1:8b"}
	cfg.Providers.STT = config.ProviderEntry{Name: "whisper", Model: "base.en"}
	cfg.Providers.Speaker = config.ProviderEntry{Name: "disabled"}
	cfg.Interpretation.Prompt = "memory-v1"
	config.ApplyDefaults(cfg)
	return cfg
}

var fixedNow = func() time.Time { return time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC) }

func newRegistry(store memory.VersionStore) *versions.Registry {
	return versions.New(store, fakePrompts{"memory-v1": "aaaa", "memory-v2": "bbbb"}, versions.WithClock(fixedNow))
}

func TestFingerprint_Deterministic(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)

	_, raw1, h1, err := versions.Fingerprint(cfg, "aaaa")
	if err != nil {
		t.Fatal(err)
	}
	_, raw2, h2, _ := versions.Fingerprint(cfg, "aaaa")
	if h1 != h2 || string(raw1) != string(raw2) {
		t.Errorf("fingerprint not deterministic: %s vs %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Errorf("hash length = %d, want 64", len(h1))
	}
}

func TestFingerprint_SensitiveFields(t *testing.T) {
	t.Parallel()
	base := testConfig(t)
	_, _, baseHash, _ := versions.Fingerprint(base, "aaaa")

	tests := []struct {
		name   string
		mutate func(*config.Config)
		prompt string
		change bool
	}{
		{"llm model", func(c *config.Config) { c.Providers.LLM.Model = "qwen2.5:7b" }, "aaaa", true},
		{"asr threshold", func(c *config.Config) { c.Thresholds.ASRConfidence = 0.5 }, "aaaa", true},
		{"vad threshold", func(c *config.Config) { c.VAD.ThresholdDB = -40 }, "aaaa", true},
		{"aggregation", func(c *config.Config) { c.Interpretation.Aggregation = config.AggregateMean }, "aaaa", true},
		{"fallback added", func(c *config.Config) {
			c.Providers.LLMFallbacks = []config.ProviderEntry{{Name: "openai", Model: "gpt-local"}}
		}, "aaaa", true},
		{"prompt content", func(*config.Config) {}, "cccc", true},
		{"listen addr", func(c *config.Config) { c.Server.ListenAddr = "0.0.0.0:9000" }, "aaaa", false},
		{"log level", func(c *config.Config) { c.Server.LogLevel = config.LogDebug }, "aaaa", false},
		{"api key", func(c *config.Config) { c.Providers.LLM.APIKey = "secret" }, "aaaa", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig(t)
			tc.mutate(cfg)
			_, _, h, err := versions.Fingerprint(cfg, tc.prompt)
			if err != nil {
				t.Fatal(err)
			}
			if got := h != baseHash; got != tc.change {
				t.Errorf("hash changed = %v, want %v", got, tc.change)
			}
		})
	}
}

func TestEnsure_RegistersOnceAndReuses(t *testing.T) {
	t.Parallel()
	store := mock.NewStore()
	reg := newRegistry(store)
	ctx := context.Background()
	cfg := testConfig(t)

	v1, err := reg.Ensure(ctx, cfg)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if !strings.HasPrefix(v1.Tag, "v20260314-") || len(v1.Tag) != len("v20260314-")+8 {
		t.Errorf("Tag = %q, want v20260314-<hash8>", v1.Tag)
	}
	if v1.LLMModel != "ollama/llama3.1:8b" || v1.PromptHash != "aaaa" {
		t.Errorf("version = %+v", v1)
	}

	v2, err := reg.Ensure(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if v2.ID != v1.ID {
		t.Errorf("second Ensure ID = %d, want %d", v2.ID, v1.ID)
	}

	cfg.Interpretation.Prompt = "memory-v2"
	v3, err := reg.Ensure(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if v3.ID == v1.ID {
		t.Error("prompt change reused the old version")
	}
}

func TestEnsure_UnknownPrompt(t *testing.T) {
	t.Parallel()
	reg := newRegistry(mock.NewStore())
	cfg := testConfig(t)
	cfg.Interpretation.Prompt = "missing"
	if _, err := reg.Ensure(context.Background(), cfg); err == nil {
		t.Error("Ensure with unknown prompt returned nil error")
	}
}

func TestRecordChange(t *testing.T) {
	t.Parallel()
	store := mock.NewStore()
	reg := newRegistry(store)
	ctx := context.Background()

	old := testConfig(t)
	same := testConfig(t)
	same.Server.ListenAddr = "0.0.0.0:1"
	if _, wrote, err := reg.RecordChange(ctx, "watcher", old, same); err != nil || wrote {
		t.Errorf("RecordChange(unversioned change) = wrote %v, err %v; want false, nil", wrote, err)
	}

	changed := testConfig(t)
	changed.Thresholds.ASRConfidence = 0.55
	c, wrote, err := reg.RecordChange(ctx, "watcher", old, changed)
	if err != nil || !wrote {
		t.Fatalf("RecordChange = wrote %v, err %v", wrote, err)
	}
	if c.OldHash == c.NewHash {
		t.Error("OldHash == NewHash")
	}
	if !strings.Contains(c.Summary, "thresholds.asr_confidence: 0.7 -> 0.55") {
		t.Errorf("Summary = %q", c.Summary)
	}
	if c.Actor != "watcher" {
		t.Errorf("Actor = %q, want watcher", c.Actor)
	}

	list, _ := store.ListConfigChanges(ctx, 0)
	if len(list) != 1 {
		t.Errorf("config changes = %d, want 1", len(list))
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()
	reg := newRegistry(mock.NewStore())
	ctx := context.Background()
	v, err := reg.Ensure(ctx, testConfig(t))
	if err != nil {
		t.Fatal(err)
	}

	byTag, err := reg.Resolve(ctx, v.Tag)
	if err != nil || byTag.ID != v.ID {
		t.Errorf("Resolve(tag) = %d, %v; want %d", byTag.ID, err, v.ID)
	}
	byID, err := reg.Resolve(ctx, strconv.FormatInt(v.ID, 10))
	if err != nil || byID.ID != v.ID {
		t.Errorf("Resolve(id) = %d, %v; want %d", byID.ID, err, v.ID)
	}

	if _, err := reg.Resolve(ctx, "v19990101-deadbeef"); !errors.Is(err, versions.ErrUnknownVersion) {
		t.Errorf("Resolve(unknown) err = %v, want ErrUnknownVersion", err)
	}
	if _, err := reg.Resolve(ctx, "999"); !errors.Is(err, versions.ErrUnknownVersion) {
		t.Errorf("Resolve(999) err = %v, want ErrUnknownVersion", err)
	}
}

func TestTag(t *testing.T) {
	t.Parallel()
	got := versions.Tag(time.Date(2026, 1, 2, 23, 0, 0, 0, time.UTC), "0123456789abcdef")
	if got != "v20260102-01234567" {
		t.Errorf("Tag = %q, want v20260102-01234567", got)
	}
}
