package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/earmark/internal/config"
)

func baseConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Storage.PostgresDSN = "postgres://localhost/earmark"
	config.ApplyDefaults(cfg)
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	d := config.Diff(baseConfig(), baseConfig())
	if !d.Empty() {
		t.Errorf("Diff of identical configs = %v, want empty", d.Changes)
	}
	if d.LogLevelChanged {
		t.Error("LogLevelChanged = true, want false")
	}
}

func TestDiff_LogLevel(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Fatal("LogLevelChanged = false, want true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("NewLogLevel = %q, want debug", d.NewLogLevel)
	}
	if len(d.Changes) != 1 || d.Changes[0].Path != "server.log_level" {
		t.Errorf("Changes = %+v, want one server.log_level change", d.Changes)
	}
}

func TestDiff_ThresholdsAndProviders(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Thresholds.ASRConfidence = 0.55
	new.Providers.LLM.Model = "qwen2.5:7b"

	d := config.Diff(old, new)
	summary := d.Summary()
	if !strings.Contains(summary, "thresholds.asr_confidence: 0.7 -> 0.55") {
		t.Errorf("Summary = %q, want asr threshold change", summary)
	}
	if !strings.Contains(summary, "providers.llm.model:  -> qwen2.5:7b") {
		t.Errorf("Summary = %q, want llm model change", summary)
	}
}

func TestDiff_RedactsSecrets(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Providers.LLM.APIKey = "sk-very-secret"
	new.Storage.PostgresDSN = "postgres://user:hunter2@db/earmark"

	summary := config.Diff(old, new).Summary()
	for _, secret := range []string{"sk-very-secret", "hunter2"} {
		if strings.Contains(summary, secret) {
			t.Errorf("Summary leaks %q: %s", secret, summary)
		}
	}
	if !strings.Contains(summary, "providers.llm.api_key: <unset> -> <redacted:14>") {
		t.Errorf("Summary = %q, want redacted api key change", summary)
	}
}

func TestDiff_LLMFallbacks(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	old.Providers.LLMFallbacks = []config.ProviderEntry{{Name: "llamacpp", Model: "phi"}}
	new.Providers.LLMFallbacks = []config.ProviderEntry{
		{Name: "llamacpp", Model: "phi3"},
		{Name: "ollama", Model: "qwen"},
	}

	summary := config.Diff(old, new).Summary()
	for _, want := range []string{
		"providers.llm_fallbacks[0].model: phi -> phi3",
		"providers.llm_fallbacks[1].name:  -> ollama",
	} {
		if !strings.Contains(summary, want) {
			t.Errorf("Summary = %q, want %q", summary, want)
		}
	}
}
