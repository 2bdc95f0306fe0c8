package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/MrWong99/earmark/internal/config"
	"github.com/MrWong99/earmark/internal/interpret"
	"github.com/MrWong99/earmark/internal/observe"
	"github.com/MrWong99/earmark/internal/resilience"
	"github.com/MrWong99/earmark/internal/versions"
	"github.com/MrWong99/earmark/pkg/memory"
	"github.com/MrWong99/earmark/pkg/provider/llm"
)

// versionModels resolves the LLM serving a model version. Versions whose LLM
// chain matches the running configuration share the live provider; older
// versions get a provider rebuilt from their snapshot, reusing endpoints and
// credentials of the current config entry with the same backend name.
type versionModels struct {
	registry *config.Registry
	metrics  *observe.Metrics

	mu      sync.Mutex
	cfg     *config.Config
	byChain map[string]llm.Provider
}

var _ interpret.ModelSource = (*versionModels)(nil)

func newVersionModels(reg *config.Registry, metrics *observe.Metrics) *versionModels {
	return &versionModels{registry: reg, metrics: metrics, byChain: make(map[string]llm.Provider)}
}

// setCurrent registers the live provider for cfg's LLM chain.
func (m *versionModels) setCurrent(cfg *config.Config, p llm.Provider) {
	refs := []string{modelRef(cfg.Providers.LLM)}
	for _, fb := range cfg.Providers.LLMFallbacks {
		refs = append(refs, modelRef(fb))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
	m.byChain[strings.Join(refs, ",")] = p
}

// setConfig replaces the config consulted for endpoints and credentials
// when rebuilding providers.
func (m *versionModels) setConfig(cfg *config.Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
}

// LLM implements [interpret.ModelSource].
func (m *versionModels) LLM(ctx context.Context, v memory.ModelVersion) (llm.Provider, error) {
	refs, err := llmChain(v)
	if err != nil {
		return nil, err
	}
	key := strings.Join(refs, ",")

	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.byChain[key]; ok {
		return p, nil
	}
	if m.registry == nil {
		return nil, fmt.Errorf("app: no provider for %s", key)
	}

	entries := make([]config.ProviderEntry, len(refs))
	for i, ref := range refs {
		entries[i] = m.entryFor(ref)
	}
	group, err := BuildLLMChain(m.registry, entries, m.metrics)
	if err != nil {
		return nil, fmt.Errorf("app: version %s: %w", v.Tag, err)
	}
	m.byChain[key] = group
	observe.Logger(ctx).Info("built llm for historical version", "version", v.Tag, "chain", key)
	return group, nil
}

// entryFor returns a provider entry for ref ("name" or "name/model").
func (m *versionModels) entryFor(ref string) config.ProviderEntry {
	name, model, _ := strings.Cut(ref, "/")
	entry := config.ProviderEntry{Name: name, Model: model}
	if m.cfg == nil {
		return entry
	}
	for _, cur := range append([]config.ProviderEntry{m.cfg.Providers.LLM}, m.cfg.Providers.LLMFallbacks...) {
		if cur.Name == name {
			cur.Model = model
			return cur
		}
	}
	return entry
}

// llmChain returns the primary and fallback model references of v.
func llmChain(v memory.ModelVersion) ([]string, error) {
	if len(v.Snapshot) == 0 {
		if v.LLMModel == "" {
			return nil, fmt.Errorf("app: version %s names no llm", v.Tag)
		}
		return []string{v.LLMModel}, nil
	}
	var snap versions.Snapshot
	if err := json.Unmarshal(v.Snapshot, &snap); err != nil {
		return nil, fmt.Errorf("app: decode snapshot of %s: %w", v.Tag, err)
	}
	return append([]string{snap.LLM}, snap.LLMFallbacks...), nil
}

func modelRef(e config.ProviderEntry) string {
	if e.Model == "" {
		return e.Name
	}
	return e.Name + "/" + e.Model
}

// BuildLLMChain creates every entry through reg and joins them into a
// fallback group tried in order.
func BuildLLMChain(reg *config.Registry, entries []config.ProviderEntry, metrics *observe.Metrics) (*resilience.LLMFallback, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("app: empty llm chain")
	}
	fc := resilience.FallbackConfig{Kind: "llm", Metrics: metrics}

	var group *resilience.LLMFallback
	for i, e := range entries {
		p, err := reg.CreateLLM(e)
		if err != nil {
			return nil, fmt.Errorf("build llm %q: %w", modelRef(e), err)
		}
		if i == 0 {
			group = resilience.NewLLMFallback(p, modelRef(e), fc)
			continue
		}
		group.AddFallback(modelRef(e), p)
	}
	return group, nil
}
