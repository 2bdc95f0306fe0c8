package resilience

import (
	"context"
	"strings"

	"github.com/MrWong99/earmark/pkg/provider/llm"
)

// LLMFallback implements [llm.Provider] with failover across LLM backends.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	if cfg.Kind == "" {
		cfg.Kind = "llm"
	}
	if cfg.Latency == nil && cfg.Metrics != nil {
		cfg.Latency = func(ctx context.Context, s float64) { cfg.Metrics.LLMDuration.Record(ctx, s) }
	}
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional backend.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Complete sends req to the first healthy backend.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(ctx, f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// ModelID joins every backend's model in try order, so adding or reordering
// fallbacks produces a new model version.
func (f *LLMFallback) ModelID() string {
	ids := make([]string, len(f.group.entries))
	for i, e := range f.group.entries {
		ids[i] = e.value.ModelID()
	}
	return strings.Join(ids, ",")
}
