package resilience

import (
	"context"
	"strings"

	"github.com/MrWong99/earmark/pkg/provider/stt"
	"github.com/MrWong99/earmark/pkg/types"
)

// STTFallback implements [stt.Provider] with failover across transcription
// servers.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred backend.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	if cfg.Kind == "" {
		cfg.Kind = "stt"
	}
	if cfg.Latency == nil && cfg.Metrics != nil {
		cfg.Latency = func(ctx context.Context, s float64) { cfg.Metrics.STTDuration.Record(ctx, s) }
	}
	return &STTFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional backend.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
}

// Transcribe sends the segment to the first healthy backend.
func (f *STTFallback) Transcribe(ctx context.Context, req stt.Request) (types.Transcript, error) {
	return ExecuteWithResult(ctx, f.group, func(p stt.Provider) (types.Transcript, error) {
		return p.Transcribe(ctx, req)
	})
}

// ModelID joins every backend's model in try order.
func (f *STTFallback) ModelID() string {
	ids := make([]string, len(f.group.entries))
	for i, e := range f.group.entries {
		ids[i] = e.value.ModelID()
	}
	return strings.Join(ids, ",")
}
