package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/earmark/pkg/provider/llm"
	llmmock "github.com/MrWong99/earmark/pkg/provider/llm/mock"
)

func TestLLMFallback_Complete_PrimarySuccess(t *testing.T) {
	primary := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "primary"}}
	secondary := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "secondary"}}

	fb := NewLLMFallback(primary, "primary", FallbackConfig{})
	fb.AddFallback("secondary", secondary)

	resp, err := fb.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "primary" {
		t.Errorf("content = %q, want primary", resp.Content)
	}
	if secondary.CallCount() != 0 {
		t.Errorf("secondary called %d times, want 0", secondary.CallCount())
	}
}

func TestLLMFallback_Complete_Failover(t *testing.T) {
	primary := &llmmock.Provider{CompleteErr: errors.New("primary down")}
	secondary := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "secondary"}}

	fb := NewLLMFallback(primary, "primary", FallbackConfig{})
	fb.AddFallback("secondary", secondary)

	resp, err := fb.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "secondary" {
		t.Errorf("content = %q, want secondary", resp.Content)
	}
}

func TestLLMFallback_Complete_AllFail(t *testing.T) {
	fb := NewLLMFallback(&llmmock.Provider{CompleteErr: errors.New("down")}, "primary", FallbackConfig{})
	if _, err := fb.Complete(context.Background(), llm.CompletionRequest{}); !errors.Is(err, ErrAllFailed) {
		t.Errorf("err = %v, want ErrAllFailed", err)
	}
}

func TestLLMFallback_ModelID(t *testing.T) {
	fb := NewLLMFallback(&llmmock.Provider{Model: "ollama/llama3.1:8b"}, "primary", FallbackConfig{})
	if got := fb.ModelID(); got != "ollama/llama3.1:8b" {
		t.Errorf("ModelID() = %q", got)
	}
	fb.AddFallback("secondary", &llmmock.Provider{Model: "llamacpp/qwen"})
	if got := fb.ModelID(); got != "ollama/llama3.1:8b,llamacpp/qwen" {
		t.Errorf("ModelID() = %q", got)
	}
}
