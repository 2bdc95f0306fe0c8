package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/earmark/pkg/provider/stt"
	sttmock "github.com/MrWong99/earmark/pkg/provider/stt/mock"
	"github.com/MrWong99/earmark/pkg/types"
)

func TestSTTFallback_Transcribe_PrimarySuccess(t *testing.T) {
	primary := &sttmock.Provider{Result: types.Transcript{Text: "buy milk", Confidence: 0.9}}
	secondary := &sttmock.Provider{}

	fb := NewSTTFallback(primary, "primary", FallbackConfig{})
	fb.AddFallback("secondary", secondary)

	tr, err := fb.Transcribe(context.Background(), stt.Request{AudioPath: "seg.wav"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.Text != "buy milk" {
		t.Errorf("text = %q, want buy milk", tr.Text)
	}
	if secondary.CallCount() != 0 {
		t.Errorf("secondary called %d times, want 0", secondary.CallCount())
	}
}

func TestSTTFallback_Transcribe_Failover(t *testing.T) {
	primary := &sttmock.Provider{Err: errors.New("connection refused")}
	secondary := &sttmock.Provider{Result: types.Transcript{Text: "from secondary"}}

	fb := NewSTTFallback(primary, "primary", FallbackConfig{})
	fb.AddFallback("secondary", secondary)

	tr, err := fb.Transcribe(context.Background(), stt.Request{AudioPath: "seg.wav"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.Text != "from secondary" {
		t.Errorf("text = %q, want from secondary", tr.Text)
	}
	if got := secondary.Calls[0].Req.AudioPath; got != "seg.wav" {
		t.Errorf("secondary AudioPath = %q, want seg.wav", got)
	}
}

func TestSTTFallback_Transcribe_AllFail(t *testing.T) {
	fb := NewSTTFallback(&sttmock.Provider{Err: errors.New("down")}, "primary", FallbackConfig{})
	if _, err := fb.Transcribe(context.Background(), stt.Request{}); !errors.Is(err, ErrAllFailed) {
		t.Errorf("err = %v, want ErrAllFailed", err)
	}
}
