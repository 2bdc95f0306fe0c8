package hotctx_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/earmark/internal/hotctx"
	"github.com/MrWong99/earmark/pkg/memory"
	"github.com/MrWong99/earmark/pkg/memory/mock"
	embedmock "github.com/MrWong99/earmark/pkg/provider/embeddings/mock"
)

var t0 = time.Date(2026, 5, 2, 18, 0, 0, 0, time.UTC)

// seedSession creates a session and appends events at the given second
// offsets. The text "@kitchen" appends a location event instead.
func seedSession(t *testing.T, store *mock.Store, texts map[int]string) (int64, map[int]memory.RawEvent) {
	t.Helper()
	ctx := context.Background()
	v, err := store.RegisterVersion(ctx, memory.ModelVersion{Tag: "v1", ConfigHash: "h1"})
	if err != nil {
		t.Fatal(err)
	}
	s, err := store.CreateSession(ctx, v.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	out := map[int]memory.RawEvent{}
	for sec := 0; sec <= 600; sec++ {
		text, ok := texts[sec]
		if !ok {
			continue
		}
		var p memory.Payload = memory.TranscriptPayload{Text: text, SpeakerID: "self"}
		if text == "@kitchen" {
			p = memory.LocationPayload{Latitude: 52.5, Longitude: 13.4, Label: "kitchen"}
		}
		ev, err := store.AppendEvent(ctx, memory.RawEvent{
			SessionID: s.ID,
			Timestamp: t0.Add(time.Duration(sec) * time.Second),
			Payload:   p,
		}, nil)
		if err != nil {
			t.Fatal(err)
		}
		out[sec] = ev
	}
	return s.ID, out
}

func TestAssemble_WindowAndLocation(t *testing.T) {
	t.Parallel()
	store := mock.NewStore()
	_, evs := seedSession(t, store, map[int]string{
		0:   "too old",
		100: "@kitchen",
		110: "we are out of coffee",
		130: "",
		140: "and oat milk",
		150: "remind me to call mum",
		160: "after the target",
	})

	a := hotctx.NewAssembler(store, hotctx.WithWindow(60*time.Second), hotctx.WithMaxItems(5))
	hc, err := a.Assemble(context.Background(), evs[150])
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	want := []string{"we are out of coffee", "and oat milk"}
	if len(hc.Window) != len(want) {
		t.Fatalf("Window = %+v, want %d entries", hc.Window, len(want))
	}
	for i, w := range want {
		if hc.Window[i].Text != w {
			t.Errorf("Window[%d] = %q, want %q", i, hc.Window[i].Text, w)
		}
	}
	if hc.Location == nil || hc.Location.Label != "kitchen" {
		t.Errorf("Location = %+v, want kitchen", hc.Location)
	}
	if hc.Related != nil {
		t.Errorf("Related = %v, want nil without recall", hc.Related)
	}
}

func TestAssemble_MaxItemsKeepsMostRecent(t *testing.T) {
	t.Parallel()
	store := mock.NewStore()
	_, evs := seedSession(t, store, map[int]string{
		10: "one", 11: "two", 12: "three", 13: "four",
	})

	a := hotctx.NewAssembler(store, hotctx.WithMaxItems(2))
	hc, err := a.Assemble(context.Background(), evs[13])
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if len(hc.Window) != 2 || hc.Window[0].Text != "two" || hc.Window[1].Text != "three" {
		t.Errorf("Window = %+v, want [two three]", hc.Window)
	}
}

func TestAssemble_Recall(t *testing.T) {
	t.Parallel()
	store := mock.NewStore()
	_, evs := seedSession(t, store, map[int]string{5: "buy coffee beans"})
	ctx := context.Background()

	if err := store.IndexMemory(ctx, memory.MemoryItem{ID: 99, SessionID: 1, Text: "likes dark roast", Tags: []string{"coffee"}}, []float32{1, 0}); err != nil {
		t.Fatal(err)
	}
	emb := &embedmock.Provider{EmbedResult: []float32{1, 0}}

	a := hotctx.NewAssembler(store, hotctx.WithRecall(store, emb, 3))
	hc, err := a.Assemble(ctx, evs[5])
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if len(hc.Related) != 1 || hc.Related[0].ItemID != 99 {
		t.Errorf("Related = %+v, want item 99", hc.Related)
	}
}

func TestAssemble_RecallFailureIsNotFatal(t *testing.T) {
	t.Parallel()
	store := mock.NewStore()
	_, evs := seedSession(t, store, map[int]string{5: "buy coffee beans"})
	emb := &embedmock.Provider{EmbedErr: errors.New("ollama down")}

	a := hotctx.NewAssembler(store, hotctx.WithRecall(store, emb, 3))
	hc, err := a.Assemble(context.Background(), evs[5])
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if len(hc.Related) != 0 {
		t.Errorf("Related = %v, want empty", hc.Related)
	}
}

func TestAssemble_EventStoreFailure(t *testing.T) {
	t.Parallel()
	store := mock.NewStore()
	_, evs := seedSession(t, store, map[int]string{5: "hello"})
	store.FailOn("ListEvents", errors.New("connection reset"))

	a := hotctx.NewAssembler(store)
	if _, err := a.Assemble(context.Background(), evs[5]); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestFormatWindow(t *testing.T) {
	t.Parallel()
	at := t0.Add(30 * time.Second)
	lines := hotctx.FormatWindow([]hotctx.Entry{
		{At: t0, Text: " out of coffee ", SpeakerID: "self"},
		{At: t0.Add(20 * time.Second), Text: "and milk"},
	}, at)
	want := []string{"[-30s] out of coffee (self)", "[-10s] and milk"}
	if len(lines) != len(want) {
		t.Fatalf("lines = %q, want %q", lines, want)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("lines[%d] = %q, want %q", i, lines[i], want[i])
		}
	}
	if hotctx.FormatWindow(nil, at) != nil {
		t.Error("FormatWindow(nil) != nil")
	}
}

func TestFormatRelated(t *testing.T) {
	t.Parallel()
	lines := hotctx.FormatRelated([]memory.MemoryResult{
		{Text: "likes dark roast", Tags: []string{"coffee", "preference"}},
		{Text: "dentist on fridays"},
	})
	if lines[0] != "likes dark roast [coffee, preference]" || lines[1] != "dentist on fridays" {
		t.Errorf("lines = %q", lines)
	}
}
