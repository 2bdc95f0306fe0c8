package feedback_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/earmark/internal/feedback"
	"github.com/MrWong99/earmark/pkg/memory"
	"github.com/MrWong99/earmark/pkg/memory/mock"
)

func TestRecorder_ParseErrorWritesArtifact(t *testing.T) {
	t.Parallel()
	store := mock.NewStore()
	root := t.TempDir()
	rec := feedback.NewRecorder(store, root)

	ev := memory.RawEvent{ID: 11, SessionID: 4}
	got, err := rec.ParseError(context.Background(), ev, 2, "parse", "not json at all", 2)
	if err != nil {
		t.Fatalf("ParseError: %v", err)
	}
	if got.Category != memory.CategoryParseError {
		t.Errorf("Category = %q, want %q", got.Category, memory.CategoryParseError)
	}
	if got.EventID != 11 || got.SessionID != 4 {
		t.Errorf("EventID/SessionID = %d/%d, want 11/4", got.EventID, got.SessionID)
	}
	if got.Metadata["reason"] != "parse" {
		t.Errorf("Metadata[reason] = %v, want parse", got.Metadata["reason"])
	}

	data, err := os.ReadFile(got.ArtifactPath)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if string(data) != "not json at all" {
		t.Errorf("artifact = %q, want raw response", data)
	}
	if !strings.Contains(got.ArtifactPath, "interpretation_parse_error") {
		t.Errorf("ArtifactPath = %q, want category directory", got.ArtifactPath)
	}

	journal, err := feedback.ReadJournal(root)
	if err != nil {
		t.Fatalf("ReadJournal: %v", err)
	}
	if len(journal) != 1 || journal[0].ArtifactPath != got.ArtifactPath {
		t.Errorf("journal = %+v, want one record for the artifact", journal)
	}
}

func TestRecorder_ParseErrorWithoutResponse(t *testing.T) {
	t.Parallel()
	store := mock.NewStore()
	root := t.TempDir()
	rec := feedback.NewRecorder(store, root)

	got, err := rec.ParseError(context.Background(), memory.RawEvent{ID: 3, SessionID: 1}, 2, "timeout", "", 3)
	if err != nil {
		t.Fatalf("ParseError: %v", err)
	}
	if got.ArtifactPath != "" {
		t.Errorf("ArtifactPath = %q, want empty", got.ArtifactPath)
	}
	if _, err := os.Stat(filepath.Join(root, "learning", string(memory.CategoryParseError))); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("artifact dir stat = %v, want not exist", err)
	}
	if got.Metadata["reason"] != "timeout" {
		t.Errorf("Metadata[reason] = %v, want timeout", got.Metadata["reason"])
	}
}

func TestRecorder_RejectedHasNoArtifact(t *testing.T) {
	t.Parallel()
	store := mock.NewStore()
	rec := feedback.NewRecorder(store, t.TempDir())

	item := memory.MemoryItem{ID: 9, SessionID: 4, SourceEventID: 11, Action: memory.ActionAddShoppingItem, Text: "milk"}
	got, err := rec.Rejected(context.Background(), item, "already bought")
	if err != nil {
		t.Fatalf("Rejected: %v", err)
	}
	if got.ArtifactPath != "" {
		t.Errorf("ArtifactPath = %q, want empty", got.ArtifactPath)
	}
	if got.ItemID != 9 || got.Metadata["reason"] != "already bought" {
		t.Errorf("event = %+v", got)
	}

	events, err := store.ListLearningEvents(context.Background(), memory.LearningFilter{Category: memory.CategoryUserRejectedMemory})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Errorf("stored rejection events = %d, want 1", len(events))
	}
}

func TestRecorder_TranscriptionError(t *testing.T) {
	t.Parallel()
	store := mock.NewStore()
	rec := feedback.NewRecorder(store, t.TempDir())

	got, err := rec.TranscriptionError(context.Background(), memory.RawEvent{ID: 1, SessionID: 2}, "/data/seg.wav", errors.New("whisper: 503"))
	if err != nil {
		t.Fatalf("TranscriptionError: %v", err)
	}
	if got.ArtifactPath != "/data/seg.wav" {
		t.Errorf("ArtifactPath = %q, want segment path", got.ArtifactPath)
	}
	if got.Metadata["error"] != "whisper: 503" {
		t.Errorf("Metadata[error] = %v", got.Metadata["error"])
	}
}

func TestRecorder_StoreFailure(t *testing.T) {
	t.Parallel()
	store := mock.NewStore()
	store.FailOn("LogLearningEvent", errors.New("db down"))
	root := t.TempDir()
	rec := feedback.NewRecorder(store, root)

	if _, err := rec.Rejected(context.Background(), memory.MemoryItem{ID: 1}, "no"); err == nil {
		t.Fatal("expected error, got nil")
	}
	journal, _ := feedback.ReadJournal(root)
	if len(journal) != 0 {
		t.Errorf("journal has %d records after failed store write, want 0", len(journal))
	}
}

func TestReadJournal_Missing(t *testing.T) {
	t.Parallel()
	recs, err := feedback.ReadJournal(t.TempDir())
	if err != nil || recs != nil {
		t.Errorf("ReadJournal(empty) = %v, %v; want nil, nil", recs, err)
	}
}
