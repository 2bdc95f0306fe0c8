package sidecar_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/MrWong99/earmark/pkg/provider/speaker"
	"github.com/MrWong99/earmark/pkg/provider/speaker/sidecar"
)

func newMatcher(t *testing.T) *speaker.Matcher {
	t.Helper()
	m, err := speaker.NewMatcher([]speaker.Profile{{ID: speaker.SelfID, Embedding: []float32{1, 0}}},
		speaker.Thresholds{Self: 0.8, Unknown: 0.65})
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func segmentFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seg.wav")
	if err := os.WriteFile(path, []byte("RIFF....WAVE"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestIdentify(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embed" {
			http.NotFound(w, r)
			return
		}
		if _, _, err := r.FormFile("file"); err != nil {
			http.Error(w, "missing file", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"embedding": []float32{0.99, 0.05}})
	}))
	defer srv.Close()

	p, err := sidecar.New(srv.URL+"/", newMatcher(t), sidecar.WithModel("resemblyzer"))
	if err != nil {
		t.Fatal(err)
	}
	got, err := p.Identify(context.Background(), speaker.Request{AudioPath: segmentFile(t)})
	if err != nil {
		t.Fatalf("Identify: %v", err)
	}
	if got.SpeakerID != speaker.SelfID {
		t.Errorf("SpeakerID = %q, want self", got.SpeakerID)
	}
	if p.ModelID() != "resemblyzer" {
		t.Errorf("ModelID() = %q", p.ModelID())
	}
}

func TestIdentify_NoPath(t *testing.T) {
	t.Parallel()
	p, _ := sidecar.New("http://127.0.0.1:1", newMatcher(t))
	if _, err := p.Identify(context.Background(), speaker.Request{}); !errors.Is(err, sidecar.ErrNoAudioPath) {
		t.Errorf("err = %v, want ErrNoAudioPath", err)
	}
}

func TestIdentify_ServerError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	p, _ := sidecar.New(srv.URL, newMatcher(t))
	if _, err := p.Identify(context.Background(), speaker.Request{AudioPath: segmentFile(t)}); err == nil {
		t.Fatal("expected error for HTTP 503")
	}
}

func TestLoadProfiles(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "profiles.json")
	if err := os.WriteFile(path, []byte(`[{"id":"self","embedding":[0.1,0.2]}]`), 0o644); err != nil {
		t.Fatal(err)
	}
	profiles, err := sidecar.LoadProfiles(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(profiles) != 1 || profiles[0].ID != "self" || len(profiles[0].Embedding) != 2 {
		t.Errorf("profiles = %+v", profiles)
	}
}
