package ollama_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/MrWong99/earmark/pkg/provider/embeddings/ollama"
)

func embedServer(t *testing.T, model string, vec []float32, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		if hits != nil {
			hits.Add(1)
		}
		var req struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if req.Model != model {
			t.Errorf("model = %q, want %q", req.Model, model)
		}
		out := make([][]float32, len(req.Input))
		for i := range out {
			out[i] = vec
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"embeddings": out})
	}))
}

func TestNew_EmptyModel(t *testing.T) {
	t.Parallel()
	if _, err := ollama.New("", ""); err == nil {
		t.Fatal("expected error for empty model")
	}
}

func TestEmbed(t *testing.T) {
	t.Parallel()
	srv := embedServer(t, "custom", []float32{0.1, 0.2, 0.3}, nil)
	defer srv.Close()

	p, err := ollama.New(srv.URL+"/", "custom")
	if err != nil {
		t.Fatal(err)
	}
	vec, err := p.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 3 || vec[1] != 0.2 {
		t.Errorf("vec = %v", vec)
	}
}

func TestEmbedBatch(t *testing.T) {
	t.Parallel()
	srv := embedServer(t, "custom", []float32{1, 0}, nil)
	defer srv.Close()
	p, _ := ollama.New(srv.URL, "custom")

	vecs, err := p.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != 3 {
		t.Errorf("len = %d, want 3", len(vecs))
	}

	empty, err := p.EmbedBatch(context.Background(), nil)
	if err != nil || empty != nil {
		t.Errorf("EmbedBatch(nil) = %v, %v", empty, err)
	}
}

func TestDimensions(t *testing.T) {
	t.Parallel()

	known, _ := ollama.New("http://127.0.0.1:1", "nomic-embed-text")
	if got := known.Dimensions(); got != 768 {
		t.Errorf("known model Dimensions() = %d, want 768", got)
	}

	fixed, _ := ollama.New("http://127.0.0.1:1", "custom", ollama.WithDimensions(42))
	if got := fixed.Dimensions(); got != 42 {
		t.Errorf("WithDimensions Dimensions() = %d, want 42", got)
	}

	var hits atomic.Int32
	srv := embedServer(t, "custom", []float32{1, 2, 3, 4, 5}, &hits)
	defer srv.Close()
	sampled, _ := ollama.New(srv.URL, "custom")
	for range 3 {
		if got := sampled.Dimensions(); got != 5 {
			t.Errorf("sampled.Dimensions() = %d, want 5", got)
		}
	}
	if hits.Load() != 1 {
		t.Errorf("sample requests = %d, want 1", hits.Load())
	}
}

func TestEmbed_ServerError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	p, _ := ollama.New(srv.URL, "custom")
	if _, err := p.Embed(context.Background(), "x"); err == nil {
		t.Fatal("expected error")
	}
}
