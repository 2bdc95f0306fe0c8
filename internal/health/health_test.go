package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func get(t *testing.T, h *Handler, path string) (int, result) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return rec.Code, body
}

func check(name string, err error) Checker {
	return Checker{Name: name, Check: func(context.Context) error { return err }}
}

func TestHealthz_IgnoresCheckers(t *testing.T) {
	code, body := get(t, New(check("postgres", errors.New("connection refused"))), "/healthz")
	if code != http.StatusOK || body.Status != "ok" {
		t.Errorf("/healthz = %d %q, want 200 ok", code, body.Status)
	}
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		name       string
		checkers   []Checker
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "no checkers",
			wantCode:   http.StatusOK,
			wantStatus: "ok",
		},
		{
			name:       "all pass",
			checkers:   []Checker{check("postgres", nil), check("metrics", nil), check("storage", nil)},
			wantCode:   http.StatusOK,
			wantStatus: "ok",
			wantChecks: map[string]string{"postgres": "ok", "metrics": "ok", "storage": "ok"},
		},
		{
			name:       "store down",
			checkers:   []Checker{check("postgres", errors.New("connection refused")), check("storage", nil)},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]string{"postgres": "fail: connection refused", "storage": "ok"},
		},
		{
			name:       "everything down",
			checkers:   []Checker{check("postgres", errors.New("timeout")), check("storage", errors.New("storage root missing"))},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]string{"postgres": "fail: timeout", "storage": "fail: storage root missing"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := get(t, New(tt.checkers...), "/readyz")
			if code != tt.wantCode || body.Status != tt.wantStatus {
				t.Errorf("/readyz = %d %q, want %d %q", code, body.Status, tt.wantCode, tt.wantStatus)
			}
			for name, want := range tt.wantChecks {
				if got := body.Checks[name]; got != want {
					t.Errorf("check %s = %q, want %q", name, got, want)
				}
			}
		})
	}
}

func TestReadyz_CanceledRequestFails(t *testing.T) {
	h := New(Checker{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error        { return f.err }
func (f fakePinger) PingContext(context.Context) error { return f.err }

func TestPingCheckers(t *testing.T) {
	down := errors.New("down")
	h := New(
		Ping("postgres", fakePinger{}),
		PingContext("metrics", fakePinger{err: down}),
	)

	_, body := get(t, h, "/readyz")
	if body.Checks["postgres"] != "ok" {
		t.Errorf("postgres check = %q, want ok", body.Checks["postgres"])
	}
	if body.Checks["metrics"] != "fail: down" {
		t.Errorf("metrics check = %q, want fail: down", body.Checks["metrics"])
	}
}

func TestWritableDir(t *testing.T) {
	dir := t.TempDir()
	if err := WritableDir("storage", dir).Check(context.Background()); err != nil {
		t.Errorf("WritableDir(%q) = %v, want nil", dir, err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("readiness check left %d files behind", len(entries))
	}

	missing := filepath.Join(dir, "missing")
	if err := WritableDir("storage", missing).Check(context.Background()); err == nil {
		t.Error("WritableDir on missing dir returned nil")
	}

	file := filepath.Join(dir, "file")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := WritableDir("storage", file).Check(context.Background()); err == nil {
		t.Error("WritableDir on a regular file returned nil")
	}
}
