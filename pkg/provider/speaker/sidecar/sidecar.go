// Package sidecar provides a speaker.Provider that obtains voice embeddings
// from a local embedding sidecar (for example a resemblyzer or
// speechbrain service) and matches them against enrolled profiles.
//
// The sidecar contract is a single endpoint: POST /embed with the segment as
// a multipart "file" field, answering {"embedding": [...], "model": "..."}.
package sidecar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/MrWong99/earmark/pkg/provider/speaker"
	"github.com/MrWong99/earmark/pkg/types"
)

// ErrNoAudioPath is returned when a request carries no WAV artifact path.
var ErrNoAudioPath = errors.New("speaker sidecar: request has no audio path")

// Option is a functional option for Provider.
type Option func(*Provider)

// WithTimeout sets the HTTP client timeout. Defaults to 10s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.httpClient.Timeout = d }
}

// WithModel sets the model name reported by ModelID.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// Provider implements speaker.Provider against an embedding sidecar.
type Provider struct {
	baseURL    string
	model      string
	matcher    *speaker.Matcher
	httpClient *http.Client
}

// New returns a Provider calling the sidecar at baseURL and matching with m.
func New(baseURL string, m *speaker.Matcher, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, errors.New("speaker sidecar: baseURL must not be empty")
	}
	if m == nil {
		return nil, errors.New("speaker sidecar: matcher must not be nil")
	}
	p := &Provider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      "sidecar",
		matcher:    m,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// LoadProfiles reads enrolled profiles from a JSON array file.
func LoadProfiles(path string) ([]speaker.Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("speaker sidecar: read profiles: %w", err)
	}
	var profiles []speaker.Profile
	if err := json.Unmarshal(data, &profiles); err != nil {
		return nil, fmt.Errorf("speaker sidecar: parse profiles: %w", err)
	}
	return profiles, nil
}

// ModelID implements speaker.Provider.
func (p *Provider) ModelID() string { return p.model }

// Identify implements speaker.Provider.
func (p *Provider) Identify(ctx context.Context, req speaker.Request) (types.SpeakerMatch, error) {
	if req.AudioPath == "" {
		return types.SpeakerMatch{}, ErrNoAudioPath
	}
	emb, err := p.embed(ctx, req.AudioPath)
	if err != nil {
		return types.SpeakerMatch{}, err
	}
	return p.matcher.Match(emb)
}

func (p *Provider) embed(ctx context.Context, path string) ([]float32, error) {
	wav, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("speaker sidecar: read segment: %w", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "segment.wav")
	if err != nil {
		return nil, fmt.Errorf("speaker sidecar: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return nil, fmt.Errorf("speaker sidecar: write wav: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("speaker sidecar: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/embed", &body)
	if err != nil {
		return nil, fmt.Errorf("speaker sidecar: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("speaker sidecar: http request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("speaker sidecar: server returned HTTP %d", resp.StatusCode)
	}

	var out struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return nil, fmt.Errorf("speaker sidecar: decode response: %w", err)
	}
	if len(out.Embedding) == 0 {
		return nil, errors.New("speaker sidecar: empty embedding")
	}
	return out.Embedding, nil
}

var _ speaker.Provider = (*Provider)(nil)
