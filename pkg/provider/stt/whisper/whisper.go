// Package whisper provides a local whisper.cpp-backed STT provider.
//
// It talks to a running whisper-server binary (or any faster-whisper server
// exposing the same API) at POST /inference. Each call uploads one closed
// speech segment as a WAV file and asks for verbose JSON so per-segment log
// probabilities can be turned into a confidence score.
//
// Usage:
//
//	p, err := whisper.New("http://localhost:8080",
//	    whisper.WithLanguage("en"),
//	    whisper.WithModel("small.en"),
//	)
//	tr, err := p.Transcribe(ctx, stt.Request{AudioPath: "segment.wav"})
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/MrWong99/earmark/pkg/provider/stt"
	"github.com/MrWong99/earmark/pkg/types"
)

const (
	defaultLanguage = "en"
	defaultTimeout  = 30 * time.Second
)

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model identifier forwarded to the server (e.g.
// "small.en"). When empty the server uses whichever model it was started
// with.
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the language code sent to the server (e.g. "en", "de").
// Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithTimeout sets the HTTP client timeout per request. Defaults to 30s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// WithHTTPClient replaces the HTTP client entirely.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements stt.Provider backed by a local whisper.cpp HTTP server.
type Provider struct {
	serverURL  string
	model      string
	language   string
	httpClient *http.Client
}

// New creates a new Provider that connects to the whisper.cpp HTTP server at
// serverURL (e.g., "http://localhost:8080"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ModelID implements stt.Provider.
func (p *Provider) ModelID() string {
	if p.model == "" {
		return "whisper.cpp"
	}
	return "whisper.cpp/" + p.model
}

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (types.Transcript, error) {
	wav, err := loadAudio(req)
	if err != nil {
		return types.Transcript{}, err
	}
	lang := req.Language
	if lang == "" {
		lang = p.language
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "segment.wav")
	if err != nil {
		return types.Transcript{}, fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return types.Transcript{}, fmt.Errorf("whisper: write wav data: %w", err)
	}
	fields := map[string]string{
		"response_format": "verbose_json",
		"temperature":     "0",
		"language":        lang,
		"model":           p.model,
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return types.Transcript{}, fmt.Errorf("whisper: write %s field: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return types.Transcript{}, fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/inference", &body)
	if err != nil {
		return types.Transcript{}, fmt.Errorf("whisper: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return types.Transcript{}, fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return types.Transcript{}, fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return types.Transcript{}, fmt.Errorf("whisper: read response body: %w", err)
	}
	return parseResponse(data, lang)
}

// verboseResponse is the subset of whisper.cpp's verbose_json output we use.
// Plain {"text": ...} responses decode into it too.
type verboseResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
	Segments []struct {
		Text         string  `json:"text"`
		Start        float64 `json:"start"`
		End          float64 `json:"end"`
		AvgLogprob   float64 `json:"avg_logprob"`
		NoSpeechProb float64 `json:"no_speech_prob"`
	} `json:"segments"`
}

// parseResponse converts the server JSON into a Transcript. Confidence is
// exp(mean avg_logprob) weighted by segment length and scaled by the speech
// probability. Without segment detail confidence is reported as 0.
func parseResponse(data []byte, lang string) (types.Transcript, error) {
	var r verboseResponse
	if err := json.Unmarshal(data, &r); err != nil {
		return types.Transcript{}, fmt.Errorf("whisper: parse JSON response: %w", err)
	}

	tr := types.Transcript{
		Text:     strings.TrimSpace(r.Text),
		Language: lang,
		Duration: time.Duration(r.Duration * float64(time.Second)),
	}
	if r.Language != "" {
		tr.Language = r.Language
	}

	var weighted, total float64
	for _, s := range r.Segments {
		w := max(s.End-s.Start, 0.01)
		c := math.Exp(s.AvgLogprob) * (1 - s.NoSpeechProb)
		weighted += w * c
		total += w
		tr.Words = append(tr.Words, types.WordDetail{
			Word:       strings.TrimSpace(s.Text),
			Start:      time.Duration(s.Start * float64(time.Second)),
			End:        time.Duration(s.End * float64(time.Second)),
			Confidence: c,
		})
	}
	if total > 0 {
		tr.Confidence = math.Min(math.Max(weighted/total, 0), 1)
	}
	return tr, nil
}

// loadAudio returns the WAV bytes for req.
func loadAudio(req stt.Request) ([]byte, error) {
	if req.AudioPath != "" {
		b, err := os.ReadFile(req.AudioPath)
		if err != nil {
			return nil, fmt.Errorf("whisper: read segment: %w", err)
		}
		return b, nil
	}
	if len(req.Samples) == 0 {
		return nil, stt.ErrNoAudio
	}
	if req.SampleRate <= 0 {
		return nil, fmt.Errorf("whisper: invalid sample rate %d", req.SampleRate)
	}
	return encodeWAV(req.Samples, req.SampleRate), nil
}
