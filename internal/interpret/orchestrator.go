// Package interpret turns RawEvents into proposed memory items by asking a
// text-generation collaborator for structured actions.
//
// The collaborator is a black box: it receives a JSON summary of one event
// and must answer with free text containing a single JSON object with an
// "actions" array. Output that cannot be parsed is never guessed at. It is
// recorded as an interpretation_parse_error learning event and yields no
// items. Timeouts and provider errors are retried up to the configured
// number of attempts and then take the same path.
package interpret

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/earmark/internal/feedback"
	"github.com/MrWong99/earmark/internal/observe"
	"github.com/MrWong99/earmark/pkg/memory"
	"github.com/MrWong99/earmark/pkg/provider/llm"
	"github.com/MrWong99/earmark/pkg/types"
)

// Failure reasons recorded with interpretation_parse_error events.
const (
	ReasonParse         = "parse"
	ReasonTimeout       = "timeout"
	ReasonProviderError = "provider_error"
)

// Quality issues added locally.
const (
	IssueLowASR     = "low_asr_confidence"
	IssueLowSpeaker = "low_speaker_confidence"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultAttempts    = 2
	defaultBackoff     = 250 * time.Millisecond
	defaultTemperature = 0.2
	defaultMaxTokens   = 512

	importanceMemory = 0.6
	importanceOther  = 0.8
)

// ModelSource returns the collaborator that serves a model version.
type ModelSource interface {
	LLM(ctx context.Context, v memory.ModelVersion) (llm.Provider, error)
}

// ModelSourceFunc adapts a function to [ModelSource].
type ModelSourceFunc func(ctx context.Context, v memory.ModelVersion) (llm.Provider, error)

// LLM implements [ModelSource].
func (f ModelSourceFunc) LLM(ctx context.Context, v memory.ModelVersion) (llm.Provider, error) {
	return f(ctx, v)
}

// Input is everything one interpretation needs.
type Input struct {
	Event   memory.RawEvent
	Version memory.ModelVersion

	// Window holds formatted prior transcripts of the same session, oldest
	// first. Related holds formatted approved memories.
	Window  []string
	Related []string

	Location *memory.LocationPayload

	// Replay marks items as produced by a replay run (metrics only; the run
	// id is attached by the caller).
	Replay bool
}

// Outcome reports what happened to one event.
type Outcome struct {
	// Items are the proposed, not yet persisted, pending items.
	Items []memory.MemoryItem

	// Skipped is true when the event was not sent at all (location events,
	// empty or ignored transcripts).
	Skipped bool

	// Failed is true when the parse-failure path was taken; Reason says why.
	Failed   bool
	Reason   string
	Attempts int
}

// Orchestrator interprets events. It is safe for concurrent use.
type Orchestrator struct {
	models   ModelSource
	prompts  *Prompts
	learning *feedback.Recorder
	metrics  *observe.Metrics

	timeout     time.Duration
	attempts    int
	backoff     time.Duration
	temperature float64
	maxTokens   int
}

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithTimeout bounds each collaborator attempt. Default: 30s.
func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithMaxAttempts sets the number of tries for timeouts and provider errors.
// Default: 2.
func WithMaxAttempts(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.attempts = n
		}
	}
}

// WithBackoff sets the pause before the second attempt; it doubles for each
// further attempt. Default: 250ms.
func WithBackoff(d time.Duration) Option {
	return func(o *Orchestrator) { o.backoff = d }
}

// WithSampling sets temperature and max tokens of each request.
func WithSampling(temperature float64, maxTokens int) Option {
	return func(o *Orchestrator) {
		o.temperature = temperature
		if maxTokens > 0 {
			o.maxTokens = maxTokens
		}
	}
}

// WithMetrics records latency and proposed items.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// New returns an Orchestrator. learning receives parse failures.
func New(models ModelSource, prompts *Prompts, learning *feedback.Recorder, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		models:      models,
		prompts:     prompts,
		learning:    learning,
		timeout:     defaultTimeout,
		attempts:    defaultAttempts,
		backoff:     defaultBackoff,
		temperature: defaultTemperature,
		maxTokens:   defaultMaxTokens,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Resolve returns the prompt and collaborator serving v. Replay calls it
// before writing anything.
func (o *Orchestrator) Resolve(ctx context.Context, v memory.ModelVersion) (Prompt, llm.Provider, error) {
	p, err := o.prompts.ByHash(v.PromptHash)
	if err != nil {
		return Prompt{}, nil, err
	}
	provider, err := o.models.LLM(ctx, v)
	if err != nil {
		return Prompt{}, nil, fmt.Errorf("interpret: resolve model for %s: %w", v.Tag, err)
	}
	return p, provider, nil
}

// Interpret proposes items for in.Event. Unusable collaborator output is not
// an error: it is recorded and reported through [Outcome.Failed]. Errors are
// returned only when the version cannot be resolved or ctx ends.
func (o *Orchestrator) Interpret(ctx context.Context, in Input) (Outcome, error) {
	tp, ok := in.Event.Transcript()
	if !ok {
		return Outcome{Skipped: true}, nil
	}
	intent := in.Event.Intent
	if intent == "" {
		intent = PredictIntent(tp.Text)
	}
	if intent == memory.IntentIgnore || strings.TrimSpace(tp.Text) == "" {
		return Outcome{Skipped: true}, nil
	}

	ctx, span := observe.StartSpan(ctx, "interpret.event", trace.WithAttributes(
		attribute.Int64("event.id", in.Event.ID),
		attribute.String("version", in.Version.Tag),
	))
	defer span.End()
	start := time.Now()
	defer func() {
		if o.metrics != nil {
			o.metrics.InterpretationDuration.Record(ctx, time.Since(start).Seconds())
		}
	}()

	prompt, provider, err := o.Resolve(ctx, in.Version)
	if err != nil {
		return Outcome{}, err
	}
	req, err := o.buildRequest(prompt, in, tp, intent)
	if err != nil {
		return Outcome{}, err
	}

	var reason string
	for attempt := 1; attempt <= o.attempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, o.backoff<<(attempt-2)); err != nil {
				return Outcome{}, err
			}
		}
		content, err := o.complete(ctx, provider, req)
		if err != nil {
			if ctx.Err() != nil {
				return Outcome{}, ctx.Err()
			}
			reason = ReasonProviderError
			if errors.Is(err, context.DeadlineExceeded) {
				reason = ReasonTimeout
			}
			observe.Logger(ctx).Warn("interpret: attempt failed",
				"event_id", in.Event.ID, "attempt", attempt, "reason", reason, "err", err)
			continue
		}

		resp, perr := ParseResponse(content)
		if perr != nil {
			observe.Logger(ctx).Warn("interpret: unparsable response",
				"event_id", in.Event.ID, "attempt", attempt, "err", perr)
			return o.fail(ctx, in, ReasonParse, content, attempt), nil
		}
		items, berr := o.buildItems(ctx, in, tp, intent, resp)
		if berr != nil {
			return Outcome{}, berr
		}
		return Outcome{Items: items, Attempts: attempt}, nil
	}
	return o.fail(ctx, in, reason, "", o.attempts), nil
}

func (o *Orchestrator) complete(ctx context.Context, p llm.Provider, req llm.CompletionRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	resp, err := p.Complete(ctx, req)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
		}
		return "", err
	}
	return resp.Content, nil
}

func (o *Orchestrator) fail(ctx context.Context, in Input, reason, raw string, attempts int) Outcome {
	if o.learning != nil {
		if _, err := o.learning.ParseError(ctx, in.Event, in.Version.ID, reason, raw, attempts); err != nil {
			observe.Logger(ctx).Error("interpret: record parse error", "event_id", in.Event.ID, "err", err)
		}
	}
	return Outcome{Failed: true, Reason: reason, Attempts: attempts}
}

// eventSummary is the user message sent to the collaborator.
type eventSummary struct {
	Timestamp         string                  `json:"timestamp"`
	Transcript        string                  `json:"transcript"`
	ASRConfidence     float64                 `json:"asr_confidence"`
	SpeakerID         string                  `json:"speaker_id"`
	SpeakerConfidence float64                 `json:"speaker_confidence"`
	PredictedIntent   memory.Intent           `json:"predicted_intent"`
	Location          *memory.LocationPayload `json:"location,omitempty"`
	RecentContext     []string                `json:"recent_context,omitempty"`
	RelatedMemories   []string                `json:"related_memories,omitempty"`
}

func (o *Orchestrator) buildRequest(p Prompt, in Input, tp memory.TranscriptPayload, intent memory.Intent) (llm.CompletionRequest, error) {
	body, err := json.Marshal(eventSummary{
		Timestamp:         in.Event.Timestamp.UTC().Format(time.RFC3339),
		Transcript:        tp.Text,
		ASRConfidence:     tp.ASRConfidence,
		SpeakerID:         tp.SpeakerID,
		SpeakerConfidence: tp.SpeakerConfidence,
		PredictedIntent:   intent,
		Location:          in.Location,
		RecentContext:     in.Window,
		RelatedMemories:   in.Related,
	})
	if err != nil {
		return llm.CompletionRequest{}, fmt.Errorf("interpret: marshal event: %w", err)
	}
	return llm.CompletionRequest{
		SystemPrompt: p.System,
		Messages:     []types.Message{{Role: "user", Content: string(body)}},
		Temperature:  o.temperature,
		MaxTokens:    o.maxTokens,
		JSONMode:     true,
	}, nil
}

func (o *Orchestrator) buildItems(ctx context.Context, in Input, tp memory.TranscriptPayload, intent memory.Intent, resp Response) ([]memory.MemoryItem, error) {
	aggregate, err := Combine(in.Version.Aggregation, tp.ASRConfidence, tp.SpeakerConfidence)
	if err != nil {
		return nil, err
	}
	var local []string
	if tp.ASRConfidence < in.Version.ASRThreshold {
		local = append(local, IssueLowASR)
	}
	if tp.SpeakerConfidence < in.Version.SpeakerUnknownThreshold {
		local = append(local, IssueLowSpeaker)
	}

	var items []memory.MemoryItem
	for _, a := range resp.Actions {
		if a.Type == memory.ActionNone {
			continue
		}
		item := memory.MemoryItem{
			SessionID:       in.Event.SessionID,
			SourceEventID:   in.Event.ID,
			VersionID:       in.Version.ID,
			Action:          a.Type,
			Text:            strings.TrimSpace(a.Text),
			Tags:            a.Tags,
			Importance:      defaultImportance(intent),
			PredictedIntent: intent,
			Confidences: memory.Confidences{
				ASR:       tp.ASRConfidence,
				Speaker:   tp.SpeakerConfidence,
				Aggregate: aggregate,
			},
			Quality: memory.Quality{Issues: slices.Clone(local)},
			Status:  memory.ItemPending,
		}
		if len(item.Tags) == 0 {
			item.Tags = []string{strings.TrimSuffix(string(intent), "_candidate")}
		}
		if a.Importance != nil {
			item.Importance = clamp01(*a.Importance)
		}
		if validIntent(a.PredictedIntent) {
			item.PredictedIntent = a.PredictedIntent
		}
		if q := a.Quality; q != nil {
			if q.Confidence != nil {
				item.Confidences.LLM = clamp01(*q.Confidence)
			}
			for _, issue := range q.Issues {
				if issue != "" && !slices.Contains(item.Quality.Issues, issue) {
					item.Quality.Issues = append(item.Quality.Issues, issue)
				}
			}
			item.Quality.Suggestion = q.Suggestion
		}
		items = append(items, item)
		if o.metrics != nil {
			o.metrics.RecordItem(ctx, string(item.Action), in.Replay)
		}
	}
	return items, nil
}

func defaultImportance(intent memory.Intent) float64 {
	if intent == memory.IntentMemory {
		return importanceMemory
	}
	return importanceOther
}

func validIntent(i memory.Intent) bool {
	switch i {
	case memory.IntentShopping, memory.IntentTodo, memory.IntentMemory:
		return true
	}
	return false
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
