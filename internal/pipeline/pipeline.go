// Package pipeline runs the per-session processing chain:
//
//	queue -> normalizer -> VAD -> recorder -> STT + speaker -> event log
//	      -> (async) interpretation -> items -> session status recompute
//
// One Pipeline is created per application and [Pipeline.Run] is called once
// per session with that session's [session.Context] and input queue. Audio
// processing is strictly sequential; interpretation runs in the background
// on the session's tracker so that stopping a session never waits for the
// collaborator.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/earmark/internal/approval"
	"github.com/MrWong99/earmark/internal/feedback"
	"github.com/MrWong99/earmark/internal/hotctx"
	"github.com/MrWong99/earmark/internal/interpret"
	"github.com/MrWong99/earmark/internal/observe"
	"github.com/MrWong99/earmark/internal/recorder"
	"github.com/MrWong99/earmark/internal/session"
	"github.com/MrWong99/earmark/pkg/audio"
	"github.com/MrWong99/earmark/pkg/memory"
	"github.com/MrWong99/earmark/pkg/provider/speaker"
	"github.com/MrWong99/earmark/pkg/provider/stt"
	"github.com/MrWong99/earmark/pkg/provider/vad"
	"github.com/MrWong99/earmark/pkg/types"
)

// Config holds the stream parameters.
type Config struct {
	Normalizer audio.NormalizerConfig
	VAD        vad.Config

	// Language is forwarded to STT. Empty lets the backend detect it.
	Language string

	// Concurrency bounds background interpretations across sessions.
	// Default: 2.
	Concurrency int
}

// Deps are the collaborators of a [Pipeline].
type Deps struct {
	Events   memory.EventStore
	Items    memory.ItemStore
	VAD      vad.Engine
	Recorder *recorder.Recorder
	STT      stt.Provider
	Speaker  speaker.Provider

	Interpreter *interpret.Orchestrator
	Context     *hotctx.Assembler
	Approval    *approval.Machine
	Learning    *feedback.Recorder
	Metrics     *observe.Metrics
}

// Pipeline processes session audio. It is safe for concurrent use; every
// Run call owns its own normalizer and VAD state.
type Pipeline struct {
	cfg  Config
	deps Deps
	sem  chan struct{}
}

// New returns a Pipeline.
func New(cfg Config, deps Deps) *Pipeline {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if deps.Speaker == nil {
		deps.Speaker = speaker.Disabled{}
	}
	return &Pipeline{cfg: cfg, deps: deps, sem: make(chan struct{}, cfg.Concurrency)}
}

// Run consumes q until it is closed and drained, then closes any open
// segment and returns nil. A recorder or event-store failure is fatal and
// returned; the caller marks the session failed. Cancelling ctx abandons the
// stream without flushing.
func (p *Pipeline) Run(ctx context.Context, sc session.Context, q *audio.Queue) error {
	norm, err := audio.NewNormalizer(p.cfg.Normalizer)
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	vcfg := p.cfg.VAD
	vcfg.SampleRate = p.cfg.Normalizer.SampleRate
	det, err := p.deps.VAD.NewSession(vcfg)
	if err != nil {
		return fmt.Errorf("pipeline: vad session: %w", err)
	}
	defer det.Close()

	log := sc.Log()
	log.Info("pipeline started")
	for {
		buf, err := q.Pop(ctx)
		if errors.Is(err, audio.ErrQueueClosed) {
			if seg := det.Flush(); seg != nil {
				if err := p.handleSegment(ctx, sc, *seg); err != nil {
					return err
				}
			}
			log.Info("pipeline finished", "dropped", q.Stats().Dropped)
			return nil
		}
		if err != nil {
			return err
		}

		if buf.EndOfStream {
			log.Debug("end of stream", "source", buf.Source)
			norm.Reset()
			if seg := det.Flush(); seg != nil {
				if err := p.handleSegment(ctx, sc, *seg); err != nil {
					return err
				}
			}
			continue
		}

		frames, err := norm.Normalize(buf)
		if err != nil {
			log.Warn("pipeline: buffer rejected", "source", buf.Source, "err", err)
			if p.deps.Metrics != nil {
				p.deps.Metrics.RecordDrop(ctx, dropReason(err))
			}
			continue
		}
		for _, f := range frames {
			ev, err := det.ProcessFrame(f)
			if err != nil {
				return fmt.Errorf("pipeline: vad: %w", err)
			}
			if ev.Segment != nil {
				if err := p.handleSegment(ctx, sc, *ev.Segment); err != nil {
					return err
				}
			}
		}
	}
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, audio.ErrEmptyBuffer):
		return "empty"
	case errors.Is(err, audio.ErrSampleRateMismatch):
		return "sample_rate"
	case errors.Is(err, audio.ErrSampleOverflow):
		return "overflow"
	default:
		return "malformed"
	}
}

// handleSegment persists one closed segment and its transcript event, then
// schedules interpretation.
func (p *Pipeline) handleSegment(ctx context.Context, sc session.Context, seg vad.Segment) error {
	art, err := p.deps.Recorder.Write(ctx, sc.ID, seg)
	if err != nil {
		return fmt.Errorf("pipeline: record segment: %w", err)
	}

	samples := seg.Samples()
	var (
		tr     types.Transcript
		sttErr error
		match  types.SpeakerMatch
		g      errgroup.Group
	)
	g.Go(func() error {
		tr, sttErr = p.transcribe(ctx, samples, art.Path)
		return nil
	})
	g.Go(func() error {
		match = p.identify(ctx, sc, samples, art.Path)
		return nil
	})
	_ = g.Wait()

	text := tr.Text
	ev := memory.RawEvent{
		SessionID: sc.ID,
		Timestamp: sc.Offset(seg.Start),
		Payload: memory.TranscriptPayload{
			Text:              text,
			ASRConfidence:     tr.Confidence,
			ASRModel:          p.deps.STT.ModelID(),
			Language:          tr.Language,
			SpeakerID:         match.SpeakerID,
			SpeakerConfidence: match.Confidence,
			DurationMS:        art.Duration.Milliseconds(),
		},
		Intent: interpret.PredictIntent(text),
	}
	stored, err := p.deps.Events.AppendEvent(ctx, ev, &memory.AudioSegment{
		SessionID:  sc.ID,
		StartedAt:  sc.Offset(seg.Start),
		EndedAt:    sc.Offset(seg.End),
		Duration:   art.Duration,
		Path:       art.Path,
		SampleRate: p.cfg.Normalizer.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("pipeline: append event: %w", err)
	}
	if p.deps.Metrics != nil {
		p.deps.Metrics.RecordEvent(ctx, string(stored.Type))
	}
	sc.Log().Info("event recorded",
		"event_id", stored.ID,
		"intent", stored.Intent,
		"asr_confidence", tr.Confidence,
		"speaker", match.SpeakerID,
		"audio_path_hash", recorder.PathHash(art.Path),
	)

	if sttErr != nil {
		if p.deps.Learning != nil {
			if _, err := p.deps.Learning.TranscriptionError(ctx, stored, art.Path, sttErr); err != nil {
				sc.Log().Error("pipeline: record transcription error", "event_id", stored.ID, "err", err)
			}
		}
		return nil
	}
	if stored.Intent == memory.IntentIgnore {
		return nil
	}

	bg := context.WithoutCancel(ctx)
	if sc.Tracker == nil {
		p.interpret(bg, sc, stored)
		return nil
	}
	sc.Tracker.Go(func() { p.interpret(bg, sc, stored) })
	return nil
}

func (p *Pipeline) transcribe(ctx context.Context, samples []float32, path string) (types.Transcript, error) {
	tr, err := p.deps.STT.Transcribe(ctx, stt.Request{
		Samples:    samples,
		SampleRate: p.cfg.Normalizer.SampleRate,
		AudioPath:  path,
		Language:   p.cfg.Language,
	})
	if err != nil {
		observe.Logger(ctx).Warn("pipeline: transcription failed", "err", err)
		return types.Transcript{}, err
	}
	return tr, nil
}

func (p *Pipeline) identify(ctx context.Context, sc session.Context, samples []float32, path string) types.SpeakerMatch {
	start := time.Now()
	m, err := p.deps.Speaker.Identify(ctx, speaker.Request{
		Samples:    samples,
		SampleRate: p.cfg.Normalizer.SampleRate,
		AudioPath:  path,
	})
	if p.deps.Metrics != nil {
		p.deps.Metrics.SpeakerDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		sc.Log().Warn("pipeline: speaker identification failed", "err", err)
		return types.SpeakerMatch{SpeakerID: speaker.UnknownID}
	}
	return m
}

// interpret runs on the session tracker. Its failures never reach the
// session: they are logged, and unusable collaborator output is already
// recorded as a learning event by the orchestrator.
func (p *Pipeline) interpret(ctx context.Context, sc session.Context, ev memory.RawEvent) {
	p.sem <- struct{}{}
	defer func() { <-p.sem }()

	log := sc.Log().With("event_id", ev.ID)
	var window, related []string
	var location *memory.LocationPayload
	if p.deps.Context != nil {
		hc, err := p.deps.Context.Assemble(ctx, ev)
		if err != nil {
			log.Warn("pipeline: assemble context failed", "err", err)
		} else {
			window, related = hc.Lines(ev.Timestamp)
			location = hc.Location
		}
	}

	out, err := p.deps.Interpreter.Interpret(ctx, interpret.Input{
		Event:    ev,
		Version:  sc.Version,
		Window:   window,
		Related:  related,
		Location: location,
	})
	if err != nil {
		log.Error("pipeline: interpretation failed", "err", err)
		return
	}
	if len(out.Items) == 0 {
		log.Debug("no items proposed", "skipped", out.Skipped, "failed", out.Failed, "reason", out.Reason)
		return
	}
	items, err := p.deps.Items.InsertItems(ctx, out.Items)
	if err != nil {
		log.Error("pipeline: insert items failed", "items", len(out.Items), "err", err)
		return
	}
	log.Info("items proposed", "items", len(items))
	if p.deps.Approval != nil {
		if _, err := p.deps.Approval.Recompute(ctx, sc.ID); err != nil {
			log.Warn("pipeline: recompute status failed", "err", err)
		}
	}
}
