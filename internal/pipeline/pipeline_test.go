package pipeline_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/earmark/internal/approval"
	"github.com/MrWong99/earmark/internal/feedback"
	"github.com/MrWong99/earmark/internal/hotctx"
	"github.com/MrWong99/earmark/internal/interpret"
	"github.com/MrWong99/earmark/internal/pipeline"
	"github.com/MrWong99/earmark/internal/recorder"
	"github.com/MrWong99/earmark/internal/session"
	"github.com/MrWong99/earmark/pkg/audio"
	"github.com/MrWong99/earmark/pkg/memory"
	memorymock "github.com/MrWong99/earmark/pkg/memory/mock"
	"github.com/MrWong99/earmark/pkg/provider/llm"
	llmmock "github.com/MrWong99/earmark/pkg/provider/llm/mock"
	speakermock "github.com/MrWong99/earmark/pkg/provider/speaker/mock"
	sttmock "github.com/MrWong99/earmark/pkg/provider/stt/mock"
	"github.com/MrWong99/earmark/pkg/provider/vad"
	"github.com/MrWong99/earmark/pkg/provider/vad/energy"
	vadmock "github.com/MrWong99/earmark/pkg/provider/vad/mock"
	"github.com/MrWong99/earmark/pkg/types"
)

const (
	rate      = 16000
	frameSize = 480
)

type harness struct {
	store *memorymock.Store
	stt   *sttmock.Provider
	llm   *llmmock.Provider
	root  string
	p     *pipeline.Pipeline
	sc    session.Context
}

func newHarness(t *testing.T, root string, opts ...func(*pipeline.Deps)) *harness {
	t.Helper()
	ctx := context.Background()
	h := &harness{
		store: memorymock.NewStore(),
		stt:   &sttmock.Provider{Result: types.Transcript{Text: "buy oat milk", Confidence: 0.9, Language: "en"}},
		llm: &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{
			Content: `{"actions":[{"type":"add_shopping_item","text":"oat milk"}]}`,
		}},
		root: root,
	}

	prompts := interpret.DefaultPrompts()
	promptHash, _ := prompts.Hash(interpret.DefaultPromptName)
	v, err := h.store.RegisterVersion(ctx, memory.ModelVersion{
		Tag: "v1", ConfigHash: "h", PromptHash: promptHash, Aggregation: "min",
		ASRThreshold: 0.7, SpeakerUnknownThreshold: 0.65,
	})
	if err != nil {
		t.Fatal(err)
	}
	sess, err := h.store.CreateSession(ctx, v.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	h.sc = session.New(ctx, sess, v, session.NewTracker(nil))

	rec, err := recorder.New(root, rate)
	if err != nil {
		t.Fatal(err)
	}
	learning := feedback.NewRecorder(h.store, root)
	models := interpret.ModelSourceFunc(func(context.Context, memory.ModelVersion) (llm.Provider, error) {
		return h.llm, nil
	})
	deps := pipeline.Deps{
		Events:      h.store,
		Items:       h.store,
		VAD:         energy.New(),
		Recorder:    rec,
		STT:         h.stt,
		Interpreter: interpret.New(models, prompts, learning, interpret.WithBackoff(0)),
		Context:     hotctx.NewAssembler(h.store),
		Approval:    approval.New(h.store, h.store, h.store, learning),
		Learning:    learning,
	}
	for _, o := range opts {
		o(&deps)
	}
	h.p = pipeline.New(pipeline.Config{
		Normalizer: audio.NormalizerConfig{SampleRate: rate, FrameDuration: 30 * time.Millisecond},
		VAD:        vad.Config{ThresholdDB: -45, MinSpeech: 90 * time.Millisecond, Padding: 90 * time.Millisecond},
	}, deps)
	return h
}

// buf returns n frames of constant amplitude as one float32 buffer.
func buf(n int, amp float32) audio.Buffer {
	s := make([]float32, n*frameSize)
	for i := range s {
		s[i] = amp
	}
	return audio.Buffer{Samples: s, Encoding: audio.EncodingFloat32, SampleRate: rate, Channels: 1, Source: "test"}
}

func (h *harness) run(t *testing.T, bufs ...audio.Buffer) error {
	t.Helper()
	q, err := audio.NewQueue(64, audio.DropOldest)
	if err != nil {
		t.Fatal(err)
	}
	for _, b := range bufs {
		if err := q.Push(b); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	q.Close()
	runErr := h.p.Run(context.Background(), h.sc, q)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.sc.Tracker.Wait(ctx); err != nil {
		t.Fatalf("waiting for interpretations: %v", err)
	}
	return runErr
}

func TestRun_SegmentBecomesEventAndItem(t *testing.T) {
	t.Parallel()
	h := newHarness(t, t.TempDir())
	ctx := context.Background()

	if err := h.run(t, buf(10, 0), buf(20, 0.5), buf(10, 0)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	segs, _ := h.store.ListSegments(ctx, h.sc.ID)
	if len(segs) != 1 {
		t.Fatalf("segments = %d, want 1", len(segs))
	}
	if _, err := os.Stat(segs[0].Path); err != nil {
		t.Errorf("segment artifact: %v", err)
	}
	if segs[0].Duration < 600*time.Millisecond {
		t.Errorf("segment duration = %s, want >= 600ms", segs[0].Duration)
	}

	events, _ := h.store.ListEvents(ctx, h.sc.ID)
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	ev := events[0]
	tp, ok := ev.Transcript()
	if !ok || tp.Text != "buy oat milk" || tp.ASRModel != "mock-stt" {
		t.Errorf("payload = %+v", ev.Payload)
	}
	if tp.SpeakerID != "unknown" {
		t.Errorf("SpeakerID = %q, want unknown", tp.SpeakerID)
	}
	if ev.Intent != memory.IntentShopping {
		t.Errorf("Intent = %q, want %q", ev.Intent, memory.IntentShopping)
	}
	if ev.SegmentID != segs[0].ID {
		t.Errorf("SegmentID = %d, want %d", ev.SegmentID, segs[0].ID)
	}

	items, _ := h.store.ListItems(ctx, h.sc.ID)
	if len(items) != 1 || items[0].Text != "oat milk" || items[0].Status != memory.ItemPending {
		t.Fatalf("items = %+v, want one pending oat milk", items)
	}
	if items[0].SourceEventID != ev.ID {
		t.Errorf("SourceEventID = %d, want %d", items[0].SourceEventID, ev.ID)
	}

	if got := h.stt.Calls[0].Req; got.SampleRate != rate || got.AudioPath != segs[0].Path {
		t.Errorf("STT request rate=%d path=%q", got.SampleRate, got.AudioPath)
	}
}

func TestRun_EndOfStreamClosesOpenSegment(t *testing.T) {
	t.Parallel()
	h := newHarness(t, t.TempDir())
	eos := audio.Buffer{EndOfStream: true, Source: "test"}

	if err := h.run(t, buf(20, 0.5), eos, buf(5, 0)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	events, _ := h.store.ListEvents(context.Background(), h.sc.ID)
	if len(events) != 1 {
		t.Errorf("events = %d, want 1", len(events))
	}
}

func TestRun_QueueCloseFlushes(t *testing.T) {
	t.Parallel()
	h := newHarness(t, t.TempDir())
	if err := h.run(t, buf(20, 0.5)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	events, _ := h.store.ListEvents(context.Background(), h.sc.ID)
	if len(events) != 1 {
		t.Errorf("events = %d, want 1", len(events))
	}
}

func TestRun_RejectedBufferIsSkipped(t *testing.T) {
	t.Parallel()
	h := newHarness(t, t.TempDir())
	bad := buf(5, 0.5)
	bad.SampleRate = 44100
	overflow := buf(1, 2.0)

	if err := h.run(t, buf(10, 0.5), bad, overflow, buf(10, 0.5), buf(10, 0)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	events, _ := h.store.ListEvents(context.Background(), h.sc.ID)
	if len(events) != 1 {
		t.Errorf("events = %d, want 1", len(events))
	}
}

func TestRun_STTFailureStoresEventAndLearningEvent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, t.TempDir())
	h.stt.Err = errors.New("whisper unavailable")

	if err := h.run(t, buf(20, 0.5), buf(10, 0)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	ctx := context.Background()
	events, _ := h.store.ListEvents(ctx, h.sc.ID)
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	tp, _ := events[0].Transcript()
	if tp.Text != "" || tp.ASRConfidence != 0 {
		t.Errorf("payload = %+v, want empty transcript", tp)
	}
	learn, _ := h.store.ListLearningEvents(ctx, memory.LearningFilter{Category: memory.CategoryTranscriptionError})
	if len(learn) != 1 {
		t.Errorf("transcription_error events = %d, want 1", len(learn))
	}
	if h.llm.CallCount() != 0 {
		t.Errorf("LLM calls = %d, want 0", h.llm.CallCount())
	}
}

func TestRun_RecorderFailureIsFatal(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "audio_segments"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	h := newHarness(t, root)

	err := h.run(t, buf(20, 0.5), buf(10, 0))
	if !errors.Is(err, recorder.ErrStorage) {
		t.Errorf("Run err = %v, want ErrStorage", err)
	}
}

func TestRun_EventStoreFailureIsFatal(t *testing.T) {
	t.Parallel()
	h := newHarness(t, t.TempDir())
	boom := errors.New("db down")
	h.store.FailOn("AppendEvent", boom)

	if err := h.run(t, buf(20, 0.5), buf(10, 0)); !errors.Is(err, boom) {
		t.Errorf("Run err = %v, want %v", err, boom)
	}
}

func TestRun_IgnoredTranscriptIsNotInterpreted(t *testing.T) {
	t.Parallel()
	h := newHarness(t, t.TempDir())
	h.stt.Result = types.Transcript{Text: "um", Confidence: 0.9}

	if err := h.run(t, buf(20, 0.5), buf(10, 0)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if h.llm.CallCount() != 0 {
		t.Errorf("LLM calls = %d, want 0", h.llm.CallCount())
	}
}

func TestRun_IdentifiedSpeakerReachesPayload(t *testing.T) {
	t.Parallel()
	sp := &speakermock.Provider{Result: types.SpeakerMatch{SpeakerID: "self", Confidence: 0.93}}
	h := newHarness(t, t.TempDir(), func(d *pipeline.Deps) { d.Speaker = sp })
	ctx := context.Background()

	if err := h.run(t, buf(10, 0), buf(20, 0.5), buf(10, 0)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	events, _ := h.store.ListEvents(ctx, h.sc.ID)
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	tp, _ := events[0].Transcript()
	if tp.SpeakerID != "self" || tp.SpeakerConfidence != 0.93 {
		t.Errorf("speaker = %q (%v), want self (0.93)", tp.SpeakerID, tp.SpeakerConfidence)
	}
	segs, _ := h.store.ListSegments(ctx, h.sc.ID)
	if len(sp.Calls) != 1 || sp.Calls[0].AudioPath != segs[0].Path {
		t.Errorf("speaker calls = %+v, want one with the segment path", sp.Calls)
	}
}

func TestRun_VADSessionErrorIsFatal(t *testing.T) {
	t.Parallel()
	eng := &vadmock.Engine{NewSessionErr: errors.New("no model")}
	h := newHarness(t, t.TempDir(), func(d *pipeline.Deps) { d.VAD = eng })

	if err := h.run(t, buf(1, 0)); err == nil {
		t.Fatal("Run() with failing VAD: expected error")
	}
}

func TestRun_FlushedSegmentOnClose(t *testing.T) {
	t.Parallel()
	frames := make([]audio.Frame, 20)
	for i := range frames {
		samples := make([]float32, frameSize)
		for j := range samples {
			samples[j] = 0.5
		}
		frames[i] = audio.Frame{Samples: samples, SampleRate: rate, Channels: 1, Seq: uint64(i)}
	}
	sess := &vadmock.Session{FlushResult: &vad.Segment{End: 600 * time.Millisecond, Frames: frames}}
	eng := &vadmock.Engine{Session: sess}
	h := newHarness(t, t.TempDir(), func(d *pipeline.Deps) { d.VAD = eng })

	if err := h.run(t, buf(5, 0.5)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := eng.NewSessionCalls[0].Cfg.SampleRate; got != rate {
		t.Errorf("VAD SampleRate = %d, want %d", got, rate)
	}
	if got := sess.FrameCount(); got != 5 {
		t.Errorf("frames processed = %d, want 5", got)
	}
	if sess.CloseCallCount != 1 {
		t.Errorf("Close calls = %d, want 1", sess.CloseCallCount)
	}
	segs, _ := h.store.ListSegments(context.Background(), h.sc.ID)
	if len(segs) != 1 {
		t.Errorf("segments = %d, want 1", len(segs))
	}
}
