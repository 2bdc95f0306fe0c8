package ingest_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/earmark/internal/ingest"
	"github.com/MrWong99/earmark/pkg/audio"
)

// chanSink forwards every submitted buffer to a channel.
type chanSink struct {
	ch  chan audio.Buffer
	err error
}

func newChanSink() *chanSink { return &chanSink{ch: make(chan audio.Buffer, 16)} }

func (s *chanSink) Submit(buf audio.Buffer) error {
	s.ch <- buf
	if buf.EndOfStream {
		return nil
	}
	return s.err
}

func (s *chanSink) next(t *testing.T) audio.Buffer {
	t.Helper()
	select {
	case b := <-s.ch:
		return b
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for buffer")
		return audio.Buffer{}
	}
}

func startServer(t *testing.T, h *ingest.Handler) string {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	return conn
}

func write(t *testing.T, conn *websocket.Conn, typ websocket.MessageType, data []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, typ, data); err != nil {
		t.Fatalf("Write: %v", err)
	}
}

func TestHandler_ForwardsBinaryPCM(t *testing.T) {
	t.Parallel()
	sink := newChanSink()
	url := startServer(t, ingest.NewHandler(sink, 16000))
	conn := dial(t, url)
	defer conn.CloseNow()

	write(t, conn, websocket.MessageBinary, []byte{0x01, 0x00, 0xff, 0x7f})

	b := sink.next(t)
	if b.EndOfStream {
		t.Fatal("got end of stream, want audio")
	}
	if b.Encoding != audio.EncodingPCM16 || b.SampleRate != 16000 || b.Channels != 1 {
		t.Errorf("buffer = %s/%dHz/%dch, want pcm16/16000Hz/1ch", b.Encoding, b.SampleRate, b.Channels)
	}
	if len(b.PCM) != 4 {
		t.Errorf("len(PCM) = %d, want 4", len(b.PCM))
	}
	if !strings.HasPrefix(b.Source, "ws-") {
		t.Errorf("Source = %q, want ws- prefix", b.Source)
	}
}

func TestHandler_TruncatesOddByteCount(t *testing.T) {
	t.Parallel()
	sink := newChanSink()
	url := startServer(t, ingest.NewHandler(sink, 16000))
	conn := dial(t, url)
	defer conn.CloseNow()

	write(t, conn, websocket.MessageBinary, []byte{1})
	write(t, conn, websocket.MessageBinary, []byte{1, 2, 3})

	if b := sink.next(t); len(b.PCM) != 2 {
		t.Errorf("len(PCM) = %d, want 2", len(b.PCM))
	}
}

func TestHandler_IgnoresTextMessages(t *testing.T) {
	t.Parallel()
	sink := newChanSink()
	url := startServer(t, ingest.NewHandler(sink, 16000))
	conn := dial(t, url)
	defer conn.CloseNow()

	write(t, conn, websocket.MessageText, []byte(strings.Repeat("hello ", 50)))
	write(t, conn, websocket.MessageBinary, []byte{0, 0})

	if b := sink.next(t); len(b.PCM) != 2 {
		t.Errorf("first buffer len(PCM) = %d, want the binary message", len(b.PCM))
	}
}

func TestHandler_DisconnectSubmitsEndOfStream(t *testing.T) {
	t.Parallel()
	sink := newChanSink()
	h := ingest.NewHandler(sink, 16000)
	url := startServer(t, h)

	for _, name := range []string{"clean", "abrupt"} {
		conn := dial(t, url)
		write(t, conn, websocket.MessageBinary, []byte{0, 0})
		if b := sink.next(t); b.EndOfStream {
			t.Fatalf("%s: got end of stream before audio", name)
		}
		if name == "clean" {
			conn.Close(websocket.StatusNormalClosure, "bye")
		} else {
			conn.CloseNow()
		}
		if b := sink.next(t); !b.EndOfStream {
			t.Errorf("%s: EndOfStream = false, want true", name)
		}
		waitIdle(t, h)
	}
}

func TestHandler_SecondClientIsRejected(t *testing.T) {
	t.Parallel()
	sink := newChanSink()
	h := ingest.NewHandler(sink, 16000)
	url := startServer(t, h)

	first := dial(t, url)
	defer first.CloseNow()
	write(t, first, websocket.MessageBinary, []byte{0, 0})
	sink.next(t)

	second := dial(t, url)
	defer second.CloseNow()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := second.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusTryAgainLater {
		t.Errorf("close status = %v, want %v (err %v)", got, websocket.StatusTryAgainLater, err)
	}

	// The first client keeps streaming.
	write(t, first, websocket.MessageBinary, []byte{1, 0})
	if b := sink.next(t); b.EndOfStream || len(b.PCM) != 2 {
		t.Errorf("first client buffer = %+v, want audio", b)
	}
}

func TestHandler_SinkErrorKeepsConnection(t *testing.T) {
	t.Parallel()
	sink := newChanSink()
	sink.err = errors.New("no active session")
	url := startServer(t, ingest.NewHandler(sink, 16000))
	conn := dial(t, url)
	defer conn.CloseNow()

	write(t, conn, websocket.MessageBinary, []byte{0, 0})
	sink.next(t)
	write(t, conn, websocket.MessageBinary, []byte{0, 0})
	if b := sink.next(t); b.EndOfStream {
		t.Error("connection closed after sink error")
	}
}

func waitIdle(t *testing.T, h *ingest.Handler) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for h.Busy() {
		if time.Now().After(deadline) {
			t.Fatal("handler still busy")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
