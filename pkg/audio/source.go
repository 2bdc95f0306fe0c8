package audio

import (
	"context"
	"errors"
)

// ErrSourceDone is returned by [Source.Read] once the source is exhausted.
var ErrSourceDone = errors.New("audio: source done")

// Source is a local capture collaborator: anything that yields audio buffers
// in order until it runs dry. Network ingestion pushes into a [Queue] directly;
// a Source is pumped into the same queue by [Pump].
type Source interface {
	// Read returns the next buffer. It returns ErrSourceDone when exhausted.
	Read(ctx context.Context) (Buffer, error)

	// Close releases the underlying device or file.
	Close() error
}

// Pump reads src until it is exhausted or ctx is cancelled, handing every
// buffer to push. A final EndOfStream buffer is always pushed so downstream
// segmentation closes any open segment. Push errors such as [ErrQueueFull]
// are counted by the queue and do not stop the pump.
func Pump(ctx context.Context, src Source, name string, push func(Buffer) error) error {
	defer func() {
		_ = push(Buffer{Source: name, EndOfStream: true})
	}()
	for {
		buf, err := src.Read(ctx)
		if errors.Is(err, ErrSourceDone) {
			return nil
		}
		if err != nil {
			return err
		}
		if buf.Source == "" {
			buf.Source = name
		}
		if err := push(buf); err != nil && !errors.Is(err, ErrQueueFull) {
			return err
		}
	}
}
