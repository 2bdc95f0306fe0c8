package memory

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownEventType is returned when a payload or event type is not one of
// the known variants.
var ErrUnknownEventType = errors.New("memory: unknown event type")

// EventType keys the [Payload] union.
type EventType string

const (
	EventTranscript EventType = "transcript"
	EventLocation   EventType = "location"
)

// Payload is the tagged union carried by a RawEvent. The concrete variants
// are [TranscriptPayload] and [LocationPayload]; consumers switch over them
// exhaustively.
type Payload interface {
	EventType() EventType
	isPayload()
}

// TranscriptPayload is produced for every recorded speech segment.
type TranscriptPayload struct {
	Text              string  `json:"text"`
	ASRConfidence     float64 `json:"asr_confidence"`
	ASRModel          string  `json:"asr_model,omitempty"`
	Language          string  `json:"language,omitempty"`
	SpeakerID         string  `json:"speaker_id"`
	SpeakerConfidence float64 `json:"speaker_confidence"`
	DurationMS        int64   `json:"duration_ms"`
}

// LocationPayload records where the user was at a point in the session.
type LocationPayload struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
	AccuracyM float64 `json:"accuracy_m,omitempty"`
	Label     string  `json:"label,omitempty"`
}

// EventType implements [Payload].
func (TranscriptPayload) EventType() EventType { return EventTranscript }

// EventType implements [Payload].
func (LocationPayload) EventType() EventType { return EventLocation }

func (TranscriptPayload) isPayload() {}
func (LocationPayload) isPayload()   {}

// EncodePayload marshals p for storage and returns its discriminator.
func EncodePayload(p Payload) (EventType, []byte, error) {
	switch v := p.(type) {
	case TranscriptPayload:
		b, err := json.Marshal(v)
		return EventTranscript, b, err
	case LocationPayload:
		b, err := json.Marshal(v)
		return EventLocation, b, err
	case nil:
		return "", nil, fmt.Errorf("%w: nil payload", ErrUnknownEventType)
	default:
		return "", nil, fmt.Errorf("%w: %T", ErrUnknownEventType, p)
	}
}

// DecodePayload unmarshals data into the variant selected by t.
func DecodePayload(t EventType, data []byte) (Payload, error) {
	switch t {
	case EventTranscript:
		var p TranscriptPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("memory: decode %s payload: %w", t, err)
		}
		return p, nil
	case EventLocation:
		var p LocationPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("memory: decode %s payload: %w", t, err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, t)
	}
}
