package session

import (
	"errors"

	"github.com/MrWong99/earmark/pkg/audio"
	"github.com/MrWong99/earmark/pkg/memory"
)

var (
	// ErrAlreadyRecording is returned when starting a session while one is
	// active.
	ErrAlreadyRecording = errors.New("already recording")

	// ErrNoActiveSession is returned by operations that need an active session.
	ErrNoActiveSession = errors.New("no active session")

	// ErrInvalidLocation is returned for coordinates outside the valid range.
	ErrInvalidLocation = errors.New("invalid location")
)

// Status is a snapshot of the recorder state.
type Status struct {
	Recording bool
	// Stopping is set while a stopped session drains its queue. The slot
	// stays taken until the session is finalized.
	Stopping bool
	Session  *memory.Session
	Version  string

	Queue                   audio.QueueStats
	InFlightInterpretations int64
}
