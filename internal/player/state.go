package player

import (
	"errors"
	"time"

	"github.com/philipch07/EggsTV/internal/source"
)

// State is the state of the playback session.
type State int

// states.
const (
	StateIdle State = iota
	StateLoading
	StatePlaying
	StatePaused
	StateEnded
	StateErrored
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateEnded:
		return "ended"
	case StateErrored:
		return "errored"
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var (
	// ErrInvalidState is returned by operations that are not valid in the
	// current state.
	ErrInvalidState = errors.New("operation not valid in the current state")

	// ErrNotSeekable is returned when seeking live media.
	ErrNotSeekable = source.ErrNotSeekable

	// ErrNoStreams is returned when loading media that has neither video nor audio.
	ErrNoStreams = errors.New("media has no playable stream")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("player closed")
)

// DeviceError is a failure of an output device. It ends the affected stream
// only: playback goes on with the other one.
type DeviceError struct {
	Stream string
	Err    error
}

// Error implements the error interface.
func (e *DeviceError) Error() string {
	return e.Stream + " device error: " + e.Err.Error()
}

// Unwrap returns the wrapped error.
func (e *DeviceError) Unwrap() error {
	return e.Err
}

// Status is a snapshot of the player.
type Status struct {
	SessionID string
	State     State
	Position  time.Duration
	Duration  time.Duration
	Live      bool
	HasVideo  bool
	HasAudio  bool
	Title     string
	Err       error
}

// Events are called from the controller routine. They must not call the Player.
type Events struct {
	OnState    func(State)
	OnProgress func(pos time.Duration, duration time.Duration)
	OnEnded    func()
	OnError    func(error)
}
