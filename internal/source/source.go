// Package source contains the unit source contract of the decode engine and
// the adapter that puts generation-tagged, cancellable pulls on top of it.
package source

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/philipch07/EggsTV/internal/unit"
)

var (
	// ErrCancelledPull is returned when a pull was overtaken by a seek or a stop.
	// It is expected and never surfaced to users.
	ErrCancelledPull = errors.New("pull cancelled")

	// ErrNotSeekable is returned when seeking a push source.
	ErrNotSeekable = errors.New("source is not seekable")
)

// Source is a lazy sequence of units produced by a decode engine.
type Source interface {
	// Pull returns the next unit, or io.EOF at the end of the stream.
	Pull(ctx context.Context) (unit.Unit, error)

	// Cancel terminates the current sequence and releases decoder resources.
	// It can be called more than once and concurrently with Pull.
	Cancel()
}

// Seeker is implemented by random-access sources.
type Seeker interface {
	// Seek starts a fresh sequence whose first unit is the first one with a
	// timestamp greater than or equal to ts. It is valid after Cancel.
	Seek(ts time.Duration) error
}

// Error is a decode or container failure. It is fatal for the session.
type Error struct {
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return "source error: " + e.Err.Error()
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Generation is an epoch counter used to invalidate stale asynchronous work.
// Every asynchronous operation captures the epoch at issue time and checks it
// before committing side effects.
type Generation struct {
	v atomic.Uint64
}

// Current returns the current epoch.
func (g *Generation) Current() uint64 {
	return g.v.Load()
}

// Next increments the epoch and returns the new value.
func (g *Generation) Next() uint64 {
	return g.v.Add(1)
}
