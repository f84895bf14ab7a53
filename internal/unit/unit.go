// Package unit contains the timestamped media units exchanged between
// unit sources and the playback loops.
package unit

import (
	"time"
)

// Unit is an atomic unit of a stream.
type Unit interface {
	// GetPTS returns the presentation timestamp, relative to the origin of the stream.
	GetPTS() time.Duration

	// GetDuration returns how long the unit lasts.
	GetDuration() time.Duration
}

// Base contains fields shared across all units.
type Base struct {
	PTS      time.Duration
	Duration time.Duration
}

// GetPTS implements Unit.
func (u *Base) GetPTS() time.Duration {
	return u.PTS
}

// GetDuration implements Unit.
func (u *Base) GetDuration() time.Duration {
	return u.Duration
}

// End returns the instant the unit stops being current.
func (u *Base) End() time.Duration {
	return u.PTS + u.Duration
}

// SetPTS moves the unit on the timeline. It must only be called by the
// current owner of the unit, before the unit is handed over.
func (u *Base) SetPTS(pts time.Duration) {
	u.PTS = pts
}
