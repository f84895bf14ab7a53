// Package audio contains the audio scheduling queue and the audio device it
// feeds.
package audio

import (
	"time"

	"github.com/philipch07/EggsTV/internal/unit"
)

// Node is an audio buffer scheduled on the device timeline.
type Node struct {
	Chunk *unit.AudioChunk

	// Start is the device time at which playback of the node begins.
	Start time.Duration

	// Trim is the leading part of the buffer that is not played.
	Trim time.Duration
}

// Duration returns how long the node plays.
func (n *Node) Duration() time.Duration {
	return n.Chunk.Duration - n.Trim
}

// End returns the device time at which the node stops playing.
func (n *Node) End() time.Duration {
	return n.Start + n.Duration()
}

// Handle identifies a scheduled node.
type Handle uint64

// Device is an audio output with its own clock.
type Device interface {
	// Now returns the device clock, which does not advance while paused.
	Now() time.Duration

	// Schedule hands a node over to the device. onEnded is called when the
	// node finished playing, unless it was cancelled before.
	Schedule(n *Node, onEnded func()) (Handle, error)

	// Cancel force-stops a node.
	Cancel(h Handle)

	Pause() error
	Resume() error
}
