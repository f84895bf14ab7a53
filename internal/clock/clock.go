// Package clock contains the playback clock shared by the video and audio loops.
package clock

import (
	"sync"
	"time"
)

// Source is a monotonic time base, such as a system timer or an audio device clock.
type Source interface {
	Now() time.Duration
}

// SystemTimer is a Source backed by the monotonic system clock.
type SystemTimer struct {
	started time.Time
}

// NewSystemTimer allocates a SystemTimer that starts at zero.
func NewSystemTimer() *SystemTimer {
	return &SystemTimer{started: time.Now()}
}

// Now implements Source.
func (t *SystemTimer) Now() time.Duration {
	return time.Since(t.started)
}

// Clock maps a time source onto the playback timeline through a
// (wall, playback) reference pair.
//
// While running, Now() never goes backwards: after a rebase that puts the
// timeline behind the last reported position, the clock holds until the new
// reference catches up.
type Clock struct {
	mu          sync.Mutex
	source      Source
	refWall     time.Duration
	refPlayback time.Duration
	running     bool
	floor       time.Duration
}

// New allocates a stopped Clock at position zero.
func New(source Source) *Clock {
	if source == nil {
		source = NewSystemTimer()
	}
	return &Clock{source: source}
}

func (c *Clock) nowLocked() time.Duration {
	if !c.running {
		return c.refPlayback
	}

	pos := c.refPlayback + (c.source.Now() - c.refWall)
	if pos < c.floor {
		return c.floor
	}
	c.floor = pos
	return pos
}

// Now returns the current playback position.
func (c *Clock) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nowLocked()
}

// Start starts the clock at the given playback position.
func (c *Clock) Start(at time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.refPlayback = at
	c.refWall = c.source.Now()
	c.floor = at
	c.running = true
}

// Stop freezes the clock and returns the frozen position.
func (c *Clock) Stop() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	pos := c.nowLocked()
	c.running = false
	c.refPlayback = pos
	return pos
}

// Reset moves the clock to the given position without changing whether it runs.
func (c *Clock) Reset(to time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.refPlayback = to
	c.refWall = c.source.Now()
	c.floor = to
}

// Rebase replaces the reference pair: the source time wall corresponds to
// the playback position playback. wall may lie in the future.
func (c *Clock) Rebase(wall time.Duration, playback time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		c.refPlayback = playback
		c.refWall = c.source.Now()
		c.floor = playback
		return
	}

	c.refWall = wall
	c.refPlayback = playback
}

// SetSource switches the time base, keeping the current position.
func (c *Clock) SetSource(source Source) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pos := c.nowLocked()
	c.source = source
	c.refWall = source.Now()
	c.refPlayback = pos
}

// Running tells whether the clock is running.
func (c *Clock) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// StartAfter starts the clock at the given position but holds it there
// until delay has elapsed on the source.
func (c *Clock) StartAfter(at time.Duration, delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.refPlayback = at
	c.refWall = c.source.Now() + delay
	c.floor = at
	c.running = true
}
