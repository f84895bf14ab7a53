package clock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type manualSource struct {
	mu  sync.Mutex
	now time.Duration
}

func (s *manualSource) Now() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *manualSource) advance(d time.Duration) {
	s.mu.Lock()
	s.now += d
	s.mu.Unlock()
}

func TestClockStartStop(t *testing.T) {
	src := &manualSource{now: 10 * time.Second}
	c := New(src)

	require.Equal(t, time.Duration(0), c.Now())

	c.Start(2 * time.Second)
	require.True(t, c.Running())
	require.Equal(t, 2*time.Second, c.Now())

	src.advance(1500 * time.Millisecond)
	require.Equal(t, 3500*time.Millisecond, c.Now())

	frozen := c.Stop()
	require.Equal(t, 3500*time.Millisecond, frozen)

	src.advance(time.Hour)
	require.Equal(t, frozen, c.Now())
}

func TestClockPauseResumeContinuity(t *testing.T) {
	src := &manualSource{}
	c := New(src)
	c.Start(0)

	for i := range 5 {
		src.advance(time.Duration(i+1) * 100 * time.Millisecond)
		before := c.Now()
		frozen := c.Stop()
		require.Equal(t, before, frozen)

		src.advance(3 * time.Second)
		c.Start(frozen)
		require.Equal(t, before, c.Now())
	}
}

func TestClockReset(t *testing.T) {
	src := &manualSource{}
	c := New(src)
	c.Start(0)
	src.advance(4 * time.Second)

	c.Reset(10 * time.Second)
	require.Equal(t, 10*time.Second, c.Now())
	require.Equal(t, 10*time.Second, c.Stop())

	c.Reset(5 * time.Second)
	require.False(t, c.Running())
	require.Equal(t, 5*time.Second, c.Now())
}

func TestClockRebaseNeverGoesBack(t *testing.T) {
	src := &manualSource{}
	c := New(src)
	c.Start(time.Second)
	src.advance(50 * time.Millisecond)
	require.Equal(t, 1050*time.Millisecond, c.Now())

	// device playback of the unit at 1s starts 100ms from now.
	c.Rebase(src.Now()+100*time.Millisecond, time.Second)
	require.Equal(t, 1050*time.Millisecond, c.Now())

	src.advance(100 * time.Millisecond)
	require.Equal(t, 1050*time.Millisecond, c.Now())

	src.advance(100 * time.Millisecond)
	require.Equal(t, 1100*time.Millisecond, c.Now())
}

func TestClockSetSource(t *testing.T) {
	a := &manualSource{now: time.Minute}
	b := &manualSource{now: 3 * time.Second}
	c := New(a)
	c.Start(0)
	a.advance(2 * time.Second)

	c.SetSource(b)
	require.Equal(t, 2*time.Second, c.Now())

	a.advance(time.Hour)
	b.advance(time.Second)
	require.Equal(t, 3*time.Second, c.Now())
}

func TestClockStartAfter(t *testing.T) {
	src := &manualSource{}
	c := New(src)

	c.StartAfter(time.Second, 100*time.Millisecond)
	require.True(t, c.Running())
	require.Equal(t, time.Second, c.Now())

	src.advance(60 * time.Millisecond)
	require.Equal(t, time.Second, c.Now())

	src.advance(90 * time.Millisecond)
	require.Equal(t, 1050*time.Millisecond, c.Now())

	// stopping during the hold keeps the start position.
	c.StartAfter(2*time.Second, 100*time.Millisecond)
	src.advance(10 * time.Millisecond)
	require.Equal(t, 2*time.Second, c.Stop())
	require.Equal(t, 2*time.Second, c.Now())
}
