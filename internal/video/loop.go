// Package video contains the video presentation loop.
package video

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/philipch07/EggsTV/internal/clock"
	"github.com/philipch07/EggsTV/internal/logger"
	"github.com/philipch07/EggsTV/internal/source"
	"github.com/philipch07/EggsTV/internal/unit"
)

const (
	defaultInterval    = time.Second / 60
	defaultStopTimeout = 5 * time.Second
)

// Presenter is the output surface. Present swaps the displayed frame.
type Presenter interface {
	Present(*unit.Frame) error
}

// Events are called from the loop routine. Each call carries the epoch the
// run was started with.
type Events struct {
	// OnReady is called once the first frame of a reset run is on screen,
	// or the stream turned out to be empty.
	OnReady func(epoch uint64)

	// OnEnded is called when the stream is exhausted and the clock reached
	// the end of the last frame.
	OnEnded func(epoch uint64)

	// OnError is called with a *source.Error or with a presenter error.
	OnError func(epoch uint64, err error)
}

// Loop decides when to swap the displayed frame.
type Loop struct {
	Adapter   *source.Adapter
	Clock     *clock.Clock
	Presenter Presenter
	Events    Events
	Log       logger.Writer

	// Interval is the period of the presentation driver.
	Interval time.Duration

	// DropLate drops frames that are already late when pulled, instead of
	// presenting each of them.
	DropLate bool

	StopTimeout time.Duration

	current   *unit.Frame
	lookahead *unit.Frame
	exhausted bool
	endTime   time.Duration

	dropLog logger.Writer
	cancel  context.CancelFunc
	done    chan struct{}
}

// Initialize initializes a Loop.
func (l *Loop) Initialize() {
	if l.Interval <= 0 {
		l.Interval = defaultInterval
	}
	if l.StopTimeout <= 0 {
		l.StopTimeout = defaultStopTimeout
	}
	if l.Log == nil {
		l.Log = logger.Nil
	}
	l.dropLog = logger.NewLimitedLogger(l.Log)

	if l.Events.OnReady == nil {
		l.Events.OnReady = func(uint64) {}
	}
	if l.Events.OnEnded == nil {
		l.Events.OnEnded = func(uint64) {}
	}
	if l.Events.OnError == nil {
		l.Events.OnError = func(uint64, error) {}
	}
}

// Run starts a run on behalf of epoch. With reset, the loop state is cleared,
// the first frame at or after at is presented and one more frame is pulled
// ahead. Without reset, the current and look-ahead frames are kept.
// With tick false the run ends after the reset, which is how the frame at a
// seek target is shown while paused.
func (l *Loop) Run(epoch uint64, at time.Duration, reset bool, tick bool) {
	l.Stop()

	if l.current == nil && !l.exhausted {
		reset = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.done = make(chan struct{})

	go l.run(ctx, l.done, epoch, at, reset, tick)
}

// Stop terminates the current run and waits for it. The displayed frame and
// the look-ahead frame are kept.
func (l *Loop) Stop() {
	if l.cancel == nil {
		return
	}

	l.cancel()

	// the run owns the frame state until it returns.
	select {
	case <-l.done:
	case <-time.After(l.StopTimeout):
		l.Log.Log(logger.Warn, "video loop did not stop within %v, still waiting", l.StopTimeout)
		<-l.done
	}

	l.cancel = nil
	l.done = nil
}

// Clear forgets the displayed and look-ahead frames. The loop must be stopped.
func (l *Loop) Clear() {
	l.current = nil
	l.lookahead = nil
	l.exhausted = false
	l.endTime = 0
}

func (l *Loop) run(ctx context.Context, done chan struct{}, epoch uint64, at time.Duration, reset bool, tick bool) {
	defer close(done)

	if reset {
		l.Clear()
		l.endTime = at

		if !l.prime(ctx, epoch, at) {
			return
		}
		l.Events.OnReady(epoch)
	}

	if !tick {
		return
	}

	ticker := time.NewTicker(l.Interval)
	defer ticker.Stop()

	// the clock may already be past the look-ahead frame.
	if !l.tick(ctx, epoch) {
		return
	}

	for {
		select {
		case <-ticker.C:
			if !l.tick(ctx, epoch) {
				return
			}

		case <-ctx.Done():
			return
		}
	}
}

func (l *Loop) prime(ctx context.Context, epoch uint64, at time.Duration) bool {
	first, err := l.Adapter.PullFrom(ctx, epoch, at)
	if err != nil {
		return l.handlePullError(epoch, err)
	}

	l.track(first)
	if !l.present(epoch, first.(*unit.Frame)) {
		return false
	}

	next, err := l.Adapter.Pull(ctx, epoch)
	if err != nil {
		return l.handlePullError(epoch, err)
	}

	l.track(next)
	l.lookahead = next.(*unit.Frame)
	return true
}

func (l *Loop) tick(ctx context.Context, epoch uint64) bool {
	t := l.Clock.Now()

	// a run stopped while refilling left no look-ahead frame.
	if l.lookahead == nil && !l.exhausted {
		if !l.refill(ctx, epoch) {
			return false
		}
	}

	if l.lookahead != nil && l.lookahead.PTS <= t {
		f := l.lookahead
		l.lookahead = nil

		if !l.present(epoch, f) {
			return false
		}

		if !l.refill(ctx, epoch) {
			return false
		}
	}

	if l.exhausted && l.lookahead == nil && t >= l.endTime {
		l.Events.OnEnded(epoch)
		return false
	}

	return true
}

// refill pulls the next look-ahead frame. Lateness is judged against the
// clock when each frame arrives, since pulls can take a while.
func (l *Loop) refill(ctx context.Context, epoch uint64) bool {
	dropped := 0
	defer func() {
		if dropped > 0 {
			l.dropLog.Log(logger.Debug, "dropped %d late frames", dropped)
		}
	}()

	for !l.exhausted {
		u, err := l.Adapter.Pull(ctx, epoch)
		if err != nil {
			return l.handlePullError(epoch, err)
		}
		l.track(u)

		f := u.(*unit.Frame)
		if l.DropLate && f.PTS < l.Clock.Now() {
			dropped++
			continue
		}

		l.lookahead = f
		return true
	}

	return true
}

func (l *Loop) track(u unit.Unit) {
	if end := u.(*unit.Frame).End(); end > l.endTime {
		l.endTime = end
	}
}

func (l *Loop) present(epoch uint64, f *unit.Frame) bool {
	if err := l.Presenter.Present(f); err != nil {
		l.Events.OnError(epoch, err)
		return false
	}
	l.current = f
	return true
}

// handlePullError returns whether the run can go on.
func (l *Loop) handlePullError(epoch uint64, err error) bool {
	switch {
	case errors.Is(err, io.EOF):
		l.exhausted = true
		return true

	case errors.Is(err, source.ErrCancelledPull):
		return false

	default:
		l.Events.OnError(epoch, err)
		return false
	}
}
