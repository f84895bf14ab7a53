package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/philipch07/EggsTV/internal/clock"
	"github.com/philipch07/EggsTV/internal/logger"
	"github.com/philipch07/EggsTV/internal/source"
	"github.com/philipch07/EggsTV/internal/unit"
)

const (
	defaultLeadTime     = 100 * time.Millisecond
	defaultMaxAhead     = 1 * time.Second
	defaultPollInterval = 100 * time.Millisecond
	defaultStopTimeout  = 5 * time.Second
)

// Events are called from the queue routines with the epoch of the run.
type Events struct {
	// OnEnded is called when the stream is exhausted and every scheduled
	// node finished playing.
	OnEnded func(epoch uint64)

	// OnError is called with a *source.Error or with a device error.
	OnError func(epoch uint64, err error)
}

// retained is the unplayed part of a node that was force-stopped by a pause.
type retained struct {
	chunk *unit.AudioChunk
	trim  time.Duration
}

// Queue feeds audio units to the device ahead of time and keeps the clock
// aligned with the device timeline.
type Queue struct {
	Adapter *source.Adapter
	Clock   *clock.Clock
	Device  Device
	Events  Events
	Log     logger.Writer

	// LeadTime is the delay between the start of a run and its first node.
	LeadTime time.Duration

	// MaxAhead bounds the amount of audio scheduled ahead of the device clock.
	MaxAhead time.Duration

	// PollInterval is the backpressure polling period.
	PollInterval time.Duration

	StopTimeout time.Duration

	underrunLog logger.Writer

	mutex        sync.Mutex
	epoch        uint64
	inFlight     map[*Node]Handle
	retained     []retained
	next         time.Duration
	bootstrapped bool
	exhausted    bool

	cancel context.CancelFunc
	done   chan struct{}
}

// Initialize initializes a Queue.
func (q *Queue) Initialize() {
	if q.LeadTime <= 0 {
		q.LeadTime = defaultLeadTime
	}
	if q.MaxAhead <= 0 {
		q.MaxAhead = defaultMaxAhead
	}
	if q.PollInterval <= 0 {
		q.PollInterval = defaultPollInterval
	}
	if q.StopTimeout <= 0 {
		q.StopTimeout = defaultStopTimeout
	}
	if q.Log == nil {
		q.Log = logger.Nil
	}
	q.underrunLog = logger.NewLimitedLogger(q.Log)

	if q.Events.OnEnded == nil {
		q.Events.OnEnded = func(uint64) {}
	}
	if q.Events.OnError == nil {
		q.Events.OnError = func(uint64, error) {}
	}

	q.inFlight = make(map[*Node]Handle)
}

// Start starts scheduling on behalf of epoch. Nodes retained by a pause are
// scheduled first.
func (q *Queue) Start(epoch uint64) {
	q.stopRun()

	q.mutex.Lock()
	q.epoch = epoch
	q.bootstrapped = false
	q.mutex.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	q.done = make(chan struct{})

	go q.run(ctx, q.done, epoch)
}

// Pause stops pulling, pauses the device and force-stops every in-flight
// node. The unplayed part of each node is kept for the next Start.
func (q *Queue) Pause() error {
	q.stopRun()

	err := q.Device.Pause()
	now := q.Device.Now()

	q.mutex.Lock()
	defer q.mutex.Unlock()

	for n, h := range q.inFlight {
		q.Device.Cancel(h)

		played := max(now-n.Start, 0)
		if played >= n.Duration() {
			continue
		}

		q.retained = append(q.retained, retained{
			chunk: n.Chunk,
			trim:  n.Trim + played,
		})
	}
	clear(q.inFlight)

	sort.Slice(q.retained, func(i, j int) bool {
		return q.retained[i].chunk.PTS < q.retained[j].chunk.PTS
	})

	q.bootstrapped = false

	if err != nil {
		return fmt.Errorf("pause audio device: %w", err)
	}
	return nil
}

// Flush stops the queue and forgets everything, including retained nodes.
// It is used on seek and stop.
func (q *Queue) Flush() {
	q.stopRun()

	q.mutex.Lock()
	defer q.mutex.Unlock()

	for _, h := range q.inFlight {
		q.Device.Cancel(h)
	}
	clear(q.inFlight)
	q.retained = nil
	q.bootstrapped = false
	q.exhausted = false
}

// InFlight returns the number of nodes handed to the device that did not end.
func (q *Queue) InFlight() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return len(q.inFlight)
}

// Retained returns the number of nodes kept by a pause.
func (q *Queue) Retained() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return len(q.retained)
}

func (q *Queue) stopRun() {
	if q.cancel == nil {
		return
	}

	q.cancel()

	// the run owns the retained parts until it returns.
	select {
	case <-q.done:
	case <-time.After(q.StopTimeout):
		q.Log.Log(logger.Warn, "audio queue did not stop within %v, still waiting", q.StopTimeout)
		<-q.done
	}

	q.cancel = nil
	q.done = nil
}

func (q *Queue) run(ctx context.Context, done chan struct{}, epoch uint64) {
	defer close(done)

	for {
		q.mutex.Lock()
		var r *retained
		if len(q.retained) != 0 {
			r = &q.retained[0]
			q.retained = q.retained[1:]
		}
		exhausted := q.exhausted
		q.mutex.Unlock()

		if r != nil {
			if err := q.schedule(epoch, r.chunk, r.trim); err != nil {
				q.handleScheduleError(epoch, err)
				return
			}
			continue
		}

		if exhausted {
			q.waitDrain(ctx, epoch)
			return
		}

		if !q.waitBackpressure(ctx) {
			return
		}

		u, err := q.Adapter.Pull(ctx, epoch)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				q.mutex.Lock()
				q.exhausted = true
				q.mutex.Unlock()
				continue

			case errors.Is(err, source.ErrCancelledPull):
				return

			default:
				q.Events.OnError(epoch, err)
				return
			}
		}

		if err := q.schedule(epoch, u.(*unit.AudioChunk), 0); err != nil {
			q.handleScheduleError(epoch, err)
			return
		}
	}
}

func (q *Queue) handleScheduleError(epoch uint64, err error) {
	if !errors.Is(err, source.ErrCancelledPull) {
		q.Events.OnError(epoch, err)
	}
}

// waitBackpressure waits while too much audio is scheduled ahead.
func (q *Queue) waitBackpressure(ctx context.Context) bool {
	for {
		q.mutex.Lock()
		ahead := q.next - q.Device.Now()
		bootstrapped := q.bootstrapped
		q.mutex.Unlock()

		if !bootstrapped || ahead <= q.MaxAhead {
			return true
		}

		select {
		case <-time.After(q.PollInterval):
		case <-ctx.Done():
			return false
		}
	}
}

func (q *Queue) waitDrain(ctx context.Context, epoch uint64) {
	for {
		if q.InFlight() == 0 {
			q.Events.OnEnded(epoch)
			return
		}

		select {
		case <-time.After(q.PollInterval):
		case <-ctx.Done():
			return
		}
	}
}

func (q *Queue) schedule(epoch uint64, chunk *unit.AudioChunk, trim time.Duration) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if q.epoch != epoch {
		return source.ErrCancelledPull
	}

	now := q.Device.Now()

	if !q.bootstrapped {
		q.next = now + q.LeadTime
		q.Clock.Rebase(q.next, chunk.PTS+trim)
		q.bootstrapped = true
	}

	n := &Node{
		Chunk: chunk,
		Start: q.next,
		Trim:  trim,
	}
	q.next += chunk.Duration - trim

	if now > n.Start {
		late := now - n.Start
		q.underrunLog.Log(logger.Warn, "audio underrun, trimming %v", late)

		n.Trim += late
		n.Start = now

		if n.Trim >= chunk.Duration {
			return nil
		}
	}

	h, err := q.Device.Schedule(n, func() { q.nodeEnded(epoch, n) })
	if err != nil {
		return err
	}

	q.inFlight[n] = h
	return nil
}

func (q *Queue) nodeEnded(epoch uint64, n *Node) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if q.epoch == epoch {
		delete(q.inFlight, n)
	}
}
