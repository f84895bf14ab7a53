package source

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/philipch07/EggsTV/internal/logger"
	"github.com/philipch07/EggsTV/internal/unit"
)

type pulled struct {
	u     unit.Unit
	epoch uint64
}

// Adapter wraps a Source. A pump routine performs the underlying pulls one
// unit ahead of the consumer, so that a consumer can stop waiting (pause)
// without losing the unit being decoded.
type Adapter struct {
	src         Source
	gen         *Generation
	stopTimeout time.Duration
	log         logger.Writer

	mutex      sync.Mutex
	epoch      uint64
	ch         chan pulled
	pumpCancel context.CancelFunc
	pumpDone   chan struct{}
	termErr    error
	pending    map[uint64]int
	closed     bool
}

// NewAdapter allocates an Adapter. Start must be called before pulling.
func NewAdapter(src Source, gen *Generation, stopTimeout time.Duration, log logger.Writer) *Adapter {
	if log == nil {
		log = logger.Nil
	}
	if stopTimeout <= 0 {
		stopTimeout = 5 * time.Second
	}
	return &Adapter{
		src:         src,
		gen:         gen,
		stopTimeout: stopTimeout,
		log:         log,
		pending:     make(map[uint64]int),
	}
}

// Start starts pulling on behalf of the given epoch.
func (a *Adapter) Start(epoch uint64) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.closed || a.pumpDone != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.epoch = epoch
	a.ch = make(chan pulled)
	a.pumpCancel = cancel
	a.pumpDone = make(chan struct{})
	a.termErr = nil

	go a.pump(ctx, epoch, a.ch, a.pumpDone)
}

func (a *Adapter) pump(ctx context.Context, epoch uint64, ch chan<- pulled, done chan struct{}) {
	defer close(done)

	for {
		a.track(epoch, 1)
		u, err := a.src.Pull(ctx)
		a.track(epoch, -1)

		if ctx.Err() != nil {
			return
		}

		if err != nil {
			if !errors.Is(err, io.EOF) {
				err = &Error{Err: err}
			}
			a.mutex.Lock()
			a.termErr = err
			a.mutex.Unlock()
			return
		}

		select {
		case ch <- pulled{u: u, epoch: epoch}:
		case <-ctx.Done():
			return
		}
	}
}

func (a *Adapter) track(epoch uint64, delta int) {
	a.mutex.Lock()
	a.pending[epoch] += delta
	if a.pending[epoch] == 0 {
		delete(a.pending, epoch)
	}
	a.mutex.Unlock()
}

// Pending returns the number of underlying pulls in flight for the given epoch.
func (a *Adapter) Pending(epoch uint64) int {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.pending[epoch]
}

// Pull returns the next unit. It returns io.EOF at the end of the stream,
// an *Error on decode failures and ErrCancelledPull when ctx is done or the
// epoch is stale. Results of stale pulls are discarded.
func (a *Adapter) Pull(ctx context.Context, epoch uint64) (unit.Unit, error) {
	if a.gen.Current() != epoch {
		return nil, ErrCancelledPull
	}

	a.mutex.Lock()
	ch, done := a.ch, a.pumpDone
	a.mutex.Unlock()

	if ch == nil {
		return nil, ErrCancelledPull
	}

	select {
	case p := <-ch:
		if p.epoch != epoch || a.gen.Current() != epoch {
			return nil, ErrCancelledPull
		}
		return p.u, nil

	case <-done:
		a.mutex.Lock()
		err, pumpEpoch := a.termErr, a.epoch
		a.mutex.Unlock()

		if err == nil || pumpEpoch != epoch || a.gen.Current() != epoch {
			return nil, ErrCancelledPull
		}
		return nil, err

	case <-ctx.Done():
		return nil, ErrCancelledPull
	}
}

// PullFrom pulls until it finds the first unit whose timestamp is greater
// than or equal to from.
func (a *Adapter) PullFrom(ctx context.Context, epoch uint64, from time.Duration) (unit.Unit, error) {
	for {
		u, err := a.Pull(ctx, epoch)
		if err != nil {
			return nil, err
		}
		if u.GetPTS() >= from {
			return u, nil
		}
	}
}

// Seekable tells whether the wrapped source supports random access.
func (a *Adapter) Seekable() bool {
	_, ok := a.src.(Seeker)
	return ok
}

// Seek terminates the current sequence and restarts pulling from ts on
// behalf of the given epoch.
func (a *Adapter) Seek(epoch uint64, ts time.Duration) error {
	seeker, ok := a.src.(Seeker)
	if !ok {
		return ErrNotSeekable
	}

	a.stopPump()

	if err := seeker.Seek(ts); err != nil {
		return &Error{Err: err}
	}

	a.Start(epoch)
	return nil
}

// Close terminates the source. It can be called more than once.
func (a *Adapter) Close() {
	a.mutex.Lock()
	a.closed = true
	a.mutex.Unlock()

	a.stopPump()
}

func (a *Adapter) stopPump() {
	a.mutex.Lock()
	cancel, done := a.pumpCancel, a.pumpDone
	a.pumpCancel = nil
	a.pumpDone = nil
	a.ch = nil
	a.mutex.Unlock()

	if cancel != nil {
		cancel()
	}

	// unblocks a pull stuck on I/O
	a.src.Cancel()

	if done == nil {
		return
	}

	select {
	case <-done:
	case <-time.After(a.stopTimeout):
		a.log.Log(logger.Warn, "source did not terminate within %v", a.stopTimeout)
	}
}
