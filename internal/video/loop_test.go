package video

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/philipch07/EggsTV/internal/clock"
	"github.com/philipch07/EggsTV/internal/source"
	"github.com/philipch07/EggsTV/internal/unit"
)

type manualTime struct {
	now atomic.Int64
}

func (m *manualTime) Now() time.Duration {
	return time.Duration(m.now.Load())
}

func (m *manualTime) set(d time.Duration) {
	m.now.Store(int64(d))
}

// frameSource produces n frames of the given duration. With a gate, the pull
// of frame gateAt waits until the gate is closed.
type frameSource struct {
	mutex  sync.Mutex
	n      int
	dur    time.Duration
	pos    int
	failAt int
	gateAt int
	gate   chan struct{}
}

func (s *frameSource) Pull(ctx context.Context) (unit.Unit, error) {
	s.mutex.Lock()
	if s.gate != nil && s.pos == s.gateAt {
		gate := s.gate
		s.gate = nil
		s.mutex.Unlock()

		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		s.mutex.Lock()
	}
	defer s.mutex.Unlock()

	if s.failAt > 0 && s.pos == s.failAt {
		return nil, errors.New("bitstream corrupted")
	}
	if s.pos >= s.n {
		return nil, io.EOF
	}
	f := &unit.Frame{Base: unit.Base{PTS: time.Duration(s.pos) * s.dur, Duration: s.dur}}
	s.pos++
	return f, nil
}

func (s *frameSource) Cancel() {}

func (s *frameSource) Seek(ts time.Duration) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.pos = int((ts + s.dur - 1) / s.dur)
	return nil
}

type recorder struct {
	mutex     sync.Mutex
	presented []time.Duration
	err       error
}

func (r *recorder) Present(f *unit.Frame) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.err != nil {
		return r.err
	}
	r.presented = append(r.presented, f.PTS)
	return nil
}

func (r *recorder) list() []time.Duration {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]time.Duration(nil), r.presented...)
}

type testEnv struct {
	gen     *source.Generation
	adapter *source.Adapter
	time    *manualTime
	clock   *clock.Clock
	rec     *recorder
	loop    *Loop
	ready   chan uint64
	ended   chan uint64
	errs    chan error
}

func newTestEnv(t *testing.T, src source.Source, dropLate bool) *testEnv {
	e := &testEnv{
		gen:   &source.Generation{},
		time:  &manualTime{},
		rec:   &recorder{},
		ready: make(chan uint64, 10),
		ended: make(chan uint64, 10),
		errs:  make(chan error, 10),
	}
	e.adapter = source.NewAdapter(src, e.gen, time.Second, nil)
	e.adapter.Start(e.gen.Current())
	e.clock = clock.New(e.time)

	e.loop = &Loop{
		Adapter:   e.adapter,
		Clock:     e.clock,
		Presenter: e.rec,
		Interval:  time.Millisecond,
		DropLate:  dropLate,
		Events: Events{
			OnReady: func(epoch uint64) { e.ready <- epoch },
			OnEnded: func(epoch uint64) { e.ended <- epoch },
			OnError: func(_ uint64, err error) { e.errs <- err },
		},
	}
	e.loop.Initialize()

	t.Cleanup(func() {
		e.loop.Stop()
		e.adapter.Close()
	})
	return e
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

func requireOrdered(t *testing.T, pts []time.Duration) {
	for i := 1; i < len(pts); i++ {
		require.Greater(t, pts[i], pts[i-1])
	}
}

func TestLoopPresentsEveryFrame(t *testing.T) {
	e := newTestEnv(t, &frameSource{n: 100, dur: 100 * time.Millisecond}, false)

	e.clock.Start(0)
	e.loop.Run(0, 0, true, true)
	require.Equal(t, uint64(0), <-e.ready)

	e.time.set(ms(9950))
	require.Eventually(t, func() bool {
		return len(e.rec.list()) == 100
	}, time.Second, time.Millisecond)

	select {
	case <-e.ended:
		t.Fatal("ended before the end of the last frame")
	case <-time.After(20 * time.Millisecond):
	}

	e.time.set(10 * time.Second)
	<-e.ended

	pts := e.rec.list()
	requireOrdered(t, pts)
	require.Equal(t, time.Duration(0), pts[0])
	require.Equal(t, ms(9900), pts[99])
}

func TestLoopDropsLateFrames(t *testing.T) {
	e := newTestEnv(t, &frameSource{n: 100, dur: 100 * time.Millisecond}, true)

	e.clock.Start(0)
	e.loop.Run(0, 0, true, true)
	<-e.ready

	e.time.set(5 * time.Second)
	require.Eventually(t, func() bool {
		pts := e.rec.list()
		return pts[len(pts)-1] == 5*time.Second
	}, time.Second, time.Millisecond)

	// 0.1 was presented on the first tick, then 0.2 to 4.9 were dropped.
	require.Equal(t, []time.Duration{0, ms(100), 5 * time.Second}, e.rec.list())

	e.time.set(20 * time.Second)
	<-e.ended
	requireOrdered(t, e.rec.list())
}

func TestLoopDropsFramesLateOnArrival(t *testing.T) {
	gate := make(chan struct{})
	e := newTestEnv(t, &frameSource{n: 4, dur: time.Second, gateAt: 2, gate: gate}, true)

	e.clock.Start(0)
	e.loop.Run(0, 0, true, true)
	<-e.ready

	e.time.set(time.Second)
	require.Eventually(t, func() bool {
		return len(e.rec.list()) == 2
	}, time.Second, time.Millisecond)

	// the frame at 2s is still being decoded when its time passes.
	e.time.set(ms(2500))
	time.Sleep(20 * time.Millisecond)
	close(gate)

	e.time.set(3 * time.Second)
	require.Eventually(t, func() bool {
		return len(e.rec.list()) == 3
	}, time.Second, time.Millisecond)

	e.time.set(4 * time.Second)
	<-e.ended
	require.Equal(t, []time.Duration{0, time.Second, 3 * time.Second}, e.rec.list())
}

func TestLoopSeekNeverPresentsEarlierFrames(t *testing.T) {
	e := newTestEnv(t, &frameSource{n: 100, dur: 100 * time.Millisecond}, false)

	e.loop.Run(0, 0, true, false)
	<-e.ready

	e.loop.Stop()
	epoch := e.gen.Next()
	require.NoError(t, e.adapter.Seek(epoch, 5*time.Second))
	e.clock.Reset(5 * time.Second)
	e.time.set(0)

	before := len(e.rec.list())
	e.clock.Start(5 * time.Second)
	e.loop.Run(epoch, 5*time.Second, true, true)
	require.Equal(t, epoch, <-e.ready)

	e.time.set(5 * time.Second)
	<-e.ended

	after := e.rec.list()[before:]
	require.Equal(t, 5*time.Second, after[0])
	for _, pts := range after {
		require.GreaterOrEqual(t, pts, 5*time.Second)
	}
	requireOrdered(t, after)
}

func TestLoopPauseKeepsFrames(t *testing.T) {
	e := newTestEnv(t, &frameSource{n: 10, dur: 100 * time.Millisecond}, false)

	e.clock.Start(0)
	e.loop.Run(0, 0, true, true)
	<-e.ready

	e.time.set(ms(350))
	require.Eventually(t, func() bool {
		return len(e.rec.list()) == 4
	}, time.Second, time.Millisecond)

	e.loop.Stop()
	pos := e.clock.Stop()
	require.Equal(t, ms(350), pos)

	e.time.set(5 * time.Second)
	e.clock.Start(pos)
	e.loop.Run(0, pos, false, true)

	e.time.set(ms(5700))
	<-e.ended

	pts := e.rec.list()
	require.Len(t, pts, 10)
	requireOrdered(t, pts)
}

func TestLoopStaleResultsAreDiscarded(t *testing.T) {
	e := newTestEnv(t, &frameSource{n: 10, dur: 100 * time.Millisecond}, false)

	e.clock.Start(0)
	e.loop.Run(0, 0, true, true)
	<-e.ready

	e.gen.Next()
	e.time.set(time.Second)

	// the run stops on the first pull of the stale epoch.
	require.Eventually(t, func() bool {
		return len(e.rec.list()) == 2
	}, time.Second, time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	require.Len(t, e.rec.list(), 2)
	require.Empty(t, e.ended)
}

func TestLoopErrors(t *testing.T) {
	t.Run("source", func(t *testing.T) {
		e := newTestEnv(t, &frameSource{n: 10, dur: 100 * time.Millisecond, failAt: 3}, false)

		e.clock.Start(0)
		e.loop.Run(0, 0, true, true)
		<-e.ready

		e.time.set(time.Second)
		err := <-e.errs

		var serr *source.Error
		require.ErrorAs(t, err, &serr)
	})

	t.Run("presenter", func(t *testing.T) {
		e := newTestEnv(t, &frameSource{n: 10, dur: 100 * time.Millisecond}, false)
		e.rec.err = errors.New("surface lost")

		e.loop.Run(0, 0, true, true)
		require.EqualError(t, <-e.errs, "surface lost")
		require.Empty(t, e.ready)
	})
}

func TestLoopEmptyStream(t *testing.T) {
	e := newTestEnv(t, &frameSource{}, false)

	e.clock.Start(0)
	e.loop.Run(0, 0, true, true)
	<-e.ready
	<-e.ended
	require.Empty(t, e.rec.list())
}

// stuckPresenter blocks inside Present until released.
type stuckPresenter struct {
	entered  chan struct{}
	release  chan struct{}
	returned atomic.Bool
}

func (p *stuckPresenter) Present(*unit.Frame) error {
	select {
	case p.entered <- struct{}{}:
	default:
	}
	<-p.release
	p.returned.Store(true)
	return nil
}

func TestLoopStopWaitsPastTimeout(t *testing.T) {
	e := newTestEnv(t, &frameSource{n: 10, dur: 100 * time.Millisecond}, false)

	p := &stuckPresenter{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	e.loop.Presenter = p
	e.loop.StopTimeout = 10 * time.Millisecond

	e.loop.Run(0, 0, true, false)
	<-p.entered

	go func() {
		time.Sleep(100 * time.Millisecond)
		close(p.release)
	}()

	e.loop.Stop()
	require.True(t, p.returned.Load())
}
