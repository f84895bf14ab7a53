package source

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/philipch07/EggsTV/internal/unit"
)

type sliceSource struct {
	mutex     sync.Mutex
	units     []time.Duration
	pos       int
	cancels   int
	failAt    int
	seekable  bool
	cancelled bool
}

func (s *sliceSource) Pull(_ context.Context) (unit.Unit, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.cancelled {
		return nil, errors.New("use of cancelled source")
	}
	if s.failAt > 0 && s.pos == s.failAt {
		return nil, errors.New("corrupt frame")
	}
	if s.pos >= len(s.units) {
		return nil, io.EOF
	}
	pts := s.units[s.pos]
	s.pos++
	return &unit.Frame{Base: unit.Base{PTS: pts, Duration: time.Second}}, nil
}

func (s *sliceSource) Cancel() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.cancels++
	s.cancelled = true
}

type seekableSliceSource struct {
	*sliceSource
}

func (s seekableSliceSource) Seek(ts time.Duration) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.cancelled = false
	s.pos = 0
	for s.pos < len(s.units) && s.units[s.pos] < ts {
		s.pos++
	}
	return nil
}

type blockingSource struct {
	once sync.Once
	stop chan struct{}
}

func (s *blockingSource) Pull(ctx context.Context) (unit.Unit, error) {
	select {
	case <-s.stop:
		return nil, errors.New("closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *blockingSource) Cancel() {
	s.once.Do(func() { close(s.stop) })
}

func seconds(vals ...int) []time.Duration {
	out := make([]time.Duration, len(vals))
	for i, v := range vals {
		out[i] = time.Duration(v) * time.Second
	}
	return out
}

func TestAdapterPull(t *testing.T) {
	gen := &Generation{}
	a := NewAdapter(&sliceSource{units: seconds(0, 1, 2)}, gen, time.Second, nil)
	epoch := gen.Current()
	a.Start(epoch)
	defer a.Close()

	for i := range 3 {
		u, err := a.Pull(context.Background(), epoch)
		require.NoError(t, err)
		require.Equal(t, time.Duration(i)*time.Second, u.GetPTS())
	}

	for range 2 {
		_, err := a.Pull(context.Background(), epoch)
		require.ErrorIs(t, err, io.EOF)
	}
}

func TestAdapterSourceError(t *testing.T) {
	gen := &Generation{}
	a := NewAdapter(&sliceSource{units: seconds(0, 1, 2), failAt: 1}, gen, time.Second, nil)
	a.Start(0)
	defer a.Close()

	_, err := a.Pull(context.Background(), 0)
	require.NoError(t, err)

	_, err = a.Pull(context.Background(), 0)
	var serr *Error
	require.ErrorAs(t, err, &serr)
	require.EqualError(t, err, "source error: corrupt frame")
}

func TestAdapterStaleEpoch(t *testing.T) {
	gen := &Generation{}
	src := &sliceSource{units: seconds(0, 1, 2)}
	a := NewAdapter(src, gen, time.Second, nil)
	a.Start(0)
	defer a.Close()

	newEpoch := gen.Next()

	_, err := a.Pull(context.Background(), 0)
	require.ErrorIs(t, err, ErrCancelledPull)

	// the pump still serves the old epoch: its results are discarded.
	_, err = a.Pull(context.Background(), newEpoch)
	require.ErrorIs(t, err, ErrCancelledPull)
}

func TestAdapterSeek(t *testing.T) {
	gen := &Generation{}
	src := seekableSliceSource{&sliceSource{units: seconds(0, 1, 2, 3, 4, 5, 6)}}
	a := NewAdapter(src, gen, time.Second, nil)
	require.True(t, a.Seekable())
	a.Start(0)
	defer a.Close()

	_, err := a.Pull(context.Background(), 0)
	require.NoError(t, err)

	epoch := gen.Next()
	err = a.Seek(epoch, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, 0, a.Pending(0))
	require.GreaterOrEqual(t, src.cancels, 1)

	u, err := a.Pull(context.Background(), epoch)
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, u.GetPTS())
}

func TestAdapterPullFrom(t *testing.T) {
	gen := &Generation{}
	a := NewAdapter(&sliceSource{units: seconds(0, 1, 2, 3)}, gen, time.Second, nil)
	a.Start(0)
	defer a.Close()

	u, err := a.PullFrom(context.Background(), 0, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, 2*time.Second, u.GetPTS())

	_, err = a.PullFrom(context.Background(), 0, 10*time.Second)
	require.ErrorIs(t, err, io.EOF)
}

func TestAdapterNotSeekable(t *testing.T) {
	gen := &Generation{}
	a := NewAdapter(&sliceSource{}, gen, time.Second, nil)
	require.False(t, a.Seekable())
	require.ErrorIs(t, a.Seek(1, 0), ErrNotSeekable)
}

func TestAdapterCancelBlockedPull(t *testing.T) {
	gen := &Generation{}
	src := &blockingSource{stop: make(chan struct{})}
	a := NewAdapter(src, gen, time.Second, nil)
	a.Start(0)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error)
	go func() {
		_, err := a.Pull(ctx, 0)
		errc <- err
	}()

	cancel()
	require.ErrorIs(t, <-errc, ErrCancelledPull)

	a.Close()
	a.Close()
	require.Equal(t, 0, a.Pending(0))

	_, err := a.Pull(context.Background(), 0)
	require.ErrorIs(t, err, ErrCancelledPull)
}
