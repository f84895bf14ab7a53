package source

import (
	"context"
	"sync"
	"time"

	"github.com/philipch07/EggsTV/internal/unit"
)

// Baseline is a timeline origin shared by the streams of a live session: the
// timestamp of the first unit received on any of them.
type Baseline struct {
	mutex sync.Mutex
	set   bool
	base  time.Duration
}

func (b *Baseline) apply(pts time.Duration) time.Duration {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if !b.set {
		b.base = pts
		b.set = true
	}

	if pts < b.base {
		return 0
	}
	return pts - b.base
}

type ptsSetter interface {
	SetPTS(time.Duration)
}

type baselined struct {
	Source
	b *Baseline
}

// WithBaseline returns a Source whose unit timestamps are relative to b.
// The returned source is never seekable.
func WithBaseline(src Source, b *Baseline) Source {
	return &baselined{Source: src, b: b}
}

// Pull implements Source.
func (s *baselined) Pull(ctx context.Context) (unit.Unit, error) {
	u, err := s.Source.Pull(ctx)
	if err != nil {
		return nil, err
	}

	if ps, ok := u.(ptsSetter); ok {
		ps.SetPTS(s.b.apply(u.GetPTS()))
	}
	return u, nil
}
