package ogg

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pion/webrtc/v4/pkg/media/oggreader"

	"github.com/philipch07/EggsTV/internal/unit"
)

var errCancelled = errors.New("ogg source cancelled")

func chunk(p Packet) *unit.AudioChunk {
	return &unit.AudioChunk{
		Base: unit.Base{
			PTS:      p.PTS,
			Duration: p.Duration,
		},
		SampleRate: granuleRate,
		Payload:    p.Data,
	}
}

// Probe checks that r carries an Opus stream and returns the input sample
// rate declared by its OpusHead.
func Probe(r io.Reader) (uint32, error) {
	br := bufio.NewReaderSize(r, 256*1024)
	or, err := oggreader.NewWithOptions(br, oggreader.WithDoChecksum(false))
	if err != nil {
		return 0, err
	}

	for {
		payload, header, err := or.ParseNextPage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return 0, err
		}
		if header == nil || len(payload) < 8 {
			continue
		}

		if ht, ok := header.HeaderType(payload); ok && ht == oggreader.HeaderOpusID {
			head, err := oggreader.ParseOpusHead(payload)
			if err != nil {
				return 0, err
			}
			sr := head.SampleRate
			if sr == 0 {
				sr = granuleRate
			}
			return sr, nil
		}
	}

	return 0, fmt.Errorf("no Opus stream found")
}

// FileSource is a random-access source of the audio chunks of an Ogg Opus file.
type FileSource struct {
	path string

	mutex  sync.Mutex
	f      *os.File
	r      *Reader
	skipTo time.Duration
}

// OpenFile opens an Ogg Opus file.
func OpenFile(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	if _, err := Probe(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}

	return &FileSource{
		path: path,
		f:    f,
		r:    NewReader(f),
	}, nil
}

// Pull implements source.Source.
func (s *FileSource) Pull(ctx context.Context) (unit.Unit, error) {
	s.mutex.Lock()
	r, skipTo := s.r, s.skipTo
	s.mutex.Unlock()

	if r == nil {
		return nil, errCancelled
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		p, err := r.Next()
		if err != nil {
			return nil, err
		}

		if p.PTS >= skipTo {
			return chunk(p), nil
		}
	}
}

// Cancel implements source.Source.
func (s *FileSource) Cancel() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.f != nil {
		s.f.Close()
		s.f = nil
		s.r = nil
	}
}

// Seek implements source.Seeker.
func (s *FileSource) Seek(ts time.Duration) error {
	s.Cancel()

	f, err := os.Open(s.path)
	if err != nil {
		return err
	}

	prevGranule, preSkip, err := SeekOffset(f, max(ts, 0))
	if err != nil {
		f.Close()
		return err
	}

	r := NewReader(f)
	r.SetSeekState(prevGranule, preSkip)

	s.mutex.Lock()
	s.f = f
	s.r = r
	s.skipTo = ts
	s.mutex.Unlock()

	return nil
}

// StreamSource reads audio chunks from a pushed Ogg Opus byte stream.
type StreamSource struct {
	rc   io.ReadCloser
	r    *Reader
	once sync.Once
}

// NewStreamSource allocates a StreamSource. Cancel closes rc.
func NewStreamSource(rc io.ReadCloser) *StreamSource {
	return &StreamSource{
		rc: rc,
		r:  NewReader(rc),
	}
}

// Pull implements source.Source.
func (s *StreamSource) Pull(ctx context.Context) (unit.Unit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p, err := s.r.Next()
	if err != nil {
		return nil, err
	}
	return chunk(p), nil
}

// Cancel implements source.Source.
func (s *StreamSource) Cancel() {
	s.once.Do(func() {
		s.rc.Close()
	})
}
