// Package ivf contains IVF video unit sources.
package ivf

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pion/webrtc/v4/pkg/media/ivfreader"

	"github.com/philipch07/EggsTV/internal/unit"
)

// FourCCVP8 is the IVF codec tag of VP8 streams.
const FourCCVP8 = "VP80"

var errCancelled = errors.New("ivf source cancelled")

// frameReader turns IVF frames into units. It reads one frame ahead, since a
// frame lasts until the next one starts.
type frameReader struct {
	r      *ivfreader.IVFReader
	header *ivfreader.IVFFileHeader

	next    *unit.Frame
	lastDur time.Duration
	started bool
	err     error
}

func newFrameReader(r io.Reader) (*frameReader, error) {
	ir, header, err := ivfreader.NewWith(r)
	if err != nil {
		return nil, err
	}

	if header.TimebaseDenominator == 0 || header.TimebaseNumerator == 0 {
		return nil, fmt.Errorf("invalid timebase %d/%d", header.TimebaseNumerator, header.TimebaseDenominator)
	}

	return &frameReader{
		r:      ir,
		header: header,
	}, nil
}

// rawPTS recovers the pts of a frame header, which the reader reports
// already multiplied by den/num and rounded down. For timebases shorter than
// a second the rounding loss is below one pts unit, so rounding up is exact.
func (fr *frameReader) rawPTS(ts uint64) uint64 {
	num := uint64(fr.header.TimebaseNumerator)
	den := uint64(fr.header.TimebaseDenominator)
	return (ts*num + den - 1) / den
}

func (fr *frameReader) timestamp(ts uint64) time.Duration {
	return time.Duration(ts*uint64(fr.header.TimebaseNumerator)) * time.Second /
		time.Duration(fr.header.TimebaseDenominator)
}

// one tick of the timebase, used when the frame rate cannot be inferred.
func (fr *frameReader) tick() time.Duration {
	return fr.timestamp(1)
}

func (fr *frameReader) parse() (*unit.Frame, error) {
	payload, fh, err := fr.r.ParseNextFrame()
	if err != nil {
		return nil, err
	}

	return &unit.Frame{
		Base: unit.Base{
			PTS: fr.timestamp(fr.rawPTS(fh.Timestamp)),
		},
		Keyframe: fr.header.FourCC == FourCCVP8 && isVP8Keyframe(payload),
		Payload:  payload,
	}, nil
}

func (fr *frameReader) read() (*unit.Frame, error) {
	if !fr.started {
		fr.started = true
		fr.next, fr.err = fr.parse()
	}

	if fr.next == nil {
		return nil, fr.err
	}

	cur := fr.next
	nxt, err := fr.parse()
	if err != nil {
		fr.next = nil
		fr.err = err

		if fr.lastDur > 0 {
			cur.Duration = fr.lastDur
		} else {
			cur.Duration = fr.tick()
		}
		return cur, nil
	}

	dur := nxt.PTS - cur.PTS
	if dur <= 0 {
		dur = fr.lastDur
		if dur <= 0 {
			dur = fr.tick()
		}
	}
	cur.Duration = dur
	fr.lastDur = dur
	fr.next = nxt
	return cur, nil
}

// isVP8Keyframe checks the inverse key frame flag of the VP8 frame tag (RFC 6386).
func isVP8Keyframe(payload []byte) bool {
	return len(payload) > 0 && payload[0]&0x01 == 0
}

// FileSource is a random-access source of the frames of an IVF file.
type FileSource struct {
	path   string
	fourCC string

	mutex  sync.Mutex
	f      *os.File
	fr     *frameReader
	skipTo time.Duration
}

func openFrameReader(path string) (*os.File, *frameReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}

	fr, err := newFrameReader(bufio.NewReaderSize(f, 256*1024))
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}

	return f, fr, nil
}

// OpenFile opens an IVF file.
func OpenFile(path string) (*FileSource, error) {
	f, fr, err := openFrameReader(path)
	if err != nil {
		return nil, err
	}

	return &FileSource{
		path:   path,
		fourCC: fr.header.FourCC,
		f:      f,
		fr:     fr,
	}, nil
}

// FourCC returns the codec tag of the file.
func (s *FileSource) FourCC() string {
	return s.fourCC
}

// Pull implements source.Source.
func (s *FileSource) Pull(ctx context.Context) (unit.Unit, error) {
	s.mutex.Lock()
	fr, skipTo := s.fr, s.skipTo
	s.mutex.Unlock()

	if fr == nil {
		return nil, errCancelled
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		frame, err := fr.read()
		if err != nil {
			return nil, err
		}

		if frame.PTS >= skipTo {
			return frame, nil
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
		s.fr = nil
	}
}

// Seek implements source.Seeker. IVF has no index: the file is read again
// from the start and frames before ts are skipped.
func (s *FileSource) Seek(ts time.Duration) error {
	s.Cancel()

	f, fr, err := openFrameReader(s.path)
	if err != nil {
		return err
	}

	s.mutex.Lock()
	s.f = f
	s.fr = fr
	s.skipTo = ts
	s.mutex.Unlock()

	return nil
}

// Duration returns the end time of the last frame of an IVF file.
func Duration(path string) (time.Duration, error) {
	f, fr, err := openFrameReader(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var end time.Duration
	for {
		frame, err := fr.read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return end, nil
			}
			return 0, err
		}
		end = frame.End()
	}
}

// StreamSource reads frames from a pushed IVF byte stream.
type StreamSource struct {
	rc   io.ReadCloser
	fr   *frameReader
	once sync.Once
}

// NewStreamSource allocates a StreamSource. The file header is read by the
// first pull. Cancel closes rc.
func NewStreamSource(rc io.ReadCloser) *StreamSource {
	return &StreamSource{rc: rc}
}

// Pull implements source.Source.
func (s *StreamSource) Pull(ctx context.Context) (unit.Unit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if s.fr == nil {
		fr, err := newFrameReader(s.rc)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, err
		}
		s.fr = fr
	}

	return s.fr.read()
}

// Cancel implements source.Source.
func (s *StreamSource) Cancel() {
	s.once.Do(func() {
		s.rc.Close()
	})
}
