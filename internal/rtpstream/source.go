// Package rtpstream contains a video unit source that reads VP8 frames from
// an RTP stream framed as in RFC 4571.
package rtpstream

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"

	"github.com/philipch07/EggsTV/internal/unit"
)

const (
	clockRate = 90000

	defaultFrameDuration = time.Second / 30

	// frames are never longer than this.
	maxFrameSize = 4 * 1024 * 1024
)

var errFrameTooBig = errors.New("frame is too big")

// Source reads VP8 frames from a stream of length-prefixed RTP packets.
// Frames damaged by packet loss are dropped.
type Source struct {
	rc   io.ReadCloser
	br   *bufio.Reader
	once sync.Once

	buf      []byte
	depack   codecs.VP8Packet
	frameTS  uint32
	inFrame  bool
	keyframe bool
	broken   bool
	lastSeq  uint16
	seqValid bool

	tsInit    bool
	tsPrev    uint32
	tsOverall int64

	pending *unit.Frame
	lastDur time.Duration
	err     error
}

// NewSource allocates a Source. Cancel closes rc.
func NewSource(rc io.ReadCloser) *Source {
	return &Source{
		rc: rc,
		br: bufio.NewReaderSize(rc, 64*1024),
	}
}

func (s *Source) readPacket() (*rtp.Packet, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(s.br, lenBuf[:]); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint16(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(s.br, buf); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	var pkt rtp.Packet
	if err := pkt.Unmarshal(buf); err != nil {
		return nil, fmt.Errorf("invalid RTP packet: %w", err)
	}
	return &pkt, nil
}

// unwrap turns a 32-bit RTP timestamp into a time relative to the first one.
func (s *Source) unwrap(ts uint32) time.Duration {
	if !s.tsInit {
		s.tsInit = true
		s.tsPrev = ts
		return 0
	}

	s.tsOverall += int64(int32(ts - s.tsPrev))
	s.tsPrev = ts

	v := s.tsOverall
	if v < 0 {
		v = 0
	}
	return time.Duration(v) * time.Second / clockRate
}

func (s *Source) reset() {
	s.buf = s.buf[:0]
	s.inFrame = false
	s.keyframe = false
	s.broken = false
}

// readFrame returns the next complete frame.
func (s *Source) readFrame() (*unit.Frame, error) {
	for {
		pkt, err := s.readPacket()
		if err != nil {
			return nil, err
		}

		// a new timestamp starts a new frame; whatever was left is incomplete.
		if s.inFrame && pkt.Timestamp != s.frameTS {
			s.reset()
		}

		if s.seqValid && pkt.SequenceNumber != s.lastSeq+1 {
			s.broken = true
		}
		s.lastSeq = pkt.SequenceNumber
		s.seqValid = true

		if len(pkt.Payload) == 0 {
			continue
		}

		if _, err := s.depack.Unmarshal(pkt.Payload); err != nil {
			s.broken = true
			continue
		}

		if !s.inFrame {
			// frames must be read from their first partition.
			if s.depack.S != 1 || s.depack.PID != 0 {
				s.broken = true
			}
			s.inFrame = true
			s.frameTS = pkt.Timestamp
			s.keyframe = len(s.depack.Payload) > 0 && s.depack.Payload[0]&0x01 == 0
		}

		if !s.broken {
			if len(s.buf)+len(s.depack.Payload) > maxFrameSize {
				return nil, errFrameTooBig
			}
			s.buf = append(s.buf, s.depack.Payload...)
		}

		if !pkt.Marker {
			continue
		}

		if s.broken {
			s.reset()
			continue
		}

		frame := &unit.Frame{
			Base: unit.Base{
				PTS: s.unwrap(s.frameTS),
			},
			Keyframe: s.keyframe,
			Payload:  append([]byte(nil), s.buf...),
		}
		s.reset()
		return frame, nil
	}
}

// Pull implements source.Source. Frames are returned one frame late, since a
// frame lasts until the next one starts.
func (s *Source) Pull(ctx context.Context) (unit.Unit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if s.pending == nil {
		if s.err != nil {
			return nil, s.err
		}

		var err error
		s.pending, err = s.readFrame()
		if err != nil {
			s.err = s.normalize(err)
			return nil, s.err
		}
	}

	cur := s.pending
	next, err := s.readFrame()
	if err != nil {
		s.pending = nil
		s.err = s.normalize(err)

		cur.Duration = s.lastDur
		if cur.Duration <= 0 {
			cur.Duration = defaultFrameDuration
		}
		return cur, nil
	}

	dur := next.PTS - cur.PTS
	if dur <= 0 {
		dur = s.lastDur
		if dur <= 0 {
			dur = defaultFrameDuration
		}
	}
	cur.Duration = dur
	s.lastDur = dur
	s.pending = next
	return cur, nil
}

func (s *Source) normalize(err error) error {
	// the stream ended in the middle of a packet.
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return io.EOF
	}
	return err
}

// Cancel implements source.Source.
func (s *Source) Cancel() {
	s.once.Do(func() {
		s.rc.Close()
	})
}
