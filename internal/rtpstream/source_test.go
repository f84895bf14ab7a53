package rtpstream

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"

	"github.com/philipch07/EggsTV/internal/unit"
)

type testPacket struct {
	seq    uint16
	ts     uint32
	marker bool
	start  bool
	data   []byte
}

func framed(t *testing.T, pkts []testPacket) []byte {
	var out []byte
	for _, p := range pkts {
		desc := byte(0x00)
		if p.start {
			desc = 0x10
		}

		pkt := rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    96,
				SequenceNumber: p.seq,
				Timestamp:      p.ts,
				Marker:         p.marker,
				SSRC:           1234,
			},
			Payload: append([]byte{desc}, p.data...),
		}

		buf, err := pkt.Marshal()
		require.NoError(t, err)

		out = binary.BigEndian.AppendUint16(out, uint16(len(buf)))
		out = append(out, buf...)
	}
	return out
}

// frame returns the two packets of a VP8 frame.
func frame(seq uint16, ts uint32, key bool, id byte) []testPacket {
	tag := byte(0x01)
	if key {
		tag = 0x00
	}
	return []testPacket{
		{seq: seq, ts: ts, start: true, data: []byte{tag, id, 1, 2, 3, 4, 5}},
		{seq: seq + 1, ts: ts, marker: true, data: []byte{id, 6, 7, 8, 9, 10, 11}},
	}
}

func pullAll(t *testing.T, s *Source) []*unit.Frame {
	var frames []*unit.Frame
	for {
		u, err := s.Pull(context.Background())
		if err == io.EOF {
			return frames
		}
		require.NoError(t, err)
		frames = append(frames, u.(*unit.Frame))
	}
}

func TestSource(t *testing.T) {
	var pkts []testPacket
	pkts = append(pkts, frame(10, 5000, true, 0)...)
	pkts = append(pkts, frame(12, 5000+3600, false, 1)...)
	pkts = append(pkts, frame(14, 5000+7200, false, 2)...)

	s := NewSource(io.NopCloser(bytes.NewReader(framed(t, pkts))))
	defer s.Cancel()

	frames := pullAll(t, s)
	require.Len(t, frames, 3)

	for i, f := range frames {
		require.Equal(t, time.Duration(i)*40*time.Millisecond, f.PTS)
		require.Equal(t, 40*time.Millisecond, f.Duration)
		require.Equal(t, i == 0, f.Keyframe)
		require.Equal(t, []byte{f.Payload[0], byte(i), 1, 2, 3, 4, 5, byte(i), 6, 7, 8, 9, 10, 11}, f.Payload)
	}
}

func TestSourceTimestampWrap(t *testing.T) {
	var pkts []testPacket
	pkts = append(pkts, frame(0, 0xFFFFFFFF-1000, true, 0)...)
	pkts = append(pkts, frame(2, 2599, false, 1)...)
	pkts = append(pkts, frame(4, 6199, false, 2)...)

	s := NewSource(io.NopCloser(bytes.NewReader(framed(t, pkts))))
	defer s.Cancel()

	frames := pullAll(t, s)
	require.Len(t, frames, 3)
	require.Equal(t, 40*time.Millisecond, frames[1].PTS)
	require.Equal(t, 80*time.Millisecond, frames[2].PTS)
}

func TestSourcePacketLoss(t *testing.T) {
	var pkts []testPacket
	pkts = append(pkts, frame(0, 0, true, 0)...)
	pkts = append(pkts, frame(2, 3600, false, 1)[1:]...)
	pkts = append(pkts, frame(4, 7200, false, 2)...)

	s := NewSource(io.NopCloser(bytes.NewReader(framed(t, pkts))))
	defer s.Cancel()

	frames := pullAll(t, s)
	require.Len(t, frames, 2)
	require.Equal(t, time.Duration(0), frames[0].PTS)
	require.Equal(t, 80*time.Millisecond, frames[0].Duration)
	require.Equal(t, 80*time.Millisecond, frames[1].PTS)
}

func TestSourceInvalidPacket(t *testing.T) {
	data := []byte{0x00, 0x02, 0xff, 0xff}

	s := NewSource(io.NopCloser(bytes.NewReader(data)))
	defer s.Cancel()

	_, err := s.Pull(context.Background())
	require.Error(t, err)
	require.NotErrorIs(t, err, io.EOF)
}
