// Package ogg contains Ogg Opus unit sources.
package ogg

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// Opus granule positions are always expressed at 48kHz (RFC 7845).
const granuleRate = 48000

// a single Opus packet never exceeds 120ms.
const maxPacketSamples = 5760

var (
	opusHeadSig = [8]byte{'O', 'p', 'u', 's', 'H', 'e', 'a', 'd'}
	opusTagsSig = [8]byte{'O', 'p', 'u', 's', 'T', 'a', 'g', 's'}
)

// Packet is an Opus packet with its position on the stream timeline.
type Packet struct {
	Data     []byte
	PTS      time.Duration
	Duration time.Duration
}

// Reader splits an Ogg Opus byte stream into timestamped Opus packets.
type Reader struct {
	bufioReader *bufio.Reader

	// In-progress audio packet that continues across pages.
	carry []byte

	// If we're currently discarding a header packet (OpusHead/OpusTags)
	// that spans multiple pages, keep discarding until it terminates.
	isDiscarding bool

	// OpusTags packet, complete once inTags is false.
	tags   []byte
	inTags bool

	prevGranule uint64
	seenAudio   bool

	preSkip uint64 // Opus pre-skip in 48kHz samples

	queue []Packet
	qHead int

	// at most 27 bytes are read for the header
	header [27]byte
	// at most 255 bytes can be read for segments
	segArr [255]byte
	buf    []byte
}

// NewReader allocates a Reader.
func NewReader(r io.Reader) *Reader {
	return &Reader{
		bufioReader: bufio.NewReaderSize(r, 256*1024),
		buf:         make([]byte, 0, 255*255),
	}
}

// SetSeekState primes the reader after the underlying stream was moved to a
// page boundary with SeekOffset.
func (o *Reader) SetSeekState(prevGranule uint64, preSkip uint64) {
	o.prevGranule = prevGranule
	o.preSkip = preSkip
	o.seenAudio = prevGranule != 0
}

// Next returns the next audio packet, or io.EOF at the end of the stream.
func (o *Reader) Next() (Packet, error) {
	for {
		if o.qHead < len(o.queue) {
			p := o.queue[o.qHead]
			o.queue[o.qHead] = Packet{}
			o.qHead++

			if o.qHead == len(o.queue) {
				o.queue = o.queue[:0]
				o.qHead = 0
			}

			return p, nil
		}

		granule, initLen, newPkts, err := o.appendNextAudioPagePacketsToQueue()
		if err != nil {
			if err == io.ErrUnexpectedEOF {
				return Packet{}, fmt.Errorf("truncated ogg page: %w", err)
			}
			return Packet{}, err
		}
		if newPkts == 0 {
			continue
		}

		var pageSamples uint64
		if granule > o.prevGranule {
			pageSamples = granule - o.prevGranule
		} else {
			pageSamples = 960 * uint64(newPkts)
		}

		// a stream joined mid-way starts with an arbitrary granule.
		if !o.seenAudio && pageSamples > maxPacketSamples*uint64(newPkts) {
			pageSamples = 960 * uint64(newPkts)
		}
		o.seenAudio = true

		pageStart := uint64(0)
		if granule > pageSamples {
			pageStart = granule - pageSamples
		}
		o.prevGranule = granule

		// the first preSkip samples of the stream are not played.
		base := pageSamples / uint64(newPkts)
		start := pageStart
		for i := range newPkts {
			samples := base
			if i == newPkts-1 {
				samples = pageSamples - base*uint64(newPkts-1)
			}
			end := start + samples

			pts := o.playbackTime(start)
			o.queue[initLen+i].PTS = pts
			o.queue[initLen+i].Duration = o.playbackTime(end) - pts
			start = end
		}
	}
}

func (o *Reader) playbackTime(sample uint64) time.Duration {
	if sample <= o.preSkip {
		return 0
	}
	return samplesToDuration(sample - o.preSkip)
}

func (o *Reader) appendNextAudioPagePacketsToQueue() (granule uint64, initLen int, newPkts int, err error) {
	// read 27 bytes into header
	if _, err = io.ReadFull(o.bufioReader, o.header[:]); err != nil {
		return 0, 0, 0, err
	}

	if o.header[0] != 'O' || o.header[1] != 'g' || o.header[2] != 'g' || o.header[3] != 'S' {
		return 0, 0, 0, fmt.Errorf("invalid ogg capture pattern: %q", o.header[0:4])
	}

	// the number of bytes to read is the 26th header byte (pageSegments)
	segTable := o.segArr[:int(o.header[26])]
	if _, err = io.ReadFull(o.bufioReader, segTable); err != nil {
		return 0, 0, 0, eofIsUnexpected(err)
	}

	total := 0
	for _, s := range segTable {
		total += int(s)
	}

	if cap(o.buf) < total {
		o.buf = make([]byte, total)
	} else {
		o.buf = o.buf[:total]
	}

	if _, err = io.ReadFull(o.bufioReader, o.buf); err != nil {
		return 0, 0, 0, eofIsUnexpected(err)
	}

	initLen = len(o.queue)

	pkt := o.carry
	o.carry = nil

	offset := 0

	// packets starting with OpusHead or OpusTags are not audio.
	for _, b := range segTable {
		size := int(b)
		if size > 0 {
			if o.inTags {
				o.tags = append(o.tags, o.buf[offset:offset+size]...)
			} else if !o.isDiscarding {
				pkt = append(pkt, o.buf[offset:offset+size]...)

				if len(pkt) >= 8 {
					prefix := pkt[:8]

					if bytes.Equal(prefix, opusHeadSig[:]) {
						// preSkip is LE u16 at offset 10 (8 sig + 1 ver + 1 ch)
						if len(pkt) >= 12 {
							o.preSkip = uint64(binary.LittleEndian.Uint16(pkt[10:12]))
						}
						pkt = nil
						o.isDiscarding = true
					} else if bytes.Equal(prefix, opusTagsSig[:]) {
						o.tags = pkt
						pkt = nil
						o.isDiscarding = true
						o.inTags = true
					}
				}
			}

			offset += size
		}

		if b < 255 {
			if o.isDiscarding {
				o.isDiscarding = false
				o.inTags = false
			} else {
				if len(pkt) > 0 {
					o.queue = append(o.queue, Packet{Data: pkt})
				}
				pkt = nil
			}
		}
	}

	if len(pkt) > 0 {
		o.carry = pkt
	}

	newPkts = len(o.queue) - initLen

	return binary.LittleEndian.Uint64(o.header[6:14]), initLen, newPkts, nil
}

func eofIsUnexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

func samplesToDuration(samples uint64) time.Duration {
	return time.Duration(samples) * time.Second / granuleRate
}
