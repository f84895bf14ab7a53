package ogg

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// SeekOffset moves rs to the start of the first page whose granule position
// reaches ts, and returns the state a Reader needs to resume from there.
func SeekOffset(rs io.ReadSeeker, ts time.Duration) (prevGranule uint64, preSkip uint64, err error) {
	offset, prevGranule, preSkip, err := findOffsetFromPlaybackTime(rs, ts)
	if err != nil {
		return 0, 0, err
	}

	if _, err := rs.Seek(offset, io.SeekStart); err != nil {
		return 0, 0, err
	}

	return prevGranule, preSkip, nil
}

// Duration returns the playable duration of an Ogg Opus stream, computed from
// the granule position of its last page. rs is left at an unspecified offset.
func Duration(rs io.ReadSeeker) (time.Duration, error) {
	_, lastGranule, preSkip, err := findOffsetFromPlaybackTime(rs, -1)
	if err != nil {
		return 0, err
	}

	if lastGranule <= preSkip {
		return 0, nil
	}
	return samplesToDuration(lastGranule - preSkip), nil
}

// findOffsetFromPlaybackTime walks the pages of rs from the start. Header pages
// are parsed to learn the pre-skip, audio pages are skipped using their granule
// position. With a negative ts it walks to the end of the stream and returns
// the last audio granule.
func findOffsetFromPlaybackTime(rs io.ReadSeeker, ts time.Duration) (pageOffset int64, prevGranule uint64, preSkip uint64, err error) {
	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return 0, 0, 0, err
	}

	var (
		header     [27]byte
		segArr     [255]byte
		carry      []byte
		buf        []byte
		seenHead   bool
		seenTags   bool
		discarding bool

		lastAudioGranule uint64
		toEnd            = ts < 0
		targetPCM        uint64
	)

	if !toEnd {
		targetPCM = (uint64(ts) * granuleRate) / uint64(time.Second)
	}

	for {
		pageStart, err := rs.Seek(0, io.SeekCurrent)
		if err != nil {
			return 0, 0, 0, err
		}

		if _, err := io.ReadFull(rs, header[:]); err != nil {
			if err == io.EOF && seenHead {
				// the target is past the last page.
				return pageStart, lastAudioGranule, preSkip, nil
			}
			return 0, 0, 0, err
		}

		if header[0] != 'O' || header[1] != 'g' || header[2] != 'g' || header[3] != 'S' {
			return 0, 0, 0, fmt.Errorf("invalid ogg capture pattern at %d: %q", pageStart, header[0:4])
		}

		granule := binary.LittleEndian.Uint64(header[6:14])

		segTable := segArr[:int(header[26])]
		if _, err := io.ReadFull(rs, segTable); err != nil {
			return 0, 0, 0, eofIsUnexpected(err)
		}

		total := 0
		for _, s := range segTable {
			total += int(s)
		}

		if cap(buf) < total {
			buf = make([]byte, total)
		} else {
			buf = buf[:total]
		}

		// consume until both OpusHead and OpusTags went by, so that pre-skip
		// is known and audio starts on a packet boundary.
		if !seenHead || !seenTags {
			if _, err := io.ReadFull(rs, buf); err != nil {
				return 0, 0, 0, eofIsUnexpected(err)
			}

			off := 0
			pkt := carry
			carry = nil

			for _, b := range segTable {
				size := int(b)
				if size > 0 && !discarding {
					pkt = append(pkt, buf[off:off+size]...)
				}
				off += size

				// packet boundary
				if b < 255 {
					if discarding {
						discarding = false
					} else if len(pkt) >= 8 {
						if !seenHead && bytes.Equal(pkt[:8], opusHeadSig[:]) {
							if len(pkt) >= 12 {
								preSkip = uint64(binary.LittleEndian.Uint16(pkt[10:12]))
							}
							seenHead = true
						} else if !seenTags && bytes.Equal(pkt[:8], opusTagsSig[:]) {
							seenTags = true
						}
					}
					pkt = nil
				}
			}

			if len(pkt) > 0 {
				carry = pkt
			}

			continue
		}

		targetGranule := targetPCM + preSkip

		if toEnd || granule < targetGranule {
			if _, err := rs.Seek(int64(total), io.SeekCurrent); err != nil {
				return 0, 0, 0, err
			}

			lastAudioGranule = granule
			continue
		}

		return pageStart, lastAudioGranule, preSkip, nil
	}
}
