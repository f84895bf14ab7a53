package ogg

import (
	"errors"
	"io"

	"github.com/pion/webrtc/v4/pkg/media/oggreader"
)

var errNoTags = errors.New("no OpusTags header found")

// ReadTags returns the comment header of an Ogg Opus stream. The header can
// span several pages.
func ReadTags(r io.Reader) (*oggreader.OpusTags, error) {
	or := NewReader(r)

	for {
		if _, _, _, err := or.appendNextAudioPagePacketsToQueue(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, errNoTags
			}
			return nil, err
		}

		if or.tags != nil && !or.inTags {
			return oggreader.ParseOpusTags(or.tags)
		}

		// audio started without comments
		if len(or.queue) != 0 {
			return nil, errNoTags
		}
	}
}
