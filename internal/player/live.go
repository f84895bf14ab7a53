package player

import (
	"context"
	"fmt"
	"io"
	"mime"

	"github.com/philipch07/EggsTV/internal/ivf"
	"github.com/philipch07/EggsTV/internal/ogg"
	"github.com/philipch07/EggsTV/internal/rtpstream"
	"github.com/philipch07/EggsTV/internal/source"
)

// content types of live byte streams.
const (
	ContentTypeOgg = "audio/ogg"
	ContentTypeIVF = "video/x-ivf"
	ContentTypeRTP = "application/rtp"
)

// Live is a resource made of push streams. Unit timestamps of both streams
// are moved onto a shared timeline that starts with the first unit received.
type Live struct {
	Title string
	Video source.Source
	Audio source.Source
}

// Open implements Resource.
func (l *Live) Open(_ context.Context) (*Media, error) {
	if l.Video == nil && l.Audio == nil {
		return nil, ErrNoStreams
	}

	b := &source.Baseline{}
	m := &Media{
		Live:  true,
		Title: l.Title,
	}

	if l.Video != nil {
		m.Video = source.WithBaseline(l.Video, b)
	}
	if l.Audio != nil {
		m.Audio = source.WithBaseline(l.Audio, b)
	}

	return m, nil
}

// StreamSource turns a live byte stream into a unit source according to its
// content type. It tells whether the stream carries video.
func StreamSource(contentType string, rc io.ReadCloser) (source.Source, bool, error) {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, false, fmt.Errorf("invalid content type %q: %w", contentType, err)
	}

	switch mt {
	case ContentTypeOgg, "audio/opus":
		return ogg.NewStreamSource(rc), false, nil

	case ContentTypeIVF:
		return ivf.NewStreamSource(rc), true, nil

	case ContentTypeRTP:
		return rtpstream.NewSource(rc), true, nil
	}

	return nil, false, fmt.Errorf("unsupported content type %q", mt)
}
