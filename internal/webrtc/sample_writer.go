package webrtc

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/philipch07/EggsTV/internal/logger"
	"github.com/philipch07/EggsTV/internal/unit"
)

const sampleBufferSlots = 256

var errWriterClosed = errors.New("sample writer closed")

// sampleWriter decouples the playback routines from the track, whose writes
// can block on slow listeners. Samples that do not fit are dropped.
type sampleWriter struct {
	track      *webrtc.TrackLocalStaticSample
	kind       string
	log        logger.Writer
	dropLogger logger.Writer

	buf     chan media.Sample
	errOnce sync.Once
	dropCnt uint64
	closed  uint32

	mutex sync.RWMutex
	done  chan struct{}
}

func newSampleWriter(track *webrtc.TrackLocalStaticSample, kind string, log logger.Writer) *sampleWriter {
	w := &sampleWriter{
		track:      track,
		kind:       kind,
		log:        log,
		dropLogger: logger.NewLimitedLogger(log),
		buf:        make(chan media.Sample, sampleBufferSlots),
		done:       make(chan struct{}),
	}
	go w.drain()
	return w
}

func (w *sampleWriter) writeSample(sample media.Sample) error {
	w.mutex.RLock()
	defer w.mutex.RUnlock()

	if atomic.LoadUint32(&w.closed) != 0 {
		return errWriterClosed
	}

	select {
	case w.buf <- sample:
	default:
		n := atomic.AddUint64(&w.dropCnt, 1)
		w.dropLogger.Log(logger.Warn, "%s: dropping webrtc samples (buffer full, %d dropped)", w.kind, n)
	}
	return nil
}

// WriteAudio implements audio.Sink.
func (w *sampleWriter) WriteAudio(payload []byte, duration time.Duration) error {
	return w.writeSample(media.Sample{Data: payload, Duration: duration})
}

// Present implements video.Presenter.
func (w *sampleWriter) Present(f *unit.Frame) error {
	return w.writeSample(media.Sample{Data: f.Payload, Duration: f.Duration})
}

func (w *sampleWriter) close() {
	w.mutex.Lock()
	if !atomic.CompareAndSwapUint32(&w.closed, 0, 1) {
		w.mutex.Unlock()
		return
	}
	close(w.buf)
	w.mutex.Unlock()

	<-w.done
}

func (w *sampleWriter) dropCount() uint64 {
	return atomic.LoadUint64(&w.dropCnt)
}

func (w *sampleWriter) drain() {
	defer close(w.done)

	for sample := range w.buf {
		if err := w.track.WriteSample(sample); err != nil {
			if errors.Is(err, io.ErrClosedPipe) {
				continue
			}
			w.errOnce.Do(func() {
				w.log.Log(logger.Warn, "%s: webrtc sample write error: %v", w.kind, err)
			})
		}
	}
}
