package audio

import (
	"errors"
	"sync"
	"time"

	"github.com/philipch07/EggsTV/internal/logger"
)

// ErrDeviceClosed is returned when scheduling on a closed device.
var ErrDeviceClosed = errors.New("audio device closed")

// Sink receives audio buffers at the time they must be played.
type Sink interface {
	WriteAudio(payload []byte, duration time.Duration) error
}

type scheduledNode struct {
	h         Handle
	n         *Node
	onEnded   func()
	delivered bool
}

// ScheduledDevice is a Device that delivers scheduled nodes to a Sink in
// real time. Nodes must be scheduled in increasing start order.
//
// Encoded payloads cannot be cut: a trimmed node is delivered whole, unless
// more than half of it has been trimmed, in which case it is skipped.
type ScheduledDevice struct {
	sink Sink
	log  logger.Writer

	mutex   sync.Mutex
	started time.Time
	elapsed time.Duration
	paused  bool
	nodes   []*scheduledNode
	nextH   Handle
	err     error
	closed  bool

	wake chan struct{}
	done chan struct{}
}

// NewScheduledDevice allocates a ScheduledDevice. Its clock starts at zero.
func NewScheduledDevice(sink Sink, log logger.Writer) *ScheduledDevice {
	if log == nil {
		log = logger.Nil
	}

	d := &ScheduledDevice{
		sink:    sink,
		log:     log,
		started: time.Now(),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	go d.run()

	return d
}

// Close stops the device. Pending nodes are dropped.
func (d *ScheduledDevice) Close() {
	d.mutex.Lock()
	if d.closed {
		d.mutex.Unlock()
		return
	}
	d.closed = true
	d.nodes = nil
	d.mutex.Unlock()

	d.signal()
	<-d.done
}

func (d *ScheduledDevice) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *ScheduledDevice) nowLocked() time.Duration {
	if d.paused {
		return d.elapsed
	}
	return d.elapsed + time.Since(d.started)
}

// Now implements Device.
func (d *ScheduledDevice) Now() time.Duration {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.nowLocked()
}

// Schedule implements Device.
func (d *ScheduledDevice) Schedule(n *Node, onEnded func()) (Handle, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.closed {
		return 0, ErrDeviceClosed
	}
	if d.err != nil {
		return 0, d.err
	}

	d.nextH++
	d.nodes = append(d.nodes, &scheduledNode{
		h:       d.nextH,
		n:       n,
		onEnded: onEnded,
	})
	d.signal()

	return d.nextH, nil
}

// Cancel implements Device.
func (d *ScheduledDevice) Cancel(h Handle) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	for i, sn := range d.nodes {
		if sn.h == h {
			d.nodes = append(d.nodes[:i], d.nodes[i+1:]...)
			return
		}
	}
}

// Pause implements Device.
func (d *ScheduledDevice) Pause() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.closed {
		return ErrDeviceClosed
	}
	if !d.paused {
		d.elapsed = d.nowLocked()
		d.paused = true
	}
	return nil
}

// Resume implements Device.
func (d *ScheduledDevice) Resume() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.closed {
		return ErrDeviceClosed
	}
	if d.paused {
		d.started = time.Now()
		d.paused = false
		d.signal()
	}
	return d.err
}

// Pending returns the number of nodes that did not end yet.
func (d *ScheduledDevice) Pending() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return len(d.nodes)
}

// step performs every delivery and completion that is due, and returns how
// long to wait for the next one.
func (d *ScheduledDevice) step() (time.Duration, bool) {
	for {
		d.mutex.Lock()

		if d.closed {
			d.mutex.Unlock()
			return 0, false
		}

		if d.paused || len(d.nodes) == 0 {
			d.mutex.Unlock()
			return -1, true
		}

		now := d.nowLocked()
		sn := d.nodes[0]

		if !sn.delivered {
			if now < sn.n.Start {
				d.mutex.Unlock()
				return sn.n.Start - now, true
			}
			sn.delivered = true
			d.mutex.Unlock()

			d.deliver(sn.n)
			continue
		}

		if now < sn.n.End() {
			d.mutex.Unlock()
			return sn.n.End() - now, true
		}

		d.nodes = d.nodes[1:]
		d.mutex.Unlock()

		if sn.onEnded != nil {
			sn.onEnded()
		}
	}
}

func (d *ScheduledDevice) deliver(n *Node) {
	if n.Trim > n.Chunk.Duration/2 {
		return
	}

	if err := d.sink.WriteAudio(n.Chunk.Payload, n.Duration()); err != nil {
		d.log.Log(logger.Error, "audio sink: %v", err)

		d.mutex.Lock()
		if d.err == nil {
			d.err = err
		}
		d.mutex.Unlock()
	}
}

func (d *ScheduledDevice) run() {
	defer close(d.done)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		wait, ok := d.step()
		if !ok {
			return
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}

		if wait >= 0 {
			timer.Reset(wait)
			select {
			case <-timer.C:
			case <-d.wake:
			}
		} else {
			<-d.wake
		}
	}
}
