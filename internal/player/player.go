// Package player contains the transport controller, which owns the playback
// session and drives the video loop and the audio queue.
package player

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/philipch07/EggsTV/internal/audio"
	"github.com/philipch07/EggsTV/internal/clock"
	"github.com/philipch07/EggsTV/internal/logger"
	"github.com/philipch07/EggsTV/internal/source"
	"github.com/philipch07/EggsTV/internal/video"
)

const (
	defaultProgressInterval = 250 * time.Millisecond
	defaultStopTimeout      = 5 * time.Second
)

type request struct {
	fn  func() error
	res chan error
}

type eventKind int

const (
	eventVideoReady eventKind = iota
	eventVideoEnded
	eventVideoError
	eventAudioEnded
	eventAudioError
)

type event struct {
	kind  eventKind
	epoch uint64
	err   error
}

type session struct {
	id    string
	media *Media
	epoch uint64
	clock *clock.Clock

	video *source.Adapter
	vloop *video.Loop
	audio *source.Adapter
	queue *audio.Queue

	videoEnded  bool
	audioEnded  bool
	videoFailed bool
	audioFailed bool
	released    bool

	// without audio, a seek while playing holds the clock until the
	// first frame at the target is on screen.
	startOnReady bool
}

// Player is the transport controller. A single routine owns the session:
// it is the only writer of the clock and of the generation counter.
type Player struct {
	// Presenter receives video frames. Without it, video streams are ignored.
	Presenter video.Presenter

	// Device plays audio and provides the clock. Without it, audio streams
	// are ignored.
	Device audio.Device

	Events Events
	Log    logger.Writer

	PresentInterval  time.Duration
	DropLate         bool
	LeadTime         time.Duration
	MaxAhead         time.Duration
	PollInterval     time.Duration
	ProgressInterval time.Duration
	StopTimeout      time.Duration

	// Autoplay starts playback as soon as a seekable resource is loaded.
	Autoplay bool

	gen       source.Generation
	ctx       context.Context
	ctxCancel context.CancelFunc
	chRequest chan request
	chEvent   chan struct{}
	done      chan struct{}

	eventMutex sync.Mutex
	events     []event

	// owned by the controller routine
	state State
	err   error
	s     *session
}

// Initialize initializes a Player.
func (p *Player) Initialize() {
	if p.ProgressInterval <= 0 {
		p.ProgressInterval = defaultProgressInterval
	}
	if p.StopTimeout <= 0 {
		p.StopTimeout = defaultStopTimeout
	}
	if p.Log == nil {
		p.Log = logger.Nil
	}
	if p.Events.OnState == nil {
		p.Events.OnState = func(State) {}
	}
	if p.Events.OnProgress == nil {
		p.Events.OnProgress = func(time.Duration, time.Duration) {}
	}
	if p.Events.OnEnded == nil {
		p.Events.OnEnded = func() {}
	}
	if p.Events.OnError == nil {
		p.Events.OnError = func(error) {}
	}

	p.ctx, p.ctxCancel = context.WithCancel(context.Background())
	p.chRequest = make(chan request)
	p.chEvent = make(chan struct{}, 1)
	p.done = make(chan struct{})

	go p.run()
}

// Close tears down the session and stops the controller.
func (p *Player) Close() {
	p.ctxCancel()
	<-p.done
}

func (p *Player) do(fn func() error) error {
	req := request{
		fn:  fn,
		res: make(chan error, 1),
	}

	select {
	case p.chRequest <- req:
		return <-req.res
	case <-p.ctx.Done():
		return ErrClosed
	}
}

// Load tears down the current session, if any, and loads a resource.
// Seekable media end up paused on their first frame, or playing with
// Autoplay; live media start playing at once.
func (p *Player) Load(ctx context.Context, res Resource) error {
	return p.do(func() error {
		return p.doLoad(ctx, res)
	})
}

// Play starts or resumes playback. In Ended, it restarts from the beginning.
func (p *Player) Play() error {
	return p.do(p.doPlay)
}

// Pause freezes playback, keeping the displayed frame.
func (p *Player) Pause() error {
	return p.do(p.doPause)
}

// Seek moves playback to t, preserving whether it is running.
func (p *Player) Seek(t time.Duration) error {
	return p.do(func() error {
		return p.doSeek(t)
	})
}

// Stop tears down the session.
func (p *Player) Stop() error {
	return p.do(func() error {
		p.doStop()
		return nil
	})
}

// Status returns a snapshot of the player.
func (p *Player) Status() Status {
	var st Status
	err := p.do(func() error {
		st = p.status()
		return nil
	})
	if err != nil {
		st.Err = err
	}
	return st
}

func (p *Player) post(ev event) {
	p.eventMutex.Lock()
	p.events = append(p.events, ev)
	p.eventMutex.Unlock()

	select {
	case p.chEvent <- struct{}{}:
	default:
	}
}

func (p *Player) log(level logger.Level, format string, args ...interface{}) {
	if p.s != nil {
		p.Log.Log(level, "[session %s] "+format, append([]interface{}{p.s.id}, args...)...)
		return
	}
	p.Log.Log(level, format, args...)
}

func (p *Player) run() {
	defer close(p.done)

	progress := time.NewTicker(p.ProgressInterval)
	defer progress.Stop()

	for {
		select {
		case req := <-p.chRequest:
			req.res <- req.fn()

		case <-p.chEvent:
			p.eventMutex.Lock()
			evs := p.events
			p.events = nil
			p.eventMutex.Unlock()

			for _, ev := range evs {
				p.handleEvent(ev)
			}

		case <-progress.C:
			if p.state == StatePlaying {
				p.Events.OnProgress(p.s.clock.Now(), p.s.media.Duration)
			}

		case <-p.ctx.Done():
			p.release()
			p.s = nil
			return
		}
	}
}

func (p *Player) setState(st State) {
	if p.state == st {
		return
	}
	p.log(logger.Debug, "%s -> %s", p.state, st)
	p.state = st
	p.Events.OnState(st)
}

func (p *Player) status() Status {
	st := Status{
		State: p.state,
		Err:   p.err,
	}

	if s := p.s; s != nil {
		st.SessionID = s.id
		st.Position = s.clock.Now()
		st.Duration = s.media.Duration
		st.Live = s.media.Live
		st.HasVideo = s.vloop != nil
		st.HasAudio = s.queue != nil
		st.Title = s.media.Title
	}

	return st
}

func (p *Player) doLoad(ctx context.Context, res Resource) error {
	p.release()
	p.s = nil
	p.err = nil
	p.setState(StateLoading)

	media, err := res.Open(ctx)
	if err != nil {
		err = fmt.Errorf("open resource: %w", err)
		p.fail(err)
		return err
	}

	if media.Video != nil && p.Presenter == nil {
		media.Video.Cancel()
		media.Video = nil
	}
	if media.Audio != nil && p.Device == nil {
		media.Audio.Cancel()
		media.Audio = nil
	}
	if media.Video == nil && media.Audio == nil {
		p.fail(ErrNoStreams)
		return ErrNoStreams
	}

	s := &session{
		id:         uuid.NewString(),
		media:      media,
		epoch:      p.gen.Next(),
		videoEnded: media.Video == nil,
		audioEnded: media.Audio == nil,
	}

	// audio drives the clock when present.
	if media.Audio != nil {
		s.clock = clock.New(p.Device)
	} else {
		s.clock = clock.New(nil)
	}

	if media.Video != nil {
		s.video = source.NewAdapter(media.Video, &p.gen, p.StopTimeout, p.Log)
		s.video.Start(s.epoch)

		s.vloop = &video.Loop{
			Adapter:     s.video,
			Clock:       s.clock,
			Presenter:   p.Presenter,
			Log:         p.Log,
			Interval:    p.PresentInterval,
			DropLate:    p.DropLate,
			StopTimeout: p.StopTimeout,
			Events: video.Events{
				OnReady: func(epoch uint64) {
					p.post(event{kind: eventVideoReady, epoch: epoch})
				},
				OnEnded: func(epoch uint64) {
					p.post(event{kind: eventVideoEnded, epoch: epoch})
				},
				OnError: func(epoch uint64, err error) {
					p.post(event{kind: eventVideoError, epoch: epoch, err: err})
				},
			},
		}
		s.vloop.Initialize()
	}

	if media.Audio != nil {
		s.audio = source.NewAdapter(media.Audio, &p.gen, p.StopTimeout, p.Log)
		s.audio.Start(s.epoch)

		s.queue = &audio.Queue{
			Adapter:      s.audio,
			Clock:        s.clock,
			Device:       p.Device,
			Log:          p.Log,
			LeadTime:     p.LeadTime,
			MaxAhead:     p.MaxAhead,
			PollInterval: p.PollInterval,
			StopTimeout:  p.StopTimeout,
			Events: audio.Events{
				OnEnded: func(epoch uint64) {
					p.post(event{kind: eventAudioEnded, epoch: epoch})
				},
				OnError: func(epoch uint64, err error) {
					p.post(event{kind: eventAudioError, epoch: epoch, err: err})
				},
			},
		}
		s.queue.Initialize()
	}

	p.s = s
	p.log(logger.Info, "loaded %q (video: %v, audio: %v, live: %v)",
		media.Title, media.Video != nil, media.Audio != nil, media.Live)

	// the clock of live media starts at connection.
	if media.Live {
		return p.doPlay()
	}

	if s.vloop != nil {
		s.vloop.Run(s.epoch, 0, true, false)
		return nil
	}

	p.ready()
	return nil
}

// ready is called when the first frame of a loading session is on screen.
func (p *Player) ready() {
	if p.Autoplay {
		p.doPlay()
		return
	}
	p.setState(StatePaused)
}

func (p *Player) doPlay() error {
	switch p.state {
	case StatePlaying:
		return nil

	case StateEnded:
		if p.s.media.Live {
			return ErrInvalidState
		}
		if err := p.doSeek(0); err != nil {
			return err
		}

	case StatePaused, StateLoading:

	default:
		return ErrInvalidState
	}

	s := p.s
	pos := s.clock.Now()
	s.clock.Start(pos)

	if !s.audioEnded {
		if err := p.Device.Resume(); err != nil {
			p.audioFailure(err)
		} else {
			s.queue.Start(s.epoch)
		}
	}

	if !s.videoEnded {
		s.vloop.Run(s.epoch, pos, false, true)
	}

	p.setState(StatePlaying)
	p.checkEnded()
	return nil
}

func (p *Player) doPause() error {
	switch p.state {
	case StatePaused:
		return nil

	case StatePlaying:

	default:
		return ErrInvalidState
	}

	s := p.s
	s.startOnReady = false

	if s.vloop != nil {
		s.vloop.Stop()
	}

	if !s.audioEnded {
		if err := s.queue.Pause(); err != nil {
			p.audioFailure(err)
		}
	}

	pos := s.clock.Stop()
	p.log(logger.Debug, "paused at %v", pos)
	p.setState(StatePaused)
	return nil
}

func (p *Player) doSeek(t time.Duration) error {
	switch p.state {
	case StatePlaying, StatePaused, StateEnded:

	default:
		return ErrInvalidState
	}

	s := p.s
	if s.media.Live {
		return ErrNotSeekable
	}

	t = max(t, 0)
	if s.media.Duration > 0 {
		t = min(t, s.media.Duration)
	}

	wasPlaying := p.state == StatePlaying

	s.startOnReady = false
	p.stopLoops()
	s.clock.Stop()
	s.epoch = p.gen.Next()

	if s.vloop != nil && !s.videoFailed {
		if err := s.video.Seek(s.epoch, t); err != nil {
			p.fail(err)
			return err
		}
		s.vloop.Clear()
		s.videoEnded = false
	}

	if s.queue != nil && !s.audioFailed {
		if err := s.audio.Seek(s.epoch, t); err != nil {
			p.fail(err)
			return err
		}
		s.audioEnded = false
	}

	s.clock.Reset(t)
	p.log(logger.Debug, "seek to %v", t)

	if !s.videoEnded {
		s.vloop.Run(s.epoch, t, true, wasPlaying)
	}

	if !wasPlaying {
		p.setState(StatePaused)
		return nil
	}

	if s.audioEnded && !s.videoEnded {
		s.startOnReady = true
		return nil
	}

	s.clock.Start(t)
	if !s.audioEnded {
		s.queue.Start(s.epoch)
	}
	return nil
}

// startHeld starts a clock held back by a seek. It holds for one more lead
// time, as the audio queue does.
func (p *Player) startHeld() {
	s := p.s
	if !s.startOnReady {
		return
	}
	s.startOnReady = false

	if p.state == StatePlaying {
		s.clock.StartAfter(s.clock.Now(), p.LeadTime)
	}
}

func (p *Player) doStop() {
	p.release()
	p.s = nil
	p.err = nil
	p.setState(StateIdle)
}

func (p *Player) stopLoops() {
	s := p.s
	if s.vloop != nil {
		s.vloop.Stop()
	}
	if s.queue != nil {
		s.queue.Flush()
	}
}

// release stops the loops, terminates the sources and invalidates every
// pending continuation. The session is kept for status reporting.
func (p *Player) release() {
	s := p.s
	if s == nil || s.released {
		return
	}
	s.released = true

	p.stopLoops()

	if s.video != nil {
		s.video.Close()
	}
	if s.audio != nil {
		s.audio.Close()
		if err := p.Device.Pause(); err != nil {
			p.log(logger.Warn, "pause audio device: %v", err)
		}
	}

	s.clock.Stop()
	p.gen.Next()
}

func (p *Player) fail(err error) {
	p.log(logger.Error, "%v", err)
	p.release()
	p.err = err
	p.setState(StateErrored)
	p.Events.OnError(err)
}

func (p *Player) handleEvent(ev event) {
	s := p.s
	if s == nil || s.released || ev.epoch != s.epoch {
		return
	}

	switch ev.kind {
	case eventVideoReady:
		if p.state == StateLoading {
			p.ready()
		}
		p.startHeld()

	case eventVideoEnded:
		s.videoEnded = true
		p.checkEnded()

	case eventAudioEnded:
		s.audioEnded = true
		p.checkEnded()

	case eventVideoError:
		var serr *source.Error
		if errors.As(ev.err, &serr) {
			p.fail(ev.err)
			return
		}
		p.videoFailure(ev.err)

	case eventAudioError:
		var serr *source.Error
		if errors.As(ev.err, &serr) {
			p.fail(ev.err)
			return
		}
		p.audioFailure(ev.err)
	}
}

// videoFailure continues audio-only.
func (p *Player) videoFailure(err error) {
	s := p.s
	derr := &DeviceError{Stream: "video", Err: err}
	p.log(logger.Error, "%v, continuing without video", derr)
	p.Events.OnError(derr)

	s.vloop.Stop()
	s.videoFailed = true
	s.videoEnded = true
	p.startHeld()

	if p.state == StateLoading {
		p.ready()
		return
	}
	p.checkEnded()
}

// audioFailure continues video-only, on the system timer.
func (p *Player) audioFailure(err error) {
	s := p.s
	derr := &DeviceError{Stream: "audio", Err: err}
	p.log(logger.Error, "%v, continuing without audio", derr)
	p.Events.OnError(derr)

	s.queue.Flush()
	s.audioFailed = true
	s.audioEnded = true
	s.clock.SetSource(clock.NewSystemTimer())

	p.checkEnded()
}

func (p *Player) checkEnded() {
	s := p.s
	if p.state != StatePlaying || !s.videoEnded || !s.audioEnded {
		return
	}

	if s.vloop != nil {
		s.vloop.Stop()
	}
	if s.queue != nil && !s.audioFailed {
		if err := s.queue.Pause(); err != nil {
			p.log(logger.Warn, "pause audio device: %v", err)
		}
	}

	pos := s.clock.Stop()
	p.log(logger.Info, "ended at %v", pos)
	p.setState(StateEnded)
	p.Events.OnEnded()
}
