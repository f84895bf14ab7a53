package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/philipch07/EggsTV/internal/conf"
	"github.com/philipch07/EggsTV/internal/library"
	"github.com/philipch07/EggsTV/internal/logger"
	"github.com/philipch07/EggsTV/internal/player"
	"github.com/philipch07/EggsTV/internal/source"
	"github.com/philipch07/EggsTV/internal/webrtc"
)

var (
	errMissingName = errors.New("missing name")
	errPairTimeout = errors.New("the other stream of the pair did not arrive")
	errPairTaken   = errors.New("the pair already has a stream of this kind")
)

// pendingLive is a paired live resource waiting for its second stream.
type pendingLive struct {
	live  *player.Live
	ready chan struct{}
	err   error
}

type api struct {
	conf    *conf.Conf
	log     logger.Writer
	player  *player.Player
	library *library.Library
	output  *webrtc.Server

	mutex   sync.Mutex
	current string // library entry being played, empty for live streams

	pairMutex sync.Mutex
	pending   map[string]*pendingLive
}

// playerEvents logs the player transitions and advances the playlist when
// autoplay is enabled.
func (a *api) playerEvents() player.Events {
	return player.Events{
		OnState: func(st player.State) {
			a.log.Log(logger.Info, "player is %s", st)
		},
		OnProgress: func(pos time.Duration, duration time.Duration) {
			a.log.Log(logger.Debug, "position %v / %v", pos, duration)
		},
		OnEnded: func() {
			if a.conf.Autoplay {
				// events must not call the player from its own routine
				go a.loadNext()
			}
		},
		OnError: func(err error) {
			a.log.Log(logger.Error, "playback failed: %v", err)
		},
	}
}

func (a *api) load(e *library.Entry) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.log.Log(logger.Info, "now playing %q", e.Name)
	if err := a.player.Load(context.Background(), e); err != nil {
		return err
	}
	a.current = e.Name
	return nil
}

// loadNext loads the entry after the current one, looping over the library.
func (a *api) loadNext() {
	entries := a.library.Entries()
	if len(entries) == 0 {
		return
	}

	a.mutex.Lock()
	current := a.current
	a.mutex.Unlock()

	if current == "" {
		return
	}

	next := 0
	for i, e := range entries {
		if e.Name == current {
			next = (i + 1) % len(entries)
			break
		}
	}

	if err := a.load(&entries[next]); err != nil {
		a.log.Log(logger.Warn, "autoplay: %v", err)
	}
}

func (a *api) logHTTPError(w http.ResponseWriter, err string, code int) {
	a.log.Log(logger.Warn, "http: %s", err)
	http.Error(w, err, code)
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, library.ErrNotFound), errors.Is(err, webrtc.ErrSessionNotFound):
		return http.StatusNotFound

	case errors.Is(err, player.ErrInvalidState), errors.Is(err, player.ErrNotSeekable),
		errors.Is(err, errPairTaken):
		return http.StatusConflict

	case errors.Is(err, errPairTimeout):
		return http.StatusRequestTimeout

	case errors.Is(err, player.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusBadRequest
}

func (a *api) writeJSON(res http.ResponseWriter, v interface{}) {
	res.Header().Add("Content-Type", "application/json")
	if err := json.NewEncoder(res).Encode(v); err != nil {
		a.log.Log(logger.Warn, "http: %v", err)
	}
}

// WHEP handler: listeners connect here to receive the player output.
func (a *api) whepHandler(res http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPost:
		offer, err := io.ReadAll(req.Body)
		if err != nil {
			a.logHTTPError(res, err.Error(), http.StatusBadRequest)
			return
		}

		answer, sessionID, err := a.output.WHEP(string(offer))
		if err != nil {
			a.logHTTPError(res, err.Error(), http.StatusBadRequest)
			return
		}

		res.Header().Add("Location", "/api/whep/"+sessionID)
		res.Header().Add("Content-Type", "application/sdp")
		res.WriteHeader(http.StatusCreated)
		if _, err = fmt.Fprint(res, answer); err != nil {
			a.log.Log(logger.Warn, "http: %v", err)
		}

	case http.MethodDelete:
		sessionID := strings.TrimPrefix(req.URL.Path, "/api/whep/")
		if err := a.output.DeleteSession(sessionID); err != nil {
			a.logHTTPError(res, err.Error(), statusCode(err))
			return
		}
		res.WriteHeader(http.StatusOK)

	default:
		res.WriteHeader(http.StatusMethodNotAllowed)
	}
}

type statusResponse struct {
	SessionID  string       `json:"sessionId,omitempty"`
	State      player.State `json:"state"`
	PositionMs int64        `json:"positionMs"`
	DurationMs int64        `json:"durationMs"`
	Live       bool         `json:"live"`
	HasVideo   bool         `json:"hasVideo"`
	HasAudio   bool         `json:"hasAudio"`
	Title      string       `json:"title"`
	Error      string       `json:"error,omitempty"`
	Output     webrtc.Stats `json:"output"`
}

func (a *api) statusHandler(res http.ResponseWriter, _ *http.Request) {
	if a.conf.DisableStatus {
		a.logHTTPError(res, "Status Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	st := a.player.Status()
	out := statusResponse{
		SessionID:  st.SessionID,
		State:      st.State,
		PositionMs: st.Position.Milliseconds(),
		DurationMs: st.Duration.Milliseconds(),
		Live:       st.Live,
		HasVideo:   st.HasVideo,
		HasAudio:   st.HasAudio,
		Title:      st.Title,
		Output:     a.output.Stats(),
	}
	if st.Err != nil {
		out.Error = st.Err.Error()
	}

	a.writeJSON(res, out)
}

func (a *api) libraryHandler(res http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:

	case http.MethodPost:
		if err := a.library.Scan(); err != nil {
			a.logHTTPError(res, err.Error(), http.StatusInternalServerError)
			return
		}

	default:
		res.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	a.writeJSON(res, a.library.Entries())
}

func (a *api) loadHandler(res http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		res.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	name := req.URL.Query().Get("name")
	if name == "" {
		a.logHTTPError(res, errMissingName.Error(), http.StatusBadRequest)
		return
	}

	e, err := a.library.Get(name)
	if err != nil {
		a.logHTTPError(res, err.Error(), statusCode(err))
		return
	}

	if err = a.load(e); err != nil {
		a.logHTTPError(res, err.Error(), statusCode(err))
		return
	}

	res.WriteHeader(http.StatusNoContent)
}

// transportHandler serves play, pause and stop.
func (a *api) transportHandler(fn func() error) http.HandlerFunc {
	return func(res http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			res.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		if err := fn(); err != nil {
			a.logHTTPError(res, err.Error(), statusCode(err))
			return
		}

		res.WriteHeader(http.StatusNoContent)
	}
}

// parseSeekTime accepts Go durations ("1m30s") and seconds ("90.5").
func parseSeekTime(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if d, err := time.ParseDuration(raw); err == nil {
		return d, nil
	}

	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid seek time %q", raw)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func (a *api) seekHandler(res http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		res.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	t, err := parseSeekTime(req.URL.Query().Get("t"))
	if err != nil {
		a.logHTTPError(res, err.Error(), http.StatusBadRequest)
		return
	}

	if err = a.player.Seek(t); err != nil {
		a.logHTTPError(res, err.Error(), statusCode(err))
		return
	}

	res.WriteHeader(http.StatusNoContent)
}

// notifyReadCloser reports when the player stops reading a live body.
type notifyReadCloser struct {
	io.ReadCloser
	once sync.Once
	done chan struct{}
}

func (r *notifyReadCloser) finish() {
	r.once.Do(func() { close(r.done) })
}

func (r *notifyReadCloser) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	if err != nil {
		r.finish()
	}
	return n, err
}

func (r *notifyReadCloser) Close() error {
	r.finish()
	return r.ReadCloser.Close()
}

func (a *api) loadLive(ctx context.Context, live *player.Live) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if err := a.player.Load(ctx, live); err != nil {
		return err
	}
	a.current = ""
	return nil
}

// joinPair adds a stream to the pair named key. The first stream of a pair
// waits for the second one, which loads both.
func (a *api) joinPair(ctx context.Context, key string, title string, src source.Source, isVideo bool) error {
	a.pairMutex.Lock()

	pl, ok := a.pending[key]
	if !ok {
		pl = &pendingLive{
			live:  &player.Live{Title: title},
			ready: make(chan struct{}),
		}
		setLiveStream(pl.live, src, isVideo)

		if a.pending == nil {
			a.pending = make(map[string]*pendingLive)
		}
		a.pending[key] = pl
		a.pairMutex.Unlock()

		return a.waitPair(ctx, key, pl)
	}

	if (isVideo && pl.live.Video != nil) || (!isVideo && pl.live.Audio != nil) {
		a.pairMutex.Unlock()
		return fmt.Errorf("pair %q: %w", key, errPairTaken)
	}

	setLiveStream(pl.live, src, isVideo)
	if pl.live.Title == "" {
		pl.live.Title = title
	}
	delete(a.pending, key)
	a.pairMutex.Unlock()

	pl.err = a.loadLive(ctx, pl.live)
	close(pl.ready)
	return pl.err
}

func (a *api) waitPair(ctx context.Context, key string, pl *pendingLive) error {
	timer := time.NewTimer(a.conf.LivePairTimeout)
	defer timer.Stop()

	var err error

	select {
	case <-pl.ready:
		return pl.err

	case <-timer.C:
		err = fmt.Errorf("pair %q: %w", key, errPairTimeout)

	case <-ctx.Done():
		err = ctx.Err()
	}

	a.pairMutex.Lock()
	if a.pending[key] == pl {
		delete(a.pending, key)
		a.pairMutex.Unlock()
		return err
	}
	a.pairMutex.Unlock()

	// the partner arrived meanwhile and is loading the pair.
	<-pl.ready
	return pl.err
}

func setLiveStream(live *player.Live, src source.Source, isVideo bool) {
	if isVideo {
		live.Video = src
	} else {
		live.Audio = src
	}
}

// liveHandler plays the request body as a live stream. The request lasts as
// long as the stream. Requests sharing a pair key are played together, one
// carrying audio and the other video.
func (a *api) liveHandler(res http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		res.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body := &notifyReadCloser{ReadCloser: req.Body, done: make(chan struct{})}

	src, isVideo, err := player.StreamSource(req.Header.Get("Content-Type"), body)
	if err != nil {
		a.logHTTPError(res, err.Error(), http.StatusUnsupportedMediaType)
		return
	}

	title := req.URL.Query().Get("title")

	if key := req.URL.Query().Get("pair"); key != "" {
		err = a.joinPair(req.Context(), key, title, src, isVideo)
	} else {
		live := &player.Live{Title: title}
		setLiveStream(live, src, isVideo)
		err = a.loadLive(req.Context(), live)
	}

	if err != nil {
		a.logHTTPError(res, err.Error(), statusCode(err))
		return
	}

	a.log.Log(logger.Info, "live stream from %s", req.RemoteAddr)

	select {
	case <-body.done:
	case <-req.Context().Done():
	}

	res.WriteHeader(http.StatusNoContent)
}

func corsHandler(next func(w http.ResponseWriter, r *http.Request)) http.HandlerFunc {
	return func(res http.ResponseWriter, req *http.Request) {
		res.Header().Set("Access-Control-Allow-Origin", "*")
		res.Header().Set("Access-Control-Allow-Methods", "*")
		res.Header().Set("Access-Control-Allow-Headers", "*")
		res.Header().Set("Access-Control-Expose-Headers", "*")

		if req.Method != http.MethodOptions {
			next(res, req)
		}
	}
}

func (a *api) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/whep", corsHandler(a.whepHandler))
	mux.HandleFunc("/api/whep/", corsHandler(a.whepHandler))
	mux.HandleFunc("/api/status", corsHandler(a.statusHandler))
	mux.HandleFunc("/api/library", corsHandler(a.libraryHandler))
	mux.HandleFunc("/api/load", corsHandler(a.loadHandler))
	mux.HandleFunc("/api/play", corsHandler(a.transportHandler(a.player.Play)))
	mux.HandleFunc("/api/pause", corsHandler(a.transportHandler(a.player.Pause)))
	mux.HandleFunc("/api/stop", corsHandler(a.transportHandler(a.player.Stop)))
	mux.HandleFunc("/api/seek", corsHandler(a.seekHandler))
	mux.HandleFunc("/api/live", corsHandler(a.liveHandler))
	return mux
}
