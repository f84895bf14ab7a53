package main

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/philipch07/EggsTV/internal/audio"
	"github.com/philipch07/EggsTV/internal/conf"
	"github.com/philipch07/EggsTV/internal/library"
	"github.com/philipch07/EggsTV/internal/logger"
	"github.com/philipch07/EggsTV/internal/player"
	"github.com/philipch07/EggsTV/internal/webrtc"
)

func newTestAPI(t *testing.T, c *conf.Conf) *api {
	output := &webrtc.Server{}
	require.NoError(t, output.Initialize())
	t.Cleanup(output.Close)

	lib := &library.Library{Dir: t.TempDir()}
	require.NoError(t, lib.Scan())

	device := audio.NewScheduledDevice(output.AudioSink(), nil)
	t.Cleanup(device.Close)

	a := &api{
		conf:    c,
		log:     logger.Nil,
		library: lib,
		output:  output,
	}

	p := &player.Player{
		Presenter: output.Presenter(),
		Device:    device,
		Events:    a.playerEvents(),
	}
	p.Initialize()
	t.Cleanup(p.Close)
	a.player = p

	return a
}

func TestParseSeekTime(t *testing.T) {
	for _, ca := range []struct {
		in  string
		out time.Duration
	}{
		{"1m30s", 90 * time.Second},
		{"90", 90 * time.Second},
		{"2.5", 2500 * time.Millisecond},
		{" 250ms ", 250 * time.Millisecond},
	} {
		t.Run(ca.in, func(t *testing.T) {
			d, err := parseSeekTime(ca.in)
			require.NoError(t, err)
			require.Equal(t, ca.out, d)
		})
	}

	_, err := parseSeekTime("soon")
	require.EqualError(t, err, `invalid seek time "soon"`)
}

func TestStatusHandler(t *testing.T) {
	a := newTestAPI(t, &conf.Conf{})
	srv := httptest.NewServer(a.routes())
	defer srv.Close()

	res, err := http.Get(srv.URL + "/api/status")
	require.NoError(t, err)
	defer res.Body.Close()

	require.Equal(t, http.StatusOK, res.StatusCode)

	var st map[string]interface{}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&st))
	require.Equal(t, "idle", st["state"])
	require.Equal(t, float64(0), st["positionMs"])
}

func TestStatusHandlerDisabled(t *testing.T) {
	a := newTestAPI(t, &conf.Conf{DisableStatus: true})
	srv := httptest.NewServer(a.routes())
	defer srv.Close()

	res, err := http.Get(srv.URL + "/api/status")
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
}

func TestTransportErrors(t *testing.T) {
	a := newTestAPI(t, &conf.Conf{})
	srv := httptest.NewServer(a.routes())
	defer srv.Close()

	for _, ca := range []struct {
		name   string
		method string
		path   string
		code   int
	}{
		{"play while idle", http.MethodPost, "/api/play", http.StatusConflict},
		{"pause while idle", http.MethodPost, "/api/pause", http.StatusConflict},
		{"seek while idle", http.MethodPost, "/api/seek?t=5", http.StatusConflict},
		{"invalid seek", http.MethodPost, "/api/seek?t=abc", http.StatusBadRequest},
		{"load without name", http.MethodPost, "/api/load", http.StatusBadRequest},
		{"load unknown", http.MethodPost, "/api/load?name=nothing", http.StatusNotFound},
		{"get play", http.MethodGet, "/api/play", http.StatusMethodNotAllowed},
		{"delete unknown session", http.MethodDelete, "/api/whep/abc", http.StatusNotFound},
		{"live without type", http.MethodPost, "/api/live", http.StatusUnsupportedMediaType},
		{"library", http.MethodGet, "/api/library", http.StatusOK},
	} {
		t.Run(ca.name, func(t *testing.T) {
			req, err := http.NewRequest(ca.method, srv.URL+ca.path, nil)
			require.NoError(t, err)

			res, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			res.Body.Close()
			require.Equal(t, ca.code, res.StatusCode)
		})
	}
}

func TestNotifyReadCloser(t *testing.T) {
	r := &notifyReadCloser{
		ReadCloser: io.NopCloser(strings.NewReader("abc")),
		done:       make(chan struct{}),
	}

	buf, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "abc", string(buf))

	select {
	case <-r.done:
	default:
		t.Fatal("done not closed at EOF")
	}

	require.NoError(t, r.Close())
}

// postLive posts a live stream in the background and reports the status code.
func postLive(url string, contentType string, body io.Reader) <-chan int {
	codes := make(chan int, 1)

	go func() {
		req, err := http.NewRequest(http.MethodPost, url, body)
		if err != nil {
			codes <- 0
			return
		}
		req.Header.Set("Content-Type", contentType)

		res, err := http.DefaultClient.Do(req)
		if err != nil {
			codes <- 0
			return
		}
		res.Body.Close()
		codes <- res.StatusCode
	}()

	return codes
}

func (a *api) pendingPairs() int {
	a.pairMutex.Lock()
	defer a.pairMutex.Unlock()
	return len(a.pending)
}

func TestLivePair(t *testing.T) {
	a := newTestAPI(t, &conf.Conf{LivePairTimeout: 5 * time.Second})
	srv := httptest.NewServer(a.routes())
	defer srv.Close()

	audioR, audioW := io.Pipe()
	audioCode := postLive(srv.URL+"/api/live?pair=studio&title=Morning", player.ContentTypeOgg, audioR)

	require.Eventually(t, func() bool {
		return a.pendingPairs() == 1
	}, 2*time.Second, time.Millisecond)
	require.Equal(t, player.StateIdle, a.player.Status().State)

	// a second audio stream cannot join the pair.
	code := <-postLive(srv.URL+"/api/live?pair=studio", player.ContentTypeOgg, strings.NewReader(""))
	require.Equal(t, http.StatusConflict, code)

	videoR, videoW := io.Pipe()
	videoCode := postLive(srv.URL+"/api/live?pair=studio", player.ContentTypeIVF, videoR)

	require.Eventually(t, func() bool {
		st := a.player.Status()
		return st.Live && st.HasVideo && st.HasAudio
	}, 2*time.Second, time.Millisecond)
	require.Equal(t, "Morning", a.player.Status().Title)
	require.Zero(t, a.pendingPairs())

	audioW.Close()
	videoW.Close()
	require.Equal(t, http.StatusNoContent, <-audioCode)
	require.Equal(t, http.StatusNoContent, <-videoCode)
}

func TestLivePairTimeout(t *testing.T) {
	a := newTestAPI(t, &conf.Conf{LivePairTimeout: 50 * time.Millisecond})
	srv := httptest.NewServer(a.routes())
	defer srv.Close()

	code := <-postLive(srv.URL+"/api/live?pair=alone", player.ContentTypeIVF, strings.NewReader(""))
	require.Equal(t, http.StatusRequestTimeout, code)
	require.Zero(t, a.pendingPairs())
	require.Equal(t, player.StateIdle, a.player.Status().State)
}
