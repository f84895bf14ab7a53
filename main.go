package main

import (
	"crypto/tls"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path"
	"syscall"

	"github.com/philipch07/EggsTV/internal/audio"
	"github.com/philipch07/EggsTV/internal/conf"
	"github.com/philipch07/EggsTV/internal/library"
	"github.com/philipch07/EggsTV/internal/logger"
	"github.com/philipch07/EggsTV/internal/player"
	"github.com/philipch07/EggsTV/internal/webrtc"
)

const frontendDir = "./web/build"

func indexHTMLWhenNotFound(fs http.FileSystem) http.Handler {
	fileServer := http.FileServer(fs)

	return http.HandlerFunc(func(resp http.ResponseWriter, req *http.Request) {
		_, err := fs.Open(path.Clean(req.URL.Path)) // Do not allow path traversals.
		if errors.Is(err, os.ErrNotExist) {
			http.ServeFile(resp, req, frontendDir+"/index.html")

			return
		}
		fileServer.ServeHTTP(resp, req)
	})
}

func fatal(l logger.Writer, format string, args ...interface{}) {
	l.Log(logger.Error, format, args...)
	os.Exit(1)
}

func newLogger(c *conf.Conf) (*logger.Logger, error) {
	l := &logger.Logger{
		Level:        c.LogLevel,
		Destinations: []logger.Destination{logger.DestinationStdout},
		File:         c.LogFile,
	}
	if c.LogFile != "" {
		l.Destinations = append(l.Destinations, logger.DestinationFile)
	}

	if err := l.Initialize(); err != nil {
		return nil, err
	}
	return l, nil
}

func main() {
	bootLog := &logger.Logger{}
	if err := bootLog.Initialize(); err != nil {
		panic(err)
	}

	c, err := conf.Load()
	if err != nil {
		fatal(bootLog, "configuration: %v", err)
	}

	l, err := newLogger(c)
	if err != nil {
		fatal(bootLog, "logger: %v", err)
	}
	defer l.Close()

	output := &webrtc.Server{Log: l}
	if err = output.Initialize(); err != nil {
		fatal(l, "webrtc: %v", err)
	}
	defer output.Close()

	lib := &library.Library{Dir: c.MediaDir, Log: l}
	if err = lib.Scan(); err != nil {
		l.Log(logger.Warn, "media directory: %v", err)
	}

	device := audio.NewScheduledDevice(output.AudioSink(), l)
	defer device.Close()

	a := &api{
		conf:    c,
		log:     l,
		library: lib,
		output:  output,
	}

	p := &player.Player{
		Presenter:        output.Presenter(),
		Device:           device,
		Events:           a.playerEvents(),
		Log:              l,
		PresentInterval:  c.PresentEvery,
		DropLate:         c.CatchUp == conf.CatchUpDrop,
		LeadTime:         c.AudioLeadTime,
		MaxAhead:         c.AudioMaxAhead,
		PollInterval:     c.AudioPollEvery,
		ProgressInterval: c.ProgressEvery,
		StopTimeout:      c.StopTimeout,
		Autoplay:         c.Autoplay,
	}
	p.Initialize()
	defer p.Close()
	a.player = p

	if c.Autoplay {
		if entries := lib.Entries(); len(entries) != 0 {
			if err = a.load(&entries[0]); err != nil {
				l.Log(logger.Warn, "autoplay: %v", err)
			}
		}
	}

	mux := a.routes()
	if _, err := os.Stat(frontendDir); err == nil && os.Getenv("DISABLE_FRONTEND") == "" {
		mux.Handle("/", indexHTMLWhenNotFound(http.Dir(frontendDir)))
	}

	server := &http.Server{
		Handler: mux,
		Addr:    c.HTTPAddress,
	}

	tlsKey := os.Getenv("SSL_KEY")
	tlsCert := os.Getenv("SSL_CERT")

	if tlsKey != "" && tlsCert != "" {
		cert, err := tls.LoadX509KeyPair(tlsCert, tlsKey)
		if err != nil {
			fatal(l, "tls: %v", err)
		}
		server.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
		}
	}

	go func() {
		var err error
		if server.TLSConfig != nil {
			l.Log(logger.Info, "running HTTPS server at %q", c.HTTPAddress)
			err = server.ListenAndServeTLS("", "")
		} else {
			l.Log(logger.Info, "running HTTP server at %q", c.HTTPAddress)
			err = server.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			fatal(l, "http: %v", err)
		}
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	<-interrupt

	l.Log(logger.Info, "shutting down gracefully")
	server.Close()
}
