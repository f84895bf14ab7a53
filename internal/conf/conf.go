// Package conf contains the server configuration.
package conf

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/philipch07/EggsTV/internal/logger"
)

const envFileProd = ".env.production"

// CatchUp selects what the video loop does with frames that are already late.
type CatchUp string

// catch-up policies.
const (
	CatchUpDrop    CatchUp = "drop"
	CatchUpPresent CatchUp = "present"
)

// Conf is the server configuration.
type Conf struct {
	HTTPAddress    string
	MediaDir       string
	LogLevel       logger.Level
	LogFile        string
	DisableStatus  bool
	Autoplay       bool
	CatchUp        CatchUp
	PresentEvery   time.Duration
	AudioLeadTime  time.Duration
	AudioMaxAhead  time.Duration
	AudioPollEvery time.Duration
	ProgressEvery  time.Duration
	StopTimeout    time.Duration

	// LivePairTimeout is how long a paired live stream waits for its partner.
	LivePairTimeout time.Duration
}

var errInvalidCatchUp = errors.New("CATCH_UP must be either 'drop' or 'present'")

// Load loads `.env.production` from the working directory or, failing that, from
// the directory of the executable, then reads the configuration from the environment.
func Load() (*Conf, error) {
	if err := godotenv.Load(envFileProd); err != nil {
		exePath, exeErr := os.Executable()
		if exeErr != nil {
			return nil, exeErr
		}

		if err = godotenv.Load(filepath.Join(filepath.Dir(exePath), envFileProd)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	return FromEnv()
}

// FromEnv reads the configuration from the environment only.
func FromEnv() (*Conf, error) {
	c := &Conf{
		HTTPAddress:    os.Getenv("HTTP_ADDRESS"),
		MediaDir:       strings.TrimSpace(os.Getenv("MEDIA_DIR")),
		LogFile:        strings.TrimSpace(os.Getenv("LOG_FILE")),
		DisableStatus:  os.Getenv("DISABLE_STATUS") != "",
		Autoplay:       os.Getenv("AUTOPLAY") != "",
		CatchUp:        CatchUpDrop,
		PresentEvery:   parseDurationEnv("PRESENT_INTERVAL", time.Second/60),
		AudioLeadTime:  parseDurationEnv("AUDIO_LEAD_TIME", 100*time.Millisecond),
		AudioMaxAhead:  parseDurationEnv("AUDIO_MAX_AHEAD", time.Second),
		AudioPollEvery: parseDurationEnv("AUDIO_POLL_INTERVAL", 100*time.Millisecond),
		ProgressEvery:  parseDurationEnv("PROGRESS_INTERVAL", 250*time.Millisecond),
		StopTimeout:    parseDurationEnv("STOP_TIMEOUT", 5*time.Second),

		LivePairTimeout: parseDurationEnv("LIVE_PAIR_TIMEOUT", 10*time.Second),
	}

	if c.HTTPAddress == "" {
		c.HTTPAddress = ":8080"
	}
	if c.MediaDir == "" {
		c.MediaDir = "media"
	}

	if raw := strings.ToLower(strings.TrimSpace(os.Getenv("CATCH_UP"))); raw != "" {
		switch CatchUp(raw) {
		case CatchUpDrop, CatchUpPresent:
			c.CatchUp = CatchUp(raw)
		default:
			return nil, errInvalidCatchUp
		}
	}

	level, err := parseLogLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		return nil, err
	}
	c.LogLevel = level

	if c.PresentEvery <= 0 {
		return nil, fmt.Errorf("PRESENT_INTERVAL must be positive")
	}
	if c.AudioMaxAhead < c.AudioLeadTime {
		return nil, fmt.Errorf("AUDIO_MAX_AHEAD (%v) must not be smaller than AUDIO_LEAD_TIME (%v)",
			c.AudioMaxAhead, c.AudioLeadTime)
	}

	return c, nil
}

func parseLogLevel(raw string) (logger.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return logger.Info, nil
	case "debug":
		return logger.Debug, nil
	case "info":
		return logger.Info, nil
	case "warn":
		return logger.Warn, nil
	case "error":
		return logger.Error, nil
	default:
		return 0, fmt.Errorf("invalid log level: %q", raw)
	}
}

// parseDurationEnv prefers Go duration syntax ("90s", "1m30s") and
// otherwise treats bare numbers as seconds.
func parseDurationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		if d <= 0 {
			return 0
		}
		return d
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}

	return fallback
}
