package conf

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/philipch07/EggsTV/internal/logger"
)

func TestFromEnvDefaults(t *testing.T) {
	for _, name := range []string{
		"HTTP_ADDRESS", "MEDIA_DIR", "LOG_LEVEL", "CATCH_UP", "PRESENT_INTERVAL",
		"AUDIO_LEAD_TIME", "AUDIO_MAX_AHEAD", "AUDIO_POLL_INTERVAL", "AUTOPLAY",
		"LIVE_PAIR_TIMEOUT",
	} {
		t.Setenv(name, "")
	}

	c, err := FromEnv()
	require.NoError(t, err)
	require.Equal(t, ":8080", c.HTTPAddress)
	require.Equal(t, "media", c.MediaDir)
	require.Equal(t, logger.Info, c.LogLevel)
	require.Equal(t, CatchUpDrop, c.CatchUp)
	require.Equal(t, time.Second/60, c.PresentEvery)
	require.Equal(t, 100*time.Millisecond, c.AudioLeadTime)
	require.Equal(t, time.Second, c.AudioMaxAhead)
	require.Equal(t, 10*time.Second, c.LivePairTimeout)
	require.False(t, c.Autoplay)
}

func TestFromEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("CATCH_UP", "present")
	t.Setenv("AUDIO_LEAD_TIME", "0.25")
	t.Setenv("AUDIO_MAX_AHEAD", "2s")
	t.Setenv("AUTOPLAY", "1")
	t.Setenv("LIVE_PAIR_TIMEOUT", "30s")

	c, err := FromEnv()
	require.NoError(t, err)
	require.Equal(t, logger.Debug, c.LogLevel)
	require.Equal(t, CatchUpPresent, c.CatchUp)
	require.Equal(t, 250*time.Millisecond, c.AudioLeadTime)
	require.Equal(t, 2*time.Second, c.AudioMaxAhead)
	require.True(t, c.Autoplay)
	require.Equal(t, 30*time.Second, c.LivePairTimeout)
}

func TestFromEnvErrors(t *testing.T) {
	for _, ca := range []struct {
		name string
		key  string
		val  string
	}{
		{"catch up", "CATCH_UP", "skip"},
		{"log level", "LOG_LEVEL", "verbose"},
		{"window", "AUDIO_MAX_AHEAD", "10ms"},
	} {
		t.Run(ca.name, func(t *testing.T) {
			t.Setenv(ca.key, ca.val)
			_, err := FromEnv()
			require.Error(t, err)
		})
	}
}

func TestParseDurationEnv(t *testing.T) {
	t.Setenv("SOME_DURATION", "garbage")
	require.Equal(t, time.Second, parseDurationEnv("SOME_DURATION", time.Second))

	t.Setenv("SOME_DURATION", "-3s")
	require.Equal(t, time.Duration(0), parseDurationEnv("SOME_DURATION", time.Second))

	t.Setenv("SOME_DURATION", "1.5")
	require.Equal(t, 1500*time.Millisecond, parseDurationEnv("SOME_DURATION", time.Second))
}
