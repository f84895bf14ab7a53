package logger

import (
	"sync"
	"time"
)

const minIntervalBetweenWarnings = 1 * time.Second

type limitedLogger struct {
	w           Writer
	mutex       sync.Mutex
	lastPrinted time.Time
}

// NewLimitedLogger returns a Writer that prints at most one entry per second.
// A nil parent discards everything.
func NewLimitedLogger(w Writer) Writer {
	if w == nil {
		return Nil
	}
	return &limitedLogger{
		w: w,
	}
}

func (l *limitedLogger) Log(level Level, format string, args ...interface{}) {
	now := time.Now()
	l.mutex.Lock()
	if now.Sub(l.lastPrinted) >= minIntervalBetweenWarnings {
		l.lastPrinted = now
		l.w.Log(level, format, args...)
	}
	l.mutex.Unlock()
}

type nilLogger struct{}

func (nilLogger) Log(_ Level, _ string, _ ...interface{}) {
}

// Nil is a logger to /dev/null
var Nil Writer = nilLogger{}
