package utils

import (
	"time"

	"github.com/rs/zerolog"
)

// Timer measures and logs the duration of a named operation, used by the
// executor for per-agent-step latency; the monitor loop keeps its own
// rolling latency window instead. Call Stop when the operation completes.
type Timer struct {
	start time.Time
	name  string
	log   zerolog.Logger
}

// NewTimer starts a timer for name, logging through log on Stop.
func NewTimer(name string, log zerolog.Logger) *Timer {
	return &Timer{start: time.Now(), name: name, log: log}
}

// Stop records the elapsed duration, logs it at debug level, and returns it.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	t.log.Debug().Str("operation", t.name).Dur("elapsed", elapsed).Msg("operation timed")
	return elapsed
}
