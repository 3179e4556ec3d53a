package monitor

import (
	"math"
	"time"
)

// Backoff constants grounded on the teacher's MarketStatusWebSocket
// reconnect loop (internal/clients/tradernet/websocket_client.go's
// baseReconnectDelay/maxReconnectDelay/calculateBackoff), reused here for the
// monitor loop's transient-broker-error retry schedule instead of a
// reconnect schedule.
const (
	baseBackoff = 5 * time.Second
	maxBackoff  = 5 * time.Minute
)

// calculateBackoff returns the delay before retry number attempt (1-based):
// exponential, base*2^(attempt-1), capped at maxBackoff — identical shape to
// the teacher's WebSocket reconnect backoff.
func calculateBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(baseBackoff) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxBackoff) {
		delay = float64(maxBackoff)
	}
	return time.Duration(delay)
}
