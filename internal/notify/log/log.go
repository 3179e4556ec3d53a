// Package log is a Notifier that writes every notification to the structured
// logger instead of delivering it — the engine's default adapter until a real
// push/SMS/chat/email integration (explicitly out of scope, SPEC_FULL.md §7)
// is wired in front of the same notify.Notifier interface.
package log

import (
	"context"

	"github.com/aristath/sentinel/internal/notify"
	"github.com/rs/zerolog"
)

// Notifier logs every call at info level instead of delivering it anywhere.
type Notifier struct {
	log zerolog.Logger
}

// New builds a log-backed Notifier.
func New(log zerolog.Logger) *Notifier {
	return &Notifier{log: log.With().Str("component", "notify.log").Logger()}
}

func (n *Notifier) Notify(ctx context.Context, channel notify.Channel, user string, payload notify.Payload) error {
	n.log.Info().
		Str("channel", string(channel)).
		Str("user", user).
		Str("subject", payload.Subject).
		Str("body", payload.Body).
		Interface("data", payload.Data).
		Msg("notification")
	return nil
}
