package notify

import (
	"context"

	"github.com/rs/zerolog"
)

// Sink delivers messages to end users and admins. The concrete chat
// transport lives outside this core; the scheduler only requires that a
// sink can report whether it is currently able to deliver at all.
type Sink interface {
	// Available reports whether the sink can deliver right now (e.g. the
	// bot is running). When false the expiry scan is skipped for the tick.
	Available() bool
	SendToUser(ctx context.Context, userID int64, text string) error
	SendToAdmins(ctx context.Context, text string) error
}

// LogSink writes deliveries to the log. It is the default when no chat
// transport is wired in, so the notification pipeline stays observable.
type LogSink struct {
	log zerolog.Logger
}

// NewLogSink returns an always-available Sink backed by the logger.
func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Available() bool { return true }

func (s *LogSink) SendToUser(_ context.Context, userID int64, text string) error {
	s.log.Info().Int64("user_id", userID).Str("text", text).Msg("notification")
	return nil
}

func (s *LogSink) SendToAdmins(_ context.Context, text string) error {
	s.log.Info().Str("text", text).Msg("admin notification")
	return nil
}
