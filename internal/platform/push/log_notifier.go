package push

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-presence-relay/pkg/relay"
)

// LogNotifier records undelivered messages in the service log only. It
// stands in for the Redis notifier where no notification worker runs.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "LogNotifier").Logger()}
}

func (n *LogNotifier) NotifyOffline(_ context.Context, msg *relay.Message) error {
	if msg == nil {
		return errors.New("message cannot be nil")
	}
	n.logger.Info().
		Str("recipient", msg.ToUserID).
		Str("message_id", msg.ID).
		Str("preview", preview(msg)).
		Msg("Recipient offline, notification logged")
	return nil
}
