// --- File: internal/platform/push/notifier.go ---
package push

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-presence-relay/pkg/relay"
)

// EventType is the type tag carried by every offline notification event.
const EventType = "offline_message"

// maxPreview bounds how much of a text body travels in the event.
const maxPreview = 80

// EventPublisher defines the interface we need from go-redis.
type EventPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// OfflineNotification is the event a notification worker consumes to alert a
// user who missed a realtime message.
type OfflineNotification struct {
	EventID     string            `json:"event_id"`
	Type        string            `json:"type"`
	RecipientID string            `json:"recipient_id"`
	MessageID   string            `json:"message_id"`
	FromUserID  string            `json:"from_user_id"`
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	Data        map[string]string `json:"data,omitempty"`
}

// RedisNotifier implements the relay.OfflineNotifier interface by publishing
// to a Redis channel.
type RedisNotifier struct {
	publisher EventPublisher
	channel   string
	logger    zerolog.Logger
}

func NewRedisNotifier(publisher EventPublisher, channel string, logger zerolog.Logger) (*RedisNotifier, error) {
	if publisher == nil {
		return nil, fmt.Errorf("publisher cannot be nil")
	}
	if channel == "" {
		return nil, fmt.Errorf("channel cannot be empty")
	}
	return &RedisNotifier{
		publisher: publisher,
		channel:   channel,
		logger:    logger.With().Str("component", "RedisNotifier").Str("channel", channel).Logger(),
	}, nil
}

// NotifyOffline publishes a notification request for msg's recipient.
func (n *RedisNotifier) NotifyOffline(ctx context.Context, msg *relay.Message) error {
	if msg == nil {
		return fmt.Errorf("NotifyOffline failed: message cannot be nil")
	}

	// 1. Build the event
	event := OfflineNotification{
		EventID:     uuid.NewString(),
		Type:        EventType,
		RecipientID: msg.ToUserID,
		MessageID:   msg.ID,
		FromUserID:  msg.FromUserID,
		Title:       "New Message",
		Body:        preview(msg),
		Data: map[string]string{
			"url":      "/messages/" + msg.FromUserID,
			"msg_type": string(msg.Type),
		},
	}

	payload, err := json.Marshal(event)
	if err != nil {
		n.logger.Error().Err(err).Msg("Failed to marshal notification event")
		return fmt.Errorf("failed to marshal notification event: %w", err)
	}

	// 2. Publish
	n.logger.Debug().Str("recipient", event.RecipientID).Str("event_id", event.EventID).Msg("Publishing offline notification")
	if err := n.publisher.Publish(ctx, n.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish notification event: %w", err)
	}
	return nil
}

func preview(msg *relay.Message) string {
	if msg.Type == relay.KindFile {
		if msg.FileName != "" {
			return "Sent you a file: " + msg.FileName
		}
		return "Sent you a file"
	}
	body := []rune(msg.Message)
	if len(body) > maxPreview {
		return string(body[:maxPreview]) + "..."
	}
	return string(body)
}
