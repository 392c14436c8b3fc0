package realtime

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/tinywideclouds/go-presence-relay/internal/metrics"
	"github.com/tinywideclouds/go-presence-relay/pkg/relay"
)

// Messages carried by error envelopes. Collaborator failures never leak
// their underlying error text to clients.
const (
	errInvalidFormat     = "Invalid message format"
	errNotAuthenticated  = "Not authenticated"
	errAlreadyConnected  = "Already connected"
	errUserNotFound      = "User not found"
	errLookupFailed      = "Failed to verify user"
	errMissingRecipient  = "Recipient is required"
	errInvalidKind       = "Invalid message type"
	errSendFailed        = "Failed to send message"
	errMissingMessageID  = "Message id is required"
	errMessageNotFound   = "Message not found"
	errReadFailed        = "Failed to mark message as read"
	errSessionSuperseded = "Signed in from another connection"
)

// HandleEnvelope decodes one inbound frame and dispatches it by type.
// Collaborator calls share a deadline of Config.OperationTimeout.
func (r *Relay) HandleEnvelope(ctx context.Context, conn *Connection, raw []byte) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.OperationTimeout)
	defer cancel()

	var env relay.RawEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		metrics.EnvelopesReceived.WithLabelValues("malformed").Inc()
		r.logger.Debug().Err(err).Str("conn", conn.id).Msg("Malformed envelope.")
		r.deliver(conn, relay.ErrorEnvelope(errInvalidFormat))
		return
	}

	switch env.Type {
	case relay.TypeConnect:
		metrics.EnvelopesReceived.WithLabelValues(env.Type).Inc()
		r.handleConnect(ctx, conn, env.Data)
	case relay.TypeMessage:
		metrics.EnvelopesReceived.WithLabelValues(env.Type).Inc()
		r.handleMessage(ctx, conn, env.Data)
	case relay.TypeTyping:
		metrics.EnvelopesReceived.WithLabelValues(env.Type).Inc()
		r.handleTyping(conn, env.Data)
	case relay.TypeRead:
		metrics.EnvelopesReceived.WithLabelValues(env.Type).Inc()
		r.handleRead(ctx, conn, env.Data)
	default:
		metrics.EnvelopesReceived.WithLabelValues("unknown").Inc()
		r.logger.Warn().Str("conn", conn.id).Str("type", env.Type).Msg("Ignoring unknown envelope type.")
	}
}

// decode unmarshals an envelope's data. Absent data decodes as an empty object.
func decode(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return json.Unmarshal(data, v)
}

func (r *Relay) handleConnect(ctx context.Context, conn *Connection, data json.RawMessage) {
	if conn.UserID() != "" {
		r.deliver(conn, relay.ErrorEnvelope(errAlreadyConnected))
		return
	}
	var p relay.ConnectPayload
	if err := decode(data, &p); err != nil {
		r.deliver(conn, relay.ErrorEnvelope(errInvalidFormat))
		return
	}

	userID := strings.TrimSpace(p.UserID.String())
	log := r.logger.With().Str("conn", conn.id).Str("user", userID).Logger()
	if userID == "" {
		r.reject(conn, errUserNotFound)
		return
	}

	user, err := r.deps.Users.LookupUser(ctx, userID)
	if err != nil {
		metrics.CollaboratorFailures.WithLabelValues("lookup_user").Inc()
		log.Error().Err(err).Msg("User lookup failed.")
		r.deliver(conn, relay.ErrorEnvelope(errLookupFailed))
		return
	}
	if user == nil {
		log.Warn().Msg("Connect rejected, unknown user.")
		r.reject(conn, errUserNotFound)
		return
	}

	// 1. Identify and register. The newest connection for a user wins.
	conn.identify(userID, user.Role)
	prev, ok := r.register(conn)
	if !ok {
		return
	}
	if prev != nil && prev != conn {
		log.Info().Str("superseded", prev.id).Msg("User connected again, previous connection superseded.")
		if r.cfg.CloseSuperseded {
			r.deliver(prev, relay.ErrorEnvelope(errSessionSuperseded))
			prev.closeWith(websocket.CloseNormalClosure, "superseded")
			r.CloseTransport(prev)
		}
	}

	// 2. Publish presence
	if err := r.publishPresence(ctx, conn); err != nil {
		log.Error().Err(err).Msg("Failed to set user presence in cache.")
	}

	// 3. Acknowledge
	log.Info().Str("role", user.Role).Msg("User connected.")
	r.deliver(conn, relay.Envelope{
		Type: relay.TypeConnected,
		Data: relay.ConnectedPayload{UserID: userID, Status: relay.StatusConnected},
	})
}

// reject tells the client why and closes the transport. The client must
// reconnect to try again.
func (r *Relay) reject(conn *Connection, reason string) {
	r.deliver(conn, relay.ErrorEnvelope(reason))
	conn.closeWith(websocket.ClosePolicyViolation, reason)
	r.CloseTransport(conn)
}

func (r *Relay) handleMessage(ctx context.Context, conn *Connection, data json.RawMessage) {
	from := conn.UserID()
	if from == "" {
		r.deliver(conn, relay.ErrorEnvelope(errNotAuthenticated))
		return
	}
	var p relay.MessagePayload
	if err := decode(data, &p); err != nil {
		r.deliver(conn, relay.ErrorEnvelope(errInvalidFormat))
		return
	}
	to := strings.TrimSpace(p.ToUserID.String())
	if to == "" {
		r.deliver(conn, relay.ErrorEnvelope(errMissingRecipient))
		return
	}
	kind := p.Type
	if kind == "" {
		kind = relay.KindText
	}
	if !kind.Valid() {
		r.deliver(conn, relay.ErrorEnvelope(errInvalidKind))
		return
	}

	log := r.logger.With().Str("conn", conn.id).Str("from", from).Str("to", to).Logger()

	rec, err := r.deps.Messages.PersistMessage(ctx, relay.NewMessage{
		FromUserID: from,
		ToUserID:   to,
		Body:       p.Message,
		Kind:       kind,
		FileURL:    p.FileURL,
		FileName:   p.FileName,
		FileSize:   p.FileSize,
	})
	if err == nil && rec == nil {
		err = relay.ErrNotFound
	}
	if err != nil {
		metrics.CollaboratorFailures.WithLabelValues("persist_message").Inc()
		log.Error().Err(err).Msg("Failed to persist message.")
		r.deliver(conn, relay.ErrorEnvelope(errSendFailed))
		return
	}

	if r.SendToUser(to, relay.Envelope{Type: relay.TypeMessage, Data: rec}) {
		metrics.MessagesRelayed.WithLabelValues("live").Inc()
		log.Debug().Str("id", rec.ID).Msg("Message relayed live.")
	} else {
		metrics.MessagesRelayed.WithLabelValues("offline").Inc()
		r.notifyOffline(ctx, rec)
	}

	r.deliver(conn, relay.Envelope{Type: relay.TypeMessageSent, Data: rec})
}

// notifyOffline is best effort; failures are logged only.
func (r *Relay) notifyOffline(ctx context.Context, rec *relay.Message) {
	if r.deps.Notifier == nil {
		return
	}
	if err := r.deps.Notifier.NotifyOffline(ctx, rec); err != nil {
		metrics.CollaboratorFailures.WithLabelValues("notify_offline").Inc()
		r.logger.Warn().Err(err).Str("user", rec.ToUserID).Str("id", rec.ID).Msg("Offline notification failed.")
	}
}

func (r *Relay) handleTyping(conn *Connection, data json.RawMessage) {
	from := conn.UserID()
	if from == "" {
		r.deliver(conn, relay.ErrorEnvelope(errNotAuthenticated))
		return
	}
	var p relay.TypingPayload
	if err := decode(data, &p); err != nil {
		r.deliver(conn, relay.ErrorEnvelope(errInvalidFormat))
		return
	}
	to := strings.TrimSpace(p.ToUserID.String())
	if to == "" {
		return
	}
	r.SendToUser(to, relay.Envelope{
		Type: relay.TypeTyping,
		Data: relay.TypingNotice{FromUserID: from, Typing: p.Typing},
	})
}

func (r *Relay) handleRead(ctx context.Context, conn *Connection, data json.RawMessage) {
	if conn.UserID() == "" {
		r.deliver(conn, relay.ErrorEnvelope(errNotAuthenticated))
		return
	}
	var p relay.ReadPayload
	if err := decode(data, &p); err != nil {
		r.deliver(conn, relay.ErrorEnvelope(errInvalidFormat))
		return
	}
	messageID := strings.TrimSpace(p.MessageID.String())
	if messageID == "" {
		r.deliver(conn, relay.ErrorEnvelope(errMissingMessageID))
		return
	}

	found, err := r.deps.Messages.MarkMessageRead(ctx, messageID)
	if err != nil {
		metrics.CollaboratorFailures.WithLabelValues("mark_read").Inc()
		r.logger.Error().Err(err).Str("conn", conn.id).Str("id", messageID).Msg("Failed to mark message read.")
		r.deliver(conn, relay.ErrorEnvelope(errReadFailed))
		return
	}
	if !found {
		r.deliver(conn, relay.ErrorEnvelope(errMessageNotFound))
		return
	}
	r.deliver(conn, relay.Envelope{
		Type: relay.TypeMessageRead,
		Data: relay.ReadReceipt{MessageID: messageID},
	})
}
