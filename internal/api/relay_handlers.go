/*
File: internal/api/relay_handlers.go
Description: HTTP handlers that read and write messages outside the
realtime channel and push the results through the relay.
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-presence-relay/pkg/relay"
)

const (
	defaultBatchLimit = 50
	maxBatchLimit     = 500
)

// Hub is the slice of the relay the REST layer pushes through.
type Hub interface {
	SendToUser(userID string, env relay.Envelope) bool
	BroadcastToRole(role string, env relay.Envelope) int
	Broadcast(env relay.Envelope) int
	IsUserOnline(userID string) bool
	OnlineUsers() []string
}

// API holds the dependencies for the HTTP handlers.
type API struct {
	hub      Hub
	store    relay.MessageStore
	notifier relay.OfflineNotifier
	logger   zerolog.Logger
	wg       sync.WaitGroup
}

// NewAPI creates the handler set. notifier may be nil.
func NewAPI(hub Hub, store relay.MessageStore, notifier relay.OfflineNotifier, logger zerolog.Logger) *API {
	return &API{
		hub:      hub,
		store:    store,
		notifier: notifier,
		logger:   logger,
	}
}

// Wait will block until all background tasks (offline notifications) are complete.
func (a *API) Wait() {
	a.wg.Wait()
}

type sendResponse struct {
	Message   *relay.Message `json:"message"`
	Delivered bool           `json:"delivered"`
}

// SendMessageHandler persists a message and relays it to the recipient if
// they are connected.
func (a *API) SendMessageHandler(w http.ResponseWriter, r *http.Request) {
	fromUserID, ok := UserIDFromContext(r.Context())
	if !ok {
		WriteJSONError(w, http.StatusUnauthorized, "missing user identity")
		return
	}
	log := a.logger.With().Str("user", fromUserID).Logger()

	var body relay.MessagePayload
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		log.Warn().Err(err).Msg("Failed to decode message body")
		WriteJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	to := strings.TrimSpace(body.ToUserID.String())
	if to == "" {
		WriteJSONError(w, http.StatusBadRequest, "to_user_id is required")
		return
	}
	kind := body.Type
	if kind == "" {
		kind = relay.KindText
	}
	if !kind.Valid() {
		WriteJSONError(w, http.StatusBadRequest, "invalid message type")
		return
	}

	rec, err := a.store.PersistMessage(r.Context(), relay.NewMessage{
		FromUserID: fromUserID,
		ToUserID:   to,
		Body:       body.Message,
		Kind:       kind,
		FileURL:    body.FileURL,
		FileName:   body.FileName,
		FileSize:   body.FileSize,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to persist message")
		WriteJSONError(w, http.StatusInternalServerError, "failed to send message")
		return
	}

	delivered := a.hub.SendToUser(to, relay.Envelope{Type: relay.TypeMessage, Data: rec})
	if !delivered {
		a.notifyInBackground(rec)
	}

	log.Debug().Str("id", rec.ID).Str("to", to).Bool("delivered", delivered).Msg("Message accepted over HTTP")
	WriteJSON(w, http.StatusCreated, sendResponse{Message: rec, Delivered: delivered})
}

// notifyInBackground returns before the notifier is done so the HTTP caller
// is not held up by it.
func (a *API) notifyInBackground(rec *relay.Message) {
	if a.notifier == nil {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := a.notifier.NotifyOffline(ctx, rec); err != nil {
			a.logger.Error().Err(err).Str("id", rec.ID).Msg("Failed to send offline notification in background")
		}
	}()
}

// ConversationHandler returns the caller's history with ?with=<userId>. It is
// the polling path for users who were offline.
func (a *API) ConversationHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		WriteJSONError(w, http.StatusUnauthorized, "missing user identity")
		return
	}
	peer := strings.TrimSpace(r.URL.Query().Get("with"))
	if peer == "" {
		WriteJSONError(w, http.StatusBadRequest, "'with' parameter is required")
		return
	}

	// Parse 'limit' query parameter
	limit := defaultBatchLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		val, err := strconv.Atoi(limitStr)
		if err != nil {
			WriteJSONError(w, http.StatusBadRequest, "invalid 'limit' parameter, must be an integer")
			return
		}
		if val > maxBatchLimit {
			limit = maxBatchLimit
		} else if val > 0 {
			limit = val
		}
	}

	msgs, err := a.store.ListConversation(r.Context(), userID, peer, limit)
	if err != nil {
		a.logger.Error().Err(err).Str("user", userID).Msg("Failed to list conversation")
		WriteJSONError(w, http.StatusInternalServerError, "failed to retrieve messages")
		return
	}
	if msgs == nil {
		msgs = []relay.Message{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// MarkReadHandler flips the read flag of the message named in the path.
func (a *API) MarkReadHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := UserIDFromContext(r.Context()); !ok {
		WriteJSONError(w, http.StatusUnauthorized, "missing user identity")
		return
	}
	messageID := r.PathValue("id")
	found, err := a.store.MarkMessageRead(r.Context(), messageID)
	if err != nil {
		a.logger.Error().Err(err).Str("id", messageID).Msg("Failed to mark message read")
		WriteJSONError(w, http.StatusInternalServerError, "failed to mark message as read")
		return
	}
	if !found {
		WriteJSONError(w, http.StatusNotFound, "message not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// OnlineUsersHandler lists users with a live connection on this instance.
func (a *API) OnlineUsersHandler(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{"users": a.hub.OnlineUsers()})
}

func (a *API) PresenceHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")
	WriteJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"online":  a.hub.IsUserOnline(userID),
	})
}

type broadcastRequest struct {
	Role string          `json:"role"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

var errBroadcastType = errors.New("type is required")

func (b broadcastRequest) validate() error {
	if strings.TrimSpace(b.Type) == "" {
		return errBroadcastType
	}
	return nil
}

// BroadcastHandler pushes a server-initiated envelope to one role or to everyone.
func (a *API) BroadcastHandler(w http.ResponseWriter, r *http.Request) {
	var body broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := body.validate(); err != nil {
		WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	env := relay.Envelope{Type: body.Type, Data: body.Data}
	var delivered int
	if body.Role != "" {
		delivered = a.hub.BroadcastToRole(body.Role, env)
	} else {
		delivered = a.hub.Broadcast(env)
	}
	a.logger.Info().Str("type", body.Type).Str("role", body.Role).Int("delivered", delivered).Msg("Broadcast sent")
	WriteJSON(w, http.StatusOK, map[string]int{"delivered": delivered})
}
