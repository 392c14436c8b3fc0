// --- File: internal/api/relay_handlers_test.go ---
package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-presence-relay/internal/api"
	"github.com/tinywideclouds/go-presence-relay/internal/test/fakes"
	"github.com/tinywideclouds/go-presence-relay/pkg/relay"
)

type mockHub struct{ mock.Mock }

func (m *mockHub) SendToUser(userID string, env relay.Envelope) bool {
	return m.Called(userID, env).Bool(0)
}
func (m *mockHub) BroadcastToRole(role string, env relay.Envelope) int {
	return m.Called(role, env).Int(0)
}
func (m *mockHub) Broadcast(env relay.Envelope) int {
	return m.Called(env).Int(0)
}
func (m *mockHub) IsUserOnline(userID string) bool {
	return m.Called(userID).Bool(0)
}
func (m *mockHub) OnlineUsers() []string {
	args := m.Called()
	var result []string
	if val, ok := args.Get(0).([]string); ok {
		result = val
	}
	return result
}

var testLogger = zerolog.Nop()

func authedRequest(t *testing.T, method, target string, body any) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	return req.WithContext(api.ContextWithUser(context.Background(), "u1"))
}

func TestSendMessageHandler(t *testing.T) {
	t.Run("Success - live recipient gets the message", func(t *testing.T) {
		hub := new(mockHub)
		store := fakes.NewMessageStore(testLogger)
		notifier := fakes.NewNotifier(testLogger)
		apiHandler := api.NewAPI(hub, store, notifier, testLogger)

		hub.On("SendToUser", "u2", mock.MatchedBy(func(env relay.Envelope) bool {
			rec, ok := env.Data.(*relay.Message)
			return env.Type == relay.TypeMessage && ok && rec.Message == "hello" && rec.FromUserID == "u1"
		})).Return(true).Once()

		rr := httptest.NewRecorder()
		apiHandler.SendMessageHandler(rr, authedRequest(t, http.MethodPost, "/api/messages", map[string]any{
			"to_user_id": "u2", "message": "hello",
		}))
		apiHandler.Wait()

		require.Equal(t, http.StatusCreated, rr.Code)
		var resp struct {
			Message   relay.Message `json:"message"`
			Delivered bool          `json:"delivered"`
		}
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.True(t, resp.Delivered)
		assert.Equal(t, "u2", resp.Message.ToUserID)
		assert.Equal(t, relay.KindText, resp.Message.Type)
		assert.Empty(t, notifier.Notified())
		hub.AssertExpectations(t)
	})

	t.Run("Success - offline recipient triggers notification", func(t *testing.T) {
		hub := new(mockHub)
		store := fakes.NewMessageStore(testLogger)
		notifier := fakes.NewNotifier(testLogger)
		apiHandler := api.NewAPI(hub, store, notifier, testLogger)

		hub.On("SendToUser", "2", mock.Anything).Return(false).Once()

		rr := httptest.NewRecorder()
		apiHandler.SendMessageHandler(rr, authedRequest(t, http.MethodPost, "/api/messages", map[string]any{
			"to_user_id": 2, "message": "call me",
		}))
		apiHandler.Wait()

		require.Equal(t, http.StatusCreated, rr.Code)
		require.Len(t, notifier.Notified(), 1)
		assert.Equal(t, "call me", notifier.Notified()[0].Message)
	})

	t.Run("Failure - missing identity", func(t *testing.T) {
		apiHandler := api.NewAPI(new(mockHub), fakes.NewMessageStore(testLogger), nil, testLogger)
		rr := httptest.NewRecorder()
		apiHandler.SendMessageHandler(rr, httptest.NewRequest(http.MethodPost, "/api/messages", nil))
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("Failure - missing recipient", func(t *testing.T) {
		store := fakes.NewMessageStore(testLogger)
		apiHandler := api.NewAPI(new(mockHub), store, nil, testLogger)
		rr := httptest.NewRecorder()
		apiHandler.SendMessageHandler(rr, authedRequest(t, http.MethodPost, "/api/messages", map[string]any{"message": "x"}))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Empty(t, store.Messages())
	})

	t.Run("Failure - store error", func(t *testing.T) {
		hub := new(mockHub)
		store := fakes.NewMessageStore(testLogger)
		store.FailPersist(errors.New("disk full"))
		apiHandler := api.NewAPI(hub, store, nil, testLogger)

		rr := httptest.NewRecorder()
		apiHandler.SendMessageHandler(rr, authedRequest(t, http.MethodPost, "/api/messages", map[string]any{
			"to_user_id": "u2", "message": "x",
		}))
		assert.Equal(t, http.StatusInternalServerError, rr.Code)
		hub.AssertNotCalled(t, "SendToUser", mock.Anything, mock.Anything)
	})
}

func TestConversationHandler(t *testing.T) {
	ctx := context.Background()
	store := fakes.NewMessageStore(testLogger)
	for _, body := range []string{"one", "two", "three"} {
		_, err := store.PersistMessage(ctx, relay.NewMessage{FromUserID: "u1", ToUserID: "u2", Body: body, Kind: relay.KindText})
		require.NoError(t, err)
	}
	apiHandler := api.NewAPI(new(mockHub), store, nil, testLogger)

	decode := func(t *testing.T, rr *httptest.ResponseRecorder) []relay.Message {
		var resp struct {
			Messages []relay.Message `json:"messages"`
		}
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		return resp.Messages
	}

	t.Run("Success - default limit", func(t *testing.T) {
		rr := httptest.NewRecorder()
		apiHandler.ConversationHandler(rr, authedRequest(t, http.MethodGet, "/api/messages?with=u2", nil))
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Len(t, decode(t, rr), 3)
	})

	t.Run("Success - limit keeps the newest", func(t *testing.T) {
		rr := httptest.NewRecorder()
		apiHandler.ConversationHandler(rr, authedRequest(t, http.MethodGet, "/api/messages?with=u2&limit=2", nil))
		require.Equal(t, http.StatusOK, rr.Code)
		msgs := decode(t, rr)
		require.Len(t, msgs, 2)
		assert.Equal(t, "three", msgs[1].Message)
	})

	t.Run("Success - empty conversation is an empty list", func(t *testing.T) {
		rr := httptest.NewRecorder()
		apiHandler.ConversationHandler(rr, authedRequest(t, http.MethodGet, "/api/messages?with=u9", nil))
		require.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, `{"messages":[]}`, rr.Body.String())
	})

	t.Run("Failure - invalid limit", func(t *testing.T) {
		rr := httptest.NewRecorder()
		apiHandler.ConversationHandler(rr, authedRequest(t, http.MethodGet, "/api/messages?with=u2&limit=abc", nil))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("Failure - missing peer", func(t *testing.T) {
		rr := httptest.NewRecorder()
		apiHandler.ConversationHandler(rr, authedRequest(t, http.MethodGet, "/api/messages", nil))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestMarkReadHandler(t *testing.T) {
	store := fakes.NewMessageStore(testLogger)
	rec, err := store.PersistMessage(context.Background(), relay.NewMessage{FromUserID: "u2", ToUserID: "u1", Body: "hi"})
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.Handle("POST /api/messages/{id}/read", api.RequireUser(http.HandlerFunc(api.NewAPI(new(mockHub), store, nil, testLogger).MarkReadHandler)))

	do := func(id string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/messages/"+id+"/read", nil)
		req.Header.Set(api.UserIDHeader, "u1")
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)
		return rr.Code
	}

	assert.Equal(t, http.StatusNoContent, do(rec.ID))
	assert.True(t, store.Messages()[0].IsRead)
	assert.Equal(t, http.StatusNotFound, do("missing"))

	store.FailMarkRead(errors.New("locked"))
	assert.Equal(t, http.StatusInternalServerError, do(rec.ID))
}

func TestPresenceHandlers(t *testing.T) {
	hub := new(mockHub)
	hub.On("OnlineUsers").Return([]string{"u1", "u2"})
	hub.On("IsUserOnline", "u2").Return(true)
	apiHandler := api.NewAPI(hub, fakes.NewMessageStore(testLogger), nil, testLogger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/presence", apiHandler.OnlineUsersHandler)
	mux.HandleFunc("GET /api/presence/{userId}", apiHandler.PresenceHandler)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/presence", nil))
	assert.JSONEq(t, `{"users":["u1","u2"]}`, rr.Body.String())

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/presence/u2", nil))
	assert.JSONEq(t, `{"user_id":"u2","online":true}`, rr.Body.String())
}

func TestBroadcastHandler(t *testing.T) {
	t.Run("Success - role broadcast", func(t *testing.T) {
		hub := new(mockHub)
		hub.On("BroadcastToRole", "doctor", mock.MatchedBy(func(env relay.Envelope) bool {
			return env.Type == "schedule_changed"
		})).Return(2).Once()
		apiHandler := api.NewAPI(hub, fakes.NewMessageStore(testLogger), nil, testLogger)

		rr := httptest.NewRecorder()
		apiHandler.BroadcastHandler(rr, authedRequest(t, http.MethodPost, "/api/broadcast", map[string]any{
			"role": "doctor", "type": "schedule_changed", "data": map[string]string{"day": "monday"},
		}))
		require.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, `{"delivered":2}`, rr.Body.String())
		hub.AssertExpectations(t)
	})

	t.Run("Success - broadcast to everyone", func(t *testing.T) {
		hub := new(mockHub)
		hub.On("Broadcast", mock.Anything).Return(5).Once()
		apiHandler := api.NewAPI(hub, fakes.NewMessageStore(testLogger), nil, testLogger)

		rr := httptest.NewRecorder()
		apiHandler.BroadcastHandler(rr, authedRequest(t, http.MethodPost, "/api/broadcast", map[string]any{"type": "maintenance"}))
		require.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, `{"delivered":5}`, rr.Body.String())
	})

	t.Run("Failure - missing type", func(t *testing.T) {
		hub := new(mockHub)
		apiHandler := api.NewAPI(hub, fakes.NewMessageStore(testLogger), nil, testLogger)

		rr := httptest.NewRecorder()
		apiHandler.BroadcastHandler(rr, authedRequest(t, http.MethodPost, "/api/broadcast", map[string]any{"role": "doctor"}))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		hub.AssertNotCalled(t, "BroadcastToRole", mock.Anything, mock.Anything)
	})
}

func TestRequireUser(t *testing.T) {
	var seen string
	handler := api.RequireUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = api.UserIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(api.UserIDHeader, " u7 ")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "u7", seen)
}
