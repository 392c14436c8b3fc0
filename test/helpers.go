// Package test provides public test helpers for setting up end-to-end and
// integration tests for the presence relay.
package test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-presence-relay/internal/platform/persistence"
	"github.com/tinywideclouds/go-presence-relay/pkg/relay"
)

// NewTestSQLiteStore opens a migrated store in a temp directory and seeds
// the given users. The store is closed when the test ends.
func NewTestSQLiteStore(t *testing.T, logger zerolog.Logger, users ...relay.User) *persistence.SQLiteStore {
	t.Helper()
	ctx := context.Background()
	store, err := persistence.Open(ctx, filepath.Join(t.TempDir(), "relay.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	for _, u := range users {
		require.NoError(t, store.SaveUser(ctx, u))
	}
	return store
}

// NewTestRedis starts an in-process Redis and returns a client for it.
func NewTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

// DialRelay opens a realtime connection to a relay served at baseURL.
func DialRelay(t *testing.T, baseURL, path string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + path
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

// Send writes one envelope.
func Send(t *testing.T, ws *websocket.Conn, typ string, data any) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(relay.Envelope{Type: typ, Data: data}))
}

// Receive reads one envelope, failing the test after two seconds.
func Receive(t *testing.T, ws *websocket.Conn) relay.RawEnvelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env relay.RawEnvelope
	require.NoError(t, ws.ReadJSON(&env))
	return env
}
