package persistence

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-presence-relay/pkg/relay"
)

func openTempStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "relay.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(context.Background(), "  ", zerolog.Nop())
	require.Error(t, err)
}

func TestOpen_MigrationsApplyOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.db")
	first, err := Open(context.Background(), path, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := Open(context.Background(), path, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close() })

	var count int
	err = second.sqlDB.QueryRow("SELECT COUNT(*) FROM " + migrationTable).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSQLiteStore_Users(t *testing.T) {
	ctx := context.Background()
	store := openTempStore(t)

	t.Run("Success - saved user is found", func(t *testing.T) {
		require.NoError(t, store.SaveUser(ctx, relay.User{ID: "u1", Name: "Ana", Email: "ana@clinic.test", Role: "patient"}))

		u, err := store.LookupUser(ctx, "u1")
		require.NoError(t, err)
		require.NotNil(t, u)
		assert.Equal(t, "patient", u.Role)
		assert.Equal(t, "Ana", u.Name)
	})

	t.Run("Success - unknown user is nil without error", func(t *testing.T) {
		u, err := store.LookupUser(ctx, "nobody")
		require.NoError(t, err)
		assert.Nil(t, u)
	})

	t.Run("Success - save overwrites role", func(t *testing.T) {
		require.NoError(t, store.SaveUser(ctx, relay.User{ID: "u1", Name: "Ana", Role: "manager"}))
		u, err := store.LookupUser(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "manager", u.Role)
	})

	t.Run("Failure - empty id", func(t *testing.T) {
		require.Error(t, store.SaveUser(ctx, relay.User{}))
	})
}

func TestSQLiteStore_Messages(t *testing.T) {
	ctx := context.Background()
	store := openTempStore(t)

	first, err := store.PersistMessage(ctx, relay.NewMessage{FromUserID: "u1", ToUserID: "u2", Body: "hi"})
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, relay.KindText, first.Type)
	assert.False(t, first.IsRead)
	assert.False(t, first.CreatedAt.IsZero())

	second, err := store.PersistMessage(ctx, relay.NewMessage{
		FromUserID: "u2", ToUserID: "u1", Body: "scan attached",
		Kind: relay.KindFile, FileURL: "/uploads/scan.pdf", FileName: "scan.pdf", FileSize: 2048,
	})
	require.NoError(t, err)

	_, err = store.PersistMessage(ctx, relay.NewMessage{FromUserID: "u1", ToUserID: "u3", Body: "other"})
	require.NoError(t, err)

	t.Run("Success - conversation is chronological and scoped to the pair", func(t *testing.T) {
		msgs, err := store.ListConversation(ctx, "u2", "u1", 10)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, first.ID, msgs[0].ID)
		assert.Equal(t, second.ID, msgs[1].ID)
		assert.Equal(t, relay.KindFile, msgs[1].Type)
		assert.Equal(t, int64(2048), msgs[1].FileSize)
	})

	t.Run("Success - limit keeps the newest", func(t *testing.T) {
		msgs, err := store.ListConversation(ctx, "u1", "u2", 1)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, second.ID, msgs[0].ID)
	})

	t.Run("Success - mark read", func(t *testing.T) {
		ok, err := store.MarkMessageRead(ctx, first.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		msgs, err := store.ListConversation(ctx, "u1", "u2", 10)
		require.NoError(t, err)
		assert.True(t, msgs[0].IsRead)
	})

	t.Run("Success - mark read on unknown id reports false", func(t *testing.T) {
		ok, err := store.MarkMessageRead(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Failure - missing recipient", func(t *testing.T) {
		_, err := store.PersistMessage(ctx, relay.NewMessage{FromUserID: "u1"})
		require.Error(t, err)
	})
}

func TestUpSection(t *testing.T) {
	sql := "-- +migrate Up\nCREATE TABLE a (x INT);\n-- +migrate Down\nDROP TABLE a;\n"
	assert.Equal(t, "\nCREATE TABLE a (x INT);\n", upSection(sql))
	assert.Equal(t, "SELECT 1;", upSection("SELECT 1;"))
}
