package relay_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-presence-relay/pkg/relay"
)

func TestID_UnmarshalJSON(t *testing.T) {
	t.Run("Success - string and number forms decode alike", func(t *testing.T) {
		var a, b relay.ConnectPayload
		require.NoError(t, json.Unmarshal([]byte(`{"userId":"42","token":"t"}`), &a))
		require.NoError(t, json.Unmarshal([]byte(`{"userId":42,"token":"t"}`), &b))
		assert.Equal(t, relay.ID("42"), a.UserID)
		assert.Equal(t, a.UserID, b.UserID)
	})

	t.Run("Success - null and missing decode to empty", func(t *testing.T) {
		var p relay.ReadPayload
		require.NoError(t, json.Unmarshal([]byte(`{"message_id":null}`), &p))
		assert.Empty(t, p.MessageID)
		require.NoError(t, json.Unmarshal([]byte(`{}`), &p))
		assert.Empty(t, p.MessageID)
	})

	t.Run("Failure - boolean is rejected", func(t *testing.T) {
		var p relay.TypingPayload
		err := json.Unmarshal([]byte(`{"to_user_id":true}`), &p)
		require.Error(t, err)
	})
}

func TestErrorEnvelope_WireShape(t *testing.T) {
	b, err := json.Marshal(relay.ErrorEnvelope("Invalid message format"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","data":{"message":"Invalid message format"}}`, string(b))
}

func TestMessageKind_Valid(t *testing.T) {
	assert.True(t, relay.KindText.Valid())
	assert.True(t, relay.KindFile.Valid())
	assert.False(t, relay.MessageKind("video").Valid())
}
