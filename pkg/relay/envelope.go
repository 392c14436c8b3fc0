package relay

import (
	"encoding/json"
	"fmt"
)

// Client to relay envelope types.
const (
	TypeConnect = "connect"
	TypeMessage = "message"
	TypeTyping  = "typing"
	TypeRead    = "read"
)

// Relay to client envelope types. "message" and "typing" are shared with
// the inbound set.
const (
	TypeConnected   = "connected"
	TypeMessageSent = "message_sent"
	TypeMessageRead = "message_read"
	TypeError       = "error"
)

// StatusConnected is the status reported in a "connected" acknowledgement.
const StatusConnected = "connected"

// Envelope is the {type, data} unit written to a realtime connection.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// RawEnvelope is an inbound envelope whose data is decoded once the type is known.
type RawEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ID is a user or message identifier. Clients may send it as a JSON string or
// as a JSON number; both decode to the same textual form.
type ID string

// UnmarshalJSON accepts strings, numbers and null.
func (id *ID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be a string or a number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

// --- Client -> relay payloads ---

type ConnectPayload struct {
	UserID ID     `json:"userId"`
	Token  string `json:"token"`
}

type MessagePayload struct {
	ToUserID ID          `json:"to_user_id"`
	Message  string      `json:"message"`
	Type     MessageKind `json:"type,omitempty"`
	FileURL  string      `json:"file_url,omitempty"`
	FileName string      `json:"file_name,omitempty"`
	FileSize int64       `json:"file_size,omitempty"`
}

type TypingPayload struct {
	ToUserID ID   `json:"to_user_id"`
	Typing   bool `json:"typing"`
}

type ReadPayload struct {
	MessageID ID `json:"message_id"`
}

// --- Relay -> client payloads ---

type ConnectedPayload struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

type TypingNotice struct {
	FromUserID string `json:"from_user_id"`
	Typing     bool   `json:"typing"`
}

type ReadReceipt struct {
	MessageID string `json:"message_id"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// ErrorEnvelope builds an "error" envelope carrying msg.
func ErrorEnvelope(msg string) Envelope {
	return Envelope{Type: TypeError, Data: ErrorPayload{Message: msg}}
}
