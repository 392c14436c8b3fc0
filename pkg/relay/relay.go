// Package relay contains the public domain models, wire envelopes and
// collaborator interfaces for the presence and message relay. It defines the
// contract between the realtime layer, the REST layer and the storage adapters.
package relay

import (
	"errors"
	"time"
)

// ErrNotFound is returned by collaborators when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// MessageKind distinguishes plain text messages from attachment references.
type MessageKind string

const (
	KindText MessageKind = "text"
	KindFile MessageKind = "file"
)

// Valid reports whether k is one of the supported kinds.
func (k MessageKind) Valid() bool {
	return k == KindText || k == KindFile
}

// User is the identity the relay binds to a connection on connect.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// NewMessage holds the fields of a message before the store assigns
// its identity and timestamp.
type NewMessage struct {
	FromUserID string
	ToUserID   string
	Body       string
	Kind       MessageKind
	FileURL    string
	FileName   string
	FileSize   int64
}

// Message is the durable message record returned by the store. It is sent
// verbatim as the data of "message" and "message_sent" envelopes.
type Message struct {
	ID         string      `json:"id"`
	FromUserID string      `json:"from_user_id"`
	ToUserID   string      `json:"to_user_id"`
	Message    string      `json:"message"`
	Type       MessageKind `json:"type"`
	FileURL    string      `json:"file_url,omitempty"`
	FileName   string      `json:"file_name,omitempty"`
	FileSize   int64       `json:"file_size,omitempty"`
	IsRead     bool        `json:"is_read"`
	CreatedAt  time.Time   `json:"created_at"`
}

// ConnectionInfo holds details about a user's realtime connection.
// This is stored in the presence cache.
type ConnectionInfo struct {
	ServerInstanceID string `json:"serverInstanceId"`
	Role             string `json:"role,omitempty"`
	ConnectedAt      int64  `json:"connectedAt"`
}
