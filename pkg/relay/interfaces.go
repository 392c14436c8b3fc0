package relay

import "context"

// UserDirectory resolves the user named in a connect envelope.
type UserDirectory interface {
	// LookupUser returns (nil, nil) when no such user exists. A non-nil error
	// means the lookup itself failed.
	LookupUser(ctx context.Context, userID string) (*User, error)
}

// MessageStore is the durable persistence collaborator for messages.
type MessageStore interface {
	// PersistMessage stores msg, assigning its identifier and timestamp.
	PersistMessage(ctx context.Context, msg NewMessage) (*Message, error)

	// MarkMessageRead flips the read flag. It reports false when the message
	// does not exist.
	MarkMessageRead(ctx context.Context, messageID string) (bool, error)

	// ListConversation returns up to limit messages exchanged between two
	// users, oldest first.
	ListConversation(ctx context.Context, userA, userB string, limit int) ([]Message, error)
}

// PresenceCache publishes which relay instance holds a user's connection so
// that other instances can see it.
type PresenceCache interface {
	Set(ctx context.Context, userID string, info ConnectionInfo) error
	Fetch(ctx context.Context, userID string) (ConnectionInfo, error)
	Delete(ctx context.Context, userID string) error
	Close() error
}

// OfflineNotifier is told about messages whose recipient had no live connection.
type OfflineNotifier interface {
	NotifyOffline(ctx context.Context, msg *Message) error
}

// Dependencies holds all the external services the relay service needs to operate.
// This struct is used for dependency injection.
type Dependencies struct {
	// --- Required ---
	Users    UserDirectory
	Messages MessageStore

	// --- Optional ---
	Presence PresenceCache
	Notifier OfflineNotifier
}
