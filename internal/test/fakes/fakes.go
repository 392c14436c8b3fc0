// Package fakes provides in-memory test doubles (fakes) for the relay's
// collaborators. These are used by the local run mode and in tests.
package fakes

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-presence-relay/pkg/relay"
)

// --- Users ---

type UserDirectory struct {
	mu    sync.RWMutex
	users     map[string]relay.User
	lookupErr error
}

func NewUserDirectory(users ...relay.User) *UserDirectory {
	d := &UserDirectory{users: make(map[string]relay.User)}
	for _, u := range users {
		d.users[u.ID] = u
	}
	return d
}

func (d *UserDirectory) SaveUser(_ context.Context, u relay.User) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[u.ID] = u
	return nil
}

// FailLookups makes every lookup return err. Pass nil to recover.
func (d *UserDirectory) FailLookups(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lookupErr = err
}

func (d *UserDirectory) LookupUser(_ context.Context, userID string) (*relay.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.lookupErr != nil {
		return nil, d.lookupErr
	}
	u, ok := d.users[userID]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

// --- Messages ---

type MessageStore struct {
	mu       sync.Mutex
	messages []relay.Message
	logger   zerolog.Logger

	persistErr error
	markErr    error
}

func NewMessageStore(logger zerolog.Logger) *MessageStore {
	return &MessageStore{logger: logger.With().Str("component", "FakeMessageStore").Logger()}
}

// FailPersist makes PersistMessage return err. Pass nil to recover.
func (s *MessageStore) FailPersist(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persistErr = err
}

// FailMarkRead makes MarkMessageRead return err. Pass nil to recover.
func (s *MessageStore) FailMarkRead(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markErr = err
}

func (s *MessageStore) PersistMessage(_ context.Context, msg relay.NewMessage) (*relay.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.persistErr != nil {
		return nil, s.persistErr
	}
	rec := relay.Message{
		ID:         uuid.NewString(),
		FromUserID: msg.FromUserID,
		ToUserID:   msg.ToUserID,
		Message:    msg.Body,
		Type:       msg.Kind,
		FileURL:    msg.FileURL,
		FileName:   msg.FileName,
		FileSize:   msg.FileSize,
		CreatedAt:  time.Now().UTC(),
	}
	s.messages = append(s.messages, rec)
	s.logger.Debug().Str("id", rec.ID).Msg("[FAKES-STORE] Message persisted.")
	return &rec, nil
}

func (s *MessageStore) MarkMessageRead(_ context.Context, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markErr != nil {
		return false, s.markErr
	}
	for i := range s.messages {
		if s.messages[i].ID == messageID {
			s.messages[i].IsRead = true
			return true, nil
		}
	}
	return false, nil
}

func (s *MessageStore) ListConversation(_ context.Context, userA, userB string, limit int) ([]relay.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []relay.Message
	for _, m := range s.messages {
		if (m.FromUserID == userA && m.ToUserID == userB) || (m.FromUserID == userB && m.ToUserID == userA) {
			out = append(out, m)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Messages returns a copy of everything persisted so far.
func (s *MessageStore) Messages() []relay.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]relay.Message(nil), s.messages...)
}

// --- Presence ---

type PresenceCache struct {
	mu      sync.RWMutex
	entries map[string]relay.ConnectionInfo
}

func NewPresenceCache() *PresenceCache {
	return &PresenceCache{entries: make(map[string]relay.ConnectionInfo)}
}

func (c *PresenceCache) Set(_ context.Context, userID string, info relay.ConnectionInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[userID] = info
	return nil
}

func (c *PresenceCache) Fetch(_ context.Context, userID string) (relay.ConnectionInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.entries[userID]
	if !ok {
		return relay.ConnectionInfo{}, relay.ErrNotFound
	}
	return info, nil
}

func (c *PresenceCache) Delete(_ context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, userID)
	return nil
}

func (c *PresenceCache) Close() error { return nil }

// Keys lists the users currently present, sorted.
func (c *PresenceCache) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// --- Notifications ---

type Notifier struct {
	mu       sync.Mutex
	notified []relay.Message
	logger   zerolog.Logger
}

func NewNotifier(logger zerolog.Logger) *Notifier {
	return &Notifier{logger: logger}
}

func (n *Notifier) NotifyOffline(_ context.Context, msg *relay.Message) error {
	if msg == nil {
		return errors.New("message cannot be nil")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notified = append(n.notified, *msg)
	n.logger.Info().Str("recipient", msg.ToUserID).Msg("[FAKES-NOTIFIER] NotifyOffline called.")
	return nil
}

// Notified returns the messages reported as undelivered.
func (n *Notifier) Notified() []relay.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]relay.Message(nil), n.notified...)
}
