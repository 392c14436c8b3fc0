package realtime

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tinywideclouds/go-presence-relay/pkg/relay"
)

// Connection is one realtime socket session. It starts unidentified and is
// bound to a user by a successful connect envelope.
type Connection struct {
	id           string
	ws           *websocket.Conn
	writeTimeout time.Duration
	connectedAt  time.Time

	writeMu sync.Mutex

	mu     sync.RWMutex
	userID string
	role   string

	alive     atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
}

func newConnection(ws *websocket.Conn, writeTimeout time.Duration) *Connection {
	c := &Connection{
		id:           uuid.NewString(),
		ws:           ws,
		writeTimeout: writeTimeout,
		connectedAt:  time.Now(),
	}
	c.alive.Store(true)
	return c
}

// ID is the relay-assigned identifier of the transport, used in logs.
func (c *Connection) ID() string { return c.id }

// UserID is empty until the connection is identified.
func (c *Connection) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// Role is the role of the identified user, empty before connect.
func (c *Connection) Role() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

func (c *Connection) identify(userID, role string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
	c.role = role
}

func (c *Connection) deadline() time.Time {
	if c.writeTimeout <= 0 {
		return time.Now().Add(defaultWriteTimeout)
	}
	return time.Now().Add(c.writeTimeout)
}

// send writes one envelope. Data writes on a gorilla connection must not run
// concurrently, so they are serialised here.
func (c *Connection) send(env relay.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(c.deadline()); err != nil {
		return err
	}
	return c.ws.WriteJSON(env)
}

// ping issues a liveness probe. Control frames may be written concurrently
// with data frames.
func (c *Connection) ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, c.deadline())
}

// closeWith sends a close frame before dropping the socket.
func (c *Connection) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), c.deadline())
		_ = c.ws.Close()
	})
}

// terminate drops the socket without a close handshake.
func (c *Connection) terminate() {
	c.closeOnce.Do(func() {
		_ = c.ws.Close()
	})
}
