/*
File: internal/realtime/relay.go
Description: The presence and message relay. It owns the connection
registry and its own HTTP server for the upgrade path, and exposes the
push operations used by the REST layer.
*/
// Package realtime provides components for managing real-time client connections.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-presence-relay/internal/metrics"
	"github.com/tinywideclouds/go-presence-relay/pkg/relay"
)

const (
	defaultPath          = "/ws"
	defaultSweepInterval = 30 * time.Second
	defaultWriteTimeout  = 10 * time.Second
	defaultReadLimit     = 64 * 1024
	maxOperationTimeout  = 10 * time.Second
)

// Config controls the relay's transport behaviour.
type Config struct {
	ListenAddr string
	// Path is the upgrade path. Defaults to /ws.
	Path          string
	SweepInterval time.Duration
	WriteTimeout  time.Duration
	// ReadLimit caps the size of one inbound frame in bytes.
	ReadLimit int64
	// CloseSuperseded closes a user's previous connection when the same user
	// connects again. When false the old connection stays open but no longer
	// receives pushes.
	CloseSuperseded bool
	// AllowedOrigins restricts browser origins. Empty allows all.
	AllowedOrigins []string
	// OperationTimeout bounds the collaborator work done for one envelope. It must stay below SweepInterval: pongs are only read between
	// envelopes. Defaults to half the sweep interval, at most 10s.
	OperationTimeout time.Duration
}

// Stats is a point-in-time view of the relay.
type Stats struct {
	Transports int `json:"transports"`
	Users      int `json:"users"`
}

// Relay manages all realtime connections and user presence.
// It runs its own dedicated HTTP server.
type Relay struct {
	server     *http.Server
	upgrader   websocket.Upgrader
	deps       relay.Dependencies
	cfg        Config
	logger     zerolog.Logger
	instanceID string

	mu         sync.RWMutex
	registry   map[string]*Connection
	transports map[*Connection]struct{}

	readers sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewRelay creates and wires up a new relay.
func NewRelay(cfg Config, deps relay.Dependencies, logger zerolog.Logger) (*Relay, error) {
	if deps.Users == nil {
		return nil, fmt.Errorf("user directory cannot be nil")
	}
	if deps.Messages == nil {
		return nil, fmt.Errorf("message store cannot be nil")
	}
	if cfg.Path == "" {
		cfg.Path = defaultPath
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}
	if cfg.OperationTimeout <= 0 || cfg.OperationTimeout >= cfg.SweepInterval {
		cfg.OperationTimeout = min(cfg.SweepInterval/2, maxOperationTimeout)
	}

	instanceID := uuid.NewString()
	baseCtx, cancel := context.WithCancel(context.Background())

	r := &Relay{
		deps:       deps,
		cfg:        cfg,
		logger:     logger.With().Str("component", "Relay").Str("instance", instanceID).Logger(),
		instanceID: instanceID,
		registry:   make(map[string]*Connection),
		transports: make(map[*Connection]struct{}),
		baseCtx:    baseCtx,
		cancel:     cancel,
	}
	r.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     r.checkOrigin,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, r.serveWS)
	r.server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return r, nil
}

// Handler returns the realtime HTTP handler, for embedding the relay in a
// test server or an existing mux.
func (r *Relay) Handler() http.Handler { return r.server.Handler }

// InstanceID identifies this relay in the shared presence cache.
func (r *Relay) InstanceID() string { return r.instanceID }

// Start runs the liveness sweep and the HTTP server for realtime connections.
func (r *Relay) Start(ctx context.Context) error {
	go r.runSweep(ctx)

	r.logger.Info().Str("addr", r.server.Addr).Str("path", r.cfg.Path).Msg("Realtime server starting...")
	if err := r.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("realtime server failed: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections, closes every open transport with a
// going-away frame and stops the sweep.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.logger.Info().Msg("Shutting down realtime service...")
	var finalErr error

	if err := r.server.Shutdown(ctx); err != nil {
		r.logger.Error().Err(err).Msg("Realtime server shutdown failed.")
		finalErr = err
	}

	// Hijacked connections are not tracked by http.Server.
	for _, conn := range r.snapshotTransports() {
		conn.closeWith(websocket.CloseGoingAway, "server shutting down")
		r.CloseTransport(conn)
	}
	r.cancel()

	// Read loops finish their own close handling, presence included.
	done := make(chan struct{})
	go func() {
		r.readers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn().Msg("Timed out waiting for connection handlers to finish.")
		if finalErr == nil {
			finalErr = ctx.Err()
		}
	}

	r.logger.Info().Msg("Realtime service shut down.")
	return finalErr
}

func (r *Relay) checkOrigin(req *http.Request) bool {
	if len(r.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := req.Header.Get("Origin")
	return origin == "" || slices.Contains(r.cfg.AllowedOrigins, origin)
}

// serveWS upgrades a request and runs the connection's read loop until the
// transport closes.
func (r *Relay) serveWS(w http.ResponseWriter, req *http.Request) {
	// Counted before the hijack so Shutdown cannot miss this handler.
	r.readers.Add(1)
	defer r.readers.Done()

	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to upgrade connection.")
		return
	}

	conn := r.RegisterTransport(ws)
	defer r.CloseTransport(conn)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				r.logger.Debug().Err(err).Str("conn", conn.id).Msg("Connection read failed.")
			}
			return
		}
		// Envelopes from one connection are handled in arrival order.
		r.HandleEnvelope(r.baseCtx, conn, data)
	}
}

// RegisterTransport accepts a newly opened, unidentified transport and marks it live.
func (r *Relay) RegisterTransport(ws *websocket.Conn) *Connection {
	conn := newConnection(ws, r.cfg.WriteTimeout)
	ws.SetReadLimit(r.cfg.ReadLimit)
	ws.SetPongHandler(func(string) error {
		conn.alive.Store(true)
		return nil
	})

	r.mu.Lock()
	r.transports[conn] = struct{}{}
	r.mu.Unlock()

	metrics.ActiveConnections.Inc()
	metrics.TotalConnections.Inc()
	r.logger.Debug().Str("conn", conn.id).Msg("Transport registered.")
	return conn
}

// CloseTransport destroys a connection and removes its registry entry if the
// entry still points at it. Safe to call more than once and from several
// goroutines; every caller returns with the connection already removed.
func (r *Relay) CloseTransport(conn *Connection) {
	conn.terminate()

	r.mu.Lock()
	first := conn.closed.CompareAndSwap(false, true)
	delete(r.transports, conn)
	userID := conn.UserID()
	deregistered := false
	if userID != "" && r.registry[userID] == conn {
		delete(r.registry, userID)
		deregistered = true
	}
	r.mu.Unlock()

	if !first {
		return
	}
	metrics.ActiveConnections.Dec()
	if !deregistered {
		r.logger.Debug().Str("conn", conn.id).Msg("Transport closed.")
		return
	}

	metrics.IdentifiedUsers.Dec()
	r.clearPresence(userID)
	r.logger.Info().Str("user", userID).Str("conn", conn.id).Msg("User disconnected.")
}

// clearPresence deletes the user's presence entry unless another relay
// instance has since taken it over.
func (r *Relay) clearPresence(userID string) {
	if r.deps.Presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.OperationTimeout)
	defer cancel()

	info, err := r.deps.Presence.Fetch(ctx, userID)
	switch {
	case errors.Is(err, relay.ErrNotFound):
		return
	case err != nil:
		r.logger.Warn().Err(err).Str("user", userID).Msg("Failed to read user presence, deleting it anyway.")
	case info.ServerInstanceID != r.instanceID:
		r.logger.Debug().Str("user", userID).Str("owner", info.ServerInstanceID).Msg("Presence owned by another instance, leaving it.")
		return
	}

	if err := r.deps.Presence.Delete(ctx, userID); err != nil {
		metrics.CollaboratorFailures.WithLabelValues("presence_delete").Inc()
		r.logger.Error().Err(err).Str("user", userID).Msg("Failed to delete user presence from cache.")
	}
}

// publishPresence records conn as the user's live connection on this
// instance. Called on connect and by every sweep to keep the entry's TTL
// from lapsing.
func (r *Relay) publishPresence(ctx context.Context, conn *Connection) error {
	if r.deps.Presence == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.OperationTimeout)
	defer cancel()
	info := relay.ConnectionInfo{
		ServerInstanceID: r.instanceID,
		Role:             conn.Role(),
		ConnectedAt:      conn.connectedAt.Unix(),
	}
	if err := r.deps.Presence.Set(ctx, conn.UserID(), info); err != nil {
		metrics.CollaboratorFailures.WithLabelValues("presence_set").Inc()
		return err
	}
	return nil
}

// owns reports whether conn is the user's registered connection.
func (r *Relay) owns(conn *Connection) bool {
	userID := conn.UserID()
	if userID == "" {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.registry[userID] == conn
}

// register inserts an identified connection, returning the connection it
// superseded. It reports false if conn was closed while being identified.
func (r *Relay) register(conn *Connection) (*Connection, bool) {
	userID := conn.UserID()

	r.mu.Lock()
	defer r.mu.Unlock()
	if conn.closed.Load() {
		return nil, false
	}
	prev := r.registry[userID]
	r.registry[userID] = conn
	if prev == nil {
		metrics.IdentifiedUsers.Inc()
	}
	return prev, true
}

// deliver writes env to conn. A failed write destroys the connection.
func (r *Relay) deliver(conn *Connection, env relay.Envelope) bool {
	if err := conn.send(env); err != nil {
		if !conn.closed.Load() {
			metrics.EvictedConnections.WithLabelValues("send_failure").Inc()
			r.logger.Warn().Err(err).Str("conn", conn.id).Str("user", conn.UserID()).Str("type", env.Type).Msg("Send failed, dropping connection.")
		}
		r.CloseTransport(conn)
		return false
	}
	return true
}

// SendToUser pushes env to the user's live connection. It reports whether a
// live connection was found and written to; nothing is queued.
func (r *Relay) SendToUser(userID string, env relay.Envelope) bool {
	r.mu.RLock()
	conn := r.registry[userID]
	r.mu.RUnlock()
	if conn == nil {
		return false
	}
	return r.deliver(conn, env)
}

// BroadcastToRole pushes env to every registered connection with the given
// role and returns how many writes succeeded.
func (r *Relay) BroadcastToRole(role string, env relay.Envelope) int {
	return r.fanOut(env, func(c *Connection) bool { return c.Role() == role })
}

// Broadcast pushes env to every registered connection.
func (r *Relay) Broadcast(env relay.Envelope) int {
	return r.fanOut(env, func(*Connection) bool { return true })
}

func (r *Relay) fanOut(env relay.Envelope, match func(*Connection) bool) int {
	r.mu.RLock()
	targets := make([]*Connection, 0, len(r.registry))
	for _, c := range r.registry {
		if match(c) {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		if r.deliver(c, env) {
			sent++
		}
	}
	return sent
}

// IsUserOnline reports whether the user has a registered connection here.
func (r *Relay) IsUserOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.registry[userID]
	return ok
}

// OnlineUsers lists the registered user IDs in sorted order.
func (r *Relay) OnlineUsers() []string {
	r.mu.RLock()
	users := make([]string, 0, len(r.registry))
	for id := range r.registry {
		users = append(users, id)
	}
	r.mu.RUnlock()
	sort.Strings(users)
	return users
}

// Stats counts open transports and registered users.
func (r *Relay) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{Transports: len(r.transports), Users: len(r.registry)}
}

func (r *Relay) snapshotTransports() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]*Connection, 0, len(r.transports))
	for c := range r.transports {
		conns = append(conns, c)
	}
	return conns
}
