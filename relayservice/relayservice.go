/*
File: relayservice/relayservice.go
Description: Service wrapper that owns the REST server and routes
requests into the relay and its collaborators.
*/
package relayservice

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-presence-relay/internal/api"
	"github.com/tinywideclouds/go-presence-relay/internal/metrics"
	"github.com/tinywideclouds/go-presence-relay/internal/realtime"
	"github.com/tinywideclouds/go-presence-relay/pkg/relay"
	"github.com/tinywideclouds/go-presence-relay/relayservice/config"
)

// RelayHub is what the service needs from the realtime relay.
type RelayHub interface {
	api.Hub
	Stats() realtime.Stats
	InstanceID() string
}

// Wrapper owns the API http.Server and its handlers.
type Wrapper struct {
	server     *http.Server
	apiHandler *api.API
	hub        RelayHub
	logger     zerolog.Logger
	ready      atomic.Bool
	listenAddr atomic.Value
}

type healthResponse struct {
	Status     string `json:"status"`
	InstanceID string `json:"instance_id"`
	Transports int    `json:"transports"`
	Users      int    `json:"users"`
}

// New creates and wires up the REST side of the relay service.
func New(
	cfg *config.AppConfig,
	deps relay.Dependencies,
	hub RelayHub,
	logger zerolog.Logger,
) (*Wrapper, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if hub == nil {
		return nil, errors.New("relay hub is required")
	}
	if deps.Messages == nil {
		return nil, errors.New("message store is required")
	}

	apiHandler := api.NewAPI(
		hub,
		deps.Messages,
		deps.Notifier,
		logger.With().Str("component", "API").Logger(),
	)

	w := &Wrapper{
		apiHandler: apiHandler,
		hub:        hub,
		logger:     logger,
	}

	mux := http.NewServeMux()
	mux.Handle("POST /api/messages", api.RequireUser(http.HandlerFunc(apiHandler.SendMessageHandler)))
	mux.Handle("GET /api/messages", api.RequireUser(http.HandlerFunc(apiHandler.ConversationHandler)))
	mux.Handle("POST /api/messages/{id}/read", api.RequireUser(http.HandlerFunc(apiHandler.MarkReadHandler)))
	mux.HandleFunc("GET /api/presence", apiHandler.OnlineUsersHandler)
	mux.HandleFunc("GET /api/presence/{userId}", apiHandler.PresenceHandler)
	mux.HandleFunc("POST /api/broadcast", apiHandler.BroadcastHandler)
	mux.HandleFunc("GET /healthz", w.healthHandler)
	mux.Handle("GET /metrics", metrics.Handler())

	w.server = &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           corsMiddleware(cfg.CorsConfig.AllowedOrigins, mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return w, nil
}

// Handler exposes the routed handler, mainly for tests.
func (w *Wrapper) Handler() http.Handler {
	return w.server.Handler
}

// Addr returns the bound listen address once Start has opened the listener.
func (w *Wrapper) Addr() string {
	if v, ok := w.listenAddr.Load().(string); ok {
		return v
	}
	return ""
}

// Ready reports whether the listener is accepting connections.
func (w *Wrapper) Ready() bool {
	return w.ready.Load()
}

// Start opens the listener and serves until Shutdown is called.
func (w *Wrapper) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", w.server.Addr)
	if err != nil {
		return fmt.Errorf("HTTP server failed to start: %w", err)
	}
	w.listenAddr.Store(ln.Addr().String())
	w.ready.Store(true)
	w.logger.Info().Str("addr", ln.Addr().String()).Msg("HTTP listener is active.")

	w.server.BaseContext = func(net.Listener) context.Context { return ctx }
	if err := w.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		w.ready.Store(false)
		return err
	}
	return nil
}

// Shutdown stops the HTTP server, then waits for background API tasks.
func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info().Msg("Shutting down service components...")
	w.ready.Store(false)

	var finalErr error
	if err := w.server.Shutdown(ctx); err != nil {
		w.logger.Error().Err(err).Msg("HTTP server shutdown failed.")
		finalErr = err
	}
	w.apiHandler.Wait()

	w.logger.Info().Msg("All components shut down.")
	return finalErr
}

func (w *Wrapper) healthHandler(rw http.ResponseWriter, _ *http.Request) {
	stats := w.hub.Stats()
	status := "ok"
	code := http.StatusOK
	if !w.Ready() {
		status = "starting"
		code = http.StatusServiceUnavailable
	}
	api.WriteJSON(rw, code, healthResponse{
		Status:     status,
		InstanceID: w.hub.InstanceID(),
		Transports: stats.Transports,
		Users:      stats.Users,
	})
}

// corsMiddleware answers preflight requests and tags responses for the
// configured origins. An empty list disables CORS headers entirely.
func corsMiddleware(allowed []string, next http.Handler) http.Handler {
	if len(allowed) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (slices.Contains(allowed, "*") || slices.Contains(allowed, origin)) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+api.UserIDHeader)
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
