package realtime

import (
	"context"
	"time"

	"github.com/tinywideclouds/go-presence-relay/internal/metrics"
)

// runSweep probes every open transport once per sweep interval until ctx or
// the relay is stopped.
func (r *Relay) runSweep(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.baseCtx.Done():
			return
		case <-ticker.C:
			if n := r.sweepOnce(); n > 0 {
				r.logger.Info().Int("evicted", n).Msg("Liveness sweep evicted connections.")
			}
		}
	}
}

// sweepOnce terminates transports that did not answer the previous ping and
// pings the rest. Unidentified transports are swept too. Presence entries of
// surviving registered users are refreshed.
func (r *Relay) sweepOnce() int {
	evicted := 0
	for _, conn := range r.snapshotTransports() {
		if !conn.alive.Load() {
			metrics.EvictedConnections.WithLabelValues("unresponsive").Inc()
			r.logger.Warn().Str("conn", conn.id).Str("user", conn.UserID()).Msg("Connection unresponsive, terminating.")
			r.CloseTransport(conn)
			evicted++
			continue
		}
		conn.alive.Store(false)
		if err := conn.ping(); err != nil {
			metrics.EvictedConnections.WithLabelValues("ping_failure").Inc()
			r.logger.Warn().Err(err).Str("conn", conn.id).Msg("Ping failed, terminating.")
			r.CloseTransport(conn)
			evicted++
			continue
		}
		if r.owns(conn) {
			if err := r.publishPresence(r.baseCtx, conn); err != nil {
				r.logger.Error().Err(err).Str("user", conn.UserID()).Msg("Failed to refresh user presence.")
			}
		}
	}
	return evicted
}
