package hub

import (
	"context"
	"encoding/json"
	"time"

	"github.com/adred-codev/connhub/internal/monitoring"
	"github.com/rs/zerolog"
)

// HeartbeatMonitor proves liveness of every open connection on a fixed
// period and prunes the ones whose transport has silently died. A single
// failed probe is fatal: no retry. The monitor also recomputes each
// connection's memory estimate during the sweep.
//
// Heartbeat failures are independent of idle reaping; a connection can be
// removed by either loop, whichever notices first.
type HeartbeatMonitor struct {
	ledger    *Ledger
	gw        *Gateway
	estimator MemoryEstimator
	interval  time.Duration
	logger    zerolog.Logger
}

// Run ticks until ctx is cancelled; cancellation is only checked between
// sweeps.
func (h *HeartbeatMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info().Msg("Heartbeat monitor stopped")
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

// sendFailure records one broken connection found during a sweep so it can
// be pruned after iteration finishes.
type sendFailure struct {
	clientID string
	err      error
}

func (h *HeartbeatMonitor) sweep() {
	members := h.ledger.Snapshot()
	if len(members) == 0 {
		return
	}

	// One probe payload for the whole sweep; the timestamp marks the
	// sweep, not the individual send.
	probe, err := json.Marshal(heartbeatMessage{
		Type:      "heartbeat",
		Timestamp: nowMillis(),
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal heartbeat probe")
		return
	}

	var failed []sendFailure
	for _, m := range members {
		if err := m.Transport.Send(probe); err != nil {
			failed = append(failed, sendFailure{clientID: m.ClientID, err: err})
			continue
		}

		est := h.estimator.EstimateMB(m.ClientID)
		if violation := h.ledger.UpdateMemoryEstimate(m.ClientID, est); violation {
			h.logger.Warn().
				Str("client_id", m.ClientID).
				Float64("estimate_mb", est).
				Float64("limit_mb", h.ledger.cfg.MemoryLimitPerConnMB).
				Msg("Connection memory estimate exceeds limit")
		}
	}

	// Prune after the sweep so one dead connection never delays probes
	// to the rest.
	for _, f := range failed {
		monitoring.HeartbeatFailures.Inc()
		h.gw.removeFailed(f.clientID, f.err)
	}

	if len(failed) > 0 {
		h.logger.Warn().
			Int("probed", len(members)).
			Int("failed", len(failed)).
			Msg("Heartbeat sweep pruned dead connections")
	} else {
		h.logger.Debug().
			Int("probed", len(members)).
			Msg("Heartbeat sweep complete")
	}
}
