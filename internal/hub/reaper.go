package hub

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
)

// IdleReaper periodically scans for connections with no traffic in either
// direction for longer than the idle timeout and closes them with a
// one-cycle grace period: the first sweep that finds a connection idle
// sends a warning, the next sweep that still finds it idle closes it. Any
// activity in between clears the warning via Touch.
type IdleReaper struct {
	ledger   *Ledger
	gw       *Gateway
	interval time.Duration
	logger   zerolog.Logger
}

// Run ticks until ctx is cancelled. Cancellation is checked between
// sweeps, never mid-sweep, so a sweep always completes or never starts.
func (r *IdleReaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("Idle reaper stopped")
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *IdleReaper) sweep() {
	candidates := r.ledger.IdleCandidates()
	if len(candidates) == 0 {
		return
	}

	warned, closed := 0, 0
	for _, cand := range candidates {
		if !cand.WarningSent {
			// Grace period: warn now, close on the next sweep if
			// still idle. The warning itself is control traffic
			// and does not count as activity.
			warning, err := json.Marshal(idleTimeoutWarning{
				Type:             "idle_timeout_warning",
				Timestamp:        nowMillis(),
				IdleSeconds:      cand.IdleFor.Seconds(),
				SecondsUntilDrop: r.interval.Seconds(),
			})
			if err != nil {
				continue
			}
			if err := cand.Transport.Send(warning); err != nil {
				r.gw.removeFailed(cand.ClientID, err)
				continue
			}
			r.ledger.MarkIdleWarning(cand.ClientID)
			warned++

			r.logger.Debug().
				Str("client_id", cand.ClientID).
				Dur("idle_for", cand.IdleFor).
				Msg("Idle warning sent")
			continue
		}

		// Still idle after a full grace cycle. The connection may have
		// left between the candidate snapshot and the close; count only
		// when the disconnect actually removed it.
		if r.gw.Disconnect(cand.ClientID, CloseNormal, "idle timeout") {
			r.ledger.RecordIdleTimeout()
			closed++
		}
	}

	r.logger.Info().
		Int("candidates", len(candidates)).
		Int("warned", warned).
		Int("closed", closed).
		Msg("Idle sweep complete")
}
