package hub

import (
	"encoding/json"

	"github.com/adred-codev/connhub/internal/monitoring"
	"github.com/rs/zerolog"
)

// BroadcastRouter fans one event out to every connection whose
// subscriptions include its type. Per-recipient failures are isolated: a
// broken connection is removed from the ledger as a side effect and never
// prevents delivery to the rest.
type BroadcastRouter struct {
	ledger *Ledger
	gw     *Gateway
	logger zerolog.Logger
}

// Broadcast wraps payload in an event envelope with a server-assigned
// timestamp and delivers it to all subscribed connections. An empty
// eventType delivers to everyone. Returns the number of successful
// deliveries; it never returns a per-connection error.
func (b *BroadcastRouter) Broadcast(eventType string, payload []byte) int {
	members := b.ledger.Snapshot()
	if len(members) == 0 {
		return 0
	}

	// Serialize once for all recipients.
	data, err := json.Marshal(eventEnvelope{
		Type:      "event",
		EventType: eventType,
		Timestamp: nowMillis(),
		Payload:   json.RawMessage(payload),
	})
	if err != nil {
		b.logger.Error().
			Err(err).
			Str("event_type", eventType).
			Msg("Failed to serialize broadcast envelope")
		return 0
	}

	monitoring.BroadcastsTotal.Inc()
	delivered := b.fanOut(members, data, eventType)

	b.logger.Debug().
		Str("event_type", eventType).
		Int("recipients", len(members)).
		Int("delivered", delivered).
		Msg("Broadcast complete")
	return delivered
}

// SendToAll delivers a pre-serialized system message to every connection,
// ignoring subscription filters. Used for hub-level alerts.
func (b *BroadcastRouter) SendToAll(data []byte) int {
	return b.fanOut(b.ledger.Snapshot(), data, "")
}

func (b *BroadcastRouter) fanOut(members []Member, data []byte, eventType string) int {
	delivered := 0
	var failed []sendFailure
	for _, m := range members {
		if eventType != "" && !m.Subscribed(eventType) {
			continue
		}
		if err := m.Transport.Send(data); err != nil {
			failed = append(failed, sendFailure{clientID: m.ClientID, err: err})
			continue
		}
		b.ledger.Touch(m.ClientID, DirSent)
		delivered++
	}

	for _, f := range failed {
		monitoring.BroadcastFailures.Inc()
		b.gw.removeFailed(f.clientID, f.err)
	}
	return delivered
}
