package hub

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adred-codev/connhub/internal/monitoring"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// AcceptOutcome is the result of an admission attempt. Rejection is a
// value, never an error: the caller always gets a decision.
type AcceptOutcome struct {
	Accepted bool
	ClientID string
	Reason   string
}

// Gateway is the public entry and exit point of the hub: it admits or
// rejects connections, dispatches inbound messages, disconnects clients and
// drives the graceful shutdown. It owns the two background loops and the
// broadcast router.
type Gateway struct {
	cfg       Config
	logger    zerolog.Logger
	ledger    *Ledger
	router    *BroadcastRouter
	reaper    *IdleReaper
	heartbeat *HeartbeatMonitor

	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shuttingDown int32
}

// NewGateway wires a ledger, broadcast router and both background loops.
// A nil estimator selects the fixed baseline.
func NewGateway(cfg Config, logger zerolog.Logger, estimator MemoryEstimator) *Gateway {
	if estimator == nil {
		estimator = NewFixedEstimator(0)
	}
	gw := &Gateway{
		cfg:    cfg,
		logger: logger.With().Str("component", "gateway").Logger(),
		ledger: NewLedger(cfg, logger),
	}
	gw.router = &BroadcastRouter{
		ledger: gw.ledger,
		gw:     gw,
		logger: logger.With().Str("component", "broadcast").Logger(),
	}
	gw.reaper = &IdleReaper{
		ledger:   gw.ledger,
		gw:       gw,
		interval: cfg.CleanupInterval,
		logger:   logger.With().Str("component", "idle_reaper").Logger(),
	}
	gw.heartbeat = &HeartbeatMonitor{
		ledger:    gw.ledger,
		gw:        gw,
		estimator: estimator,
		interval:  cfg.HeartbeatInterval,
		logger:    logger.With().Str("component", "heartbeat").Logger(),
	}
	return gw
}

// Ledger exposes the connection table for collaborators and handlers.
func (g *Gateway) Ledger() *Ledger { return g.ledger }

// Router exposes broadcast fan-out for external event sources.
func (g *Gateway) Router() *BroadcastRouter { return g.router }

// Start launches the idle reaper and heartbeat monitor. Both stop when
// Shutdown is called or ctx is cancelled.
func (g *Gateway) Start(ctx context.Context) {
	ctx, g.cancel = context.WithCancel(ctx)

	g.wg.Add(2)
	go func() {
		defer g.wg.Done()
		defer monitoring.RecoverPanic(g.logger, "idle_reaper", nil)
		g.reaper.Run(ctx)
	}()
	go func() {
		defer g.wg.Done()
		defer monitoring.RecoverPanic(g.logger, "heartbeat_monitor", nil)
		g.heartbeat.Run(ctx)
	}()

	g.logger.Info().
		Dur("cleanup_interval", g.cfg.CleanupInterval).
		Dur("heartbeat_interval", g.cfg.HeartbeatInterval).
		Msg("Background loops started")
}

// Accept admits or rejects a new transport connection.
//
// A rejected transport is closed with 1013 and a human-readable reason
// before teardown, never silently dropped. On admission the client gets a
// welcome message carrying its assigned id and a fresh metrics snapshot;
// when admission happened in the backpressure band, every connection is
// additionally told that headroom is degraded.
func (g *Gateway) Accept(tr Transport, clientID string) AcceptOutcome {
	if atomic.LoadInt32(&g.shuttingDown) == 1 {
		tr.Close(CloseGoingAway, "server shutting down")
		return AcceptOutcome{Reason: "server shutting down"}
	}

	if clientID == "" {
		clientID = uuid.NewString()
	}

	// Admission and registration are one ledger critical section, so the
	// hard limit holds under concurrent accepts.
	_, reason, admitted := g.ledger.Admit(tr, clientID)
	if !admitted {
		g.logger.Warn().
			Str("reason", reason).
			Msg("Connection rejected")
		if err := tr.Close(CloseTryAgainLater, reason); err != nil {
			g.logger.Debug().Err(err).Msg("Close after rejection failed")
		}
		return AcceptOutcome{Reason: reason}
	}

	welcome := welcomeMessage{
		Type:         "connection",
		ClientID:     clientID,
		Timestamp:    nowMillis(),
		ResourceInfo: g.ledger.Metrics(),
	}
	if !g.send(clientID, tr, welcome) {
		// The connection broke before the welcome went out; it was
		// already unregistered. Report the admission that happened.
		return AcceptOutcome{Accepted: true, ClientID: clientID, Reason: reason}
	}

	backpressure := strings.HasPrefix(reason, "backpressure")
	g.logger.Info().
		Str("client_id", clientID).
		Str("admission", reason).
		Int("active", g.ledger.ActiveCount()).
		Msg("Connection accepted")

	if backpressure {
		snap := g.ledger.Metrics()
		alert := backpressureAlert{
			Type:        "backpressure_active",
			Timestamp:   nowMillis(),
			Active:      snap.ActiveConnections,
			Max:         snap.MaxConnections,
			Utilization: snap.Utilization,
		}
		if data, err := json.Marshal(alert); err == nil {
			g.router.SendToAll(data)
		}
	}

	return AcceptOutcome{Accepted: true, ClientID: clientID, Reason: reason}
}

// Disconnect sends a best-effort close frame and removes the connection.
// Transport failures are swallowed: the connection is going away regardless.
// Reports whether a record was actually removed, so callers racing another
// disconnect path can tell which one won.
func (g *Gateway) Disconnect(clientID string, code CloseCode, reason string) bool {
	tr, _ := g.ledger.TransportOf(clientID)
	rec, ok := g.ledger.Unregister(clientID)
	if !ok {
		return false
	}
	if tr != nil {
		if err := tr.Close(code, reason); err != nil {
			g.logger.Debug().
				Err(err).
				Str("client_id", clientID).
				Msg("Close frame failed during disconnect")
		}
	}
	g.logger.Info().
		Str("client_id", clientID).
		Uint16("code", uint16(code)).
		Str("reason", reason).
		Dur("connection_duration", time.Since(rec.ConnectedAt)).
		Int64("messages_sent", rec.MessagesSent).
		Int64("messages_received", rec.MessagesReceived).
		Msg("Client disconnected")
	return true
}

// DispatchInbound routes one client message by its type tag. Unknown
// clients and unknown types are logged, never fatal; a malformed message
// leaves the connection open.
func (g *Gateway) DispatchInbound(clientID string, data []byte) {
	if !g.ledger.Touch(clientID, DirReceived) {
		// Message from an already-removed connection: expected race
		// with disconnect, not an error.
		g.logger.Debug().
			Str("client_id", clientID).
			Msg("Inbound message from unknown connection")
		return
	}

	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		g.logger.Warn().
			Str("client_id", clientID).
			Err(err).
			Msg("Client sent invalid JSON")
		return
	}

	switch parseInboundKind(msg.Type) {
	case kindSubscribe:
		g.handleSubscribe(clientID, msg.Events)

	case kindPing:
		rec, ok := g.ledger.Lookup(clientID)
		if !ok {
			return
		}
		g.reply(clientID, pongMessage{
			Type:              "pong",
			Timestamp:         nowMillis(),
			ConnectionMetrics: newConnectionMetrics(rec, time.Now()),
		})

	case kindRequestStatus:
		rec, ok := g.ledger.Lookup(clientID)
		if !ok {
			return
		}
		g.reply(clientID, statusResponse{
			Type:       "status_response",
			Timestamp:  nowMillis(),
			Hub:        g.ledger.Metrics(),
			Connection: newConnectionMetrics(rec, time.Now()),
		})

	case kindHeartbeatResponse:
		// Activity already recorded by the touch above.

	case kindUnknown:
		g.logger.Warn().
			Str("client_id", clientID).
			Str("message_type", msg.Type).
			Msg("Client sent unknown message type")
	}
}

func (g *Gateway) handleSubscribe(clientID string, events []string) {
	valid := make([]string, 0, len(events))
	var dropped []string
	for _, tag := range events {
		if g.cfg.KnownEventType(tag) {
			valid = append(valid, tag)
		} else {
			dropped = append(dropped, tag)
		}
	}
	if len(dropped) > 0 {
		g.logger.Warn().
			Str("client_id", clientID).
			Strs("invalid_events", dropped).
			Msg("Dropping unknown event types from subscribe request")
	}

	subs, ok := g.ledger.ReplaceSubscriptions(clientID, valid)
	if !ok {
		return
	}
	g.logger.Info().
		Str("client_id", clientID).
		Strs("subscriptions", subs).
		Msg("Client subscriptions replaced")

	g.reply(clientID, subscriptionUpdate{
		Type:          "subscription_update",
		Timestamp:     nowMillis(),
		Subscriptions: subs,
		Dropped:       dropped,
	})
}

// Shutdown stops both background loops, notifies every client and clears
// the ledger. Individual send/close failures never abort the sweep; they
// are collected and logged.
func (g *Gateway) Shutdown() {
	atomic.StoreInt32(&g.shuttingDown, 1)
	g.logger.Info().
		Int("active", g.ledger.ActiveCount()).
		Msg("Gateway shutting down")

	if g.cancel != nil {
		g.cancel()
	}
	g.wg.Wait()

	notice, _ := json.Marshal(systemShutdown{
		Type:      "system_shutdown",
		Timestamp: nowMillis(),
		Message:   "server is shutting down",
	})

	failures := 0
	for _, m := range g.ledger.Snapshot() {
		if err := m.Transport.Send(notice); err != nil {
			failures++
			g.logger.Debug().
				Err(err).
				Str("client_id", m.ClientID).
				Msg("Shutdown notice failed")
		}
		if err := m.Transport.Close(CloseGoingAway, "server shutting down"); err != nil {
			failures++
			g.logger.Debug().
				Err(err).
				Str("client_id", m.ClientID).
				Msg("Close failed during shutdown")
		}
	}
	g.ledger.Clear()

	g.logger.Info().
		Int("send_or_close_failures", failures).
		Msg("Gateway shutdown complete")
}

// reply marshals and sends a dispatch response, recording outbound
// activity. Send failures remove the connection.
func (g *Gateway) reply(clientID string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		g.logger.Error().Err(err).Str("client_id", clientID).Msg("Failed to marshal reply")
		return
	}
	tr, ok := g.ledger.TransportOf(clientID)
	if !ok {
		return
	}
	g.send(clientID, tr, data)
}

// send delivers raw or marshalable data on the transport. A failed send is
// a transport failure: contained to this connection and converted into an
// unregister. Reports whether the send succeeded.
func (g *Gateway) send(clientID string, tr Transport, v any) bool {
	data, ok := v.([]byte)
	if !ok {
		marshaled, err := json.Marshal(v)
		if err != nil {
			g.logger.Error().Err(err).Str("client_id", clientID).Msg("Failed to marshal message")
			return false
		}
		data = marshaled
	}
	if err := tr.Send(data); err != nil {
		g.removeFailed(clientID, err)
		return false
	}
	g.ledger.Touch(clientID, DirSent)
	return true
}

// removeFailed drops a connection whose transport broke. The close is best
// effort; the socket is usually already dead.
func (g *Gateway) removeFailed(clientID string, cause error) {
	tr, _ := g.ledger.TransportOf(clientID)
	if _, ok := g.ledger.Unregister(clientID); !ok {
		return
	}
	if tr != nil {
		tr.Close(CloseGoingAway, "transport failure")
	}
	monitoring.TransportFailures.Inc()
	g.logger.Warn().
		Err(cause).
		Str("client_id", clientID).
		Msg("Connection removed after transport failure")
}
