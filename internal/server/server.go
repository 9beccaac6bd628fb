// Package server exposes the hub over HTTP: WebSocket upgrades on /ws,
// liveness on /health and Prometheus metrics on /metrics.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/adred-codev/connhub/internal/hub"
	"github.com/adred-codev/connhub/internal/monitoring"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Server owns the HTTP listener and the per-connection read pumps.
type Server struct {
	cfg     hub.Config
	logger  zerolog.Logger
	gw      *hub.Gateway
	sampler *monitoring.ProcessSampler

	listener     net.Listener
	httpServer   *http.Server
	shuttingDown int32
}

// New builds the server around an already-constructed gateway. The sampler
// is optional; without it /health omits process stats.
func New(cfg hub.Config, logger zerolog.Logger, gw *hub.Gateway, sampler *monitoring.ProcessSampler) *Server {
	s := &Server{
		cfg:     cfg,
		logger:  logger.With().Str("component", "server").Logger(),
		gw:      gw,
		sampler: sampler,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/metrics", monitoring.HandleMetrics)

	s.httpServer = &http.Server{
		Handler:        mux,
		ReadTimeout:    10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return s
}

// Start begins serving. Returns once the listener is bound; the accept
// loop runs in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = listener

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("HTTP serve loop error")
		}
	}()

	s.logger.Info().Str("addr", s.cfg.Addr).Msg("Server listening")
	return nil
}

// Shutdown stops accepting new connections and closes the HTTP server.
// Hijacked WebSocket connections are torn down by the gateway's own
// shutdown, not here.
func (s *Server) Shutdown(ctx context.Context) error {
	atomic.StoreInt32(&s.shuttingDown, 1)
	return s.httpServer.Shutdown(ctx)
}

// handleWebSocket upgrades the connection and hands it to the gateway. The
// admission decision happens after the handshake so a rejected client
// receives a close frame with code 1013 and a readable reason, never a
// silent drop.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&s.shuttingDown) == 1 {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn().
			Err(err).
			Str("remote_addr", r.RemoteAddr).
			Msg("WebSocket upgrade failed")
		return
	}

	tr := hub.NewWSTransport(conn, s.cfg.WriteTimeout)
	outcome := s.gw.Accept(tr, r.URL.Query().Get("client_id"))
	if !outcome.Accepted {
		// Accept already closed the transport with the rejection
		// reason.
		return
	}

	go s.readPump(outcome.ClientID, conn)
}

// readPump reads frames from one connection and dispatches them until the
// peer goes away. Inbound flooding is throttled with a per-client token
// bucket; rate-limited messages are dropped with an error reply, the
// connection stays open.
func (s *Server) readPump(clientID string, conn net.Conn) {
	defer monitoring.RecoverPanic(s.logger, "read_pump", map[string]any{
		"client_id": clientID,
	})

	limiter := rate.NewLimiter(rate.Limit(s.cfg.MessageRate), s.cfg.MessageBurst)
	errorReply, _ := json.Marshal(map[string]any{
		"type":    "error",
		"code":    "RATE_LIMIT_EXCEEDED",
		"message": fmt.Sprintf("Too many messages, please slow down (limit: %g/sec)", s.cfg.MessageRate),
	})

	for {
		msg, op, err := wsutil.ReadClientData(conn)
		if err != nil {
			s.gw.Disconnect(clientID, hub.CloseNormal, "connection closed")
			return
		}

		switch op {
		case ws.OpText:
			if !limiter.Allow() {
				monitoring.RateLimitedMessages.Inc()
				s.logger.Warn().
					Str("client_id", clientID).
					Msg("Client rate limited")
				if tr, ok := s.gw.Ledger().TransportOf(clientID); ok {
					tr.Send(errorReply)
				}
				continue
			}
			s.gw.DispatchInbound(clientID, msg)

		case ws.OpClose:
			s.gw.Disconnect(clientID, hub.CloseNormal, "client closed connection")
			return
		}
	}
}

type healthResponse struct {
	Status      string              `json:"status"`
	Hub         hub.MetricsSnapshot `json:"hub"`
	MemoryMB    float64             `json:"process_memory_mb,omitempty"`
	CPUPercent  float64             `json:"process_cpu_percent,omitempty"`
	Goroutines  int                 `json:"goroutines,omitempty"`
	GeneratedAt time.Time           `json:"generated_at"`
}

// handleHealth reports healthy or degraded. Degraded means the hub still
// works but headroom is gone: the backpressure signal is active or the
// table is at capacity.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.gw.Ledger().Metrics()

	status := "healthy"
	if snap.BackpressureActive || snap.ActiveConnections >= snap.MaxConnections {
		status = "degraded"
	}

	resp := healthResponse{
		Status:      status,
		Hub:         snap,
		GeneratedAt: time.Now(),
	}
	if s.sampler != nil {
		sample := s.sampler.Current()
		resp.MemoryMB = sample.MemoryMB
		resp.CPUPercent = sample.CPUPercent
		resp.Goroutines = sample.Goroutines
	}

	w.Header().Set("Content-Type", "application/json")
	if status != "healthy" {
		w.WriteHeader(http.StatusTooManyRequests)
	}
	json.NewEncoder(w).Encode(resp)
}
