package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/adred-codev/connhub/internal/hub"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nullTransport struct{}

func (nullTransport) Send(data []byte) error { return nil }

func (nullTransport) Close(code hub.CloseCode, reason string) error { return nil }

func testServer(t *testing.T, maxConnections int) (*Server, *hub.Gateway) {
	t.Helper()
	cfg := hub.Config{
		Addr:                  ":0",
		MaxConnections:        maxConnections,
		BackpressureThreshold: 0.8,
		IdleTimeout:           time.Minute,
		CleanupInterval:       30 * time.Second,
		HeartbeatInterval:     15 * time.Second,
		MemoryLimitPerConnMB:  10,
		EventTypes:            []string{"system"},
		MessageRate:           10,
		MessageBurst:          100,
		WriteTimeout:          time.Second,
		LogLevel:              "error",
		LogFormat:             "json",
	}
	gw := hub.NewGateway(cfg, zerolog.Nop(), nil)
	return New(cfg, zerolog.Nop(), gw, nil), gw
}

func TestHealthHealthy(t *testing.T) {
	srv, gw := testServer(t, 5)
	gw.Accept(nullTransport{}, "c1")

	rec := httptest.NewRecorder()
	srv.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, 1, resp.Hub.ActiveConnections)
	assert.Equal(t, 5, resp.Hub.MaxConnections)
}

func TestHealthDegradedUnderBackpressure(t *testing.T) {
	srv, gw := testServer(t, 5)
	for _, id := range []string{"a", "b", "c", "d"} {
		gw.Accept(nullTransport{}, id)
	}

	rec := httptest.NewRecorder()
	srv.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.True(t, resp.Hub.BackpressureActive)
}

func TestWebSocketRefusedDuringShutdown(t *testing.T) {
	srv, _ := testServer(t, 5)
	srv.shuttingDown = 1

	rec := httptest.NewRecorder()
	srv.handleWebSocket(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
