package hub

import (
	"encoding/json"
	"time"
)

// Inbound message kinds. The set is closed: dispatchInbound switches over
// every kind so adding one here forces the dispatch path to handle it.
type inboundKind int

const (
	kindUnknown inboundKind = iota
	kindSubscribe
	kindPing
	kindRequestStatus
	kindHeartbeatResponse
)

func parseInboundKind(s string) inboundKind {
	switch s {
	case "subscribe":
		return kindSubscribe
	case "ping":
		return kindPing
	case "request_status":
		return kindRequestStatus
	case "heartbeat_response":
		return kindHeartbeatResponse
	default:
		return kindUnknown
	}
}

// inboundMessage is the client-to-server envelope.
type inboundMessage struct {
	Type   string   `json:"type"`
	Events []string `json:"events,omitempty"`
}

// connectionMetrics reports one connection's own counters in pong and
// status replies.
type connectionMetrics struct {
	ClientID         string   `json:"client_id"`
	MessagesSent     int64    `json:"messages_sent"`
	MessagesReceived int64    `json:"messages_received"`
	ConnectedSeconds float64  `json:"connected_seconds"`
	MemoryEstimateMB float64  `json:"memory_estimate_mb"`
	Subscriptions    []string `json:"subscriptions"`
}

func newConnectionMetrics(rec Record, now time.Time) connectionMetrics {
	return connectionMetrics{
		ClientID:         rec.ClientID,
		MessagesSent:     rec.MessagesSent,
		MessagesReceived: rec.MessagesReceived,
		ConnectedSeconds: now.Sub(rec.ConnectedAt).Seconds(),
		MemoryEstimateMB: rec.MemoryEstimateMB,
		Subscriptions:    rec.SubscriptionList(),
	}
}

// Server-to-client messages. Each is a small dedicated struct; the Type
// field carries the wire tag.

type welcomeMessage struct {
	Type         string          `json:"type"` // "connection"
	ClientID     string          `json:"client_id"`
	Timestamp    int64           `json:"timestamp"`
	ResourceInfo MetricsSnapshot `json:"resource_info"`
}

type heartbeatMessage struct {
	Type      string `json:"type"` // "heartbeat"
	Timestamp int64  `json:"timestamp"`
}

type pongMessage struct {
	Type              string            `json:"type"` // "pong"
	Timestamp         int64             `json:"timestamp"`
	ConnectionMetrics connectionMetrics `json:"connection_metrics"`
}

type statusResponse struct {
	Type       string            `json:"type"` // "status_response"
	Timestamp  int64             `json:"timestamp"`
	Hub        MetricsSnapshot   `json:"hub"`
	Connection connectionMetrics `json:"connection"`
}

type subscriptionUpdate struct {
	Type          string   `json:"type"` // "subscription_update"
	Timestamp     int64    `json:"timestamp"`
	Subscriptions []string `json:"subscriptions"`
	Dropped       []string `json:"dropped,omitempty"`
}

type idleTimeoutWarning struct {
	Type             string  `json:"type"` // "idle_timeout_warning"
	Timestamp        int64   `json:"timestamp"`
	IdleSeconds      float64 `json:"idle_seconds"`
	SecondsUntilDrop float64 `json:"seconds_until_close"`
}

type systemShutdown struct {
	Type      string `json:"type"` // "system_shutdown"
	Timestamp int64  `json:"timestamp"`
	Message   string `json:"message"`
}

type backpressureAlert struct {
	Type        string  `json:"type"` // "backpressure_active"
	Timestamp   int64   `json:"timestamp"`
	Active      int     `json:"active_connections"`
	Max         int     `json:"max_connections"`
	Utilization float64 `json:"utilization"`
}

// eventEnvelope wraps an application broadcast: opaque payload plus a
// server-assigned timestamp.
type eventEnvelope struct {
	Type      string          `json:"type"` // "event"
	EventType string          `json:"event_type"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
