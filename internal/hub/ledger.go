package hub

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/adred-codev/connhub/internal/monitoring"
	"github.com/rs/zerolog"
)

// Ledger is the authoritative in-memory table of active connections and
// their derived metrics. It owns admission decisions, activity tracking and
// all counters. Every mutation of the table goes through a Ledger method;
// the background loops and the broadcast router only ever iterate snapshots.
//
// Go schedules goroutines preemptively, so unlike a cooperative event loop
// the table and counters must be guarded by a mutex. No transport I/O ever
// happens while the lock is held.
type Ledger struct {
	cfg    Config
	logger zerolog.Logger

	mu    sync.Mutex
	conns map[string]*entry

	totalEver        int64
	rejected         int64
	idleTimeouts     int64
	memoryViolations int64

	// Injectable clock for deterministic idle/activity tests.
	now func() time.Time
}

// entry pairs a connection's bookkeeping record with its transport handle.
type entry struct {
	rec *Record
	tr  Transport
}

// Member is a point-in-time view of one connection, safe to use after the
// ledger lock is released.
type Member struct {
	ClientID      string
	Transport     Transport
	Subscriptions map[string]struct{}
}

// Subscribed reports whether the member's snapshot included the event type.
func (m Member) Subscribed(eventType string) bool {
	_, ok := m.Subscriptions[eventType]
	return ok
}

// Candidate is one idle connection found by a reaper scan.
type Candidate struct {
	ClientID    string
	Transport   Transport
	WarningSent bool
	IdleFor     time.Duration
}

// MetricsSnapshot reports ledger state computed fresh at call time. The
// struct doubles as the resource_info / status_response wire payload.
type MetricsSnapshot struct {
	ActiveConnections  int     `json:"active_connections"`
	MaxConnections     int     `json:"max_connections"`
	Utilization        float64 `json:"utilization"`
	TotalConnections   int64   `json:"total_connections"`
	RejectedCount      int64   `json:"rejected_count"`
	IdleTimeoutCount   int64   `json:"idle_timeout_count"`
	MemoryViolations   int64   `json:"memory_violation_count"`
	TotalMemoryMB      float64 `json:"total_memory_mb"`
	AvgMemoryMB        float64 `json:"avg_memory_mb"`
	BackpressureActive bool    `json:"backpressure_active"`
}

// NewLedger creates an empty ledger with the given immutable configuration.
func NewLedger(cfg Config, logger zerolog.Logger) *Ledger {
	return &Ledger{
		cfg:    cfg,
		logger: logger.With().Str("component", "ledger").Logger(),
		conns:  make(map[string]*entry),
		now:    time.Now,
	}
}

// backpressurePoint is the connection count at which the backpressure signal
// activates: floor(max_connections * backpressure_threshold).
func (l *Ledger) backpressurePoint() int {
	return int(math.Floor(float64(l.cfg.MaxConnections) * l.cfg.BackpressureThreshold))
}

// Admit decides whether one more connection fits and, when it does, inserts
// it. Decision and insert share one critical section: two connections racing
// for the last slot cannot both win, the loser observes the now-full table.
// A rejection counts against the rejected counter.
//
// Returns (nil, reason, false) at the hard limit. Admission at or above
// floor(max * threshold) succeeds with a "backpressure:" reason reflecting
// the occupancy before the insert; otherwise the reason is "OK".
// Subscriptions default to every known event type.
func (l *Ledger) Admit(tr Transport, clientID string) (*Record, string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	active := len(l.conns)
	if active >= l.cfg.MaxConnections {
		l.rejected++
		monitoring.ConnectionsRejected.Inc()
		return nil, fmt.Sprintf("limit exceeded: %d/%d", active, l.cfg.MaxConnections), false
	}
	reason := "OK"
	if active >= l.backpressurePoint() {
		pct := float64(active) / float64(l.cfg.MaxConnections) * 100
		reason = fmt.Sprintf("backpressure: %d/%d (%.0f%%)", active, l.cfg.MaxConnections, pct)
	}

	now := l.now()
	subs := make(map[string]struct{}, len(l.cfg.EventTypes))
	for _, tag := range l.cfg.EventTypes {
		subs[tag] = struct{}{}
	}

	rec := &Record{
		ClientID:         clientID,
		ConnectedAt:      now,
		LastActivityAt:   now,
		MemoryEstimateMB: 0,
		Subscriptions:    subs,
	}
	l.conns[clientID] = &entry{rec: rec, tr: tr}
	l.totalEver++

	monitoring.ConnectionsTotal.Inc()
	monitoring.ConnectionsActive.Set(float64(len(l.conns)))

	l.logger.Debug().
		Str("client_id", clientID).
		Str("admission", reason).
		Int("active", len(l.conns)).
		Msg("Connection registered")
	return rec, reason, true
}

// Unregister removes a connection. Unknown IDs are a no-op returning
// (nil, false); disconnect paths race with each other by design.
func (l *Ledger) Unregister(clientID string) (*Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.conns[clientID]
	if !ok {
		return nil, false
	}
	delete(l.conns, clientID)
	monitoring.ConnectionsActive.Set(float64(len(l.conns)))

	l.logger.Debug().
		Str("client_id", clientID).
		Int("active", len(l.conns)).
		Msg("Connection unregistered")
	return e.rec, true
}

// Touch updates the activity timestamp, bumps the directional message
// counter and clears any pending idle warning. Unknown IDs are a no-op:
// inbound traffic racing a disconnect is expected, not an error.
func (l *Ledger) Touch(clientID string, dir Direction) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.conns[clientID]
	if !ok {
		return false
	}
	e.rec.LastActivityAt = l.now()
	e.rec.IdleWarningSent = false
	switch dir {
	case DirSent:
		e.rec.MessagesSent++
		monitoring.MessagesSent.Inc()
	case DirReceived:
		e.rec.MessagesReceived++
		monitoring.MessagesReceived.Inc()
	}
	return true
}

// RecordIdleTimeout bumps the idle-reap counter.
func (l *Ledger) RecordIdleTimeout() {
	l.mu.Lock()
	l.idleTimeouts++
	l.mu.Unlock()
	monitoring.IdleTimeouts.Inc()
}

// MarkIdleWarning flags that the one-shot pre-closure warning was delivered.
func (l *Ledger) MarkIdleWarning(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.conns[clientID]; ok {
		e.rec.IdleWarningSent = true
	}
}

// UpdateMemoryEstimate stores a recomputed per-connection memory estimate
// and reports (and counts) whether it exceeds the configured per-connection
// limit.
func (l *Ledger) UpdateMemoryEstimate(clientID string, mb float64) (violation bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.conns[clientID]
	if !ok {
		return false
	}
	e.rec.MemoryEstimateMB = mb
	if mb > l.cfg.MemoryLimitPerConnMB {
		l.memoryViolations++
		monitoring.MemoryViolations.Inc()
		return true
	}
	return false
}

// IdleCandidates returns every connection whose last activity is older than
// the idle timeout. Pure query over a snapshot; warning state is untouched.
func (l *Ledger) IdleCandidates() []Candidate {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	var out []Candidate
	for id, e := range l.conns {
		idle := now.Sub(e.rec.LastActivityAt)
		if idle > l.cfg.IdleTimeout {
			out = append(out, Candidate{
				ClientID:    id,
				Transport:   e.tr,
				WarningSent: e.rec.IdleWarningSent,
				IdleFor:     idle,
			})
		}
	}
	return out
}

// Snapshot returns a point-in-time copy of every connection. Sends suspend,
// so loops iterate this copy rather than the live table.
func (l *Ledger) Snapshot() []Member {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Member, 0, len(l.conns))
	for id, e := range l.conns {
		subs := make(map[string]struct{}, len(e.rec.Subscriptions))
		for tag := range e.rec.Subscriptions {
			subs[tag] = struct{}{}
		}
		out = append(out, Member{ClientID: id, Transport: e.tr, Subscriptions: subs})
	}
	return out
}

// TransportOf returns the live transport for a client id.
func (l *Ledger) TransportOf(clientID string) (Transport, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.conns[clientID]
	if !ok {
		return nil, false
	}
	return e.tr, true
}

// Lookup returns a copy of one connection's record.
func (l *Ledger) Lookup(clientID string) (Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.conns[clientID]
	if !ok {
		return Record{}, false
	}
	return e.rec.clone(), true
}

// ReplaceSubscriptions swaps a connection's subscription set and returns the
// resulting sorted list.
func (l *Ledger) ReplaceSubscriptions(clientID string, eventTypes []string) ([]string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.conns[clientID]
	if !ok {
		return nil, false
	}
	subs := make(map[string]struct{}, len(eventTypes))
	for _, tag := range eventTypes {
		subs[tag] = struct{}{}
	}
	e.rec.Subscriptions = subs
	return e.rec.SubscriptionList(), true
}

// Clear drops every connection. Used by shutdown after close frames went
// out.
func (l *Ledger) Clear() {
	l.mu.Lock()
	l.conns = make(map[string]*entry)
	l.mu.Unlock()
	monitoring.ConnectionsActive.Set(0)
}

// ActiveCount returns the current connection count.
func (l *Ledger) ActiveCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.conns)
}

// Metrics computes a fresh snapshot of every aggregate; nothing is cached.
func (l *Ledger) Metrics() MetricsSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	active := len(l.conns)
	var totalMB float64
	for _, e := range l.conns {
		totalMB += e.rec.MemoryEstimateMB
	}
	avgMB := 0.0
	if active > 0 {
		avgMB = totalMB / float64(active)
	}
	monitoring.MemoryEstimateTotalMB.Set(totalMB)

	return MetricsSnapshot{
		ActiveConnections:  active,
		MaxConnections:     l.cfg.MaxConnections,
		Utilization:        float64(active) / float64(l.cfg.MaxConnections),
		TotalConnections:   l.totalEver,
		RejectedCount:      l.rejected,
		IdleTimeoutCount:   l.idleTimeouts,
		MemoryViolations:   l.memoryViolations,
		TotalMemoryMB:      totalMB,
		AvgMemoryMB:        avgMB,
		BackpressureActive: active >= l.backpressurePoint(),
	}
}
