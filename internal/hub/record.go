package hub

import (
	"sort"
	"time"
)

// Direction identifies which side of the connection a message moved toward.
type Direction int

const (
	// DirSent counts a server-to-client message.
	DirSent Direction = iota
	// DirReceived counts a client-to-server message.
	DirReceived
)

// Record holds per-connection bookkeeping. It carries no behavior beyond
// read helpers; all mutation happens inside the Ledger while its lock is
// held.
type Record struct {
	ClientID         string
	ConnectedAt      time.Time
	LastActivityAt   time.Time
	MessagesSent     int64
	MessagesReceived int64
	MemoryEstimateMB float64
	Subscriptions    map[string]struct{}
	IdleWarningSent  bool
}

// SubscribedTo reports whether the connection wants events of the given type.
func (r *Record) SubscribedTo(eventType string) bool {
	_, ok := r.Subscriptions[eventType]
	return ok
}

// SubscriptionList returns the subscribed event types in sorted order.
// Sorting keeps replies and log output stable.
func (r *Record) SubscriptionList() []string {
	out := make([]string, 0, len(r.Subscriptions))
	for tag := range r.Subscriptions {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// clone returns a deep copy safe to hand out after the ledger lock is
// released.
func (r *Record) clone() Record {
	cp := *r
	cp.Subscriptions = make(map[string]struct{}, len(r.Subscriptions))
	for tag := range r.Subscriptions {
		cp.Subscriptions[tag] = struct{}{}
	}
	return cp
}
