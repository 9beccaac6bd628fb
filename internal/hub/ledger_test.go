package hub

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(cfg Config) *Ledger {
	return NewLedger(cfg, zerolog.Nop())
}

func TestAdmitAtLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 2
	l := newTestLedger(cfg)

	rec, reason, ok := l.Admit(&fakeTransport{}, "a")
	require.True(t, ok)
	require.NotNil(t, rec)
	assert.Equal(t, "OK", reason)

	_, _, ok = l.Admit(&fakeTransport{}, "b")
	require.True(t, ok)

	rec, reason, ok = l.Admit(&fakeTransport{}, "c")
	require.False(t, ok)
	assert.Nil(t, rec)
	assert.Equal(t, "limit exceeded: 2/2", reason)
	assert.Equal(t, 2, l.ActiveCount())
	assert.Equal(t, int64(1), l.Metrics().RejectedCount)
}

func TestAdmitBackpressureBand(t *testing.T) {
	l := newTestLedger(testConfig()) // max 5, threshold 0.8 → soft limit at 4

	for i := 0; i < 3; i++ {
		_, reason, ok := l.Admit(&fakeTransport{}, fmt.Sprintf("c%d", i))
		require.True(t, ok)
		assert.Equal(t, "OK", reason)
	}
	assert.False(t, l.Metrics().BackpressureActive)

	// Fourth admit is decided against 3 active: still below the point.
	_, reason, ok := l.Admit(&fakeTransport{}, "c3")
	require.True(t, ok)
	assert.Equal(t, "OK", reason)
	assert.True(t, l.Metrics().BackpressureActive)

	_, reason, ok = l.Admit(&fakeTransport{}, "c4")
	require.True(t, ok)
	assert.Equal(t, "backpressure: 4/5 (80%)", reason)
	assert.True(t, l.Metrics().BackpressureActive)
}

func TestConcurrentAdmitsNeverExceedMax(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 4
	l := newTestLedger(cfg)

	const contenders = 32
	var admitted int64
	var wg sync.WaitGroup
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if _, _, ok := l.Admit(&fakeTransport{}, fmt.Sprintf("c%d", n)); ok {
				atomic.AddInt64(&admitted, 1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(4), admitted)
	assert.Equal(t, 4, l.ActiveCount())

	snap := l.Metrics()
	assert.Equal(t, 4, snap.ActiveConnections)
	assert.Equal(t, int64(4), snap.TotalConnections)
	assert.Equal(t, int64(contenders-4), snap.RejectedCount)
}

func TestAdmitDefaultsToAllEventTypes(t *testing.T) {
	l := newTestLedger(testConfig())
	rec, _, ok := l.Admit(&fakeTransport{}, "a")
	require.True(t, ok)

	assert.Equal(t, []string{"cache_metrics", "rule_update", "system"}, rec.SubscriptionList())
	assert.False(t, rec.ConnectedAt.IsZero())
	assert.Equal(t, rec.ConnectedAt, rec.LastActivityAt)
}

func TestUnregisterIsIdempotent(t *testing.T) {
	l := newTestLedger(testConfig())
	l.Admit(&fakeTransport{}, "a")

	rec, ok := l.Unregister("a")
	require.True(t, ok)
	assert.Equal(t, "a", rec.ClientID)

	rec, ok = l.Unregister("a")
	assert.False(t, ok)
	assert.Nil(t, rec)

	_, ok = l.Unregister("never-existed")
	assert.False(t, ok)
}

func TestTouchCountsAndClearsIdleWarning(t *testing.T) {
	l := newTestLedger(testConfig())
	l.Admit(&fakeTransport{}, "a")
	l.MarkIdleWarning("a")

	require.True(t, l.Touch("a", DirReceived))
	require.True(t, l.Touch("a", DirSent))
	require.True(t, l.Touch("a", DirSent))

	rec, ok := l.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, int64(1), rec.MessagesReceived)
	assert.Equal(t, int64(2), rec.MessagesSent)
	assert.False(t, rec.IdleWarningSent)

	// Unknown handle is a no-op, not an error.
	assert.False(t, l.Touch("gone", DirReceived))
}

func TestIdleCandidates(t *testing.T) {
	cfg := testConfig()
	cfg.IdleTimeout = time.Minute
	l := newTestLedger(cfg)

	base := time.Now()
	now := base
	l.now = func() time.Time { return now }

	l.Admit(&fakeTransport{}, "fresh")
	l.Admit(&fakeTransport{}, "stale")

	// Only "stale" crosses the timeout once the clock moves on.
	now = base.Add(90 * time.Second)
	l.Touch("fresh", DirReceived)

	cands := l.IdleCandidates()
	require.Len(t, cands, 1)
	assert.Equal(t, "stale", cands[0].ClientID)
	assert.False(t, cands[0].WarningSent)
	assert.Greater(t, cands[0].IdleFor, time.Minute)
}

func TestMetricsComputedFresh(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 2
	l := newTestLedger(cfg)
	l.Admit(&fakeTransport{}, "a")
	l.Admit(&fakeTransport{}, "b")
	l.Admit(&fakeTransport{}, "spill")
	l.UpdateMemoryEstimate("a", 2)
	l.UpdateMemoryEstimate("b", 4)

	snap := l.Metrics()
	assert.Equal(t, 2, snap.ActiveConnections)
	assert.Equal(t, l.ActiveCount(), snap.ActiveConnections)
	assert.Equal(t, int64(2), snap.TotalConnections)
	assert.Equal(t, int64(1), snap.RejectedCount)
	assert.InDelta(t, 1.0, snap.Utilization, 1e-9)
	assert.InDelta(t, 6, snap.TotalMemoryMB, 1e-9)
	assert.InDelta(t, 3, snap.AvgMemoryMB, 1e-9)

	l.Unregister("a")
	snap = l.Metrics()
	assert.Equal(t, 1, snap.ActiveConnections)
	assert.Equal(t, int64(2), snap.TotalConnections)
	assert.InDelta(t, 4, snap.TotalMemoryMB, 1e-9)
}

func TestUpdateMemoryEstimateViolation(t *testing.T) {
	cfg := testConfig()
	cfg.MemoryLimitPerConnMB = 5
	l := newTestLedger(cfg)
	l.Admit(&fakeTransport{}, "a")

	assert.False(t, l.UpdateMemoryEstimate("a", 4.9))
	assert.True(t, l.UpdateMemoryEstimate("a", 5.1))
	assert.Equal(t, int64(1), l.Metrics().MemoryViolations)

	// Unknown handle: no-op, no violation.
	assert.False(t, l.UpdateMemoryEstimate("gone", 100))
}
