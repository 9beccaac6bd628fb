package hub

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeartbeatProbesAllConnections(t *testing.T) {
	gw := newTestGateway(testConfig())
	tr1, _ := acceptFake(gw, "a")
	tr2, _ := acceptFake(gw, "b")

	gw.heartbeat.sweep()

	require.Len(t, tr1.messagesOfType("heartbeat"), 1)
	require.Len(t, tr2.messagesOfType("heartbeat"), 1)
	assert.Equal(t, 2, gw.Ledger().ActiveCount())
}

func TestHeartbeatSingleFailureIsFatal(t *testing.T) {
	gw := newTestGateway(testConfig())
	alive, _ := acceptFake(gw, "alive")
	dead, deadID := acceptFake(gw, "")
	dead.mu.Lock()
	dead.failSends = true
	dead.mu.Unlock()

	gw.heartbeat.sweep()

	// The dead transport is pruned in the same sweep; the healthy one is
	// untouched and still probed.
	assert.True(t, dead.isClosed())
	_, stillThere := gw.Ledger().Lookup(deadID)
	assert.False(t, stillThere)
	assert.False(t, alive.isClosed())
	require.Len(t, alive.messagesOfType("heartbeat"), 1)
	assert.Equal(t, 1, gw.Ledger().ActiveCount())
}

func TestHeartbeatProbeDoesNotCountAsActivity(t *testing.T) {
	gw := newTestGateway(testConfig())
	_, id := acceptFake(gw, "")
	before, ok := gw.Ledger().Lookup(id)
	require.True(t, ok)

	gw.heartbeat.sweep()

	rec, ok := gw.Ledger().Lookup(id)
	require.True(t, ok)
	assert.Equal(t, before.MessagesSent, rec.MessagesSent)
	assert.Equal(t, before.LastActivityAt, rec.LastActivityAt)
}

func TestHeartbeatRefreshesMemoryEstimates(t *testing.T) {
	cfg := testConfig()
	gw := NewGateway(cfg, zerolog.Nop(), NewFixedEstimator(3.5))
	_, id := acceptFake(gw, "")

	gw.heartbeat.sweep()

	rec, ok := gw.Ledger().Lookup(id)
	require.True(t, ok)
	assert.Equal(t, 3.5, rec.MemoryEstimateMB)
	assert.Equal(t, int64(0), gw.Ledger().Metrics().MemoryViolations)
}

func TestHeartbeatCountsMemoryViolations(t *testing.T) {
	cfg := testConfig() // per-connection limit 10 MB
	gw := NewGateway(cfg, zerolog.Nop(), NewFixedEstimator(12))
	tr, id := acceptFake(gw, "")

	gw.heartbeat.sweep()
	gw.heartbeat.sweep()

	// Violations are counted, never enforced by disconnect.
	assert.False(t, tr.isClosed())
	assert.Equal(t, int64(2), gw.Ledger().Metrics().MemoryViolations)
	rec, ok := gw.Ledger().Lookup(id)
	require.True(t, ok)
	assert.Equal(t, float64(12), rec.MemoryEstimateMB)
}

func TestHeartbeatEmptyLedgerIsNoOp(t *testing.T) {
	gw := newTestGateway(testConfig())
	gw.heartbeat.sweep()
	assert.Equal(t, 0, gw.Ledger().ActiveCount())
}
