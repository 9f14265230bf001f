package lifecycle

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfabric/controlplane/internal/config"
)

func testManager(t *testing.T) (*Manager, *time.Time) {
	t.Helper()
	m := NewManager(config.LifecycleConfig{
		EdgeDecayThreshold:   0.30,
		PerformanceThreshold: 0.70,
		DrawdownThreshold:    0.10,
		ExecQualityThreshold: 0.90,
		QuarantineMinHours:   4 * time.Hour,
		MaxQuarantineCount:   3,
		QuarantineCountDays:  30,
	}, zerolog.Nop())
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	return m, &now
}

func TestRegisterStartsPaperOnly(t *testing.T) {
	m, _ := testManager(t)
	m.Register("momentum")

	assert.Equal(t, StatePaperOnly, m.State("momentum"))
	assert.True(t, m.CanTrade("momentum", true))
	assert.False(t, m.CanTrade("momentum", false))
	// Unknown strategies never trade.
	assert.False(t, m.CanTrade("ghost", true))
}

func TestPromoteAndDisable(t *testing.T) {
	m, _ := testManager(t)
	m.Register("momentum")

	require.NoError(t, m.Promote("momentum", "paper criteria met"))
	assert.Equal(t, StateActive, m.State("momentum"))
	assert.True(t, m.CanTrade("momentum", false))

	// Promote is only legal from PAPER_ONLY.
	assert.Error(t, m.Promote("momentum", "again"))

	require.NoError(t, m.Disable("momentum", "operator request"))
	assert.Equal(t, StateDisabled, m.State("momentum"))
	assert.False(t, m.CanTrade("momentum", true))

	// DISABLED is terminal.
	assert.Error(t, m.Release("momentum", 1.0, 0.95, "nope"))

	rec, ok := m.Get("momentum")
	require.True(t, ok)
	require.Len(t, rec.History, 2)
	assert.Equal(t, StatePaperOnly, rec.History[0].From)
	assert.Equal(t, StateActive, rec.History[0].To)
	assert.Equal(t, StateDisabled, rec.History[1].To)
}

func TestQuarantineAndRelease(t *testing.T) {
	m, now := testManager(t)
	m.Register("breakout")
	require.NoError(t, m.Promote("breakout", "promoted"))

	require.NoError(t, m.Quarantine("breakout", "drawdown breach"))
	assert.Equal(t, StateQuarantined, m.State("breakout"))
	assert.False(t, m.CanTrade("breakout", true))

	// Release before the minimum hold is refused.
	*now = now.Add(time.Hour)
	assert.Error(t, m.Release("breakout", 1.0, 0.95, "too early"))

	// After the hold, release still requires recovered performance and
	// execution quality.
	*now = now.Add(4 * time.Hour)
	assert.Error(t, m.Release("breakout", 0.9, 0.95, "perf still low"))
	assert.Error(t, m.Release("breakout", 1.1, 0.80, "exec still poor"))
	require.NoError(t, m.Release("breakout", 1.1, 0.95, "recovered"))
	assert.Equal(t, StateActive, m.State("breakout"))
}

func TestDemoteToPaperFromAnyState(t *testing.T) {
	m, _ := testManager(t)
	m.Register("momentum")
	require.NoError(t, m.Promote("momentum", "promoted"))
	require.NoError(t, m.Quarantine("momentum", "drawdown"))

	require.NoError(t, m.Demote("momentum", "operator demotes"))
	assert.Equal(t, StatePaperOnly, m.State("momentum"))
	assert.True(t, m.CanTrade("momentum", true))
	assert.False(t, m.CanTrade("momentum", false))
}

func TestRepeatedQuarantineDisables(t *testing.T) {
	m, now := testManager(t)
	m.Register("scalper")
	require.NoError(t, m.Promote("scalper", "promoted"))

	for i := 0; i < 2; i++ {
		require.NoError(t, m.Quarantine("scalper", "loss streak"))
		assert.Equal(t, StateQuarantined, m.State("scalper"))
		*now = now.Add(5 * time.Hour)
		require.NoError(t, m.Release("scalper", 1.0, 0.95, "recovered"))
	}

	// The third quarantine within the window reaches the maximum count
	// and tips into DISABLED.
	require.NoError(t, m.Quarantine("scalper", "loss streak"))
	assert.Equal(t, StateDisabled, m.State("scalper"))
}

func TestQuarantineCountWindowExpires(t *testing.T) {
	m, now := testManager(t)
	m.Register("carry")
	require.NoError(t, m.Promote("carry", "promoted"))

	for i := 0; i < 2; i++ {
		require.NoError(t, m.Quarantine("carry", "slippage"))
		*now = now.Add(5 * time.Hour)
		require.NoError(t, m.Release("carry", 1.0, 0.95, "recovered"))
	}

	// Old quarantines age out of the 30-day window, so the count resets
	// instead of reaching the disabling maximum.
	*now = now.Add(31 * 24 * time.Hour)
	require.NoError(t, m.Quarantine("carry", "slippage"))
	assert.Equal(t, StateQuarantined, m.State("carry"))
}

func TestEvaluateQuarantinesOnBreach(t *testing.T) {
	m, _ := testManager(t)
	m.Register("momentum")
	require.NoError(t, m.Promote("momentum", "promoted"))

	healthy := Metrics{EdgeRetention: 0.9, PerformanceScore: 0.8, Drawdown: 0.02, ExecQuality: 0.95}
	reason, err := m.Evaluate("momentum", healthy)
	require.NoError(t, err)
	assert.Empty(t, reason)
	assert.Equal(t, StateActive, m.State("momentum"))

	bad := healthy
	bad.Drawdown = 0.12
	reason, err = m.Evaluate("momentum", bad)
	require.NoError(t, err)
	assert.Contains(t, reason, "drawdown")
	assert.Equal(t, StateQuarantined, m.State("momentum"))

	// Evaluate ignores strategies that are not active.
	reason, err = m.Evaluate("momentum", bad)
	require.NoError(t, err)
	assert.Empty(t, reason)
}

func TestEvaluateQuarantinesOnEdgeDecay(t *testing.T) {
	m, _ := testManager(t)
	m.Register("momentum")
	require.NoError(t, m.Promote("momentum", "promoted"))

	// Retention 0.75 is a 25% decay, inside the 30% tolerance.
	holding := Metrics{EdgeRetention: 0.75, PerformanceScore: 0.8, Drawdown: 0.02, ExecQuality: 0.95}
	reason, err := m.Evaluate("momentum", holding)
	require.NoError(t, err)
	assert.Empty(t, reason)
	assert.Equal(t, StateActive, m.State("momentum"))

	// Retention 0.5 means half the edge is gone; 50% decay breaches.
	decayed := holding
	decayed.EdgeRetention = 0.5
	reason, err = m.Evaluate("momentum", decayed)
	require.NoError(t, err)
	assert.Contains(t, reason, "edge decay")
	assert.Equal(t, StateQuarantined, m.State("momentum"))
}
