package meta

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfabric/controlplane/internal/bus"
	"github.com/quantfabric/controlplane/internal/config"
	"github.com/quantfabric/controlplane/internal/types"
)

// capturePub records everything the agent publishes.
type capturePub struct {
	decisions []*types.MetaDecision
}

func (p *capturePub) Publish(ctx context.Context, subject bus.Subject, payload interface{}) error {
	if cmd, ok := payload.(types.ControlCommand); ok && cmd.Command == types.CommandMetaDecision {
		p.decisions = append(p.decisions, cmd.Decision)
	}
	return nil
}

func (p *capturePub) PublishCorrelated(ctx context.Context, subject bus.Subject, payload interface{}, correlationID uuid.UUID) error {
	return p.Publish(ctx, subject, payload)
}

func (p *capturePub) Paused() bool { return false }

func (p *capturePub) last() *types.MetaDecision {
	if len(p.decisions) == 0 {
		return nil
	}
	return p.decisions[len(p.decisions)-1]
}

func testAgent(t *testing.T) (*Agent, *capturePub, *time.Time) {
	t.Helper()
	cfg := config.Default().Meta
	a := New(cfg, 5*time.Second, nil, zerolog.Nop())
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	pub := &capturePub{}
	require.NoError(t, a.OnStart(context.Background(), pub))
	return a, pub, &now
}

func feedHeartbeat(t *testing.T, a *Agent, agentType string) {
	t.Helper()
	msg, err := bus.New(agentType+"-1", bus.SubjectHeartbeat, types.Heartbeat{
		AgentID: agentType + "-1", AgentType: agentType, Status: types.StatusRunning,
	})
	require.NoError(t, err)
	require.NoError(t, a.HandleMessage(context.Background(), msg))
}

func feedMarket(t *testing.T, a *Agent, instrument string, price, change1m, spread float64, at time.Time) {
	t.Helper()
	msg, err := bus.New("market", bus.SubjectMarketData, types.MarketSnapshot{
		Instrument: instrument, Price: price, PriceChange1m: change1m, Spread: spread, Timestamp: at,
	})
	require.NoError(t, err)
	require.NoError(t, a.HandleMessage(context.Background(), msg))
}

func healthyInputs(t *testing.T, a *Agent, now time.Time) {
	t.Helper()
	feedHeartbeat(t, a, "risk")
	feedHeartbeat(t, a, "execution")
	feedMarket(t, a, "BTC-USD", 50_000, 50, 5, now) // 0.1% vol, tight spread
}

func TestHaltedWithoutMarketData(t *testing.T) {
	a, pub, _ := testAgent(t)
	require.NoError(t, a.Cycle(context.Background()))

	d := pub.last()
	require.NotNil(t, d)
	assert.Equal(t, types.GlobalHalted, d.GlobalState)
	assert.Contains(t, d.ReasonCodes, "no_market_data")
	assert.Zero(t, d.Confidence)
	for _, m := range d.SizeMultipliers {
		assert.Zero(t, m)
	}
	for _, s := range d.StrategyStates {
		assert.Equal(t, types.StrategyDisable, s)
	}
}

func TestHaltedOnMissingCriticalAgent(t *testing.T) {
	a, pub, now := testAgent(t)
	feedMarket(t, a, "BTC-USD", 50_000, 50, 5, *now)
	feedHeartbeat(t, a, "risk") // execution never beats

	require.NoError(t, a.Cycle(context.Background()))
	d := pub.last()
	assert.Equal(t, types.GlobalHalted, d.GlobalState)
	assert.Contains(t, d.ReasonCodes, "agent_missing:execution")
}

func TestHaltedOnStaleHeartbeat(t *testing.T) {
	a, pub, now := testAgent(t)
	healthyInputs(t, a, *now)

	require.NoError(t, a.Cycle(context.Background()))
	assert.Equal(t, types.GlobalNormal, pub.last().GlobalState)

	// Heartbeats age past 2x the interval; market data stays fresh.
	*now = now.Add(11 * time.Second)
	feedMarket(t, a, "BTC-USD", 50_000, 50, 5, *now)
	require.NoError(t, a.Cycle(context.Background()))
	d := pub.last()
	assert.Equal(t, types.GlobalHalted, d.GlobalState)
	assert.Contains(t, d.ReasonCodes, "agent_missing:risk")
}

func TestHaltedOnStaleMarketData(t *testing.T) {
	a, pub, now := testAgent(t)
	healthyInputs(t, a, *now)

	*now = now.Add(40 * time.Second)
	feedHeartbeat(t, a, "risk")
	feedHeartbeat(t, a, "execution")
	require.NoError(t, a.Cycle(context.Background()))
	d := pub.last()
	assert.Equal(t, types.GlobalHalted, d.GlobalState)
	assert.Contains(t, d.ReasonCodes, "market_data_stale")
}

func TestCrisisVolatilityHalts(t *testing.T) {
	a, pub, now := testAgent(t)
	feedHeartbeat(t, a, "risk")
	feedHeartbeat(t, a, "execution")
	// 6% 1-minute move.
	feedMarket(t, a, "BTC-USD", 50_000, 3_000, 5, *now)

	require.NoError(t, a.Cycle(context.Background()))
	d := pub.last()
	assert.Equal(t, types.GlobalHalted, d.GlobalState)
	assert.Equal(t, types.RegimeCrisis, d.Regime)
}

func TestHighVolatilityReduceOnly(t *testing.T) {
	a, pub, now := testAgent(t)
	feedHeartbeat(t, a, "risk")
	feedHeartbeat(t, a, "execution")
	// 3% move: volatile regime.
	feedMarket(t, a, "BTC-USD", 50_000, 1_500, 5, *now)

	require.NoError(t, a.Cycle(context.Background()))
	d := pub.last()
	assert.Equal(t, types.GlobalReduceOnly, d.GlobalState)
	assert.Equal(t, types.RegimeVolatile, d.Regime)
	// Non-essential strategies are disabled outside NORMAL; survivors
	// run at a quarter size.
	assert.Equal(t, types.StrategyDisable, d.StrategyStates["momentum"])
	assert.InDelta(t, 0.25, d.SizeMultipliers["trend_following"], 1e-9)
	assert.InDelta(t, 0.5, d.Confidence, 1e-9)
}

func TestElevatedVolatilityDisablesTrendFollowers(t *testing.T) {
	a, pub, now := testAgent(t)
	feedHeartbeat(t, a, "risk")
	feedHeartbeat(t, a, "execution")
	// 1.5% move: choppy regime.
	feedMarket(t, a, "BTC-USD", 50_000, 750, 5, *now)

	require.NoError(t, a.Cycle(context.Background()))
	d := pub.last()
	assert.Equal(t, types.GlobalNormal, d.GlobalState)
	assert.Equal(t, types.RegimeChoppy, d.Regime)
	assert.Equal(t, types.StrategyDisable, d.StrategyStates["momentum"])
	assert.Equal(t, types.StrategyDisable, d.StrategyStates["trend_following"])
	assert.InDelta(t, 0.5, d.SizeMultipliers["breakout"], 1e-9)
}

func TestDegradedLiquidityScales(t *testing.T) {
	a, pub, now := testAgent(t)
	feedHeartbeat(t, a, "risk")
	feedHeartbeat(t, a, "execution")
	// 0.4% spread against a calm market.
	feedMarket(t, a, "BTC-USD", 50_000, 50, 200, *now)

	require.NoError(t, a.Cycle(context.Background()))
	d := pub.last()
	assert.Equal(t, types.GlobalNormal, d.GlobalState)
	assert.InDelta(t, 0.5, d.SizeMultipliers["breakout"], 1e-9)
	assert.InDelta(t, 0.8, d.Confidence, 1e-9)
}

func TestSlippageReducesStrategySize(t *testing.T) {
	a, pub, now := testAgent(t)
	healthyInputs(t, a, *now)

	fill := types.Fill{StrategyID: "momentum", Slippage: 0.005, FilledPrice: 50_000, SizeUSD: 1_000}
	msg, err := bus.New("execution", bus.SubjectFills, fill)
	require.NoError(t, err)
	require.NoError(t, a.HandleMessage(context.Background(), msg))

	require.NoError(t, a.Cycle(context.Background()))
	d := pub.last()
	assert.Equal(t, types.GlobalNormal, d.GlobalState)
	assert.Equal(t, types.StrategyReduceSize, d.StrategyStates["momentum"])
	assert.InDelta(t, 0.5, d.SizeMultipliers["momentum"], 1e-9)
	assert.Contains(t, d.ReasonCodes, "slippage:momentum")
}

func TestSystemStressReduceOnly(t *testing.T) {
	a, pub, now := testAgent(t)
	healthyInputs(t, a, *now)

	for i := 0; i < 4; i++ {
		msg, err := bus.New("risk", bus.SubjectAlerts, types.AlertEvent{
			Severity: types.AlertCritical, Title: "boom", Source: "risk",
		})
		require.NoError(t, err)
		require.NoError(t, a.HandleMessage(context.Background(), msg))
	}

	require.NoError(t, a.Cycle(context.Background()))
	d := pub.last()
	assert.Equal(t, types.GlobalReduceOnly, d.GlobalState)
	assert.Contains(t, d.ReasonCodes, "system_stress")
}

func TestFreshDecisionCarriesValidityWindow(t *testing.T) {
	a, pub, now := testAgent(t)
	healthyInputs(t, a, *now)

	require.NoError(t, a.Cycle(context.Background()))
	d := pub.last()
	assert.Equal(t, types.GlobalNormal, d.GlobalState)
	assert.Equal(t, *now, d.DecidedAt)
	assert.Equal(t, now.Add(30*time.Second), d.ExpiresAt)
	assert.False(t, d.Expired(*now))
	assert.True(t, d.Expired(now.Add(31*time.Second)))
}

func TestRecoveryAfterConditionClears(t *testing.T) {
	a, pub, now := testAgent(t)
	require.NoError(t, a.Cycle(context.Background()))
	assert.Equal(t, types.GlobalHalted, pub.last().GlobalState)

	healthyInputs(t, a, *now)
	require.NoError(t, a.Cycle(context.Background()))
	assert.Equal(t, types.GlobalNormal, pub.last().GlobalState)
}
