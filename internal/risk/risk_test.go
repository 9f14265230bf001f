package risk

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfabric/controlplane/internal/books"
	"github.com/quantfabric/controlplane/internal/bus"
	"github.com/quantfabric/controlplane/internal/config"
	"github.com/quantfabric/controlplane/internal/store"
	"github.com/quantfabric/controlplane/internal/types"
)

type published struct {
	subject       bus.Subject
	payload       interface{}
	correlationID uuid.UUID
}

type capturePub struct {
	paused   bool
	messages []published
}

func (p *capturePub) Publish(ctx context.Context, subject bus.Subject, payload interface{}) error {
	return p.PublishCorrelated(ctx, subject, payload, uuid.New())
}

func (p *capturePub) PublishCorrelated(ctx context.Context, subject bus.Subject, payload interface{}, correlationID uuid.UUID) error {
	p.messages = append(p.messages, published{subject, payload, correlationID})
	return nil
}

func (p *capturePub) Paused() bool { return p.paused }

func (p *capturePub) lastDecision() (*types.RiskDecision, bus.Subject) {
	for i := len(p.messages) - 1; i >= 0; i-- {
		if d, ok := p.messages[i].payload.(*types.RiskDecision); ok {
			return d, p.messages[i].subject
		}
	}
	return nil, ""
}

func (p *capturePub) pauseBroadcasts() []types.ControlCommand {
	var out []types.ControlCommand
	for _, m := range p.messages {
		if cmd, ok := m.payload.(types.ControlCommand); ok && cmd.Command == types.CommandPause {
			out = append(out, cmd)
		}
	}
	return out
}

func testAgent(t *testing.T) (*Agent, *capturePub) {
	t.Helper()
	a := New(config.Default().Risk, 1_000_000, nil, nil, nil, zerolog.Nop())
	pub := &capturePub{}
	require.NoError(t, a.OnStart(context.Background(), pub))
	feedMeta(t, a, &types.MetaDecision{
		GlobalState: types.GlobalNormal,
		Regime:      types.RegimeTrending,
		Confidence:  1,
		DecidedAt:   time.Now(),
		ExpiresAt:   time.Now().Add(30 * time.Second),
	})
	return a, pub
}

func feedMeta(t *testing.T, a *Agent, d *types.MetaDecision) {
	t.Helper()
	msg, err := bus.New("meta", bus.SubjectControl, types.ControlCommand{
		Command: types.CommandMetaDecision, Decision: d,
	})
	require.NoError(t, err)
	require.NoError(t, a.HandleMessage(context.Background(), msg))
}

func feedIntent(t *testing.T, a *Agent, intent types.TradeIntent) uuid.UUID {
	t.Helper()
	if intent.ID == uuid.Nil {
		intent.ID = uuid.New()
	}
	msg, err := bus.New("signal", bus.SubjectRiskCheck, intent)
	require.NoError(t, err)
	require.NoError(t, a.HandleMessage(context.Background(), msg))
	return msg.CorrelationID
}

func feedFill(t *testing.T, a *Agent, fill types.Fill) {
	t.Helper()
	msg, err := bus.New("execution", bus.SubjectFills, fill)
	require.NoError(t, err)
	require.NoError(t, a.HandleMessage(context.Background(), msg))
}

func intentBTC(size float64) types.TradeIntent {
	return types.TradeIntent{
		ID:                uuid.New(),
		BookID:            "prop",
		StrategyID:        "momentum",
		Instrument:        "BTC-USD",
		Direction:         types.DirectionBuy,
		TargetExposureUSD: size,
		Confidence:        0.8,
	}
}

func TestApproveWithinLimits(t *testing.T) {
	a, pub := testAgent(t)
	corr := feedIntent(t, a, intentBTC(10_000))

	d, subject := pub.lastDecision()
	require.NotNil(t, d)
	assert.Equal(t, bus.SubjectRiskApproved, subject)
	assert.Equal(t, types.VerdictApprove, d.Decision)
	assert.Equal(t, 10_000.0, d.AdjustedSize)
	assert.Equal(t, corr, pub.messages[len(pub.messages)-1].correlationID)
}

func TestOversizedIntentScalesToSingleTradeCap(t *testing.T) {
	a, pub := testAgent(t)
	feedIntent(t, a, intentBTC(40_000))

	d, subject := pub.lastDecision()
	assert.Equal(t, bus.SubjectRiskApproved, subject)
	assert.Equal(t, types.VerdictApprove, d.Decision)
	assert.Equal(t, 25_000.0, d.AdjustedSize)
	assert.Equal(t, 10.0, d.RiskScore)
}

func TestLowConfidenceRejected(t *testing.T) {
	a, pub := testAgent(t)
	intent := intentBTC(10_000)
	intent.Confidence = 0.3
	feedIntent(t, a, intent)

	d, subject := pub.lastDecision()
	assert.Equal(t, bus.SubjectRiskRejected, subject)
	assert.Equal(t, types.VerdictReject, d.Decision)
	assert.Contains(t, d.ChecksFailed, "confidence")
	assert.GreaterOrEqual(t, d.RiskScore, 20.0)
}

func TestConcentrationRejected(t *testing.T) {
	a, pub := testAgent(t)
	// Build a 200k BTC position in the 1M book.
	for i := 0; i < 8; i++ {
		feedFill(t, a, types.Fill{
			OrderID: uuid.New(), Instrument: "BTC-USD", Side: types.DirectionBuy,
			BookID: "prop", SizeUSD: 25_000, FilledPrice: 50_000,
		})
	}

	feedIntent(t, a, intentBTC(100_000))
	d, subject := pub.lastDecision()
	assert.Equal(t, bus.SubjectRiskRejected, subject)
	assert.Contains(t, d.ChecksFailed, "concentration")
	found := false
	for _, r := range d.Reasons {
		if strings.Contains(r, "concentration") {
			found = true
		}
	}
	assert.True(t, found, "reasons %v should mention concentration", d.Reasons)
}

func TestPositionLimitScalesToRemainingCapacity(t *testing.T) {
	a, pub := testAgent(t)
	// Existing 90k BTC position.
	feedFill(t, a, types.Fill{
		OrderID: uuid.New(), Instrument: "BTC-USD", Side: types.DirectionBuy,
		BookID: "prop", SizeUSD: 90_000, FilledPrice: 50_000,
	})

	feedIntent(t, a, intentBTC(20_000))
	d, _ := pub.lastDecision()
	assert.Equal(t, types.VerdictApprove, d.Decision)
	assert.Equal(t, 10_000.0, d.AdjustedSize)
}

func TestDailyLossRejectsAndKillSwitchChain(t *testing.T) {
	a, pub := testAgent(t)

	// Daily loss beyond the 10k limit rejects new intents.
	feedFill(t, a, types.Fill{
		OrderID: uuid.New(), Instrument: "ETH-USD", Side: types.DirectionSell,
		BookID: "prop", SizeUSD: 10_000, FilledPrice: 3_000, PnL: -15_000,
	})
	feedIntent(t, a, intentBTC(5_000))
	d, subject := pub.lastDecision()
	assert.Equal(t, bus.SubjectRiskRejected, subject)
	assert.Contains(t, d.ChecksFailed, "daily_loss")
	assert.False(t, a.KillSwitchActive())

	// Past 1.5x the limit the kill switch trips and pauses everyone.
	feedFill(t, a, types.Fill{
		OrderID: uuid.New(), Instrument: "ETH-USD", Side: types.DirectionSell,
		BookID: "prop", SizeUSD: 1_000, FilledPrice: 3_000, PnL: -1_000,
	})
	assert.True(t, a.KillSwitchActive())
	require.NotEmpty(t, pub.pauseBroadcasts())

	// Every subsequent intent rejects on the switch.
	feedIntent(t, a, intentBTC(5_000))
	d, _ = pub.lastDecision()
	assert.Equal(t, types.VerdictReject, d.Decision)
	assert.Contains(t, d.ChecksFailed, "kill_switch")

	// Only an administrative reset clears it.
	msg, err := bus.New("admin", bus.SubjectControl, types.ControlCommand{
		Command: types.CommandKillSwitch, KillSwitch: types.KillSwitchReset, Reason: "operator",
	})
	require.NoError(t, err)
	require.NoError(t, a.HandleMessage(context.Background(), msg))
	assert.False(t, a.KillSwitchActive())
}

func TestStaleMetaDecisionRejects(t *testing.T) {
	a, pub := testAgent(t)
	feedMeta(t, a, &types.MetaDecision{
		GlobalState: types.GlobalNormal,
		DecidedAt:   time.Now().Add(-2 * time.Minute),
		ExpiresAt:   time.Now().Add(-time.Minute),
	})

	feedIntent(t, a, intentBTC(10_000))
	d, subject := pub.lastDecision()
	assert.Equal(t, bus.SubjectRiskRejected, subject)
	assert.Contains(t, d.ChecksFailed, "meta_gate")
}

func TestReduceOnlyAdmitsOnlyReducingIntents(t *testing.T) {
	a, pub := testAgent(t)
	feedMeta(t, a, &types.MetaDecision{
		GlobalState: types.GlobalReduceOnly,
		DecidedAt:   time.Now(),
		ExpiresAt:   time.Now().Add(30 * time.Second),
	})

	feedIntent(t, a, intentBTC(10_000))
	d, _ := pub.lastDecision()
	assert.Equal(t, types.VerdictReject, d.Decision)

	closing := intentBTC(10_000)
	closing.Direction = types.DirectionSell
	closing.ReducesExposure = true
	feedIntent(t, a, closing)
	d, _ = pub.lastDecision()
	assert.Equal(t, types.VerdictApprove, d.Decision)
}

func TestDisabledStrategyRejects(t *testing.T) {
	a, pub := testAgent(t)
	feedMeta(t, a, &types.MetaDecision{
		GlobalState:    types.GlobalNormal,
		StrategyStates: map[string]types.StrategyState{"momentum": types.StrategyDisable},
		DecidedAt:      time.Now(),
		ExpiresAt:      time.Now().Add(30 * time.Second),
	})

	feedIntent(t, a, intentBTC(10_000))
	d, _ := pub.lastDecision()
	assert.Equal(t, types.VerdictReject, d.Decision)
}

func TestSizeMultiplierShrinksApproval(t *testing.T) {
	a, pub := testAgent(t)
	feedMeta(t, a, &types.MetaDecision{
		GlobalState:     types.GlobalNormal,
		SizeMultipliers: map[string]float64{"momentum": 0.5},
		DecidedAt:       time.Now(),
		ExpiresAt:       time.Now().Add(30 * time.Second),
	})

	feedIntent(t, a, intentBTC(10_000))
	d, _ := pub.lastDecision()
	assert.Equal(t, types.VerdictApprove, d.Decision)
	assert.Equal(t, 5_000.0, d.AdjustedSize)
}

func TestQuarantinedAllocationRejects(t *testing.T) {
	a, pub := testAgent(t)
	msg, err := bus.New("allocation", bus.SubjectControl, types.ControlCommand{
		Command: types.CommandCapitalAllocation,
		Allocation: &types.PortfolioAllocation{
			Allocations: map[string]types.StrategyAllocation{
				"momentum": {IsQuarantined: true, QuarantineReason: "loss streak 5"},
			},
		},
	})
	require.NoError(t, err)
	require.NoError(t, a.HandleMessage(context.Background(), msg))

	feedIntent(t, a, intentBTC(10_000))
	d, _ := pub.lastDecision()
	assert.Equal(t, types.VerdictReject, d.Decision)
	assert.Contains(t, d.ChecksFailed, "allocation_gate")
}

func TestFillHandlingIdempotent(t *testing.T) {
	a, _ := testAgent(t)
	fill := types.Fill{
		OrderID: uuid.New(), Instrument: "BTC-USD", Side: types.DirectionBuy,
		BookID: "prop", SizeUSD: 10_000, FilledPrice: 50_000, PnL: -100,
	}
	msg, err := bus.New("execution", bus.SubjectFills, fill)
	require.NoError(t, err)

	require.NoError(t, a.HandleMessage(context.Background(), msg))
	require.NoError(t, a.HandleMessage(context.Background(), msg))

	p := a.pools[sharedPool]
	assert.Equal(t, 10_000.0, p.Positions["BTC-USD"])
	assert.Equal(t, -100.0, p.DailyPnL)
}

func TestZeroPriceFillRefused(t *testing.T) {
	a, _ := testAgent(t)
	feedFill(t, a, types.Fill{
		OrderID: uuid.New(), Instrument: "BTC-USD", Side: types.DirectionBuy,
		BookID: "prop", SizeUSD: 10_000, FilledPrice: 0, PnL: -100,
	})

	p := a.pools[sharedPool]
	assert.Empty(t, p.Positions)
	assert.Zero(t, p.DailyPnL)
}

func TestMemeBookLossIsolated(t *testing.T) {
	registry, err := books.NewRegistry([]config.BookConfig{
		{ID: "prop", Type: "PROP", CapitalAllocated: 900_000},
		{ID: "meme", Type: "MEME", CapitalAllocated: 100_000},
	}, zerolog.Nop())
	require.NoError(t, err)

	a := New(config.Default().Risk, 1_000_000, nil, registry, nil, zerolog.Nop())
	pub := &capturePub{}
	require.NoError(t, a.OnStart(context.Background(), pub))
	feedMeta(t, a, &types.MetaDecision{
		GlobalState: types.GlobalNormal,
		DecidedAt:   time.Now(),
		ExpiresAt:   time.Now().Add(30 * time.Second),
	})

	// A total MEME-book wipeout.
	feedFill(t, a, types.Fill{
		OrderID: uuid.New(), Instrument: "DOGE-USD", Side: types.DirectionSell,
		BookID: "meme", SizeUSD: 10_000, FilledPrice: 0.1, PnL: -100_000,
	})

	assert.False(t, a.KillSwitchActive())
	assert.Zero(t, a.pools[sharedPool].DailyPnL)

	// Shared-book intents still approve.
	feedIntent(t, a, intentBTC(10_000))
	d, _ := pub.lastDecision()
	assert.Equal(t, types.VerdictApprove, d.Decision)
}

func TestSnapshotRestoresKillSwitch(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()

	a := New(config.Default().Risk, 1_000_000, nil, nil, st, zerolog.Nop())
	pub := &capturePub{}
	require.NoError(t, a.OnStart(ctx, pub))
	feedMeta(t, a, &types.MetaDecision{
		GlobalState: types.GlobalNormal,
		DecidedAt:   time.Now(),
		ExpiresAt:   time.Now().Add(30 * time.Second),
	})
	feedFill(t, a, types.Fill{
		OrderID: uuid.New(), Instrument: "ETH-USD", Side: types.DirectionSell,
		BookID: "prop", SizeUSD: 1_000, FilledPrice: 3_000, PnL: -16_000,
	})
	require.True(t, a.KillSwitchActive())
	require.NoError(t, a.OnStop(ctx))

	// A restarted agent resumes with the switch still set.
	b := New(config.Default().Risk, 1_000_000, nil, nil, st, zerolog.Nop())
	require.NoError(t, b.OnStart(ctx, &capturePub{}))
	assert.True(t, b.KillSwitchActive())
	assert.Equal(t, -16_000.0, b.pools[sharedPool].DailyPnL)
}
