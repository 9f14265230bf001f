package types

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validIntent() TradeIntent {
	return TradeIntent{
		ID:                uuid.New(),
		BookID:            "prop",
		StrategyID:        "momentum",
		Instrument:        "BTC-USD",
		Direction:         DirectionBuy,
		TargetExposureUSD: 10_000,
		MaxLossUSD:        200,
		Confidence:        0.8,
	}
}

func TestTradeIntentValidate(t *testing.T) {
	valid := validIntent()
	assert.NoError(t, valid.Validate())

	cases := []struct {
		name   string
		mutate func(*TradeIntent)
	}{
		{"missing id", func(i *TradeIntent) { i.ID = uuid.Nil }},
		{"missing strategy", func(i *TradeIntent) { i.StrategyID = "" }},
		{"missing instrument", func(i *TradeIntent) { i.Instrument = "" }},
		{"bad direction", func(i *TradeIntent) { i.Direction = "sideways" }},
		{"negative size", func(i *TradeIntent) { i.TargetExposureUSD = -1 }},
		{"negative max loss", func(i *TradeIntent) { i.MaxLossUSD = -1 }},
		{"confidence above one", func(i *TradeIntent) { i.Confidence = 1.1 }},
		{"negative confidence", func(i *TradeIntent) { i.Confidence = -0.1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			intent := validIntent()
			tc.mutate(&intent)
			assert.Error(t, intent.Validate())
		})
	}
}

func TestOrderStatusTransitions(t *testing.T) {
	assert.True(t, CanTransition(OrderPending, OrderPartial))
	assert.True(t, CanTransition(OrderPending, OrderFilled))
	assert.True(t, CanTransition(OrderPending, OrderFailed))
	assert.True(t, CanTransition(OrderPending, OrderCancelled))
	assert.True(t, CanTransition(OrderPartial, OrderFilled))

	// Terminal states never move, and nothing goes backwards.
	assert.False(t, CanTransition(OrderFilled, OrderPending))
	assert.False(t, CanTransition(OrderFilled, OrderCancelled))
	assert.False(t, CanTransition(OrderCancelled, OrderFilled))
	assert.False(t, CanTransition(OrderFailed, OrderPending))
	assert.False(t, CanTransition(OrderPartial, OrderPending))
	assert.False(t, CanTransition(OrderFilled, OrderFilled))
}

func TestNewFillRefusesNonPositivePrice(t *testing.T) {
	order := &Order{
		ID:          uuid.New(),
		Instrument:  "BTC-USD",
		Side:        DirectionBuy,
		FilledSize:  10_000,
		FilledPrice: 0,
	}
	_, err := NewFill(order, 5)
	require.Error(t, err)

	order.FilledPrice = 50_000
	fill, err := NewFill(order, 5)
	require.NoError(t, err)
	assert.Equal(t, 10_000.0, fill.SizeUSD)
	assert.Zero(t, fill.PnL)
}

func TestMetaDecisionEffectiveState(t *testing.T) {
	now := time.Now()

	var missing *MetaDecision
	assert.Equal(t, GlobalHalted, missing.EffectiveState(now))

	fresh := &MetaDecision{GlobalState: GlobalNormal, ExpiresAt: now.Add(30 * time.Second)}
	assert.Equal(t, GlobalNormal, fresh.EffectiveState(now))

	stale := &MetaDecision{GlobalState: GlobalNormal, ExpiresAt: now.Add(-time.Second)}
	assert.Equal(t, GlobalHalted, stale.EffectiveState(now))
}

func TestMetaDecisionNormalizeEnforcesHaltedInvariant(t *testing.T) {
	d := &MetaDecision{
		GlobalState:     GlobalHalted,
		StrategyStates:  map[string]StrategyState{"momentum": StrategyEnable},
		SizeMultipliers: map[string]float64{"momentum": 0.8},
		Confidence:      0.9,
	}
	d.Normalize()
	assert.Equal(t, StrategyDisable, d.StrategyStates["momentum"])
	assert.Zero(t, d.SizeMultipliers["momentum"])
	assert.Zero(t, d.Confidence)
}

func TestMetaDecisionNormalizeClamps(t *testing.T) {
	d := &MetaDecision{
		GlobalState:     GlobalNormal,
		SizeMultipliers: map[string]float64{"a": 1.7, "b": -0.2},
		Confidence:      1.4,
	}
	d.Normalize()
	assert.Equal(t, 1.0, d.SizeMultipliers["a"])
	assert.Zero(t, d.SizeMultipliers["b"])
	assert.Equal(t, 1.0, d.Confidence)
}

func TestMetaDecisionDefaults(t *testing.T) {
	d := &MetaDecision{}
	assert.Equal(t, 1.0, d.Multiplier("unknown"))
	assert.Equal(t, StrategyEnable, d.StateFor("unknown"))
}

func TestPortfolioAllocationWeightSum(t *testing.T) {
	p := &PortfolioAllocation{
		Allocations: map[string]StrategyAllocation{
			"momentum": {Weight: 0.3},
			"breakout": {Weight: 0.2},
		},
		CashReservePct: 0.5,
	}
	assert.True(t, p.WeightSumValid(1e-9))

	p.CashReservePct = 0.4
	assert.False(t, p.WeightSumValid(1e-9))
}

func TestControlCommandAppliesTo(t *testing.T) {
	broadcast := &ControlCommand{Command: CommandPause}
	assert.True(t, broadcast.AppliesTo("risk"))
	assert.True(t, broadcast.AppliesTo("execution"))

	targeted := &ControlCommand{Command: CommandPause, Target: "execution"}
	assert.True(t, targeted.AppliesTo("execution"))
	assert.False(t, targeted.AppliesTo("risk"))
}
