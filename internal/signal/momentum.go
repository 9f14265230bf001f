// Package signal hosts the built-in signal agents: a momentum agent that
// derives trade intents from EMA and RSI, and a bridge that validates
// externally produced intents onto the risk queue.
package signal

import (
	"context"
	"math"
	"time"

	"github.com/cinar/indicator/v2/momentum"
	"github.com/cinar/indicator/v2/trend"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quantfabric/controlplane/internal/agents"
	"github.com/quantfabric/controlplane/internal/bus"
	"github.com/quantfabric/controlplane/internal/config"
	"github.com/quantfabric/controlplane/internal/lifecycle"
	"github.com/quantfabric/controlplane/internal/types"
)

// StrategyID is the momentum agent's strategy identity.
const StrategyID = "momentum"

// maxHistory bounds the per-instrument price buffer.
const maxHistory = 512

// Momentum is a signal agent proposing trades when price momentum and
// RSI agree. It holds until the meta and risk agents are alive on the
// bus, and consults the lifecycle manager before emitting.
type Momentum struct {
	cfg       config.SignalConfig
	lifecycle *lifecycle.Manager
	paper     bool
	log       zerolog.Logger
	pub       agents.Publisher
	now       func() time.Time

	prices    map[string][]float64
	positions map[string]float64 // signed USD from own fills
	lastBeat  map[string]time.Time
	lastEmit  map[string]time.Time
}

// NewMomentum creates the momentum signal agent. lm may be nil, in which
// case lifecycle gating is skipped.
func NewMomentum(cfg config.SignalConfig, lm *lifecycle.Manager, paperMode bool, log zerolog.Logger) *Momentum {
	if lm != nil {
		lm.Register(StrategyID)
	}
	return &Momentum{
		cfg:       cfg,
		lifecycle: lm,
		paper:     paperMode,
		log:       log.With().Str("agent_id", StrategyID).Logger(),
		now:       time.Now,
		prices:    make(map[string][]float64),
		positions: make(map[string]float64),
		lastBeat:  make(map[string]time.Time),
		lastEmit:  make(map[string]time.Time),
	}
}

func (m *Momentum) Name() string { return StrategyID }
func (m *Momentum) Type() string { return "signal" }

func (m *Momentum) Subjects() []bus.Subject {
	return []bus.Subject{bus.SubjectMarketData, bus.SubjectFills}
}

func (m *Momentum) CycleInterval() time.Duration { return time.Second }

func (m *Momentum) OnStart(ctx context.Context, pub agents.Publisher) error {
	m.pub = pub
	return nil
}

func (m *Momentum) OnStop(ctx context.Context) error { return nil }
func (m *Momentum) OnPause()                         {}
func (m *Momentum) OnResume()                        {}

func (m *Momentum) HandleMessage(ctx context.Context, msg *bus.Message) error {
	switch msg.Subject {
	case bus.SubjectMarketData:
		var snap types.MarketSnapshot
		if err := msg.Decode(&snap); err != nil {
			return err
		}
		if snap.Price <= 0 {
			return nil
		}
		hist := append(m.prices[snap.Instrument], snap.Price)
		if len(hist) > maxHistory {
			hist = hist[len(hist)-maxHistory:]
		}
		m.prices[snap.Instrument] = hist
	case bus.SubjectHeartbeat:
		var hb types.Heartbeat
		if err := msg.Decode(&hb); err != nil {
			return err
		}
		m.lastBeat[hb.AgentType] = m.now()
	case bus.SubjectFills:
		var fill types.Fill
		if err := msg.Decode(&fill); err != nil {
			return err
		}
		if fill.StrategyID != StrategyID {
			return nil
		}
		delta := fill.SizeUSD
		if fill.Side == types.DirectionSell {
			delta = -delta
		}
		m.positions[fill.Instrument] += delta
	}
	return nil
}

// Cycle scans every tracked instrument and emits at most one intent per
// instrument per cooldown.
func (m *Momentum) Cycle(ctx context.Context) error {
	if !m.gatekeepersAlive() {
		return nil
	}
	if m.lifecycle != nil && !m.lifecycle.CanTrade(StrategyID, m.paper) {
		return nil
	}

	now := m.now()
	for _, instrument := range m.cfg.Instruments {
		hist := m.prices[instrument]
		if len(hist) < m.cfg.MinHistory {
			continue
		}
		if last, ok := m.lastEmit[instrument]; ok && now.Sub(last) < m.cfg.Cooldown {
			continue
		}

		intent, ok := m.propose(instrument, hist)
		if !ok {
			continue
		}
		m.lastEmit[instrument] = now

		// Observability copy first, then the risk queue.
		if err := m.pub.Publish(ctx, bus.SubjectSignals, intent); err != nil {
			return err
		}
		if err := m.pub.Publish(ctx, bus.SubjectRiskCheck, intent); err != nil {
			return err
		}
		m.log.Info().
			Str("instrument", instrument).
			Str("direction", string(intent.Direction)).
			Float64("confidence", intent.Confidence).
			Msg("Intent emitted")
	}
	return nil
}

// gatekeepersAlive holds emission until meta and risk have been seen
// heartbeating; intents emitted into a gateless bus would be dropped or,
// worse, approved against nothing.
func (m *Momentum) gatekeepersAlive() bool {
	for _, critical := range []string{"meta_decision", "risk"} {
		if _, ok := m.lastBeat[critical]; !ok {
			return false
		}
	}
	return true
}

// propose derives an intent from EMA trend plus RSI confirmation.
func (m *Momentum) propose(instrument string, hist []float64) (*types.TradeIntent, bool) {
	price := hist[len(hist)-1]
	ema, ok := lastValue(trend.NewEmaWithPeriod[float64](m.cfg.EMAPeriod), hist)
	if !ok {
		return nil, false
	}
	rsi, ok := lastValue(momentum.NewRsiWithPeriod[float64](m.cfg.RSIPeriod), hist)
	if !ok {
		return nil, false
	}

	position := m.positions[instrument]
	var direction types.Direction
	switch {
	case price > ema && rsi > 50 && rsi < 70:
		direction = types.DirectionBuy
	case price < ema && rsi < 50 && rsi > 30:
		direction = types.DirectionSell
	default:
		return nil, false
	}

	// Confidence grows with RSI distance from the 50 midline.
	confidence := 0.5 + math.Min(math.Abs(rsi-50)/50, 0.4)

	intent := &types.TradeIntent{
		ID:                   uuid.New(),
		BookID:               m.cfg.BookID,
		StrategyID:           StrategyID,
		Instrument:           instrument,
		Direction:            direction,
		TargetExposureUSD:    m.cfg.IntentSizeUSD,
		MaxLossUSD:           m.cfg.IntentSizeUSD * 0.02,
		Confidence:           confidence,
		LiquidityRequirement: types.LiquidityNormal,
		ReducesExposure: (direction == types.DirectionSell && position > 0) ||
			(direction == types.DirectionBuy && position < 0),
		Metadata: map[string]interface{}{
			"reference_price": price,
			"ema":             ema,
			"rsi":             rsi,
		},
	}
	return intent, true
}

// computer is the shared shape of the streaming indicators.
type computer interface {
	Compute(<-chan float64) <-chan float64
}

// lastValue runs prices through the indicator and returns its final
// output.
func lastValue(ind computer, prices []float64) (float64, bool) {
	in := make(chan float64, len(prices))
	for _, p := range prices {
		in <- p
	}
	close(in)

	var out float64
	var any bool
	for v := range ind.Compute(in) {
		out = v
		any = true
	}
	return out, any
}
