// Package meta implements the meta-decision agent, the supreme gate of
// the veto chain. It decides whether trading is allowed and at what
// intensity, never what to trade, and fail-safes to HALTED whenever its
// inputs look wrong.
package meta

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfabric/controlplane/internal/agents"
	"github.com/quantfabric/controlplane/internal/alerts"
	"github.com/quantfabric/controlplane/internal/bus"
	"github.com/quantfabric/controlplane/internal/config"
	"github.com/quantfabric/controlplane/internal/types"
)

const (
	// AgentID is the meta agent's bus identity.
	AgentID = "meta"

	// returnWindow is how many 1-minute returns are kept per instrument
	// for the correlation estimate.
	returnWindow = 30
	// minCorrelationSamples is the minimum overlapping returns before a
	// pair contributes to the correlation regime check.
	minCorrelationSamples = 10
	// alertWindow bounds how long a critical alert counts as stress.
	alertWindow = 5 * time.Minute
)

// instrumentState is the rolling market view of one instrument.
type instrumentState struct {
	last    types.MarketSnapshot
	returns []float64 // recent |1m return|/price samples, newest last
}

// stratQuality accumulates execution quality per strategy.
type stratQuality struct {
	fills         int
	totalSlippage float64
}

// Agent is the meta-decision agent.
type Agent struct {
	cfg       config.MetaConfig
	heartbeat time.Duration
	alerter   *alerts.Manager
	log       zerolog.Logger
	pub       agents.Publisher
	now       func() time.Time

	instruments map[string]*instrumentState
	lastBeat    map[string]time.Time // agent type -> last heartbeat
	quality     map[string]*stratQuality
	alertTimes  []time.Time
	strategies  map[string]bool
	seenFills   *agents.Dedup

	lastState types.GlobalState
	haveState bool
}

// New creates the meta-decision agent. heartbeat is the runtime
// heartbeat interval the liveness window derives from.
func New(cfg config.MetaConfig, heartbeat time.Duration, alerter *alerts.Manager, log zerolog.Logger) *Agent {
	a := &Agent{
		cfg:         cfg,
		heartbeat:   heartbeat,
		alerter:     alerter,
		log:         log.With().Str("agent_id", AgentID).Logger(),
		now:         time.Now,
		instruments: make(map[string]*instrumentState),
		lastBeat:    make(map[string]time.Time),
		quality:     make(map[string]*stratQuality),
		strategies:  make(map[string]bool),
		seenFills:   agents.NewDedup(0),
	}
	for _, s := range cfg.NonEssentialStrategies {
		a.strategies[s] = true
	}
	for _, s := range cfg.TrendFollowStrategies {
		a.strategies[s] = true
	}
	return a
}

func (a *Agent) Name() string { return AgentID }
func (a *Agent) Type() string { return "meta_decision" }

func (a *Agent) Subjects() []bus.Subject {
	return []bus.Subject{bus.SubjectMarketData, bus.SubjectFills, bus.SubjectAlerts}
}

func (a *Agent) CycleInterval() time.Duration { return a.cfg.Interval }

func (a *Agent) OnStart(ctx context.Context, pub agents.Publisher) error {
	a.pub = pub
	return nil
}

func (a *Agent) OnStop(ctx context.Context) error { return nil }
func (a *Agent) OnPause()                         {}
func (a *Agent) OnResume()                        {}

// HandleMessage folds bus traffic into the rolling inputs. A critical
// alert triggers an immediate re-evaluation so state changes broadcast
// without waiting for the next tick.
func (a *Agent) HandleMessage(ctx context.Context, msg *bus.Message) error {
	switch msg.Subject {
	case bus.SubjectMarketData:
		var snap types.MarketSnapshot
		if err := msg.Decode(&snap); err != nil {
			return err
		}
		a.observeMarket(snap)
	case bus.SubjectHeartbeat:
		var hb types.Heartbeat
		if err := msg.Decode(&hb); err != nil {
			return err
		}
		a.lastBeat[hb.AgentType] = a.now()
	case bus.SubjectFills:
		var fill types.Fill
		if err := msg.Decode(&fill); err != nil {
			return err
		}
		if a.seenFills.Seen(msg.ID.String()) {
			return nil
		}
		a.strategies[fill.StrategyID] = true
		q := a.quality[fill.StrategyID]
		if q == nil {
			q = &stratQuality{}
			a.quality[fill.StrategyID] = q
		}
		q.fills++
		q.totalSlippage += math.Abs(fill.Slippage)
	case bus.SubjectAlerts:
		var alert types.AlertEvent
		if err := msg.Decode(&alert); err != nil {
			return err
		}
		if alert.Severity == types.AlertCritical && alert.Source != AgentID {
			a.alertTimes = append(a.alertTimes, a.now())
			return a.broadcast(ctx, true)
		}
	}
	return nil
}

// Cycle evaluates and broadcasts the current decision.
func (a *Agent) Cycle(ctx context.Context) error {
	return a.broadcast(ctx, false)
}

func (a *Agent) observeMarket(snap types.MarketSnapshot) {
	st := a.instruments[snap.Instrument]
	if st == nil {
		st = &instrumentState{}
		a.instruments[snap.Instrument] = st
	}
	st.last = snap
	if snap.Price > 0 {
		st.returns = append(st.returns, snap.PriceChange1m/snap.Price)
		if len(st.returns) > returnWindow {
			st.returns = st.returns[len(st.returns)-returnWindow:]
		}
	}
}

// broadcast evaluates the decision and publishes it. onChangeOnly limits
// the publish to actual state changes (used for alert-driven re-checks).
func (a *Agent) broadcast(ctx context.Context, onChangeOnly bool) error {
	decision := a.safeEvaluate(ctx)

	changed := !a.haveState || decision.GlobalState != a.lastState
	if onChangeOnly && !changed {
		return nil
	}
	if changed {
		a.log.Info().
			Str("state", string(decision.GlobalState)).
			Str("regime", string(decision.Regime)).
			Strs("reasons", decision.ReasonCodes).
			Msg("Global state changed")
	}
	a.lastState = decision.GlobalState
	a.haveState = true

	cmd := types.ControlCommand{
		Command:  types.CommandMetaDecision,
		Source:   AgentID,
		Decision: decision,
	}
	return a.pub.Publish(ctx, bus.SubjectControl, cmd)
}

// safeEvaluate never lets an evaluation error or panic escape: any
// anomaly produces a HALTED decision with reason fail_safe_activated.
func (a *Agent) safeEvaluate(ctx context.Context) (decision *types.MetaDecision) {
	defer func() {
		if rec := recover(); rec != nil {
			a.log.Error().Interface("panic", rec).Msg("Meta evaluation panicked, failing safe")
			decision = a.failSafe()
			if a.alerter != nil {
				_ = a.alerter.Critical(ctx, AgentID, "fail_safe_activated",
					fmt.Sprintf("meta evaluation panicked: %v", rec), nil)
			}
		}
	}()

	d, err := a.evaluate()
	if err != nil {
		a.log.Error().Err(err).Msg("Meta evaluation failed, failing safe")
		if a.alerter != nil {
			_ = a.alerter.Critical(ctx, AgentID, "fail_safe_activated", err.Error(), nil)
		}
		return a.failSafe()
	}
	return d
}

func (a *Agent) failSafe() *types.MetaDecision {
	d := a.newDecision()
	d.GlobalState = types.GlobalHalted
	d.Regime = types.RegimeChoppy
	d.Confidence = 0
	d.ReasonCodes = []string{"fail_safe_activated"}
	a.finalize(d)
	return d
}

// newDecision seeds a NORMAL decision enabling every known strategy at
// full size.
func (a *Agent) newDecision() *types.MetaDecision {
	d := &types.MetaDecision{
		GlobalState:     types.GlobalNormal,
		StrategyStates:  make(map[string]types.StrategyState, len(a.strategies)),
		SizeMultipliers: make(map[string]float64, len(a.strategies)),
		Regime:          types.RegimeTrending,
		Confidence:      1.0,
	}
	for s := range a.strategies {
		d.StrategyStates[s] = types.StrategyEnable
		d.SizeMultipliers[s] = 1.0
	}
	return d
}

// evaluate runs the decision checks in fixed order. The first check that
// forces HALTED short-circuits the rest.
func (a *Agent) evaluate() (*types.MetaDecision, error) {
	now := a.now()
	d := a.newDecision()

	// 1. Data presence and freshness.
	if len(a.instruments) == 0 {
		d.GlobalState = types.GlobalHalted
		d.Regime = types.RegimeChoppy
		d.Confidence = 0
		d.ReasonCodes = append(d.ReasonCodes, "no_market_data")
		a.finalize(d)
		return d, nil
	}
	for _, st := range a.instruments {
		if st.last.Price <= 0 {
			return nil, fmt.Errorf("non-positive price %.4f for %s", st.last.Price, st.last.Instrument)
		}
		if now.Sub(st.last.Timestamp) > a.cfg.MarketDataStaleAfter {
			d.GlobalState = types.GlobalHalted
			d.Regime = types.RegimeChoppy
			d.Confidence = 0
			d.ReasonCodes = append(d.ReasonCodes, "market_data_stale")
			a.finalize(d)
			return d, nil
		}
	}

	// 2. Critical-agent liveness.
	for _, critical := range []string{"risk", "execution"} {
		if beat, ok := a.lastBeat[critical]; !ok || now.Sub(beat) > 2*a.heartbeat {
			d.GlobalState = types.GlobalHalted
			d.Confidence = 0
			d.ReasonCodes = append(d.ReasonCodes, "agent_missing:"+critical)
			a.finalize(d)
			return d, nil
		}
	}

	// 3. Volatility regime.
	vol := a.meanVolatility()
	switch {
	case vol >= a.cfg.CrisisVolatility:
		d.GlobalState = types.GlobalHalted
		d.Regime = types.RegimeCrisis
		d.ReasonCodes = append(d.ReasonCodes, "volatility_crisis")
		a.finalize(d)
		return d, nil
	case vol >= a.cfg.HighVolatility:
		d.GlobalState = types.GlobalReduceOnly
		d.Regime = types.RegimeVolatile
		a.scaleAll(d, 0.25)
		d.Confidence *= 0.5
		d.ReasonCodes = append(d.ReasonCodes, "volatility_high")
	case vol >= a.cfg.NormalVolatility:
		d.Regime = types.RegimeChoppy
		for _, s := range a.cfg.TrendFollowStrategies {
			d.StrategyStates[s] = types.StrategyDisable
			d.SizeMultipliers[s] = 0
		}
		a.scaleAll(d, 0.5)
		d.Confidence *= 0.7
		d.ReasonCodes = append(d.ReasonCodes, "volatility_elevated")
	default:
		d.Regime = types.RegimeTrending
	}

	// 4. Liquidity.
	for _, st := range a.instruments {
		if st.last.Spread/st.last.Price > a.cfg.DegradedSpread {
			a.scaleAll(d, 0.5)
			d.Confidence *= 0.8
			d.ReasonCodes = append(d.ReasonCodes, "liquidity_degraded:"+st.last.Instrument)
			break
		}
	}

	// 5. Execution quality.
	for _, strategy := range a.sortedStrategies() {
		q := a.quality[strategy]
		if q == nil || q.fills == 0 {
			continue
		}
		if q.totalSlippage/float64(q.fills) > a.cfg.MaxAvgSlippage {
			if d.StrategyStates[strategy] != types.StrategyDisable {
				d.StrategyStates[strategy] = types.StrategyReduceSize
			}
			d.SizeMultipliers[strategy] *= 0.5
			d.ReasonCodes = append(d.ReasonCodes, "slippage:"+strategy)
		}
	}

	// 6. System stress.
	if a.recentCriticalAlerts(now) > a.cfg.MaxCriticalAlerts {
		if d.GlobalState == types.GlobalNormal {
			d.GlobalState = types.GlobalReduceOnly
		}
		d.Confidence *= 0.5
		d.ReasonCodes = append(d.ReasonCodes, "system_stress")
	}

	// 7. Correlation regime.
	if a.highCorrelationPairs() > a.cfg.MaxHighCorrelations {
		a.scaleAll(d, 0.7)
		d.ReasonCodes = append(d.ReasonCodes, "correlation_regime")
	}

	a.finalize(d)
	return d, nil
}

// finalize applies step 8: non-essential shutoff outside NORMAL, clamps,
// and the validity window.
func (a *Agent) finalize(d *types.MetaDecision) {
	if d.GlobalState != types.GlobalNormal {
		for _, s := range a.cfg.NonEssentialStrategies {
			d.StrategyStates[s] = types.StrategyDisable
			d.SizeMultipliers[s] = 0
		}
	}
	d.Normalize()
	now := a.now()
	d.DecidedAt = now
	d.ExpiresAt = now.Add(a.cfg.DecisionTTL)
}

func (a *Agent) scaleAll(d *types.MetaDecision, factor float64) {
	for s := range d.SizeMultipliers {
		d.SizeMultipliers[s] *= factor
	}
}

func (a *Agent) sortedStrategies() []string {
	out := make([]string, 0, len(a.strategies))
	for s := range a.strategies {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// meanVolatility is the mean absolute 1-minute return over price across
// instruments.
func (a *Agent) meanVolatility() float64 {
	var sum float64
	var n int
	for _, st := range a.instruments {
		if st.last.Price <= 0 {
			continue
		}
		sum += math.Abs(st.last.PriceChange1m) / st.last.Price
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func (a *Agent) recentCriticalAlerts(now time.Time) int {
	cutoff := now.Add(-alertWindow)
	kept := a.alertTimes[:0]
	for _, t := range a.alertTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	a.alertTimes = kept
	return len(kept)
}

// highCorrelationPairs counts instrument pairs whose recent returns
// correlate above the configured threshold.
func (a *Agent) highCorrelationPairs() int {
	ids := make([]string, 0, len(a.instruments))
	for id, st := range a.instruments {
		if len(st.returns) >= minCorrelationSamples {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	count := 0
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			c := pearson(a.instruments[ids[i]].returns, a.instruments[ids[j]].returns)
			if math.Abs(c) > a.cfg.HighCorrelation {
				count++
			}
		}
	}
	return count
}

// pearson computes the correlation of the overlapping tails of x and y.
func pearson(x, y []float64) float64 {
	n := len(x)
	if len(y) < n {
		n = len(y)
	}
	if n < minCorrelationSamples {
		return 0
	}
	x = x[len(x)-n:]
	y = y[len(y)-n:]

	var sumX, sumY float64
	for i := 0; i < n; i++ {
		sumX += x[i]
		sumY += y[i]
	}
	meanX, meanY := sumX/float64(n), sumY/float64(n)

	var cov, varX, varY float64
	for i := 0; i < n; i++ {
		dx, dy := x[i]-meanX, y[i]-meanY
		cov += dx * dy
		varX += dx * dx
		varY += dy * dy
	}
	if varX == 0 || varY == 0 {
		return 0
	}
	return cov / math.Sqrt(varX*varY)
}
