// Package allocation implements the capital-allocation agent: it scores
// strategies from realized fills, applies the regime broadcast by the
// meta agent, quarantines underperformers, and publishes the portfolio
// allocation the risk agent sizes against.
package allocation

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfabric/controlplane/internal/agents"
	"github.com/quantfabric/controlplane/internal/alerts"
	"github.com/quantfabric/controlplane/internal/books"
	"github.com/quantfabric/controlplane/internal/bus"
	"github.com/quantfabric/controlplane/internal/config"
	"github.com/quantfabric/controlplane/internal/lifecycle"
	"github.com/quantfabric/controlplane/internal/types"
)

// AgentID is the allocation agent's bus identity.
const AgentID = "allocation"

// regimeMultipliers maps the broadcast regime to the portfolio-wide
// sizing multiplier.
var regimeMultipliers = map[types.Regime]float64{
	types.RegimeTrending: 1.0,
	types.RegimeRanging:  0.8,
	types.RegimeChoppy:   0.5,
	types.RegimeVolatile: 0.3,
	types.RegimeCrisis:   0.0,
}

// perfStats accumulates realized performance for one strategy.
type perfStats struct {
	tradeCount    int
	winCount      int
	lossStreak    int
	totalPnL      float64
	peakPnL       float64
	maxDrawdown   float64 // fraction of the strategy's capital base
	totalSlippage float64
	totalAbsPnL   float64
	peakScore     float64 // best clamped performance score observed
}

// Agent is the capital-allocation agent.
type Agent struct {
	cfg       config.AllocationConfig
	alerter   *alerts.Manager
	lifecycle *lifecycle.Manager
	books     *books.Registry
	log       zerolog.Logger
	pub       agents.Publisher
	now       func() time.Time

	perf        map[string]*perfStats
	quarantined map[string]string // strategy -> reason
	seenFills   *agents.Dedup
	regime      types.Regime
	zeroed      bool
}

// New creates the allocation agent. lifecycle and bookRegistry may be
// nil in tests.
func New(cfg config.AllocationConfig, alerter *alerts.Manager, lm *lifecycle.Manager, br *books.Registry, log zerolog.Logger) *Agent {
	return &Agent{
		cfg:         cfg,
		alerter:     alerter,
		lifecycle:   lm,
		books:       br,
		log:         log.With().Str("agent_id", AgentID).Logger(),
		now:         time.Now,
		perf:        make(map[string]*perfStats),
		quarantined: make(map[string]string),
		seenFills:   agents.NewDedup(0),
		regime:      types.RegimeTrending,
	}
}

func (a *Agent) Name() string { return AgentID }
func (a *Agent) Type() string { return "capital_allocation" }

func (a *Agent) Subjects() []bus.Subject {
	return []bus.Subject{bus.SubjectFills}
}

func (a *Agent) CycleInterval() time.Duration { return a.cfg.Interval }

func (a *Agent) OnStart(ctx context.Context, pub agents.Publisher) error {
	a.pub = pub
	return nil
}

func (a *Agent) OnStop(ctx context.Context) error { return nil }

// OnPause zeroes every allocation and broadcasts immediately so nothing
// downstream keeps sizing against a stale allocation.
func (a *Agent) OnPause() {
	a.zeroed = true
	alloc := a.zeroAllocation()
	cmd := types.ControlCommand{Command: types.CommandCapitalAllocation, Source: AgentID, Allocation: alloc}
	if err := a.pub.Publish(context.Background(), bus.SubjectControl, cmd); err != nil {
		a.log.Error().Err(err).Msg("Failed to broadcast zeroed allocation")
	}
}

func (a *Agent) OnResume() { a.zeroed = false }

func (a *Agent) HandleMessage(ctx context.Context, msg *bus.Message) error {
	switch msg.Subject {
	case bus.SubjectFills:
		var fill types.Fill
		if err := msg.Decode(&fill); err != nil {
			return err
		}
		return a.handleFill(ctx, msg.ID.String(), fill)
	case bus.SubjectControl:
		var cmd types.ControlCommand
		if err := msg.Decode(&cmd); err != nil {
			return err
		}
		switch cmd.Command {
		case types.CommandMetaDecision:
			if cmd.Decision == nil {
				return nil
			}
			if a.regime != cmd.Decision.Regime {
				a.log.Info().
					Str("from", string(a.regime)).
					Str("to", string(cmd.Decision.Regime)).
					Msg("Regime changed")
			}
			a.regime = cmd.Decision.Regime
		// Operator lifecycle commands; refusals are logged, not returned,
		// so a bad command never counts against the agent's error window.
		case types.CommandPromoteStrategy:
			if a.lifecycle != nil && cmd.StrategyID != "" {
				if err := a.lifecycle.Promote(cmd.StrategyID, cmd.Reason); err != nil {
					a.log.Warn().Err(err).Str("strategy", cmd.StrategyID).Msg("Promote command refused")
				}
			}
		case types.CommandDisableStrategy:
			if a.lifecycle != nil && cmd.StrategyID != "" {
				if err := a.lifecycle.Disable(cmd.StrategyID, cmd.Reason); err != nil {
					a.log.Warn().Err(err).Str("strategy", cmd.StrategyID).Msg("Disable command refused")
				}
			}
		}
	}
	return nil
}

// Cycle scores the live strategies against the lifecycle thresholds,
// then recomputes and broadcasts the portfolio allocation.
func (a *Agent) Cycle(ctx context.Context) error {
	a.evaluateLifecycle(ctx)
	alloc := a.compute()
	cmd := types.ControlCommand{Command: types.CommandCapitalAllocation, Source: AgentID, Allocation: alloc}
	return a.pub.Publish(ctx, bus.SubjectControl, cmd)
}

// evaluateLifecycle feeds every strategy with a scoreable sample through
// the lifecycle evaluator. Breaches land in the same quarantine path the
// local triggers use; the manager itself only acts on ACTIVE strategies.
func (a *Agent) evaluateLifecycle(ctx context.Context) {
	if a.lifecycle == nil {
		return
	}
	for strategy, p := range a.perf {
		if p.tradeCount < a.cfg.MinTradesForScore {
			continue
		}
		score := math.Min(1, a.performanceScore(strategy))
		if score > p.peakScore {
			p.peakScore = score
		}
		retention := 1.0
		if p.peakScore > 0 {
			retention = score / p.peakScore
		}
		reason, err := a.lifecycle.Evaluate(strategy, lifecycle.Metrics{
			EdgeRetention:    retention,
			PerformanceScore: score,
			Drawdown:         p.maxDrawdown,
			ExecQuality:      a.execQuality(p),
		})
		if err != nil {
			a.log.Error().Err(err).Str("strategy", strategy).Msg("Lifecycle evaluation failed")
			continue
		}
		if reason != "" {
			a.noteQuarantine(ctx, strategy, reason)
		}
	}
}

// execQuality maps average slippage onto [0,1], decaying linearly to
// zero at ten times the local slippage trigger.
func (a *Agent) execQuality(p *perfStats) float64 {
	if p.tradeCount == 0 || a.cfg.QuarantineSlippage <= 0 {
		return 1
	}
	avg := p.totalSlippage / float64(p.tradeCount)
	return math.Max(0, 1-avg/(10*a.cfg.QuarantineSlippage))
}

// handleFill folds one fill into the strategy's stats and runs the
// auto-quarantine triggers. Fills on isolated books never touch the
// shared metrics.
func (a *Agent) handleFill(ctx context.Context, msgID string, fill types.Fill) error {
	if a.seenFills.Seen(msgID) {
		return nil
	}

	if a.books != nil && a.books.IsIsolated(fill.BookID) {
		return nil
	}

	p := a.perf[fill.StrategyID]
	if p == nil {
		p = &perfStats{}
		a.perf[fill.StrategyID] = p
	}

	p.tradeCount++
	p.totalPnL += fill.PnL
	p.totalAbsPnL += math.Abs(fill.PnL)
	p.totalSlippage += math.Abs(fill.Slippage)
	switch {
	case fill.PnL > 0:
		p.winCount++
		p.lossStreak = 0
	case fill.PnL < 0:
		p.lossStreak++
	}
	if p.totalPnL > p.peakPnL {
		p.peakPnL = p.totalPnL
	}
	if base := a.capitalBase(fill.StrategyID); base > 0 {
		dd := (p.peakPnL - p.totalPnL) / base
		if dd > p.maxDrawdown {
			p.maxDrawdown = dd
		}
	}

	if reason := a.quarantineTrigger(fill.StrategyID, p); reason != "" {
		a.quarantine(ctx, fill.StrategyID, reason)
	}
	return nil
}

// quarantineTrigger returns the first tripped trigger, empty when none.
func (a *Agent) quarantineTrigger(strategy string, p *perfStats) string {
	if _, already := a.quarantined[strategy]; already {
		return ""
	}
	switch {
	case p.maxDrawdown > a.cfg.QuarantineDrawdown:
		return fmt.Sprintf("max drawdown %.1f%% above %.1f%%", p.maxDrawdown*100, a.cfg.QuarantineDrawdown*100)
	case p.lossStreak >= a.cfg.QuarantineLossStreak:
		return fmt.Sprintf("loss streak %d", p.lossStreak)
	case p.tradeCount >= 10 && p.totalPnL/float64(p.tradeCount) < 0:
		return fmt.Sprintf("negative expectancy %.2f over %d trades", p.totalPnL/float64(p.tradeCount), p.tradeCount)
	case p.tradeCount > 0 && p.totalSlippage/float64(p.tradeCount) > a.cfg.QuarantineSlippage:
		return fmt.Sprintf("average slippage %.4f above %.4f", p.totalSlippage/float64(p.tradeCount), a.cfg.QuarantineSlippage)
	}
	return ""
}

// quarantine marks the strategy and pushes the transition through the
// lifecycle manager.
func (a *Agent) quarantine(ctx context.Context, strategy, reason string) {
	if a.lifecycle != nil {
		if err := a.lifecycle.Quarantine(strategy, reason); err != nil {
			a.log.Debug().Err(err).Str("strategy", strategy).Msg("Lifecycle quarantine skipped")
		}
	}
	a.noteQuarantine(ctx, strategy, reason)
}

// noteQuarantine records the local flag and raises the alert; the flag
// persists until cleared administratively.
func (a *Agent) noteQuarantine(ctx context.Context, strategy, reason string) {
	a.quarantined[strategy] = reason
	a.log.Warn().Str("strategy", strategy).Str("reason", reason).Msg("Strategy quarantined")
	if a.alerter != nil {
		_ = a.alerter.Warning(ctx, AgentID, "strategy_quarantined", reason,
			map[string]interface{}{"strategy": strategy})
	}
}

// ClearQuarantine lifts a quarantine administratively.
func (a *Agent) ClearQuarantine(strategy string) {
	delete(a.quarantined, strategy)
}

// capitalBase is the strategy's nominal capital slice used to express
// drawdown as a fraction.
func (a *Agent) capitalBase(strategy string) float64 {
	if w, ok := a.cfg.BaseWeights[strategy]; ok && w > 0 {
		return a.cfg.TotalCapital * w
	}
	return a.cfg.TotalCapital * 0.05
}

func (a *Agent) strategies() []string {
	set := make(map[string]bool, len(a.cfg.BaseWeights))
	for s := range a.cfg.BaseWeights {
		set[s] = true
	}
	for s := range a.perf {
		set[s] = true
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// compute builds the portfolio allocation from the current stats.
func (a *Agent) compute() *types.PortfolioAllocation {
	if a.zeroed {
		return a.zeroAllocation()
	}

	regimeMult := regimeMultipliers[a.regime]
	allocs := make(map[string]types.StrategyAllocation)
	var weightSum float64

	for _, strategy := range a.strategies() {
		sa := types.StrategyAllocation{
			PerformanceScore:   a.performanceScore(strategy),
			CorrelationPenalty: a.correlationPenalty(strategy),
		}

		if reason, q := a.quarantined[strategy]; q {
			sa.IsQuarantined = true
			sa.QuarantineReason = reason
		} else if a.lifecycle != nil {
			switch a.lifecycle.State(strategy) {
			case lifecycle.StateQuarantined, lifecycle.StateDisabled:
				sa.IsQuarantined = true
				sa.QuarantineReason = "lifecycle " + string(a.lifecycle.State(strategy))
			}
		}

		if !sa.IsQuarantined {
			base := a.cfg.BaseWeights[strategy]
			w := base * regimeMult * sa.PerformanceScore *
				(1 - sa.CorrelationPenalty) * a.drawdownFactor(strategy)
			if w < 0 {
				w = 0
			}
			sa.Weight = w
		}
		allocs[strategy] = sa
		weightSum += sa.Weight
	}

	// Performance scores above 1 can push the sum past full deployment;
	// renormalize so weights plus cash always sum to one.
	if weightSum > 1 {
		for s, sa := range allocs {
			sa.Weight /= weightSum
			allocs[s] = sa
		}
		weightSum = 1
	}

	var deployed float64
	for s, sa := range allocs {
		sa.RiskBudgetUSD = a.cfg.TotalCapital * sa.Weight * a.cfg.RiskBudgetFraction
		sa.ExposureCapUSD = a.cfg.TotalCapital * sa.Weight * a.cfg.ExposureCapMultiplier
		allocs[s] = sa
		deployed += a.cfg.TotalCapital * sa.Weight
	}

	return &types.PortfolioAllocation{
		Allocations:      allocs,
		TotalCapital:     a.cfg.TotalCapital,
		DeployedCapital:  deployed,
		CashReservePct:   1 - weightSum,
		RegimeMultiplier: regimeMult,
		DecidedAt:        a.now(),
	}
}

func (a *Agent) zeroAllocation() *types.PortfolioAllocation {
	allocs := make(map[string]types.StrategyAllocation)
	for _, strategy := range a.strategies() {
		sa := types.StrategyAllocation{}
		if reason, q := a.quarantined[strategy]; q {
			sa.IsQuarantined = true
			sa.QuarantineReason = reason
		}
		allocs[strategy] = sa
	}
	return &types.PortfolioAllocation{
		Allocations:      allocs,
		TotalCapital:     a.cfg.TotalCapital,
		CashReservePct:   1,
		RegimeMultiplier: 0,
		DecidedAt:        a.now(),
	}
}

// performanceScore blends win rate and payoff: 0.5 until the strategy
// has enough trades, clamped to [0, 1.5].
func (a *Agent) performanceScore(strategy string) float64 {
	p := a.perf[strategy]
	if p == nil || p.tradeCount < a.cfg.MinTradesForScore {
		return 0.5
	}
	winRate := float64(p.winCount) / float64(p.tradeCount)
	var payoff float64
	if p.totalAbsPnL > 0 {
		payoff = p.totalPnL / p.totalAbsPnL // in [-1, 1]
	}
	score := winRate + 0.5*payoff
	return math.Max(0, math.Min(1.5, score))
}

// correlationPenalty charges 0.15 per other active strategy sharing a
// correlation group, capped at 0.5.
func (a *Agent) correlationPenalty(strategy string) float64 {
	var penalty float64
	for _, group := range a.cfg.CorrelationGroups {
		inGroup := false
		for _, s := range group {
			if s == strategy {
				inGroup = true
				break
			}
		}
		if !inGroup {
			continue
		}
		for _, s := range group {
			if s == strategy {
				continue
			}
			if _, q := a.quarantined[s]; q {
				continue
			}
			if _, seen := a.cfg.BaseWeights[s]; seen {
				penalty += 0.15
			}
		}
	}
	return math.Min(0.5, penalty)
}

// drawdownFactor leaves sizing alone until 5% drawdown, then backs off
// linearly to a floor of 0.2.
func (a *Agent) drawdownFactor(strategy string) float64 {
	p := a.perf[strategy]
	if p == nil || p.maxDrawdown <= 0.05 {
		return 1
	}
	return 1 - math.Min(2*p.maxDrawdown, 0.8)
}
