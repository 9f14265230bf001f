// Package risk implements the pre-trade risk agent, the single source of
// truth for whether an intent becomes an order. It consumes risk_check
// and fills, maintains positions, exposure and daily PnL, and owns the
// global kill switch.
package risk

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quantfabric/controlplane/internal/agents"
	"github.com/quantfabric/controlplane/internal/alerts"
	"github.com/quantfabric/controlplane/internal/books"
	"github.com/quantfabric/controlplane/internal/bus"
	"github.com/quantfabric/controlplane/internal/config"
	"github.com/quantfabric/controlplane/internal/store"
	"github.com/quantfabric/controlplane/internal/types"
)

const (
	// AgentID is the risk agent's bus identity.
	AgentID = "risk"
	// sharedPool keys the book pool every non-isolated book shares.
	sharedPool = "shared"
	// snapshotKey is where the risk state snapshot persists.
	snapshotKey = "risk"
	// closeEpsilon: positions smaller than this are treated as closed.
	closeEpsilon = 1.0
)

// pool is an isolated accounting domain: the shared books together, or
// one ring-fenced book on its own.
type pool struct {
	Positions     map[string]float64 `json:"positions"` // instrument -> signed USD
	TotalExposure float64            `json:"total_exposure"`
	DailyPnL      float64            `json:"daily_pnl"`
}

func newPool() *pool {
	return &pool{Positions: make(map[string]float64)}
}

func (p *pool) recomputeExposure() {
	var sum float64
	for _, v := range p.Positions {
		sum += math.Abs(v)
	}
	p.TotalExposure = sum
}

// snapshot is the persisted risk state.
type snapshot struct {
	Pools      map[string]*pool `json:"pools"`
	KillSwitch bool             `json:"kill_switch"`
	SavedAt    time.Time        `json:"saved_at"`
}

// Agent is the risk agent.
type Agent struct {
	cfg          config.RiskConfig
	totalCapital float64
	alerter      *alerts.Manager
	books        *books.Registry
	store        store.Store
	log          zerolog.Logger
	pub          agents.Publisher
	now          func() time.Time

	pools      map[string]*pool
	killSwitch bool
	decision   *types.MetaDecision
	allocation *types.PortfolioAllocation
	seenFills  *agents.Dedup
	dirty      bool
}

// New creates the risk agent. totalCapital denominates the concentration
// check; bookRegistry and st may be nil.
func New(cfg config.RiskConfig, totalCapital float64, alerter *alerts.Manager, br *books.Registry, st store.Store, log zerolog.Logger) *Agent {
	return &Agent{
		cfg:          cfg,
		totalCapital: totalCapital,
		alerter:      alerter,
		books:        br,
		store:        st,
		log:          log.With().Str("agent_id", AgentID).Logger(),
		now:          time.Now,
		pools:        map[string]*pool{sharedPool: newPool()},
		seenFills:    agents.NewDedup(0),
	}
}

func (a *Agent) Name() string { return AgentID }
func (a *Agent) Type() string { return "risk" }

func (a *Agent) Subjects() []bus.Subject {
	return []bus.Subject{bus.SubjectRiskCheck, bus.SubjectFills}
}

func (a *Agent) CycleInterval() time.Duration { return time.Second }

// OnStart restores the persisted snapshot so a restart does not reset
// accumulated losses or a triggered kill switch.
func (a *Agent) OnStart(ctx context.Context, pub agents.Publisher) error {
	a.pub = pub
	if a.store == nil {
		return nil
	}
	var snap snapshot
	found, err := a.store.Load(ctx, snapshotKey, &snap)
	if err != nil {
		return fmt.Errorf("failed to restore risk snapshot: %w", err)
	}
	if found {
		if snap.Pools != nil {
			a.pools = snap.Pools
			if a.pools[sharedPool] == nil {
				a.pools[sharedPool] = newPool()
			}
		}
		a.killSwitch = snap.KillSwitch
		a.log.Info().
			Bool("kill_switch", a.killSwitch).
			Float64("daily_pnl", a.pools[sharedPool].DailyPnL).
			Msg("Risk state restored")
	}
	return nil
}

func (a *Agent) OnStop(ctx context.Context) error {
	a.save(ctx)
	return nil
}

func (a *Agent) OnPause()  {}
func (a *Agent) OnResume() {}

func (a *Agent) HandleMessage(ctx context.Context, msg *bus.Message) error {
	switch msg.Subject {
	case bus.SubjectRiskCheck:
		var intent types.TradeIntent
		if err := msg.Decode(&intent); err != nil {
			return err
		}
		return a.evaluate(ctx, &intent, msg.CorrelationID)
	case bus.SubjectFills:
		var fill types.Fill
		if err := msg.Decode(&fill); err != nil {
			return err
		}
		return a.handleFill(ctx, msg.ID.String(), &fill)
	case bus.SubjectControl:
		return a.handleControl(ctx, msg)
	}
	return nil
}

// Cycle persists the snapshot when state changed since the last save.
func (a *Agent) Cycle(ctx context.Context) error {
	if a.dirty {
		a.save(ctx)
	}
	return nil
}

func (a *Agent) save(ctx context.Context) {
	if a.store == nil {
		return
	}
	snap := snapshot{Pools: a.pools, KillSwitch: a.killSwitch, SavedAt: a.now()}
	if err := a.store.Save(ctx, snapshotKey, snap); err != nil {
		a.log.Error().Err(err).Msg("Failed to persist risk snapshot")
		return
	}
	a.dirty = false
}

func (a *Agent) handleControl(ctx context.Context, msg *bus.Message) error {
	var cmd types.ControlCommand
	if err := msg.Decode(&cmd); err != nil {
		return err
	}
	switch cmd.Command {
	case types.CommandMetaDecision:
		if cmd.Decision != nil {
			a.decision = cmd.Decision
		}
	case types.CommandCapitalAllocation:
		if cmd.Allocation != nil {
			a.allocation = cmd.Allocation
		}
	case types.CommandKillSwitch:
		switch cmd.KillSwitch {
		case types.KillSwitchTrigger:
			a.triggerKillSwitch(ctx, cmd.Reason)
		case types.KillSwitchReset:
			if a.killSwitch {
				a.killSwitch = false
				a.dirty = true
				a.log.Warn().Str("reason", cmd.Reason).Msg("Kill switch reset")
			}
		}
	}
	return nil
}

// poolFor returns the accounting pool an intent or fill belongs to.
func (a *Agent) poolFor(bookID string) *pool {
	key := sharedPool
	if a.books != nil && a.books.IsIsolated(bookID) {
		key = bookID
	}
	p, ok := a.pools[key]
	if !ok {
		p = newPool()
		a.pools[key] = p
	}
	return p
}

// capitalFor denominates concentration for the pool: the isolated
// book's own capital, or total capital for the shared pool.
func (a *Agent) capitalFor(bookID string) float64 {
	if a.books != nil && a.books.IsIsolated(bookID) {
		if b, ok := a.books.Get(bookID); ok && b.CapitalAllocated > 0 {
			return b.CapitalAllocated
		}
	}
	return a.totalCapital
}

// evaluate runs the full check sequence on one intent and publishes the
// verdict with the intent's correlation ID.
func (a *Agent) evaluate(ctx context.Context, intent *types.TradeIntent, correlationID uuid.UUID) error {
	decision := a.decide(intent)
	decision.EvaluatedAt = a.now()

	subject := bus.SubjectRiskApproved
	if decision.Decision == types.VerdictReject {
		subject = bus.SubjectRiskRejected
	}
	if err := a.pub.PublishCorrelated(ctx, subject, decision, correlationID); err != nil {
		return err
	}
	a.log.Debug().
		Str("intent", intent.ID.String()).
		Str("strategy", intent.StrategyID).
		Str("verdict", string(decision.Decision)).
		Float64("adjusted_size", decision.AdjustedSize).
		Strs("reasons", decision.Reasons).
		Msg("Intent evaluated")
	return nil
}

// decide computes the verdict deterministically from current local
// state. Checks run in fixed order; scaling checks shrink the size,
// rejecting checks accumulate reasons.
func (a *Agent) decide(intent *types.TradeIntent) *types.RiskDecision {
	d := &types.RiskDecision{
		IntentID: intent.ID,
		Signal:   *intent,
		Decision: types.VerdictApprove,
	}
	reject := func(check, reason string, score float64) {
		d.Decision = types.VerdictReject
		d.Reasons = append(d.Reasons, reason)
		d.ChecksFailed = append(d.ChecksFailed, check)
		d.RiskScore += score
	}
	pass := func(check string) { d.ChecksPassed = append(d.ChecksPassed, check) }

	if err := intent.Validate(); err != nil {
		reject("schema", err.Error(), 50)
		return d
	}

	// The binding meta decision is consulted at approval time; a stale
	// or missing decision reads as HALTED.
	now := a.now()
	switch a.decision.EffectiveState(now) {
	case types.GlobalHalted:
		reject("meta_gate", "meta decision halted or stale", 50)
		return d
	case types.GlobalReduceOnly:
		if !intent.ReducesExposure {
			reject("meta_gate", "reduce-only: intent does not reduce exposure", 30)
			return d
		}
		pass("meta_gate")
	default:
		pass("meta_gate")
	}
	if a.decision.StateFor(intent.StrategyID) == types.StrategyDisable {
		reject("meta_gate", fmt.Sprintf("strategy %s disabled by meta decision", intent.StrategyID), 30)
		return d
	}
	if a.allocation != nil {
		if sa, ok := a.allocation.Allocations[intent.StrategyID]; ok && sa.IsQuarantined {
			reject("allocation_gate", fmt.Sprintf("strategy %s quarantined: %s", intent.StrategyID, sa.QuarantineReason), 30)
			return d
		}
	}

	size := intent.TargetExposureUSD * a.decision.Multiplier(intent.StrategyID)
	requested := size // concentration is judged on what was asked for
	p := a.poolFor(intent.BookID)

	// 1. Kill switch.
	if a.killSwitch {
		reject("kill_switch", "kill switch active", 100)
		return d
	}
	pass("kill_switch")

	// 2. Paused.
	if a.pub != nil && a.pub.Paused() {
		reject("paused", "risk agent paused", 100)
		return d
	}
	pass("paused")

	// 3. Confidence.
	if intent.Confidence < a.cfg.MinConfidence {
		reject("confidence", fmt.Sprintf("confidence %.2f below %.2f", intent.Confidence, a.cfg.MinConfidence), 20)
	} else {
		pass("confidence")
	}

	// 4. Single-trade cap scales down.
	if size > a.cfg.MaxSingleTradeUSD {
		d.Reasons = append(d.Reasons, fmt.Sprintf("size %.0f capped to %.0f", size, a.cfg.MaxSingleTradeUSD))
		size = a.cfg.MaxSingleTradeUSD
		d.RiskScore += 10
	}
	pass("single_trade")

	// 5. Per-instrument position limit: scale to remaining capacity.
	existing := math.Abs(p.Positions[intent.Instrument])
	if existing+size > a.cfg.MaxPositionSizeUSD {
		remaining := a.cfg.MaxPositionSizeUSD - existing
		if remaining >= a.cfg.MinScalableRemainder {
			d.Reasons = append(d.Reasons, fmt.Sprintf("position capacity %.0f remaining on %s", remaining, intent.Instrument))
			size = remaining
			d.RiskScore += 10
			pass("position_limit")
		} else {
			reject("position_limit", fmt.Sprintf("position %.0f on %s at limit %.0f", existing, intent.Instrument, a.cfg.MaxPositionSizeUSD), 20)
		}
	} else {
		pass("position_limit")
	}

	// 6. Portfolio exposure: scale when enough room remains.
	if p.TotalExposure+size > a.cfg.MaxPortfolioExposureUSD {
		remaining := a.cfg.MaxPortfolioExposureUSD - p.TotalExposure
		if remaining >= a.cfg.MinScalableRemainder {
			d.Reasons = append(d.Reasons, fmt.Sprintf("portfolio capacity %.0f remaining", remaining))
			size = remaining
			d.RiskScore += 10
			pass("portfolio_exposure")
		} else {
			reject("portfolio_exposure", fmt.Sprintf("portfolio exposure %.0f at limit %.0f", p.TotalExposure, a.cfg.MaxPortfolioExposureUSD), 20)
		}
	} else {
		pass("portfolio_exposure")
	}

	// 7. Daily loss limit. Only the shared pool can trip the switch.
	shared := a.pools[sharedPool]
	if shared.DailyPnL < -a.cfg.MaxDailyLossUSD {
		reject("daily_loss", fmt.Sprintf("daily pnl %.0f beyond limit %.0f", shared.DailyPnL, a.cfg.MaxDailyLossUSD), 30)
	} else {
		pass("daily_loss")
	}

	// 8. Concentration.
	capital := a.capitalFor(intent.BookID)
	if capital > 0 {
		concentration := (existing + requested) / capital
		if concentration > a.cfg.MaxConcentrationPct {
			reject("concentration", fmt.Sprintf("concentration %.1f%% above %.1f%% on %s",
				concentration*100, a.cfg.MaxConcentrationPct*100, intent.Instrument), 20)
		} else {
			pass("concentration")
		}
	} else {
		pass("concentration")
	}

	if d.Decision == types.VerdictApprove {
		d.AdjustedSize = size
	}
	return d
}

// handleFill updates positions, exposure and PnL. Handling is idempotent
// on the message ID; zero-price fills are refused and alerted.
func (a *Agent) handleFill(ctx context.Context, msgID string, fill *types.Fill) error {
	if a.seenFills.Seen(msgID) {
		return nil
	}

	if fill.FilledPrice <= 0 {
		a.log.Error().
			Str("order", fill.OrderID.String()).
			Float64("price", fill.FilledPrice).
			Msg("Refusing fill with non-positive price")
		if a.alerter != nil {
			_ = a.alerter.Warning(ctx, AgentID, "invalid_fill_price",
				fmt.Sprintf("fill for order %s carries price %.8f", fill.OrderID, fill.FilledPrice), nil)
		}
		return nil
	}

	p := a.poolFor(fill.BookID)
	delta := fill.SizeUSD
	if fill.Side == types.DirectionSell {
		delta = -delta
	}
	p.Positions[fill.Instrument] += delta
	if math.Abs(p.Positions[fill.Instrument]) < closeEpsilon {
		delete(p.Positions, fill.Instrument)
	}
	p.recomputeExposure()
	p.DailyPnL += fill.PnL
	a.dirty = true

	if a.books != nil {
		if err := a.books.AddExposure(fill.BookID, delta); err != nil {
			a.log.Debug().Err(err).Str("book", fill.BookID).Msg("Book exposure not tracked")
		}
	}

	// A loss past 1.5x the daily limit trips the kill switch.
	shared := a.pools[sharedPool]
	if !a.killSwitch && shared.DailyPnL < -a.cfg.MaxDailyLossUSD*a.cfg.KillSwitchMultiplier {
		a.triggerKillSwitch(ctx, fmt.Sprintf("daily pnl %.0f beyond %.1fx loss limit",
			shared.DailyPnL, a.cfg.KillSwitchMultiplier))
	}
	return nil
}

// triggerKillSwitch sets the switch, pauses every agent, and raises a
// critical alert. Only an administrative reset clears it.
func (a *Agent) triggerKillSwitch(ctx context.Context, reason string) {
	if a.killSwitch {
		return
	}
	a.killSwitch = true
	a.dirty = true
	a.log.Error().Str("reason", reason).Msg("Kill switch triggered")

	cmd := types.ControlCommand{Command: types.CommandPause, Source: AgentID, Reason: "kill_switch: " + reason}
	if err := a.pub.Publish(ctx, bus.SubjectControl, cmd); err != nil {
		a.log.Error().Err(err).Msg("Failed to broadcast kill-switch pause")
	}
	if a.alerter != nil {
		_ = a.alerter.Critical(ctx, AgentID, "kill_switch_triggered", reason, nil)
	}
	a.save(ctx)
}

// KillSwitchActive reports the switch state.
func (a *Agent) KillSwitchActive() bool { return a.killSwitch }
