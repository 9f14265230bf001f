package types

import (
	"math"
	"time"
)

// GlobalState is the meta-decision trading gate.
type GlobalState string

const (
	GlobalHalted     GlobalState = "HALTED"
	GlobalReduceOnly GlobalState = "REDUCE_ONLY"
	GlobalNormal     GlobalState = "NORMAL"
)

// StrategyState is the per-strategy directive inside a meta decision.
type StrategyState string

const (
	StrategyEnable     StrategyState = "ENABLE"
	StrategyDisable    StrategyState = "DISABLE"
	StrategyReduceSize StrategyState = "REDUCE_SIZE"
)

// Regime is the coarse market-condition classification.
type Regime string

const (
	RegimeTrending Regime = "trending"
	RegimeRanging  Regime = "ranging"
	RegimeChoppy   Regime = "choppy"
	RegimeVolatile Regime = "volatile"
	RegimeCrisis   Regime = "crisis"
)

// MetaDecision is the binding, time-bounded declaration of whether and at
// what intensity trading is allowed. A stale decision is treated as HALTED.
type MetaDecision struct {
	GlobalState     GlobalState              `json:"global_state"`
	StrategyStates  map[string]StrategyState `json:"strategy_states"`
	SizeMultipliers map[string]float64       `json:"size_multipliers"`
	Regime          Regime                   `json:"regime"`
	Confidence      float64                  `json:"confidence"`
	ReasonCodes     []string                 `json:"reason_codes,omitempty"`
	DecidedAt       time.Time                `json:"decided_at"`
	ExpiresAt       time.Time                `json:"expires_at"`
}

// Expired reports whether the decision is past its expiry.
func (d *MetaDecision) Expired(now time.Time) bool {
	return now.After(d.ExpiresAt)
}

// EffectiveState returns the global state to apply at time now: the
// declared state while fresh, HALTED once stale.
func (d *MetaDecision) EffectiveState(now time.Time) GlobalState {
	if d == nil || d.Expired(now) {
		return GlobalHalted
	}
	return d.GlobalState
}

// Multiplier returns the size multiplier for a strategy, defaulting to 1
// for strategies the decision does not mention.
func (d *MetaDecision) Multiplier(strategyID string) float64 {
	if m, ok := d.SizeMultipliers[strategyID]; ok {
		return m
	}
	return 1.0
}

// StateFor returns the directive for a strategy, defaulting to ENABLE.
func (d *MetaDecision) StateFor(strategyID string) StrategyState {
	if s, ok := d.StrategyStates[strategyID]; ok {
		return s
	}
	return StrategyEnable
}

// Normalize enforces the HALTED invariant (all strategies DISABLE, all
// multipliers zero) and clamps multipliers and confidence to [0,1].
func (d *MetaDecision) Normalize() {
	if d.GlobalState == GlobalHalted {
		for s := range d.StrategyStates {
			d.StrategyStates[s] = StrategyDisable
		}
		for s := range d.SizeMultipliers {
			d.SizeMultipliers[s] = 0
		}
		d.Confidence = 0
	}
	for s, m := range d.SizeMultipliers {
		d.SizeMultipliers[s] = clamp01(m)
	}
	d.Confidence = clamp01(d.Confidence)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// StrategyAllocation is one strategy's slice of the portfolio.
type StrategyAllocation struct {
	Weight             float64 `json:"weight"`
	RiskBudgetUSD      float64 `json:"risk_budget_usd"`
	ExposureCapUSD     float64 `json:"exposure_cap_usd"`
	IsQuarantined      bool    `json:"is_quarantined"`
	QuarantineReason   string  `json:"quarantine_reason,omitempty"`
	PerformanceScore   float64 `json:"performance_score"`
	CorrelationPenalty float64 `json:"correlation_penalty"`
}

// PortfolioAllocation is the capital-allocation agent's broadcast.
// Invariant: sum of weights plus the cash reserve equals one, and
// quarantined strategies carry zero weight, budget and cap.
type PortfolioAllocation struct {
	Allocations      map[string]StrategyAllocation `json:"allocations"`
	TotalCapital     float64                       `json:"total_capital"`
	DeployedCapital  float64                       `json:"deployed_capital"`
	CashReservePct   float64                       `json:"cash_reserve_pct"`
	RegimeMultiplier float64                       `json:"regime_multiplier"`
	DecidedAt        time.Time                     `json:"decided_at"`
}

// WeightSumValid checks the weight + cash-reserve invariant within eps.
func (p *PortfolioAllocation) WeightSumValid(eps float64) bool {
	sum := p.CashReservePct
	for _, a := range p.Allocations {
		sum += a.Weight
	}
	return math.Abs(sum-1.0) <= eps
}

// BookType classifies a trading book.
type BookType string

const (
	BookHedge BookType = "HEDGE"
	BookProp  BookType = "PROP"
	BookMeme  BookType = "MEME"
)

// BookStatus is the operational state of a book.
type BookStatus string

const (
	BookActive     BookStatus = "active"
	BookFrozen     BookStatus = "frozen"
	BookReduceOnly BookStatus = "reduce_only"
	BookHalted     BookStatus = "halted"
)

// Book is a capital pool with its own limits. The MEME book is strictly
// isolated: its positions, PnL and exposure never feed the limits or
// allocations of other books.
type Book struct {
	ID               string     `json:"id"`
	Type             BookType   `json:"type"`
	CapitalAllocated float64    `json:"capital_allocated"`
	CurrentExposure  float64    `json:"current_exposure"`
	MaxDrawdownLimit float64    `json:"max_drawdown_limit"`
	RiskTier         int        `json:"risk_tier"`
	Status           BookStatus `json:"status"`
}

// Isolated reports whether the book is excluded from cross-book totals.
func (b *Book) Isolated() bool { return b.Type == BookMeme }

// VenueStatus is the health classification of a venue.
type VenueStatus string

const (
	VenueHealthy  VenueStatus = "healthy"
	VenueDegraded VenueStatus = "degraded"
	VenueOffline  VenueStatus = "offline"
	VenueDown     VenueStatus = "down"
)

// VenueHealth is the adapter-reported health of a venue.
type VenueHealth struct {
	VenueID       string      `json:"venue_id"`
	Status        VenueStatus `json:"status"`
	LatencyMS     float64     `json:"latency_ms"`
	ErrorRate     float64     `json:"error_rate"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`
	IsEnabled     bool        `json:"is_enabled"`
}
