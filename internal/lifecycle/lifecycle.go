// Package lifecycle manages the promotion path of strategies: paper-only
// incubation, live activation, quarantine on misbehaviour, and permanent
// disablement for repeat offenders.
package lifecycle

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfabric/controlplane/internal/config"
)

// State is the lifecycle state of a strategy.
type State string

const (
	StatePaperOnly   State = "PAPER_ONLY"
	StateActive      State = "ACTIVE"
	StateQuarantined State = "QUARANTINED"
	StateDisabled    State = "DISABLED"
)

// Transition records one lifecycle state change.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Record is the lifecycle record of one strategy.
type Record struct {
	StrategyID      string       `json:"strategy_id"`
	State           State        `json:"state"`
	QuarantinedAt   time.Time    `json:"quarantined_at,omitempty"`
	QuarantineTimes []time.Time  `json:"quarantine_times,omitempty"`
	History         []Transition `json:"history"`
}

// allowed lists the legal automatic transitions. Manual disable and
// demotion to paper bypass this table.
var allowed = map[State]map[State]bool{
	StatePaperOnly:   {StateActive: true},
	StateActive:      {StateQuarantined: true},
	StateQuarantined: {StateActive: true},
	StateDisabled:    {},
}

// Manager owns the lifecycle records. Safe for concurrent use.
type Manager struct {
	mu      sync.RWMutex
	records map[string]*Record
	cfg     config.LifecycleConfig
	log     zerolog.Logger
	now     func() time.Time
}

// NewManager creates a lifecycle manager. New strategies register in
// PAPER_ONLY.
func NewManager(cfg config.LifecycleConfig, log zerolog.Logger) *Manager {
	return &Manager{
		records: make(map[string]*Record),
		cfg:     cfg,
		log:     log.With().Str("component", "lifecycle").Logger(),
		now:     time.Now,
	}
}

// Register adds a strategy in PAPER_ONLY if it is not already tracked.
func (m *Manager) Register(strategyID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[strategyID]; ok {
		return
	}
	m.records[strategyID] = &Record{
		StrategyID: strategyID,
		State:      StatePaperOnly,
	}
	m.log.Info().Str("strategy", strategyID).Msg("Strategy registered paper-only")
}

// Get returns a copy of the strategy's lifecycle record.
func (m *Manager) Get(strategyID string) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[strategyID]
	if !ok {
		return Record{}, false
	}
	return m.copyRecord(r), true
}

// All returns copies of every record.
func (m *Manager) All() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, m.copyRecord(r))
	}
	return out
}

func (m *Manager) copyRecord(r *Record) Record {
	c := *r
	c.QuarantineTimes = append([]time.Time(nil), r.QuarantineTimes...)
	c.History = append([]Transition(nil), r.History...)
	return c
}

// State returns the strategy's current state; unknown strategies report
// DISABLED so nothing untracked can trade.
func (m *Manager) State(strategyID string) State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[strategyID]
	if !ok {
		return StateDisabled
	}
	return r.State
}

// CanTrade reports whether the strategy may emit live intents. Paper-only
// strategies trade only while the whole plane runs in paper mode.
func (m *Manager) CanTrade(strategyID string, paperMode bool) bool {
	switch m.State(strategyID) {
	case StateActive:
		return true
	case StatePaperOnly:
		return paperMode
	default:
		return false
	}
}

// Promote moves a paper-only strategy to ACTIVE.
func (m *Manager) Promote(strategyID, reason string) error {
	return m.transition(strategyID, StateActive, reason, func(r *Record) error {
		if r.State != StatePaperOnly {
			return fmt.Errorf("strategy %s is %s, only PAPER_ONLY promotes", strategyID, r.State)
		}
		return nil
	})
}

// Quarantine moves an active strategy to QUARANTINED. A strategy whose
// quarantine count inside the counting window reaches the configured
// maximum is disabled instead.
func (m *Manager) Quarantine(strategyID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[strategyID]
	if !ok {
		return fmt.Errorf("unknown strategy %s", strategyID)
	}
	if r.State == StateQuarantined {
		return nil // already quarantined, not an error
	}
	if !allowed[r.State][StateQuarantined] {
		return fmt.Errorf("strategy %s cannot quarantine from %s", strategyID, r.State)
	}

	now := m.now()
	window := time.Duration(m.cfg.QuarantineCountDays) * 24 * time.Hour
	kept := r.QuarantineTimes[:0]
	for _, t := range r.QuarantineTimes {
		if now.Sub(t) <= window {
			kept = append(kept, t)
		}
	}
	r.QuarantineTimes = append(kept, now)

	if len(r.QuarantineTimes) >= m.cfg.MaxQuarantineCount {
		m.apply(r, StateDisabled, fmt.Sprintf("quarantined %d times in %d days: %s",
			len(r.QuarantineTimes), m.cfg.QuarantineCountDays, reason), now)
		return nil
	}

	r.QuarantinedAt = now
	m.apply(r, StateQuarantined, reason, now)
	return nil
}

// Release returns a quarantined strategy to ACTIVE. It requires the
// minimum quarantine period to have elapsed, performance back at or
// above expectation, and execution quality above threshold.
func (m *Manager) Release(strategyID string, perfVsExpectation, execQuality float64, reason string) error {
	return m.transition(strategyID, StateActive, reason, func(r *Record) error {
		if r.State != StateQuarantined {
			return fmt.Errorf("strategy %s is %s, not quarantined", strategyID, r.State)
		}
		if held := m.now().Sub(r.QuarantinedAt); held < m.cfg.QuarantineMinHours {
			return fmt.Errorf("strategy %s quarantined for %s, minimum is %s",
				strategyID, held.Round(time.Minute), m.cfg.QuarantineMinHours)
		}
		if perfVsExpectation < 1.0 {
			return fmt.Errorf("strategy %s performance %.2f below expectation", strategyID, perfVsExpectation)
		}
		if execQuality < m.cfg.ExecQualityThreshold {
			return fmt.Errorf("strategy %s execution quality %.2f below %.2f",
				strategyID, execQuality, m.cfg.ExecQualityThreshold)
		}
		return nil
	})
}

// Disable moves a strategy to the terminal DISABLED state from any state.
func (m *Manager) Disable(strategyID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[strategyID]
	if !ok {
		return fmt.Errorf("unknown strategy %s", strategyID)
	}
	if r.State == StateDisabled {
		return nil
	}
	m.apply(r, StateDisabled, reason, m.now())
	return nil
}

// Demote returns a strategy to PAPER_ONLY. Manual demotion is permitted
// from any state.
func (m *Manager) Demote(strategyID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[strategyID]
	if !ok {
		return fmt.Errorf("unknown strategy %s", strategyID)
	}
	if r.State == StatePaperOnly {
		return nil
	}
	m.apply(r, StatePaperOnly, reason, m.now())
	return nil
}

func (m *Manager) transition(strategyID string, to State, reason string, check func(*Record) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[strategyID]
	if !ok {
		return fmt.Errorf("unknown strategy %s", strategyID)
	}
	if err := check(r); err != nil {
		return err
	}
	if !allowed[r.State][to] {
		return fmt.Errorf("strategy %s cannot move %s -> %s", strategyID, r.State, to)
	}
	m.apply(r, to, reason, m.now())
	return nil
}

// apply records the transition. Callers hold the lock.
func (m *Manager) apply(r *Record, to State, reason string, now time.Time) {
	from := r.State
	r.State = to
	r.History = append(r.History, Transition{From: from, To: to, Reason: reason, At: now})
	m.log.Info().
		Str("strategy", r.StrategyID).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("reason", reason).
		Msg("Strategy lifecycle transition")
}

// Metrics is the per-strategy health sample the evaluator scores.
type Metrics struct {
	// EdgeRetention is live performance divided by paper/backtest
	// expectation; 1 means the live edge fully holds up.
	EdgeRetention float64
	// PerformanceScore is the rolling composite score in [0,1].
	PerformanceScore float64
	// Drawdown is the current peak-to-trough fraction.
	Drawdown float64
	// ExecQuality is realized fill quality in [0,1].
	ExecQuality float64
}

// Evaluate applies the quarantine thresholds to a live strategy's metrics
// and quarantines it when any is breached. Returns the reason when a
// transition happened.
func (m *Manager) Evaluate(strategyID string, s Metrics) (string, error) {
	if m.State(strategyID) != StateActive {
		return "", nil
	}
	var reason string
	switch {
	case 1-s.EdgeRetention > m.cfg.EdgeDecayThreshold:
		reason = fmt.Sprintf("edge decay %.2f above %.2f", 1-s.EdgeRetention, m.cfg.EdgeDecayThreshold)
	case s.PerformanceScore < m.cfg.PerformanceThreshold:
		reason = fmt.Sprintf("performance score %.2f below %.2f", s.PerformanceScore, m.cfg.PerformanceThreshold)
	case s.Drawdown > m.cfg.DrawdownThreshold:
		reason = fmt.Sprintf("drawdown %.2f above %.2f", s.Drawdown, m.cfg.DrawdownThreshold)
	case s.ExecQuality < m.cfg.ExecQualityThreshold:
		reason = fmt.Sprintf("execution quality %.2f below %.2f", s.ExecQuality, m.cfg.ExecQualityThreshold)
	default:
		return "", nil
	}
	if err := m.Quarantine(strategyID, reason); err != nil {
		return "", err
	}
	return reason, nil
}
