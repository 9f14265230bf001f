// Package execution implements the execution agent: it turns approved
// risk decisions into orders, routes them to venues, and publishes the
// resulting fills.
package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/quantfabric/controlplane/internal/agents"
	"github.com/quantfabric/controlplane/internal/alerts"
	"github.com/quantfabric/controlplane/internal/bus"
	"github.com/quantfabric/controlplane/internal/config"
	"github.com/quantfabric/controlplane/internal/types"
	"github.com/quantfabric/controlplane/internal/venue"
)

// AgentID is the execution agent's bus identity.
const AgentID = "execution"

// pendingOrder tracks an order between placement and its terminal state.
type pendingOrder struct {
	order        *types.Order
	venueOrderID string
}

// Agent is the execution agent. Only this agent writes terminal order
// records; everything downstream consumes fills.
type Agent struct {
	cfg     config.ExecutionConfig
	router  *venue.Router
	alerter *alerts.Manager
	limiter *rate.Limiter
	log     zerolog.Logger
	pub     agents.Publisher
	now     func() time.Time

	mu        sync.Mutex
	pending   map[uuid.UUID]*pendingOrder
	seen      *agents.Dedup
	fillCount int
	sumLatMS  float64
	sumSlip   float64
}

// New creates the execution agent.
func New(cfg config.ExecutionConfig, router *venue.Router, alerter *alerts.Manager, log zerolog.Logger) *Agent {
	ops := cfg.OrdersPerSecond
	if ops <= 0 {
		ops = 10
	}
	burst := cfg.OrderBurst
	if burst <= 0 {
		burst = 1
	}
	return &Agent{
		cfg:     cfg,
		router:  router,
		alerter: alerter,
		limiter: rate.NewLimiter(rate.Limit(ops), burst),
		log:     log.With().Str("agent_id", AgentID).Logger(),
		now:     time.Now,
		pending: make(map[uuid.UUID]*pendingOrder),
		seen:    agents.NewDedup(0),
	}
}

func (a *Agent) Name() string { return AgentID }
func (a *Agent) Type() string { return "execution" }

func (a *Agent) Subjects() []bus.Subject {
	return []bus.Subject{bus.SubjectRiskApproved}
}

func (a *Agent) CycleInterval() time.Duration { return 5 * time.Second }

func (a *Agent) OnStart(ctx context.Context, pub agents.Publisher) error {
	a.pub = pub
	a.router.ConnectAll(ctx)
	return nil
}

func (a *Agent) OnStop(ctx context.Context) error {
	a.router.DisconnectAll(ctx)
	return nil
}

// OnPause cancels every pending order so nothing rests while the plane
// is paused.
func (a *Agent) OnPause() {
	a.cancelAll(context.Background(), "paused")
}

func (a *Agent) OnResume() {}

func (a *Agent) HandleMessage(ctx context.Context, msg *bus.Message) error {
	switch msg.Subject {
	case bus.SubjectRiskApproved:
		if a.pub.Paused() {
			return nil
		}
		var decision types.RiskDecision
		if err := msg.Decode(&decision); err != nil {
			return err
		}
		if a.markSeen(msg.ID.String()) {
			return nil
		}
		return a.execute(ctx, &decision, msg.CorrelationID)
	case bus.SubjectControl:
		var cmd types.ControlCommand
		if err := msg.Decode(&cmd); err != nil {
			return err
		}
		switch cmd.Command {
		case types.CommandCancel:
			if cmd.OrderID != "" {
				id, err := uuid.Parse(cmd.OrderID)
				if err != nil {
					return fmt.Errorf("invalid order id %q: %w", cmd.OrderID, err)
				}
				return a.cancel(ctx, id, cmd.Reason)
			}
		case types.CommandCancelAll:
			a.cancelAll(ctx, cmd.Reason)
		}
	}
	return nil
}

// Cycle refreshes venue health for routing decisions.
func (a *Agent) Cycle(ctx context.Context) error {
	a.router.RefreshHealth(ctx)
	return nil
}

func (a *Agent) markSeen(msgID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.seen.Seen(msgID)
}

// execute places one approved decision and publishes the fill or marks
// the order failed.
func (a *Agent) execute(ctx context.Context, decision *types.RiskDecision, correlationID uuid.UUID) error {
	order := &types.Order{
		ID:            uuid.New(),
		CorrelationID: correlationID,
		Instrument:    decision.Signal.Instrument,
		Side:          decision.Signal.Direction,
		SizeUSD:       decision.AdjustedSize,
		Type:          types.OrderTypeMarket,
		StrategyID:    decision.Signal.StrategyID,
		BookID:        decision.Signal.BookID,
		Status:        types.OrderPending,
		CreatedAt:     a.now(),
		UpdatedAt:     a.now(),
	}

	adapter, degraded, err := a.router.Select()
	if err != nil {
		a.fail(ctx, order, "", fmt.Sprintf("no venue: %v", err))
		return nil
	}
	if degraded {
		a.log.Warn().Str("venue", adapter.ID()).Msg("No healthy venue, using degraded venue")
		if a.alerter != nil {
			_ = a.alerter.Warning(ctx, AgentID, "degraded_venue_fallback",
				fmt.Sprintf("routing order %s to degraded venue %s", order.ID, adapter.ID()), nil)
		}
	}
	order.Venue = adapter.ID()

	a.mu.Lock()
	a.pending[order.ID] = &pendingOrder{order: order}
	a.mu.Unlock()

	if err := a.limiter.Wait(ctx); err != nil {
		a.fail(ctx, order, adapter.ID(), fmt.Sprintf("rate limiter: %v", err))
		return nil
	}

	res, latency, err := a.router.Place(ctx, adapter, order)
	if err != nil {
		a.fail(ctx, order, adapter.ID(), err.Error())
		return nil
	}

	order.FilledPrice = res.FilledPrice
	order.FilledSize = res.FilledSize
	order.LatencyMS = float64(latency.Milliseconds())
	if decision.Signal.Metadata != nil {
		if ref, ok := decision.Signal.Metadata["reference_price"].(float64); ok && ref > 0 {
			order.Slippage = (res.FilledPrice - ref) / ref
			if order.Side == types.DirectionSell {
				order.Slippage = -order.Slippage
			}
		}
	}

	fill, err := types.NewFill(order, res.Fee)
	if err != nil {
		// A fill without a positive price never reaches the bus; the
		// order is failed and reconciliation is left to the operator.
		a.fail(ctx, order, adapter.ID(), err.Error())
		return nil
	}

	a.transition(order, types.OrderFilled)
	a.mu.Lock()
	delete(a.pending, order.ID)
	a.fillCount++
	a.sumLatMS += order.LatencyMS
	a.sumSlip += order.Slippage
	a.mu.Unlock()

	if err := a.pub.PublishCorrelated(ctx, bus.SubjectFills, fill, correlationID); err != nil {
		return err
	}
	a.log.Info().
		Str("order", order.ID.String()).
		Str("venue", order.Venue).
		Float64("size_usd", fill.SizeUSD).
		Float64("filled_price", fill.FilledPrice).
		Float64("latency_ms", order.LatencyMS).
		Msg("Order filled")
	return nil
}

// fail marks the order failed and alerts. Venue failures are never
// retried silently.
func (a *Agent) fail(ctx context.Context, order *types.Order, venueID, reason string) {
	a.transition(order, types.OrderFailed)
	a.mu.Lock()
	delete(a.pending, order.ID)
	a.mu.Unlock()

	a.log.Warn().
		Str("order", order.ID.String()).
		Str("venue", venueID).
		Str("reason", reason).
		Msg("Order failed")
	if a.alerter != nil {
		_ = a.alerter.Warning(ctx, AgentID, "order_failed", reason,
			map[string]interface{}{"order_id": order.ID.String(), "venue": venueID})
	}
}

// transition applies a status change, enforcing monotonic order status.
func (a *Agent) transition(order *types.Order, to types.OrderStatus) {
	if !types.CanTransition(order.Status, to) {
		a.log.Error().
			Str("order", order.ID.String()).
			Str("from", string(order.Status)).
			Str("to", string(to)).
			Msg("Illegal order status transition refused")
		return
	}
	order.Status = to
	order.UpdatedAt = a.now()
}

func (a *Agent) cancel(ctx context.Context, orderID uuid.UUID, reason string) error {
	a.mu.Lock()
	po, ok := a.pending[orderID]
	if ok {
		delete(a.pending, orderID)
	}
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pending order %s", orderID)
	}

	if po.venueOrderID != "" {
		if err := a.router.Cancel(ctx, po.order.Venue, po.venueOrderID); err != nil {
			a.log.Warn().Err(err).Str("order", orderID.String()).Msg("Venue cancel failed")
		}
	}
	a.transition(po.order, types.OrderCancelled)
	a.log.Info().Str("order", orderID.String()).Str("reason", reason).Msg("Order cancelled")
	return nil
}

func (a *Agent) cancelAll(ctx context.Context, reason string) {
	a.mu.Lock()
	ids := make([]uuid.UUID, 0, len(a.pending))
	for id := range a.pending {
		ids = append(ids, id)
	}
	a.mu.Unlock()
	for _, id := range ids {
		if err := a.cancel(ctx, id, reason); err != nil {
			a.log.Debug().Err(err).Str("order", id.String()).Msg("Cancel skipped")
		}
	}
}

// PendingCount reports orders awaiting a terminal state.
func (a *Agent) PendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// SessionAverages returns the running mean latency and slippage over all
// filled orders this session.
func (a *Agent) SessionAverages() (latencyMS, slippage float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fillCount == 0 {
		return 0, 0
	}
	return a.sumLatMS / float64(a.fillCount), a.sumSlip / float64(a.fillCount)
}
