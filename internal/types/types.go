// Package types defines the entities that flow across the bus: trade
// intents, risk decisions, orders, fills, and the binding meta and
// allocation decisions that gate them.
package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Direction is the side of a proposed trade.
type Direction string

const (
	DirectionBuy  Direction = "buy"
	DirectionSell Direction = "sell"
)

// LiquidityRequirement qualifies how deep a market an intent needs.
type LiquidityRequirement string

const (
	LiquidityNormal LiquidityRequirement = "normal"
	LiquidityHigh   LiquidityRequirement = "high"
)

// TradeIntent is a pure trade proposal emitted by a signal agent. It never
// mutates; downstream stages reference it by correlation ID.
type TradeIntent struct {
	ID                   uuid.UUID            `json:"id"`
	BookID               string               `json:"book_id"`
	StrategyID           string               `json:"strategy_id"`
	Instrument           string               `json:"instrument"`
	Direction            Direction            `json:"direction"`
	TargetExposureUSD    float64              `json:"target_exposure_usd"`
	MaxLossUSD           float64              `json:"max_loss_usd"`
	Confidence           float64              `json:"confidence"`
	LiquidityRequirement LiquidityRequirement `json:"liquidity_requirement"`
	// ReducesExposure marks an intent that closes or shrinks an existing
	// position. Under REDUCE_ONLY these are the only intents admitted.
	ReducesExposure bool                   `json:"reduces_exposure"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

// Validate checks the structural invariants of an intent.
func (t *TradeIntent) Validate() error {
	if t.ID == uuid.Nil {
		return fmt.Errorf("intent missing id")
	}
	if t.StrategyID == "" {
		return fmt.Errorf("intent missing strategy_id")
	}
	if t.Instrument == "" {
		return fmt.Errorf("intent missing instrument")
	}
	if t.Direction != DirectionBuy && t.Direction != DirectionSell {
		return fmt.Errorf("invalid direction %q", t.Direction)
	}
	if t.TargetExposureUSD < 0 {
		return fmt.Errorf("negative target exposure %.2f", t.TargetExposureUSD)
	}
	if t.MaxLossUSD < 0 {
		return fmt.Errorf("negative max loss %.2f", t.MaxLossUSD)
	}
	if t.Confidence < 0 || t.Confidence > 1 {
		return fmt.Errorf("confidence %.2f outside [0,1]", t.Confidence)
	}
	return nil
}

// RiskVerdict is the outcome of the pre-trade risk evaluation.
type RiskVerdict string

const (
	VerdictApprove RiskVerdict = "approve"
	VerdictReject  RiskVerdict = "reject"
)

// RiskDecision records the risk agent's verdict on one intent.
type RiskDecision struct {
	IntentID     uuid.UUID   `json:"intent_id"`
	Signal       TradeIntent `json:"signal"`
	Decision     RiskVerdict `json:"decision"`
	AdjustedSize float64     `json:"adjusted_size"`
	RiskScore    float64     `json:"risk_score"`
	Reasons      []string    `json:"reasons,omitempty"`
	ChecksPassed []string    `json:"checks_passed,omitempty"`
	ChecksFailed []string    `json:"checks_failed,omitempty"`
	EvaluatedAt  time.Time   `json:"evaluated_at"`
}

// OrderStatus is the lifecycle state of an order. Transitions are
// monotonic except pending -> cancelled.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderFilled    OrderStatus = "filled"
	OrderPartial   OrderStatus = "partial"
	OrderCancelled OrderStatus = "cancelled"
	OrderFailed    OrderStatus = "failed"
)

// orderRank encodes the monotonic order of statuses.
var orderRank = map[OrderStatus]int{
	OrderPending:   0,
	OrderPartial:   1,
	OrderFilled:    2,
	OrderCancelled: 2,
	OrderFailed:    2,
}

// CanTransition reports whether an order may move from one status to
// another.
func CanTransition(from, to OrderStatus) bool {
	if from == to {
		return false
	}
	if from == OrderPending && to == OrderCancelled {
		return true
	}
	return orderRank[to] > orderRank[from]
}

// OrderType distinguishes market and limit orders.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// Order is created by the execution agent from an approved intent. Only
// the execution agent writes terminal order records.
type Order struct {
	ID            uuid.UUID   `json:"id"`
	CorrelationID uuid.UUID   `json:"correlation_id"`
	Instrument    string      `json:"instrument"`
	Side          Direction   `json:"side"`
	SizeUSD       float64     `json:"size_usd"`
	Type          OrderType   `json:"type"`
	LimitPrice    float64     `json:"limit_price,omitempty"`
	StopLoss      float64     `json:"stop_loss,omitempty"`
	TakeProfit    float64     `json:"take_profit,omitempty"`
	StrategyID    string      `json:"strategy_id"`
	BookID        string      `json:"book_id"`
	Status        OrderStatus `json:"status"`
	Venue         string      `json:"venue,omitempty"`
	FilledPrice   float64     `json:"filled_price,omitempty"`
	FilledSize    float64     `json:"filled_size,omitempty"`
	Slippage      float64     `json:"slippage,omitempty"`
	LatencyMS     float64     `json:"latency_ms,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Fill reports an execution against an order. FilledPrice must be
// strictly positive; NewFill enforces this so a zero-price fill can never
// be published (the engine marks the order failed instead).
type Fill struct {
	OrderID       uuid.UUID `json:"order_id"`
	CorrelationID uuid.UUID `json:"correlation_id"`
	Instrument    string    `json:"instrument"`
	Side          Direction `json:"side"`
	StrategyID    string    `json:"strategy_id"`
	BookID        string    `json:"book_id"`
	SizeUSD       float64   `json:"size_usd"`
	FilledPrice   float64   `json:"filled_price"`
	Slippage      float64   `json:"slippage"`
	Fee           float64   `json:"fee"`
	Venue         string    `json:"venue"`
	PnL           float64   `json:"pnl"`
	ExecutedAt    time.Time `json:"executed_at"`
}

// NewFill builds a fill from a completed order, refusing non-positive
// prices.
func NewFill(o *Order, fee float64) (*Fill, error) {
	if o.FilledPrice <= 0 {
		return nil, fmt.Errorf("invalid fill price %.8f for order %s", o.FilledPrice, o.ID)
	}
	return &Fill{
		OrderID:       o.ID,
		CorrelationID: o.CorrelationID,
		Instrument:    o.Instrument,
		Side:          o.Side,
		StrategyID:    o.StrategyID,
		BookID:        o.BookID,
		SizeUSD:       o.FilledSize,
		FilledPrice:   o.FilledPrice,
		Slippage:      o.Slippage,
		Fee:           fee,
		Venue:         o.Venue,
		PnL:           0, // opening fills carry zero realized PnL
		ExecutedAt:    time.Now().UTC(),
	}, nil
}

// MarketSnapshot is one tick from the market-data provider.
type MarketSnapshot struct {
	Instrument    string    `json:"instrument"`
	Price         float64   `json:"price"`
	Spread        float64   `json:"spread"`
	PriceChange1m float64   `json:"price_change_1m"`
	Depth         float64   `json:"depth,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}
