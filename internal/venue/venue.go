// Package venue abstracts order execution endpoints behind one adapter
// contract, with per-venue circuit breakers and health tracking the
// execution agent routes on.
package venue

import (
	"context"
	"time"

	"github.com/quantfabric/controlplane/internal/types"
)

// Balance is the free and locked balance of one asset at a venue.
type Balance struct {
	Asset  string  `json:"asset"`
	Free   float64 `json:"free"`
	Locked float64 `json:"locked"`
}

// Position is an open position reported by a venue.
type Position struct {
	Instrument string  `json:"instrument"`
	SizeUSD    float64 `json:"size_usd"`
	EntryPrice float64 `json:"entry_price"`
	MarkPrice  float64 `json:"mark_price"`
}

// PlaceResult is the venue's response to an order placement.
type PlaceResult struct {
	VenueOrderID string
	FilledPrice  float64
	FilledSize   float64
	Fee          float64
}

// Adapter is the contract every execution venue implements.
type Adapter interface {
	// ID is the stable venue identifier used in routing and health.
	ID() string
	// Connect establishes the venue session.
	Connect(ctx context.Context) error
	// Disconnect tears the session down.
	Disconnect(ctx context.Context) error
	// PlaceOrder submits the order and returns its execution result.
	PlaceOrder(ctx context.Context, order *types.Order) (*PlaceResult, error)
	// CancelOrder cancels a resting order by venue order ID.
	CancelOrder(ctx context.Context, venueOrderID string) error
	// GetBalance returns per-asset balances.
	GetBalance(ctx context.Context) ([]Balance, error)
	// GetPositions returns open positions.
	GetPositions(ctx context.Context) ([]Position, error)
	// HealthCheck probes the venue and returns its current health.
	HealthCheck(ctx context.Context) (types.VenueHealth, error)
}

// clock abstracts time for deterministic tests.
type clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
