package venue

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quantfabric/controlplane/internal/config"
	"github.com/quantfabric/controlplane/internal/types"
)

// Mock is a paper-trading venue with configurable latency, slippage and
// failure injection. It is the only adapter wired in paper mode.
type Mock struct {
	id  string
	cfg config.VenueConfig
	log zerolog.Logger

	mu        sync.Mutex
	connected bool
	prices    map[string]float64
	orders    map[string]*types.Order
	positions map[string]float64 // signed USD exposure per instrument
	rng       *rand.Rand
	clk       clock
}

// NewMock creates a mock venue adapter.
func NewMock(id string, cfg config.VenueConfig, log zerolog.Logger) *Mock {
	return &Mock{
		id:        id,
		cfg:       cfg,
		log:       log.With().Str("component", "venue").Str("venue", id).Logger(),
		prices:    make(map[string]float64),
		orders:    make(map[string]*types.Order),
		positions: make(map[string]float64),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		clk:       realClock{},
	}
}

func (m *Mock) ID() string { return m.id }

// SetPrice seeds the simulated price for an instrument.
func (m *Mock) SetPrice(instrument string, price float64) {
	m.mu.Lock()
	m.prices[instrument] = price
	m.mu.Unlock()
}

func (m *Mock) Connect(ctx context.Context) error {
	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()
	m.log.Info().Msg("Mock venue connected")
	return nil
}

func (m *Mock) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
	return nil
}

// PlaceOrder simulates an execution: latency, then either an injected
// failure or a fill at the simulated price shifted by the configured
// slippage against the taker.
func (m *Mock) PlaceOrder(ctx context.Context, order *types.Order) (*PlaceResult, error) {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return nil, fmt.Errorf("venue %s not connected", m.id)
	}
	price, ok := m.prices[order.Instrument]
	fail := m.rng.Float64() < m.cfg.FailureRate
	m.mu.Unlock()

	if m.cfg.LatencyMS > 0 {
		if err := m.clk.Sleep(ctx, time.Duration(m.cfg.LatencyMS*float64(time.Millisecond))); err != nil {
			return nil, err
		}
	}
	if fail {
		return nil, fmt.Errorf("venue %s rejected order %s", m.id, order.ID)
	}
	if !ok {
		price = 100.0
	}

	filled := price * (1 + m.slippageSign(order.Side)*m.cfg.SlippagePct)
	fee := order.SizeUSD * m.cfg.FeePct

	m.mu.Lock()
	venueOrderID := uuid.NewString()
	cp := *order
	m.orders[venueOrderID] = &cp
	delta := order.SizeUSD
	if order.Side == types.DirectionSell {
		delta = -delta
	}
	m.positions[order.Instrument] += delta
	m.mu.Unlock()

	return &PlaceResult{
		VenueOrderID: venueOrderID,
		FilledPrice:  filled,
		FilledSize:   order.SizeUSD,
		Fee:          fee,
	}, nil
}

// slippageSign makes slippage adverse: buys fill higher, sells lower.
func (m *Mock) slippageSign(side types.Direction) float64 {
	if side == types.DirectionSell {
		return -1
	}
	return 1
}

func (m *Mock) CancelOrder(ctx context.Context, venueOrderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[venueOrderID]; !ok {
		return fmt.Errorf("venue %s has no order %s", m.id, venueOrderID)
	}
	delete(m.orders, venueOrderID)
	return nil
}

func (m *Mock) GetBalance(ctx context.Context) ([]Balance, error) {
	return []Balance{{Asset: "USD", Free: 1_000_000}}, nil
}

func (m *Mock) GetPositions(ctx context.Context) ([]Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Position, 0, len(m.positions))
	for instrument, size := range m.positions {
		if size == 0 {
			continue
		}
		price := m.prices[instrument]
		out = append(out, Position{Instrument: instrument, SizeUSD: size, MarkPrice: price})
	}
	return out, nil
}

func (m *Mock) HealthCheck(ctx context.Context) (types.VenueHealth, error) {
	m.mu.Lock()
	connected := m.connected
	m.mu.Unlock()

	status := types.VenueHealthy
	if !connected {
		status = types.VenueOffline
	}
	return types.VenueHealth{
		VenueID:       m.id,
		Status:        status,
		LatencyMS:     m.cfg.LatencyMS,
		LastHeartbeat: m.clk.Now().UTC(),
		IsEnabled:     m.cfg.Enabled,
	}, nil
}
