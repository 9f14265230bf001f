// Package feed hosts the simulated market-data agent used in paper mode.
// It publishes a random-walk price stream on the market_data subject so
// the decision pipeline runs without an external data provider.
package feed

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfabric/controlplane/internal/agents"
	"github.com/quantfabric/controlplane/internal/bus"
	"github.com/quantfabric/controlplane/internal/config"
	"github.com/quantfabric/controlplane/internal/types"
)

// AgentID is the feed agent's bus identity.
const AgentID = "market-feed"

// timedPrice is one historical observation used for the 1-minute change.
type timedPrice struct {
	at    time.Time
	price float64
}

// Agent simulates one tick per instrument per cycle.
type Agent struct {
	cfg config.FeedConfig
	log zerolog.Logger
	pub agents.Publisher
	rng *rand.Rand
	now func() time.Time

	prices  map[string]float64
	history map[string][]timedPrice
}

// New creates the simulated feed agent seeded from the configured start
// prices.
func New(cfg config.FeedConfig, log zerolog.Logger) *Agent {
	prices := make(map[string]float64, len(cfg.StartPrices))
	for instrument, price := range cfg.StartPrices {
		prices[instrument] = price
	}
	return &Agent{
		cfg:     cfg,
		log:     log.With().Str("agent_id", AgentID).Logger(),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		now:     time.Now,
		prices:  prices,
		history: make(map[string][]timedPrice),
	}
}

func (a *Agent) Name() string { return AgentID }
func (a *Agent) Type() string { return "market_data" }

func (a *Agent) Subjects() []bus.Subject { return nil }

func (a *Agent) CycleInterval() time.Duration {
	if a.cfg.Interval > 0 {
		return a.cfg.Interval
	}
	return time.Second
}

func (a *Agent) OnStart(ctx context.Context, pub agents.Publisher) error {
	a.pub = pub
	return nil
}

func (a *Agent) OnStop(ctx context.Context) error { return nil }
func (a *Agent) OnPause()                         {}
func (a *Agent) OnResume()                        {}

func (a *Agent) HandleMessage(ctx context.Context, msg *bus.Message) error { return nil }

// Cycle walks every instrument one step and publishes the tick.
func (a *Agent) Cycle(ctx context.Context) error {
	now := a.now()
	for instrument, price := range a.prices {
		next := price * (1 + a.cfg.Volatility*a.rng.NormFloat64())
		if next < 0.01 {
			next = 0.01
		}
		a.prices[instrument] = next

		snap := types.MarketSnapshot{
			Instrument:    instrument,
			Price:         next,
			Spread:        next * a.cfg.SpreadPct,
			PriceChange1m: a.change1m(instrument, now, next),
			Timestamp:     now.UTC(),
		}
		if err := a.pub.Publish(ctx, bus.SubjectMarketData, snap); err != nil {
			return err
		}
	}
	return nil
}

// change1m returns the price move against the oldest observation within
// the last minute, recording the current one.
func (a *Agent) change1m(instrument string, now time.Time, price float64) float64 {
	cutoff := now.Add(-time.Minute)
	hist := a.history[instrument]
	kept := hist[:0]
	for _, tp := range hist {
		if tp.at.After(cutoff) {
			kept = append(kept, tp)
		}
	}
	hist = append(kept, timedPrice{at: now, price: price})
	a.history[instrument] = hist

	return price - hist[0].price
}
