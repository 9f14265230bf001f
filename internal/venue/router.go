package venue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/quantfabric/controlplane/internal/types"
)

// ErrNoVenue is returned when no venue is available to take an order.
var ErrNoVenue = errors.New("no venue available")

// Router owns the venue adapters, one circuit breaker per venue, and the
// health snapshots routing decisions are made on.
type Router struct {
	mu       sync.Mutex
	adapters map[string]Adapter
	breakers map[string]*gobreaker.CircuitBreaker
	health   map[string]types.VenueHealth
	pref     []string
	rr       int
	log      zerolog.Logger
}

// NewRouter creates a router over the given adapters. preference orders
// venue selection among equally healthy venues; venues not listed come
// after listed ones in round-robin order.
func NewRouter(adapters []Adapter, preference []string, log zerolog.Logger) *Router {
	r := &Router{
		adapters: make(map[string]Adapter, len(adapters)),
		breakers: make(map[string]*gobreaker.CircuitBreaker, len(adapters)),
		health:   make(map[string]types.VenueHealth, len(adapters)),
		pref:     preference,
		log:      log.With().Str("component", "venue_router").Logger(),
	}
	for _, a := range adapters {
		a := a
		r.adapters[a.ID()] = a
		r.breakers[a.ID()] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "venue_" + a.ID(),
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				r.log.Warn().
					Str("breaker", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("Venue circuit breaker state change")
			},
		})
		// Unknown until the first health probe.
		r.health[a.ID()] = types.VenueHealth{VenueID: a.ID(), Status: types.VenueOffline}
	}
	return r
}

// ConnectAll connects every adapter; a venue that fails to connect is
// left offline rather than failing startup.
func (r *Router) ConnectAll(ctx context.Context) {
	for id, a := range r.adapters {
		if err := a.Connect(ctx); err != nil {
			r.log.Error().Err(err).Str("venue", id).Msg("Venue connect failed")
		}
	}
	r.RefreshHealth(ctx)
}

// DisconnectAll disconnects every adapter.
func (r *Router) DisconnectAll(ctx context.Context) {
	for id, a := range r.adapters {
		if err := a.Disconnect(ctx); err != nil {
			r.log.Warn().Err(err).Str("venue", id).Msg("Venue disconnect failed")
		}
	}
}

// RefreshHealth probes every venue and updates the routing snapshots.
func (r *Router) RefreshHealth(ctx context.Context) {
	for id, a := range r.adapters {
		h, err := a.HealthCheck(ctx)
		if err != nil {
			h = types.VenueHealth{VenueID: id, Status: types.VenueDown, LastHeartbeat: time.Now().UTC()}
		}
		r.mu.Lock()
		r.health[id] = h
		r.mu.Unlock()
	}
}

// Health returns the latest health snapshot of every venue.
func (r *Router) Health() []types.VenueHealth {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.VenueHealth, 0, len(r.health))
	for _, h := range r.health {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VenueID < out[j].VenueID })
	return out
}

// Select picks the venue for the next order: healthy venues first in
// preference order then round-robin; if none are healthy it degrades to
// a degraded venue (the caller should warn); otherwise ErrNoVenue.
func (r *Router) Select() (Adapter, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a := r.pick(types.VenueHealthy); a != nil {
		return a, false, nil
	}
	if a := r.pick(types.VenueDegraded); a != nil {
		return a, true, nil
	}
	return nil, false, ErrNoVenue
}

// pick returns the first usable venue at the given health grade. Callers
// hold the lock.
func (r *Router) pick(grade types.VenueStatus) Adapter {
	usable := func(id string) bool {
		h := r.health[id]
		return h.Status == grade && h.IsEnabled && r.breakers[id].State() != gobreaker.StateOpen
	}
	for _, id := range r.pref {
		if _, ok := r.adapters[id]; ok && usable(id) {
			return r.adapters[id]
		}
	}
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for i := 0; i < len(ids); i++ {
		id := ids[(r.rr+i)%len(ids)]
		if usable(id) {
			r.rr = (r.rr + i + 1) % len(ids)
			return r.adapters[id]
		}
	}
	return nil
}

// Place routes the order through the venue's circuit breaker and
// measures placement latency.
func (r *Router) Place(ctx context.Context, a Adapter, order *types.Order) (*PlaceResult, time.Duration, error) {
	r.mu.Lock()
	cb, ok := r.breakers[a.ID()]
	r.mu.Unlock()
	if !ok {
		return nil, 0, fmt.Errorf("unknown venue %s", a.ID())
	}

	start := time.Now()
	res, err := cb.Execute(func() (interface{}, error) {
		return a.PlaceOrder(ctx, order)
	})
	latency := time.Since(start)
	if err != nil {
		return nil, latency, err
	}
	return res.(*PlaceResult), latency, nil
}

// Cancel cancels a resting order at the named venue.
func (r *Router) Cancel(ctx context.Context, venueID, venueOrderID string) error {
	r.mu.Lock()
	a, ok := r.adapters[venueID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown venue %s", venueID)
	}
	return a.CancelOrder(ctx, venueOrderID)
}
