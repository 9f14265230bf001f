// Package books maintains the registry of trading books and their
// exposure. The MEME book is strictly isolated: its exposure and PnL
// never feed cross-book totals or limits.
package books

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/quantfabric/controlplane/internal/config"
	"github.com/quantfabric/controlplane/internal/types"
)

// Registry tracks books and per-book exposure. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	books map[string]*types.Book
	log   zerolog.Logger
}

// NewRegistry builds a registry from the configured books.
func NewRegistry(cfgs []config.BookConfig, log zerolog.Logger) (*Registry, error) {
	r := &Registry{
		books: make(map[string]*types.Book, len(cfgs)),
		log:   log.With().Str("component", "books").Logger(),
	}
	for _, c := range cfgs {
		bt := types.BookType(c.Type)
		switch bt {
		case types.BookHedge, types.BookProp, types.BookMeme:
		default:
			return nil, fmt.Errorf("unknown book type %q for book %s", c.Type, c.ID)
		}
		if _, dup := r.books[c.ID]; dup {
			return nil, fmt.Errorf("duplicate book id %s", c.ID)
		}
		r.books[c.ID] = &types.Book{
			ID:               c.ID,
			Type:             bt,
			CapitalAllocated: c.CapitalAllocated,
			MaxDrawdownLimit: c.MaxDrawdownLimit,
			RiskTier:         c.RiskTier,
			Status:           types.BookActive,
		}
	}
	return r, nil
}

// Get returns a copy of the named book.
func (r *Registry) Get(id string) (types.Book, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.books[id]
	if !ok {
		return types.Book{}, false
	}
	return *b, true
}

// All returns copies of every book.
func (r *Registry) All() []types.Book {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Book, 0, len(r.books))
	for _, b := range r.books {
		out = append(out, *b)
	}
	return out
}

// AddExposure adjusts the book's exposure by delta (negative to reduce).
func (r *Registry) AddExposure(id string, delta float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.books[id]
	if !ok {
		return fmt.Errorf("unknown book %s", id)
	}
	b.CurrentExposure += delta
	if b.CurrentExposure < 0 {
		b.CurrentExposure = 0
	}
	return nil
}

// SetStatus changes the book's operational status.
func (r *Registry) SetStatus(id string, status types.BookStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.books[id]
	if !ok {
		return fmt.Errorf("unknown book %s", id)
	}
	if b.Status != status {
		r.log.Info().Str("book", id).Str("from", string(b.Status)).Str("to", string(status)).Msg("Book status changed")
		b.Status = status
	}
	return nil
}

// SharedExposure sums exposure across all non-isolated books. MEME
// exposure is excluded so it can never consume shared portfolio limits.
func (r *Registry) SharedExposure() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var sum float64
	for _, b := range r.books {
		if b.Isolated() {
			continue
		}
		sum += b.CurrentExposure
	}
	return sum
}

// IsIsolated reports whether the book's risk is ring-fenced from the
// rest of the portfolio. Unknown books are treated as shared.
func (r *Registry) IsIsolated(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.books[id]
	return ok && b.Isolated()
}
