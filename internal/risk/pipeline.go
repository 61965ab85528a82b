// Package risk is the Risk Pipeline (C9): an ordered set of risk handlers,
// each with veto and action rights over the control loop. Handlers are
// evaluated in descending priority every tick; an acting handler does not
// short-circuit lower-priority handlers, and every handler re-reads the
// Position Store before it runs rather than working from a stale snapshot.
package risk

import (
	"context"
	"sort"

	"marginctl/internal/domain"
)

// Priority orders handler evaluation; lower values run first.
type Priority int

const (
	PriorityHighest Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow
	PriorityLowest
)

// PositionsProvider is the subset of the position store handlers read from.
// Fetched fresh before every handler invocation.
type PositionsProvider interface {
	AllPositions() []domain.Position
}

// Handler is one risk handler's three pure-from-the-outside queries.
type Handler interface {
	Priority() Priority
	ShouldAct(account domain.AccountSnapshot, positions []domain.Position) bool
	Act(ctx context.Context, account domain.AccountSnapshot, positions []domain.Position) (bool, error)
	VetoOpen(account domain.AccountSnapshot, positions []domain.Position, symbol string, volume, sl, tp float64) bool
}

// Pipeline runs a fixed set of handlers in priority order.
type Pipeline struct {
	handlers []Handler
}

// NewPipeline builds a Pipeline, sorting handlers by ascending Priority
// (highest priority first).
func NewPipeline(handlers ...Handler) *Pipeline {
	sorted := make([]Handler, len(handlers))
	copy(sorted, handlers)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority() < sorted[j].Priority() })
	return &Pipeline{handlers: sorted}
}

// Tick evaluates every handler once, in priority order, against a fresh
// read of the position store before each one.
func (p *Pipeline) Tick(ctx context.Context, account domain.AccountSnapshot, provider PositionsProvider) error {
	for _, h := range p.handlers {
		positions := provider.AllPositions()
		if !h.ShouldAct(account, positions) {
			continue
		}
		if _, err := h.Act(ctx, account, positions); err != nil {
			return err
		}
	}
	return nil
}

// VetoOpen consults every handler before a new order; any handler returning
// false prevents the order.
func (p *Pipeline) VetoOpen(account domain.AccountSnapshot, positions []domain.Position, symbol string, volume, sl, tp float64) bool {
	for _, h := range p.handlers {
		if !h.VetoOpen(account, positions, symbol, volume, sl, tp) {
			return false
		}
	}
	return true
}
