// Package scaling is the Scaling Strategy (C8): a per-Group finite state
// machine that opens an initial batch of positions and scales up additional
// batches as the group's best position moves favorably. One tick advances a
// group by at most one level; a group cannot skip levels even if price
// moved far enough for level+2.
package scaling

import (
	"context"
	"sort"
	"sync"

	"marginctl/internal/config"
	"marginctl/internal/domain"
	"marginctl/internal/eventbus"
	"marginctl/internal/symbol"

	"github.com/shopspring/decimal"
)

// GroupStore is the subset of the position store the scaling strategy needs.
// veto_open/can_open enforcement lives entirely in the order-issuance choke
// point the control loop wraps OrderPlacer with; the only cap the manager
// checks itself is the group's max_positions before an advance, and it
// stops a batch early when an order is rejected.
type GroupStore interface {
	Group(groupID string) (domain.Group, bool)
	Position(ticket int64) (domain.Position, bool)
	Attach(ticket int64, groupID string) bool
	AdvanceGroupLevel(groupID string) int
	CompleteGroup(groupID string)
}

// SLTPProvider supplies stop-loss/take-profit prices for a new order.
type SLTPProvider interface {
	StopLossFor(ctx context.Context, symbol string, entryPrice float64, side domain.Side) float64
	TakeProfitFor(ctx context.Context, symbol string, entryPrice float64, side domain.Side) float64
}

// OrderPlacer submits a market order and reports the confirmed ticket/price.
// groupID is passed through so the choke point the control loop wraps this
// with can enforce the per-group open-position cap.
type OrderPlacer interface {
	OrderForSide(ctx context.Context, side domain.Side, symbol, groupID string, volume, sl, tp float64, comment string, magic int64) (int64, float64, error)
}

// Manager is the C8 scaling strategy.
type Manager struct {
	store   GroupStore
	sltp    SLTPProvider
	placer  OrderPlacer
	symbols *symbol.Registry
	bus     *eventbus.Bus
	magic   int64

	mu  sync.RWMutex
	cfg config.ScalingConfig
}

// New builds a Manager.
func New(store GroupStore, sltp SLTPProvider, placer OrderPlacer, symbols *symbol.Registry, bus *eventbus.Bus, cfg config.ScalingConfig, magic int64) *Manager {
	return &Manager{store: store, sltp: sltp, placer: placer, symbols: symbols, bus: bus, cfg: cfg, magic: magic}
}

// UpdateConfig swaps in newly-reloaded thresholds, picked up by the next
// Evaluate call for every group.
func (m *Manager) UpdateConfig(cfg config.ScalingConfig) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

func (m *Manager) config() config.ScalingConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Evaluate runs one tick of the scaling FSM for groupID: open-initial when
// the group is empty, otherwise advance-level/complete. Order of operations
// within a tick is fixed by the caller: reconcile, then this call, per group.
func (m *Manager) Evaluate(ctx context.Context, groupID string) error {
	group, ok := m.store.Group(groupID)
	if !ok || group.Completed {
		return nil
	}
	if group.Size() == 0 {
		return m.openInitial(ctx, group)
	}
	return m.advance(ctx, group)
}

func (m *Manager) openInitial(ctx context.Context, group domain.Group) error {
	cfg := m.config()
	opened := 0
	for i := 0; i < cfg.InitialPositions; i++ {
		sl := m.sltp.StopLossFor(ctx, group.Symbol, group.AnchorPrice, group.Side)
		tp := m.sltp.TakeProfitFor(ctx, group.Symbol, group.AnchorPrice, group.Side)
		ticket, _, err := m.placer.OrderForSide(ctx, group.Side, group.Symbol, group.ID, cfg.BaseVolume, sl, tp, "scale-init", m.magic)
		if err != nil {
			break
		}
		if !m.store.Attach(ticket, group.ID) {
			break
		}
		opened++
	}
	if opened > 0 {
		m.bus.Publish(eventbus.ScalingTriggered(group.ID, group.Symbol, 0, opened))
	}
	return nil
}

func (m *Manager) advance(ctx context.Context, group domain.Group) error {
	cfg := m.config()
	spec, ok := m.symbols.Lookup(group.Symbol)
	if !ok {
		return nil
	}
	best := m.bestDistancePips(group, spec)
	trigger := cfg.TriggerPips * float64(group.ScalingLevel+1)

	if best >= trigger && group.Size() < cfg.MaxPositions {
		newLevel := m.store.AdvanceGroupLevel(group.ID)
		sl, tp := m.referenceStops(group)
		lot := scaledLot(cfg.BaseVolume, cfg.LotIncrement, newLevel, cfg.LotIncrementStep)

		opened := 0
		for i := 0; i < cfg.AdditionalPositions; i++ {
			ticket, _, err := m.placer.OrderForSide(ctx, group.Side, group.Symbol, group.ID, lot, sl, tp, "scale-advance", m.magic)
			if err != nil {
				break
			}
			if !m.store.Attach(ticket, group.ID) {
				break
			}
			opened++
		}
		if opened > 0 {
			m.bus.Publish(eventbus.ScalingTriggered(group.ID, group.Symbol, newLevel, opened))
		}
	}

	current, ok := m.store.Group(group.ID)
	if !ok {
		return nil
	}
	if current.Size() >= cfg.MaxPositions || current.ScalingLevel >= cfg.MaxLevel {
		m.store.CompleteGroup(group.ID)
		m.bus.Publish(eventbus.ScalingCompleted(group.ID, group.Symbol, current.ScalingLevel))
	}
	return nil
}

// bestDistancePips returns the highest distance_pips among the group's
// member positions, so only confirmed favorable movement advances a level.
func (m *Manager) bestDistancePips(group domain.Group, spec symbol.Spec) float64 {
	tickets := group.TicketSlice()
	sort.Slice(tickets, func(i, j int) bool { return tickets[i] < tickets[j] })
	best := 0.0
	first := true
	for _, ticket := range tickets {
		pos, ok := m.store.Position(ticket)
		if !ok {
			continue
		}
		d := pos.DistancePips(spec.PipScale)
		if first || d > best {
			best = d
			first = false
		}
	}
	return best
}

// referenceStops reuses the SL/TP of the group's first (lowest-ticket)
// member position for every order in an advance batch.
func (m *Manager) referenceStops(group domain.Group) (sl, tp float64) {
	tickets := group.TicketSlice()
	if len(tickets) == 0 {
		return 0, 0
	}
	sort.Slice(tickets, func(i, j int) bool { return tickets[i] < tickets[j] })
	pos, ok := m.store.Position(tickets[0])
	if !ok {
		return 0, 0
	}
	return pos.StopLoss, pos.TakeProfit
}

// scaledLot computes base + increment * (level / step) using integer
// division on level/step, per the lot-sizing rule.
func scaledLot(base, increment float64, level, step int) float64 {
	if step <= 0 {
		step = 1
	}
	steps := level / step
	lot := decimal.NewFromFloat(base).Add(decimal.NewFromFloat(increment).Mul(decimal.NewFromInt(int64(steps))))
	f, _ := lot.Float64()
	return f
}
