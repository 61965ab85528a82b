// Package positions is the authoritative Position Store (C5): the
// tickets -> Position and group_id -> Group mappings, held behind a single
// reader-writer lock. reconcile() is the only path that destroys a
// Position; it and Open (for an order the broker has just confirmed) are
// the only paths that create one. Everything else gets a read-only view or
// a ticket handle.
package positions

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"marginctl/internal/domain"
	"marginctl/internal/eventbus"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// Reader is the subset of the broker gateway reconcile needs.
type Reader interface {
	GetPositions(ctx context.Context, symbol string) ([]domain.Position, error)
}

// Limits are the three configurable open-position caps enforced by CanOpen.
type Limits struct {
	MaxTotal     int
	MaxPerSymbol int
	MaxPerGroup  int
}

// Store is the C5 position store.
type Store struct {
	reader Reader
	bus    *eventbus.Bus
	limits Limits

	// reconcileOnce coalesces overlapping reconcile() calls into the single
	// in-flight pass; there is exactly one reconcile operation account-wide,
	// so every caller shares the same key.
	reconcileOnce singleflight.Group

	mu         sync.RWMutex
	positions  map[int64]*domain.Position
	groups     map[string]*domain.Group
}

// New builds an empty Store.
func New(reader Reader, bus *eventbus.Bus, limits Limits) *Store {
	return &Store{
		reader:    reader,
		bus:       bus,
		limits:    limits,
		positions: make(map[int64]*domain.Position),
		groups:    make(map[string]*domain.Group),
	}
}

// Reconcile pulls the current broker position list and reconciles it
// against the store's view: unknown tickets are inserted, known tickets are
// updated, and previously known tickets now absent are removed. It is the
// only source of truth for Position existence. Concurrent callers share one
// in-flight pass.
func (s *Store) Reconcile(ctx context.Context, symbol string) error {
	_, err, _ := s.reconcileOnce.Do("reconcile", func() (any, error) {
		return nil, s.doReconcile(ctx, symbol)
	})
	return err
}

func (s *Store) doReconcile(ctx context.Context, symbol string) error {
	live, err := s.reader.GetPositions(ctx, symbol)
	if err != nil {
		return err
	}
	liveByTicket := make(map[int64]domain.Position, len(live))
	for _, p := range live {
		liveByTicket[p.Ticket] = p
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for ticket, fresh := range liveByTicket {
		fresh := fresh
		existing, known := s.positions[ticket]
		if !known {
			s.positions[ticket] = &fresh
			s.bus.Publish(eventbus.PositionOpened(fresh))
			continue
		}
		slChanged := existing.StopLoss != fresh.StopLoss || existing.TakeProfit != fresh.TakeProfit
		fresh.GroupID = existing.GroupID
		s.positions[ticket] = &fresh
		if slChanged {
			s.bus.Publish(eventbus.PositionModified(fresh))
		}
	}

	for ticket, existing := range s.positions {
		if _, stillLive := liveByTicket[ticket]; stillLive {
			continue
		}
		lastProfit := existing.Profit
		groupID := existing.GroupID
		delete(s.positions, ticket)
		if groupID != "" {
			s.detachLocked(ticket, groupID)
		}
		s.bus.Publish(eventbus.PositionClosed(ticket, existing.Symbol, lastProfit))
	}
	return nil
}

// Open records a position confirmed by a just-submitted order, before the
// next reconcile() pass would otherwise discover it. This is what lets the
// order-issuance choke point hand a ticket straight to Attach without
// waiting a full tick. A later reconcile() sees the ticket already known
// and treats it as an update, not a fresh open; it is a no-op if the ticket
// is already present.
func (s *Store) Open(pos domain.Position) {
	s.mu.Lock()
	if _, exists := s.positions[pos.Ticket]; exists {
		s.mu.Unlock()
		return
	}
	copied := pos
	s.positions[pos.Ticket] = &copied
	s.mu.Unlock()
	s.bus.Publish(eventbus.PositionOpened(pos))
}

// ActiveGroupIDs returns every group ID whose scaling plan has not yet
// completed, sorted by group ID for deterministic iteration.
func (s *Store) ActiveGroupIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.groups))
	for id, group := range s.groups {
		if !group.Completed {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// CreateGroup creates an empty Group and returns its opaque, collision-free ID.
func (s *Store) CreateGroup(symbol string, side domain.Side, baseVolume, anchorPrice float64) string {
	id := uuid.NewString()
	group := domain.NewGroup(id, symbol, side, baseVolume, anchorPrice)

	s.mu.Lock()
	s.groups[id] = group
	s.mu.Unlock()
	return id
}

// Attach adds ticket to groupID. Returns false if the ticket does not exist
// or is already grouped.
func (s *Store) Attach(ticket int64, groupID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.positions[ticket]
	if !ok || pos.GroupID != "" {
		return false
	}
	group, ok := s.groups[groupID]
	if !ok {
		return false
	}
	pos.GroupID = groupID
	group.Tickets[ticket] = struct{}{}
	s.bus.Publish(eventbus.PositionGrouped(ticket, groupID))
	return true
}

// AdvanceGroupLevel increments groupID's scaling level and returns the new
// value. Returns 0 if the group is unknown.
func (s *Store) AdvanceGroupLevel(groupID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	group, ok := s.groups[groupID]
	if !ok {
		return 0
	}
	group.ScalingLevel++
	return group.ScalingLevel
}

// CompleteGroup marks groupID's scaling plan as completed; no further
// advance or open-initial transition will run for it.
func (s *Store) CompleteGroup(groupID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if group, ok := s.groups[groupID]; ok {
		group.Completed = true
	}
}

// Detach removes ticket from its group, if any. Idempotent.
func (s *Store) Detach(ticket int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[ticket]
	if !ok || pos.GroupID == "" {
		return
	}
	s.detachLocked(ticket, pos.GroupID)
	pos.GroupID = ""
}

// detachLocked removes ticket from groupID's member set and destroys the
// group if it becomes empty. Caller holds the write lock.
func (s *Store) detachLocked(ticket int64, groupID string) {
	group, ok := s.groups[groupID]
	if !ok {
		return
	}
	delete(group.Tickets, ticket)
	if group.Size() == 0 {
		delete(s.groups, groupID)
	}
}

// CanOpen enforces the three configurable open-position caps. groupID may
// be empty when the caller has not yet created a group.
func (s *Store) CanOpen(symbol, groupID string) (bool, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.positions) >= s.limits.MaxTotal {
		return false, fmt.Sprintf("max_total cap reached (%d)", s.limits.MaxTotal)
	}
	perSymbol := 0
	for _, p := range s.positions {
		if p.Symbol == symbol {
			perSymbol++
		}
	}
	if perSymbol >= s.limits.MaxPerSymbol {
		return false, fmt.Sprintf("max_per_symbol cap reached for %s (%d)", symbol, s.limits.MaxPerSymbol)
	}
	if groupID != "" {
		if group, ok := s.groups[groupID]; ok && group.Size() >= s.limits.MaxPerGroup {
			return false, fmt.Sprintf("max_per_group cap reached for group %s (%d)", groupID, s.limits.MaxPerGroup)
		}
	}
	return true, ""
}

// Position returns a copy of the position for ticket, if known.
func (s *Store) Position(ticket int64) (domain.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.positions[ticket]
	if !ok {
		return domain.Position{}, false
	}
	return *pos, true
}

// Group returns a copy of the group's tickets and metadata, if known.
func (s *Store) Group(groupID string) (domain.Group, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	group, ok := s.groups[groupID]
	if !ok {
		return domain.Group{}, false
	}
	return cloneGroup(group), true
}

func cloneGroup(g *domain.Group) domain.Group {
	clone := *g
	clone.Tickets = make(map[int64]struct{}, len(g.Tickets))
	for t := range g.Tickets {
		clone.Tickets[t] = struct{}{}
	}
	return clone
}

// AllPositions returns a stable-ordered snapshot of every open position.
func (s *Store) AllPositions() []domain.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticket < out[j].Ticket })
	return out
}

// TotalProfit sums profit across every open position, under a single
// consistent read of the store.
func (s *Store) TotalProfit() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total float64
	for _, p := range s.positions {
		total += p.Profit
	}
	return total
}

// SymbolProfit sums profit across positions for one symbol.
func (s *Store) SymbolProfit(symbol string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total float64
	for _, p := range s.positions {
		if p.Symbol == symbol {
			total += p.Profit
		}
	}
	return total
}

// GroupProfit sums profit across a group's member positions.
func (s *Store) GroupProfit(groupID string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	group, ok := s.groups[groupID]
	if !ok {
		return 0
	}
	var total float64
	for ticket := range group.Tickets {
		if p, ok := s.positions[ticket]; ok {
			total += p.Profit
		}
	}
	return total
}

// CheckInvariants reports any open position currently violating the
// stop_loss/take_profit bracket invariant (I3). Violations are reported,
// never auto-corrected.
func (s *Store) CheckInvariants() []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var violations []int64
	for ticket, p := range s.positions {
		if !p.CheckBracketInvariant() {
			violations = append(violations, ticket)
		}
	}
	sort.Slice(violations, func(i, j int) bool { return violations[i] < violations[j] })
	return violations
}

