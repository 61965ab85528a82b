package positions

import (
	"context"
	"testing"
	"time"

	"marginctl/internal/domain"
	"marginctl/internal/eventbus"

	"github.com/stretchr/testify/require"
)

type stubReader struct {
	positions []domain.Position
}

func (s *stubReader) GetPositions(ctx context.Context, symbol string) ([]domain.Position, error) {
	return s.positions, nil
}

func newTestStore(positions []domain.Position, limits Limits) (*Store, *eventbus.Bus, *[]eventbus.Event) {
	bus := eventbus.New()
	var seen []eventbus.Event
	bus.Subscribe(func(e eventbus.Event) { seen = append(seen, e) })
	store := New(&stubReader{positions: positions}, bus, limits)
	return store, bus, &seen
}

func TestReconcile_InsertsUnknownTicket(t *testing.T) {
	store, _, seen := newTestStore([]domain.Position{
		{Ticket: 1, Symbol: "EURUSD", Side: domain.SideBuy, OpenTime: time.Now()},
	}, Limits{MaxTotal: 10, MaxPerSymbol: 10, MaxPerGroup: 10})

	require.NoError(t, store.Reconcile(context.Background(), ""))

	pos, ok := store.Position(1)
	require.True(t, ok)
	require.Equal(t, "EURUSD", pos.Symbol)
	require.Len(t, *seen, 1)
	require.Equal(t, eventbus.TypePositionOpened, (*seen)[0].Type)
}

func TestReconcile_RemovesVanishedTicket(t *testing.T) {
	reader := &stubReader{positions: []domain.Position{{Ticket: 1, Symbol: "EURUSD", Profit: 5}}}
	bus := eventbus.New()
	var seen []eventbus.Event
	bus.Subscribe(func(e eventbus.Event) { seen = append(seen, e) })
	store := New(reader, bus, Limits{MaxTotal: 10, MaxPerSymbol: 10, MaxPerGroup: 10})

	require.NoError(t, store.Reconcile(context.Background(), ""))
	_, ok := store.Position(1)
	require.True(t, ok)

	reader.positions = nil
	require.NoError(t, store.Reconcile(context.Background(), ""))
	_, ok = store.Position(1)
	require.False(t, ok)

	require.Len(t, seen, 2)
	require.Equal(t, eventbus.TypePositionClosed, seen[1].Type)
	require.Equal(t, 5.0, seen[1].Profit)
}

func TestReconcile_UpdatesSLAndEmitsModified(t *testing.T) {
	reader := &stubReader{positions: []domain.Position{{Ticket: 1, Symbol: "EURUSD", StopLoss: 1.19}}}
	bus := eventbus.New()
	var seen []eventbus.Event
	bus.Subscribe(func(e eventbus.Event) { seen = append(seen, e) })
	store := New(reader, bus, Limits{MaxTotal: 10, MaxPerSymbol: 10, MaxPerGroup: 10})
	require.NoError(t, store.Reconcile(context.Background(), ""))

	reader.positions[0].StopLoss = 1.195
	require.NoError(t, store.Reconcile(context.Background(), ""))

	pos, _ := store.Position(1)
	require.Equal(t, 1.195, pos.StopLoss)
	require.Len(t, seen, 2)
	require.Equal(t, eventbus.TypePositionModified, seen[1].Type)
}

func TestAttachDetach(t *testing.T) {
	store, _, _ := newTestStore([]domain.Position{{Ticket: 1, Symbol: "EURUSD"}}, Limits{MaxTotal: 10, MaxPerSymbol: 10, MaxPerGroup: 10})
	require.NoError(t, store.Reconcile(context.Background(), ""))

	groupID := store.CreateGroup("EURUSD", domain.SideBuy, 0.1, 1.2)
	require.True(t, store.Attach(1, groupID))
	require.False(t, store.Attach(1, groupID), "already-grouped ticket cannot attach again")
	require.False(t, store.Attach(999, groupID), "unknown ticket cannot attach")

	group, ok := store.Group(groupID)
	require.True(t, ok)
	require.Equal(t, 1, group.Size())

	store.Detach(1)
	store.Detach(1) // idempotent
	_, ok = store.Group(groupID)
	require.False(t, ok, "group with no members is destroyed")
}

func TestCanOpen_EnforcesCaps(t *testing.T) {
	store, _, _ := newTestStore([]domain.Position{
		{Ticket: 1, Symbol: "EURUSD"},
		{Ticket: 2, Symbol: "EURUSD"},
	}, Limits{MaxTotal: 2, MaxPerSymbol: 5, MaxPerGroup: 5})
	require.NoError(t, store.Reconcile(context.Background(), ""))

	allowed, reason := store.CanOpen("EURUSD", "")
	require.False(t, allowed)
	require.Contains(t, reason, "max_total")
}

func TestAggregateProfit(t *testing.T) {
	store, _, _ := newTestStore([]domain.Position{
		{Ticket: 1, Symbol: "EURUSD", Profit: 10},
		{Ticket: 2, Symbol: "GBPUSD", Profit: -4},
	}, Limits{MaxTotal: 10, MaxPerSymbol: 10, MaxPerGroup: 10})
	require.NoError(t, store.Reconcile(context.Background(), ""))

	require.Equal(t, 6.0, store.TotalProfit())
	require.Equal(t, 10.0, store.SymbolProfit("EURUSD"))
	require.Equal(t, -4.0, store.SymbolProfit("GBPUSD"))
}

func TestCheckInvariants_ReportsBracketViolation(t *testing.T) {
	store, _, _ := newTestStore([]domain.Position{
		{Ticket: 1, Symbol: "EURUSD", Side: domain.SideBuy, StopLoss: 1.21, TakeProfit: 1.22, CurrentPrice: 1.205},
	}, Limits{MaxTotal: 10, MaxPerSymbol: 10, MaxPerGroup: 10})
	require.NoError(t, store.Reconcile(context.Background(), ""))

	violations := store.CheckInvariants()
	require.Equal(t, []int64{1}, violations)
}

func TestOpen_RecordsFreshTicketImmediately(t *testing.T) {
	store, _, seen := newTestStore(nil, Limits{MaxTotal: 10, MaxPerSymbol: 10, MaxPerGroup: 10})

	store.Open(domain.Position{Ticket: 99, Symbol: "EURUSD", Side: domain.SideBuy, Volume: 0.1, OpenPrice: 1.2345})

	pos, ok := store.Position(99)
	require.True(t, ok)
	require.Equal(t, "EURUSD", pos.Symbol)
	require.Len(t, *seen, 1)
	require.Equal(t, eventbus.TypePositionOpened, (*seen)[0].Type)
}

func TestOpen_IsNoOpForAlreadyKnownTicket(t *testing.T) {
	store, _, seen := newTestStore(nil, Limits{MaxTotal: 10, MaxPerSymbol: 10, MaxPerGroup: 10})

	store.Open(domain.Position{Ticket: 99, Symbol: "EURUSD", OpenPrice: 1.2345})
	store.Open(domain.Position{Ticket: 99, Symbol: "EURUSD", OpenPrice: 9.9999})

	pos, ok := store.Position(99)
	require.True(t, ok)
	require.Equal(t, 1.2345, pos.OpenPrice, "second Open must not overwrite the first")
	require.Len(t, *seen, 1, "no-op Open must not publish a second event")
}

func TestOpen_SurvivesSubsequentReconcileAndAttach(t *testing.T) {
	reader := &stubReader{}
	bus := eventbus.New()
	store := New(reader, bus, Limits{MaxTotal: 10, MaxPerSymbol: 10, MaxPerGroup: 10})

	store.Open(domain.Position{Ticket: 99, Symbol: "EURUSD", OpenPrice: 1.2345})
	groupID := store.CreateGroup("EURUSD", domain.SideBuy, 0.1, 1.2345)
	require.True(t, store.Attach(99, groupID))

	reader.positions = []domain.Position{{Ticket: 99, Symbol: "EURUSD", OpenPrice: 1.2345, StopLoss: 1.2300}}
	require.NoError(t, store.Reconcile(context.Background(), ""))

	pos, ok := store.Position(99)
	require.True(t, ok)
	require.Equal(t, groupID, pos.GroupID, "reconcile must preserve the group assigned before it ran")
}

func TestActiveGroupIDs_ExcludesCompletedGroups(t *testing.T) {
	store, _, _ := newTestStore(nil, Limits{MaxTotal: 10, MaxPerSymbol: 10, MaxPerGroup: 10})

	open := store.CreateGroup("EURUSD", domain.SideBuy, 0.1, 1.1000)
	done := store.CreateGroup("GBPUSD", domain.SideSell, 0.1, 1.3000)
	store.CompleteGroup(done)

	require.Equal(t, []string{open}, store.ActiveGroupIDs())
}
