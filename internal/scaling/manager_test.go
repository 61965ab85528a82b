package scaling

import (
	"context"
	"errors"
	"testing"

	"marginctl/internal/config"
	"marginctl/internal/domain"
	"marginctl/internal/eventbus"
	"marginctl/internal/symbol"

	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	group     domain.Group
	positions map[int64]domain.Position
	attached  []int64
	advanced  int
	completed bool
}

func (f *fakeStore) Group(groupID string) (domain.Group, bool) {
	if f.group.ID != groupID {
		return domain.Group{}, false
	}
	return f.group, true
}

func (f *fakeStore) Position(ticket int64) (domain.Position, bool) {
	p, ok := f.positions[ticket]
	return p, ok
}

func (f *fakeStore) Attach(ticket int64, groupID string) bool {
	f.attached = append(f.attached, ticket)
	f.group.Tickets[ticket] = struct{}{}
	return true
}

func (f *fakeStore) AdvanceGroupLevel(groupID string) int {
	f.advanced++
	f.group.ScalingLevel++
	return f.group.ScalingLevel
}

func (f *fakeStore) CompleteGroup(groupID string) {
	f.completed = true
	f.group.Completed = true
}

type fakeSLTP struct{}

func (fakeSLTP) StopLossFor(ctx context.Context, symbol string, entry float64, side domain.Side) float64 {
	return entry - 0.005
}
func (fakeSLTP) TakeProfitFor(ctx context.Context, symbol string, entry float64, side domain.Side) float64 {
	return entry + 0.005
}

type fakePlacer struct {
	nextTicket int64
	fail       bool
	allowed    int // if >0, rejects every call past the first allowed ones
	calls      int
}

func (p *fakePlacer) OrderForSide(ctx context.Context, side domain.Side, symbol, groupID string, volume, sl, tp float64, comment string, magic int64) (int64, float64, error) {
	p.calls++
	if p.fail {
		return 0, 0, errFail
	}
	if p.allowed > 0 && p.calls > p.allowed {
		return 0, 0, errFail
	}
	p.nextTicket++
	return p.nextTicket, 1.2000, nil
}

var errFail = errors.New("order rejected")

func testRegistry() *symbol.Registry {
	return symbol.NewRegistry([]symbol.Spec{{Name: "EURUSD", PipScale: 0.0001, PricePrecision: 5, VolumePrecision: 2}})
}

func testCfg() config.ScalingConfig {
	return config.ScalingConfig{
		InitialPositions:    2,
		AdditionalPositions: 2,
		TriggerPips:         100,
		LotIncrement:        0.01,
		LotIncrementStep:    1,
		MaxPositions:        5,
		MaxLevel:            3,
		BaseVolume:          0.1,
	}
}

func newGroup(id string) domain.Group {
	return domain.Group{ID: id, Symbol: "EURUSD", Side: domain.SideBuy, AnchorPrice: 1.2000, Tickets: make(map[int64]struct{})}
}

func TestEvaluate_OpensInitialBatchWhenEmpty(t *testing.T) {
	store := &fakeStore{group: newGroup("g1"), positions: map[int64]domain.Position{}}
	bus := eventbus.New()
	var seen []eventbus.Event
	bus.Subscribe(func(e eventbus.Event) { seen = append(seen, e) })
	mgr := New(store, fakeSLTP{}, &fakePlacer{}, testRegistry(), bus, testCfg(), 777)

	require.NoError(t, mgr.Evaluate(context.Background(), "g1"))
	require.Len(t, store.attached, 2)
	require.Len(t, seen, 1)
	require.Equal(t, eventbus.TypeScalingTriggered, seen[0].Type)
	require.Equal(t, 0, seen[0].Level)
	require.Equal(t, 2, seen[0].Opened)
}

func TestEvaluate_OpenInitialStopsWhenCapReached(t *testing.T) {
	store := &fakeStore{group: newGroup("g1"), positions: map[int64]domain.Position{}}
	bus := eventbus.New()
	var seen []eventbus.Event
	bus.Subscribe(func(e eventbus.Event) { seen = append(seen, e) })
	mgr := New(store, fakeSLTP{}, &fakePlacer{fail: true}, testRegistry(), bus, testCfg(), 1)

	require.NoError(t, mgr.Evaluate(context.Background(), "g1"))
	require.Empty(t, store.attached)
	require.Empty(t, seen, "a fully-blocked batch must not emit ScalingTriggered")
}

func TestEvaluate_AdvancesLevelOnFavorableMove(t *testing.T) {
	group := newGroup("g1")
	group.Tickets[1] = struct{}{}
	store := &fakeStore{
		group: group,
		positions: map[int64]domain.Position{
			1: {Ticket: 1, Symbol: "EURUSD", Side: domain.SideBuy, OpenPrice: 1.2000, CurrentPrice: 1.2110, StopLoss: 1.195, TakeProfit: 1.21},
		},
	}
	bus := eventbus.New()
	var seen []eventbus.Event
	bus.Subscribe(func(e eventbus.Event) { seen = append(seen, e) })
	mgr := New(store, fakeSLTP{}, &fakePlacer{}, testRegistry(), bus, testCfg(), 1)

	require.NoError(t, mgr.Evaluate(context.Background(), "g1"))
	require.Equal(t, 1, store.advanced)
	require.Len(t, store.attached, 2) // additional_positions
	require.Equal(t, eventbus.TypeScalingTriggered, seen[0].Type)
	require.Equal(t, 1, seen[0].Level)
}

func TestEvaluate_AdvanceEmitsNoEventWhenEveryOrderVetoed(t *testing.T) {
	group := newGroup("g1")
	group.Tickets[1] = struct{}{}
	store := &fakeStore{
		group: group,
		positions: map[int64]domain.Position{
			1: {Ticket: 1, Symbol: "EURUSD", Side: domain.SideBuy, OpenPrice: 1.2000, CurrentPrice: 1.2110, StopLoss: 1.195, TakeProfit: 1.21},
		},
	}
	bus := eventbus.New()
	var seen []eventbus.Event
	bus.Subscribe(func(e eventbus.Event) { seen = append(seen, e) })
	mgr := New(store, fakeSLTP{}, &fakePlacer{fail: true}, testRegistry(), bus, testCfg(), 1)

	require.NoError(t, mgr.Evaluate(context.Background(), "g1"))
	require.Equal(t, 1, store.advanced, "level still advances before the batch is attempted")
	require.Empty(t, store.attached)
	require.Empty(t, seen, "every order in the batch was rejected by the choke point, so nothing was opened")
}

func TestEvaluate_DoesNotAdvanceWhenUnderwater(t *testing.T) {
	group := newGroup("g1")
	group.Tickets[1] = struct{}{}
	store := &fakeStore{
		group: group,
		positions: map[int64]domain.Position{
			1: {Ticket: 1, Symbol: "EURUSD", Side: domain.SideBuy, OpenPrice: 1.2000, CurrentPrice: 1.1990},
		},
	}
	mgr := New(store, fakeSLTP{}, &fakePlacer{}, testRegistry(), eventbus.New(), testCfg(), 1)

	require.NoError(t, mgr.Evaluate(context.Background(), "g1"))
	require.Equal(t, 0, store.advanced)
}

func TestEvaluate_CompletesAtMaxLevel(t *testing.T) {
	group := newGroup("g1")
	group.ScalingLevel = 2
	group.Tickets[1] = struct{}{}
	store := &fakeStore{
		group: group,
		positions: map[int64]domain.Position{
			1: {Ticket: 1, Symbol: "EURUSD", Side: domain.SideBuy, OpenPrice: 1.2000, CurrentPrice: 1.2310},
		},
	}
	cfg := testCfg()
	cfg.MaxLevel = 3
	bus := eventbus.New()
	var seen []eventbus.Event
	bus.Subscribe(func(e eventbus.Event) { seen = append(seen, e) })
	mgr := New(store, fakeSLTP{}, &fakePlacer{}, testRegistry(), bus, cfg, 1)

	require.NoError(t, mgr.Evaluate(context.Background(), "g1"))
	require.True(t, store.completed)
	require.Equal(t, eventbus.TypeScalingCompleted, seen[len(seen)-1].Type)
}

func TestManager_UpdateConfigChangesTriggerDistance(t *testing.T) {
	group := newGroup("g1")
	group.Tickets[1] = struct{}{}
	store := &fakeStore{
		group: group,
		positions: map[int64]domain.Position{
			1: {Ticket: 1, Symbol: "EURUSD", Side: domain.SideBuy, OpenPrice: 1.2000, CurrentPrice: 1.2060},
		},
	}
	mgr := New(store, fakeSLTP{}, &fakePlacer{}, testRegistry(), eventbus.New(), testCfg(), 1)

	require.NoError(t, mgr.Evaluate(context.Background(), "g1"))
	require.Equal(t, 0, store.advanced, "60 pips is below the original 100-pip trigger")

	cfg := testCfg()
	cfg.TriggerPips = 50
	mgr.UpdateConfig(cfg)

	require.NoError(t, mgr.Evaluate(context.Background(), "g1"))
	require.Equal(t, 1, store.advanced, "reloaded 50-pip trigger is now below the 60-pip move")
}

func TestScaledLot_UsesIntegerDivision(t *testing.T) {
	require.InDelta(t, 0.10, scaledLot(0.10, 0.01, 0, 2), 1e-9)
	require.InDelta(t, 0.10, scaledLot(0.10, 0.01, 1, 2), 1e-9)
	require.InDelta(t, 0.11, scaledLot(0.10, 0.01, 2, 2), 1e-9)
	require.InDelta(t, 0.11, scaledLot(0.10, 0.01, 3, 2), 1e-9)
}
