package risk

import (
	"context"
	"testing"
	"time"

	"marginctl/internal/config"
	"marginctl/internal/domain"
	"marginctl/internal/eventbus"
	"marginctl/internal/symbol"

	"github.com/stretchr/testify/require"
)

type stubCloser struct {
	closed []int64
	err    error
}

func (c *stubCloser) ClosePosition(ctx context.Context, ticket int64, volume float64) (float64, error) {
	if c.err != nil {
		return 0, c.err
	}
	c.closed = append(c.closed, ticket)
	return 0, nil
}

type stubAccountReader struct {
	snapshots []domain.AccountSnapshot
	idx       int
}

func (r *stubAccountReader) GetAccountInfo(ctx context.Context) (domain.AccountSnapshot, error) {
	s := r.snapshots[r.idx]
	if r.idx < len(r.snapshots)-1 {
		r.idx++
	}
	return s, nil
}

func testSymbols() *symbol.Registry {
	return symbol.NewRegistry([]symbol.Spec{{Name: "EURUSD", PipScale: 0.0001, PricePrecision: 5, VolumePrecision: 2}})
}

func TestMarginProtector_ClosesUntilRecovered(t *testing.T) {
	closer := &stubCloser{}
	reader := &stubAccountReader{snapshots: []domain.AccountSnapshot{
		{FreeMargin: 80, MarginLevelPercent: 150},
		{FreeMargin: 300, MarginLevelPercent: 260},
	}}
	bus := eventbus.New()
	var seen []eventbus.Event
	bus.Subscribe(func(e eventbus.Event) { seen = append(seen, e) })
	cfg := config.MarginConfig{MinFreeMargin: 100, CriticalMarginLevel: 120, WarningMarginLevel: 200}
	handler := NewMarginProtector(reader, closer, bus, cfg)

	account := domain.AccountSnapshot{FreeMargin: 50, MarginLevelPercent: 110}
	positions := []domain.Position{
		{Ticket: 1, Profit: -30, Volume: 0.1},
		{Ticket: 2, Profit: 10, Volume: 0.1},
		{Ticket: 3, Profit: -5, Volume: 0.1},
	}

	require.True(t, handler.ShouldAct(account, positions))
	_, err := handler.Act(context.Background(), account, positions)
	require.NoError(t, err)

	require.Equal(t, []int64{1, 3}, closer.closed, "closes most-losing first, stops once recovered")
	require.False(t, handler.isSafe())

	var types []eventbus.Type
	for _, e := range seen {
		types = append(types, e.Type)
	}
	require.Contains(t, types, eventbus.TypeMarginCritical)
	require.Contains(t, types, eventbus.TypeMarginSafe)
}

func TestMarginProtector_VetoOpenWhileSafe(t *testing.T) {
	closer := &stubCloser{}
	reader := &stubAccountReader{snapshots: []domain.AccountSnapshot{{FreeMargin: 300, MarginLevelPercent: 260}}}
	cfg := config.MarginConfig{MinFreeMargin: 100, CriticalMarginLevel: 120, WarningMarginLevel: 200}
	handler := NewMarginProtector(reader, closer, eventbus.New(), cfg)

	account := domain.AccountSnapshot{FreeMargin: 50, MarginLevelPercent: 110}
	_, err := handler.Act(context.Background(), account, nil)
	require.NoError(t, err)
	require.True(t, handler.isSafe(), "no positions to close, recovery never observed")
	require.False(t, handler.VetoOpen(account, nil, "EURUSD", 0.1, 0, 0))
}

func TestMarginProtector_UpdateConfigAppliesOnNextCheck(t *testing.T) {
	closer := &stubCloser{}
	reader := &stubAccountReader{snapshots: []domain.AccountSnapshot{{FreeMargin: 150, MarginLevelPercent: 180}}}
	cfg := config.MarginConfig{MinFreeMargin: 100, CriticalMarginLevel: 120, WarningMarginLevel: 200}
	handler := NewMarginProtector(reader, closer, eventbus.New(), cfg)

	account := domain.AccountSnapshot{FreeMargin: 150, MarginLevelPercent: 180}
	require.False(t, handler.ShouldAct(account, nil), "180 is below the original warning level of 200 but above critical")

	handler.UpdateConfig(config.MarginConfig{MinFreeMargin: 100, CriticalMarginLevel: 190, WarningMarginLevel: 250})
	require.True(t, handler.ShouldAct(account, nil), "reloaded critical level of 190 is now above the account's 180")
}

func TestMarginProtector_VetoOpenPublishesMarginWarningOnceOnEntry(t *testing.T) {
	closer := &stubCloser{}
	reader := &stubAccountReader{snapshots: []domain.AccountSnapshot{{FreeMargin: 300, MarginLevelPercent: 260}}}
	bus := eventbus.New()
	var seen []eventbus.Event
	bus.Subscribe(func(e eventbus.Event) { seen = append(seen, e) })
	cfg := config.MarginConfig{MinFreeMargin: 100, CriticalMarginLevel: 120, WarningMarginLevel: 200}
	handler := NewMarginProtector(reader, closer, bus, cfg)

	account := domain.AccountSnapshot{FreeMargin: 150, MarginLevelPercent: 180}
	require.False(t, handler.VetoOpen(account, nil, "EURUSD", 0.1, 0, 0))
	require.False(t, handler.VetoOpen(account, nil, "EURUSD", 0.1, 0, 0), "stays vetoed while still in the warning band")

	require.Len(t, seen, 1, "MarginWarning fires once on entry, not on every repeated check")
	require.Equal(t, eventbus.TypeMarginWarning, seen[0].Type)
}

func TestMarginProtector_VetoOpenPublishesMarginWarningAgainAfterRecovery(t *testing.T) {
	closer := &stubCloser{}
	reader := &stubAccountReader{snapshots: []domain.AccountSnapshot{{FreeMargin: 300, MarginLevelPercent: 260}}}
	bus := eventbus.New()
	var seen []eventbus.Event
	bus.Subscribe(func(e eventbus.Event) { seen = append(seen, e) })
	cfg := config.MarginConfig{MinFreeMargin: 100, CriticalMarginLevel: 120, WarningMarginLevel: 200}
	handler := NewMarginProtector(reader, closer, bus, cfg)

	warning := domain.AccountSnapshot{FreeMargin: 150, MarginLevelPercent: 180}
	recovered := domain.AccountSnapshot{FreeMargin: 300, MarginLevelPercent: 260}

	require.False(t, handler.VetoOpen(warning, nil, "EURUSD", 0.1, 0, 0))
	require.True(t, handler.VetoOpen(recovered, nil, "EURUSD", 0.1, 0, 0), "margin recovered past the warning level")
	require.False(t, handler.VetoOpen(warning, nil, "EURUSD", 0.1, 0, 0), "re-entering the warning band fires MarginWarning again")

	var types []eventbus.Type
	for _, e := range seen {
		types = append(types, e.Type)
	}
	require.Equal(t, []eventbus.Type{eventbus.TypeMarginWarning, eventbus.TypeMarginWarning}, types)
}

func TestProfitTargetHandler_ClosesAllDescending(t *testing.T) {
	closer := &stubCloser{}
	bus := eventbus.New()
	var seen []eventbus.Event
	bus.Subscribe(func(e eventbus.Event) { seen = append(seen, e) })
	handler := NewProfitTargetHandler(closer, bus, config.ProfitTargetConfig{ProfitTargetPercent: 5})

	account := domain.AccountSnapshot{Balance: 1000}
	positions := []domain.Position{
		{Ticket: 1, Profit: 20, Volume: 0.1},
		{Ticket: 2, Profit: 40, Volume: 0.1},
	}
	require.True(t, handler.ShouldAct(account, positions)) // 60 >= 1000*5/100=50

	_, err := handler.Act(context.Background(), account, positions)
	require.NoError(t, err)
	require.Equal(t, []int64{2, 1}, closer.closed)
	require.Len(t, seen, 1)
	require.Equal(t, eventbus.TypeProfitTargetReached, seen[0].Type)
	require.Equal(t, 60.0, seen[0].Profit)
}

func TestProfitTargetHandler_UpdateConfigAppliesOnNextCheck(t *testing.T) {
	handler := NewProfitTargetHandler(&stubCloser{}, eventbus.New(), config.ProfitTargetConfig{ProfitTargetPercent: 10})
	account := domain.AccountSnapshot{Balance: 1000}
	positions := []domain.Position{{Ticket: 1, Profit: 60}}

	require.False(t, handler.ShouldAct(account, positions), "60 is below the original 10% target of 100")

	handler.UpdateConfig(config.ProfitTargetConfig{ProfitTargetPercent: 5})
	require.True(t, handler.ShouldAct(account, positions), "reloaded 5% target of 50 is now met by a 60 profit")
}

func TestProfitTargetHandler_VetoWhileThresholdMet(t *testing.T) {
	handler := NewProfitTargetHandler(&stubCloser{}, eventbus.New(), config.ProfitTargetConfig{ProfitTargetPercent: 5})
	account := domain.AccountSnapshot{Balance: 1000}
	positions := []domain.Position{{Ticket: 1, Profit: 60}}

	require.False(t, handler.VetoOpen(account, positions, "EURUSD", 0.1, 0, 0))
}

func TestStagnantPositionHandler_ClosesOnlyStagnantOnes(t *testing.T) {
	closer := &stubCloser{}
	bus := eventbus.New()
	var seen []eventbus.Event
	bus.Subscribe(func(e eventbus.Event) { seen = append(seen, e) })
	handler := NewStagnantPositionHandler(closer, testSymbols(), bus, config.StagnantConfig{MaxInactiveMinutes: 60, MinProfitPips: 5})
	handler.now = func() time.Time { return time.Unix(10000, 0) }

	positions := []domain.Position{
		{Ticket: 1, Symbol: "EURUSD", Side: domain.SideBuy, OpenPrice: 1.2000, CurrentPrice: 1.2001, OpenTime: time.Unix(10000-4000, 0)}, // stagnant
		{Ticket: 2, Symbol: "EURUSD", Side: domain.SideBuy, OpenPrice: 1.2000, CurrentPrice: 1.2100, OpenTime: time.Unix(10000-4000, 0)}, // profitable, not stagnant
	}

	require.True(t, handler.ShouldAct(domain.AccountSnapshot{}, positions))
	_, err := handler.Act(context.Background(), domain.AccountSnapshot{}, positions)
	require.NoError(t, err)
	require.Equal(t, []int64{1}, closer.closed)
	require.Len(t, seen, 1)
	require.Equal(t, eventbus.TypeStagnantClosed, seen[0].Type)
}

func TestStagnantPositionHandler_UpdateConfigAppliesOnNextCheck(t *testing.T) {
	handler := NewStagnantPositionHandler(&stubCloser{}, testSymbols(), eventbus.New(), config.StagnantConfig{MaxInactiveMinutes: 60, MinProfitPips: 5})
	handler.now = func() time.Time { return time.Unix(10000, 0) }

	pos := domain.Position{Ticket: 1, Symbol: "EURUSD", Side: domain.SideBuy, OpenPrice: 1.2000, CurrentPrice: 1.2001, OpenTime: time.Unix(10000-4000, 0)}
	require.True(t, handler.ShouldAct(domain.AccountSnapshot{}, []domain.Position{pos}))

	handler.UpdateConfig(config.StagnantConfig{MaxInactiveMinutes: 200, MinProfitPips: 5})
	require.False(t, handler.ShouldAct(domain.AccountSnapshot{}, []domain.Position{pos}), "4000s of inactivity no longer exceeds the reloaded 200-minute threshold")
}

func TestStagnantPositionHandler_NeverVetoes(t *testing.T) {
	handler := NewStagnantPositionHandler(&stubCloser{}, testSymbols(), eventbus.New(), config.StagnantConfig{MaxInactiveMinutes: 60, MinProfitPips: 5})
	require.True(t, handler.VetoOpen(domain.AccountSnapshot{}, nil, "EURUSD", 0.1, 0, 0))
}

type stubPositionsProvider struct {
	positions []domain.Position
}

func (p *stubPositionsProvider) AllPositions() []domain.Position { return p.positions }

func TestPipeline_OrdersByPriorityAndVetoesOnAnyRejection(t *testing.T) {
	margin := NewMarginProtector(&stubAccountReader{snapshots: []domain.AccountSnapshot{{FreeMargin: 300, MarginLevelPercent: 260}}}, &stubCloser{}, eventbus.New(), config.MarginConfig{MinFreeMargin: 100, CriticalMarginLevel: 120, WarningMarginLevel: 200})
	stagnant := NewStagnantPositionHandler(&stubCloser{}, testSymbols(), eventbus.New(), config.StagnantConfig{MaxInactiveMinutes: 60, MinProfitPips: 5})
	pipeline := NewPipeline(stagnant, margin) // constructed out of order, should re-sort
	require.Equal(t, PriorityHighest, pipeline.handlers[0].Priority())
	require.Equal(t, PriorityMedium, pipeline.handlers[1].Priority())

	account := domain.AccountSnapshot{FreeMargin: 50, MarginLevelPercent: 110} // breaches margin
	require.False(t, pipeline.VetoOpen(account, nil, "EURUSD", 0.1, 0, 0))
}
