// Package control is the Scheduler / Control Loop (C10): the single logical
// worker that drives every other component through a fixed six-stage tick
// (reconcile, volatility classes, indicator refresh, risk pipeline,
// trailing updates, scaling evaluation) and is the one choke point new
// orders pass through. Nothing else in the control plane calls
// market_buy/market_sell directly.
package control

import (
	"context"
	"fmt"
	"sort"
	"time"

	"marginctl/internal/broker"
	"marginctl/internal/config"
	"marginctl/internal/domain"
	"marginctl/internal/errs"
	"marginctl/internal/eventbus"
	"marginctl/internal/indicators"
	"marginctl/internal/logger"
	"marginctl/internal/marketdata"
	"marginctl/internal/positions"
	"marginctl/internal/risk"
	"marginctl/internal/scaling"
	"marginctl/internal/scheduler"
	"marginctl/internal/symbol"
	"marginctl/internal/trailing"
	"marginctl/internal/volatility"
)

// Controller owns the tick cadence and the cross-component call order. It
// holds every component by its concrete type rather than a narrow
// interface: unlike the components themselves, the controller is the one
// place that is allowed to know the whole shape of the system, since its
// entire job is wiring them together in a fixed sequence.
type Controller struct {
	gateway    *broker.Gateway
	cache      *marketdata.Cache
	store      *positions.Store
	indicators *indicators.Engine
	volatility *volatility.Manager
	trailing   *trailing.Manager
	scaling    *scaling.Manager
	pipeline   *risk.Pipeline
	symbols    *symbol.Registry
	bus        *eventbus.Bus

	trading    config.TradingConfig
	marketData config.MarketDataConfig
	indicatorTF string
	scalingBaseVolume float64
	magic      int64
	maxSpreadPoints int
	shutdownGrace   time.Duration

	account domain.AccountSnapshot
}

// New builds a Controller. It wires itself in as the scaling manager's
// OrderPlacer, so every order the scaling strategy wants to place passes
// back through Controller.OrderForSide before reaching the broker.
func New(
	gateway *broker.Gateway,
	cache *marketdata.Cache,
	store *positions.Store,
	indicatorEngine *indicators.Engine,
	volatilityMgr *volatility.Manager,
	trailingMgr *trailing.Manager,
	pipeline *risk.Pipeline,
	symbols *symbol.Registry,
	bus *eventbus.Bus,
	cfg *config.Config,
) *Controller {
	c := &Controller{
		gateway:           gateway,
		cache:             cache,
		store:             store,
		indicators:        indicatorEngine,
		volatility:        volatilityMgr,
		trailing:          trailingMgr,
		pipeline:          pipeline,
		symbols:           symbols,
		bus:               bus,
		trading:           cfg.Trading,
		marketData:        cfg.MarketData,
		indicatorTF:       cfg.Indicators.Timeframe,
		scalingBaseVolume: cfg.Scaling.BaseVolume,
		magic:             cfg.Execution.MagicNumber,
		maxSpreadPoints:   cfg.Execution.MaxSpreadPoints,
		shutdownGrace:     time.Duration(cfg.App.ShutdownGraceMS) * time.Millisecond,
	}
	c.scaling = scaling.New(store, volatilityMgr, c, symbols, bus, cfg.Scaling, cfg.Execution.MagicNumber)
	return c
}

// Scaling exposes the controller's scaling manager, so the app wiring layer
// can push a hot-reloaded scaling configuration into it without the
// controller needing to know anything about configuration reload itself.
func (c *Controller) Scaling() *scaling.Manager {
	return c.scaling
}

// Run starts the background market-data refreshers and then blocks on the
// aligned tick scheduler until ctx is cancelled. The scheduler itself stops
// scheduling new ticks the moment ctx is done, but a tick already in flight
// keeps its broker calls alive for up to shutdownGrace longer via workCtx,
// so an order/close request started just before shutdown isn't aborted
// mid-flight for no reason.
func (c *Controller) Run(ctx context.Context) error {
	c.cache.StartBackgroundRefresh(
		ctx,
		c.symbols.All(),
		c.marketData.Timeframes,
		time.Duration(c.marketData.UpdateIntervalMS)*time.Millisecond,
		time.Duration(c.marketData.OHLCUpdateIntervalMS)*time.Millisecond,
	)

	schedCtx, stopSched := context.WithCancel(ctx)
	defer stopSched()

	workCtx, cancelWork := graceContext(ctx, c.shutdownGrace)
	defer cancelWork()

	sched := scheduler.NewAlignedScheduler(schedCtx, time.Duration(c.trading.LoopIntervalMS)*time.Millisecond, 0)
	sched.RunImmediately = true
	sched.Start(func() {
		c.handleTickResult(c.Tick(workCtx), stopSched)
	})
	return ctx.Err()
}

// handleTickResult logs a tick's outcome and, for an Invariant failure, stops
// the scheduler so no further ticks run: per the propagation policy, an
// Invariant error is fatal to the loop, not just to the tick that raised it.
func (c *Controller) handleTickResult(err error, stopSched context.CancelFunc) {
	if err == nil {
		return
	}
	if errs.IsKind(err, errs.KindInvariant) {
		logger.Errorf("control: invariant violated, stopping scheduler: %v", err)
		c.bus.Publish(eventbus.Failure("control.invariant", "invariant violated, scheduler stopped", err))
		stopSched()
		return
	}
	logger.Errorf("control: tick failed: %v", err)
}

// graceContext returns a context whose cancellation lags parent's by grace:
// once parent is done, in-flight work gets grace longer before this context
// is also cancelled. A non-positive grace cancels alongside parent.
func graceContext(parent context.Context, grace time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-parent.Done():
		case <-ctx.Done():
			return
		}
		if grace <= 0 {
			cancel()
			return
		}
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
		}
		cancel()
	}()
	return ctx, cancel
}

// Tick runs one pass of the fixed six-stage sequence. Cancellation is
// checked at every stage boundary; a cancelled context aborts the
// remainder of the tick without issuing any new orders.
func (c *Controller) Tick(ctx context.Context) error {
	if err := c.store.Reconcile(ctx, ""); err != nil {
		c.reportFailure("control.reconcile", "reconcile failed", err)
		return fmt.Errorf("control: reconcile: %w", err)
	}
	account, err := c.gateway.GetAccountInfo(ctx)
	if err != nil {
		c.reportFailure("control.account", "get_account_info failed", err)
		return fmt.Errorf("control: get account info: %w", err)
	}
	c.account = account

	symbols := c.symbols.All()
	sort.Strings(symbols)

	if ctx.Err() != nil {
		return ctx.Err()
	}
	for _, sym := range symbols {
		c.volatility.Classify(ctx, sym)
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	snapshots := make(map[string]domain.IndicatorSnapshot, len(symbols))
	for _, sym := range symbols {
		snap, err := c.indicators.Snapshot(ctx, sym, c.indicatorTF)
		if err != nil {
			logger.Warnf("control: indicator snapshot failed symbol=%s: %v", sym, err)
			c.reportFailure("control.indicators", fmt.Sprintf("snapshot failed symbol=%s", sym), err)
			if errs.IsKind(err, errs.KindInvariant) {
				return err
			}
			continue
		}
		snapshots[sym] = snap
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := c.pipeline.Tick(ctx, account, c.store); err != nil {
		c.reportFailure("control.risk", "risk pipeline tick failed", err)
		return fmt.Errorf("control: risk pipeline: %w", err)
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	for _, pos := range c.store.AllPositions() {
		if err := c.trailing.Update(ctx, pos); err != nil {
			logger.Warnf("control: trailing update failed ticket=%d: %v", pos.Ticket, err)
			c.reportFailure("control.trailing", fmt.Sprintf("update failed ticket=%d", pos.Ticket), err)
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	c.openEntries(ctx, symbols, snapshots)

	if ctx.Err() != nil {
		return ctx.Err()
	}
	for _, groupID := range c.store.ActiveGroupIDs() {
		if err := c.scaling.Evaluate(ctx, groupID); err != nil {
			logger.Warnf("control: scaling evaluate failed group=%s: %v", groupID, err)
			c.reportFailure("control.scaling", fmt.Sprintf("evaluate failed group=%s", groupID), err)
		}
	}
	return nil
}

// reportFailure publishes a structured Error event so listeners (the audit
// ledger, the admin API) see every tick-stage failure, not just what lands
// in the log.
func (c *Controller) reportFailure(source, message string, err error) {
	c.bus.Publish(eventbus.Failure(source, message, err))
}

// openEntries starts a fresh scaling group, via C5's create_group, for any
// configured symbol with no active group whose indicator snapshot crosses
// the configured RSI entry bounds. This is the one piece of "evaluates
// technical-analysis signals" the original spec leaves unspecified beyond
// naming it in the overview; everything downstream of group creation
// (open-initial, advance, complete) is the unchanged C8 state machine.
func (c *Controller) openEntries(ctx context.Context, symbols []string, snapshots map[string]domain.IndicatorSnapshot) {
	withActiveGroup := make(map[string]bool)
	for _, id := range c.store.ActiveGroupIDs() {
		if group, ok := c.store.Group(id); ok {
			withActiveGroup[group.Symbol] = true
		}
	}
	for _, sym := range symbols {
		if withActiveGroup[sym] {
			continue
		}
		snap, ok := snapshots[sym]
		if !ok {
			continue
		}
		side, triggered := entrySide(snap.RSI, c.trading.EntryRSIOversold, c.trading.EntryRSIOverbought)
		if !triggered {
			continue
		}
		groupID := c.store.CreateGroup(sym, side, c.scalingBaseVolume, snap.Price)
		logger.Infof("control: opened scaling group id=%s symbol=%s side=%s anchor=%.5f rsi=%.1f", groupID, sym, side, snap.Price, snap.RSI)
	}
}

// spreadTooWide reads the current spread for sym and reports whether it
// exceeds the configured cap. A non-positive cap disables the gate; a
// failed read fails open (logged, not blocked), since a broker hiccup here
// shouldn't itself be the reason an otherwise-valid order never goes out.
func (c *Controller) spreadTooWide(ctx context.Context, sym string) bool {
	if c.maxSpreadPoints <= 0 {
		return false
	}
	info, err := c.gateway.CheckSpread(ctx, sym)
	if err != nil {
		logger.Warnf("control: check_spread failed symbol=%s: %v", sym, err)
		c.reportFailure("control.spread", fmt.Sprintf("check_spread failed symbol=%s", sym), err)
		return false
	}
	return info.Points > c.maxSpreadPoints
}

func entrySide(rsi, oversold, overbought float64) (domain.Side, bool) {
	switch {
	case rsi <= oversold:
		return domain.SideBuy, true
	case rsi >= overbought:
		return domain.SideSell, true
	default:
		return "", false
	}
}

// OrderForSide is the single choke point every new order passes through:
// the spread gate, every risk handler's veto_open, then C5's can_open, then
// the broker call. It implements scaling.OrderPlacer.
func (c *Controller) OrderForSide(ctx context.Context, side domain.Side, sym, groupID string, volume, sl, tp float64, comment string, magic int64) (int64, float64, error) {
	if rejected := c.spreadTooWide(ctx, sym); rejected {
		logger.Warnf("control: order rejected symbol=%s side=%s comment=%s reason=spread_too_wide", sym, side, comment)
		return 0, 0, fmt.Errorf("control: spread too wide for %s", sym)
	}

	open := c.store.AllPositions()
	if allowed := c.pipeline.VetoOpen(c.account, open, sym, volume, sl, tp); !allowed {
		logger.Warnf("control: order vetoed by risk pipeline symbol=%s side=%s comment=%s", sym, side, comment)
		return 0, 0, fmt.Errorf("control: order vetoed for %s", sym)
	}
	if ok, reason := c.store.CanOpen(sym, groupID); !ok {
		logger.Warnf("control: order rejected symbol=%s side=%s comment=%s reason=%s", sym, side, comment, reason)
		return 0, 0, fmt.Errorf("control: %s", reason)
	}

	result, err := c.gateway.OrderForSide(ctx, side, sym, volume, sl, tp, comment, magic)
	if err != nil {
		logger.Warnf("control: broker rejected order symbol=%s side=%s comment=%s: %v", sym, side, comment, err)
		return 0, 0, err
	}

	c.store.Open(domain.Position{
		Ticket:       result.Ticket,
		Symbol:       sym,
		Side:         side,
		Volume:       volume,
		OpenPrice:    result.Price,
		OpenTime:     time.Now().UTC(),
		Magic:        magic,
		Comment:      comment,
		StopLoss:     sl,
		TakeProfit:   tp,
		CurrentPrice: result.Price,
	})
	return result.Ticket, result.Price, nil
}
