// Package marketdata is the symbol tick & OHLC cache (C3): the latest tick
// per symbol and the latest OHLC window per (symbol, timeframe), each
// carrying a timestamp, refreshed synchronously on a stale read and by a
// background poller that skips a key already being refreshed on demand.
package marketdata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"marginctl/internal/domain"
	"marginctl/internal/errs"
	"marginctl/internal/logger"
	"marginctl/internal/market"
	"marginctl/internal/scheduler"
	"marginctl/internal/symbol"

	"golang.org/x/sync/singleflight"
)

// Reader is the subset of the broker gateway the cache needs to refresh
// itself. Keeping it narrow lets tests supply a stub without pulling in the
// whole broker package.
type Reader interface {
	CheckSpread(ctx context.Context, symbol string) (domain.SpreadInfo, error)
	GetMarketData(ctx context.Context, symbol, timeframe string, count int) ([]market.Candle, error)
}

type tickEntry struct {
	mu    sync.Mutex
	value market.Tick
	at    time.Time
}

type candleEntry struct {
	mu    sync.Mutex
	value []market.Candle
	at    time.Time
}

// Cache is the C3 market data cache.
type Cache struct {
	reader    Reader
	symbols   *symbol.Registry
	maxAge    time.Duration
	ohlcCount int

	// sf coalesces a synchronous on-demand refresh that races the
	// background poller for the same key into a single in-flight C1 call;
	// both callers receive the same result.
	sf singleflight.Group

	mu      sync.Mutex // guards the entry maps themselves, not entry contents
	ticks   map[string]*tickEntry
	candles map[string]*candleEntry
}

// New builds a Cache. maxAge is the staleness bound shared by ticks and
// OHLC; ohlcCount is how many candles a refresh pulls per (symbol, timeframe).
func New(reader Reader, symbols *symbol.Registry, maxAge time.Duration, ohlcCount int) *Cache {
	return &Cache{
		reader:    reader,
		symbols:   symbols,
		maxAge:    maxAge,
		ohlcCount: ohlcCount,
		ticks:     make(map[string]*tickEntry),
		candles:   make(map[string]*candleEntry),
	}
}

func candleKey(sym, timeframe string) string {
	return sym + "|" + timeframe
}

func (c *Cache) tickSlot(sym string) *tickEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.ticks[sym]
	if !ok {
		e = &tickEntry{}
		c.ticks[sym] = e
	}
	return e
}

func (c *Cache) candleSlot(sym, timeframe string) *candleEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := candleKey(sym, timeframe)
	e, ok := c.candles[key]
	if !ok {
		e = &candleEntry{}
		c.candles[key] = e
	}
	return e
}

// Tick returns the cached tick for sym, refreshing synchronously if stale.
func (c *Cache) Tick(ctx context.Context, sym string) (market.Tick, error) {
	slot := c.tickSlot(sym)
	slot.mu.Lock()
	fresh := time.Since(slot.at) <= c.maxAge && !slot.at.IsZero()
	cached := slot.value
	slot.mu.Unlock()
	if fresh {
		return cached, nil
	}
	return c.refreshTick(ctx, sym)
}

// OHLC returns the cached candle window for (sym, timeframe), refreshing
// synchronously if stale.
func (c *Cache) OHLC(ctx context.Context, sym, timeframe string) ([]market.Candle, error) {
	slot := c.candleSlot(sym, timeframe)
	slot.mu.Lock()
	fresh := time.Since(slot.at) <= c.maxAge && !slot.at.IsZero()
	cached := slot.value
	slot.mu.Unlock()
	if fresh {
		return cached, nil
	}
	return c.refreshOHLC(ctx, sym, timeframe)
}

func (c *Cache) refreshTick(ctx context.Context, sym string) (market.Tick, error) {
	result, err, _ := c.sf.Do("tick:"+sym, func() (any, error) {
		return c.doRefreshTick(ctx, sym)
	})
	if err != nil {
		return market.Tick{}, err
	}
	return result.(market.Tick), nil
}

func (c *Cache) doRefreshTick(ctx context.Context, sym string) (market.Tick, error) {
	spec, ok := c.symbols.Lookup(sym)
	if !ok {
		return market.Tick{}, errs.New(errs.KindInvariant, "marketdata", fmt.Sprintf("unknown symbol %q", sym))
	}
	spread, err := c.reader.CheckSpread(ctx, sym)
	if err != nil {
		return market.Tick{}, err
	}
	// The broker transport has no dedicated tick operation; the midpoint is
	// reconstructed from the most recent traded close and the live spread.
	mid, err := c.lastClose(ctx, sym)
	if err != nil {
		return market.Tick{}, err
	}
	halfSpread := spec.PipsToPrice(float64(spread.Points)/10) / 2
	tick := market.Tick{Bid: mid - halfSpread, Ask: mid + halfSpread, Timestamp: time.Now()}

	slot := c.tickSlot(sym)
	slot.mu.Lock()
	slot.value = tick
	slot.at = time.Now()
	slot.mu.Unlock()
	return tick, nil
}

func (c *Cache) lastClose(ctx context.Context, sym string) (float64, error) {
	candles, err := c.reader.GetMarketData(ctx, sym, "", 1)
	if err != nil {
		return 0, err
	}
	if len(candles) == 0 {
		return 0, errs.New(errs.KindMalformed, "marketdata", "broker returned no candles for tick reconstruction")
	}
	return candles[len(candles)-1].Close, nil
}

func (c *Cache) refreshOHLC(ctx context.Context, sym, timeframe string) ([]market.Candle, error) {
	key := candleKey(sym, timeframe)
	result, err, _ := c.sf.Do("ohlc:"+key, func() (any, error) {
		return c.doRefreshOHLC(ctx, sym, timeframe)
	})
	if err != nil {
		return nil, err
	}
	return result.([]market.Candle), nil
}

func (c *Cache) doRefreshOHLC(ctx context.Context, sym, timeframe string) ([]market.Candle, error) {
	candles, err := c.reader.GetMarketData(ctx, sym, timeframe, c.ohlcCount)
	if err != nil {
		return nil, err
	}
	if interval, derr := scheduler.IntervalToDuration(timeframe); derr == nil {
		candles = scheduler.DropUnclosedKline(candles, interval)
	}
	slot := c.candleSlot(sym, timeframe)
	slot.mu.Lock()
	slot.value = candles
	slot.at = time.Now()
	slot.mu.Unlock()
	return candles, nil
}

// StartBackgroundRefresh runs a poller per symbol (ticks) and per
// (symbol, timeframe) (OHLC) until ctx is cancelled. A background tick that
// finds an on-demand refresh already in flight for the same key joins it
// via the singleflight group rather than issuing a second broker call.
func (c *Cache) StartBackgroundRefresh(ctx context.Context, symbols []string, timeframes []string, tickInterval, ohlcInterval time.Duration) {
	for _, sym := range symbols {
		go c.pollTick(ctx, sym, tickInterval)
		for _, tf := range timeframes {
			go c.pollOHLC(ctx, sym, tf, ohlcInterval)
		}
	}
}

func (c *Cache) pollTick(ctx context.Context, sym string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.refreshTick(ctx, sym); err != nil {
				logger.Warnf("marketdata: background tick refresh failed symbol=%s: %v", sym, err)
			}
		}
	}
}

func (c *Cache) pollOHLC(ctx context.Context, sym, timeframe string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.refreshOHLC(ctx, sym, timeframe); err != nil {
				logger.Warnf("marketdata: background OHLC refresh failed symbol=%s timeframe=%s: %v", sym, timeframe, err)
			}
		}
	}
}
