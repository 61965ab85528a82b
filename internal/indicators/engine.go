// Package indicators is the Indicator Engine (C4): given the cached OHLC
// window for a (symbol, timeframe), it assembles an IndicatorSnapshot. Every
// formula is computed by go-talib; this package only extracts price series
// from cached candles, plumbs configured periods, and joins the results.
package indicators

import (
	"context"
	"sync"
	"time"

	"marginctl/internal/config"
	"marginctl/internal/domain"
	"marginctl/internal/errs"
	"marginctl/internal/market"

	talib "github.com/markcheno/go-talib"
	"golang.org/x/sync/errgroup"
)

// OHLCReader is the subset of the market data cache the engine needs.
type OHLCReader interface {
	OHLC(ctx context.Context, symbol, timeframe string) ([]market.Candle, error)
}

type cacheKey struct {
	symbol    string
	timeframe string
}

type cachedSnapshot struct {
	windowLen   int
	windowEnd   int64
	snapshot    domain.IndicatorSnapshot
}

// Engine is the C4 indicator engine.
type Engine struct {
	reader OHLCReader
	cfg    config.IndicatorsConfig

	mu    sync.Mutex
	cache map[cacheKey]cachedSnapshot
}

// New builds an Engine reading OHLC from reader and using cfg's periods.
func New(reader OHLCReader, cfg config.IndicatorsConfig) *Engine {
	return &Engine{reader: reader, cfg: cfg, cache: make(map[cacheKey]cachedSnapshot)}
}

// Snapshot returns the indicator snapshot for (symbol, timeframe), reusing
// the cached one if the underlying OHLC window hasn't changed since it was
// computed.
func (e *Engine) Snapshot(ctx context.Context, symbol, timeframe string) (domain.IndicatorSnapshot, error) {
	candles, err := e.reader.OHLC(ctx, symbol, timeframe)
	if err != nil {
		return domain.IndicatorSnapshot{}, err
	}
	if len(candles) == 0 {
		return domain.IndicatorSnapshot{}, errs.New(errs.KindMalformed, "indicators", "empty OHLC window")
	}
	key := cacheKey{symbol: symbol, timeframe: timeframe}
	windowEnd := candles[len(candles)-1].OpenTime

	e.mu.Lock()
	if cached, ok := e.cache[key]; ok && cached.windowLen == len(candles) && cached.windowEnd == windowEnd {
		e.mu.Unlock()
		return cached.snapshot, nil
	}
	e.mu.Unlock()

	snapshot, err := e.compute(ctx, symbol, timeframe, candles)
	if err != nil {
		return domain.IndicatorSnapshot{}, err
	}

	e.mu.Lock()
	e.cache[key] = cachedSnapshot{windowLen: len(candles), windowEnd: windowEnd, snapshot: snapshot}
	e.mu.Unlock()
	return snapshot, nil
}

func (e *Engine) compute(ctx context.Context, symbol, timeframe string, candles []market.Candle) (domain.IndicatorSnapshot, error) {
	closes := market.Closes(candles)
	highs := market.Highs(candles)
	lows := market.Lows(candles)

	snapshot := domain.IndicatorSnapshot{
		Symbol:    symbol,
		Timeframe: timeframe,
		AsOf:      time.Now(),
		Price:     closes[len(closes)-1],
	}

	g, _ := errgroup.WithContext(ctx)

	g.Go(func() error {
		rsi := talib.Rsi(closes, e.cfg.RSIPeriod)
		snapshot.RSI = lastOf(rsi)
		return nil
	})
	g.Go(func() error {
		macd, signal, hist := talib.Macd(closes, e.cfg.MACDFast, e.cfg.MACDSlow, e.cfg.MACDSignal)
		snapshot.MACD = lastOf(macd)
		snapshot.Signal = lastOf(signal)
		snapshot.Histogram = lastOf(hist)
		return nil
	})
	g.Go(func() error {
		upper, middle, lower := talib.BBands(closes, e.cfg.BollPeriod, e.cfg.BollStdDev, e.cfg.BollStdDev, talib.SMA)
		snapshot.BollUpper = lastOf(upper)
		snapshot.BollMiddle = lastOf(middle)
		snapshot.BollLower = lastOf(lower)
		return nil
	})
	g.Go(func() error {
		adx := talib.Adx(highs, lows, closes, e.cfg.ADXPeriod)
		snapshot.ADX = lastOf(adx)
		return nil
	})
	g.Go(func() error {
		k, d := talib.Stoch(highs, lows, closes, e.cfg.StochK, e.cfg.StochSlowing, talib.SMA, e.cfg.StochD, talib.SMA)
		snapshot.StochK = lastOf(k)
		snapshot.StochD = lastOf(d)
		return nil
	})
	g.Go(func() error {
		snapshot.EMA = lastOf(talib.Ema(closes, e.cfg.EMAPeriod))
		return nil
	})
	g.Go(func() error {
		snapshot.ATR = lastOf(talib.Atr(highs, lows, closes, e.cfg.ATRPeriod))
		return nil
	})

	if err := g.Wait(); err != nil {
		return domain.IndicatorSnapshot{}, errs.Wrap(errs.KindInvariant, "indicators", "computation failed", err)
	}
	return snapshot, nil
}

func lastOf(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}
	return series[len(series)-1]
}
