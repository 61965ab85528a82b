// Package volatility is the Volatility Manager (C6): classifies ATR into
// {low, medium, high} per symbol and derives stop-loss/take-profit price
// distances from it. Pure arithmetic over values already typed by its
// collaborators (the broker gateway's live ATR, or the indicator engine's);
// nothing here calls out to a third-party numerics library.
package volatility

import (
	"context"
	"sync"

	"marginctl/internal/config"
	"marginctl/internal/domain"
	"marginctl/internal/eventbus"
	"marginctl/internal/symbol"
)

// Class is the ATR volatility bucket for a symbol.
type Class string

const (
	ClassLow    Class = "low"
	ClassMedium Class = "medium"
	ClassHigh   Class = "high"
)

// ATRSource reports the live ATR for a symbol in price units, or false if
// none is currently available (the manager falls back to its category
// default pip table).
type ATRSource interface {
	ATR(ctx context.Context, symbol, timeframe string, period int) (float64, bool)
}

// Manager is the C6 volatility manager.
type Manager struct {
	atrSource ATRSource
	symbols   *symbol.Registry
	bus       *eventbus.Bus
	cfg       config.VolatilityConfig

	mu      sync.Mutex
	classes map[string]Class
}

// New builds a Manager.
func New(atrSource ATRSource, symbols *symbol.Registry, bus *eventbus.Bus, cfg config.VolatilityConfig) *Manager {
	return &Manager{atrSource: atrSource, symbols: symbols, bus: bus, cfg: cfg, classes: make(map[string]Class)}
}

// Classify reads the current ATR for sym and returns its volatility class,
// emitting VolatilityChanged if the class differs from the last one recorded
// for this symbol.
func (m *Manager) Classify(ctx context.Context, sym string) Class {
	atrPips := m.atrPips(ctx, sym)
	class := classify(atrPips, m.cfg.LowThreshold, m.cfg.HighThreshold)

	m.mu.Lock()
	old, known := m.classes[sym]
	m.classes[sym] = class
	m.mu.Unlock()

	if known && old != class {
		m.bus.Publish(eventbus.VolatilityChanged(sym, string(old), string(class)))
	}
	return class
}

func classify(atrPips, low, high float64) Class {
	switch {
	case atrPips < low:
		return ClassLow
	case atrPips < high:
		return ClassMedium
	default:
		return ClassHigh
	}
}

func (m *Manager) atrPips(ctx context.Context, sym string) float64 {
	spec, ok := m.symbols.Lookup(sym)
	if !ok {
		return 0
	}
	atr, ok := m.atrSource.ATR(ctx, sym, m.cfg.Timeframe, m.cfg.ATRPeriod)
	if !ok {
		return 0
	}
	return spec.PriceToPips(atr)
}

// distancePips returns the SL/TP distance in pips for sym: atr_pips ×
// multiplier when a live ATR is available, otherwise the category-default
// table keyed by the symbol's last known class.
func (m *Manager) distancePips(ctx context.Context, sym string) float64 {
	spec, ok := m.symbols.Lookup(sym)
	if !ok {
		return 0
	}
	atr, ok := m.atrSource.ATR(ctx, sym, m.cfg.Timeframe, m.cfg.ATRPeriod)
	if ok {
		return spec.PriceToPips(atr) * m.cfg.ATRMultiplier
	}

	m.mu.Lock()
	class, known := m.classes[sym]
	m.mu.Unlock()
	if !known {
		class = m.Classify(ctx, sym)
	}
	switch class {
	case ClassLow:
		return m.cfg.DefaultLowPips
	case ClassHigh:
		return m.cfg.DefaultHighPips
	default:
		return m.cfg.DefaultMedPips
	}
}

// StopLossFor returns the stop-loss price for a position opened at
// entryPrice in the given direction.
func (m *Manager) StopLossFor(ctx context.Context, sym string, entryPrice float64, side domain.Side) float64 {
	spec, ok := m.symbols.Lookup(sym)
	if !ok {
		return 0
	}
	distance := spec.PipsToPrice(m.distancePips(ctx, sym))
	if side == domain.SideBuy {
		return spec.RoundPrice(entryPrice - distance)
	}
	return spec.RoundPrice(entryPrice + distance)
}

// TakeProfitFor returns the take-profit price for a position opened at
// entryPrice in the given direction.
func (m *Manager) TakeProfitFor(ctx context.Context, sym string, entryPrice float64, side domain.Side) float64 {
	spec, ok := m.symbols.Lookup(sym)
	if !ok {
		return 0
	}
	distance := spec.PipsToPrice(m.distancePips(ctx, sym))
	if side == domain.SideBuy {
		return spec.RoundPrice(entryPrice + distance)
	}
	return spec.RoundPrice(entryPrice - distance)
}
