// Package symbol holds the per-instrument constants (pip scale, price
// precision) the rest of the control plane needs to convert between raw
// price deltas and pips, and a small process-wide registry populated once
// at startup from configuration.
package symbol

import (
	"fmt"
	"math"
	"strings"
	"sync"
)

// Spec describes one tradable instrument.
type Spec struct {
	Name            string
	PipScale        float64 // price delta corresponding to one pip, e.g. 0.0001
	PricePrecision  int     // decimal places the broker expects on price fields
	VolumePrecision int     // decimal places the broker expects on volume/lot fields
}

// Normalize returns the canonical upper-cased form of a symbol name.
func Normalize(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

// PriceToPips converts a raw price delta into pips for this symbol.
func (s Spec) PriceToPips(delta float64) float64 {
	if s.PipScale == 0 {
		return 0
	}
	return delta / s.PipScale
}

// PipsToPrice converts a pip distance into a raw price delta for this symbol.
func (s Spec) PipsToPrice(pips float64) float64 {
	return pips * s.PipScale
}

// RoundPrice rounds a price to the symbol's configured precision.
func (s Spec) RoundPrice(price float64) float64 {
	return roundTo(price, s.PricePrecision)
}

// RoundVolume rounds a lot size to the symbol's configured precision.
func (s Spec) RoundVolume(volume float64) float64 {
	return roundTo(volume, s.VolumePrecision)
}

func roundTo(v float64, precision int) float64 {
	if precision < 0 {
		precision = 0
	}
	mult := math.Pow(10, float64(precision))
	return math.Round(v*mult) / mult
}

// SpreadPoints computes spread_points = round((ask-bid)/pip_scale*10) per
// the data model in spec.
func (s Spec) SpreadPoints(bid, ask float64) int {
	if s.PipScale == 0 {
		return 0
	}
	return int(math.Round((ask - bid) / s.PipScale * 10))
}

// Registry is a read-mostly lookup table of Spec by normalized symbol name.
// It is populated once at startup and treated as immutable afterward; the
// mutex only guards against the (rare) case of a config hot-reload adding a
// newly-configured symbol at runtime.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]Spec
}

// NewRegistry builds a Registry from a slice of Specs.
func NewRegistry(specs []Spec) *Registry {
	r := &Registry{byID: make(map[string]Spec, len(specs))}
	for _, s := range specs {
		r.byID[Normalize(s.Name)] = s
	}
	return r
}

// Lookup returns the Spec for name, or false if the symbol is unknown.
func (r *Registry) Lookup(name string) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[Normalize(name)]
	return s, ok
}

// MustLookup returns the Spec for name, panicking if it is unknown. Only
// safe to call for symbols already validated to exist in configuration.
func (r *Registry) MustLookup(name string) Spec {
	s, ok := r.Lookup(name)
	if !ok {
		panic(fmt.Sprintf("symbol: unknown symbol %q", name))
	}
	return s
}

// Set registers or replaces a Spec at runtime (used by config hot-reload).
func (r *Registry) Set(s Spec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[Normalize(s.Name)] = s
}

// All returns a snapshot of every registered symbol name.
func (r *Registry) All() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byID))
	for name := range r.byID {
		out = append(out, name)
	}
	return out
}
