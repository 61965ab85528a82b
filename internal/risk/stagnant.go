package risk

import (
	"context"
	"sync"
	"time"

	"marginctl/internal/config"
	"marginctl/internal/domain"
	"marginctl/internal/eventbus"
	"marginctl/internal/symbol"
)

// StagnantPositionHandler is the mandatory priority=medium handler: it
// closes positions that have been open too long without making enough
// favorable progress. It never vetoes new opens.
type StagnantPositionHandler struct {
	closer  Closer
	symbols *symbol.Registry
	bus     *eventbus.Bus
	now     func() time.Time

	mu  sync.RWMutex
	cfg config.StagnantConfig
}

// NewStagnantPositionHandler builds a StagnantPositionHandler.
func NewStagnantPositionHandler(closer Closer, symbols *symbol.Registry, bus *eventbus.Bus, cfg config.StagnantConfig) *StagnantPositionHandler {
	return &StagnantPositionHandler{closer: closer, symbols: symbols, bus: bus, cfg: cfg, now: time.Now}
}

func (h *StagnantPositionHandler) Priority() Priority { return PriorityMedium }

// UpdateConfig swaps in newly-reloaded thresholds.
func (h *StagnantPositionHandler) UpdateConfig(cfg config.StagnantConfig) {
	h.mu.Lock()
	h.cfg = cfg
	h.mu.Unlock()
}

func (h *StagnantPositionHandler) config() config.StagnantConfig {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

func (h *StagnantPositionHandler) stagnant(p domain.Position) bool {
	spec, ok := h.symbols.Lookup(p.Symbol)
	if !ok {
		return false
	}
	cfg := h.config()
	maxAge := time.Duration(cfg.MaxInactiveMinutes * float64(time.Minute))
	return p.Age(h.now()) >= maxAge && p.DistancePips(spec.PipScale) < cfg.MinProfitPips
}

func (h *StagnantPositionHandler) ShouldAct(account domain.AccountSnapshot, positions []domain.Position) bool {
	for _, p := range positions {
		if h.stagnant(p) {
			return true
		}
	}
	return false
}

// Act closes exactly the positions that are currently stagnant.
func (h *StagnantPositionHandler) Act(ctx context.Context, account domain.AccountSnapshot, positions []domain.Position) (bool, error) {
	closed := false
	for _, p := range positions {
		if !h.stagnant(p) {
			continue
		}
		if _, err := h.closer.ClosePosition(ctx, p.Ticket, p.Volume); err != nil {
			return closed, err
		}
		closed = true
		h.bus.Publish(eventbus.StagnantClosed(p.Ticket, p.Symbol))
	}
	return closed, nil
}

// VetoOpen never vetoes.
func (h *StagnantPositionHandler) VetoOpen(account domain.AccountSnapshot, positions []domain.Position, symbol string, volume, sl, tp float64) bool {
	return true
}
