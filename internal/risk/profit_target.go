package risk

import (
	"context"
	"sort"
	"sync"

	"marginctl/internal/config"
	"marginctl/internal/domain"
	"marginctl/internal/eventbus"

	"github.com/shopspring/decimal"
)

// ProfitTargetHandler is the mandatory priority=high handler: once open
// profit reaches a percentage of balance, it closes everything and vetoes
// new opens until the close-out wave has cleared the book.
type ProfitTargetHandler struct {
	closer Closer
	bus    *eventbus.Bus

	mu  sync.RWMutex
	cfg config.ProfitTargetConfig
}

// NewProfitTargetHandler builds a ProfitTargetHandler.
func NewProfitTargetHandler(closer Closer, bus *eventbus.Bus, cfg config.ProfitTargetConfig) *ProfitTargetHandler {
	return &ProfitTargetHandler{closer: closer, bus: bus, cfg: cfg}
}

func (h *ProfitTargetHandler) Priority() Priority { return PriorityHigh }

// UpdateConfig swaps in newly-reloaded thresholds.
func (h *ProfitTargetHandler) UpdateConfig(cfg config.ProfitTargetConfig) {
	h.mu.Lock()
	h.cfg = cfg
	h.mu.Unlock()
}

func (h *ProfitTargetHandler) config() config.ProfitTargetConfig {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

func (h *ProfitTargetHandler) thresholdMet(account domain.AccountSnapshot, positions []domain.Position) bool {
	total := sumProfit(positions)
	target := decimal.NewFromFloat(account.Balance).
		Mul(decimal.NewFromFloat(h.config().ProfitTargetPercent)).
		Div(decimal.NewFromInt(100))
	return total.GreaterThanOrEqual(target)
}

func (h *ProfitTargetHandler) ShouldAct(account domain.AccountSnapshot, positions []domain.Position) bool {
	return len(positions) > 0 && h.thresholdMet(account, positions)
}

// Act closes every position in descending profit order.
func (h *ProfitTargetHandler) Act(ctx context.Context, account domain.AccountSnapshot, positions []domain.Position) (bool, error) {
	ordered := make([]domain.Position, len(positions))
	copy(ordered, positions)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Profit > ordered[j].Profit })

	total := sumProfitFloat(positions)
	for _, pos := range ordered {
		if _, err := h.closer.ClosePosition(ctx, pos.Ticket, pos.Volume); err != nil {
			return false, err
		}
	}
	h.bus.Publish(eventbus.ProfitTargetReached(total))
	return true, nil
}

// VetoOpen rejects new opens while the profit target is currently met, to
// prevent opening during the close-out wave.
func (h *ProfitTargetHandler) VetoOpen(account domain.AccountSnapshot, positions []domain.Position, symbol string, volume, sl, tp float64) bool {
	if len(positions) == 0 {
		return true
	}
	return !h.thresholdMet(account, positions)
}

func sumProfit(positions []domain.Position) decimal.Decimal {
	total := decimal.Zero
	for _, p := range positions {
		total = total.Add(decimal.NewFromFloat(p.Profit))
	}
	return total
}

func sumProfitFloat(positions []domain.Position) float64 {
	f, _ := sumProfit(positions).Float64()
	return f
}
