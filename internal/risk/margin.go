package risk

import (
	"context"
	"sort"
	"sync"

	"marginctl/internal/config"
	"marginctl/internal/domain"
	"marginctl/internal/eventbus"
)

// AccountReader re-reads account state; MarginProtector needs a fresh read
// after every close, not the tick's original snapshot.
type AccountReader interface {
	GetAccountInfo(ctx context.Context) (domain.AccountSnapshot, error)
}

// Closer closes one position by ticket and reports its realized profit.
type Closer interface {
	ClosePosition(ctx context.Context, ticket int64, volume float64) (float64, error)
}

// MarginProtector is the mandatory priority=highest handler: it enters a
// sticky safe state when margin runs low, sheds the most-losing positions
// first, and only clears the safe state once a fresh read shows margin has
// recovered past the warning level. The sticky-flag-until-recovery shape is
// the same one the teacher's circuit breaker uses for its own half-open
// recovery probe, reduced here to a single boolean instead of a tri-state.
type MarginProtector struct {
	accountReader AccountReader
	closer        Closer
	bus           *eventbus.Bus

	mu     sync.Mutex
	cfg    config.MarginConfig
	safe   bool
	warned bool
}

// NewMarginProtector builds a MarginProtector.
func NewMarginProtector(accountReader AccountReader, closer Closer, bus *eventbus.Bus, cfg config.MarginConfig) *MarginProtector {
	return &MarginProtector{accountReader: accountReader, closer: closer, bus: bus, cfg: cfg}
}

func (m *MarginProtector) Priority() Priority { return PriorityHighest }

// UpdateConfig swaps in newly-reloaded thresholds, picked up on the next
// tick without disturbing a safe state already in progress.
func (m *MarginProtector) UpdateConfig(cfg config.MarginConfig) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

func (m *MarginProtector) config() config.MarginConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

func (m *MarginProtector) isSafe() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.safe
}

// ShouldAct fires on a fresh breach, and keeps firing every tick while the
// safe state is still active so Act gets a chance to clear it.
func (m *MarginProtector) ShouldAct(account domain.AccountSnapshot, positions []domain.Position) bool {
	return m.isSafe() || m.breached(account)
}

func (m *MarginProtector) breached(account domain.AccountSnapshot) bool {
	cfg := m.config()
	return account.FreeMargin < cfg.MinFreeMargin || account.MarginLevelPercent < cfg.CriticalMarginLevel
}

// Act enters the safe state on a fresh breach, closes positions in
// ascending profit order (most-losing first), refreshing account state
// after each close, until margin_level clears the warning threshold, then
// exits the safe state.
func (m *MarginProtector) Act(ctx context.Context, account domain.AccountSnapshot, positions []domain.Position) (bool, error) {
	m.mu.Lock()
	wasSafe := m.safe
	if !wasSafe {
		m.safe = true
	}
	m.mu.Unlock()
	if !wasSafe {
		m.bus.Publish(eventbus.MarginCritical())
	}

	ordered := make([]domain.Position, len(positions))
	copy(ordered, positions)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Profit < ordered[j].Profit })

	cfg := m.config()
	closed := false
	current := account
	for _, pos := range ordered {
		if current.MarginLevelPercent > cfg.WarningMarginLevel {
			break
		}
		if _, err := m.closer.ClosePosition(ctx, pos.Ticket, pos.Volume); err != nil {
			return closed, err
		}
		closed = true
		refreshed, err := m.accountReader.GetAccountInfo(ctx)
		if err != nil {
			return closed, err
		}
		current = refreshed
	}

	if current.MarginLevelPercent > cfg.WarningMarginLevel {
		m.mu.Lock()
		m.safe = false
		m.mu.Unlock()
		m.bus.Publish(eventbus.MarginSafe())
	}
	return closed, nil
}

// VetoOpen rejects new orders while the safe state is active, free margin
// is below the floor, or margin level is below the warning threshold. It
// also doubles as the warning-band detector: every order attempt is a
// natural point to notice margin_level dipping below the warning threshold
// without yet tripping the critical/safe machinery above.
func (m *MarginProtector) VetoOpen(account domain.AccountSnapshot, positions []domain.Position, symbol string, volume, sl, tp float64) bool {
	if m.isSafe() {
		return false
	}
	cfg := m.config()
	if account.FreeMargin < cfg.MinFreeMargin {
		return false
	}
	if account.MarginLevelPercent < cfg.WarningMarginLevel {
		m.noteWarningBand(true)
		return false
	}
	m.noteWarningBand(false)
	return true
}

// noteWarningBand publishes MarginWarning once per transition into the
// warning band, and clears the sticky flag once margin recovers.
func (m *MarginProtector) noteWarningBand(inWarning bool) {
	m.mu.Lock()
	was := m.warned
	m.warned = inWarning
	m.mu.Unlock()
	if inWarning && !was {
		m.bus.Publish(eventbus.MarginWarning())
	}
}
