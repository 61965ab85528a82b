package config

import (
	"fmt"
	"strings"
)

// validate runs basic consistency checks across the decoded configuration.
func validate(c *Config) error {
	if err := c.Broker.validate(); err != nil {
		return err
	}
	if err := c.Trading.validate(); err != nil {
		return err
	}
	if err := c.MarketData.validate(); err != nil {
		return err
	}
	if err := c.Risk.validate(); err != nil {
		return err
	}
	if err := c.Volatility.validate(); err != nil {
		return err
	}
	if err := c.Scaling.validate(); err != nil {
		return err
	}
	if err := c.Trailing.validate(); err != nil {
		return err
	}
	if err := c.Positions.validate(); err != nil {
		return err
	}
	if err := validateSymbols(c.Symbols); err != nil {
		return err
	}
	return nil
}

func (b *BrokerConfig) validate() error {
	if strings.TrimSpace(b.BaseURL) == "" {
		return fmt.Errorf("broker.base_url cannot be empty")
	}
	if b.TimeoutSeconds <= 0 {
		return fmt.Errorf("broker.timeout_seconds must be > 0")
	}
	return nil
}

func (t *TradingConfig) validate() error {
	if strings.TrimSpace(t.Symbol) == "" {
		return fmt.Errorf("trading.symbol cannot be empty")
	}
	if t.LoopIntervalMS <= 0 {
		return fmt.Errorf("trading.loop_interval_ms must be > 0")
	}
	if t.EntryRSIOversold <= 0 || t.EntryRSIOversold >= t.EntryRSIOverbought {
		return fmt.Errorf("trading.entry_rsi_oversold must be > 0 and < entry_rsi_overbought")
	}
	if t.EntryRSIOverbought >= 100 {
		return fmt.Errorf("trading.entry_rsi_overbought must be < 100")
	}
	return nil
}

func (m *MarketDataConfig) validate() error {
	if len(m.Symbols) == 0 {
		return fmt.Errorf("market_data.symbols requires at least one symbol")
	}
	if len(m.Timeframes) == 0 {
		return fmt.Errorf("market_data.timeframes requires at least one timeframe")
	}
	for _, tf := range m.Timeframes {
		if !IsValidInterval(tf) {
			return fmt.Errorf("market_data.timeframes contains invalid interval: %s", tf)
		}
	}
	if m.OHLCCount < 10 {
		return fmt.Errorf("market_data.ohlc_count must be >= 10")
	}
	if m.MaxAgeMS <= 0 {
		return fmt.Errorf("market_data.max_age_ms must be > 0")
	}
	return nil
}

func (r *RiskConfig) validate() error {
	if r.Stagnant.MaxInactiveMinutes <= 0 {
		return fmt.Errorf("risk.stagnant.max_inactive_minutes must be > 0")
	}
	if r.ProfitTarget.ProfitTargetPercent <= 0 {
		return fmt.Errorf("risk.profit_target.profit_target_percent must be > 0")
	}
	if r.Margin.MinFreeMargin < 0 {
		return fmt.Errorf("risk.margin.min_free_margin must be >= 0")
	}
	if r.Margin.CriticalMarginLevel <= 0 {
		return fmt.Errorf("risk.margin.critical_margin_level must be > 0")
	}
	if r.Margin.WarningMarginLevel <= r.Margin.CriticalMarginLevel {
		return fmt.Errorf("risk.margin.warning_margin_level must be > critical_margin_level")
	}
	return nil
}

func (v *VolatilityConfig) validate() error {
	if !IsValidInterval(v.Timeframe) {
		return fmt.Errorf("volatility.timeframe is not a valid interval: %s", v.Timeframe)
	}
	if v.LowThreshold <= 0 || v.HighThreshold <= v.LowThreshold {
		return fmt.Errorf("volatility.high_threshold_pips must be > low_threshold_pips > 0")
	}
	if v.ATRMultiplier <= 0 {
		return fmt.Errorf("volatility.atr_multiplier must be > 0")
	}
	return nil
}

func (s *ScalingConfig) validate() error {
	if s.InitialPositions <= 0 {
		return fmt.Errorf("scaling.initial_positions must be > 0")
	}
	if s.AdditionalPositions < 0 {
		return fmt.Errorf("scaling.additional_positions must be >= 0")
	}
	if s.TriggerPips <= 0 {
		return fmt.Errorf("scaling.trigger_pips must be > 0")
	}
	if s.MaxLevel < s.AdditionalPositions {
		return fmt.Errorf("scaling.max_level must be >= additional_positions")
	}
	if s.MaxPositions < s.InitialPositions {
		return fmt.Errorf("scaling.max_positions must be >= initial_positions")
	}
	if s.BaseVolume <= 0 {
		return fmt.Errorf("scaling.base_volume must be > 0")
	}
	return nil
}

func (t *TrailingConfig) validate() error {
	if t.ActivationDistancePips <= 0 {
		return fmt.Errorf("trailing.activation_distance_pips must be > 0")
	}
	if t.DistancePips <= 0 {
		return fmt.Errorf("trailing.distance_pips must be > 0")
	}
	if t.DistancePips >= t.ActivationDistancePips {
		return fmt.Errorf("trailing.distance_pips must be < activation_distance_pips")
	}
	return nil
}

func (p *PositionsConfig) validate() error {
	if p.MaxTotal <= 0 {
		return fmt.Errorf("positions.max_total must be > 0")
	}
	if p.MaxPerSymbol <= 0 || p.MaxPerSymbol > p.MaxTotal {
		return fmt.Errorf("positions.max_per_symbol must be in (0, max_total]")
	}
	if p.MaxPerGroup <= 0 {
		return fmt.Errorf("positions.max_per_group must be > 0")
	}
	return nil
}

func validateSymbols(symbols []SymbolConfig) error {
	if len(symbols) == 0 {
		return fmt.Errorf("symbols requires at least one entry")
	}
	seen := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		name := strings.ToUpper(strings.TrimSpace(s.Name))
		if name == "" {
			return fmt.Errorf("symbols entry missing name")
		}
		if seen[name] {
			return fmt.Errorf("symbols contains duplicate entry: %s", name)
		}
		seen[name] = true
		if s.PipScale <= 0 {
			return fmt.Errorf("symbols.%s.pip_scale must be > 0", name)
		}
	}
	return nil
}

// IsValidInterval reports whether s looks like a timeframe string: a single
// M/H/D/W prefix followed by digits (e.g. "M15", "H1", "D1", "W1").
func IsValidInterval(s string) bool {
	if len(s) < 2 {
		return false
	}
	prefix := s[0] | 0x20 // fold an ASCII letter to lowercase
	if prefix != 'm' && prefix != 'h' && prefix != 'd' && prefix != 'w' {
		return false
	}
	for i := 1; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
