package config

import "strings"

const (
	defaultAppEnv             = "dev"
	defaultAppLogLevel        = "info"
	defaultAppHTTPAddr        = ":9991"
	defaultAppLogPath         = "/data/logs/marginctl.log"
	defaultAppAuditDBPath     = "/data/db/audit.db"
	defaultShutdownGraceMS    = 5000
	defaultBrokerTimeoutSec   = 15
	defaultLoopIntervalMS     = 1000
	defaultEntryRSIOversold   = 30.0
	defaultEntryRSIOverbought = 70.0
	defaultUpdateIntervalMS   = 500
	defaultOHLCUpdateMS       = 60000
	defaultOHLCCount          = 200
	defaultMaxAgeMS           = 5000
	defaultIndicatorTimeframe = "M15"
	defaultRSIPeriod          = 14
	defaultMACDFast           = 12
	defaultMACDSlow           = 26
	defaultMACDSignal         = 9
	defaultBollPeriod         = 20
	defaultBollStdDev         = 2.0
	defaultADXPeriod          = 14
	defaultStochK             = 14
	defaultStochD             = 3
	defaultStochSlowing       = 3
	defaultEMAPeriod          = 50
	defaultATRPeriod          = 14
	defaultStagnantMaxMin     = 240
	defaultStagnantMinProfit  = 2
	defaultStagnantCheckSec   = 60
	defaultProfitTargetPct    = 5
	defaultProfitTargetSec    = 30
	defaultMarginMinFree      = 100
	defaultMarginCritical     = 120
	defaultMarginWarning      = 200
	defaultMarginCheckSec     = 15
	defaultVolatilityTimeframe = "M15"
	defaultVolatilityATRPeriod = 14
	defaultVolatilityLowThresh = 40
	defaultVolatilityHighThresh = 120
	defaultVolatilityATRMult   = 1.5
	defaultVolatilityLowPips   = 50
	defaultVolatilityMedPips   = 100
	defaultVolatilityHighPips  = 180
	defaultScalingInitial     = 1
	defaultScalingAdditional  = 4
	defaultScalingTriggerPips = 100
	defaultScalingLotIncr     = 0.01
	defaultScalingLotStep     = 1
	defaultScalingMaxPos      = 5
	defaultScalingMaxLevel    = 4
	defaultScalingBaseVolume  = 0.01
	defaultTrailingActivation = 150
	defaultTrailingDistance   = 80
	defaultTrailingUpdateSec  = 5
	defaultPositionsMaxTotal  = 20
	defaultPositionsMaxSymbol = 10
	defaultPositionsMaxGroup  = 5
	defaultMaxSpreadPoints    = 30
)

// applyDefaults fills every field left unset (per keys) with its default.
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Broker.applyDefaults(keys)
	c.Trading.applyDefaults(keys)
	c.MarketData.applyDefaults(keys)
	c.Indicators.applyDefaults(keys)
	c.Risk.applyDefaults(keys)
	c.Volatility.applyDefaults(keys)
	c.Scaling.applyDefaults(keys)
	c.Trailing.applyDefaults(keys)
	c.Positions.applyDefaults(keys)
	c.Execution.applyDefaults(keys)
	for i := range c.Symbols {
		c.Symbols[i].applyDefaults()
	}
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
		stringFieldDefault("app.log_path", &a.LogPath, defaultAppLogPath),
		stringFieldDefault("app.audit_db_path", &a.AuditDBPath, defaultAppAuditDBPath),
		fieldDefault{
			key:   "app.shutdown_grace_ms",
			need:  func() bool { return a.ShutdownGraceMS <= 0 },
			apply: func() { a.ShutdownGraceMS = defaultShutdownGraceMS },
		},
	)
}

func (b *BrokerConfig) applyDefaults(keys keySet) {
	if b == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("broker.timeout_seconds", &b.TimeoutSeconds, defaultBrokerTimeoutSec),
	)
}

func (t *TradingConfig) applyDefaults(keys keySet) {
	if t == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "trading.loop_interval_ms",
			need:  func() bool { return t.LoopIntervalMS <= 0 },
			apply: func() { t.LoopIntervalMS = defaultLoopIntervalMS },
		},
		fieldDefault{
			key:   "trading.entry_rsi_oversold",
			need:  func() bool { return t.EntryRSIOversold <= 0 },
			apply: func() { t.EntryRSIOversold = defaultEntryRSIOversold },
		},
		fieldDefault{
			key:   "trading.entry_rsi_overbought",
			need:  func() bool { return t.EntryRSIOverbought <= 0 },
			apply: func() { t.EntryRSIOverbought = defaultEntryRSIOverbought },
		},
	)
}

func (m *MarketDataConfig) applyDefaults(keys keySet) {
	if m == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "market_data.update_interval_ms",
			need:  func() bool { return m.UpdateIntervalMS <= 0 },
			apply: func() { m.UpdateIntervalMS = defaultUpdateIntervalMS },
		},
		fieldDefault{
			key:   "market_data.ohlc_update_interval_ms",
			need:  func() bool { return m.OHLCUpdateIntervalMS <= 0 },
			apply: func() { m.OHLCUpdateIntervalMS = defaultOHLCUpdateMS },
		},
		fieldDefault{
			key:   "market_data.ohlc_count",
			need:  func() bool { return m.OHLCCount <= 0 },
			apply: func() { m.OHLCCount = defaultOHLCCount },
		},
		fieldDefault{
			key:   "market_data.max_age_ms",
			need:  func() bool { return m.MaxAgeMS <= 0 },
			apply: func() { m.MaxAgeMS = defaultMaxAgeMS },
		},
	)
	if len(m.Timeframes) == 0 {
		m.Timeframes = []string{defaultIndicatorTimeframe}
	}
}

func (i *IndicatorsConfig) applyDefaults(keys keySet) {
	if i == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("indicators.timeframe", &i.Timeframe, defaultIndicatorTimeframe),
		intFieldDefault("indicators.rsi_period", &i.RSIPeriod, defaultRSIPeriod),
		intFieldDefault("indicators.macd_fast", &i.MACDFast, defaultMACDFast),
		intFieldDefault("indicators.macd_slow", &i.MACDSlow, defaultMACDSlow),
		intFieldDefault("indicators.macd_signal", &i.MACDSignal, defaultMACDSignal),
		intFieldDefault("indicators.boll_period", &i.BollPeriod, defaultBollPeriod),
		intFieldDefault("indicators.adx_period", &i.ADXPeriod, defaultADXPeriod),
		intFieldDefault("indicators.stoch_k", &i.StochK, defaultStochK),
		intFieldDefault("indicators.stoch_d", &i.StochD, defaultStochD),
		intFieldDefault("indicators.stoch_slowing", &i.StochSlowing, defaultStochSlowing),
		intFieldDefault("indicators.ema_period", &i.EMAPeriod, defaultEMAPeriod),
		intFieldDefault("indicators.atr_period", &i.ATRPeriod, defaultATRPeriod),
		fieldDefault{
			key:   "indicators.boll_stddev",
			need:  func() bool { return i.BollStdDev <= 0 },
			apply: func() { i.BollStdDev = defaultBollStdDev },
		},
	)
}

func (r *RiskConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "risk.stagnant.max_inactive_minutes",
			need:  func() bool { return r.Stagnant.MaxInactiveMinutes <= 0 },
			apply: func() { r.Stagnant.MaxInactiveMinutes = defaultStagnantMaxMin },
		},
		fieldDefault{
			key:   "risk.stagnant.min_profit_pips",
			need:  func() bool { return r.Stagnant.MinProfitPips == 0 },
			apply: func() { r.Stagnant.MinProfitPips = defaultStagnantMinProfit },
		},
		intFieldDefault("risk.stagnant.check_interval_seconds", &r.Stagnant.CheckIntervalSeconds, defaultStagnantCheckSec),
		fieldDefault{
			key:   "risk.profit_target.profit_target_percent",
			need:  func() bool { return r.ProfitTarget.ProfitTargetPercent <= 0 },
			apply: func() { r.ProfitTarget.ProfitTargetPercent = defaultProfitTargetPct },
		},
		intFieldDefault("risk.profit_target.check_interval_seconds", &r.ProfitTarget.CheckIntervalSeconds, defaultProfitTargetSec),
		fieldDefault{
			key:   "risk.margin.min_free_margin",
			need:  func() bool { return r.Margin.MinFreeMargin <= 0 },
			apply: func() { r.Margin.MinFreeMargin = defaultMarginMinFree },
		},
		fieldDefault{
			key:   "risk.margin.critical_margin_level",
			need:  func() bool { return r.Margin.CriticalMarginLevel <= 0 },
			apply: func() { r.Margin.CriticalMarginLevel = defaultMarginCritical },
		},
		fieldDefault{
			key:   "risk.margin.warning_margin_level",
			need:  func() bool { return r.Margin.WarningMarginLevel <= 0 },
			apply: func() { r.Margin.WarningMarginLevel = defaultMarginWarning },
		},
		intFieldDefault("risk.margin.check_interval_seconds", &r.Margin.CheckIntervalSeconds, defaultMarginCheckSec),
	)
}

func (v *VolatilityConfig) applyDefaults(keys keySet) {
	if v == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("volatility.timeframe", &v.Timeframe, defaultVolatilityTimeframe),
		intFieldDefault("volatility.atr_period", &v.ATRPeriod, defaultVolatilityATRPeriod),
		fieldDefault{
			key:   "volatility.low_threshold_pips",
			need:  func() bool { return v.LowThreshold <= 0 },
			apply: func() { v.LowThreshold = defaultVolatilityLowThresh },
		},
		fieldDefault{
			key:   "volatility.high_threshold_pips",
			need:  func() bool { return v.HighThreshold <= 0 },
			apply: func() { v.HighThreshold = defaultVolatilityHighThresh },
		},
		fieldDefault{
			key:   "volatility.atr_multiplier",
			need:  func() bool { return v.ATRMultiplier <= 0 },
			apply: func() { v.ATRMultiplier = defaultVolatilityATRMult },
		},
		fieldDefault{
			key:   "volatility.default_low_pips",
			need:  func() bool { return v.DefaultLowPips <= 0 },
			apply: func() { v.DefaultLowPips = defaultVolatilityLowPips },
		},
		fieldDefault{
			key:   "volatility.default_medium_pips",
			need:  func() bool { return v.DefaultMedPips <= 0 },
			apply: func() { v.DefaultMedPips = defaultVolatilityMedPips },
		},
		fieldDefault{
			key:   "volatility.default_high_pips",
			need:  func() bool { return v.DefaultHighPips <= 0 },
			apply: func() { v.DefaultHighPips = defaultVolatilityHighPips },
		},
	)
}

func (s *ScalingConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("scaling.initial_positions", &s.InitialPositions, defaultScalingInitial),
		intFieldDefault("scaling.additional_positions", &s.AdditionalPositions, defaultScalingAdditional),
		fieldDefault{
			key:   "scaling.trigger_pips",
			need:  func() bool { return s.TriggerPips <= 0 },
			apply: func() { s.TriggerPips = defaultScalingTriggerPips },
		},
		fieldDefault{
			key:   "scaling.lot_increment",
			need:  func() bool { return s.LotIncrement <= 0 },
			apply: func() { s.LotIncrement = defaultScalingLotIncr },
		},
		intFieldDefault("scaling.lot_increment_step", &s.LotIncrementStep, defaultScalingLotStep),
		intFieldDefault("scaling.max_positions", &s.MaxPositions, defaultScalingMaxPos),
		intFieldDefault("scaling.max_level", &s.MaxLevel, defaultScalingMaxLevel),
		fieldDefault{
			key:   "scaling.base_volume",
			need:  func() bool { return s.BaseVolume <= 0 },
			apply: func() { s.BaseVolume = defaultScalingBaseVolume },
		},
	)
}

func (t *TrailingConfig) applyDefaults(keys keySet) {
	if t == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "trailing.activation_distance_pips",
			need:  func() bool { return t.ActivationDistancePips <= 0 },
			apply: func() { t.ActivationDistancePips = defaultTrailingActivation },
		},
		fieldDefault{
			key:   "trailing.distance_pips",
			need:  func() bool { return t.DistancePips <= 0 },
			apply: func() { t.DistancePips = defaultTrailingDistance },
		},
		intFieldDefault("trailing.update_interval_seconds", &t.UpdateIntervalSeconds, defaultTrailingUpdateSec),
	)
}

func (p *PositionsConfig) applyDefaults(keys keySet) {
	if p == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("positions.max_total", &p.MaxTotal, defaultPositionsMaxTotal),
		intFieldDefault("positions.max_per_symbol", &p.MaxPerSymbol, defaultPositionsMaxSymbol),
		intFieldDefault("positions.max_per_group", &p.MaxPerGroup, defaultPositionsMaxGroup),
	)
}

func (e *ExecutionConfig) applyDefaults(keys keySet) {
	if e == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("execution.max_spread_points", &e.MaxSpreadPoints, defaultMaxSpreadPoints),
	)
}

func (s *SymbolConfig) applyDefaults() {
	if s == nil {
		return
	}
	if s.PricePrecision <= 0 {
		s.PricePrecision = 5
	}
	if s.VolumePrecision <= 0 {
		s.VolumePrecision = 2
	}
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}
