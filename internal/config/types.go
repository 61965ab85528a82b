package config

import "strings"

// Config is the decoded form of the flat configuration surface.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Broker     BrokerConfig     `mapstructure:"broker"`
	Trading    TradingConfig    `mapstructure:"trading"`
	MarketData MarketDataConfig `mapstructure:"market_data"`
	Indicators IndicatorsConfig `mapstructure:"indicators"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Volatility VolatilityConfig `mapstructure:"volatility"`
	Scaling    ScalingConfig    `mapstructure:"scaling"`
	Trailing   TrailingConfig   `mapstructure:"trailing"`
	Positions  PositionsConfig  `mapstructure:"positions"`
	Execution  ExecutionConfig  `mapstructure:"execution"`
	Symbols    []SymbolConfig   `mapstructure:"symbols"`
}

// AppConfig covers process-boundary concerns: logging, the admin HTTP
// surface, shutdown grace, and where the audit ledger lives on disk.
type AppConfig struct {
	Env             string `mapstructure:"env"`
	LogLevel        string `mapstructure:"log_level"`
	LogPath         string `mapstructure:"log_path"`
	HTTPAddr        string `mapstructure:"http_addr"`
	ShutdownGraceMS int    `mapstructure:"shutdown_grace_ms"`
	AuditDBPath     string `mapstructure:"audit_db_path"`
}

// BrokerConfig is broker.*: the connection details for the broker's command
// endpoint, from which a broker.HTTPTransport is built at startup.
type BrokerConfig struct {
	BaseURL            string `mapstructure:"base_url"`
	APIToken           string `mapstructure:"api_token"`
	TimeoutSeconds     int    `mapstructure:"timeout_seconds"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
}

// TradingConfig controls the symbol the control loop trades and the loop's
// tick cadence. EntryRSIOversold/EntryRSIOverbought gate the control loop's
// own entry trigger: a new scaling group opens for a symbol with no active
// group once RSI crosses one of these bounds.
type TradingConfig struct {
	Symbol             string  `mapstructure:"symbol"`
	LoopIntervalMS     int     `mapstructure:"loop_interval_ms"`
	EntryRSIOversold   float64 `mapstructure:"entry_rsi_oversold"`
	EntryRSIOverbought float64 `mapstructure:"entry_rsi_overbought"`
}

// MarketDataConfig is market_data.*.
type MarketDataConfig struct {
	Symbols              []string `mapstructure:"symbols"`
	Timeframes           []string `mapstructure:"timeframes"`
	UpdateIntervalMS     int      `mapstructure:"update_interval_ms"`
	OHLCUpdateIntervalMS int      `mapstructure:"ohlc_update_interval_ms"`
	OHLCCount            int      `mapstructure:"ohlc_count"`
	MaxAgeMS             int      `mapstructure:"max_age_ms"`
}

// IndicatorsConfig is indicators.*.
type IndicatorsConfig struct {
	Timeframe    string  `mapstructure:"timeframe"`
	RSIPeriod    int     `mapstructure:"rsi_period"`
	MACDFast     int     `mapstructure:"macd_fast"`
	MACDSlow     int     `mapstructure:"macd_slow"`
	MACDSignal   int     `mapstructure:"macd_signal"`
	BollPeriod   int     `mapstructure:"boll_period"`
	BollStdDev   float64 `mapstructure:"boll_stddev"`
	ADXPeriod    int     `mapstructure:"adx_period"`
	StochK       int     `mapstructure:"stoch_k"`
	StochD       int     `mapstructure:"stoch_d"`
	StochSlowing int     `mapstructure:"stoch_slowing"`
	EMAPeriod    int     `mapstructure:"ema_period"`
	ATRPeriod    int     `mapstructure:"atr_period"`
}

// RiskConfig is risk.*.
type RiskConfig struct {
	Stagnant     StagnantConfig     `mapstructure:"stagnant"`
	ProfitTarget ProfitTargetConfig `mapstructure:"profit_target"`
	Margin       MarginConfig       `mapstructure:"margin"`
}

type StagnantConfig struct {
	MaxInactiveMinutes   float64 `mapstructure:"max_inactive_minutes"`
	MinProfitPips        float64 `mapstructure:"min_profit_pips"`
	CheckIntervalSeconds int     `mapstructure:"check_interval_seconds"`
}

type ProfitTargetConfig struct {
	ProfitTargetPercent  float64 `mapstructure:"profit_target_percent"`
	CheckIntervalSeconds int     `mapstructure:"check_interval_seconds"`
}

type MarginConfig struct {
	MinFreeMargin        float64 `mapstructure:"min_free_margin"`
	CriticalMarginLevel  float64 `mapstructure:"critical_margin_level"`
	WarningMarginLevel   float64 `mapstructure:"warning_margin_level"`
	CheckIntervalSeconds int     `mapstructure:"check_interval_seconds"`
}

// VolatilityConfig is volatility.*: the ATR classification thresholds, the
// live-ATR distance multiplier, and the category-default pip distances used
// when no live ATR is available.
type VolatilityConfig struct {
	Timeframe       string  `mapstructure:"timeframe"`
	ATRPeriod       int     `mapstructure:"atr_period"`
	LowThreshold    float64 `mapstructure:"low_threshold_pips"`
	HighThreshold   float64 `mapstructure:"high_threshold_pips"`
	ATRMultiplier   float64 `mapstructure:"atr_multiplier"`
	DefaultLowPips  float64 `mapstructure:"default_low_pips"`
	DefaultMedPips  float64 `mapstructure:"default_medium_pips"`
	DefaultHighPips float64 `mapstructure:"default_high_pips"`
}

// ScalingConfig is scaling.*.
type ScalingConfig struct {
	InitialPositions    int     `mapstructure:"initial_positions"`
	AdditionalPositions int     `mapstructure:"additional_positions"`
	TriggerPips         float64 `mapstructure:"trigger_pips"`
	LotIncrement        float64 `mapstructure:"lot_increment"`
	LotIncrementStep    int     `mapstructure:"lot_increment_step"`
	MaxPositions        int     `mapstructure:"max_positions"`
	MaxLevel            int     `mapstructure:"max_level"`
	BaseVolume          float64 `mapstructure:"base_volume"`
}

// TrailingConfig is trailing.*.
type TrailingConfig struct {
	ActivationDistancePips float64 `mapstructure:"activation_distance_pips"`
	DistancePips           float64 `mapstructure:"distance_pips"`
	UpdateIntervalSeconds  int     `mapstructure:"update_interval_seconds"`
}

// PositionsConfig is positions.*.
type PositionsConfig struct {
	MaxTotal     int `mapstructure:"max_total"`
	MaxPerSymbol int `mapstructure:"max_per_symbol"`
	MaxPerGroup  int `mapstructure:"max_per_group"`
}

// ExecutionConfig is execution.*.
type ExecutionConfig struct {
	MaxSpreadPoints int   `mapstructure:"max_spread_points"`
	MagicNumber     int64 `mapstructure:"magic_number"`
}

// SymbolConfig describes one instrument's pip scale and precision.
type SymbolConfig struct {
	Name            string  `mapstructure:"name"`
	PipScale        float64 `mapstructure:"pip_scale"`
	PricePrecision  int     `mapstructure:"price_precision"`
	VolumePrecision int     `mapstructure:"volume_precision"`
}

// keySet tracks which dotted configuration paths were explicitly present in
// the loaded file, so applyDefaults only fills genuinely absent fields and
// never clobbers a deliberate zero value (e.g. check_interval_seconds: 0
// meaning "disabled").
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault describes the default-value rule for a single field.
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
