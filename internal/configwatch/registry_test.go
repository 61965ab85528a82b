package configwatch

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const baseYAML = `
app:
  env: test
  log_level: info
  http_addr: ":0"
  audit_db_path: AUDIT_DB_PATH
broker:
  base_url: "http://127.0.0.1:0"
  timeout_seconds: 5
trading:
  symbol: EURUSD
  loop_interval_ms: 1000
  entry_rsi_oversold: 30
  entry_rsi_overbought: 70
market_data:
  symbols: [EURUSD]
  timeframes: [M15]
  update_interval_ms: 500
  ohlc_update_interval_ms: 60000
  ohlc_count: 200
  max_age_ms: 5000
indicators:
  timeframe: M15
  rsi_period: 14
  macd_fast: 12
  macd_slow: 26
  macd_signal: 9
  boll_period: 20
  boll_stddev: 2
  adx_period: 14
  stoch_k: 14
  stoch_d: 3
  stoch_slowing: 3
  ema_period: 50
  atr_period: 14
risk:
  stagnant:
    max_inactive_minutes: 240
    min_profit_pips: 2
    check_interval_seconds: 60
  profit_target:
    profit_target_percent: 5
    check_interval_seconds: 30
  margin:
    min_free_margin: 100
    critical_margin_level: CRITICAL_LEVEL
    warning_margin_level: 200
    check_interval_seconds: 15
volatility:
  timeframe: M15
  atr_period: 14
  low_threshold_pips: 40
  high_threshold_pips: 120
  atr_multiplier: 1.5
  default_low_pips: 50
  default_medium_pips: 100
  default_high_pips: 180
scaling:
  initial_positions: 1
  additional_positions: 4
  trigger_pips: 100
  lot_increment: 0.01
  lot_increment_step: 1
  max_positions: 5
  max_level: 4
  base_volume: 0.01
trailing:
  activation_distance_pips: 150
  distance_pips: 80
  update_interval_seconds: 5
positions:
  max_total: 20
  max_per_symbol: 10
  max_per_group: 5
execution:
  max_spread_points: 30
  magic_number: 424242
symbols:
  - name: EURUSD
    pip_scale: 0.0001
    price_precision: 5
    volume_precision: 2
`

func writeConfig(t *testing.T, path, auditPath string, criticalLevel string) {
	t.Helper()
	contents := strings.ReplaceAll(baseYAML, "AUDIT_DB_PATH", auditPath)
	contents = strings.ReplaceAll(contents, "CRITICAL_LEVEL", criticalLevel)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
}

func TestNewRegistry_LoadsInitialSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeConfig(t, path, filepath.Join(dir, "audit.db"), "120")

	reg, err := NewRegistry(path, "")
	require.NoError(t, err)

	snap := reg.Snapshot()
	require.Equal(t, int64(1), snap.Version)
	require.Equal(t, 120.0, snap.Risk.Margin.CriticalMarginLevel)
	require.Equal(t, 5, snap.Scaling.MaxPositions)
	require.Equal(t, 150.0, snap.Trailing.ActivationDistancePips)
}

func TestRegistry_OnChangeFiresAfterFileEdit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeConfig(t, path, filepath.Join(dir, "audit.db"), "120")

	reg, err := NewRegistry(path, "")
	require.NoError(t, err)

	changes := make(chan Snapshot, 4)
	reg.OnChange(func(s Snapshot) { changes <- s })

	writeConfig(t, path, filepath.Join(dir, "audit.db"), "190")

	select {
	case snap := <-changes:
		require.Equal(t, 190.0, snap.Risk.Margin.CriticalMarginLevel)
		require.Equal(t, int64(2), snap.Version)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for configwatch reload after file edit")
	}
}

func TestNewRegistry_RejectsEmptyPath(t *testing.T) {
	_, err := NewRegistry("", "")
	require.Error(t, err)
}
