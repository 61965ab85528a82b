// Package market holds the immutable price-series types the rest of the
// control plane reads: Candle (OHLC) and Tick (bid/ask quote).
package market

import "time"

// Candle is one OHLC bar for a (symbol, timeframe). Immutable once observed.
type Candle struct {
	OpenTime int64   `json:"open_time" mapstructure:"open_time"`
	Open     float64 `json:"open" mapstructure:"open"`
	High     float64 `json:"high" mapstructure:"high"`
	Low      float64 `json:"low" mapstructure:"low"`
	Close    float64 `json:"close" mapstructure:"close"`
	Volume   float64 `json:"volume" mapstructure:"volume"`
}

// Tick is the latest bid/ask quote for a symbol.
type Tick struct {
	Bid       float64   `json:"bid" mapstructure:"bid"`
	Ask       float64   `json:"ask" mapstructure:"ask"`
	Timestamp time.Time `json:"timestamp" mapstructure:"timestamp"`
}

// Closes extracts the close-price series from a slice of candles, in
// chronological order, for handing to an indicator function.
func Closes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// Highs extracts the high-price series.
func Highs(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.High
	}
	return out
}

// Lows extracts the low-price series.
func Lows(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Low
	}
	return out
}
