package broker

import (
	"context"

	"marginctl/internal/logger"
)

// GatewayATRSource adapts Gateway.CalculateVolatility to volatility.ATRSource:
// a failed broker read just means "no live ATR," not a hard error, so the
// volatility manager can fall back to its category default pip table.
type GatewayATRSource struct {
	gateway *Gateway
}

// NewGatewayATRSource wraps gw for use as a volatility.ATRSource.
func NewGatewayATRSource(gw *Gateway) *GatewayATRSource {
	return &GatewayATRSource{gateway: gw}
}

// ATR implements volatility.ATRSource.
func (a *GatewayATRSource) ATR(ctx context.Context, symbol, timeframe string, period int) (float64, bool) {
	value, err := a.gateway.CalculateVolatility(ctx, symbol, timeframe, period)
	if err != nil {
		logger.Debugf("broker: live ATR unavailable symbol=%s timeframe=%s: %v", symbol, timeframe, err)
		return 0, false
	}
	return value, true
}
