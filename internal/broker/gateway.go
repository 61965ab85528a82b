package broker

import (
	"context"
	"fmt"
	"time"

	"marginctl/internal/domain"
	"marginctl/internal/errs"
	"marginctl/internal/logger"
	"marginctl/internal/market"
	"marginctl/internal/pkg/convert"
)

// Gateway is the strongly-typed facade over Transport. Every operation
// passes its arguments to Transport as given, classifies the result, and
// decodes it into domain types before returning. Reads retry on
// Transport/Timeout; writes never do.
type Gateway struct {
	transport Transport
	timeout   time.Duration
	retrier   *readRetrier
}

// Option configures a Gateway at construction time.
type Option func(*Gateway)

// WithTimeout sets the per-call timeout applied to every operation.
func WithTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.timeout = d }
}

// WithRetry configures the read-retry policy (max attempts, linear backoff
// floor between attempts).
func WithRetry(maxAttempts int, backoff time.Duration) Option {
	return func(g *Gateway) { g.retrier = newReadRetrier(maxAttempts, backoff) }
}

// New builds a Gateway over transport with sane defaults (one attempt per
// read, 10s timeout); override with Option values.
func New(transport Transport, opts ...Option) *Gateway {
	g := &Gateway{
		transport: transport,
		timeout:   10 * time.Second,
		retrier:   newReadRetrier(1, 0),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gateway) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, g.timeout)
}

// call is the single non-retried dispatch primitive: every operation (read
// or write) eventually calls this, optionally wrapped by the retrier for
// reads.
func (g *Gateway) call(ctx context.Context, op string, args map[string]any) (map[string]any, *errs.Error) {
	cctx, cancel := g.withTimeout(ctx)
	defer cancel()
	result, err := g.transport.Call(cctx, op, args)
	if err != nil {
		classified := classifyTransportErr(cctx, op, err)
		if logBody := encodeForLog(result); logBody != nil {
			if reason := peekErrorField(logBody); reason != "" {
				logger.Warnf("broker: %s transport error, broker-reported reason=%q: %v", op, reason, err)
			}
		}
		return nil, classified
	}
	if rejected := classifyResult(op, result); rejected != nil {
		return result, rejected
	}
	return result, nil
}

// GetAccountInfo reads the current account snapshot. Retried on Transport/Timeout.
func (g *Gateway) GetAccountInfo(ctx context.Context) (domain.AccountSnapshot, error) {
	var account domain.AccountSnapshot
	failure := g.retrier.do(ctx, "get_account_info", func(cctx context.Context) *errs.Error {
		result, err := g.call(cctx, "get_account_info", nil)
		if err != nil {
			return err
		}
		decoded, derr := decodeAccount(result)
		if derr != nil {
			return derr
		}
		account = decoded
		return nil
	})
	if failure != nil {
		return domain.AccountSnapshot{}, failure
	}
	return account, nil
}

// GetPositions reads every open position, optionally filtered by symbol.
// Retried on Transport/Timeout.
func (g *Gateway) GetPositions(ctx context.Context, symbol string) ([]domain.Position, error) {
	var positions []domain.Position
	args := map[string]any{}
	if symbol != "" {
		args["symbol"] = symbol
	}
	failure := g.retrier.do(ctx, "get_positions", func(cctx context.Context) *errs.Error {
		result, err := g.call(cctx, "get_positions", args)
		if err != nil {
			return err
		}
		decoded, derr := decodePositions(result)
		if derr != nil {
			return derr
		}
		positions = decoded
		return nil
	})
	if failure != nil {
		return nil, failure
	}
	return positions, nil
}

// CheckSpread reads the current spread in points for symbol. Retried on
// Transport/Timeout.
func (g *Gateway) CheckSpread(ctx context.Context, symbol string) (domain.SpreadInfo, error) {
	var info domain.SpreadInfo
	failure := g.retrier.do(ctx, "check_spread", func(cctx context.Context) *errs.Error {
		result, err := g.call(cctx, "check_spread", map[string]any{"symbol": symbol})
		if err != nil {
			return err
		}
		decoded, derr := decodeSpread(symbol, result)
		if derr != nil {
			return derr
		}
		info = decoded
		return nil
	})
	if failure != nil {
		return domain.SpreadInfo{}, failure
	}
	return info, nil
}

// CalculateVolatility reads the broker's own ATR/volatility figure (price
// units) for (symbol, timeframe, period). Retried on Transport/Timeout.
func (g *Gateway) CalculateVolatility(ctx context.Context, symbol, timeframe string, period int) (float64, error) {
	var volatility float64
	args := map[string]any{"symbol": symbol, "timeframe": timeframe, "period": period}
	failure := g.retrier.do(ctx, "calculate_volatility", func(cctx context.Context) *errs.Error {
		result, err := g.call(cctx, "calculate_volatility", args)
		if err != nil {
			return err
		}
		raw, ok := result["volatility"]
		if !ok {
			return errs.New(errs.KindMalformed, "broker.calculate_volatility", "missing volatility field")
		}
		volatility = convert.ToFloat64(raw)
		return nil
	})
	if failure != nil {
		return 0, failure
	}
	return volatility, nil
}

// GetMarketData reads up to count OHLC candles for (symbol, timeframe).
// Retried on Transport/Timeout.
func (g *Gateway) GetMarketData(ctx context.Context, symbol, timeframe string, count int) ([]market.Candle, error) {
	var candles []market.Candle
	args := map[string]any{"symbol": symbol}
	if timeframe != "" {
		args["timeframe"] = timeframe
	}
	if count > 0 {
		args["count"] = count
	}
	failure := g.retrier.do(ctx, "get_market_data", func(cctx context.Context) *errs.Error {
		result, err := g.call(cctx, "get_market_data", args)
		if err != nil {
			return err
		}
		decoded, derr := decodeCandles(result)
		if derr != nil {
			return derr
		}
		candles = decoded
		return nil
	})
	if failure != nil {
		return nil, failure
	}
	return candles, nil
}

// OrderResult is the outcome of a successful market_buy/market_sell.
type OrderResult struct {
	Ticket int64
	Price  float64
}

// MarketBuy submits a market buy order. Never retried.
func (g *Gateway) MarketBuy(ctx context.Context, symbol string, volume, sl, tp float64, comment string, magic int64) (OrderResult, error) {
	return g.marketOrder(ctx, "market_buy", symbol, volume, sl, tp, comment, magic)
}

// MarketSell submits a market sell order. Never retried.
func (g *Gateway) MarketSell(ctx context.Context, symbol string, volume, sl, tp float64, comment string, magic int64) (OrderResult, error) {
	return g.marketOrder(ctx, "market_sell", symbol, volume, sl, tp, comment, magic)
}

func (g *Gateway) marketOrder(ctx context.Context, op, symbol string, volume, sl, tp float64, comment string, magic int64) (OrderResult, error) {
	args := map[string]any{"symbol": symbol, "volume": volume, "comment": comment, "magic": magic}
	if sl > 0 {
		args["sl"] = sl
	}
	if tp > 0 {
		args["tp"] = tp
	}
	result, err := g.call(ctx, op, args)
	if err != nil {
		return OrderResult{}, err
	}
	ticket, tok := result["ticket"]
	price, pok := result["price"]
	if !tok || !pok {
		return OrderResult{}, errs.New(errs.KindMalformed, "broker."+op, "response missing ticket/price")
	}
	return OrderResult{Ticket: int64(convert.ToFloat64(ticket)), Price: convert.ToFloat64(price)}, nil
}

// ModifyPosition changes a position's SL/TP. Never retried.
func (g *Gateway) ModifyPosition(ctx context.Context, ticket int64, sl, tp float64) error {
	args := map[string]any{"ticket": ticket}
	if sl > 0 {
		args["sl"] = sl
	}
	if tp > 0 {
		args["tp"] = tp
	}
	_, err := g.call(ctx, "modify_position", args)
	return err
}

// ClosePosition closes (all or part of) a position, returning realized profit.
// Never retried.
func (g *Gateway) ClosePosition(ctx context.Context, ticket int64, volume float64) (float64, error) {
	args := map[string]any{"ticket": ticket}
	if volume > 0 {
		args["volume"] = volume
	}
	result, err := g.call(ctx, "close_position", args)
	if err != nil {
		return 0, err
	}
	profit, ok := result["profit"]
	if !ok {
		return 0, errs.New(errs.KindMalformed, "broker.close_position", "response missing profit")
	}
	return convert.ToFloat64(profit), nil
}

// CloseAllResult is the outcome of a close_all_positions call.
type CloseAllResult struct {
	ClosedPositions int
	TotalProfit     float64
}

// CloseAllPositions closes every matching position. Never retried.
func (g *Gateway) CloseAllPositions(ctx context.Context, symbol string, magic int64) (CloseAllResult, error) {
	args := map[string]any{}
	if symbol != "" {
		args["symbol"] = symbol
	}
	if magic != 0 {
		args["magic"] = magic
	}
	result, err := g.call(ctx, "close_all_positions", args)
	if err != nil {
		return CloseAllResult{}, err
	}
	closed, cok := result["closed_positions"]
	profit, pok := result["total_profit"]
	if !cok || !pok {
		return CloseAllResult{}, errs.New(errs.KindMalformed, "broker.close_all_positions", "response missing closed_positions/total_profit")
	}
	return CloseAllResult{ClosedPositions: int(convert.ToFloat64(closed)), TotalProfit: convert.ToFloat64(profit)}, nil
}

// ErrUnsupportedSide is returned by OrderForSide when side is neither buy nor sell.
var ErrUnsupportedSide = fmt.Errorf("broker: side must be buy or sell")

// OrderForSide dispatches to MarketBuy or MarketSell based on side, so
// callers holding a domain.Side don't need their own switch.
func (g *Gateway) OrderForSide(ctx context.Context, side domain.Side, symbol string, volume, sl, tp float64, comment string, magic int64) (OrderResult, error) {
	switch side {
	case domain.SideBuy:
		return g.MarketBuy(ctx, symbol, volume, sl, tp, comment, magic)
	case domain.SideSell:
		return g.MarketSell(ctx, symbol, volume, sl, tp, comment, magic)
	default:
		return OrderResult{}, ErrUnsupportedSide
	}
}
