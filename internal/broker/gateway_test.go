package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"marginctl/internal/domain"
	"marginctl/internal/errs"

	"github.com/stretchr/testify/require"
)

func TestGetAccountInfo_Decodes(t *testing.T) {
	transport := newFakeTransport().on("get_account_info", ok(map[string]any{
		"account_info": map[string]any{
			"balance": 1000.0, "equity": 980.0, "margin_free": 500.0, "margin_level": 196.0,
		},
	}))
	gw := New(transport)

	account, err := gw.GetAccountInfo(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1000.0, account.Balance)
	require.Equal(t, 500.0, account.FreeMargin)
	require.Equal(t, 196.0, account.MarginLevelPercent)
}

func TestGetPositions_RejectsMissingOpenTime(t *testing.T) {
	transport := newFakeTransport().on("get_positions", ok(map[string]any{
		"positions": []any{
			map[string]any{"ticket": 1.0, "symbol": "EURUSD", "type": "buy", "volume": 0.1, "open_price": 1.2, "open_time": 0.0},
		},
	}))
	gw := New(transport)

	_, err := gw.GetPositions(context.Background(), "")
	require.Error(t, err)
	require.True(t, errs.IsKind(err, errs.KindMalformed))
}

func TestGetPositions_Decodes(t *testing.T) {
	transport := newFakeTransport().on("get_positions", ok(map[string]any{
		"positions": []any{
			map[string]any{
				"ticket": 1.0, "symbol": "EURUSD", "type": "buy", "volume": 0.1,
				"open_price": 1.2, "open_time": 1700000000.0, "current_price": 1.21, "profit": 10.0,
			},
		},
	}))
	gw := New(transport)

	positions, err := gw.GetPositions(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	require.Equal(t, int64(1), positions[0].Ticket)
	require.Equal(t, domain.SideBuy, positions[0].Side)
}

func TestReadRetries_OnTransportError(t *testing.T) {
	transport := newFakeTransport().on("check_spread",
		transportErr(errors.New("connection reset")),
		ok(map[string]any{"spread": 12.0}),
	)
	gw := New(transport, WithRetry(3, time.Millisecond))

	info, err := gw.CheckSpread(context.Background(), "EURUSD")
	require.NoError(t, err)
	require.Equal(t, 12, info.Points)
	require.Equal(t, 2, transport.callCount("check_spread"))
}

func TestReadDoesNotRetry_OnBrokerRejected(t *testing.T) {
	transport := newFakeTransport().on("check_spread", rejected("symbol not found"))
	gw := New(transport, WithRetry(3, time.Millisecond))

	_, err := gw.CheckSpread(context.Background(), "EURUSD")
	require.Error(t, err)
	require.True(t, errs.IsKind(err, errs.KindBrokerRejected))
	require.Equal(t, 1, transport.callCount("check_spread"))
}

func TestWriteNeverRetries(t *testing.T) {
	transport := newFakeTransport().on("market_buy", transportErr(errors.New("reset")))
	gw := New(transport, WithRetry(5, time.Millisecond))

	_, err := gw.MarketBuy(context.Background(), "EURUSD", 0.1, 0, 0, "", 1)
	require.Error(t, err)
	require.Equal(t, 1, transport.callCount("market_buy"))
}

func TestMarketBuy_Decodes(t *testing.T) {
	transport := newFakeTransport().on("market_buy", ok(map[string]any{"ticket": 42.0, "price": 1.2001}))
	gw := New(transport)

	res, err := gw.MarketBuy(context.Background(), "EURUSD", 0.1, 1.19, 1.21, "scale-in", 555)
	require.NoError(t, err)
	require.Equal(t, int64(42), res.Ticket)
	require.Equal(t, 1.2001, res.Price)
}

func TestModifyPosition_SuccessFalseIsRejected(t *testing.T) {
	transport := newFakeTransport().on("modify_position", rejected("invalid stops"))
	gw := New(transport)

	err := gw.ModifyPosition(context.Background(), 1, 1.19, 1.21)
	require.Error(t, err)
	require.True(t, errs.IsKind(err, errs.KindBrokerRejected))
}
