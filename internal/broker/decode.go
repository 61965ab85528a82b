package broker

import (
	"encoding/json"
	"fmt"
	"time"

	"marginctl/internal/domain"
	"marginctl/internal/errs"
	"marginctl/internal/market"
	"marginctl/internal/pkg/convert"

	"github.com/mitchellh/mapstructure"
	"github.com/tidwall/gjson"
)

// decodeInto is the single decode boundary every transport result passes
// through: weakly-typed mapstructure absorbs the numeric widening (the
// broker may hand back an int, a float64, or a json.Number for the same
// logical field) that the spec requires the gateway to resolve once and
// never downstream.
func decodeInto(op string, raw map[string]any, out any) *errs.Error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return errs.Wrap(errs.KindMalformed, "broker."+op, "decoder setup failed", err)
	}
	if err := dec.Decode(raw); err != nil {
		return errs.Wrap(errs.KindMalformed, "broker."+op, "response shape mismatch", err)
	}
	return nil
}

type accountWire struct {
	Balance     float64 `mapstructure:"balance"`
	Equity      float64 `mapstructure:"equity"`
	MarginFree  float64 `mapstructure:"margin_free"`
	MarginLevel float64 `mapstructure:"margin_level"`
	Margin      float64 `mapstructure:"margin"`
}

func decodeAccount(result map[string]any) (domain.AccountSnapshot, *errs.Error) {
	raw, _ := result["account_info"].(map[string]any)
	if raw == nil {
		return domain.AccountSnapshot{}, errs.New(errs.KindMalformed, "broker.get_account_info", "missing account_info field")
	}
	var wire accountWire
	if derr := decodeInto("get_account_info", raw, &wire); derr != nil {
		return domain.AccountSnapshot{}, derr
	}
	return domain.AccountSnapshot{
		Balance:            wire.Balance,
		Equity:             wire.Equity,
		Margin:             wire.Margin,
		FreeMargin:         wire.MarginFree,
		MarginLevelPercent: wire.MarginLevel,
		ReadAt:             time.Now(),
	}, nil
}

type positionWire struct {
	Ticket       int64   `mapstructure:"ticket"`
	Symbol       string  `mapstructure:"symbol"`
	Type         string  `mapstructure:"type"`
	Volume       float64 `mapstructure:"volume"`
	OpenPrice    float64 `mapstructure:"open_price"`
	SL           float64 `mapstructure:"sl"`
	TP           float64 `mapstructure:"tp"`
	Comment      string  `mapstructure:"comment"`
	Magic        int64   `mapstructure:"magic"`
	CurrentPrice float64 `mapstructure:"current_price"`
	Profit       float64 `mapstructure:"profit"`
	OpenTime     int64   `mapstructure:"open_time"`
}

func decodePositions(result map[string]any) ([]domain.Position, *errs.Error) {
	raw, _ := result["positions"].([]any)
	out := make([]domain.Position, 0, len(raw))
	for _, item := range raw {
		entry, _ := item.(map[string]any)
		if entry == nil {
			return nil, errs.New(errs.KindMalformed, "broker.get_positions", "position entry is not an object")
		}
		var wire positionWire
		if derr := decodeInto("get_positions", entry, &wire); derr != nil {
			return nil, derr
		}
		side := domain.Side(wire.Type)
		if !side.Valid() {
			return nil, errs.New(errs.KindMalformed, "broker.get_positions", fmt.Sprintf("ticket %d has invalid side %q", wire.Ticket, wire.Type))
		}
		if wire.OpenTime <= 0 {
			return nil, errs.New(errs.KindMalformed, "broker.get_positions", fmt.Sprintf("ticket %d missing open_time", wire.Ticket))
		}
		out = append(out, domain.Position{
			Ticket:       wire.Ticket,
			Symbol:       wire.Symbol,
			Side:         side,
			Volume:       wire.Volume,
			OpenPrice:    wire.OpenPrice,
			OpenTime:     time.Unix(wire.OpenTime, 0).UTC(),
			Magic:        wire.Magic,
			Comment:      wire.Comment,
			StopLoss:     wire.SL,
			TakeProfit:   wire.TP,
			CurrentPrice: wire.CurrentPrice,
			Profit:       wire.Profit,
		})
	}
	return out, nil
}

func decodeSpread(symbol string, result map[string]any) (domain.SpreadInfo, *errs.Error) {
	points, ok := result["spread"]
	if !ok {
		return domain.SpreadInfo{}, errs.New(errs.KindMalformed, "broker.check_spread", "missing spread field")
	}
	return domain.SpreadInfo{Symbol: symbol, Points: int(convert.ToFloat64(points))}, nil
}

func decodeCandles(result map[string]any) ([]market.Candle, *errs.Error) {
	raw, _ := result["data"].([]any)
	out := make([]market.Candle, 0, len(raw))
	for _, item := range raw {
		entry, _ := item.(map[string]any)
		if entry == nil {
			return nil, errs.New(errs.KindMalformed, "broker.get_market_data", "candle entry is not an object")
		}
		var c market.Candle
		if derr := decodeInto("get_market_data", entry, &c); derr != nil {
			return nil, derr
		}
		out = append(out, c)
	}
	return out, nil
}

// peekErrorField cheaply extracts an "error" string from a result that has
// already been JSON-encoded (the structured-retry-log path below), without
// paying for a full mapstructure decode of a result we are about to discard
// anyway.
func peekErrorField(jsonBody []byte) string {
	return gjson.GetBytes(jsonBody, "error").String()
}

func encodeForLog(result map[string]any) []byte {
	b, err := json.Marshal(result)
	if err != nil {
		return nil
	}
	return b
}
