// wire.go holds the broker's JSON wire shapes and their conversion to the
// engine's domain types. The trading API serializes every numeric field as a
// string; the data API uses native numbers. Keep that asymmetry here so
// nothing above this package sees it.
package broker

import (
	"strconv"
	"strings"
	"time"

	"daytrader/pkg/types"
)

type wireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type wireAccount struct {
	Equity                string `json:"equity"`
	Cash                  string `json:"cash"`
	BuyingPower           string `json:"buying_power"`
	DaytradingBuyingPower string `json:"daytrading_buying_power"`
	PatternDayTrader      bool   `json:"pattern_day_trader"`
	TradingBlocked        bool   `json:"trading_blocked"`
	AccountBlocked        bool   `json:"account_blocked"`
}

func (w wireAccount) toAccount() *types.Account {
	return &types.Account{
		Equity:                parseF(w.Equity),
		Cash:                  parseF(w.Cash),
		BuyingPower:           parseF(w.BuyingPower),
		DaytradingBuyingPower: parseF(w.DaytradingBuyingPower),
		PatternDayTrader:      w.PatternDayTrader,
		TradingBlocked:        w.TradingBlocked,
		AccountBlocked:        w.AccountBlocked,
	}
}

type wireClock struct {
	Timestamp time.Time `json:"timestamp"`
	IsOpen    bool      `json:"is_open"`
	NextOpen  time.Time `json:"next_open"`
	NextClose time.Time `json:"next_close"`
}

type wirePosition struct {
	Symbol         string `json:"symbol"`
	Side           string `json:"side"` // "long" / "short"
	Qty            string `json:"qty"`
	AvgEntryPrice  string `json:"avg_entry_price"`
	UnrealizedPnL  string `json:"unrealized_pl"`
	CurrentPrice   string `json:"current_price"`
}

func (w wirePosition) toPosition() types.Position {
	side := types.Long
	if w.Side == "short" {
		side = types.Short
	}
	qty := int(parseF(w.Qty))
	if qty < 0 {
		qty = -qty
	}
	return types.Position{
		Symbol:        w.Symbol,
		Side:          side,
		Qty:           qty,
		AvgEntryPrice: parseF(w.AvgEntryPrice),
		UnrealizedPnL: parseF(w.UnrealizedPnL),
	}
}

type wireOrder struct {
	ID             string      `json:"id"`
	ClientOrderID  string      `json:"client_order_id"`
	Symbol         string      `json:"symbol"`
	Side           string      `json:"side"` // "buy" / "sell"
	Qty            string      `json:"qty"`
	FilledQty      string      `json:"filled_qty"`
	Type           string      `json:"type"`
	OrderClass     string      `json:"order_class"`
	Status         string      `json:"status"`
	LimitPrice     string      `json:"limit_price"`
	StopPrice      string      `json:"stop_price"`
	FilledAvgPrice string      `json:"filled_avg_price"`
	SubmittedAt    time.Time   `json:"submitted_at"`
	FilledAt       *time.Time  `json:"filled_at"`
	Legs           []wireOrder `json:"legs"`
}

// toOrder converts a wire order. The position side is reconstructed from the
// wire buy/sell direction and the inferred role: exit legs trade opposite the
// position they protect.
func (w wireOrder) toOrder() types.Order {
	role := inferRole(w)
	side := types.Long
	if (w.Side == "sell") != (role == types.RoleTakeProfit || role == types.RoleStopLoss) {
		side = types.Short
	}
	return types.Order{
		ID:             w.ID,
		ClientOrderID:  w.ClientOrderID,
		Symbol:         w.Symbol,
		Side:           side,
		Qty:            int(parseF(w.Qty)),
		Type:           types.OrderType(w.Type),
		Role:           role,
		Status:         types.OrderStatus(w.Status),
		LimitPrice:     parseF(w.LimitPrice),
		StopPrice:      parseF(w.StopPrice),
		FilledQty:      int(parseF(w.FilledQty)),
		FilledAvgPrice: parseF(w.FilledAvgPrice),
		SubmittedAt:    w.SubmittedAt,
		FilledAt:       w.FilledAt,
	}
}

// inferRole classifies a wire order within a bracket. Stop-family orders are
// always protective legs; a plain limit with a bracket order class and no legs
// of its own is a take-profit leg; everything else is an entry.
func inferRole(w wireOrder) types.OrderRole {
	switch types.OrderType(w.Type) {
	case types.OrderStop, types.OrderStopLimit, types.OrderTrailingStop:
		return types.RoleStopLoss
	}
	if w.OrderClass == "bracket" && len(w.Legs) == 0 && types.OrderType(w.Type) == types.OrderLimit && !strings.HasPrefix(w.ClientOrderID, "dt-") {
		return types.RoleTakeProfit
	}
	return types.RoleEntry
}

type wireBars struct {
	Bars []wireBar `json:"bars"`
}

type wireBar struct {
	T time.Time `json:"t"`
	O float64   `json:"o"`
	H float64   `json:"h"`
	L float64   `json:"l"`
	C float64   `json:"c"`
	V float64   `json:"v"`
}

func toBars(symbol string, tf types.Timeframe, ws []wireBar) []types.Bar {
	bars := make([]types.Bar, len(ws))
	for i, w := range ws {
		bars[i] = types.Bar{
			Symbol:    symbol,
			TsOpen:    w.T,
			Open:      w.O,
			High:      w.H,
			Low:       w.L,
			Close:     w.C,
			Volume:    w.V,
			Timeframe: tf,
		}
	}
	return bars
}

type wireLatestTrade struct {
	Trade struct {
		T time.Time `json:"t"`
		P float64   `json:"p"`
		S float64   `json:"s"`
	} `json:"trade"`
}

type wireLatestQuote struct {
	Quote struct {
		T  time.Time `json:"t"`
		BP float64   `json:"bp"`
		BS float64   `json:"bs"`
		AP float64   `json:"ap"`
		AS float64   `json:"as"`
	} `json:"quote"`
}

// wireTimeframe maps domain timeframes to the data API's notation.
func wireTimeframe(tf types.Timeframe) string {
	switch tf {
	case types.TF1Min:
		return "1Min"
	case types.TF5Min:
		return "5Min"
	case types.TF15Min:
		return "15Min"
	case types.TF1Day:
		return "1Day"
	}
	return string(tf)
}

func parseF(s string) float64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

func formatF(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
