package broker

import (
	"context"
	"fmt"
	"time"

	"daytrader/pkg/types"
)

// Gateway is the broker abstraction the rest of the engine consumes.
// *Client is the production implementation; tests substitute fakes.
type Gateway interface {
	// Account / session
	GetAccount(ctx context.Context) (*types.Account, error)
	GetClock(ctx context.Context) (*types.Clock, error)

	// Order and position reads
	GetPositions(ctx context.Context) ([]types.Position, error)
	GetOrders(ctx context.Context, q OrdersQuery) ([]types.Order, error)
	GetOrder(ctx context.Context, orderID string) (*types.Order, error)

	// Order writes
	SubmitOrder(ctx context.Context, req OrderRequest) (*types.Order, error)
	SubmitBracket(ctx context.Context, req BracketRequest) (*types.BracketGroup, error)
	ReplaceOrder(ctx context.Context, orderID string, req ReplaceRequest) (*types.Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	CancelSymbolOrders(ctx context.Context, symbol string, preserveIDs []string) (int, error)
	ClosePosition(ctx context.Context, symbol string) (*types.Order, error)

	// Market data
	GetBars(ctx context.Context, symbol string, tf types.Timeframe, limit int) ([]types.Bar, error)
	GetLatestTrade(ctx context.Context, symbol string) (*types.Trade, error)
	GetLatestQuote(ctx context.Context, symbol string) (*types.Quote, error)
}

// OrdersQuery filters GetOrders. Zero value means all open orders.
type OrdersQuery struct {
	Status string // "open", "closed", "all"; default "open"
	Symbol string // optional symbol filter
	After  time.Time
	Limit  int
}

// OrderRequest describes a single order. Side is the POSITION side; the wire
// buy/sell direction is derived from Side and Role (exit legs trade opposite
// the position).
type OrderRequest struct {
	Symbol        string
	Side          types.Side
	Role          types.OrderRole
	Qty           int
	Type          types.OrderType
	LimitPrice    float64
	StopPrice     float64
	TimeInForce   string // "day" unless stated otherwise
	ExtendedHours bool
	ClientOrderID string // idempotency key; generated when empty
}

// BracketRequest describes an entry with attached stop and target legs,
// submitted atomically so the position is never unprotected.
type BracketRequest struct {
	Symbol        string
	Side          types.Side
	Qty           int
	LimitPrice    float64
	StopLoss      float64
	TakeProfit    float64
	ExtendedHours bool
	ClientOrderID string
}

// ReplaceRequest modifies price/qty on a working order in place.
type ReplaceRequest struct {
	Qty        int
	LimitPrice float64
	StopPrice  float64
}

// IdempotencyKey derives a deterministic client order ID from the trade
// decision. Two submissions of the same decision (same symbol, side, and
// decision timestamp) carry the same key, so a retry after an ambiguous
// network failure cannot double-fill.
func IdempotencyKey(symbol string, side types.Side, decidedAt time.Time) string {
	return fmt.Sprintf("dt-%s-%s-%d", symbol, side, decidedAt.UnixMilli())
}

// wireSide maps position side + order role to the broker's buy/sell field.
func wireSide(side types.Side, role types.OrderRole) string {
	exit := role == types.RoleTakeProfit || role == types.RoleStopLoss
	if (side == types.Long) != exit {
		return "buy"
	}
	return "sell"
}
