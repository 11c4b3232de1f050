// Package broker implements the equities broker REST and WebSocket clients.
//
// The REST client (Client) talks to two hosts: the trading API for account,
// order, and position management, and the data API for bars, quotes, and
// trades. Every request is rate-limited via per-category TokenBuckets,
// automatically retried on 5xx, and authenticated with API key headers.
//
// Order writes carry client-supplied idempotency keys and are deduplicated
// inside a short window, so a retry after an ambiguous network failure cannot
// double-submit. Failures come back classified (see errors.go); callers route
// on the class, most importantly AlreadyTerminal from a cancel that raced a
// fill.
package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"daytrader/internal/config"
	"daytrader/pkg/types"
)

// dedupWindow bounds how long a client order ID suppresses resubmission.
const dedupWindow = 10 * time.Second

// Client is the production broker gateway.
type Client struct {
	trading *resty.Client // trading host: orders, positions, account
	data    *resty.Client // data host: bars, quotes, trades
	rl      *RateLimiter
	dryRun  bool
	logger  *slog.Logger

	mu    sync.Mutex
	dedup map[string]dedupEntry // client_order_id → recent submission
}

type dedupEntry struct {
	order *types.Order
	group *types.BracketGroup
	at    time.Time
}

var _ Gateway = (*Client)(nil)

// NewClient creates a REST gateway with rate limiting and retry.
func NewClient(cfg config.BrokerConfig, dryRun bool, logger *slog.Logger) *Client {
	newHost := func(baseURL string) *resty.Client {
		return resty.New().
			SetBaseURL(baseURL).
			SetTimeout(10 * time.Second).
			SetRetryCount(3).
			SetRetryWaitTime(500 * time.Millisecond).
			SetRetryMaxWaitTime(5 * time.Second).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				if err != nil {
					return true
				}
				return r.StatusCode() >= 500
			}).
			SetHeader("Content-Type", "application/json").
			SetHeader("APCA-API-KEY-ID", cfg.APIKey).
			SetHeader("APCA-API-SECRET-KEY", cfg.APISecret)
	}

	return &Client{
		trading: newHost(cfg.BaseURL),
		data:    newHost(cfg.DataURL),
		rl:      NewRateLimiter(),
		dryRun:  dryRun,
		logger:  logger.With("component", "broker"),
		dedup:   make(map[string]dedupEntry),
	}
}

// classify converts a resty outcome into a typed APIError (nil on 2xx).
func classify(endpoint string, resp *resty.Response, err error) error {
	if err != nil {
		return Classify(endpoint, 0, 0, "", err)
	}
	if resp.IsSuccess() {
		return nil
	}
	var we wireError
	_ = json.Unmarshal(resp.Body(), &we)
	msg := we.Message
	if msg == "" {
		msg = resp.String()
	}
	return Classify(endpoint, resp.StatusCode(), we.Code, msg, nil)
}

// ————————————————————————————————————————————————————————————————————————
// Account / session
// ————————————————————————————————————————————————————————————————————————

func (c *Client) GetAccount(ctx context.Context) (*types.Account, error) {
	if err := c.rl.Account.Wait(ctx); err != nil {
		return nil, err
	}
	var w wireAccount
	resp, err := c.trading.R().SetContext(ctx).SetResult(&w).Get("/v2/account")
	if err := classify("get account", resp, err); err != nil {
		return nil, err
	}
	return w.toAccount(), nil
}

func (c *Client) GetClock(ctx context.Context) (*types.Clock, error) {
	if err := c.rl.Account.Wait(ctx); err != nil {
		return nil, err
	}
	var w wireClock
	resp, err := c.trading.R().SetContext(ctx).SetResult(&w).Get("/v2/clock")
	if err := classify("get clock", resp, err); err != nil {
		return nil, err
	}
	return &types.Clock{Timestamp: w.Timestamp, IsOpen: w.IsOpen, NextOpen: w.NextOpen, NextClose: w.NextClose}, nil
}

// ————————————————————————————————————————————————————————————————————————
// Reads
// ————————————————————————————————————————————————————————————————————————

func (c *Client) GetPositions(ctx context.Context) ([]types.Position, error) {
	if err := c.rl.Account.Wait(ctx); err != nil {
		return nil, err
	}
	var ws []wirePosition
	resp, err := c.trading.R().SetContext(ctx).SetResult(&ws).Get("/v2/positions")
	if err := classify("get positions", resp, err); err != nil {
		return nil, err
	}
	positions := make([]types.Position, len(ws))
	for i, w := range ws {
		positions[i] = w.toPosition()
	}
	return positions, nil
}

func (c *Client) GetOrders(ctx context.Context, q OrdersQuery) ([]types.Order, error) {
	if err := c.rl.Account.Wait(ctx); err != nil {
		return nil, err
	}
	req := c.trading.R().SetContext(ctx)
	status := q.Status
	if status == "" {
		status = "open"
	}
	req.SetQueryParam("status", status)
	req.SetQueryParam("nested", "false")
	if q.Symbol != "" {
		req.SetQueryParam("symbols", q.Symbol)
	}
	if !q.After.IsZero() {
		req.SetQueryParam("after", q.After.Format(time.RFC3339))
	}
	if q.Limit > 0 {
		req.SetQueryParam("limit", formatF(float64(q.Limit)))
	}

	var ws []wireOrder
	resp, err := req.SetResult(&ws).Get("/v2/orders")
	if err := classify("get orders", resp, err); err != nil {
		return nil, err
	}
	orders := make([]types.Order, len(ws))
	for i, w := range ws {
		orders[i] = w.toOrder()
	}
	return orders, nil
}

func (c *Client) GetOrder(ctx context.Context, orderID string) (*types.Order, error) {
	if err := c.rl.Account.Wait(ctx); err != nil {
		return nil, err
	}
	var w wireOrder
	resp, err := c.trading.R().SetContext(ctx).SetResult(&w).Get("/v2/orders/" + orderID)
	if err := classify("get order", resp, err); err != nil {
		return nil, err
	}
	order := w.toOrder()
	return &order, nil
}

// ————————————————————————————————————————————————————————————————————————
// Writes
// ————————————————————————————————————————————————————————————————————————

type orderPayload struct {
	Symbol        string        `json:"symbol"`
	Side          string        `json:"side"`
	Qty           string        `json:"qty"`
	Type          string        `json:"type"`
	TimeInForce   string        `json:"time_in_force"`
	LimitPrice    string        `json:"limit_price,omitempty"`
	StopPrice     string        `json:"stop_price,omitempty"`
	ExtendedHours bool          `json:"extended_hours,omitempty"`
	ClientOrderID string        `json:"client_order_id,omitempty"`
	OrderClass    string        `json:"order_class,omitempty"`
	TakeProfit    *legPayload   `json:"take_profit,omitempty"`
	StopLoss      *stopPayload  `json:"stop_loss,omitempty"`
}

type legPayload struct {
	LimitPrice string `json:"limit_price"`
}

type stopPayload struct {
	StopPrice string `json:"stop_price"`
}

// cachedSubmission returns a prior submission with the same client order ID
// inside the dedup window, or nil.
func (c *Client) cachedSubmission(clientOrderID string) *types.Order {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.dedup[clientOrderID]
	if ok && time.Since(entry.at) < dedupWindow {
		return entry.order
	}
	// Expired entries are purged lazily on lookup.
	for k, e := range c.dedup {
		if time.Since(e.at) >= dedupWindow {
			delete(c.dedup, k)
		}
	}
	return nil
}

func (c *Client) rememberSubmission(clientOrderID string, order *types.Order) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dedup[clientOrderID] = dedupEntry{order: order, at: time.Now()}
}

// cachedBracket is the bracket-shaped twin of cachedSubmission.
func (c *Client) cachedBracket(clientOrderID string) *types.BracketGroup {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.dedup[clientOrderID]
	if ok && entry.group != nil && time.Since(entry.at) < dedupWindow {
		return entry.group
	}
	return nil
}

func (c *Client) rememberBracket(clientOrderID string, group *types.BracketGroup) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dedup[clientOrderID] = dedupEntry{group: group, at: time.Now()}
}

func (c *Client) SubmitOrder(ctx context.Context, req OrderRequest) (*types.Order, error) {
	if req.ClientOrderID == "" {
		req.ClientOrderID = "dt-" + uuid.NewString()
	}
	if cached := c.cachedSubmission(req.ClientOrderID); cached != nil {
		c.logger.Warn("duplicate submission suppressed", "symbol", req.Symbol, "client_order_id", req.ClientOrderID)
		return cached, nil
	}
	if c.dryRun {
		c.logger.Info("DRY-RUN: would submit order",
			"symbol", req.Symbol, "side", req.Side, "role", req.Role, "qty", req.Qty, "type", req.Type)
		order := dryRunOrder(req)
		c.rememberSubmission(req.ClientOrderID, order)
		return order, nil
	}
	if err := c.rl.Trading.Wait(ctx); err != nil {
		return nil, err
	}

	tif := req.TimeInForce
	if tif == "" {
		tif = "day"
	}
	payload := orderPayload{
		Symbol:        req.Symbol,
		Side:          wireSide(req.Side, req.Role),
		Qty:           formatF(float64(req.Qty)),
		Type:          string(req.Type),
		TimeInForce:   tif,
		ExtendedHours: req.ExtendedHours,
		ClientOrderID: req.ClientOrderID,
	}
	if req.LimitPrice > 0 {
		payload.LimitPrice = formatF(req.LimitPrice)
	}
	if req.StopPrice > 0 {
		payload.StopPrice = formatF(req.StopPrice)
	}

	var w wireOrder
	resp, err := c.trading.R().SetContext(ctx).SetBody(payload).SetResult(&w).Post("/v2/orders")
	if err := classify("submit order", resp, err); err != nil {
		return nil, err
	}
	order := w.toOrder()
	order.Role = req.Role
	c.rememberSubmission(req.ClientOrderID, &order)
	c.logger.Info("order submitted",
		"symbol", order.Symbol, "side", req.Side, "qty", order.Qty, "type", order.Type, "id", order.ID)
	return &order, nil
}

// SubmitBracket places the entry with both exit legs in a single atomic call.
// The broker holds the legs until the entry fills, so the position is never
// live without a working stop.
func (c *Client) SubmitBracket(ctx context.Context, req BracketRequest) (*types.BracketGroup, error) {
	if req.ClientOrderID == "" {
		req.ClientOrderID = "dt-" + uuid.NewString()
	}
	if cached := c.cachedBracket(req.ClientOrderID); cached != nil {
		c.logger.Warn("duplicate bracket submission suppressed", "symbol", req.Symbol, "client_order_id", req.ClientOrderID)
		return cached, nil
	}
	if c.dryRun {
		c.logger.Info("DRY-RUN: would submit bracket",
			"symbol", req.Symbol, "side", req.Side, "qty", req.Qty,
			"limit", req.LimitPrice, "stop", req.StopLoss, "target", req.TakeProfit)
		group := dryRunBracket(req)
		c.rememberBracket(req.ClientOrderID, group)
		return group, nil
	}
	if err := c.rl.Trading.Wait(ctx); err != nil {
		return nil, err
	}

	payload := orderPayload{
		Symbol:        req.Symbol,
		Side:          wireSide(req.Side, types.RoleEntry),
		Qty:           formatF(float64(req.Qty)),
		Type:          string(types.OrderLimit),
		TimeInForce:   "day",
		LimitPrice:    formatF(req.LimitPrice),
		ExtendedHours: req.ExtendedHours,
		ClientOrderID: req.ClientOrderID,
		OrderClass:    "bracket",
		TakeProfit:    &legPayload{LimitPrice: formatF(req.TakeProfit)},
		StopLoss:      &stopPayload{StopPrice: formatF(req.StopLoss)},
	}

	var w wireOrder
	resp, err := c.trading.R().SetContext(ctx).SetBody(payload).SetResult(&w).Post("/v2/orders")
	if err := classify("submit bracket", resp, err); err != nil {
		return nil, err
	}

	group := &types.BracketGroup{
		LinkID:      w.ID,
		EntryID:     w.ID,
		Symbol:      req.Symbol,
		SubmittedAt: w.SubmittedAt,
	}
	for _, leg := range w.Legs {
		switch types.OrderType(leg.Type) {
		case types.OrderStop, types.OrderStopLimit, types.OrderTrailingStop:
			group.StopID = leg.ID
		case types.OrderLimit:
			group.TargetID = leg.ID
		}
	}
	c.rememberBracket(req.ClientOrderID, group)
	c.logger.Info("bracket submitted",
		"symbol", req.Symbol, "side", req.Side, "qty", req.Qty,
		"entry_id", group.EntryID, "stop_id", group.StopID, "target_id", group.TargetID)
	return group, nil
}

func (c *Client) ReplaceOrder(ctx context.Context, orderID string, req ReplaceRequest) (*types.Order, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would replace order", "id", orderID, "stop", req.StopPrice, "limit", req.LimitPrice)
		return &types.Order{ID: orderID, Status: types.StatusAccepted, StopPrice: req.StopPrice, LimitPrice: req.LimitPrice, Qty: req.Qty}, nil
	}
	if err := c.rl.Trading.Wait(ctx); err != nil {
		return nil, err
	}

	payload := map[string]string{}
	if req.Qty > 0 {
		payload["qty"] = formatF(float64(req.Qty))
	}
	if req.LimitPrice > 0 {
		payload["limit_price"] = formatF(req.LimitPrice)
	}
	if req.StopPrice > 0 {
		payload["stop_price"] = formatF(req.StopPrice)
	}

	var w wireOrder
	resp, err := c.trading.R().SetContext(ctx).SetBody(payload).SetResult(&w).Patch("/v2/orders/" + orderID)
	if err := classify("replace order", resp, err); err != nil {
		return nil, err
	}
	order := w.toOrder()
	return &order, nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "id", orderID)
		return nil
	}
	if err := c.rl.Trading.Wait(ctx); err != nil {
		return err
	}
	resp, err := c.trading.R().SetContext(ctx).Delete("/v2/orders/" + orderID)
	return classify("cancel order", resp, err)
}

// CancelSymbolOrders cancels every open order on a symbol except the IDs in
// preserveIDs (the bracket legs a close must leave standing). A cancel that
// loses the race to a fill is not counted but does not fail the sweep.
func (c *Client) CancelSymbolOrders(ctx context.Context, symbol string, preserveIDs []string) (int, error) {
	open, err := c.GetOrders(ctx, OrdersQuery{Status: "open", Symbol: symbol})
	if err != nil {
		return 0, err
	}
	preserve := make(map[string]bool, len(preserveIDs))
	for _, id := range preserveIDs {
		preserve[id] = true
	}

	canceled := 0
	for _, o := range open {
		if preserve[o.ID] {
			continue
		}
		if err := c.CancelOrder(ctx, o.ID); err != nil {
			if IsAlreadyTerminal(err) {
				c.logger.Warn("cancel raced a fill", "symbol", symbol, "id", o.ID)
				continue
			}
			return canceled, err
		}
		canceled++
	}
	return canceled, nil
}

// ClosePosition liquidates the full position and returns the closing order.
func (c *Client) ClosePosition(ctx context.Context, symbol string) (*types.Order, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would close position", "symbol", symbol)
		return &types.Order{ID: "dry-run-close", Symbol: symbol, Status: types.StatusFilled}, nil
	}
	if err := c.rl.Trading.Wait(ctx); err != nil {
		return nil, err
	}
	var w wireOrder
	resp, err := c.trading.R().SetContext(ctx).SetResult(&w).Delete("/v2/positions/" + symbol)
	if err := classify("close position", resp, err); err != nil {
		return nil, err
	}
	order := w.toOrder()
	c.logger.Warn("position closed at broker", "symbol", symbol, "order_id", order.ID)
	return &order, nil
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

func (c *Client) GetBars(ctx context.Context, symbol string, tf types.Timeframe, limit int) ([]types.Bar, error) {
	if err := c.rl.Data.Wait(ctx); err != nil {
		return nil, err
	}
	var w wireBars
	resp, err := c.data.R().
		SetContext(ctx).
		SetQueryParam("timeframe", wireTimeframe(tf)).
		SetQueryParam("limit", formatF(float64(limit))).
		SetResult(&w).
		Get("/v2/stocks/" + symbol + "/bars")
	if err := classify("get bars", resp, err); err != nil {
		return nil, err
	}
	return toBars(symbol, tf, w.Bars), nil
}

func (c *Client) GetLatestTrade(ctx context.Context, symbol string) (*types.Trade, error) {
	if err := c.rl.Data.Wait(ctx); err != nil {
		return nil, err
	}
	var w wireLatestTrade
	resp, err := c.data.R().SetContext(ctx).SetResult(&w).Get("/v2/stocks/" + symbol + "/trades/latest")
	if err := classify("get latest trade", resp, err); err != nil {
		return nil, err
	}
	return &types.Trade{Symbol: symbol, Price: w.Trade.P, Size: w.Trade.S, AsOf: w.Trade.T}, nil
}

func (c *Client) GetLatestQuote(ctx context.Context, symbol string) (*types.Quote, error) {
	if err := c.rl.Data.Wait(ctx); err != nil {
		return nil, err
	}
	var w wireLatestQuote
	resp, err := c.data.R().SetContext(ctx).SetResult(&w).Get("/v2/stocks/" + symbol + "/quotes/latest")
	if err := classify("get latest quote", resp, err); err != nil {
		return nil, err
	}
	return &types.Quote{
		Symbol: symbol,
		BidPrice: w.Quote.BP, BidSize: w.Quote.BS,
		AskPrice: w.Quote.AP, AskSize: w.Quote.AS,
		AsOf: w.Quote.T,
	}, nil
}

// ————————————————————————————————————————————————————————————————————————
// Dry-run fabrication
// ————————————————————————————————————————————————————————————————————————

func dryRunOrder(req OrderRequest) *types.Order {
	now := time.Now()
	return &types.Order{
		ID:             "dry-run-" + uuid.NewString()[:8],
		ClientOrderID:  req.ClientOrderID,
		Symbol:         req.Symbol,
		Side:           req.Side,
		Qty:            req.Qty,
		Type:           req.Type,
		Role:           req.Role,
		Status:         types.StatusAccepted,
		LimitPrice:     req.LimitPrice,
		StopPrice:      req.StopPrice,
		SubmittedAt:    now,
	}
}

func dryRunBracket(req BracketRequest) *types.BracketGroup {
	id := "dry-run-" + uuid.NewString()[:8]
	return &types.BracketGroup{
		LinkID:      id,
		EntryID:     id,
		StopID:      id + "-sl",
		TargetID:    id + "-tp",
		Symbol:      req.Symbol,
		SubmittedAt: time.Now(),
	}
}
