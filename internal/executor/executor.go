// Package executor turns approved intents into broker bracket orders and
// verifies fills.
//
// Fill verification is the correctness-critical part. An entry is considered
// FILLED when ANY of four signals holds: terminal filled status, filledQty
// covering the request, a positive filledAvgPrice, or a set filledAt
// timestamp. At fillTimeout the executor attempts cancellation; a broker
// rejection of the form "already filled" (the cancel race) is itself proof
// of a fill, and the price is recovered from a follow-up order read. The
// ultimate fallback is a position probe: if the broker shows a position in
// the symbol created after submission, the entry filled whatever the order
// endpoint claims.
//
// After a confirmed fill the stop and target are recomputed against the
// actual fill price, and the fill is validated for reward/risk and slippage;
// a fill that fails validation is closed immediately rather than held on
// hope.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"

	"daytrader/internal/broker"
	"daytrader/internal/config"
	"daytrader/pkg/types"
)

// ErrNotFilled is returned when the entry neither filled nor left a position
// behind within fillTimeout.
var ErrNotFilled = errors.New("entry not filled within timeout")

// ErrUnacceptableFill is returned when a confirmed fill fails reward/risk or
// slippage validation and the position was closed immediately.
var ErrUnacceptableFill = errors.New("fill failed validation, position closed")

// Broker is the gateway slice the executor needs.
type Broker interface {
	SubmitBracket(ctx context.Context, req broker.BracketRequest) (*types.BracketGroup, error)
	SubmitOrder(ctx context.Context, req broker.OrderRequest) (*types.Order, error)
	GetOrder(ctx context.Context, orderID string) (*types.Order, error)
	GetPositions(ctx context.Context) ([]types.Position, error)
	CancelOrder(ctx context.Context, orderID string) error
	CancelSymbolOrders(ctx context.Context, symbol string, preserveIDs []string) (int, error)
	ClosePosition(ctx context.Context, symbol string) (*types.Order, error)
}

// Result reports a confirmed entry.
type Result struct {
	Position types.Position
	Method   string // which detection signal confirmed the fill
}

// Detection method names, exported to metrics.
const (
	MethodStatus       = "status"
	MethodFilledQty    = "filled_qty"
	MethodAvgPrice     = "avg_price"
	MethodFilledAt     = "filled_at"
	MethodCancelRace   = "cancel_race"
	MethodPositionScan = "position_scan"
)

// Executor submits brackets and verifies their entry fills.
type Executor struct {
	broker Broker
	cfg    config.ExecutorConfig
	logger *slog.Logger
	now    func() time.Time
}

// New creates an executor.
func New(b Broker, cfg config.ExecutorConfig, logger *slog.Logger) *Executor {
	return &Executor{broker: b, cfg: cfg, logger: logger.With("component", "executor"), now: time.Now}
}

// Execute submits the intent as a bracket and blocks until the entry is
// confirmed filled, confirmed dead, or the fill timeout expires.
func (e *Executor) Execute(ctx context.Context, intent types.Intent) (*Result, error) {
	limitPrice := e.entryLimit(intent)
	submittedAt := e.now()

	group, err := e.submitEntry(ctx, intent, limitPrice, submittedAt)
	if err != nil {
		return nil, err
	}

	order, method, err := e.awaitFill(ctx, group.EntryID, intent, submittedAt)
	if err != nil {
		return nil, err
	}

	fill := order.FilledAvgPrice
	if fill <= 0 {
		// Confirmed filled but the broker hasn't surfaced the price yet;
		// the limit price is the worst admissible outcome.
		fill = limitPrice
	}

	pos, err := e.finalize(ctx, intent, *group, fill, limitPrice)
	if err != nil {
		return nil, err
	}

	e.logger.Info("entry confirmed",
		"symbol", intent.Symbol, "side", intent.Side, "qty", intent.Qty,
		"fill", fill, "method", method)
	return &Result{Position: pos, Method: method}, nil
}

// submitEntry places the entry. With brackets enabled the broker holds both
// exit legs from the start; otherwise a bare limit goes in and the legs are
// planted after the fill is confirmed.
func (e *Executor) submitEntry(ctx context.Context, intent types.Intent, limitPrice float64, submittedAt time.Time) (*types.BracketGroup, error) {
	key := broker.IdempotencyKey(intent.Symbol, intent.Side, submittedAt)

	if e.cfg.BracketOrdersEnabled {
		group, err := e.broker.SubmitBracket(ctx, broker.BracketRequest{
			Symbol:        intent.Symbol,
			Side:          intent.Side,
			Qty:           intent.Qty,
			LimitPrice:    limitPrice,
			StopLoss:      roundCents(intent.Stop),
			TakeProfit:    roundCents(intent.Target),
			ClientOrderID: key,
		})
		if err != nil {
			return nil, fmt.Errorf("submit bracket: %w", err)
		}
		return group, nil
	}

	order, err := e.broker.SubmitOrder(ctx, broker.OrderRequest{
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Role:          types.RoleEntry,
		Qty:           intent.Qty,
		Type:          types.OrderLimit,
		LimitPrice:    limitPrice,
		ClientOrderID: key,
	})
	if err != nil {
		return nil, fmt.Errorf("submit entry: %w", err)
	}
	return &types.BracketGroup{
		LinkID:      order.ID,
		EntryID:     order.ID,
		Symbol:      intent.Symbol,
		SubmittedAt: submittedAt,
	}, nil
}

// entryLimit prices the entry at realtime ± slippage buffer, rounded to
// cents. Longs pay up to the buffer, shorts give it away.
func (e *Executor) entryLimit(intent types.Intent) float64 {
	buffer := decimal.NewFromFloat(intent.Entry).Mul(decimal.NewFromFloat(e.cfg.SlippageBufferPct))
	price := decimal.NewFromFloat(intent.Entry)
	if intent.Side == types.Long {
		price = price.Add(buffer)
	} else {
		price = price.Sub(buffer)
	}
	return price.Round(2).InexactFloat64()
}

// awaitFill polls the entry order with adaptive intervals until one of the
// fill signals fires, the order dies, or fillTimeout forces the final
// verification path.
func (e *Executor) awaitFill(ctx context.Context, orderID string, intent types.Intent, submittedAt time.Time) (*types.Order, string, error) {
	deadline := submittedAt.Add(e.cfg.FillTimeout)
	interval := e.cfg.PollInitial

	for e.now().Before(deadline) {
		order, err := e.getOrderRetry(ctx, orderID)
		switch {
		case err == nil:
			if method, filled := fillSignal(order, intent.Qty); filled {
				return order, method, nil
			}
			if order.Status.Terminal() {
				return nil, "", fmt.Errorf("entry order %s terminal without fill: %s", orderID, order.Status)
			}
		case broker.IsPermanent(err):
			return nil, "", fmt.Errorf("entry order read: %w", err)
		default:
			// Transient after retries, or ambiguous: keep polling until the
			// deadline resolves it one way or the other.
			e.logger.Warn("order poll failed, continuing", "id", orderID, "error", err)
		}

		select {
		case <-ctx.Done():
			return nil, "", ctx.Err()
		case <-time.After(interval):
		}
		interval = interval * 3 / 2
		if interval > e.cfg.PollMax {
			interval = e.cfg.PollMax
		}
	}

	return e.finalVerification(ctx, orderID, intent, submittedAt)
}

// getOrderRetry reads the order, retrying transient failures with
// exponential backoff up to MaxRetries.
func (e *Executor) getOrderRetry(ctx context.Context, orderID string) (*types.Order, error) {
	var order *types.Order
	op := func() error {
		var err error
		order, err = e.broker.GetOrder(ctx, orderID)
		if err == nil {
			return nil
		}
		if broker.IsTransient(err) || broker.IsRateLimited(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(e.cfg.MaxRetries)), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return nil, err
	}
	return order, nil
}

// fillSignal applies the multi-method fill check.
func fillSignal(order *types.Order, requestedQty int) (string, bool) {
	switch strings.ToLower(string(order.Status)) {
	case "filled", "executed", "complete":
		return MethodStatus, true
	}
	if order.FilledQty >= requestedQty && requestedQty > 0 {
		return MethodFilledQty, true
	}
	if order.FilledAvgPrice > 0 {
		return MethodAvgPrice, true
	}
	if order.FilledAt != nil {
		return MethodFilledAt, true
	}
	return "", false
}

// finalVerification runs at fillTimeout: cancel the entry and interpret the
// outcome. A cancel rejected as "already filled" IS the fill confirmation.
func (e *Executor) finalVerification(ctx context.Context, orderID string, intent types.Intent, submittedAt time.Time) (*types.Order, string, error) {
	err := e.broker.CancelOrder(ctx, orderID)
	if err == nil {
		// Cancel accepted — but the fill may have landed between the last
		// poll and the cancel. The position probe is authoritative.
		if order, ok := e.positionProbe(ctx, intent, submittedAt); ok {
			return order, MethodPositionScan, nil
		}
		return nil, "", ErrNotFilled
	}

	if broker.IsAlreadyTerminal(err) {
		e.logger.Info("cancel raced a fill, adopting", "id", orderID, "symbol", intent.Symbol)
		if order, rerr := e.getOrderRetry(ctx, orderID); rerr == nil {
			return order, MethodCancelRace, nil
		}
		// Order read failed after a confirmed race; synthesize from intent,
		// price recovery falls to the limit price.
		return &types.Order{ID: orderID, Symbol: intent.Symbol, Status: types.StatusFilled}, MethodCancelRace, nil
	}

	if order, ok := e.positionProbe(ctx, intent, submittedAt); ok {
		return order, MethodPositionScan, nil
	}
	return nil, "", fmt.Errorf("final verification: %w", err)
}

// positionProbe checks whether the broker shows a position consistent with
// the intent having filled.
func (e *Executor) positionProbe(ctx context.Context, intent types.Intent, submittedAt time.Time) (*types.Order, bool) {
	positions, err := e.broker.GetPositions(ctx)
	if err != nil {
		return nil, false
	}
	for _, p := range positions {
		if p.Symbol == intent.Symbol && p.Side == intent.Side && p.Qty > 0 {
			return &types.Order{
				Symbol:         intent.Symbol,
				Side:           intent.Side,
				Qty:            p.Qty,
				Status:         types.StatusFilled,
				FilledQty:      p.Qty,
				FilledAvgPrice: p.AvgEntryPrice,
				SubmittedAt:    submittedAt,
			}, true
		}
	}
	return nil, false
}

// finalize re-anchors stop/target at the actual fill, validates the fill,
// and builds the Position. A fill violating slippage or reward/risk bounds
// is closed immediately.
func (e *Executor) finalize(ctx context.Context, intent types.Intent, group types.BracketGroup, fill, limitPrice float64) (types.Position, error) {
	stopDist := math.Abs(intent.Entry - intent.Stop)
	targetDist := math.Abs(intent.Target - intent.Entry)

	var stop, target float64
	if intent.Side == types.Long {
		stop, target = fill-stopDist, fill+targetDist
	} else {
		stop, target = fill+stopDist, fill-targetDist
	}

	slippage := math.Abs(fill-intent.Entry) / intent.Entry
	rr := targetDist / stopDist
	if slippage > e.cfg.MaxSlippagePct || rr < e.cfg.MinRewardRisk {
		e.logger.Warn("fill failed validation, closing",
			"symbol", intent.Symbol, "fill", fill, "slippage", slippage, "reward_risk", rr)
		if _, err := e.broker.CancelSymbolOrders(ctx, intent.Symbol, nil); err != nil {
			e.logger.Error("cancel before validation close failed", "symbol", intent.Symbol, "error", err)
		}
		if _, err := e.broker.ClosePosition(ctx, intent.Symbol); err != nil {
			return types.Position{}, fmt.Errorf("close after failed validation: %w", err)
		}
		return types.Position{}, ErrUnacceptableFill
	}

	// Nudge the legs onto the recomputed levels when the fill drifted a
	// cent or more off the intended entry. Legs the bracket didn't carry
	// (non-bracket mode) are planted fresh instead.
	if group.StopID != "" {
		e.adjustLeg(ctx, group.StopID, 0, roundCents(stop))
	} else {
		group.StopID = e.submitLeg(ctx, intent, types.RoleStopLoss, 0, roundCents(stop))
	}
	if group.TargetID != "" {
		e.adjustLeg(ctx, group.TargetID, roundCents(target), 0)
	} else {
		group.TargetID = e.submitLeg(ctx, intent, types.RoleTakeProfit, roundCents(target), 0)
	}

	return types.Position{
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Qty:           intent.Qty,
		AvgEntryPrice: fill,
		StopLoss:      roundCents(stop),
		TakeProfit:    roundCents(target),
		InitialRisk:   stopDist,
		EntryTime:     e.now(),
		HighWaterMark: fill,
		Bracket:       group,
	}, nil
}

// submitLeg places a fresh exit leg against the filled entry. Side is the
// position side; the wire layer flips exit roles to the closing direction.
// Failure is tolerated here because the protector's stuck-stop scan
// re-submits a missing stop on its next pass.
func (e *Executor) submitLeg(ctx context.Context, intent types.Intent, role types.OrderRole, limitPrice, stopPrice float64) string {
	typ := types.OrderLimit
	if role == types.RoleStopLoss {
		typ = types.OrderStop
	}
	order, err := e.broker.SubmitOrder(ctx, broker.OrderRequest{
		Symbol:     intent.Symbol,
		Side:       intent.Side,
		Role:       role,
		Qty:        intent.Qty,
		Type:       typ,
		LimitPrice: limitPrice,
		StopPrice:  stopPrice,
	})
	if err != nil {
		e.logger.Warn("exit leg submission failed", "symbol", intent.Symbol, "role", role, "error", err)
		return ""
	}
	return order.ID
}

// adjustLeg replaces a leg's price, tolerating failure — the original leg
// still protects the position.
func (e *Executor) adjustLeg(ctx context.Context, legID string, limitPrice, stopPrice float64) {
	if legID == "" {
		return
	}
	req := broker.ReplaceRequest{LimitPrice: limitPrice, StopPrice: stopPrice}
	if _, err := e.replaceOrder(ctx, legID, req); err != nil {
		e.logger.Warn("leg adjustment failed, keeping original", "leg", legID, "error", err)
	}
}

// replaceOrder is indirected so fakes without replace support can be used
// in tests of unrelated paths.
func (e *Executor) replaceOrder(ctx context.Context, orderID string, req broker.ReplaceRequest) (*types.Order, error) {
	type replacer interface {
		ReplaceOrder(ctx context.Context, orderID string, req broker.ReplaceRequest) (*types.Order, error)
	}
	if r, ok := e.broker.(replacer); ok {
		return r.ReplaceOrder(ctx, orderID, req)
	}
	return nil, nil
}

// Close exits a position through the non-bracket path. Emergencies cancel
// everything and market-close; every other reason submits a limit priced
// 0.1% through the realtime trade price and leaves the bracket legs to the
// broker's own OCO handling.
func (e *Executor) Close(ctx context.Context, pos types.Position, reason types.CloseReason, realtime float64) (*types.Order, error) {
	if reason == types.CloseEmergency {
		if _, err := e.broker.CancelSymbolOrders(ctx, pos.Symbol, nil); err != nil {
			e.logger.Error("emergency cancel failed", "symbol", pos.Symbol, "error", err)
		}
		return e.broker.ClosePosition(ctx, pos.Symbol)
	}

	if !reason.PreservesBrackets() {
		// Manual and risk-limit closes clear the legs before exiting.
		if _, err := e.broker.CancelSymbolOrders(ctx, pos.Symbol, nil); err != nil {
			return nil, fmt.Errorf("cancel legs for %s close: %w", reason, err)
		}
	}

	price := decimal.NewFromFloat(realtime)
	slip := price.Mul(decimal.NewFromFloat(0.001))
	if pos.Side == types.Long {
		price = price.Sub(slip) // sell a touch through the tape to fill fast
	} else {
		price = price.Add(slip)
	}

	return e.broker.SubmitOrder(ctx, broker.OrderRequest{
		Symbol:     pos.Symbol,
		Side:       pos.Side.Opposite(),
		Role:       types.RoleEntry,
		Qty:        pos.Qty,
		Type:       types.OrderLimit,
		LimitPrice: price.Round(2).InexactFloat64(),
	})
}

func roundCents(f float64) float64 {
	return decimal.NewFromFloat(f).Round(2).InexactFloat64()
}
