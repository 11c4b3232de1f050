// Package protector runs the R-multiple ladder on open positions.
//
// The ladder, measured in units of initial risk (R = |entry − stop| at
// entry):
//
//   - +1R: stop moves to breakeven plus a small buffer
//   - +2R: first partial profit is taken
//   - +3R: second partial
//   - from +2R: the stop trails the high-water mark
//
// The one hard invariant is stop monotonicity: the stop only ever tightens.
// No rung, trail computation, or re-anchor may move it away from price.
//
// A separate stuck-stop scan guards against the failure mode where a stop
// leg silently died at the broker (cancelled by a sweep, parked in held,
// expired, rejected on replace) and the position is running naked.
package protector

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/shopspring/decimal"

	"daytrader/internal/broker"
	"daytrader/internal/config"
	"daytrader/pkg/types"
)

// Broker is the gateway slice the protector needs.
type Broker interface {
	GetOrder(ctx context.Context, orderID string) (*types.Order, error)
	SubmitOrder(ctx context.Context, req broker.OrderRequest) (*types.Order, error)
	ReplaceOrder(ctx context.Context, orderID string, req broker.ReplaceRequest) (*types.Order, error)
}

// Protector tightens stops and takes partials as positions work.
type Protector struct {
	broker Broker
	cfg    config.ProtectorConfig
	logger *slog.Logger
}

// New creates a protector.
func New(b Broker, cfg config.ProtectorConfig, logger *slog.Logger) *Protector {
	return &Protector{broker: b, cfg: cfg, logger: logger.With("component", "protector")}
}

// Manage advances the ladder for one position given the latest trade price
// and the symbol's current ATR. The position is mutated in place; broker
// failures leave it unchanged for the next tick to retry.
func (p *Protector) Manage(ctx context.Context, pos *types.Position, price, atr float64) error {
	if pos.Qty <= 0 {
		return nil
	}

	if pos.Side == types.Long {
		pos.HighWaterMark = math.Max(pos.HighWaterMark, price)
	} else if pos.HighWaterMark == 0 || price < pos.HighWaterMark {
		pos.HighWaterMark = price
	}

	r := pos.RMultiple(price)

	if p.cfg.PartialProfitsEnabled {
		if pos.PartialsTaken == 0 && r >= p.cfg.FirstPartialR {
			if err := p.takePartial(ctx, pos, price); err != nil {
				return fmt.Errorf("first partial: %w", err)
			}
		}
		if pos.PartialsTaken == 1 && r >= p.cfg.SecondPartialR {
			if err := p.takePartial(ctx, pos, price); err != nil {
				return fmt.Errorf("second partial: %w", err)
			}
		}
	}

	if r >= p.cfg.BreakevenR && !pos.Breakeven() {
		target := pos.AvgEntryPrice + p.cfg.BreakevenBuffer
		if pos.Side == types.Short {
			target = pos.AvgEntryPrice - p.cfg.BreakevenBuffer
		}
		if err := p.moveStop(ctx, pos, target, "breakeven"); err != nil {
			return err
		}
	}

	if p.cfg.TrailingStopsEnabled && r >= p.cfg.TrailActivateR {
		pos.TrailingActive = true
	}
	if pos.TrailingActive {
		trail := math.Max(0.5*pos.InitialRisk, p.cfg.TrailATRMult*atr)
		candidate := pos.HighWaterMark - trail
		if pos.Side == types.Short {
			candidate = pos.HighWaterMark + trail
		}
		if err := p.moveStop(ctx, pos, candidate, "trailing"); err != nil {
			return err
		}
	}
	return nil
}

// moveStop replaces the stop leg if and only if the candidate tightens it.
func (p *Protector) moveStop(ctx context.Context, pos *types.Position, candidate float64, rung string) error {
	candidate = roundCents(candidate)
	improves := candidate > pos.StopLoss
	if pos.Side == types.Short {
		improves = candidate < pos.StopLoss
	}
	if !improves {
		return nil
	}

	if pos.Bracket.StopID != "" {
		if _, err := p.broker.ReplaceOrder(ctx, pos.Bracket.StopID, broker.ReplaceRequest{StopPrice: candidate}); err != nil {
			return fmt.Errorf("replace stop %s: %w", pos.Bracket.StopID, err)
		}
	}
	p.logger.Info("stop tightened",
		"symbol", pos.Symbol, "rung", rung, "from", pos.StopLoss, "to", candidate)
	pos.StopLoss = candidate
	return nil
}

// takePartial sells a slice of the position with a marketable limit. The
// bracket legs are shrunk to the remaining quantity FIRST so the partial
// cannot be rejected for shares the legs still hold.
func (p *Protector) takePartial(ctx context.Context, pos *types.Position, price float64) error {
	sellQty := int(math.Floor(float64(pos.Qty) * p.cfg.PartialPct))
	if sellQty < 1 {
		sellQty = 1
	}
	remaining := pos.Qty - sellQty
	if remaining < 1 {
		// Too small to slice; let the ladder's stop work instead.
		pos.PartialsTaken++
		return nil
	}

	for _, legID := range []string{pos.Bracket.StopID, pos.Bracket.TargetID} {
		if legID == "" {
			continue
		}
		if _, err := p.broker.ReplaceOrder(ctx, legID, broker.ReplaceRequest{Qty: remaining}); err != nil {
			return fmt.Errorf("shrink leg %s: %w", legID, err)
		}
	}

	limit := marketableLimit(pos.Side, price)
	if _, err := p.broker.SubmitOrder(ctx, broker.OrderRequest{
		Symbol:     pos.Symbol,
		Side:       pos.Side.Opposite(),
		Role:       types.RoleEntry,
		Qty:        sellQty,
		Type:       types.OrderLimit,
		LimitPrice: limit,
	}); err != nil {
		return fmt.Errorf("partial exit: %w", err)
	}

	pos.Qty = remaining
	pos.PartialsTaken++
	p.logger.Info("partial profit taken",
		"symbol", pos.Symbol, "qty", sellQty, "remaining", remaining,
		"rung", pos.PartialsTaken, "limit", limit)
	return nil
}

// EnsureStop verifies the stop leg is still working at the broker. A missing,
// held, or dead stop is re-submitted at the tracked level — unless price has
// already moved through it, in which case the caller must close the position
// instead of planting a stop behind the market.
func (p *Protector) EnsureStop(ctx context.Context, pos *types.Position, price float64) (breached bool, err error) {
	if pos.Qty <= 0 {
		return false, nil
	}

	if pos.Bracket.StopID != "" {
		order, gerr := p.broker.GetOrder(ctx, pos.Bracket.StopID)
		switch {
		case gerr != nil && !broker.IsPermanent(gerr):
			// Can't tell; don't double-submit on a flaky read.
			return false, gerr
		case gerr == nil && order.Status == types.StatusFilled:
			// The stop did its job; reconciliation handles the close.
			return false, nil
		case gerr == nil && order.Status != types.StatusHeld && !order.Status.Terminal():
			return false, nil
		}
	}

	if stopBreached(pos.Side, pos.StopLoss, price) {
		p.logger.Warn("stop missing with price through the level",
			"symbol", pos.Symbol, "stop", pos.StopLoss, "price", price)
		return true, nil
	}

	order, serr := p.broker.SubmitOrder(ctx, broker.OrderRequest{
		Symbol:    pos.Symbol,
		Side:      pos.Side,
		Role:      types.RoleStopLoss,
		Qty:       pos.Qty,
		Type:      types.OrderStop,
		StopPrice: pos.StopLoss,
	})
	if serr != nil {
		return false, fmt.Errorf("resubmit stop: %w", serr)
	}
	p.logger.Warn("stop leg was dead, resubmitted",
		"symbol", pos.Symbol, "old", pos.Bracket.StopID, "new", order.ID, "stop", pos.StopLoss)
	pos.Bracket.StopID = order.ID
	return false, nil
}

func stopBreached(side types.Side, stop, price float64) bool {
	if side == types.Long {
		return price <= stop
	}
	return price >= stop
}

// marketableLimit prices an exit 0.1% through the current trade so it fills
// like a market order with a bounded worst case.
func marketableLimit(side types.Side, price float64) float64 {
	d := decimal.NewFromFloat(price)
	slip := d.Mul(decimal.NewFromFloat(0.001))
	if side == types.Long {
		d = d.Sub(slip)
	} else {
		d = d.Add(slip)
	}
	return d.Round(2).InexactFloat64()
}

func roundCents(f float64) float64 {
	return decimal.NewFromFloat(f).Round(2).InexactFloat64()
}
