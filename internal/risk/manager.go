// Package risk is the final gate between a signal and the order executor.
//
// The manager runs an ordered short-circuit checklist — regime gate, circuit
// breaker, market hours, position count, frequency caps, cooldown — then
// sizes the trade and applies the notional and buying-power caps. Signals
// classified high-risk can additionally be sent to the AI validator for a
// deadline-bound yes/no.
//
// Every rejection carries an enumerated reason so the journal and the
// operator API can report exactly which gate fired.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"daytrader/internal/config"
	"daytrader/pkg/types"
)

// RejectReason enumerates the gates that can refuse a signal.
type RejectReason string

const (
	RejectRegime         RejectReason = "regime"
	RejectCircuitBreaker RejectReason = "circuitBreaker"
	RejectMarketClosed   RejectReason = "marketClosed"
	RejectMaxPositions   RejectReason = "maxPositions"
	RejectFrequency      RejectReason = "frequency"
	RejectCooldown       RejectReason = "cooldown"
	RejectSizing         RejectReason = "sizing"
	RejectAIVeto         RejectReason = "aiVeto"
	RejectAccountBlocked RejectReason = "accountBlocked"
)

// Decision is the manager's verdict on one signal.
type Decision struct {
	Approved bool
	Reason   RejectReason
	Detail   string
	Intent   types.Intent
}

func rejected(reason RejectReason, detail string) Decision {
	return Decision{Reason: reason, Detail: detail}
}

// Env is the point-in-time context a decision is made against.
type Env struct {
	Account       types.Account
	Clock         types.Clock
	Regime        types.Regime
	Counters      types.DailyCounters
	OpenPositions int
	Realtime      float64 // latest trade price; sizing never uses bar closes
	Now           time.Time
}

// Manager applies the pre-trade checklist and sizes approved trades.
type Manager struct {
	cfg       config.RiskConfig
	cooldowns *CooldownTracker
	validator *Validator // nil when AI validation is disabled
	logger    *slog.Logger
}

// NewManager creates a risk manager. validator may be nil.
func NewManager(cfg config.RiskConfig, cooldowns *CooldownTracker, validator *Validator, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		cooldowns: cooldowns,
		validator: validator,
		logger:    logger.With("component", "risk"),
	}
}

// Cooldowns exposes the tracker for the engine's close-path accounting.
func (m *Manager) Cooldowns() *CooldownTracker { return m.cooldowns }

// Evaluate runs the gate chain. Gates are ordered cheapest-first and
// short-circuit on the first failure.
func (m *Manager) Evaluate(ctx context.Context, sig types.Signal, env Env) Decision {
	if !env.Regime.TradingAllowed {
		return rejected(RejectRegime, string(env.Regime.Label))
	}
	if env.Counters.DrawdownPct() >= m.cfg.CircuitBreakerPct {
		return rejected(RejectCircuitBreaker,
			fmt.Sprintf("drawdown %.2f%% >= %.2f%%", env.Counters.DrawdownPct()*100, m.cfg.CircuitBreakerPct*100))
	}
	if env.Account.TradingBlocked || env.Account.AccountBlocked {
		return rejected(RejectAccountBlocked, "broker flags account blocked")
	}
	if !env.Clock.IsOpen && !m.cfg.AllowExtendedHours {
		return rejected(RejectMarketClosed, "")
	}
	if env.OpenPositions >= m.cfg.MaxPositions {
		return rejected(RejectMaxPositions, fmt.Sprintf("%d open", env.OpenPositions))
	}
	if env.Counters.TradesToday >= m.cfg.MaxTradesPerDay {
		return rejected(RejectFrequency, "daily cap")
	}
	if env.Counters.PerSymbolToday[sig.Symbol] >= m.cfg.MaxTradesPerSymbol {
		return rejected(RejectFrequency, "per-symbol cap")
	}
	if m.cooldowns.Frozen(sig.Symbol, env.Now) {
		return rejected(RejectCooldown, sig.Symbol)
	}

	intent, err := m.size(sig, env)
	if err != nil {
		return rejected(RejectSizing, err.Error())
	}

	if flags := m.riskFlags(sig, env, intent); len(flags) > 0 && m.validator != nil {
		if !m.validator.Validate(ctx, intent, sig, flags) {
			return rejected(RejectAIVeto, fmt.Sprintf("flags: %v", flags))
		}
	}

	m.logger.Info("trade approved",
		"symbol", intent.Symbol, "side", intent.Side, "qty", intent.Qty,
		"entry", intent.Entry, "stop", intent.Stop, "target", intent.Target)
	return Decision{Approved: true, Intent: intent}
}

// size computes the share quantity from risk dollars and the stop distance,
// then clamps to the notional and buying-power caps.
//
// The signal's stop/target were anchored at the feature price; they are
// re-anchored here at the realtime trade price so the stop distance survives
// any drift between the last bar close and now.
func (m *Manager) size(sig types.Signal, env Env) (types.Intent, error) {
	entry := env.Realtime
	if entry <= 0 {
		return types.Intent{}, fmt.Errorf("no realtime price")
	}
	stopDistance := math.Abs(sig.Entry - sig.Stop)
	if stopDistance <= 0 {
		return types.Intent{}, fmt.Errorf("zero stop distance")
	}

	equity := env.Account.Equity
	riskDollars := equity * m.cfg.RiskPerTradePct *
		env.Regime.Multiplier * timeOfDayMultiplier(env.Now) * confidenceMultiplier(sig.Confidence)

	qty := int(math.Floor(riskDollars / stopDistance))
	if qty <= 0 {
		return types.Intent{}, fmt.Errorf("risk budget %.2f too small for stop distance %.2f", riskDollars, stopDistance)
	}

	// Clamp to caps instead of rejecting outright; a capped position still
	// respects the per-trade risk ceiling.
	if maxNotional := equity * m.cfg.MaxPositionPct; float64(qty)*entry > maxNotional {
		qty = int(math.Floor(maxNotional / entry))
	}
	if bp := env.Account.EffectiveBuyingPower(); float64(qty)*entry > bp {
		qty = int(math.Floor(bp / entry))
	}
	if qty <= 0 {
		return types.Intent{}, fmt.Errorf("caps reduce qty to zero")
	}

	stop, target := reanchor(sig, entry)
	return types.Intent{
		Symbol: sig.Symbol,
		Side:   sig.Side,
		Qty:    qty,
		Entry:  entry,
		Stop:   stop,
		Target: target,
	}, nil
}

// reanchor shifts the signal's stop/target to the realtime entry price,
// preserving their distances.
func reanchor(sig types.Signal, entry float64) (stop, target float64) {
	stopDist := math.Abs(sig.Entry - sig.Stop)
	targetDist := math.Abs(sig.Target - sig.Entry)
	if sig.Side == types.Long {
		return entry - stopDist, entry + targetDist
	}
	return entry + stopDist, entry - targetDist
}

// riskFlags classifies a trade as high-risk. Any flag routes the trade to
// the AI validator when one is configured.
func (m *Manager) riskFlags(sig types.Signal, env Env, intent types.Intent) []string {
	var flags []string

	if streak := m.cooldowns.ConsecutiveLosses(sig.Symbol); streak >= 2 {
		flags = append(flags, fmt.Sprintf("loss_streak_%d", streak))
	}
	if rate, samples := m.cooldowns.WinRate(sig.Symbol); samples >= 3 && rate < 0.4 {
		flags = append(flags, fmt.Sprintf("win_rate_%.0f%%", rate*100))
	}
	if notional := float64(intent.Qty) * intent.Entry; env.Account.Equity > 0 && notional > 0.08*env.Account.Equity {
		flags = append(flags, "oversize_position")
	}
	if counterTrend(sig.Side, env.Regime.Label) {
		flags = append(flags, "counter_trend")
	}
	if sig.Confidence < 75 {
		flags = append(flags, "low_confidence")
	}
	return flags
}

func counterTrend(side types.Side, label types.RegimeLabel) bool {
	switch label {
	case types.RegimeBroadBullish, types.RegimeNarrowBullish:
		return side == types.Short
	case types.RegimeBroadBearish, types.RegimeNarrowBearish:
		return side == types.Long
	}
	return false
}

// timeOfDayMultiplier scales risk toward the open and away from midday.
func timeOfDayMultiplier(now time.Time) float64 {
	mins := now.Hour()*60 + now.Minute()
	switch {
	case mins >= 9*60+30 && mins < 10*60+30:
		return 1.2
	case mins >= 11*60+30 && mins < 13*60+30:
		return 0.8
	default:
		return 1.0
	}
}

// confidenceMultiplier scales risk with signal quality.
func confidenceMultiplier(confidence float64) float64 {
	switch {
	case confidence >= 90:
		return 1.2
	case confidence >= 75:
		return 1.0
	default:
		return 0.8
	}
}
