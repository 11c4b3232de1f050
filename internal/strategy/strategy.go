// Package strategy turns indicator snapshots into directional signals.
//
// Evaluate is a pure function: it reads features, daily trend, regime, and
// sentiment, and either emits a Signal or nothing. It never touches the
// broker and never sizes a trade — the risk manager owns both.
//
// The filter chain is ordered cheap-first:
//
//  1. Position / cooldown skip (free).
//  2. Time-of-day window (free).
//  3. EMA crossover on the primary timeframe (the actual trigger).
//  4. Daily-trend filters (fail open when the daily cache is degraded).
//  5. Confirmations: RSI band, MACD alignment, VWAP side, volume surge.
//  6. Confidence vs the adaptive threshold.
package strategy

import (
	"fmt"
	"log/slog"
	"time"

	"daytrader/internal/config"
	"daytrader/pkg/types"
)

// Inputs is everything Evaluate reads. DailyTrend nil means the daily cache
// has nothing for this symbol — trend filters then fail open.
type Inputs struct {
	Features    types.Features
	DailyTrend  *types.DailyTrend
	Regime      types.Regime
	Sentiment   types.Sentiment
	HasPosition bool
	Frozen      bool
	Now         time.Time // exchange-local
}

// Strategy evaluates symbols against the crossover system.
type Strategy struct {
	cfg    config.StrategyConfig
	logger *slog.Logger
}

// New creates a strategy from config.
func New(cfg config.StrategyConfig, logger *slog.Logger) *Strategy {
	return &Strategy{cfg: cfg, logger: logger.With("component", "strategy")}
}

// Evaluate returns a signal for the symbol, or nil.
func (s *Strategy) Evaluate(in Inputs) *types.Signal {
	f := in.Features

	if in.HasPosition || in.Frozen {
		return nil
	}
	if s.cfg.EnableTimeOfDayFilter && inWindow(in.Now, s.cfg.LunchStart, s.cfg.LunchEnd) {
		return nil
	}

	side, ok := crossover(f)
	if !ok {
		return nil
	}
	if s.cfg.LongOnlyMode && side == types.Short {
		return nil
	}
	if !s.dailyTrendAllows(side, in.DailyTrend) {
		return nil
	}

	confirmations, rationale := s.confirm(side, f)
	if confirmations < s.cfg.MinConfirmations {
		return nil
	}

	confidence := s.confidence(side, f, in, confirmations)
	threshold := s.threshold(side, in)

	// Shorting into panic gets squeezed, not rewarded.
	if side == types.Short {
		switch in.Sentiment.Label {
		case types.SentimentExtremeFear:
			return nil
		case types.SentimentFear:
			if confirmations < 3 || confidence < 75 {
				return nil
			}
		}
	}

	if confidence < threshold {
		s.logger.Debug("signal below threshold",
			"symbol", f.Symbol, "side", side, "confidence", confidence, "threshold", threshold)
		return nil
	}

	stop, target := s.exitLevels(side, f)
	return &types.Signal{
		Symbol:        f.Symbol,
		Side:          side,
		Confidence:    confidence,
		Confirmations: confirmations,
		Rationale:     rationale,
		Entry:         f.Price,
		Stop:          stop,
		Target:        target,
		Features:      f,
		GeneratedAt:   in.Now,
	}
}

// crossover detects the short/long EMA cross on the latest completed bar. Both prev
// values must be present; a window too short to have them yields no signal.
func crossover(f types.Features) (types.Side, bool) {
	if f.PrevEMAShort <= 0 || f.PrevEMALong <= 0 {
		return "", false
	}
	if f.PrevEMAShort <= f.PrevEMALong && f.EMAShort > f.EMALong {
		return types.Long, true
	}
	if f.PrevEMAShort >= f.PrevEMALong && f.EMAShort < f.EMALong {
		return types.Short, true
	}
	return "", false
}

// dailyTrendAllows applies the 200-EMA and multi-timeframe filters. A nil
// trend (degraded cache, thin symbol) allows the trade.
func (s *Strategy) dailyTrendAllows(side types.Side, trend *types.DailyTrend) bool {
	if trend == nil {
		return true
	}
	if s.cfg.Enable200EMAFilter {
		if side == types.Long && trend.Price < trend.EMA200 && trend.Label == types.TrendBearish {
			return false
		}
		if side == types.Short && trend.Price > trend.EMA200 && trend.Label == types.TrendBullish {
			return false
		}
	}
	if s.cfg.EnableMultiTimeframeFilter {
		if side == types.Long && trend.Label == types.TrendBearish {
			return false
		}
		if side == types.Short && trend.Label == types.TrendBullish {
			return false
		}
	}
	return true
}

// confirm counts the four secondary confirmations and collects rationale.
func (s *Strategy) confirm(side types.Side, f types.Features) (int, []string) {
	count := 0
	var rationale []string
	note := func(msg string) {
		count++
		rationale = append(rationale, msg)
	}

	if side == types.Long && f.RSI14 >= 50 && f.RSI14 <= 70 {
		note(fmt.Sprintf("rsi %.1f in long band", f.RSI14))
	} else if side == types.Short && f.RSI14 >= 30 && f.RSI14 <= 50 {
		note(fmt.Sprintf("rsi %.1f in short band", f.RSI14))
	}

	if side == types.Long && f.MACD > f.MACDSignal {
		note("macd above signal")
	} else if side == types.Short && f.MACD < f.MACDSignal {
		note("macd below signal")
	}

	if side == types.Long && f.Price > f.VWAP {
		note("price above vwap")
	} else if side == types.Short && f.Price < f.VWAP {
		note("price below vwap")
	}

	if f.VolumeRatio >= s.cfg.MinVolumeRatio {
		note(fmt.Sprintf("volume %.1fx average", f.VolumeRatio))
	}

	return count, rationale
}

// confidence scores the signal in [0,100]: a confirmation base plus trend
// alignment bonuses, minus counter-sentiment penalties.
func (s *Strategy) confidence(side types.Side, f types.Features, in Inputs, confirmations int) float64 {
	conf := 40.0 + 10.0*float64(confirmations)

	if (side == types.Long && f.Price > f.EMATrend) || (side == types.Short && f.Price < f.EMATrend) {
		conf += 10
	}
	if f.ADX14 > 25 {
		conf += 5
	}
	if in.DailyTrend != nil {
		if (side == types.Long && in.DailyTrend.Label == types.TrendBullish) ||
			(side == types.Short && in.DailyTrend.Label == types.TrendBearish) {
			conf += 5
		}
	}

	switch in.Sentiment.Label {
	case types.SentimentExtremeFear, types.SentimentFear:
		if side == types.Long {
			conf -= 5
		}
	case types.SentimentGreed, types.SentimentExtremeGreed:
		if side == types.Short {
			conf -= 5
		}
	}

	if conf > 100 {
		conf = 100
	}
	if conf < 0 {
		conf = 0
	}
	return conf
}

// threshold computes the adaptive confidence bar: base per side, plus regime,
// time-of-day, and sentiment adjustments, capped at MaxThreshold.
func (s *Strategy) threshold(side types.Side, in Inputs) float64 {
	base := s.cfg.BaseThresholdLong
	if side == types.Short {
		base = s.cfg.BaseThresholdShort
	}

	t := base + regimeAdjust(side, in.Regime.Label) + timeOfDayAdjust(in.Now) + sentimentAdjust(side, in.Sentiment.Label)
	if t > s.cfg.MaxThreshold {
		t = s.cfg.MaxThreshold
	}
	return t
}

// regimeAdjust raises the bar as the regime gets less supportive, 0..15.
func regimeAdjust(side types.Side, label types.RegimeLabel) float64 {
	aligned := (side == types.Long && (label == types.RegimeBroadBullish || label == types.RegimeNarrowBullish)) ||
		(side == types.Short && (label == types.RegimeBroadBearish || label == types.RegimeNarrowBearish))
	switch {
	case label == types.RegimeChoppy:
		return 15
	case aligned && (label == types.RegimeBroadBullish || label == types.RegimeBroadBearish):
		return 0
	case aligned:
		return 7 // narrow regime: trend is there, participation is not
	case label == types.RegimeBroadNeutral:
		return 5
	default:
		return 15 // counter-regime
	}
}

// timeOfDayAdjust favors the open and the power hour, penalizes midday.
func timeOfDayAdjust(now time.Time) float64 {
	m := now.Hour()*60 + now.Minute()
	switch {
	case m >= 9*60+30 && m < 10*60+30:
		return -3
	case m >= 15*60:
		return -3
	case m >= 11*60+30 && m < 13*60+30:
		return 3
	default:
		return 0
	}
}

// sentimentAdjust raises the bar when sentiment opposes the side, ±8.
func sentimentAdjust(side types.Side, label types.SentimentLabel) float64 {
	var tilt float64
	switch label {
	case types.SentimentExtremeFear:
		tilt = -2
	case types.SentimentFear:
		tilt = -1
	case types.SentimentGreed:
		tilt = 1
	case types.SentimentExtremeGreed:
		tilt = 2
	}
	if side == types.Long {
		return -4 * tilt // fear raises the long bar, greed lowers it
	}
	return 4 * tilt // greed raises the short bar, fear lowers it
}

// exitLevels derives the initial stop and target from ATR.
func (s *Strategy) exitLevels(side types.Side, f types.Features) (stop, target float64) {
	if side == types.Long {
		return f.Price - s.cfg.StopATRMult*f.ATR14, f.Price + s.cfg.TargetATRMult*f.ATR14
	}
	return f.Price + s.cfg.StopATRMult*f.ATR14, f.Price - s.cfg.TargetATRMult*f.ATR14
}

// inWindow reports whether now falls inside the HH:MM window [start, end).
func inWindow(now time.Time, start, end string) bool {
	s, errS := parseHHMM(start)
	e, errE := parseHHMM(end)
	if errS != nil || errE != nil {
		return false
	}
	m := now.Hour()*60 + now.Minute()
	return m >= s && m < e
}

func parseHHMM(v string) (int, error) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}
