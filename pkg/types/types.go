// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the trading engine — bars,
// indicator features, signals, orders, bracket groups, and positions. It has
// no dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"fmt"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of a position or signal.
type Side string

const (
	Long  Side = "long"
	Short Side = "short"
)

// Opposite returns the other side. Used when deriving exit-order direction.
func (s Side) Opposite() Side {
	if s == Long {
		return Short
	}
	return Long
}

// Timeframe enumerates supported bar intervals.
type Timeframe string

const (
	TF1Min  Timeframe = "1m"
	TF5Min  Timeframe = "5m"
	TF15Min Timeframe = "15m"
	TF1Day  Timeframe = "1d"
)

// Duration returns the bar interval length.
func (t Timeframe) Duration() time.Duration {
	switch t {
	case TF1Min:
		return time.Minute
	case TF5Min:
		return 5 * time.Minute
	case TF15Min:
		return 15 * time.Minute
	default:
		return 24 * time.Hour
	}
}

// OrderType enumerates broker order types. Market orders are reserved for
// emergency liquidation; all routine entries and exits are limit or stop.
type OrderType string

const (
	OrderMarket       OrderType = "market"
	OrderLimit        OrderType = "limit"
	OrderStop         OrderType = "stop"
	OrderStopLimit    OrderType = "stop_limit"
	OrderTrailingStop OrderType = "trailing_stop"
)

// OrderRole identifies an order's function within a bracket group.
type OrderRole string

const (
	RoleEntry      OrderRole = "entry"
	RoleTakeProfit OrderRole = "take_profit"
	RoleStopLoss   OrderRole = "stop_loss"
)

// OrderStatus mirrors the broker's order lifecycle states.
type OrderStatus string

const (
	StatusNew             OrderStatus = "new"
	StatusAccepted        OrderStatus = "accepted"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusFilled          OrderStatus = "filled"
	StatusCanceled        OrderStatus = "canceled"
	StatusHeld            OrderStatus = "held"
	StatusRejected        OrderStatus = "rejected"
	StatusExpired         OrderStatus = "expired"
)

// Terminal reports whether the status is final — the broker will not
// transition the order further.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// CloseReason explains why a position was closed. The reason gates bracket
// preservation: emergency/manual/riskLimit closes may cancel exit legs,
// everything else must leave them with the broker.
type CloseReason string

const (
	CloseTakeProfit CloseReason = "takeProfit"
	CloseStopLoss   CloseReason = "stopLoss"
	CloseTrailing   CloseReason = "trailingStop"
	CloseEndOfDay   CloseReason = "endOfDay"
	CloseReconciled CloseReason = "reconciled"
	CloseEmergency  CloseReason = "emergency"
	CloseManual     CloseReason = "manual"
	CloseRiskLimit  CloseReason = "riskLimit"
)

// PreservesBrackets reports whether a close for this reason must leave the
// stop/target legs untouched at the broker.
func (r CloseReason) PreservesBrackets() bool {
	switch r {
	case CloseEmergency, CloseManual, CloseRiskLimit:
		return false
	}
	return true
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// Bar is a single OHLCV candle. Bars are strictly ordered by TsOpen within
// (Symbol, Timeframe).
type Bar struct {
	Symbol    string    `json:"symbol"`
	TsOpen    time.Time `json:"ts_open"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	Timeframe Timeframe `json:"timeframe"`
}

// Features is a derived-indicator snapshot for one symbol at one instant.
// The EMA periods are configured (9/21/50 by default); PrevEMAShort and
// PrevEMALong hold the values one completed bar behind EMAShort/EMALong —
// crossover detection depends on that invariant.
type Features struct {
	Symbol         string    `json:"symbol"`
	AsOf           time.Time `json:"as_of"`
	Price          float64   `json:"price"` // close of the latest completed bar
	EMAShort       float64   `json:"ema_short"`
	EMALong        float64   `json:"ema_long"`
	PrevEMAShort   float64   `json:"prev_ema_short"`
	PrevEMALong    float64   `json:"prev_ema_long"`
	EMATrend       float64   `json:"ema_trend"`
	RSI14          float64   `json:"rsi14"`
	MACD           float64   `json:"macd"`
	MACDSignal     float64   `json:"macd_signal"`
	ATR14          float64   `json:"atr14"`
	ADX14          float64   `json:"adx14"`
	VWAP           float64   `json:"vwap"`
	VolumeRatio    float64   `json:"volume_ratio"`    // last bar volume / 20-bar average
	VolatilityRank float64   `json:"volatility_rank"` // ATR percentile over the window, [0,1]
}

// TrendLabel classifies the daily-timeframe trend of a symbol.
type TrendLabel string

const (
	TrendBullish TrendLabel = "bullish"
	TrendBearish TrendLabel = "bearish"
	TrendNeutral TrendLabel = "neutral"
)

// DailyTrend is the once-per-session daily-bar snapshot for one symbol.
// Label is derived solely from (Price vs EMA200) and (EMA9D vs EMA21D).
type DailyTrend struct {
	Symbol string     `json:"symbol"`
	Price  float64    `json:"price"`
	EMA200 float64    `json:"ema200"`
	EMA9D  float64    `json:"ema9d"`
	EMA21D float64    `json:"ema21d"`
	Label  TrendLabel `json:"label"`
	AsOf   time.Time  `json:"as_of"`
}

// ————————————————————————————————————————————————————————————————————————
// Regime and sentiment
// ————————————————————————————————————————————————————————————————————————

// RegimeLabel classifies the market-wide trading environment.
type RegimeLabel string

const (
	RegimeBroadBullish  RegimeLabel = "broadBullish"
	RegimeBroadBearish  RegimeLabel = "broadBearish"
	RegimeBroadNeutral  RegimeLabel = "broadNeutral"
	RegimeNarrowBullish RegimeLabel = "narrowBullish"
	RegimeNarrowBearish RegimeLabel = "narrowBearish"
	RegimeChoppy        RegimeLabel = "choppy"
)

// Regime is the detector's output: a label, the VIX reading that informed it,
// a position-size multiplier in [0.25, 1.5], and a hard trading gate.
type Regime struct {
	Label          RegimeLabel `json:"label"`
	VIX            float64     `json:"vix"`
	Breadth        float64     `json:"breadth"` // advancing fraction of watchlist, [0,1]
	Multiplier     float64     `json:"multiplier"`
	TradingAllowed bool        `json:"trading_allowed"`
	ComputedAt     time.Time   `json:"computed_at"`
}

// SentimentLabel buckets the fear/greed scalar.
type SentimentLabel string

const (
	SentimentExtremeFear  SentimentLabel = "extremeFear"
	SentimentFear         SentimentLabel = "fear"
	SentimentNeutral      SentimentLabel = "neutral"
	SentimentGreed        SentimentLabel = "greed"
	SentimentExtremeGreed SentimentLabel = "extremeGreed"
)

// Sentiment is the market-wide fear/greed reading, refreshed at most hourly.
// Readings older than 24h must be treated as neutral.
type Sentiment struct {
	Score float64        `json:"score"` // [0,100]
	Label SentimentLabel `json:"label"`
	AsOf  time.Time      `json:"as_of"`
}

// NeutralSentiment returns the fallback used when the feed is stale or down.
func NeutralSentiment() Sentiment {
	return Sentiment{Score: 50, Label: SentimentNeutral, AsOf: time.Now()}
}

// Stale reports whether the reading is too old to trust.
func (s Sentiment) Stale(now time.Time) bool {
	return now.Sub(s.AsOf) > 24*time.Hour
}

// ————————————————————————————————————————————————————————————————————————
// Signals and intents
// ————————————————————————————————————————————————————————————————————————

// Signal is the strategy's directional opinion on one symbol. Confidence is
// in [0,100]; Confirmations counts how many of the four secondary indicators
// (RSI band, MACD alignment, VWAP side, volume ratio) agreed.
type Signal struct {
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	Confidence    float64   `json:"confidence"`
	Confirmations int       `json:"confirmations"`
	Rationale     []string  `json:"rationale"`
	Entry         float64   `json:"entry"` // features price; executor reprices at realtime
	Stop          float64   `json:"stop"`  // ATR-derived initial stop
	Target        float64   `json:"target"`
	Features      Features  `json:"features"`
	GeneratedAt   time.Time `json:"generated_at"`
}

// String implements fmt.Stringer for log-friendly signal output.
func (s Signal) String() string {
	return fmt.Sprintf("%s %s conf=%.0f conf#=%d entry=%.2f stop=%.2f",
		s.Symbol, s.Side, s.Confidence, s.Confirmations, s.Entry, s.Stop)
}

// Intent is a risk-approved trade ready for execution.
type Intent struct {
	Symbol string  `json:"symbol"`
	Side   Side    `json:"side"`
	Qty    int     `json:"qty"`
	Entry  float64 `json:"entry"` // realtime trade price used for sizing
	Stop   float64 `json:"stop"`
	Target float64 `json:"target"`
}

// ————————————————————————————————————————————————————————————————————————
// Orders and positions
// ————————————————————————————————————————————————————————————————————————

// Order is the engine's view of a broker order.
type Order struct {
	ID             string      `json:"id"`
	ClientOrderID  string      `json:"client_order_id"`
	Symbol         string      `json:"symbol"`
	Side           Side        `json:"side"`
	Qty            int         `json:"qty"`
	Type           OrderType   `json:"type"`
	Role           OrderRole   `json:"role"`
	Status         OrderStatus `json:"status"`
	LimitPrice     float64     `json:"limit_price,omitempty"`
	StopPrice      float64     `json:"stop_price,omitempty"`
	FilledQty      int         `json:"filled_qty"`
	FilledAvgPrice float64     `json:"filled_avg_price"`
	SubmittedAt    time.Time   `json:"submitted_at"`
	FilledAt       *time.Time  `json:"filled_at,omitempty"`
}

// BracketGroup ties an entry order to its two exit legs. LinkID is the
// broker-side grouping key used to re-adopt legs after a restart.
type BracketGroup struct {
	LinkID      string    `json:"link_id"`
	EntryID     string    `json:"entry_id"`
	StopID      string    `json:"stop_id"`
	TargetID    string    `json:"target_id"`
	Symbol      string    `json:"symbol"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Position is an open holding managed by the protector state machine.
// InitialRisk (|entry − stop| at entry) is the R unit: partials fire at +2R
// and +3R, and once PartialsTaken ≥ 1 the stop is at or beyond breakeven.
type Position struct {
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	Qty           int       `json:"qty"`
	AvgEntryPrice float64   `json:"avg_entry_price"`
	StopLoss      float64   `json:"stop_loss"`
	TakeProfit    float64   `json:"take_profit"`
	InitialRisk   float64   `json:"initial_risk"`
	EntryTime     time.Time `json:"entry_time"`

	PartialsTaken  int     `json:"partials_taken"` // 0, 1 or 2
	TrailingActive bool    `json:"trailing_active"`
	HighWaterMark  float64 `json:"high_water_mark"` // low-water for shorts

	RealizedPnL   float64 `json:"realized_pnl"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`

	Bracket BracketGroup `json:"bracket"`
}

// RMultiple returns the current profit measured in R units (positive =
// favorable for either side). Zero InitialRisk yields zero to avoid division
// blowups on malformed positions.
func (p Position) RMultiple(currentPrice float64) float64 {
	if p.InitialRisk <= 0 {
		return 0
	}
	if p.Side == Long {
		return (currentPrice - p.AvgEntryPrice) / p.InitialRisk
	}
	return (p.AvgEntryPrice - currentPrice) / p.InitialRisk
}

// Breakeven reports whether the stop is at or beyond the entry price.
func (p Position) Breakeven() bool {
	if p.Side == Long {
		return p.StopLoss >= p.AvgEntryPrice
	}
	return p.StopLoss <= p.AvgEntryPrice
}

// ————————————————————————————————————————————————————————————————————————
// Session accounting
// ————————————————————————————————————————————————————————————————————————

// CooldownRecord freezes a symbol after consecutive losses.
type CooldownRecord struct {
	Symbol            string    `json:"symbol"`
	ConsecutiveLosses int       `json:"consecutive_losses"`
	FrozenUntil       time.Time `json:"frozen_until"`
}

// Active reports whether the freeze is still in force.
func (c CooldownRecord) Active(now time.Time) bool {
	return now.Before(c.FrozenUntil)
}

// DailyCounters tracks per-session activity. Reset at session start.
// The circuit breaker compares CurrentEquity against SessionStartEquity.
type DailyCounters struct {
	SessionDate        string         `json:"session_date"` // YYYY-MM-DD exchange-local
	TradesToday        int            `json:"trades_today"`
	PerSymbolToday     map[string]int `json:"per_symbol_today"`
	SessionStartEquity float64        `json:"session_start_equity"`
	CurrentEquity      float64        `json:"current_equity"`
}

// DrawdownPct returns the session drawdown as a fraction of starting equity.
func (d DailyCounters) DrawdownPct() float64 {
	if d.SessionStartEquity <= 0 {
		return 0
	}
	dd := (d.SessionStartEquity - d.CurrentEquity) / d.SessionStartEquity
	if dd < 0 {
		return 0
	}
	return dd
}

// ————————————————————————————————————————————————————————————————————————
// Broker snapshots
// ————————————————————————————————————————————————————————————————————————

// TradeUpdate is a broker streaming notification of an order transition.
type TradeUpdate struct {
	Event     string    `json:"event"` // "fill", "partial_fill", "canceled", ...
	Order     Order     `json:"order"`
	Timestamp time.Time `json:"timestamp"`
}

// Account is the broker account snapshot relevant to sizing.
type Account struct {
	Equity                float64 `json:"equity"`
	Cash                  float64 `json:"cash"`
	BuyingPower           float64 `json:"buying_power"`
	DaytradingBuyingPower float64 `json:"daytrading_buying_power"`
	PatternDayTrader      bool    `json:"pattern_day_trader"`
	TradingBlocked        bool    `json:"trading_blocked"`
	AccountBlocked        bool    `json:"account_blocked"`
}

// EffectiveBuyingPower applies the PDT fallback: brokers occasionally report
// zero day-trading buying power on flagged accounts mid-session; fall back to
// max(cash, regular buying power) rather than refusing every trade.
func (a Account) EffectiveBuyingPower() float64 {
	if a.DaytradingBuyingPower > 0 {
		return a.DaytradingBuyingPower
	}
	if a.PatternDayTrader {
		if a.Cash > a.BuyingPower {
			return a.Cash
		}
		return a.BuyingPower
	}
	return a.BuyingPower
}

// Clock is the broker market-clock snapshot.
type Clock struct {
	Timestamp time.Time `json:"timestamp"`
	IsOpen    bool      `json:"is_open"`
	NextOpen  time.Time `json:"next_open"`
	NextClose time.Time `json:"next_close"`
}

// Quote is a top-of-book snapshot for one symbol.
type Quote struct {
	Symbol   string    `json:"symbol"`
	BidPrice float64   `json:"bid_price"`
	BidSize  float64   `json:"bid_size"`
	AskPrice float64   `json:"ask_price"`
	AskSize  float64   `json:"ask_size"`
	AsOf     time.Time `json:"as_of"`
}

// Trade is the latest executed trade for one symbol — the tradable price
// contract requires sizing to use this, never a bar close.
type Trade struct {
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	Size   float64   `json:"size"`
	AsOf   time.Time `json:"as_of"`
}
