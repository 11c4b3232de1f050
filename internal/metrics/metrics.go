package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	Equity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "daytrader_equity",
			Help: "Current account equity.",
		},
	)

	DrawdownPct = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "daytrader_session_drawdown_pct",
			Help: "Drawdown from session start equity, as a fraction.",
		},
	)

	PositionsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "daytrader_positions_open",
			Help: "Current number of open positions.",
		},
	)

	TradesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "daytrader_trades_total",
			Help: "Completed trades by outcome (win or loss).",
		},
		[]string{"outcome"},
	)

	WinRate = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "daytrader_win_rate",
			Help: "Session win rate over completed trades.",
		},
	)

	ProfitFactor = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "daytrader_profit_factor",
			Help: "Gross profit over gross loss for the session.",
		},
	)

	SignalsGenerated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "daytrader_signals_total",
			Help: "Signals generated by side.",
		},
		[]string{"side"},
	)

	SignalsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "daytrader_signals_rejected_total",
			Help: "Signals refused by the risk gates, by reason.",
		},
		[]string{"reason"},
	)

	FillsByMethod = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "daytrader_fills_total",
			Help: "Confirmed entry fills by detection method.",
		},
		[]string{"method"},
	)

	RegimeMultiplier = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "daytrader_regime_multiplier",
			Help: "Current regime position-size multiplier.",
		},
	)

	BrokerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "daytrader_broker_requests_total",
			Help: "Broker API requests by endpoint and result class.",
		},
		[]string{"endpoint", "result"},
	)

	EventsDropped = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "daytrader_events_dropped_total",
			Help: "Bus events dropped on full subscriber buffers.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		Equity, DrawdownPct, PositionsOpen,
		TradesTotal, WinRate, ProfitFactor,
		SignalsGenerated, SignalsRejected, FillsByMethod,
		RegimeMultiplier, BrokerRequests, EventsDropped,
	)
}
