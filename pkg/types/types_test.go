package types

import (
	"testing"
	"time"
)

func TestCloseReasonPreservesBrackets(t *testing.T) {
	t.Parallel()

	preserve := []CloseReason{CloseTakeProfit, CloseStopLoss, CloseTrailing, CloseEndOfDay, CloseReconciled}
	for _, r := range preserve {
		if !r.PreservesBrackets() {
			t.Errorf("%s should preserve bracket legs", r)
		}
	}

	cancel := []CloseReason{CloseEmergency, CloseManual, CloseRiskLimit}
	for _, r := range cancel {
		if r.PreservesBrackets() {
			t.Errorf("%s should allow cancelling bracket legs", r)
		}
	}
}

func TestOrderStatusTerminal(t *testing.T) {
	t.Parallel()

	if StatusPartiallyFilled.Terminal() || StatusAccepted.Terminal() || StatusHeld.Terminal() {
		t.Error("non-final statuses must not be terminal")
	}
	if !StatusFilled.Terminal() || !StatusCanceled.Terminal() || !StatusRejected.Terminal() {
		t.Error("final statuses must be terminal")
	}
}

func TestRMultiple(t *testing.T) {
	t.Parallel()

	long := Position{Side: Long, AvgEntryPrice: 100, InitialRisk: 2}
	if got := long.RMultiple(104); got != 2 {
		t.Errorf("long R at 104 = %v, want 2", got)
	}
	if got := long.RMultiple(98); got != -1 {
		t.Errorf("long R at 98 = %v, want -1", got)
	}

	short := Position{Side: Short, AvgEntryPrice: 50, InitialRisk: 1}
	if got := short.RMultiple(47); got != 3 {
		t.Errorf("short R at 47 = %v, want 3", got)
	}

	degenerate := Position{Side: Long, AvgEntryPrice: 100, InitialRisk: 0}
	if got := degenerate.RMultiple(200); got != 0 {
		t.Errorf("zero-risk position R = %v, want 0", got)
	}
}

func TestBreakeven(t *testing.T) {
	t.Parallel()

	long := Position{Side: Long, AvgEntryPrice: 100, StopLoss: 100}
	if !long.Breakeven() {
		t.Error("long with stop at entry should be breakeven")
	}
	long.StopLoss = 99.5
	if long.Breakeven() {
		t.Error("long with stop below entry should not be breakeven")
	}

	short := Position{Side: Short, AvgEntryPrice: 100, StopLoss: 99.8}
	if !short.Breakeven() {
		t.Error("short with stop below entry should be breakeven")
	}
}

func TestEffectiveBuyingPower(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		acct Account
		want float64
	}{
		{"normal daytrading bp", Account{DaytradingBuyingPower: 40000, BuyingPower: 20000, Cash: 10000}, 40000},
		{"pdt zero dtbp falls back to cash", Account{DaytradingBuyingPower: 0, PatternDayTrader: true, Cash: 25000, BuyingPower: 20000}, 25000},
		{"pdt zero dtbp falls back to regular bp", Account{DaytradingBuyingPower: 0, PatternDayTrader: true, Cash: 5000, BuyingPower: 20000}, 20000},
		{"non-pdt uses regular bp", Account{DaytradingBuyingPower: 0, PatternDayTrader: false, Cash: 5000, BuyingPower: 10000}, 10000},
	}

	for _, tt := range tests {
		if got := tt.acct.EffectiveBuyingPower(); got != tt.want {
			t.Errorf("%s: EffectiveBuyingPower() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestSentimentStale(t *testing.T) {
	t.Parallel()

	now := time.Now()
	fresh := Sentiment{Score: 30, Label: SentimentFear, AsOf: now.Add(-time.Hour)}
	if fresh.Stale(now) {
		t.Error("1h-old reading should not be stale")
	}
	old := Sentiment{Score: 30, Label: SentimentFear, AsOf: now.Add(-25 * time.Hour)}
	if !old.Stale(now) {
		t.Error("25h-old reading should be stale")
	}
}

func TestCooldownActive(t *testing.T) {
	t.Parallel()

	now := time.Now()
	rec := CooldownRecord{Symbol: "TSLA", ConsecutiveLosses: 3, FrozenUntil: now.Add(time.Hour)}
	if !rec.Active(now) {
		t.Error("cooldown with future expiry should be active")
	}
	if rec.Active(now.Add(2 * time.Hour)) {
		t.Error("cooldown past expiry should be inactive")
	}
}

func TestDrawdownPct(t *testing.T) {
	t.Parallel()

	d := DailyCounters{SessionStartEquity: 100000, CurrentEquity: 94900}
	if got := d.DrawdownPct(); got < 0.0509 || got > 0.0511 {
		t.Errorf("DrawdownPct() = %v, want ~0.051", got)
	}

	up := DailyCounters{SessionStartEquity: 100000, CurrentEquity: 105000}
	if got := up.DrawdownPct(); got != 0 {
		t.Errorf("profitable session drawdown = %v, want 0", got)
	}
}
