package marketdata

import (
	"testing"
	"time"

	"daytrader/pkg/types"
)

// trendBars builds n ascending 5-minute bars with a constant per-bar gain.
func trendBars(n int, start float64, step float64) []types.Bar {
	bars := make([]types.Bar, n)
	ts := time.Date(2026, 8, 24, 13, 30, 0, 0, time.UTC)
	price := start
	for i := range bars {
		bars[i] = types.Bar{
			Symbol:    "TEST",
			TsOpen:    ts.Add(time.Duration(i) * 5 * time.Minute),
			Open:      price,
			High:      price + step,
			Low:       price - step/2,
			Close:     price + step,
			Volume:    100000,
			Timeframe: types.TF5Min,
		}
		price += step
	}
	return bars
}

func TestComputeFeaturesRequiresMinBars(t *testing.T) {
	t.Parallel()

	if _, err := ComputeFeatures(trendBars(MinBars-1, 100, 0.1), DefaultEMAPeriods); err == nil {
		t.Error("short window should be rejected")
	}
	// A slower trend EMA raises the floor past MinBars.
	wide := EMAPeriods{Short: 9, Long: 21, Trend: 100}
	if _, err := ComputeFeatures(trendBars(MinBars, 100, 0.1), wide); err == nil {
		t.Error("window shorter than the trend period should be rejected")
	}
}

func TestComputeFeaturesUptrend(t *testing.T) {
	t.Parallel()

	bars := trendBars(120, 100, 0.2)
	feats, err := ComputeFeatures(bars, DefaultEMAPeriods)
	if err != nil {
		t.Fatalf("ComputeFeatures: %v", err)
	}

	if feats.Price != bars[len(bars)-1].Close {
		t.Errorf("Price = %v, want last close %v", feats.Price, bars[len(bars)-1].Close)
	}
	if feats.EMAShort <= feats.EMALong {
		t.Errorf("uptrend should have short EMA (%v) > long EMA (%v)", feats.EMAShort, feats.EMALong)
	}
	if feats.EMALong <= feats.EMATrend {
		t.Errorf("uptrend should have long EMA (%v) > trend EMA (%v)", feats.EMALong, feats.EMATrend)
	}
	if feats.RSI14 <= 50 {
		t.Errorf("steady uptrend RSI = %v, want > 50", feats.RSI14)
	}
	// In a monotone uptrend the EMAs rise every bar.
	if feats.PrevEMAShort >= feats.EMAShort || feats.PrevEMALong >= feats.EMALong {
		t.Error("prev EMA values must lag current values in an uptrend")
	}
	if feats.ATR14 <= 0 {
		t.Errorf("ATR = %v, want positive", feats.ATR14)
	}
}

func TestSessionVWAPScopesToCurrentDay(t *testing.T) {
	t.Parallel()

	yesterday := time.Date(2026, 8, 21, 19, 55, 0, 0, time.UTC)
	today := time.Date(2026, 8, 24, 13, 30, 0, 0, time.UTC)

	bars := []types.Bar{
		// Prior session at a very different price level — must be excluded.
		{TsOpen: yesterday, High: 500, Low: 500, Close: 500, Volume: 1000},
		{TsOpen: today, High: 101, Low: 99, Close: 100, Volume: 1000},
		{TsOpen: today.Add(5 * time.Minute), High: 103, Low: 101, Close: 102, Volume: 1000},
	}

	got := sessionVWAP(bars)
	// Typical prices: 100 and 102, equal volume.
	if got < 100.9 || got > 101.1 {
		t.Errorf("sessionVWAP = %v, want ~101 (prior day excluded)", got)
	}
}

func TestVolumeRatio(t *testing.T) {
	t.Parallel()

	volumes := make([]float64, 30)
	for i := range volumes {
		volumes[i] = 100
	}
	volumes[29] = 250
	if got := volumeRatio(volumes); got < 2.4 || got > 2.6 {
		t.Errorf("volumeRatio = %v, want 2.5", got)
	}

	if got := volumeRatio([]float64{100}); got != 1 {
		t.Errorf("single-bar volumeRatio = %v, want fallback 1", got)
	}
}

func TestATRPercentile(t *testing.T) {
	t.Parallel()

	atr := []float64{0, 0, 1, 2, 3, 4, 5} // warm-up zeros ignored
	if got := atrPercentile(atr); got != 1 {
		t.Errorf("max ATR percentile = %v, want 1", got)
	}
	atr[len(atr)-1] = 1
	if got := atrPercentile(atr); got != 0.2 {
		t.Errorf("min ATR percentile = %v, want 0.2", got)
	}
	// A tie with a stored value ranks by strict less-than plus self.
	atr[len(atr)-1] = 3
	if got := atrPercentile(atr); got != 0.6 {
		t.Errorf("tied ATR percentile = %v, want 0.6", got)
	}
}
