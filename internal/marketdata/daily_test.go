package marketdata

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"daytrader/pkg/types"
)

type fakeDailySource struct {
	bars  []types.Bar
	err   error
	calls atomic.Int64
}

func (f *fakeDailySource) GetDailySeries(ctx context.Context, symbol string, limit int) ([]types.Bar, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.bars, nil
}

func dailyBars(n int, start, step float64) []types.Bar {
	bars := make([]types.Bar, n)
	ts := time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC)
	price := start
	for i := range bars {
		bars[i] = types.Bar{
			Symbol: "TEST", TsOpen: ts.AddDate(0, 0, i),
			Open: price, High: price + step, Low: price - step, Close: price + step,
			Volume: 1e6, Timeframe: types.TF1Day,
		}
		price += step
	}
	return bars
}

func TestTrendBullishLabelAndCaching(t *testing.T) {
	t.Parallel()

	src := &fakeDailySource{bars: dailyBars(220, 100, 0.5)}
	d := NewDailyCache(src, time.UTC, testLogger())

	trend, ok := d.Trend(context.Background(), "AAPL")
	if !ok {
		t.Fatal("Trend should be available")
	}
	if trend.Label != types.TrendBullish {
		t.Errorf("label = %q, want bullish (price above rising 200-EMA)", trend.Label)
	}

	// Second call must hit the cache, not the vendor.
	if _, ok := d.Trend(context.Background(), "AAPL"); !ok {
		t.Fatal("cached Trend should be available")
	}
	if src.calls.Load() != 1 {
		t.Errorf("vendor called %d times, want 1 per session", src.calls.Load())
	}
}

func TestTrendBearishLabel(t *testing.T) {
	t.Parallel()

	src := &fakeDailySource{bars: dailyBars(220, 400, -0.5)}
	d := NewDailyCache(src, time.UTC, testLogger())

	trend, ok := d.Trend(context.Background(), "XYZ")
	if !ok {
		t.Fatal("Trend should be available")
	}
	if trend.Label != types.TrendBearish {
		t.Errorf("label = %q, want bearish", trend.Label)
	}
}

func TestVendorFailureEntersDegradedWindow(t *testing.T) {
	t.Parallel()

	src := &fakeDailySource{err: errors.New("credit limit exceeded")}
	d := NewDailyCache(src, time.UTC, testLogger())

	if _, ok := d.Trend(context.Background(), "AAPL"); ok {
		t.Error("Trend should be unavailable when the vendor fails")
	}
	if !d.Degraded() {
		t.Error("cache should be degraded after a vendor failure")
	}

	// Further symbols must not hit the dead vendor during the window.
	d.Trend(context.Background(), "MSFT")
	d.Trend(context.Background(), "NVDA")
	if src.calls.Load() != 1 {
		t.Errorf("vendor called %d times during degraded window, want 1", src.calls.Load())
	}
}

func TestInsufficientHistoryIsNotDegraded(t *testing.T) {
	t.Parallel()

	src := &fakeDailySource{bars: dailyBars(50, 100, 0.5)}
	d := NewDailyCache(src, time.UTC, testLogger())

	if _, ok := d.Trend(context.Background(), "IPO"); ok {
		t.Error("short history should yield no trend")
	}
	if d.Degraded() {
		t.Error("a thin symbol must not degrade the whole cache")
	}
}
