package marketdata

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"daytrader/pkg/types"
)

type fakeSource struct {
	bars      []types.Bar
	barsErr   error
	trade     types.Trade
	tradeErr  error
	barCalls  atomic.Int64
	lastLimit atomic.Int64
}

func (f *fakeSource) GetBars(ctx context.Context, symbol string, tf types.Timeframe, limit int) ([]types.Bar, error) {
	f.barCalls.Add(1)
	f.lastLimit.Store(int64(limit))
	if f.barsErr != nil {
		return nil, f.barsErr
	}
	src := f.bars
	if limit < len(src) {
		src = src[len(src)-limit:]
	}
	out := make([]types.Bar, len(src))
	copy(out, src)
	for i := range out {
		out[i].Symbol = symbol
	}
	return out, nil
}

func (f *fakeSource) GetLatestTrade(ctx context.Context, symbol string) (*types.Trade, error) {
	if f.tradeErr != nil {
		return nil, f.tradeErr
	}
	tr := f.trade
	tr.Symbol = symbol
	return &tr, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRefreshComputesFeatures(t *testing.T) {
	t.Parallel()

	src := &fakeSource{bars: trendBars(120, 100, 0.2)}
	c := NewCache(src, types.TF5Min, DefaultEMAPeriods, testLogger())

	c.Refresh(context.Background(), []string{"AAPL", "MSFT"})

	for _, symbol := range []string{"AAPL", "MSFT"} {
		feats, ok := c.Features(symbol)
		if !ok {
			t.Fatalf("%s: features missing after refresh", symbol)
		}
		if feats.Symbol != symbol {
			t.Errorf("features symbol = %q, want %q", feats.Symbol, symbol)
		}
	}
}

func TestRefreshFailureKeepsPriorSnapshot(t *testing.T) {
	t.Parallel()

	src := &fakeSource{bars: trendBars(120, 100, 0.2)}
	c := NewCache(src, types.TF5Min, DefaultEMAPeriods, testLogger())
	c.Refresh(context.Background(), []string{"AAPL"})

	src.barsErr = errors.New("data host down")
	c.Refresh(context.Background(), []string{"AAPL"})

	if _, ok := c.Features("AAPL"); !ok {
		t.Error("prior snapshot should survive a failed refresh")
	}
}

func TestRefreshSymbolFetchesIncrementally(t *testing.T) {
	t.Parallel()

	// Bars ending one interval before now, so the second refresh only has a
	// short tail to cover.
	bars := trendBars(120, 100, 0.2)
	base := time.Now().UTC().Add(-120 * 5 * time.Minute)
	for i := range bars {
		bars[i].TsOpen = base.Add(time.Duration(i) * 5 * time.Minute)
	}
	src := &fakeSource{bars: bars}
	c := NewCache(src, types.TF5Min, DefaultEMAPeriods, testLogger())

	if err := c.RefreshSymbol(context.Background(), "AAPL"); err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	if got := src.lastLimit.Load(); got != windowSize {
		t.Errorf("first fetch limit = %d, want the full window %d", got, windowSize)
	}

	// The vendor restates the in-progress bar and two new ones have formed.
	restated := bars[119]
	restated.Close += 1
	src.bars = append(bars[:119:119], restated,
		bar(restated.TsOpen.Add(5*time.Minute), 125),
		bar(restated.TsOpen.Add(10*time.Minute), 126))

	if err := c.RefreshSymbol(context.Background(), "AAPL"); err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	if got := src.lastLimit.Load(); got >= windowSize {
		t.Errorf("second fetch limit = %d, want a short tail since the last stored open", got)
	}

	got := c.Bars("AAPL")
	if len(got) != 122 {
		t.Fatalf("bars = %d, want 120 stored + 2 appended", len(got))
	}
	if got[119].Close != restated.Close {
		t.Errorf("restated bar close = %v, want %v", got[119].Close, restated.Close)
	}
	if got[121].Close != 126 {
		t.Errorf("last bar close = %v, want the newest fetched bar", got[121].Close)
	}
}

func bar(ts time.Time, price float64) types.Bar {
	return types.Bar{
		Symbol: "TEST", TsOpen: ts, Open: price, High: price, Low: price,
		Close: price, Volume: 100000, Timeframe: types.TF5Min,
	}
}

func TestBarsReturnsCopy(t *testing.T) {
	t.Parallel()

	src := &fakeSource{bars: trendBars(120, 100, 0.2)}
	c := NewCache(src, types.TF5Min, DefaultEMAPeriods, testLogger())
	c.Refresh(context.Background(), []string{"AAPL"})

	first := c.Bars("AAPL")
	first[0].Close = -1
	second := c.Bars("AAPL")
	if second[0].Close == -1 {
		t.Error("Bars must return a defensive copy")
	}
}

func TestShortWindowServesBarsWithoutFeatures(t *testing.T) {
	t.Parallel()

	src := &fakeSource{bars: trendBars(10, 100, 0.2)}
	c := NewCache(src, types.TF5Min, DefaultEMAPeriods, testLogger())
	c.Refresh(context.Background(), []string{"IPO"})

	if got := c.Bars("IPO"); len(got) != 10 {
		t.Errorf("bars = %d, want 10", len(got))
	}
	if _, ok := c.Features("IPO"); ok {
		t.Error("features should be unavailable below MinBars")
	}
}

func TestRealtimePrice(t *testing.T) {
	t.Parallel()

	src := &fakeSource{
		bars:  trendBars(120, 100, 0.2),
		trade: types.Trade{Price: 124.5, Size: 300, AsOf: time.Now()},
	}
	c := NewCache(src, types.TF5Min, DefaultEMAPeriods, testLogger())
	c.Refresh(context.Background(), []string{"AAPL"})

	trade, err := c.RealtimePrice(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("RealtimePrice: %v", err)
	}
	if trade.Price != 124.5 {
		t.Errorf("Price = %v, want the latest trade, not a bar close", trade.Price)
	}
}
