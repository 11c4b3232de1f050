// daily.go caches the once-per-session daily-trend snapshot per symbol.
//
// Daily history comes from the secondary vendor, not the broker, and the
// vendor meters hard — so each symbol is fetched at most once per session
// and the result lives in a TTL cache until the next market open. A vendor
// outage flips the cache into a degraded window instead of hammering a dead
// endpoint; consumers treat a missing trend as "no filter" (fail open),
// never as a trade blocker.
package marketdata

import (
	"context"
	"log/slog"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/markcheno/go-talib"

	"daytrader/pkg/types"
)

// ema200Bars is the daily history needed for a converged 200-EMA.
const ema200Bars = 200

// degradedWindow is how long the cache stops calling the vendor after a
// failure.
const degradedWindow = 15 * time.Minute

// DailySource is the slice of the vendor client the daily cache consumes.
type DailySource interface {
	GetDailySeries(ctx context.Context, symbol string, limit int) ([]types.Bar, error)
}

// DailyCache serves daily-trend snapshots with session-long TTLs.
type DailyCache struct {
	source DailySource
	loc    *time.Location
	cache  *gocache.Cache
	logger *slog.Logger

	mu            sync.Mutex
	degradedUntil time.Time
}

// NewDailyCache creates the cache. loc is the exchange timezone, used to
// expire entries at the next session open.
func NewDailyCache(source DailySource, loc *time.Location, logger *slog.Logger) *DailyCache {
	return &DailyCache{
		source: source,
		loc:    loc,
		cache:  gocache.New(gocache.NoExpiration, 30*time.Minute),
		logger: logger.With("component", "daily_cache"),
	}
}

// Degraded reports whether the vendor is in a failure window. Strategy
// filters that depend on daily trends must fail open while this is true.
func (d *DailyCache) Degraded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return time.Now().Before(d.degradedUntil)
}

func (d *DailyCache) markDegraded() {
	d.mu.Lock()
	d.degradedUntil = time.Now().Add(degradedWindow)
	d.mu.Unlock()
}

// Trend returns the daily-trend snapshot for a symbol, fetching and caching
// it on first use each session. ok=false means no trend is available —
// vendor down, degraded window, or insufficient history.
func (d *DailyCache) Trend(ctx context.Context, symbol string) (types.DailyTrend, bool) {
	if v, found := d.cache.Get(symbol); found {
		return v.(types.DailyTrend), true
	}
	if d.Degraded() {
		return types.DailyTrend{}, false
	}

	bars, err := d.source.GetDailySeries(ctx, symbol, ema200Bars+20)
	if err != nil {
		d.logger.Warn("daily series fetch failed, entering degraded window",
			"symbol", symbol, "error", err)
		d.markDegraded()
		return types.DailyTrend{}, false
	}
	if len(bars) < ema200Bars {
		d.logger.Debug("insufficient daily history", "symbol", symbol, "bars", len(bars))
		return types.DailyTrend{}, false
	}

	trend := computeDailyTrend(symbol, bars)
	d.cache.Set(symbol, trend, time.Until(d.nextOpen(time.Now())))
	return trend, true
}

// computeDailyTrend labels the daily trend from the 200-EMA side and the
// daily 9/21 EMA alignment. Disagreement between the two reads as neutral.
func computeDailyTrend(symbol string, bars []types.Bar) types.DailyTrend {
	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}

	n := len(closes)
	ema200 := talib.Ema(closes, 200)[n-1]
	ema9 := talib.Ema(closes, 9)[n-1]
	ema21 := talib.Ema(closes, 21)[n-1]
	price := closes[n-1]

	label := types.TrendNeutral
	switch {
	case price > ema200 && ema9 > ema21:
		label = types.TrendBullish
	case price < ema200 && ema9 < ema21:
		label = types.TrendBearish
	}

	return types.DailyTrend{
		Symbol: symbol,
		Price:  price,
		EMA200: ema200,
		EMA9D:  ema9,
		EMA21D: ema21,
		Label:  label,
		AsOf:   bars[n-1].TsOpen,
	}
}

// nextOpen returns the next 09:30 exchange-local instant after now.
func (d *DailyCache) nextOpen(now time.Time) time.Time {
	local := now.In(d.loc)
	open := time.Date(local.Year(), local.Month(), local.Day(), 9, 30, 0, 0, d.loc)
	for !open.After(local) || open.Weekday() == time.Saturday || open.Weekday() == time.Sunday {
		open = open.AddDate(0, 0, 1)
	}
	return open
}
