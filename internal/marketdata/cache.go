// Package marketdata maintains rolling intraday bar windows and derived
// indicator features for every watched symbol.
//
// The cache is the strategy's only view of the market: it refreshes bars
// over REST on the engine's cadence, recomputes features on every refresh,
// and hands out immutable snapshots. Refreshes for the same symbol are
// single-flighted so a slow data host cannot stack duplicate requests.
//
// Bar closes are NEVER tradable prices. Sizing and order pricing go through
// RealtimePrice, which fetches the latest trade and logs divergence between
// it and the cached close (0.5% warn, 1% suggests the bar feed is stale).
package marketdata

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"daytrader/pkg/types"
)

const (
	// windowSize is the bar depth kept per symbol. Deep enough for every
	// indicator's warm-up plus a full session of 5-minute bars.
	windowSize = 250

	divergenceWarnPct  = 0.005
	divergenceStalePct = 0.01
)

// BarSource is the slice of the broker gateway the cache consumes.
type BarSource interface {
	GetBars(ctx context.Context, symbol string, tf types.Timeframe, limit int) ([]types.Bar, error)
	GetLatestTrade(ctx context.Context, symbol string) (*types.Trade, error)
}

type entry struct {
	bars      []types.Bar
	features  types.Features
	hasFeats  bool
	updatedAt time.Time
}

// Cache holds per-symbol bar windows and feature snapshots.
type Cache struct {
	source  BarSource
	tf      types.Timeframe
	periods EMAPeriods
	logger  *slog.Logger

	mu       sync.RWMutex
	data     map[string]*entry
	inflight map[string]chan struct{}
}

// NewCache creates a cache reading tf bars from source, deriving EMAs with
// the configured periods.
func NewCache(source BarSource, tf types.Timeframe, periods EMAPeriods, logger *slog.Logger) *Cache {
	return &Cache{
		source:   source,
		tf:       tf,
		periods:  periods,
		logger:   logger.With("component", "marketdata"),
		data:     make(map[string]*entry),
		inflight: make(map[string]chan struct{}),
	}
}

// Refresh updates every symbol in turn. Per-symbol failures are logged and
// skipped; the previous snapshot stays served until a refresh succeeds.
func (c *Cache) Refresh(ctx context.Context, symbols []string) {
	for _, symbol := range symbols {
		if ctx.Err() != nil {
			return
		}
		if err := c.RefreshSymbol(ctx, symbol); err != nil {
			c.logger.Warn("bar refresh failed", "symbol", symbol, "error", err)
		}
	}
}

// RefreshSymbol fetches the latest bar window and recomputes features.
// Concurrent calls for the same symbol coalesce into one fetch.
func (c *Cache) RefreshSymbol(ctx context.Context, symbol string) error {
	c.mu.Lock()
	if done, busy := c.inflight[symbol]; busy {
		c.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	done := make(chan struct{})
	c.inflight[symbol] = done
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.inflight, symbol)
		c.mu.Unlock()
		close(done)
	}()

	c.mu.RLock()
	var stored []types.Bar
	if prev, ok := c.data[symbol]; ok {
		stored = prev.bars
	}
	c.mu.RUnlock()

	// First fetch takes the full window; after that only the bars formed
	// since the last stored open, plus one for the bar at that open, which
	// the vendor may restate while it is still forming.
	limit := windowSize
	if n := len(stored); n > 0 {
		elapsed := time.Since(stored[n-1].TsOpen)
		limit = int(elapsed/c.tf.Duration()) + 2
		if limit > windowSize {
			limit = windowSize
		}
	}

	fetched, err := c.source.GetBars(ctx, symbol, c.tf, limit)
	if err != nil {
		return err
	}
	bars := mergeBars(stored, fetched)
	if len(bars) > windowSize {
		bars = bars[len(bars)-windowSize:]
	}

	e := &entry{bars: bars, updatedAt: time.Now()}
	if feats, err := ComputeFeatures(bars, c.periods); err == nil {
		e.features = feats
		e.hasFeats = true
	} else {
		c.logger.Debug("features unavailable", "symbol", symbol, "error", err)
	}

	c.mu.Lock()
	c.data[symbol] = e
	c.mu.Unlock()
	return nil
}

// mergeBars extends the stored window with a freshly fetched tail. A fetched
// bar at the last stored open replaces it; older fetched bars are already
// held and are dropped. Both inputs are ordered by TsOpen.
func mergeBars(stored, fetched []types.Bar) []types.Bar {
	if len(stored) == 0 {
		return fetched
	}
	lastOpen := stored[len(stored)-1].TsOpen
	out := append(make([]types.Bar, 0, len(stored)+len(fetched)), stored...)
	for _, b := range fetched {
		switch {
		case b.TsOpen.After(lastOpen):
			out = append(out, b)
		case b.TsOpen.Equal(lastOpen):
			out[len(out)-1] = b
		}
	}
	return out
}

// Features returns the current snapshot for a symbol.
func (c *Cache) Features(symbol string) (types.Features, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.data[symbol]
	if !ok || !e.hasFeats {
		return types.Features{}, false
	}
	return e.features, true
}

// Bars returns a copy of the bar window for a symbol.
func (c *Cache) Bars(symbol string) []types.Bar {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.data[symbol]
	if !ok {
		return nil
	}
	out := make([]types.Bar, len(e.bars))
	copy(out, e.bars)
	return out
}

// RealtimePrice fetches the latest executed trade — the only price valid for
// sizing and order placement. Divergence against the cached close is logged
// so a stale bar feed surfaces before it misprices an entry.
func (c *Cache) RealtimePrice(ctx context.Context, symbol string) (*types.Trade, error) {
	trade, err := c.source.GetLatestTrade(ctx, symbol)
	if err != nil {
		return nil, err
	}

	if feats, ok := c.Features(symbol); ok && feats.Price > 0 {
		div := math.Abs(trade.Price-feats.Price) / feats.Price
		switch {
		case div >= divergenceStalePct:
			c.logger.Warn("realtime price diverges >1% from cached close, bar feed may be stale",
				"symbol", symbol, "realtime", trade.Price, "cached", feats.Price)
		case div >= divergenceWarnPct:
			c.logger.Warn("realtime price diverges from cached close",
				"symbol", symbol, "realtime", trade.Price, "cached", feats.Price)
		}
	}
	return trade, nil
}
