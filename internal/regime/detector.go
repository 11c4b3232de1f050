// Package regime classifies the market-wide trading environment.
//
// The detector combines three inputs: the broad index ETF's intraday
// features (trend + ADX), a VIX reading from the data vendor, and breadth —
// the advancing fraction of the watchlist. The output is a label, a
// position-size multiplier in [0.25, 1.5], and a hard trading gate that the
// risk manager checks first.
//
// Classification is deliberately coarse. The multiplier scales risk, it does
// not pick trades; a wrong label costs sizing, not direction.
package regime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"daytrader/pkg/types"
)

// memoTTL bounds recomputation. Regime inputs move slowly; 5 minutes keeps
// the vendor's VIX endpoint cold.
const memoTTL = 5 * time.Minute

// adxTrendFloor is the index ADX below which the market counts as trendless.
const adxTrendFloor = 20

// FeaturesSource yields cached intraday features per symbol.
type FeaturesSource interface {
	Features(symbol string) (types.Features, bool)
}

// IndexSource yields the latest value of a market index.
type IndexSource interface {
	GetIndexValue(ctx context.Context, symbol string) (float64, error)
}

// Detector computes and memoizes the current Regime.
type Detector struct {
	feats       FeaturesSource
	index       IndexSource
	indexSymbol string // broad index ETF, e.g. SPY
	vixSymbol   string
	logger      *slog.Logger

	mu      sync.Mutex
	memo    types.Regime
	hasMemo bool
	lastVIX float64
}

// NewDetector creates a detector reading the index ETF from feats and VIX
// from index.
func NewDetector(feats FeaturesSource, index IndexSource, indexSymbol, vixSymbol string, logger *slog.Logger) *Detector {
	return &Detector{
		feats:       feats,
		index:       index,
		indexSymbol: indexSymbol,
		vixSymbol:   vixSymbol,
		logger:      logger.With("component", "regime"),
		lastVIX:     20, // neutral assumption until the first real reading
	}
}

// Current returns the regime, recomputing at most every 5 minutes.
// watchlist is the symbol universe used for breadth.
func (d *Detector) Current(ctx context.Context, watchlist []string) types.Regime {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.hasMemo && time.Since(d.memo.ComputedAt) < memoTTL {
		return d.memo
	}

	vix, err := d.index.GetIndexValue(ctx, d.vixSymbol)
	if err != nil || vix <= 0 {
		// Carry the last reading rather than flip-flopping the gate on a
		// vendor blip.
		d.logger.Warn("vix unavailable, using last reading", "last", d.lastVIX, "error", err)
		vix = d.lastVIX
	}
	d.lastVIX = vix

	idx, haveIdx := d.feats.Features(d.indexSymbol)
	regime := classify(idx, haveIdx, breadth(d.feats, watchlist), vix)
	regime.ComputedAt = time.Now()

	if !d.hasMemo || regime.Label != d.memo.Label {
		d.logger.Info("regime classified",
			"label", regime.Label, "vix", regime.VIX, "breadth", regime.Breadth,
			"multiplier", regime.Multiplier, "trading_allowed", regime.TradingAllowed)
	}
	d.memo = regime
	d.hasMemo = true
	return regime
}

// breadth returns the fraction of the watchlist trading above session VWAP.
func breadth(src FeaturesSource, watchlist []string) float64 {
	advancing, counted := 0, 0
	for _, symbol := range watchlist {
		feats, ok := src.Features(symbol)
		if !ok || feats.VWAP <= 0 {
			continue
		}
		counted++
		if feats.Price > feats.VWAP {
			advancing++
		}
	}
	if counted == 0 {
		return 0.5
	}
	return float64(advancing) / float64(counted)
}

// classify maps (index trend, breadth, VIX) to a regime. Without index
// features the market reads as trendless, which can only resolve to neutral
// or choppy.
func classify(idx types.Features, haveIdx bool, breadthVal, vix float64) types.Regime {
	indexUp := haveIdx && idx.EMAShort > idx.EMALong && idx.Price > idx.EMATrend
	indexDown := haveIdx && idx.EMAShort < idx.EMALong && idx.Price < idx.EMATrend
	trendless := !haveIdx || idx.ADX14 < adxTrendFloor

	r := types.Regime{VIX: vix, Breadth: breadthVal, TradingAllowed: true}
	switch {
	case breadthVal > 0.6 && indexUp && vix < 20:
		r.Label = types.RegimeBroadBullish
		r.Multiplier = 1.5
	case breadthVal < 0.4 && indexDown && vix < 25:
		r.Label = types.RegimeBroadBearish
		r.Multiplier = 1.5
	case indexUp:
		r.Label = types.RegimeNarrowBullish
		r.Multiplier = 0.7
	case indexDown:
		r.Label = types.RegimeNarrowBearish
		r.Multiplier = 0.7
	case trendless && (vix >= 22 || breadthBetween(breadthVal)):
		r.Label = types.RegimeChoppy
		r.Multiplier = choppyMultiplier(vix)
		r.TradingAllowed = false
	default:
		r.Label = types.RegimeBroadNeutral
		r.Multiplier = 1.0
	}
	return r
}

// breadthBetween reports a breadth reading with no directional tilt.
func breadthBetween(b float64) bool { return b >= 0.4 && b <= 0.6 }

// choppyMultiplier refines the choppy multiplier by VIX band: the nastier
// the tape, the smaller any forced exposure would be.
func choppyMultiplier(vix float64) float64 {
	switch {
	case vix > 30:
		return 0.25
	case vix >= 20:
		return 0.5
	default:
		return 0.75
	}
}
