// features.go derives the indicator snapshot from a bar window.
//
// All smoothed indicators come from ta-lib; VWAP, volume ratio, and the ATR
// percentile are session-scoped and computed by hand. The PrevEMA fields hold
// the values one completed bar behind the current ones — crossover detection
// in the strategy depends on exactly that offset.
package marketdata

import (
	"fmt"

	"github.com/markcheno/go-talib"

	"daytrader/pkg/types"
)

// MinBars is the smallest window that yields a valid feature set. MACD needs
// 26+9 warm-up bars and the default 50-EMA trend filter needs 50; anything
// shorter produces indicators that are still converging.
const MinBars = 60

// volumeLookback is the averaging window for the volume ratio.
const volumeLookback = 20

// EMAPeriods selects the crossover pair and trend filter lengths.
type EMAPeriods struct {
	Short int
	Long  int
	Trend int
}

// DefaultEMAPeriods is the 9/21/50 set used when the config leaves the
// periods unset.
var DefaultEMAPeriods = EMAPeriods{Short: 9, Long: 21, Trend: 50}

func (p EMAPeriods) orDefault() EMAPeriods {
	if p.Short <= 0 {
		p.Short = DefaultEMAPeriods.Short
	}
	if p.Long <= 0 {
		p.Long = DefaultEMAPeriods.Long
	}
	if p.Trend <= 0 {
		p.Trend = DefaultEMAPeriods.Trend
	}
	return p
}

// minBars returns the window the period set needs before features are valid.
func (p EMAPeriods) minBars() int {
	if n := p.Trend + 10; n > MinBars {
		return n
	}
	return MinBars
}

// ComputeFeatures derives the indicator snapshot from a bar window.
// Bars must be in ascending TsOpen order; the last bar is the most recent
// completed one.
func ComputeFeatures(bars []types.Bar, periods EMAPeriods) (types.Features, error) {
	p := periods.orDefault()
	if need := p.minBars(); len(bars) < need {
		return types.Features{}, fmt.Errorf("need %d bars, have %d", need, len(bars))
	}

	n := len(bars)
	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	volumes := make([]float64, n)
	for i, b := range bars {
		closes[i] = b.Close
		highs[i] = b.High
		lows[i] = b.Low
		volumes[i] = b.Volume
	}

	emaShort := talib.Ema(closes, p.Short)
	emaLong := talib.Ema(closes, p.Long)
	emaTrend := talib.Ema(closes, p.Trend)
	rsi := talib.Rsi(closes, 14)
	macd, macdSignal, _ := talib.Macd(closes, 12, 26, 9)
	atr := talib.Atr(highs, lows, closes, 14)
	adx := talib.Adx(highs, lows, closes, 14)

	last := bars[n-1]
	return types.Features{
		Symbol:         last.Symbol,
		AsOf:           last.TsOpen,
		Price:          last.Close,
		EMAShort:       emaShort[n-1],
		EMALong:        emaLong[n-1],
		PrevEMAShort:   emaShort[n-2],
		PrevEMALong:    emaLong[n-2],
		EMATrend:       emaTrend[n-1],
		RSI14:          rsi[n-1],
		MACD:           macd[n-1],
		MACDSignal:     macdSignal[n-1],
		ATR14:          atr[n-1],
		ADX14:          adx[n-1],
		VWAP:           sessionVWAP(bars),
		VolumeRatio:    volumeRatio(volumes),
		VolatilityRank: atrPercentile(atr),
	}, nil
}

// sessionVWAP computes the volume-weighted average price over the bars of
// the current session (same calendar day as the last bar).
func sessionVWAP(bars []types.Bar) float64 {
	last := bars[len(bars)-1]
	day := last.TsOpen.Format("2006-01-02")

	var pv, vol float64
	for i := len(bars) - 1; i >= 0; i-- {
		if bars[i].TsOpen.Format("2006-01-02") != day {
			break
		}
		typical := (bars[i].High + bars[i].Low + bars[i].Close) / 3
		pv += typical * bars[i].Volume
		vol += bars[i].Volume
	}
	if vol == 0 {
		return last.Close
	}
	return pv / vol
}

// volumeRatio compares the last bar's volume against the average of the
// preceding lookback bars.
func volumeRatio(volumes []float64) float64 {
	n := len(volumes)
	start := n - 1 - volumeLookback
	if start < 0 {
		start = 0
	}
	var sum float64
	count := 0
	for i := start; i < n-1; i++ {
		sum += volumes[i]
		count++
	}
	if count == 0 || sum == 0 {
		return 1
	}
	return volumes[n-1] / (sum / float64(count))
}

// atrPercentile ranks the current ATR within the window, in [0,1]. High
// values mean the symbol is at the volatile end of its recent range. Ties
// rank below the current observation, which counts itself exactly once.
func atrPercentile(atr []float64) float64 {
	current := atr[len(atr)-1]
	if current <= 0 {
		return 0
	}
	valid := 0
	below := 0
	for _, v := range atr[:len(atr)-1] {
		if v <= 0 {
			continue // warm-up zeros
		}
		valid++
		if v < current {
			below++
		}
	}
	return float64(below+1) / float64(valid+1)
}
