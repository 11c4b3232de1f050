// cooldown.go tracks per-symbol trade outcomes in a rolling 24-hour window
// and freezes symbols that keep losing.
//
// A symbol with CooldownLosses consecutive losses is frozen for
// CooldownDuration; the strategy skips frozen symbols entirely and the risk
// manager rejects any signal that slips through. The same window also feeds
// the high-risk classifier (win rate, recent loss streak).
package risk

import (
	"sync"
	"time"

	"daytrader/pkg/types"
)

// outcomeWindow is how far back results count toward win rate and streaks.
const outcomeWindow = 24 * time.Hour

type outcome struct {
	pnl float64
	at  time.Time
}

// CooldownTracker maintains rolling outcome history and active freezes.
type CooldownTracker struct {
	mu             sync.RWMutex
	cooldownLosses int
	cooldownFor    time.Duration
	outcomes       map[string][]outcome
	frozen         map[string]types.CooldownRecord
}

// NewCooldownTracker creates a tracker that freezes a symbol after
// cooldownLosses consecutive losses for cooldownFor.
func NewCooldownTracker(cooldownLosses int, cooldownFor time.Duration) *CooldownTracker {
	return &CooldownTracker{
		cooldownLosses: cooldownLosses,
		cooldownFor:    cooldownFor,
		outcomes:       make(map[string][]outcome),
		frozen:         make(map[string]types.CooldownRecord),
	}
}

// RecordResult records a closed trade's realized PnL. A loss streak reaching
// the threshold freezes the symbol; any win clears the active freeze.
func (t *CooldownTracker) RecordResult(symbol string, pnl float64, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.outcomes[symbol] = append(t.outcomes[symbol], outcome{pnl: pnl, at: at})
	t.evictStaleLocked(symbol, at)

	if pnl >= 0 {
		delete(t.frozen, symbol)
		return
	}

	streak := t.consecutiveLossesLocked(symbol)
	if streak >= t.cooldownLosses {
		t.frozen[symbol] = types.CooldownRecord{
			Symbol:            symbol,
			ConsecutiveLosses: streak,
			FrozenUntil:       at.Add(t.cooldownFor),
		}
	}
}

// Frozen reports whether the symbol is currently in cooldown.
func (t *CooldownTracker) Frozen(symbol string, now time.Time) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.frozen[symbol]
	return ok && rec.Active(now)
}

// ConsecutiveLosses returns the current loss streak for the symbol.
func (t *CooldownTracker) ConsecutiveLosses(symbol string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.consecutiveLossesLocked(symbol)
}

// WinRate returns the fraction of winning trades in the window and the
// sample count.
func (t *CooldownTracker) WinRate(symbol string) (float64, int) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	results := t.outcomes[symbol]
	if len(results) == 0 {
		return 0, 0
	}
	wins := 0
	for _, o := range results {
		if o.pnl >= 0 {
			wins++
		}
	}
	return float64(wins) / float64(len(results)), len(results)
}

// Snapshot returns the active freezes for persistence.
func (t *CooldownTracker) Snapshot() []types.CooldownRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]types.CooldownRecord, 0, len(t.frozen))
	for _, rec := range t.frozen {
		out = append(out, rec)
	}
	return out
}

// Restore reinstates freezes loaded from disk, dropping expired ones.
func (t *CooldownTracker) Restore(records []types.CooldownRecord, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rec := range records {
		if rec.Active(now) {
			t.frozen[rec.Symbol] = rec
		}
	}
}

// consecutiveLossesLocked counts losses back from the most recent outcome.
func (t *CooldownTracker) consecutiveLossesLocked(symbol string) int {
	results := t.outcomes[symbol]
	streak := 0
	for i := len(results) - 1; i >= 0; i-- {
		if results[i].pnl >= 0 {
			break
		}
		streak++
	}
	return streak
}

// evictStaleLocked drops outcomes older than the window.
func (t *CooldownTracker) evictStaleLocked(symbol string, now time.Time) {
	results := t.outcomes[symbol]
	cutoff := now.Add(-outcomeWindow)
	keep := results[:0]
	for _, o := range results {
		if o.at.After(cutoff) {
			keep = append(keep, o)
		}
	}
	t.outcomes[symbol] = keep
}
