package engine

import (
	"sync"

	"daytrader/pkg/types"
)

// State is the engine's shared session state. One RWMutex guards the maps
// and snapshots; per-symbol mutexes serialize the evaluate→execute→protect
// pipeline so two loops never race on the same symbol.
type State struct {
	mu sync.RWMutex

	enabled   bool
	emergency bool

	positions map[string]*types.Position
	counters  types.DailyCounters
	account   types.Account
	clock     types.Clock
	regime    types.Regime
	watchlist []string

	wins, losses           int
	grossProfit, grossLoss float64

	symMu   map[string]*sync.Mutex
	symMuMu sync.Mutex
}

// NewState creates session state seeded with the static watchlist. Trading
// starts enabled.
func NewState(watchlist []string) *State {
	return &State{
		enabled:   true,
		positions: map[string]*types.Position{},
		watchlist: append([]string(nil), watchlist...),
		symMu:     map[string]*sync.Mutex{},
		counters:  types.DailyCounters{PerSymbolToday: map[string]int{}},
	}
}

// lockSymbol serializes all work on one symbol. Returns the unlock func.
func (s *State) lockSymbol(symbol string) func() {
	s.symMuMu.Lock()
	m, ok := s.symMu[symbol]
	if !ok {
		m = &sync.Mutex{}
		s.symMu[symbol] = m
	}
	s.symMuMu.Unlock()

	m.Lock()
	return m.Unlock
}

func (s *State) Enabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled && !s.emergency
}

func (s *State) SetEnabled(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = v
}

func (s *State) Emergency() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.emergency
}

func (s *State) SetEmergency() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emergency = true
	s.enabled = false
}

// Rearm lifts the emergency latch on an explicit operator enable.
func (s *State) Rearm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emergency = false
	s.enabled = true
}

// Position returns a copy of the symbol's position.
func (s *State) Position(symbol string) (types.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[symbol]
	if !ok {
		return types.Position{}, false
	}
	return *p, true
}

// Positions returns copies of all open positions.
func (s *State) Positions() []types.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, *p)
	}
	return out
}

func (s *State) SetPosition(pos types.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[pos.Symbol] = &pos
}

// RemovePosition drops and returns the symbol's position.
func (s *State) RemovePosition(symbol string) (types.Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[symbol]
	if !ok {
		return types.Position{}, false
	}
	delete(s.positions, symbol)
	return *p, true
}

func (s *State) OpenCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.positions)
}

func (s *State) Counters() types.DailyCounters {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := s.counters
	c.PerSymbolToday = make(map[string]int, len(s.counters.PerSymbolToday))
	for k, v := range s.counters.PerSymbolToday {
		c.PerSymbolToday[k] = v
	}
	return c
}

func (s *State) SetCounters(c types.DailyCounters) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.PerSymbolToday == nil {
		c.PerSymbolToday = map[string]int{}
	}
	s.counters = c
}

// RecordTrade bumps the frequency counters after a confirmed entry.
func (s *State) RecordTrade(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters.TradesToday++
	s.counters.PerSymbolToday[symbol]++
}

// RecordOutcome accumulates session win/loss statistics and folds the
// realized PnL into session equity, so the circuit breaker sees a loss burst
// before the next account refresh.
func (s *State) RecordOutcome(pnl float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pnl > 0 {
		s.wins++
		s.grossProfit += pnl
	} else {
		s.losses++
		s.grossLoss += -pnl
	}
	s.counters.CurrentEquity += pnl
}

// SessionStats returns (winRate, profitFactor, completed). Zero samples give
// zero rates.
func (s *State) SessionStats() (winRate, profitFactor float64, completed int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	completed = s.wins + s.losses
	if completed > 0 {
		winRate = float64(s.wins) / float64(completed)
	}
	if s.grossLoss > 0 {
		profitFactor = s.grossProfit / s.grossLoss
	}
	return winRate, profitFactor, completed
}

// MarkEquity updates the session equity watermark the circuit breaker reads.
func (s *State) MarkEquity(equity float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters.CurrentEquity = equity
	if s.counters.SessionStartEquity == 0 {
		s.counters.SessionStartEquity = equity
	}
}

func (s *State) Account() types.Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.account
}

func (s *State) SetAccount(a types.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.account = a
}

func (s *State) Clock() types.Clock {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clock
}

func (s *State) SetClock(c types.Clock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = c
}

func (s *State) Regime() types.Regime {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.regime
}

// SetRegime stores the regime and reports whether the label changed.
func (s *State) SetRegime(r types.Regime) (changed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed = s.regime.Label != r.Label
	s.regime = r
	return changed
}

func (s *State) Watchlist() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.watchlist...)
}

// SetWatchlist swaps the universe in; symbols with open positions are kept
// even when the scanner dropped them, so their positions stay managed.
func (s *State) SetWatchlist(symbols []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool, len(symbols))
	list := append([]string(nil), symbols...)
	for _, sym := range symbols {
		seen[sym] = true
	}
	for sym := range s.positions {
		if !seen[sym] {
			list = append(list, sym)
		}
	}
	s.watchlist = list
}
