// Package scanner refreshes the tradeable watchlist from an external
// opportunity source. Candidates are filtered by price band and liquidity,
// ranked by a composite score, and capped at the configured maximum. The
// engine reads the latest list from Results(); stale unread lists are
// replaced, never queued.
package scanner

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/go-resty/resty/v2"

	"daytrader/internal/config"
)

// candidate is the JSON shape one scanner row arrives in.
type candidate struct {
	Symbol         string  `json:"symbol"`
	LastPrice      float64 `json:"last_price"`
	AvgVolume      float64 `json:"avg_volume"` // 20-day average daily shares
	RelativeVolume float64 `json:"relative_volume"`
	ATRPct         float64 `json:"atr_pct"` // ATR as a fraction of price
	GapPct         float64 `json:"gap_pct"`
}

// ScanResult is one ranked watchlist.
type ScanResult struct {
	Symbols   []string
	ScannedAt time.Time
}

// Scanner polls the opportunity source for a ranked watchlist.
type Scanner struct {
	http     *resty.Client
	cfg      config.WatchlistConfig
	logger   *slog.Logger
	resultCh chan ScanResult
}

// New creates a scanner. Returns nil when no scanner URL is configured —
// the engine then keeps the static watchlist.
func New(cfg config.WatchlistConfig, logger *slog.Logger) *Scanner {
	if cfg.ScannerURL == "" {
		return nil
	}
	client := resty.New().
		SetBaseURL(cfg.ScannerURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)

	return &Scanner{
		http:     client,
		cfg:      cfg,
		logger:   logger.With("component", "scanner"),
		resultCh: make(chan ScanResult, 1),
	}
}

// Results returns the channel the engine reads ranked watchlists from.
func (s *Scanner) Results() <-chan ScanResult {
	return s.resultCh
}

// Run starts the polling loop. Blocks until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) {
	s.scan(ctx)

	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scan(ctx)
		}
	}
}

func (s *Scanner) scan(ctx context.Context) {
	var page []candidate
	resp, err := s.http.R().SetContext(ctx).SetResult(&page).Get("/candidates")
	if err != nil {
		s.logger.Error("scan failed", "error", err)
		return
	}
	if resp.IsError() {
		s.logger.Error("scan failed", "status", resp.StatusCode())
		return
	}

	filtered := s.filter(page)
	ranked := s.rank(filtered)
	if len(ranked) > s.cfg.Max {
		ranked = ranked[:s.cfg.Max]
	}

	s.logger.Info("scan complete",
		"total", len(page), "filtered", len(filtered), "selected", len(ranked))

	result := ScanResult{Symbols: ranked, ScannedAt: time.Now()}

	// Latest wins: replace an unread stale result instead of queueing.
	select {
	case s.resultCh <- result:
	default:
		select {
		case <-s.resultCh:
		default:
		}
		s.resultCh <- result
	}
}

// filter drops candidates outside the price band or too thin to trade.
func (s *Scanner) filter(page []candidate) []candidate {
	var out []candidate
	for _, c := range page {
		if c.Symbol == "" {
			continue
		}
		if c.LastPrice < s.cfg.MinPrice || (s.cfg.MaxPrice > 0 && c.LastPrice > s.cfg.MaxPrice) {
			continue
		}
		if c.AvgVolume < s.cfg.MinAvgVolume {
			continue
		}
		out = append(out, c)
	}
	return out
}

// rank orders candidates by score: unusual volume on a mover with real
// range. Liquidity saturates at 5M shares/day so megacaps don't drown
// everything else.
func (s *Scanner) rank(page []candidate) []string {
	type scored struct {
		symbol string
		score  float64
	}

	list := make([]scored, 0, len(page))
	for _, c := range page {
		liquidityFactor := math.Min(c.AvgVolume/5_000_000, 1.0)
		score := c.RelativeVolume * (c.ATRPct + math.Abs(c.GapPct)) * liquidityFactor
		list = append(list, scored{symbol: c.Symbol, score: score})
	}

	sort.Slice(list, func(i, j int) bool {
		return list[i].score > list[j].score
	})

	out := make([]string, len(list))
	for i, sc := range list {
		out[i] = sc.symbol
	}
	return out
}
