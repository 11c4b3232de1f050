// Package sentiment polls the market-wide fear/greed feed.
//
// The feed is advisory: it nudges the confidence threshold and gates shorts
// during panic, nothing more. It therefore fails soft everywhere — a fetch
// error keeps the previous reading, and a reading older than 24 hours is
// served as neutral rather than letting a dead feed tilt decisions for days.
package sentiment

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"daytrader/internal/config"
	"daytrader/pkg/types"
)

// Feed caches the most recent fear/greed reading.
type Feed struct {
	http   *resty.Client
	logger *slog.Logger

	mu      sync.RWMutex
	current types.Sentiment
	have    bool
}

// NewFeed creates a sentiment feed. Call Refresh on the engine's cadence.
func NewFeed(cfg config.SentimentConfig, logger *slog.Logger) *Feed {
	return &Feed{
		http: resty.New().
			SetBaseURL(cfg.BaseURL).
			SetTimeout(10 * time.Second).
			SetRetryCount(2).
			SetRetryWaitTime(time.Second),
		logger: logger.With("component", "sentiment"),
	}
}

type wireReading struct {
	Score     float64   `json:"score"`
	Timestamp time.Time `json:"timestamp"`
}

// Refresh fetches the latest reading. On failure the previous reading stays
// in place; staleness handling in Current covers a prolonged outage.
func (f *Feed) Refresh(ctx context.Context) error {
	var w wireReading
	// Decode regardless of the advertised Content-Type: a 200 whose
	// body isn't the reading (proxy page, misconfigured header) must
	// error out and keep the previous reading, not cache zeros.
	resp, err := f.http.R().SetContext(ctx).SetResult(&w).ForceContentType("application/json").Get("/fear-greed")
	if err != nil {
		return fmt.Errorf("fetch sentiment: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("fetch sentiment: status %d: %s", resp.StatusCode(), resp.String())
	}

	asOf := w.Timestamp
	if asOf.IsZero() {
		asOf = time.Now()
	}
	reading := types.Sentiment{Score: w.Score, Label: LabelForScore(w.Score), AsOf: asOf}

	f.mu.Lock()
	f.current = reading
	f.have = true
	f.mu.Unlock()

	f.logger.Debug("sentiment refreshed", "score", reading.Score, "label", reading.Label)
	return nil
}

// Current returns the latest reading, or neutral when none exists or the
// reading has gone stale.
func (f *Feed) Current() types.Sentiment {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.have || f.current.Stale(time.Now()) {
		return types.NeutralSentiment()
	}
	return f.current
}

// LabelForScore buckets the 0–100 scalar. The fear boundary at 20/30 matters:
// the strategy refuses shorts below 20 and tightens them below 30.
func LabelForScore(score float64) types.SentimentLabel {
	switch {
	case score < 20:
		return types.SentimentExtremeFear
	case score <= 30:
		return types.SentimentFear
	case score < 70:
		return types.SentimentNeutral
	case score <= 80:
		return types.SentimentGreed
	default:
		return types.SentimentExtremeGreed
	}
}
