// vendor.go implements the secondary market-data vendor client used for
// daily history and index values (VIX). The vendor meters by API key, so the
// client carries a primary and a fallback key: it rotates proactively every
// N requests to spread credit burn, and switches immediately on a 429 with a
// single retry before giving up.
package broker

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"daytrader/internal/config"
	"daytrader/pkg/types"
)

// VendorClient fetches daily bars and index snapshots from the data vendor.
type VendorClient struct {
	http        *resty.Client
	rotateEvery int
	logger      *slog.Logger

	mu       sync.Mutex
	keys     []string
	active   int // index into keys
	requests int // requests made on the active key since last rotation
}

// NewVendorClient creates a vendor client. With no fallback key configured
// the client still works, it just cannot rotate.
func NewVendorClient(cfg config.VendorConfig, logger *slog.Logger) *VendorClient {
	keys := []string{cfg.PrimaryKey}
	if cfg.FallbackKey != "" {
		keys = append(keys, cfg.FallbackKey)
	}
	rotate := cfg.RotateEvery
	if rotate <= 0 {
		rotate = 50
	}
	return &VendorClient{
		http: resty.New().
			SetBaseURL(cfg.BaseURL).
			SetTimeout(15 * time.Second).
			SetRetryCount(2).
			SetRetryWaitTime(time.Second).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				if err != nil {
					return true
				}
				return r.StatusCode() >= 500
			}),
		rotateEvery: rotate,
		keys:        keys,
		logger:      logger.With("component", "vendor"),
	}
}

// nextKey returns the key for the next request, rotating proactively after
// rotateEvery requests on the same key.
func (v *VendorClient) nextKey() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.requests++
	if v.requests >= v.rotateEvery && len(v.keys) > 1 {
		v.active = (v.active + 1) % len(v.keys)
		v.requests = 0
		v.logger.Debug("rotated vendor key", "active", v.active)
	}
	return v.keys[v.active]
}

// switchKey forces an immediate rotation after a 429. Returns false when
// there is no other key to switch to.
func (v *VendorClient) switchKey() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.keys) < 2 {
		return false
	}
	v.active = (v.active + 1) % len(v.keys)
	v.requests = 0
	v.logger.Warn("vendor key exhausted, switched to fallback", "active", v.active)
	return true
}

type vendorSeries struct {
	Results []struct {
		T int64   `json:"t"` // epoch millis
		O float64 `json:"o"`
		H float64 `json:"h"`
		L float64 `json:"l"`
		C float64 `json:"c"`
		V float64 `json:"v"`
	} `json:"results"`
}

// get performs one vendor request with the rate-limit switch-and-retry
// policy.
func (v *VendorClient) get(ctx context.Context, path string, params map[string]string, out any) error {
	for attempt := 0; attempt < 2; attempt++ {
		resp, err := v.http.R().
			SetContext(ctx).
			SetQueryParams(params).
			SetQueryParam("apiKey", v.nextKey()).
			SetResult(out).
			Get(path)
		apiErr := classify("vendor "+path, resp, err)
		if apiErr == nil {
			return nil
		}
		if IsRateLimited(apiErr) && attempt == 0 && v.switchKey() {
			continue
		}
		return apiErr
	}
	return nil
}

// GetDailySeries fetches up to limit daily bars for a symbol, oldest first.
func (v *VendorClient) GetDailySeries(ctx context.Context, symbol string, limit int) ([]types.Bar, error) {
	var series vendorSeries
	params := map[string]string{
		"symbol":    symbol,
		"timespan":  "day",
		"limit":     formatF(float64(limit)),
		"adjusted":  "true",
	}
	if err := v.get(ctx, "/v2/aggs", params, &series); err != nil {
		return nil, err
	}

	bars := make([]types.Bar, len(series.Results))
	for i, r := range series.Results {
		bars[i] = types.Bar{
			Symbol:    symbol,
			TsOpen:    time.UnixMilli(r.T).UTC(),
			Open:      r.O,
			High:      r.H,
			Low:       r.L,
			Close:     r.C,
			Volume:    r.V,
			Timeframe: types.TF1Day,
		}
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].TsOpen.Before(bars[j].TsOpen) })
	return bars, nil
}

// GetIndexValue fetches the latest value of a market index (e.g. VIX).
func (v *VendorClient) GetIndexValue(ctx context.Context, symbol string) (float64, error) {
	var out struct {
		Value float64 `json:"value"`
	}
	if err := v.get(ctx, "/v1/indices/"+symbol+"/latest", nil, &out); err != nil {
		return 0, err
	}
	return out.Value, nil
}
