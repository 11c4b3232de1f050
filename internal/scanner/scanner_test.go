package scanner

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"daytrader/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const scanPage = `[
	{"symbol": "NVDA", "last_price": 450, "avg_volume": 40000000, "relative_volume": 3.2, "atr_pct": 0.03, "gap_pct": 0.02},
	{"symbol": "AAPL", "last_price": 200, "avg_volume": 50000000, "relative_volume": 1.1, "atr_pct": 0.015, "gap_pct": 0.0},
	{"symbol": "PENNY", "last_price": 3.5, "avg_volume": 90000000, "relative_volume": 8.0, "atr_pct": 0.2, "gap_pct": 0.1},
	{"symbol": "THIN", "last_price": 80, "avg_volume": 200000, "relative_volume": 5.0, "atr_pct": 0.05, "gap_pct": 0.03},
	{"symbol": "TSLA", "last_price": 250, "avg_volume": 60000000, "relative_volume": 2.5, "atr_pct": 0.04, "gap_pct": 0.01}
]`

func testWatchlistConfig(url string) config.WatchlistConfig {
	return config.WatchlistConfig{
		Max:          3,
		ScannerURL:   url,
		ScanInterval: time.Hour,
		MinPrice:     5,
		MaxPrice:     1000,
		MinAvgVolume: 1_000_000,
	}
}

func TestScanFiltersAndRanks(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/candidates" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, scanPage)
	}))
	t.Cleanup(srv.Close)

	s := New(testWatchlistConfig(srv.URL), testLogger())
	s.scan(context.Background())

	select {
	case res := <-s.Results():
		// PENNY is under the price floor, THIN under the volume floor.
		// NVDA (3.2 rv × 5% range) outranks TSLA (2.5 × 5%) outranks AAPL.
		want := []string{"NVDA", "TSLA", "AAPL"}
		if len(res.Symbols) != len(want) {
			t.Fatalf("symbols = %v, want %v", res.Symbols, want)
		}
		for i := range want {
			if res.Symbols[i] != want[i] {
				t.Errorf("rank %d = %s, want %s", i, res.Symbols[i], want[i])
			}
		}
	case <-time.After(time.Second):
		t.Fatal("no scan result")
	}
}

func TestLatestScanWins(t *testing.T) {
	t.Parallel()

	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		if calls == 1 {
			io.WriteString(w, `[{"symbol": "OLD", "last_price": 50, "avg_volume": 2000000, "relative_volume": 2, "atr_pct": 0.02}]`)
		} else {
			io.WriteString(w, `[{"symbol": "NEW", "last_price": 50, "avg_volume": 2000000, "relative_volume": 2, "atr_pct": 0.02}]`)
		}
	}))
	t.Cleanup(srv.Close)

	s := New(testWatchlistConfig(srv.URL), testLogger())
	s.scan(context.Background())
	s.scan(context.Background()) // nobody read the first result

	res := <-s.Results()
	if len(res.Symbols) != 1 || res.Symbols[0] != "NEW" {
		t.Errorf("symbols = %v, want the stale list replaced", res.Symbols)
	}
}

func TestFailedScanKeepsQuiet(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	s := New(testWatchlistConfig(srv.URL), testLogger())
	s.scan(context.Background())

	select {
	case res := <-s.Results():
		t.Errorf("unexpected result %v from a failed scan", res)
	default:
	}
}

func TestNoScannerURLDisables(t *testing.T) {
	t.Parallel()

	if s := New(config.WatchlistConfig{}, testLogger()); s != nil {
		t.Error("scanner without a URL should be nil")
	}
}
