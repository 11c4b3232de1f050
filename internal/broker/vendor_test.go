package broker

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"daytrader/internal/config"
)

func TestVendorSwitchesKeyOn429(t *testing.T) {
	t.Parallel()

	var keysSeen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("apiKey")
		keysSeen = append(keysSeen, key)
		if key == "primary" {
			w.WriteHeader(http.StatusTooManyRequests)
			io.WriteString(w, `{"message": "credit limit exceeded"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"results": [{"t": 1724457600000, "o": 100, "h": 101, "l": 99, "c": 100.5, "v": 5000000}]}`)
	}))
	t.Cleanup(srv.Close)

	v := NewVendorClient(config.VendorConfig{
		BaseURL:     srv.URL,
		PrimaryKey:  "primary",
		FallbackKey: "fallback",
		RotateEvery: 100,
	}, discardLogger())

	bars, err := v.GetDailySeries(context.Background(), "SPY", 200)
	if err != nil {
		t.Fatalf("GetDailySeries: %v", err)
	}
	if len(bars) != 1 || bars[0].Close != 100.5 {
		t.Errorf("bars = %+v, want one bar at 100.5", bars)
	}
	if len(keysSeen) != 2 || keysSeen[0] != "primary" || keysSeen[1] != "fallback" {
		t.Errorf("keys seen = %v, want [primary fallback]", keysSeen)
	}
}

func TestVendorRotatesProactively(t *testing.T) {
	t.Parallel()

	var keysSeen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keysSeen = append(keysSeen, r.URL.Query().Get("apiKey"))
		io.WriteString(w, `{"results": []}`)
	}))
	t.Cleanup(srv.Close)

	v := NewVendorClient(config.VendorConfig{
		BaseURL:     srv.URL,
		PrimaryKey:  "primary",
		FallbackKey: "fallback",
		RotateEvery: 2,
	}, discardLogger())

	for i := 0; i < 4; i++ {
		if _, err := v.GetDailySeries(context.Background(), "QQQ", 10); err != nil {
			t.Fatal(err)
		}
	}
	// Rotation after every second request: primary, fallback, fallback, primary.
	if keysSeen[0] != "primary" || keysSeen[1] != "fallback" {
		t.Errorf("keys seen = %v, rotation should kick in on second request", keysSeen)
	}
}

func TestVendorSingleKeyRateLimitFails(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"message": "credit limit exceeded"}`)
	}))
	t.Cleanup(srv.Close)

	v := NewVendorClient(config.VendorConfig{BaseURL: srv.URL, PrimaryKey: "only"}, discardLogger())
	_, err := v.GetDailySeries(context.Background(), "SPY", 10)
	if !IsRateLimited(err) {
		t.Errorf("err = %v, want rate_limited with no fallback key", err)
	}
}
