package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"daytrader/internal/engine"
	"daytrader/internal/journal"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeController struct {
	enabled   bool
	emergency bool
}

func (f *fakeController) Snapshot() engine.Status {
	return engine.Status{TradingEnabled: f.enabled && !f.emergency, Emergency: f.emergency}
}

func (f *fakeController) EnableTrading()  { f.enabled = true }
func (f *fakeController) DisableTrading() { f.enabled = false }
func (f *fakeController) EmergencyStop(context.Context) {
	f.emergency = true
	f.enabled = false
}

func testHandlers(t *testing.T, ctrl *fakeController) *Handlers {
	t.Helper()
	jnl, err := journal.Open(":memory:", testLogger())
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	t.Cleanup(func() { jnl.Close() })
	return NewHandlers(ctrl, jnl, NewHub(testLogger()), testLogger())
}

func TestHealth(t *testing.T) {
	t.Parallel()

	h := testHandlers(t, &fakeController{})
	rec := httptest.NewRecorder()
	h.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil || body["status"] != "ok" {
		t.Errorf("body = %v, err = %v", body, err)
	}
}

func TestEnableDisable(t *testing.T) {
	t.Parallel()

	ctrl := &fakeController{enabled: true}
	h := testHandlers(t, ctrl)

	rec := httptest.NewRecorder()
	h.HandleDisable(rec, httptest.NewRequest(http.MethodPost, "/api/trading/disable", nil))
	var body map[string]bool
	json.NewDecoder(rec.Body).Decode(&body)
	if body["trading_enabled"] {
		t.Error("disable should report trading off")
	}

	rec = httptest.NewRecorder()
	h.HandleEnable(rec, httptest.NewRequest(http.MethodPost, "/api/trading/enable", nil))
	json.NewDecoder(rec.Body).Decode(&body)
	if !body["trading_enabled"] {
		t.Error("enable should report trading on")
	}
}

func TestEmergencyStopLatchesOff(t *testing.T) {
	t.Parallel()

	ctrl := &fakeController{enabled: true}
	h := testHandlers(t, ctrl)

	rec := httptest.NewRecorder()
	h.HandleEmergencyStop(rec, httptest.NewRequest(http.MethodPost, "/api/emergency-stop", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !ctrl.emergency {
		t.Error("controller not stopped")
	}

	// Enable after emergency must still report trading off.
	rec = httptest.NewRecorder()
	h.HandleEnable(rec, httptest.NewRequest(http.MethodPost, "/api/trading/enable", nil))
	var body map[string]bool
	json.NewDecoder(rec.Body).Decode(&body)
	if body["trading_enabled"] {
		t.Error("emergency latch must survive enable")
	}
}

func TestStatusPayload(t *testing.T) {
	t.Parallel()

	h := testHandlers(t, &fakeController{enabled: true})
	rec := httptest.NewRecorder()
	h.HandleStatus(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	var status engine.Status
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !status.TradingEnabled {
		t.Errorf("status = %+v", status)
	}
}
