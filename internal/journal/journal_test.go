package journal

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"daytrader/internal/events"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(":memory:", testLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestRecordAndRecent(t *testing.T) {
	j := openTestJournal(t)

	now := time.Now()
	j.Record(events.Event{Type: events.SignalGenerated, Symbol: "AAPL", At: now,
		Payload: map[string]any{"confidence": 82.5}})
	j.Record(events.Event{Type: events.OrderFilled, Symbol: "AAPL", At: now.Add(time.Second),
		Payload: map[string]any{"fill": 200.25}})

	rows, err := j.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	// Newest first.
	if rows[0].Type != string(events.OrderFilled) || rows[1].Type != string(events.SignalGenerated) {
		t.Errorf("order = %s, %s", rows[0].Type, rows[1].Type)
	}
	if !strings.Contains(rows[0].Payload, "200.25") {
		t.Errorf("payload = %q, want the fill price journaled", rows[0].Payload)
	}
}

func TestSymbolQueryWindow(t *testing.T) {
	j := openTestJournal(t)

	now := time.Now()
	j.Record(events.Event{Type: events.PositionClosed, Symbol: "TSLA", At: now.Add(-48 * time.Hour)})
	j.Record(events.Event{Type: events.PositionOpened, Symbol: "TSLA", At: now})
	j.Record(events.Event{Type: events.PositionOpened, Symbol: "NVDA", At: now})

	rows, err := j.Symbol(context.Background(), "TSLA", now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("symbol: %v", err)
	}
	if len(rows) != 1 || rows[0].Type != string(events.PositionOpened) {
		t.Errorf("rows = %+v, want only the recent TSLA open", rows)
	}
}

func TestAttachDrainsBus(t *testing.T) {
	j := openTestJournal(t)

	bus := events.NewBus(testLogger())
	j.Attach(bus)

	bus.Emit(events.RegimeChanged, "", map[string]any{"label": "broadBullish"})
	bus.Emit(events.EngineLog, "", "started")

	// The writer goroutine drains asynchronously; poll briefly.
	deadline := time.Now().Add(2 * time.Second)
	for {
		counts, err := j.CountByType(context.Background())
		if err != nil {
			t.Fatalf("counts: %v", err)
		}
		if counts[string(events.RegimeChanged)] == 1 && counts[string(events.EngineLog)] == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("journal never caught up: %v", counts)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
