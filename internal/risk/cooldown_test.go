package risk

import (
	"testing"
	"time"
)

func TestFreezeAfterConsecutiveLosses(t *testing.T) {
	t.Parallel()

	tr := NewCooldownTracker(2, 2*time.Hour)
	now := time.Now()

	tr.RecordResult("TSLA", -120, now)
	if tr.Frozen("TSLA", now) {
		t.Error("one loss should not freeze")
	}
	tr.RecordResult("TSLA", -80, now.Add(time.Minute))
	if !tr.Frozen("TSLA", now.Add(time.Minute)) {
		t.Error("two consecutive losses should freeze")
	}
	if tr.Frozen("TSLA", now.Add(3*time.Hour)) {
		t.Error("freeze should expire after the cooldown duration")
	}
}

func TestWinClearsStreakAndFreeze(t *testing.T) {
	t.Parallel()

	tr := NewCooldownTracker(2, 2*time.Hour)
	now := time.Now()

	tr.RecordResult("AAPL", -50, now)
	tr.RecordResult("AAPL", -50, now.Add(time.Minute))
	if !tr.Frozen("AAPL", now.Add(time.Minute)) {
		t.Fatal("expected freeze")
	}

	tr.RecordResult("AAPL", 200, now.Add(2*time.Minute))
	if tr.Frozen("AAPL", now.Add(2*time.Minute)) {
		t.Error("a win should clear the freeze")
	}
	if tr.ConsecutiveLosses("AAPL") != 0 {
		t.Error("a win should reset the streak")
	}
}

func TestWinRateWindow(t *testing.T) {
	t.Parallel()

	tr := NewCooldownTracker(3, time.Hour)
	now := time.Now()

	// An old win outside the 24h window is evicted on the next record.
	tr.RecordResult("NVDA", 500, now.Add(-30*time.Hour))
	tr.RecordResult("NVDA", -100, now)
	tr.RecordResult("NVDA", 100, now)

	rate, samples := tr.WinRate("NVDA")
	if samples != 2 {
		t.Errorf("samples = %d, want 2 (stale outcome evicted)", samples)
	}
	if rate != 0.5 {
		t.Errorf("rate = %v, want 0.5", rate)
	}
}

func TestSnapshotRestore(t *testing.T) {
	t.Parallel()

	tr := NewCooldownTracker(1, 2*time.Hour)
	now := time.Now()
	tr.RecordResult("TSLA", -10, now)

	snap := tr.Snapshot()
	if len(snap) != 1 || snap[0].Symbol != "TSLA" {
		t.Fatalf("snapshot = %+v", snap)
	}

	restored := NewCooldownTracker(1, 2*time.Hour)
	restored.Restore(snap, now)
	if !restored.Frozen("TSLA", now) {
		t.Error("restored freeze should be active")
	}

	// Expired records are dropped on restore.
	late := NewCooldownTracker(1, 2*time.Hour)
	late.Restore(snap, now.Add(3*time.Hour))
	if late.Frozen("TSLA", now.Add(3*time.Hour)) {
		t.Error("expired freeze must not be restored")
	}
}
