package supervisor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"tgfleet/internal/domain/fingerprint"
	"tgfleet/internal/domain/quarantine"
	"tgfleet/internal/domain/risk"
	"tgfleet/internal/infra/clock"
	"tgfleet/internal/infra/config"
	"tgfleet/internal/infra/randsrc"
)

func newTestSupervisor(t *testing.T, now time.Time) (*Supervisor, *risk.Engine, *quarantine.Manager, *clock.Fake) {
	t.Helper()
	fc := clock.NewFake(now)

	q, err := quarantine.NewManager(filepath.Join(t.TempDir(), "q.bbolt"), fc)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })

	re := risk.NewEngine(fc, config.RiskWeights{}, nil)
	q.OnChange(func(accountID string, quarantined bool) {
		re.SetQuarantined(accountID, quarantined)
	})

	fr, err := fingerprint.NewRegistry(filepath.Join(t.TempDir(), "fp.bbolt"), fc, randsrc.NewSeeded(1))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	t.Cleanup(func() { _ = fr.Close() })

	sup := New(Config{Risk: re, Quarantine: q, Fingerprint: fr, Clock: fc})
	return sup, re, q, fc
}

func TestTick_SweepsExpiredQuarantineAndClearsRiskFlag(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	sup, re, q, fc := newTestSupervisor(t, now)

	if err := q.Quarantine("+A", "manual", 1, nil); err != nil {
		t.Fatalf("Quarantine: %v", err)
	}
	re.SetQuarantined("+A", true)

	fc.Advance(2 * time.Minute)
	if err := sup.Tick(fc.Now()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	quarantined, _, err := q.IsQuarantined("+A")
	if err != nil {
		t.Fatalf("IsQuarantined: %v", err)
	}
	if quarantined {
		t.Fatalf("expected quarantine to have been swept after release time passed")
	}
	if re.GetStatus("+A").RiskLevel == risk.LevelQuarantined {
		t.Fatalf("expected risk engine's quarantined flag cleared after sweep")
	}
}

func TestTick_ForwardsRiskEngineQuarantineRequests(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	sup, re, q, _ := newTestSupervisor(t, now)

	// Repeated floodwait errors trip the three-consecutive-floodwait rule,
	// which forces a quarantine request even with all-zero risk weights.
	for i := 0; i < 20; i++ {
		re.RecordError("+A", risk.ErrorFloodWait, "flood", now)
	}

	if err := sup.Tick(now); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	quarantined, _, err := q.IsQuarantined("+A")
	if err != nil {
		t.Fatalf("IsQuarantined: %v", err)
	}
	if !quarantined {
		t.Fatalf("expected a forwarded quarantine request to have quarantined +A")
	}
}

func TestTick_RunsMinuteTasksOnceEveryMinute(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	sup, re, _, fc := newTestSupervisor(t, now)
	re.GetStatus("+A") // auto-create the account
	sup.Observe("+A")

	if err := sup.Tick(fc.Now()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if _, ok := sup.Snapshot("+A"); !ok {
		t.Fatalf("expected snapshot to be populated on first minute tick")
	}

	fc.Advance(30 * time.Second)
	if err := sup.Tick(fc.Now()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	firstRun := sup.lastMinuteRun

	fc.Advance(31 * time.Second)
	if err := sup.Tick(fc.Now()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if !sup.lastMinuteRun.After(firstRun) {
		t.Fatalf("expected minute tasks to re-run once 60s elapsed")
	}
}

func TestTick_FiresDailyResetOnceOnUTCDayChange(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	sup, re, _, fc := newTestSupervisor(t, now)

	re.RecordSend("+A", "hello there", "u1", now)
	if err := sup.Tick(fc.Now()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	fc.Advance(2 * time.Minute) // crosses into 2026-03-02
	if err := sup.Tick(fc.Now()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	// DailyReset only zeroes the operator-facing daily counter; it must not
	// perturb the sliding-window sent-count the ban-probability formula
	// reads from.
	if re.GetStatus("+A").MessagesSent24h == 0 {
		t.Fatalf("expected sliding-window 24h count to survive daily reset")
	}

	fc.Advance(time.Second)
	if err := sup.Tick(fc.Now()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if sup.lastResetDay != "2026-03-02" {
		t.Fatalf("expected lastResetDay tracked as 2026-03-02, got %s", sup.lastResetDay)
	}
}

func TestStartStop_RunsWithoutPanicking(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	sup, _, _, _ := newTestSupervisor(t, now)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	sup.Start(ctx)
	<-ctx.Done()
	sup.Stop()
}
