package risk

import (
	"testing"
	"time"

	"tgfleet/internal/infra/clock"
	"tgfleet/internal/infra/config"
)

func defaultWeights() config.RiskWeights {
	return config.RiskWeights{
		HourlyVolumeWeight: 0.30,
		DailyVolumeWeight:  0.30,
		DiversityWeight:    0.20,
		ComplaintWeight:    0.20,
		AccountAgeWeight:   0.10,
		BlockRateWeight:    0.15,
	}
}

func TestGetStatus_NewAccountIsSafe(t *testing.T) {
	t.Parallel()
	e := NewEngine(clock.Real, defaultWeights(), nil)
	status := e.GetStatus("+A")
	if status.RiskLevel != LevelSafe {
		t.Fatalf("expected safe, got %v", status.RiskLevel)
	}
	if status.BanProbability != 0 {
		t.Fatalf("expected 0 ban probability, got %v", status.BanProbability)
	}
}

func TestRecordSend_SlidingWindowCounts(t *testing.T) {
	t.Parallel()
	e := NewEngine(clock.Real, defaultWeights(), nil)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	e.RecordSend("+A", "hi", "100", now)
	e.RecordSend("+A", "hi", "101", now)

	status := e.GetStatus("+A")
	if status.MessagesSent1h != 2 || status.MessagesSent24h != 2 {
		t.Fatalf("expected 2/2 sends, got %d/%d", status.MessagesSent1h, status.MessagesSent24h)
	}
	if status.UniqueRecipients24h != 2 {
		t.Fatalf("expected 2 unique recipients, got %d", status.UniqueRecipients24h)
	}
}

func TestTick_AgesOutOldEvents(t *testing.T) {
	t.Parallel()
	e := NewEngine(clock.Real, defaultWeights(), nil)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	e.RecordSend("+A", "hi", "100", start)
	e.Tick(start.Add(2 * time.Hour))

	status := e.GetStatus("+A")
	if status.MessagesSent1h != 0 {
		t.Fatalf("expected 1h window aged out, got %d", status.MessagesSent1h)
	}
	if status.MessagesSent24h != 1 {
		t.Fatalf("expected 24h window to still hold the send, got %d", status.MessagesSent24h)
	}

	e.Tick(start.Add(25 * time.Hour))
	status = e.GetStatus("+A")
	if status.MessagesSent24h != 0 {
		t.Fatalf("expected 24h window aged out, got %d", status.MessagesSent24h)
	}
}

func TestRecordError_ThreeFloodWaitsForceQuarantine(t *testing.T) {
	t.Parallel()
	e := NewEngine(clock.Real, defaultWeights(), nil)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	e.RecordError("+A", ErrorFloodWait, "flood", now)
	e.RecordError("+A", ErrorFloodWait, "flood", now.Add(time.Minute))
	e.RecordError("+A", ErrorFloodWait, "flood", now.Add(2*time.Minute))

	reqs := e.DrainQuarantineRequests()
	if len(reqs) != 1 {
		t.Fatalf("expected exactly one quarantine request, got %d", len(reqs))
	}
	if reqs[0].Reason != "floodwait" {
		t.Fatalf("expected floodwait reason, got %s", reqs[0].Reason)
	}
	if reqs[0].DurationMins != 180 {
		t.Fatalf("expected 60*3=180 minutes, got %d", reqs[0].DurationMins)
	}
}

func TestBanProbability_HighVolumeCrossesThresholds(t *testing.T) {
	t.Parallel()
	e := NewEngine(clock.Real, defaultWeights(), nil)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 55; i++ {
		e.RecordSend("+A", "hi", "recipient", now)
	}

	status := e.GetStatus("+A")
	if status.BanProbability < 0.3 {
		t.Fatalf("expected elevated ban probability from volume+reuse, got %v", status.BanProbability)
	}
}

func TestSetQuarantined_OverridesRiskLevel(t *testing.T) {
	t.Parallel()
	e := NewEngine(clock.Real, defaultWeights(), nil)
	e.SetQuarantined("+A", true)

	status := e.GetStatus("+A")
	if status.RiskLevel != LevelQuarantined {
		t.Fatalf("expected quarantined, got %v", status.RiskLevel)
	}
}

func TestDailyReset_DoesNotAffectBanProbability(t *testing.T) {
	t.Parallel()
	e := NewEngine(clock.Real, defaultWeights(), nil)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e.RecordSend("+A", "hi", "100", now)

	before := e.GetStatus("+A")
	e.DailyReset()
	after := e.GetStatus("+A")

	if before.BanProbability != after.BanProbability {
		t.Fatalf("daily reset must not change ban probability: before=%v after=%v",
			before.BanProbability, after.BanProbability)
	}
}
