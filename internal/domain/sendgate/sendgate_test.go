package sendgate

import (
	"testing"
	"time"

	"tgfleet/internal/domain/activity"
	"tgfleet/internal/infra/randsrc"
)

type fakeQuarantine struct {
	quarantined map[string]time.Time
}

func (f *fakeQuarantine) IsQuarantined(accountID string) (bool, time.Time, error) {
	t, ok := f.quarantined[accountID]
	return ok, t, nil
}

type fakeRisk struct {
	levels map[string]string
}

func (f *fakeRisk) RiskLevel(accountID string) string {
	if l, ok := f.levels[accountID]; ok {
		return l
	}
	return "safe"
}

func TestCanSend_DeniesWhenQuarantined(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	q := &fakeQuarantine{quarantined: map[string]time.Time{"+A": now.Add(time.Hour)}}
	g := NewGate(q, &fakeRisk{}, nil, randsrc.NewSeeded(1), 0, 0)

	d, err := g.CanSend("c1", "+A", now)
	if err != nil {
		t.Fatalf("CanSend: %v", err)
	}
	if d.Kind != DecisionDeny {
		t.Fatalf("expected Deny for quarantined account, got %+v", d)
	}
}

func TestCanSend_DeniesWhenSleeping(t *testing.T) {
	t.Parallel()
	act := activity.NewRegistry(randsrc.NewSeeded(1))
	act.Regenerate("+A", 0) // default 2-7 sleep window at offset 0
	g := NewGate(&fakeQuarantine{}, &fakeRisk{}, act, randsrc.NewSeeded(1), 0, 0)

	asleep := time.Date(2026, 1, 1, 4, 0, 0, 0, time.UTC)
	d, err := g.CanSend("c1", "+A", asleep)
	if err != nil {
		t.Fatalf("CanSend: %v", err)
	}
	if d.Kind != DecisionDeny || d.Reason != "sleeping" {
		t.Fatalf("expected Deny(sleeping), got %+v", d)
	}
}

func TestCanSend_HourlyLimitDelays(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	g := NewGate(&fakeQuarantine{}, &fakeRisk{}, nil, randsrc.NewSeeded(1), 2, 0)

	g.RecordSent("c1", "+A", now)
	g.RecordSent("c1", "+A", now)

	d, err := g.CanSend("c1", "+A", now)
	if err != nil {
		t.Fatalf("CanSend: %v", err)
	}
	if d.Kind != DecisionDelay || d.Reason != "hourly limit" {
		t.Fatalf("expected Delay(hourly limit), got %+v", d)
	}
}

func TestCanSend_LifetimeCapDenies(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	g := NewGate(&fakeQuarantine{}, &fakeRisk{}, nil, randsrc.NewSeeded(1), 0, 1)

	g.RecordSent("c1", "+A", now)

	d, err := g.CanSend("c1", "+A", now)
	if err != nil {
		t.Fatalf("CanSend: %v", err)
	}
	if d.Kind != DecisionDeny || d.Reason != "account capped" {
		t.Fatalf("expected Deny(account capped), got %+v", d)
	}
}

func TestCanSend_CriticalRiskAlwaysDelays(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	risk := &fakeRisk{levels: map[string]string{"+A": "critical"}}
	g := NewGate(&fakeQuarantine{}, risk, nil, randsrc.NewSeeded(1), 0, 0)

	d, err := g.CanSend("c1", "+A", now)
	if err != nil {
		t.Fatalf("CanSend: %v", err)
	}
	if d.Kind != DecisionDelay || d.Seconds != 600 {
		t.Fatalf("expected Delay(600, critical risk), got %+v", d)
	}
}

func TestCanSend_SafeRiskAllowsWithNoDelay(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	g := NewGate(&fakeQuarantine{}, &fakeRisk{}, nil, randsrc.NewSeeded(1), 0, 0)

	d, err := g.CanSend("c1", "+A", now)
	if err != nil {
		t.Fatalf("CanSend: %v", err)
	}
	if d.Kind != DecisionAllow || d.Seconds != 0 {
		t.Fatalf("expected Allow with no mandatory delay, got %+v", d)
	}
}

func TestCanSend_PerCampaignLimitOverridesGateDefault(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	// Gate-wide default allows up to 100/hour, but campaign "c1" overrides
	// to a stricter cap of 1/hour; campaign "c2" keeps the gate default.
	g := NewGate(&fakeQuarantine{}, &fakeRisk{}, nil, randsrc.NewSeeded(1), 100, 0)
	g.SetCampaignLimits("c1", 1, 0)

	g.RecordSent("c1", "+A", now)
	d, err := g.CanSend("c1", "+A", now)
	if err != nil {
		t.Fatalf("CanSend: %v", err)
	}
	if d.Kind != DecisionDelay || d.Reason != "hourly limit" {
		t.Fatalf("expected campaign override to delay after 1 send, got %+v", d)
	}

	g.RecordSent("c2", "+A", now)
	d2, err := g.CanSend("c2", "+A", now)
	if err != nil {
		t.Fatalf("CanSend: %v", err)
	}
	if d2.Kind != DecisionAllow {
		t.Fatalf("expected campaign without an override to keep the gate-wide limit, got %+v", d2)
	}
}

func TestCanSend_HighRiskAllowsWithMandatoryDelay(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	risk := &fakeRisk{levels: map[string]string{"+A": "high"}}
	g := NewGate(&fakeQuarantine{}, risk, nil, randsrc.NewSeeded(1), 0, 0)

	d, err := g.CanSend("c1", "+A", now)
	if err != nil {
		t.Fatalf("CanSend: %v", err)
	}
	if d.Kind != DecisionAllow {
		t.Fatalf("expected Allow at high risk, got %+v", d)
	}
	if d.Seconds < 30 || d.Seconds > 120 {
		t.Fatalf("expected mandatory delay in [30,120], got %v", d.Seconds)
	}
}
