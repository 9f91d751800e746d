// Package supervisor is the process-wide 1 Hz heartbeat (C10): it sweeps
// expired quarantines, ages out risk windows, and periodically rotates
// stale fingerprints, per spec.md §4.10.
package supervisor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"tgfleet/internal/domain/fingerprint"
	"tgfleet/internal/domain/quarantine"
	"tgfleet/internal/domain/risk"
	"tgfleet/internal/infra/clock"
	"tgfleet/internal/infra/logger"
)

const (
	tickInterval   = time.Second
	minuteInterval = time.Minute
)

// Config bundles the collaborators one Supervisor ticks.
type Config struct {
	Risk        *risk.Engine
	Quarantine  *quarantine.Manager
	Fingerprint *fingerprint.Registry
	Clock       clock.Clock

	// FingerprintMaxAge overrides the registry's default rotation interval
	// for the auto-rotation sweep; zero keeps the registry default.
	FingerprintMaxAge time.Duration
}

// Supervisor runs the fleet-wide maintenance tick and caches read-heavy
// risk snapshots so observers don't contend with the per-account mutex.
type Supervisor struct {
	cfg Config

	mu            sync.RWMutex
	snapshots     map[string]risk.Status
	lastMinuteRun time.Time
	lastResetDay  string

	stop chan struct{}
	wg   sync.WaitGroup
}

func New(cfg Config) *Supervisor {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real
	}
	return &Supervisor{
		cfg:       cfg,
		snapshots: make(map[string]risk.Status),
	}
}

// Start runs the 1 Hz tick loop in a background goroutine until ctx is
// cancelled or Stop is called.
func (s *Supervisor) Start(ctx context.Context) {
	s.stop = make(chan struct{})
	ticker := time.NewTicker(tickInterval)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				if err := s.Tick(s.cfg.Clock.Now()); err != nil {
					logger.Error("supervisor: tick failed", zap.Error(err))
				}
			}
		}
	}()
}

// Stop ends the tick loop and waits for it to exit.
func (s *Supervisor) Stop() {
	if s.stop == nil {
		return
	}
	close(s.stop)
	s.wg.Wait()
}

// Tick runs one maintenance pass: quarantine sweep, risk-request
// forwarding, risk window aging, and (at coarser cadences) fingerprint
// auto-rotation, snapshot refresh, and UTC-midnight daily reset. Exposed
// directly so it can be driven deterministically in tests.
func (s *Supervisor) Tick(now time.Time) error {
	if err := s.sweepQuarantines(now); err != nil {
		return err
	}
	if err := s.forwardQuarantineRequests(now); err != nil {
		return err
	}

	if s.cfg.Risk != nil {
		s.cfg.Risk.Tick(now)
	}

	if s.lastMinuteRun.IsZero() || now.Sub(s.lastMinuteRun) >= minuteInterval {
		s.lastMinuteRun = now
		s.runMinuteTasks(now)
	}

	s.maybeDailyReset(now)
	return nil
}

// sweepQuarantines releases any account whose release_at has passed and
// clears the risk engine's quarantined flag for it.
func (s *Supervisor) sweepQuarantines(now time.Time) error {
	if s.cfg.Quarantine == nil {
		return nil
	}
	released, err := s.cfg.Quarantine.SweepExpired(now)
	if err != nil {
		return err
	}
	if s.cfg.Risk == nil {
		return nil
	}
	for _, accountID := range released {
		s.cfg.Risk.SetQuarantined(accountID, false)
	}
	return nil
}

// forwardQuarantineRequests drains auto-quarantine requests the risk
// engine buffered since the last tick and applies them to the Quarantine
// Manager, then marks the account quarantined in the risk engine.
func (s *Supervisor) forwardQuarantineRequests(now time.Time) error {
	if s.cfg.Risk == nil || s.cfg.Quarantine == nil {
		return nil
	}
	for _, req := range s.cfg.Risk.DrainQuarantineRequests() {
		snapshot := map[string]any{
			"ban_probability":       req.MetricsSummary.BanProbability,
			"risk_level":            string(req.MetricsSummary.RiskLevel),
			"messages_sent_1h":      req.MetricsSummary.MessagesSent1h,
			"messages_sent_24h":     req.MetricsSummary.MessagesSent24h,
			"unique_recipients_24h": req.MetricsSummary.UniqueRecipients24h,
			"errors_24h":            req.MetricsSummary.Errors24h,
			"floodwait_24h":         req.MetricsSummary.FloodWait24h,
		}
		if err := s.cfg.Quarantine.Quarantine(req.AccountID, req.Reason, float64(req.DurationMins), snapshot); err != nil {
			logger.Error("supervisor: quarantine request failed",
				zap.String("account_id", req.AccountID), zap.String("reason", req.Reason), zap.Error(err))
			continue
		}
		s.cfg.Risk.SetQuarantined(req.AccountID, true)
	}
	return nil
}

// runMinuteTasks runs the two once-a-minute responsibilities: stale
// fingerprint auto-rotation and cached snapshot refresh.
func (s *Supervisor) runMinuteTasks(now time.Time) {
	if s.cfg.Fingerprint != nil {
		if err := s.cfg.Fingerprint.AutoRotateAllStale(s.cfg.FingerprintMaxAge); err != nil {
			logger.Error("supervisor: fingerprint auto-rotate failed", zap.Error(err))
		}
	}
	s.refreshSnapshots()
}

// refreshSnapshots recomputes the cached per-account risk status used by
// read-heavy observers (dashboards, CampaignRiskReport callers) so they
// never contend with the risk engine's per-account mutex directly.
func (s *Supervisor) refreshSnapshots() {
	if s.cfg.Risk == nil {
		return
	}
	s.mu.RLock()
	ids := make([]string, 0, len(s.snapshots))
	for id := range s.snapshots {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	fresh := make(map[string]risk.Status, len(ids))
	for _, id := range ids {
		fresh[id] = s.cfg.Risk.GetStatus(id)
	}

	s.mu.Lock()
	s.snapshots = fresh
	s.mu.Unlock()
}

// Observe registers accountID for snapshot caching, so subsequent
// refreshSnapshots passes keep it current. Each dispatcher worker calls this
// on its first successful send; repeat calls are harmless.
func (s *Supervisor) Observe(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.snapshots[accountID]; !ok {
		s.snapshots[accountID] = risk.Status{}
	}
}

// Snapshot returns the last cached risk status for accountID.
func (s *Supervisor) Snapshot(accountID string) (risk.Status, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.snapshots[accountID]
	return st, ok
}

// maybeDailyReset fires risk.DailyReset() exactly once per UTC calendar
// day, the first tick that observes a new day.
func (s *Supervisor) maybeDailyReset(now time.Time) {
	day := now.UTC().Format("2006-01-02")
	if s.lastResetDay == "" {
		s.lastResetDay = day
		return
	}
	if day == s.lastResetDay {
		return
	}
	s.lastResetDay = day
	if s.cfg.Risk != nil {
		s.cfg.Risk.DailyReset()
	}
}
