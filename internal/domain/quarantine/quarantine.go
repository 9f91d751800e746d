// Package quarantine tracks which accounts are temporarily benched and for
// how long, durably, per spec.md §4.5. An active quarantine pauses sending
// for an account until its release time; history accumulates per-account
// totals for reporting.
package quarantine

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"tgfleet/internal/infra/boltstore"
	"tgfleet/internal/infra/clock"
	"tgfleet/internal/infra/logger"
)

const (
	activeBucket  = "quarantine_active"
	statsBucket   = "quarantine_stats"
)

// Record is one active quarantine.
type Record struct {
	AccountID       string            `json:"account_id"`
	Reason          string            `json:"reason"`
	StartedAt       time.Time         `json:"started_at"`
	ReleaseAt       time.Time         `json:"release_at"`
	MetricsSnapshot map[string]any    `json:"metrics_snapshot,omitempty"`
}

// Stats accumulates per-account quarantine history.
type Stats struct {
	AccountID          string    `json:"account_id"`
	TotalQuarantines   int       `json:"total_quarantines"`
	TotalMinutes       float64   `json:"total_minutes"`
	LastQuarantineAt   time.Time `json:"last_quarantine_at"`
}

// Observer is notified on quarantine state transitions. Observers run
// synchronously; a panicking observer is recovered and logged, so it cannot
// fail a Quarantine/Release call, but a slow one delays it.
type Observer func(accountID string, quarantined bool)

// Manager owns the durable active-quarantine and stats stores.
type Manager struct {
	db  *boltstore.DB
	clk clock.Clock

	mu        sync.Mutex
	observers []Observer
}

func NewManager(path string, clk clock.Clock) (*Manager, error) {
	db, err := boltstore.Open(path)
	if err != nil {
		return nil, err
	}
	return &Manager{db: db, clk: clk}, nil
}

func (m *Manager) Close() error { return m.db.Close() }

// OnChange registers an observer invoked after every Quarantine/Release/
// SweepExpired transition. Typically wired to risk.Engine.SetQuarantined.
func (m *Manager) OnChange(obs Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, obs)
}

func (m *Manager) notify(accountID string, quarantined bool) {
	m.mu.Lock()
	obs := append([]Observer(nil), m.observers...)
	m.mu.Unlock()
	for _, o := range obs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("quarantine: observer panic", zap.String("account_id", accountID), zap.Any("panic", r))
				}
			}()
			o(accountID, quarantined)
		}()
	}
}

// Quarantine puts accountID under quarantine for durationMinutes. If the
// account is already quarantined, the record's release_at is overwritten
// only if the new one is later, so a harsher verdict can never shorten an
// existing quarantine.
func (m *Manager) Quarantine(accountID, reason string, durationMinutes float64, metricsSnapshot map[string]any) error {
	now := m.clk.Now()
	newRelease := now.Add(time.Duration(durationMinutes * float64(time.Minute)))

	var existing Record
	ok, err := m.db.GetJSON(activeBucket, accountID, &existing)
	if err != nil {
		return err
	}

	wasQuarantined := ok
	rec := Record{
		AccountID:       accountID,
		Reason:          reason,
		StartedAt:       now,
		ReleaseAt:       newRelease,
		MetricsSnapshot: metricsSnapshot,
	}
	if ok {
		rec.StartedAt = existing.StartedAt
		if existing.ReleaseAt.After(newRelease) {
			rec.ReleaseAt = existing.ReleaseAt
		}
		if existing.Reason != "" && reason == "" {
			rec.Reason = existing.Reason
		}
	}

	if err := m.db.PutJSON(activeBucket, accountID, rec); err != nil {
		return err
	}

	if err := m.bumpStats(accountID, durationMinutes, now); err != nil {
		logger.Error("quarantine: stats update failed", zap.String("account_id", accountID), zap.Error(err))
	}

	if !wasQuarantined {
		m.notify(accountID, true)
	}
	return nil
}

func (m *Manager) bumpStats(accountID string, durationMinutes float64, now time.Time) error {
	var st Stats
	ok, err := m.db.GetJSON(statsBucket, accountID, &st)
	if err != nil {
		return err
	}
	if !ok {
		st = Stats{AccountID: accountID}
	}
	st.TotalQuarantines++
	st.TotalMinutes += durationMinutes
	st.LastQuarantineAt = now
	return m.db.PutJSON(statsBucket, accountID, st)
}

// Release ends accountID's active quarantine, if any.
func (m *Manager) Release(accountID string) error {
	var existing Record
	ok, err := m.db.GetJSON(activeBucket, accountID, &existing)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := m.db.Delete(activeBucket, accountID); err != nil {
		return err
	}
	m.notify(accountID, false)
	return nil
}

// IsQuarantined reports whether accountID has an active (unexpired)
// quarantine record and its release time.
func (m *Manager) IsQuarantined(accountID string) (bool, time.Time, error) {
	var rec Record
	ok, err := m.db.GetJSON(activeBucket, accountID, &rec)
	if err != nil || !ok {
		return false, time.Time{}, err
	}
	if !rec.ReleaseAt.After(m.clk.Now()) {
		return false, time.Time{}, nil
	}
	return true, rec.ReleaseAt, nil
}

// SweepExpired releases every account whose release_at has passed,
// returning the released account IDs. Called on every Supervisor tick.
func (m *Manager) SweepExpired(now time.Time) ([]string, error) {
	var expired []string
	err := boltstore.ForEachJSON(m.db, activeBucket, func(key string, rec Record) error {
		if !rec.ReleaseAt.After(now) {
			expired = append(expired, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var released []string
	for _, id := range expired {
		if err := m.Release(id); err != nil {
			logger.Error("quarantine: sweep release failed", zap.String("account_id", id), zap.Error(err))
			continue
		}
		released = append(released, id)
	}
	return released, nil
}

// GetStats returns accountID's quarantine history, zero-valued if never
// quarantined.
func (m *Manager) GetStats(accountID string) (Stats, error) {
	var st Stats
	ok, err := m.db.GetJSON(statsBucket, accountID, &st)
	if err != nil {
		return Stats{}, err
	}
	if !ok {
		return Stats{AccountID: accountID}, nil
	}
	return st, nil
}
