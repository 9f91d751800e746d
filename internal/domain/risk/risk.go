// Package risk maintains per-account RiskMetrics and derives a ban
// probability and risk level from behavioral signals, following the formula
// distilled from the fleet's anti-detection heuristics: sliding 1h/24h
// windows of sends and errors, a diversity feed from the C2 analyzer, and a
// set of tunable weighted contributions that clamp to [0,1].
package risk

import (
	"container/list"
	"sync"
	"time"

	"go.uber.org/zap"

	"tgfleet/internal/infra/clock"
	"tgfleet/internal/infra/config"
	"tgfleet/internal/infra/logger"
)

// Level is the closed set of risk classifications an account can be in.
type Level string

const (
	LevelSafe        Level = "safe"
	LevelLow         Level = "low"
	LevelModerate    Level = "moderate"
	LevelHigh        Level = "high"
	LevelCritical    Level = "critical"
	LevelQuarantined Level = "quarantined"
)

// ErrorKind is the closed set of error categories RecordError accepts.
type ErrorKind string

const (
	ErrorFloodWait         ErrorKind = "floodwait"
	ErrorUserBlocked       ErrorKind = "user_blocked"
	ErrorPrivacyRestricted ErrorKind = "privacy_restricted"
	ErrorInvalidUser       ErrorKind = "invalid_user"
	ErrorGeneric           ErrorKind = "generic"
)

// QuarantineRequest is emitted when an account crosses the auto-quarantine
// threshold; the caller (Supervisor or Engine's own wiring) is responsible
// for forwarding it to the Quarantine Manager.
type QuarantineRequest struct {
	AccountID      string
	Reason         string
	DurationMins   int
	MetricsSummary Status
}

// Status is the read-only snapshot GetStatus returns.
type Status struct {
	BanProbability       float64
	RiskLevel            Level
	MessagesSent1h       int
	MessagesSent24h      int
	UniqueRecipients24h  int
	Errors24h            int
	FloodWait24h         int
	DiversityScore       float64
	ResponsePatternScore float64
	TimingPatternScore   float64
}

type event struct {
	at        time.Time
	kind      string // "send" or an ErrorKind
	recipient string // only for "send"
}

// account is the mutable per-account state. It is only ever touched while
// holding mu; every external read takes a snapshot under the lock and
// releases it before doing anything else, so heavy computation (diversity
// scoring happens in a separate package) never runs inside the critical
// section.
type account struct {
	mu sync.Mutex

	window24h *list.List // of event, oldest at front
	window1h  *list.List

	errors24h    int
	floodwait24h int
	recipients   map[string]int // recipient -> count within 24h window, for unique_recipients_24h

	consecutiveFloodWaits int

	diversityScore       float64
	responsePatternScore float64
	timingPatternScore   float64

	quarantined bool

	spamPenalty float64 // accumulated C2 pattern_detected penalty, added to p in statusLocked; never decays

	dailySentCount int // operator-facing accounting only, reset by DailyReset
}

func newAccount() *account {
	return &account{
		window24h:            list.New(),
		window1h:             list.New(),
		recipients:           make(map[string]int),
		diversityScore:       1.0,
		responsePatternScore: 1.0,
		timingPatternScore:   1.0,
	}
}

// DiversityFeed lets the risk engine consult the C2 analyzer for the current
// diversity score without owning that state itself.
type DiversityFeed interface {
	Score(accountID string) float64
}

// Engine owns one RiskMetrics record per account, guarded independently so
// sends on different accounts never contend with each other.
type Engine struct {
	clk       clock.Clock
	weights   config.RiskWeights
	diversity DiversityFeed

	mu       sync.RWMutex
	accounts map[string]*account

	// quarantineRequests buffers requests for the caller to drain;
	// RecordSend/RecordError/RecordSpamDetected append to it rather than calling the
	// Quarantine Manager directly, keeping Engine decoupled from C5.
	reqMu              sync.Mutex
	quarantineRequests []QuarantineRequest
}

// NewEngine constructs an Engine. diversity may be nil, in which case
// diversityScore stays at its neutral default of 1 (no penalty) until a
// feed is wired in.
func NewEngine(clk clock.Clock, weights config.RiskWeights, diversity DiversityFeed) *Engine {
	return &Engine{
		clk:       clk,
		weights:   weights,
		diversity: diversity,
		accounts:  make(map[string]*account),
	}
}

// SetQuarantined updates whether accountID is currently under an active
// quarantine record. The Quarantine Manager calls this through its observer
// hook on both Quarantine and Release so risk_level reflects
// "quarantined iff an active quarantine record exists" without the Risk
// Engine needing to query C5 directly.
func (e *Engine) SetQuarantined(accountID string, quarantined bool) {
	a := e.accountFor(accountID)
	a.mu.Lock()
	a.quarantined = quarantined
	a.mu.Unlock()
}

func (e *Engine) accountFor(accountID string) *account {
	e.mu.RLock()
	a, ok := e.accounts[accountID]
	e.mu.RUnlock()
	if ok {
		return a
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if a, ok = e.accounts[accountID]; ok {
		return a
	}
	a = newAccount()
	e.accounts[accountID] = a
	return a
}

// RecordSend folds a successful send into the account's sliding windows and
// re-evaluates auto-quarantine.
func (e *Engine) RecordSend(accountID, text, recipientID string, at time.Time) {
	a := e.accountFor(accountID)

	diversityScore, haveScore := 0.0, false
	if e.diversity != nil {
		diversityScore, haveScore = e.diversity.Score(accountID), true
	}

	a.mu.Lock()
	ev := event{at: at, kind: "send", recipient: recipientID}
	a.window24h.PushBack(ev)
	a.window1h.PushBack(ev)
	a.recipients[recipientID]++
	a.dailySentCount++
	if haveScore {
		a.diversityScore = diversityScore
	}
	ageLocked(a, at)
	status := e.statusLocked(a)
	a.mu.Unlock()

	e.maybeQuarantine(accountID, status)
}

// RecordError folds an error into the account's sliding windows, tracks
// consecutive flood-waits, and re-evaluates auto-quarantine.
func (e *Engine) RecordError(accountID string, kind ErrorKind, detail string, at time.Time) {
	_ = detail
	a := e.accountFor(accountID)

	a.mu.Lock()
	ev := event{at: at, kind: string(kind)}
	a.window24h.PushBack(ev)
	a.errors24h++
	if kind == ErrorFloodWait {
		a.floodwait24h++
		a.consecutiveFloodWaits++
	} else {
		a.consecutiveFloodWaits = 0
	}
	ageLocked(a, at)
	status := e.statusLocked(a)
	forceFloodWaitQuarantine := a.consecutiveFloodWaits >= 3
	floodWaitCount := a.floodwait24h
	a.mu.Unlock()

	if forceFloodWaitQuarantine {
		e.enqueueQuarantine(QuarantineRequest{
			AccountID:      accountID,
			Reason:         "floodwait",
			DurationMins:   60 * floodWaitCount,
			MetricsSummary: status,
		})
		return
	}
	e.maybeQuarantine(accountID, status)
}

// RecordSpamDetected applies the C2 diversity analyzer's fixed penalty and
// forces a short quarantine, per spec.md 4.2.
func (e *Engine) RecordSpamDetected(accountID string, at time.Time) {
	a := e.accountFor(accountID)
	a.mu.Lock()
	a.spamPenalty = clampProbability(a.spamPenalty + 0.1)
	status := e.statusLocked(a)
	a.mu.Unlock()

	e.enqueueQuarantine(QuarantineRequest{
		AccountID:      accountID,
		Reason:         "pattern_detected",
		DurationMins:   30,
		MetricsSummary: status,
	})
}

func (e *Engine) maybeQuarantine(accountID string, status Status) {
	if status.RiskLevel == LevelQuarantined {
		return
	}
	p := status.BanProbability
	if p < 0.6 {
		return
	}
	var minutes int
	switch {
	case p >= 0.8:
		minutes = 240
	case p >= 0.7:
		minutes = 120
	default:
		minutes = 60
	}
	e.enqueueQuarantine(QuarantineRequest{
		AccountID:      accountID,
		Reason:         "high_ban_risk",
		DurationMins:   minutes,
		MetricsSummary: status,
	})
}

func (e *Engine) enqueueQuarantine(req QuarantineRequest) {
	e.reqMu.Lock()
	e.quarantineRequests = append(e.quarantineRequests, req)
	e.reqMu.Unlock()
	logger.Info("risk engine requesting quarantine",
		zap.String("account_id", req.AccountID),
		zap.String("reason", req.Reason),
		zap.Int("duration_mins", req.DurationMins))
}

// DrainQuarantineRequests returns and clears the buffered quarantine
// requests. The Supervisor calls this each tick and forwards them to the
// Quarantine Manager.
func (e *Engine) DrainQuarantineRequests() []QuarantineRequest {
	e.reqMu.Lock()
	defer e.reqMu.Unlock()
	if len(e.quarantineRequests) == 0 {
		return nil
	}
	out := e.quarantineRequests
	e.quarantineRequests = nil
	return out
}

// Tick ages out sliding windows for every known account. Called at ≥1 Hz by
// the Supervisor.
func (e *Engine) Tick(now time.Time) {
	e.mu.RLock()
	accounts := make([]*account, 0, len(e.accounts))
	for _, a := range e.accounts {
		accounts = append(accounts, a)
	}
	e.mu.RUnlock()

	for _, a := range accounts {
		a.mu.Lock()
		ageLocked(a, now)
		a.mu.Unlock()
	}
}

// DailyReset is the UTC-midnight accounting event from C10; it resets the
// operator-facing daily counter only and never perturbs the sliding-window
// ban-probability inputs, per the spec's open-question resolution.
func (e *Engine) DailyReset() {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, a := range e.accounts {
		a.mu.Lock()
		a.dailySentCount = 0
		a.mu.Unlock()
	}
}

// GetStatus returns a snapshot for accountID, auto-creating the record if
// this is the first reference.
func (e *Engine) GetStatus(accountID string) Status {
	a := e.accountFor(accountID)
	a.mu.Lock()
	defer a.mu.Unlock()
	return e.statusLocked(a)
}

// RiskLevel returns accountID's current risk level as a plain string, for
// collaborators (like sendgate.Gate) that only need the level and would
// otherwise have to import this package's Level type.
func (e *Engine) RiskLevel(accountID string) string {
	return string(e.GetStatus(accountID).RiskLevel)
}

// ageLocked drops events outside the sliding windows and recomputes the
// derived counters. Caller must hold a.mu.
func ageLocked(a *account, now time.Time) {
	cutoff24h := now.Add(-24 * time.Hour)
	for a.window24h.Len() > 0 {
		front := a.window24h.Front()
		ev := front.Value.(event)
		if ev.at.After(cutoff24h) {
			break
		}
		a.window24h.Remove(front)
		if ev.kind == "send" {
			a.recipients[ev.recipient]--
			if a.recipients[ev.recipient] <= 0 {
				delete(a.recipients, ev.recipient)
			}
			continue
		}
		a.errors24h--
		if ev.kind == string(ErrorFloodWait) {
			a.floodwait24h--
		}
	}

	cutoff1h := now.Add(-1 * time.Hour)
	for a.window1h.Len() > 0 {
		front := a.window1h.Front()
		ev := front.Value.(event)
		if ev.at.After(cutoff1h) {
			break
		}
		a.window1h.Remove(front)
	}
}

func countSends(l *list.List) int {
	n := 0
	for e := l.Front(); e != nil; e = e.Next() {
		if e.Value.(event).kind == "send" {
			n++
		}
	}
	return n
}

// statusLocked computes the current Status from an account's counters.
// Caller must hold a.mu.
func (e *Engine) statusLocked(a *account) Status {
	sent1h := countSends(a.window1h)
	sent24h := countSends(a.window24h)
	uniqueRecipients := len(a.recipients)

	p := e.banProbability(sent1h, sent24h, uniqueRecipients, a.errors24h, a.floodwait24h,
		a.diversityScore, a.responsePatternScore, a.timingPatternScore)
	p = clampProbability(p + a.spamPenalty)

	level := levelFor(p)
	if a.quarantined {
		level = LevelQuarantined
	}

	return Status{
		BanProbability:       p,
		RiskLevel:            level,
		MessagesSent1h:       sent1h,
		MessagesSent24h:      sent24h,
		UniqueRecipients24h:  uniqueRecipients,
		Errors24h:            a.errors24h,
		FloodWait24h:         a.floodwait24h,
		DiversityScore:       a.diversityScore,
		ResponsePatternScore: a.responsePatternScore,
		TimingPatternScore:   a.timingPatternScore,
	}
}

func levelFor(p float64) Level {
	switch {
	case p >= 0.7:
		return LevelCritical
	case p >= 0.5:
		return LevelHigh
	case p >= 0.3:
		return LevelModerate
	case p >= 0.1:
		return LevelLow
	default:
		return LevelSafe
	}
}

func clampProbability(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

// tierContribution scales a weight across the spec's 6:3:1 ratio between
// the high/medium/low thresholds of a signal (the v1 baseline's 0.30/0.15/
// 0.05 is exactly that ratio over a weight of 0.30).
func tierContribution(weight float64, tier int) float64 {
	switch tier {
	case 2:
		return weight
	case 1:
		return weight * 0.5
	case 0:
		return weight / 6
	default:
		return 0
	}
}

// banProbability implements the weighted heuristic formula from spec.md
// §4.1, with the coarse per-signal weights sourced from config.RiskWeights
// (the v1 baseline constants are config's defaults) rather than hardcoded,
// per the spec's open question about tunable constants. The diversity
// term's multiplier on (1-score) is config's DiversityWeight; the response
// and timing terms use a fixed 0.1 multiplier that config does not expose.
func (e *Engine) banProbability(sent1h, sent24h, uniqueRecipients, errors24h, floodwait24h int,
	diversityScore, responseScore, timingScore float64) float64 {
	w := e.weights
	p := 0.0

	switch {
	case sent1h > 50:
		p += tierContribution(w.HourlyVolumeWeight, 2)
	case sent1h > 30:
		p += tierContribution(w.HourlyVolumeWeight, 1)
	case sent1h > 20:
		p += tierContribution(w.HourlyVolumeWeight, 0)
	}

	switch {
	case sent24h > 500:
		p += tierContribution(w.DailyVolumeWeight, 2)
	case sent24h > 200:
		p += tierContribution(w.DailyVolumeWeight, 1)
	case sent24h > 100:
		p += tierContribution(w.DailyVolumeWeight, 0)
	}

	p += (1 - diversityScore) * w.DiversityWeight

	errorRate := float64(errors24h) / float64(max(1, sent24h))
	switch {
	case errorRate > 0.1:
		p += w.ComplaintWeight
	case errorRate > 0.05:
		p += w.ComplaintWeight * 0.5
	}

	switch {
	case floodwait24h > 5:
		p += tierContribution(w.BlockRateWeight*2, 2)
	case floodwait24h > 2:
		p += tierContribution(w.BlockRateWeight*2, 1)
	case floodwait24h > 0:
		p += tierContribution(w.BlockRateWeight*2, 0)
	}

	if uniqueRecipients > 0 {
		reuse := float64(sent24h) / float64(uniqueRecipients)
		if reuse > 10 {
			p += w.AccountAgeWeight
		}
	}

	p += (1 - responseScore) * 0.1
	p += (1 - timingScore) * 0.1

	return clampProbability(p)
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
