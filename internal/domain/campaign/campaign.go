// Package campaign is the Campaign Scheduler (C8): a periodic tick that
// starts, pauses, resumes, and recurs campaigns against their active-hours
// window, plus the shared per-campaign target queue the Dispatcher drains,
// per spec.md §4.8.
package campaign

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tgfleet/internal/domain/coreerr"
	"tgfleet/internal/domain/dispatcher"
	"tgfleet/internal/domain/messages"
	"tgfleet/internal/infra/boltstore"
	"tgfleet/internal/infra/clock"
	"tgfleet/internal/infra/logger"
)

const bucket = "campaigns"

// Bounds from spec.md §6's CreateCampaign validation.
const (
	maxTargetIDs   = 10000
	maxAccountIDs  = 50
	minActiveHour  = 0
	maxActiveHour  = 23
	minActiveDay   = time.Sunday
	maxActiveDay   = time.Saturday
)

// Status is the closed set of campaign lifecycle states.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Campaign is the durable metadata record for one send campaign.
type Campaign struct {
	ID                string        `json:"id"`
	Name              string        `json:"name"`
	Template          string        `json:"template"`
	AccountIDs        []string      `json:"account_ids"`
	TargetIDs         []string      `json:"target_ids"`
	Status            Status        `json:"status"`
	ScheduledStart    time.Time     `json:"scheduled_start"`
	ScheduledEnd      time.Time     `json:"scheduled_end,omitempty"`
	CompletedAt       time.Time     `json:"completed_at,omitempty"`
	Timezone          string        `json:"timezone"`
	ActiveDays        []time.Weekday `json:"active_days,omitempty"`
	ActiveHoursStart  int           `json:"active_hours_start"`
	ActiveHoursEnd    int           `json:"active_hours_end"`
	Recurring         bool          `json:"recurring"`
	RecurrenceInterval time.Duration `json:"recurrence_interval"`
	RateLimitDelay    time.Duration `json:"rate_limit_delay"`
	MaxPerHour        int           `json:"max_per_hour"`
	MaxPerAccount     int           `json:"max_per_account"`
	AutoPaused        bool          `json:"auto_paused"`
	ExcludedAccounts  []string      `json:"excluded_accounts,omitempty"`
}

func (c *Campaign) isExcluded(accountID string) bool {
	for _, a := range c.ExcludedAccounts {
		if a == accountID {
			return true
		}
	}
	return false
}

// activeAccounts returns the account list minus any excluded by a
// dispatcher's critical-risk signal.
func (c *Campaign) activeAccounts() []string {
	if len(c.ExcludedAccounts) == 0 {
		return c.AccountIDs
	}
	out := make([]string, 0, len(c.AccountIDs))
	for _, a := range c.AccountIDs {
		if !c.isExcluded(a) {
			out = append(out, a)
		}
	}
	return out
}

// Queue is the shared, mutex-guarded remaining-targets queue for one
// campaign, implementing dispatcher.TargetQueue.
type Queue struct {
	mu      sync.Mutex
	targets []string
}

func NewQueue(targets []string) *Queue {
	return &Queue{targets: append([]string(nil), targets...)}
}

func (q *Queue) Next() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.targets) == 0 {
		return "", false
	}
	t := q.targets[0]
	q.targets = q.targets[1:]
	return t, true
}

func (q *Queue) PushBack(targetID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.targets = append(q.targets, targetID)
}

func (q *Queue) Remaining() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.targets)
}

// Starter launches one dispatcher worker per (campaignID, accountID) and
// stops every worker running for a campaign. Implemented by the app-level
// wiring, which owns dispatcher.Config and goroutine lifecycle.
type Starter interface {
	StartDispatcher(campaignID, accountID string, queue dispatcher.TargetQueue, control dispatcher.CampaignControl, maxPerHour, maxPerAccount int, rateLimitDelay time.Duration)
	// StopCampaign cancels every worker goroutine running for campaignID.
	// Called when a campaign pauses (outside active hours), completes, or
	// is cancelled, so paused/cancelled campaigns stop dispatching instead
	// of draining their queue in the background.
	StopCampaign(campaignID string)
}

// control is campaign's implementation of dispatcher.CampaignControl,
// routing exclude/flush signals back to the owning Scheduler.
type control struct {
	s          *Scheduler
	campaignID string
}

func (c *control) ExcludeAccount(accountID string) {
	c.s.excludeAccount(c.campaignID, accountID)
}

func (c *control) FlushCounters() {
	c.s.flush(c.campaignID)
}

func (c *control) WorkerDone(drained bool) {
	c.s.workerDone(c.campaignID, drained)
}

// TemplateRegistrar validates and registers a campaign's message template.
// Implemented by *messages.Renderer.
type TemplateRegistrar interface {
	SetTemplate(campaignID, tmpl string) error
}

// Scheduler owns durable campaign metadata and the live queues/dispatchers
// of running campaigns.
type Scheduler struct {
	db        *boltstore.DB
	starter   Starter
	templates TemplateRegistrar
	clk       clock.Clock

	mu            sync.Mutex
	queues        map[string]*Queue
	controls      map[string]*control
	activeWorkers map[string]int
}

// SetTemplateRegistrar wires the renderer Create validates and registers
// each campaign's template against. Optional; called once during app
// startup before the scheduler begins accepting campaigns.
func (s *Scheduler) SetTemplateRegistrar(tr TemplateRegistrar) {
	s.templates = tr
}

// SetClock overrides the scheduler's time source for the async
// worker-drain completion path (tests only). Production wiring keeps the
// clock.Real default.
func (s *Scheduler) SetClock(clk clock.Clock) {
	if clk != nil {
		s.clk = clk
	}
}

func NewScheduler(path string, starter Starter) (*Scheduler, error) {
	db, err := boltstore.Open(path)
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		db: db, starter: starter, clk: clock.Real,
		queues: make(map[string]*Queue), controls: make(map[string]*control),
		activeWorkers: make(map[string]int),
	}, nil
}

func (s *Scheduler) Close() error { return s.db.Close() }

// Create validates and persists a new draft campaign.
func (s *Scheduler) Create(c Campaign) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = StatusDraft
	}
	if len(c.AccountIDs) == 0 {
		return &coreerr.ValidationError{Field: "account_ids", Reason: "must have at least one account"}
	}
	if len(c.AccountIDs) > maxAccountIDs {
		return &coreerr.ValidationError{Field: "account_ids", Reason: fmt.Sprintf("at most %d accounts", maxAccountIDs)}
	}
	if len(c.TargetIDs) > maxTargetIDs {
		return &coreerr.ValidationError{Field: "target_ids", Reason: fmt.Sprintf("at most %d targets", maxTargetIDs)}
	}
	if c.ActiveHoursStart < minActiveHour || c.ActiveHoursStart > maxActiveHour {
		return &coreerr.ValidationError{Field: "active_hours_start", Reason: "must be in [0,23]"}
	}
	if c.ActiveHoursEnd < minActiveHour || c.ActiveHoursEnd > maxActiveHour {
		return &coreerr.ValidationError{Field: "active_hours_end", Reason: "must be in [0,23]"}
	}
	for _, d := range c.ActiveDays {
		if d < minActiveDay || d > maxActiveDay {
			return &coreerr.ValidationError{Field: "active_days", Reason: "must be in [0,6]"}
		}
	}
	if err := messages.ValidateTemplate(c.Template); err != nil {
		return err
	}
	if s.templates != nil {
		if err := s.templates.SetTemplate(c.ID, c.Template); err != nil {
			return err
		}
	}
	return s.db.PutJSON(bucket, c.ID, c)
}

// Enqueue transitions a draft campaign to queued.
func (s *Scheduler) Enqueue(campaignID string) error {
	return s.transition(campaignID, func(c *Campaign) error {
		if c.Status != StatusDraft {
			return &coreerr.ConflictingState{Kind: "campaign", ID: campaignID, State: string(c.Status), Wanted: string(StatusQueued)}
		}
		c.Status = StatusQueued
		return nil
	})
}

// Cancel transitions a campaign to cancelled from any state.
func (s *Scheduler) Cancel(campaignID string) error {
	err := s.transition(campaignID, func(c *Campaign) error {
		c.Status = StatusCancelled
		return nil
	})
	if err == nil {
		s.stopDispatchers(campaignID)
	}
	return err
}

func (s *Scheduler) stopDispatchers(campaignID string) {
	if s.starter != nil {
		s.starter.StopCampaign(campaignID)
	}
}

func (s *Scheduler) transition(campaignID string, fn func(*Campaign) error) error {
	var c Campaign
	ok, err := s.db.GetJSON(bucket, campaignID, &c)
	if err != nil {
		return err
	}
	if !ok {
		return &coreerr.NotFound{Kind: "campaign", ID: campaignID}
	}
	if err := fn(&c); err != nil {
		return err
	}
	return s.db.PutJSON(bucket, campaignID, c)
}

func (s *Scheduler) excludeAccount(campaignID, accountID string) {
	_ = s.transition(campaignID, func(c *Campaign) error {
		if !c.isExcluded(accountID) {
			c.ExcludedAccounts = append(c.ExcludedAccounts, accountID)
		}
		return nil
	})
}

func (s *Scheduler) flush(campaignID string) {
	// Counters already live in the durable message store and send gate;
	// this hook exists for parity with the dispatcher's "every 10
	// iterations" flush point in case future per-campaign aggregates need
	// a durable write here.
}

// activeHours reports whether now (in the campaign's timezone) falls
// within its active-hours window, per spec.md §4.8.
func activeHours(c Campaign, now time.Time) bool {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil || c.Timezone == "" {
		loc = time.UTC
	}
	local := now.In(loc)

	if !c.ScheduledEnd.IsZero() && !now.Before(c.ScheduledEnd) {
		return false
	}

	if len(c.ActiveDays) > 0 {
		found := false
		for _, d := range c.ActiveDays {
			if d == local.Weekday() {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	hour := local.Hour()
	start, end := c.ActiveHoursStart, c.ActiveHoursEnd
	if start == 0 && end == 0 {
		return true // unset window means no hour restriction
	}
	if start <= end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

// Tick runs one scheduler pass: start-scheduled, active-hours gating,
// resume, and recurrence. internal/app calls it every TickIntervalMS
// (config default 1000ms).
func (s *Scheduler) Tick(now time.Time) error {
	var all []Campaign
	err := boltstore.ForEachJSON(s.db, bucket, func(_ string, c Campaign) error {
		all = append(all, c)
		return nil
	})
	if err != nil {
		return err
	}

	for _, c := range all {
		switch c.Status {
		case StatusQueued:
			if !now.Before(c.ScheduledStart) && activeHours(c, now) {
				s.start(c, now)
			}
		case StatusRunning:
			if !activeHours(c, now) {
				s.pauseOrComplete(c, now)
			}
		case StatusPaused:
			if c.AutoPaused && activeHours(c, now) {
				s.resume(c, now)
			}
		case StatusCompleted:
			if c.Recurring && !c.CompletedAt.IsZero() && !now.Before(c.CompletedAt.Add(c.RecurrenceInterval)) {
				s.recur(c, now)
			}
		}
	}
	return nil
}

func (s *Scheduler) start(c Campaign, now time.Time) {
	_ = s.transition(c.ID, func(cc *Campaign) error {
		cc.Status = StatusRunning
		cc.AutoPaused = false
		return nil
	})
	s.spawnDispatchers(c)
}

func (s *Scheduler) resume(c Campaign, now time.Time) {
	_ = s.transition(c.ID, func(cc *Campaign) error {
		cc.Status = StatusRunning
		cc.AutoPaused = false
		return nil
	})
	s.spawnDispatchers(c)
}

func (s *Scheduler) pauseOrComplete(c Campaign, now time.Time) {
	if !c.ScheduledEnd.IsZero() && !now.Before(c.ScheduledEnd) {
		_ = s.transition(c.ID, func(cc *Campaign) error {
			cc.Status = StatusCompleted
			cc.CompletedAt = now
			return nil
		})
		s.stopDispatchers(c.ID)
		return
	}
	_ = s.transition(c.ID, func(cc *Campaign) error {
		cc.Status = StatusPaused
		cc.AutoPaused = true
		return nil
	})
	s.stopDispatchers(c.ID)
}

func (s *Scheduler) recur(c Campaign, now time.Time) {
	clone := c
	clone.ID = uuid.NewString()
	clone.ScheduledStart = now.Add(c.RecurrenceInterval)
	clone.Status = StatusQueued
	clone.CompletedAt = time.Time{}
	clone.AutoPaused = false
	clone.ExcludedAccounts = nil
	if err := s.db.PutJSON(bucket, clone.ID, clone); err != nil {
		logger.Error("campaign: recurrence clone failed", zap.String("campaign_id", c.ID), zap.Error(err))
	}
}

func (s *Scheduler) spawnDispatchers(c Campaign) {
	s.mu.Lock()
	queue, ok := s.queues[c.ID]
	if !ok {
		queue = NewQueue(c.TargetIDs)
		s.queues[c.ID] = queue
	}
	ctrl, ok := s.controls[c.ID]
	if !ok {
		ctrl = &control{s: s, campaignID: c.ID}
		s.controls[c.ID] = ctrl
	}
	s.mu.Unlock()

	if s.starter == nil {
		return
	}
	accounts := c.activeAccounts()
	if len(accounts) == 0 {
		return
	}
	s.mu.Lock()
	s.activeWorkers[c.ID] += len(accounts)
	s.mu.Unlock()
	for _, accountID := range accounts {
		s.starter.StartDispatcher(c.ID, accountID, queue, ctrl, c.MaxPerHour, c.MaxPerAccount, c.RateLimitDelay)
	}
}

// workerDone is the dispatcher-side signal that one worker for campaignID
// has exited. drained is true only when the worker's queue ran dry
// (dispatcher.Worker.Run returning because TargetQueue.Next reported
// empty), the one exit condition that can legitimately complete a running
// campaign per spec.md §3 ("running -> completed, target list drained").
// Exits from context cancellation or a critical-risk exclusion leave
// drained false and never complete the campaign on their own.
func (s *Scheduler) workerDone(campaignID string, drained bool) {
	s.mu.Lock()
	if n := s.activeWorkers[campaignID]; n > 0 {
		s.activeWorkers[campaignID] = n - 1
	}
	remaining := s.activeWorkers[campaignID]
	queue := s.queues[campaignID]
	s.mu.Unlock()

	if !drained || remaining > 0 || queue == nil || queue.Remaining() > 0 {
		return
	}

	now := s.clk.Now()
	err := s.transition(campaignID, func(c *Campaign) error {
		if c.Status != StatusRunning {
			return nil
		}
		c.Status = StatusCompleted
		c.CompletedAt = now
		return nil
	})
	if err != nil {
		logger.Error("campaign: drain-to-completed transition failed", zap.String("campaign_id", campaignID), zap.Error(err))
		return
	}
	s.stopDispatchers(campaignID)
}

// Get returns the current campaign record.
func (s *Scheduler) Get(campaignID string) (Campaign, bool, error) {
	var c Campaign
	ok, err := s.db.GetJSON(bucket, campaignID, &c)
	return c, ok, err
}

// QueueFor returns the live target queue for a running campaign, if any.
func (s *Scheduler) QueueFor(campaignID string) (*Queue, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[campaignID]
	return q, ok
}

// RiskLevelSource reports an account's current risk level, typically
// *risk.Engine.
type RiskLevelSource interface {
	RiskLevel(accountID string) string
}

// AccountRiskReport is one account's risk standing within a campaign.
type AccountRiskReport struct {
	AccountID string `json:"account_id"`
	RiskLevel string `json:"risk_level"`
	Excluded  bool   `json:"excluded"`
}

// CampaignRiskReport summarizes every account assigned to a campaign by
// current risk level, surfacing which have already been excluded. A
// supplemental, read-only operator view with no effect on dispatch.
func (s *Scheduler) CampaignRiskReport(campaignID string, risk RiskLevelSource) ([]AccountRiskReport, error) {
	c, ok, err := s.Get(campaignID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &coreerr.NotFound{Kind: "campaign", ID: campaignID}
	}

	report := make([]AccountRiskReport, 0, len(c.AccountIDs))
	for _, accountID := range c.AccountIDs {
		report = append(report, AccountRiskReport{
			AccountID: accountID,
			RiskLevel: risk.RiskLevel(accountID),
			Excluded:  c.isExcluded(accountID),
		})
	}
	return report, nil
}
