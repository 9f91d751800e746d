package campaign

import (
	"path/filepath"
	"testing"
	"time"

	"tgfleet/internal/domain/dispatcher"
	"tgfleet/internal/infra/boltstore"
)

// testTemplate is a valid template for tests that don't exercise template
// validation itself but still go through Create, which now always
// validates the template per spec.md §6.
const testTemplate = "hi {first_name}"

type fakeStarter struct {
	calls   []startCall
	stopped []string
}

type startCall struct {
	campaignID, accountID string
	maxPerHour            int
	maxPerAccount         int
	rateLimitDelay        time.Duration
}

func (f *fakeStarter) StartDispatcher(campaignID, accountID string, queue dispatcher.TargetQueue, control dispatcher.CampaignControl, maxPerHour, maxPerAccount int, rateLimitDelay time.Duration) {
	f.calls = append(f.calls, startCall{campaignID, accountID, maxPerHour, maxPerAccount, rateLimitDelay})
}

func (f *fakeStarter) StopCampaign(campaignID string) {
	f.stopped = append(f.stopped, campaignID)
}

func newTestScheduler(t *testing.T, starter Starter) *Scheduler {
	t.Helper()
	path := filepath.Join(t.TempDir(), "campaigns.bbolt")
	s, err := NewScheduler(path, starter)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreate_RejectsEmptyAccountList(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, nil)
	err := s.Create(Campaign{Name: "c"})
	if err == nil {
		t.Fatalf("expected rejection of campaign with no accounts")
	}
}

func TestCreate_AssignsIDAndDraftStatus(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, nil)
	c := Campaign{Name: "c", AccountIDs: []string{"+A"}, Template: testTemplate}
	if err := s.Create(c); err != nil {
		t.Fatalf("Create: %v", err)
	}
	// Since ID is assigned internally, find it by listing.
	var found Campaign
	_ = rangeAll(s, func(cc Campaign) { found = cc })
	if found.ID == "" {
		t.Fatalf("expected generated ID")
	}
	if found.Status != StatusDraft {
		t.Fatalf("expected draft status, got %s", found.Status)
	}
}

type fakeTemplateRegistrar struct {
	registered map[string]string
	rejectAll  bool
}

func (f *fakeTemplateRegistrar) SetTemplate(campaignID, tmpl string) error {
	if f.rejectAll {
		return &fakeTemplateError{}
	}
	if f.registered == nil {
		f.registered = make(map[string]string)
	}
	f.registered[campaignID] = tmpl
	return nil
}

type fakeTemplateError struct{}

func (fakeTemplateError) Error() string { return "template rejected" }

func TestCreate_RegistersTemplateWithRegistrarWhenSet(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, nil)
	reg := &fakeTemplateRegistrar{}
	s.SetTemplateRegistrar(reg)

	if err := s.Create(Campaign{Name: "c", Template: "hi {first_name}", AccountIDs: []string{"+A"}}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	var found Campaign
	_ = rangeAll(s, func(cc Campaign) { found = cc })
	if reg.registered[found.ID] != "hi {first_name}" {
		t.Fatalf("expected template registered against generated campaign ID, got %+v", reg.registered)
	}
}

func TestCreate_RejectsWhenTemplateRegistrarRejects(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, nil)
	s.SetTemplateRegistrar(&fakeTemplateRegistrar{rejectAll: true})

	err := s.Create(Campaign{Name: "c", Template: "hi", AccountIDs: []string{"+A"}})
	if err == nil {
		t.Fatalf("expected Create to surface the registrar's rejection")
	}
}

func TestEnqueue_TransitionsDraftToQueued(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, nil)
	c := Campaign{Name: "c", AccountIDs: []string{"+A"}, Template: testTemplate}
	if err := s.Create(c); err != nil {
		t.Fatalf("Create: %v", err)
	}
	id := firstID(t, s)
	if err := s.Enqueue(id); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	got, ok, err := s.Get(id)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.Status != StatusQueued {
		t.Fatalf("expected queued, got %s", got.Status)
	}
}

func TestEnqueue_RejectsNonDraftCampaign(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, nil)
	c := Campaign{Name: "c", AccountIDs: []string{"+A"}, Template: testTemplate}
	_ = s.Create(c)
	id := firstID(t, s)
	_ = s.Enqueue(id)

	if err := s.Enqueue(id); err == nil {
		t.Fatalf("expected rejection of re-enqueueing an already-queued campaign")
	}
}

func TestCancel_TransitionsAnyStateToCancelled(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, nil)
	c := Campaign{Name: "c", AccountIDs: []string{"+A"}, Template: testTemplate}
	_ = s.Create(c)
	id := firstID(t, s)

	if err := s.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	got, _, _ := s.Get(id)
	if got.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
}

func TestCancel_UnknownCampaignReturnsNotFound(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, nil)
	if err := s.Cancel("missing"); err == nil {
		t.Fatalf("expected not-found error")
	}
}

func TestActiveHours_RespectsWeekdayMask(t *testing.T) {
	t.Parallel()
	// 2026-02-02 is a Monday.
	monday := time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC)
	tuesday := time.Date(2026, 2, 3, 10, 0, 0, 0, time.UTC)
	c := Campaign{Timezone: "UTC", ActiveDays: []time.Weekday{time.Monday}}

	if !activeHours(c, monday) {
		t.Fatalf("expected Monday to be within active days")
	}
	if activeHours(c, tuesday) {
		t.Fatalf("expected Tuesday to be excluded by active days mask")
	}
}

func TestActiveHours_HandlesOvernightWrap(t *testing.T) {
	t.Parallel()
	c := Campaign{Timezone: "UTC", ActiveHoursStart: 22, ActiveHoursEnd: 6}

	late := time.Date(2026, 2, 2, 23, 0, 0, 0, time.UTC)
	earlyMorning := time.Date(2026, 2, 2, 3, 0, 0, 0, time.UTC)
	midday := time.Date(2026, 2, 2, 13, 0, 0, 0, time.UTC)

	if !activeHours(c, late) {
		t.Fatalf("expected 23:00 to be within overnight window")
	}
	if !activeHours(c, earlyMorning) {
		t.Fatalf("expected 03:00 to be within overnight window")
	}
	if activeHours(c, midday) {
		t.Fatalf("expected 13:00 to be outside overnight window")
	}
}

func TestActiveHours_FalseOnceScheduledEndPassed(t *testing.T) {
	t.Parallel()
	end := time.Date(2026, 2, 2, 12, 0, 0, 0, time.UTC)
	c := Campaign{Timezone: "UTC", ScheduledEnd: end}

	before := end.Add(-time.Hour)
	after := end.Add(time.Hour)

	if !activeHours(c, before) {
		t.Fatalf("expected active before scheduled end")
	}
	if activeHours(c, after) {
		t.Fatalf("expected inactive after scheduled end")
	}
}

func TestActiveHours_UnsetWindowMeansAlwaysActive(t *testing.T) {
	t.Parallel()
	c := Campaign{Timezone: "UTC"}
	now := time.Date(2026, 2, 2, 3, 0, 0, 0, time.UTC)
	if !activeHours(c, now) {
		t.Fatalf("expected unset hour window to mean no restriction")
	}
}

func TestTick_StartsQueuedCampaignOnceScheduledStartReached(t *testing.T) {
	t.Parallel()
	starter := &fakeStarter{}
	s := newTestScheduler(t, starter)
	start := time.Date(2026, 2, 2, 9, 0, 0, 0, time.UTC)
	c := Campaign{
		Name: "c", AccountIDs: []string{"+A", "+B"}, TargetIDs: []string{"u1"},
		Timezone: "UTC", ScheduledStart: start, Template: testTemplate,
	}
	_ = s.Create(c)
	id := firstID(t, s)

	if err := s.Enqueue(id); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if err := s.Tick(start.Add(-time.Minute)); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(starter.calls) != 0 {
		t.Fatalf("expected no dispatch before scheduled start, got %d", len(starter.calls))
	}

	if err := s.Tick(start.Add(time.Minute)); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(starter.calls) != 2 {
		t.Fatalf("expected one dispatcher per account (2), got %d", len(starter.calls))
	}

	got, _, _ := s.Get(id)
	if got.Status != StatusRunning {
		t.Fatalf("expected running, got %s", got.Status)
	}
}

func TestTick_PausesRunningCampaignOutsideActiveHours(t *testing.T) {
	t.Parallel()
	starter := &fakeStarter{}
	s := newTestScheduler(t, starter)
	c := Campaign{
		Name: "c", AccountIDs: []string{"+A"}, TargetIDs: []string{"u1"},
		Timezone: "UTC", ActiveHoursStart: 9, ActiveHoursEnd: 17, Template: testTemplate,
	}
	_ = s.Create(c)
	id := firstID(t, s)
	_ = s.Enqueue(id)

	inHours := time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC)
	_ = s.Tick(inHours)
	got, _, _ := s.Get(id)
	if got.Status != StatusRunning {
		t.Fatalf("expected running within active hours, got %s", got.Status)
	}

	outOfHours := time.Date(2026, 2, 2, 20, 0, 0, 0, time.UTC)
	_ = s.Tick(outOfHours)
	got, _, _ = s.Get(id)
	if got.Status != StatusPaused || !got.AutoPaused {
		t.Fatalf("expected auto-paused outside active hours, got status=%s autoPaused=%v", got.Status, got.AutoPaused)
	}
	if len(starter.stopped) != 1 || starter.stopped[0] != id {
		t.Fatalf("expected auto-pause to stop the campaign's dispatchers, got %v", starter.stopped)
	}
}

func TestCancel_StopsRunningDispatchers(t *testing.T) {
	t.Parallel()
	starter := &fakeStarter{}
	s := newTestScheduler(t, starter)
	c := Campaign{Name: "c", AccountIDs: []string{"+A"}, TargetIDs: []string{"u1"}, Template: testTemplate}
	_ = s.Create(c)
	id := firstID(t, s)
	_ = s.Enqueue(id)
	_ = s.Tick(time.Now())

	if err := s.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if len(starter.stopped) != 1 || starter.stopped[0] != id {
		t.Fatalf("expected Cancel to stop the campaign's dispatchers, got %v", starter.stopped)
	}
}

func TestTick_ResumesAutoPausedCampaignOnceBackInHours(t *testing.T) {
	t.Parallel()
	starter := &fakeStarter{}
	s := newTestScheduler(t, starter)
	c := Campaign{
		Name: "c", AccountIDs: []string{"+A"}, TargetIDs: []string{"u1"},
		Timezone: "UTC", ActiveHoursStart: 9, ActiveHoursEnd: 17, Template: testTemplate,
	}
	_ = s.Create(c)
	id := firstID(t, s)
	_ = s.Enqueue(id)

	_ = s.Tick(time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC))
	_ = s.Tick(time.Date(2026, 2, 2, 20, 0, 0, 0, time.UTC))
	got, _, _ := s.Get(id)
	if got.Status != StatusPaused {
		t.Fatalf("setup: expected paused, got %s", got.Status)
	}

	_ = s.Tick(time.Date(2026, 2, 3, 10, 0, 0, 0, time.UTC))
	got, _, _ = s.Get(id)
	if got.Status != StatusRunning {
		t.Fatalf("expected resumed once back in active hours, got %s", got.Status)
	}
}

func TestTick_RecursCompletedCampaignAfterInterval(t *testing.T) {
	t.Parallel()
	starter := &fakeStarter{}
	s := newTestScheduler(t, starter)
	end := time.Date(2026, 2, 2, 12, 0, 0, 0, time.UTC)
	c := Campaign{
		Name: "c", AccountIDs: []string{"+A"}, TargetIDs: []string{"u1"},
		Timezone: "UTC", ScheduledEnd: end,
		Recurring: true, RecurrenceInterval: 24 * time.Hour, Template: testTemplate,
	}
	_ = s.Create(c)
	id := firstID(t, s)
	_ = s.Enqueue(id)

	_ = s.Tick(end.Add(-time.Hour))
	got, _, _ := s.Get(id)
	if got.Status != StatusRunning {
		t.Fatalf("setup: expected running, got %s", got.Status)
	}

	_ = s.Tick(end.Add(time.Hour))
	got, _, _ = s.Get(id)
	if got.Status != StatusCompleted {
		t.Fatalf("expected completed after scheduled end, got %s", got.Status)
	}

	_ = s.Tick(end.Add(25 * time.Hour))

	count := 0
	_ = rangeAll(s, func(cc Campaign) {
		if cc.Status == StatusQueued {
			count++
		}
	})
	if count != 1 {
		t.Fatalf("expected exactly one recurrence clone queued, got %d", count)
	}
}

func TestQueue_NextAndPushBackAreFIFO(t *testing.T) {
	t.Parallel()
	q := NewQueue([]string{"a", "b"})
	q.PushBack("c")

	var drained []string
	for {
		v, ok := q.Next()
		if !ok {
			break
		}
		drained = append(drained, v)
	}
	want := []string{"a", "b", "c"}
	if len(drained) != len(want) {
		t.Fatalf("drained = %v, want %v", drained, want)
	}
	for i := range want {
		if drained[i] != want[i] {
			t.Fatalf("drained = %v, want %v", drained, want)
		}
	}
}

func TestSpawnDispatchers_ExcludesAlreadyExcludedAccounts(t *testing.T) {
	t.Parallel()
	starter := &fakeStarter{}
	s := newTestScheduler(t, starter)
	c := Campaign{
		Name: "c", AccountIDs: []string{"+A", "+B"}, TargetIDs: []string{"u1"},
		Timezone: "UTC", ExcludedAccounts: []string{"+B"}, Template: testTemplate,
	}
	_ = s.Create(c)
	id := firstID(t, s)
	_ = s.Enqueue(id)

	_ = s.Tick(time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC))

	if len(starter.calls) != 1 {
		t.Fatalf("expected dispatcher started only for non-excluded account, got %d calls", len(starter.calls))
	}
	if starter.calls[0].accountID != "+A" {
		t.Fatalf("expected +A to be dispatched, got %s", starter.calls[0].accountID)
	}
}

func TestCampaignRiskReport_ReportsLevelAndExclusionPerAccount(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, nil)
	c := Campaign{
		Name: "c", AccountIDs: []string{"+A", "+B"},
		ExcludedAccounts: []string{"+B"}, Template: testTemplate,
	}
	_ = s.Create(c)
	id := firstID(t, s)

	report, err := s.CampaignRiskReport(id, fakeRiskSource{"+A": "safe", "+B": "critical"})
	if err != nil {
		t.Fatalf("CampaignRiskReport: %v", err)
	}
	if len(report) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(report))
	}
	for _, r := range report {
		if r.AccountID == "+B" && !r.Excluded {
			t.Fatalf("expected +B to be reported as excluded")
		}
		if r.AccountID == "+A" && r.Excluded {
			t.Fatalf("expected +A to not be reported as excluded")
		}
	}
}

type fakeRiskSource map[string]string

func (f fakeRiskSource) RiskLevel(accountID string) string { return f[accountID] }

// --- test helpers --------------------------------------------------------

func firstID(t *testing.T, s *Scheduler) string {
	t.Helper()
	var id string
	_ = rangeAll(s, func(c Campaign) { id = c.ID })
	if id == "" {
		t.Fatalf("expected at least one campaign to exist")
	}
	return id
}

// rangeAll iterates every durable campaign record, for test assertions that
// need to find a scheduler-assigned UUID without the caller tracking it.
func rangeAll(s *Scheduler, fn func(Campaign)) error {
	return boltstore.ForEachJSON(s.db, bucket, func(_ string, c Campaign) error {
		fn(c)
		return nil
	})
}
