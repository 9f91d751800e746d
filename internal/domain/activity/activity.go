// Package activity simulates per-account human availability: a 24-slot
// hourly multiplier envelope plus a timezone-derived sleep window, sampled
// once per account so no two accounts look identical, per spec.md §4.4.
package activity

import (
	"sync"
	"time"

	"tgfleet/internal/infra/randsrc"
)

// Envelope is one account's simulated activity shape.
type Envelope struct {
	HourlyMultiplier [24]float64
	SleepStartHour   int
	SleepEndHour     int
	TimezoneOffset   int
}

// shapeBand describes the multiplier range for a contiguous block of
// account-local hours, used as the basis the per-account envelope samples
// around.
type shapeBand struct {
	startHour, endHour int
	low, high          float64
}

var bands = []shapeBand{
	{2, 7, 0.02, 0.10},  // deep night
	{7, 9, 0.3, 0.6},    // morning
	{9, 18, 0.5, 0.9},   // daytime work hours
	{18, 22, 0.8, 1.0},  // evening
	{22, 24, 0.4, 0.7},  // late evening
	{0, 2, 0.4, 0.7},    // late evening wraps past midnight
}

func bandFor(hour int) shapeBand {
	for _, b := range bands {
		if hour >= b.startHour && hour < b.endHour {
			return b
		}
	}
	return shapeBand{low: 0.3, high: 0.6}
}

// Generate samples a new Envelope for an account with the given timezone
// offset (hours, may be negative), deriving the sleep window from the
// deep-night band and jittering every hourly multiplier within its band.
func Generate(timezoneOffset int, rnd randsrc.Source) Envelope {
	env := Envelope{TimezoneOffset: timezoneOffset, SleepStartHour: 2, SleepEndHour: 7}
	for h := 0; h < 24; h++ {
		b := bandFor(h)
		env.HourlyMultiplier[h] = b.low + rnd.Float64()*(b.high-b.low)
	}
	return env
}

// weekendDamp applies the 0.7-1.1 weekend multiplier spec.md specifies.
func weekendDamp(local time.Time, rnd randsrc.Source, base float64) float64 {
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return base * (0.7 + rnd.Float64()*0.4)
	default:
		return base
	}
}

// local returns now converted to account-local time, given the envelope's
// UTC offset.
func (e Envelope) local(now time.Time) time.Time {
	loc := time.FixedZone("account", e.TimezoneOffset*3600)
	return now.In(loc)
}

// IsSleeping reports whether now falls within the account's local sleep
// window, which may wrap midnight.
func (e Envelope) IsSleeping(now time.Time) bool {
	hour := e.local(now).Hour()
	if e.SleepStartHour <= e.SleepEndHour {
		return hour >= e.SleepStartHour && hour < e.SleepEndHour
	}
	return hour >= e.SleepStartHour || hour < e.SleepEndHour
}

// WakeDelay returns how long until the account's local sleep window ends,
// for a caller that wants to requeue a send rather than busy-poll.
func (e Envelope) WakeDelay(now time.Time) time.Duration {
	local := e.local(now)
	hour := local.Hour()
	endHour := e.SleepEndHour
	hoursUntil := endHour - hour
	if hoursUntil <= 0 {
		hoursUntil += 24
	}
	minutesIntoHour := local.Minute()
	delay := time.Duration(hoursUntil)*time.Hour - time.Duration(minutesIntoHour)*time.Minute
	if delay < 0 {
		delay = 0
	}
	return delay
}

// ActivityMultiplier returns the account's simulated activity level in
// [0,1] for now, including the weekend dampening factor.
func (e Envelope) ActivityMultiplier(now time.Time, rnd randsrc.Source) float64 {
	local := e.local(now)
	base := e.HourlyMultiplier[local.Hour()]
	m := weekendDamp(local, rnd, base)
	if m > 1 {
		m = 1
	}
	return m
}

// ShouldSendNow draws a Bernoulli trial with parameter ActivityMultiplier;
// on failure it suggests a delay of uniform(10,300)/max(multiplier, eps).
func (e Envelope) ShouldSendNow(now time.Time, rnd randsrc.Source) (allow bool, suggestedDelaySeconds float64) {
	const eps = 0.01
	m := e.ActivityMultiplier(now, rnd)
	if rnd.Float64() < m {
		return true, 0
	}
	delay := (10 + rnd.Float64()*290) / max(m, eps)
	return false, delay
}

func max(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// Registry owns one Envelope per account, generated lazily on first
// reference and stable thereafter except when explicitly regenerated (e.g.
// after a fingerprint rotation changes the account's timezone offset).
type Registry struct {
	rnd randsrc.Source

	mu        sync.RWMutex
	envelopes map[string]Envelope
}

func NewRegistry(rnd randsrc.Source) *Registry {
	return &Registry{rnd: rnd, envelopes: make(map[string]Envelope)}
}

// GetOrCreate returns the account's envelope, generating one from
// timezoneOffset if this is the first reference.
func (r *Registry) GetOrCreate(accountID string, timezoneOffset int) Envelope {
	r.mu.RLock()
	env, ok := r.envelopes[accountID]
	r.mu.RUnlock()
	if ok {
		return env
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if env, ok = r.envelopes[accountID]; ok {
		return env
	}
	env = Generate(timezoneOffset, r.rnd)
	r.envelopes[accountID] = env
	return env
}

// Regenerate forces a fresh envelope for accountID, used when a fingerprint
// rotation changes the account's timezone offset.
func (r *Registry) Regenerate(accountID string, timezoneOffset int) Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	env := Generate(timezoneOffset, r.rnd)
	r.envelopes[accountID] = env
	return env
}

// IsSleeping, ActivityMultiplier, and ShouldSendNow proxy to the account's
// envelope, auto-creating it at UTC (offset 0) if never seen. An envelope
// uses the account's real timezone offset only if GetOrCreate or Regenerate
// was called for the account first; nothing in this repository does so, so
// the send gate's sleep checks run against UTC hours.
func (r *Registry) IsSleeping(accountID string, now time.Time) bool {
	return r.GetOrCreate(accountID, 0).IsSleeping(now)
}

func (r *Registry) ActivityMultiplier(accountID string, now time.Time) float64 {
	return r.GetOrCreate(accountID, 0).ActivityMultiplier(now, r.rnd)
}

func (r *Registry) ShouldSendNow(accountID string, now time.Time) (bool, float64) {
	return r.GetOrCreate(accountID, 0).ShouldSendNow(now, r.rnd)
}

func (r *Registry) WakeDelay(accountID string, now time.Time) time.Duration {
	return r.GetOrCreate(accountID, 0).WakeDelay(now)
}
