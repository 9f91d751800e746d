// Package sendgate is the last checkpoint before a message goes out: it
// composes quarantine state, the activity envelope, risk level, and
// per-account rate limits into a single Allow/Delay/Deny decision, per
// spec.md §4.6.
package sendgate

import (
	"fmt"
	"sync"
	"time"

	"tgfleet/internal/domain/activity"
	"tgfleet/internal/infra/randsrc"
)

// DecisionKind is the closed set of outcomes CanSend can return.
type DecisionKind int

const (
	DecisionAllow DecisionKind = iota
	DecisionDelay
	DecisionDeny
)

// Decision is the result of one CanSend evaluation.
type Decision struct {
	Kind    DecisionKind
	Seconds float64
	Reason  string
}

func Allow(delaySeconds float64, reason string) Decision {
	return Decision{Kind: DecisionAllow, Seconds: delaySeconds, Reason: reason}
}

func Delay(seconds float64, reason string) Decision {
	return Decision{Kind: DecisionDelay, Seconds: seconds, Reason: reason}
}

func Deny(reason string) Decision {
	return Decision{Kind: DecisionDeny, Reason: reason}
}

// QuarantineQuery answers whether an account is currently quarantined.
type QuarantineQuery interface {
	IsQuarantined(accountID string) (bool, time.Time, error)
}

// RiskQuery answers an account's current risk level string ("safe",
// "low", "moderate", "high", "critical", "quarantined").
type RiskQuery interface {
	RiskLevel(accountID string) string
}

// limiterPair is the hourly + lifetime send counters for one
// (campaign_id, account_id) pair, per the Supplemented Features per-campaign
// keying decision.
type limiterPair struct {
	hourWindowAt time.Time
	sentThisHour int
	sentTotal    int
}

// campaignLimits is one campaign's override of the Gate's default
// maxPerHour/maxPerAccount, set from campaign.Campaign's own tunables each
// time a dispatcher is started for the campaign.
type campaignLimits struct {
	maxPerHour    int
	maxPerAccount int
}

// Gate evaluates CanSend, holding the rate-limiter state the spec calls an
// allowed side effect.
type Gate struct {
	quarantine QuarantineQuery
	risk       RiskQuery
	activity   *activity.Registry
	rnd        randsrc.Source

	maxPerHour    int
	maxPerAccount int

	mu       sync.Mutex
	limiters map[string]*limiterPair
	limits   map[string]campaignLimits
}

func NewGate(quarantine QuarantineQuery, risk RiskQuery, act *activity.Registry, rnd randsrc.Source, maxPerHour, maxPerAccount int) *Gate {
	return &Gate{
		quarantine:    quarantine,
		risk:          risk,
		activity:      act,
		rnd:           rnd,
		maxPerHour:    maxPerHour,
		maxPerAccount: maxPerAccount,
		limiters:      make(map[string]*limiterPair),
		limits:        make(map[string]campaignLimits),
	}
}

// SetCampaignLimits overrides the gate-wide maxPerHour/maxPerAccount for one
// campaign, from campaign.Campaign.MaxPerHour/MaxPerAccount. Called by the
// app's campaign.Starter each time it starts a dispatcher. A zero value in
// either field means "no cap", matching the gate-wide convention.
func (g *Gate) SetCampaignLimits(campaignID string, maxPerHour, maxPerAccount int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.limits[campaignID] = campaignLimits{maxPerHour: maxPerHour, maxPerAccount: maxPerAccount}
}

// limitsFor resolves the effective caps for campaignID: its own override if
// the Scheduler has set one, otherwise the gate-wide default.
func (g *Gate) limitsFor(campaignID string) (maxPerHour, maxPerAccount int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if l, ok := g.limits[campaignID]; ok {
		return l.maxPerHour, l.maxPerAccount
	}
	return g.maxPerHour, g.maxPerAccount
}

func limiterKey(campaignID, accountID string) string {
	return campaignID + "|" + accountID
}

func (g *Gate) pairFor(campaignID, accountID string, now time.Time) *limiterPair {
	key := limiterKey(campaignID, accountID)
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.limiters[key]
	if !ok {
		p = &limiterPair{hourWindowAt: now}
		g.limiters[key] = p
	}
	if now.Sub(p.hourWindowAt) >= time.Hour {
		p.hourWindowAt = now
		p.sentThisHour = 0
	}
	return p
}

// CanSend runs the six-step evaluation in spec.md §4.6, short-circuiting on
// the first blocking condition.
func (g *Gate) CanSend(campaignID, accountID string, now time.Time) (Decision, error) {
	if g.quarantine != nil {
		quarantined, releaseAt, err := g.quarantine.IsQuarantined(accountID)
		if err != nil {
			return Decision{}, fmt.Errorf("sendgate: quarantine check: %w", err)
		}
		if quarantined {
			return Deny(fmt.Sprintf("quarantined until %s", releaseAt.Format(time.RFC3339))), nil
		}
	}

	if g.activity != nil {
		if g.activity.IsSleeping(accountID, now) {
			d := Deny("sleeping")
			d.Seconds = g.activity.WakeDelay(accountID, now).Seconds()
			return d, nil
		}
		if allow, suggested := g.activity.ShouldSendNow(accountID, now); !allow {
			return Delay(suggested, "activity pattern"), nil
		}
	}

	maxPerHour, maxPerAccount := g.limitsFor(campaignID)
	p := g.pairFor(campaignID, accountID, now)
	g.mu.Lock()
	if maxPerHour > 0 && p.sentThisHour >= maxPerHour {
		elapsed := now.Sub(p.hourWindowAt)
		remaining := time.Hour - elapsed
		g.mu.Unlock()
		return Delay(remaining.Seconds(), "hourly limit"), nil
	}
	if maxPerAccount > 0 && p.sentTotal >= maxPerAccount {
		g.mu.Unlock()
		return Deny("account capped"), nil
	}
	g.mu.Unlock()

	level := "safe"
	if g.risk != nil {
		level = g.risk.RiskLevel(accountID)
	}
	switch level {
	case "critical":
		return Delay(600, "critical risk"), nil
	case "high":
		return Allow(30+g.rnd.Float64()*90, ""), nil
	case "moderate":
		return Allow(10+g.rnd.Float64()*20, ""), nil
	default:
		return Allow(0, ""), nil
	}
}

// RecordSent increments the per-(campaign,account) hourly and lifetime
// counters. Called by the Dispatcher after a successful send.
func (g *Gate) RecordSent(campaignID, accountID string, now time.Time) {
	p := g.pairFor(campaignID, accountID, now)
	g.mu.Lock()
	defer g.mu.Unlock()
	p.sentThisHour++
	p.sentTotal++
}

// SentThisHour and SentTotal expose the current counters for status
// reporting.
func (g *Gate) SentThisHour(campaignID, accountID string, now time.Time) int {
	p := g.pairFor(campaignID, accountID, now)
	g.mu.Lock()
	defer g.mu.Unlock()
	return p.sentThisHour
}

func (g *Gate) SentTotal(campaignID, accountID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p, ok := g.limiters[limiterKey(campaignID, accountID)]; ok {
		return p.sentTotal
	}
	return 0
}
