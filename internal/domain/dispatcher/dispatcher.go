// Package dispatcher runs one cooperative worker per (campaign, account)
// pair, pulling targets off a shared queue, clearing them through the Send
// Gate, sending via the Telegram client port, and recording outcomes,
// following spec.md §4.7.
package dispatcher

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"tgfleet/internal/domain/diversity"
	"tgfleet/internal/domain/risk"
	"tgfleet/internal/domain/sendgate"
	"tgfleet/internal/domain/telegramclient"
	"tgfleet/internal/infra/clock"
	"tgfleet/internal/infra/logger"
	"tgfleet/internal/infra/randsrc"
	"tgfleet/internal/infra/throttle"
)

// TargetQueue is the campaign's shared, mutex-guarded remaining-targets
// queue. Implemented by the campaign package; declared here to keep
// dispatcher decoupled from campaign's concrete types.
type TargetQueue interface {
	// Next pops the next target id, or ok=false if the queue is empty.
	Next() (targetID string, ok bool)
	// PushBack requeues a target, e.g. after a transient failure.
	PushBack(targetID string)
}

// MessageRecorder persists per-(campaign,target) delivery outcomes.
// Implemented by the messages package.
type MessageRecorder interface {
	RecordSent(campaignID, accountID, targetID, text string, at time.Time) error
	RecordFailed(campaignID, accountID, targetID, reason string, at time.Time) error
}

// TemplateRenderer renders a campaign's message template against a member
// profile. Implemented by the messages package.
type TemplateRenderer interface {
	Render(campaignID string, member telegramclient.Member) (string, error)
}

// CampaignControl lets the dispatcher signal its campaign when this account
// should be excluded from further sends (risk went critical), and when its
// worker exits so the campaign can notice its target queue has drained.
type CampaignControl interface {
	ExcludeAccount(accountID string)
	FlushCounters()
	// WorkerDone reports a worker's exit. drained is true only when the
	// worker stopped because TargetQueue.Next found the queue empty.
	WorkerDone(drained bool)
}

// RiskObserver registers an account so a risk snapshot cache stays current
// for it. Implemented by *supervisor.Supervisor.
type RiskObserver interface {
	Observe(accountID string)
}

// DiversityRecorder feeds a just-sent message into the diversity analyzer
// and reports whether it tripped a spam pattern. Implemented by
// *diversity.Analyzer.
type DiversityRecorder interface {
	RecordMessage(accountID, text string) diversity.SpamVerdict
}

const flushEveryN = 10

// Config bundles a dispatcher's fixed dependencies, shared across every
// (campaign, account) worker the process runs.
type Config struct {
	Client       telegramclient.Client
	Members      telegramclient.MemberStore
	Gate         *sendgate.Gate
	Risk         *risk.Engine
	Diversity    DiversityRecorder
	Messages     MessageRecorder
	Renderer     TemplateRenderer
	Clock        clock.Clock
	Rand         randsrc.Source // jitter source; defaults to randsrc.Real if nil
	Observer     RiskObserver   // optional; notified once per worker on its first send
	RateLimitDelay time.Duration // campaign.rate_limit_delay, ± 1s jitter
}

// Worker is one (campaign, account) dispatcher instance.
type Worker struct {
	cfg         Config
	campaignID  string
	accountID   string
	queue       TargetQueue
	control     CampaignControl
	pacer       *throttle.Throttler
	observed    bool

	iterations int
}

// NewWorker constructs a dispatcher for one (campaignID, accountID) pair.
// ratePerSecond bounds the pacer's send cadence (campaign-level throttle).
func NewWorker(cfg Config, campaignID, accountID string, queue TargetQueue, control CampaignControl, ratePerSecond int) *Worker {
	if cfg.Rand == nil {
		cfg.Rand = randsrc.Real
	}
	pacer := throttle.New(ratePerSecond)
	return &Worker{cfg: cfg, campaignID: campaignID, accountID: accountID, queue: queue, control: control, pacer: pacer}
}

// Run executes the dispatcher loop until the queue is exhausted, the
// context is cancelled, or the account's risk goes critical. It blocks the
// calling goroutine; callers run it via `go worker.Run(ctx)`.
func (w *Worker) Run(ctx context.Context) {
	w.pacer.Start(ctx)
	defer w.pacer.Stop()

	drained := false
	defer func() { w.control.WorkerDone(drained) }()

	for {
		if ctx.Err() != nil {
			return
		}

		targetID, ok := w.queue.Next()
		if !ok {
			drained = true
			return
		}

		if w.step(ctx, targetID) == actionExit {
			return
		}

		w.iterations++
		if w.iterations%flushEveryN == 0 {
			w.control.FlushCounters()
		}
	}
}

type stepAction int

const (
	actionContinue stepAction = iota
	actionExit
)

func (w *Worker) step(ctx context.Context, targetID string) stepAction {
	now := w.cfg.Clock.Now()

	decision, err := w.cfg.Gate.CanSend(w.campaignID, w.accountID, now)
	if err != nil {
		logger.Error("dispatcher: send gate error", zap.String("account_id", w.accountID), zap.Error(err))
		w.queue.PushBack(targetID)
		return actionExit
	}

	switch decision.Kind {
	case sendgate.DecisionDeny:
		w.queue.PushBack(targetID)
		if decision.Reason == "sleeping" {
			sleepFor(ctx, time.Duration(decision.Seconds*float64(time.Second)))
			return actionContinue
		}
		// quarantined or account capped: both are dispositive for this
		// worker; the account may recover later under a fresh worker.
		return actionExit
	case sendgate.DecisionDelay:
		sleepFor(ctx, time.Duration(decision.Seconds*float64(time.Second)))
		w.queue.PushBack(targetID)
		return actionContinue
	}

	// decision.Kind == sendgate.DecisionAllow here. High/moderate risk
	// carries its mandatory per-send delay in decision.Seconds, applied
	// after the send alongside campaign.rate_limit_delay.
	riskDelay := decision.Seconds

	if err := w.pacer.Wait(ctx); err != nil {
		w.queue.PushBack(targetID)
		return actionExit
	}

	member, err := w.cfg.Members.GetMember(ctx, targetID)
	if err != nil {
		logger.Warn("dispatcher: member lookup failed", zap.String("target_id", targetID), zap.Error(err))
		_ = w.cfg.Messages.RecordFailed(w.campaignID, w.accountID, targetID, "member lookup failed", now)
		return actionContinue
	}

	text, err := w.cfg.Renderer.Render(w.campaignID, member)
	if err != nil {
		logger.Warn("dispatcher: render failed", zap.String("target_id", targetID), zap.Error(err))
		_ = w.cfg.Messages.RecordFailed(w.campaignID, w.accountID, targetID, "render failed", now)
		return actionContinue
	}

	outcome := w.cfg.Client.SendMessage(ctx, w.accountID, targetID, text)
	w.handleOutcome(ctx, targetID, text, outcome, now)

	if outcome.Success() {
		w.cfg.Gate.RecordSent(w.campaignID, w.accountID, now)
		if w.cfg.Risk.GetStatus(w.accountID).RiskLevel == risk.LevelCritical {
			w.control.ExcludeAccount(w.accountID)
			return actionExit
		}
	}

	sleepFor(ctx, w.mandatoryDelay(now, riskDelay))
	return actionContinue
}

func (w *Worker) handleOutcome(ctx context.Context, targetID, text string, outcome telegramclient.Outcome, now time.Time) {
	switch outcome.Kind {
	case telegramclient.OutcomeSuccess:
		_ = w.cfg.Messages.RecordSent(w.campaignID, w.accountID, targetID, text, now)
		w.cfg.Risk.RecordSend(w.accountID, text, targetID, now)
		if w.cfg.Observer != nil && !w.observed {
			w.cfg.Observer.Observe(w.accountID)
			w.observed = true
		}
		if w.cfg.Diversity != nil {
			if verdict := w.cfg.Diversity.RecordMessage(w.accountID, text); verdict.IsSpam {
				w.cfg.Risk.RecordSpamDetected(w.accountID, now)
				logger.Warn("dispatcher: spam pattern detected", zap.String("account_id", w.accountID), zap.String("reason", verdict.Reason))
			}
		}

	case telegramclient.OutcomeFloodWait:
		w.cfg.Risk.RecordError(w.accountID, risk.ErrorFloodWait, "flood_wait", now)
		jitter := 5 + w.cfg.Rand.Float64()*10
		sleepFor(ctx, time.Duration(outcome.Seconds)*time.Second+time.Duration(jitter*float64(time.Second)))
		w.queue.PushBack(targetID)

	case telegramclient.OutcomeUserBlocked:
		_ = w.cfg.Messages.RecordFailed(w.campaignID, w.accountID, targetID, "user_blocked", now)
		w.cfg.Risk.RecordError(w.accountID, risk.ErrorUserBlocked, "user_blocked", now)

	case telegramclient.OutcomeUserPrivacyRestricted:
		_ = w.cfg.Messages.RecordFailed(w.campaignID, w.accountID, targetID, "privacy_restricted", now)
		w.cfg.Risk.RecordError(w.accountID, risk.ErrorPrivacyRestricted, "privacy_restricted", now)

	case telegramclient.OutcomePeerIDInvalid, telegramclient.OutcomeUserDeactivated, telegramclient.OutcomeUserBannedInChannel:
		_ = w.cfg.Messages.RecordFailed(w.campaignID, w.accountID, targetID, "invalid_user", now)
		w.cfg.Risk.RecordError(w.accountID, risk.ErrorInvalidUser, outcome.Message, now)

	default:
		_ = w.cfg.Messages.RecordFailed(w.campaignID, w.accountID, targetID, "generic_error", now)
		w.cfg.Risk.RecordError(w.accountID, risk.ErrorGeneric, outcome.Message, now)
	}
}

// mandatoryDelay is the gate's per-risk mandatory delay (riskSeconds, from
// Decision.Seconds on Allow) plus campaign.rate_limit_delay, ± 1s jitter.
func (w *Worker) mandatoryDelay(now time.Time, riskSeconds float64) time.Duration {
	jitter := (w.cfg.Rand.Float64()*2 - 1) * float64(time.Second)
	base := w.cfg.RateLimitDelay + time.Duration(riskSeconds*float64(time.Second))
	d := base + time.Duration(jitter)
	if d < 0 {
		d = 0
	}
	return d
}

func sleepFor(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// ErrQueueClosed signals that a campaign's queue will produce no further
// targets. TargetQueue's methods return no error, so nothing in this
// repository returns it; a worker stops on Next reporting ok=false.
var ErrQueueClosed = errors.New("dispatcher: queue closed")
