// Package app is the top-level assembly of the fleet process: configuration,
// durable stores, the risk/diversity/fingerprint/quarantine/activity
// subsystems, the send gate, the campaign scheduler, and the supervisor
// heartbeat are all wired together here. Run starts the supervisor and
// scheduler tick loops and blocks until the process context is cancelled.
package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tgfleet/internal/domain/activity"
	"tgfleet/internal/domain/campaign"
	"tgfleet/internal/domain/coreerr"
	"tgfleet/internal/domain/dispatcher"
	"tgfleet/internal/domain/diversity"
	"tgfleet/internal/domain/fingerprint"
	"tgfleet/internal/domain/messages"
	"tgfleet/internal/domain/quarantine"
	"tgfleet/internal/domain/risk"
	"tgfleet/internal/domain/sendgate"
	"tgfleet/internal/domain/supervisor"
	"tgfleet/internal/domain/telegramclient"
	"tgfleet/internal/infra/clock"
	"tgfleet/internal/infra/config"
	"tgfleet/internal/infra/logger"
	"tgfleet/internal/infra/membercache"
	"tgfleet/internal/infra/randsrc"
)

// defaultMaxPerHour/defaultMaxPerAccount are the gate's fleet-wide limits
// absent any per-campaign override. The hourly default is bounded; the
// per-account default is zero, which the gate treats as "no lifetime cap".
const (
	defaultMaxPerHour    = 20
	defaultMaxPerAccount = 0 // unlimited; campaigns opt into a cap explicitly
	defaultRatePerSecond = 1
	memberCacheTTL       = 10 * time.Minute
)

// App owns every long-lived subsystem and their shutdown order.
type App struct {
	Risk        *risk.Engine
	Diversity   *diversity.Analyzer
	Fingerprint *fingerprint.Registry
	Quarantine  *quarantine.Manager
	Activity    *activity.Registry
	Gate        *sendgate.Gate
	Messages    *messages.Store
	Renderer    *messages.Renderer
	Scheduler   *campaign.Scheduler
	Supervisor  *supervisor.Supervisor
	Members     *membercache.Cache

	clk clock.Clock
	rnd randsrc.Source
	cfg config.EnvConfig
	ctx context.Context // set at Run; parent for every dispatcher worker's context
}

// New constructs and wires every subsystem from the loaded configuration.
// members is the external, out-of-scope profile source the dispatcher's
// member cache reads through; client is the registered per-account send
// path (internal/adapters/telegramclient.Pool, populated by the caller once
// each account's MTProto session is authenticated).
func New(members membercache.Source, client telegramclient.Client) (*App, error) {
	cfg := config.Env()
	clk := clock.Real
	rnd := randsrc.Real

	diversityAnalyzer := diversity.NewAnalyzer()
	riskEngine := risk.NewEngine(clk, cfg.Weights, diversityAnalyzer)

	quarantineMgr, err := quarantine.NewManager(cfg.QuarantineStoreFile, clk)
	if err != nil {
		return nil, fmt.Errorf("app: open quarantine store: %w", err)
	}
	quarantineMgr.OnChange(func(accountID string, quarantined bool) {
		riskEngine.SetQuarantined(accountID, quarantined)
	})

	fingerprintRegistry, err := fingerprint.NewRegistry(cfg.FingerprintStoreFile, clk, rnd)
	if err != nil {
		_ = quarantineMgr.Close()
		return nil, fmt.Errorf("app: open fingerprint registry: %w", err)
	}

	activityRegistry := activity.NewRegistry(rnd)

	gate := sendgate.NewGate(quarantineMgr, riskEngine, activityRegistry, rnd, defaultMaxPerHour, defaultMaxPerAccount)

	messageStore, err := messages.NewStore(cfg.MessageStoreFile)
	if err != nil {
		_ = fingerprintRegistry.Close()
		_ = quarantineMgr.Close()
		return nil, fmt.Errorf("app: open message store: %w", err)
	}
	renderer := messages.NewRenderer()

	memberCache := membercache.New(members, clk, memberCacheTTL)

	a := &App{
		Risk:        riskEngine,
		Diversity:   diversityAnalyzer,
		Fingerprint: fingerprintRegistry,
		Quarantine:  quarantineMgr,
		Activity:    activityRegistry,
		Gate:        gate,
		Messages:    messageStore,
		Renderer:    renderer,
		Members:     memberCache,
		clk:         clk,
		rnd:         rnd,
		cfg:         cfg,
		ctx:         context.Background(),
	}

	fingerprintMaxAge := time.Duration(cfg.RotationIntervalHr) * time.Hour
	a.Supervisor = supervisor.New(supervisor.Config{
		Risk:              riskEngine,
		Quarantine:        quarantineMgr,
		Fingerprint:       fingerprintRegistry,
		Clock:             clk,
		FingerprintMaxAge: fingerprintMaxAge,
	})

	dispatcherCfg := dispatcher.Config{
		Client:    client,
		Members:   memberCache,
		Gate:      gate,
		Risk:      riskEngine,
		Diversity: diversityAnalyzer,
		Messages:  messageStore,
		Renderer:  renderer,
		Clock:     clk,
		Rand:      rnd,
		Observer:  a.Supervisor,
	}

	scheduler, err := campaign.NewScheduler(cfg.CampaignStoreFile, &appStarter{app: a, dispatcherCfg: dispatcherCfg})
	if err != nil {
		_ = messageStore.Close()
		_ = fingerprintRegistry.Close()
		_ = quarantineMgr.Close()
		return nil, fmt.Errorf("app: open campaign scheduler: %w", err)
	}
	scheduler.SetTemplateRegistrar(renderer)
	a.Scheduler = scheduler

	return a, nil
}

// Run starts the supervisor heartbeat and the campaign scheduler's tick
// loop, blocking until ctx is cancelled. Callers should invoke this from a
// goroutine; Close releases durable stores once Run returns.
func (a *App) Run(ctx context.Context) {
	a.ctx = ctx
	a.Supervisor.Start(ctx)

	tick := time.Duration(a.cfg.TickIntervalMS) * time.Millisecond
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.Supervisor.Stop()
			return
		case now := <-ticker.C:
			if err := a.Scheduler.Tick(now.UTC()); err != nil {
				logger.Error("app: scheduler tick failed", zap.Error(err))
			}
		}
	}
}

// Close releases every durable store. Call once Run has returned.
func (a *App) Close() error {
	var firstErr error
	for _, closeFn := range []func() error{
		a.Scheduler.Close,
		a.Messages.Close,
		a.Fingerprint.Close,
		a.Quarantine.Close,
	} {
		if err := closeFn(); err != nil && firstErr == nil {
			firstErr = &coreerr.PersistenceError{Op: "close", Err: err}
		}
	}
	return firstErr
}

// CreateCampaign validates and persists a new draft campaign, per spec.md §6.
func (a *App) CreateCampaign(c campaign.Campaign) error {
	return a.Scheduler.Create(c)
}

// StartCampaign transitions a draft campaign to queued; the scheduler's
// tick loop picks it up once its scheduled start is reached.
func (a *App) StartCampaign(campaignID string) error {
	return a.Scheduler.Enqueue(campaignID)
}

// StopCampaign cancels a campaign whatever its current state.
func (a *App) StopCampaign(campaignID string) error {
	return a.Scheduler.Cancel(campaignID)
}
