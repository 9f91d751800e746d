package app

import (
	"context"
	"sync"
	"time"

	"tgfleet/internal/domain/dispatcher"
)

// appStarter implements campaign.Starter: it owns the dispatcher.Config
// shared by every worker and tracks each running worker's cancel func so a
// campaign pause/cancel/complete can stop its dispatchers.
type appStarter struct {
	app           *App
	dispatcherCfg dispatcher.Config

	mu      sync.Mutex
	cancels map[string][]context.CancelFunc // campaignID -> per-worker cancels
}

// StartDispatcher implements campaign.Starter. It applies the campaign's
// own rate-limit overrides to the shared send gate, then launches one
// dispatcher.Worker goroutine for (campaignID, accountID).
func (a *appStarter) StartDispatcher(campaignID, accountID string, queue dispatcher.TargetQueue, control dispatcher.CampaignControl, maxPerHour, maxPerAccount int, rateLimitDelay time.Duration) {
	a.app.Gate.SetCampaignLimits(campaignID, maxPerHour, maxPerAccount)

	cfg := a.dispatcherCfg
	cfg.RateLimitDelay = rateLimitDelay

	ctx, cancel := context.WithCancel(a.app.ctx)
	a.mu.Lock()
	if a.cancels == nil {
		a.cancels = make(map[string][]context.CancelFunc)
	}
	a.cancels[campaignID] = append(a.cancels[campaignID], cancel)
	a.mu.Unlock()

	w := dispatcher.NewWorker(cfg, campaignID, accountID, queue, control, defaultRatePerSecond)
	go w.Run(ctx)
}

// StopCampaign implements campaign.Starter, cancelling every worker
// goroutine started for campaignID.
func (a *appStarter) StopCampaign(campaignID string) {
	a.mu.Lock()
	cancels := a.cancels[campaignID]
	delete(a.cancels, campaignID)
	a.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}
