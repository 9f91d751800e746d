// Package main is the fleet daemon's entry point: load configuration, start
// logging, wire up internal/app, and block until a shutdown signal arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tgfleet/internal/adapters/telegramclient"
	"tgfleet/internal/app"
	domaintelegramclient "tgfleet/internal/domain/telegramclient"
	"tgfleet/internal/infra/config"
	"tgfleet/internal/infra/logger"
)

// noMembers is a placeholder membercache.Source: the scraped-profile store
// (recipient discovery, contact import) is an external collaborator and
// isn't modeled here. A real deployment wires a CRM/scraper adapter
// satisfying the same two methods in its place.
type noMembers struct{}

func (noMembers) GetMember(ctx context.Context, targetID string) (domaintelegramclient.Member, error) {
	return domaintelegramclient.Member{}, fmt.Errorf("no member source configured for target %s", targetID)
}

func (noMembers) GetMembersBatch(ctx context.Context, targetIDs []string) ([]domaintelegramclient.Member, error) {
	return nil, fmt.Errorf("no member source configured")
}

func main() {
	log.SetFlags(0)
	log.SetPrefix(time.Now().Format("2006-01-02 15:04:05 "))

	envPath := flag.String("env", ".env", "path to .env file")
	flag.Parse()

	if err := config.Load(*envPath); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	env := config.Env()
	logger.Init(env.LogLevel)
	if env.LogFile != "" {
		logger.SetLogFile(env.LogFile, 0, 0, 0)
	}
	for _, msg := range config.Warnings() {
		logger.Warn(msg)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool := telegramclientadapter.NewPool()
	a, err := app.New(noMembers{}, pool)
	if err != nil {
		log.Fatalf("app init failed: %v", err)
	}

	logger.Info("fleet starting")
	a.Run(ctx)

	if err := a.Close(); err != nil {
		logger.Errorf("app close failed: %v", err)
	}
	logger.Info("fleet stopped")
}
