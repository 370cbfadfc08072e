// Package main is the entry point for the agency platform: a prime
// coordinator dispatching tasks to worker agents, backed by a double-entry
// ledger.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aristath/agency/internal/api"
	"github.com/aristath/agency/internal/config"
	"github.com/aristath/agency/internal/dispatch"
	"github.com/aristath/agency/internal/system"
	"github.com/aristath/agency/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})
	log.Info().Msg("starting agency")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sys, err := system.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build system")
	}

	d := dispatch.New(
		sys.Queue,
		sys.Workers,
		sys.Processor,
		sys.Accounts,
		sys.Events,
		cfg.CompatibilityFloor,
		cfg.AssignmentTimeout,
		log,
	)
	sys.AttachDispatcher(d)

	go d.Run(ctx, 500*time.Millisecond)
	log.Info().Msg("dispatcher started")

	if err := sys.StartScheduler(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start scheduler")
	}
	log.Info().Msg("scheduler started")

	srv := api.New(api.Config{
		Port:    cfg.Port,
		DevMode: cfg.DevMode,
		Log:     log,
		System:  sys,
	})

	go func() {
		if err := srv.Start(); err != nil {
			log.Error().Err(err).Msg("admin api server stopped")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("admin api started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutdown signal received, draining")

	if err := srv.Shutdown(10 * time.Second); err != nil {
		log.Error().Err(err).Msg("admin api forced to shutdown")
	}

	cancel() // end ctx-bound work, the dispatcher loop among it, before sys.Shutdown
	if err := sys.Shutdown(); err != nil {
		log.Error().Err(err).Msg("error during system shutdown")
	}

	log.Info().Msg("agency stopped")
}
