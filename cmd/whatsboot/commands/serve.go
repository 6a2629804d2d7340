package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/jholhewres/whatsboot/pkg/whatsboot/broadcast"
	"github.com/jholhewres/whatsboot/pkg/whatsboot/channels/whatsapp"
	"github.com/jholhewres/whatsboot/pkg/whatsboot/config"
	"github.com/jholhewres/whatsboot/pkg/whatsboot/database"
	"github.com/jholhewres/whatsboot/pkg/whatsboot/gateway"
	"github.com/jholhewres/whatsboot/pkg/whatsboot/llm"
	"github.com/jholhewres/whatsboot/pkg/whatsboot/media"
	"github.com/jholhewres/whatsboot/pkg/whatsboot/metrics"
	"github.com/jholhewres/whatsboot/pkg/whatsboot/pipeline"
	"github.com/jholhewres/whatsboot/pkg/whatsboot/scheduler"
	"github.com/jholhewres/whatsboot/pkg/whatsboot/session"
	"github.com/jholhewres/whatsboot/pkg/whatsboot/store"
)

// newServeCmd creates the `whatsboot serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the provisioning API and every stored channel",
		Long: `Start WhatsBoot as a daemon: open the database, reconnect every
channel that has credentials on disk and serve the provisioning API.

Examples:
  whatsboot serve
  whatsboot serve --config ./config.yaml -v`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	// ── Load config ──
	cfg, configPath, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg)
	if configPath != "" {
		logger.Info("config loaded", "path", configPath)
	} else {
		logger.Warn("no config file found, running with defaults")
	}

	// ── Resolve secrets ──
	config.ResolveAPIKey(cfg, logger)
	config.ResolveGatewayToken(cfg)
	cfg = cfg.Effective()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Metrics ──
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	// ── Database ──
	hub, err := database.NewHub(ctx, cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer hub.Close()
	st := store.New(hub, logger)

	statuses := broadcast.New(logger, broadcast.WithDropHook(m.BroadcastDropped))

	// ── Message pipeline ──
	client := llm.NewClient(cfg.LLM, cfg.LLM.APIKey, logger)
	pipe := pipeline.New(cfg.Pipeline, pipeline.Deps{
		Store:       pipeline.FromStore(st),
		Completer:   client,
		Transcriber: media.NewTranscription(cfg.Media, client, logger),
		Broadcaster: statuses,
		Metrics:     m,
		Logger:      logger,
	})

	// ── Sessions ──
	orch := session.NewOrchestrator(cfg.Session, session.Deps{
		Dialer:      whatsapp.NewDialer(cfg.WhatsApp, logger),
		Handler:     pipe,
		Broadcaster: statuses,
		Tenants:     st,
		Metrics:     m,
		Logger:      logger,
	})

	// ── Gateway ──
	gw := gateway.New(cfg.Gateway, gateway.Deps{
		Sessions:      orch,
		Tenants:       st,
		Health:        hub,
		Broadcaster:   statuses,
		Conversations: pipe.Registry(),
		Metrics:       promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
	}, logger)
	if err := gw.Start(ctx); err != nil {
		return fmt.Errorf("starting gateway: %w", err)
	}

	// ── Janitor ──
	janitor := scheduler.NewJanitor(cfg.Janitor, []scheduler.Sweep{
		{Name: "scratch", Dir: cfg.Media.ScratchDir, Pattern: media.ScratchPrefix + "*", MaxAge: cfg.Janitor.ScratchMaxAge},
		{Name: "qr", Dir: cfg.Session.QRDir, Pattern: "*.png", MaxAge: cfg.Janitor.QRMaxAge},
	}, logger)
	if err := janitor.Start(ctx); err != nil {
		logger.Error("failed to start janitor", "error", err)
	}

	// ── Hot reload of pipeline toggles ──
	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, 500*time.Millisecond, func(next *config.Config) {
			pipe.UpdateToggles(next.Pipeline.SkipParticipantMessages, next.Pipeline.LegacyGreeting)
			logger.Info("pipeline toggles reloaded",
				"skip_participant_messages", next.Pipeline.SkipParticipantMessages,
				"legacy_greeting", next.Pipeline.LegacyGreeting)
		}, logger)
		if err != nil {
			logger.Warn("config hot reload disabled", "error", err)
		} else {
			go watcher.Start(ctx)
			defer watcher.Stop()
		}
	}

	// ── Reconnect stored channels ──
	go func() {
		if err := orch.Boot(ctx); err != nil {
			logger.Error("boot failed", "error", err)
		}
	}()

	logger.Info("WhatsBoot running. Press Ctrl+C to stop.",
		"address", cfg.Gateway.Address,
		"database", cfg.Database.Backend,
		"model", cfg.LLM.Model,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping...")

	// Graceful shutdown with timeout.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		gwCtx, gwCancel := context.WithTimeout(shutdownCtx, 5*time.Second)
		_ = gw.Stop(gwCtx)
		gwCancel()

		janitor.Stop()
		if err := orch.ShutdownAll(shutdownCtx); err != nil {
			logger.Warn("channels did not stop cleanly", "error", err)
		}
		statuses.Close()
		cancel()
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out after 10s, forcing exit")
	}
	return nil
}
