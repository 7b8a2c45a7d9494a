package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/smsgw/fleet-console/internal/config"
	"github.com/smsgw/fleet-console/internal/console"
	"github.com/smsgw/fleet-console/internal/fleet"
	"github.com/smsgw/fleet-console/internal/httpapi"
	"github.com/smsgw/fleet-console/internal/logging"
	"github.com/smsgw/fleet-console/internal/metrics"
	"github.com/smsgw/fleet-console/internal/mirror"
	"github.com/smsgw/fleet-console/internal/storage"
	"github.com/smsgw/fleet-console/internal/stream"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	logger := logging.New(cfg.LogLevel)

	if err := os.MkdirAll(cfg.DBDir(), 0o755); err != nil {
		logger.Error("failed to create db directory", "err", err)
		os.Exit(1)
	}

	repo, err := storage.New(ctx, cfg.DBPath, logger)
	if err != nil {
		logger.Error("failed to initialize storage", "err", err)
		os.Exit(1)
	}
	defer repo.Close()

	met := metrics.New()

	svc := mirror.New(
		fleet.Options{
			MaxResolvedAlarms: cfg.MaxResolvedAlarms,
			SeqGapThreshold:   cfg.SeqGapThreshold,
		},
		cfg.SubscriberQueueCap,
		repo,
		cfg.PersistInterval,
		logger,
		met,
	)
	if err := svc.WarmStart(ctx); err != nil {
		logger.Warn("warm start failed, starting empty", "err", err)
	}

	upstream := stream.New(stream.Config{
		URL:               cfg.UpstreamURL,
		Token:             cfg.UpstreamToken,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		BackoffBase:       cfg.BackoffBase,
		BackoffMax:        cfg.BackoffMax,
	}, svc.HandleFrame, logger, met)
	svc.SetUpstream(upstream)

	go svc.Run(ctx)
	upstream.Open(ctx)
	defer upstream.Close()

	crud := console.New(cfg.ConsoleURL, cfg.ConsoleToken, logger)
	api := httpapi.New(svc, crud, met, logger)

	// No global read/write timeouts: /api/stream holds long-lived
	// websocket connections.
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("server starting", "addr", httpServer.Addr, "upstream", cfg.UpstreamURL)
	if err := httpapi.RunServer(ctx, httpServer, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated with error", "err", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}
