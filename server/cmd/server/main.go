package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ppeguard/ppeguard/server/internal/alerts"
	"github.com/ppeguard/ppeguard/server/internal/api"
	"github.com/ppeguard/ppeguard/server/internal/config"
	"github.com/ppeguard/ppeguard/server/internal/detector"
	"github.com/ppeguard/ppeguard/server/internal/metrics"
	"github.com/ppeguard/ppeguard/server/internal/receiver"
	"github.com/ppeguard/ppeguard/server/internal/store"
	"github.com/ppeguard/ppeguard/server/internal/ws"
)

// heartbeatInterval is how often the live feed sends a heartbeat.
const heartbeatInterval = 15 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(cfg.Server.Level())
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	slog.Info("ppeguard-server starting", "config", *configPath)
	slog.Info("config loaded",
		"http_port", cfg.Server.HTTPPort,
		"required", cfg.Compliance.Required,
		"confidence_floor", cfg.Compliance.ConfidenceFloor,
		"default_channels", cfg.Alerts.DefaultChannels,
		"max_concurrency", cfg.Alerts.MaxConcurrency,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Persistence: MySQL when a DSN is configured, in-memory otherwise.
	var repo store.Repository
	if dsn := cfg.Database.DSN(); dsn != "" {
		db, err := store.OpenMySQL(ctx, dsn, cfg.Database.MaxOpenConns)
		if err != nil {
			slog.Error("failed to open database", "err", err)
			os.Exit(1)
		}
		defer db.Close()
		repo = db
		slog.Info("using MySQL store")
	} else {
		repo = store.NewMemory()
		slog.Warn("no database DSN configured, records are kept in memory only")
	}

	// Recent violations with background TTL eviction.
	recent := store.NewRecent(cfg.Feed.RecentTTL)
	go recent.Run(ctx)

	// Detector is optional; without it only precomputed detections are accepted.
	var det detector.Detector
	if key := cfg.Detector.APIKey(); key != "" {
		c, err := detector.New(detector.Config{
			APIKey:  key,
			Project: cfg.Detector.Project,
			Version: cfg.Detector.Version,
			BaseURL: cfg.Detector.BaseURL,
			Timeout: cfg.Detector.Timeout,
			Classes: cfg.Detector.ClassMap(),
		})
		if err != nil {
			slog.Error("failed to create detector", "err", err)
			os.Exit(1)
		}
		det = c
	} else {
		slog.Warn("no detector API key configured, image checks are disabled")
	}

	transports, closeTransports := buildTransports(cfg.Alerts)
	defer closeTransports()
	dispatcher := alerts.New(cfg.Alerts.Policy(), transports...)
	slog.Info("alert channels ready", "channels", dispatcher.Channels())

	rec := metrics.New()

	// Live feed: pushes every violation to connected UI clients.
	hub := ws.New(recent, heartbeatInterval)
	go hub.Run(ctx)
	rec.RegisterGauge("feed_clients", "Connected live feed clients.",
		func() float64 { return float64(hub.Count()) })

	rcv, err := receiver.New(receiver.Options{
		Repo:       repo,
		Detector:   det,
		Dispatcher: dispatcher,
		Recent:     recent,
		Feed:       hub,
		Metrics:    rec,
	}, cfg.Compliance.Rule(), cfg.Alerts.Channels())
	if err != nil {
		slog.Error("failed to create receiver", "err", err)
		os.Exit(1)
	}

	// Hot reload: rule, default channels and log level. Transports and
	// listeners keep their startup configuration.
	go func() {
		err := config.Watch(ctx, *configPath, func(next *config.Config) {
			if err := rcv.SetRule(next.Compliance.Rule()); err != nil {
				slog.Error("config: rejected compliance rule", "err", err)
				return
			}
			rcv.SetDefaultChannels(next.Alerts.Channels())
			logLevel.Set(next.Server.Level())
		})
		if err != nil {
			slog.Error("config watcher stopped", "err", err)
		}
	}()

	httpSrv := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler: api.New(api.Deps{
			Receiver: rcv,
			Repo:     repo,
			Recent:   recent,
			Feed:     hub,
			Metrics:  rec.Handler(),
			Totals:   rec,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("HTTP server listening", "port", cfg.Server.HTTPPort)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server stopped", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("ppeguard-server shutting down")
	shutdownCtx, stop := context.WithTimeout(context.Background(), 15*time.Second)
	defer stop()
	httpSrv.Shutdown(shutdownCtx) //nolint:errcheck
}
