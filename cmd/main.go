package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/divortio/wafu/internal/api"
	"github.com/divortio/wafu/internal/config"
	"github.com/divortio/wafu/internal/decisionlog"
	"github.com/divortio/wafu/internal/logging"
	"github.com/divortio/wafu/internal/metrics"
	"github.com/divortio/wafu/internal/origin"
	"github.com/divortio/wafu/internal/pipeline"
	"github.com/divortio/wafu/internal/server"
	"github.com/divortio/wafu/internal/sinks"
	"github.com/divortio/wafu/internal/store"
	"github.com/divortio/wafu/internal/templates"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "WAFU", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*envPrefix, *configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	store.ConfigureEvaluator(cfg.Server.Predicate.RegexCacheSize)

	promRegistry := prometheus.NewRegistry()
	rec := metrics.NewRecorder(promRegistry)

	eventSink := buildSink(logger, cfg.Server.DecisionLog)
	decisionLog := decisionlog.New(eventSink, cfg.Server.DecisionLog.BufferCapacity, rec.DecisionLogDropped(), logger)
	go decisionLog.Run(ctx)
	defer decisionLog.Close()

	auditSink := sinks.NewMemory()
	stores, err := store.NewManager(ctx, cfg.Server.Store.DataDir, auditSink, logger)
	if err != nil {
		log.Fatalf("failed to open tenant stores: %v", err)
	}
	defer stores.Close()

	if cfg.Server.Seed.SeedFile != "" || cfg.Server.Seed.SeedFolder != "" {
		seedEmptyStore(ctx, logger, stores, cfg.Server.Seed)
		watcher, err := config.WatchSeed(ctx, cfg.Server.Seed, func(bundle config.SeedBundle) {
			applySeed(ctx, logger, stores, bundle)
		}, func(err error) {
			logger.Error("seed watcher error", slog.Any("error", err))
		})
		if err != nil {
			logger.Error("seed watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	var renderer *templates.Renderer
	if folder := strings.TrimSpace(cfg.Server.Templates.TemplatesFolder); folder != "" {
		sandbox, err := templates.NewSandbox(folder, false, nil)
		if err != nil {
			logger.Warn("template sandbox setup failed", slog.String("templates_folder", folder), slog.Any("error", err))
			renderer = templates.NewRenderer(nil)
		} else {
			renderer = templates.NewRenderer(sandbox)
		}
	} else {
		renderer = templates.NewRenderer(nil)
	}

	origins := origin.NewRegistry(nil)

	orchestrator := &pipeline.Orchestrator{
		Stores:      stores,
		Origins:     origins,
		DecisionLog: decisionLog,
		Renderer:    renderer,
		Metrics:     rec,
		Log:         logger,
	}

	handlers := &api.Handlers{
		Stores:      stores,
		DecisionLog: decisionLog,
		SeedConfig:  cfg.Server.Seed,
		Log:         logger,
	}

	router := server.NewRouter(handlers, orchestrator, rec)

	srv, err := server.New(cfg, logger, router)
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("server shutdown complete")
}

func buildSink(logger *slog.Logger, cfg config.DecisionLogConfig) sinks.Sink {
	switch strings.ToLower(cfg.Sink) {
	case "", "memory":
		logger.Info("using memory decision sink")
		return sinks.NewMemory()
	case "http":
		logger.Info("using http webhook decision sink", slog.String("url", cfg.HTTP.URL))
		return sinks.NewHTTP(sinks.HTTPConfig{
			URL:            cfg.HTTP.URL,
			MaxElapsedTime: time.Duration(cfg.HTTP.MaxElapsedSeconds) * time.Second,
		}, nil)
	case "amqp":
		amqpSink, err := sinks.NewAMQP(sinks.AMQPConfig{
			URL:        cfg.AMQP.URL,
			Exchange:   cfg.AMQP.Exchange,
			RoutingKey: cfg.AMQP.RoutingKey,
		})
		if err != nil {
			logger.Error("amqp sink setup failed, falling back to memory", slog.Any("error", err))
			return sinks.NewMemory()
		}
		logger.Info("using amqp decision sink", slog.String("exchange", cfg.AMQP.Exchange))
		return amqpSink
	default:
		logger.Warn("unsupported decision log sink, defaulting to memory", slog.String("sink", cfg.Sink))
		return sinks.NewMemory()
	}
}

// seedEmptyStore applies the configured seed source once at startup. Only
// seed rules and routes whose ids are not already in the global store are
// created; existing entries, including ones written through the config API,
// are never overwritten.
func seedEmptyStore(ctx context.Context, logger *slog.Logger, stores *store.Manager, seed config.SeedConfig) {
	bundle, err := config.LoadSeed(ctx, seed)
	if err != nil {
		logger.Error("seed load failed", slog.Any("error", err))
		return
	}
	applySeed(ctx, logger, stores, bundle)
}

func applySeed(ctx context.Context, logger *slog.Logger, stores *store.Manager, bundle config.SeedBundle) {
	snap, err := stores.Global().GetSnapshot(ctx)
	if err != nil {
		logger.Error("seed apply: read snapshot failed", slog.Any("error", err))
		return
	}
	existingRules := make(map[string]bool, len(snap.Rules))
	for _, rule := range snap.Rules {
		existingRules[rule.ID] = true
	}
	existingRoutes := make(map[string]bool, len(snap.Routes))
	for _, route := range snap.Routes {
		existingRoutes[route.ID] = true
	}

	for _, route := range bundle.Routes {
		if existingRoutes[route.ID] {
			continue
		}
		if _, err := stores.Global().CreateRoute(ctx, "seed", route); err != nil {
			logger.Warn("seed apply: create route failed", slog.String("route", route.ID), slog.Any("error", err))
		}
	}
	for _, rule := range bundle.Rules {
		if existingRules[rule.ID] {
			continue
		}
		if _, err := stores.Global().CreateRule(ctx, "seed", rule); err != nil {
			logger.Warn("seed apply: create rule failed", slog.String("rule", rule.ID), slog.Any("error", err))
		}
	}
	for _, skip := range bundle.Skipped {
		logger.Warn("seed apply: definition skipped", slog.String("kind", skip.Kind), slog.String("name", skip.Name), slog.String("reason", skip.Reason))
	}
}
