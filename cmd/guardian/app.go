package main

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/quantops/guardian/internal/alerts"
	"github.com/quantops/guardian/internal/backoff"
	"github.com/quantops/guardian/internal/config"
	"github.com/quantops/guardian/internal/events"
	"github.com/quantops/guardian/internal/exchange"
	"github.com/quantops/guardian/internal/feed"
	"github.com/quantops/guardian/internal/health"
	"github.com/quantops/guardian/internal/metrics"
	"github.com/quantops/guardian/internal/oracle"
	"github.com/quantops/guardian/internal/ops"
	"github.com/quantops/guardian/internal/paths"
	"github.com/quantops/guardian/internal/persistence"
	"github.com/quantops/guardian/internal/playbook"
	"github.com/quantops/guardian/internal/procs"
	"github.com/quantops/guardian/internal/risk"
	"github.com/quantops/guardian/internal/store"
)

// app wires the shared subsystems most commands need.
type app struct {
	cfg        config.Config
	root       *paths.Root
	store      *store.Store
	registry   procs.Registry
	breaker    *backoff.CircuitBreaker
	aggregator *health.Aggregator
	engine     *playbook.Engine
	manager    *risk.Manager
	metrics    *metrics.Registry
	cache      *oracle.Cache
	archive    *persistence.Archive
	client     exchange.Client
	prices     *oracle.PriceOracle
}

// buildApp assembles the control plane from config. Optional backends
// (redis, postgres) degrade to nil rather than failing startup.
func buildApp(cmd *cobra.Command) (*app, error) {
	cfg := config.FromEnv()
	if dir := cmd.Flag("root").Value.String(); dir != "" {
		cfg.RootDir = dir
	}

	root, err := paths.NewRoot(cfg.RootDir)
	if err != nil {
		return nil, err
	}

	st := store.New(root, store.Options{
		Role:        cfg.WriterRole,
		LastGoodTTL: cfg.LastGoodTTL,
	})

	var cache *oracle.Cache
	if cfg.RedisAddr != "" {
		cache, err = oracle.NewCache(cfg.RedisAddr, "", 0)
		if err != nil {
			log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unavailable, cache tier disabled")
			cache = nil
		}
	}

	archive, err := persistence.Open(cfg.PgDSN)
	if err != nil {
		log.Warn().Err(err).Msg("postgres unavailable, result archive disabled")
		archive, _ = persistence.Open("")
	}

	client := exchange.NewRESTClient(exchange.RESTConfig{
		BaseURL:   cfg.ExchangeBaseURL,
		APIKey:    cfg.ExchangeAPIKey,
		APISecret: cfg.ExchangeAPISecret,
		RPS:       cfg.ExchangeRPS,
	})

	prices := oracle.NewPriceOracle(st, client, cache).WithTTLs(cfg.LiveTTL, cfg.RestTTL)

	registry := procs.NewPIDFileRegistry(root.MustResolve(paths.RuntimeDir))
	breaker := backoff.NewCircuitBreaker(cfg.BreakerFailureThreshold, cfg.BreakerOpenTimeout)

	aggregator := health.NewAggregator(st, registry, breaker, health.LimitsFromConfig(&cfg))

	engine := playbook.NewBuiltinEngine(&playbook.Env{
		Store:          st,
		Client:         client,
		Registry:       registry,
		Symbols:        cfg.FeedSymbols,
		MinCoveragePct: cfg.MinSnapshotCoverage,
	}, breaker, archive)

	metricsReg := metrics.NewRegistry()
	engine.SetObserver(func(r playbook.Result) {
		metricsReg.ObservePlaybookResult(r.PlaybookID, r.Success, r.DurationSec)
	})

	profiles, err := risk.LoadProfiles(cfg.RiskProfileFile)
	if err != nil {
		return nil, fmt.Errorf("load risk profiles: %w", err)
	}
	manager := risk.NewManager(risk.SettingsFromConfig(&cfg), st,
		alerts.NewNotifier(st), events.NewEmitter(st), profiles)
	if archive.Enabled() {
		manager.RegisterCallback(func(from, to risk.Mode, reason string) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := archive.ArchiveModeSwitch(ctx, from.String(), to.String(), reason, time.Now()); err != nil {
				log.Warn().Err(err).Msg("mode switch not archived")
			}
		})
	}

	return &app{
		cfg:        cfg,
		root:       root,
		store:      st,
		registry:   registry,
		breaker:    breaker,
		aggregator: aggregator,
		engine:     engine,
		manager:    manager,
		metrics:    metricsReg,
		cache:      cache,
		archive:    archive,
		client:     client,
		prices:     prices,
	}, nil
}

func (a *app) close() {
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			log.Debug().Err(err).Msg("cache close failed")
		}
	}
	if err := a.archive.Close(); err != nil {
		log.Debug().Err(err).Msg("archive close failed")
	}
}

func (a *app) opsServerConfig() (ops.ServerConfig, error) {
	cfg := ops.DefaultServerConfig()
	if a.cfg.HTTPAddr == "" {
		return cfg, nil
	}
	host, portStr, err := net.SplitHostPort(a.cfg.HTTPAddr)
	if err != nil {
		return cfg, fmt.Errorf("parse http addr %q: %w", a.cfg.HTTPAddr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return cfg, fmt.Errorf("parse http port %q: %w", portStr, err)
	}
	cfg.Host = host
	cfg.Port = port
	return cfg, nil
}

func (a *app) newFeed() *feed.Feed {
	if a.cfg.FeedURL == "" {
		return nil
	}
	return feed.New(feed.Config{
		URL:     a.cfg.FeedURL,
		Symbols: a.cfg.FeedSymbols,
	}, a.store, a.cache, a.metrics)
}
