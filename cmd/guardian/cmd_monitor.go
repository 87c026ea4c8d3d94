package main

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/quantops/guardian/internal/health"
	"github.com/quantops/guardian/internal/ops"
	"github.com/quantops/guardian/internal/watchdog"
)

func monitorCmd() *cobra.Command {
	var (
		healthInterval time.Duration
		riskInterval   time.Duration
		withFeed       bool
		withServer     bool
	)

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Run the resident control plane",
		Long: `Run the health aggregator, risk watchdog, operator API, and
optionally the live price feed until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			sup := watchdog.NewSupervisor(a.metrics.WatchdogLastSuccess)

			sup.Add(watchdog.Loop{
				Name:     "health_aggregate",
				Interval: healthInterval,
				Run: func(context.Context) error {
					doc, err := a.aggregator.Run()
					if err != nil {
						return err
					}
					observeHealth(a, doc)
					return nil
				},
			})
			sup.Add(watchdog.Loop{
				Name:     "risk_tick",
				Interval: riskInterval,
				Run: func(context.Context) error {
					a.manager.Tick()
					status, err := a.manager.Status()
					if err != nil {
						return err
					}
					a.metrics.ObserveRiskStatus(string(status.CurrentMode),
						status.ConsecutiveLosses, status.IntradayPnlPct)
					return nil
				},
			})
			sup.Add(watchdog.Loop{
				Name:     "writer_metrics",
				Interval: 15 * time.Second,
				Run: func(context.Context) error {
					m := a.store.Metrics()
					a.metrics.WriterBytes.Set(float64(m.BytesWritten))
					a.metrics.WriterLastWrite.Set(m.LastWriteTS)
					a.metrics.WriterStall.Set(m.StallSec)
					return nil
				},
			})
			sup.Start(ctx)

			if withFeed {
				if f := a.newFeed(); f != nil {
					go func() {
						if err := f.Run(ctx); err != nil && ctx.Err() == nil {
							log.Error().Err(err).Msg("feed stopped")
						}
					}()
				} else {
					log.Warn().Msg("feed requested but FEED_WS_URL is empty")
				}
			}

			var server *ops.Server
			if withServer {
				srvCfg, err := a.opsServerConfig()
				if err != nil {
					return err
				}
				server = ops.NewServer(srvCfg, a.aggregator, a.manager, a.engine, a.metrics).
					WithPriceOracle(a.prices)
				go func() {
					if err := server.Start(); err != nil {
						log.Error().Err(err).Msg("ops server stopped")
					}
				}()
			}

			log.Info().
				Str("root", a.root.Dir()).
				Str("role", a.cfg.WriterRole).
				Msg("guardian monitor running")

			<-ctx.Done()

			if server != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := server.Shutdown(shutdownCtx); err != nil {
					log.Warn().Err(err).Msg("ops server shutdown failed")
				}
				cancel()
			}
			sup.Wait()
			log.Info().Msg("guardian monitor stopped")
			return nil
		},
	}

	cmd.Flags().DurationVar(&healthInterval, "health-interval", 10*time.Second, "health aggregation interval")
	cmd.Flags().DurationVar(&riskInterval, "risk-interval", 10*time.Second, "risk watchdog interval")
	cmd.Flags().BoolVar(&withFeed, "feed", false, "also run the live price feed")
	cmd.Flags().BoolVar(&withServer, "serve", true, "expose the operator API")
	return cmd
}

func observeHealth(a *app, doc *health.SSOT) {
	a.metrics.HealthStatus.Set(statusValue(doc.OverallStatus))
	for name, comp := range map[string]*health.ComponentHealth{
		"feeder":    doc.Feeder,
		"trader":    doc.Trader,
		"auto_heal": doc.AutoHeal,
	} {
		if comp != nil {
			a.metrics.ComponentState.WithLabelValues(name).Set(statusValue(comp.Status))
		}
	}
	if doc.SafeToTrade {
		a.metrics.SafeToTrade.Set(1)
	} else {
		a.metrics.SafeToTrade.Set(0)
	}
}

func statusValue(s health.Status) float64 {
	switch s {
	case health.StatusOK:
		return 0
	case health.StatusWarn:
		return 1
	default:
		return 2
	}
}
