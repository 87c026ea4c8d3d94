package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/quantops/guardian/internal/ops"
)

// serveCmd exposes the operator API without the resident loops. Useful
// when another guardian process already runs the aggregation.
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the operator API only",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			srvCfg, err := a.opsServerConfig()
			if err != nil {
				return err
			}
			server := ops.NewServer(srvCfg, a.aggregator, a.manager, a.engine, a.metrics).
				WithPriceOracle(a.prices)
			go func() {
				if err := server.Start(); err != nil {
					log.Error().Err(err).Msg("ops server stopped")
				}
			}()
			log.Info().Str("addr", fmt.Sprintf("%s:%d", srvCfg.Host, srvCfg.Port)).Msg("operator API serving")

			<-cmd.Context().Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		},
	}
}
