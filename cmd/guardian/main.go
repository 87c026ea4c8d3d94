package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"
)

const (
	appName = "guardian"
	version = "v1.0.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		log.Logger = log.Output(os.Stderr)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Trading platform resilience control plane",
		Version: version,
		Long: `Guardian watches the trading platform's services and artifacts,
aggregates their health into a single document, runs recovery playbooks
when components degrade, and drives the AGGRESSIVE/SAFE risk mode
state machine.`,
	}

	rootCmd.PersistentFlags().String("root", "", "state root directory (default $GUARDIAN_ROOT or ./shared_data)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (trace|debug|info|warn|error)")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		bindFlagEnv(cmd.Flags())
		level, err := zerolog.ParseLevel(cmd.Flag("log-level").Value.String())
		if err != nil {
			return err
		}
		zerolog.SetGlobalLevel(level)
		return nil
	}

	rootCmd.AddCommand(monitorCmd())
	rootCmd.AddCommand(healthCmd())
	rootCmd.AddCommand(playbookCmd())
	rootCmd.AddCommand(riskCmd())
	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

// bindFlagEnv fills unset flags from GUARDIAN_<FLAG> environment variables,
// e.g. GUARDIAN_LOG_LEVEL for --log-level.
func bindFlagEnv(flags *pflag.FlagSet) {
	flags.VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			return
		}
		env := "GUARDIAN_" + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
		if v, ok := os.LookupEnv(env); ok {
			_ = flags.Set(f.Name, v)
		}
	})
}
