package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/quantops/guardian/internal/risk"
)

func riskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "risk",
		Short: "Inspect and control the risk mode state machine",
	}
	cmd.AddCommand(riskStatusCmd())
	cmd.AddCommand(riskSwitchCmd())
	cmd.AddCommand(riskResumeCmd())
	return cmd
}

func riskStatusCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the current risk mode and counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			status, err := a.manager.Status()
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(status)
			}

			fmt.Printf("mode:               %s\n", status.CurrentMode)
			if status.LastSwitchReason != "" {
				fmt.Printf("last switch:        %s (%s)\n", status.LastSwitchReason, status.LastSwitchTS)
			}
			fmt.Printf("consecutive losses: %d\n", status.ConsecutiveLosses)
			fmt.Printf("intraday pnl:       %.2f%%\n", status.IntradayPnlPct)
			fmt.Printf("day open equity:    %.2f\n", status.DayOpenEquity)
			fmt.Printf("profile:            %s (daily loss %.1f%%, max positions %d)\n",
				status.Profile.Name, status.Profile.DailyLossLimitPct, status.Profile.MaxConcurrentPositions)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the status as JSON")
	return cmd
}

func riskSwitchCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "switch <AGGRESSIVE|SAFE>",
		Short: "Switch the risk mode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := risk.ParseMode(args[0])
			if err != nil {
				return err
			}

			a, err := buildApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.manager.SwitchMode(mode, reason); err != nil {
				return err
			}
			fmt.Printf("mode: %s\n", a.manager.States().Mode())
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "manual_switch", "reason recorded with the switch")
	return cmd
}

func riskResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Manually resume AGGRESSIVE mode",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			resumed, err := a.manager.ResumeAggressive(false)
			if err != nil {
				return err
			}
			if !resumed {
				fmt.Println("already in AGGRESSIVE mode")
				return nil
			}
			fmt.Println("AGGRESSIVE mode resumed")
			return nil
		},
	}
}
