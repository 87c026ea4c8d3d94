package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/quantops/guardian/internal/health"
)

func healthCmd() *cobra.Command {
	var (
		asJSON  bool
		current bool
	)

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Aggregate and print the health document",
		Long: `Recompute the health single source of truth and print it. With
--current the stored document is read instead of recomputed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			var doc *health.SSOT
			if current {
				doc, err = a.aggregator.ReadCurrent()
			} else {
				doc, err = a.aggregator.Run()
			}
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(doc)
			}

			printHealthSummary(doc)
			if doc.OverallStatus == health.StatusFail {
				os.Exit(1)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full document as JSON")
	cmd.Flags().BoolVar(&current, "current", false, "read the stored document instead of recomputing")
	return cmd
}

func printHealthSummary(doc *health.SSOT) {
	fmt.Printf("overall:       %s\n", doc.OverallStatus)
	fmt.Printf("mode:          %s\n", doc.Mode)
	fmt.Printf("safe_to_trade: %v\n", doc.SafeToTrade)

	for name, comp := range map[string]*health.ComponentHealth{
		"feeder":    doc.Feeder,
		"trader":    doc.Trader,
		"auto_heal": doc.AutoHeal,
	} {
		if comp == nil {
			continue
		}
		fmt.Printf("%-13s %s\n", name+":", comp.Status)
		for check, result := range comp.Checks {
			if !result.OK {
				fmt.Printf("    %s: %s\n", check, result.Reason)
			}
		}
		for check, playbook := range comp.Remediation {
			fmt.Printf("    remediation for %s: %s\n", check, playbook)
		}
	}

	if doc.Pipeline != nil && !doc.Pipeline.EndToEndOK {
		fmt.Printf("pipeline:      broken at %s\n", doc.Pipeline.BrokenLink)
	}
	if doc.CircuitBreaker.Active {
		fmt.Printf("breaker:       ACTIVE (%s)\n", doc.CircuitBreaker.Reason)
	}
}
