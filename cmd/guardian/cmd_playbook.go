package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func playbookCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "playbook",
		Short: "Inspect and run recovery playbooks",
	}
	cmd.AddCommand(playbookListCmd())
	cmd.AddCommand(playbookRunCmd())
	return cmd
}

func playbookListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered playbooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			for _, id := range a.engine.IDs() {
				fmt.Println(id)
			}
			return nil
		},
	}
}

func playbookRunCmd() *cobra.Command {
	var (
		asJSON  bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run <id>",
		Short: "Execute one playbook and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			result, err := a.engine.Run(ctx, args[0], nil)
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(result); err != nil {
					return err
				}
			} else {
				outcome := "SUCCESS"
				if !result.Success {
					outcome = "FAILED"
				}
				fmt.Printf("%s: %s (%d/%d steps, %.1fs)\n",
					result.PlaybookID, outcome, result.StepsCompleted, result.TotalSteps, result.DurationSec)
				if result.ErrorMessage != "" {
					fmt.Printf("error: %s\n", result.ErrorMessage)
				}
				for _, artifact := range result.ArtifactsCreated {
					fmt.Printf("artifact: %s\n", artifact)
				}
			}

			if !result.Success {
				os.Exit(1)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "overall run timeout")
	return cmd
}
