package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFor(ctx)
			if err != nil {
				return err
			}
			status, err := client.status(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				encoder := json.NewEncoder(out)
				encoder.SetIndent("", "  ")
				return encoder.Encode(status)
			}

			running, _ := status["running"].(bool)
			fmt.Fprintf(out, "Running:   %v\n", running)
			if workflow, ok := status["workflow"].(map[string]any); ok {
				if states, ok := workflow["states"].(map[string]any); ok && len(states) > 0 {
					fmt.Fprint(out, "Jobs:     ")
					for state, count := range states {
						fmt.Fprintf(out, " %s=%v", state, count)
					}
					fmt.Fprintln(out)
				}
				fmt.Fprintf(out, "Active:    %v running, %v queued\n", workflow["running"], workflow["queue_depth"])
			}
			if dropped, ok := status["dropped_events"]; ok {
				fmt.Fprintf(out, "Watchers:  %v connected, %v updates dropped\n", status["watchers"], dropped)
			}
			if deps, ok := status["dependencies"].([]any); ok {
				for _, raw := range deps {
					dep, ok := raw.(map[string]any)
					if !ok {
						continue
					}
					marker := "ok"
					if available, _ := dep["available"].(bool); !available {
						marker = "MISSING"
					}
					fmt.Fprintf(out, "Tool:      %v (%v) %s\n", dep["name"], dep["command"], marker)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit raw JSON")
	return cmd
}
