package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recently finished jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFor(ctx)
			if err != nil {
				return err
			}
			entries, err := client.history(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no finished jobs recorded")
				return nil
			}

			rows := make([][]string, 0, len(entries))
			for _, entry := range entries {
				enhanced := ""
				if entry.Enhanced {
					enhanced = "yes"
				}
				rows = append(rows, []string{
					entry.JobID,
					string(entry.Outcome),
					entry.Platform,
					entry.Format,
					enhanced,
					strconv.Itoa(entry.Attempts),
					entry.FinishedAt.Local().Format(time.DateTime),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"ID", "Outcome", "Platform", "Format", "Enhanced", "Attempts", "Finished"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
			))
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum entries to show")
	return cmd
}
