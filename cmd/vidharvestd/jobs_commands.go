package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dar-k-dev/vidharvest/internal/broadcast"
)

func newAddCommand(ctx *commandContext) *cobra.Command {
	var quality string
	var format string
	var platformFlag string
	var priority int
	var upscale, denoise, color bool

	cmd := &cobra.Command{
		Use:   "add URL",
		Short: "Queue a media URL for ingestion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFor(ctx)
			if err != nil {
				return err
			}
			payload := map[string]any{
				"url":      args[0],
				"quality":  quality,
				"format":   format,
				"platform": platformFlag,
				"priority": priority,
				"enhancements": map[string]bool{
					"upscale":          upscale,
					"noise_reduction":  denoise,
					"color_correction": color,
				},
			}
			job, err := client.createJob(cmd.Context(), payload)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued %s (%s, priority %d)\n", job.ID, job.Platform, job.Priority)
			return nil
		},
	}

	cmd.Flags().StringVar(&quality, "quality", "", "Preferred quality (e.g. 720p, 1080p)")
	cmd.Flags().StringVar(&format, "format", "video", "Output format: video, audio, mp4, mp3")
	cmd.Flags().StringVar(&platformFlag, "platform", "", "Source platform label (derived from URL when omitted)")
	cmd.Flags().IntVar(&priority, "priority", 0, "Scheduling priority (higher runs first)")
	cmd.Flags().BoolVar(&upscale, "upscale", false, "Upscale the video")
	cmd.Flags().BoolVar(&denoise, "denoise", false, "Apply noise reduction")
	cmd.Flags().BoolVar(&color, "color", false, "Apply color correction")
	return cmd
}

func newListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List live jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFor(ctx)
			if err != nil {
				return err
			}
			listed, err := client.listJobs(cmd.Context())
			if err != nil {
				return err
			}
			if len(listed) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no live jobs")
				return nil
			}

			rows := make([][]string, 0, len(listed))
			for _, job := range listed {
				rows = append(rows, []string{
					job.ID,
					string(job.State),
					strconv.Itoa(job.ProgressPercent) + "%",
					job.Platform,
					job.Format,
					job.StageLabel,
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"ID", "State", "Progress", "Platform", "Format", "Stage"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignLeft, alignLeft},
			))
			return nil
		},
	}
}

func newShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show JOB_ID",
		Short: "Show one job in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFor(ctx)
			if err != nil {
				return err
			}
			job, err := client.getJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ID:        %s\n", job.ID)
			fmt.Fprintf(out, "State:     %s (%d%%)\n", job.State, job.ProgressPercent)
			fmt.Fprintf(out, "URL:       %s\n", job.URL)
			fmt.Fprintf(out, "Platform:  %s\n", job.Platform)
			fmt.Fprintf(out, "Format:    %s\n", job.Format)
			if job.Quality != "" {
				fmt.Fprintf(out, "Quality:   %s\n", job.Quality)
			}
			if labels := job.Enhancements.Labels(); len(labels) > 0 {
				fmt.Fprintf(out, "Enhance:   %s\n", strings.Join(labels, ", "))
			}
			if job.StageLabel != "" {
				fmt.Fprintf(out, "Stage:     %s\n", job.StageLabel)
			}
			if job.ArtifactPath != "" {
				fmt.Fprintf(out, "Artifact:  %s\n", job.ArtifactPath)
			}
			if job.ErrorMessage != "" {
				fmt.Fprintf(out, "Note:      %s\n", job.ErrorMessage)
			}
			fmt.Fprintf(out, "Created:   %s\n", job.CreatedAt.Local().Format(time.RFC3339))
			if job.ReadyAt != nil {
				fmt.Fprintf(out, "Ready:     %s\n", job.ReadyAt.Local().Format(time.RFC3339))
			}
			return nil
		},
	}
}

func newCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel JOB_ID",
		Short: "Cancel a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFor(ctx)
			if err != nil {
				return err
			}
			job, err := client.cancelJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %s is %s\n", job.ID, job.State)
			return nil
		},
	}
}

func newDeliveredCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "delivered JOB_ID",
		Short: "Confirm a ready job was delivered",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFor(ctx)
			if err != nil {
				return err
			}
			job, err := client.confirmDelivery(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %s delivered; artifact will be cleaned up shortly\n", job.ID)
			return nil
		},
	}
}

func newWatchCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream live job updates",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFor(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return client.watchEvents(cmd.Context(), func(data []byte) {
				var event broadcast.Event
				if err := json.Unmarshal(data, &event); err != nil {
					return
				}
				line := fmt.Sprintf("%s %-10s %3d%%", event.JobID, event.State, event.ProgressPercent)
				if event.StageLabel != "" {
					line += "  " + event.StageLabel
				}
				if event.ErrorMessage != "" {
					line += "  (" + event.ErrorMessage + ")"
				}
				fmt.Fprintln(out, line)
			})
		},
	}
}

func clientFor(ctx *commandContext) (*apiClient, error) {
	base, err := ctx.apiBase()
	if err != nil {
		return nil, err
	}
	return newAPIClient(base), nil
}
