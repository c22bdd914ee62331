package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dar-k-dev/vidharvest/internal/config"
)

func newConfigCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newConfigShowCommand(ctx))
	cmd.AddCommand(newConfigInitCommand(ctx))
	return cmd
}

func newConfigShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if ctx.cfgPath != "" {
				fmt.Fprintf(out, "# config file: %s\n", ctx.cfgPath)
			}
			fmt.Fprintf(out, "artifact_dir = %q\n", cfg.Paths.ArtifactDir)
			fmt.Fprintf(out, "log_dir = %q\n", cfg.Paths.LogDir)
			fmt.Fprintf(out, "api_bind = %q\n", cfg.Paths.APIBind)
			fmt.Fprintf(out, "fetch.binary = %q\n", cfg.Fetch.Binary)
			fmt.Fprintf(out, "fetch.max_concurrent = %d\n", cfg.Fetch.MaxConcurrent)
			fmt.Fprintf(out, "fetch.max_retries = %d\n", cfg.Fetch.MaxRetries)
			fmt.Fprintf(out, "enhance.binary = %q\n", cfg.Enhance.Binary)
			fmt.Fprintf(out, "enhance.timeout_seconds = %d\n", cfg.Enhance.TimeoutSeconds)
			fmt.Fprintf(out, "retention.grace_seconds = %d\n", cfg.Retention.GraceSeconds)
			fmt.Fprintf(out, "retention.max_age_hours = %d\n", cfg.Retention.MaxAgeHours)
			fmt.Fprintf(out, "workflow.stall_threshold_seconds = %d\n", cfg.Workflow.StallThresholdSeconds)
			fmt.Fprintf(out, "logging.format = %q\n", cfg.Logging.Format)
			fmt.Fprintf(out, "logging.level = %q\n", cfg.Logging.Level)
			return nil
		},
	}
}

func newConfigInitCommand(ctx *commandContext) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a sample configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if ctx.configFlag != nil {
				path = *ctx.configFlag
			}
			if path == "" {
				defaultPath, err := config.DefaultConfigPath()
				if err != nil {
					return err
				}
				path = defaultPath
			}
			if !force {
				if _, err := os.Stat(path); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", path)
				}
			}
			if err := config.CreateSample(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote sample configuration to %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	return cmd
}
