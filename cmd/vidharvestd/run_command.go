package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dar-k-dev/vidharvest/internal/daemon"
	"github.com/dar-k-dev/vidharvest/internal/deps"
	"github.com/dar-k-dev/vidharvest/internal/logging"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the ingestion daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			signalCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			logger, err := logging.NewFromConfig(cfg)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			for _, dep := range deps.Check(cfg) {
				if !dep.Available && !dep.Optional {
					return fmt.Errorf("required dependency %s (%s) not found on PATH", dep.Name, dep.Command)
				}
				if !dep.Available {
					logger.Warn("optional dependency unavailable",
						logging.String("name", dep.Name),
						logging.String("command", dep.Command))
				}
			}

			d, err := daemon.New(signalCtx, cfg, logger)
			if err != nil {
				return fmt.Errorf("create daemon: %w", err)
			}
			defer d.Close()

			if err := d.Start(signalCtx); err != nil {
				return err
			}

			<-signalCtx.Done()
			logger.Info("daemon shutting down")
			return nil
		},
	}
}
