package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/dweam-team/world-arcade/internal/game"
	"github.com/dweam-team/world-arcade/internal/logging"
	"github.com/dweam-team/world-arcade/internal/telemetry"
	"github.com/dweam-team/world-arcade/internal/worker"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// newWorkerCmd is the entry point supervisors spawn. It is hidden because
// it only makes sense with a supervisor listening on addr.
func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "worker <kind> <variant> <addr>",
		Short:  "Run one simulation worker",
		Hidden: true,
		Args:   cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, variant, addr := args[0], args[1], args[2]

			cfg, err := worker.LoadConfig()
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			log := logging.Component(logger, "worker").WithFields(logrus.Fields{"kind": kind, "variant": variant})

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			shutdownTracing, err := telemetry.Setup(ctx, "world-arcade-worker")
			if err != nil {
				log.WithError(err).Warn("tracing disabled")
			}
			defer shutdownTracing(context.Background())

			if err := worker.New(cfg, game.Default, kind, variant, log).Run(ctx, addr); err != nil {
				log.WithError(err).Error("worker failed")
				return err
			}
			return nil
		},
	}
}
