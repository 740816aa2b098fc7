package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/dweam-team/world-arcade/internal/api"
	"github.com/dweam-team/world-arcade/internal/config"
	"github.com/dweam-team/world-arcade/internal/game"
	"github.com/dweam-team/world-arcade/internal/logging"
	"github.com/dweam-team/world-arcade/internal/session"
	"github.com/dweam-team/world-arcade/internal/storage/sqlite"
	"github.com/dweam-team/world-arcade/internal/supervisor"
	"github.com/dweam-team/world-arcade/internal/telemetry"
	"github.com/dweam-team/world-arcade/internal/turn"
	"github.com/dweam-team/world-arcade/internal/worker"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the session service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if port > 0 {
				cfg.Server.Port = port
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "config.yaml", "Path to config file")
	cmd.Flags().IntVar(&port, "port", 0, "Override server port")
	return cmd
}

// workerConfig is what spawned workers read back with worker.LoadConfig.
func workerConfig(cfg *config.Config) worker.Config {
	return worker.Config{
		FPS:              cfg.Simulation.FPS,
		JoinTimeout:      cfg.Simulation.JoinTimeout,
		DialTimeout:      cfg.Worker.DialTimeout,
		WatchdogInterval: cfg.Worker.Watchdog,
		MediaHost:        cfg.Media.Host,
		MediaPublicHost:  cfg.Media.PublicHost,
		MediaTokenTTL:    cfg.Media.TokenTTL,
		MediaStaleAfter:  cfg.Media.StaleAfter,
		LogLevel:         cfg.Log.Level,
		LogFormat:        cfg.Log.Format,
	}
}

func supervisorConfig(cfg *config.Config) supervisor.Config {
	return supervisor.Config{
		Executable:        cfg.Worker.Executable,
		Env:               workerConfig(cfg).Environ(),
		Attempts:          cfg.Worker.Attempts,
		RendezvousTimeout: cfg.Worker.RendezvousTimeout,
		BackoffInitial:    cfg.Worker.BackoffInitial,
		BackoffMax:        cfg.Worker.BackoffMax,
		ResponseTimeout:   cfg.Worker.ResponseTimeout,
		StopGrace:         cfg.Worker.StopGrace,
		OutputTail:        cfg.Worker.OutputTail,
	}
}

func serve(parent context.Context, cfg *config.Config) error {
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	log := logging.Component(logger, "server")

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "world-arcade-server")
	if err != nil {
		log.WithError(err).Warn("tracing disabled")
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.WithError(err).Warn("flush traces")
		}
	}()

	var (
		recorder session.Recorder
		history  api.History
	)
	if cfg.Storage.Path != "" {
		ledger, err := sqlite.Open(cfg.Storage.Path)
		if err != nil {
			return fmt.Errorf("open session ledger: %w", err)
		}
		defer ledger.Close()
		if pruned, err := ledger.Prune(ctx, time.Now().Add(-cfg.Storage.Retention)); err != nil {
			log.WithError(err).Warn("prune session ledger")
		} else if pruned > 0 {
			log.WithField("events", pruned).Info("pruned session ledger")
		}
		recorder, history = ledger, ledger
	}

	registry := session.NewRegistry(session.Options{
		Games:      game.Default,
		NewWorker:  session.SupervisorFactory(supervisorConfig(cfg)),
		Recorder:   recorder,
		StaleAfter: cfg.Sessions.StaleAfter,
		Log:        logging.Component(logger, "sessions"),
	})
	reaper := session.NewReaper(registry, cfg.Sessions.ReapInterval, logging.Component(logger, "reaper"))
	go reaper.Run(ctx)

	srv := api.NewServer(api.Options{
		Sessions:     registry,
		Games:        game.Default,
		History:      history,
		HistoryLimit: cfg.Storage.HistoryLimit,
		Turn:         turn.Issuer{Secret: cfg.Turn.Secret, TTL: cfg.Turn.TTL, URLs: cfg.Turn.URLs},
		Privacy: session.PrivacyFilter{
			MaskSessionIDs: cfg.Privacy.MaskSessionIDs,
			MaskPIDs:       cfg.Privacy.MaskPIDs,
			MaskOutput:     cfg.Privacy.MaskOutput,
			AllowedGames:   cfg.Privacy.AllowedGames,
			BlockedGames:   cfg.Privacy.BlockedGames,
		},
		AuthToken:      cfg.Server.AuthToken,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Log:            logging.Component(logger, "api"),
	})

	log.WithField("games", len(game.Default.Catalog())).Info("starting session service")
	serveErr := api.ListenAndServe(ctx, cfg.Addr(), srv.Handler(), cfg.Sessions.ShutdownTimeout, log)

	log.Info("shutting down sessions")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Sessions.ShutdownTimeout)
	defer cancel()
	if err := registry.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("session shutdown incomplete")
	}
	return serveErr
}
