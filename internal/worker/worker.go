// Package worker is the entry point of a worker process: it dials back to
// its supervisor, serves the control channel and runs one simulation until
// told to stop, the supervisor goes away or the media client disappears.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/dweam-team/world-arcade/internal/control"
	"github.com/dweam-team/world-arcade/internal/game"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrSimulationFailed marks an exit caused by a simulation step error. The
// process exits non-zero so the supervisor reports a crash.
var ErrSimulationFailed = errors.New("simulation failed")

type Worker struct {
	cfg     Config
	games   *game.Registry
	kind    string
	variant string
	log     *logrus.Entry
	now     func() time.Time
}

func New(cfg Config, games *game.Registry, kind, variant string, log *logrus.Entry) *Worker {
	if games == nil {
		games = game.Default
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Worker{
		cfg:     cfg,
		games:   games,
		kind:    kind,
		variant: variant,
		log:     log.WithFields(logrus.Fields{"kind": kind, "variant": variant}),
		now:     time.Now,
	}
}

// Run connects to addr and serves until stopped. It returns nil for every
// orderly exit, including cancellation of ctx.
func (w *Worker) Run(ctx context.Context, addr string) error {
	dialer := net.Dialer{Timeout: w.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connect to supervisor at %s: %w", addr, err)
	}
	defer conn.Close()
	w.log.WithField("addr", addr).Info("worker connected")

	h := newHandler(w.cfg, w.games, w.kind, w.variant, w.log)
	defer h.close("worker exiting")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	served := make(chan struct{})

	g.Go(func() error {
		defer close(served)
		err := control.Serve(gctx, conn, h)
		if gctx.Err() != nil {
			return nil
		}
		if err != nil {
			return fmt.Errorf("control channel: %w", err)
		}
		w.log.Info("control channel closed")
		return nil
	})
	g.Go(func() error {
		err := w.watchdog(gctx, served, h)
		if err == nil {
			cancel()
		}
		return err
	})

	err = g.Wait()
	if err != nil {
		w.log.WithError(err).Error("worker failed")
	}
	return err
}

// watchdog returns nil when the worker should exit normally, and an error
// when the simulation failed.
func (w *Worker) watchdog(ctx context.Context, served <-chan struct{}, h *handler) error {
	interval := w.cfg.WatchdogInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-served:
			return nil
		case <-ticker.C:
		}

		reason, err := h.check(w.now())
		if err != nil {
			return fmt.Errorf("%w: %w", ErrSimulationFailed, err)
		}
		if reason != "" {
			w.log.WithField("reason", reason).Info("watchdog stopping worker")
			h.close(reason)
			return nil
		}
	}
}
