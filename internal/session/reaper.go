package session

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Reaper periodically cleans up sessions that stopped sending heartbeats.
type Reaper struct {
	registry *Registry
	interval time.Duration
	log      *logrus.Entry
}

func NewReaper(registry *Registry, interval time.Duration, log *logrus.Entry) *Reaper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Reaper{registry: registry, interval: interval, log: log.WithField("component", "reaper")}
}

// Run sweeps every interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.WithFields(logrus.Fields{
		"interval":    r.interval,
		"stale_after": r.registry.staleAfter,
	}).Info("reaper started")

	for {
		select {
		case <-ctx.Done():
			r.log.Info("reaper stopped")
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	if reaped := r.registry.Sweep(ctx); len(reaped) > 0 {
		r.log.WithField("sessions", reaped).Info("reaped stale sessions")
	}
}
