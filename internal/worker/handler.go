package worker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/dweam-team/world-arcade/internal/apperr"
	"github.com/dweam-team/world-arcade/internal/control"
	"github.com/dweam-team/world-arcade/internal/game"
	"github.com/dweam-team/world-arcade/internal/gameloop"
	"github.com/dweam-team/world-arcade/internal/media"
	"github.com/sirupsen/logrus"
)

// instance is a running simulation with its loop and media transport.
type instance struct {
	entry     *game.Entry
	loop      *gameloop.Loop
	transport *media.Transport
}

// handler serves control requests for one simulation. Serve calls it from
// one goroutine; mu guards the instance against the watchdog and shutdown.
type handler struct {
	cfg     Config
	games   *game.Registry
	kind    string
	variant string
	log     *logrus.Entry

	mu       sync.Mutex
	inst     *instance
	shutdown bool
}

func newHandler(cfg Config, games *game.Registry, kind, variant string, log *logrus.Entry) *handler {
	return &handler{cfg: cfg, games: games, kind: kind, variant: variant, log: log}
}

func (h *handler) lookup() (*game.Entry, error) {
	entry, err := h.games.Lookup(h.kind, h.variant)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeApplicationFailed, "load simulation", err)
	}
	return entry, nil
}

func (h *handler) GetSchema(context.Context) (json.RawMessage, error) {
	entry, err := h.lookup()
	if err != nil {
		return nil, err
	}
	schema, err := entry.Schema.JSON()
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeApplicationFailed, "render parameter schema", err)
	}
	return schema, nil
}

func (h *handler) UpdateParams(ctx context.Context, raw json.RawMessage) error {
	h.mu.Lock()
	inst := h.inst
	h.mu.Unlock()
	if inst == nil {
		return apperr.New(apperr.CodeApplicationFailed, "no simulation instance; send an offer first")
	}

	params, err := inst.entry.Schema.Validate(raw)
	if err != nil {
		return err
	}
	if err := inst.loop.UpdateParams(ctx, params); err != nil {
		if apperr.CodeOf(err) != apperr.CodeUnknown {
			return err
		}
		return apperr.Wrap(apperr.CodeApplicationFailed, "apply parameters", err)
	}
	h.log.WithField("params", params).Info("parameters updated")
	return nil
}

func (h *handler) HandleOffer(ctx context.Context, offer control.SessionDescription) (control.SessionDescription, error) {
	inst, err := h.ensureInstance()
	if err != nil {
		return control.SessionDescription{}, err
	}
	return inst.transport.Negotiate(ctx, offer)
}

// ensureInstance starts the simulation on first use.
func (h *handler) ensureInstance() (*instance, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.shutdown {
		return nil, apperr.New(apperr.CodeSessionClosed, "worker is shutting down")
	}
	if h.inst != nil {
		return h.inst, nil
	}

	entry, err := h.lookup()
	if err != nil {
		return nil, err
	}
	loop := gameloop.New(gameloop.Config{
		FPS:         h.cfg.FPS,
		JoinTimeout: h.cfg.JoinTimeout,
		Log:         h.log.WithField("component", "loop"),
	})
	sim, err := entry.Factory(game.Options{
		Info:     entry.Info,
		FPS:      h.cfg.FPS,
		Params:   entry.Schema.Defaults(),
		Controls: loop,
		Log:      h.log.WithField("component", "simulation"),
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeApplicationFailed, "create simulation", err)
	}
	transport, err := media.New(media.Config{
		Host:       h.cfg.MediaHost,
		PublicHost: h.cfg.MediaPublicHost,
		TokenTTL:   h.cfg.MediaTokenTTL,
		Log:        h.log,
	}, loop.Frames(), loop)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeNegotiationFailed, "create media transport", err)
	}
	if err := loop.Start(sim); err != nil {
		transport.Close()
		return nil, apperr.Wrap(apperr.CodeApplicationFailed, "start simulation", err)
	}

	h.inst = &instance{entry: entry, loop: loop, transport: transport}
	h.log.WithField("fps", h.cfg.FPS).Info("simulation started")
	return h.inst, nil
}

func (h *handler) Stop(context.Context) error {
	h.close("stop requested")
	return nil
}

// Liveness reports the media client's last heartbeat. The report is zero
// until an offer has been negotiated.
func (h *handler) Liveness(context.Context) (control.LivenessReport, error) {
	inst := h.instance()
	if inst == nil {
		return control.LivenessReport{}, nil
	}
	state := inst.transport.State()
	if state == media.StateNew {
		return control.LivenessReport{}, nil
	}
	return control.LivenessReport{
		LastHeartbeat: inst.transport.LastHeartbeat(),
		MediaClosed:   state.Terminal(),
	}, nil
}

// close tears the instance down once.
func (h *handler) close(reason string) {
	h.mu.Lock()
	if h.shutdown {
		h.mu.Unlock()
		return
	}
	h.shutdown = true
	inst := h.inst
	h.mu.Unlock()

	h.log.WithField("reason", reason).Info("shutting down")
	if inst == nil {
		return
	}
	if err := inst.transport.Close(); err != nil {
		h.log.WithError(err).Warn("close media transport")
	}
	inst.loop.Stop()
}

func (h *handler) instance() *instance {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.inst
}

// check reports why the worker should exit, or "" while healthy.
func (h *handler) check(now time.Time) (string, error) {
	inst := h.instance()
	if inst == nil {
		return "", nil
	}
	select {
	case <-inst.loop.Done():
		if err := inst.loop.Err(); err != nil {
			return "simulation failed", err
		}
		return "simulation ended", nil
	default:
	}

	state := inst.transport.State()
	switch {
	case state == media.StateNew:
		return "", nil
	case state.Terminal():
		return "media connection " + state.String(), nil
	case now.Sub(inst.transport.LastHeartbeat()) > h.cfg.MediaStaleAfter:
		return "media heartbeat timed out", nil
	}
	return "", nil
}
