// Package gameloop runs a simulation on a fixed tick, merging queued input
// at tick boundaries and publishing each frame to a single-slot buffer.
package gameloop

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dweam-team/world-arcade/internal/framebuf"
	"github.com/dweam-team/world-arcade/internal/game"
	"github.com/sirupsen/logrus"
)

var (
	ErrAlreadyStarted = errors.New("loop already started")
	ErrNotRunning     = errors.New("loop not running")
)

type Config struct {
	FPS         int
	JoinTimeout time.Duration
	Log         *logrus.Entry
}

func (c Config) withDefaults() Config {
	if c.FPS <= 0 {
		c.FPS = 30
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = 3 * time.Second
	}
	if c.Log == nil {
		c.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return c
}

type paramsUpdate struct {
	params game.Params
	result chan error
}

// Loop owns simulation state. Everything except the queue, the pause flags
// and the lifecycle fields is touched only by the loop goroutine.
type Loop struct {
	cfg    Config
	log    *logrus.Entry
	frames *framebuf.Buffer

	mu         sync.Mutex
	pending    []Event
	updates    []paramsUpdate
	paused     bool
	stepQueued bool
	started    bool

	stop      chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
	abandoned atomic.Bool
	err       error

	sim     game.Simulation
	keys    *edgeSet[game.Key]
	buttons *edgeSet[game.Button]
	tick    uint64
}

func New(cfg Config) *Loop {
	cfg = cfg.withDefaults()
	return &Loop{
		cfg:     cfg,
		log:     cfg.Log,
		frames:  framebuf.New(),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		keys:    newEdgeSet[game.Key](),
		buttons: newEdgeSet[game.Button](),
	}
}

// Frames is the buffer the loop publishes to. It is closed when the loop exits.
func (l *Loop) Frames() *framebuf.Buffer { return l.frames }

// Start binds sim and launches the loop goroutine.
func (l *Loop) Start(sim game.Simulation) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return ErrAlreadyStarted
	}
	l.bind(sim)
	l.started = true
	go l.run()
	return nil
}

func (l *Loop) bind(sim game.Simulation) {
	l.sim = sim
	if h, ok := sim.(game.KeyHandler); ok {
		l.keys.down, l.keys.up = h.KeyDown, h.KeyUp
	}
	if h, ok := sim.(game.ButtonHandler); ok {
		l.buttons.down, l.buttons.up = h.ButtonDown, h.ButtonUp
	}
}

func (l *Loop) Started() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.started
}

// Stop signals the loop and waits up to JoinTimeout for it to exit. It is a
// no-op before Start and safe to call repeatedly. A loop that does not exit
// in time is logged and abandoned.
func (l *Loop) Stop() {
	l.mu.Lock()
	started := l.started
	l.mu.Unlock()
	if !started || l.abandoned.Load() {
		return
	}
	l.stopOnce.Do(func() { close(l.stop) })

	timer := time.NewTimer(l.cfg.JoinTimeout)
	defer timer.Stop()
	select {
	case <-l.done:
	case <-timer.C:
		l.abandoned.Store(true)
		l.log.WithField("timeout", l.cfg.JoinTimeout).Warn("simulation loop did not stop in time; abandoning it")
	}
}

// Done is closed when the loop goroutine exits.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Err is the step error that ended the loop, if any. Valid after Done.
func (l *Loop) Err() error {
	select {
	case <-l.done:
		return l.err
	default:
		return nil
	}
}

// Push queues an input event for the next tick. It never blocks on the loop.
func (l *Loop) Push(ev Event) {
	l.mu.Lock()
	l.pending = append(l.pending, ev)
	l.mu.Unlock()
}

// UpdateParams hands params to the simulation on the loop goroutine at the
// next tick and waits for the result.
func (l *Loop) UpdateParams(ctx context.Context, params game.Params) error {
	u := paramsUpdate{params: params, result: make(chan error, 1)}

	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return ErrNotRunning
	}
	l.updates = append(l.updates, u)
	l.mu.Unlock()

	select {
	case err := <-u.result:
		return err
	case <-l.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) Pause() {
	l.mu.Lock()
	l.paused = true
	l.mu.Unlock()
}

func (l *Loop) Resume() {
	l.mu.Lock()
	l.paused = false
	l.stepQueued = false
	l.mu.Unlock()
}

func (l *Loop) Paused() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.paused
}

// DoOneStep makes the next tick step once while paused. It does nothing when
// the loop is running.
func (l *Loop) DoOneStep() {
	l.mu.Lock()
	if l.paused {
		l.stepQueued = true
	}
	l.mu.Unlock()
}

func (l *Loop) run() {
	defer close(l.done)
	defer l.frames.Close()

	interval := time.Second / time.Duration(l.cfg.FPS)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	l.log.WithField("fps", l.cfg.FPS).Debug("simulation loop started")
	for {
		select {
		case <-l.stop:
			l.log.Debug("simulation loop stopped")
			return
		default:
		}

		if err := l.runTick(); err != nil {
			l.err = err
			l.log.WithError(err).Error("simulation step failed")
			return
		}

		select {
		case <-l.stop:
			l.log.Debug("simulation loop stopped")
			return
		case <-ticker.C:
		}
	}
}

// runTick merges queued input, steps the simulation when due, publishes the
// frame and settles deferred releases.
func (l *Loop) runTick() error {
	l.mu.Lock()
	events := l.pending
	l.pending = nil
	updates := l.updates
	l.updates = nil
	l.mu.Unlock()

	for _, u := range updates {
		u.result <- l.applyParams(u.params)
	}

	var motion game.Motion
	for _, ev := range events {
		switch ev.Type {
		case KeyDown:
			l.keys.press(ev.Key)
		case KeyUp:
			l.keys.release(ev.Key)
		case ButtonDown:
			l.buttons.press(ev.Button)
		case ButtonUp:
			l.buttons.release(ev.Button)
		case Move:
			motion.DX += ev.Motion.DX
			motion.DY += ev.Motion.DY
		}
	}
	if !motion.IsZero() {
		if h, ok := l.sim.(game.MotionHandler); ok {
			h.Motion(motion)
		}
	}

	l.mu.Lock()
	due := !l.paused || l.stepQueued
	l.stepQueued = false
	l.mu.Unlock()

	if due {
		l.tick++
		frame, err := l.sim.Step(game.State{
			Tick:    l.tick,
			Keys:    maps.Clone(l.keys.held),
			Buttons: maps.Clone(l.buttons.held),
			Motion:  motion,
		})
		if err != nil {
			return fmt.Errorf("step %d: %w", l.tick, err)
		}
		l.frames.Publish(frame)
	}

	l.keys.settle()
	l.buttons.settle()
	return nil
}

func (l *Loop) applyParams(params game.Params) error {
	h, ok := l.sim.(game.ParamsHandler)
	if !ok {
		return nil
	}
	return h.UpdateParams(params)
}
