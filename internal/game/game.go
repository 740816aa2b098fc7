// Package game defines the contract between the simulation loop and a
// pluggable simulation, plus the catalog of simulations a worker can run.
package game

import (
	"github.com/dweam-team/world-arcade/internal/framebuf"
	"github.com/sirupsen/logrus"
)

// State is the input seen by one simulation step. The maps are copies the
// simulation may keep or modify.
type State struct {
	Tick    uint64
	Keys    map[Key]bool
	Buttons map[Button]bool
	Motion  Motion
}

func (s State) KeyPressed(k Key) bool       { return s.Keys[k] }
func (s State) ButtonPressed(b Button) bool { return s.Buttons[b] }

// Simulation produces one frame per call. A returned error ends the loop.
type Simulation interface {
	Step(State) (*framebuf.Frame, error)
}

// KeyHandler receives key edges. Calls happen on the loop goroutine.
type KeyHandler interface {
	KeyDown(Key)
	KeyUp(Key)
}

type ButtonHandler interface {
	ButtonDown(Button)
	ButtonUp(Button)
}

// MotionHandler receives the summed pointer delta of a tick, when non-zero.
type MotionHandler interface {
	Motion(Motion)
}

// ParamsHandler receives validated parameters with defaults applied.
type ParamsHandler interface {
	UpdateParams(Params) error
}

// Controls lets a simulation drive the loop that hosts it.
type Controls interface {
	Pause()
	Resume()
	Paused() bool
	DoOneStep()
}

// Options are handed to a Factory.
type Options struct {
	Info     Info
	FPS      int
	Params   Params
	Controls Controls
	Log      *logrus.Entry
}

// Factory builds a new simulation instance.
type Factory func(Options) (Simulation, error)
