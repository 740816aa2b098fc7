package demo

import (
	"fmt"

	"github.com/dweam-team/world-arcade/internal/framebuf"
	"github.com/dweam-team/world-arcade/internal/game"
)

var gradientInfo = game.Info{
	Kind:        Kind,
	Variant:     "gradient",
	Title:       "Gradient",
	Description: "A scrolling colour field. Arrow keys steer, space pauses.",
	Tags:        []string{"demo"},
	Buttons: map[string]string{
		"Arrow keys": "Steer",
		"Space":      "Pause",
		"Period":     "Step while paused",
		"Mouse drag": "Shift hue",
	},
}

var gradientSchema = game.NewSchema("Gradient",
	game.Param{Name: "width", Title: "Width", Type: game.Integer, Default: 320, Minimum: game.Bound(16), Maximum: game.Bound(1920)},
	game.Param{Name: "height", Title: "Height", Type: game.Integer, Default: 240, Minimum: game.Bound(16), Maximum: game.Bound(1080)},
	game.Param{Name: "speed", Title: "Speed", Description: "Pixels scrolled per tick while a key is held", Type: game.Integer, Default: 4, Minimum: game.Bound(1), Maximum: game.Bound(64)},
)

// Gradient is a cheap moving test pattern.
type Gradient struct {
	controls      game.Controls
	width, height int
	speed         int
	x, y          int
	hue           int
}

func NewGradient(opts game.Options) (game.Simulation, error) {
	params := opts.Params
	if params == nil {
		params = gradientSchema.Defaults()
	}
	g := &Gradient{controls: opts.Controls}
	if err := g.UpdateParams(params); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Gradient) UpdateParams(p game.Params) error {
	w, h := p.Int("width", 320), p.Int("height", 240)
	if w <= 0 || h <= 0 {
		return fmt.Errorf("invalid size %dx%d", w, h)
	}
	g.width, g.height = w, h
	g.speed = p.Int("speed", 4)
	return nil
}

func (g *Gradient) KeyDown(k game.Key) {
	if g.controls == nil {
		return
	}
	switch k {
	case game.KeySpace:
		if g.controls.Paused() {
			g.controls.Resume()
		} else {
			g.controls.Pause()
		}
	case game.KeyPeriod:
		g.controls.DoOneStep()
	}
}

func (g *Gradient) KeyUp(game.Key) {}

func (g *Gradient) Motion(m game.Motion) {
	g.hue = (g.hue + m.DX + m.DY) & 0xff
}

func (g *Gradient) Step(s game.State) (*framebuf.Frame, error) {
	switch {
	case s.KeyPressed(game.KeyLeft):
		g.x -= g.speed
	case s.KeyPressed(game.KeyRight):
		g.x += g.speed
	}
	switch {
	case s.KeyPressed(game.KeyUp):
		g.y -= g.speed
	case s.KeyPressed(game.KeyDown):
		g.y += g.speed
	}

	f := framebuf.NewFrame(g.width, g.height, 3)
	for y := 0; y < g.height; y++ {
		for x := 0; x < g.width; x++ {
			f.Set(x, y, byte(x+g.x), byte(y+g.y), byte(g.hue+int(s.Tick)))
		}
	}
	return f, nil
}
