package demo

import (
	"fmt"
	"math/rand"

	"github.com/dweam-team/world-arcade/internal/framebuf"
	"github.com/dweam-team/world-arcade/internal/game"
)

var lifeInfo = game.Info{
	Kind:        Kind,
	Variant:     "life",
	Title:       "Game of Life",
	Description: "Conway's Game of Life on a toroidal grid.",
	Tags:        []string{"demo", "cellular-automaton"},
	Buttons: map[string]string{
		"P":          "Pause",
		"N":          "Step while paused",
		"R":          "Reseed",
		"Left click": "Toggle the cell under the cursor",
	},
}

var lifeSchema = game.NewSchema("Game of Life",
	game.Param{Name: "size", Title: "Grid size", Type: game.Integer, Default: 128, Minimum: game.Bound(8), Maximum: game.Bound(1024)},
	game.Param{Name: "scale", Title: "Pixels per cell", Type: game.Integer, Default: 4, Minimum: game.Bound(1), Maximum: game.Bound(16)},
	game.Param{Name: "density", Title: "Seed density", Type: game.Number, Default: 0.25, Minimum: game.Bound(0), Maximum: game.Bound(1)},
	game.Param{Name: "seed", Title: "Random seed", Type: game.Integer, Default: 1},
)

const (
	alive = 0xff
	dead  = 0x00
)

// Life runs Conway's rules on a square toroidal world.
type Life struct {
	controls game.Controls
	size     int
	scale    int
	density  float64
	rng      *rand.Rand

	world  [][]byte
	next   [][]byte
	cursor struct{ x, y int }
}

func NewLife(opts game.Options) (game.Simulation, error) {
	params := opts.Params
	if params == nil {
		params = lifeSchema.Defaults()
	}
	l := &Life{controls: opts.Controls}
	if err := l.UpdateParams(params); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Life) UpdateParams(p game.Params) error {
	size := p.Int("size", 128)
	if size < 3 {
		return fmt.Errorf("grid size %d too small", size)
	}
	l.size = size
	l.scale = max(1, p.Int("scale", 4))
	l.density = p.Float("density", 0.25)
	l.rng = rand.New(rand.NewSource(int64(p.Int("seed", 1))))
	l.reseed()
	return nil
}

func (l *Life) reseed() {
	l.world = makeWorld(l.size)
	l.next = makeWorld(l.size)
	for y := range l.world {
		for x := range l.world[y] {
			if l.rng.Float64() < l.density {
				l.world[y][x] = alive
			}
		}
	}
}

func makeWorld(n int) [][]byte {
	w := make([][]byte, n)
	for i := range w {
		w[i] = make([]byte, n)
	}
	return w
}

func (l *Life) KeyDown(k game.Key) {
	switch k {
	case game.KeyR:
		l.reseed()
	case game.KeyP:
		if l.controls == nil {
			return
		}
		if l.controls.Paused() {
			l.controls.Resume()
		} else {
			l.controls.Pause()
		}
	case game.KeyN:
		if l.controls != nil {
			l.controls.DoOneStep()
		}
	}
}

func (l *Life) KeyUp(game.Key) {}

func (l *Life) Motion(m game.Motion) {
	l.cursor.x = wrap(l.cursor.x+m.DX/l.scale, l.size)
	l.cursor.y = wrap(l.cursor.y+m.DY/l.scale, l.size)
}

func (l *Life) ButtonDown(b game.Button) {
	if b != game.ButtonLeft {
		return
	}
	c := &l.world[l.cursor.y][l.cursor.x]
	if *c == alive {
		*c = dead
	} else {
		*c = alive
	}
}

func (l *Life) ButtonUp(game.Button) {}

func wrap(v, n int) int {
	return ((v % n) + n) % n
}

func (l *Life) neighbours(x, y int) int {
	n := 0
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			if dx == 0 && dy == 0 {
				continue
			}
			if l.world[wrap(y+dy, l.size)][wrap(x+dx, l.size)] == alive {
				n++
			}
		}
	}
	return n
}

// Advance applies one generation.
func (l *Life) Advance() {
	for y := 0; y < l.size; y++ {
		for x := 0; x < l.size; x++ {
			n := l.neighbours(x, y)
			switch {
			case l.world[y][x] == alive && (n == 2 || n == 3):
				l.next[y][x] = alive
			case l.world[y][x] == dead && n == 3:
				l.next[y][x] = alive
			default:
				l.next[y][x] = dead
			}
		}
	}
	l.world, l.next = l.next, l.world
}

func (l *Life) AliveCells() int {
	n := 0
	for _, row := range l.world {
		for _, c := range row {
			if c == alive {
				n++
			}
		}
	}
	return n
}

func (l *Life) Step(game.State) (*framebuf.Frame, error) {
	l.Advance()

	px := l.size * l.scale
	f := framebuf.NewFrame(px, px, 3)
	for y := 0; y < l.size; y++ {
		for x := 0; x < l.size; x++ {
			v := l.world[y][x]
			if x == l.cursor.x && y == l.cursor.y {
				v = 0x80
			}
			for sy := 0; sy < l.scale; sy++ {
				for sx := 0; sx < l.scale; sx++ {
					f.Set(x*l.scale+sx, y*l.scale+sy, v, v, v)
				}
			}
		}
	}
	return f, nil
}
