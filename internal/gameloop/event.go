package gameloop

import (
	"fmt"

	"github.com/dweam-team/world-arcade/internal/game"
)

type EventType int

const (
	KeyDown EventType = iota
	KeyUp
	ButtonDown
	ButtonUp
	Move
)

var eventTypeNames = map[EventType]string{
	KeyDown:    "keydown",
	KeyUp:      "keyup",
	ButtonDown: "buttondown",
	ButtonUp:   "buttonup",
	Move:       "move",
}

func (t EventType) String() string {
	if name, ok := eventTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", int(t))
}

// Event is one raw input queued for the next tick.
type Event struct {
	Type   EventType
	Key    game.Key
	Button game.Button
	Motion game.Motion
}

func KeyDownEvent(k game.Key) Event       { return Event{Type: KeyDown, Key: k} }
func KeyUpEvent(k game.Key) Event         { return Event{Type: KeyUp, Key: k} }
func ButtonDownEvent(b game.Button) Event { return Event{Type: ButtonDown, Button: b} }
func ButtonUpEvent(b game.Button) Event   { return Event{Type: ButtonUp, Button: b} }
func MoveEvent(dx, dy int) Event          { return Event{Type: Move, Motion: game.Motion{DX: dx, DY: dy}} }
