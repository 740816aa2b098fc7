package media

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/dweam-team/world-arcade/internal/game"
	"github.com/dweam-team/world-arcade/internal/gameloop"
)

type MessageType string

const (
	MsgHeartbeat MessageType = "heartbeat"
	MsgKeyDown   MessageType = "keydown"
	MsgKeyUp     MessageType = "keyup"
	MsgMouseDown MessageType = "mousedown"
	MsgMouseUp   MessageType = "mouseup"
	MsgMouseMove MessageType = "mousemove"
)

// Message is one inbound data-channel message from the client.
type Message struct {
	Type      MessageType `json:"type"`
	Key       int         `json:"key,omitempty"`
	Button    int         `json:"button,omitempty"`
	MovementX float64     `json:"movementX,omitempty"`
	MovementY float64     `json:"movementY,omitempty"`
}

func ParseMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("message has no type")
	}
	return m, nil
}

// Event converts an input message to a loop event. Heartbeats, unknown
// types and unmapped keys or buttons report false.
func (m Message) Event() (gameloop.Event, bool) {
	switch m.Type {
	case MsgKeyDown, MsgKeyUp:
		k, ok := game.KeyFromJS(m.Key)
		if !ok {
			return gameloop.Event{}, false
		}
		if m.Type == MsgKeyDown {
			return gameloop.KeyDownEvent(k), true
		}
		return gameloop.KeyUpEvent(k), true
	case MsgMouseDown, MsgMouseUp:
		b, ok := game.ButtonFromJS(m.Button)
		if !ok {
			return gameloop.Event{}, false
		}
		if m.Type == MsgMouseDown {
			return gameloop.ButtonDownEvent(b), true
		}
		return gameloop.ButtonUpEvent(b), true
	case MsgMouseMove:
		dx, dy := int(math.Round(m.MovementX)), int(math.Round(m.MovementY))
		if dx == 0 && dy == 0 {
			return gameloop.Event{}, false
		}
		return gameloop.MoveEvent(dx, dy), true
	}
	return gameloop.Event{}, false
}
