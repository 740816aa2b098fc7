package game

import "fmt"

// Key identifies a keyboard key independently of the client platform.
type Key int

const (
	KeyUnknown Key = iota
	KeyReturn
	KeyEscape
	KeySpace
	KeyLeft
	KeyUp
	KeyRight
	KeyDown
	KeyPeriod
	Key1
	Key2
	Key3
	KeyA
	KeyD
	KeyE
	KeyF
	KeyG
	KeyH
	KeyI
	KeyJ
	KeyK
	KeyL
	KeyM
	KeyN
	KeyO
	KeyP
	KeyQ
	KeyR
	KeyS
	KeyT
	KeyU
	KeyV
	KeyW
	KeyX
	KeyY
	KeyZ
)

var keyNames = map[Key]string{
	KeyUnknown: "unknown",
	KeyReturn:  "return",
	KeyEscape:  "escape",
	KeySpace:   "space",
	KeyLeft:    "left",
	KeyUp:      "up",
	KeyRight:   "right",
	KeyDown:    "down",
	KeyPeriod:  "period",
	Key1:       "1",
	Key2:       "2",
	Key3:       "3",
	KeyA:       "a",
	KeyD:       "d",
	KeyE:       "e",
	KeyF:       "f",
	KeyG:       "g",
	KeyH:       "h",
	KeyI:       "i",
	KeyJ:       "j",
	KeyK:       "k",
	KeyL:       "l",
	KeyM:       "m",
	KeyN:       "n",
	KeyO:       "o",
	KeyP:       "p",
	KeyQ:       "q",
	KeyR:       "r",
	KeyS:       "s",
	KeyT:       "t",
	KeyU:       "u",
	KeyV:       "v",
	KeyW:       "w",
	KeyX:       "x",
	KeyY:       "y",
	KeyZ:       "z",
}

func (k Key) String() string {
	if name, ok := keyNames[k]; ok {
		return name
	}
	return fmt.Sprintf("key(%d)", int(k))
}

// Browser KeyboardEvent.keyCode values understood by the media data channel.
var jsKeyCodes = map[int]Key{
	13:  KeyReturn,
	27:  KeyEscape,
	32:  KeySpace,
	37:  KeyLeft,
	38:  KeyUp,
	39:  KeyRight,
	40:  KeyDown,
	49:  Key1,
	50:  Key2,
	51:  Key3,
	65:  KeyA,
	68:  KeyD,
	69:  KeyE,
	70:  KeyF,
	71:  KeyG,
	72:  KeyH,
	73:  KeyI,
	74:  KeyJ,
	75:  KeyK,
	76:  KeyL,
	77:  KeyM,
	78:  KeyN,
	79:  KeyO,
	80:  KeyP,
	81:  KeyQ,
	82:  KeyR,
	83:  KeyS,
	84:  KeyT,
	85:  KeyU,
	86:  KeyV,
	87:  KeyW,
	88:  KeyX,
	89:  KeyY,
	90:  KeyZ,
	190: KeyPeriod,
}

// KeyFromJS maps a browser keyCode. Unmapped codes report false.
func KeyFromJS(code int) (Key, bool) {
	k, ok := jsKeyCodes[code]
	return k, ok
}

// Button identifies a mouse button.
type Button int

const (
	ButtonLeft Button = iota + 1
	ButtonMiddle
	ButtonRight
)

func (b Button) String() string {
	switch b {
	case ButtonLeft:
		return "left"
	case ButtonMiddle:
		return "middle"
	case ButtonRight:
		return "right"
	default:
		return fmt.Sprintf("button(%d)", int(b))
	}
}

// ButtonFromJS maps a browser MouseEvent.button value.
func ButtonFromJS(code int) (Button, bool) {
	switch code {
	case 0:
		return ButtonLeft, true
	case 1:
		return ButtonMiddle, true
	case 2:
		return ButtonRight, true
	}
	return 0, false
}

// Motion is a relative pointer movement.
type Motion struct {
	DX int `json:"dx"`
	DY int `json:"dy"`
}

func (m Motion) IsZero() bool { return m.DX == 0 && m.DY == 0 }
