package session

import (
	"encoding/json"
	"time"

	"github.com/dweam-team/world-arcade/internal/supervisor"
)

type Phase int32

const (
	Starting Phase = iota
	Active
	CleaningUp
	Closed
)

var phaseNames = map[Phase]string{
	Starting:   "starting",
	Active:     "active",
	CleaningUp: "cleaning_up",
	Closed:     "closed",
}

var phaseFromName = map[string]Phase{
	"starting":    Starting,
	"active":      Active,
	"cleaning_up": CleaningUp,
	"closed":      Closed,
}

func (p Phase) String() string {
	if s, ok := phaseNames[p]; ok {
		return s
	}
	return "unknown"
}

func (p Phase) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Phase) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if v, ok := phaseFromName[s]; ok {
		*p = v
	}
	return nil
}

func (p Phase) IsTerminal() bool {
	return p == CleaningUp || p == Closed
}

// SessionState is a snapshot of one session, safe to retain.
type SessionState struct {
	ID            string            `json:"id"`
	Kind          string            `json:"kind"`
	Variant       string            `json:"variant"`
	Phase         Phase             `json:"phase"`
	CreatedAt     time.Time         `json:"createdAt"`
	LastHeartbeat time.Time         `json:"lastHeartbeat"`
	Worker        supervisor.Status `json:"worker"`
}
