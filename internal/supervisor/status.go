package supervisor

import (
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Status is a point-in-time view of the worker process.
type Status struct {
	PID        int       `json:"pid,omitempty"`
	Running    bool      `json:"running"`
	StartedAt  time.Time `json:"startedAt,omitempty"`
	Spawns     int       `json:"spawns"`
	Attempts   int       `json:"attempts"`
	RSSBytes   uint64    `json:"rssBytes,omitempty"`
	CPUPercent float64   `json:"cpuPercent,omitempty"`
	Threads    int32     `json:"threads,omitempty"`
	LastLine   string    `json:"lastLine,omitempty"`
}

// Status samples the worker's resource usage. It never blocks on requests
// in flight.
func (s *Supervisor) Status() Status {
	st := Status{
		Spawns:   int(s.spawns.Load()),
		Attempts: int(s.attempts.Load()),
	}
	p := s.current.Load()
	if p == nil {
		return st
	}
	st.PID = p.pid
	st.StartedAt = p.startedAt
	st.LastLine = p.output.last()
	st.Running = p.running()
	if !st.Running {
		return st
	}

	proc, err := process.NewProcess(int32(p.pid))
	if err != nil {
		return st
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		st.RSSBytes = mem.RSS
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		st.CPUPercent = cpu
	}
	if n, err := proc.NumThreads(); err == nil {
		st.Threads = n
	}
	return st
}
