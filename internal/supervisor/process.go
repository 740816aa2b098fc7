package supervisor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"
)

// outputLog keeps the last lines a worker wrote to stdout or stderr.
type outputLog struct {
	mu       sync.Mutex
	max      int
	lines    []string
	lastLine string
}

func newOutputLog(max int) *outputLog {
	if max <= 0 {
		max = 20
	}
	return &outputLog{max: max}
}

func (o *outputLog) add(line string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if strings.TrimSpace(line) == "" {
		return
	}
	o.lastLine = line
	o.lines = append(o.lines, line)
	if len(o.lines) > o.max {
		o.lines = o.lines[len(o.lines)-o.max:]
	}
}

func (o *outputLog) tail() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.lines...)
}

func (o *outputLog) last() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastLine
}

// workerProc is one spawned worker OS process.
type workerProc struct {
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	output    *outputLog
	log       *logrus.Entry

	drains  sync.WaitGroup
	exited  chan struct{}
	exitErr error
}

func spawn(exe string, args, env []string, tail int, log *logrus.Entry) (*workerProc, error) {
	cmd := exec.Command(exe, args...)
	cmd.Env = append(os.Environ(), env...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", exe, err)
	}

	p := &workerProc{
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		output:    newOutputLog(tail),
		log:       log.WithField("pid", cmd.Process.Pid),
		exited:    make(chan struct{}),
	}

	// Drains run for the life of the process so output from a worker that
	// dies before rendezvous is still captured.
	p.drains.Add(2)
	go p.drain("stdout", stdout)
	go p.drain("stderr", stderr)
	go p.wait()
	return p, nil
}

func (p *workerProc) drain(stream string, r io.Reader) {
	defer p.drains.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	entry := p.log.WithField("stream", stream)
	for sc.Scan() {
		line := sc.Text()
		p.output.add(line)
		entry.Info(line)
	}
	if err := sc.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		entry.WithError(err).Debug("output drain ended")
	}
}

func (p *workerProc) wait() {
	p.drains.Wait()
	p.exitErr = p.cmd.Wait()
	close(p.exited)
}

func (p *workerProc) running() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

// exitCode is valid after exited is closed; -1 means killed by a signal.
func (p *workerProc) exitCode() int {
	if p.cmd.ProcessState == nil {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}

// terminate asks the process to exit, waits up to grace, then kills the
// process tree.
func (p *workerProc) terminate(grace time.Duration) {
	if !p.running() {
		return
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		p.log.WithError(err).Debug("terminate signal failed")
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.exited:
		return
	case <-timer.C:
	}

	p.log.WithField("grace", grace).Warn("worker ignored terminate; killing process tree")
	p.kill()

	select {
	case <-p.exited:
	case <-time.After(5 * time.Second):
		p.log.Error("worker still not reaped after kill")
	}
}

// kill force-kills the worker and every descendant.
func (p *workerProc) kill() {
	if proc, err := process.NewProcess(int32(p.pid)); err == nil {
		killTree(proc, p.log)
		return
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.log.WithError(err).Warn("kill failed")
	}
}

func killTree(proc *process.Process, log *logrus.Entry) {
	children, _ := proc.Children()
	for _, child := range children {
		killTree(child, log)
	}
	if err := proc.Kill(); err != nil {
		log.WithError(err).WithField("child_pid", proc.Pid).Debug("kill failed")
	}
}
