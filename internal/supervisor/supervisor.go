// Package supervisor owns the lifecycle of one worker process: spawning it,
// waiting for it to connect back, forwarding control requests and tearing it
// down exactly once.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dweam-team/world-arcade/internal/apperr"
	"github.com/dweam-team/world-arcade/internal/control"
	"github.com/sirupsen/logrus"
)

type Config struct {
	// Executable defaults to the running binary.
	Executable string
	// Args precede kind, variant and the rendezvous address.
	Args []string
	// Env is appended to the parent environment.
	Env []string

	Attempts          int
	RendezvousTimeout time.Duration
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	ResponseTimeout   time.Duration
	StopGrace         time.Duration
	OutputTail        int
}

func (c Config) withDefaults() Config {
	if c.Args == nil {
		c.Args = []string{"worker"}
	}
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.RendezvousTimeout <= 0 {
		c.RendezvousTimeout = 5 * time.Second
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 250 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Second
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = control.DefaultTimeout
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 5 * time.Second
	}
	if c.OutputTail <= 0 {
		c.OutputTail = 20
	}
	return c
}

// ExitInfo describes a worker that exited without being stopped.
type ExitInfo struct {
	PID      int
	ExitCode int
	LastLine string
	Err      error
}

// Supervisor manages one worker process for one session.
type Supervisor struct {
	cfg     Config
	kind    string
	variant string
	log     *logrus.Entry

	// ctx is cancelled by Stop so in-flight startup and requests abort.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	client   *control.Client
	current  atomic.Pointer[workerProc]
	spawns   atomic.Int32
	attempts atomic.Int32
	stopped  atomic.Bool
	onExit   func(ExitInfo)

	// listen opens the rendezvous listener for one start attempt.
	listen func() (net.Listener, error)
}

func listenLoopback() (net.Listener, error) {
	return net.Listen("tcp", "127.0.0.1:0")
}

func New(cfg Config, kind, variant string, log *logrus.Entry) *Supervisor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:     cfg.withDefaults(),
		kind:    kind,
		variant: variant,
		log:     log.WithFields(logrus.Fields{"kind": kind, "variant": variant}),
		ctx:     ctx,
		cancel:  cancel,
		listen:  listenLoopback,
	}
}

// OnExit registers fn to run when a started worker exits on its own.
// Must be called before the worker starts.
func (s *Supervisor) OnExit(fn func(ExitInfo)) {
	s.mu.Lock()
	s.onExit = fn
	s.mu.Unlock()
}

// Start launches the worker if it is not already running. Concurrent and
// repeated calls never spawn a second process.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureStarted(ctx)
}

func (s *Supervisor) ensureStarted(ctx context.Context) error {
	if s.stopped.Load() {
		return apperr.New(apperr.CodeSessionClosed, "worker already stopped")
	}
	if s.client != nil {
		return nil
	}

	ctx, cancel := s.scoped(ctx)
	defer cancel()

	w, err := s.start(ctx)
	if err != nil {
		return err
	}
	s.client = control.NewClient(w.conn, s.cfg.ResponseTimeout)
	s.current.Store(w.proc)
	go s.watch(w.proc)
	return nil
}

// scoped returns ctx additionally cancelled by Stop.
func (s *Supervisor) scoped(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// watch reports an exit that Stop did not cause.
func (s *Supervisor) watch(p *workerProc) {
	<-p.exited
	if s.stopped.Load() {
		return
	}
	info := ExitInfo{PID: p.pid, ExitCode: p.exitCode(), LastLine: p.output.last(), Err: p.exitErr}
	s.log.WithFields(logrus.Fields{
		"pid":       info.PID,
		"exit_code": info.ExitCode,
		"last_line": info.LastLine,
	}).Warn("worker exited unexpectedly")

	s.mu.Lock()
	fn := s.onExit
	s.mu.Unlock()
	if fn != nil {
		fn(info)
	}
}

func (s *Supervisor) request(ctx context.Context, req control.Request) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureStarted(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := s.scoped(ctx)
	defer cancel()

	data, err := s.client.Call(ctx, req)
	if err != nil && s.stopped.Load() {
		return nil, apperr.Wrap(apperr.CodeSessionClosed, "worker stopped during "+string(req.Command()), err)
	}
	return data, err
}

// GetSchema returns the simulation's parameter schema, starting the worker
// if needed.
func (s *Supervisor) GetSchema(ctx context.Context) (json.RawMessage, error) {
	return s.request(ctx, control.GetSchema{})
}

func (s *Supervisor) UpdateParams(ctx context.Context, params json.RawMessage) error {
	_, err := s.request(ctx, control.UpdateParams{Params: params})
	return err
}

func (s *Supervisor) HandleOffer(ctx context.Context, offer control.SessionDescription) (control.SessionDescription, error) {
	data, err := s.request(ctx, control.HandleOffer{Offer: offer})
	if err != nil {
		return control.SessionDescription{}, err
	}
	var answer control.SessionDescription
	if err := json.Unmarshal(data, &answer); err != nil {
		return control.SessionDescription{}, apperr.Wrap(apperr.CodeProtocolFailed, "decode answer", err)
	}
	if answer.SDP == "" || answer.Type == "" {
		return control.SessionDescription{}, apperr.New(apperr.CodeProtocolFailed, "worker returned an empty answer")
	}
	return answer, nil
}

// ErrBusy reports that another request holds the control channel.
var ErrBusy = errors.New("worker busy with another request")

// Liveness asks a running worker when its media client last sent a
// heartbeat. It never starts the worker and never waits behind another
// request; a worker that has not started reports the zero report.
func (s *Supervisor) Liveness(ctx context.Context) (control.LivenessReport, error) {
	if !s.mu.TryLock() {
		return control.LivenessReport{}, ErrBusy
	}
	defer s.mu.Unlock()
	if s.client == nil || s.stopped.Load() {
		return control.LivenessReport{}, nil
	}

	ctx, cancel := s.scoped(ctx)
	defer cancel()
	data, err := s.client.Call(ctx, control.Liveness{})
	if err != nil {
		return control.LivenessReport{}, err
	}
	var report control.LivenessReport
	if err := json.Unmarshal(data, &report); err != nil {
		return control.LivenessReport{}, apperr.Wrap(apperr.CodeProtocolFailed, "decode liveness", err)
	}
	return report, nil
}

// Stop tears the worker down: a best-effort stop request, then closing the
// channel, then terminate with a grace period and a forced kill. Only the
// first call does anything; it reports whether this call performed teardown.
func (s *Supervisor) Stop(ctx context.Context) bool {
	if !s.stopped.CompareAndSwap(false, true) {
		return false
	}
	s.cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), min(s.cfg.ResponseTimeout, 2*time.Second))
		if _, err := s.client.Call(stopCtx, control.Stop{}); err != nil {
			s.log.WithError(err).Debug("stop request failed")
		}
		cancel()
		s.client.Close()
	}
	if p := s.current.Load(); p != nil {
		p.terminate(s.cfg.StopGrace)
		s.log.WithFields(logrus.Fields{"pid": p.pid, "exit_code": p.exitCode()}).Info("worker stopped")
	}
	return true
}

func (s *Supervisor) Stopped() bool { return s.stopped.Load() }

// Spawns is the number of worker processes launched so far.
func (s *Supervisor) Spawns() int { return int(s.spawns.Load()) }

// Output is the tail of the current worker's stdout and stderr.
func (s *Supervisor) Output() []string {
	if p := s.current.Load(); p != nil {
		return p.output.tail()
	}
	return nil
}

func (s *Supervisor) executable() (string, error) {
	if s.cfg.Executable != "" {
		return s.cfg.Executable, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolve worker executable: %w", err)
	}
	return exe, nil
}
