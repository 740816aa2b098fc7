package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dweam-team/world-arcade/internal/apperr"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "github.com/dweam-team/world-arcade/internal/supervisor"

// StartError describes why the last start attempt failed.
type StartError struct {
	Attempts int
	Reason   string
	ExitCode int
	Output   []string
	Err      error
}

func (e *StartError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "worker %s (attempt %d)", e.Reason, e.Attempts)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if len(e.Output) > 0 {
		fmt.Fprintf(&b, "; output:\n%s", strings.Join(e.Output, "\n"))
	}
	return b.String()
}

func (e *StartError) Unwrap() error { return e.Err }

type started struct {
	proc *workerProc
	conn net.Conn
}

// start runs up to cfg.Attempts attempts with exponential backoff between
// them. The rendezvous timeout doubles with every attempt.
func (s *Supervisor) start(ctx context.Context) (*started, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "supervisor.start")
	defer span.End()
	span.SetAttributes(attribute.String("game.kind", s.kind), attribute.String("game.variant", s.variant))

	exe, err := s.executable()
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeStartupFailed, "start worker", err)
	}

	policy := &backoff.ExponentialBackOff{
		InitialInterval:     s.cfg.BackoffInitial,
		RandomizationFactor: 0.2,
		Multiplier:          2,
		MaxInterval:         s.cfg.BackoffMax,
	}

	attempt := 0
	w, err := backoff.Retry(ctx, func() (*started, error) {
		n := attempt
		attempt++
		w, err := s.attempt(ctx, exe, n)
		if err != nil && ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		return w, err
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(s.cfg.Attempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.log.WithError(err).WithField("retry_in", next).Warn("worker start attempt failed")
		}),
	)
	span.SetAttributes(attribute.Int("start.attempts", attempt))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "worker start failed")
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = fmt.Errorf("%w (%v)", ctxErr, err)
		}
		return nil, apperr.Wrap(apperr.CodeStartupFailed, fmt.Sprintf("start %s/%s worker", s.kind, s.variant), err)
	}
	return w, nil
}

type acceptResult struct {
	conn net.Conn
	err  error
}

// attempt opens a rendezvous listener, spawns the worker and races its
// connection against its exit and the attempt timeout.
func (s *Supervisor) attempt(ctx context.Context, exe string, n int) (*started, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "supervisor.attempt")
	defer span.End()
	s.attempts.Add(1)

	ln, err := s.listen()
	if err != nil {
		return nil, &StartError{Attempts: n + 1, Reason: "rendezvous listen failed", Err: err}
	}
	addr := ln.Addr().String()

	accepted := make(chan acceptResult, 1)
	go func() {
		conn, err := ln.Accept()
		accepted <- acceptResult{conn, err}
	}()

	// drained is set once the accept result has been received; the
	// goroutine sends exactly one.
	var drained bool
	defer func() {
		ln.Close()
		if !drained {
			if r := <-accepted; r.conn != nil {
				r.conn.Close()
			}
		}
	}()

	args := append(append([]string(nil), s.cfg.Args...), s.kind, s.variant, addr)
	proc, err := spawn(exe, args, s.cfg.Env, s.cfg.OutputTail, s.log)
	if err != nil {
		return nil, &StartError{Attempts: n + 1, Reason: "failed to launch", Err: err}
	}
	s.spawns.Add(1)

	timeout := s.cfg.RendezvousTimeout << n
	log := s.log.WithFields(logrus.Fields{"pid": proc.pid, "attempt": n + 1, "rendezvous": addr})
	log.WithField("timeout", timeout).Debug("worker spawned; waiting for rendezvous")
	span.SetAttributes(attribute.Int("process.pid", proc.pid), attribute.Int("start.attempt", n+1))

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-accepted:
		drained = true
		if r.err != nil {
			proc.kill()
			<-proc.exited
			return nil, &StartError{Attempts: n + 1, Reason: "rendezvous accept failed", Err: r.err, Output: proc.output.tail()}
		}
		log.Info("worker connected")
		return &started{proc: proc, conn: r.conn}, nil

	case <-proc.exited:
		return nil, &StartError{
			Attempts: n + 1,
			Reason:   "exited before connecting",
			ExitCode: proc.exitCode(),
			Err:      proc.exitErr,
			Output:   proc.output.tail(),
		}

	case <-timer.C:
		log.Warn("worker did not connect in time; killing it")
		proc.kill()
		<-proc.exited
		return nil, &StartError{
			Attempts: n + 1,
			Reason:   "did not connect within " + timeout.String(),
			ExitCode: proc.exitCode(),
			Err:      context.DeadlineExceeded,
			Output:   proc.output.tail(),
		}

	case <-ctx.Done():
		proc.kill()
		<-proc.exited
		return nil, &StartError{Attempts: n + 1, Reason: "start cancelled", Err: ctx.Err(), Output: proc.output.tail()}
	}
}
