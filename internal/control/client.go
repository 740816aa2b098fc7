package control

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dweam-team/world-arcade/internal/apperr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "github.com/dweam-team/world-arcade/internal/control"

// DefaultTimeout bounds a round trip when the caller's context has no
// earlier deadline.
const DefaultTimeout = 30 * time.Second

// Client is the supervisor side of a control channel. Calls are serialized:
// at most one request is in flight.
type Client struct {
	conn    net.Conn
	scanner *bufio.Scanner
	timeout time.Duration

	mu     sync.Mutex
	broken error

	closed    atomic.Bool
	closeOnce sync.Once
}

func NewClient(conn net.Conn, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 64*1024), MaxLineSize)
	return &Client{conn: conn, scanner: sc, timeout: timeout}
}

// Call sends req and waits for its response. A Failure response is returned
// as an *apperr.Error wrapping a *RemoteError. Transport failures carry
// apperr.CodeProtocolFailed and leave the client unusable.
func (c *Client) Call(ctx context.Context, req Request) (json.RawMessage, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "control."+string(req.Command()))
	defer span.End()

	data, err := c.call(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("error.code", string(apperr.CodeOf(err))))
	}
	return data, err
}

func (c *Client) call(ctx context.Context, req Request) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cmd := req.Command()
	if c.closed.Load() {
		return nil, c.protocolErr(cmd, ErrClosed)
	}
	if c.broken != nil {
		return nil, c.protocolErr(cmd, c.broken)
	}

	line, err := EncodeRequest(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidRequest, "encode "+string(cmd), err)
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, c.fail(cmd, err)
	}
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetDeadline(time.Now())
	})
	defer stop()

	if _, err := c.conn.Write(append(line, '\n')); err != nil {
		return nil, c.fail(cmd, c.cause(ctx, err))
	}

	if !c.scanner.Scan() {
		err := c.scanner.Err()
		if err == nil {
			err = ErrClosed
		}
		return nil, c.fail(cmd, c.cause(ctx, err))
	}

	resp, err := DecodeResponse(c.scanner.Bytes())
	if err != nil {
		return nil, c.fail(cmd, err)
	}
	switch r := resp.(type) {
	case Success:
		return r.Data, nil
	case Failure:
		remote := &RemoteError{Command: cmd, Message: r.Message, Code: r.Code}
		return nil, remote.AppError()
	default:
		return nil, c.fail(cmd, fmt.Errorf("%w: unexpected response %T", ErrMalformed, resp))
	}
}

// cause prefers the context error or ErrClosed over the raw I/O error.
func (c *Client) cause(ctx context.Context, err error) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("no response within deadline: %w", context.DeadlineExceeded)
	}
	return err
}

// fail marks the stream unusable; a late response would desynchronize it.
func (c *Client) fail(cmd Command, err error) error {
	c.broken = err
	return c.protocolErr(cmd, err)
}

func (c *Client) protocolErr(cmd Command, err error) error {
	return apperr.Wrap(apperr.CodeProtocolFailed, "control "+string(cmd), err)
}

// Close closes the connection. An in-flight Call fails with ErrClosed.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.conn.Close()
	})
	return err
}
