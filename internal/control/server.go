package control

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/dweam-team/world-arcade/internal/apperr"
)

// Handler executes requests on the worker side. Serve calls it from a single
// goroutine, one request at a time.
type Handler interface {
	GetSchema(ctx context.Context) (json.RawMessage, error)
	UpdateParams(ctx context.Context, params json.RawMessage) error
	HandleOffer(ctx context.Context, offer SessionDescription) (SessionDescription, error)
	Stop(ctx context.Context) error
	Liveness(ctx context.Context) (LivenessReport, error)
}

// Serve reads requests from conn in arrival order and writes exactly one
// response per request. It returns nil after answering Stop or when the peer
// closes the connection, and ctx.Err() if ctx ends first. Malformed requests
// are answered with a Failure.
func Serve(ctx context.Context, conn net.Conn, h Handler) error {
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 64*1024), MaxLineSize)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}

		var resp Response
		req, err := DecodeRequest(line)
		if err != nil {
			resp = Failure{Message: err.Error(), Code: apperr.CodeProtocolFailed}
		} else {
			resp = dispatch(ctx, h, req)
		}

		out, err := EncodeResponse(resp)
		if err != nil {
			return fmt.Errorf("encode response: %w", err)
		}
		if _, err := conn.Write(append(out, '\n')); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
		if _, ok := req.(Stop); ok {
			return nil
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := sc.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("read request: %w", err)
	}
	return nil
}

func dispatch(ctx context.Context, h Handler, req Request) Response {
	switch r := req.(type) {
	case GetSchema:
		data, err := h.GetSchema(ctx)
		if err != nil {
			return failure(err)
		}
		return Success{Data: data}
	case UpdateParams:
		if err := h.UpdateParams(ctx, r.Params); err != nil {
			return failure(err)
		}
		return Success{}
	case HandleOffer:
		answer, err := h.HandleOffer(ctx, r.Offer)
		if err != nil {
			return failure(err)
		}
		data, err := json.Marshal(answer)
		if err != nil {
			return failure(err)
		}
		return Success{Data: data}
	case Stop:
		if err := h.Stop(ctx); err != nil {
			return failure(err)
		}
		return Success{}
	case Liveness:
		report, err := h.Liveness(ctx)
		if err != nil {
			return failure(err)
		}
		data, err := json.Marshal(report)
		if err != nil {
			return failure(err)
		}
		return Success{Data: data}
	default:
		return Failure{Message: fmt.Sprintf("unsupported request %T", req), Code: apperr.CodeProtocolFailed}
	}
}

func failure(err error) Failure {
	f := Failure{Message: err.Error()}
	if code := apperr.CodeOf(err); code != apperr.CodeUnknown {
		f.Code = code
	}
	return f
}
