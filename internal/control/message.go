// Package control implements the line-delimited JSON request/response
// protocol spoken between a supervisor and its worker process. Requests and
// responses alternate strictly on one connection.
package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dweam-team/world-arcade/internal/apperr"
)

// MaxLineSize bounds one encoded message.
const MaxLineSize = 8 << 20

var (
	ErrClosed    = errors.New("control channel closed")
	ErrMalformed = errors.New("malformed control message")
)

type Command string

const (
	CmdGetSchema    Command = "get-schema"
	CmdUpdateParams Command = "update-params"
	CmdHandleOffer  Command = "handle-offer"
	CmdStop         Command = "stop"
	CmdLiveness     Command = "liveness"
)

// SessionDescription is an SDP offer or answer.
type SessionDescription struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

// Request is one of GetSchema, UpdateParams, HandleOffer, Stop or Liveness.
type Request interface {
	Command() Command
	isRequest()
}

type GetSchema struct{}

type UpdateParams struct {
	Params json.RawMessage
}

type HandleOffer struct {
	Offer SessionDescription
}

type Stop struct{}

// Liveness asks when the media client last showed signs of life.
type Liveness struct{}

// LivenessReport answers Liveness. LastHeartbeat is zero until a media
// client has negotiated.
type LivenessReport struct {
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	MediaClosed   bool      `json:"mediaClosed,omitempty"`
}

func (GetSchema) Command() Command    { return CmdGetSchema }
func (UpdateParams) Command() Command { return CmdUpdateParams }
func (HandleOffer) Command() Command  { return CmdHandleOffer }
func (Stop) Command() Command         { return CmdStop }
func (Liveness) Command() Command     { return CmdLiveness }

func (GetSchema) isRequest()    {}
func (UpdateParams) isRequest() {}
func (HandleOffer) isRequest()  {}
func (Stop) isRequest()         {}
func (Liveness) isRequest()     {}

type requestEnvelope struct {
	Cmd  Command         `json:"cmd"`
	Data json.RawMessage `json:"data,omitempty"`
}

// EncodeRequest renders req as one line without the trailing newline.
func EncodeRequest(req Request) ([]byte, error) {
	env := requestEnvelope{Cmd: req.Command()}
	switch r := req.(type) {
	case GetSchema, Stop, Liveness:
	case UpdateParams:
		env.Data = r.Params
	case HandleOffer:
		data, err := json.Marshal(r.Offer)
		if err != nil {
			return nil, err
		}
		env.Data = data
	default:
		return nil, fmt.Errorf("unknown request type %T", req)
	}
	return json.Marshal(env)
}

func DecodeRequest(line []byte) (Request, error) {
	var env requestEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch env.Cmd {
	case CmdGetSchema:
		return GetSchema{}, nil
	case CmdUpdateParams:
		return UpdateParams{Params: env.Data}, nil
	case CmdHandleOffer:
		var offer SessionDescription
		if len(env.Data) == 0 {
			return nil, fmt.Errorf("%w: handle-offer without data", ErrMalformed)
		}
		if err := json.Unmarshal(env.Data, &offer); err != nil {
			return nil, fmt.Errorf("%w: handle-offer data: %v", ErrMalformed, err)
		}
		return HandleOffer{Offer: offer}, nil
	case CmdStop:
		return Stop{}, nil
	case CmdLiveness:
		return Liveness{}, nil
	case "":
		return nil, fmt.Errorf("%w: missing cmd", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: unknown cmd %q", ErrMalformed, env.Cmd)
	}
}

// Response is either Success or Failure.
type Response interface {
	isResponse()
}

type Success struct {
	Data json.RawMessage
}

// Failure carries the worker's error message and, when known, its code.
type Failure struct {
	Message string
	Code    apperr.Code
}

func (Success) isResponse() {}
func (Failure) isResponse() {}

const (
	statusSuccess = "success"
	statusError   = "error"
)

type responseEnvelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
	Code   apperr.Code     `json:"code,omitempty"`
}

func EncodeResponse(resp Response) ([]byte, error) {
	switch r := resp.(type) {
	case Success:
		return json.Marshal(responseEnvelope{Status: statusSuccess, Data: r.Data})
	case Failure:
		return json.Marshal(responseEnvelope{Status: statusError, Error: r.Message, Code: r.Code})
	default:
		return nil, fmt.Errorf("unknown response type %T", resp)
	}
}

func DecodeResponse(line []byte) (Response, error) {
	var env responseEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch env.Status {
	case statusSuccess:
		return Success{Data: env.Data}, nil
	case statusError:
		return Failure{Message: env.Error, Code: env.Code}, nil
	default:
		return nil, fmt.Errorf("%w: unknown status %q", ErrMalformed, env.Status)
	}
}

// RemoteError is a Failure surfaced to a caller.
type RemoteError struct {
	Command Command
	Message string
	Code    apperr.Code
}

func (e *RemoteError) Error() string {
	return e.Message
}

// AppError converts e to a coded error. Failures without a code are
// application failures.
func (e *RemoteError) AppError() *apperr.Error {
	code := e.Code
	if code == "" {
		code = apperr.CodeApplicationFailed
	}
	return apperr.Wrap(code, "worker "+string(e.Command), e)
}
