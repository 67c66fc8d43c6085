// Package uds implements Unix Domain Socket based IPC between the CLI and the daemon.
package uds

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/msageha/orbit/internal/model"
)

const ProtocolVersion = 1

// maxFrameSize bounds one request or response frame.
const maxFrameSize = 10 * 1024 * 1024

type Request struct {
	ProtocolVersion int             `json:"protocol_version"`
	Command         string          `json:"command"`
	Params          json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *ErrorDetail    `json:"error,omitempty"`
}

// ErrorDetail carries an error across the socket. Code is a model error kind, or one of the
// protocol codes below.
type ErrorDetail struct {
	Code    string `json:"code"`
	Subject string `json:"subject,omitempty"`
	Message string `json:"message"`
}

const (
	ErrCodeProtocolMismatch = "PROTOCOL_MISMATCH"
	ErrCodeUnknownCommand   = "UNKNOWN_COMMAND"
	ErrCodeBadParams        = "BAD_PARAMS"
)

// Err turns the detail back into an error whose model kind matches the daemon's.
func (d *ErrorDetail) Err() error {
	if d == nil {
		return nil
	}
	kind := model.Kind(d.Code)
	switch d.Code {
	case ErrCodeProtocolMismatch, ErrCodeUnknownCommand, ErrCodeBadParams:
		kind = model.KindInvalidArgument
	case "":
		kind = model.KindInternal
	}
	return &model.Error{Kind: kind, Subject: d.Subject, Detail: d.Message}
}

func NewRequest(command string, params any) (*Request, error) {
	req := &Request{
		ProtocolVersion: ProtocolVersion,
		Command:         command,
	}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = data
	}
	return req, nil
}

// Bind decodes the request params into v. Empty params leave v untouched.
func (r *Request) Bind(v any) error {
	if len(r.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Params, v); err != nil {
		return fmt.Errorf("decode %s params: %w", r.Command, err)
	}
	return nil
}

func SuccessResponse(data any) *Response {
	resp := &Response{Success: true}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return ErrorResponse(string(model.KindInternal), fmt.Sprintf("marshal response: %v", err))
		}
		resp.Data = raw
	}
	return resp
}

func ErrorResponse(code, message string) *Response {
	return &Response{
		Success: false,
		Error: &ErrorDetail{
			Code:    code,
			Message: message,
		},
	}
}

// ErrorFrom builds a failed response from err, keeping its model kind and subject.
func ErrorFrom(err error) *Response {
	resp := ErrorResponse(string(model.KindOf(err)), err.Error())
	var e *model.Error
	if errors.As(err, &e) {
		resp.Error.Subject = e.Subject
	}
	return resp
}

// Decode unmarshals a successful response into v, or returns the carried error.
func (r *Response) Decode(v any) error {
	if !r.Success {
		if r.Error == nil {
			return &model.Error{Kind: model.KindInternal, Detail: "request failed without detail"}
		}
		return r.Error.Err()
	}
	if v == nil || len(r.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// DefaultSocketName is the conventional socket filename inside the state directory.
const DefaultSocketName = "orbit.sock"

// WriteFrame writes v as one frame: a 4-byte big-endian length followed by the JSON payload.
func WriteFrame(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(data) > maxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(data))
	}
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one frame into v.
func ReadFrame(r io.Reader, v any) error {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return fmt.Errorf("read frame length: %w", err)
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > maxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("read frame payload: %w", err)
	}
	if err := json.Unmarshal(buf, v); err != nil {
		return fmt.Errorf("unmarshal frame: %w", err)
	}
	return nil
}
