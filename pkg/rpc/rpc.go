// Package rpc encodes and decodes the JSON envelopes exchanged over a connection:
// requests {method, params, id}, responses {id, result} or {id, error} and
// server-initiated notifications {method, params}.
package rpc

import (
	"bytes"
	"encoding/json"
	"errors"

	"github.com/adfharrison1/go-syncdb/pkg/domain"
)

// Request is an inbound call. ID is echoed back verbatim and may be any JSON value.
type Request struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params,omitempty"`
	ID     json.RawMessage   `json:"id,omitempty"`
}

// Response answers one Request. Exactly one of Result and Error is set.
type Response struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Notification is pushed to a connection without a preceding request.
type Notification struct {
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

// Error is the wire form of a failed call.
type Error struct {
	Code    domain.Code `json:"code"`
	Message string      `json:"message"`
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

var null = json.RawMessage("null")

// DecodeRequest parses one inbound frame. A well-formed frame without a method
// still returns the request so the error can carry its id.
func DecodeRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, domain.Wrap(domain.CodeProtocolError, err, "malformed request")
	}
	if req.Method == "" {
		return &req, domain.Errorf(domain.CodeProtocolError, "request without method")
	}
	return &req, nil
}

// Param decodes the i-th positional parameter into v.
func (r *Request) Param(i int, v interface{}) error {
	if i >= len(r.Params) {
		return domain.Errorf(domain.CodeProtocolError, "%s: missing parameter %d", r.Method, i)
	}
	if err := json.Unmarshal(r.Params[i], v); err != nil {
		return domain.Wrap(domain.CodeProtocolError, err, "%s: parameter %d", r.Method, i)
	}
	return nil
}

// OptionalParam is Param for trailing parameters a caller may omit or send as null.
func (r *Request) OptionalParam(i int, v interface{}) error {
	if i >= len(r.Params) || bytes.Equal(bytes.TrimSpace(r.Params[i]), null) {
		return nil
	}
	return r.Param(i, v)
}

// NewResult builds a success response for id.
func NewResult(id json.RawMessage, result interface{}) (*Response, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, domain.Wrap(domain.CodeInternal, err, "encode result")
	}
	return &Response{ID: id, Result: data}, nil
}

// NewError builds a failure response for id.
func NewError(id json.RawMessage, err error) *Response {
	return &Response{ID: id, Error: ErrorFrom(err)}
}

// ErrorFrom maps any error onto the wire error. Unclassified errors become Internal.
func ErrorFrom(err error) *Error {
	var wire *Error
	if errors.As(err, &wire) {
		return wire
	}
	return &Error{Code: domain.CodeOf(err), Message: err.Error()}
}

// Encode serializes a Response or Notification into one frame.
func Encode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}
