// Package ipc is the daemon control protocol: line-delimited JSON over a
// Unix domain socket.
//
// A client writes one Request per line and reads one Response per line:
//
//	{"type": "call.join", "data": {"ring": true}}
//	{"status": "ok", "data": {...}}
//	{"status": "error", "error": "..."}
package ipc

import (
	"encoding/json"
	"fmt"
)

// DefaultSocketPath is where callcored listens unless configured otherwise.
const DefaultSocketPath = "/tmp/callcored.sock"

// Response statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Request is the envelope sent by clients.
type Request struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewRequest builds a request, marshalling data when it is not nil.
func NewRequest(typ string, data any) (Request, error) {
	req := Request{Type: typ}
	if data == nil {
		return req, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return Request{}, fmt.Errorf("marshal %s: %w", typ, err)
	}
	req.Data = b
	return req, nil
}

// Decode unmarshals the request data into v. Missing data leaves v as is.
func (r Request) Decode(v any) error {
	if len(r.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", r.Type, err)
	}
	return nil
}

// Response is the envelope sent back for every request.
type Response struct {
	Status string          `json:"status"`
	Error  string          `json:"error,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// OK builds a success response carrying data.
func OK(data any) Response {
	if data == nil {
		return Response{Status: StatusOK}
	}
	b, err := json.Marshal(data)
	if err != nil {
		return Fail(fmt.Errorf("marshal response: %w", err))
	}
	return Response{Status: StatusOK, Data: b}
}

// Fail builds an error response.
func Fail(err error) Response {
	return Response{Status: StatusError, Error: err.Error()}
}

// Err returns the response error, or nil for a success.
func (r Response) Err() error {
	if r.Status == StatusOK {
		return nil
	}
	if r.Error == "" {
		return fmt.Errorf("ipc error: status %q", r.Status)
	}
	return fmt.Errorf("ipc error: %s", r.Error)
}
