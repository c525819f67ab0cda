package cmakeserver

import (
	"encoding/json"
	"fmt"
	"maps"
)

// Request is a single request received from the client.
//
// Requests are built by the Server from a parsed message body and are scoped to one
// request/response cycle. Data holds the complete JSON object, including the envelope
// fields; numbers are kept as json.Number so integer fields can be validated exactly.
type Request struct {
	typ    string
	cookie string
	data   map[string]any
	server *Server
}

// Response is the answer to exactly one Request. It carries either data or an error
// message, never both, and is complete once one of them has been set.
type Response struct {
	typ    string
	cookie string

	kind         payloadKind
	data         map[string]any
	errorMessage string
}

type payloadKind int

const (
	payloadUnset payloadKind = iota
	payloadData
	payloadError
)

func newRequest(s *Server, typ, cookie string, data map[string]any) Request {
	return Request{
		typ:    typ,
		cookie: cookie,
		data:   data,
		server: s,
	}
}

// Type returns the request type.
func (r Request) Type() string { return r.typ }

// Cookie returns the client supplied correlation token.
func (r Request) Cookie() string { return r.cookie }

// Data returns a shallow copy of the request object.
func (r Request) Data() map[string]any { return maps.Clone(r.data) }

// Decode unmarshals the request object into v.
func (r Request) Decode(v any) error {
	bs, err := json.Marshal(r.data)
	if err != nil {
		return fmt.Errorf("failed to marshal request data: %w", err)
	}
	if err := json.Unmarshal(bs, v); err != nil {
		return fmt.Errorf("failed to decode request data: %w", err)
	}
	return nil
}

// Reply returns a successful Response for this request carrying data.
func (r Request) Reply(data map[string]any) *Response {
	res := NewResponse(r)
	res.SetData(data)
	return res
}

// ReportError returns an error Response for this request.
func (r Request) ReportError(message string) *Response {
	res := NewResponse(r)
	res.SetError(message)
	return res
}

// ReportProgress sends a progress message for this request to the client. It must only be
// called while the request is being processed. The values must satisfy
// minimum <= current <= maximum and message must not be empty.
func (r Request) ReportProgress(minimum, current, maximum int, message string) {
	if r.server == nil {
		return
	}
	r.server.WriteProgress(r, minimum, current, maximum, message)
}

// ReportMessage sends an informational message for this request to the client.
func (r Request) ReportMessage(message, title string) {
	if r.server == nil {
		return
	}
	r.server.WriteMessage(r, message, title)
}

// NewResponse returns an incomplete Response bound to req's type and cookie.
func NewResponse(req Request) *Response {
	return &Response{
		typ:    req.typ,
		cookie: req.cookie,
	}
}

// Type returns the type of the request this response answers.
func (r *Response) Type() string { return r.typ }

// Cookie returns the cookie of the request this response answers.
func (r *Response) Cookie() string { return r.cookie }

// SetData completes the response with data.
//
// It panics if the response is already complete, or if data contains the "cookie" or
// "type" keys, which the server injects when the response is written.
func (r *Response) SetData(data map[string]any) {
	if r.kind != payloadUnset {
		panic("cmakeserver: response payload is already set")
	}
	for _, key := range []string{KeyCookie, KeyType} {
		if _, ok := data[key]; ok {
			panic(fmt.Sprintf("cmakeserver: response data must not contain %q", key))
		}
	}
	if data == nil {
		data = map[string]any{}
	}
	r.data = data
	r.kind = payloadData
}

// SetError completes the response with an error message. It panics if the response is
// already complete.
func (r *Response) SetError(message string) {
	if r.kind != payloadUnset {
		panic("cmakeserver: response payload is already set")
	}
	r.errorMessage = message
	r.kind = payloadError
}

// IsComplete reports whether data or an error has been set.
func (r *Response) IsComplete() bool { return r.kind != payloadUnset }

// IsError reports whether the response carries an error.
func (r *Response) IsError() bool { return r.kind == payloadError }

// ErrorMessage returns the error message of an error response.
func (r *Response) ErrorMessage() string { return r.errorMessage }

// Data returns a shallow copy of the response data.
func (r *Response) Data() map[string]any { return maps.Clone(r.data) }
