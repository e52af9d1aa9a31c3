// Package message defines the JSON-RPC 2.0 messages exchanged between peers.
//
// Every value on the wire is exactly one of four shapes, all tagged with
// "jsonrpc": "2.0":
//
//	Request        {method, params?, id}
//	Notification   {method, params?}          (never answered)
//	Response       {result, id}
//	ErrorResponse  {error: {code, message, data?}, id | null}
//
// Message is a sealed interface over those four types. Parse is the single
// validating constructor for inbound bytes; anything that matches none of
// the shapes is rejected rather than forwarded.
package message

import (
	"encoding/json"
	"fmt"
)

// Version is the only accepted value of the "jsonrpc" envelope field.
const Version = "2.0"

// Message is one of *Request, *Notification, *Response or *ErrorResponse.
type Message interface {
	isMessage()
}

// Request is a call that expects exactly one Response or ErrorResponse
// carrying the same ID.
type Request struct {
	Method string
	Params json.RawMessage // Opaque, nil when absent
	ID     ID
}

// Notification is a Request without an id. No reply is ever sent.
type Notification struct {
	Method string
	Params json.RawMessage
}

// Response is a successful reply to the Request with the same ID.
type Response struct {
	Result json.RawMessage
	ID     ID
}

// ErrorResponse is a failed reply. ID is nil when the failure happened
// before the request id could be determined.
type ErrorResponse struct {
	Error *Error
	ID    *ID
}

func (*Request) isMessage()       {}
func (*Notification) isMessage()  {}
func (*Response) isMessage()      {}
func (*ErrorResponse) isMessage() {}

// Kind classifies a Message.
type Kind int

const (
	KindInvalid Kind = iota
	KindRequest
	KindNotification
	KindResponse
	KindErrorResponse
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	case KindErrorResponse:
		return "error"
	default:
		return "invalid"
	}
}

// KindOf reports which of the four shapes m is.
func KindOf(m Message) Kind {
	switch m.(type) {
	case *Request:
		return KindRequest
	case *Notification:
		return KindNotification
	case *Response:
		return KindResponse
	case *ErrorResponse:
		return KindErrorResponse
	default:
		return KindInvalid
	}
}

// NewRequest builds a Request, marshaling params with encoding/json unless
// they are already raw JSON.
func NewRequest(id ID, method string, params any) (*Request, error) {
	raw, err := rawParams(params)
	if err != nil {
		return nil, err
	}
	return &Request{Method: method, Params: raw, ID: id}, nil
}

// NewNotification builds a Notification.
func NewNotification(method string, params any) (*Notification, error) {
	raw, err := rawParams(params)
	if err != nil {
		return nil, err
	}
	return &Notification{Method: method, Params: raw}, nil
}

// NewResponse builds a successful Response for id.
func NewResponse(id ID, result any) (*Response, error) {
	if raw, ok := result.(json.RawMessage); ok {
		return &Response{Result: raw, ID: id}, nil
	}
	b, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Response{Result: b, ID: id}, nil
}

// NewErrorResponse builds an ErrorResponse. A nil id is encoded as null.
func NewErrorResponse(id *ID, err *Error) *ErrorResponse {
	return &ErrorResponse{Error: err, ID: id}
}

func rawParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		return b, nil
	}
}

// Wire shapes. Field order fixes the order of keys on the wire.
type (
	wireRequest struct {
		JSONRPC string          `json:"jsonrpc"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params,omitempty"`
		ID      ID              `json:"id"`
	}
	wireNotification struct {
		JSONRPC string          `json:"jsonrpc"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params,omitempty"`
	}
	wireResponse struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      ID              `json:"id"`
		Result  json.RawMessage `json:"result"`
	}
	wireErrorResponse struct {
		JSONRPC string `json:"jsonrpc"`
		ID      *ID    `json:"id"`
		Error   *Error `json:"error"`
	}
)

func (r *Request) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireRequest{JSONRPC: Version, Method: r.Method, Params: r.Params, ID: r.ID})
}

func (n *Notification) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireNotification{JSONRPC: Version, Method: n.Method, Params: n.Params})
}

func (r *Response) MarshalJSON() ([]byte, error) {
	result := r.Result
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	return json.Marshal(wireResponse{JSONRPC: Version, ID: r.ID, Result: result})
}

func (r *ErrorResponse) MarshalJSON() ([]byte, error) {
	e := r.Error
	if e == nil {
		e = NewError(CodeInternalError, "internal error")
	}
	return json.Marshal(wireErrorResponse{JSONRPC: Version, ID: r.ID, Error: e})
}

// Marshal encodes m in its wire form, without any trailing delimiter.
// The output never contains a raw newline.
func Marshal(m Message) ([]byte, error) {
	if KindOf(m) == KindInvalid {
		return nil, fmt.Errorf("%w: cannot marshal %T", ErrInvalidMessage, m)
	}
	return json.Marshal(m)
}
