package message

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Implementation-defined codes, all within the reserved -32000..-32099 range.
const (
	CodeTransportClosed = -32000 // Peer went away before answering
	CodeRequestTimeout  = -32001
	CodeRateLimited     = -32002
)

var (
	// ErrInvalidMessage is wrapped by every validation failure from Parse.
	ErrInvalidMessage = errors.New("invalid json-rpc message")
	// ErrReservedMethod marks methods in the reserved "rpc." namespace.
	ErrReservedMethod = errors.New("method name is reserved")
)

// Error is the JSON-RPC error object. It also satisfies the error
// interface so handlers can return it to pick a specific code.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NewError returns an error object without data.
func NewError(code int, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Errorf formats the message of a new error object.
func Errorf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithData returns a copy of e carrying data. Data that cannot be
// marshaled is dropped.
func (e *Error) WithData(data any) *Error {
	cp := *e
	if b, err := json.Marshal(data); err == nil {
		cp.Data = b
	}
	return &cp
}

func (e *Error) Error() string {
	return fmt.Sprintf("json-rpc error %d: %s", e.Code, e.Message)
}

// AsError converts any error into an error object. *Error values (also
// when wrapped) keep their code; everything else becomes an internal error.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return NewError(CodeInternalError, err.Error())
}
