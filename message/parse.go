package message

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ReservedPrefix starts every method name reserved for protocol extensions.
// Matching is case-insensitive.
const ReservedPrefix = "rpc."

// IsReserved reports whether method is in the reserved namespace.
func IsReserved(method string) bool {
	return len(method) >= len(ReservedPrefix) && strings.EqualFold(method[:len(ReservedPrefix)], ReservedPrefix)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidMessage, fmt.Sprintf(format, args...))
}

// Parse decodes one wire value and validates it against the four message
// shapes. Exactly one of method+no-id, method+id, result+id, error+id must
// hold; anything else is rejected with an error wrapping ErrInvalidMessage.
func Parse(data []byte) (Message, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return nil, invalid("expected a JSON object")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	var version string
	if raw, ok := fields["jsonrpc"]; !ok || json.Unmarshal(raw, &version) != nil || version != Version {
		return nil, invalid("jsonrpc must be %q", Version)
	}

	rawMethod, hasMethod := fields["method"]
	rawResult, hasResult := fields["result"]
	rawError, hasError := fields["error"]
	rawID, hasID := fields["id"]

	if hasMethod {
		if hasResult || hasError {
			return nil, invalid("request cannot carry result or error")
		}
		var method string
		if err := json.Unmarshal(rawMethod, &method); err != nil {
			return nil, invalid("method must be a string")
		}
		if method == "" {
			return nil, invalid("method must not be empty")
		}
		if IsReserved(method) {
			return nil, fmt.Errorf("%w: %w: %q", ErrInvalidMessage, ErrReservedMethod, method)
		}
		params := fields["params"]
		if !hasID {
			return &Notification{Method: method, Params: params}, nil
		}
		id, err := parseID(rawID)
		if err != nil {
			return nil, invalid("%v", err)
		}
		if !id.Valid() {
			return nil, invalid("request id must not be null")
		}
		return &Request{Method: method, Params: params, ID: id}, nil
	}

	if hasResult && hasError {
		return nil, invalid("response cannot carry both result and error")
	}
	if !hasID {
		return nil, invalid("response without id")
	}
	id, err := parseID(rawID)
	if err != nil {
		return nil, invalid("%v", err)
	}

	switch {
	case hasResult:
		if !id.Valid() {
			return nil, invalid("success response id must not be null")
		}
		return &Response{Result: rawResult, ID: id}, nil
	case hasError:
		rpcErr, err := parseError(rawError)
		if err != nil {
			return nil, err
		}
		resp := &ErrorResponse{Error: rpcErr}
		if id.Valid() {
			resp.ID = &id
		}
		return resp, nil
	default:
		return nil, invalid("message has neither method, result nor error")
	}
}

func parseError(raw json.RawMessage) (*Error, error) {
	var obj struct {
		Code    *json.Number    `json:"code"`
		Message *string         `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, invalid("error must be an object: %v", err)
	}
	if obj.Code == nil || obj.Message == nil {
		return nil, invalid("error requires code and message")
	}
	code, err := obj.Code.Int64()
	if err != nil {
		return nil, invalid("error code must be an integer")
	}
	return &Error{Code: int(code), Message: *obj.Message, Data: obj.Data}, nil
}

// Peek extracts what it can from a line that failed Parse: whether it
// looked like a request (has a "method" key) and its id, if one can be
// recovered. It never fails; missing pieces are reported as absent.
func Peek(data []byte) (id *ID, hasMethod bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(bytes.TrimSpace(data), &fields); err != nil {
		return nil, false
	}
	_, hasMethod = fields["method"]
	if raw, ok := fields["id"]; ok {
		if parsed, err := parseID(raw); err == nil && parsed.Valid() {
			id = &parsed
		}
	}
	return id, hasMethod
}
