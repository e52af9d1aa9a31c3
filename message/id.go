package message

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

type idKind uint8

const (
	idNone idKind = iota
	idNumber
	idString
)

// ID is a request identifier: a JSON number or a non-empty JSON string.
// The zero value is not a valid request id.
type ID struct {
	kind idKind
	text string // canonical number text, or the string value
}

// NumberID returns a numeric id.
func NumberID(n int64) ID {
	return ID{kind: idNumber, text: strconv.FormatInt(n, 10)}
}

// StringID returns a string id. An empty string yields an invalid id.
func StringID(s string) ID {
	if s == "" {
		return ID{}
	}
	return ID{kind: idString, text: s}
}

// Valid reports whether id can be used on a Request or Response.
func (id ID) Valid() bool { return id.kind != idNone }

// IsString reports whether id was a JSON string.
func (id ID) IsString() bool { return id.kind == idString }

// Int64 returns the numeric value when id is an integral number.
func (id ID) Int64() (int64, bool) {
	if id.kind != idNumber {
		return 0, false
	}
	n, err := strconv.ParseInt(id.text, 10, 64)
	return n, err == nil
}

// String returns the id as text, without quotes.
func (id ID) String() string { return id.text }

// Key returns a map key that keeps 1 and "1" distinct.
func (id ID) Key() string {
	switch id.kind {
	case idNumber:
		return "n:" + id.text
	case idString:
		return "s:" + id.text
	default:
		return ""
	}
}

func (id ID) MarshalJSON() ([]byte, error) {
	switch id.kind {
	case idNumber:
		return []byte(id.text), nil
	case idString:
		return json.Marshal(id.text)
	default:
		return []byte("null"), nil
	}
}

func (id *ID) UnmarshalJSON(data []byte) error {
	parsed, err := parseID(data)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// parseID accepts a JSON number or a non-empty JSON string. null yields
// the zero ID without error; callers decide whether null is allowed.
func parseID(data []byte) (ID, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return ID{}, fmt.Errorf("empty id")
	}
	switch c := data[0]; {
	case c == 'n':
		if string(data) != "null" {
			return ID{}, fmt.Errorf("invalid id %s", data)
		}
		return ID{}, nil
	case c == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return ID{}, fmt.Errorf("invalid id: %w", err)
		}
		if s == "" {
			return ID{}, fmt.Errorf("id must not be an empty string")
		}
		return ID{kind: idString, text: s}, nil
	case c == '-' || (c >= '0' && c <= '9'):
		var num json.Number
		if err := json.Unmarshal(data, &num); err != nil {
			return ID{}, fmt.Errorf("invalid id: %w", err)
		}
		if n, err := num.Int64(); err == nil {
			return NumberID(n), nil
		}
		return ID{kind: idNumber, text: num.String()}, nil
	default:
		return ID{}, fmt.Errorf("id must be a number or string, got %s", data)
	}
}
