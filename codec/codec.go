// Package codec converts Go values to and from the opaque params/result
// payloads carried inside JSON-RPC messages.
package codec

import "encoding/json"

// Codec encodes params and results.
type Codec interface {
	Marshal(v any) (json.RawMessage, error)
	Unmarshal(data json.RawMessage, v any) error
	Name() string
}

// Default is the codec used when none is configured.
var Default Codec = JSONCodec{}
