package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// JSONCodec uses encoding/json. With Strict set, unknown object fields are
// rejected on Unmarshal, which turns sloppy params into -32602 errors
// instead of silently ignoring them.
type JSONCodec struct {
	Strict bool
}

func (c JSONCodec) Marshal(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}

// Unmarshal decodes data into v. Empty data is treated as JSON null, so
// absent params leave v untouched.
func (c JSONCodec) Unmarshal(data json.RawMessage, v any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if raw, ok := v.(*json.RawMessage); ok {
		*raw = append((*raw)[:0], data...)
		return nil
	}
	if !c.Strict {
		return json.Unmarshal(data, v)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("unexpected data after JSON value")
	}
	return nil
}

func (c JSONCodec) Name() string {
	if c.Strict {
		return "json-strict"
	}
	return "json"
}
