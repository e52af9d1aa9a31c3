package codec

import (
	"encoding/json"
	"testing"
)

type addArgs struct {
	A int `json:"a"`
	B int `json:"b"`
}

func TestJSONCodec(t *testing.T) {
	c := JSONCodec{}

	data, err := c.Marshal(&addArgs{A: 1, B: 2})
	if err != nil {
		t.Fatalf("JSONCodec Marshal failed: %v", err)
	}
	if string(data) != `{"a":1,"b":2}` {
		t.Fatalf("unexpected payload %s", data)
	}

	var decoded addArgs
	if err := c.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("JSONCodec Unmarshal failed: %v", err)
	}
	if decoded.A != 1 || decoded.B != 2 {
		t.Errorf("decoded mismatch: got %+v", decoded)
	}

	// Unknown fields are ignored by the lenient codec.
	if err := c.Unmarshal(json.RawMessage(`{"a":1,"c":3}`), &decoded); err != nil {
		t.Fatalf("lenient codec rejected unknown field: %v", err)
	}
}

func TestJSONCodecStrict(t *testing.T) {
	c := JSONCodec{Strict: true}

	var decoded addArgs
	if err := c.Unmarshal(json.RawMessage(`{"a":1,"c":3}`), &decoded); err == nil {
		t.Fatal("strict codec should reject unknown fields")
	}
	if err := c.Unmarshal(json.RawMessage(`{"a":1,"b":2}`), &decoded); err != nil {
		t.Fatalf("strict codec rejected valid payload: %v", err)
	}
	if c.Name() != "json-strict" {
		t.Errorf("unexpected name %s", c.Name())
	}
}

func TestJSONCodecEmptyAndRaw(t *testing.T) {
	c := JSONCodec{}

	decoded := addArgs{A: 9}
	if err := c.Unmarshal(nil, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.A != 9 {
		t.Fatalf("empty payload must leave the target untouched")
	}

	var raw json.RawMessage
	if err := c.Unmarshal(json.RawMessage(`[1,2]`), &raw); err != nil {
		t.Fatal(err)
	}
	if string(raw) != `[1,2]` {
		t.Fatalf("unexpected raw copy %s", raw)
	}
}
