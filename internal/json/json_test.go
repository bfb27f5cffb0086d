package json

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

type testStruct struct {
	Name    string  `json:"name"`
	Age     int     `json:"age"`
	Balance float64 `json:"balance,omitempty"`
}

func TestMarshalUnmarshal(t *testing.T) {
	original := testStruct{Name: "Test", Age: 25, Balance: 100.50}

	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if !strings.Contains(string(data), `"name":"Test"`) {
		t.Errorf("Marshal output missing name field: %s", data)
	}

	var decoded testStruct
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded != original {
		t.Errorf("Unmarshal mismatch: got %+v, want %+v", decoded, original)
	}
}

func TestValid(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{`{"key": "value"}`, true},
		{`[1, 2, 3]`, true},
		{`invalid`, false},
		{`{"unclosed": }`, false},
	}

	for _, tt := range tests {
		if got := Valid([]byte(tt.input)); got != tt.want {
			t.Errorf("Valid(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestDecodeValue(t *testing.T) {
	v, err := DecodeValue([]byte(" {\"a\":1,\"b\":[true,null]} \n"))
	if err != nil {
		t.Fatalf("DecodeValue failed: %v", err)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		t.Fatalf("expected object, got %T", v)
	}
	if obj["a"] != float64(1) {
		t.Errorf("a = %v, want 1", obj["a"])
	}

	for _, bad := range []string{`{"a":1,}`, `{"a":1`, `{"a":1} trailing`} {
		if _, err := DecodeValue([]byte(bad)); err == nil {
			t.Errorf("DecodeValue(%q) should fail", bad)
		}
	}
}

func TestDecodeObjectRejectsArray(t *testing.T) {
	if _, err := DecodeObject([]byte(`[1,2]`)); err == nil {
		t.Error("DecodeObject should reject a top-level array")
	}
}

func TestDecodeObjectRejectsNull(t *testing.T) {
	for _, in := range []string{`null`, " null \n"} {
		obj, err := DecodeObject([]byte(in))
		if !errors.Is(err, ErrNotObject) || obj != nil {
			t.Errorf("DecodeObject(%q) = %v, %v; want ErrNotObject", in, obj, err)
		}
	}
	obj, err := DecodeObject([]byte(`{}`))
	if err != nil || obj == nil || len(obj) != 0 {
		t.Errorf("DecodeObject({}) = %v, %v", obj, err)
	}
}

func TestEncoder(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	if err := enc.Encode(map[string]int{"x": 1}); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if strings.TrimSpace(buf.String()) != `{"x":1}` {
		t.Errorf("unexpected encoding %q", buf.String())
	}
}
