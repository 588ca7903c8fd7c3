package codec

import (
	"bytes"
	"testing"
)

func TestMarshalIsDeterministic(t *testing.T) {
	a := map[string]any{"b": 2, "a": 1, "c": []string{"x"}}
	b := map[string]any{"c": []string{"x"}, "a": 1, "b": 2}
	left, err := Marshal(a)
	if err != nil {
		t.Fatalf("marshal a: %v", err)
	}
	right, err := Marshal(b)
	if err != nil {
		t.Fatalf("marshal b: %v", err)
	}
	if !bytes.Equal(left, right) {
		t.Fatalf("expected identical encodings, got %x vs %x", left, right)
	}
}

func TestUnmarshalUntypedUsesStringKeys(t *testing.T) {
	data, err := Marshal(map[string]any{"ok": true})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out any
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	m, ok := out.(map[string]any)
	if !ok {
		t.Fatalf("expected map[string]any, got %T", out)
	}
	if m["ok"] != true {
		t.Fatalf("expected ok=true, got %v", m["ok"])
	}
}
