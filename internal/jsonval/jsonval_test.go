package jsonval

import (
	"testing"
)

func TestParseEmptyIsNull(t *testing.T) {
	v, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse(nil) error: %v", err)
	}
	if !v.IsNull() {
		t.Errorf("expected Null, got kind %v", v.Kind())
	}

	v, err = Parse([]byte{})
	if err != nil {
		t.Fatalf("Parse([]byte{}) error: %v", err)
	}
	if !v.IsNull() {
		t.Errorf("expected Null, got kind %v", v.Kind())
	}
}

func TestEncodeParseRoundTrip(t *testing.T) {
	orig := Object(map[string]Value{
		"name":    String("acme"),
		"count":   Number(3),
		"active":  Bool(true),
		"tags":    Array([]Value{String("a"), String("b")}),
		"missing": Null(),
	})

	data, err := Encode(orig)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	got, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if got.Get("name").String() != "acme" {
		t.Errorf("name = %q, want acme", got.Get("name").String())
	}
	if got.Get("count").Number() != 3 {
		t.Errorf("count = %v, want 3", got.Get("count").Number())
	}
	if !got.Get("active").Bool() {
		t.Error("active = false, want true")
	}
	if len(got.Get("tags").Array()) != 2 {
		t.Errorf("tags length = %d, want 2", len(got.Get("tags").Array()))
	}
	if !got.Get("missing").IsNull() {
		t.Error("missing should decode as Null")
	}
	if !got.Get("absent").IsNull() {
		t.Error("Get on an absent key should return Null")
	}
}

func TestStringMapRoundTrip(t *testing.T) {
	in := map[string]string{
		"Authorization": "Bearer xyz",
		"X-Api-Key":     "abc123",
	}
	v := StringMap(in)
	out := v.ToStringMap()

	if len(out) != len(in) {
		t.Fatalf("ToStringMap length = %d, want %d", len(out), len(in))
	}
	for k, want := range in {
		if out[k] != want {
			t.Errorf("ToStringMap[%q] = %q, want %q", k, out[k], want)
		}
	}
}

func TestToStringMapSkipsNonStringFields(t *testing.T) {
	v := Object(map[string]Value{
		"valid":   String("ok"),
		"invalid": Number(1),
	})
	out := v.ToStringMap()
	if _, ok := out["invalid"]; ok {
		t.Error("ToStringMap should skip non-string fields")
	}
	if out["valid"] != "ok" {
		t.Errorf("valid = %q, want ok", out["valid"])
	}
}

func TestToStringMapOnNonObjectReturnsEmpty(t *testing.T) {
	out := String("not an object").ToStringMap()
	if len(out) != 0 {
		t.Errorf("expected empty map for non-object Value, got %v", out)
	}
}
