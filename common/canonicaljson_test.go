package common

import "testing"

func TestCanonicalJSONSortsKeys(t *testing.T) {
	in := map[string]interface{}{
		"b": 1,
		"a": map[string]interface{}{"z": 1, "y": 2},
	}
	out, err := CanonicalJSON(in)
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}
	want := `{"a":{"y":2,"z":1},"b":1}`
	if string(out) != want {
		t.Fatalf("got %s, want %s", out, want)
	}
}

func TestCanonicalJSONIntegerNoExponent(t *testing.T) {
	out, err := CanonicalJSON(map[string]interface{}{"n": 1000000})
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}
	want := `{"n":1000000}`
	if string(out) != want {
		t.Fatalf("got %s, want %s", out, want)
	}
}

func TestCanonicalJSONIsDeterministic(t *testing.T) {
	type payload struct {
		Z int    `json:"z"`
		A string `json:"a"`
	}
	p := payload{Z: 5, A: "hi"}
	out1, err1 := CanonicalJSON(p)
	out2, err2 := CanonicalJSON(p)
	if err1 != nil || err2 != nil {
		t.Fatalf("errors: %v %v", err1, err2)
	}
	if string(out1) != string(out2) {
		t.Fatalf("non-deterministic: %s vs %s", out1, out2)
	}
	if string(out1) != `{"a":"hi","z":5}` {
		t.Fatalf("unexpected canonical form: %s", out1)
	}
}
