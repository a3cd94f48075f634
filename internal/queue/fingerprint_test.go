package queue

import "testing"

func TestFingerprint_KeyOrderIndependent(t *testing.T) {
	a, err := Fingerprint([]byte(`{"prompt":"hi","model":"gemini-2.0-flash"}`))
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	b, err := Fingerprint([]byte(`{"model":"gemini-2.0-flash","prompt":"hi"}`))
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if a != b {
		t.Errorf("expected key-order-independent inputs to fingerprint identically, got %q and %q", a, b)
	}
}

func TestFingerprint_WhitespaceInsensitive(t *testing.T) {
	a, err := Fingerprint([]byte(`{"a":1,"b":2}`))
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	b, err := Fingerprint([]byte(`{ "a" : 1,   "b":   2 }`))
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if a != b {
		t.Errorf("expected insignificant whitespace to not affect fingerprint, got %q and %q", a, b)
	}
}

func TestFingerprint_DifferentValuesDiffer(t *testing.T) {
	a, _ := Fingerprint([]byte(`{"prompt":"hi"}`))
	b, _ := Fingerprint([]byte(`{"prompt":"bye"}`))
	if a == b {
		t.Error("expected distinct inputs to fingerprint differently")
	}
}

func TestFingerprint_NestedObjectsAndArrays(t *testing.T) {
	a, err := Fingerprint([]byte(`{"items":[{"b":2,"a":1},{"d":4,"c":3}]}`))
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	b, err := Fingerprint([]byte(`{"items":[{"a":1,"b":2},{"c":3,"d":4}]}`))
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if a != b {
		t.Errorf("expected nested key-order-independent inputs to match, got %q and %q", a, b)
	}
}

func TestFingerprint_InvalidJSON(t *testing.T) {
	if _, err := Fingerprint([]byte(`not json`)); err == nil {
		t.Error("expected an error for invalid JSON input")
	}
}

func TestFingerprint_IsHex64(t *testing.T) {
	fp, err := Fingerprint([]byte(`{"x":1}`))
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if len(fp) != 64 {
		t.Errorf("expected a 64-char hex sha256 digest, got %d chars: %q", len(fp), fp)
	}
	for _, c := range fp {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			t.Fatalf("fingerprint contains non-hex character: %q", fp)
		}
	}
}
