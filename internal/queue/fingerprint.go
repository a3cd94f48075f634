package queue

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// Fingerprint computes a deterministic hex digest of input's canonical form:
// object keys sorted, no insignificant whitespace, numbers round-tripped in
// their shortest form. Equivalent objects — regardless of key
// order — canonicalize identically and therefore fingerprint identically.
func Fingerprint(input []byte) (string, error) {
	var v any
	if err := json.Unmarshal(input, &v); err != nil {
		return "", err
	}
	canon, err := canonicalize(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalize re-marshals v with map keys sorted at every level.
// encoding/json already sorts map[string]any keys and emits the shortest
// round-tripping float representation, so canonicalization only needs to
// normalize through a generic interface{} and marshal again.
func canonicalize(v any) ([]byte, error) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf := []byte("{")
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf = append(buf, kb...)
			buf = append(buf, ':')
			vb, err := canonicalize(t[k])
			if err != nil {
				return nil, err
			}
			buf = append(buf, vb...)
		}
		return append(buf, '}'), nil
	case []any:
		buf := []byte("[")
		for i, e := range t {
			if i > 0 {
				buf = append(buf, ',')
			}
			eb, err := canonicalize(e)
			if err != nil {
				return nil, err
			}
			buf = append(buf, eb...)
		}
		return append(buf, ']'), nil
	default:
		return json.Marshal(t)
	}
}
