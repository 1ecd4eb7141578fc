package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// Fingerprint computes the content-addressed hash of a task's source and
// schemas: SHA-256 over the canonicalized concatenation of source_code,
// input_schema (sorted keys), output_schema (sorted keys). Deterministic
// across platforms (spec.md §4.1).
func Fingerprint(sourceCode string, inputSchema, outputSchema map[string]any) (string, error) {
	canonInput, err := canonicalize(inputSchema)
	if err != nil {
		return "", err
	}
	canonOutput, err := canonicalize(outputSchema)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	h.Write([]byte(sourceCode))
	h.Write(canonInput)
	h.Write(canonOutput)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// canonicalize renders a JSON-Schema-shaped map with keys sorted at every
// level, so equivalent schemas with differently-ordered fields fingerprint
// identically.
func canonicalize(v map[string]any) ([]byte, error) {
	return marshalSorted(v)
}

func marshalSorted(v any) ([]byte, error) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf := []byte{'{'}
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
			vb, err := marshalSorted(t[k])
			if err != nil {
				return nil, err
			}
			buf = append(buf, vb...)
		}
		buf = append(buf, '}')
		return buf, nil
	case []any:
		buf := []byte{'['}
		for i, item := range t {
			if i > 0 {
				buf = append(buf, ',')
			}
			ib, err := marshalSorted(item)
			if err != nil {
				return nil, err
			}
			buf = append(buf, ib...)
		}
		buf = append(buf, ']')
		return buf, nil
	default:
		return json.Marshal(t)
	}
}
