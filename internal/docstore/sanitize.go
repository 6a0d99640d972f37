package docstore

import (
	"encoding/json"
	"fmt"
)

// Sanitize recursively strips nil-valued fields from a document before it is
// hashed or persisted:
//  1. Map keys with nil values are removed.
//  2. Nil items are filtered out of slices.
//  3. Everything else passes through unchanged.
//
// Chunk hashes are computed over sanitized payloads, so a row that round-trips
// through the store hashes identically before and after.
func Sanitize(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			if item == nil {
				continue
			}
			out[k] = Sanitize(item)
		}
		return out
	case []any:
		out := make([]any, 0, len(val))
		for _, item := range val {
			if item == nil {
				continue
			}
			out = append(out, Sanitize(item))
		}
		return out
	default:
		return v
	}
}

// SanitizeValue converts an arbitrary struct to its sanitized generic form by
// round-tripping through JSON. Used when hashing typed row slices.
func SanitizeValue(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("sanitize marshal failed: %w", err)
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("sanitize unmarshal failed: %w", err)
	}
	return Sanitize(generic), nil
}
