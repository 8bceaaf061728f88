// Package canon implements the engine's single canonical encoder,
// used both for cache keys and for checkpoint/resume serialization
// (§6, §9 "Canonical serialization: ... Define one canonical
// encoder"). Adapted from the teacher's GenericEnvelope.ToStateDict/
// FromStateDict round-trip: a defensive map[string]any walk that
// normalizes both native Go values and values that have already been
// through a JSON unmarshal (float64 for numbers, []any for slices).
package canon

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Encode produces a deterministic byte form of v: maps are
// key-sorted, and encoding/json's own primitive formatting is used so
// the representation is stable across invocations as long as the
// input is free of types json cannot marshal deterministically (NaN,
// function values, channels).
//
// Per §6, unserializable input causes the caller (cache) to bypass
// rather than fail; Encode reports that case via a non-nil error so
// callers can make that decision themselves.
func Encode(v any) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, fmt.Errorf("canon: %w", err)
	}
	return json.Marshal(normalized)
}

// Decode is the inverse of Encode into a generic map[string]any. Typed
// accessors layer on top of this in engine.RestoreFromSnapshot.
func Decode(data []byte) (map[string]any, error) {
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("canon: decode: %w", err)
	}
	return out, nil
}

// normalize walks v recursively, sorting map keys (via encoding/json's
// built-in sorted-key map marshaling, which Encode relies on for
// top-level maps) and rejecting values json cannot handle
// deterministically.
func normalize(v any) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(val))
		for _, k := range keys {
			n, err := normalize(val[k])
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			n, err := normalize(item)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case func(), chan any:
		return nil, fmt.Errorf("value of type %T is not canonicalizable", val)
	default:
		return val, nil
	}
}

// Hashable reports whether v can be passed to Encode without error.
// Middleware/cache code uses this to decide whether to bypass caching
// for a stage marked NoCache, or whose actual output turns out not to
// be serializable despite not being marked.
func Hashable(v any) bool {
	_, err := Encode(v)
	return err == nil
}
