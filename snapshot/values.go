// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package snapshot

// Typed accessors for the dynamic state bags. Caller data must round-trip
// opaquely, so the maps stay map[string]any at the boundary; known keys
// are read through these helpers with explicit defaults instead of blind
// type assertions. JSON decoding turns all numbers into float64, so the
// numeric accessors accept the common widths too.

// StringValue returns m[key] as a string, or def when the key is absent
// or holds a non-string.
func StringValue(m map[string]any, key, def string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return def
}

// IntValue returns m[key] as an int, or def when the key is absent or
// holds a non-numeric value.
func IntValue(m map[string]any, key string, def int) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

// BoolValue returns m[key] as a bool, or def when the key is absent or
// holds a non-bool.
func BoolValue(m map[string]any, key string, def bool) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return def
}

// ItemID extracts the stable identity key from an item state map.
// The second return is false for legacy entries that never had one.
func ItemID(state map[string]any) (string, bool) {
	id := StringValue(state, ItemIDKey, "")
	return id, id != ""
}
