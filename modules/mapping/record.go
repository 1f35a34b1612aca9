// Package mapping is the pure field-mapping layer: dotted-path extraction,
// named transforms, type coercion, validation rules, and per-record
// aggregation. Nothing here touches I/O; the executor drives it.
package mapping

import (
	"errors"
	"strings"
)

// ExtractPath reads a dotted path from a record. The second return reports
// whether the path resolved to a value at all; a present-but-null field
// returns (nil, true).
func ExtractPath(record map[string]any, path string) (any, bool) {
	segs := strings.Split(path, ".")
	cur := any(record)
	for i, seg := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[seg]
		if !ok {
			return nil, false
		}
		if i == len(segs)-1 {
			return v, true
		}
		cur = v
	}
	return nil, false
}

// SetPath writes a value at a dotted path, creating intermediate maps. An
// intermediate segment holding a non-map value is overwritten.
func SetPath(record map[string]any, path string, value any) {
	segs := strings.Split(path, ".")
	cur := record
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[seg] = next
		}
		cur = next
	}
	cur[segs[len(segs)-1]] = value
}

// ValidatePath rejects empty paths and paths with empty segments ("a..b",
// leading/trailing dots). Used at pair admission.
func ValidatePath(path string) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("path is empty")
	}
	for _, seg := range strings.Split(path, ".") {
		if strings.TrimSpace(seg) == "" {
			return errors.New("path has an empty segment")
		}
	}
	return nil
}
