package routing

import "strings"

type patternSegment struct {
	literal string
	param   bool
}

// PathPattern is an allowlist path with {param} placeholders, matched
// segment by segment. A placeholder matches exactly one non-empty segment.
type PathPattern struct {
	raw      string
	segments []patternSegment
}

// parsePathPattern reports ok=false both for plain paths (no braces) and
// for malformed patterns; callers treat the former as exact routes.
func parsePathPattern(raw string) (PathPattern, bool) {
	if !strings.Contains(raw, "{") {
		return PathPattern{}, false
	}
	if raw == "" || raw[0] != '/' {
		return PathPattern{}, false
	}

	parts := splitPathSegments(raw)
	segs := make([]patternSegment, 0, len(parts))
	for _, s := range parts {
		if s == "" {
			return PathPattern{}, false
		}
		if !strings.ContainsAny(s, "{}") {
			segs = append(segs, patternSegment{literal: s})
			continue
		}
		if !isParamSegment(s) {
			return PathPattern{}, false
		}
		segs = append(segs, patternSegment{param: true})
	}
	return PathPattern{raw: raw, segments: segs}, true
}

func (p PathPattern) Match(path string) bool {
	if p.raw == "" {
		return false
	}
	in := splitPathSegments(path)
	if len(in) != len(p.segments) {
		return false
	}
	for i, seg := range p.segments {
		if in[i] == "" {
			return false
		}
		if seg.param {
			continue
		}
		if in[i] != seg.literal {
			return false
		}
	}
	return true
}

func splitPathSegments(path string) []string {
	path = strings.TrimSpace(path)
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

func isParamSegment(s string) bool {
	return strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}") && len(s) > 2
}
