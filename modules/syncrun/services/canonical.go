package services

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
)

// CanonicalValue renders a record value in the engine's canonical form:
// object keys sorted, numbers normalized so integral floats render as
// integers, scalars JSON-encoded. Two values are considered identical for
// diff purposes exactly when their canonical forms are byte-identical,
// which is what makes repeated runs on unchanged data deterministic.
func CanonicalValue(v any) string {
	var b strings.Builder
	writeCanonical(&b, v)
	return b.String()
}

func canonicalEqual(a any, b any) bool {
	return CanonicalValue(a) == CanonicalValue(b)
}

func writeCanonical(b *strings.Builder, v any) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			ks, _ := json.Marshal(k)
			b.Write(ks)
			b.WriteByte(':')
			writeCanonical(b, t[k])
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, t[i])
		}
		b.WriteByte(']')
	case json.Number:
		writeCanonicalNumber(b, t.String())
	case int:
		b.WriteString(strconv.Itoa(t))
	case int32:
		b.WriteString(strconv.FormatInt(int64(t), 10))
	case int64:
		b.WriteString(strconv.FormatInt(t, 10))
	case float64:
		writeCanonicalFloat(b, t)
	case string, bool, nil:
		bb, _ := json.Marshal(t)
		b.Write(bb)
	default:
		bb, err := json.Marshal(t)
		if err != nil {
			b.WriteString("null")
			return
		}
		b.Write(bb)
	}
}

func writeCanonicalNumber(b *strings.Builder, s string) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		b.WriteString(strconv.FormatInt(n, 10))
		return
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		writeCanonicalFloat(b, f)
		return
	}
	b.WriteString(s)
}

func writeCanonicalFloat(b *strings.Builder, f float64) {
	if f == math.Trunc(f) && !math.IsInf(f, 0) && math.Abs(f) < 1e15 {
		b.WriteString(strconv.FormatInt(int64(f), 10))
		return
	}
	b.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
}
