package mapping

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	pairtypes "github.com/openparcel/parcelsync/modules/syncpair/domain/types"
)

// TransformFunc is a named, parameterized pure function applied to a field's
// value during mapping. Implementations must not retain or mutate params.
type TransformFunc func(value any, params map[string]any) (any, error)

// Registry resolves transform names. The executor injects one into the
// evaluator; pairs may overlay extra named transforms on top of it.
type Registry interface {
	Lookup(name string) (TransformFunc, bool)
}

// BuiltinRegistry holds the engine's default transform library plus any
// caller registrations.
type BuiltinRegistry struct {
	funcs map[string]TransformFunc
}

func NewRegistry() *BuiltinRegistry {
	r := &BuiltinRegistry{funcs: make(map[string]TransformFunc)}
	r.funcs["trim"] = transformTrim
	r.funcs["upper"] = transformUpper
	r.funcs["lower"] = transformLower
	r.funcs["title_case"] = transformTitleCase
	r.funcs["prefix"] = transformPrefix
	r.funcs["suffix"] = transformSuffix
	r.funcs["replace"] = transformReplace
	r.funcs["substring"] = transformSubstring
	r.funcs["pad_left"] = transformPadLeft
	r.funcs["map_value"] = transformMapValue
	r.funcs["parse_date"] = transformParseDate
	r.funcs["format_number"] = transformFormatNumber
	return r
}

func (r *BuiltinRegistry) Lookup(name string) (TransformFunc, bool) {
	fn, ok := r.funcs[strings.TrimSpace(name)]
	return fn, ok
}

// Register adds a caller-provided transform. Names are trimmed; empty or
// duplicate names are rejected.
func (r *BuiltinRegistry) Register(name string, fn TransformFunc) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("transform name is empty")
	}
	if fn == nil {
		return errors.New("transform func is nil")
	}
	if _, ok := r.funcs[name]; ok {
		return fmt.Errorf("transform %q already registered", name)
	}
	r.funcs[name] = fn
	return nil
}

// WithPairTransforms overlays a pair's extra named transforms on a base
// registry. Each pair transform aliases a base transform with bound params;
// mapping-level params override the bound ones.
func WithPairTransforms(base Registry, defs map[string]pairtypes.TransformDef) Registry {
	if len(defs) == 0 {
		return base
	}
	return pairRegistry{base: base, defs: defs}
}

type pairRegistry struct {
	base Registry
	defs map[string]pairtypes.TransformDef
}

func (r pairRegistry) Lookup(name string) (TransformFunc, bool) {
	def, ok := r.defs[strings.TrimSpace(name)]
	if !ok {
		return r.base.Lookup(name)
	}
	baseFn, ok := r.base.Lookup(def.Base)
	if !ok {
		return nil, false
	}
	bound := def.Params
	return func(value any, params map[string]any) (any, error) {
		merged := make(map[string]any, len(bound)+len(params))
		for k, v := range bound {
			merged[k] = v
		}
		for k, v := range params {
			merged[k] = v
		}
		return baseFn(value, merged)
	}, true
}

func transformTrim(value any, _ map[string]any) (any, error) {
	s, err := stringArg(value)
	if err != nil {
		return nil, err
	}
	return strings.TrimSpace(s), nil
}

func transformUpper(value any, _ map[string]any) (any, error) {
	s, err := stringArg(value)
	if err != nil {
		return nil, err
	}
	return strings.ToUpper(s), nil
}

func transformLower(value any, _ map[string]any) (any, error) {
	s, err := stringArg(value)
	if err != nil {
		return nil, err
	}
	return strings.ToLower(s), nil
}

func transformTitleCase(value any, _ map[string]any) (any, error) {
	s, err := stringArg(value)
	if err != nil {
		return nil, err
	}
	prevLetter := false
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) && !prevLetter {
			b.WriteRune(unicode.ToUpper(r))
		} else {
			b.WriteRune(unicode.ToLower(r))
		}
		prevLetter = unicode.IsLetter(r)
	}
	return b.String(), nil
}

func transformPrefix(value any, params map[string]any) (any, error) {
	s, err := stringArg(value)
	if err != nil {
		return nil, err
	}
	p, ok := paramString(params, "value")
	if !ok {
		return nil, errors.New("prefix requires param \"value\"")
	}
	return p + s, nil
}

func transformSuffix(value any, params map[string]any) (any, error) {
	s, err := stringArg(value)
	if err != nil {
		return nil, err
	}
	p, ok := paramString(params, "value")
	if !ok {
		return nil, errors.New("suffix requires param \"value\"")
	}
	return s + p, nil
}

func transformReplace(value any, params map[string]any) (any, error) {
	s, err := stringArg(value)
	if err != nil {
		return nil, err
	}
	old, ok := paramString(params, "old")
	if !ok || old == "" {
		return nil, errors.New("replace requires non-empty param \"old\"")
	}
	repl, _ := paramString(params, "new")
	return strings.ReplaceAll(s, old, repl), nil
}

func transformSubstring(value any, params map[string]any) (any, error) {
	s, err := stringArg(value)
	if err != nil {
		return nil, err
	}
	start, ok := paramInt(params, "start")
	if !ok || start < 0 {
		return nil, errors.New("substring requires param \"start\" >= 0")
	}
	runes := []rune(s)
	if start >= len(runes) {
		return "", nil
	}
	end := len(runes)
	if n, ok := paramInt(params, "length"); ok {
		if n < 0 {
			return nil, errors.New("substring param \"length\" must be >= 0")
		}
		if start+n < end {
			end = start + n
		}
	}
	return string(runes[start:end]), nil
}

func transformPadLeft(value any, params map[string]any) (any, error) {
	s, err := stringArg(value)
	if err != nil {
		return nil, err
	}
	width, ok := paramInt(params, "width")
	if !ok || width <= 0 {
		return nil, errors.New("pad_left requires param \"width\" > 0")
	}
	pad, _ := paramString(params, "pad")
	if pad == "" {
		pad = "0"
	}
	for len([]rune(s)) < width {
		s = pad + s
	}
	return s, nil
}

// transformMapValue looks the value up in the params "table" map; misses fall
// back to the "default" param when present, otherwise fail.
func transformMapValue(value any, params map[string]any) (any, error) {
	table, ok := params["table"].(map[string]any)
	if !ok || len(table) == 0 {
		return nil, errors.New("map_value requires param \"table\"")
	}
	key, err := stringArg(value)
	if err != nil {
		return nil, err
	}
	if mapped, ok := table[key]; ok {
		return mapped, nil
	}
	if def, ok := params["default"]; ok {
		return def, nil
	}
	return nil, fmt.Errorf("map_value: no mapping for %q", key)
}

func transformParseDate(value any, params map[string]any) (any, error) {
	s, err := stringArg(value)
	if err != nil {
		return nil, err
	}
	layout, ok := paramString(params, "layout")
	if !ok || layout == "" {
		return nil, errors.New("parse_date requires param \"layout\"")
	}
	t, err := time.Parse(layout, strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("parse_date: %v", err)
	}
	return t.Format("2006-01-02"), nil
}

func transformFormatNumber(value any, params map[string]any) (any, error) {
	f, err := floatArg(value)
	if err != nil {
		return nil, err
	}
	decimals, ok := paramInt(params, "decimals")
	if !ok || decimals < 0 {
		return nil, errors.New("format_number requires param \"decimals\" >= 0")
	}
	return strconv.FormatFloat(f, 'f', decimals, 64), nil
}

func stringArg(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case bool:
		return strconv.FormatBool(v), nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	default:
		return "", fmt.Errorf("expected a scalar value, got %T", value)
	}
}

func floatArg(value any) (float64, error) {
	switch v := value.(type) {
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case float64:
		return v, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("expected a number, got %q", v)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("expected a number, got %T", value)
	}
}

func paramString(params map[string]any, key string) (string, bool) {
	v, ok := params[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func paramInt(params map[string]any, key string) (int, bool) {
	v, ok := params[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}
