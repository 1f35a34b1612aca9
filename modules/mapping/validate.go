package mapping

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	pairtypes "github.com/openparcel/parcelsync/modules/syncpair/domain/types"
)

// runRule applies one validation rule to a coerced value. Any failure in
// the rule machinery itself is also reported as a violation so a broken
// rule never silently passes a value.
func runRule(rule pairtypes.ValidationRule, value any) error {
	switch strings.TrimSpace(rule.RuleType) {
	case "not_null":
		if value == nil {
			return violation(rule, "value is null")
		}
		return nil
	case "range":
		return runRangeRule(rule, value)
	case "regex":
		return runRegexRule(rule, value)
	case "length":
		return runLengthRule(rule, value)
	case "in_set":
		return runInSetRule(rule, value)
	default:
		return violation(rule, fmt.Sprintf("unknown validation rule %q", rule.RuleType))
	}
}

func runRangeRule(rule pairtypes.ValidationRule, value any) error {
	if value == nil {
		return nil
	}
	f, err := floatArg(value)
	if err != nil {
		return violation(rule, "range requires a numeric value")
	}
	if min, ok := paramFloat(rule.Params, "min"); ok && f < min {
		return violation(rule, fmt.Sprintf("value %v below minimum %v", f, min))
	}
	if max, ok := paramFloat(rule.Params, "max"); ok && f > max {
		return violation(rule, fmt.Sprintf("value %v above maximum %v", f, max))
	}
	return nil
}

func runRegexRule(rule pairtypes.ValidationRule, value any) error {
	if value == nil {
		return nil
	}
	pattern, ok := paramString(rule.Params, "pattern")
	if !ok || pattern == "" {
		return violation(rule, "regex rule has no pattern")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return violation(rule, "regex rule pattern does not compile")
	}
	s, err := stringArg(value)
	if err != nil {
		return violation(rule, "regex requires a scalar value")
	}
	if !re.MatchString(s) {
		return violation(rule, fmt.Sprintf("value %q does not match %s", s, pattern))
	}
	return nil
}

func runLengthRule(rule pairtypes.ValidationRule, value any) error {
	if value == nil {
		return nil
	}
	s, ok := value.(string)
	if !ok {
		return violation(rule, "length requires a string value")
	}
	n := len([]rune(s))
	if min, ok := paramInt(rule.Params, "min"); ok && n < min {
		return violation(rule, fmt.Sprintf("length %d below minimum %d", n, min))
	}
	if max, ok := paramInt(rule.Params, "max"); ok && n > max {
		return violation(rule, fmt.Sprintf("length %d above maximum %d", n, max))
	}
	return nil
}

func runInSetRule(rule pairtypes.ValidationRule, value any) error {
	if value == nil {
		return nil
	}
	raw, ok := rule.Params["values"].([]any)
	if !ok || len(raw) == 0 {
		return violation(rule, "in_set rule has no values")
	}
	for _, allowed := range raw {
		if looseEqual(value, allowed) {
			return nil
		}
	}
	return violation(rule, fmt.Sprintf("value %v not in allowed set", value))
}

func violation(rule pairtypes.ValidationRule, fallback string) error {
	if msg := strings.TrimSpace(rule.ErrorMessage); msg != "" {
		return errors.New(msg)
	}
	return errors.New(fallback)
}

// looseEqual compares scalars with numeric normalization so 30 matches 30.0
// regardless of which JSON decoder produced which side.
func looseEqual(a any, b any) bool {
	if a == nil || b == nil {
		return a == b
	}
	_, aIsString := a.(string)
	_, bIsString := b.(string)
	if aIsString != bIsString {
		return false
	}
	af, aerr := floatArg(a)
	bf, berr := floatArg(b)
	if aerr == nil && berr == nil && !aIsString {
		return af == bf
	}
	return a == b
}

// ValidateRuleDef checks a rule definition at pair admission so a broken rule
// is rejected up front instead of failing every record at run time.
func ValidateRuleDef(rule pairtypes.ValidationRule) error {
	if !rule.Severity.Valid() {
		return fmt.Errorf("invalid severity %q", string(rule.Severity))
	}
	switch strings.TrimSpace(rule.RuleType) {
	case "not_null":
		return nil
	case "range":
		_, hasMin := paramFloat(rule.Params, "min")
		_, hasMax := paramFloat(rule.Params, "max")
		if !hasMin && !hasMax {
			return errors.New("range rule needs \"min\" or \"max\"")
		}
		return nil
	case "regex":
		pattern, ok := paramString(rule.Params, "pattern")
		if !ok || pattern == "" {
			return errors.New("regex rule needs \"pattern\"")
		}
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("regex rule pattern: %v", err)
		}
		return nil
	case "length":
		_, hasMin := paramInt(rule.Params, "min")
		_, hasMax := paramInt(rule.Params, "max")
		if !hasMin && !hasMax {
			return errors.New("length rule needs \"min\" or \"max\"")
		}
		return nil
	case "in_set":
		if raw, ok := rule.Params["values"].([]any); !ok || len(raw) == 0 {
			return errors.New("in_set rule needs non-empty \"values\"")
		}
		return nil
	default:
		return fmt.Errorf("unknown validation rule %q", rule.RuleType)
	}
}

func paramFloat(params map[string]any, key string) (float64, bool) {
	v, ok := params[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
