package mapping

import (
	"fmt"
	"strings"

	pairtypes "github.com/openparcel/parcelsync/modules/syncpair/domain/types"
)

// FieldResult is the outcome of evaluating one mapping against one record:
// a value, a value with warnings, or a field-scoped error.
type FieldResult struct {
	Value    any
	Warnings []string
	Error    string
}

func (r FieldResult) Failed() bool { return r.Error != "" }

// Evaluate applies one field mapping to a source record: extraction by
// dotted path, requiredness/default handling, named transformation, type
// coercion, then validation rules in listed order. It never touches the
// source record and never aborts on behalf of the whole record.
func Evaluate(m pairtypes.FieldMapping, source map[string]any, reg Registry) FieldResult {
	value, _ := ExtractPath(source, m.SourceField)

	if value == nil {
		if m.IsRequired {
			return FieldResult{Error: "missing required field"}
		}
		value = m.DefaultValue
	}

	if name := strings.TrimSpace(m.Transformation); name != "" && value != nil {
		fn, ok := reg.Lookup(name)
		if !ok {
			return FieldResult{Error: "unknown transformation"}
		}
		out, err := fn(value, m.TransformationParams)
		if err != nil {
			return FieldResult{Error: fmt.Sprintf("transform %s: %v", name, err)}
		}
		value = out
	}

	coerced, err := Coerce(value, m.DataType)
	if err != nil {
		return FieldResult{Error: fmt.Sprintf("coerce to %s: %v", string(m.DataType), err)}
	}
	value = coerced

	var warnings []string
	for _, rule := range m.ValidationRules {
		err := runRule(rule, value)
		if err == nil {
			continue
		}
		if rule.Severity == pairtypes.SeverityWarning {
			warnings = append(warnings, err.Error())
			continue
		}
		return FieldResult{Error: err.Error()}
	}
	return FieldResult{Value: value, Warnings: warnings}
}

// RecordResult aggregates all field results for one source record.
// Candidate holds only the fields that evaluated cleanly; FieldErrors holds
// per-target-field messages. A non-empty Err means a required field failed
// and nothing from this record may be written.
type RecordResult struct {
	Candidate   map[string]any
	FieldErrors map[string]string
	Warnings    []string
	Err         string
}

// Failed reports whether the record as a whole must not be written.
func (r RecordResult) Failed() bool { return r.Err != "" }

// Apply evaluates every mapping of the pair, in order, against one source
// record. Required-field errors fail the record; optional-field errors drop
// just that field. All mappings are evaluated even after a failure so the
// diff can report every problem at once.
func Apply(pair pairtypes.SyncPair, source map[string]any, reg Registry) RecordResult {
	out := RecordResult{Candidate: make(map[string]any, len(pair.FieldMappings))}
	var requiredErrs []string

	for _, m := range pair.FieldMappings {
		res := Evaluate(m, source, reg)
		if res.Failed() {
			if out.FieldErrors == nil {
				out.FieldErrors = make(map[string]string)
			}
			out.FieldErrors[m.TargetField] = res.Error
			if m.IsRequired {
				requiredErrs = append(requiredErrs, fmt.Sprintf("required field %s: %s", m.TargetField, res.Error))
			}
			continue
		}
		SetPath(out.Candidate, m.TargetField, res.Value)
		for _, w := range res.Warnings {
			out.Warnings = append(out.Warnings, fmt.Sprintf("%s: %s", m.TargetField, w))
		}
	}

	if len(requiredErrs) > 0 {
		out.Candidate = nil
		out.Err = strings.Join(requiredErrs, "; ")
	}
	return out
}
