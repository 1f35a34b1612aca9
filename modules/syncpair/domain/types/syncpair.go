package types

import "time"

// DataType is the expected target type tag for a mapped field. Coercion to
// the tag runs after transformation.
type DataType string

const (
	DataTypeString  DataType = "string"
	DataTypeInteger DataType = "integer"
	DataTypeFloat   DataType = "float"
	DataTypeBoolean DataType = "boolean"
	DataTypeDate    DataType = "date"
)

func (d DataType) Valid() bool {
	switch d {
	case DataTypeString, DataTypeInteger, DataTypeFloat, DataTypeBoolean, DataTypeDate:
		return true
	default:
		return false
	}
}

type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

func (s Severity) Valid() bool {
	return s == SeverityWarning || s == SeverityError
}

// ValidationRule checks the coerced value of one field. A warning never
// blocks the write; an error blocks only the offending field unless the
// field is required.
type ValidationRule struct {
	RuleType     string         `json:"rule_type"`
	Params       map[string]any `json:"params,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Severity     Severity       `json:"severity"`
}

// FieldMapping transfers one source field to one target field.
type FieldMapping struct {
	SourceField          string           `json:"source_field"`
	TargetField          string           `json:"target_field"`
	DataType             DataType         `json:"data_type"`
	IsRequired           bool             `json:"is_required"`
	DefaultValue         any              `json:"default_value,omitempty"`
	Transformation       string           `json:"transformation,omitempty"`
	TransformationParams map[string]any   `json:"transformation_params,omitempty"`
	ValidationRules      []ValidationRule `json:"validation_rules,omitempty"`
}

// TransformDef is an extra pair-scoped named transform: an alias for a
// registry transform with bound parameters.
type TransformDef struct {
	Base   string         `json:"base"`
	Params map[string]any `json:"params,omitempty"`
}

// PairFilters narrows the source record set. Record is a CEL expression over
// the source record (`record` variable); empty means match everything.
// RemoveUnmatched turns target records whose source counterpart no longer
// matches into delete candidates.
type PairFilters struct {
	Record          string `json:"record,omitempty"`
	RemoveUnmatched bool   `json:"remove_unmatched,omitempty"`
}

// SyncPair binds one source system to one target system under a declarative
// mapping configuration. The registry owns the canonical copy; a running
// operation works from an immutable snapshot taken at start.
type SyncPair struct {
	PairUUID        string                  `json:"pair_uuid"`
	CountyID        string                  `json:"county_id"`
	Name            string                  `json:"name"`
	SourceSystem    string                  `json:"source_system"`
	TargetSystem    string                  `json:"target_system"`
	SourceConfig    map[string]any          `json:"source_config,omitempty"`
	TargetConfig    map[string]any          `json:"target_config,omitempty"`
	EntityType      string                  `json:"entity_type"`
	KeyField        string                  `json:"key_field"`
	FieldMappings   []FieldMapping          `json:"field_mappings"`
	Transformations map[string]TransformDef `json:"transformations,omitempty"`
	Filters         PairFilters             `json:"filters,omitempty"`
	Schedule        string                  `json:"schedule,omitempty"`
	IsActive        bool                    `json:"is_active"`
	CreatedAt       time.Time               `json:"created_at"`
	UpdatedAt       time.Time               `json:"updated_at"`
}

// PairListFilter narrows ListPairs. Nil / empty fields match everything.
type PairListFilter struct {
	IsActive     *bool
	SourceSystem string
	TargetSystem string
	EntityType   string
}

// Clone returns a deep copy. Operations snapshot pairs with it so later
// registry edits never leak into a running operation.
func (p SyncPair) Clone() SyncPair {
	out := p
	out.SourceConfig = cloneMap(p.SourceConfig)
	out.TargetConfig = cloneMap(p.TargetConfig)
	if p.FieldMappings != nil {
		out.FieldMappings = make([]FieldMapping, len(p.FieldMappings))
		for i, m := range p.FieldMappings {
			cm := m
			cm.DefaultValue = cloneValue(m.DefaultValue)
			cm.TransformationParams = cloneMap(m.TransformationParams)
			if m.ValidationRules != nil {
				cm.ValidationRules = make([]ValidationRule, len(m.ValidationRules))
				for j, r := range m.ValidationRules {
					cr := r
					cr.Params = cloneMap(r.Params)
					cm.ValidationRules[j] = cr
				}
			}
			out.FieldMappings[i] = cm
		}
	}
	if p.Transformations != nil {
		out.Transformations = make(map[string]TransformDef, len(p.Transformations))
		for k, d := range p.Transformations {
			cd := d
			cd.Params = cloneMap(d.Params)
			out.Transformations[k] = cd
		}
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
