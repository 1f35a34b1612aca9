// Package adapters holds the reference source/target adapters and the
// catalog that resolves a pair's opaque system identifiers to them. Config
// blobs are validated against a JSON Schema when the named system registers
// one; systems without a schema pass their configs through untouched, so any
// adapter satisfying the port contracts can be wired in.
package adapters

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/openparcel/parcelsync/modules/syncrun/domain/ports"
	"github.com/openparcel/parcelsync/pkg/syncerr"
)

type sourceEntry struct {
	adapter ports.SourceAdapter
	schema  *jsonschema.Schema
}

type targetEntry struct {
	adapter ports.TargetAdapter
	schema  *jsonschema.Schema
}

// Registry is built once at wiring time and read-only afterwards.
type Registry struct {
	sources map[string]sourceEntry
	targets map[string]targetEntry
}

func NewRegistry() *Registry {
	return &Registry{
		sources: map[string]sourceEntry{},
		targets: map[string]targetEntry{},
	}
}

// DefaultRegistry registers the reference HTTP JSON adapters under the
// "http_json" system identifier on both sides.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	// Schemas are compile-time constants; registration cannot fail.
	_ = r.RegisterSource("http_json", NewHTTPSource(nil), []byte(httpSourceConfigSchema))
	_ = r.RegisterTarget("http_json", NewHTTPTarget(nil), []byte(httpTargetConfigSchema))
	return r
}

func (r *Registry) RegisterSource(system string, adapter ports.SourceAdapter, schemaJSON []byte) error {
	system = strings.TrimSpace(system)
	if system == "" {
		return fmt.Errorf("adapters: source system name is required")
	}
	schema, err := compileSchema(system, schemaJSON)
	if err != nil {
		return err
	}
	r.sources[system] = sourceEntry{adapter: adapter, schema: schema}
	return nil
}

func (r *Registry) RegisterTarget(system string, adapter ports.TargetAdapter, schemaJSON []byte) error {
	system = strings.TrimSpace(system)
	if system == "" {
		return fmt.Errorf("adapters: target system name is required")
	}
	schema, err := compileSchema(system, schemaJSON)
	if err != nil {
		return err
	}
	r.targets[system] = targetEntry{adapter: adapter, schema: schema}
	return nil
}

func (r *Registry) Source(system string) (ports.SourceAdapter, bool) {
	entry, ok := r.sources[system]
	return entry.adapter, ok
}

func (r *Registry) Target(system string) (ports.TargetAdapter, bool) {
	entry, ok := r.targets[system]
	return entry.adapter, ok
}

// ValidateSourceConfig checks config against the system's registered schema.
// Unregistered systems and systems without a schema pass through.
func (r *Registry) ValidateSourceConfig(system string, config map[string]any) error {
	entry, ok := r.sources[system]
	if !ok || entry.schema == nil {
		return nil
	}
	if err := validateAgainst(entry.schema, config); err != nil {
		return syncerr.NewInvalidInput(fmt.Sprintf("source_config: %v", err))
	}
	return nil
}

func (r *Registry) ValidateTargetConfig(system string, config map[string]any) error {
	entry, ok := r.targets[system]
	if !ok || entry.schema == nil {
		return nil
	}
	if err := validateAgainst(entry.schema, config); err != nil {
		return syncerr.NewInvalidInput(fmt.Sprintf("target_config: %v", err))
	}
	return nil
}

func compileSchema(system string, schemaJSON []byte) (*jsonschema.Schema, error) {
	if len(schemaJSON) == 0 {
		return nil, nil
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("adapters: %s schema: %w", system, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(system+".schema.json", doc); err != nil {
		return nil, fmt.Errorf("adapters: %s schema: %w", system, err)
	}
	schema, err := c.Compile(system + ".schema.json")
	if err != nil {
		return nil, fmt.Errorf("adapters: %s schema: %w", system, err)
	}
	return schema, nil
}

// validateAgainst round-trips the config through JSON so the validator sees
// canonical instance types regardless of how the map was built.
func validateAgainst(schema *jsonschema.Schema, config map[string]any) error {
	if config == nil {
		config = map[string]any{}
	}
	b, err := json.Marshal(config)
	if err != nil {
		return err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(b))
	if err != nil {
		return err
	}
	return schema.Validate(doc)
}
