package routing

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Allowlist is the declared route surface of every binary, one entrypoint
// per process. Routes not declared here do not get registered; the gates
// tests enforce the declaration rules.
type Allowlist struct {
	Version     int                   `yaml:"version"`
	Entrypoints map[string]Entrypoint `yaml:"entrypoints"`
}

type Entrypoint struct {
	Routes []Route `yaml:"routes"`
}

type Route struct {
	Path       string   `yaml:"path"`
	Methods    []string `yaml:"methods"`
	RouteClass string   `yaml:"route_class"`
}

func ParseAllowlistYAML(b []byte) (Allowlist, error) {
	var a Allowlist
	if err := yaml.Unmarshal(b, &a); err != nil {
		return Allowlist{}, err
	}
	if a.Version != 1 {
		return Allowlist{}, fmt.Errorf("allowlist: unsupported version %d", a.Version)
	}
	if a.Entrypoints == nil {
		return Allowlist{}, fmt.Errorf("allowlist: missing entrypoints")
	}
	for name, ep := range a.Entrypoints {
		for i, r := range ep.Routes {
			if err := validateRoute(r); err != nil {
				return Allowlist{}, fmt.Errorf("allowlist: entrypoint %s route %d: %w", name, i, err)
			}
			for j, m := range r.Methods {
				ep.Routes[i].Methods[j] = strings.ToUpper(strings.TrimSpace(m))
			}
		}
	}
	return a, nil
}

func validateRoute(r Route) error {
	if !strings.HasPrefix(r.Path, "/") {
		return fmt.Errorf("path %q must start with /", r.Path)
	}
	if len(r.Methods) == 0 {
		return fmt.Errorf("path %q has no methods", r.Path)
	}
	if strings.TrimSpace(r.RouteClass) == "" {
		return fmt.Errorf("path %q has no route_class", r.Path)
	}
	return nil
}

func LoadAllowlist(path string) (Allowlist, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Allowlist{}, err
	}
	return ParseAllowlistYAML(b)
}
