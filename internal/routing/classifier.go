package routing

import (
	"fmt"
	"strings"
)

// RouteClass labels what kind of surface a path belongs to. The engine is
// headless, so there is no UI or asset class; anything the heuristics
// cannot place is RouteClassUnknown and gets the strictest error handling.
type RouteClass string

const (
	RouteClassInternalAPI RouteClass = "internal_api"
	RouteClassPublicAPI   RouteClass = "public_api"
	RouteClassWebhook     RouteClass = "webhook"
	RouteClassOps         RouteClass = "ops"
	RouteClassDevOnly     RouteClass = "dev_only"
	RouteClassTestOnly    RouteClass = "test_only"
	RouteClassUnknown     RouteClass = "unknown"
)

// Classifier maps request paths to route classes: declared routes first
// (exact, then patterns), path-shape heuristics for everything else.
type Classifier struct {
	entrypoint        string
	allowExact        map[string]RouteClass
	allowPathPatterns []pathPatternRoute
}

type pathPatternRoute struct {
	pattern PathPattern
	rc      RouteClass
}

// knownRouteClasses is what an allowlist may declare for a route. unknown is
// heuristic-only.
var knownRouteClasses = map[RouteClass]bool{
	RouteClassInternalAPI: true,
	RouteClassPublicAPI:   true,
	RouteClassWebhook:     true,
	RouteClassOps:         true,
	RouteClassDevOnly:     true,
	RouteClassTestOnly:    true,
}

func NewClassifier(a Allowlist, entrypoint string) (*Classifier, error) {
	ep, ok := a.Entrypoints[entrypoint]
	if !ok {
		return nil, fmt.Errorf("allowlist: entrypoint %q not declared", entrypoint)
	}
	if len(ep.Routes) == 0 {
		return nil, fmt.Errorf("allowlist: entrypoint %q has no routes", entrypoint)
	}

	exact := make(map[string]RouteClass, len(ep.Routes))
	var patterns []pathPatternRoute
	for _, r := range ep.Routes {
		if r.Path == "" {
			return nil, fmt.Errorf("allowlist: entrypoint %q has a route without a path", entrypoint)
		}
		rc := RouteClass(r.RouteClass)
		if !knownRouteClasses[rc] {
			return nil, fmt.Errorf("allowlist: route %s: unknown route class %q", r.Path, r.RouteClass)
		}
		if p, ok := parsePathPattern(r.Path); ok {
			patterns = append(patterns, pathPatternRoute{pattern: p, rc: rc})
			continue
		}
		exact[r.Path] = rc
	}
	return &Classifier{entrypoint: entrypoint, allowExact: exact, allowPathPatterns: patterns}, nil
}

func (c *Classifier) Classify(path string) RouteClass {
	if rc, ok := c.allowExact[path]; ok {
		return rc
	}
	for _, p := range c.allowPathPatterns {
		if p.pattern.Match(path) {
			return p.rc
		}
	}

	switch {
	case path == "/health" || path == "/healthz":
		return RouteClassOps
	case hasPrefixSegment(path, "/api/v1"):
		return RouteClassPublicAPI
	case isModuleInternalAPI(path):
		return RouteClassInternalAPI
	case hasPrefixSegment(path, "/webhooks"):
		return RouteClassWebhook
	case hasPrefixSegment(path, "/_dev"):
		return RouteClassDevOnly
	case hasPrefixSegment(path, "/__test__"):
		return RouteClassTestOnly
	default:
		return RouteClassUnknown
	}
}

func hasPrefixSegment(path, prefix string) bool {
	if path == prefix {
		return true
	}
	return strings.HasPrefix(path, prefix+"/")
}

func isModuleInternalAPI(path string) bool {
	// /{module}/api/*
	// segment-boundary: module must be a single segment.
	if !strings.HasPrefix(path, "/") {
		return false
	}
	rest := strings.TrimPrefix(path, "/")
	module, after, ok := strings.Cut(rest, "/")
	if !ok || module == "" {
		return false
	}
	return hasPrefixSegment("/"+after, "/api")
}
