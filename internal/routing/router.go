package routing

import (
	"net/http"
	"runtime/debug"
	"sort"
	"strings"
)

// Router dispatches on exact path and method. Misses are answered with the
// error envelope under the class the classifier assigns to the path, so an
// unregistered API path still errors as JSON.
type Router struct {
	classifier *Classifier
	routes     map[string]map[string]routeEntry
}

type routeEntry struct {
	rc      RouteClass
	handler http.Handler
}

func NewRouter(classifier *Classifier) *Router {
	return &Router{
		classifier: classifier,
		routes:     make(map[string]map[string]routeEntry),
	}
}

func (r *Router) Handle(rc RouteClass, method string, path string, h http.Handler) {
	if r.routes[path] == nil {
		r.routes[path] = make(map[string]routeEntry)
	}
	r.routes[path][method] = routeEntry{rc: rc, handler: recoverWrap(rc, h)}
}

// recoverWrap keeps a handler panic from killing the process; the client
// sees a plain 500.
func recoverWrap(rc RouteClass, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				_ = debug.Stack()
				WriteError(w, req, rc, http.StatusInternalServerError, "internal_error", "internal error")
			}
		}()
		h.ServeHTTP(w, req)
	})
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	methods, ok := r.routes[req.URL.Path]
	if !ok {
		WriteError(w, req, r.classifier.Classify(req.URL.Path), http.StatusNotFound, "not_found", "not found")
		return
	}
	entry, ok := methods[req.Method]
	if !ok {
		w.Header().Set("Allow", allowHeader(methods))
		WriteError(w, req, registeredClass(methods, r.classifier.Classify(req.URL.Path)), http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	entry.handler.ServeHTTP(w, req)
}

func allowHeader(methods map[string]routeEntry) string {
	out := make([]string, 0, len(methods))
	for m := range methods {
		out = append(out, m)
	}
	sort.Strings(out)
	return strings.Join(out, ", ")
}

// registeredClass picks the class the path was registered under; an empty
// method set falls back to the classifier's verdict.
func registeredClass(methods map[string]routeEntry, fallback RouteClass) RouteClass {
	for _, e := range methods {
		return e.rc
	}
	return fallback
}
