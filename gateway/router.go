package gateway

import (
	"net/http"
	"path"
	"strings"
	"sync"
)

// RouterOptions configures name-prefix matching behavior.
type RouterOptions struct {
	// StripServerPrefix removes the leading /<name> segment before
	// delegating to the proxy. Default true.
	StripServerPrefix bool
	// CaseSensitive compares path segments verbatim against registered
	// names when true; lowers both sides otherwise. Default true.
	CaseSensitive bool
	// EnableWildcards allows registered names containing "*" to match the
	// first path segment as a glob pattern. Default true.
	EnableWildcards bool
}

// DefaultRouterOptions returns the spec's default routing configuration.
func DefaultRouterOptions() RouterOptions {
	return RouterOptions{StripServerPrefix: true, CaseSensitive: true, EnableWildcards: true}
}

// Router maps a request path's first segment to a backend by name, strips
// the prefix, and delegates to the Proxy. It is the "E" component of the
// gateway (spec §4.E).
type Router struct {
	opts  RouterOptions
	proxy *Proxy

	mu       sync.RWMutex
	backends map[string]*BackendDescriptor
}

// NewRouter constructs a Router over proxy with opts.
func NewRouter(proxy *Proxy, opts RouterOptions) *Router {
	return &Router{opts: opts, proxy: proxy, backends: make(map[string]*BackendDescriptor)}
}

// Register adds (or replaces) a backend in the routing table.
func (rt *Router) Register(descriptor *BackendDescriptor) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.backends[descriptor.Name] = descriptor
}

// Unregister removes a backend from the routing table.
func (rt *Router) Unregister(name string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.backends, name)
}

// Names returns every registered backend name, for diagnostics (e.g. the
// 404 body's list of known servers).
func (rt *Router) Names() []string {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	out := make([]string, 0, len(rt.backends))
	for name := range rt.backends {
		out = append(out, name)
	}
	return out
}

// lookup resolves the first path segment to a descriptor, applying
// case-folding and wildcard matching per rt.opts.
func (rt *Router) lookup(segment string) (*BackendDescriptor, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	key := segment
	if !rt.opts.CaseSensitive {
		key = strings.ToLower(key)
	}
	if d, ok := rt.backends[key]; ok {
		return d, true
	}
	if !rt.opts.CaseSensitive {
		for name, d := range rt.backends {
			if strings.ToLower(name) == key {
				return d, true
			}
		}
	}
	if !rt.opts.EnableWildcards {
		return nil, false
	}
	for name, d := range rt.backends {
		if !strings.Contains(name, "*") {
			continue
		}
		pattern := name
		candidate := segment
		if !rt.opts.CaseSensitive {
			pattern = strings.ToLower(pattern)
			candidate = key
		}
		if ok, _ := path.Match(pattern, candidate); ok {
			return d, true
		}
	}
	return nil, false
}

// RouteRequest splits r's path into segments, resolves the first against
// the registered backends, rewrites r.URL to the stripped target path, and
// delegates to the Proxy. Returns false (writing nothing) when no backend
// matches, so the caller can answer with its own 404 body.
func (rt *Router) RouteRequest(w http.ResponseWriter, r *http.Request) bool {
	trimmed := strings.Trim(r.URL.Path, "/")
	if trimmed == "" {
		return false
	}
	segments := strings.Split(trimmed, "/")

	descriptor, ok := rt.lookup(segments[0])
	if !ok {
		return false
	}

	if rt.opts.StripServerPrefix {
		rest := segments[1:]
		r.URL.Path = "/" + strings.Join(rest, "/")
	}
	// Query string is untouched — r.URL.RawQuery carries forward as-is.

	rt.proxy.ServeBackend(w, r, descriptor)
	return true
}
