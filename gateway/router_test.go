package gateway

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestRouter(t *testing.T, opts RouterOptions) *Router {
	t.Helper()
	allocator, err := NewAllocator(3001, 3010, WithLogger(slog.Default()))
	if err != nil {
		t.Fatalf("NewAllocator() error = %v", err)
	}
	supervisor := NewSupervisor(WithSupervisorLogger(slog.Default()))
	proxy := NewProxy(allocator, supervisor, slog.Default())
	return NewRouter(proxy, opts)
}

func TestRouter_RegisterAndNames(t *testing.T) {
	rt := newTestRouter(t, DefaultRouterOptions())
	rt.Register(&BackendDescriptor{Name: "echo", Protocol: ProtocolHTTP, URL: "http://localhost:9000"})
	rt.Register(&BackendDescriptor{Name: "web", Protocol: ProtocolHTTP, URL: "http://localhost:9001"})

	names := rt.Names()
	if len(names) != 2 {
		t.Fatalf("Names() = %v, want 2 entries", names)
	}
}

func TestRouter_Unregister(t *testing.T) {
	rt := newTestRouter(t, DefaultRouterOptions())
	rt.Register(&BackendDescriptor{Name: "echo", Protocol: ProtocolHTTP, URL: "http://localhost:9000"})
	rt.Unregister("echo")

	if len(rt.Names()) != 0 {
		t.Error("expected no registered backends after Unregister")
	}
}

func TestRouter_RouteRequest_StripsPrefix(t *testing.T) {
	var gotPath string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	rt := newTestRouter(t, DefaultRouterOptions())
	rt.Register(&BackendDescriptor{Name: "echo", Protocol: ProtocolHTTP, URL: backend.URL})

	r := httptest.NewRequest(http.MethodGet, "/echo/v1/tools", nil)
	w := httptest.NewRecorder()

	matched := rt.RouteRequest(w, r)
	if !matched {
		t.Fatal("expected RouteRequest to match the registered backend")
	}
	if gotPath != "/v1/tools" {
		t.Errorf("backend saw path %q, want %q", gotPath, "/v1/tools")
	}
}

func TestRouter_RouteRequest_NoStripPrefix(t *testing.T) {
	var gotPath string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	rt := newTestRouter(t, RouterOptions{StripServerPrefix: false, CaseSensitive: true, EnableWildcards: true})
	rt.Register(&BackendDescriptor{Name: "echo", Protocol: ProtocolHTTP, URL: backend.URL})

	r := httptest.NewRequest(http.MethodGet, "/echo/v1/tools", nil)
	w := httptest.NewRecorder()
	rt.RouteRequest(w, r)

	if gotPath != "/echo/v1/tools" {
		t.Errorf("backend saw path %q, want the unmodified original path", gotPath)
	}
}

func TestRouter_RouteRequest_NoMatch(t *testing.T) {
	rt := newTestRouter(t, DefaultRouterOptions())
	r := httptest.NewRequest(http.MethodGet, "/nonexistent/path", nil)
	w := httptest.NewRecorder()

	if rt.RouteRequest(w, r) {
		t.Error("expected no match for an unregistered backend name")
	}
}

func TestRouter_RouteRequest_EmptyPath(t *testing.T) {
	rt := newTestRouter(t, DefaultRouterOptions())
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()

	if rt.RouteRequest(w, r) {
		t.Error("expected no match for the root path")
	}
}

func TestRouter_CaseInsensitiveMatch(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	rt := newTestRouter(t, RouterOptions{StripServerPrefix: true, CaseSensitive: false, EnableWildcards: true})
	rt.Register(&BackendDescriptor{Name: "echo", Protocol: ProtocolHTTP, URL: backend.URL})

	r := httptest.NewRequest(http.MethodGet, "/ECHO/tools", nil)
	w := httptest.NewRecorder()

	if !rt.RouteRequest(w, r) {
		t.Error("expected a case-insensitive match")
	}
}

func TestRouter_CaseSensitiveNoMatch(t *testing.T) {
	rt := newTestRouter(t, RouterOptions{StripServerPrefix: true, CaseSensitive: true, EnableWildcards: true})
	rt.Register(&BackendDescriptor{Name: "echo", Protocol: ProtocolHTTP, URL: "http://localhost:9000"})

	r := httptest.NewRequest(http.MethodGet, "/ECHO/tools", nil)
	w := httptest.NewRecorder()

	if rt.RouteRequest(w, r) {
		t.Error("expected no match when case sensitivity is required")
	}
}

func TestRouter_WildcardMatch(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	rt := newTestRouter(t, DefaultRouterOptions())
	rt.Register(&BackendDescriptor{Name: "tool-*", Protocol: ProtocolHTTP, URL: backend.URL})

	r := httptest.NewRequest(http.MethodGet, "/tool-42/run", nil)
	w := httptest.NewRecorder()

	if !rt.RouteRequest(w, r) {
		t.Error("expected a wildcard match")
	}
}

func TestRouter_WildcardsDisabled(t *testing.T) {
	rt := newTestRouter(t, RouterOptions{StripServerPrefix: true, CaseSensitive: true, EnableWildcards: false})
	rt.Register(&BackendDescriptor{Name: "tool-*", Protocol: ProtocolHTTP, URL: "http://localhost:9000"})

	r := httptest.NewRequest(http.MethodGet, "/tool-42/run", nil)
	w := httptest.NewRecorder()

	if rt.RouteRequest(w, r) {
		t.Error("expected no wildcard match when EnableWildcards is false")
	}
}

func TestRouter_QueryStringPreserved(t *testing.T) {
	var gotQuery string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	rt := newTestRouter(t, DefaultRouterOptions())
	rt.Register(&BackendDescriptor{Name: "echo", Protocol: ProtocolHTTP, URL: backend.URL})

	r := httptest.NewRequest(http.MethodGet, "/echo/tools?foo=bar", nil)
	w := httptest.NewRecorder()
	rt.RouteRequest(w, r)

	if gotQuery != "foo=bar" {
		t.Errorf("query string = %q, want %q", gotQuery, "foo=bar")
	}
}
