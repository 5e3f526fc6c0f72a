package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	allocator, err := NewAllocator(3001, 3010, WithLogger(slog.Default()))
	if err != nil {
		t.Fatalf("NewAllocator() error = %v", err)
	}
	supervisor := NewSupervisor(WithSupervisorLogger(slog.Default()))
	adapter := NewAdapter(supervisor, slog.Default())
	proxy := NewProxy(allocator, supervisor, slog.Default())
	router := NewRouter(proxy, DefaultRouterOptions())

	return &Gateway{
		allocator:   allocator,
		supervisor:  supervisor,
		adapter:     adapter,
		proxy:       proxy,
		router:      router,
		logger:      slog.Default(),
		startedAt:   time.Now(),
		cfg:         &GatewayConfig{Gateway: GlobalConfig{Port: "8080"}},
		rateLimiter: newRateLimiter(0),
	}
}

// ─── handleHealth ─────────────────────────────────────────────────────────────

func TestGateway_HandleHealth_HealthyWithNoBackends(t *testing.T) {
	g := newTestGateway(t)
	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	g.handleHealth(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("status field = %v, want %q", body["status"], "healthy")
	}
	for _, key := range []string{"timestamp", "uptime", "servers", "memory"} {
		if _, ok := body[key]; !ok {
			t.Errorf("missing %q field in /health response", key)
		}
	}
	servers, ok := body["servers"].(map[string]any)
	if !ok {
		t.Fatalf("servers field = %v, want an object", body["servers"])
	}
	if servers["total"] != float64(0) || servers["running"] != float64(0) || servers["failed"] != float64(0) {
		t.Errorf("servers = %v, want all zero with no backends", servers)
	}
}

func TestGateway_HandleHealth_DegradedWhenAProcessFailed(t *testing.T) {
	g := newTestGateway(t)
	desc := &BackendDescriptor{
		Name:     "broken",
		Protocol: ProtocolStdio,
		Command:  "python3",
		Args:     []string{"-c", "import sys\nsys.exit(1)"},
	}
	if err := g.supervisor.StartServer(desc, 0); err == nil {
		t.Fatalf("expected StartServer to fail for a command that exits immediately")
	}

	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	g.handleHealth(w, r)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "degraded" {
		t.Errorf("status field = %v, want %q", body["status"], "degraded")
	}
}

// ─── handleRoot ───────────────────────────────────────────────────────────────

func TestGateway_HandleRoot_Identity(t *testing.T) {
	g := newTestGateway(t)
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()

	g.handleRoot(w, r)

	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["name"] != "mcp-gateway" {
		t.Errorf("name field = %v, want %q", body["name"], "mcp-gateway")
	}
	for _, key := range []string{"version", "description", "endpoints", "servers", "features"} {
		if _, ok := body[key]; !ok {
			t.Errorf("missing %q field in / response", key)
		}
	}
}

func TestGateway_HandleRoot_NoMatch(t *testing.T) {
	g := newTestGateway(t)
	r := httptest.NewRequest(http.MethodGet, "/unknown-backend/path", nil)
	w := httptest.NewRecorder()

	g.handleRoot(w, r)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if _, ok := body["servers"]; !ok {
		t.Error("expected a servers field listing known backend names")
	}
}

func TestGateway_HandleRoot_RoutesRegisteredBackend(t *testing.T) {
	g := newTestGateway(t)

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer backend.Close()

	g.router.Register(&BackendDescriptor{Name: "teapot", Protocol: ProtocolHTTP, URL: backend.URL})

	r := httptest.NewRequest(http.MethodGet, "/teapot/brew", nil)
	w := httptest.NewRecorder()
	g.handleRoot(w, r)

	if w.Code != http.StatusTeapot {
		t.Errorf("status = %d, want %d", w.Code, http.StatusTeapot)
	}
}

// ─── handleServers ────────────────────────────────────────────────────────────

func TestGateway_HandleServers(t *testing.T) {
	g := newTestGateway(t)
	g.cfg.Backends = []BackendDescriptor{
		{Name: "web", Protocol: ProtocolHTTP, URL: "http://localhost:9000"},
	}

	r := httptest.NewRequest(http.MethodGet, "/servers", nil)
	w := httptest.NewRecorder()
	g.handleServers(w, r)

	var body struct {
		Servers []serverStatusJSON `json:"servers"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Servers) != 1 {
		t.Fatalf("servers = %d, want 1", len(body.Servers))
	}
	if body.Servers[0].State != "n/a" {
		t.Errorf("State = %q, want %q for an unsupervised http backend", body.Servers[0].State, "n/a")
	}
}

// ─── handlePorts / handleStats ────────────────────────────────────────────────

func TestGateway_HandlePorts(t *testing.T) {
	g := newTestGateway(t)
	r := httptest.NewRequest(http.MethodGet, "/ports", nil)
	w := httptest.NewRecorder()
	g.handlePorts(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	for _, key := range []string{"range", "allocations", "reserved"} {
		if _, ok := body[key]; !ok {
			t.Errorf("missing %q field in /ports response", key)
		}
	}
}

func TestGateway_HandleStats_NoRelay(t *testing.T) {
	g := newTestGateway(t)
	r := httptest.NewRequest(http.MethodGet, "/stats", nil)
	w := httptest.NewRecorder()
	g.handleStats(w, r)

	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	for _, key := range []string{"proxy", "uptime", "memory"} {
		if _, ok := body[key]; !ok {
			t.Errorf("missing %q field in /stats response", key)
		}
	}
	if _, ok := body["relay"]; ok {
		t.Error("relay field should be absent when WebSocket support is disabled")
	}
}

// ─── withCORS ─────────────────────────────────────────────────────────────────

func TestGateway_WithCORS_PreflightShortCircuits(t *testing.T) {
	g := newTestGateway(t)
	called := false
	handler := g.withCORS(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	r := httptest.NewRequest(http.MethodOptions, "/anything", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if called {
		t.Error("OPTIONS preflight should not reach the wrapped handler")
	}
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("expected permissive CORS origin header")
	}
}

func TestGateway_WithCORS_PassesThroughNonOptions(t *testing.T) {
	g := newTestGateway(t)
	called := false
	handler := g.withCORS(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest(http.MethodGet, "/anything", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if !called {
		t.Error("expected the wrapped handler to be invoked for a non-OPTIONS request")
	}
}

// ─── withRequestLogging ───────────────────────────────────────────────────────

func TestGateway_WithRequestLogging_SetsRequestID(t *testing.T) {
	g := newTestGateway(t)
	handler := g.withRequestLogging(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Header().Get("X-Request-Id") == "" {
		t.Error("expected a non-empty X-Request-Id header")
	}
}

func TestGateway_WithRequestLogging_RateLimits(t *testing.T) {
	g := newTestGateway(t)
	g.cfg.Gateway.RateLimitEnabled = true
	g.rateLimiter = newRateLimiter(time.Hour)

	handler := g.withRequestLogging(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	r1 := httptest.NewRequest(http.MethodGet, "/", nil)
	r1.RemoteAddr = "1.2.3.4:5555"
	w1 := httptest.NewRecorder()
	handler.ServeHTTP(w1, r1)
	if w1.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want %d", w1.Code, http.StatusOK)
	}

	r2 := httptest.NewRequest(http.MethodGet, "/", nil)
	r2.RemoteAddr = "1.2.3.4:5556"
	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, r2)
	if w2.Code != http.StatusTooManyRequests {
		t.Errorf("second request status = %d, want %d", w2.Code, http.StatusTooManyRequests)
	}
}

// ─── getConfig ────────────────────────────────────────────────────────────────

func TestGateway_GetConfig(t *testing.T) {
	g := newTestGateway(t)
	cfg := g.getConfig()
	if cfg.Gateway.Port != "8080" {
		t.Errorf("Port = %q, want %q", cfg.Gateway.Port, "8080")
	}
}
