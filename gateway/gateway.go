package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const gatewayVersion = "0.3.0"

// Gateway composes the Allocator, Supervisor, Adapter, Proxy, Router and
// Relay into one HTTP front: the "G" component of the gateway (spec §4.G).
// It owns the listening socket and the lifecycle of everything beneath it.
type Gateway struct {
	allocator  *Allocator
	supervisor *Supervisor
	adapter    *Adapter
	proxy      *Proxy
	router     *Router
	relay      *Relay
	discovery  *DiscoveryManager

	logger    *slog.Logger
	startedAt time.Time

	configMu     sync.RWMutex
	cfg          *GatewayConfig
	trustedCIDRs []*net.IPNet

	rateLimiter *rateLimiter
	httpServer  *http.Server
}

// NewGateway wires up every component from cfg and registers its configured
// backends. Stdio backends are allocated a port and have their adapter (and,
// through it, their child process) started eagerly; http backends are only
// registered with the router.
func NewGateway(cfg *GatewayConfig) (*Gateway, error) {
	logger := slog.Default()

	allocator, err := NewAllocator(cfg.Gateway.PortRangeStart, cfg.Gateway.PortRangeEnd, WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}
	supervisor := NewSupervisor(WithSupervisorLogger(logger))
	adapter := NewAdapter(supervisor, logger)
	proxy := NewProxy(allocator, supervisor, logger)
	router := NewRouter(proxy, DefaultRouterOptions())

	g := &Gateway{
		allocator:    allocator,
		supervisor:   supervisor,
		adapter:      adapter,
		proxy:        proxy,
		router:       router,
		logger:       logger,
		startedAt:    time.Now(),
		cfg:          cfg,
		trustedCIDRs: parseTrustedProxies(cfg.Gateway.TrustedProxies),
		rateLimiter:  newRateLimiter(50 * time.Millisecond),
	}

	if cfg.Gateway.WebSocketEnabled {
		g.relay = NewRelay(allocator, logger)
	}

	if err := g.registerBackends(cfg.Backends); err != nil {
		return nil, err
	}

	if cfg.Gateway.DiscoveryDir != "" {
		g.discovery = NewDiscoveryManager(cfg.Gateway.DiscoveryDir, cfg, g.applyDiscoveredConfig, logger)
	}

	go g.drainEvents()

	return g, nil
}

// registerBackends allocates ports and starts adapters/children for every
// stdio backend, and registers every backend (stdio or http) with the router.
func (g *Gateway) registerBackends(backends []BackendDescriptor) error {
	for i := range backends {
		b := &backends[i]
		if b.Protocol == ProtocolStdio {
			port, err := g.allocator.Allocate(b.Name, 0)
			if err != nil {
				return fmt.Errorf("gateway: allocating port for %q: %w", b.Name, err)
			}
			if _, err := g.adapter.CreateAdapter(b, port); err != nil {
				g.allocator.ReleasePort(b.Name)
				return fmt.Errorf("gateway: starting adapter for %q: %w", b.Name, err)
			}
		}
		g.router.Register(b)
	}
	return nil
}

// ReloadConfig swaps in newCfg (typically after a SIGHUP) and reconciles
// backends the same way a discovery pass would: added entries are started,
// removed entries are torn down, unchanged entries are left alone.
func (g *Gateway) ReloadConfig(newCfg *GatewayConfig) {
	if g.discovery != nil {
		g.discovery.UpdateStaticConfig(newCfg)
		return
	}
	g.applyDiscoveredConfig(newCfg)
}

// applyDiscoveredConfig reconciles the router and running backends against a
// freshly merged configuration (from either SIGHUP or a discovery pass),
// starting newly added backends and tearing down ones that vanished.
func (g *Gateway) applyDiscoveredConfig(merged *GatewayConfig) {
	g.configMu.Lock()
	previous := g.cfg
	g.cfg = merged
	g.trustedCIDRs = parseTrustedProxies(merged.Gateway.TrustedProxies)
	g.configMu.Unlock()

	previousNames := make(map[string]bool, len(previous.Backends))
	for _, b := range previous.Backends {
		previousNames[b.Name] = true
	}
	currentNames := make(map[string]bool, len(merged.Backends))

	for i := range merged.Backends {
		b := &merged.Backends[i]
		currentNames[b.Name] = true
		if previousNames[b.Name] {
			continue // already registered
		}
		g.logger.Info("discovery: registering new backend", "backend", b.Name)
		if b.Protocol == ProtocolStdio {
			port, err := g.allocator.Allocate(b.Name, 0)
			if err != nil {
				g.logger.Error("discovery: allocating port failed", "backend", b.Name, "error", err)
				continue
			}
			if _, err := g.adapter.CreateAdapter(b, port); err != nil {
				g.logger.Error("discovery: starting adapter failed", "backend", b.Name, "error", err)
				g.allocator.ReleasePort(b.Name)
				continue
			}
		}
		g.router.Register(b)
	}

	for name := range previousNames {
		if currentNames[name] {
			continue
		}
		g.logger.Info("discovery: removing vanished backend", "backend", name)
		g.adapter.StopAdapter(name)
		g.allocator.ReleasePort(name)
		g.router.Unregister(name)
	}
}

// drainEvents forwards supervisor lifecycle events into the structured log,
// per the channel-over-event-emitter design (spec §9).
func (g *Gateway) drainEvents() {
	for ev := range g.supervisor.Events() {
		attrs := []any{"backend", ev.Name, "kind", ev.Kind, "at", ev.At}
		if ev.Err != nil {
			attrs = append(attrs, "error", ev.Err)
		}
		g.logger.Info("supervisor event", attrs...)
	}
}

// Start binds the listening socket and serves until ctx is canceled, then
// performs the graceful shutdown sequence.
func (g *Gateway) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	authCfg := &g.getConfig().Gateway.AdminAuth

	mux.HandleFunc("/health", g.handleHealth)
	mux.Handle("/servers", adminAuthMiddleware(http.HandlerFunc(g.handleServers), authCfg, g.logger))
	mux.Handle("/ports", adminAuthMiddleware(http.HandlerFunc(g.handlePorts), authCfg, g.logger))
	mux.Handle("/stats", adminAuthMiddleware(http.HandlerFunc(g.handleStats), authCfg, g.logger))
	if g.getConfig().Gateway.MetricsEnabled {
		mux.Handle("/metrics", adminAuthMiddleware(promhttp.Handler(), authCfg, g.logger))
	}
	if g.relay != nil {
		mux.HandleFunc("/ws/", g.handleWebSocket)
	}
	mux.HandleFunc("/", g.handleRoot)

	handler := g.withRequestLogging(mux)
	if g.getConfig().Gateway.CORSEnabled {
		handler = g.withCORS(handler)
	}

	g.httpServer = &http.Server{
		Addr:         g.getConfig().Gateway.Host + ":" + g.getConfig().Gateway.Port,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g.rateLimiter.startCleanup(ctx, 5*time.Minute)
	if g.discovery != nil {
		g.discovery.Start(ctx, g.getConfig().Gateway.DiscoveryInterval)
	}
	if err := g.allocator.StartReservationSweep(""); err != nil {
		g.logger.Warn("gateway: reservation sweep not started", "error", err)
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("gateway started", "version", gatewayVersion, "addr", g.httpServer.Addr)
		if err := g.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	return g.shutdown()
}

// shutdown executes the component teardown order: relay connections close
// first (they depend on backends being alive), then adapters, then
// supervised children, then the listener, then allocator bookkeeping.
func (g *Gateway) shutdown() error {
	const grace = 15 * time.Second
	g.logger.Info("shutting down gateway", "grace_period", grace)

	if g.relay != nil {
		g.relay.Shutdown()
	}
	g.adapter.StopAllAdapters()
	g.supervisor.StopAllServers()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	err := g.httpServer.Shutdown(shutdownCtx)

	g.allocator.Cleanup()
	return err
}

// getConfig returns the active configuration.
func (g *Gateway) getConfig() *GatewayConfig {
	g.configMu.RLock()
	defer g.configMu.RUnlock()
	return g.cfg
}

// ─── Root + routing ───────────────────────────────────────────────────────

// handleRoot serves an identity payload at "/" and otherwise delegates to the
// Router; an unmatched path answers 404 with the list of known names.
func (g *Gateway) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/" {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"name":        "mcp-gateway",
			"version":     gatewayVersion,
			"description": "reverse proxy and process supervisor for stdio and HTTP MCP backends",
			"endpoints":   g.endpoints(),
			"servers":     g.router.Names(),
			"features":    g.features(),
		})
		return
	}

	if g.router.RouteRequest(w, r) {
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	json.NewEncoder(w).Encode(map[string]any{
		"error":   "no backend matches this path",
		"servers": g.router.Names(),
	})
}

// endpoints lists the built-in paths active under the current configuration,
// for the "/" identity payload (spec §6).
func (g *Gateway) endpoints() []string {
	eps := []string{"/", "/health", "/servers", "/ports", "/stats", "/<name>/..."}
	if g.getConfig().Gateway.MetricsEnabled {
		eps = append(eps, "/metrics")
	}
	if g.relay != nil {
		eps = append(eps, "/ws/<name>")
	}
	return eps
}

// features reports which optional hook points are enabled, for the "/"
// identity payload (spec §6).
func (g *Gateway) features() map[string]bool {
	cfg := g.getConfig()
	return map[string]bool{
		"cors":       cfg.Gateway.CORSEnabled,
		"metrics":    cfg.Gateway.MetricsEnabled,
		"rate_limit": cfg.Gateway.RateLimitEnabled,
		"websocket":  g.relay != nil,
		"discovery":  g.discovery != nil,
	}
}

// handleWebSocket delegates "/ws/<name>" paths to the relay.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	g.relay.HandleUpgrade(w, r)
}

// ─── Admin endpoints ──────────────────────────────────────────────────────

// handleHealth is the unauthenticated liveness probe. It reports 200/healthy
// iff no supervised process is in StateFailed, else 503/degraded (spec §6).
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	procs := g.supervisor.AllProcesses()
	var running, failed int
	for _, rec := range procs {
		switch rec.State {
		case StateRunning:
			running++
		case StateFailed:
			failed++
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if failed > 0 {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]any{
		"status":    status,
		"timestamp": time.Now(),
		"uptime":    time.Since(g.startedAt).Seconds(),
		"servers": map[string]int{
			"total":   len(procs),
			"running": running,
			"failed":  failed,
		},
		"memory": memorySnapshot(),
	})
}

type serverStatusJSON struct {
	Name         string `json:"name"`
	Protocol     string `json:"protocol"`
	State        string `json:"state"`
	Port         int    `json:"port,omitempty"`
	PID          int    `json:"pid,omitempty"`
	RestartCount int    `json:"restart_count"`
	LastError    string `json:"last_error,omitempty"`
}

// handleServers reports every registered backend's supervision state.
func (g *Gateway) handleServers(w http.ResponseWriter, r *http.Request) {
	cfg := g.getConfig()
	out := make([]serverStatusJSON, 0, len(cfg.Backends))
	for _, b := range cfg.Backends {
		entry := serverStatusJSON{Name: b.Name, Protocol: string(b.Protocol)}
		if rec, ok := g.supervisor.ProcessInfo(b.Name); ok {
			entry.State = string(rec.State)
			entry.Port = rec.Port
			entry.PID = rec.PID
			entry.RestartCount = rec.RestartCount
			entry.LastError = rec.LastError
		} else {
			entry.State = "n/a" // http backends have no supervised process
		}
		out = append(out, entry)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"servers": out})
}

// handlePorts reports the allocator's pool utilization and current mappings.
func (g *Gateway) handlePorts(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"range":       g.allocator.RangeInfo(),
		"allocations": g.allocator.Allocations(),
		"reserved":    g.allocator.ReservedPorts(),
	})
}

// handleStats reports the uptime/memory/connection snapshot (spec §6),
// plus proxy and relay aggregate counters.
func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"uptime": time.Since(g.startedAt).Seconds(),
		"memory": memorySnapshot(),
		"proxy":  g.proxy.Counters(),
	}
	if g.relay != nil {
		stats["relay"] = g.relay.Stats()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// memorySnapshot reports a small subset of runtime.MemStats for the
// /health and /stats bodies.
func memorySnapshot() map[string]uint64 {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return map[string]uint64{
		"alloc_bytes":       mem.Alloc,
		"total_alloc_bytes": mem.TotalAlloc,
		"sys_bytes":         mem.Sys,
		"num_gc":            uint64(mem.NumGC),
	}
}

// ─── Middleware ───────────────────────────────────────────────────────────

// withRequestLogging assigns every request a UUID-based request ID (surfaced
// via X-Request-Id) and logs method/path/status/duration at completion.
func (g *Gateway) withRequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-Id", id)

		if g.getConfig().Gateway.RateLimitEnabled && !g.rateLimiter.Allow(g.clientIP(r)) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		start := time.Now()
		mw := &statusCapturingWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(mw, r)
		g.logger.Debug("request completed",
			"request_id", id, "method", r.Method, "path", r.URL.Path,
			"status", mw.status, "duration_ms", time.Since(start).Milliseconds())
	})
}

// withCORS adds permissive CORS headers and short-circuits preflight OPTIONS
// requests, gated by Gateway.CORSEnabled.
func (g *Gateway) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,PATCH,HEAD,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP returns the real client IP for rate-limiting purposes. It trusts
// X-Forwarded-For only when RemoteAddr is itself a configured trusted proxy.
func (g *Gateway) clientIP(r *http.Request) string {
	directIP, _, _ := net.SplitHostPort(r.RemoteAddr)

	g.configMu.RLock()
	trusted := g.trustedCIDRs
	g.configMu.RUnlock()

	if len(trusted) > 0 && isTrustedProxy(directIP, trusted) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.SplitN(xff, ",", 2)
			return strings.TrimSpace(parts[0])
		}
	}
	return directIP
}

// isTrustedProxy checks if ip falls within any of the trusted CIDR blocks.
func isTrustedProxy(ip string, cidrs []*net.IPNet) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, cidr := range cidrs {
		if cidr.Contains(parsed) {
			return true
		}
	}
	return false
}

// parseTrustedProxies converts string CIDR notation into parsed IPNet structs.
func parseTrustedProxies(proxies []string) []*net.IPNet {
	var cidrs []*net.IPNet
	for _, p := range proxies {
		_, cidr, err := net.ParseCIDR(p)
		if err != nil {
			continue
		}
		cidrs = append(cidrs, cidr)
	}
	return cidrs
}

// ─── Rate limiter ─────────────────────────────────────────────────────────

// rateLimiter enforces a minimum interval between requests per IP.
type rateLimiter struct {
	mu          sync.Mutex
	lastSeen    map[string]time.Time
	minInterval time.Duration
}

func newRateLimiter(minInterval time.Duration) *rateLimiter {
	return &rateLimiter{
		lastSeen:    make(map[string]time.Time),
		minInterval: minInterval,
	}
}

// Allow returns true if this IP is allowed to proceed (not rate-limited).
func (rl *rateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	last, ok := rl.lastSeen[ip]
	if !ok || time.Since(last) >= rl.minInterval {
		rl.lastSeen[ip] = time.Now()
		return true
	}
	return false
}

// startCleanup periodically evicts stale entries from the rate limiter.
func (rl *rateLimiter) startCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.evictStale()
			}
		}
	}()
}

// evictStale removes IPs whose last access is older than 2x the interval.
func (rl *rateLimiter) evictStale() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := time.Now().Add(-2 * rl.minInterval)
	for ip, last := range rl.lastSeen {
		if last.Before(cutoff) {
			delete(rl.lastSeen, ip)
		}
	}
}
