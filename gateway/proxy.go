package gateway

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ProxyCounters aggregates request outcomes for the /stats admin endpoint.
type ProxyCounters struct {
	Total           uint64
	Successes       uint64
	Failures        uint64
	AvgResponseMs   float64
	PerBackend      map[string]uint64
}

// Proxy forwards a validated request to a backend, either by reverse-proxying
// to an HTTP descriptor's declared URL or to a stdio adapter's loopback port.
// It is the "D" component of the gateway (spec §4.D) and owns no backend
// state of its own beyond its counters.
type Proxy struct {
	allocator  *Allocator
	supervisor *Supervisor
	logger     *slog.Logger

	mu         sync.Mutex
	total      uint64
	successes  uint64
	failures   uint64
	avgMs      float64
	perBackend map[string]uint64
}

// NewProxy constructs a Reverse Proxy over the given allocator and supervisor
// (both consulted only for stdio descriptors).
func NewProxy(allocator *Allocator, supervisor *Supervisor, logger *slog.Logger) *Proxy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Proxy{
		allocator:  allocator,
		supervisor: supervisor,
		logger:     logger,
		perBackend: make(map[string]uint64),
	}
}

// ServeBackend forwards r to descriptor, writing the response (or a mapped
// failure) to w.
func (p *Proxy) ServeBackend(w http.ResponseWriter, r *http.Request, descriptor *BackendDescriptor) {
	start := time.Now()
	p.mu.Lock()
	p.total++
	p.perBackend[descriptor.Name]++
	p.mu.Unlock()

	var targetAddr string
	var scheme = "http"

	switch descriptor.Protocol {
	case ProtocolHTTP:
		u, err := url.Parse(descriptor.URL)
		if err != nil {
			p.fail(w, descriptor.Name, start, fmt.Errorf("invalid backend url: %w", err))
			return
		}
		targetAddr = u.Host
		scheme = u.Scheme

	case ProtocolStdio:
		port, ok := p.allocator.PortForName(descriptor.Name)
		if !ok {
			p.fail(w, descriptor.Name, start, fmt.Errorf("%w: %q", ErrNoPortAllocated, descriptor.Name))
			return
		}
		rec, ok := p.supervisor.ProcessInfo(descriptor.Name)
		if !ok || rec.State != StateRunning {
			p.fail(w, descriptor.Name, start, fmt.Errorf("%w: %q", ErrNotRunning, descriptor.Name))
			return
		}
		targetAddr = fmt.Sprintf("127.0.0.1:%d", port)

	default:
		p.fail(w, descriptor.Name, start, fmt.Errorf("unknown protocol %q", descriptor.Protocol))
		return
	}

	targetURL := &url.URL{Scheme: scheme, Host: targetAddr}
	reverseProxy := httputil.NewSingleHostReverseProxy(targetURL)
	var errored bool
	reverseProxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		errored = true
		p.fail(w, descriptor.Name, start, err)
	}

	setForwardedHeaders(r)
	r.URL.Host = targetURL.Host
	r.URL.Scheme = targetURL.Scheme
	r.Host = targetURL.Host

	mw := &statusCapturingWriter{ResponseWriter: w, status: http.StatusOK}
	reverseProxy.ServeHTTP(mw, r)
	if errored {
		// ErrorHandler already recorded the failure and its own metric.
		return
	}

	p.mu.Lock()
	p.successes++
	elapsed := time.Since(start).Seconds() * 1000
	p.avgMs = p.avgMs*0.9 + elapsed*0.1
	p.mu.Unlock()

	RecordRequest(descriptor.Name, strconv.Itoa(mw.status), time.Since(start).Seconds())
}

// fail maps a proxy-layer error to an HTTP status per spec §4.D's failure
// table and writes it, unless headers were already sent.
func (p *Proxy) fail(w http.ResponseWriter, name string, start time.Time, err error) {
	p.mu.Lock()
	p.failures++
	p.mu.Unlock()

	status := mapProxyError(err)
	RecordRequest(name, strconv.Itoa(status), time.Since(start).Seconds())

	if mw, ok := w.(*statusCapturingWriter); ok && mw.wroteHeader.Load() {
		return // headers already sent — let the connection close
	}
	http.Error(w, http.StatusText(status), status)
}

// mapProxyError implements spec §4.D's failure mapping.
func mapProxyError(err error) int {
	switch {
	case errors.Is(err, ErrNotRunning), errors.Is(err, ErrNoPortAllocated):
		return http.StatusServiceUnavailable
	case isConnectionRefused(err):
		return http.StatusServiceUnavailable
	case isTimeout(err):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func isConnectionRefused(err error) bool {
	return strings.Contains(err.Error(), "connection refused") || strings.Contains(err.Error(), "no such host")
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return strings.Contains(err.Error(), "timeout") || strings.Contains(err.Error(), "deadline exceeded")
}

// statusCapturingWriter wraps http.ResponseWriter to record the status code
// actually written, for metrics.
type statusCapturingWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader atomic.Bool
}

func (s *statusCapturingWriter) WriteHeader(code int) {
	s.status = code
	s.wroteHeader.Store(true)
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusCapturingWriter) Write(b []byte) (int, error) {
	s.wroteHeader.Store(true)
	return s.ResponseWriter.Write(b)
}

// setForwardedHeaders adds X-Forwarded-For, X-Real-IP and X-Forwarded-Proto
// so the backend can see the original client.
func setForwardedHeaders(r *http.Request) {
	clientIP, _, _ := net.SplitHostPort(r.RemoteAddr)

	if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
		r.Header.Set("X-Forwarded-For", prior+", "+clientIP)
	} else if clientIP != "" {
		r.Header.Set("X-Forwarded-For", clientIP)
	}
	if r.Header.Get("X-Real-IP") == "" && clientIP != "" {
		r.Header.Set("X-Real-IP", clientIP)
	}
	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	r.Header.Set("X-Forwarded-Proto", proto)
	r.Header.Set("X-Forwarded-Host", r.Host)
}

// Counters returns a snapshot of the proxy's aggregate counters.
func (p *Proxy) Counters() ProxyCounters {
	p.mu.Lock()
	defer p.mu.Unlock()
	perBackend := make(map[string]uint64, len(p.perBackend))
	for k, v := range p.perBackend {
		perBackend[k] = v
	}
	return ProxyCounters{
		Total:         p.total,
		Successes:     p.successes,
		Failures:      p.failures,
		AvgResponseMs: p.avgMs,
		PerBackend:    perBackend,
	}
}
