package gateway

import "errors"

// Sentinel errors for the core's error taxonomy. Components return these
// (wrapped with context via fmt.Errorf("...: %w", err)) so that callers can
// use errors.Is to decide how to translate a failure into an HTTP status
// or WebSocket close code.
var (
	// Port Allocator
	ErrNoPortsAvailable = errors.New("no ports available in range")
	ErrInvalidPortRange = errors.New("invalid port range")
	ErrPortNotAllocated = errors.New("port not allocated")
	ErrPortNameMismatch = errors.New("port allocated to a different name")

	// Process Supervisor / validation
	ErrHTTPNotSpawnable    = errors.New("http backend is not spawnable")
	ErrNoCommand           = errors.New("descriptor has no command")
	ErrDisallowedCommand   = errors.New("command not in allowlist")
	ErrDangerousArgs       = errors.New("argument contains disallowed characters")
	ErrStartupTimeout      = errors.New("startup timed out")
	ErrExitedDuringStartup = errors.New("child exited during startup")

	// Stdio Adapter
	ErrStdioTimeout    = errors.New("stdio round-trip timed out")
	ErrBodyTooLarge    = errors.New("request body too large")
	ErrInvalidMethod   = errors.New("invalid HTTP method")
	ErrInvalidURL      = errors.New("invalid request URL")
	ErrInvalidHeaders  = errors.New("invalid request headers")
	ErrNoChildProcess  = errors.New("adapter has no child process")

	// Reverse Proxy
	ErrNoPortAllocated = errors.New("no port allocated for backend")
	ErrNotRunning      = errors.New("backend is not running")

	// Router
	ErrNoRouteMatch = errors.New("no route matches request path")

	// WebSocket Relay
	ErrWebSocketConnectFailed = errors.New("failed to connect to backend websocket")
	ErrClientLimitReached     = errors.New("maximum websocket connections reached")
	ErrInvalidWsPath          = errors.New("invalid websocket path")
	ErrIdleTimeout            = errors.New("websocket connection idle timeout")
)
