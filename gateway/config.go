package gateway

import (
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Protocol distinguishes the two backend transports the gateway fronts.
type Protocol string

const (
	ProtocolStdio Protocol = "stdio"
	ProtocolHTTP  Protocol = "http"
)

// DetectedType is a classification hint used only to adjust validation and
// diagnostics; it never changes routing or supervision behavior.
type DetectedType string

const (
	DetectedDocker DetectedType = "docker"
	DetectedNpx    DetectedType = "npx"
	DetectedHTTP   DetectedType = "http"
	DetectedCustom DetectedType = "custom"
)

// commandAllowlist is the set of executable basenames a stdio backend may
// spawn. Anything else is rejected with ErrDisallowedCommand before a
// child process is ever created.
var commandAllowlist = map[string]bool{
	"node":    true,
	"python":  true,
	"python3": true,
	"npx":     true,
	"yarn":    true,
	"pnpm":    true,
	"deno":    true,
	"bun":     true,
}

// metacharPattern matches shell metacharacters that must never appear in a
// spawned command or its arguments.
var metacharPattern = regexp.MustCompile(`[;&|` + "`" + `$]`)

// HealthCheckConfig configures an optional active health probe for a backend.
type HealthCheckConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
	Retries  int           `yaml:"retries"`
}

// Capabilities are derived flags computed once at load time from a
// descriptor's protocol and fields, so callers never have to re-derive them.
type Capabilities struct {
	RequiresStdio       bool
	SupportsHealthCheck bool
	RequiresEnvironment bool
	CanRestart          bool
}

// BackendDescriptor is the validated, immutable configuration record for one
// backend. Once accepted by the gateway it is never mutated.
type BackendDescriptor struct {
	Name         string             `yaml:"name"`
	Protocol     Protocol           `yaml:"protocol"`
	DetectedType DetectedType       `yaml:"detected_type"`
	Command      string             `yaml:"command"`
	Args         []string           `yaml:"args"`
	Env          map[string]string  `yaml:"env"`
	URL          string             `yaml:"url"`
	Restart      bool               `yaml:"restart"`
	HealthCheck  *HealthCheckConfig `yaml:"health_check"`

	Capabilities Capabilities `yaml:"-"`
}

// deriveCapabilities fills in Capabilities from the descriptor's own fields.
func (b *BackendDescriptor) deriveCapabilities() {
	b.Capabilities = Capabilities{
		RequiresStdio:       b.Protocol == ProtocolStdio,
		SupportsHealthCheck: b.HealthCheck != nil,
		RequiresEnvironment: len(b.Env) > 0,
		CanRestart:          b.Restart,
	}
}

// AdminAuthConfig holds optional authentication settings for admin endpoints
// (/servers, /ports, /metrics, /stats). When Method is "none" (the default),
// no authentication is enforced.
type AdminAuthConfig struct {
	// Method is the authentication scheme: "none", "basic", or "bearer".
	// Overridable via ADMIN_AUTH_METHOD env var.
	Method string `yaml:"method"`
	// Username is required when Method is "basic". Overridable via ADMIN_AUTH_USERNAME.
	Username string `yaml:"username"`
	// Password is required when Method is "basic". Overridable via ADMIN_AUTH_PASSWORD.
	Password string `yaml:"password"`
	// Token is required when Method is "bearer". Overridable via ADMIN_AUTH_TOKEN.
	Token string `yaml:"token"`
}

// GlobalConfig holds gateway-wide settings.
type GlobalConfig struct {
	// Host the gateway listens on (default: "" = all interfaces)
	Host string `yaml:"host"`
	// Port the gateway listens on (default: "8080")
	Port string `yaml:"port"`

	// PortRangeStart/End bound the stdio backend loopback port pool.
	PortRangeStart int `yaml:"port_range_start"`
	PortRangeEnd   int `yaml:"port_range_end"`

	// CORSEnabled toggles CORS header injection on every response.
	CORSEnabled bool `yaml:"cors_enabled"`
	// MetricsEnabled gates the /metrics endpoint.
	MetricsEnabled bool `yaml:"metrics_enabled"`
	// AuthEnabled is parsed but not consulted by the gateway: admin endpoint
	// authentication is governed by AdminAuth.Method alone.
	AuthEnabled bool `yaml:"auth_enabled"`
	// RateLimitEnabled gates the per-client rate limiter hook point.
	RateLimitEnabled bool `yaml:"rate_limit_enabled"`
	// WebSocketEnabled toggles the /ws/<name> relay entirely.
	WebSocketEnabled bool `yaml:"websocket_enabled"`

	// TrustedProxies is a list of CIDR blocks whose X-Forwarded-For header
	// is trusted when determining a client's real IP. If empty, the gateway
	// always uses RemoteAddr.
	TrustedProxies []string `yaml:"trusted_proxies"`

	// DiscoveryDir, if non-empty, is scanned periodically for additional
	// backend descriptor files (JSON), merged with the statically loaded
	// set (static entries win name conflicts).
	DiscoveryDir string `yaml:"discovery_dir"`
	// DiscoveryInterval controls how often DiscoveryDir is rescanned.
	// Overridable via DISCOVERY_INTERVAL env var. (default: 15s)
	DiscoveryInterval time.Duration `yaml:"discovery_interval"`

	// AdminAuth configures optional authentication for admin endpoints.
	AdminAuth AdminAuthConfig `yaml:"admin_auth"`
}

// GatewayConfig is the top-level config structure parsed from config.yaml.
type GatewayConfig struct {
	Gateway  GlobalConfig        `yaml:"gateway"`
	Backends []BackendDescriptor `yaml:"backends"`
}

// Equal reports whether two GatewayConfig values are semantically identical.
func (c *GatewayConfig) Equal(other *GatewayConfig) bool {
	if c == nil || other == nil {
		return c == other
	}
	return reflect.DeepEqual(c, other)
}

// LoadConfig reads and parses the YAML config file.
// The path is taken from the CONFIG_PATH env var (default: /etc/mcp-gateway/config.yaml).
func LoadConfig() (*GatewayConfig, error) {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "/etc/mcp-gateway/config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %q: %w", path, err)
	}

	var cfg GatewayConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if envInterval := os.Getenv("DISCOVERY_INTERVAL"); envInterval != "" {
		if d, err := time.ParseDuration(envInterval); err == nil {
			cfg.Gateway.DiscoveryInterval = d
		} else {
			slog.Warn("invalid DISCOVERY_INTERVAL env var, using default", "value", envInterval, "error", err)
		}
	}

	if envMethod := os.Getenv("ADMIN_AUTH_METHOD"); envMethod != "" {
		cfg.Gateway.AdminAuth.Method = envMethod
	}
	if envUser := os.Getenv("ADMIN_AUTH_USERNAME"); envUser != "" {
		cfg.Gateway.AdminAuth.Username = envUser
	}
	if envPass := os.Getenv("ADMIN_AUTH_PASSWORD"); envPass != "" {
		cfg.Gateway.AdminAuth.Password = envPass
	}
	if envToken := os.Getenv("ADMIN_AUTH_TOKEN"); envToken != "" {
		cfg.Gateway.AdminAuth.Token = envToken
	}

	for i := range cfg.Backends {
		cfg.Backends[i].deriveCapabilities()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks if the loaded configuration is valid.
func (c *GatewayConfig) Validate() error {
	if c.Gateway.Port == "" {
		return fmt.Errorf("gateway.port cannot be empty")
	}
	if c.Gateway.PortRangeStart < 1 || c.Gateway.PortRangeStart > 65535 ||
		c.Gateway.PortRangeEnd < 1 || c.Gateway.PortRangeEnd > 65535 ||
		c.Gateway.PortRangeStart >= c.Gateway.PortRangeEnd {
		return fmt.Errorf("%w: start=%d end=%d", ErrInvalidPortRange, c.Gateway.PortRangeStart, c.Gateway.PortRangeEnd)
	}

	switch c.Gateway.AdminAuth.Method {
	case "", "none":
		// ok — no authentication
	case "basic":
		if c.Gateway.AdminAuth.Username == "" || c.Gateway.AdminAuth.Password == "" {
			return fmt.Errorf("admin_auth: method=basic requires non-empty username and password")
		}
	case "bearer":
		if c.Gateway.AdminAuth.Token == "" {
			return fmt.Errorf("admin_auth: method=bearer requires non-empty token")
		}
	default:
		return fmt.Errorf("admin_auth: unknown method %q (allowed: none, basic, bearer)",
			c.Gateway.AdminAuth.Method)
	}

	seenNames := make(map[string]bool, len(c.Backends))
	for i, b := range c.Backends {
		if b.Name == "" {
			return fmt.Errorf("backend #%d is missing required field 'name'", i+1)
		}
		if seenNames[b.Name] {
			return fmt.Errorf("duplicate backend name found: %q", b.Name)
		}
		seenNames[b.Name] = true

		switch b.Protocol {
		case ProtocolStdio:
			if b.Command != "" {
				if err := validateCommand(b.Command, b.Args); err != nil {
					return fmt.Errorf("backend %q: %w", b.Name, err)
				}
			}
		case ProtocolHTTP:
			if b.URL == "" {
				return fmt.Errorf("backend %q: protocol=http requires non-empty url", b.Name)
			}
		default:
			return fmt.Errorf("backend %q: unknown protocol %q (allowed: stdio, http)", b.Name, b.Protocol)
		}
	}

	return nil
}

// validateCommand checks a command basename against the allowlist and
// checks the command string and every argument for shell metacharacters
// and path traversal. It is invoked at config-validation time AND again by
// the supervisor immediately before every spawn (defense in depth — config
// could in principle be hot-reloaded from a less trusted discovery source).
func validateCommand(command string, args []string) error {
	if command == "" {
		return ErrNoCommand
	}
	if strings.Contains(command, "..") || metacharPattern.MatchString(command) {
		return fmt.Errorf("%w: %q", ErrDisallowedCommand, command)
	}
	base := command
	if idx := strings.LastIndexByte(command, '/'); idx != -1 {
		base = command[idx+1:]
	}
	if !commandAllowlist[base] {
		return fmt.Errorf("%w: %q", ErrDisallowedCommand, command)
	}
	for _, a := range args {
		if metacharPattern.MatchString(a) {
			return fmt.Errorf("%w: %q", ErrDangerousArgs, a)
		}
	}
	return nil
}

// applyDefaults fills in sensible defaults for any unset field.
func applyDefaults(cfg *GatewayConfig) {
	if cfg.Gateway.Port == "" {
		cfg.Gateway.Port = "8080"
	}
	if cfg.Gateway.PortRangeStart == 0 {
		cfg.Gateway.PortRangeStart = 3001
	}
	if cfg.Gateway.PortRangeEnd == 0 {
		cfg.Gateway.PortRangeEnd = 3099
	}
	if cfg.Gateway.DiscoveryInterval == 0 {
		cfg.Gateway.DiscoveryInterval = 15 * time.Second
	}
	if cfg.Gateway.AdminAuth.Method == "" {
		cfg.Gateway.AdminAuth.Method = "none"
	}
}

// BuildBackendMap returns a map from backend name → descriptor for O(1) lookup.
func BuildBackendMap(cfg *GatewayConfig) map[string]*BackendDescriptor {
	m := make(map[string]*BackendDescriptor, len(cfg.Backends))
	for i := range cfg.Backends {
		m[cfg.Backends[i].Name] = &cfg.Backends[i]
	}
	return m
}
