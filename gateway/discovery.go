package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// DiscoveryManager periodically scans a directory for backend descriptor
// files (one JSON-encoded BackendDescriptor per file) and merges them with
// the static configuration, so backends can be added or removed without a
// gateway restart (spec §5 "discovery").
type DiscoveryManager struct {
	dir            string
	logger         *slog.Logger
	onConfigChange func(*GatewayConfig)

	mu           sync.Mutex
	staticConfig *GatewayConfig
	lastDigest   string
}

// NewDiscoveryManager creates a discovery engine scanning dir for backend
// descriptor files. onConfigChange is called with the merged configuration
// after every scan that produces a valid result, whether or not it changed.
func NewDiscoveryManager(dir string, staticConfig *GatewayConfig, onConfigChange func(*GatewayConfig), logger *slog.Logger) *DiscoveryManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &DiscoveryManager{
		dir:            dir,
		logger:         logger,
		staticConfig:   staticConfig,
		onConfigChange: onConfigChange,
	}
}

// UpdateStaticConfig updates the base static config used during merging,
// typically called after a SIGHUP hot-reload, and triggers an immediate
// rescan.
func (dm *DiscoveryManager) UpdateStaticConfig(cfg *GatewayConfig) {
	dm.mu.Lock()
	dm.staticConfig = cfg
	dm.mu.Unlock()

	dm.runDiscovery()
}

// Start begins the polling loop, scanning dir every interval until ctx is
// canceled. A no-op if dm.dir is empty.
func (dm *DiscoveryManager) Start(ctx context.Context, interval time.Duration) {
	if dm.dir == "" {
		return
	}
	dm.runDiscovery()

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				dm.runDiscovery()
			}
		}
	}()
}

// runDiscovery executes a single scan-merge-validate-publish pass.
func (dm *DiscoveryManager) runDiscovery() {
	discovered, digest, err := dm.scan()
	if err != nil {
		dm.logger.Warn("discovery: scan failed", "dir", dm.dir, "error", err)
		return
	}

	dm.mu.Lock()
	changed := digest != dm.lastDigest
	dm.lastDigest = digest
	dm.mu.Unlock()

	RecordDiscoveryScan(changed)

	merged := dm.mergeConfigs(discovered)
	if err := merged.Validate(); err != nil {
		dm.logger.Warn("discovery: merge produced an invalid configuration", "error", err)
		return
	}

	dm.onConfigChange(merged)
}

// scan reads every *.json file directly under dm.dir, decoding each as a
// BackendDescriptor. A digest of file names and mod times is returned
// alongside so callers can cheaply tell whether anything changed.
func (dm *DiscoveryManager) scan() ([]BackendDescriptor, string, error) {
	if dm.dir == "" {
		return nil, "", nil
	}
	entries, err := os.ReadDir(dm.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", nil
		}
		return nil, "", err
	}

	var discovered []BackendDescriptor
	var digestParts []string

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(dm.dir, entry.Name())

		info, err := entry.Info()
		if err != nil {
			dm.logger.Warn("discovery: stat failed", "file", path, "error", err)
			continue
		}
		digestParts = append(digestParts, entry.Name()+":"+info.ModTime().UTC().Format(time.RFC3339Nano))

		data, err := os.ReadFile(path)
		if err != nil {
			dm.logger.Warn("discovery: read failed", "file", path, "error", err)
			continue
		}
		var desc BackendDescriptor
		if err := json.Unmarshal(data, &desc); err != nil {
			dm.logger.Warn("discovery: invalid descriptor", "file", path, "error", err)
			continue
		}
		desc.deriveCapabilities()
		discovered = append(discovered, desc)
	}

	sort.Strings(digestParts)
	return discovered, strings.Join(digestParts, "|"), nil
}

// mergeConfigs combines the static config with discovered backends. Static
// backends always win name conflicts; a discovered backend whose name
// collides with a static one is skipped and logged.
func (dm *DiscoveryManager) mergeConfigs(discovered []BackendDescriptor) *GatewayConfig {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	merged := &GatewayConfig{Gateway: dm.staticConfig.Gateway}

	seen := make(map[string]bool)
	for _, sb := range dm.staticConfig.Backends {
		merged.Backends = append(merged.Backends, sb)
		seen[sb.Name] = true
	}

	for _, db := range discovered {
		if seen[db.Name] {
			dm.logger.Warn("discovery: skipping discovered backend, name already defined statically", "backend", db.Name)
			continue
		}
		merged.Backends = append(merged.Backends, db)
		seen[db.Name] = true
	}

	return merged
}
