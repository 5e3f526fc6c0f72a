package gateway

import (
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// portAllocation is one entry in the Allocator's bookkeeping: a single
// name↔port mapping plus its reservation state.
type portAllocation struct {
	port         int
	name         string
	allocatedAt  time.Time
	reserved     bool
	reservedAt   time.Time
	reserveTimer *time.Timer
}

// RangeInfo summarizes the allocator's pool for the /ports admin endpoint.
type RangeInfo struct {
	Start     int `json:"start"`
	End       int `json:"end"`
	Total     int `json:"total"`
	Allocated int `json:"allocated"`
	Available int `json:"available"`
}

// Allocator reserves local TCP ports for stdio backends from a fixed range,
// liveness-checking each candidate with an OS-level bind probe before
// handing it out. It is the "A" component of the gateway (spec §4.A).
type Allocator struct {
	start, end int
	logger     *slog.Logger

	mu         sync.Mutex
	byPort     map[int]*portAllocation
	byName     map[string]int
	reservationTimeout time.Duration

	sweeper *cron.Cron
}

// AllocatorOption configures optional Allocator behavior.
type AllocatorOption func(*Allocator)

// WithLogger injects a logger sink, satisfying the "no global logger
// singleton" design constraint (spec §9).
func WithLogger(l *slog.Logger) AllocatorOption {
	return func(a *Allocator) { a.logger = l }
}

// WithReservationTimeout overrides the default 60s single-shot reservation timer.
func WithReservationTimeout(d time.Duration) AllocatorOption {
	return func(a *Allocator) { a.reservationTimeout = d }
}

// NewAllocator constructs a Port Allocator over [start, end]. Construction
// fails when start or end falls outside [1, 65535] or start >= end.
func NewAllocator(start, end int, opts ...AllocatorOption) (*Allocator, error) {
	if start < 1 || start > 65535 || end < 1 || end > 65535 || start >= end {
		return nil, fmt.Errorf("%w: start=%d end=%d", ErrInvalidPortRange, start, end)
	}
	a := &Allocator{
		start:              start,
		end:                end,
		logger:             slog.Default(),
		byPort:             make(map[int]*portAllocation),
		byName:             make(map[string]int),
		reservationTimeout: 60 * time.Second,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// probeFree reports whether port is currently bindable on the loopback
// interface. This reduces, but does not eliminate, TOCTOU races — the port
// is only guaranteed bindable once its eventual consumer actually binds it.
func probeFree(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	l.Close()
	return true
}

// Allocate reserves a port for name. If name already has a port, the call is
// idempotent and returns the existing port. If preferred is non-zero, in
// range, and free, it is used; otherwise the range is scanned from start to
// end for the first free port. Fails with ErrNoPortsAvailable when the scan
// is exhausted.
func (a *Allocator) Allocate(name string, preferred int) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if port, ok := a.byName[name]; ok {
		return port, nil
	}

	if preferred >= a.start && preferred <= a.end {
		if _, taken := a.byPort[preferred]; !taken && probeFree(preferred) {
			a.assign(name, preferred)
			return preferred, nil
		}
	}

	for p := a.start; p <= a.end; p++ {
		if _, taken := a.byPort[p]; taken {
			continue
		}
		if probeFree(p) {
			a.assign(name, p)
			return p, nil
		}
	}

	return 0, fmt.Errorf("%w: range [%d,%d] exhausted", ErrNoPortsAvailable, a.start, a.end)
}

// assign records a new name↔port mapping. Caller must hold a.mu.
func (a *Allocator) assign(name string, port int) {
	a.byPort[port] = &portAllocation{port: port, name: name, allocatedAt: time.Now()}
	a.byName[name] = port
	PortsInUse.Set(float64(len(a.byPort)))
	a.logger.Info("port allocated", "backend", name, "port", port)
}

// ReservePort marks an already-allocated port as reserved and arms a
// single-shot timer that clears the reserved flag after the allocator's
// reservationTimeout. If port is zero, name's own port is reserved.
// The allocation itself is never released by reservation expiry — this is
// retained deliberately (spec §9).
func (a *Allocator) ReservePort(name string, port int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if port == 0 {
		p, ok := a.byName[name]
		if !ok {
			return fmt.Errorf("%w: %q has no allocation", ErrPortNotAllocated, name)
		}
		port = p
	}

	alloc, ok := a.byPort[port]
	if !ok {
		return fmt.Errorf("%w: %d", ErrPortNotAllocated, port)
	}
	if alloc.name != name {
		return fmt.Errorf("%w: port %d belongs to %q, not %q", ErrPortNameMismatch, port, alloc.name, name)
	}

	if alloc.reserveTimer != nil {
		alloc.reserveTimer.Stop()
	}
	alloc.reserved = true
	alloc.reservedAt = time.Now()
	alloc.reserveTimer = time.AfterFunc(a.reservationTimeout, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if cur, ok := a.byPort[port]; ok && cur == alloc {
			alloc.reserved = false
		}
	})
	return nil
}

// ReleasePort cancels any reservation timer and removes both mappings for
// name. Returns true iff a mapping existed.
func (a *Allocator) ReleasePort(name string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	port, ok := a.byName[name]
	if !ok {
		return false
	}
	if alloc, ok := a.byPort[port]; ok && alloc.reserveTimer != nil {
		alloc.reserveTimer.Stop()
	}
	delete(a.byPort, port)
	delete(a.byName, name)
	PortsInUse.Set(float64(len(a.byPort)))
	a.logger.Info("port released", "backend", name, "port", port)
	return true
}

// PortForName returns the port allocated to name, if any.
func (a *Allocator) PortForName(name string) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.byName[name]
	return p, ok
}

// NameForPort returns the name a port is allocated to, if any.
func (a *Allocator) NameForPort(port int) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	alloc, ok := a.byPort[port]
	if !ok {
		return "", false
	}
	return alloc.name, true
}

// Allocations returns a snapshot of (name, port, allocatedAt, reserved).
type AllocationSnapshot struct {
	Name        string    `json:"name"`
	Port        int       `json:"port"`
	AllocatedAt time.Time `json:"allocated_at"`
	Reserved    bool      `json:"reserved"`
}

// Allocations returns a point-in-time snapshot of every active allocation,
// sorted by port for stable output.
func (a *Allocator) Allocations() []AllocationSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]AllocationSnapshot, 0, len(a.byPort))
	for _, alloc := range a.byPort {
		out = append(out, AllocationSnapshot{
			Name:        alloc.name,
			Port:        alloc.port,
			AllocatedAt: alloc.allocatedAt,
			Reserved:    alloc.reserved,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

// ReservedPorts returns the ports currently flagged reserved.
func (a *Allocator) ReservedPorts() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []int
	for p, alloc := range a.byPort {
		if alloc.reserved {
			out = append(out, p)
		}
	}
	sort.Ints(out)
	return out
}

// RangeInfo reports pool utilization for the /ports admin endpoint.
func (a *Allocator) RangeInfo() RangeInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	total := a.end - a.start + 1
	return RangeInfo{
		Start:     a.start,
		End:       a.end,
		Total:     total,
		Allocated: len(a.byPort),
		Available: total - len(a.byPort),
	}
}

// NextAvailablePorts returns up to k ports from the range that are neither
// allocated nor currently bound by another process, without allocating them.
func (a *Allocator) NextAvailablePorts(k int) []int {
	a.mu.Lock()
	taken := make(map[int]bool, len(a.byPort))
	for p := range a.byPort {
		taken[p] = true
	}
	a.mu.Unlock()

	var out []int
	for p := a.start; p <= a.end && len(out) < k; p++ {
		if taken[p] {
			continue
		}
		if probeFree(p) {
			out = append(out, p)
		}
	}
	return out
}

// StartReservationSweep arms a cron-scheduled background sweep that clears
// expired reservations proactively (in addition to each reservation's own
// single-shot timer) — this catches reservations whose timer goroutine was
// starved under heavy load. schedule is a standard 5-field cron expression;
// an empty schedule defaults to "@every 30s", matching the WebSocket
// relay's heartbeat cadence (spec §5).
func (a *Allocator) StartReservationSweep(schedule string) error {
	if schedule == "" {
		schedule = "@every 30s"
	}
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		now := time.Now()
		a.mu.Lock()
		defer a.mu.Unlock()
		for _, alloc := range a.byPort {
			if alloc.reserved && now.Sub(alloc.reservedAt) > a.reservationTimeout {
				alloc.reserved = false
			}
		}
	})
	if err != nil {
		return fmt.Errorf("allocator: invalid sweep schedule %q: %w", schedule, err)
	}
	a.sweeper = c
	c.Start()
	return nil
}

// Cleanup cancels all reservation timers, stops the sweep cron (if armed),
// and empties both maps.
func (a *Allocator) Cleanup() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, alloc := range a.byPort {
		if alloc.reserveTimer != nil {
			alloc.reserveTimer.Stop()
		}
	}
	if a.sweeper != nil {
		a.sweeper.Stop()
	}
	a.byPort = make(map[int]*portAllocation)
	a.byName = make(map[string]int)
}
