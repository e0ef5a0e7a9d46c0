// Package health tracks the health of the scanner, camera, detector and publishers
package health

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Overall states
const (
	StatusOK        = "ok"
	StatusDegraded  = "degraded"  // An optional component is down
	StatusUnhealthy = "unhealthy" // A critical component is down
)

// Status represents overall system health
type Status struct {
	Status        string           `json:"status"`
	Version       string           `json:"version"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Components    map[string]Check `json:"components"`
}

// Check represents a component health check
type Check struct {
	Healthy   bool      `json:"healthy"`
	Critical  bool      `json:"critical"`
	Message   string    `json:"message,omitempty"`
	LastCheck time.Time `json:"last_check"`
}

// Probe reports a component's health
type Probe func() (healthy bool, message string)

type registration struct {
	critical bool
	probe    Probe
}

// Checker tracks health of system components
type Checker struct {
	mu         sync.RWMutex
	version    string
	startTime  time.Time
	components map[string]Check
	probes     map[string]registration
}

// NewChecker creates a new health checker
func NewChecker(version string) *Checker {
	return &Checker{
		version:    version,
		startTime:  time.Now(),
		components: make(map[string]Check),
		probes:     make(map[string]registration),
	}
}

// Register adds a probe evaluated on every Refresh. Critical components turn
// the overall status unhealthy, others only degrade it.
func (c *Checker) Register(name string, critical bool, probe Probe) {
	c.mu.Lock()
	c.probes[name] = registration{critical: critical, probe: probe}
	c.mu.Unlock()

	c.Refresh()
}

// SetComponent records a component's health directly
func (c *Checker) SetComponent(name string, healthy bool, critical bool, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.components[name] = Check{
		Healthy:   healthy,
		Critical:  critical,
		Message:   message,
		LastCheck: time.Now(),
	}
}

// Refresh evaluates all registered probes
func (c *Checker) Refresh() {
	c.mu.RLock()
	probes := make(map[string]registration, len(c.probes))
	for name, reg := range c.probes {
		probes[name] = reg
	}
	c.mu.RUnlock()

	for name, reg := range probes {
		healthy, msg := reg.probe()
		c.SetComponent(name, healthy, reg.critical, msg)
	}
}

// Run refreshes probes every interval until ctx is cancelled
func (c *Checker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Refresh()
		}
	}
}

// GetStatus returns the overall health status
func (c *Checker) GetStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := StatusOK
	components := make(map[string]Check, len(c.components))
	for name, check := range c.components {
		components[name] = check
		if check.Healthy {
			continue
		}
		if check.Critical {
			status = StatusUnhealthy
		} else if status == StatusOK {
			status = StatusDegraded
		}
	}

	return Status{
		Status:        status,
		Version:       c.version,
		UptimeSeconds: int64(time.Since(c.startTime).Seconds()),
		Components:    components,
	}
}

// IsHealthy returns true if no critical component is down
func (c *Checker) IsHealthy() bool {
	return c.GetStatus().Status != StatusUnhealthy
}

// Unhealthy lists the components currently down, sorted by name
func (c *Checker) Unhealthy() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var names []string
	for name, check := range c.components {
		if !check.Healthy {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
