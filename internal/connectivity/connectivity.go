// Package connectivity answers whether a sync pass is worth attempting right
// now. The engine only reads it; nothing here blocks a pass.
package connectivity

import (
	"context"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"
)

// Gate is the read side consumed by the sync engine.
type Gate interface {
	IsOnline() bool
	// IsPreferredNetwork reports whether traffic currently goes over the
	// network the user prefers for syncing (e.g. Wi-Fi).
	IsPreferredNetwork() bool
}

// Static is a fixed answer, used when monitoring is disabled and in tests.
type Static struct {
	Online    bool
	Preferred bool
}

func (s Static) IsOnline() bool           { return s.Online }
func (s Static) IsPreferredNetwork() bool { return s.Preferred }

// ProbeFunc returns nil when the remote store is reachable.
type ProbeFunc func(ctx context.Context) error

// Iface is the slice of a network interface the monitor looks at.
type Iface struct {
	Name    string
	Up      bool
	HasAddr bool
}

// State is one observation.
type State struct {
	Online    bool
	Preferred bool
}

// Monitor probes the remote store periodically and inspects local network
// interfaces to classify the current network.
type Monitor struct {
	probe      ProbeFunc
	interval   time.Duration
	prefixes   []string
	interfaces func() ([]Iface, error)
	logger     *slog.Logger

	mu       sync.Mutex
	state    State
	onChange func(State)
}

// MonitorConfig configures a [Monitor].
type MonitorConfig struct {
	// Interval between probes. Zero selects 30s.
	Interval time.Duration
	// PreferredPrefixes are interface name prefixes that count as the
	// preferred network, e.g. "wlan", "wl", "en0". Empty means every network
	// is preferred.
	PreferredPrefixes []string
}

// NewMonitor returns a monitor that starts out optimistic (online and on the
// preferred network) until the first check says otherwise.
func NewMonitor(probe ProbeFunc, cfg MonitorConfig, logger *slog.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		probe:      probe,
		interval:   cfg.Interval,
		prefixes:   cfg.PreferredPrefixes,
		interfaces: systemInterfaces,
		logger:     logger,
		state:      State{Online: true, Preferred: true},
	}
}

// OnChange registers fn to be called after any check that changes the state.
func (m *Monitor) OnChange(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Online
}

func (m *Monitor) IsPreferredNetwork() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Online && m.state.Preferred
}

// Current returns the latest observation.
func (m *Monitor) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Check runs one probe and interface scan and returns the new state.
func (m *Monitor) Check(ctx context.Context) State {
	next := State{Online: true}
	if m.probe != nil {
		if err := m.probe(ctx); err != nil {
			m.logger.Debug("connectivity probe failed", "error", err)
			next.Online = false
		}
	}
	next.Preferred = m.onPreferred()

	m.mu.Lock()
	prev := m.state
	m.state = next
	fn := m.onChange
	m.mu.Unlock()

	if prev != next {
		m.logger.Info("connectivity changed", "online", next.Online, "preferred_network", next.Preferred)
		if fn != nil {
			fn(next)
		}
	}
	return next
}

// Run checks immediately and then every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	m.Check(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

func (m *Monitor) onPreferred() bool {
	if len(m.prefixes) == 0 {
		return true
	}
	ifaces, err := m.interfaces()
	if err != nil {
		m.logger.Warn("listing network interfaces", "error", err)
		return false
	}
	for _, ifc := range ifaces {
		if !ifc.Up || !ifc.HasAddr {
			continue
		}
		for _, p := range m.prefixes {
			if strings.HasPrefix(ifc.Name, p) {
				return true
			}
		}
	}
	return false
}

func systemInterfaces() ([]Iface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	out := make([]Iface, 0, len(ifaces))
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, _ := ifc.Addrs()
		out = append(out, Iface{
			Name:    ifc.Name,
			Up:      ifc.Flags&net.FlagUp != 0 && ifc.Flags&net.FlagRunning != 0,
			HasAddr: len(addrs) > 0,
		})
	}
	return out, nil
}
