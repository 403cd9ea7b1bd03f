package connectivity

import (
	"context"
	"log"
	"os"
	"time"
)

// Prober checks server reachability. *api.Client satisfies this.
type Prober interface {
	Ping(ctx context.Context) error
}

// MonitorConfig configures the connectivity monitor.
type MonitorConfig struct {
	// Interval is how often to probe the server (default: 15s).
	Interval time.Duration

	// ProbeTimeout bounds a single probe (default: 5s).
	ProbeTimeout time.Duration

	// Logger for monitor activity.
	Logger *log.Logger
}

// DefaultMonitorConfig returns sensible defaults.
func DefaultMonitorConfig() *MonitorConfig {
	return &MonitorConfig{
		Interval:     15 * time.Second,
		ProbeTimeout: 5 * time.Second,
		Logger:       log.New(os.Stderr, "[connectivity] ", log.LstdFlags),
	}
}

// Monitor drives a State from periodic reachability probes.
type Monitor struct {
	state  *State
	prober Prober
	config *MonitorConfig
}

// NewMonitor creates a monitor that flips state based on probe results.
func NewMonitor(state *State, prober Prober, config *MonitorConfig) *Monitor {
	if config == nil {
		config = DefaultMonitorConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[connectivity] ", log.LstdFlags)
	}
	return &Monitor{state: state, prober: prober, config: config}
}

// Run probes immediately, then on every tick, until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.probe(ctx)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probe(ctx)
		}
	}
}

func (m *Monitor) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
	defer cancel()

	err := m.prober.Ping(probeCtx)
	online := err == nil
	if online != m.state.Online() {
		if online {
			m.config.Logger.Printf("Connection restored")
		} else {
			m.config.Logger.Printf("Connection lost: %v", err)
		}
	}
	m.state.Set(online)
}
