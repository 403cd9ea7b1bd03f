package sync

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/conforma/fieldsync/internal/connectivity"
)

// TriggerConfig configures the connectivity-driven sync triggers.
type TriggerConfig struct {
	// SettleDelay is how long to wait after a reconnect before draining,
	// so a flapping connection isn't synced against (default: 3s).
	SettleDelay time.Duration

	// Logger for trigger activity.
	Logger *log.Logger
}

// DefaultTriggerConfig returns sensible defaults.
func DefaultTriggerConfig() *TriggerConfig {
	return &TriggerConfig{
		SettleDelay: 3 * time.Second,
		Logger:      log.New(os.Stderr, "[sync] ", log.LstdFlags),
	}
}

// Trigger wires the orchestrator to connectivity and lifecycle events.
// Both triggers are fire-and-forget; the orchestrator's own re-entrancy
// guard prevents double execution.
type Trigger struct {
	orch   *Orchestrator
	state  *connectivity.State
	config *TriggerConfig
}

// NewTrigger creates a Trigger for the given orchestrator and
// connectivity state.
func NewTrigger(orch *Orchestrator, state *connectivity.State, config *TriggerConfig) *Trigger {
	if config == nil {
		config = DefaultTriggerConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	return &Trigger{orch: orch, state: state, config: config}
}

// Bind subscribes to connectivity transitions. On a back-online event
// the drain starts after the settle delay, provided the connection held.
func (t *Trigger) Bind(ctx context.Context) {
	t.state.Subscribe(func(online bool) {
		if !online {
			return
		}

		t.config.Logger.Printf("Back online, syncing in %v", t.config.SettleDelay)
		time.AfterFunc(t.config.SettleDelay, func() {
			if ctx.Err() != nil || !t.state.Online() {
				return
			}
			if _, err := t.orch.Run(ctx); err != nil {
				t.config.Logger.Printf("Sync after reconnect failed: %v", err)
			}
		})
	})
}

// StartupCheck runs a drain at application start if there is pending
// work and connectivity is currently up.
func (t *Trigger) StartupCheck(ctx context.Context) {
	if !t.state.Online() {
		return
	}

	count, err := t.orch.store.PendingCount(ctx)
	if err != nil {
		t.config.Logger.Printf("Warning: startup pending check failed: %v", err)
		return
	}
	if count == 0 {
		return
	}

	t.config.Logger.Printf("%d pending item(s) at startup, syncing", count)
	go func() {
		if _, err := t.orch.Run(ctx); err != nil {
			t.config.Logger.Printf("Startup sync failed: %v", err)
		}
	}()
}
