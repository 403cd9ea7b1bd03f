package sync

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/conforma/fieldsync/internal/store"
)

// DefaultCountDebounce batches bursts of queue mutations into a single
// pending-count recomputation.
const DefaultCountDebounce = 250 * time.Millisecond

// PendingCounter recomputes and republishes the pending-mutation count
// for UI consumption.
//
// Bump schedules a recomputation after a debounce interval; a repeat
// call cancels and reschedules the timer, so a burst of enqueues
// publishes once. Flush recomputes immediately. A nil *PendingCounter
// is valid and does nothing.
type PendingCounter struct {
	store    *store.Store
	publish  func(count int)
	debounce time.Duration
	logger   *log.Logger

	mu    sync.Mutex
	timer *time.Timer
}

// NewPendingCounter creates a counter publishing through publish. If
// debounce is zero, DefaultCountDebounce is used. If logger is nil, a
// default stderr logger is used.
func NewPendingCounter(st *store.Store, publish func(count int), debounce time.Duration, logger *log.Logger) *PendingCounter {
	if debounce == 0 {
		debounce = DefaultCountDebounce
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	return &PendingCounter{
		store:    st,
		publish:  publish,
		debounce: debounce,
		logger:   logger,
	}
}

// Bump schedules a debounced recomputation.
func (c *PendingCounter) Bump() {
	if c == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.debounce, c.recompute)
}

// Flush cancels any scheduled recomputation and recomputes now.
func (c *PendingCounter) Flush() {
	if c == nil {
		return
	}

	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()

	c.recompute()
}

func (c *PendingCounter) recompute() {
	count, err := c.store.PendingCount(context.Background())
	if err != nil {
		c.logger.Printf("Warning: failed to recompute pending count: %v", err)
		return
	}
	if c.publish != nil {
		c.publish(count)
	}
}
