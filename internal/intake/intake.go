// Package intake watches a photo spool directory and routes captured
// photos into the audit façade.
//
// Field tablets drop JPEGs into the spool directory using the naming
// convention <auditID>__<templateItemID>__<seq>.jpg. The watcher picks
// them up (debounced, so a file still being written isn't read half
// way), attaches them through the façade - online or offline
// transparently - and removes the spool file once the photo is safely
// in the engine's hands.
package intake

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// PhotoSink receives spooled photos. *audit.Service satisfies this.
type PhotoSink interface {
	AddPhoto(ctx context.Context, auditID, templateItemID string, data []byte, lat, lon *float64) error
}

// Config holds configuration for the watcher.
type Config struct {
	// DebounceInterval is how long a file must sit unchanged before it
	// is processed (default: 500ms). Camera apps write incrementally.
	DebounceInterval time.Duration

	// Logger for watcher activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 500 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[intake] ", log.LstdFlags),
	}
}

// Watcher monitors the spool directory and forwards photos to the sink.
type Watcher struct {
	sink     PhotoSink
	spoolDir string
	config   *Config

	watcher       *fsnotify.Watcher
	changeQueue   map[string]time.Time // filepath -> last event time
	changeQueueMu sync.Mutex

	wg sync.WaitGroup
}

// New creates a Watcher over the given spool directory.
func New(sink PhotoSink, spoolDir string, config *Config) (*Watcher, error) {
	if sink == nil {
		return nil, fmt.Errorf("sink cannot be nil")
	}
	if spoolDir == "" {
		return nil, fmt.Errorf("spoolDir cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &Watcher{
		sink:        sink,
		spoolDir:    spoolDir,
		config:      config,
		watcher:     fw,
		changeQueue: make(map[string]time.Time),
	}, nil
}

// Start processes any files already in the spool, then watches for new
// ones. Blocks until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.spoolDir, 0755); err != nil {
		return fmt.Errorf("failed to create spool directory: %w", err)
	}
	if err := w.watcher.Add(w.spoolDir); err != nil {
		return fmt.Errorf("failed to watch spool directory: %w", err)
	}

	w.config.Logger.Printf("Watching spool: %s", w.spoolDir)

	// Pick up photos spooled while the daemon was down.
	entries, err := os.ReadDir(w.spoolDir)
	if err != nil {
		return fmt.Errorf("failed to read spool directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() && isPhotoFile(entry.Name()) {
			w.queueChange(filepath.Join(w.spoolDir, entry.Name()))
		}
	}

	w.wg.Add(2)
	go w.watchFileEvents(ctx)
	go w.processChangeQueue(ctx)

	<-ctx.Done()

	if err := w.watcher.Close(); err != nil {
		w.config.Logger.Printf("Error closing watcher: %v", err)
	}
	w.wg.Wait()

	w.config.Logger.Printf("Spool watcher stopped")
	return nil
}

// watchFileEvents monitors filesystem events and queues changes.
func (w *Watcher) watchFileEvents(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !isPhotoFile(event.Name) {
				continue
			}
			w.queueChange(event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// queueChange records a file event with debouncing.
func (w *Watcher) queueChange(path string) {
	w.changeQueueMu.Lock()
	defer w.changeQueueMu.Unlock()

	w.changeQueue[path] = time.Now()
}

// processChangeQueue flushes files that have been quiet long enough.
func (w *Watcher) processChangeQueue(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.processPending(ctx)
		}
	}
}

func (w *Watcher) processPending(ctx context.Context) {
	w.changeQueueMu.Lock()
	now := time.Now()
	var ready []string
	for path, queuedAt := range w.changeQueue {
		if now.Sub(queuedAt) < w.config.DebounceInterval {
			continue
		}
		ready = append(ready, path)
		delete(w.changeQueue, path)
	}
	w.changeQueueMu.Unlock()

	for _, path := range ready {
		if err := w.ingest(ctx, path); err != nil {
			w.config.Logger.Printf("Error ingesting %s: %v", filepath.Base(path), err)
		}
	}
}

// ingest reads a spool file, routes it through the sink, and removes it.
func (w *Watcher) ingest(ctx context.Context, path string) error {
	auditID, templateItemID, err := ParseSpoolName(filepath.Base(path))
	if err != nil {
		return err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // removed out from under us
		}
		return fmt.Errorf("failed to read spool file: %w", err)
	}

	if err := w.sink.AddPhoto(ctx, auditID, templateItemID, data, nil, nil); err != nil {
		return fmt.Errorf("failed to attach photo: %w", err)
	}

	if err := os.Remove(path); err != nil {
		w.config.Logger.Printf("Warning: failed to remove spool file %s: %v", path, err)
	}

	w.config.Logger.Printf("Ingested photo for audit %s, item %s", auditID, templateItemID)
	return nil
}

// ParseSpoolName extracts the audit and template-item ids from a spool
// filename of the form <auditID>__<templateItemID>__<seq>.jpg.
func ParseSpoolName(name string) (auditID, templateItemID string, err error) {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	parts := strings.Split(base, "__")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("spool filename %q does not match <auditID>__<templateItemID>__<seq>", name)
	}
	return parts[0], parts[1], nil
}

func isPhotoFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png":
		return true
	}
	return false
}
