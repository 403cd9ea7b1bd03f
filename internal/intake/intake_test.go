package intake

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestParseSpoolName(t *testing.T) {
	cases := []struct {
		name    string
		audit   string
		item    string
		wantErr bool
	}{
		{"srv-1__ti-9__001.jpg", "srv-1", "ti-9", false},
		{"local-abc__ti-1__2.jpeg", "local-abc", "ti-1", false},
		{"srv-1__ti-9.png", "srv-1", "ti-9", false}, // seq is optional
		{"srv-1.jpg", "", "", true},
		{"__ti-9__001.jpg", "", "", true},
		{"srv-1____001.jpg", "", "", true},
		{"", "", "", true},
	}

	for _, c := range cases {
		audit, item, err := ParseSpoolName(c.name)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParseSpoolName(%q): expected error", c.name)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseSpoolName(%q) failed: %v", c.name, err)
			continue
		}
		if audit != c.audit || item != c.item {
			t.Errorf("ParseSpoolName(%q) = %q/%q, want %q/%q", c.name, audit, item, c.audit, c.item)
		}
	}
}

// recordingSink captures AddPhoto calls.
type recordingSink struct {
	mu     sync.Mutex
	photos []capturedPhoto
}

type capturedPhoto struct {
	auditID        string
	templateItemID string
	data           []byte
}

func (s *recordingSink) AddPhoto(ctx context.Context, auditID, templateItemID string, data []byte, lat, lon *float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.photos = append(s.photos, capturedPhoto{auditID, templateItemID, data})
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.photos)
}

func (s *recordingSink) first() capturedPhoto {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.photos[0]
}

func TestNewValidation(t *testing.T) {
	if _, err := New(nil, "/tmp/spool", nil); err == nil {
		t.Error("expected error for nil sink")
	}
	if _, err := New(&recordingSink{}, "", nil); err == nil {
		t.Error("expected error for empty spool dir")
	}
}

func TestWatcherIngestsPreexistingFiles(t *testing.T) {
	spool := t.TempDir()
	sink := &recordingSink{}

	// A photo spooled before the watcher started.
	photo := []byte{0xFF, 0xD8, 0xFF, 0xE0}
	path := filepath.Join(spool, "srv-1__ti-9__001.jpg")
	if err := os.WriteFile(path, photo, 0644); err != nil {
		t.Fatalf("failed to write spool file: %v", err)
	}

	w, err := New(sink, spool, &Config{
		DebounceInterval: 20 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[test] ", 0),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	waitFor(t, 2*time.Second, func() bool { return sink.count() == 1 })

	got := sink.first()
	if got.auditID != "srv-1" || got.templateItemID != "ti-9" {
		t.Errorf("unexpected routing: %+v", got)
	}
	if string(got.data) != string(photo) {
		t.Error("photo bytes were not delivered intact")
	}

	// The spool file is gone once the engine owns the bytes.
	waitFor(t, 2*time.Second, func() bool {
		_, err := os.Stat(path)
		return os.IsNotExist(err)
	})

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
}

func TestWatcherIngestsNewFiles(t *testing.T) {
	spool := t.TempDir()
	sink := &recordingSink{}

	w, err := New(sink, spool, &Config{
		DebounceInterval: 20 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[test] ", 0),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Start(ctx) }()

	// Give the watch a moment to be registered.
	time.Sleep(100 * time.Millisecond)

	path := filepath.Join(spool, "local-abc__ti-1__001.jpg")
	if err := os.WriteFile(path, []byte("jpeg-bytes"), 0644); err != nil {
		t.Fatalf("failed to write spool file: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return sink.count() == 1 })

	got := sink.first()
	if got.auditID != "local-abc" || got.templateItemID != "ti-1" {
		t.Errorf("unexpected routing: %+v", got)
	}
}

func TestWatcherIgnoresNonPhotoFiles(t *testing.T) {
	spool := t.TempDir()
	sink := &recordingSink{}

	if err := os.WriteFile(filepath.Join(spool, "notes.txt"), []byte("not a photo"), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	w, err := New(sink, spool, &Config{
		DebounceInterval: 20 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[test] ", 0),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Start(ctx) }()

	time.Sleep(200 * time.Millisecond)
	if sink.count() != 0 {
		t.Errorf("non-photo file was ingested")
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.After(timeout)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("condition never met")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}
