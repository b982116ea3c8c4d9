package watch

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// startTestWatcherNoCleanup sets up a watcher on dir/session.jsonl
// without registering t.Cleanup(w.Stop).
func startTestWatcherNoCleanup(
	t *testing.T, onChange func([]string),
) (*Watcher, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "session.jsonl")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	w, err := NewWatcher(50*time.Millisecond, nil, onChange)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	if err := w.Add(path); err != nil {
		t.Fatalf("Add: %v", err)
	}
	w.Start()
	return w, path
}

func startTestWatcher(
	t *testing.T, onChange func([]string),
) (*Watcher, string) {
	t.Helper()
	w, path := startTestWatcherNoCleanup(t, onChange)
	t.Cleanup(func() { w.Stop() })
	return w, path
}

func waitWithTimeout(
	t *testing.T, ch <-chan struct{}, timeout time.Duration, msg string,
) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(timeout):
		t.Fatal(msg)
	}
}

// pollUntil polls fn with the given interval until it returns true
// or the timeout expires.
func pollUntil(
	t *testing.T,
	timeout, interval time.Duration,
	msg string,
	fn func() bool,
) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(interval)
	}
	if fn() {
		return
	}
	t.Fatal(msg)
}

func newMockWatcher(
	debounce time.Duration, onChange func([]string), files ...string,
) *Watcher {
	w := &Watcher{
		debounce: debounce,
		files:    make(map[string]bool),
		pending:  make(map[string]time.Time),
		onChange: onChange,
		now:      time.Now,
		logger:   zap.NewNop(),
	}
	for _, f := range files {
		w.files[f] = true
	}
	return w
}

func pendingCount(w *Watcher) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

func appendLine(t *testing.T, path, line string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestWatcherCallsOnChange(t *testing.T) {
	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	var once sync.Once

	_, path := startTestWatcher(t, func(paths []string) {
		mu.Lock()
		got = append(got, paths...)
		mu.Unlock()
		once.Do(func() { close(done) })
	})

	appendLine(t, path, `{"type":"message"}`)
	waitWithTimeout(t, done, 5*time.Second,
		"timed out waiting for onChange callback")

	mu.Lock()
	defer mu.Unlock()
	if !slices.Contains(got, path) {
		t.Fatalf("onChange paths = %v, want %s", got, path)
	}
}

func TestWatcherIgnoresSiblings(t *testing.T) {
	var calls atomic.Int32
	_, path := startTestWatcher(t, func(_ []string) {
		calls.Add(1)
	})

	sibling := filepath.Join(filepath.Dir(path), "other.jsonl")
	if err := os.WriteFile(sibling, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	if n := calls.Load(); n != 0 {
		t.Fatalf("onChange called %d times for an unwatched file", n)
	}
}

func TestWatcherSeesReplacement(t *testing.T) {
	done := make(chan struct{})
	var once sync.Once
	var path string
	_, path = startTestWatcher(t, func(paths []string) {
		if slices.Contains(paths, path) {
			once.Do(func() { close(done) })
		}
	})

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte("{}\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	waitWithTimeout(t, done, 5*time.Second,
		"rename over the watched file was not reported")
}

func TestWatcherStopIdempotency(t *testing.T) {
	w, _ := startTestWatcherNoCleanup(t, func(_ []string) {})
	w.Stop()
	w.Stop()

	w2, path := startTestWatcherNoCleanup(t, func(_ []string) {})
	appendLine(t, path, "{}")
	pollUntil(t, 5*time.Second, 5*time.Millisecond,
		"timed out waiting for watcher to observe write",
		func() bool { return pendingCount(w2) > 0 },
	)

	var wg sync.WaitGroup
	for range 10 {
		wg.Go(w2.Stop)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	waitWithTimeout(t, done, 5*time.Second, "concurrent Stop() timed out")
}

func TestHandleEvent(t *testing.T) {
	const watched = "/tmp/s.jsonl"
	tests := []struct {
		name string
		ev   fsnotify.Event
		want int
	}{
		{"write", fsnotify.Event{Name: watched, Op: fsnotify.Write}, 1},
		{"create", fsnotify.Event{Name: watched, Op: fsnotify.Create}, 1},
		{"remove", fsnotify.Event{Name: watched, Op: fsnotify.Remove}, 1},
		{"chmod", fsnotify.Event{Name: watched, Op: fsnotify.Chmod}, 0},
		{"other file", fsnotify.Event{Name: "/tmp/x", Op: fsnotify.Write}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newMockWatcher(0, nil, watched)
			w.handleEvent(tt.ev)
			if n := pendingCount(w); n != tt.want {
				t.Fatalf("pending = %d, want %d", n, tt.want)
			}
		})
	}
}

func TestFlushRespectsDebouncePeriod(t *testing.T) {
	var called atomic.Bool
	w := newMockWatcher(100*time.Millisecond,
		func(_ []string) { called.Store(true) },
	)
	w.pending["/tmp/recent"] = time.Now()

	w.flush()
	if called.Load() {
		t.Fatal("flush should not call onChange before debounce")
	}
	if n := pendingCount(w); n != 1 {
		t.Fatalf("expected 1 pending, got %d", n)
	}

	w.now = func() time.Time { return time.Now().Add(time.Second) }
	w.flush()
	if !called.Load() {
		t.Fatal("flush should call onChange after debounce")
	}
	if n := pendingCount(w); n != 0 {
		t.Fatalf("expected 0 pending after flush, got %d", n)
	}
}

func TestNewWatcher_NilOnChange(t *testing.T) {
	_, err := NewWatcher(time.Second, nil, nil)
	if !errors.Is(err, os.ErrInvalid) {
		t.Fatalf("expected wrapped os.ErrInvalid, got %v", err)
	}
}
