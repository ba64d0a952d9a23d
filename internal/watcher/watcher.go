// Package watcher triggers rescans when persistence sources change on disk.
// It watches the directories and files the collectors read, coalesces bursts
// of filesystem events over a debounce window, and spaces the resulting
// triggers with a rate limiter so a noisy directory cannot cause scan storms.
//
// Files are watched through their parent directory, which survives the
// rename-into-place pattern editors and package managers use.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"github.com/tripwire/lookout/internal/agent"
)

const (
	defaultDebounce   = 2 * time.Second
	defaultBufferSize = 256
)

// Config configures a SourceWatcher.
type Config struct {
	// Paths are the directories and files to watch. Missing paths are
	// skipped.
	Paths []string

	// Debounce is the quiet period that ends a burst of events.
	Debounce time.Duration

	// MinInterval is the minimum spacing between emitted events. Zero
	// disables rate limiting.
	MinInterval time.Duration

	// BufferSize is the capacity of the raw event buffer between fsnotify
	// and the debouncer.
	BufferSize int
}

// SourceWatcher implements agent.Watcher on fsnotify.
type SourceWatcher struct {
	cfg     Config
	logger  *slog.Logger
	fsw     *fsnotify.Watcher
	limiter *rate.Limiter

	dirs  map[string]bool // watched whole
	files map[string]bool // watched through their parent

	raw    chan string
	events chan agent.WatchEvent
	done   chan struct{}

	mu       sync.Mutex
	started  bool
	stopOnce sync.Once
	wg       sync.WaitGroup
}

var _ agent.Watcher = (*SourceWatcher)(nil)

// New returns a SourceWatcher for cfg. Nothing is watched until Start.
func New(cfg Config, logger *slog.Logger) (*SourceWatcher, error) {
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaultDebounce
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watcher: create: %w", err)
	}

	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}
	return &SourceWatcher{
		cfg:     cfg,
		logger:  logger,
		fsw:     fsw,
		limiter: rate.NewLimiter(limit, 1),
		dirs:    make(map[string]bool),
		files:   make(map[string]bool),
		raw:     make(chan string, cfg.BufferSize),
		events:  make(chan agent.WatchEvent, 1),
		done:    make(chan struct{}),
	}, nil
}

// Start adds the configured paths and starts the event loops. It fails only
// when a path that exists cannot be watched.
func (w *SourceWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return errors.New("watcher: already started")
	}
	w.started = true
	w.mu.Unlock()

	for _, p := range w.cfg.Paths {
		if err := w.add(filepath.Clean(p)); err != nil {
			return err
		}
	}
	w.logger.Info("watcher: started",
		slog.Int("dirs", len(w.dirs)),
		slog.Int("files", len(w.files)),
		slog.Duration("debounce", w.cfg.Debounce),
	)

	w.wg.Add(2)
	go w.processEvents(ctx)
	go w.debounceLoop(ctx)
	return nil
}

func (w *SourceWatcher) add(p string) error {
	fi, err := os.Stat(p)
	switch {
	case err == nil && fi.IsDir():
		if err := w.fsw.Add(p); err != nil {
			return fmt.Errorf("watcher: watch %q: %w", p, err)
		}
		w.dirs[p] = true
		return nil
	case err != nil && !errors.Is(err, os.ErrNotExist):
		w.logger.Debug("watcher: skipping path", slog.String("path", p), slog.Any("error", err))
		return nil
	}

	// A file, or a file that may appear later: watch the parent.
	parent := filepath.Dir(p)
	if _, err := os.Stat(parent); err != nil {
		w.logger.Debug("watcher: skipping path, parent missing", slog.String("path", p))
		return nil
	}
	if !w.dirs[parent] {
		if err := w.fsw.Add(parent); err != nil {
			return fmt.Errorf("watcher: watch %q: %w", parent, err)
		}
	}
	w.files[p] = true
	return nil
}

// relevant reports whether an event on name concerns a watched source.
func (w *SourceWatcher) relevant(name string) bool {
	name = filepath.Clean(name)
	return w.files[name] || w.dirs[name] || w.dirs[filepath.Dir(name)]
}

// Stop closes the fsnotify watcher and waits for the loops to exit. The
// Events channel is closed afterwards. It is safe to call more than once.
func (w *SourceWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		_ = w.fsw.Close()
		w.wg.Wait()
		close(w.events)
	})
}

// Events implements agent.Watcher. At most one event is buffered; further
// triggers while one is pending are merged into it.
func (w *SourceWatcher) Events() <-chan agent.WatchEvent {
	return w.events
}

func (w *SourceWatcher) processEvents(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op == fsnotify.Chmod || !w.relevant(ev.Name) {
				continue
			}
			select {
			case w.raw <- ev.Name:
			default:
				// The debouncer is behind; a pending flush already
				// covers this burst.
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher: fsnotify error", slog.Any("error", err))
		}
	}
}

// debounceLoop batches paths until the debounce window passes without new
// events, then emits one WatchEvent once the rate limiter allows it.
func (w *SourceWatcher) debounceLoop(ctx context.Context) {
	defer w.wg.Done()

	var (
		batch    = make(map[string]struct{})
		timer    *time.Timer
		timerC   <-chan time.Time
		reserved bool
	)
	arm := func(d time.Duration) {
		if timer == nil {
			timer = time.NewTimer(d)
		} else {
			timer.Stop()
			timer.Reset(d)
		}
		timerC = timer.C
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case p := <-w.raw:
			batch[p] = struct{}{}
			if !reserved {
				arm(w.cfg.Debounce)
			}
		case <-timerC:
			timerC = nil
			if len(batch) == 0 {
				continue
			}
			if !reserved {
				if d := w.limiter.Reserve().Delay(); d > 0 {
					reserved = true
					arm(d)
					continue
				}
			}
			reserved = false
			w.emit(batch)
			batch = make(map[string]struct{})
		}
	}
}

func (w *SourceWatcher) emit(batch map[string]struct{}) {
	paths := make([]string, 0, len(batch))
	for p := range batch {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	ev := agent.WatchEvent{Paths: paths, Timestamp: time.Now().UTC()}

	select {
	case w.events <- ev:
		w.logger.Debug("watcher: change batch emitted", slog.Int("paths", len(paths)))
	default:
		w.logger.Debug("watcher: trigger already pending, batch merged", slog.Int("paths", len(paths)))
	}
}
