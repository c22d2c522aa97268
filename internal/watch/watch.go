// Package watch triggers sync sessions when a SQLite database file changes.
//
// The watcher observes the database's directory, since SQLite writes
// through the -wal and -journal side files as well as the main file. Bursts
// of writes are debounced into a single trigger. An optional interval
// triggers periodically regardless of local writes, so server changes are
// picked up too.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the quiet period before a trigger fires.
const DefaultDebounce = 2 * time.Second

// Reason says why a trigger fired.
type Reason string

const (
	ReasonStart    Reason = "start"
	ReasonChange   Reason = "change"
	ReasonInterval Reason = "interval"
)

// Func runs one triggered action. Errors are logged and do not stop the
// watcher.
type Func func(ctx context.Context, reason Reason) error

// Watcher debounces file events on one database.
type Watcher struct {
	path     string
	dir      string
	base     string
	debounce time.Duration
	interval time.Duration
	logger   *slog.Logger
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets the quiet period after the last write.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

// WithInterval enables periodic triggers. Zero disables them.
func WithInterval(d time.Duration) Option {
	return func(w *Watcher) { w.interval = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) { w.logger = l }
}

// New returns a watcher for the database at path.
func New(path string, opts ...Option) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	w := &Watcher{
		path:     abs,
		dir:      filepath.Dir(abs),
		base:     filepath.Base(abs),
		debounce: DefaultDebounce,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.debounce <= 0 {
		w.debounce = DefaultDebounce
	}
	return w, nil
}

// relevant reports whether an event touches the database. Shared-memory
// index updates (-shm) happen on reads too and are ignored.
func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return false
	}
	name := filepath.Base(ev.Name)
	if !strings.HasPrefix(name, w.base) {
		return false
	}
	switch strings.TrimPrefix(name, w.base) {
	case "", "-wal", "-journal":
		return true
	}
	return false
}

// Run calls fn once at start, after every debounced burst of writes, and
// on every interval tick, until ctx is done. Calls never overlap: events
// arriving while fn runs schedule one more call after it returns.
func (w *Watcher) Run(ctx context.Context, fn Func) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer fsw.Close()
	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	var tick <-chan time.Time
	if w.interval > 0 {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	run := func(reason Reason) {
		if ctx.Err() != nil {
			return
		}
		w.logger.Debug("watch trigger", "reason", reason, "db", w.path)
		if err := fn(ctx, reason); err != nil && ctx.Err() == nil {
			w.logger.Error("triggered run failed", "reason", reason, "error", err)
		}
	}

	run(ReasonStart)
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if w.relevant(ev) {
				timer.Reset(w.debounce)
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", "error", err)

		case <-timer.C:
			run(ReasonChange)

		case <-tick:
			run(ReasonInterval)
		}
	}
}
