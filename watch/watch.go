// Package watch polls a store file for changes made by other connections
// or processes and runs an action when one is detected.
//
// Crawlers write to their source stores from separate processes, so there
// is no in-process signal to react to. The watcher polls a cheap version
// token (PRAGMA data_version by default, which increments whenever another
// connection commits to the file) and debounces bursts, letting the serve
// loop trigger a consolidation shortly after a crawler finishes writing
// instead of waiting for the next scheduled run.
package watch

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/finveille/dbopen"
)

// ChangeDetector reads a version token from the store. Two calls that
// return different values mean "something changed".
type ChangeDetector func(ctx context.Context, db *sql.DB) (int64, error)

// Options tunes the watcher.
type Options struct {
	// Interval is the polling frequency. Default: 1s.
	Interval time.Duration
	// Debounce is the quiet period after a change before the action
	// fires; further changes during the window reset the timer. 0 fires
	// immediately. Default: 0.
	Debounce time.Duration
	// Detector overrides the default PragmaDataVersion detector.
	Detector ChangeDetector
	Logger   *slog.Logger
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = time.Second
	}
	if o.Detector == nil {
		o.Detector = PragmaDataVersion
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Watcher polls one store file. It holds its own read handle, separate
// from the pool, so polling never competes for pooled handles.
type Watcher struct {
	db   *sql.DB
	path string
	opts Options

	version atomic.Int64

	versionMu   sync.Mutex
	versionCond *sync.Cond

	checks  atomic.Int64
	changes atomic.Int64
	errors  atomic.Int64
	fires   atomic.Int64
}

// Stats are point-in-time counters.
type Stats struct {
	Checks          int64 `json:"checks"`
	ChangesDetected int64 `json:"changes_detected"`
	Errors          int64 `json:"errors"`
	Fires           int64 `json:"fires"`
}

// Open creates a Watcher on the store at path. Call Run to start the loop
// and Close when done.
func Open(path string, opts Options) (*Watcher, error) {
	opts.defaults()
	db, err := dbopen.Open(path, dbopen.WithLogger(opts.Logger))
	if err != nil {
		return nil, err
	}
	w := &Watcher{db: db, path: path, opts: opts}
	w.versionCond = sync.NewCond(&w.versionMu)
	return w, nil
}

// Close releases the watcher's handle.
func (w *Watcher) Close() error { return w.db.Close() }

// Path returns the watched store path.
func (w *Watcher) Path() string { return w.path }

// Stats returns the current counters.
func (w *Watcher) Stats() Stats {
	return Stats{
		Checks:          w.checks.Load(),
		ChangesDetected: w.changes.Load(),
		Errors:          w.errors.Load(),
		Fires:           w.fires.Load(),
	}
}

// Version returns the last observed version token.
func (w *Watcher) Version() int64 { return w.version.Load() }

// Run blocks until ctx is cancelled, polling at opts.Interval. When the
// detector reports a new version and the debounce window passes without
// further changes, action is called.
//
// If action returns an error the version is not advanced, so the action
// is retried on the next poll cycle.
func (w *Watcher) Run(ctx context.Context, action func() error) {
	log := w.opts.Logger

	v, err := w.opts.Detector(ctx, w.db)
	if err != nil {
		log.Warn("watch: initial version check failed", "path", w.path, "err", err)
	} else {
		w.setVersion(v)
	}

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	var debounceTimer *time.Timer
	var debounceCh <-chan time.Time
	pendingVersion := int64(-1)

	log.Info("watch: started", "path", w.path,
		"interval", w.opts.Interval, "debounce", w.opts.Debounce)

	for {
		select {
		case <-ctx.Done():
			log.Info("watch: stopped", "path", w.path)
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case <-ticker.C:
			w.checks.Add(1)
			cur, err := w.opts.Detector(ctx, w.db)
			if err != nil {
				w.errors.Add(1)
				log.Warn("watch: version check failed", "path", w.path, "err", err)
				continue
			}
			if cur != w.version.Load() && cur != pendingVersion {
				w.changes.Add(1)
				pendingVersion = cur

				if w.opts.Debounce <= 0 {
					w.fire(log, action, pendingVersion)
					pendingVersion = -1
				} else {
					if debounceTimer != nil {
						debounceTimer.Stop()
					}
					debounceTimer = time.NewTimer(w.opts.Debounce)
					debounceCh = debounceTimer.C
					log.Debug("watch: change detected, debouncing",
						"path", w.path, "pending_version", cur)
				}
			}

		case <-debounceCh:
			debounceCh = nil
			if pendingVersion >= 0 {
				w.fire(log, action, pendingVersion)
				pendingVersion = -1
			}
		}
	}
}

// WaitForVersion blocks until the watcher has observed and successfully
// processed (action returned nil) a version >= target, or ctx expires.
func (w *Watcher) WaitForVersion(ctx context.Context, target int64) error {
	if w.version.Load() >= target {
		return nil
	}

	done := ctx.Done()
	w.versionMu.Lock()
	defer w.versionMu.Unlock()

	for w.version.Load() < target {
		ch := make(chan struct{})
		go func() {
			select {
			case <-done:
				w.versionCond.Broadcast()
			case <-ch:
			}
		}()

		w.versionCond.Wait()
		close(ch)

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

func (w *Watcher) fire(log *slog.Logger, action func() error, ver int64) {
	start := time.Now()
	if err := action(); err != nil {
		w.errors.Add(1)
		log.Error("watch: action failed", "path", w.path, "err", err, "version", ver)
		return
	}
	w.fires.Add(1)
	w.setVersion(ver)
	log.Info("watch: action complete", "path", w.path,
		"version", ver, "elapsed", time.Since(start))
}

func (w *Watcher) setVersion(v int64) {
	w.version.Store(v)
	w.versionCond.Broadcast()
}

// PragmaDataVersion uses PRAGMA data_version, which increments whenever
// another connection writes to the same store file. It sees cross-process
// and cross-connection mutations, which is exactly what crawler writes are.
func PragmaDataVersion(ctx context.Context, db *sql.DB) (int64, error) {
	var v int64
	err := db.QueryRowContext(ctx, "PRAGMA data_version").Scan(&v)
	return v, err
}

// RowCount polls COUNT(*) on the news table. Unlike data_version it also
// works for a freshly copied file whose data_version restarts at 1.
func RowCount(ctx context.Context, db *sql.DB) (int64, error) {
	var v int64
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM news").Scan(&v)
	return v, err
}
