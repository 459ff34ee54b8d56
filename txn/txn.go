// Package txn is the single source of truth for how a write against a store
// file is attempted.
//
// A unit of work runs inside one transaction on one pooled handle. Writers
// begin with write intent (BEGIN IMMEDIATE) so two concurrent writers
// serialise instead of interleaving. Within one process, callers targeting
// the same path are additionally serialised by the pool's path mutex before
// they ever reach the engine; engine-level retry exists only for contention
// from other processes sharing the store file.
//
// On a contention failure the runner retries with exponential backoff and
// jitter up to a fixed attempt ceiling, then rolls back and surfaces a
// typed Contention error. Any non-contention error rolls back immediately
// and is never retried. The ceiling is attempt-count-based on purpose;
// there is no wall-clock deadline beyond the caller's context.
package txn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/hazyhaar/finveille/fault"
	"github.com/hazyhaar/finveille/pool"
)

// Mode selects the transaction's lock intent.
type Mode int

const (
	// Immediate takes the write lock at BEGIN. Default for writes.
	Immediate Mode = iota
	// Deferred takes no lock until the first statement needs one.
	Deferred
)

func (m Mode) begin() string {
	if m == Deferred {
		return "BEGIN DEFERRED"
	}
	return "BEGIN IMMEDIATE"
}

// Work is a unit of work executed inside one transaction. The conn is the
// handle's single physical connection; statements run on it are part of the
// surrounding transaction.
type Work func(ctx context.Context, conn *sql.Conn) error

// Runner executes units of work transactionally with contention retry.
type Runner struct {
	pool        *pool.Pool
	maxAttempts int
	baseDelay   time.Duration
	maxJitter   time.Duration
	logger      *slog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithMaxAttempts sets the retry ceiling. Default: 3.
func WithMaxAttempts(n int) Option { return func(r *Runner) { r.maxAttempts = n } }

// WithBaseDelay sets the first retry delay; attempt N waits
// base * 2^(N-1) plus jitter. Default: 100ms.
func WithBaseDelay(d time.Duration) Option { return func(r *Runner) { r.baseDelay = d } }

// WithMaxJitter sets the upper bound of the random jitter added to every
// retry delay. Default: 500ms.
func WithMaxJitter(d time.Duration) Option { return func(r *Runner) { r.maxJitter = d } }

// WithLogger sets the runner logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option { return func(r *Runner) { r.logger = l } }

// New creates a Runner on top of p.
func New(p *pool.Pool, opts ...Option) *Runner {
	r := &Runner{
		pool:        p,
		maxAttempts: 3,
		baseDelay:   100 * time.Millisecond,
		maxJitter:   500 * time.Millisecond,
	}
	for _, o := range opts {
		o(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Pool returns the underlying connection pool.
func (r *Runner) Pool() *pool.Pool { return r.pool }

// Run executes fn inside a write-intent transaction on path.
func (r *Runner) Run(ctx context.Context, path string, fn Work) error {
	return r.run(ctx, path, Immediate, fn)
}

// RunRead executes fn inside a deferred (read) transaction on path. The
// path mutex is held only for the duration of the unit of work, so readers
// cannot starve writers for longer than a single query executes.
func (r *Runner) RunRead(ctx context.Context, path string, fn Work) error {
	return r.run(ctx, path, Deferred, fn)
}

// RunMode executes fn with an explicit mode for callers that need it.
func (r *Runner) RunMode(ctx context.Context, path string, mode Mode, fn Work) error {
	return r.run(ctx, path, mode, fn)
}

func (r *Runner) run(ctx context.Context, path string, mode Mode, fn Work) error {
	mu := r.pool.PathLock(path)
	mu.Lock()
	defer mu.Unlock()

	h, err := r.pool.Acquire(ctx, path)
	if err != nil {
		return err
	}
	defer r.pool.Release(h)

	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		err := r.attempt(ctx, h, mode, fn)
		if err == nil {
			return nil
		}

		switch fault.KindOf(err) {
		case fault.Contention:
			lastErr = err
		case fault.Corruption:
			return fault.New(fault.Corruption, path, err)
		default:
			var fe *fault.Error
			if errors.As(err, &fe) {
				return err
			}
			// Engine errors pick up their kind and path here so the CLI
			// and API surface them typed. Domain errors the unit of work
			// returns (not found, invalid input) pass through untyped.
			if kind := fault.Classify(err); kind != fault.Unknown {
				return fault.New(kind, path, err)
			}
			return err
		}

		if attempt == r.maxAttempts {
			break
		}
		delay := r.backoff(attempt)
		r.logger.Warn("txn: store busy, retrying",
			"path", path, "attempt", attempt, "delay", delay)
		if err := sleepCtx(ctx, delay); err != nil {
			return fmt.Errorf("txn: context cancelled during retry: %w", err)
		}
	}
	return fault.New(fault.Contention, path, lastErr)
}

// attempt runs one transaction. The explicit BEGIN/COMMIT on the handle's
// single connection carries the mode's lock intent, which database/sql's
// BeginTx cannot express for SQLite.
func (r *Runner) attempt(ctx context.Context, h *pool.Handle, mode Mode, fn Work) error {
	conn, err := h.DB().Conn(ctx)
	if err != nil {
		return fmt.Errorf("txn: conn: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, mode.begin()); err != nil {
		return fmt.Errorf("txn: begin: %w", err)
	}

	if err := fn(ctx, conn); err != nil {
		rollback(conn)
		return err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		rollback(conn)
		return fmt.Errorf("txn: commit: %w", err)
	}
	return nil
}

func rollback(conn *sql.Conn) {
	// Best effort: the transaction may already have been rolled back by the
	// engine (e.g. after SQLITE_FULL).
	conn.ExecContext(context.Background(), "ROLLBACK")
}

// backoff computes base * 2^(attempt-1) + random jitter in [0, maxJitter).
func (r *Runner) backoff(attempt int) time.Duration {
	delay := r.baseDelay << (attempt - 1)
	if r.maxJitter > 0 {
		delay += time.Duration(rand.Int64N(int64(r.maxJitter)))
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
