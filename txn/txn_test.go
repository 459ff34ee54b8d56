package txn_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/finveille/dbopen"
	"github.com/hazyhaar/finveille/fault"
	"github.com/hazyhaar/finveille/pool"
	"github.com/hazyhaar/finveille/txn"
)

// fastPool keeps the engine-level busy timeout short so contention tests
// fail over to the runner's retry loop quickly.
func fastPool(t *testing.T) *pool.Pool {
	t.Helper()
	p := pool.New(pool.WithOpenOptions(dbopen.WithBusyTimeout(50)))
	t.Cleanup(func() { p.Close() })
	return p
}

func newStore(t *testing.T, p *pool.Pool, r *txn.Runner) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source.store")
	err := r.Run(context.Background(), path, func(ctx context.Context, conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `CREATE TABLE t (id TEXT PRIMARY KEY, val TEXT)`)
		return err
	})
	if err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return path
}

func TestRunCommits(t *testing.T) {
	p := fastPool(t)
	r := txn.New(p)
	path := newStore(t, p, r)
	ctx := context.Background()

	err := r.Run(ctx, path, func(ctx context.Context, conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `INSERT INTO t (id, val) VALUES ('1', 'hello')`)
		return err
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var val string
	err = r.RunRead(ctx, path, func(ctx context.Context, conn *sql.Conn) error {
		return conn.QueryRowContext(ctx, `SELECT val FROM t WHERE id = '1'`).Scan(&val)
	})
	if err != nil {
		t.Fatalf("RunRead: %v", err)
	}
	if val != "hello" {
		t.Fatalf("val = %q, want hello", val)
	}
}

func TestRunRollsBackOnError(t *testing.T) {
	p := fastPool(t)
	r := txn.New(p)
	path := newStore(t, p, r)
	ctx := context.Background()

	sentinel := errors.New("abort the unit of work")
	err := r.Run(ctx, path, func(ctx context.Context, conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx, `INSERT INTO t (id) VALUES ('1')`); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("Run error = %v, want sentinel", err)
	}

	var count int
	err = r.RunRead(ctx, path, func(ctx context.Context, conn *sql.Conn) error {
		return conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM t`).Scan(&count)
	})
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("count = %d, want 0 after rollback", count)
	}
}

func TestRunDoesNotRetryNonContention(t *testing.T) {
	p := fastPool(t)
	r := txn.New(p, txn.WithBaseDelay(time.Hour)) // a retry would hang the test
	path := newStore(t, p, r)

	calls := 0
	err := r.Run(context.Background(), path, func(ctx context.Context, conn *sql.Conn) error {
		calls++
		_, err := conn.ExecContext(ctx, `INSERT INTO nonexistent (id) VALUES ('1')`)
		return err
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("unit of work ran %d times, want 1", calls)
	}
}

func TestRunTypesEngineErrors(t *testing.T) {
	p := fastPool(t)
	r := txn.New(p)
	path := newStore(t, p, r)

	err := r.Run(context.Background(), path, func(ctx context.Context, conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `INSERT INTO nonexistent (id) VALUES ('1')`)
		return err
	})
	var fe *fault.Error
	if !errors.As(err, &fe) {
		t.Fatalf("engine error surfaced untyped: %v", err)
	}
	if fe.Kind != fault.SchemaMismatch {
		t.Fatalf("kind = %v, want SchemaMismatch", fe.Kind)
	}
	if fe.Path != path {
		t.Fatalf("path = %q, want %q", fe.Path, path)
	}
}

func TestRunPassesDomainErrorsThrough(t *testing.T) {
	p := fastPool(t)
	r := txn.New(p)
	path := newStore(t, p, r)

	sentinel := errors.New("record rejected")
	err := r.Run(context.Background(), path, func(ctx context.Context, conn *sql.Conn) error {
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want sentinel", err)
	}
	var fe *fault.Error
	if errors.As(err, &fe) {
		t.Fatalf("domain error picked up a fault kind: %v", err)
	}
}

// holdLock simulates a writer in another process by taking the write lock
// on a raw connection outside the runner's path mutex.
func holdLock(t *testing.T, path string, d time.Duration) {
	t.Helper()
	db, err := dbopen.Open(path, dbopen.WithBusyTimeout(50))
	if err != nil {
		t.Fatalf("open raw: %v", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("BEGIN IMMEDIATE"); err != nil {
		db.Close()
		t.Fatalf("begin immediate: %v", err)
	}
	if _, err := db.Exec("INSERT INTO t (id, val) VALUES ('holder', 'x')"); err != nil {
		db.Close()
		t.Fatalf("holder insert: %v", err)
	}
	go func() {
		time.Sleep(d)
		db.Exec("COMMIT")
		db.Close()
	}()
}

func TestRetrySucceedsWhenLockReleases(t *testing.T) {
	p := fastPool(t)
	r := txn.New(p,
		txn.WithMaxAttempts(5),
		txn.WithBaseDelay(50*time.Millisecond),
		txn.WithMaxJitter(10*time.Millisecond))
	path := newStore(t, p, r)

	holdLock(t, path, 150*time.Millisecond)

	err := r.Run(context.Background(), path, func(ctx context.Context, conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `INSERT INTO t (id, val) VALUES ('1', 'v')`)
		return err
	})
	if err != nil {
		t.Fatalf("Run under transient contention: %v", err)
	}
}

func TestRetryExhaustsUnderSustainedContention(t *testing.T) {
	p := fastPool(t)
	r := txn.New(p,
		txn.WithMaxAttempts(2),
		txn.WithBaseDelay(20*time.Millisecond),
		txn.WithMaxJitter(5*time.Millisecond))
	path := newStore(t, p, r)

	// Held far longer than 2 attempts can wait.
	holdLock(t, path, 5*time.Second)

	done := make(chan error, 1)
	go func() {
		done <- r.Run(context.Background(), path, func(ctx context.Context, conn *sql.Conn) error {
			_, err := conn.ExecContext(ctx, `INSERT INTO t (id, val) VALUES ('1', 'v')`)
			return err
		})
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected contention error")
		}
		if kind := fault.KindOf(err); kind != fault.Contention {
			t.Fatalf("error kind = %v, want Contention (%v)", kind, err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("writer hung instead of failing with Contention")
	}
}

func TestSamePathWritersSerialise(t *testing.T) {
	p := fastPool(t)
	r := txn.New(p)
	path := newStore(t, p, r)
	ctx := context.Background()

	// Two goroutines increment the same row; the path mutex must prevent
	// interleaved read-modify-write.
	err := r.Run(ctx, path, func(ctx context.Context, conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `INSERT INTO t (id, val) VALUES ('ctr', '0')`)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	const writers = 8
	errs := make(chan error, writers)
	for range writers {
		go func() {
			errs <- r.Run(ctx, path, func(ctx context.Context, conn *sql.Conn) error {
				var v int
				if err := conn.QueryRowContext(ctx, `SELECT val FROM t WHERE id = 'ctr'`).Scan(&v); err != nil {
					return err
				}
				_, err := conn.ExecContext(ctx, `UPDATE t SET val = ? WHERE id = 'ctr'`, v+1)
				return err
			})
		}()
	}
	for range writers {
		if err := <-errs; err != nil {
			t.Fatalf("concurrent writer: %v", err)
		}
	}

	var final int
	err = r.RunRead(ctx, path, func(ctx context.Context, conn *sql.Conn) error {
		return conn.QueryRowContext(ctx, `SELECT val FROM t WHERE id = 'ctr'`).Scan(&final)
	})
	if err != nil {
		t.Fatal(err)
	}
	if final != writers {
		t.Fatalf("counter = %d, want %d", final, writers)
	}
}
