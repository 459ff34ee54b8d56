package pool_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/finveille/pool"
)

func testPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "source.store")
}

func TestAcquireRelease(t *testing.T) {
	p := pool.New(pool.WithSize(2))
	defer p.Close()
	path := testPath(t)

	h, err := p.Acquire(context.Background(), path)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if h.Path() != path {
		t.Fatalf("handle path = %q, want %q", h.Path(), path)
	}
	if err := h.DB().Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}
	p.Release(h)

	// The released handle is reused, not reopened.
	h2, err := p.Acquire(context.Background(), path)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	if h2 != h {
		t.Fatal("expected pooled handle to be reused")
	}
	p.Release(h2)
}

func TestTuningAppliedPerHandle(t *testing.T) {
	p := pool.New(pool.WithSize(1))
	defer p.Close()
	path := testPath(t)

	h, err := p.Acquire(context.Background(), path)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer p.Release(h)

	var journalMode string
	if err := h.DB().QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatal(err)
	}
	if journalMode != "wal" {
		t.Fatalf("journal_mode = %q, want wal", journalMode)
	}
}

func TestEvictClosesIdleHandles(t *testing.T) {
	p := pool.New(pool.WithSize(2))
	defer p.Close()
	path := testPath(t)

	h, err := p.Acquire(context.Background(), path)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p.Release(h)

	p.Evict(path)
	if err := h.DB().Ping(); err == nil {
		t.Fatal("idle handle still open after evict")
	}

	// The next acquire opens the file fresh.
	h2, err := p.Acquire(context.Background(), path)
	if err != nil {
		t.Fatalf("acquire after evict: %v", err)
	}
	defer p.Release(h2)
	if h2 == h {
		t.Fatal("expected a new handle after evict")
	}
	if err := h2.DB().Ping(); err != nil {
		t.Fatalf("ping after evict: %v", err)
	}
}

func TestEvictClosesCheckedOutHandleOnRelease(t *testing.T) {
	p := pool.New(pool.WithSize(2))
	defer p.Close()
	path := testPath(t)

	h, err := p.Acquire(context.Background(), path)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p.Evict(path)
	p.Release(h)
	if err := h.DB().Ping(); err == nil {
		t.Fatal("checked-out handle survived release after evict")
	}
}

func TestOverflowBeyondSize(t *testing.T) {
	p := pool.New(pool.WithSize(1), pool.WithAcquireTimeout(50*time.Millisecond))
	defer p.Close()
	path := testPath(t)

	h1, err := p.Acquire(context.Background(), path)
	if err != nil {
		t.Fatalf("acquire 1: %v", err)
	}

	// Pool is exhausted: the second acquire must not block forever.
	start := time.Now()
	h2, err := p.Acquire(context.Background(), path)
	if err != nil {
		t.Fatalf("acquire overflow: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("overflow returned before acquire timeout: %v", elapsed)
	}
	if h2 == h1 {
		t.Fatal("overflow returned the checked-out handle")
	}
	if err := h2.DB().Ping(); err != nil {
		t.Fatalf("overflow ping: %v", err)
	}

	p.Release(h2) // overflow handle is closed, not pooled
	p.Release(h1)

	h3, err := p.Acquire(context.Background(), path)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	if h3 != h1 {
		t.Fatal("expected the pooled handle back, not the overflow one")
	}
	p.Release(h3)
}

func TestAcquireHonoursContext(t *testing.T) {
	p := pool.New(pool.WithSize(1), pool.WithAcquireTimeout(10*time.Second))
	defer p.Close()
	path := testPath(t)

	h, err := p.Acquire(context.Background(), path)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer p.Release(h)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(ctx, path); err == nil {
		t.Fatal("expected context deadline error")
	}
}

func TestPathLock(t *testing.T) {
	p := pool.New()
	defer p.Close()

	a := p.PathLock("/data/a.store")
	b := p.PathLock("/data/b.store")
	if a == b {
		t.Fatal("distinct paths share a mutex")
	}
	if p.PathLock("/data/a.store") != a {
		t.Fatal("same path returned a different mutex")
	}

	// Concurrent first-use of the same path must converge on one mutex.
	var wg sync.WaitGroup
	results := make([]*sync.Mutex, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = p.PathLock("/data/c.store")
		}(i)
	}
	wg.Wait()
	for i := 1; i < len(results); i++ {
		if results[i] != results[0] {
			t.Fatal("concurrent PathLock returned different mutexes")
		}
	}
}

func TestAcquireAfterClose(t *testing.T) {
	p := pool.New()
	path := testPath(t)
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Acquire(context.Background(), path); err == nil {
		t.Fatal("expected error after close")
	}
}
