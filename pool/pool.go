// Package pool hands out tuned SQLite handles per store file path.
//
// Each Handle wraps one physical connection (a *sql.DB capped at one open
// conn) with the dbopen tuning sequence applied exactly once, at open. A
// bounded number of handles per path is kept and reused; when every pooled
// handle is busy past the acquire timeout, the pool opens an overflow
// handle transparently and closes it again on release.
//
// The pool also owns the process-wide path→mutex map used by the
// transaction runner to serialise same-path writers inside one process.
// The mutex map is append-only for the pool's lifetime. Handle entries are
// created on demand and live until Close or an explicit Evict when the
// store file is moved or replaced on disk. The map's own lock is only ever
// held for the create-if-absent step; the long-held lock is always the
// per-path one.
package pool

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/finveille/dbopen"
	"github.com/hazyhaar/finveille/fault"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = fmt.Errorf("pool: closed")

// Handle is one physical connection to one store file.
type Handle struct {
	db     *sql.DB
	path   string
	pooled bool
}

// DB returns the underlying connection.
func (h *Handle) DB() *sql.DB { return h.db }

// Path returns the store file this handle is bound to.
func (h *Handle) Path() string { return h.path }

// Pool is a bounded per-path pool of store handles.
type Pool struct {
	mu     sync.Mutex
	stores map[string]*pathPool // append-only
	closed bool

	locks sync.Map // path -> *sync.Mutex, append-only

	size           int
	acquireTimeout time.Duration
	openOpts       []dbopen.Option
	logger         *slog.Logger
}

type pathPool struct {
	idle chan *Handle

	mu    sync.Mutex
	total int
}

// Option configures a Pool.
type Option func(*Pool)

// WithSize sets the maximum number of pooled handles per path. Default: 4.
func WithSize(n int) Option { return func(p *Pool) { p.size = n } }

// WithAcquireTimeout sets how long Acquire waits for a pooled handle before
// opening an overflow handle. Default: 2s.
func WithAcquireTimeout(d time.Duration) Option {
	return func(p *Pool) { p.acquireTimeout = d }
}

// WithOpenOptions sets the dbopen options applied to every handle the pool
// creates. The tuning sequence itself is always applied; this adds to it.
func WithOpenOptions(opts ...dbopen.Option) Option {
	return func(p *Pool) { p.openOpts = opts }
}

// WithLogger sets the pool logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option { return func(p *Pool) { p.logger = l } }

// New creates a Pool.
func New(opts ...Option) *Pool {
	p := &Pool{
		stores:         make(map[string]*pathPool),
		size:           4,
		acquireTimeout: 2 * time.Second,
	}
	for _, o := range opts {
		o(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// Acquire returns a handle for path, blocking up to the acquire timeout for
// a pooled one, then opening an overflow handle. The context deadline is
// honoured while waiting.
func (p *Pool) Acquire(ctx context.Context, path string) (*Handle, error) {
	pp, err := p.pathPool(path)
	if err != nil {
		return nil, err
	}

	select {
	case h := <-pp.idle:
		return h, nil
	default:
	}

	pp.mu.Lock()
	if pp.total < p.size {
		pp.total++
		pp.mu.Unlock()
		h, err := p.open(path, true)
		if err != nil {
			pp.mu.Lock()
			pp.total--
			pp.mu.Unlock()
			return nil, err
		}
		return h, nil
	}
	pp.mu.Unlock()

	timer := time.NewTimer(p.acquireTimeout)
	defer timer.Stop()
	select {
	case h := <-pp.idle:
		return h, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		p.logger.Debug("pool: acquire timeout, opening overflow handle", "path", path)
		return p.open(path, false)
	}
}

// Release returns a pooled handle to its pool and closes overflow handles.
func (p *Pool) Release(h *Handle) {
	if h == nil {
		return
	}
	if !h.pooled {
		h.db.Close()
		return
	}

	p.mu.Lock()
	closed := p.closed
	pp := p.stores[h.path]
	p.mu.Unlock()

	if closed || pp == nil {
		h.db.Close()
		return
	}

	select {
	case pp.idle <- h:
	default:
		// Never expected: idle capacity equals the pooled-handle cap.
		h.db.Close()
	}
}

// PathLock returns the process-wide mutex for path, creating it on first
// use. Entries live for the process lifetime.
func (p *Pool) PathLock(path string) *sync.Mutex {
	if mu, ok := p.locks.Load(path); ok {
		return mu.(*sync.Mutex)
	}
	mu, _ := p.locks.LoadOrStore(path, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Evict closes every idle handle for path and forgets the path's pool, so
// the next Acquire opens the file fresh from disk. Handles checked out at
// the time of the call close on release. Called before a store file is
// moved or replaced on disk; the path mutex stays, callers may still be
// queued on it.
func (p *Pool) Evict(path string) {
	p.mu.Lock()
	pp := p.stores[path]
	delete(p.stores, path)
	p.mu.Unlock()
	if pp == nil {
		return
	}
	for {
		select {
		case h := <-pp.idle:
			h.db.Close()
		default:
			return
		}
	}
}

// Close closes all idle handles and rejects further acquisition. Handles
// checked out at the time of the call are closed on release.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	for _, pp := range p.stores {
	drain:
		for {
			select {
			case h := <-pp.idle:
				h.db.Close()
			default:
				break drain
			}
		}
	}
	return nil
}

func (p *Pool) pathPool(path string) (*pathPool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	pp, ok := p.stores[path]
	if !ok {
		pp = &pathPool{idle: make(chan *Handle, p.size)}
		p.stores[path] = pp
	}
	return pp, nil
}

func (p *Pool) open(path string, pooled bool) (*Handle, error) {
	opts := append([]dbopen.Option{dbopen.WithLogger(p.logger)}, p.openOpts...)
	db, err := dbopen.Open(path, opts...)
	if err != nil {
		kind := fault.Classify(err)
		if kind == fault.Unknown {
			kind = fault.IOFailure
		}
		return nil, fault.New(kind, path, err)
	}
	db.SetMaxOpenConns(1)
	return &Handle{db: db, path: path, pooled: pooled}, nil
}
