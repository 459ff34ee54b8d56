package news

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/hazyhaar/finveille/fault"
	"github.com/hazyhaar/finveille/migrate"
	"github.com/hazyhaar/finveille/txn"
)

// Store runs news operations against one store file through the
// transaction runner. Constructing a Store is cheap; all state lives in the
// runner's pool.
type Store struct {
	runner *txn.Runner
	path   string
}

// NewStore binds a Store to a store file path.
func NewStore(r *txn.Runner, path string) *Store {
	return &Store{runner: r, path: path}
}

// Path returns the store file path.
func (s *Store) Path() string { return s.path }

// Init applies the versioned migration list. Called at every store-open;
// cheap on an already-migrated store.
func (s *Store) Init(ctx context.Context) error {
	return migrate.Ensure(ctx, s.runner, s.path, Migrations())
}

// HasSchema reports whether the store file carries the news table. A file
// the engine created lazily on a read path has no tables at all; such a
// store holds nothing and must not be treated as an error.
func (s *Store) HasSchema(ctx context.Context) (bool, error) {
	var n int
	err := s.runner.RunRead(ctx, s.path, func(ctx context.Context, conn *sql.Conn) error {
		return conn.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'news'`).Scan(&n)
	})
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

const insertSQL = `
INSERT OR IGNORE INTO news (id, title, content, author, source, url,
    category, pub_time, crawl_time, keywords, images, related_stocks, sentiment)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func insertArgs(rec Record) []any {
	return []any{
		rec.ID, rec.Title, rec.Content, rec.Author, rec.Source, rec.URL,
		rec.Category, rec.PubTime, rec.CrawlTime,
		marshalStrings(rec.Keywords), marshalStrings(rec.Images),
		marshalStocks(rec.RelatedStocks), rec.Sentiment,
	}
}

// Save inserts rec if its id is absent. It returns false, not an error,
// when the id already exists: crawlers re-submit records and the second
// submission must be silent.
func (s *Store) Save(ctx context.Context, rec Record) (bool, error) {
	if rec.ID == "" {
		return false, ErrInvalidInput
	}
	var inserted bool
	err := s.runner.Run(ctx, s.path, func(ctx context.Context, conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx, insertSQL, insertArgs(rec)...)
		if err != nil {
			return fmt.Errorf("save: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		inserted = n > 0
		return nil
	})
	return inserted, err
}

// SaveBatch inserts records in one transaction and returns how many were
// new. Duplicate ids within the batch or the store are skipped silently.
func (s *Store) SaveBatch(ctx context.Context, recs []Record) (int, error) {
	var inserted int
	err := s.runner.Run(ctx, s.path, func(ctx context.Context, conn *sql.Conn) error {
		inserted = 0
		for _, rec := range recs {
			if rec.ID == "" {
				return ErrInvalidInput
			}
			res, err := conn.ExecContext(ctx, insertSQL, insertArgs(rec)...)
			if err != nil {
				return fmt.Errorf("save %s: %w", rec.ID, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			inserted += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

const selectCols = `id, title, content, author, source, url, category,
    pub_time, crawl_time, keywords, images, related_stocks, sentiment`

// Get retrieves one record by id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	var rec *Record
	err := s.runner.RunRead(ctx, s.path, func(ctx context.Context, conn *sql.Conn) error {
		row := conn.QueryRowContext(ctx,
			`SELECT `+selectCols+` FROM news WHERE id = ?`, id)
		r, err := scanRecord(row.Scan)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		rec = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Filters narrows Query and Count. Zero values mean "no constraint";
// DateFrom/DateTo compare lexicographically against the ISO pub_time text.
type Filters struct {
	Keyword  string
	Source   string
	Category string
	DateFrom string
	DateTo   string
}

func (f Filters) where() (string, []any) {
	var clauses []string
	var args []any
	if f.Keyword != "" {
		clauses = append(clauses, `(title LIKE ? OR content LIKE ? OR keywords LIKE ?)`)
		kw := "%" + f.Keyword + "%"
		args = append(args, kw, kw, kw)
	}
	if f.Source != "" {
		clauses = append(clauses, `source = ?`)
		args = append(args, f.Source)
	}
	if f.Category != "" {
		clauses = append(clauses, `category = ?`)
		args = append(args, f.Category)
	}
	if f.DateFrom != "" {
		clauses = append(clauses, `pub_time >= ?`)
		args = append(args, f.DateFrom)
	}
	if f.DateTo != "" {
		clauses = append(clauses, `pub_time <= ?`)
		args = append(args, f.DateTo)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// Query returns records matching f, newest first.
func (s *Store) Query(ctx context.Context, f Filters, limit, offset int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	where, args := f.where()
	args = append(args, limit, offset)

	var out []Record
	err := s.runner.RunRead(ctx, s.path, func(ctx context.Context, conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx,
			`SELECT `+selectCols+` FROM news`+where+
				` ORDER BY pub_time DESC, id LIMIT ? OFFSET ?`, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			rec, err := scanRecord(rows.Scan)
			if err != nil {
				return err
			}
			out = append(out, *rec)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Count returns the number of records matching f.
func (s *Store) Count(ctx context.Context, f Filters) (int, error) {
	where, args := f.where()
	var n int
	err := s.runner.RunRead(ctx, s.path, func(ctx context.Context, conn *sql.Conn) error {
		return conn.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM news`+where, args...).Scan(&n)
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// ReadRaw reads up to limit rows with id greater than afterID, in id order,
// with whatever column set the store actually has. Consolidation uses this
// keyset pagination to walk legacy source stores whose schemas predate the
// canonical one; rows come back as Partials for the ingest boundary to
// coerce.
func (s *Store) ReadRaw(ctx context.Context, afterID string, limit int) ([]Partial, error) {
	if limit <= 0 {
		limit = 500
	}
	var out []Partial
	err := s.runner.RunRead(ctx, s.path, func(ctx context.Context, conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx,
			`SELECT * FROM news WHERE id > ? ORDER BY id LIMIT ?`, afterID, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		cols, err := rows.Columns()
		if err != nil {
			return err
		}

		out = out[:0]
		for rows.Next() {
			vals := make([]any, len(cols))
			ptrs := make([]any, len(cols))
			for i := range vals {
				ptrs[i] = &vals[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				return err
			}
			out = append(out, Partial{Columns: cols, Values: vals})
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Optimize compacts the store: checkpoint the WAL, VACUUM, and refresh the
// query planner statistics. VACUUM cannot run inside a transaction, so this
// takes a raw handle under the path lock instead of going through Run.
func (s *Store) Optimize(ctx context.Context) error {
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		return fault.New(fault.IOFailure, s.path, errors.New("store does not exist"))
	}

	p := s.runner.Pool()
	mu := p.PathLock(s.path)
	mu.Lock()
	defer mu.Unlock()

	h, err := p.Acquire(ctx, s.path)
	if err != nil {
		return err
	}
	defer p.Release(h)

	for _, stmt := range []string{
		`PRAGMA wal_checkpoint(TRUNCATE)`,
		`VACUUM`,
		`PRAGMA optimize`,
	} {
		if _, err := h.DB().ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("optimize %s: %s: %w", s.path, stmt, err)
		}
	}
	return nil
}

func scanRecord(scan func(...any) error) (*Record, error) {
	var rec Record
	var keywords, images, stocks string
	if err := scan(&rec.ID, &rec.Title, &rec.Content, &rec.Author, &rec.Source,
		&rec.URL, &rec.Category, &rec.PubTime, &rec.CrawlTime,
		&keywords, &images, &stocks, &rec.Sentiment); err != nil {
		return nil, err
	}
	var err error
	if rec.Keywords, err = unmarshalStrings(keywords); err != nil {
		return nil, err
	}
	if rec.Images, err = unmarshalStrings(images); err != nil {
		return nil, err
	}
	if rec.RelatedStocks, err = unmarshalStocks(stocks); err != nil {
		return nil, err
	}
	return &rec, nil
}
