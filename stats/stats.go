// Package stats provides read-only aggregate queries over store files.
//
// Aggregation never opens a write transaction, so it cannot hold the
// per-path mutex for longer than a single query executes.
package stats

import (
	"context"
	"database/sql"
	"os"

	"github.com/hazyhaar/finveille/txn"
)

// Summary holds the aggregates for one store, or the sum over several.
type Summary struct {
	Total     int            `json:"total"`
	PerSource map[string]int `json:"per_source"`
	PerDay    map[string]int `json:"per_day"`
	// Earliest and Latest are the min and max pub_time, empty when the
	// store holds no rows.
	Earliest string `json:"earliest,omitempty"`
	Latest   string `json:"latest,omitempty"`
}

// Aggregator runs aggregate queries through a shared transaction runner.
type Aggregator struct {
	runner *txn.Runner
}

// New creates an Aggregator.
func New(r *txn.Runner) *Aggregator {
	return &Aggregator{runner: r}
}

// Store aggregates one store file. A file that does not exist yet, or was
// lazily created and never migrated, aggregates to an empty Summary; a
// read must never create or poison a store file.
func (a *Aggregator) Store(ctx context.Context, path string) (*Summary, error) {
	s := &Summary{
		PerSource: map[string]int{},
		PerDay:    map[string]int{},
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return s, nil
	}
	err := a.runner.RunRead(ctx, path, func(ctx context.Context, conn *sql.Conn) error {
		var tables int
		if err := conn.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'news'`).
			Scan(&tables); err != nil {
			return err
		}
		if tables == 0 {
			return nil
		}

		if err := conn.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM news`).Scan(&s.Total); err != nil {
			return err
		}

		rows, err := conn.QueryContext(ctx,
			`SELECT source, COUNT(*) FROM news GROUP BY source`)
		if err != nil {
			return err
		}
		if err := scanPairs(rows, s.PerSource); err != nil {
			return err
		}

		// pub_time is ISO text, so the day is its first ten characters
		// and min/max order lexicographically.
		rows, err = conn.QueryContext(ctx,
			`SELECT substr(pub_time, 1, 10), COUNT(*) FROM news
			 WHERE pub_time != '' GROUP BY substr(pub_time, 1, 10)`)
		if err != nil {
			return err
		}
		if err := scanPairs(rows, s.PerDay); err != nil {
			return err
		}

		var lo, hi sql.NullString
		if err := conn.QueryRowContext(ctx,
			`SELECT MIN(pub_time), MAX(pub_time) FROM news WHERE pub_time != ''`).
			Scan(&lo, &hi); err != nil {
			return err
		}
		s.Earliest, s.Latest = lo.String, hi.String
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// FanOut aggregates every given store file and sums the partial results.
// Paths that do not exist on disk are skipped, so callers can pass the full
// configured layout without checking which sources have produced data yet.
func (a *Aggregator) FanOut(ctx context.Context, paths []string) (*Summary, error) {
	out := &Summary{
		PerSource: map[string]int{},
		PerDay:    map[string]int{},
	}
	for _, path := range paths {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		part, err := a.Store(ctx, path)
		if err != nil {
			return nil, err
		}
		out.Total += part.Total
		for k, v := range part.PerSource {
			out.PerSource[k] += v
		}
		for k, v := range part.PerDay {
			out.PerDay[k] += v
		}
		if part.Earliest != "" && (out.Earliest == "" || part.Earliest < out.Earliest) {
			out.Earliest = part.Earliest
		}
		if part.Latest > out.Latest {
			out.Latest = part.Latest
		}
	}
	return out, nil
}

func scanPairs(rows *sql.Rows, into map[string]int) error {
	defer rows.Close()
	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			return err
		}
		into[k] = n
	}
	return rows.Err()
}
