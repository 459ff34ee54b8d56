// Package observe persists an audit trail of consolidation runs alongside
// the consolidated data itself, so operators can answer "when was the last
// merge, and what did it do" without grepping logs.
package observe

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hazyhaar/finveille/migrate"
	"github.com/hazyhaar/finveille/txn"
)

const createEventsSQL = `
CREATE TABLE IF NOT EXISTS merge_events (
	run_id      TEXT PRIMARY KEY,
	started_at  TEXT NOT NULL,
	finished_at TEXT NOT NULL,
	outcome     TEXT NOT NULL,
	total_read  INTEGER NOT NULL DEFAULT 0,
	inserted    INTEGER NOT NULL DEFAULT 0,
	duplicates  INTEGER NOT NULL DEFAULT 0,
	coerced     INTEGER NOT NULL DEFAULT 0,
	backup_path TEXT NOT NULL DEFAULT '',
	detail      TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_merge_events_started ON merge_events(started_at);
`

// Event is one recorded consolidation run.
type Event struct {
	RunID      string         `json:"run_id"`
	StartedAt  string         `json:"started_at"`
	FinishedAt string         `json:"finished_at"`
	Outcome    string         `json:"outcome"`
	TotalRead  int            `json:"total_read"`
	Inserted   int            `json:"inserted"`
	Duplicates int            `json:"duplicates"`
	Coerced    int            `json:"coerced"`
	BackupPath string         `json:"backup_path,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
}

// EventLog reads and writes merge_events in the store at path.
type EventLog struct {
	runner *txn.Runner
	path   string
}

// New creates an EventLog for the store at path.
func New(r *txn.Runner, path string) *EventLog {
	return &EventLog{runner: r, path: path}
}

// Migrations returns the schema units for the event log. They are appended
// to the main store's migration set so a single Ensure covers both.
func Migrations() []migrate.Unit {
	return []migrate.Unit{
		{
			Seq:  202407100900,
			Name: "create merge_events table",
			Apply: func(ctx context.Context, conn *sql.Conn) error {
				_, err := conn.ExecContext(ctx, createEventsSQL)
				return err
			},
		},
	}
}

// Init applies the event log schema on its own, for stores that carry only
// the audit trail.
func (l *EventLog) Init(ctx context.Context) error {
	return migrate.Ensure(ctx, l.runner, l.path, Migrations())
}

// Record persists one run. RunID collisions are a programming error and
// surface as a constraint failure.
func (l *EventLog) Record(ctx context.Context, e Event) error {
	detail := e.Detail
	if detail == nil {
		detail = map[string]any{}
	}
	raw, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("marshal detail: %w", err)
	}
	return l.runner.Run(ctx, l.path, func(ctx context.Context, conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx,
			`INSERT INTO merge_events
			 (run_id, started_at, finished_at, outcome, total_read, inserted, duplicates, coerced, backup_path, detail)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.RunID, e.StartedAt, e.FinishedAt, e.Outcome,
			e.TotalRead, e.Inserted, e.Duplicates, e.Coerced, e.BackupPath, string(raw))
		return err
	})
}

// Recent returns the latest runs, newest first. limit <= 0 defaults to 20.
func (l *EventLog) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []Event
	err := l.runner.RunRead(ctx, l.path, func(ctx context.Context, conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx,
			`SELECT run_id, started_at, finished_at, outcome, total_read, inserted, duplicates, coerced, backup_path, detail
			 FROM merge_events ORDER BY started_at DESC, run_id LIMIT ?`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var e Event
			var detail string
			if err := rows.Scan(&e.RunID, &e.StartedAt, &e.FinishedAt, &e.Outcome,
				&e.TotalRead, &e.Inserted, &e.Duplicates, &e.Coerced, &e.BackupPath, &detail); err != nil {
				return err
			}
			if detail != "" && detail != "{}" {
				if err := json.Unmarshal([]byte(detail), &e.Detail); err != nil {
					return fmt.Errorf("detail for %s: %w", e.RunID, err)
				}
			}
			out = append(out, e)
		}
		return rows.Err()
	})
	return out, err
}

// Stamp formats t the way event timestamps are stored.
func Stamp(t time.Time) string { return t.UTC().Format(time.RFC3339) }
