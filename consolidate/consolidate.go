// Package consolidate merges per-source store files into the main store.
//
// A run snapshots the main store first, then reads every source in batches
// and performs insert-if-absent on the record id. First writer wins: a
// record whose id already exists in main is counted as a duplicate and
// discarded, never overwriting what an earlier source contributed. Consumed
// source files are archived (moved, not deleted), so a bad merge can always
// be replayed from the archive.
package consolidate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hazyhaar/finveille/backup"
	"github.com/hazyhaar/finveille/fault"
	"github.com/hazyhaar/finveille/idgen"
	"github.com/hazyhaar/finveille/ingest"
	"github.com/hazyhaar/finveille/news"
	"github.com/hazyhaar/finveille/observe"
	"github.com/hazyhaar/finveille/txn"
)

// Source names one per-crawler store file.
type Source struct {
	Name string
	Path string
}

// SourceReport is the per-source slice of a run.
type SourceReport struct {
	Source      string `json:"source"`
	Read        int    `json:"read"`
	Inserted    int    `json:"inserted"`
	Duplicates  int    `json:"duplicates"`
	Coerced     int    `json:"coerced"`
	ArchivedTo  string `json:"archived_to,omitempty"`
	Quarantined string `json:"quarantined,omitempty"`
	Skipped     bool   `json:"skipped,omitempty"`
}

// Report summarizes one consolidation run. It is immutable once returned.
type Report struct {
	RunID      string         `json:"run_id"`
	StartedAt  string         `json:"started_at"`
	FinishedAt string         `json:"finished_at"`
	BackupPath string         `json:"backup_path,omitempty"`
	Sources    []SourceReport `json:"sources"`
	TotalRead  int            `json:"total_read"`
	Inserted   int            `json:"inserted"`
	Duplicates int            `json:"duplicates"`
	Coerced    int            `json:"coerced"`
}

// Merger runs consolidations into one main store.
type Merger struct {
	// runMu serialises whole runs: the scheduler, the watchers, the API
	// and the MCP tool all share one Merger, and overlapping runs would
	// race on archiving the same source files.
	runMu sync.Mutex

	runner     *txn.Runner
	norm       *ingest.Normalizer
	backups    *backup.Service
	events     *observe.EventLog
	mainPath   string
	archiveDir string
	batchSize  int
	archive    bool
	newID      idgen.Generator
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Merger.
type Option func(*Merger)

// WithBatchSize sets how many rows are read from a source per transaction.
func WithBatchSize(n int) Option { return func(m *Merger) { m.batchSize = n } }

// WithoutArchive leaves consumed source files in place. Used by read-only
// inspections and tests that re-run against the same sources.
func WithoutArchive() Option { return func(m *Merger) { m.archive = false } }

// WithLogger sets the merger logger.
func WithLogger(l *slog.Logger) Option { return func(m *Merger) { m.logger = l } }

// WithIDGen overrides the run ID generator.
func WithIDGen(g idgen.Generator) Option { return func(m *Merger) { m.newID = g } }

// WithClock overrides the timestamp source, for tests.
func WithClock(now func() time.Time) Option { return func(m *Merger) { m.now = now } }

// New creates a Merger writing into the main store at mainPath. Backups go
// through svc, consumed sources move into archiveDir, and every run is
// recorded in events (events may be nil to disable the audit trail).
func New(r *txn.Runner, svc *backup.Service, events *observe.EventLog,
	mainPath, archiveDir string, opts ...Option) *Merger {
	m := &Merger{
		runner:     r,
		backups:    svc,
		events:     events,
		mainPath:   mainPath,
		archiveDir: archiveDir,
		batchSize:  500,
		archive:    true,
		newID:      idgen.Prefixed("run_", idgen.Default),
		now:        time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.norm = ingest.New(ingest.WithLogger(m.logger))
	return m
}

// Consolidate merges the given sources into the main store, in order.
// A missing or still-empty source file is skipped. A corrupt source file
// is quarantined and the run continues with the remaining sources. Any
// other failure aborts the run; the pre-run backup still exists in that
// case. Runs are mutually exclusive; a second caller blocks until the
// first run finishes.
func (m *Merger) Consolidate(ctx context.Context, sources []Source) (*Report, error) {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	started := m.now()
	rep := &Report{
		RunID:     m.newID(),
		StartedAt: observe.Stamp(started),
	}

	bak, err := m.backups.Snapshot(ctx, m.mainPath)
	if err != nil {
		return nil, fmt.Errorf("pre-merge snapshot: %w", err)
	}
	rep.BackupPath = bak

	main := news.NewStore(m.runner, m.mainPath)
	if err := main.Init(ctx); err != nil {
		return nil, err
	}
	if m.events != nil {
		if err := m.events.Init(ctx); err != nil {
			return nil, err
		}
	}

	for _, src := range sources {
		sr, err := m.consumeSource(ctx, main, src)
		rep.Sources = append(rep.Sources, sr)
		rep.TotalRead += sr.Read
		rep.Inserted += sr.Inserted
		rep.Duplicates += sr.Duplicates
		rep.Coerced += sr.Coerced
		if err != nil {
			m.finish(ctx, rep, "failed")
			return rep, err
		}
	}

	m.finish(ctx, rep, "ok")
	return rep, nil
}

func (m *Merger) consumeSource(ctx context.Context, main *news.Store, src Source) (SourceReport, error) {
	sr := SourceReport{Source: src.Name}

	if _, err := os.Stat(src.Path); os.IsNotExist(err) {
		sr.Skipped = true
		m.logger.Debug("consolidate: source store absent", "source", src.Name, "path", src.Path)
		return sr, nil
	}

	store := news.NewStore(m.runner, src.Path)

	// A file a read path created lazily has no tables; it holds nothing
	// and consuming it must not abort the remaining sources.
	ok, err := store.HasSchema(ctx)
	if err != nil {
		if fault.KindOf(err) == fault.Corruption {
			return m.quarantine(sr, src, err)
		}
		return sr, fmt.Errorf("inspect %s: %w", src.Name, err)
	}
	if !ok {
		sr.Skipped = true
		m.logger.Debug("consolidate: source store has no schema yet", "source", src.Name, "path", src.Path)
		return sr, nil
	}

	afterID := ""
	for {
		batch, err := store.ReadRaw(ctx, afterID, m.batchSize)
		if err != nil {
			if fault.KindOf(err) == fault.Corruption {
				return m.quarantine(sr, src, err)
			}
			return sr, fmt.Errorf("read %s: %w", src.Name, err)
		}
		if len(batch) == 0 {
			break
		}

		recs := make([]news.Record, 0, len(batch))
		for _, p := range batch {
			rec, coerced := m.norm.Coerce(p)
			rec.Content = m.norm.CleanContent(rec.Content)
			if rec.ID == "" && rec.Title != "" {
				rec.ID = news.MakeID(rec.Title, rec.URL)
				coerced = append(coerced, "id")
			}
			if rec.Source == "" {
				rec.Source = src.Name
			}
			sr.Coerced += len(coerced)
			recs = append(recs, rec)
		}

		inserted, err := main.SaveBatch(ctx, recs)
		if err != nil {
			return sr, fmt.Errorf("merge into main: %w", err)
		}
		sr.Read += len(batch)
		sr.Inserted += inserted
		sr.Duplicates += len(batch) - inserted

		afterID = partialID(batch[len(batch)-1])
		if afterID == "" || len(batch) < m.batchSize {
			break
		}
	}

	if m.archive {
		moved, err := m.archiveSource(ctx, src)
		if err != nil {
			return sr, err
		}
		sr.ArchivedTo = moved
	}

	m.logger.Info("consolidate: source consumed",
		"source", src.Name, "read", sr.Read, "inserted", sr.Inserted,
		"duplicates", sr.Duplicates, "coerced", sr.Coerced)
	return sr, nil
}

func (m *Merger) quarantine(sr SourceReport, src Source, cause error) (SourceReport, error) {
	moved, qerr := m.backups.Quarantine(src.Path)
	if qerr != nil {
		return sr, errors.Join(cause, qerr)
	}
	sr.Quarantined = moved
	m.logger.Warn("consolidate: corrupt source quarantined, run continues",
		"source", src.Name, "quarantined", moved, "err", cause)
	return sr, nil
}

// archiveSource moves a fully consumed source file into the archive dir.
// The WAL is folded into the file first and every pooled handle closed, so
// the moved file is complete and readable on its own.
func (m *Merger) archiveSource(ctx context.Context, src Source) (string, error) {
	if err := os.MkdirAll(m.archiveDir, 0o755); err != nil {
		return "", fault.New(fault.IOFailure, src.Path, fmt.Errorf("archive dir: %w", err))
	}
	if err := m.backups.Checkpoint(ctx, src.Path); err != nil {
		return "", fmt.Errorf("archive checkpoint: %w", err)
	}
	m.runner.Pool().Evict(src.Path)

	stamp := m.now().Format("20060102-150405")
	target := filepath.Join(m.archiveDir, fmt.Sprintf("%s.%s.store", src.Name, stamp))
	for n := 1; ; n++ {
		if _, err := os.Stat(target); os.IsNotExist(err) {
			break
		}
		target = filepath.Join(m.archiveDir, fmt.Sprintf("%s.%s.%d.store", src.Name, stamp, n))
	}
	if err := os.Rename(src.Path, target); err != nil {
		return "", fault.New(fault.IOFailure, src.Path, fmt.Errorf("archive: %w", err))
	}
	for _, sidecar := range []string{src.Path + "-wal", src.Path + "-shm"} {
		os.Remove(sidecar)
	}
	return target, nil
}

func (m *Merger) finish(ctx context.Context, rep *Report, outcome string) {
	rep.FinishedAt = observe.Stamp(m.now())

	m.logger.Info("consolidate: run finished",
		"run_id", rep.RunID, "outcome", outcome,
		"total_read", rep.TotalRead, "inserted", rep.Inserted,
		"duplicates", rep.Duplicates, "coerced", rep.Coerced,
		"backup", rep.BackupPath, "sources", len(rep.Sources))

	if m.events == nil {
		return
	}
	detail := map[string]any{"sources": rep.Sources}
	err := m.events.Record(ctx, observe.Event{
		RunID:      rep.RunID,
		StartedAt:  rep.StartedAt,
		FinishedAt: rep.FinishedAt,
		Outcome:    outcome,
		TotalRead:  rep.TotalRead,
		Inserted:   rep.Inserted,
		Duplicates: rep.Duplicates,
		Coerced:    rep.Coerced,
		BackupPath: rep.BackupPath,
		Detail:     detail,
	})
	if err != nil {
		m.logger.Error("consolidate: recording merge event failed", "run_id", rep.RunID, "err", err)
	}
}

// partialID extracts the id column from a raw row for keyset pagination.
func partialID(p news.Partial) string {
	for i, c := range p.Columns {
		if c == "id" && i < len(p.Values) {
			if s, ok := p.Values[i].(string); ok {
				return s
			}
			if b, ok := p.Values[i].([]byte); ok {
				return string(b)
			}
		}
	}
	return ""
}
