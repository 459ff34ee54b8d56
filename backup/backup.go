// Package backup snapshots store files before destructive or high-risk
// operations.
//
// A snapshot is a file-level copy (the WAL is checkpointed into the main
// file first, so the copy is self-contained) to a timestamped name in the
// backup directory. Snapshot is synchronous: it returns the backup path or
// an error before the caller is allowed to proceed, a precondition gate
// not a best-effort side task. Backups and quarantined files are moved or
// created, never overwritten, never auto-deleted.
package backup

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hazyhaar/finveille/fault"
	"github.com/hazyhaar/finveille/pool"
)

// Service copies store files into a dedicated backup directory.
type Service struct {
	dir    string
	pool   *pool.Pool
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithClock overrides the timestamp source, for tests.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// New creates a Service writing into dir. The pool is used to checkpoint
// the WAL before copying.
func New(dir string, p *pool.Pool, opts ...Option) *Service {
	s := &Service{dir: dir, pool: p, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Snapshot copies the store at path to a timestamped backup and returns the
// backup path. Timestamps are second-resolution; a collision appends a
// numeric disambiguator instead of overwriting. A store file that does not
// exist yet (lazily created, never written) snapshots to nothing and
// returns an empty path without error.
func (s *Service) Snapshot(ctx context.Context, path string) (string, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		s.logger.Debug("backup: store does not exist yet, nothing to snapshot", "path", path)
		return "", nil
	}

	if err := s.Checkpoint(ctx, path); err != nil {
		return "", err
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fault.New(fault.IOFailure, path, fmt.Errorf("backup dir: %w", err))
	}

	stamp := s.now().Format("20060102-150405")
	base := trimExt(filepath.Base(path))
	target := filepath.Join(s.dir, fmt.Sprintf("%s.%s.store", base, stamp))
	for n := 1; ; n++ {
		if _, err := os.Stat(target); os.IsNotExist(err) {
			break
		}
		target = filepath.Join(s.dir, fmt.Sprintf("%s.%s.%d.store", base, stamp, n))
	}

	if err := copyFile(path, target); err != nil {
		return "", fault.New(fault.IOFailure, path, fmt.Errorf("snapshot: %w", err))
	}

	s.logger.Info("backup: snapshot created", "path", path, "backup", target)
	return target, nil
}

// Restore copies a backup over target atomically (copy to a temp file in
// the target directory, then rename). Stale WAL/SHM sidecars of the target
// are removed so the engine does not replay them over the restored state.
func (s *Service) Restore(ctx context.Context, backupPath, targetPath string) error {
	if _, err := os.Stat(backupPath); err != nil {
		return fault.New(fault.IOFailure, backupPath, fmt.Errorf("restore source: %w", err))
	}

	tmp := targetPath + ".restore.tmp"
	if err := copyFile(backupPath, tmp); err != nil {
		return fault.New(fault.IOFailure, targetPath, fmt.Errorf("restore copy: %w", err))
	}
	// Open handles must not survive the swap or they keep serving the
	// pre-restore file.
	s.pool.Evict(targetPath)
	for _, sidecar := range []string{targetPath + "-wal", targetPath + "-shm"} {
		os.Remove(sidecar)
	}
	if err := os.Rename(tmp, targetPath); err != nil {
		os.Remove(tmp)
		return fault.New(fault.IOFailure, targetPath, fmt.Errorf("restore rename: %w", err))
	}

	s.logger.Info("backup: restored", "backup", backupPath, "target", targetPath)
	return nil
}

// Quarantine moves a corrupt store aside so the operator can inspect it and
// restore from backup. The file is never deleted.
func (s *Service) Quarantine(path string) (string, error) {
	stamp := s.now().Format("20060102-150405")
	target := fmt.Sprintf("%s.corrupt.%s", path, stamp)
	for n := 1; ; n++ {
		if _, err := os.Stat(target); os.IsNotExist(err) {
			break
		}
		target = fmt.Sprintf("%s.corrupt.%s.%d", path, stamp, n)
	}
	s.pool.Evict(path)
	if err := os.Rename(path, target); err != nil {
		return "", fault.New(fault.IOFailure, path, fmt.Errorf("quarantine: %w", err))
	}
	for _, sidecar := range []string{path + "-wal", path + "-shm"} {
		os.Remove(sidecar)
	}
	s.logger.Warn("backup: store quarantined, restore from backup required",
		"path", path, "quarantined", target)
	return target, nil
}

// Checkpoint folds the WAL into the main file so a plain file copy or move
// of the store at path is complete on its own.
func (s *Service) Checkpoint(ctx context.Context, path string) error {
	mu := s.pool.PathLock(path)
	mu.Lock()
	defer mu.Unlock()

	h, err := s.pool.Acquire(ctx, path)
	if err != nil {
		return err
	}
	defer s.pool.Release(h)

	if _, err := h.DB().ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		kind := fault.Classify(err)
		if kind == fault.Unknown {
			kind = fault.IOFailure
		}
		return fault.New(kind, path, fmt.Errorf("checkpoint: %w", err))
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}

func trimExt(name string) string {
	ext := filepath.Ext(name)
	return name[:len(name)-len(ext)]
}
