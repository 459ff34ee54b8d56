package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "finveille.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "data_dir: /var/lib/finveille\nsources: [sina, eastmoney]\n")
	c, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Pool.Size != 4 {
		t.Errorf("pool.size = %d, want 4", c.Pool.Size)
	}
	if c.Retry.MaxAttempts != 3 {
		t.Errorf("retry.max_attempts = %d, want 3", c.Retry.MaxAttempts)
	}
	if c.Merge.BatchSize != 500 {
		t.Errorf("merge.batch_size = %d, want 500", c.Merge.BatchSize)
	}
	if c.Logging.Format != "json" {
		t.Errorf("logging.format = %q, want json", c.Logging.Format)
	}
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, strings.TrimSpace(`
data_dir: /tmp/fv
sources: [sina]
pool:
  size: 8
  acquire_timeout: 500ms
retry:
  max_attempts: 5
  base_delay: 50ms
merge:
  batch_size: 100
  interval: 1h
`)+"\n")
	c, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Pool.Size != 8 || c.Pool.AcquireTimeout != 500*time.Millisecond {
		t.Errorf("pool = %+v", c.Pool)
	}
	if c.Retry.MaxAttempts != 5 || c.Retry.BaseDelay != 50*time.Millisecond {
		t.Errorf("retry = %+v", c.Retry)
	}
	if c.Merge.Interval != time.Hour {
		t.Errorf("merge.interval = %v", c.Merge.Interval)
	}
}

func TestValidateRejectsBadSources(t *testing.T) {
	for name, body := range map[string]string{
		"duplicate": "sources: [sina, sina]\n",
		"main":      "sources: [main]\n",
		"empty":     "sources: ['']\n",
	} {
		t.Run(name, func(t *testing.T) {
			path := writeConfig(t, body)
			if _, err := Load(path); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestAuthUserRequiresHash(t *testing.T) {
	path := writeConfig(t, "server:\n  auth_user: ops\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for auth_user without auth_hash")
	}
}

func TestLayoutPaths(t *testing.T) {
	c := Default()
	c.DataDir = "/srv/fv"
	l := c.Layout()
	if got := l.MainStore(); got != filepath.Join("/srv/fv", "main.store") {
		t.Errorf("main store = %q", got)
	}
	if got := l.SourceStore("sina"); got != filepath.Join("/srv/fv", "sina.store") {
		t.Errorf("source store = %q", got)
	}
	if got := l.BackupDir(); got != filepath.Join("/srv/fv", "backups") {
		t.Errorf("backup dir = %q", got)
	}
	if got := l.ArchiveDir(); got != filepath.Join("/srv/fv", "archives") {
		t.Errorf("archive dir = %q", got)
	}
}
