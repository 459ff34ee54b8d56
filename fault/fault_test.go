package fault

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsBusy(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("some other error"), false},
		{errors.New("SQLITE_BUSY"), true},
		{errors.New("database is locked"), true},
		{errors.New("database table is locked"), true},
		{errors.New("prefix: SQLITE_BUSY (5)"), true},
	}
	for _, tt := range tests {
		if got := IsBusy(tt.err); got != tt.want {
			t.Errorf("IsBusy(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestIsCorrupt(t *testing.T) {
	if !IsCorrupt(errors.New("database disk image is malformed (11)")) {
		t.Error("malformed image not detected")
	}
	if !IsCorrupt(errors.New("file is not a database (26)")) {
		t.Error("not-a-database not detected")
	}
	if IsCorrupt(errors.New("database is locked")) {
		t.Error("busy misclassified as corrupt")
	}
}

func TestClassify(t *testing.T) {
	if got := Classify(errors.New("database is locked")); got != Contention {
		t.Errorf("Classify(busy) = %v, want Contention", got)
	}
	if got := Classify(errors.New("file is not a database")); got != Corruption {
		t.Errorf("Classify(corrupt) = %v, want Corruption", got)
	}
	if got := Classify(errors.New("no such table: news")); got != SchemaMismatch {
		t.Errorf("Classify(missing table) = %v, want SchemaMismatch", got)
	}
	if got := Classify(errors.New("SQL logic error: no such column: pub_time (1)")); got != SchemaMismatch {
		t.Errorf("Classify(missing column) = %v, want SchemaMismatch", got)
	}
	if got := Classify(errors.New("disk I/O error (522)")); got != IOFailure {
		t.Errorf("Classify(disk) = %v, want IOFailure", got)
	}
	if got := Classify(errors.New("UNIQUE constraint failed: merge_events.run_id")); got != Unknown {
		t.Errorf("Classify(constraint) = %v, want Unknown", got)
	}
	if got := Classify(nil); got != Unknown {
		t.Errorf("Classify(nil) = %v, want Unknown", got)
	}
}

func TestKindOfTypedError(t *testing.T) {
	inner := errors.New("disk full")
	err := fmt.Errorf("snapshot: %w", New(IOFailure, "/tmp/main.store", inner))

	if got := KindOf(err); got != IOFailure {
		t.Fatalf("KindOf = %v, want IOFailure", got)
	}
	if !errors.Is(err, inner) {
		t.Fatal("wrapped cause lost")
	}

	var fe *Error
	if !errors.As(err, &fe) {
		t.Fatal("errors.As failed")
	}
	if fe.Path != "/tmp/main.store" {
		t.Fatalf("Path = %q", fe.Path)
	}
}

func TestKindOfFallsBackToClassify(t *testing.T) {
	if got := KindOf(errors.New("SQLITE_BUSY")); got != Contention {
		t.Fatalf("KindOf(raw busy) = %v, want Contention", got)
	}
}

func TestKindString(t *testing.T) {
	pairs := map[Kind]string{
		Contention:     "contention",
		SchemaMismatch: "schema_mismatch",
		Corruption:     "corruption",
		IOFailure:      "io_failure",
		Unknown:        "unknown",
	}
	for k, want := range pairs {
		if k.String() != want {
			t.Errorf("%d.String() = %q, want %q", k, k.String(), want)
		}
	}
	if !Contention.Retryable() || Corruption.Retryable() {
		t.Error("Retryable wrong")
	}
}
