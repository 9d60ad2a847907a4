package records

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T, stmts ...string) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "values.db")
	gdb, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	for _, q := range stmts {
		if err := gdb.Exec(q).Error; err != nil {
			t.Fatalf("exec %q: %v", q, err)
		}
	}
	s := New(gdb, nil)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLookupSingleRow(t *testing.T) {
	s := newTestStore(t,
		`CREATE TABLE readings (ts TEXT, Volts TEXT, amps TEXT, note TEXT)`,
		`INSERT INTO readings VALUES ('20240101120000', '5.0', '1.2', NULL)`,
		`INSERT INTO readings VALUES ('20240101120500', '4.9', '1.1', 'x')`,
		`CREATE TABLE unrelated (id INTEGER, name TEXT)`,
	)

	row, err := s.Lookup(context.Background(), "20240101120000")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if row.Table != "readings" {
		t.Errorf("Table = %q", row.Table)
	}
	wantOrder := []string{"ts", "volts", "amps", "note"}
	if len(row.Fields) != len(wantOrder) {
		t.Fatalf("fields = %+v", row.Fields)
	}
	for i, name := range wantOrder {
		if row.Fields[i].Name != name {
			t.Errorf("field %d = %q, want %q", i, row.Fields[i].Name, name)
		}
	}
	if v, ok := row.Get("volts"); !ok || v != "5.0" {
		t.Errorf("volts = %q, %v", v, ok)
	}
	if _, ok := row.Get("note"); ok {
		t.Error("NULL note should not be readable")
	}
	if !row.Has("note") {
		t.Error("NULL note should still be present as a column")
	}
	if ts, ok := row.TS(); !ok || ts != "20240101120000" {
		t.Errorf("ts = %q, %v", ts, ok)
	}
}

func TestLookupNotFound(t *testing.T) {
	s := newTestStore(t,
		`CREATE TABLE readings (ts TEXT, volts TEXT)`,
		`INSERT INTO readings VALUES ('1', '5.0')`,
	)
	_, err := s.Lookup(context.Background(), "20240101120000")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if !IsLookupFailure(err) {
		t.Error("not found should be a lookup failure")
	}
}

func TestLookupAmbiguousAcrossTables(t *testing.T) {
	s := newTestStore(t,
		`CREATE TABLE a (ts TEXT, volts TEXT)`,
		`CREATE TABLE b (ts TEXT, amps TEXT)`,
		`INSERT INTO a VALUES ('20240101120000', '5.0')`,
		`INSERT INTO b VALUES ('20240101120000', '1.2')`,
	)
	_, err := s.Lookup(context.Background(), "20240101120000")
	if !errors.Is(err, ErrAmbiguous) {
		t.Fatalf("expected ErrAmbiguous, got %v", err)
	}
}

func TestLookupNumericColumns(t *testing.T) {
	s := newTestStore(t,
		`CREATE TABLE readings (ts INTEGER, volts REAL, count INTEGER)`,
		`INSERT INTO readings VALUES (20240101120000, 5.0, 3)`,
	)
	row, err := s.Lookup(context.Background(), "20240101120000")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if v, _ := row.Get("volts"); v != "5.0" {
		t.Errorf("volts = %q, want 5.0", v)
	}
	if v, _ := row.Get("count"); v != "3" {
		t.Errorf("count = %q, want 3", v)
	}
}

func TestRowHelpers(t *testing.T) {
	row := NewRow("t", []string{"TS", "Volts", "Amps"}, []*string{StrPtr("1"), StrPtr("5.0"), nil})
	trimmed := row.Without(TSField)
	if trimmed.Has(TSField) {
		t.Error("Without should drop ts")
	}
	if !row.Has(TSField) {
		t.Error("Without must not mutate the original row")
	}
	editable := trimmed.Editable()
	if len(editable) != 1 || editable[0].Name != "volts" {
		t.Errorf("Editable = %+v", editable)
	}
}
