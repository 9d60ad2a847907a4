// Package records resolves image timestamps to rows of the companion
// value database.
package records

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrNotFound means no table holds a row for the timestamp.
	ErrNotFound = errors.New("no row for timestamp")
	// ErrAmbiguous means more than one row matched across all tables.
	ErrAmbiguous = errors.New("timestamp matches more than one row")
	// ErrNoTimestamp means the filename carries no recognisable timestamp.
	ErrNoTimestamp = errors.New("no timestamp in filename")
)

// IsLookupFailure reports whether err is one of the per-image lookup
// outcomes that route an image to Others instead of stopping the session.
func IsLookupFailure(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrAmbiguous) || errors.Is(err, ErrNoTimestamp)
}

// Store reads rows from every table that has a ts column.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open connects to the value database. driver is "sqlite" (dsn is a file
// path that must exist) or "postgres".
func Open(driver, dsn string) (*Store, error) {
	var dial gorm.Dialector
	switch driver {
	case "sqlite", "":
		if _, err := os.Stat(dsn); err != nil {
			return nil, fmt.Errorf("value database: %w", err)
		}
		dial = sqlite.Open(dsn)
	case "postgres":
		dial = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
	gdb, err := gorm.Open(dial, &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("open value database: %w", err)
	}
	return New(gdb, nil), nil
}

// New wraps an existing connection.
func New(db *gorm.DB, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{db: db, logger: log}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Lookup returns the single row whose ts column equals ts. Tables are
// scanned in name order; zero matches yield ErrNotFound and more than one
// yields ErrAmbiguous.
func (s *Store) Lookup(ctx context.Context, ts string) (Row, error) {
	tables, err := s.tsTables()
	if err != nil {
		return Row{}, err
	}

	var found []Row
	for _, table := range tables {
		rows, err := s.queryTable(ctx, table, ts)
		if err != nil {
			return Row{}, err
		}
		found = append(found, rows...)
	}

	switch len(found) {
	case 0:
		return Row{}, fmt.Errorf("%w: ts=%s", ErrNotFound, ts)
	case 1:
		return found[0], nil
	default:
		where := make([]string, 0, len(found))
		for _, r := range found {
			where = append(where, r.Table)
		}
		return Row{}, fmt.Errorf("%w: ts=%s rows=%d tables=%s", ErrAmbiguous, ts, len(found), strings.Join(where, ","))
	}
}

func (s *Store) tsTables() ([]string, error) {
	m := s.db.Migrator()
	all, err := m.GetTables()
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	sort.Strings(all)
	var out []string
	for _, t := range all {
		cols, err := m.ColumnTypes(t)
		if err != nil {
			return nil, fmt.Errorf("columns of %s: %w", t, err)
		}
		for _, c := range cols {
			if strings.EqualFold(c.Name(), TSField) {
				out = append(out, t)
				break
			}
		}
	}
	return out, nil
}

func (s *Store) queryTable(ctx context.Context, table, ts string) ([]Row, error) {
	rows, err := s.db.WithContext(ctx).Table(table).Where(TSField+" = ?", ts).Rows()
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("columns %s: %w", table, err)
	}

	var out []Row
	for rows.Next() {
		raw := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		values := make([]*string, len(cols))
		for i, v := range raw {
			values[i] = stringify(v)
		}
		out = append(out, NewRow(table, cols, values))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", table, err)
	}
	s.logger.Debug("ts lookup", "table", table, "ts", ts, "rows", len(out))
	return out, nil
}

func stringify(v any) *string {
	switch x := v.(type) {
	case nil:
		return nil
	case []byte:
		s := string(x)
		return &s
	case string:
		return &x
	case time.Time:
		s := x.Format(time.RFC3339)
		return &s
	case float64:
		// Keep a trailing ".0" so integral readings look like the device shows them.
		s := strconv.FormatFloat(x, 'f', -1, 64)
		if !strings.ContainsAny(s, ".eE") {
			s += ".0"
		}
		return &s
	default:
		s := fmt.Sprint(x)
		return &s
	}
}
