// Package store keeps a queryable history of page samples in a SQL database
// (SQLite, MySQL or PostgreSQL).
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/galois26/page-weight-monitor/internal/model"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ErrNotFound is returned when no sample matches a query.
var ErrNotFound = errors.New("store: no sample")

type dialect struct {
	sqlDriver string
	goose     goose.Dialect
	// placeholder returns the n-th (1-based) bind parameter.
	placeholder func(n int) string
}

var dialects = map[string]dialect{
	"sqlite":   {sqlDriver: "sqlite", goose: goose.DialectSQLite3, placeholder: question},
	"mysql":    {sqlDriver: "mysql", goose: goose.DialectMySQL, placeholder: question},
	"postgres": {sqlDriver: "pgx", goose: goose.DialectPostgres, placeholder: dollar},
}

func question(int) string { return "?" }
func dollar(n int) string { return fmt.Sprintf("$%d", n) }

// Store is a SQL-backed sample history. It implements sink.Sink.
type Store struct {
	db      *sql.DB
	dialect dialect
	insert  string
	latest  string
}

// Open connects to the database and applies pending migrations.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("store: unsupported driver %q", driver)
	}
	db, err := sql.Open(d.sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	if err := migrate(ctx, db, d); err != nil {
		db.Close()
		return nil, err
	}
	if driver == "sqlite" {
		// SQLite supports one writer at a time.
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
			db.Close()
			return nil, fmt.Errorf("set busy timeout: %w", err)
		}
	}

	s := &Store{db: db, dialect: d}
	s.insert = fmt.Sprintf(`INSERT INTO page_stats
		(recorded_at, url, category, label, tag, number_requested, number_not_found, total_size)
		VALUES (%s)`, placeholders(d, 8))
	s.latest = fmt.Sprintf(`SELECT recorded_at, label, tag, number_requested, number_not_found, total_size
		FROM page_stats WHERE url = %s AND category = %s
		ORDER BY recorded_at DESC LIMIT 1`, d.placeholder(1), d.placeholder(2))
	return s, nil
}

func placeholders(d dialect, n int) string {
	ps := make([]string, n)
	for i := range ps {
		ps[i] = d.placeholder(i + 1)
	}
	return strings.Join(ps, ", ")
}

func migrate(ctx context.Context, db *sql.DB, d dialect) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	p, err := goose.NewProvider(d.goose, db, fsys)
	if err != nil {
		return fmt.Errorf("configure migrations: %w", err)
	}
	if _, err := p.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (s *Store) Name() string { return "store" }

// Save inserts one sample row.
func (s *Store) Save(ctx context.Context, smp model.Sample) error {
	ts := smp.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.insert,
		ts.UnixMilli(), smp.URL, smp.Category.Name(), smp.Label, smp.Tag,
		int64(smp.Stats.NumberRequested), int64(smp.Stats.NumberNotFound), int64(smp.Stats.TotalSize),
	)
	if err != nil {
		return fmt.Errorf("insert sample: %w", err)
	}
	return nil
}

// Latest returns the most recent sample stored for url and category.
func (s *Store) Latest(ctx context.Context, url string, category model.Category) (model.Sample, error) {
	var (
		ms                         int64
		label, tag                 string
		requested, notFound, total int64
	)
	err := s.db.QueryRowContext(ctx, s.latest, url, category.Name()).
		Scan(&ms, &label, &tag, &requested, &notFound, &total)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Sample{}, ErrNotFound
	}
	if err != nil {
		return model.Sample{}, fmt.Errorf("query latest sample: %w", err)
	}
	return model.Sample{
		Time:     time.UnixMilli(ms),
		URL:      url,
		Category: category,
		Label:    label,
		Tag:      tag,
		Stats: model.StatsRecord{
			NumberRequested: uint64(requested),
			NumberNotFound:  uint64(notFound),
			TotalSize:       uint64(total),
		},
	}, nil
}

func (s *Store) Close() error { return s.db.Close() }
