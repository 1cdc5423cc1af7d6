// Package storage handles database connections, schema migrations, and typed
// data operations over the relational store shared with the UI.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Driver pgx
	_ "modernc.org/sqlite"             // Driver sqlite
)

// maxOpenConns caps the pool to leave headroom for the UI and other
// consumers of the same database.
const maxOpenConns = 5

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

func (d dialect) String() string {
	if d == dialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

// Repository manages the database connection pool.
type Repository struct {
	db      *sql.DB
	dialect dialect
}

// New opens the store named by databaseURL, configures the pool, and runs
// pending migrations. A postgres:// or postgresql:// URL selects the pgx
// driver; anything else is treated as a SQLite file path (an optional
// sqlite: prefix is stripped).
func New(ctx context.Context, databaseURL string) (*Repository, error) {
	driver, dsn, d := resolveDSN(databaseURL)

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", d, err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxOpenConns)
	db.SetConnMaxLifetime(1 * time.Hour)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s store: %w", d, err)
	}

	r := &Repository{db: db, dialect: d}
	if err := r.runMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return r, nil
}

func resolveDSN(databaseURL string) (driver, dsn string, d dialect) {
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		return "pgx", databaseURL, dialectPostgres
	}

	path := strings.TrimPrefix(databaseURL, "sqlite:")
	dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"

	return "sqlite", dsn, dialectSQLite
}

// Close closes the underlying connection pool.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Ping verifies the store connection is alive.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// rebind converts `?` placeholders to the dialect's positional form.
func (r *Repository) rebind(query string) string {
	if r.dialect != dialectPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)

	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteByte(query[i])
	}

	return b.String()
}

func (r *Repository) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return r.db.ExecContext(ctx, r.rebind(query), args...)
}

func (r *Repository) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return r.db.QueryRowContext(ctx, r.rebind(query), args...)
}

func (r *Repository) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return r.db.QueryContext(ctx, r.rebind(query), args...)
}
