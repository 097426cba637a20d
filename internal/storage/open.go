package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	logx "beacon/pkg/logx"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type dialect struct {
	name       string
	driver     string
	migrations string
	dollar     bool // $1 placeholders
}

var (
	sqliteDialect   = dialect{name: "sqlite", driver: "sqlite", migrations: "migrations/sqlite.sql"}
	postgresDialect = dialect{name: "postgres", driver: "postgres", migrations: "migrations/postgres.sql", dollar: true}
)

// rebind rewrites ? placeholders for the dialect. Queries never contain a
// literal question mark.
func (d dialect) rebind(q string) string {
	if !d.dollar {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

// Open connects, applies pragmas and migrations, and returns the store.
func Open(ctx context.Context, cfg Config, log logx.Logger) (*Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"))

	var d dialect
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "sqlite", "sqlite3":
		d = sqliteDialect
	case "postgres", "postgresql":
		d = postgresDialect
	case "":
		return nil, errors.New("storage driver is required")
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, fmt.Errorf("%s dsn is required", d.name)
	}

	if d.name == "sqlite" && dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, err
	}

	switch d.name {
	case "sqlite":
		// SQLite prefers a single writer; this also serializes counter increments.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		busy := cfg.BusyTimeout
		if busy <= 0 {
			busy = 5 * time.Second
		}
		_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
		_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
		_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")
		_, _ = db.ExecContext(ctx, "PRAGMA foreign_keys = ON")
	case "postgres":
		maxOpen := cfg.MaxOpen
		if maxOpen <= 0 {
			maxOpen = 10
		}
		db.SetMaxOpenConns(maxOpen)
		db.SetMaxIdleConns(max(1, maxOpen/2))
		db.SetConnMaxLifetime(30 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
	}

	st := &Store{db: db, d: d, log: log, now: time.Now}
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s: %w", d.name, err)
	}
	log.Info("storage ready", logx.String("driver", d.name))
	return st, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile(s.d.migrations)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
