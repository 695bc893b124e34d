// Package sqlstore implements store.BindingStore on database/sql, for deployments
// that keep bindings in SQLite or Postgres instead of the JSON file.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Postgres driver ("pgx")
	_ "modernc.org/sqlite"             // SQLite driver ("sqlite")

	"github.com/nextlevelbuilder/codexclaw/internal/store"
)

const tableName = "codex_sessions"

// dialect captures the few places SQLite and Postgres differ.
type dialect struct {
	driver string
	// placeholder returns the n-th (1-based) bind parameter.
	placeholder func(n int) string
}

var (
	sqliteDialect   = dialect{driver: "sqlite", placeholder: func(int) string { return "?" }}
	postgresDialect = dialect{driver: "pgx", placeholder: func(n int) string { return fmt.Sprintf("$%d", n) }}
)

// SQLSessionStore persists bindings in a single table keyed by chat_id.
type SQLSessionStore struct {
	db      *sql.DB
	dialect dialect
	desc    string
}

// Open connects to the backend named by cfg.Backend and ensures the schema exists.
func Open(ctx context.Context, cfg store.StoreConfig) (*SQLSessionStore, error) {
	var (
		d    dialect
		dsn  string
		desc string
	)
	switch cfg.Backend {
	case store.BackendSQLite:
		d, dsn, desc = sqliteDialect, cfg.Path, "sqlite:"+cfg.Path
		if dsn == "" {
			return nil, fmt.Errorf("sqlite backend requires a database path")
		}
	case store.BackendPostgres:
		d, dsn, desc = postgresDialect, cfg.DSN, "postgres"
		if dsn == "" {
			return nil, fmt.Errorf("postgres backend requires a DSN")
		}
	default:
		return nil, fmt.Errorf("unsupported sql backend %q", cfg.Backend)
	}

	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.driver, err)
	}
	if d.driver == sqliteDialect.driver {
		// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}

	s, err := New(ctx, db, d.driver)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.desc = desc
	return s, nil
}

// New wraps an existing *sql.DB and ensures the schema exists. driver is
// "sqlite" or "pgx"; anything else is rejected. Close closes db.
func New(ctx context.Context, db *sql.DB, driver string) (*SQLSessionStore, error) {
	var d dialect
	switch driver {
	case sqliteDialect.driver:
		d = sqliteDialect
	case postgresDialect.driver:
		d = postgresDialect
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}
	s := &SQLSessionStore{db: db, dialect: d, desc: driver}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLSessionStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+tableName+` (
		chat_id    TEXT PRIMARY KEY,
		thread_id  TEXT NOT NULL,
		updated_at BIGINT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create %s: %w", tableName, err)
	}
	return nil
}

// Describe names the backend for logs (never includes credentials).
func (s *SQLSessionStore) Describe() string { return s.desc }

// Close releases the database handle.
func (s *SQLSessionStore) Close() error { return s.db.Close() }

// Load returns every stored binding. An empty table yields an empty map.
func (s *SQLSessionStore) Load(ctx context.Context) (store.Bindings, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT chat_id, thread_id FROM `+tableName)
	if err != nil {
		return store.Bindings{}, fmt.Errorf("query %s: %w", tableName, err)
	}
	defer rows.Close()

	b := store.Bindings{}
	for rows.Next() {
		var chatID, threadID string
		if err := rows.Scan(&chatID, &threadID); err != nil {
			return store.Bindings{}, fmt.Errorf("%w: scan %s: %v", store.ErrCorruptState, tableName, err)
		}
		b[chatID] = threadID
	}
	if err := rows.Err(); err != nil {
		return store.Bindings{}, fmt.Errorf("iterate %s: %w", tableName, err)
	}
	return b, nil
}

// Save replaces the table content with b inside one transaction.
func (s *SQLSessionStore) Save(ctx context.Context, b store.Bindings) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", store.ErrIO, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM `+tableName); err != nil {
		return fmt.Errorf("%w: clear: %v", store.ErrIO, err)
	}

	if len(b) > 0 {
		insert := fmt.Sprintf(`INSERT INTO %s (chat_id, thread_id, updated_at) VALUES (%s)`,
			tableName, strings.Join([]string{s.dialect.placeholder(1), s.dialect.placeholder(2), s.dialect.placeholder(3)}, ", "))
		stmt, err := tx.PrepareContext(ctx, insert)
		if err != nil {
			return fmt.Errorf("%w: prepare: %v", store.ErrIO, err)
		}
		defer stmt.Close()

		now := time.Now().UnixMilli()
		for chatID, threadID := range b {
			if _, err := stmt.ExecContext(ctx, chatID, threadID, now); err != nil {
				return fmt.Errorf("%w: insert %s: %v", store.ErrIO, chatID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", store.ErrIO, err)
	}
	return nil
}

var _ store.BindingStore = (*SQLSessionStore)(nil)
