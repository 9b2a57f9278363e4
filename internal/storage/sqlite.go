package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	"price_watcher/internal/faults"

	_ "modernc.org/sqlite" // SQLite driver
)

var sqliteSchema = []string{
	`PRAGMA busy_timeout = 5000`,
	`CREATE TABLE IF NOT EXISTS bot_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		price TEXT NOT NULL,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS price_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		product_id TEXT NOT NULL,
		price TEXT NOT NULL,
		kind TEXT NOT NULL DEFAULT '',
		recorded_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`,
}

// SQLite keeps the same tables as Postgres in a local database file.
// The pool is limited to one connection.
type SQLite struct {
	path string
	db   *sql.DB
}

func NewSQLite(path string) *SQLite {
	return &SQLite{path: path}
}

func (s *SQLite) Name() string { return "sqlite" }

func (s *SQLite) Connect(ctx context.Context) error {
	if s.db != nil {
		_ = s.db.Close()
		s.db = nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return faults.Wrap(faults.Transient, "sqlite open", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return faults.Wrap(faults.Transient, "sqlite ping", err)
	}
	for _, stmt := range sqliteSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return classifySQLite("sqlite schema", err)
		}
	}
	if err := addKindColumn(ctx, db); err != nil {
		db.Close()
		return classifySQLite("sqlite schema", err)
	}
	s.db = db
	return nil
}

func (s *SQLite) Read(ctx context.Context, keys []string) (map[string][]byte, error) {
	if s.db == nil {
		return nil, faults.Wrap(faults.Transient, "sqlite read", errNotConnected)
	}
	out := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	query := fmt.Sprintf(`SELECT key, value FROM bot_state WHERE key IN (?%s)`, strings.Repeat(", ?", len(keys)-1))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifySQLite("sqlite read", err)
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, classifySQLite("sqlite scan", err)
		}
		out[k] = []byte(v)
	}
	if err := rows.Err(); err != nil {
		return nil, classifySQLite("sqlite read", err)
	}
	return out, nil
}

func (s *SQLite) Write(ctx context.Context, b Batch) error {
	if s.db == nil {
		return faults.Wrap(faults.Transient, "sqlite write", errNotConnected)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifySQLite("sqlite begin", err)
	}
	defer tx.Rollback()

	for k, v := range b.Values {
		if _, err := tx.ExecContext(ctx, `INSERT INTO bot_state (key, value) VALUES (?, ?)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value`, k, string(v)); err != nil {
			return classifySQLite("sqlite write", err)
		}
	}
	for _, h := range b.History {
		if _, err := tx.ExecContext(ctx, `INSERT INTO products (id, name, price) VALUES (?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				name = excluded.name,
				price = excluded.price,
				updated_at = CURRENT_TIMESTAMP`, h.ProductID, h.Name, h.Price.String()); err != nil {
			return classifySQLite("sqlite write product", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO price_history (product_id, price, kind) VALUES (?, ?, ?)`,
			h.ProductID, h.Price.String(), string(h.Kind)); err != nil {
			return classifySQLite("sqlite write history", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return classifySQLite("sqlite commit", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// addKindColumn upgrades price_history tables created without the kind column.
// SQLite has no ADD COLUMN IF NOT EXISTS.
func addKindColumn(ctx context.Context, db *sql.DB) error {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info('price_history') WHERE name = 'kind'`).Scan(&n)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	_, err = db.ExecContext(ctx, `ALTER TABLE price_history ADD COLUMN kind TEXT NOT NULL DEFAULT ''`)
	return err
}

func classifySQLite(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) ||
		strings.Contains(msg, "database is closed") ||
		strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY") {
		return faults.Wrap(faults.Transient, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
