package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"price_watcher/internal/faults"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS bot_state (
		key VARCHAR(50) PRIMARY KEY,
		value JSONB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS products (
		id VARCHAR(50) PRIMARY KEY,
		name TEXT NOT NULL,
		price NUMERIC NOT NULL,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS price_history (
		id SERIAL PRIMARY KEY,
		product_id VARCHAR(50) NOT NULL,
		price NUMERIC NOT NULL,
		kind VARCHAR(16) NOT NULL DEFAULT '',
		recorded_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`,
	// Databases created by the first bot version have price_history without kind.
	`ALTER TABLE price_history ADD COLUMN IF NOT EXISTS kind VARCHAR(16) NOT NULL DEFAULT ''`,
}

// Postgres stores the table in bot_state (key, value JSONB) over a single
// pgx connection.
type Postgres struct {
	dsn  string
	conn *pgx.Conn
}

func NewPostgres(dsn string) *Postgres {
	return &Postgres{dsn: dsn}
}

func (p *Postgres) Name() string { return "postgres" }

// Connect drops any previous connection, dials a new one and ensures the schema.
func (p *Postgres) Connect(ctx context.Context) error {
	if p.conn != nil {
		_ = p.conn.Close(ctx)
		p.conn = nil
	}

	conn, err := pgx.Connect(ctx, p.dsn)
	if err != nil {
		return faults.Wrap(faults.Transient, "postgres connect", err)
	}
	for _, stmt := range postgresSchema {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			_ = conn.Close(ctx)
			return p.classify("postgres schema", err)
		}
	}
	p.conn = conn
	return nil
}

func (p *Postgres) Read(ctx context.Context, keys []string) (map[string][]byte, error) {
	if p.conn == nil {
		return nil, faults.Wrap(faults.Transient, "postgres read", errNotConnected)
	}

	rows, err := p.conn.Query(ctx, `SELECT key, value::text FROM bot_state WHERE key = ANY($1)`, keys)
	if err != nil {
		return nil, p.classify("postgres read", err)
	}
	defer rows.Close()

	out := make(map[string][]byte, len(keys))
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, p.classify("postgres scan", err)
		}
		out[k] = []byte(v)
	}
	if err := rows.Err(); err != nil {
		return nil, p.classify("postgres read", err)
	}
	return out, nil
}

// Write upserts all values and appends history in one transaction.
func (p *Postgres) Write(ctx context.Context, b Batch) error {
	if p.conn == nil {
		return faults.Wrap(faults.Transient, "postgres write", errNotConnected)
	}

	tx, err := p.conn.Begin(ctx)
	if err != nil {
		return p.classify("postgres begin", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for k, v := range b.Values {
		batch.Queue(`INSERT INTO bot_state (key, value) VALUES ($1, $2::jsonb)
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, k, string(v))
	}
	for _, h := range b.History {
		batch.Queue(`INSERT INTO products (id, name, price) VALUES ($1, $2, $3::numeric)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				price = EXCLUDED.price,
				updated_at = CURRENT_TIMESTAMP`, h.ProductID, h.Name, h.Price.String())
		batch.Queue(`INSERT INTO price_history (product_id, price, kind) VALUES ($1, $2::numeric, $3)`,
			h.ProductID, h.Price.String(), string(h.Kind))
	}

	br := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return p.classify("postgres write", err)
		}
	}
	if err := br.Close(); err != nil {
		return p.classify("postgres write", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return p.classify("postgres commit", err)
	}
	return nil
}

func (p *Postgres) Close() error {
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close(context.Background())
	p.conn = nil
	return err
}

// classify marks connection-level failures as transient so the Store
// reconnects and retries them.
func (p *Postgres) classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if p.conn == nil || p.conn.IsClosed() || isTransientPG(err) {
		return faults.Wrap(faults.Transient, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isTransientPG(err error) bool {
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08: connection exception. 57P0x: server shutting down.
		return strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "57P0")
	}
	return false
}

var errNotConnected = errors.New("not connected")
