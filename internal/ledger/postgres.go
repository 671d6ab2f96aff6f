package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"villagepop/pkg/domain"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
)

const (
	pgDriver = "pgx"
	// Default DSN keeps parity with Open defaults while allowing env overrides.
	pgDefaultDSN = "postgres://localhost/villagepop?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// PostgresLedger persists generation history to PostgreSQL with the same
// append-only semantics as the sqlite driver.
type PostgresLedger struct {
	db *sql.DB
}

// NewPostgresLedger opens a postgres-backed ledger using dsn (falls back to
// the default local DSN) and ensures the generations table exists.
func NewPostgresLedger(dsn string) (*PostgresLedger, error) {
	if dsn == "" {
		dsn = pgDefaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(pgDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS generations (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL,
		owner TEXT NOT NULL,
		location TEXT NOT NULL,
		village_count INTEGER NOT NULL,
		records BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create generations table: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_generations_owner ON generations(owner)`); err != nil {
		return nil, fmt.Errorf("index generations: %w", err)
	}
	return &PostgresLedger{db: db}, nil
}

// Record appends one entry.
func (l *PostgresLedger) Record(ctx context.Context, entry domain.GenerationRecord) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO generations (id, owner, location, village_count, records, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ID, entry.Owner, entry.Location, entry.VillageCount, entry.Records, entry.CreatedAt.UTC())
	if err != nil {
		return domain.ErrStorage{Op: "ledger insert", Err: err}
	}
	return nil
}

// ListFor returns the owner's entries in append order.
func (l *PostgresLedger) ListFor(ctx context.Context, owner string) ([]domain.GenerationRecord, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, owner, location, village_count, records, created_at FROM generations WHERE owner = $1 ORDER BY seq`, owner)
	if err != nil {
		return nil, domain.ErrStorage{Op: "ledger select", Err: err}
	}
	defer func() { _ = rows.Close() }()
	var out []domain.GenerationRecord
	for rows.Next() {
		var entry domain.GenerationRecord
		var created time.Time
		if err := rows.Scan(&entry.ID, &entry.Owner, &entry.Location, &entry.VillageCount, &entry.Records, &created); err != nil {
			return nil, domain.ErrStorage{Op: "ledger scan", Err: err}
		}
		entry.CreatedAt = created.UTC()
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.ErrStorage{Op: "ledger iterate", Err: err}
	}
	return out, nil
}

// Prune removes the entry for (owner, location).
func (l *PostgresLedger) Prune(ctx context.Context, owner, location string) (bool, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM generations WHERE owner = $1 AND location = $2`, owner, location)
	if err != nil {
		return false, domain.ErrStorage{Op: "ledger delete", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, domain.ErrStorage{Op: "ledger rows affected", Err: err}
	}
	return n > 0, nil
}

// Close releases the underlying database handle.
func (l *PostgresLedger) Close() error { return l.db.Close() }

// DB exposes the underlying sql.DB for integration testing hooks.
func (l *PostgresLedger) DB() *sql.DB { return l.db }

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore
// function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
