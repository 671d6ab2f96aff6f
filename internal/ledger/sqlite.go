package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"villagepop/pkg/domain"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

// SQLiteLedger persists generation history to an embedded sqlite file. The
// generations table only ever sees INSERT and DELETE; there is no update path.
type SQLiteLedger struct {
	db   *sql.DB
	path string
}

// NewSQLiteLedger opens (and if needed initializes) the ledger at path.
func NewSQLiteLedger(path string) (*SQLiteLedger, error) {
	if path == "" {
		path = "villagepop_ledger.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS generations (
		id TEXT NOT NULL,
		owner TEXT NOT NULL,
		location TEXT NOT NULL,
		village_count INTEGER NOT NULL,
		records INTEGER NOT NULL,
		created_at TEXT NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create generations table: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_generations_owner ON generations(owner)`); err != nil {
		return nil, fmt.Errorf("index generations: %w", err)
	}
	return &SQLiteLedger{db: db, path: path}, nil
}

// Record appends one entry.
func (l *SQLiteLedger) Record(ctx context.Context, entry domain.GenerationRecord) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO generations (id, owner, location, village_count, records, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Owner, entry.Location, entry.VillageCount, entry.Records, entry.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return domain.ErrStorage{Op: "ledger insert", Err: err}
	}
	return nil
}

// ListFor returns the owner's entries in append (rowid) order.
func (l *SQLiteLedger) ListFor(ctx context.Context, owner string) ([]domain.GenerationRecord, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, owner, location, village_count, records, created_at FROM generations WHERE owner = ? ORDER BY rowid`, owner)
	if err != nil {
		return nil, domain.ErrStorage{Op: "ledger select", Err: err}
	}
	defer func() { _ = rows.Close() }()
	var out []domain.GenerationRecord
	for rows.Next() {
		var entry domain.GenerationRecord
		var created string
		if err := rows.Scan(&entry.ID, &entry.Owner, &entry.Location, &entry.VillageCount, &entry.Records, &created); err != nil {
			return nil, domain.ErrStorage{Op: "ledger scan", Err: err}
		}
		if entry.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, domain.ErrStorage{Op: "ledger parse time", Err: err}
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.ErrStorage{Op: "ledger iterate", Err: err}
	}
	return out, nil
}

// Prune removes the entry for (owner, location).
func (l *SQLiteLedger) Prune(ctx context.Context, owner, location string) (bool, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM generations WHERE owner = ? AND location = ?`, owner, location)
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
func (l *SQLiteLedger) Close() error { return l.db.Close() }

// Path returns the configured ledger file path.
func (l *SQLiteLedger) Path() string { return l.path }
