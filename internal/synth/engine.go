// Package synth expands the normalized base dataset across villages and
// materializes the result as a queryable sqlite table.
package synth

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"villagepop/pkg/domain"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

// Config bounds the accepted village counts. The multiple-of-28 rule is
// structural (see domain.SuperBlockSize); the range is deployment
// configuration.
type Config struct {
	MinVillages int
	MaxVillages int
}

// DefaultConfig matches the reference deployment bounds.
var DefaultConfig = Config{MinVillages: 28, MaxVillages: 280}

func (c Config) withDefaults() Config {
	if c.MinVillages == 0 {
		c.MinVillages = DefaultConfig.MinVillages
	}
	if c.MaxVillages == 0 {
		c.MaxVillages = DefaultConfig.MaxVillages
	}
	return c
}

// Engine synthesizes population tables. It is stateless and safe for
// concurrent use; every run targets its own freshly named output file.
type Engine struct {
	cfg Config
}

// NewEngine constructs an engine with the provided bounds.
func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg.withDefaults()}
}

const populationSchema = `CREATE TABLE population (
	serial_no INTEGER PRIMARY KEY AUTOINCREMENT,
	counter INTEGER NOT NULL,
	family_id INTEGER NOT NULL,
	person_id INTEGER NOT NULL,
	birth_date_serial INTEGER,
	village_id INTEGER NOT NULL,
	gender TEXT NOT NULL,
	formatted_birth_date TEXT,
	married_to_village_id INTEGER NOT NULL
)`

// expandQuery performs the whole expansion as one set-based statement: a
// recursive village range cross-joined with the staged base rows, with the
// gender checkerboard and the marriage mapping computed per output row in SQL.
// Serial numbers follow the ORDER BY (village asc, base order asc).
const expandQuery = `INSERT INTO population
	(counter, family_id, person_id, birth_date_serial, village_id, gender, formatted_birth_date, married_to_village_id)
WITH RECURSIVE villages(vid) AS (
	SELECT 1
	UNION ALL
	SELECT vid + 1 FROM villages WHERE vid < ?
)
SELECT
	b.counter,
	b.family_id,
	b.person_id,
	b.birth_serial,
	v.vid,
	CASE WHEN ((b.idx % 2 = 0) = (v.vid % 2 = 1)) THEN 'MALE' ELSE 'FEMALE' END,
	b.formatted_birth_date,
	marriage_village(v.vid, b.counter)
FROM villages AS v CROSS JOIN base_input AS b
ORDER BY v.vid, b.idx`

// Synthesize validates villageCount, expands base across all villages, and
// materializes the output table at path. The table is built under a temporary
// name and renamed into place only on success; on any failure the partial
// output is removed and no table becomes visible at path.
func (e *Engine) Synthesize(ctx context.Context, base []domain.BaseRecord, villageCount int, path string) (*Table, error) {
	if err := e.validateCount(villageCount); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, domain.ErrStorage{Op: "create output dir", Err: err}
	}

	tmpPath := path + ".tmp"
	rows, err := e.materialize(ctx, base, villageCount, tmpPath)
	if err != nil {
		_ = os.Remove(tmpPath)
		return nil, err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return nil, domain.ErrStorage{Op: "publish table", Err: err}
	}
	return Open(path, rows)
}

func (e *Engine) validateCount(villageCount int) error {
	if villageCount < e.cfg.MinVillages || villageCount > e.cfg.MaxVillages || villageCount%domain.SuperBlockSize != 0 {
		return domain.ErrInvalidVillageCount{Count: villageCount, Min: e.cfg.MinVillages, Max: e.cfg.MaxVillages}
	}
	return nil
}

func (e *Engine) materialize(ctx context.Context, base []domain.BaseRecord, villageCount int, tmpPath string) (rows int64, retErr error) {
	db, err := sql.Open("sqlite", tmpPath)
	if err != nil {
		return 0, domain.ErrStorage{Op: "open output", Err: err}
	}
	defer func() {
		if cerr := db.Close(); cerr != nil && retErr == nil {
			retErr = domain.ErrStorage{Op: "close output", Err: cerr}
		}
	}()

	// The staged base rows live in a TEMP table, so every statement must run
	// on the same connection.
	conn, err := db.Conn(ctx)
	if err != nil {
		return 0, domain.ErrStorage{Op: "acquire connection", Err: err}
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.ExecContext(ctx, populationSchema); err != nil {
		return 0, domain.ErrStorage{Op: "create population table", Err: err}
	}
	if err := stageBase(ctx, conn, base); err != nil {
		return 0, err
	}
	if _, err := conn.ExecContext(ctx, expandQuery, villageCount); err != nil {
		return 0, domain.ErrStorage{Op: "expand population", Err: err}
	}
	if _, err := conn.ExecContext(ctx, `CREATE INDEX idx_village ON population(village_id)`); err != nil {
		return 0, domain.ErrStorage{Op: "index village", Err: err}
	}
	if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM population`).Scan(&rows); err != nil {
		return 0, domain.ErrStorage{Op: "count population", Err: err}
	}
	if want := int64(villageCount) * int64(len(base)); rows != want {
		return 0, domain.ErrStorage{Op: "verify row count", Err: fmt.Errorf("materialized %d rows, want %d", rows, want)}
	}
	return rows, nil
}

func stageBase(ctx context.Context, conn *sql.Conn, base []domain.BaseRecord) error {
	if _, err := conn.ExecContext(ctx, `CREATE TEMP TABLE base_input (
		idx INTEGER PRIMARY KEY,
		counter INTEGER NOT NULL,
		family_id INTEGER NOT NULL,
		person_id INTEGER NOT NULL,
		birth_serial INTEGER,
		formatted_birth_date TEXT
	)`); err != nil {
		return domain.ErrStorage{Op: "stage base schema", Err: err}
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return domain.ErrStorage{Op: "stage base begin", Err: err}
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO base_input
		(idx, counter, family_id, person_id, birth_serial, formatted_birth_date)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return domain.ErrStorage{Op: "stage base prepare", Err: err}
	}
	defer func() { _ = stmt.Close() }()
	for i, rec := range base {
		var serial any
		if rec.BirthSerial != nil {
			serial = *rec.BirthSerial
		}
		var formatted any
		if rec.FormattedBirthDate != nil {
			formatted = *rec.FormattedBirthDate
		}
		if _, err := stmt.ExecContext(ctx, i, rec.Counter, rec.FamilyID, rec.PersonID, serial, formatted); err != nil {
			return domain.ErrStorage{Op: "stage base insert", Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.ErrStorage{Op: "stage base commit", Err: err}
	}
	committed = true
	return nil
}
