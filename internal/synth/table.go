package synth

import (
	"context"
	"database/sql"
	"io"
	"os"

	"villagepop/pkg/domain"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

// Table is a handle to a materialized population table. It holds an open
// read connection; Close releases it. The file itself stays in place until
// the owning service deletes it.
type Table struct {
	Path string
	Rows int64

	db *sql.DB
}

// Open attaches to an existing population table at path. rows < 0 recounts
// from the table. A missing file surfaces as os.ErrNotExist so callers can
// prune stale ledger entries.
func Open(path string, rows int64) (*Table, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, domain.ErrStorage{Op: "open table", Err: err}
	}
	t := &Table{Path: path, Rows: rows, db: db}
	if rows < 0 {
		if err := db.QueryRow(`SELECT COUNT(*) FROM population`).Scan(&t.Rows); err != nil {
			_ = db.Close()
			return nil, domain.ErrStorage{Op: "count table", Err: err}
		}
	}
	return t, nil
}

// Close releases the table's database handle.
func (t *Table) Close() error {
	if t.db == nil {
		return nil
	}
	err := t.db.Close()
	t.db = nil
	return err
}

const selectRecords = `SELECT serial_no, counter, family_id, person_id, birth_date_serial,
	village_id, gender, formatted_birth_date, married_to_village_id FROM population`

// All returns every record in serial order.
func (t *Table) All(ctx context.Context) ([]domain.PopulationRecord, error) {
	return t.query(ctx, selectRecords+` ORDER BY serial_no`)
}

// Village returns the records replicated into one village, in base order.
// The village index makes this the cheap per-village aggregation path.
func (t *Table) Village(ctx context.Context, villageID int) ([]domain.PopulationRecord, error) {
	return t.query(ctx, selectRecords+` WHERE village_id = ? ORDER BY serial_no`, villageID)
}

// CountByVillage returns the row count per village id.
func (t *Table) CountByVillage(ctx context.Context) (map[int]int64, error) {
	rows, err := t.db.QueryContext(ctx, `SELECT village_id, COUNT(*) FROM population GROUP BY village_id`)
	if err != nil {
		return nil, domain.ErrStorage{Op: "count by village", Err: err}
	}
	defer func() { _ = rows.Close() }()
	counts := make(map[int]int64)
	for rows.Next() {
		var village int
		var count int64
		if err := rows.Scan(&village, &count); err != nil {
			return nil, domain.ErrStorage{Op: "scan village count", Err: err}
		}
		counts[village] = count
	}
	if err := rows.Err(); err != nil {
		return nil, domain.ErrStorage{Op: "iterate village counts", Err: err}
	}
	return counts, nil
}

// SerialBounds returns the smallest and largest assigned serial numbers.
func (t *Table) SerialBounds(ctx context.Context) (min, max int64, err error) {
	err = t.db.QueryRowContext(ctx, `SELECT MIN(serial_no), MAX(serial_no) FROM population`).Scan(&min, &max)
	if err != nil {
		return 0, 0, domain.ErrStorage{Op: "serial bounds", Err: err}
	}
	return min, max, nil
}

// Reader streams the raw table bytes for download. The caller must have no
// pending writes; generated tables are immutable after publication.
func (t *Table) Reader() (io.ReadCloser, error) {
	return os.Open(t.Path)
}

func (t *Table) query(ctx context.Context, q string, args ...any) ([]domain.PopulationRecord, error) {
	rows, err := t.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, domain.ErrStorage{Op: "query table", Err: err}
	}
	defer func() { _ = rows.Close() }()
	var out []domain.PopulationRecord
	for rows.Next() {
		var rec domain.PopulationRecord
		var serial sql.NullInt64
		var formatted sql.NullString
		var gender string
		if err := rows.Scan(&rec.SerialNo, &rec.Counter, &rec.FamilyID, &rec.PersonID,
			&serial, &rec.VillageID, &gender, &formatted, &rec.MarriedToVillageID); err != nil {
			return nil, domain.ErrStorage{Op: "scan record", Err: err}
		}
		rec.Gender = domain.Gender(gender)
		if serial.Valid {
			v := serial.Int64
			rec.BirthSerial = &v
		}
		if formatted.Valid {
			v := formatted.String
			rec.FormattedBirthDate = &v
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.ErrStorage{Op: "iterate records", Err: err}
	}
	return out, nil
}
