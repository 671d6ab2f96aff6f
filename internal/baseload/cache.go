package baseload

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"

	"villagepop/pkg/domain"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

const cacheSchema = `CREATE TABLE base_records (
	seq INTEGER PRIMARY KEY,
	counter INTEGER NOT NULL,
	family_id INTEGER NOT NULL,
	person_id INTEGER NOT NULL,
	birth_date TEXT,
	birth_serial INTEGER,
	formatted_birth_date TEXT
)`

// writeCache persists the normalized records to a sqlite artifact at path.
// The artifact is built in a temp file and atomically renamed into place so
// readers never observe a half-written cache.
func writeCache(ctx context.Context, path string, records []domain.BaseRecord) (retErr error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return domain.ErrStorage{Op: "cache mkdir", Err: err}
	}
	tmp, err := os.CreateTemp(dir, ".cache-*")
	if err != nil {
		return domain.ErrStorage{Op: "cache create", Err: err}
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()
	defer func() {
		if retErr != nil {
			_ = os.Remove(tmpPath)
		}
	}()

	db, err := sql.Open("sqlite", tmpPath)
	if err != nil {
		return domain.ErrStorage{Op: "cache open", Err: err}
	}
	defer func() { _ = db.Close() }()

	if _, err := db.ExecContext(ctx, cacheSchema); err != nil {
		return domain.ErrStorage{Op: "cache schema", Err: err}
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return domain.ErrStorage{Op: "cache begin", Err: err}
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO base_records
		(seq, counter, family_id, person_id, birth_date, birth_serial, formatted_birth_date)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return domain.ErrStorage{Op: "cache prepare", Err: err}
	}
	defer func() { _ = stmt.Close() }()
	for i, rec := range records {
		var serial any
		if rec.BirthSerial != nil {
			serial = *rec.BirthSerial
		}
		var formatted any
		if rec.FormattedBirthDate != nil {
			formatted = *rec.FormattedBirthDate
		}
		if _, err := stmt.ExecContext(ctx, i+1, rec.Counter, rec.FamilyID, rec.PersonID, rec.BirthDate, serial, formatted); err != nil {
			return domain.ErrStorage{Op: "cache insert", Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.ErrStorage{Op: "cache commit", Err: err}
	}
	committed = true
	if err := db.Close(); err != nil {
		return domain.ErrStorage{Op: "cache close", Err: err}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return domain.ErrStorage{Op: "cache rename", Err: err}
	}
	return nil
}

// readCache loads the normalized records back from the cache artifact in the
// original source order.
func readCache(ctx context.Context, path string) ([]domain.BaseRecord, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, domain.ErrStorage{Op: "cache open", Err: err}
	}
	defer func() { _ = db.Close() }()

	rows, err := db.QueryContext(ctx, `SELECT counter, family_id, person_id, birth_date, birth_serial, formatted_birth_date
		FROM base_records ORDER BY seq`)
	if err != nil {
		return nil, domain.ErrStorage{Op: "cache select", Err: err}
	}
	defer func() { _ = rows.Close() }()

	records := make([]domain.BaseRecord, 0, 64)
	for rows.Next() {
		var rec domain.BaseRecord
		var birthDate sql.NullString
		var serial sql.NullInt64
		var formatted sql.NullString
		if err := rows.Scan(&rec.Counter, &rec.FamilyID, &rec.PersonID, &birthDate, &serial, &formatted); err != nil {
			return nil, domain.ErrStorage{Op: "cache scan", Err: err}
		}
		rec.BirthDate = birthDate.String
		if serial.Valid {
			v := serial.Int64
			rec.BirthSerial = &v
		}
		if formatted.Valid {
			v := formatted.String
			rec.FormattedBirthDate = &v
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.ErrStorage{Op: "cache iterate", Err: err}
	}
	return records, nil
}
