package baseload

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"villagepop/pkg/domain"
)

// Loader normalizes the canonical source once and serves the result for the
// rest of the process. The normalized rows are additionally written to a
// sqlite cache artifact so later processes skip re-parsing; the cache is
// invalidated only by deleting it.
type Loader struct {
	source    Source
	cachePath string

	mu      sync.Mutex
	records []domain.BaseRecord
}

// New constructs a loader for source with the cache artifact at cachePath.
func New(source Source, cachePath string) *Loader {
	return &Loader{source: source, cachePath: cachePath}
}

// Load returns the normalized base dataset. The first call per process reads
// the cache artifact, or, when it does not exist, reads the source, normalizes
// it, and writes the cache through a temp-file-and-rename so a concurrent
// first load can never observe a partial artifact. The returned slice is
// shared read-only by all synthesis runs.
func (l *Loader) Load(ctx context.Context) ([]domain.BaseRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.records != nil {
		return l.records, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if _, err := os.Stat(l.cachePath); err == nil {
		records, err := readCache(ctx, l.cachePath)
		if err != nil {
			return nil, err
		}
		l.records = records
		return l.records, nil
	}

	raw, err := l.source.Rows()
	if errors.Is(err, os.ErrNotExist) {
		return nil, domain.ErrMissingSource{Path: l.source.Location()}
	}
	if err != nil {
		return nil, err
	}

	records := make([]domain.BaseRecord, len(raw))
	for i, row := range raw {
		records[i] = Normalize(row)
	}
	if err := writeCache(ctx, l.cachePath, records); err != nil {
		return nil, err
	}
	l.records = records
	return l.records, nil
}

// Invalidate drops the in-process memo and removes the cache artifact, forcing
// the next Load to re-parse the source.
func (l *Loader) Invalidate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = nil
	if err := os.Remove(l.cachePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// birthDateLayouts are tried in order when parsing raw birth dates.
var birthDateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	time.RFC3339,
	"01/02/2006",
}

// Normalize derives the birth serial (whole days since domain.BirthEpoch) and
// the formatted birth date from a raw row. Rows with a missing or unparseable
// birth date keep nil derived fields; no best-guess value is ever substituted.
func Normalize(row RawRow) domain.BaseRecord {
	rec := domain.BaseRecord{
		Counter:   row.Counter,
		FamilyID:  row.FamilyID,
		PersonID:  row.PersonID,
		BirthDate: row.BirthDate,
	}
	if row.BirthDate == "" {
		return rec
	}
	for _, layout := range birthDateLayouts {
		parsed, err := time.Parse(layout, row.BirthDate)
		if err != nil {
			continue
		}
		day := time.Date(parsed.Year(), parsed.Month(), parsed.Day(), 0, 0, 0, 0, time.UTC)
		serial := int64(day.Sub(domain.BirthEpoch) / (24 * time.Hour))
		formatted := domain.BirthEpoch.AddDate(0, 0, int(serial)).Format(domain.FormattedBirthLayout)
		rec.BirthSerial = &serial
		rec.FormattedBirthDate = &formatted
		break
	}
	return rec
}
