// Package baseload loads and normalizes the canonical base dataset once,
// caching the normalized form in an embedded sqlite artifact for fast reuse.
package baseload

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// RawRow is one unnormalized person row from the canonical source.
type RawRow struct {
	Counter   int
	FamilyID  int64
	PersonID  int64
	BirthDate string
}

// Source supplies raw base-dataset rows from a named-column tabular input.
// The concrete format is a collaborator concern; CSVSource is the default.
type Source interface {
	// Rows reads the full dataset in source order. A missing underlying
	// input returns an error satisfying errors.Is(err, os.ErrNotExist).
	Rows() ([]RawRow, error)
	// Location names the source for error reporting.
	Location() string
}

// CSVSource reads the base dataset from a CSV file with a header row. Columns
// are resolved by name (case-insensitive): family_id, person_id, birth_date,
// and optionally counter. When the counter column is absent, counters are
// assigned from the 1-based row position.
type CSVSource struct {
	path string
}

// NewCSVSource returns a source reading from the CSV file at path.
func NewCSVSource(path string) *CSVSource {
	return &CSVSource{path: path}
}

// Location returns the configured file path.
func (s *CSVSource) Location() string { return s.path }

// Rows reads and parses every record of the CSV file.
func (s *CSVSource) Rows() ([]RawRow, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true
	header, err := r.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("source %s is empty", s.path)
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	cols := map[string]int{}
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	familyCol, ok := cols["family_id"]
	if !ok {
		return nil, fmt.Errorf("source %s missing family_id column", s.path)
	}
	personCol, ok := cols["person_id"]
	if !ok {
		return nil, fmt.Errorf("source %s missing person_id column", s.path)
	}
	birthCol, hasBirth := cols["birth_date"]
	counterCol, hasCounter := cols["counter"]

	var rows []RawRow
	for line := 2; ; line++ {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read line %d: %w", line, err)
		}
		row := RawRow{Counter: len(rows) + 1}
		if hasCounter {
			c, err := strconv.Atoi(strings.TrimSpace(record[counterCol]))
			if err != nil {
				return nil, fmt.Errorf("line %d: bad counter %q", line, record[counterCol])
			}
			row.Counter = c
		}
		if row.FamilyID, err = strconv.ParseInt(strings.TrimSpace(record[familyCol]), 10, 64); err != nil {
			return nil, fmt.Errorf("line %d: bad family_id %q", line, record[familyCol])
		}
		if row.PersonID, err = strconv.ParseInt(strings.TrimSpace(record[personCol]), 10, 64); err != nil {
			return nil, fmt.Errorf("line %d: bad person_id %q", line, record[personCol])
		}
		if hasBirth {
			row.BirthDate = strings.TrimSpace(record[birthCol])
		}
		rows = append(rows, row)
	}
	return rows, nil
}
