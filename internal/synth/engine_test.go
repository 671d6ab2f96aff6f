package synth_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"villagepop/internal/synth"
	"villagepop/pkg/domain"
)

func sampleBase(n int) []domain.BaseRecord {
	base := make([]domain.BaseRecord, n)
	for i := range base {
		serial := int64(30000 + i)
		formatted := domain.BirthEpoch.AddDate(0, 0, int(serial)).Format(domain.FormattedBirthLayout)
		base[i] = domain.BaseRecord{
			Counter:            i + 1,
			FamilyID:           int64(100 + i/2),
			PersonID:           int64(1000 + i),
			BirthSerial:        &serial,
			FormattedBirthDate: &formatted,
		}
	}
	return base
}

func synthesize(t *testing.T, base []domain.BaseRecord, villages int) *synth.Table {
	t.Helper()
	path := filepath.Join(t.TempDir(), "population.db")
	table, err := synth.NewEngine(synth.Config{}).Synthesize(context.Background(), base, villages, path)
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	t.Cleanup(func() { _ = table.Close() })
	return table
}

func TestSynthesizeRowCountAndSerials(t *testing.T) {
	table := synthesize(t, sampleBase(10), 28)
	if table.Rows != 280 {
		t.Fatalf("expected 280 rows, got %d", table.Rows)
	}
	min, max, err := table.SerialBounds(context.Background())
	if err != nil {
		t.Fatalf("serial bounds: %v", err)
	}
	if min != 1 || max != 280 {
		t.Fatalf("serials must span [1,280], got [%d,%d]", min, max)
	}
	counts, err := table.CountByVillage(context.Background())
	if err != nil {
		t.Fatalf("count by village: %v", err)
	}
	if len(counts) != 28 {
		t.Fatalf("expected 28 villages, got %d", len(counts))
	}
	for village := 1; village <= 28; village++ {
		if counts[village] != 10 {
			t.Fatalf("village %d has %d rows, want 10", village, counts[village])
		}
	}
}

func TestSynthesizeOrderingAndFields(t *testing.T) {
	base := sampleBase(4)
	table := synthesize(t, base, 28)
	records, err := table.All(context.Background())
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(records) != 112 {
		t.Fatalf("expected 112 records, got %d", len(records))
	}
	for i, rec := range records {
		village := i/len(base) + 1
		idx := i % len(base)
		if rec.SerialNo != int64(i+1) {
			t.Fatalf("record %d has serial %d", i, rec.SerialNo)
		}
		if rec.VillageID != village {
			t.Fatalf("record %d in village %d, want %d", i, rec.VillageID, village)
		}
		if rec.Counter != base[idx].Counter || rec.PersonID != base[idx].PersonID {
			t.Fatalf("record %d does not carry base row %d: %+v", i, idx, rec)
		}
		if rec.Gender != domain.GenderFor(idx, village) {
			t.Fatalf("record %d gender %s, want %s", i, rec.Gender, domain.GenderFor(idx, village))
		}
		want, err := domain.MarriageVillage(village, rec.Counter)
		if err != nil {
			t.Fatalf("map(%d,%d): %v", village, rec.Counter, err)
		}
		if rec.MarriedToVillageID != want {
			t.Fatalf("record %d married to %d, want %d", i, rec.MarriedToVillageID, want)
		}
		if rec.BirthSerial == nil || *rec.BirthSerial != *base[idx].BirthSerial {
			t.Fatalf("record %d lost birth serial", i)
		}
	}
}

func TestSynthesizeGenderBalancePerVillage(t *testing.T) {
	table := synthesize(t, sampleBase(9), 56)
	ctx := context.Background()
	for village := 1; village <= 56; village++ {
		records, err := table.Village(ctx, village)
		if err != nil {
			t.Fatalf("village %d: %v", village, err)
		}
		var male, female int
		for i, rec := range records {
			if rec.Gender == domain.GenderMale {
				male++
			} else {
				female++
			}
			if i > 0 && rec.Gender == records[i-1].Gender {
				t.Fatalf("village %d rows %d,%d share gender %s", village, i-1, i, rec.Gender)
			}
		}
		if diff := male - female; diff < -1 || diff > 1 {
			t.Fatalf("village %d gender counts %d/%d differ by more than 1", village, male, female)
		}
	}
}

func TestSynthesizeDeterministic(t *testing.T) {
	base := sampleBase(6)
	a := synthesize(t, base, 28)
	b := synthesize(t, base, 28)
	ctx := context.Background()
	ra, err := a.All(ctx)
	if err != nil {
		t.Fatalf("all a: %v", err)
	}
	rb, err := b.All(ctx)
	if err != nil {
		t.Fatalf("all b: %v", err)
	}
	if len(ra) != len(rb) {
		t.Fatalf("row counts differ: %d vs %d", len(ra), len(rb))
	}
	for i := range ra {
		if !reflect.DeepEqual(ra[i], rb[i]) {
			t.Fatalf("row %d differs:\n%+v\n%+v", i, ra[i], rb[i])
		}
	}
}

func TestSynthesizeRejectsBadCounts(t *testing.T) {
	engine := synth.NewEngine(synth.Config{})
	dir := t.TempDir()
	for _, count := range []int{0, -28, 30, 27, 308} {
		path := filepath.Join(dir, fmt.Sprintf("bad_%d.db", count))
		_, err := engine.Synthesize(context.Background(), sampleBase(3), count, path)
		var invalid domain.ErrInvalidVillageCount
		if !errors.As(err, &invalid) {
			t.Fatalf("count %d: expected ErrInvalidVillageCount, got %v", count, err)
		}
		if _, statErr := os.Stat(path); !errors.Is(statErr, os.ErrNotExist) {
			t.Fatalf("count %d: rejected run left output at %s", count, path)
		}
	}
}

func TestSynthesizeRespectsConfiguredRange(t *testing.T) {
	engine := synth.NewEngine(synth.Config{MinVillages: 56, MaxVillages: 112})
	path := filepath.Join(t.TempDir(), "p.db")
	if _, err := engine.Synthesize(context.Background(), sampleBase(2), 28, path); err == nil {
		t.Fatalf("28 should be below the configured minimum")
	}
	table, err := engine.Synthesize(context.Background(), sampleBase(2), 56, path)
	if err != nil {
		t.Fatalf("56 villages: %v", err)
	}
	defer func() { _ = table.Close() }()
	if table.Rows != 112 {
		t.Fatalf("expected 112 rows, got %d", table.Rows)
	}
}

func TestSynthesizeFailureLeavesNoPartialTable(t *testing.T) {
	// A base row with a non-positive counter makes the in-SQL marriage
	// mapping fail mid-insert; the partial output must be discarded.
	base := sampleBase(3)
	base[1].Counter = 0
	dir := t.TempDir()
	path := filepath.Join(dir, "population.db")
	_, err := synth.NewEngine(synth.Config{}).Synthesize(context.Background(), base, 28, path)
	var storage domain.ErrStorage
	if !errors.As(err, &storage) {
		t.Fatalf("expected ErrStorage, got %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("failed run left files behind: %v", entries)
	}
}
