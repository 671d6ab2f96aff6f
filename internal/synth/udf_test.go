package synth_test

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "villagepop/internal/synth" // registers the marriage_village function
	"villagepop/pkg/domain"

	_ "modernc.org/sqlite"
)

func openScratchDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "scratch.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMarriageVillageFunctionMatchesDomain(t *testing.T) {
	db := openScratchDB(t)
	for _, tc := range []struct{ village, counter int }{
		{1, 1}, {1, 196}, {28, 3}, {29, 1}, {280, 197}, {57, 393},
	} {
		var got int
		if err := db.QueryRow(`SELECT marriage_village(?, ?)`, tc.village, tc.counter).Scan(&got); err != nil {
			t.Fatalf("marriage_village(%d,%d): %v", tc.village, tc.counter, err)
		}
		want, err := domain.MarriageVillage(tc.village, tc.counter)
		if err != nil {
			t.Fatalf("domain map(%d,%d): %v", tc.village, tc.counter, err)
		}
		if got != want {
			t.Fatalf("sql map(%d,%d) = %d, domain says %d", tc.village, tc.counter, got, want)
		}
	}
}

func TestMarriageVillageFunctionPropagatesErrors(t *testing.T) {
	db := openScratchDB(t)
	var got int
	if err := db.QueryRow(`SELECT marriage_village(0, 1)`).Scan(&got); err == nil {
		t.Fatalf("marriage_village(0,1) should fail")
	}
	if err := db.QueryRow(`SELECT marriage_village(1, 0)`).Scan(&got); err == nil {
		t.Fatalf("marriage_village(1,0) should fail")
	}
}
