package export_test

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"villagepop/internal/blob"
	"villagepop/internal/export"
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
			FamilyID:           int64(100 + i),
			PersonID:           int64(9000 + i),
			BirthSerial:        &serial,
			FormattedBirthDate: &formatted,
		}
	}
	return base
}

type fixedOpener struct {
	path string
	err  error
}

func (o fixedOpener) OpenGeneration(_ context.Context, _, _ string) (*synth.Table, error) {
	if o.err != nil {
		return nil, o.err
	}
	return synth.Open(o.path, -1)
}

func synthesized(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "villages_alice_abc123.db")
	engine := synth.NewEngine(synth.DefaultConfig)
	table, err := engine.Synthesize(context.Background(), sampleBase(4), 28, path)
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	table.Close()
	return path
}

func waitDone(t *testing.T, w *export.Worker, id string) export.Record {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		record, ok := w.Get(id)
		if !ok {
			t.Fatalf("job %s vanished", id)
		}
		if record.Status == export.StatusSucceeded || record.Status == export.StatusFailed {
			return record
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish", id)
	return export.Record{}
}

func TestWorkerExportsAllFormats(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemory()
	audit := &export.MemoryAuditLog{}
	worker := export.NewWorker(fixedOpener{path: synthesized(t)}, store, audit)
	worker.Start()
	defer worker.Stop(ctx)

	record, err := worker.Enqueue(ctx, export.Input{
		Owner:        "alice",
		GenerationID: "abc123",
		Formats:      []export.Format{export.FormatCSV, export.FormatJSON, export.FormatDB},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if record.Status != export.StatusQueued {
		t.Fatalf("status = %s", record.Status)
	}

	done := waitDone(t, worker, record.ID)
	if done.Status != export.StatusSucceeded {
		t.Fatalf("status = %s error = %s", done.Status, done.Error)
	}
	if len(done.Artifacts) != 3 {
		t.Fatalf("artifacts = %d", len(done.Artifacts))
	}
	if done.CompletedAt == nil {
		t.Fatalf("completed_at not set")
	}

	byFormat := map[export.Format]export.Artifact{}
	for _, a := range done.Artifacts {
		byFormat[a.Format] = a
	}

	// csv: header plus 112 rows
	_, rc, err := store.Get(ctx, byFormat[export.FormatCSV].Key)
	if err != nil {
		t.Fatalf("get csv: %v", err)
	}
	lines, err := csv.NewReader(rc).ReadAll()
	rc.Close()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(lines) != 113 {
		t.Fatalf("csv lines = %d", len(lines))
	}
	for i, col := range domain.PopulationColumns {
		if lines[0][i] != col {
			t.Fatalf("header[%d] = %q want %q", i, lines[0][i], col)
		}
	}
	if lines[1][0] != "1" || lines[1][5] != "1" {
		t.Fatalf("first row = %v", lines[1])
	}

	// json: array of records matching table contents
	_, rc, err = store.Get(ctx, byFormat[export.FormatJSON].Key)
	if err != nil {
		t.Fatalf("get json: %v", err)
	}
	raw, _ := io.ReadAll(rc)
	rc.Close()
	var rows []domain.PopulationRecord
	if err := json.Unmarshal(raw, &rows); err != nil {
		t.Fatalf("parse json: %v", err)
	}
	if len(rows) != 112 {
		t.Fatalf("json rows = %d", len(rows))
	}
	if rows[0].SerialNo != 1 || rows[111].SerialNo != 112 {
		t.Fatalf("serial bounds %d..%d", rows[0].SerialNo, rows[111].SerialNo)
	}

	// db: raw sqlite image, reopenable
	dbArtifact := byFormat[export.FormatDB]
	if dbArtifact.ContentType != "application/vnd.sqlite3" {
		t.Fatalf("db content type = %s", dbArtifact.ContentType)
	}
	_, rc, err = store.Get(ctx, dbArtifact.Key)
	if err != nil {
		t.Fatalf("get db: %v", err)
	}
	head := make([]byte, 16)
	if _, err := io.ReadFull(rc, head); err != nil {
		t.Fatalf("read db header: %v", err)
	}
	rc.Close()
	if !strings.HasPrefix(string(head), "SQLite format 3") {
		t.Fatalf("db header = %q", head)
	}
	if dbArtifact.Rows != 112 {
		t.Fatalf("db rows = %d", dbArtifact.Rows)
	}

	// audit: queued, running, succeeded at minimum
	statuses := map[export.Status]bool{}
	for _, e := range audit.Entries() {
		if e.Action != "population_export" || e.Actor != "alice" {
			t.Fatalf("audit entry = %+v", e)
		}
		statuses[e.Status] = true
	}
	for _, s := range []export.Status{export.StatusQueued, export.StatusRunning, export.StatusSucceeded} {
		if !statuses[s] {
			t.Fatalf("missing audit status %s (have %v)", s, statuses)
		}
	}
}

func TestWorkerVillageFilter(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemory()
	worker := export.NewWorker(fixedOpener{path: synthesized(t)}, store, nil)
	worker.Start()
	defer worker.Stop(ctx)

	record, err := worker.Enqueue(ctx, export.Input{
		Owner:        "alice",
		GenerationID: "abc123",
		Villages:     []int{3, 7},
		Formats:      []export.Format{export.FormatJSON},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	done := waitDone(t, worker, record.ID)
	if done.Status != export.StatusSucceeded {
		t.Fatalf("status = %s error = %s", done.Status, done.Error)
	}

	_, rc, err := store.Get(ctx, done.Artifacts[0].Key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	raw, _ := io.ReadAll(rc)
	rc.Close()
	var rows []domain.PopulationRecord
	if err := json.Unmarshal(raw, &rows); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(rows) != 8 {
		t.Fatalf("rows = %d want 8", len(rows))
	}
	for _, row := range rows {
		if row.VillageID != 3 && row.VillageID != 7 {
			t.Fatalf("unexpected village %d", row.VillageID)
		}
	}
}

func TestEnqueueValidation(t *testing.T) {
	ctx := context.Background()
	worker := export.NewWorker(fixedOpener{path: "unused"}, blob.NewMemory(), nil)

	cases := []export.Input{
		{Owner: "", GenerationID: "g1"},
		{Owner: "alice", GenerationID: ""},
		{Owner: "alice", GenerationID: "g1", Formats: []export.Format{"parquet"}},
		{Owner: "alice", GenerationID: "g1", Formats: []export.Format{export.FormatDB}, Villages: []int{1}},
		{Owner: "alice", GenerationID: "g1", Villages: []int{0}},
	}
	for i, input := range cases {
		if _, err := worker.Enqueue(ctx, input); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

func TestWorkerFailsOnMissingGeneration(t *testing.T) {
	ctx := context.Background()
	worker := export.NewWorker(fixedOpener{err: domain.ErrGenerationNotFound{Owner: "alice", Location: "gone.db"}}, blob.NewMemory(), nil)
	worker.Start()
	defer worker.Stop(ctx)

	record, err := worker.Enqueue(ctx, export.Input{Owner: "alice", GenerationID: "gone"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	done := waitDone(t, worker, record.ID)
	if done.Status != export.StatusFailed {
		t.Fatalf("status = %s", done.Status)
	}
	if !strings.Contains(done.Error, "not found") {
		t.Fatalf("error = %q", done.Error)
	}
}

func TestListNewestFirstPerOwner(t *testing.T) {
	ctx := context.Background()
	worker := export.NewWorker(fixedOpener{path: synthesized(t)}, blob.NewMemory(), nil)
	worker.Start()
	defer worker.Stop(ctx)

	var last string
	for i := 0; i < 3; i++ {
		record, err := worker.Enqueue(ctx, export.Input{Owner: "alice", GenerationID: fmt.Sprintf("g%d", i), Formats: []export.Format{export.FormatCSV}})
		if err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
		last = record.ID
		time.Sleep(2 * time.Millisecond)
	}
	if _, err := worker.Enqueue(ctx, export.Input{Owner: "bob", GenerationID: "g9", Formats: []export.Format{export.FormatCSV}}); err != nil {
		t.Fatalf("enqueue bob: %v", err)
	}

	jobs := worker.List("alice")
	if len(jobs) != 3 {
		t.Fatalf("jobs = %d", len(jobs))
	}
	if jobs[0].ID != last {
		t.Fatalf("expected newest first")
	}
	for _, j := range jobs {
		if j.Owner != "alice" {
			t.Fatalf("owner = %s", j.Owner)
		}
	}
}

func TestStopWaits(t *testing.T) {
	worker := export.NewWorker(fixedOpener{path: synthesized(t)}, blob.NewMemory(), nil)
	worker.Start()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := worker.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
