package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"villagepop/internal/baseload"
	"villagepop/internal/ledger"
	"villagepop/internal/synth"
	"villagepop/pkg/domain"
)

const sampleCSV = `family_id,person_id,birth_date
101,9001,1983-07-19
101,9002,1985-02-03
102,9003,1990-11-30
103,9004,2001-06-15
`

func newTestService(t *testing.T, opts ...Option) (*Service, string) {
	t.Helper()
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "base.csv")
	if err := os.WriteFile(srcPath, []byte(sampleCSV), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	loader := baseload.New(baseload.NewCSVSource(srcPath), filepath.Join(dir, "base_cache.db"))
	dataDir := filepath.Join(dir, "generations")
	svc, err := NewService(loader, synth.NewEngine(synth.DefaultConfig), ledger.NewMemory(), dataDir, opts...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, dataDir
}

func TestGenerateRecordsLedgerAndTable(t *testing.T) {
	ctx := context.Background()
	svc, dataDir := newTestService(t)

	record, err := svc.Generate(ctx, "alice", 28)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if record.Owner != "alice" || record.VillageCount != 28 {
		t.Fatalf("record = %+v", record)
	}
	if record.Records != 112 {
		t.Fatalf("records = %d want 112", record.Records)
	}
	wantLocation := fmt.Sprintf("villages_alice_%s.db", record.ID)
	if record.Location != wantLocation {
		t.Fatalf("location = %q want %q", record.Location, wantLocation)
	}
	if _, err := os.Stat(filepath.Join(dataDir, record.Location)); err != nil {
		t.Fatalf("table file: %v", err)
	}

	table, err := svc.OpenGeneration(ctx, "alice", record.ID)
	if err != nil {
		t.Fatalf("open generation: %v", err)
	}
	defer table.Close()
	rows, err := table.Village(ctx, 1)
	if err != nil {
		t.Fatalf("village: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("village rows = %d", len(rows))
	}
	if rows[0].Gender != domain.GenderMale {
		t.Fatalf("first row of village 1 = %s", rows[0].Gender)
	}
}

func TestGenerateRejectsInvalidCountBeforeWriting(t *testing.T) {
	ctx := context.Background()
	svc, dataDir := newTestService(t)

	var invalid domain.ErrInvalidVillageCount
	if _, err := svc.Generate(ctx, "alice", 30); !errors.As(err, &invalid) {
		t.Fatalf("err = %v", err)
	}
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no files, got %v", entries)
	}
	history, err := svc.History(ctx, "alice")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("history = %+v", history)
	}
}

func TestGenerateRequiresOwner(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.Generate(context.Background(), "  ", 28); err == nil {
		t.Fatalf("expected error for blank owner")
	}
}

func TestHistoryPrunesStaleEntries(t *testing.T) {
	ctx := context.Background()
	svc, dataDir := newTestService(t)

	first, err := svc.Generate(ctx, "alice", 28)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	second, err := svc.Generate(ctx, "alice", 56)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if err := os.Remove(filepath.Join(dataDir, first.Location)); err != nil {
		t.Fatalf("remove: %v", err)
	}
	history, err := svc.History(ctx, "alice")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].ID != second.ID {
		t.Fatalf("history = %+v", history)
	}
	// pruned for good, not just filtered
	history, err = svc.History(ctx, "alice")
	if err != nil {
		t.Fatalf("history again: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("history after prune = %+v", history)
	}
}

func TestOpenGenerationPrunesMissingTable(t *testing.T) {
	ctx := context.Background()
	svc, dataDir := newTestService(t)

	record, err := svc.Generate(ctx, "alice", 28)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := os.Remove(filepath.Join(dataDir, record.Location)); err != nil {
		t.Fatalf("remove: %v", err)
	}

	var notFound domain.ErrGenerationNotFound
	if _, err := svc.OpenGeneration(ctx, "alice", record.ID); !errors.As(err, &notFound) {
		t.Fatalf("err = %v", err)
	}
	history, err := svc.History(ctx, "alice")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("expected pruned ledger, got %+v", history)
	}
}

func TestOpenGenerationUnknownID(t *testing.T) {
	svc, _ := newTestService(t)
	var notFound domain.ErrGenerationNotFound
	if _, err := svc.OpenGeneration(context.Background(), "alice", "nope"); !errors.As(err, &notFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestDeleteGeneration(t *testing.T) {
	ctx := context.Background()
	svc, dataDir := newTestService(t)

	record, err := svc.Generate(ctx, "alice", 28)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := svc.DeleteGeneration(ctx, "alice", record.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dataDir, record.Location)); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("table still present: %v", err)
	}
	history, err := svc.History(ctx, "alice")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("history = %+v", history)
	}
}

func TestOwnersAreIsolated(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	if _, err := svc.Generate(ctx, "alice", 28); err != nil {
		t.Fatalf("generate alice: %v", err)
	}
	bob, err := svc.Generate(ctx, "bob", 56)
	if err != nil {
		t.Fatalf("generate bob: %v", err)
	}
	history, err := svc.History(ctx, "bob")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].ID != bob.ID {
		t.Fatalf("bob history = %+v", history)
	}
	var notFound domain.ErrGenerationNotFound
	if _, err := svc.OpenGeneration(ctx, "alice", bob.ID); !errors.As(err, &notFound) {
		t.Fatalf("cross-owner open err = %v", err)
	}
}

type failingLedger struct {
	ledger.Ledger
}

func (failingLedger) Record(context.Context, domain.GenerationRecord) error {
	return fmt.Errorf("ledger down")
}

func TestGenerateRollsBackTableOnLedgerFailure(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "base.csv")
	if err := os.WriteFile(srcPath, []byte(sampleCSV), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	loader := baseload.New(baseload.NewCSVSource(srcPath), filepath.Join(dir, "base_cache.db"))
	dataDir := filepath.Join(dir, "generations")
	svc, err := NewService(loader, synth.NewEngine(synth.DefaultConfig), failingLedger{ledger.NewMemory()}, dataDir)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	if _, err := svc.Generate(ctx, "alice", 28); err == nil {
		t.Fatalf("expected ledger failure")
	}
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected table rollback, found %v", entries)
	}
}

type metricsCall struct {
	op       string
	success  bool
	duration time.Duration
}

type captureMetricsRecorder struct {
	calls []metricsCall
}

func (c *captureMetricsRecorder) Observe(_ context.Context, op string, success bool, duration time.Duration) {
	c.calls = append(c.calls, metricsCall{op: op, success: success, duration: duration})
}

func (c *captureMetricsRecorder) has(op string, success bool) bool {
	for _, call := range c.calls {
		if call.op == op && call.success == success {
			return true
		}
	}
	return false
}

type captureAuditRecorder struct {
	entries []AuditEntry
}

func (c *captureAuditRecorder) Record(_ context.Context, entry AuditEntry) {
	c.entries = append(c.entries, entry)
}

func (c *captureAuditRecorder) has(op string, status AuditStatus) bool {
	for _, entry := range c.entries {
		if entry.Operation == op && entry.Status == status {
			return true
		}
	}
	return false
}

type captureTracer struct {
	ended []spanRecord
}

type spanRecord struct {
	op  string
	err error
}

func (c *captureTracer) Start(ctx context.Context, op string) (context.Context, TraceSpan) {
	return ctx, &captureSpan{tracer: c, op: op}
}

type captureSpan struct {
	tracer *captureTracer
	op     string
}

func (s *captureSpan) End(err error) {
	s.tracer.ended = append(s.tracer.ended, spanRecord{op: s.op, err: err})
}

func TestServiceObservabilityCompliance(t *testing.T) {
	ctx := context.Background()
	metrics := &captureMetricsRecorder{}
	audit := &captureAuditRecorder{}
	tracer := &captureTracer{}
	svc, _ := newTestService(t,
		WithMetricsRecorder(metrics),
		WithAuditRecorder(audit),
		WithTracer(tracer),
	)

	record, err := svc.Generate(ctx, "alice", 28)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := svc.History(ctx, "alice"); err != nil {
		t.Fatalf("history: %v", err)
	}
	table, err := svc.OpenGeneration(ctx, "alice", record.ID)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	table.Close()
	if err := svc.DeleteGeneration(ctx, "alice", record.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := svc.OpenGeneration(ctx, "alice", record.ID); err == nil {
		t.Fatalf("expected open after delete to fail")
	}

	for _, op := range []string{"generate", "history", "open_generation", "delete_generation"} {
		if !metrics.has(op, true) {
			t.Fatalf("missing metrics success for %s", op)
		}
		if !audit.has(op, AuditStatusSuccess) {
			t.Fatalf("missing audit success for %s", op)
		}
	}
	if !metrics.has("open_generation", false) {
		t.Fatalf("missing metrics failure for open_generation")
	}
	if !audit.has("open_generation", AuditStatusError) {
		t.Fatalf("missing audit error for open_generation")
	}
	found := false
	for _, span := range tracer.ended {
		if span.op == "generate" && span.err == nil {
			found = true
		}
	}
	if !found {
		t.Fatalf("missing finished generate span")
	}
}

func TestClockAndIDOverrides(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
	svc, _ := newTestService(t,
		WithClock(func() time.Time { return fixed }),
		WithIDSource(func() string { return "deadbeef" }),
	)
	record, err := svc.Generate(ctx, "alice", 28)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if record.ID != "deadbeef" {
		t.Fatalf("id = %s", record.ID)
	}
	if !record.CreatedAt.Equal(fixed) {
		t.Fatalf("created_at = %s", record.CreatedAt)
	}
	if record.Location != "villages_alice_deadbeef.db" {
		t.Fatalf("location = %s", record.Location)
	}
}
