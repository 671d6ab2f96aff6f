// Package export runs asynchronous exports of synthesized population tables
// into the blob store. A small worker drains a bounded queue, renders the
// requested formats, and tracks job lifecycle for status polling.
package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"villagepop/internal/blob"
	"villagepop/internal/synth"
	"villagepop/pkg/domain"
)

// Format selects the rendering of an export artifact.
type Format string

const (
	FormatCSV  Format = "csv"  // nine-column CSV with header
	FormatJSON Format = "json" // JSON array of population records
	FormatDB   Format = "db"   // raw bytes of the generation's sqlite table
)

// Status describes the lifecycle stage of an export request.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Artifact captures one stored export output.
type Artifact struct {
	Key         string    `json:"key"`
	Format      Format    `json:"format"`
	ContentType string    `json:"content_type"`
	SizeBytes   int64     `json:"size_bytes"`
	ETag        string    `json:"etag,omitempty"`
	URL         string    `json:"url,omitempty"`
	Rows        int64     `json:"rows"`
	CreatedAt   time.Time `json:"created_at"`
}

// Record tracks an export request and its resulting artifacts.
type Record struct {
	ID           string     `json:"id"`
	Owner        string     `json:"owner"`
	GenerationID string     `json:"generation_id"`
	Villages     []int      `json:"villages,omitempty"`
	Formats      []Format   `json:"formats"`
	Status       Status     `json:"status"`
	Error        string     `json:"error,omitempty"`
	Artifacts    []Artifact `json:"artifacts,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Input is an enqueue request.
type Input struct {
	Owner        string
	GenerationID string
	// Villages optionally restricts csv/json exports to the listed village
	// ids. The db format always carries the whole table.
	Villages []int
	Formats  []Format
}

// TableOpener resolves an owner's generation to its queryable table. The
// caller owns closing the returned table.
type TableOpener interface {
	OpenGeneration(ctx context.Context, owner, generationID string) (*synth.Table, error)
}

// AuditLogger records export audit entries.
type AuditLogger interface {
	Record(ctx context.Context, entry AuditEntry)
}

// AuditEntry captures audit trail metadata for exports.
type AuditEntry struct {
	ID           string    `json:"id"`
	Action       string    `json:"action"`
	Actor        string    `json:"actor"`
	GenerationID string    `json:"generation_id"`
	Status       Status    `json:"status"`
	Note         string    `json:"note,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// Worker executes population exports asynchronously.
type Worker struct {
	opener TableOpener
	store  blob.Store
	audit  AuditLogger

	queue chan task
	mu    sync.RWMutex
	jobs  map[string]*Record

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type task struct {
	id    string
	input Input
}

// NewWorker constructs an export worker. The audit logger may be nil.
func NewWorker(opener TableOpener, store blob.Store, audit AuditLogger) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		opener: opener,
		store:  store,
		audit:  audit,
		queue:  make(chan task, 32),
		jobs:   make(map[string]*Record),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins processing export requests.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Stop signals the worker to halt and waits for completion.
func (w *Worker) Stop(ctx context.Context) error {
	w.cancel()
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case t := <-w.queue:
			w.process(t)
		}
	}
}

// Enqueue schedules an export job and returns the queued record snapshot.
func (w *Worker) Enqueue(ctx context.Context, input Input) (Record, error) {
	if w.opener == nil {
		return Record{}, fmt.Errorf("export: table opener not configured")
	}
	if strings.TrimSpace(input.Owner) == "" {
		return Record{}, fmt.Errorf("export: owner required")
	}
	if strings.TrimSpace(input.GenerationID) == "" {
		return Record{}, fmt.Errorf("export: generation id required")
	}

	formats := input.Formats
	if len(formats) == 0 {
		formats = []Format{FormatCSV, FormatJSON}
	}
	uniq := make([]Format, 0, len(formats))
	seen := make(map[Format]struct{})
	for _, f := range formats {
		if _, dup := seen[f]; dup {
			continue
		}
		switch f {
		case FormatCSV, FormatJSON:
		case FormatDB:
			if len(input.Villages) > 0 {
				return Record{}, fmt.Errorf("export: db format carries the whole table, drop the village filter")
			}
		default:
			return Record{}, fmt.Errorf("export: unsupported format %s", f)
		}
		uniq = append(uniq, f)
		seen[f] = struct{}{}
	}
	for _, v := range input.Villages {
		if v < 1 {
			return Record{}, domain.ErrInvalidArgument{Field: "villages", Value: v}
		}
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	record := Record{
		ID:           id,
		Owner:        input.Owner,
		GenerationID: input.GenerationID,
		Villages:     append([]int(nil), input.Villages...),
		Formats:      uniq,
		Status:       StatusQueued,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	w.mu.Lock()
	w.jobs[id] = &record
	snapshot := record.copy()
	w.mu.Unlock()

	w.recordAudit(ctx, input.Owner, input.GenerationID, StatusQueued, "")

	select {
	case w.queue <- task{id: id, input: input}:
	default:
		w.fail(id, "export queue full")
		return Record{}, fmt.Errorf("export queue full")
	}
	return snapshot, nil
}

// Get returns a snapshot of the export record.
func (w *Worker) Get(id string) (Record, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	record, ok := w.jobs[id]
	if !ok {
		return Record{}, false
	}
	return record.copy(), true
}

// List returns snapshots of all known jobs for an owner, newest first.
func (w *Worker) List(owner string) []Record {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]Record, 0, len(w.jobs))
	for _, record := range w.jobs {
		if record.Owner == owner {
			out = append(out, record.copy())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (w *Worker) process(t task) {
	w.setStatus(t.id, StatusRunning, "")

	table, err := w.opener.OpenGeneration(w.ctx, t.input.Owner, t.input.GenerationID)
	if err != nil {
		w.fail(t.id, fmt.Sprintf("open generation: %v", err))
		return
	}
	defer table.Close()

	rows, err := w.collect(table, t.input.Villages)
	if err != nil {
		w.fail(t.id, err.Error())
		return
	}

	record, ok := w.Get(t.id)
	if !ok {
		return
	}
	artifacts := make([]Artifact, 0, len(record.Formats))
	for _, format := range record.Formats {
		artifact, err := w.render(t, table, format, rows)
		if err != nil {
			w.fail(t.id, err.Error())
			return
		}
		artifacts = append(artifacts, artifact)
	}
	w.complete(t.id, artifacts)
}

func (w *Worker) collect(table *synth.Table, villages []int) ([]domain.PopulationRecord, error) {
	if len(villages) == 0 {
		rows, err := table.All(w.ctx)
		if err != nil {
			return nil, fmt.Errorf("read table: %w", err)
		}
		return rows, nil
	}
	var rows []domain.PopulationRecord
	for _, v := range villages {
		sub, err := table.Village(w.ctx, v)
		if err != nil {
			return nil, fmt.Errorf("read village %d: %w", v, err)
		}
		rows = append(rows, sub...)
	}
	return rows, nil
}

func (w *Worker) render(t task, table *synth.Table, format Format, rows []domain.PopulationRecord) (Artifact, error) {
	var (
		payload     io.Reader
		contentType string
		rowCount    = int64(len(rows))
	)
	switch format {
	case FormatCSV:
		buf, err := renderCSV(rows)
		if err != nil {
			return Artifact{}, err
		}
		payload, contentType = buf, "text/csv"
	case FormatJSON:
		raw, err := json.Marshal(rows)
		if err != nil {
			return Artifact{}, fmt.Errorf("marshal json: %w", err)
		}
		payload, contentType = bytes.NewReader(raw), "application/json"
	case FormatDB:
		rc, err := table.Reader()
		if err != nil {
			return Artifact{}, fmt.Errorf("open table bytes: %w", err)
		}
		defer rc.Close()
		payload, contentType = rc, "application/vnd.sqlite3"
		rowCount = table.Rows
	default:
		return Artifact{}, fmt.Errorf("unsupported export format %s", format)
	}

	key := fmt.Sprintf("exports/%s/%s/%s.%s", t.input.Owner, t.input.GenerationID, t.id, format)
	info, err := w.store.Put(w.ctx, key, payload, blob.PutOptions{
		ContentType: contentType,
		Metadata: map[string]string{
			"owner":      t.input.Owner,
			"generation": t.input.GenerationID,
			"rows":       strconv.FormatInt(rowCount, 10),
		},
	})
	if err != nil {
		return Artifact{}, fmt.Errorf("store artifact: %w", err)
	}

	url := info.URL
	if signed, err := w.store.PresignURL(w.ctx, key, blob.SignedURLOptions{}); err == nil {
		url = signed
	} else if !errors.Is(err, blob.ErrUnsupported) {
		return Artifact{}, fmt.Errorf("presign artifact: %w", err)
	}

	return Artifact{
		Key:         info.Key,
		Format:      format,
		ContentType: contentType,
		SizeBytes:   info.Size,
		ETag:        info.ETag,
		URL:         url,
		Rows:        rowCount,
		CreatedAt:   info.LastModified,
	}, nil
}

func renderCSV(rows []domain.PopulationRecord) (*bytes.Buffer, error) {
	buf := &bytes.Buffer{}
	writer := csv.NewWriter(buf)
	if err := writer.Write(domain.PopulationColumns); err != nil {
		return nil, err
	}
	for _, row := range rows {
		rec := []string{
			strconv.FormatInt(row.SerialNo, 10),
			strconv.Itoa(row.Counter),
			strconv.FormatInt(row.FamilyID, 10),
			strconv.FormatInt(row.PersonID, 10),
			optInt64(row.BirthSerial),
			strconv.Itoa(row.VillageID),
			string(row.Gender),
			optString(row.FormattedBirthDate),
			strconv.Itoa(row.MarriedToVillageID),
		}
		if err := writer.Write(rec); err != nil {
			return nil, err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, err
	}
	return buf, nil
}

func optInt64(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}

func optString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func (w *Worker) setStatus(id string, status Status, message string) {
	now := time.Now().UTC()
	var owner, generation string
	w.mu.Lock()
	if record, ok := w.jobs[id]; ok {
		record.Status = status
		record.Error = message
		record.UpdatedAt = now
		owner, generation = record.Owner, record.GenerationID
	}
	w.mu.Unlock()
	w.recordAudit(w.ctx, owner, generation, status, message)
}

func (w *Worker) complete(id string, artifacts []Artifact) {
	now := time.Now().UTC()
	var owner, generation string
	w.mu.Lock()
	if record, ok := w.jobs[id]; ok {
		record.Status = StatusSucceeded
		record.Error = ""
		record.Artifacts = artifacts
		record.UpdatedAt = now
		record.CompletedAt = &now
		owner, generation = record.Owner, record.GenerationID
	}
	w.mu.Unlock()
	w.recordAudit(w.ctx, owner, generation, StatusSucceeded, "")
}

func (w *Worker) fail(id, reason string) {
	now := time.Now().UTC()
	var owner, generation string
	w.mu.Lock()
	if record, ok := w.jobs[id]; ok {
		record.Status = StatusFailed
		record.Error = reason
		record.UpdatedAt = now
		record.CompletedAt = &now
		owner, generation = record.Owner, record.GenerationID
	}
	w.mu.Unlock()
	w.recordAudit(w.ctx, owner, generation, StatusFailed, reason)
}

func (w *Worker) recordAudit(ctx context.Context, owner, generation string, status Status, note string) {
	if w.audit == nil {
		return
	}
	w.audit.Record(ctx, AuditEntry{
		ID:           uuid.NewString(),
		Action:       "population_export",
		Actor:        owner,
		GenerationID: generation,
		Status:       status,
		Note:         note,
		OccurredAt:   time.Now().UTC(),
	})
}

func (r Record) copy() Record {
	dup := r
	dup.Villages = append([]int(nil), r.Villages...)
	dup.Formats = append([]Format(nil), r.Formats...)
	if len(r.Artifacts) > 0 {
		dup.Artifacts = append([]Artifact(nil), r.Artifacts...)
	}
	return dup
}

// MemoryAuditLog captures audit entries in-memory for assertions.
type MemoryAuditLog struct {
	mu      sync.Mutex
	entries []AuditEntry
}

// Record stores an audit entry.
func (l *MemoryAuditLog) Record(_ context.Context, entry AuditEntry) {
	l.mu.Lock()
	l.entries = append(l.entries, entry)
	l.mu.Unlock()
}

// Entries returns a defensive copy of recorded audit entries.
func (l *MemoryAuditLog) Entries() []AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]AuditEntry, len(l.entries))
	copy(out, l.entries)
	return out
}
