// Package core wires the base dataset loader, the synthesis engine, and the
// generation ledger into the owner-facing service, instrumented with
// structured logging, metrics, tracing, and audit entries.
package core

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"villagepop/internal/baseload"
	"villagepop/internal/ledger"
	"villagepop/internal/synth"
	"villagepop/pkg/domain"
)

// Service exposes the synthesis operations: generate a population for an
// owner, list their generation history, and reopen or delete past tables.
type Service struct {
	loader  *baseload.Loader
	engine  *synth.Engine
	ledger  ledger.Ledger
	dataDir string

	logger  Logger
	metrics MetricsRecorder
	tracer  Tracer
	audit   AuditRecorder
	clock   func() time.Time
	newID   func() string
}

// Option configures optional service collaborators.
type Option func(*Service)

// WithLogger installs a structured logger.
func WithLogger(l Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetricsRecorder installs a metrics recorder.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithTracer installs a tracer.
func WithTracer(t Tracer) Option {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithAuditRecorder installs an audit recorder.
func WithAuditRecorder(a AuditRecorder) Option {
	return func(s *Service) {
		if a != nil {
			s.audit = a
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithIDSource overrides generation id minting, for tests.
func WithIDSource(ids func() string) Option {
	return func(s *Service) {
		if ids != nil {
			s.newID = ids
		}
	}
}

// NewService constructs a service writing generated tables under dataDir.
func NewService(loader *baseload.Loader, engine *synth.Engine, led ledger.Ledger, dataDir string, opts ...Option) (*Service, error) {
	if loader == nil || engine == nil || led == nil {
		return nil, fmt.Errorf("core: loader, engine, and ledger are required")
	}
	if dataDir == "" {
		return nil, fmt.Errorf("core: data directory required")
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("core: create data directory: %w", err)
	}
	s := &Service{
		loader:  loader,
		engine:  engine,
		ledger:  led,
		dataDir: dataDir,
		logger:  noopLogger{},
		metrics: noopMetrics{},
		tracer:  noopTracer{},
		clock:   func() time.Time { return time.Now().UTC() },
		newID:   func() string { return strings.ReplaceAll(uuid.NewString(), "-", "")[:8] },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// instrument wraps fn with the span, metric, and audit entry for operation.
func (s *Service) instrument(ctx context.Context, operation, owner, entityID string, fn func(ctx context.Context) error) error {
	ctx, span := s.tracer.Start(ctx, operation)
	start := s.clock()
	err := fn(ctx)
	duration := s.clock().Sub(start)
	span.End(err)
	s.metrics.Observe(ctx, operation, err == nil, duration)
	if s.audit != nil {
		entry := AuditEntry{
			Operation:  operation,
			Status:     AuditStatusSuccess,
			Owner:      owner,
			EntityID:   entityID,
			OccurredAt: s.clock(),
		}
		if err != nil {
			entry.Status = AuditStatusError
			entry.Metadata = map[string]any{"error": err.Error()}
		}
		s.audit.Record(ctx, entry)
	}
	return err
}

// Generate synthesizes a population of villageCount villages for owner and
// records the result in the generation ledger. The table only becomes
// visible once both the file and the ledger entry exist.
func (s *Service) Generate(ctx context.Context, owner string, villageCount int) (domain.GenerationRecord, error) {
	var record domain.GenerationRecord
	err := s.instrument(ctx, "generate", owner, "", func(ctx context.Context) error {
		if strings.TrimSpace(owner) == "" {
			return fmt.Errorf("owner required")
		}
		base, err := s.loader.Load(ctx)
		if err != nil {
			return fmt.Errorf("load base dataset: %w", err)
		}
		id := s.newID()
		location := fmt.Sprintf("villages_%s_%s.db", owner, id)
		path := filepath.Join(s.dataDir, location)

		s.logger.Info("synthesizing population",
			"owner", owner, "villages", villageCount, "base_records", len(base), "location", location)

		table, err := s.engine.Synthesize(ctx, base, villageCount, path)
		if err != nil {
			return err
		}
		rows := table.Rows
		if err := table.Close(); err != nil {
			os.Remove(path)
			return domain.ErrStorage{Op: "close table", Err: err}
		}

		record = domain.GenerationRecord{
			ID:           id,
			Owner:        owner,
			Location:     location,
			VillageCount: villageCount,
			Records:      rows,
			CreatedAt:    s.clock(),
		}
		if err := s.ledger.Record(ctx, record); err != nil {
			os.Remove(path)
			return fmt.Errorf("record generation: %w", err)
		}
		s.logger.Info("generation recorded", "owner", owner, "id", id, "rows", rows)
		return nil
	})
	if err != nil {
		return domain.GenerationRecord{}, err
	}
	return record, nil
}

// History returns the owner's generation ledger, oldest first, pruning
// entries whose backing table has been removed from disk.
func (s *Service) History(ctx context.Context, owner string) ([]domain.GenerationRecord, error) {
	var out []domain.GenerationRecord
	err := s.instrument(ctx, "history", owner, "", func(ctx context.Context) error {
		entries, err := s.ledger.ListFor(ctx, owner)
		if err != nil {
			return err
		}
		out = make([]domain.GenerationRecord, 0, len(entries))
		for _, entry := range entries {
			if _, statErr := os.Stat(filepath.Join(s.dataDir, entry.Location)); statErr != nil {
				if errors.Is(statErr, fs.ErrNotExist) {
					if _, pruneErr := s.ledger.Prune(ctx, owner, entry.Location); pruneErr != nil {
						return pruneErr
					}
					s.logger.Warn("pruned stale generation", "owner", owner, "location", entry.Location)
					continue
				}
				return domain.ErrStorage{Op: "stat table", Err: statErr}
			}
			out = append(out, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// OpenGeneration opens the table behind an owner's generation id. A ledger
// entry whose table file is gone is pruned and reported as not found.
func (s *Service) OpenGeneration(ctx context.Context, owner, generationID string) (*synth.Table, error) {
	var table *synth.Table
	err := s.instrument(ctx, "open_generation", owner, generationID, func(ctx context.Context) error {
		entry, err := s.find(ctx, owner, generationID)
		if err != nil {
			return err
		}
		path := filepath.Join(s.dataDir, entry.Location)
		if _, statErr := os.Stat(path); statErr != nil {
			if errors.Is(statErr, fs.ErrNotExist) {
				if _, pruneErr := s.ledger.Prune(ctx, owner, entry.Location); pruneErr != nil {
					return pruneErr
				}
				s.logger.Warn("pruned stale generation", "owner", owner, "location", entry.Location)
				return domain.ErrGenerationNotFound{Owner: owner, Location: entry.Location}
			}
			return domain.ErrStorage{Op: "stat table", Err: statErr}
		}
		table, err = synth.Open(path, entry.Records)
		return err
	})
	if err != nil {
		return nil, err
	}
	return table, nil
}

// DeleteGeneration removes an owner's generation: the table file first, then
// the ledger entry.
func (s *Service) DeleteGeneration(ctx context.Context, owner, generationID string) error {
	return s.instrument(ctx, "delete_generation", owner, generationID, func(ctx context.Context) error {
		entry, err := s.find(ctx, owner, generationID)
		if err != nil {
			return err
		}
		path := filepath.Join(s.dataDir, entry.Location)
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			return domain.ErrStorage{Op: "remove table", Err: rmErr}
		}
		if _, err := s.ledger.Prune(ctx, owner, entry.Location); err != nil {
			return err
		}
		s.logger.Info("generation deleted", "owner", owner, "id", generationID)
		return nil
	})
}

func (s *Service) find(ctx context.Context, owner, generationID string) (domain.GenerationRecord, error) {
	entries, err := s.ledger.ListFor(ctx, owner)
	if err != nil {
		return domain.GenerationRecord{}, err
	}
	for _, entry := range entries {
		if entry.ID == generationID {
			return entry, nil
		}
	}
	return domain.GenerationRecord{}, domain.ErrGenerationNotFound{Owner: owner, Location: generationID}
}
