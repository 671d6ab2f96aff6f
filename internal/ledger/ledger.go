// Package ledger records completed synthesis runs per owning identity. The
// ledger is append-only: entries are inserted once and never edited, and a
// stale entry is only ever removed wholesale when its table is gone.
package ledger

import (
	"context"
	"sync"

	"villagepop/pkg/domain"
)

// Ledger is the minimal persistence surface for generation history.
type Ledger interface {
	// Record appends one entry for a completed run.
	Record(ctx context.Context, entry domain.GenerationRecord) error
	// ListFor returns the owner's entries in append order.
	ListFor(ctx context.Context, owner string) ([]domain.GenerationRecord, error)
	// Prune removes the entry whose target table no longer exists. It is
	// invoked lazily by callers on a failed load, never by a scan. Returns
	// false when no matching entry existed.
	Prune(ctx context.Context, owner, location string) (bool, error)
}

// Memory is an in-memory Ledger for tests and ephemeral deployments.
type Memory struct {
	mu      sync.RWMutex
	entries map[string][]domain.GenerationRecord
}

// NewMemory constructs an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string][]domain.GenerationRecord)}
}

// Record appends an entry under its owner.
func (m *Memory) Record(_ context.Context, entry domain.GenerationRecord) error {
	m.mu.Lock()
	m.entries[entry.Owner] = append(m.entries[entry.Owner], entry)
	m.mu.Unlock()
	return nil
}

// ListFor returns a defensive copy of the owner's entries.
func (m *Memory) ListFor(_ context.Context, owner string) ([]domain.GenerationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.GenerationRecord, len(m.entries[owner]))
	copy(out, m.entries[owner])
	return out, nil
}

// Prune drops the owner's entry for location.
func (m *Memory) Prune(_ context.Context, owner, location string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.entries[owner][:0:0]
	removed := false
	for _, entry := range m.entries[owner] {
		if entry.Location == location {
			removed = true
			continue
		}
		kept = append(kept, entry)
	}
	m.entries[owner] = kept
	return removed, nil
}
