package domain

import "fmt"

// ErrInvalidArgument is returned when the marriage mapping is invoked with a
// non-positive village id or counter. Inputs are never silently clamped.
type ErrInvalidArgument struct {
	Field string
	Value int
}

func (e ErrInvalidArgument) Error() string {
	return fmt.Sprintf("%s must be 1 or more, got %d", e.Field, e.Value)
}

// ErrInvalidVillageCount rejects a synthesis request whose village count is
// not a positive multiple of 28 within the configured range. The rejection
// happens before any row is written.
type ErrInvalidVillageCount struct {
	Count int
	Min   int
	Max   int
}

func (e ErrInvalidVillageCount) Error() string {
	return fmt.Sprintf("village count %d invalid: must be a multiple of %d in [%d,%d]", e.Count, SuperBlockSize, e.Min, e.Max)
}

// ErrMissingSource indicates the canonical base dataset is absent and no cache
// artifact exists to fall back to.
type ErrMissingSource struct {
	Path string
}

func (e ErrMissingSource) Error() string {
	return fmt.Sprintf("base dataset source %s not found and no cache exists", e.Path)
}

// ErrGenerationNotFound indicates a ledger entry referenced a table whose
// backing file no longer exists. The stale entry is pruned by the caller.
type ErrGenerationNotFound struct {
	Owner    string
	Location string
}

func (e ErrGenerationNotFound) Error() string {
	return fmt.Sprintf("generation %s for %s not found", e.Location, e.Owner)
}

// ErrStorage wraps an underlying write failure during synthesis or caching.
// When it surfaces, any partial output has already been discarded.
type ErrStorage struct {
	Op  string
	Err error
}

func (e ErrStorage) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e ErrStorage) Unwrap() error { return e.Err }
