package forgedb

import (
	"context"
	"errors"
	"fmt"

	"github.com/ajkumar-13/forgedb/engine"
	"github.com/ajkumar-13/forgedb/hnsw"
	"github.com/ajkumar-13/forgedb/planner"
	"github.com/ajkumar-13/forgedb/segment"
)

var (
	// ErrNotFound is returned when a record id is not present.
	ErrNotFound = errors.New("not found")

	// ErrClosed is returned when the database has been closed.
	ErrClosed = errors.New("database closed")

	// ErrInvalidK is returned when k is not positive.
	ErrInvalidK = errors.New("k must be positive")

	// ErrInvalidFilter is returned when a metadata filter cannot be
	// evaluated, for example when it references an unknown field.
	ErrInvalidFilter = errors.New("invalid filter")

	// ErrInvalidRecordID is returned when a record id is empty.
	ErrInvalidRecordID = errors.New("invalid record id")

	// ErrDeadlineExceeded is returned when a search deadline elapsed.
	// The accompanying results hold the best candidates found so far.
	ErrDeadlineExceeded = errors.New("deadline exceeded")
)

// ErrDimensionMismatch indicates a vector/query dimensionality mismatch.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
	cause    error
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func (e *ErrDimensionMismatch) Unwrap() error { return e.cause }

// CorruptionError indicates an unreadable on-disk file that could not be
// recovered from the durability log.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type CorruptionError struct {
	Path  string
	cause error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("corrupt file %s: %v", e.Path, e.cause)
}

func (e *CorruptionError) Unwrap() error { return e.cause }

func translateError(err error) error {
	if err == nil {
		return nil
	}

	// Not found and lifecycle unification.
	if errors.Is(err, engine.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	if errors.Is(err, engine.ErrClosed) {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	if errors.Is(err, engine.ErrInvalidRecordID) {
		return fmt.Errorf("%w: %w", ErrInvalidRecordID, err)
	}

	// Argument normalization.
	if errors.Is(err, planner.ErrInvalidK) {
		return fmt.Errorf("%w: %w", ErrInvalidK, err)
	}
	if errors.Is(err, planner.ErrInvalidFilter) {
		return fmt.Errorf("%w: %w", ErrInvalidFilter, err)
	}
	var dm *hnsw.ErrDimensionMismatch
	if errors.As(err, &dm) {
		return &ErrDimensionMismatch{Expected: dm.Expected, Actual: dm.Actual, cause: err}
	}

	// Recovery failures.
	var ce *segment.CorruptionError
	if errors.As(err, &ce) {
		return &CorruptionError{Path: ce.Path, cause: err}
	}

	// Deadline expiry still carries partial results.
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrDeadlineExceeded, err)
	}

	return err
}
