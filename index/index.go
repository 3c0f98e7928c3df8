// Package index provides interfaces and types for vector search indexes.
package index

import (
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/evcache/distance"
)

var (
	// ErrInvalidK is returned when k is not positive.
	ErrInvalidK = errors.New("k must be positive")

	// ErrEmptyVector is returned when an empty vector is inserted or queried.
	ErrEmptyVector = errors.New("vector must not be empty")

	// ErrClosed is returned when an index is used after Close.
	ErrClosed = errors.New("index closed")
)

// ErrDimensionMismatch is a named error type for dimension mismatch.
type ErrDimensionMismatch struct {
	Expected int // Expected dimensions
	Actual   int // Actual dimensions
}

// Error returns the error message for dimension mismatch.
func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// ErrInvalidDimension indicates an invalid configured dimension.
type ErrInvalidDimension struct {
	Dimension int
}

func (e *ErrInvalidDimension) Error() string {
	return fmt.Sprintf("invalid dimension: %d", e.Dimension)
}

// SearchResult represents a search result.
type SearchResult struct {
	// Slot is the dense position of the result vector inside the index.
	Slot uint32

	// Distance is the distance between the query vector and the result vector.
	Distance float32
}

// SearchOptions controls the execution of a search.
type SearchOptions struct {
	// NProbes is the number of partitions to probe (for IVF indexes).
	// If 0, a default is used. Flat indexes ignore it.
	NProbes int

	// Filter restricts results to slots for which it returns true.
	// If nil, all slots are eligible.
	Filter func(slot uint32) bool
}

// Index represents a slot-addressed index for vector search.
//
// Slots are dense: the first vector ever added (or the first vector of the
// most recent Reset) occupies slot 0, the next slot 1, and so on. Individual
// slots cannot be deleted; stale slots are dropped wholesale by Reset.
type Index interface {
	// AddBatch appends vectors to the index and returns their slots, in input
	// order. Appends are atomic: either all vectors are added or none.
	AddBatch(ctx context.Context, vectors [][]float32) ([]uint32, error)

	// Search returns up to k slots ordered by increasing distance to query.
	Search(ctx context.Context, query []float32, k int, opts *SearchOptions) ([]SearchResult, error)

	// Reset discards all slots and rebuilds the index from vectors. The i-th
	// vector occupies slot i. Readers observe either the old or the new index,
	// never an intermediate state.
	Reset(ctx context.Context, vectors [][]float32) error

	// Len returns the number of occupied slots.
	Len() int

	// Name identifies the index topology (e.g. "Flat", "IVF").
	Name() string

	// Close releases index resources. The index is unusable afterwards.
	Close() error
}

// ValidateBasicOptions validates options shared by all index implementations.
func ValidateBasicOptions(dimension int, metric distance.Metric) error {
	if dimension <= 0 {
		return &ErrInvalidDimension{Dimension: dimension}
	}
	if _, err := distance.Provider(metric); err != nil {
		return err
	}
	return nil
}
