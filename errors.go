package evcache

import (
	"errors"
	"fmt"

	"github.com/hupe1980/evcache/index"
)

var (
	// ErrClosed is returned when the manager is used after Close.
	ErrClosed = errors.New("cache closed")

	// ErrInvalidK is returned when k is not positive.
	ErrInvalidK = errors.New("k must be positive")

	// ErrInvalidTTL is returned when a TTL or extension is not positive.
	ErrInvalidTTL = errors.New("ttl must be positive")

	// ErrResourceExhausted is returned when memory pressure is too high to
	// accept a write. Callers may retry later; reads keep working.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrTimeout is returned when a search exceeds the caller's deadline.
	// The original context error can be accessed via errors.Unwrap.
	ErrTimeout = errors.New("deadline exceeded")
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

// ErrInvalidDimension indicates an invalid configured dimension.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrInvalidDimension struct {
	Dimension int
	cause     error
}

func (e *ErrInvalidDimension) Error() string {
	return fmt.Sprintf("invalid dimension: %d", e.Dimension)
}

func (e *ErrInvalidDimension) Unwrap() error { return e.cause }

// timeoutError wraps a context deadline error so it satisfies both
// errors.Is(err, ErrTimeout) and errors.Is(err, context.DeadlineExceeded).
type timeoutError struct {
	cause error
}

func (e *timeoutError) Error() string { return ErrTimeout.Error() + ": " + e.cause.Error() }

func (e *timeoutError) Is(target error) bool { return target == ErrTimeout }

func (e *timeoutError) Unwrap() error { return e.cause }

// translateError normalizes index-layer errors into the public contract.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	var dm *index.ErrDimensionMismatch
	if errors.As(err, &dm) {
		return &ErrDimensionMismatch{Expected: dm.Expected, Actual: dm.Actual, cause: err}
	}
	var id *index.ErrInvalidDimension
	if errors.As(err, &id) {
		return &ErrInvalidDimension{Dimension: id.Dimension, cause: err}
	}
	if errors.Is(err, index.ErrInvalidK) {
		return fmt.Errorf("%w: %w", ErrInvalidK, err)
	}
	if errors.Is(err, index.ErrClosed) {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}

	return err
}
