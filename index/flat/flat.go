// Package flat provides a brute-force flat index for vector storage and search.
package flat

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/evcache/distance"
	"github.com/hupe1980/evcache/index"
	"github.com/hupe1980/evcache/internal/queue"
)

// Compile-time check to ensure Flat satisfies the index interface.
var _ index.Index = (*Flat)(nil)

// Options contains configuration options for the flat index.
type Options struct {
	// Dimension is the fixed vector dimensionality for this index.
	// It must be > 0 and is enforced for all adds and searches.
	Dimension int

	// Metric selects the distance function.
	Metric distance.Metric

	// NormalizeVectors enables L2 normalization for stored vectors and
	// queries. Commonly used for cosine search.
	NormalizeVectors bool
}

// DefaultOptions contains the default configuration options for the flat index.
var DefaultOptions = Options{
	Dimension: 0,
	Metric:    distance.MetricL2,
}

// indexState holds the immutable state of the index for lock-free reads.
// Vectors are stored flattened (n * dim) for cache locality.
type indexState struct {
	vectors []float32
	count   int
}

// Flat represents a flat index for vector storage and search.
// It uses a copy-on-write pattern for lock-free concurrent reads.
type Flat struct {
	state    atomic.Pointer[indexState]
	writeMu  sync.Mutex // Serializes writes only
	closed   atomic.Bool
	distFunc distance.Func
	opts     Options
}

// New creates a new instance of the flat index.
// Dimension is required and must be set at creation time.
func New(optFns ...func(o *Options)) (*Flat, error) {
	opts := DefaultOptions

	for _, fn := range optFns {
		fn(&opts)
	}

	if err := index.ValidateBasicOptions(opts.Dimension, opts.Metric); err != nil {
		return nil, err
	}

	if opts.Metric == distance.MetricCosine {
		// Match common vector-store behavior: cosine is implemented via
		// L2-normalized vectors.
		opts.NormalizeVectors = true
	}

	distFunc, err := distance.Provider(opts.Metric)
	if err != nil {
		return nil, err
	}

	f := &Flat{
		distFunc: distFunc,
		opts:     opts,
	}
	f.state.Store(&indexState{})

	return f, nil
}

// Name identifies the index topology.
func (*Flat) Name() string { return "Flat" }

// Len returns the number of occupied slots.
func (f *Flat) Len() int {
	return f.state.Load().count
}

// AddBatch appends vectors and returns their slots in input order.
// The append is atomic: on any validation failure nothing is added.
func (f *Flat) AddBatch(ctx context.Context, vectors [][]float32) ([]uint32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.closed.Load() {
		return nil, index.ErrClosed
	}
	if len(vectors) == 0 {
		return nil, nil
	}

	prepared, err := f.prepare(vectors)
	if err != nil {
		return nil, err
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	old := f.state.Load()
	next := &indexState{
		vectors: make([]float32, 0, len(old.vectors)+len(prepared)),
		count:   old.count + len(vectors),
	}
	next.vectors = append(next.vectors, old.vectors...)
	next.vectors = append(next.vectors, prepared...)

	slots := make([]uint32, len(vectors))
	for i := range slots {
		slots[i] = uint32(old.count + i)
	}

	f.state.Store(next)

	return slots, nil
}

// Reset discards all slots and rebuilds the index from vectors.
// The i-th vector occupies slot i. The swap is atomic: concurrent searches
// observe either the old or the new state.
func (f *Flat) Reset(ctx context.Context, vectors [][]float32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.closed.Load() {
		return index.ErrClosed
	}

	prepared, err := f.prepare(vectors)
	if err != nil {
		return err
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	f.state.Store(&indexState{
		vectors: prepared,
		count:   len(vectors),
	})

	return nil
}

// prepare validates and flattens vectors, normalizing if configured.
func (f *Flat) prepare(vectors [][]float32) ([]float32, error) {
	dim := f.opts.Dimension

	flat := make([]float32, 0, len(vectors)*dim)
	for _, v := range vectors {
		if len(v) == 0 {
			return nil, index.ErrEmptyVector
		}
		if len(v) != dim {
			return nil, &index.ErrDimensionMismatch{Expected: dim, Actual: len(v)}
		}

		vec := v
		if f.opts.NormalizeVectors {
			norm, ok := distance.NormalizeL2Copy(v)
			if !ok {
				return nil, fmt.Errorf("flat: cannot normalize zero vector")
			}
			vec = norm
		}
		flat = append(flat, vec...)
	}

	return flat, nil
}

// Search performs a brute-force K-nearest neighbor search.
// This method is lock-free using the copy-on-write state.
func (f *Flat) Search(ctx context.Context, query []float32, k int, opts *index.SearchOptions) ([]index.SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.closed.Load() {
		return nil, index.ErrClosed
	}
	if k <= 0 {
		return nil, index.ErrInvalidK
	}

	st := f.state.Load()
	dim := f.opts.Dimension

	if len(query) != dim {
		return nil, &index.ErrDimensionMismatch{Expected: dim, Actual: len(query)}
	}
	if st.count == 0 {
		return nil, nil
	}

	q := query
	if f.opts.NormalizeVectors {
		norm, ok := distance.NormalizeL2Copy(query)
		if !ok {
			return nil, fmt.Errorf("flat: cannot normalize zero query")
		}
		q = norm
	}

	var filter func(uint32) bool
	if opts != nil {
		filter = opts.Filter
	}

	actualK := min(k, st.count)
	top := queue.NewMax(actualK)

	for slot := 0; slot < st.count; slot++ {
		if filter != nil && !filter(uint32(slot)) {
			continue
		}
		vec := st.vectors[slot*dim : (slot+1)*dim]
		top.PushBounded(queue.Item{Slot: uint32(slot), Distance: f.distFunc(q, vec)}, actualK)
	}

	results := make([]index.SearchResult, top.Len())
	for i := top.Len() - 1; i >= 0; i-- {
		item, _ := top.Pop()
		results[i] = index.SearchResult{Slot: item.Slot, Distance: item.Distance}
	}
	return results, nil
}

// VectorBySlot returns a copy of the vector stored at the given slot.
func (f *Flat) VectorBySlot(slot uint32) ([]float32, bool) {
	st := f.state.Load()
	if int(slot) >= st.count {
		return nil, false
	}
	dim := f.opts.Dimension
	return slices.Clone(st.vectors[int(slot)*dim : (int(slot)+1)*dim]), true
}

// Close releases index resources.
func (f *Flat) Close() error {
	if !f.closed.CompareAndSwap(false, true) {
		return nil
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	f.state.Store(&indexState{})
	return nil
}
