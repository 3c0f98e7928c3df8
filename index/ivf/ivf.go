// Package ivf provides a clustered (inverted-file) index for approximate
// vector search. Vectors are partitioned by kmeans-trained centroids; a
// search probes only the closest partitions, trading recall for speed.
package ivf

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/evcache/distance"
	"github.com/hupe1980/evcache/index"
	"github.com/hupe1980/evcache/internal/kmeans"
	"github.com/hupe1980/evcache/internal/queue"
)

// Compile-time check to ensure IVF satisfies the index interface.
var _ index.Index = (*IVF)(nil)

// Options contains configuration options for the IVF index.
type Options struct {
	// Dimension is the fixed vector dimensionality for this index.
	Dimension int

	// Metric selects the distance function.
	Metric distance.Metric

	// NormalizeVectors enables L2 normalization for stored vectors and queries.
	NormalizeVectors bool

	// NumPartitions is the number of kmeans partitions trained on Reset.
	NumPartitions int

	// DefaultNProbes is the number of partitions scanned per search when the
	// caller does not override it. Higher values raise recall and latency.
	DefaultNProbes int

	// MinTrainSize is the minimum vector count required to train partitions.
	// Below it the index degrades to a brute-force scan, which is both exact
	// and faster at small scale.
	MinTrainSize int

	// MaxIterations bounds the kmeans training loop.
	MaxIterations int
}

// DefaultOptions contains the default configuration options for the IVF index.
var DefaultOptions = Options{
	Metric:         distance.MetricL2,
	NumPartitions:  16,
	DefaultNProbes: 4,
	MinTrainSize:   256,
	MaxIterations:  25,
}

// indexState holds the immutable state of the index for lock-free reads.
type indexState struct {
	vectors []float32 // flattened, slot-addressed (count * dim)
	count   int

	// centroids is nil when the index is untrained (brute-force mode).
	centroids []float32
	lists     [][]uint32 // slots per partition, parallel to centroids
}

// IVF represents a clustered index for vector storage and search.
// It uses a copy-on-write pattern for lock-free concurrent reads.
type IVF struct {
	state    atomic.Pointer[indexState]
	writeMu  sync.Mutex // Serializes writes only
	closed   atomic.Bool
	distFunc distance.Func
	opts     Options
}

// New creates a new instance of the IVF index.
func New(optFns ...func(o *Options)) (*IVF, error) {
	opts := DefaultOptions

	for _, fn := range optFns {
		fn(&opts)
	}

	if err := index.ValidateBasicOptions(opts.Dimension, opts.Metric); err != nil {
		return nil, err
	}
	if opts.NumPartitions <= 0 {
		return nil, fmt.Errorf("ivf: invalid NumPartitions: %d", opts.NumPartitions)
	}
	if opts.DefaultNProbes <= 0 {
		opts.DefaultNProbes = DefaultOptions.DefaultNProbes
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultOptions.MaxIterations
	}

	if opts.Metric == distance.MetricCosine {
		opts.NormalizeVectors = true
	}

	distFunc, err := distance.Provider(opts.Metric)
	if err != nil {
		return nil, err
	}

	ix := &IVF{
		distFunc: distFunc,
		opts:     opts,
	}
	ix.state.Store(&indexState{})

	return ix, nil
}

// Name identifies the index topology.
func (*IVF) Name() string { return "IVF" }

// Len returns the number of occupied slots.
func (ix *IVF) Len() int {
	return ix.state.Load().count
}

// Trained reports whether partitions have been trained. An untrained index
// serves searches via brute-force scan.
func (ix *IVF) Trained() bool {
	return ix.state.Load().centroids != nil
}

// AddBatch appends vectors, assigning each to its nearest partition when the
// index is trained. The append is atomic.
func (ix *IVF) AddBatch(ctx context.Context, vectors [][]float32) ([]uint32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ix.closed.Load() {
		return nil, index.ErrClosed
	}
	if len(vectors) == 0 {
		return nil, nil
	}

	prepared, err := ix.prepare(vectors)
	if err != nil {
		return nil, err
	}

	ix.writeMu.Lock()
	defer ix.writeMu.Unlock()

	old := ix.state.Load()
	dim := ix.opts.Dimension

	next := &indexState{
		vectors:   make([]float32, 0, len(old.vectors)+len(prepared)),
		count:     old.count + len(vectors),
		centroids: old.centroids,
	}
	next.vectors = append(next.vectors, old.vectors...)
	next.vectors = append(next.vectors, prepared...)

	slots := make([]uint32, len(vectors))
	for i := range slots {
		slots[i] = uint32(old.count + i)
	}

	if old.centroids != nil {
		// Shallow-copy the partition lists; only touched lists are cloned.
		next.lists = make([][]uint32, len(old.lists))
		copy(next.lists, old.lists)
		cloned := make([]bool, len(old.lists))

		for i, slot := range slots {
			vec := prepared[i*dim : (i+1)*dim]
			p, err := kmeans.Assign(vec, old.centroids, dim, ix.opts.Metric)
			if err != nil {
				return nil, err
			}
			if !cloned[p] {
				next.lists[p] = append([]uint32(nil), next.lists[p]...)
				cloned[p] = true
			}
			next.lists[p] = append(next.lists[p], slot)
		}
	}

	ix.state.Store(next)

	return slots, nil
}

// Reset discards all slots and rebuilds the index from vectors, retraining
// partitions when enough vectors are available. The swap is atomic.
func (ix *IVF) Reset(ctx context.Context, vectors [][]float32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ix.closed.Load() {
		return index.ErrClosed
	}

	prepared, err := ix.prepare(vectors)
	if err != nil {
		return err
	}

	dim := ix.opts.Dimension
	next := &indexState{
		vectors: prepared,
		count:   len(vectors),
	}

	if len(vectors) >= ix.opts.MinTrainSize {
		k := ix.opts.NumPartitions
		if k > len(vectors) {
			k = len(vectors)
		}

		centroids, err := kmeans.Train(ctx, prepared, dim, k, ix.opts.Metric, ix.opts.MaxIterations)
		if err != nil {
			return err
		}

		if centroids != nil {
			lists := make([][]uint32, k)
			for slot := 0; slot < len(vectors); slot++ {
				vec := prepared[slot*dim : (slot+1)*dim]
				p, err := kmeans.Assign(vec, centroids, dim, ix.opts.Metric)
				if err != nil {
					return err
				}
				lists[p] = append(lists[p], uint32(slot))
			}
			next.centroids = centroids
			next.lists = lists
		}
	}

	ix.writeMu.Lock()
	defer ix.writeMu.Unlock()

	ix.state.Store(next)

	return nil
}

func (ix *IVF) prepare(vectors [][]float32) ([]float32, error) {
	dim := ix.opts.Dimension

	flat := make([]float32, 0, len(vectors)*dim)
	for _, v := range vectors {
		if len(v) == 0 {
			return nil, index.ErrEmptyVector
		}
		if len(v) != dim {
			return nil, &index.ErrDimensionMismatch{Expected: dim, Actual: len(v)}
		}

		vec := v
		if ix.opts.NormalizeVectors {
			norm, ok := distance.NormalizeL2Copy(v)
			if !ok {
				return nil, fmt.Errorf("ivf: cannot normalize zero vector")
			}
			vec = norm
		}
		flat = append(flat, vec...)
	}

	return flat, nil
}

// Search returns up to k slots ordered by increasing distance to query.
// Trained indexes probe the closest partitions; untrained ones scan all slots.
func (ix *IVF) Search(ctx context.Context, query []float32, k int, opts *index.SearchOptions) ([]index.SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ix.closed.Load() {
		return nil, index.ErrClosed
	}
	if k <= 0 {
		return nil, index.ErrInvalidK
	}

	st := ix.state.Load()
	dim := ix.opts.Dimension

	if len(query) != dim {
		return nil, &index.ErrDimensionMismatch{Expected: dim, Actual: len(query)}
	}
	if st.count == 0 {
		return nil, nil
	}

	q := query
	if ix.opts.NormalizeVectors {
		norm, ok := distance.NormalizeL2Copy(query)
		if !ok {
			return nil, fmt.Errorf("ivf: cannot normalize zero query")
		}
		q = norm
	}

	var filter func(uint32) bool
	nprobes := ix.opts.DefaultNProbes
	if opts != nil {
		filter = opts.Filter
		if opts.NProbes > 0 {
			nprobes = opts.NProbes
		}
	}

	actualK := min(k, st.count)
	top := queue.NewMax(actualK)

	scan := func(slot uint32) {
		if filter != nil && !filter(slot) {
			return
		}
		vec := st.vectors[int(slot)*dim : (int(slot)+1)*dim]
		top.PushBounded(queue.Item{Slot: slot, Distance: ix.distFunc(q, vec)}, actualK)
	}

	if st.centroids == nil {
		for slot := 0; slot < st.count; slot++ {
			scan(uint32(slot))
		}
	} else {
		probes, err := kmeans.Closest(q, st.centroids, dim, nprobes, ix.opts.Metric)
		if err != nil {
			return nil, err
		}
		for _, p := range probes {
			for _, slot := range st.lists[p] {
				scan(slot)
			}
		}
	}

	results := make([]index.SearchResult, top.Len())
	for i := top.Len() - 1; i >= 0; i-- {
		item, _ := top.Pop()
		results[i] = index.SearchResult{Slot: item.Slot, Distance: item.Distance}
	}
	return results, nil
}

// Close releases index resources.
func (ix *IVF) Close() error {
	if !ix.closed.CompareAndSwap(false, true) {
		return nil
	}

	ix.writeMu.Lock()
	defer ix.writeMu.Unlock()

	ix.state.Store(&indexState{})
	return nil
}
