// Package kmeans implements Lloyd's algorithm for training IVF partitions.
package kmeans

import (
	"context"
	"math"
	"math/rand"
	"sort"

	"github.com/hupe1980/evcache/distance"
)

// Train trains k centroids from the given vectors using Lloyd's algorithm.
// Vectors are flattened (n * dim). It returns the flattened centroids (k * dim).
// Returns nil if there are fewer vectors than requested centroids.
func Train(ctx context.Context, vectors []float32, dim int, k int, metric distance.Metric, maxIter int) ([]float32, error) {
	n := len(vectors) / dim
	if n < k {
		return nil, nil // Not enough vectors to cluster
	}

	distFunc, err := distance.Provider(metric)
	if err != nil {
		return nil, err
	}

	centroids := make([]float32, k*dim)

	// Initialize centroids randomly from data points
	perm := rand.Perm(n)
	for i := 0; i < k; i++ {
		copy(centroids[i*dim:(i+1)*dim], vectors[perm[i]*dim:(perm[i]+1)*dim])
	}

	assignments := make([]int, n)
	counts := make([]int, k)
	sums := make([]float32, k*dim)

	for iter := 0; iter < maxIter; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		changed := false

		// Assignment step
		for i := 0; i < n; i++ {
			vec := vectors[i*dim : (i+1)*dim]
			best := -1
			minDist := float32(math.MaxFloat32)

			for j := 0; j < k; j++ {
				center := centroids[j*dim : (j+1)*dim]
				d := distFunc(vec, center)
				if d < minDist {
					minDist = d
					best = j
				}
			}

			if assignments[i] != best {
				assignments[i] = best
				changed = true
			}
		}

		if !changed {
			break
		}

		// Update step
		for i := range sums {
			sums[i] = 0
		}
		for i := range counts {
			counts[i] = 0
		}

		for i := 0; i < n; i++ {
			cluster := assignments[i]
			vec := vectors[i*dim : (i+1)*dim]
			for d := 0; d < dim; d++ {
				sums[cluster*dim+d] += vec[d]
			}
			counts[cluster]++
		}

		for j := 0; j < k; j++ {
			if counts[j] > 0 {
				scale := 1.0 / float32(counts[j])
				for d := 0; d < dim; d++ {
					centroids[j*dim+d] = sums[j*dim+d] * scale
				}
			} else {
				// Re-seed empty cluster with a random point
				idx := rand.Intn(n)
				copy(centroids[j*dim:(j+1)*dim], vectors[idx*dim:(idx+1)*dim])
			}
		}
	}

	return centroids, nil
}

// Assign finds the closest centroid for a vector.
func Assign(vec []float32, centroids []float32, dim int, metric distance.Metric) (int, error) {
	k := len(centroids) / dim
	distFunc, err := distance.Provider(metric)
	if err != nil {
		return -1, err
	}

	best := -1
	minDist := float32(math.MaxFloat32)

	for j := 0; j < k; j++ {
		center := centroids[j*dim : (j+1)*dim]
		d := distFunc(vec, center)
		if d < minDist {
			minDist = d
			best = j
		}
	}

	return best, nil
}

type centroidDist struct {
	id   int
	dist float32
}

// Closest returns the indices of the n closest centroids to the query vector.
func Closest(query []float32, centroids []float32, dim int, n int, metric distance.Metric) ([]int, error) {
	k := len(centroids) / dim
	if n > k {
		n = k
	}

	distFunc, err := distance.Provider(metric)
	if err != nil {
		return nil, err
	}

	dists := make([]centroidDist, k)
	for i := 0; i < k; i++ {
		center := centroids[i*dim : (i+1)*dim]
		dists[i] = centroidDist{id: i, dist: distFunc(query, center)}
	}

	sort.Slice(dists, func(i, j int) bool {
		return dists[i].dist < dists[j].dist
	})

	result := make([]int, n)
	for i := 0; i < n; i++ {
		result[i] = dists[i].id
	}

	return result, nil
}
