package evcache_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/hupe1980/evcache"
	"github.com/hupe1980/evcache/distance"
)

// Example demonstrates the basic add/search/expire cycle.
func Example() {
	cache, err := evcache.New(2,
		evcache.WithMetric(distance.MetricL2),
		evcache.WithDefaultTTL(time.Minute),
	)
	if err != nil {
		log.Fatal(err)
	}
	defer cache.Close()

	ctx := context.Background()

	_, err = cache.Add(ctx, "x axis", nil, []float32{1, 0})
	if err != nil {
		log.Fatal(err)
	}
	_, err = cache.Add(ctx, "y axis", nil, []float32{0, 1})
	if err != nil {
		log.Fatal(err)
	}

	results, err := cache.Search(ctx, []float32{0.9, 0.1}, 1)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println(results[0].Entry.Content)
	// Output: x axis
}

// Example_clustered demonstrates the clustered topology for larger caches.
func Example_clustered() {
	cache, err := evcache.New(128,
		evcache.WithClustering(16, 4), // 16 partitions, probe 4 per query
		evcache.WithFlatThreshold(1000),
	)
	if err != nil {
		log.Fatal(err)
	}
	defer cache.Close()

	fmt.Println("clustered cache ready")
	// Output: clustered cache ready
}
