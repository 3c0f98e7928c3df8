package evcache

import (
	"context"

	"github.com/hupe1980/evcache/distance"
	"github.com/hupe1980/evcache/index"
	"github.com/hupe1980/evcache/index/flat"
	"github.com/hupe1980/evcache/index/ivf"
)

// newIndex constructs the vector index for the configured device and
// topology. A GPU request that cannot be satisfied logs a warning and
// falls back to the CPU implementation; behavior and results are
// identical either way.
func newIndex(dimension int, o options, logger *Logger) (index.Index, error) {
	if o.device == index.DeviceGPU {
		idx, err := index.NewAccelerated(index.BuildConfig{
			Dimension:    dimension,
			Metric:       o.metric,
			ExpectedSize: o.flatThreshold,
		})
		if err == nil {
			return idx, nil
		}
		logger.LogFallback(context.Background(), o.device.String(), err)
	}

	normalize := o.metric == distance.MetricCosine

	if o.clusterCount > 0 {
		return ivf.New(func(io *ivf.Options) {
			io.Dimension = dimension
			io.Metric = o.metric
			io.NormalizeVectors = normalize
			io.NumPartitions = o.clusterCount
			if o.probeCount > 0 {
				io.DefaultNProbes = o.probeCount
			}
			// Brute force stays exact and faster below the threshold;
			// Reset trains partitions once the survivor set is large enough.
			if o.flatThreshold > 0 {
				io.MinTrainSize = o.flatThreshold
			}
		})
	}

	return flat.New(func(fo *flat.Options) {
		fo.Dimension = dimension
		fo.Metric = o.metric
		fo.NormalizeVectors = normalize
	})
}
