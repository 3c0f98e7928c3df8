package index

import (
	"errors"
	"testing"

	"github.com/hupe1980/evcache/distance"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAccelerated(t *testing.T) {
	t.Cleanup(func() { RegisterAccelerated(nil) })

	t.Run("NoneRegistered", func(t *testing.T) {
		RegisterAccelerated(nil)

		_, err := NewAccelerated(BuildConfig{Dimension: 4})
		assert.ErrorIs(t, err, ErrNoAcceleratedBuilder)
	})

	t.Run("BuilderFailure", func(t *testing.T) {
		boom := errors.New("device allocation failed")
		RegisterAccelerated(func(cfg BuildConfig) (Index, error) {
			return nil, boom
		})

		_, err := NewAccelerated(BuildConfig{Dimension: 4})
		assert.ErrorIs(t, err, boom)
	})
}

func TestValidateBasicOptions(t *testing.T) {
	require.NoError(t, ValidateBasicOptions(4, distance.MetricL2))

	err := ValidateBasicOptions(0, distance.MetricL2)
	assert.IsType(t, &ErrInvalidDimension{}, err)

	assert.Error(t, ValidateBasicOptions(4, distance.Metric(99)))
}

func TestDeviceString(t *testing.T) {
	assert.Equal(t, "CPU", DeviceCPU.String())
	assert.Equal(t, "GPU", DeviceGPU.String())
}
