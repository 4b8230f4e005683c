package images

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGridFromFloat32(t *testing.T) {
	g, err := GridFromFloat32(2, 2, []float32{1, 2, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, 3.0, g.At(1, 0))

	g.Set(0, 1, 9)
	assert.Equal(t, []float64{1, 9, 3, 4}, g.Data)

	_, err = GridFromFloat32(2, 3, []float32{1, 2})
	assert.Error(t, err)
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 255.0, Clamp(300.5, 0, 255))
	assert.Equal(t, 0.0, Clamp(-10, 0, 255))
	assert.Equal(t, 0.25, Clamp(0.25, 0, 1))
}

// TestParallelCoversEveryIndex checks that partitions neither overlap nor
// leave gaps, for sizes below and above the goroutine threshold.
func TestParallelCoversEveryIndex(t *testing.T) {
	for _, size := range []int{0, 1, 7, 1000, 1031} {
		hits := make([]int32, size)
		Parallel(size, func(partStart, partEnd int) {
			for i := partStart; i < partEnd; i++ {
				atomic.AddInt32(&hits[i], 1)
			}
		})
		for i, h := range hits {
			require.Equal(t, int32(1), h, "size %d index %d", size, i)
		}
	}
}
