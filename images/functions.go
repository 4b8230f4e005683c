// Package images - provides idempotent raster and grid operations used to
// render prototype activation artifacts.
package images

import (
	"runtime"
	"sync"

	"github.com/pkg/errors"
)

// Grid is a dense row-major 2-D array of float64 values.
type Grid struct {
	Rows, Cols int
	Data       []float64
}

// NewGrid allocates a zeroed grid.
func NewGrid(rows, cols int) *Grid {
	return &Grid{Rows: rows, Cols: cols, Data: make([]float64, rows*cols)}
}

// GridFromFloat32 wraps a row-major float32 slice as a Grid.
//
// Returns:
//   - *Grid: A float64 copy of values.
//   - error: If len(values) != rows*cols.
func GridFromFloat32(rows, cols int, values []float32) (*Grid, error) {
	if rows*cols != len(values) {
		return nil, errors.Errorf("grid %dx%d needs %d values, got %d", rows, cols, rows*cols, len(values))
	}
	g := NewGrid(rows, cols)
	for i, v := range values {
		g.Data[i] = float64(v)
	}
	return g, nil
}

// At returns the value at (row, col).
func (g *Grid) At(row, col int) float64 {
	return g.Data[row*g.Cols+col]
}

// Set writes the value at (row, col).
func (g *Grid) Set(row, col int, v float64) {
	g.Data[row*g.Cols+col] = v
}

// Clamp restricts a value to the specified range [min, max].
//
// @example
// clamped := Clamp(300.5, 0, 255) // Returns 255
// clamped := Clamp(-10.0, 0, 255) // Returns 0
func Clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

// Parallel executes a function in parallel across multiple goroutines.
//
// Arguments:
// - dataSize: The size of the data to process.
// - fn: Function to execute for each partition (receives start and end indices).
//
// @example
//
//	Parallel(height, func(start, end int) {
//	    for y := start; y < end; y++ {
//	        // Process row y
//	    }
//	})
func Parallel(dataSize int, fn func(partStart, partEnd int)) {
	numGoroutines := runtime.NumCPU()

	// Small inputs are not worth the goroutine overhead.
	if dataSize < numGoroutines*2 {
		fn(0, dataSize)
		return
	}

	partSize := dataSize / numGoroutines

	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		partStart := i * partSize
		partEnd := partStart + partSize

		// Last partition gets any remaining data.
		if i == numGoroutines-1 {
			partEnd = dataSize
		}

		go func(start, end int) {
			defer wg.Done()
			fn(start, end)
		}(partStart, partEnd)
	}

	wg.Wait()
}
