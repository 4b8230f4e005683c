package heatmap

import (
	"math"
	"sort"

	"github.com/pkg/errors"

	"github.com/nvr-ai/protolens/images"
)

// DefaultPercentile selects the top 5% of the upsampled activation.
const DefaultPercentile = 95.0

// Percentile returns the p-th percentile of values using linear
// interpolation between closest ranks.
func Percentile(values []float64, p float64) (float64, error) {
	if len(values) == 0 {
		return 0, errors.New("no values")
	}
	if p < 0 || p > 100 || math.IsNaN(p) {
		return 0, errors.Errorf("percentile %v outside [0,100]", p)
	}
	s := append([]float64(nil), values...)
	sort.Float64s(s)
	rank := p / 100 * float64(len(s)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	return s[lo] + (s[hi]-s[lo])*(rank-float64(lo)), nil
}

// HighActivationBox returns the bounding box of all cells at or above the
// given percentile of the grid. Ends are exclusive.
//
// Arguments:
//   - g: The upsampled activation map.
//   - percentile: The threshold percentile, e.g. DefaultPercentile.
//
// Returns:
//   - images.Rect: The box in grid (pixel) coordinates.
//   - error: If the grid is empty or the percentile invalid.
func HighActivationBox(g *images.Grid, percentile float64) (images.Rect, error) {
	if g == nil || len(g.Data) == 0 {
		return images.Rect{}, errors.New("empty grid")
	}
	threshold, err := Percentile(g.Data, percentile)
	if err != nil {
		return images.Rect{}, err
	}

	box := images.Rect{RowStart: -1, ColStart: -1}
	for r := 0; r < g.Rows; r++ {
		for c := 0; c < g.Cols; c++ {
			if g.At(r, c) < threshold {
				continue
			}
			if box.RowStart < 0 {
				box.RowStart = r
			}
			box.RowEnd = r + 1
			if box.ColStart < 0 || c < box.ColStart {
				box.ColStart = c
			}
			if c+1 > box.ColEnd {
				box.ColEnd = c + 1
			}
		}
	}
	if box.RowStart < 0 {
		// Only NaN cells; nothing reaches the threshold.
		return images.Rect{}, errors.New("no cell reaches the threshold")
	}
	return box, nil
}
