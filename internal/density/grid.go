package density

import (
	"errors"
	"fmt"
	"math"
)

// MaxGridCells caps the size of a combined grid.
const MaxGridCells = 4_000_000

// ErrGridTooLarge is returned when the union bounds need more than
// MaxGridCells cells or are not finite.
var ErrGridTooLarge = errors.New("combined grid too large")

// Combine rasterises fields into a single grid at CellSize resolution.
//
// It returns nil when no field carries a sample. The grid spans the union of
// the bounds of fields with data. Where fields overlap a cell keeps the
// maximum density, never the sum. Samples that map outside the grid are
// dropped.
func Combine(fields []Field) (*CombinedGrid, error) {
	var (
		global  Bounds
		regions []CameraRegion
		hasData bool
	)
	for _, f := range fields {
		if len(f.Samples) == 0 {
			continue
		}
		if !hasData {
			global = f.Bounds
			hasData = true
		} else {
			global = global.Union(f.Bounds)
		}
		regions = append(regions, f.Region)
	}
	if !hasData {
		return nil, nil
	}

	if n := cellCount(global); !(n <= MaxGridCells) {
		return nil, fmt.Errorf("%w: %gx%g world units need %g cells (max %d)",
			ErrGridTooLarge, global.Width(), global.Height(), n, MaxGridCells)
	}
	width := gridExtent(global.Width())
	height := gridExtent(global.Height())

	cells := make([][]float64, height)
	for r := range cells {
		cells[r] = make([]float64, width)
	}

	for _, f := range fields {
		for _, s := range f.Samples {
			col := int(math.Floor((s.X - global.MinX) / CellSize))
			rowFromBottom := int(math.Floor((s.Y - global.MinY) / CellSize))
			row := height - rowFromBottom - 1
			if col < 0 || col >= width || row < 0 || row >= height {
				continue
			}
			if s.Density > cells[row][col] {
				cells[row][col] = s.Density
			}
		}
	}

	return &CombinedGrid{Cells: cells, Bounds: global, Regions: regions}, nil
}

// cellCount is the grid size for b computed in floating point, so huge or
// non-finite extents never overflow an int. NaN extents yield NaN.
func cellCount(b Bounds) float64 {
	w := math.Max(math.Ceil(b.Width()/CellSize), 1)
	h := math.Max(math.Ceil(b.Height()/CellSize), 1)
	return w * h
}

// gridExtent converts a world extent to a cell count, never less than one.
func gridExtent(extent float64) int {
	n := int(math.Ceil(extent / CellSize))
	if n < 1 {
		return 1
	}
	return n
}
