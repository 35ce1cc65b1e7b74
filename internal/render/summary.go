// Package render turns published snapshots into human-facing views: summary
// statistics, an interactive HTML page and a static PNG heatmap.
package render

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/tensora-ai/densityview/internal/density"
)

// Summary describes the occupancy of a combined grid. Occupied cells are
// cells with a positive density.
type Summary struct {
	TotalCells          int     `json:"total_cells"`
	OccupiedCells       int     `json:"occupied_cells"`
	PeakDensity         float64 `json:"peak_density"`
	MeanOccupiedDensity float64 `json:"mean_occupied_density"`
	StdDevOccupied      float64 `json:"stddev_occupied_density"`
	TotalDensity        float64 `json:"total_density"`
}

// Summarize computes a Summary. A nil grid yields the zero Summary.
func Summarize(g *density.CombinedGrid) Summary {
	var s Summary
	if g == nil {
		return s
	}
	occupied := make([]float64, 0)
	for _, row := range g.Cells {
		s.TotalCells += len(row)
		for _, v := range row {
			if v > 0 {
				occupied = append(occupied, v)
			}
		}
	}
	s.OccupiedCells = len(occupied)
	if len(occupied) == 0 {
		return s
	}
	s.PeakDensity = floats.Max(occupied)
	s.TotalDensity = floats.Sum(occupied)
	s.MeanOccupiedDensity, s.StdDevOccupied = stat.MeanStdDev(occupied, nil)
	if len(occupied) == 1 {
		s.StdDevOccupied = 0
	}
	return s
}
