package render

import (
	"errors"
	"fmt"
	"io"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette/moreland"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	_ "gonum.org/v1/plot/vg/vgimg"

	"github.com/tensora-ai/densityview/internal/density"
)

// ErrNoGrid is returned when there is nothing to draw.
var ErrNoGrid = errors.New("render: no grid")

const paletteSteps = 24

// gridXYZ adapts a CombinedGrid to plotter.GridXYZ. Plot rows grow upward;
// grid row 0 is the top edge.
type gridXYZ struct {
	g *density.CombinedGrid
}

func (x gridXYZ) Dims() (c, r int) { return x.g.Width(), x.g.Height() }

func (x gridXYZ) Z(c, r int) float64 { return x.g.At(c, x.g.Height()-1-r) }

func (x gridXYZ) X(c int) float64 {
	return x.g.Bounds.MinX + (float64(c)+0.5)*density.CellSize
}

func (x gridXYZ) Y(r int) float64 {
	return x.g.Bounds.MinY + (float64(r)+0.5)*density.CellSize
}

func regionOutline(b density.Bounds) plotter.XYs {
	return plotter.XYs{
		{X: b.MinX, Y: b.MinY},
		{X: b.MaxX, Y: b.MinY},
		{X: b.MaxX, Y: b.MaxY},
		{X: b.MinX, Y: b.MaxY},
		{X: b.MinX, Y: b.MinY},
	}
}

// HeatmapPNG draws the grid as a PNG of the given size in points. Cell
// colors are scaled from 0 to density.DensityCeiling; each camera region
// is outlined and named in the legend.
func HeatmapPNG(w io.Writer, g *density.CombinedGrid, title string, width, height vg.Length) error {
	if g == nil || g.Width() == 0 || g.Height() == 0 {
		return ErrNoGrid
	}
	if width <= 0 {
		width = 8 * vg.Inch
	}
	if height <= 0 {
		height = 8 * vg.Inch
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "X (m)"
	p.Y.Label.Text = "Y (m)"

	cm := moreland.SmoothBlueRed()
	cm.SetMin(0)
	cm.SetMax(density.DensityCeiling)
	hm := plotter.NewHeatMap(gridXYZ{g: g}, cm.Palette(paletteSteps))
	hm.Min = 0
	hm.Max = density.DensityCeiling
	p.Add(hm)

	for _, region := range g.Regions {
		outline, err := plotter.NewLine(regionOutline(region.Bounds))
		if err != nil {
			return fmt.Errorf("render: outline %s: %w", region.Stream, err)
		}
		outline.Width = vg.Points(1)
		p.Add(outline)
		p.Legend.Add(region.DisplayName, outline)
	}
	p.Legend.Top = true

	p.X.Min, p.X.Max = g.Bounds.MinX, g.Bounds.MinX+float64(g.Width())*density.CellSize
	p.Y.Min, p.Y.Max = g.Bounds.MinY, g.Bounds.MinY+float64(g.Height())*density.CellSize

	wt, err := p.WriterTo(width, height, "png")
	if err != nil {
		return fmt.Errorf("render: %w", err)
	}
	if _, err := wt.WriteTo(w); err != nil {
		return fmt.Errorf("render: write png: %w", err)
	}
	return nil
}
