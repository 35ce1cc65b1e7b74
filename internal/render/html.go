package render

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/tensora-ai/densityview/internal/density"
	"github.com/tensora-ai/densityview/internal/pipeline"
)

// densityColors runs from empty to saturated.
var densityColors = []string{"#313695", "#4575b4", "#74add1", "#abd9e9", "#fee090", "#fdae61", "#f46d43", "#d73027", "#a50026"}

// HTMLOptions configures HeatmapHTML.
type HTMLOptions struct {
	// Title heads the page; the area ID is used when empty.
	Title string
	// AssetsHost overrides where the echarts scripts are loaded from.
	AssetsHost string
}

// HeatmapHTML writes a page with the combined grid as a heatmap and the area
// time series as a line chart. A snapshot without a grid renders only the
// series.
func HeatmapHTML(w io.Writer, snap *pipeline.Snapshot, o HTMLOptions) error {
	if snap == nil {
		return fmt.Errorf("render: nil snapshot")
	}
	title := o.Title
	if title == "" {
		title = snap.AreaID
	}

	page := components.NewPage()
	page.PageTitle = title
	if o.AssetsHost != "" {
		page.SetAssetsHost(o.AssetsHost)
	}
	if snap.Grid != nil && snap.Grid.Height() > 0 {
		page.AddCharts(heatmapChart(snap, title, o))
	}
	page.AddCharts(seriesChart(snap, o))

	if err := page.Render(w); err != nil {
		return fmt.Errorf("render: %w", err)
	}
	return nil
}

func heatmapChart(snap *pipeline.Snapshot, title string, o HTMLOptions) *charts.HeatMap {
	g := snap.Grid
	cols, rows := g.Width(), g.Height()

	xs := make([]string, cols)
	for c := range xs {
		xs[c] = strconv.FormatFloat(g.Bounds.MinX+float64(c)*density.CellSize, 'f', -1, 64)
	}
	// Category axes grow upward, so label bottom to top.
	ys := make([]string, rows)
	for r := range ys {
		ys[r] = strconv.FormatFloat(g.Bounds.MinY+float64(r)*density.CellSize, 'f', -1, 64)
	}

	data := make([]opts.HeatMapData, 0, cols*rows)
	for row := 0; row < rows; row++ {
		fromBottom := rows - 1 - row
		for col := 0; col < cols; col++ {
			v := g.At(col, row)
			if v <= 0 {
				continue
			}
			data = append(data, opts.HeatMapData{Value: [3]interface{}{col, fromBottom, v}})
		}
	}

	s := Summarize(g)
	subtitle := fmt.Sprintf("focus=%s peak=%.2f occupied=%d/%d",
		snap.Focus.UTC().Format(time.RFC3339), s.PeakDensity, s.OccupiedCells, s.TotalCells)
	if len(snap.Missing) > 0 {
		names := make([]string, 0, len(snap.Missing))
		for _, m := range snap.Missing {
			names = append(names, m.Stream.String())
		}
		subtitle += " missing=" + strings.Join(names, ",")
	}

	hm := charts.NewHeatMap()
	hm.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: title, Width: "900px", Height: "700px", AssetsHost: o.AssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "category", Data: xs, Name: "X (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Type: "category", Data: ys, Name: "Y (m)", NameLocation: "middle", NameGap: 30}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        0,
			Max:        float32(density.DensityCeiling),
			InRange:    &opts.VisualMapInRange{Color: densityColors},
		}),
	)
	hm.SetXAxis(xs).AddSeries("density", data)
	return hm
}

func seriesChart(snap *pipeline.Snapshot, o HTMLOptions) *charts.Line {
	xs := make([]string, 0, len(snap.TimeSeries))
	ys := make([]opts.LineData, 0, len(snap.TimeSeries))
	for _, p := range snap.TimeSeries {
		xs = append(xs, p.Timestamp.UTC().Format(time.RFC3339))
		ys = append(ys, opts.LineData{Value: p.Value})
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "900px", Height: "360px", AssetsHost: o.AssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "People count", Subtitle: fmt.Sprintf("state=%s points=%d", snap.State, len(xs))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
	)
	line.SetXAxis(xs).AddSeries("count", ys)
	return line
}
