package density

import (
	"fmt"
	"math"
	"time"
)

// DensityCeiling is the saturation value for a single density sample
// (persons per square metre).
const DensityCeiling = 6.0

// CellSize is the world-space edge length of one combined grid cell.
const CellSize = 1.0

// StreamKey identifies one camera+position combination.
type StreamKey struct {
	CameraID   string `json:"camera_id"`
	PositionID string `json:"position"`
}

func (k StreamKey) String() string {
	return k.CameraID + "/" + k.PositionID
}

// TimestampSample is one moment at which a stream has data. Instant is UTC.
type TimestampSample struct {
	Stream  StreamKey `json:"stream"`
	Instant time.Time `json:"instant"`
}

// RawDensityPoint is a density measurement in camera-local units.
type RawDensityPoint struct {
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Density float64 `json:"density"`
}

// CropRectangle is a camera's viewing window in world units. Top is the
// upper edge; Height extends downward toward smaller Y.
type CropRectangle struct {
	Left   float64 `json:"left" yaml:"left"`
	Top    float64 `json:"top" yaml:"top"`
	Width  float64 `json:"width" yaml:"width"`
	Height float64 `json:"height" yaml:"height"`
}

// Validate checks that the rectangle has positive extents.
func (c CropRectangle) Validate() error {
	if !(c.Width > 0) {
		return fmt.Errorf("crop width must be positive, got %g", c.Width)
	}
	if !(c.Height > 0) {
		return fmt.Errorf("crop height must be positive, got %g", c.Height)
	}
	return nil
}

// WorldDensitySample is a transformed point in the shared coordinate space.
// Density is always within [0, DensityCeiling].
type WorldDensitySample struct {
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Density float64 `json:"density"`
}

// Bounds is an axis-aligned rectangle with MaxX >= MinX and MaxY >= MinY.
type Bounds struct {
	MinX float64 `json:"min_x"`
	MaxX float64 `json:"max_x"`
	MinY float64 `json:"min_y"`
	MaxY float64 `json:"max_y"`
}

// UnitBounds is used for a field without points or crop.
var UnitBounds = Bounds{MinX: 0, MaxX: 1, MinY: 0, MaxY: 1}

// Width returns the horizontal extent.
func (b Bounds) Width() float64 { return b.MaxX - b.MinX }

// Height returns the vertical extent.
func (b Bounds) Height() float64 { return b.MaxY - b.MinY }

// Union returns the smallest bounds containing both b and o.
func (b Bounds) Union(o Bounds) Bounds {
	return Bounds{
		MinX: math.Min(b.MinX, o.MinX),
		MaxX: math.Max(b.MaxX, o.MaxX),
		MinY: math.Min(b.MinY, o.MinY),
		MaxY: math.Max(b.MaxY, o.MaxY),
	}
}

// Contains reports whether o lies entirely inside b.
func (b Bounds) Contains(o Bounds) bool {
	return b.MinX <= o.MinX && b.MaxX >= o.MaxX && b.MinY <= o.MinY && b.MaxY >= o.MaxY
}

// CameraRegion records one camera's contribution to the merged view. It is
// attribution only; merged cell values do not refer back to it.
type CameraRegion struct {
	Stream      StreamKey `json:"stream"`
	DisplayName string    `json:"display_name"`
	Bounds      Bounds    `json:"bounds"`
}

// Field is one stream's transformed samples ready for rasterisation.
type Field struct {
	Samples []WorldDensitySample
	Bounds  Bounds
	Region  CameraRegion
}

// CombinedGrid is the rasterised merge of all fields. Cells is indexed
// [row][col]; row 0 corresponds to Bounds.MaxY.
type CombinedGrid struct {
	Cells   [][]float64    `json:"cells"`
	Bounds  Bounds         `json:"bounds"`
	Regions []CameraRegion `json:"regions"`
}

// Width returns the number of columns.
func (g *CombinedGrid) Width() int {
	if g == nil || len(g.Cells) == 0 {
		return 0
	}
	return len(g.Cells[0])
}

// Height returns the number of rows.
func (g *CombinedGrid) Height() int {
	if g == nil {
		return 0
	}
	return len(g.Cells)
}

// At returns the value at column col and row row, or 0 when out of range.
func (g *CombinedGrid) At(col, row int) float64 {
	if g == nil || row < 0 || row >= len(g.Cells) || col < 0 || col >= len(g.Cells[row]) {
		return 0
	}
	return g.Cells[row][col]
}
