package density

import "math"

// ClampDensity limits v to [0, DensityCeiling]. NaN maps to 0.
func ClampDensity(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > DensityCeiling:
		return DensityCeiling
	default:
		return v
	}
}

// cropToBounds converts a crop rectangle to world bounds. The rectangle's
// height is measured downward from Top, so MinY = Top - Height.
func cropToBounds(c CropRectangle) Bounds {
	return Bounds{
		MinX: c.Left,
		MaxX: c.Left + c.Width,
		MinY: c.Top - c.Height,
		MaxY: c.Top,
	}
}

// Transform projects raw points into world samples.
//
// Without a crop every point is kept and the bounds are the tight bounding box
// of the points (UnitBounds when there are none). With a crop only points
// inside the rectangle (edges inclusive) are kept and the bounds are the
// crop's own, independent of which points survive.
func Transform(points []RawDensityPoint, crop *CropRectangle) ([]WorldDensitySample, Bounds) {
	samples := make([]WorldDensitySample, 0, len(points))

	if crop != nil {
		b := cropToBounds(*crop)
		for _, p := range points {
			if p.X < b.MinX || p.X > b.MaxX || p.Y < b.MinY || p.Y > b.MaxY {
				continue
			}
			samples = append(samples, WorldDensitySample{X: p.X, Y: p.Y, Density: ClampDensity(p.Density)})
		}
		return samples, b
	}

	if len(points) == 0 {
		return samples, UnitBounds
	}

	b := Bounds{MinX: math.Inf(1), MaxX: math.Inf(-1), MinY: math.Inf(1), MaxY: math.Inf(-1)}
	for _, p := range points {
		b.MinX = math.Min(b.MinX, p.X)
		b.MaxX = math.Max(b.MaxX, p.X)
		b.MinY = math.Min(b.MinY, p.Y)
		b.MaxY = math.Max(b.MaxY, p.Y)
		samples = append(samples, WorldDensitySample{X: p.X, Y: p.Y, Density: ClampDensity(p.Density)})
	}
	return samples, b
}

// NewField transforms points and attaches the region label, whose bounds are
// set from the transformed field.
func NewField(points []RawDensityPoint, crop *CropRectangle, region CameraRegion) Field {
	samples, bounds := Transform(points, crop)
	region.Bounds = bounds
	return Field{Samples: samples, Bounds: bounds, Region: region}
}
