// Package testutil provides shared test fixtures: a small two-area layout and
// a Fetcher that serves the same density field for every stream.
package testutil

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/tensora-ai/densityview/internal/backend"
	"github.com/tensora-ai/densityview/internal/config"
	"github.com/tensora-ai/densityview/internal/density"
)

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d (%s)", got, want, http.StatusText(want))
	}
}

// TwoAreaLayout returns a layout with area "north" (cameras A and B side by
// side, 10x10 each) and area "south" (camera C).
func TwoAreaLayout() *config.Layout {
	cam := func(id string, left float64) config.Camera {
		return config.Camera{ID: id, Name: "Cam " + id, Positions: []config.Position{{
			ID:   "main",
			Crop: &density.CropRectangle{Left: left, Top: 10, Width: 10, Height: 10},
		}}}
	}
	return &config.Layout{Project: "p", Areas: []config.Area{
		{ID: "north", Name: "North stand", Project: "p", Cameras: []config.Camera{cam("A", 0), cam("B", 10)}},
		{ID: "south", Name: "South stand", Project: "p", Cameras: []config.Camera{cam("C", 0)}},
	}}
}

// StaticFetcher answers every time-series request with one point at the
// requested end date, catalogued for every stream of the area, and every
// field request with Points. While held, TimeSeries blocks until Release.
type StaticFetcher struct {
	Points []density.RawDensityPoint
	Err    error

	mu    sync.Mutex
	gate  chan struct{}
	calls int
}

// NewStaticFetcher returns a fetcher whose field has two occupied points
// inside camera A's crop and one inside camera B's.
func NewStaticFetcher() *StaticFetcher {
	return &StaticFetcher{Points: []density.RawDensityPoint{
		{X: 2, Y: 3, Density: 2},
		{X: 7, Y: 8, Density: 5},
		{X: 12, Y: 5, Density: 3},
	}}
}

// Hold makes subsequent TimeSeries calls block.
func (f *StaticFetcher) Hold() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = make(chan struct{})
}

// Release unblocks held calls. It is safe to call when not held.
func (f *StaticFetcher) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gate != nil {
		close(f.gate)
		f.gate = nil
	}
}

// Calls returns the number of TimeSeries calls so far.
func (f *StaticFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *StaticFetcher) TimeSeries(ctx context.Context, area config.Area, q backend.TimeSeriesQuery) (*backend.TimeSeriesResult, error) {
	f.mu.Lock()
	f.calls++
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.Err != nil {
		return nil, f.Err
	}
	res := &backend.TimeSeriesResult{Points: []backend.TimeSeriesPoint{{Timestamp: q.EndDate, Value: 12}}}
	for _, s := range area.Streams() {
		res.Catalog = append(res.Catalog, density.TimestampSample{Stream: s, Instant: q.EndDate})
	}
	return res, nil
}

func (f *StaticFetcher) RawField(ctx context.Context, area config.Area, s density.StreamKey, instant time.Time) ([]density.RawDensityPoint, error) {
	return f.Points, nil
}
