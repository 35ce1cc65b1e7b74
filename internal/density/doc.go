// Package density owns the spatio-temporal alignment core of the dashboard.
//
// Responsibilities: locating the sample instant nearest to a target per
// camera/position stream, projecting camera-local density points into the
// shared world frame (crop rectangles), and rasterising the projected fields
// into a single combined grid.
// Key types: StreamKey, TimestampSample, Field, CombinedGrid.
//
// Dependency rule: pure functions only. No I/O, clocks or logging in this
// package; callers own fetching and publication.
package density
