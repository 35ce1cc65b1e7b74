// Package backend is the HTTP client for the density backend: time-series
// aggregation per area and raw transformed density artifacts per stream.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tensora-ai/densityview/internal/config"
	"github.com/tensora-ai/densityview/internal/density"
	"github.com/tensora-ai/densityview/internal/httputil"
)

// DefaultArtifactTimeFormat is the reference-time layout used in artifact
// names, applied in UTC.
const DefaultArtifactTimeFormat = "2006-01-02-15-04-05"

// maxPayload bounds any single response body.
const maxPayload = 32 << 20

var (
	// ErrPartialCameraData is returned when the aggregation endpoint reports
	// that only some cameras of the area have data for the requested range.
	ErrPartialCameraData = errors.New("partial camera data")
	// ErrMalformedPayload is returned when a response body cannot be decoded.
	ErrMalformedPayload = errors.New("malformed payload")
)

// StatusError reports an unexpected HTTP status from the backend.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.URL, e.Code)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// TimeSeriesQuery is the request body of the time-series endpoint.
type TimeSeriesQuery struct {
	EndDate           time.Time
	LookbackHours     int
	HalfMovingAvgSize int
}

// TimeSeriesPoint is one aggregated count.
type TimeSeriesPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// TimeSeriesResult carries the aggregated series and the timestamp catalog
// for every stream in the area.
type TimeSeriesResult struct {
	Points  []TimeSeriesPoint         `json:"time_series"`
	Catalog []density.TimestampSample `json:"camera_timestamps"`
}

// Latest returns the newest timestamp in the series.
func (r *TimeSeriesResult) Latest() (time.Time, bool) {
	var latest time.Time
	found := false
	for _, p := range r.Points {
		if !found || p.Timestamp.After(latest) {
			latest, found = p.Timestamp, true
		}
	}
	return latest, found
}

// Client talks to the density backend.
type Client struct {
	http           httputil.HTTPClient
	baseURL        string
	project        string
	artifactFormat string
}

// Option configures a Client.
type Option func(*Client)

// WithProject sets the project used for areas that do not name one.
func WithProject(project string) Option {
	return func(c *Client) { c.project = project }
}

// WithArtifactTimeFormat overrides the timestamp layout of artifact names.
func WithArtifactTimeFormat(layout string) Option {
	return func(c *Client) {
		if layout != "" {
			c.artifactFormat = layout
		}
	}
}

// NewClient creates a Client rooted at baseURL.
func NewClient(hc httputil.HTTPClient, baseURL string, opts ...Option) *Client {
	c := &Client{
		http:           hc,
		baseURL:        strings.TrimRight(baseURL, "/"),
		project:        "default",
		artifactFormat: DefaultArtifactTimeFormat,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) projectFor(area config.Area) string {
	if area.Project != "" {
		return area.Project
	}
	return c.project
}

// ArtifactName composes the transformed density artifact name for a stream
// at the given instant.
func (c *Client) ArtifactName(project string, stream density.StreamKey, instant time.Time) string {
	return fmt.Sprintf("%s-%s-%s-%s_transformed_density.json",
		project, stream.CameraID, stream.PositionID, instant.UTC().Format(c.artifactFormat))
}

type timeSeriesRequest struct {
	EndDate           string `json:"end_date"`
	LookbackHours     int    `json:"lookback_hours"`
	HalfMovingAvgSize int    `json:"half_moving_avg_size"`
}

type timeSeriesResponse struct {
	TimeSeries []struct {
		Timestamp string  `json:"timestamp"`
		Value     float64 `json:"value"`
	} `json:"time_series"`
	CameraTimestamps []struct {
		CameraID  string `json:"camera_id"`
		Position  string `json:"position"`
		Timestamp string `json:"timestamp"`
	} `json:"camera_timestamps"`
}

// TimeSeries fetches the aggregated series and camera timestamp catalog for
// an area. HTTP 409 is reported as ErrPartialCameraData.
func (c *Client) TimeSeries(ctx context.Context, area config.Area, q TimeSeriesQuery) (*TimeSeriesResult, error) {
	u := fmt.Sprintf("%s/projects/%s/areas/%s/time-series",
		c.baseURL, url.PathEscape(c.projectFor(area)), url.PathEscape(area.ID))

	body := timeSeriesRequest{
		EndDate:           q.EndDate.UTC().Format(time.RFC3339),
		LookbackHours:     q.LookbackHours,
		HalfMovingAvgSize: q.HalfMovingAvgSize,
	}
	req, err := httputil.NewJSONRequest(ctx, http.MethodPost, u, body)
	if err != nil {
		return nil, err
	}

	data, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var raw timeSeriesResponse
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode time series: %w: %v", ErrMalformedPayload, err)
	}

	res := &TimeSeriesResult{
		Points:  make([]TimeSeriesPoint, 0, len(raw.TimeSeries)),
		Catalog: make([]density.TimestampSample, 0, len(raw.CameraTimestamps)),
	}
	for _, p := range raw.TimeSeries {
		ts, err := density.ParseUTC(p.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("time series timestamp: %w: %v", ErrMalformedPayload, err)
		}
		res.Points = append(res.Points, TimeSeriesPoint{Timestamp: ts, Value: p.Value})
	}
	for _, e := range raw.CameraTimestamps {
		ts, err := density.ParseUTC(e.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("camera timestamp: %w: %v", ErrMalformedPayload, err)
		}
		res.Catalog = append(res.Catalog, density.TimestampSample{
			Stream:  density.StreamKey{CameraID: e.CameraID, PositionID: e.Position},
			Instant: ts,
		})
	}
	return res, nil
}

// RawField fetches the raw density triples of one stream at instant.
func (c *Client) RawField(ctx context.Context, area config.Area, stream density.StreamKey, instant time.Time) ([]density.RawDensityPoint, error) {
	project := c.projectFor(area)
	u := fmt.Sprintf("%s/projects/%s/density/%s",
		c.baseURL, url.PathEscape(project), url.PathEscape(c.ArtifactName(project, stream, instant)))

	req, err := httputil.NewJSONRequest(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	data, err := c.do(req)
	if err != nil {
		return nil, err
	}
	return ParseTriples(data)
}

// ParseTriples decodes a JSON array of [x, y, density] triples. Extra
// elements beyond the third are ignored.
func ParseTriples(data []byte) ([]density.RawDensityPoint, error) {
	var triples [][]float64
	if err := json.Unmarshal(data, &triples); err != nil {
		return nil, fmt.Errorf("decode density field: %w: %v", ErrMalformedPayload, err)
	}
	points := make([]density.RawDensityPoint, 0, len(triples))
	for i, t := range triples {
		if len(t) < 3 {
			return nil, fmt.Errorf("density triple %d has %d values: %w", i, len(t), ErrMalformedPayload)
		}
		points = append(points, density.RawDensityPoint{X: t[0], Y: t[1], Density: t[2]})
	}
	return points, nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPayload))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", req.URL.Path, err)
	}

	switch {
	case resp.StatusCode == http.StatusConflict:
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, ErrPartialCameraData)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &StatusError{
			Method: req.Method,
			URL:    req.URL.Path,
			Code:   resp.StatusCode,
			Body:   truncate(strings.TrimSpace(string(data)), 200),
		}
	}
	return data, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
