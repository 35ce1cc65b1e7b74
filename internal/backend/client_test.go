package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tensora-ai/densityview/internal/config"
	"github.com/tensora-ai/densityview/internal/density"
	"github.com/tensora-ai/densityview/internal/httputil"
)

var north = config.Area{ID: "north", Project: "stadium"}

const timeSeriesPath = "/projects/stadium/areas/north/time-series"

func TestArtifactName(t *testing.T) {
	c := NewClient(httputil.NewMockHTTPClient(), "http://backend")
	instant := time.Date(2024, 3, 7, 9, 5, 3, 0, time.FixedZone("CET", 3600))

	got := c.ArtifactName("stadium", density.StreamKey{CameraID: "cam1", PositionID: "wide"}, instant)
	assert.Equal(t, "stadium-cam1-wide-2024-03-07-08-05-03_transformed_density.json", got)

	custom := NewClient(httputil.NewMockHTTPClient(), "http://backend", WithArtifactTimeFormat("20060102T150405"))
	got = custom.ArtifactName("p", density.StreamKey{CameraID: "c", PositionID: "x"}, instant)
	assert.Equal(t, "p-c-x-20240307T080503_transformed_density.json", got)
}

func TestTimeSeries(t *testing.T) {
	mock := httputil.NewMockHTTPClient()
	mock.Handle(http.MethodPost, timeSeriesPath, http.StatusOK, `{
		"time_series": [
			{"timestamp": "2024-01-01T10:00:00", "value": 12},
			{"timestamp": "2024-01-01T10:05:00Z", "value": 15.5}
		],
		"camera_timestamps": [
			{"camera_id": "cam1", "position": "wide", "timestamp": "2024-01-01T10:04:58"}
		]
	}`)

	c := NewClient(mock, "http://backend/")
	end := time.Date(2024, 1, 1, 12, 0, 0, 0, time.FixedZone("X", 2*3600))
	res, err := c.TimeSeries(context.Background(), north, TimeSeriesQuery{EndDate: end, LookbackHours: 3, HalfMovingAvgSize: 2})
	require.NoError(t, err)

	want := &TimeSeriesResult{
		Points: []TimeSeriesPoint{
			{Timestamp: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC), Value: 12},
			{Timestamp: time.Date(2024, 1, 1, 10, 5, 0, 0, time.UTC), Value: 15.5},
		},
		Catalog: []density.TimestampSample{{
			Stream:  density.StreamKey{CameraID: "cam1", PositionID: "wide"},
			Instant: time.Date(2024, 1, 1, 10, 4, 58, 0, time.UTC),
		}},
	}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Errorf("TimeSeries mismatch (-want +got):\n%s", diff)
	}

	latest, ok := res.Latest()
	require.True(t, ok)
	assert.True(t, latest.Equal(time.Date(2024, 1, 1, 10, 5, 0, 0, time.UTC)))

	req := mock.GetRequest(0)
	require.NotNil(t, req)
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
	raw, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, "2024-01-01T10:00:00Z", body["end_date"])
	assert.Equal(t, float64(3), body["lookback_hours"])
	assert.Equal(t, float64(2), body["half_moving_avg_size"])
}

func TestTimeSeries_DefaultProject(t *testing.T) {
	mock := httputil.NewMockHTTPClient()
	mock.Handle(http.MethodPost, "/projects/fallback/areas/south/time-series", http.StatusOK, `{"time_series": [], "camera_timestamps": []}`)

	c := NewClient(mock, "http://backend", WithProject("fallback"))
	res, err := c.TimeSeries(context.Background(), config.Area{ID: "south"}, TimeSeriesQuery{EndDate: time.Now()})
	require.NoError(t, err)
	assert.Empty(t, res.Points)
	_, ok := res.Latest()
	assert.False(t, ok)
}

func TestTimeSeries_Errors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(m *httputil.MockHTTPClient)
		check func(t *testing.T, err error)
	}{
		{
			name: "conflict is partial camera data",
			setup: func(m *httputil.MockHTTPClient) {
				m.Handle(http.MethodPost, timeSeriesPath, http.StatusConflict, `{"detail":"mismatch"}`)
			},
			check: func(t *testing.T, err error) { assert.ErrorIs(t, err, ErrPartialCameraData) },
		},
		{
			name: "server error is a status error",
			setup: func(m *httputil.MockHTTPClient) {
				m.Handle(http.MethodPost, timeSeriesPath, http.StatusBadGateway, "upstream down\n")
			},
			check: func(t *testing.T, err error) {
				var se *StatusError
				require.True(t, errors.As(err, &se))
				assert.Equal(t, http.StatusBadGateway, se.Code)
				assert.Equal(t, "upstream down", se.Body)
				assert.Contains(t, err.Error(), "502")
			},
		},
		{
			name: "malformed json",
			setup: func(m *httputil.MockHTTPClient) {
				m.Handle(http.MethodPost, timeSeriesPath, http.StatusOK, `{"time_series": [`)
			},
			check: func(t *testing.T, err error) { assert.ErrorIs(t, err, ErrMalformedPayload) },
		},
		{
			name: "bad timestamp",
			setup: func(m *httputil.MockHTTPClient) {
				m.Handle(http.MethodPost, timeSeriesPath, http.StatusOK, `{"time_series": [{"timestamp": "soon", "value": 1}]}`)
			},
			check: func(t *testing.T, err error) { assert.ErrorIs(t, err, ErrMalformedPayload) },
		},
		{
			name: "transport error",
			setup: func(m *httputil.MockHTTPClient) {
				m.HandleError(http.MethodPost, timeSeriesPath, errors.New("dial tcp: refused"))
			},
			check: func(t *testing.T, err error) { assert.Contains(t, err.Error(), "refused") },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := httputil.NewMockHTTPClient()
			tt.setup(mock)
			_, err := NewClient(mock, "http://backend").TimeSeries(context.Background(), north, TimeSeriesQuery{EndDate: time.Now()})
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestRawField(t *testing.T) {
	mock := httputil.NewMockHTTPClient()
	path := "/projects/stadium/density/stadium-cam1-wide-2024-01-01-10-00-00_transformed_density.json"
	mock.Handle(http.MethodGet, path, http.StatusOK, `[[1, 2, 0.5], [3.5, 4, 6.2, 99]]`)

	c := NewClient(mock, "http://backend")
	points, err := c.RawField(context.Background(), north,
		density.StreamKey{CameraID: "cam1", PositionID: "wide"},
		time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	want := []density.RawDensityPoint{{X: 1, Y: 2, Density: 0.5}, {X: 3.5, Y: 4, Density: 6.2}}
	if diff := cmp.Diff(want, points); diff != "" {
		t.Errorf("RawField mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 1, mock.CountPath(path))
}

func TestRawField_NotFound(t *testing.T) {
	mock := httputil.NewMockHTTPClient()
	mock.AddResponse(http.StatusNotFound, strings.Repeat("x", 500))

	_, err := NewClient(mock, "http://backend").RawField(context.Background(), north,
		density.StreamKey{CameraID: "cam1", PositionID: "wide"}, time.Now())

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusNotFound, se.Code)
	assert.Len(t, se.Body, 203)
}

func TestRawField_UsesContext(t *testing.T) {
	mock := httputil.NewMockHTTPClient()
	mock.DoFunc = func(req *http.Request) (*http.Response, error) {
		<-req.Context().Done()
		return nil, req.Context().Err()
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewClient(mock, "http://backend").RawField(ctx, north, density.StreamKey{CameraID: "c", PositionID: "p"}, time.Now())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseTriples(t *testing.T) {
	points, err := ParseTriples([]byte(`[]`))
	require.NoError(t, err)
	assert.Empty(t, points)

	_, err = ParseTriples([]byte(`[[1, 2]]`))
	assert.ErrorIs(t, err, ErrMalformedPayload)

	_, err = ParseTriples([]byte(`{"x": 1}`))
	assert.ErrorIs(t, err, ErrMalformedPayload)

	_, err = ParseTriples([]byte(`[["a", 1, 2]]`))
	assert.ErrorIs(t, err, ErrMalformedPayload)
}
