package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tensora-ai/densityview/internal/dashboard"
	"github.com/tensora-ai/densityview/internal/monitoring"
	"github.com/tensora-ai/densityview/internal/pipeline"
	"github.com/tensora-ai/densityview/internal/testutil"
	"github.com/tensora-ai/densityview/internal/timeutil"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	m.Run()
}

type fakeRuns struct {
	runs    []pipeline.RunRecord
	err     error
	gotArea string
	gotN    int
}

func (f *fakeRuns) RecentRuns(areaID string, limit int) ([]pipeline.RunRecord, error) {
	f.gotArea, f.gotN = areaID, limit
	return f.runs, f.err
}

type testEnv struct {
	fetcher *testutil.StaticFetcher
	pipe    *pipeline.Pipeline
	dash    *dashboard.Dashboard
	runs    *fakeRuns
	server  *Server
	mux     *http.ServeMux
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clock := timeutil.NewMockClock(now)
	f := testutil.NewStaticFetcher()
	p := pipeline.New(f, pipeline.WithClock(clock))
	d, err := dashboard.New(testutil.TwoAreaLayout(), p, "", dashboard.WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() {
		f.Release()
		d.Close()
	})
	runs := &fakeRuns{}
	s := NewServer(d, p, runs)
	mux := s.ServeMux()
	s.AttachAdminRoutes(mux)
	return &testEnv{fetcher: f, pipe: p, dash: d, runs: runs, server: s, mux: mux}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "127.0.0.1:40000"
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestState_Idle(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodGet, "/api/state", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got StateResponse
	decode(t, rec, &got)
	assert.Equal(t, pipeline.StateIdle, got.Snapshot.State)
	assert.Equal(t, "north", got.Controls.AreaID)
	assert.False(t, got.Controls.Live)
	assert.Zero(t, got.Summary.TotalCells)
}

func TestGrid_BeforeAnyRun(t *testing.T) {
	e := newTestEnv(t)

	testutil.AssertStatusCode(t, e.do(t, http.MethodGet, "/api/grid", "").Code, http.StatusNoContent)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/api/grid.png", "").Code)

	rec := e.do(t, http.MethodGet, "/api/grid.html", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
}

func TestApply_PublishesGrid(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodPost, "/api/apply", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	e.dash.Wait()

	rec = e.do(t, http.MethodGet, "/api/grid", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var grid GridResponse
	decode(t, rec, &grid)
	assert.Equal(t, "north", grid.AreaID)
	require.NotNil(t, grid.Grid)
	assert.Len(t, grid.Grid.Regions, 2)
	assert.Positive(t, grid.Summary.OccupiedCells)
	assert.True(t, grid.Focus.Equal(now))

	rec = e.do(t, http.MethodGet, "/api/grid.png", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, "\x89PNG", rec.Body.String()[:4])

	rec = e.do(t, http.MethodGet, "/api/grid.html", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "North stand")
}

func TestApply_ConflictWhileInFlight(t *testing.T) {
	e := newTestEnv(t)
	e.fetcher.Hold()

	require.Equal(t, http.StatusAccepted, e.do(t, http.MethodPost, "/api/apply", "").Code)
	rec := e.do(t, http.MethodPost, "/api/apply", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "in flight")

	e.fetcher.Release()
	e.dash.Wait()
	assert.Equal(t, pipeline.StateSuccess, e.pipe.Current().State)
	assert.Equal(t, http.StatusAccepted, e.do(t, http.MethodPost, "/api/apply", "").Code)
}

func TestControls(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodPost, "/api/controls", `{"end_date":"2024-04-30T08:00:00Z","lookback_hours":6}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var c dashboard.Controls
	decode(t, rec, &c)
	assert.Equal(t, 6, c.LookbackHours)
	require.NotNil(t, c.EndDate)
	assert.True(t, c.EndDate.Equal(time.Date(2024, 4, 30, 8, 0, 0, 0, time.UTC)))

	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/api/controls", `{"lookback_hours":0}`).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/api/controls", `{"bogus":1}`).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/api/controls", `{"end_date":"tomorrow","lookback_hours":2}`).Code)

	rec = e.do(t, http.MethodPost, "/api/controls", `{"lookback_hours":4}`)
	require.Equal(t, http.StatusOK, rec.Code)
	c = dashboard.Controls{}
	decode(t, rec, &c)
	assert.Equal(t, 4, c.LookbackHours)
	require.NotNil(t, c.EndDate, "omitting end_date keeps the selected end date")
	assert.True(t, c.EndDate.Equal(time.Date(2024, 4, 30, 8, 0, 0, 0, time.UTC)))

	rec = e.do(t, http.MethodPost, "/api/controls", `{"end_date":null}`)
	require.Equal(t, http.StatusOK, rec.Code)
	c = dashboard.Controls{}
	decode(t, rec, &c)
	assert.Nil(t, c.EndDate, "null end date selects now")
	assert.Equal(t, 4, c.LookbackHours)

	rec = e.do(t, http.MethodGet, "/api/controls", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, http.StatusMethodNotAllowed, e.do(t, http.MethodDelete, "/api/controls", "").Code)
}

func TestLiveMode_RejectsManualControls(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodPost, "/api/live", `{"enabled":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var c dashboard.Controls
	decode(t, rec, &c)
	assert.True(t, c.Live)
	assert.True(t, c.ManualDisabled)
	e.dash.Wait()

	assert.Equal(t, http.StatusConflict, e.do(t, http.MethodPost, "/api/apply", "").Code)
	assert.Equal(t, http.StatusConflict, e.do(t, http.MethodPost, "/api/controls", `{"lookback_hours":3}`).Code)

	// Picking a point on the graph stays available.
	rec = e.do(t, http.MethodPost, "/api/focus", `{"instant":"2024-05-01T11:50:00Z"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	e.dash.Wait()

	rec = e.do(t, http.MethodGet, "/debug/live", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var ls LiveState
	decode(t, rec, &ls)
	assert.True(t, ls.Enabled)
	assert.Equal(t, "30s", ls.Period)
	assert.Equal(t, 30, ls.Countdown)

	rec = e.do(t, http.MethodPost, "/api/live", `{"enabled":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &c)
	assert.False(t, c.Live)

	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/api/live", `{}`).Code)
}

func TestFocus_Validation(t *testing.T) {
	e := newTestEnv(t)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/api/focus", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/api/focus", `{"instant":"yesterday"}`).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, e.do(t, http.MethodGet, "/api/focus", "").Code)
}

func TestSwitchArea(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodPost, "/api/area", `{"area_id":"south"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	e.dash.Wait()
	assert.Equal(t, "south", e.pipe.Current().AreaID)

	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodPost, "/api/area", `{"area_id":"west"}`).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/api/area", `{}`).Code)

	rec = e.do(t, http.MethodGet, "/api/areas", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var areas []AreaInfo
	decode(t, rec, &areas)
	require.Len(t, areas, 2)
	assert.False(t, areas[0].Active)
	assert.True(t, areas[1].Active)
	assert.Len(t, areas[0].Streams, 2)
}

func TestRuns(t *testing.T) {
	e := newTestEnv(t)
	e.runs.runs = []pipeline.RunRecord{{RunID: "r1", Token: 1, AreaID: "north", State: pipeline.StateSuccess}}

	rec := e.do(t, http.MethodGet, "/api/runs?limit=5&area_id=north", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "north", e.runs.gotArea)
	assert.Equal(t, 5, e.runs.gotN)

	var got []map[string]interface{}
	decode(t, rec, &got)
	require.Len(t, got, 1)
	assert.Equal(t, "r1", got[0]["run_id"])

	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/api/runs?limit=x", "").Code)

	e.runs.err = errors.New("disk gone")
	assert.Equal(t, http.StatusInternalServerError, e.do(t, http.MethodGet, "/api/runs", "").Code)

	e.server.runs = nil
	assert.Equal(t, http.StatusServiceUnavailable, e.do(t, http.MethodGet, "/api/runs", "").Code)
}

func TestWebSocket_StreamsSnapshots(t *testing.T) {
	e := newTestEnv(t)
	ts := httptest.NewServer(LoggingMiddleware(e.mux))
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/api/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first pipeline.Snapshot
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, pipeline.StateIdle, first.State)

	require.NoError(t, e.dash.Apply())

	var states []pipeline.State
	for {
		var snap pipeline.Snapshot
		require.NoError(t, conn.ReadJSON(&snap))
		states = append(states, snap.State)
		if snap.Terminal() {
			break
		}
	}
	assert.Equal(t, []pipeline.State{pipeline.StateLoading, pipeline.StateSuccess}, states)
}

func TestAdminTail_StreamsSnapshots(t *testing.T) {
	e := newTestEnv(t)
	ts := httptest.NewServer(e.mux)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/debug/tail", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	r := bufio.NewReader(resp.Body)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": ping\n", line)

	require.NoError(t, e.dash.Apply())

	for {
		line, err = r.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			break
		}
	}
	var snap pipeline.Snapshot
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &snap))
	assert.Equal(t, pipeline.StateLoading, snap.State)
	assert.Equal(t, "north", snap.AreaID)
}

func TestLoggingMiddleware_RecordsStatus(t *testing.T) {
	var (
		mu    sync.Mutex
		lines []string
	)
	monitoring.SetLogger(func(format string, v ...interface{}) {
		mu.Lock()
		defer mu.Unlock()
		lines = append(lines, format)
	})
	defer monitoring.SetLogger(nil)

	h := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	mu.Lock()
	assert.NotEmpty(t, lines)
	mu.Unlock()
	assert.Contains(t, statusCodeColor(http.StatusTeapot), "418")
}
