package db

import (
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tensora-ai/densityview/internal/backend"
	"github.com/tensora-ai/densityview/internal/density"
	"github.com/tensora-ai/densityview/internal/pipeline"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPragmasApplied(t *testing.T) {
	db := newTestDB(t)

	var journalMode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	assert.Equal(t, "wal", journalMode)

	var busyTimeout int
	require.NoError(t, db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
	assert.Equal(t, 5000, busyTimeout)

	var synchronous int
	require.NoError(t, db.QueryRow("PRAGMA synchronous").Scan(&synchronous))
	assert.Equal(t, 1, synchronous, "NORMAL")
}

func TestMigrations(t *testing.T) {
	db := newTestDB(t)

	version, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)

	// Reopening an up-to-date database is a no-op.
	again, err := NewDB(db.Path())
	require.NoError(t, err)
	again.Close()

	require.NoError(t, db.MigrateDown())
	version, _, err = db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	var n int
	err = db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='snapshots'").Scan(&n)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.NoError(t, db.MigrateUp())
	version, _, err = db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
}

func record(id string, token pipeline.Token, area string, finished time.Time) pipeline.RunRecord {
	return pipeline.RunRecord{
		RunID:      id,
		Token:      token,
		AreaID:     area,
		Trigger:    pipeline.TriggerApply,
		Target:     finished.Add(-time.Minute),
		State:      pipeline.StateSuccess,
		StartedAt:  finished.Add(-time.Second),
		FinishedAt: finished,
	}
}

func TestRecordRun_RoundTrip(t *testing.T) {
	db := newTestDB(t)

	rec := pipeline.RunRecord{
		RunID:      "run-1",
		Token:      7,
		AreaID:     "north",
		Trigger:    pipeline.TriggerLiveTick,
		Target:     t0,
		State:      pipeline.StateError,
		ErrorKind:  pipeline.ErrorPartialCameraData,
		Message:    "partial",
		Missing:    2,
		StartedAt:  t0.Add(time.Second),
		FinishedAt: t0.Add(1500 * time.Millisecond),
	}
	require.NoError(t, db.RecordRun(rec))

	runs, err := db.RecentRuns("", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	if diff := cmp.Diff(rec, runs[0]); diff != "" {
		t.Errorf("RecentRuns mismatch (-want +got):\n%s", diff)
	}
}

func TestRecentRuns_OrderAndFilter(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.RecordRun(record("a", 1, "north", t0)))
	require.NoError(t, db.RecordRun(record("b", 2, "south", t0.Add(time.Minute))))
	require.NoError(t, db.RecordRun(record("c", 3, "north", t0.Add(2*time.Minute))))

	runs, err := db.RecentRuns("", 0)
	require.NoError(t, err)
	var ids []string
	for _, r := range runs {
		ids = append(ids, r.RunID)
	}
	assert.Equal(t, []string{"c", "b", "a"}, ids)

	runs, err = db.RecentRuns("north", 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "c", runs[0].RunID)

	runs, err = db.RecentRuns("west", 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestPruneRuns(t *testing.T) {
	db := newTestDB(t)
	for i := 0; i < 5; i++ {
		id := string(rune('a' + i))
		require.NoError(t, db.RecordRun(record(id, pipeline.Token(i+1), "north", t0.Add(time.Duration(i)*time.Minute))))
	}

	n, err := db.PruneRuns(2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	runs, err := db.RecentRuns("", 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "e", runs[0].RunID)
	assert.Equal(t, "d", runs[1].RunID)
}

func successSnapshot(area string, token pipeline.Token) *pipeline.Snapshot {
	stream := density.StreamKey{CameraID: "A", PositionID: "main"}
	return &pipeline.Snapshot{
		Token:       token,
		RunID:       "run-" + area,
		AreaID:      area,
		Trigger:     pipeline.TriggerApply,
		State:       pipeline.StateSuccess,
		Target:      t0,
		Focus:       t0.Add(-time.Minute),
		TimeSeries:  []backend.TimeSeriesPoint{{Timestamp: t0.Add(-time.Minute), Value: 4.5}},
		Nearest:     []pipeline.StreamTimestamp{{Stream: stream, Instant: t0.Add(-time.Minute)}},
		StartedAt:   t0,
		PublishedAt: t0.Add(time.Second),
		Grid: &density.CombinedGrid{
			Cells:   [][]float64{{1, 2}, {0, 3}},
			Bounds:  density.Bounds{MinX: 0, MaxX: 2, MinY: 0, MaxY: 2},
			Regions: []density.CameraRegion{{Stream: stream, DisplayName: "A (main)"}},
		},
	}
}

func TestPublish_StoresOnlySuccess(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.LatestSnapshot(ctx, "north")
	assert.ErrorIs(t, err, ErrNoSnapshot)

	first := successSnapshot("north", 1)
	require.NoError(t, db.Publish(ctx, first))

	failed := &pipeline.Snapshot{Token: 2, AreaID: "north", State: pipeline.StateError, Message: "boom"}
	require.NoError(t, db.Publish(ctx, failed))
	require.NoError(t, db.Publish(ctx, nil))

	got, err := db.LatestSnapshot(ctx, "north")
	require.NoError(t, err)
	if diff := cmp.Diff(first, got); diff != "" {
		t.Errorf("LatestSnapshot mismatch (-want +got):\n%s", diff)
	}

	second := successSnapshot("north", 3)
	second.Grid.Cells = [][]float64{{6}}
	require.NoError(t, db.Publish(ctx, second))
	got, err = db.LatestSnapshot(ctx, "north")
	require.NoError(t, err)
	assert.Equal(t, pipeline.Token(3), got.Token)
	assert.Equal(t, [][]float64{{6}}, got.Grid.Cells)

	_, err = db.LatestSnapshot(ctx, "south")
	assert.ErrorIs(t, err, ErrNoSnapshot)
}

func TestAttachAdminRoutes_Backup(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.RecordRun(record("a", 1, "north", t0)))

	mux := http.NewServeMux()
	require.NoError(t, db.AttachAdminRoutes(mux))

	req := httptest.NewRequest(http.MethodGet, "/debug/backup", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/gzip", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "attachment; filename=backup-")

	gz, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	body, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.Equal(t, "SQLite format 3\x00", string(body[:16]))
}
