// Package api serves the dashboard over HTTP: the published snapshot, the
// control surface, run history and a websocket feed of snapshots.
package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tensora-ai/densityview/internal/config"
	"github.com/tensora-ai/densityview/internal/dashboard"
	"github.com/tensora-ai/densityview/internal/httputil"
	"github.com/tensora-ai/densityview/internal/live"
	"github.com/tensora-ai/densityview/internal/monitoring"
	"github.com/tensora-ai/densityview/internal/pipeline"
)

// ANSI escape codes for request logging
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Dashboard is the control surface the server drives.
type Dashboard interface {
	Layout() *config.Layout
	Area() config.Area
	Controls() dashboard.Controls
	SetEndDate(t time.Time) error
	SetLookback(hours int) error
	Apply() error
	Focus(instant time.Time) error
	SetLive(on bool)
	SwitchArea(id string) error
	Live() *live.Scheduler
}

// Snapshots is the source of published state.
type Snapshots interface {
	Current() *pipeline.Snapshot
	Subscribe() (string, <-chan *pipeline.Snapshot)
	Unsubscribe(id string)
}

// RunStore lists finished runs.
type RunStore interface {
	RecentRuns(areaID string, limit int) ([]pipeline.RunRecord, error)
}

type Server struct {
	dash     Dashboard
	snaps    Snapshots
	runs     RunStore
	upgrader websocket.Upgrader
	// pingPeriod paces websocket keepalives.
	pingPeriod time.Duration
}

// NewServer creates a Server. runs may be nil, in which case run history is
// unavailable.
func NewServer(dash Dashboard, snaps Snapshots, runs RunStore) *Server {
	return &Server{
		dash:  dash,
		snaps: snaps,
		runs:  runs,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		pingPeriod: 30 * time.Second,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (lrw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := lrw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	lrw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Unwrap lets http.ResponseController and the websocket upgrader reach the
// underlying writer.
func (lrw *loggingResponseWriter) Unwrap() http.ResponseWriter {
	return lrw.ResponseWriter
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/state", s.showState)
	mux.HandleFunc("/api/areas", s.listAreas)
	mux.HandleFunc("/api/grid", s.showGrid)
	mux.HandleFunc("/api/grid.html", s.showGridHTML)
	mux.HandleFunc("/api/grid.png", s.showGridPNG)
	mux.HandleFunc("/api/apply", s.apply)
	mux.HandleFunc("/api/focus", s.focus)
	mux.HandleFunc("/api/live", s.setLive)
	mux.HandleFunc("/api/area", s.switchArea)
	mux.HandleFunc("/api/controls", s.controls)
	mux.HandleFunc("/api/runs", s.listRuns)
	mux.HandleFunc("/api/ws", s.serveWS)
	return mux
}

// writeControlError maps control-surface errors onto status codes.
func writeControlError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pipeline.ErrRunInFlight),
		errors.Is(err, pipeline.ErrTickDropped),
		errors.Is(err, dashboard.ErrManualControlsDisabled):
		httputil.Conflict(w, err.Error())
	case errors.Is(err, dashboard.ErrUnknownArea):
		httputil.NotFound(w, err.Error())
	case errors.Is(err, context.Canceled):
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, err.Error())
	default:
		httputil.InternalServerError(w, err.Error())
	}
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.runs == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "run history is not configured")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			httputil.BadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	runs, err := s.runs.RecentRuns(r.URL.Query().Get("area_id"), limit)
	if err != nil {
		httputil.InternalServerError(w, "failed to list runs")
		monitoring.Logf("[API] list runs: %v", err)
		return
	}
	if runs == nil {
		runs = []pipeline.RunRecord{}
	}
	httputil.WriteJSONOK(w, runs)
}
