package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/tensora-ai/densityview/internal/dashboard"
	"github.com/tensora-ai/densityview/internal/density"
	"github.com/tensora-ai/densityview/internal/httputil"
	"github.com/tensora-ai/densityview/internal/monitoring"
	"github.com/tensora-ai/densityview/internal/pipeline"
	"github.com/tensora-ai/densityview/internal/render"
)

// StateResponse is the body of GET /api/state.
type StateResponse struct {
	Snapshot *pipeline.Snapshot `json:"snapshot"`
	Controls dashboard.Controls `json:"controls"`
	Summary  render.Summary     `json:"summary"`
}

// GridResponse is the body of GET /api/grid.
type GridResponse struct {
	RunID   string                   `json:"run_id"`
	AreaID  string                   `json:"area_id"`
	Focus   time.Time                `json:"focus"`
	Grid    *density.CombinedGrid    `json:"grid"`
	Summary render.Summary           `json:"summary"`
	Missing []pipeline.MissingStream `json:"missing,omitempty"`
}

// AreaInfo describes one selectable area.
type AreaInfo struct {
	ID      string              `json:"id"`
	Name    string              `json:"name,omitempty"`
	Streams []density.StreamKey `json:"streams"`
	Active  bool                `json:"active"`
}

type focusRequest struct {
	Instant time.Time `json:"instant"`
}

type liveRequest struct {
	Enabled *bool `json:"enabled"`
}

type areaRequest struct {
	AreaID string `json:"area_id"`
}

// controlsRequest leaves EndDate raw so that an absent field keeps the
// selected end date while an explicit null selects "now".
type controlsRequest struct {
	EndDate       json.RawMessage `json:"end_date"`
	LookbackHours *int            `json:"lookback_hours"`
}

// endDate reports the requested end date and whether one was sent. A null
// end date is sent as the zero time.
func (c controlsRequest) endDate() (time.Time, bool, error) {
	if len(c.EndDate) == 0 {
		return time.Time{}, false, nil
	}
	if bytes.Equal(bytes.TrimSpace(c.EndDate), []byte("null")) {
		return time.Time{}, true, nil
	}
	var t time.Time
	if err := json.Unmarshal(c.EndDate, &t); err != nil {
		return time.Time{}, false, fmt.Errorf("end_date: %w", err)
	}
	return t, true, nil
}

type startedResponse struct {
	Status   string             `json:"status"`
	Controls dashboard.Controls `json:"controls"`
}

func (s *Server) showState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	snap := s.snaps.Current()
	httputil.WriteJSONOK(w, StateResponse{
		Snapshot: snap,
		Controls: s.dash.Controls(),
		Summary:  render.Summarize(snap.Grid),
	})
}

func (s *Server) listAreas(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	active := s.dash.Area().ID
	areas := make([]AreaInfo, 0, len(s.dash.Layout().Areas))
	for _, a := range s.dash.Layout().Areas {
		areas = append(areas, AreaInfo{ID: a.ID, Name: a.Name, Streams: a.Streams(), Active: a.ID == active})
	}
	httputil.WriteJSONOK(w, areas)
}

func (s *Server) showGrid(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	snap := s.snaps.Current()
	if snap.Grid == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	httputil.WriteJSONOK(w, GridResponse{
		RunID:   snap.RunID,
		AreaID:  snap.AreaID,
		Focus:   snap.Focus,
		Grid:    snap.Grid,
		Summary: render.Summarize(snap.Grid),
		Missing: snap.Missing,
	})
}

func (s *Server) areaTitle(areaID string) string {
	if a, ok := s.dash.Layout().Area(areaID); ok && a.Name != "" {
		return a.Name
	}
	return areaID
}

func (s *Server) showGridHTML(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	snap := s.snaps.Current()
	var buf bytes.Buffer
	if err := render.HeatmapHTML(&buf, snap, render.HTMLOptions{Title: s.areaTitle(snap.AreaID)}); err != nil {
		httputil.InternalServerError(w, "failed to render chart")
		monitoring.Logf("[API] render html: %v", err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) showGridPNG(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	snap := s.snaps.Current()
	var buf bytes.Buffer
	err := render.HeatmapPNG(&buf, snap.Grid, s.areaTitle(snap.AreaID), 0, 0)
	if errors.Is(err, render.ErrNoGrid) {
		httputil.NotFound(w, "no grid has been published")
		return
	}
	if err != nil {
		httputil.InternalServerError(w, "failed to render heatmap")
		monitoring.Logf("[API] render png: %v", err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) started(w http.ResponseWriter) {
	httputil.WriteJSON(w, http.StatusAccepted, startedResponse{Status: "started", Controls: s.dash.Controls()})
}

func (s *Server) apply(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if err := s.dash.Apply(); err != nil {
		writeControlError(w, err)
		return
	}
	s.started(w)
}

func (s *Server) focus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req focusRequest
	if err := httputil.DecodeJSONBody(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if req.Instant.IsZero() {
		httputil.BadRequest(w, "instant is required")
		return
	}
	if err := s.dash.Focus(req.Instant); err != nil {
		writeControlError(w, err)
		return
	}
	s.started(w)
}

func (s *Server) setLive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req liveRequest
	if err := httputil.DecodeJSONBody(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if req.Enabled == nil {
		httputil.BadRequest(w, "enabled is required")
		return
	}
	s.dash.SetLive(*req.Enabled)
	httputil.WriteJSONOK(w, s.dash.Controls())
}

func (s *Server) switchArea(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req areaRequest
	if err := httputil.DecodeJSONBody(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if req.AreaID == "" {
		httputil.BadRequest(w, "area_id is required")
		return
	}
	if err := s.dash.SwitchArea(req.AreaID); err != nil {
		writeControlError(w, err)
		return
	}
	s.started(w)
}

// controls reads the control surface on GET and updates the manual
// controls on POST. A null end_date selects "now"; fields left out are
// unchanged.
func (s *Server) controls(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		httputil.WriteJSONOK(w, s.dash.Controls())
	case http.MethodPost:
		var req controlsRequest
		if err := httputil.DecodeJSONBody(r, &req); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		end, setEnd, err := req.endDate()
		if err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		if req.LookbackHours != nil && *req.LookbackHours < 1 {
			httputil.BadRequest(w, "lookback_hours must be at least 1")
			return
		}
		if setEnd {
			if err := s.dash.SetEndDate(end); err != nil {
				writeControlError(w, err)
				return
			}
		}
		if req.LookbackHours != nil {
			if err := s.dash.SetLookback(*req.LookbackHours); err != nil {
				writeControlError(w, err)
				return
			}
		}
		httputil.WriteJSONOK(w, s.dash.Controls())
	default:
		httputil.MethodNotAllowed(w)
	}
}
