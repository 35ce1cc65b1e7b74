package pipeline

import (
	"time"

	"github.com/tensora-ai/densityview/internal/backend"
	"github.com/tensora-ai/densityview/internal/config"
	"github.com/tensora-ai/densityview/internal/density"
)

// Token identifies one pipeline run. Tokens are strictly increasing per
// Pipeline; zero is never issued.
type Token uint64

// TriggerKind names what started a run.
type TriggerKind string

const (
	TriggerApply      TriggerKind = "apply"
	TriggerFocus      TriggerKind = "focus"
	TriggerLiveTick   TriggerKind = "live_tick"
	TriggerAreaSwitch TriggerKind = "area_switch"
	TriggerRestore    TriggerKind = "restore"
)

// State is the visible pipeline state.
type State string

const (
	StateIdle    State = "idle"
	StateLoading State = "loading"
	StateSuccess State = "success"
	StateEmpty   State = "empty"
	StateError   State = "error"

	// StateSuperseded only appears in run records; it is never published.
	StateSuperseded State = "superseded"
)

// ErrorKind classifies a failed run.
type ErrorKind string

const (
	ErrorNone              ErrorKind = ""
	ErrorPartialCameraData ErrorKind = "partial_camera_data"
	ErrorTransport         ErrorKind = "transport"
	ErrorParse             ErrorKind = "parse"
	ErrorGridTooLarge      ErrorKind = "grid_too_large"
)

// MissingReason explains why a stream is absent from the combined grid.
type MissingReason string

const (
	ReasonNoData      MissingReason = "no_data"
	ReasonFetchFailed MissingReason = "fetch_failed"
)

// Request describes one run.
type Request struct {
	Kind              TriggerKind
	Area              config.Area
	Target            time.Time
	LookbackHours     int
	HalfMovingAvgSize int
}

// StreamTimestamp is one entry of the per-stream nearest-timestamp lookup.
type StreamTimestamp struct {
	Stream  density.StreamKey `json:"stream"`
	Instant time.Time         `json:"instant"`
}

// MissingStream is a stream that contributed nothing to the grid.
type MissingStream struct {
	Stream density.StreamKey `json:"stream"`
	Reason MissingReason     `json:"reason"`
	Detail string            `json:"detail,omitempty"`
}

// Snapshot is the complete visible state. A published Snapshot is never
// mutated; each publish replaces the previous one as a whole.
type Snapshot struct {
	Token            Token                     `json:"token"`
	RunID            string                    `json:"run_id"`
	AreaID           string                    `json:"area_id"`
	Trigger          TriggerKind               `json:"trigger"`
	State            State                     `json:"state"`
	ErrorKind        ErrorKind                 `json:"error_kind,omitempty"`
	Message          string                    `json:"message,omitempty"`
	Target           time.Time                 `json:"target"`
	Focus            time.Time                 `json:"focus"`
	TimeSeries       []backend.TimeSeriesPoint `json:"time_series"`
	CameraTimestamps []density.TimestampSample `json:"camera_timestamps"`
	Nearest          []StreamTimestamp         `json:"nearest"`
	Grid             *density.CombinedGrid     `json:"grid,omitempty"`
	Missing          []MissingStream           `json:"missing,omitempty"`
	StartedAt        time.Time                 `json:"started_at"`
	PublishedAt      time.Time                 `json:"published_at"`
}

// NearestFor returns the resolved instant for a stream.
func (s *Snapshot) NearestFor(stream density.StreamKey) (time.Time, bool) {
	for _, n := range s.Nearest {
		if n.Stream == stream {
			return n.Instant, true
		}
	}
	return time.Time{}, false
}

// Terminal reports whether the snapshot ends a run.
func (s *Snapshot) Terminal() bool {
	switch s.State {
	case StateSuccess, StateEmpty, StateError:
		return true
	}
	return false
}

// RunRecord summarises one finished run for the run history.
type RunRecord struct {
	RunID      string      `json:"run_id"`
	Token      Token       `json:"token"`
	AreaID     string      `json:"area_id"`
	Trigger    TriggerKind `json:"trigger"`
	Target     time.Time   `json:"target"`
	State      State       `json:"state"`
	ErrorKind  ErrorKind   `json:"error_kind,omitempty"`
	Message    string      `json:"message,omitempty"`
	Missing    int         `json:"missing_streams"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
}
