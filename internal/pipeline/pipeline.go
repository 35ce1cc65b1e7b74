// Package pipeline runs the aggregation pipeline: fetch the area time series,
// resolve the nearest sample per stream, fetch and transform each stream's
// field, combine them into one grid and publish the result.
//
// Runs are identified by a strictly increasing Token. Only the run holding
// the latest token may publish; results of superseded runs are discarded at
// publish time, so responses arriving out of order never overwrite newer
// state. At most one run is in flight, except that an area switch supersedes
// the in-flight run instead of being rejected.
package pipeline

import (
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tensora-ai/densityview/internal/backend"
	"github.com/tensora-ai/densityview/internal/config"
	"github.com/tensora-ai/densityview/internal/density"
	"github.com/tensora-ai/densityview/internal/monitoring"
	"github.com/tensora-ai/densityview/internal/timeutil"
)

const (
	// DefaultErrorMessage is shown when a failure carries no usable text.
	DefaultErrorMessage = "Failed to load data. Please try again."

	partialDataMessage = "Some cameras in this area have no data for the selected time range. " +
		"Try a different time range or check the camera configuration."
	emptyMessage        = "No data for the selected time range. Try increasing the lookback window."
	noGridMessage       = "No density data is available for the selected instant."
	gridTooLargeMessage = "The density data covers too large an area to display. " +
		"Check the crop rectangles in the area layout."
)

// Fetcher retrieves time series and raw density fields.
type Fetcher interface {
	TimeSeries(ctx context.Context, area config.Area, q backend.TimeSeriesQuery) (*backend.TimeSeriesResult, error)
	RawField(ctx context.Context, area config.Area, stream density.StreamKey, instant time.Time) ([]density.RawDensityPoint, error)
}

// Recorder persists a summary of every finished run.
type Recorder interface {
	RecordRun(rec RunRecord) error
}

// Sink receives every terminal snapshot after it has been published.
type Sink interface {
	Publish(ctx context.Context, snap *Snapshot) error
}

// Pipeline is the single writer of the published Snapshot.
type Pipeline struct {
	fetcher    Fetcher
	clock      timeutil.Clock
	recorder   Recorder
	sinks      []Sink
	genericMsg string

	mu       sync.Mutex
	latest   Token
	inFlight Token // zero when idle
	current  atomic.Pointer[Snapshot]

	subscriberMu sync.Mutex
	subscribers  map[string]chan *Snapshot
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClock sets the clock used for run timestamps.
func WithClock(c timeutil.Clock) Option {
	return func(p *Pipeline) { p.clock = c }
}

// WithRecorder sets the run history recorder.
func WithRecorder(r Recorder) Option {
	return func(p *Pipeline) { p.recorder = r }
}

// WithSink adds a sink for terminal snapshots.
func WithSink(s Sink) Option {
	return func(p *Pipeline) { p.sinks = append(p.sinks, s) }
}

// WithGenericErrorMessage overrides DefaultErrorMessage.
func WithGenericErrorMessage(msg string) Option {
	return func(p *Pipeline) { p.genericMsg = msg }
}

// New creates a Pipeline in the idle state.
func New(f Fetcher, opts ...Option) *Pipeline {
	p := &Pipeline{
		fetcher:     f,
		clock:       timeutil.RealClock{},
		genericMsg:  DefaultErrorMessage,
		subscribers: make(map[string]chan *Snapshot),
	}
	for _, o := range opts {
		o(p)
	}
	p.current.Store(&Snapshot{State: StateIdle})
	return p
}

// Current returns the last published snapshot. It is never nil.
func (p *Pipeline) Current() *Snapshot {
	return p.current.Load()
}

// Latest returns the most recently issued token.
func (p *Pipeline) Latest() Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latest
}

// InFlight reports whether a run is currently in flight.
func (p *Pipeline) InFlight() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight != 0
}

// Supersede invalidates any in-flight run without starting a new one.
func (p *Pipeline) Supersede() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.latest++
	p.inFlight = 0
}

// Restore seeds the visible state while no run is in flight and nothing has
// been published yet.
func (p *Pipeline) Restore(snap *Snapshot) error {
	if snap == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inFlight != 0 || p.latest != 0 {
		return ErrRunInFlight
	}
	// Tokens from an earlier process are meaningless here; runs start at 1.
	restored := *snap
	restored.Token = 0
	p.current.Store(&restored)
	return nil
}

// Subscribe registers a channel that receives every published snapshot.
// Slow subscribers miss snapshots rather than blocking the pipeline.
func (p *Pipeline) Subscribe() (string, <-chan *Snapshot) {
	id := randomID()
	ch := make(chan *Snapshot, 8)
	p.subscriberMu.Lock()
	defer p.subscriberMu.Unlock()
	p.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes and closes a subscriber channel.
func (p *Pipeline) Unsubscribe(id string) {
	p.subscriberMu.Lock()
	defer p.subscriberMu.Unlock()
	if ch, ok := p.subscribers[id]; ok {
		close(ch)
		delete(p.subscribers, id)
	}
}

func (p *Pipeline) notify(snap *Snapshot) {
	p.subscriberMu.Lock()
	defer p.subscriberMu.Unlock()
	for _, ch := range p.subscribers {
		select {
		case ch <- snap:
		default:
		}
	}
}

func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// run carries the bookkeeping of one run through its stages.
type run struct {
	token   Token
	id      string
	req     Request
	started time.Time
}

// Run executes one full run synchronously and returns the snapshot it
// published. Fetch failures become an error snapshot, not a returned error.
// The returned error is ErrRunInFlight or ErrTickDropped when the guard
// rejects the trigger, and ErrSuperseded when a newer run took over.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Snapshot, error) {
	r, err := p.begin(req)
	if err != nil {
		return nil, err
	}
	return p.execute(ctx, r)
}

// Outcome is the result of a run started with Start.
type Outcome struct {
	Snapshot *Snapshot
	Err      error
}

// Start admits req exactly like Run but executes it on a new goroutine. A
// guard rejection is returned synchronously; otherwise the returned channel
// receives one Outcome when the run ends.
func (p *Pipeline) Start(ctx context.Context, req Request) (<-chan Outcome, error) {
	r, err := p.begin(req)
	if err != nil {
		return nil, err
	}
	out := make(chan Outcome, 1)
	go func() {
		snap, err := p.execute(ctx, r)
		out <- Outcome{Snapshot: snap, Err: err}
	}()
	return out, nil
}

func (p *Pipeline) execute(ctx context.Context, r run) (*Snapshot, error) {
	defer p.finish(r.token)
	req := r.req

	q := backend.TimeSeriesQuery{
		EndDate:           req.Target,
		LookbackHours:     req.LookbackHours,
		HalfMovingAvgSize: req.HalfMovingAvgSize,
	}
	series, err := p.fetcher.TimeSeries(ctx, req.Area, q)
	if err != nil {
		return p.fail(ctx, r, err)
	}

	snap := p.base(r)
	snap.TimeSeries = series.Points
	snap.CameraTimestamps = series.Catalog

	focus, ok := series.Latest()
	if !ok {
		snap.State = StateEmpty
		snap.Message = emptyMessage
		return p.complete(ctx, r, snap)
	}

	streams := req.Area.Streams()
	nearest := density.NearestPerStream(series.Catalog, streams, focus)

	fields, missing := p.gather(ctx, r, streams, nearest)

	grid, err := density.Combine(fields)
	if err != nil {
		return p.fail(ctx, r, err)
	}

	snap.State = StateSuccess
	snap.Focus = focus
	snap.Missing = missing
	snap.Grid = grid
	for _, s := range streams {
		if t, ok := nearest[s]; ok {
			snap.Nearest = append(snap.Nearest, StreamTimestamp{Stream: s, Instant: t})
		}
	}
	if snap.Grid == nil {
		snap.Message = noGridMessage
	}
	return p.complete(ctx, r, snap)
}

func (p *Pipeline) begin(req Request) (run, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.inFlight != 0 && req.Kind != TriggerAreaSwitch {
		if req.Kind == TriggerLiveTick {
			return run{}, ErrTickDropped
		}
		return run{}, ErrRunInFlight
	}

	p.latest++
	r := run{
		token:   p.latest,
		id:      uuid.NewString(),
		req:     req,
		started: p.clock.Now(),
	}
	p.inFlight = r.token

	// Previous results are cleared as soon as the run starts.
	loading := p.base(r)
	loading.State = StateLoading
	p.store(loading)

	monitoring.Logf("[Pipeline] run %s token=%d area=%s trigger=%s target=%s",
		r.id, r.token, req.Area.ID, req.Kind, req.Target.UTC().Format(time.RFC3339))
	return r, nil
}

func (p *Pipeline) finish(token Token) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inFlight == token {
		p.inFlight = 0
	}
}

func (p *Pipeline) base(r run) *Snapshot {
	return &Snapshot{
		Token:     r.token,
		RunID:     r.id,
		AreaID:    r.req.Area.ID,
		Trigger:   r.req.Kind,
		Target:    r.req.Target.UTC(),
		StartedAt: r.started,
	}
}

// store publishes snap. Callers hold p.mu.
func (p *Pipeline) store(snap *Snapshot) {
	snap.PublishedAt = p.clock.Now()
	p.current.Store(snap)
	p.notify(snap)
}

// publish stores snap only if r still holds the latest token.
func (p *Pipeline) publish(r run, snap *Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r.token != p.latest {
		return ErrSuperseded
	}
	p.store(snap)
	return nil
}

func (p *Pipeline) complete(ctx context.Context, r run, snap *Snapshot) (*Snapshot, error) {
	err := p.publish(r, snap)
	// The guard is released once the result is visible; recording and sinks
	// must not hold off the next trigger.
	p.finish(r.token)

	rec := RunRecord{
		RunID:      r.id,
		Token:      r.token,
		AreaID:     r.req.Area.ID,
		Trigger:    r.req.Kind,
		Target:     r.req.Target.UTC(),
		State:      snap.State,
		ErrorKind:  snap.ErrorKind,
		Message:    snap.Message,
		Missing:    len(snap.Missing),
		StartedAt:  r.started,
		FinishedAt: p.clock.Now(),
	}
	if err != nil {
		rec.State = StateSuperseded
		monitoring.Diagf("[Pipeline] run %s token=%d superseded, discarding %s result", r.id, r.token, snap.State)
	}
	if p.recorder != nil {
		if rerr := p.recorder.RecordRun(rec); rerr != nil {
			monitoring.Logf("[Pipeline] record run %s: %v", r.id, rerr)
		}
	}
	if err != nil {
		return nil, err
	}

	for _, s := range p.sinks {
		if serr := s.Publish(ctx, snap); serr != nil {
			monitoring.Logf("[Pipeline] sink publish for run %s: %v", r.id, serr)
		}
	}
	return snap, nil
}

func (p *Pipeline) fail(ctx context.Context, r run, cause error) (*Snapshot, error) {
	snap := p.base(r)
	snap.State = StateError

	switch {
	case errors.Is(cause, backend.ErrPartialCameraData):
		snap.ErrorKind = ErrorPartialCameraData
		snap.Message = partialDataMessage
	case errors.Is(cause, backend.ErrMalformedPayload):
		snap.ErrorKind = ErrorParse
		snap.Message = cause.Error()
	case errors.Is(cause, density.ErrGridTooLarge):
		snap.ErrorKind = ErrorGridTooLarge
		snap.Message = gridTooLargeMessage
	default:
		snap.ErrorKind = ErrorTransport
		snap.Message = cause.Error()
	}
	if snap.Message == "" {
		snap.Message = p.genericMsg
	}

	monitoring.Logf("[Pipeline] run %s token=%d failed (%s): %v", r.id, r.token, snap.ErrorKind, cause)
	return p.complete(ctx, r, snap)
}

// gather fetches and transforms every stream concurrently, one request per
// stream. Fields come back in stream order; streams without a field are
// reported as missing.
func (p *Pipeline) gather(ctx context.Context, r run, streams []density.StreamKey, nearest map[density.StreamKey]time.Time) ([]density.Field, []MissingStream) {
	type result struct {
		field   density.Field
		missing *MissingStream
	}
	results := make([]result, len(streams))

	var wg sync.WaitGroup
	for i, s := range streams {
		instant, ok := nearest[s]
		if !ok {
			results[i].missing = &MissingStream{Stream: s, Reason: ReasonNoData}
			continue
		}
		wg.Add(1)
		go func(i int, s density.StreamKey, instant time.Time) {
			defer wg.Done()
			points, err := p.fetcher.RawField(ctx, r.req.Area, s, instant)
			if err != nil {
				monitoring.Logf("[Pipeline] run %s: stream %s at %s: %v", r.id, s, instant.Format(time.RFC3339), err)
				results[i].missing = &MissingStream{Stream: s, Reason: ReasonFetchFailed, Detail: err.Error()}
				return
			}
			region := density.CameraRegion{Stream: s, DisplayName: r.req.Area.DisplayName(s)}
			results[i].field = density.NewField(points, r.req.Area.CropFor(s), region)
		}(i, s, instant)
	}
	wg.Wait()

	var (
		fields  []density.Field
		missing []MissingStream
	)
	for _, res := range results {
		if res.missing != nil {
			missing = append(missing, *res.missing)
			continue
		}
		fields = append(fields, res.field)
	}
	return fields, missing
}
