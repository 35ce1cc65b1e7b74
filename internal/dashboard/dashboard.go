// Package dashboard is the control surface over the aggregation pipeline: the
// active area, the manual controls and live mode. Manual controls and live
// mode are mutually exclusive; switching area always leaves live mode off.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tensora-ai/densityview/internal/config"
	"github.com/tensora-ai/densityview/internal/live"
	"github.com/tensora-ai/densityview/internal/monitoring"
	"github.com/tensora-ai/densityview/internal/pipeline"
	"github.com/tensora-ai/densityview/internal/timeutil"
)

var (
	// ErrManualControlsDisabled rejects manual control changes while live.
	ErrManualControlsDisabled = errors.New("manual controls are disabled while live mode is on")
	// ErrUnknownArea is returned for an area ID not in the layout.
	ErrUnknownArea = errors.New("unknown area")
)

// Runner starts pipeline runs.
type Runner interface {
	Start(ctx context.Context, req pipeline.Request) (<-chan pipeline.Outcome, error)
	Supersede()
}

// Controls is the state of the control surface.
type Controls struct {
	AreaID         string     `json:"area_id"`
	EndDate        *time.Time `json:"end_date,omitempty"`
	LookbackHours  int        `json:"lookback_hours"`
	Live           bool       `json:"live"`
	Countdown      int        `json:"countdown"`
	ManualDisabled bool       `json:"manual_disabled"`
}

// Dashboard owns the active area, manual controls and the live scheduler.
type Dashboard struct {
	layout *config.Layout
	runner Runner
	clock  timeutil.Clock
	live   *live.Scheduler

	halfMovingAvg int
	liveOpts      []live.Option

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	area     config.Area
	endDate  *time.Time // nil selects "now"
	lookback int
}

// Option configures a Dashboard.
type Option func(*Dashboard)

// WithClock sets the clock for "now" and live timers.
func WithClock(c timeutil.Clock) Option {
	return func(d *Dashboard) { d.clock = c }
}

// WithLookbackHours sets the initial lookback window.
func WithLookbackHours(h int) Option {
	return func(d *Dashboard) {
		if h > 0 {
			d.lookback = h
		}
	}
}

// WithHalfMovingAvgSize sets the moving-average half window sent with every
// time-series request.
func WithHalfMovingAvgSize(n int) Option {
	return func(d *Dashboard) { d.halfMovingAvg = n }
}

// WithLiveOptions configures the live scheduler.
func WithLiveOptions(opts ...live.Option) Option {
	return func(d *Dashboard) { d.liveOpts = append(d.liveOpts, opts...) }
}

// New creates a Dashboard showing areaID, or the first area of the layout
// when areaID is empty. No run is started.
func New(layout *config.Layout, runner Runner, areaID string, opts ...Option) (*Dashboard, error) {
	if layout == nil || len(layout.Areas) == 0 {
		return nil, fmt.Errorf("dashboard: layout has no areas")
	}
	area := layout.Areas[0]
	if areaID != "" {
		a, ok := layout.Area(areaID)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownArea, areaID)
		}
		area = a
	}

	d := &Dashboard{
		layout:        layout,
		runner:        runner,
		clock:         timeutil.RealClock{},
		area:          area,
		lookback:      1,
		halfMovingAvg: 2,
	}
	for _, o := range opts {
		o(d)
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.live = live.New(d.clock, d.liveTick, d.liveOpts...)
	return d, nil
}

// Area returns the active area.
func (d *Dashboard) Area() config.Area {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.area
}

// Layout returns the area layout.
func (d *Dashboard) Layout() *config.Layout {
	return d.layout
}

// Controls returns the current control state.
func (d *Dashboard) Controls() Controls {
	d.mu.Lock()
	c := Controls{AreaID: d.area.ID, LookbackHours: d.lookback}
	if d.endDate != nil {
		t := *d.endDate
		c.EndDate = &t
	}
	d.mu.Unlock()

	c.Live = d.live.Enabled()
	c.Countdown = d.live.Countdown()
	c.ManualDisabled = c.Live
	return c
}

// SetEndDate selects the end of the time-series window. A zero time selects
// "now" at trigger time.
func (d *Dashboard) SetEndDate(t time.Time) error {
	if d.live.Enabled() {
		return ErrManualControlsDisabled
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if t.IsZero() {
		d.endDate = nil
		return nil
	}
	u := t.UTC()
	d.endDate = &u
	return nil
}

// SetLookback sets the lookback window in hours.
func (d *Dashboard) SetLookback(hours int) error {
	if d.live.Enabled() {
		return ErrManualControlsDisabled
	}
	if hours < 1 {
		return fmt.Errorf("lookback must be at least 1 hour, got %d", hours)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lookback = hours
	return nil
}

// Apply starts a run for the selected end date.
func (d *Dashboard) Apply() error {
	if d.live.Enabled() {
		return ErrManualControlsDisabled
	}
	return d.launch(pipeline.TriggerApply, nil)
}

// Focus starts a run targeting a point picked on the time-series graph. It
// is allowed while live.
func (d *Dashboard) Focus(instant time.Time) error {
	if instant.IsZero() {
		return fmt.Errorf("focus instant must be set")
	}
	return d.launch(pipeline.TriggerFocus, &instant)
}

// SetLive turns live mode on or off. Turning it off leaves the published
// snapshot untouched.
func (d *Dashboard) SetLive(on bool) {
	if on {
		d.live.Enable()
		return
	}
	d.live.Disable()
}

// SwitchArea forces live mode off, selects the area and starts a run for it,
// superseding any run in flight.
func (d *Dashboard) SwitchArea(id string) error {
	area, ok := d.layout.Area(id)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownArea, id)
	}
	d.live.Disable()

	d.mu.Lock()
	d.area = area
	d.mu.Unlock()

	monitoring.Logf("[Dashboard] switched to area %s", id)
	return d.launch(pipeline.TriggerAreaSwitch, nil)
}

// Close stops live mode, supersedes any run in flight and waits for
// background runs to return.
func (d *Dashboard) Close() {
	d.live.Close()
	d.runner.Supersede()
	d.cancel()
	d.wg.Wait()
}

// Wait blocks until every run started so far has returned.
func (d *Dashboard) Wait() {
	d.wg.Wait()
}

// Live returns the live scheduler.
func (d *Dashboard) Live() *live.Scheduler {
	return d.live
}

func (d *Dashboard) liveTick(now time.Time) {
	err := d.launch(pipeline.TriggerLiveTick, &now)
	switch {
	case errors.Is(err, pipeline.ErrTickDropped):
		monitoring.Diagf("[Dashboard] live tick at %s dropped: run in flight", now.UTC().Format(time.RFC3339))
	case err != nil:
		monitoring.Logf("[Dashboard] live tick: %v", err)
	}
}

// launch starts a run. A nil target uses the selected end date or now.
func (d *Dashboard) launch(kind pipeline.TriggerKind, target *time.Time) error {
	if d.ctx.Err() != nil {
		return fmt.Errorf("dashboard closed")
	}

	d.mu.Lock()
	req := pipeline.Request{
		Kind:              kind,
		Area:              d.area,
		LookbackHours:     d.lookback,
		HalfMovingAvgSize: d.halfMovingAvg,
	}
	switch {
	case target != nil:
		req.Target = target.UTC()
	case d.endDate != nil && kind != pipeline.TriggerLiveTick:
		req.Target = *d.endDate
	default:
		req.Target = d.clock.Now().UTC()
	}
	d.mu.Unlock()

	d.wg.Add(1)
	out, err := d.runner.Start(d.ctx, req)
	if err != nil {
		d.wg.Done()
		return err
	}
	go func() {
		defer d.wg.Done()
		if o := <-out; o.Err != nil {
			monitoring.Diagf("[Dashboard] %s run for %s: %v", kind, req.Area.ID, o.Err)
		}
	}()
	return nil
}
