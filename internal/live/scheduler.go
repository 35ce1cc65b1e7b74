// Package live drives periodic refresh while live mode is on. A Scheduler
// owns two independent tickers: the refresh ticker that re-triggers the
// pipeline and the countdown ticker that feeds the displayed countdown. Both
// are torn down before Disable returns.
package live

import (
	"sync"
	"time"

	"github.com/tensora-ai/densityview/internal/monitoring"
	"github.com/tensora-ai/densityview/internal/timeutil"
)

const (
	DefaultPeriod         = 30 * time.Second
	DefaultCountdownStep  = time.Second
	DefaultCountdownStart = 30
)

// Scheduler triggers a callback on a fixed period while enabled.
type Scheduler struct {
	clock   timeutil.Clock
	trigger func(now time.Time)

	period         time.Duration
	countdownStep  time.Duration
	countdownStart int

	mu        sync.Mutex
	enabled   bool
	closed    bool
	countdown int
	stop      chan struct{}
	wg        sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithPeriod sets the refresh period.
func WithPeriod(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.period = d
		}
	}
}

// WithCountdown sets the countdown step and the value it wraps back to.
func WithCountdown(step time.Duration, start int) Option {
	return func(s *Scheduler) {
		if step > 0 {
			s.countdownStep = step
		}
		if start > 0 {
			s.countdownStart = start
		}
	}
}

// New creates a disabled Scheduler. trigger is called with the current time
// on enable and on every refresh tick; it must not block.
func New(clock timeutil.Clock, trigger func(now time.Time), opts ...Option) *Scheduler {
	s := &Scheduler{
		clock:          clock,
		trigger:        trigger,
		period:         DefaultPeriod,
		countdownStep:  DefaultCountdownStep,
		countdownStart: DefaultCountdownStart,
	}
	for _, o := range opts {
		o(s)
	}
	s.countdown = s.countdownStart
	return s
}

// Enable switches live mode on, triggers once immediately and starts both
// tickers. It is a no-op when already on or closed.
func (s *Scheduler) Enable() {
	s.mu.Lock()
	if s.enabled || s.closed {
		s.mu.Unlock()
		return
	}
	s.enabled = true
	s.countdown = s.countdownStart
	s.stop = make(chan struct{})

	refresh := s.clock.NewTicker(s.period)
	countdown := s.clock.NewTicker(s.countdownStep)
	s.wg.Add(2)
	go s.refreshLoop(refresh, s.stop)
	go s.countdownLoop(countdown, s.stop)
	s.mu.Unlock()

	monitoring.Logf("[Live] enabled, period=%s", s.period)
	s.trigger(s.clock.Now())
}

// Disable switches live mode off and waits for both tickers to stop. No
// trigger fires after it returns. It is a no-op when already off.
func (s *Scheduler) Disable() {
	s.mu.Lock()
	if !s.enabled {
		s.mu.Unlock()
		return
	}
	s.enabled = false
	close(s.stop)
	s.mu.Unlock()

	s.wg.Wait()
	monitoring.Logf("[Live] disabled")
}

// Close disables the scheduler permanently. It is safe to call repeatedly.
func (s *Scheduler) Close() {
	s.Disable()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Enabled reports whether live mode is on.
func (s *Scheduler) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// Countdown returns the seconds-to-refresh value shown to the user.
func (s *Scheduler) Countdown() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countdown
}

// Period returns the refresh period.
func (s *Scheduler) Period() time.Duration {
	return s.period
}

func (s *Scheduler) refreshLoop(t timeutil.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C():
			// A tick racing with Disable must not fire.
			select {
			case <-stop:
				return
			default:
			}
			s.trigger(s.clock.Now())
		}
	}
}

func (s *Scheduler) countdownLoop(t timeutil.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C():
			s.mu.Lock()
			if s.countdown <= 1 {
				s.countdown = s.countdownStart
			} else {
				s.countdown--
			}
			s.mu.Unlock()
		}
	}
}
