package timeutil

import (
	"testing"
	"time"
)

func TestRealClock_Now(t *testing.T) {
	clock := RealClock{}
	before := time.Now()
	now := clock.Now()
	after := time.Now()

	if now.Before(before) || now.After(after) {
		t.Errorf("Now() = %v, expected between %v and %v", now, before, after)
	}
}

func TestRealClock_Since(t *testing.T) {
	clock := RealClock{}
	past := time.Now().Add(-time.Second)
	if d := clock.Since(past); d < time.Second {
		t.Errorf("Since() returned %v, expected >= 1s", d)
	}
}

func TestRealClock_NewTicker(t *testing.T) {
	clock := RealClock{}
	ticker := clock.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	select {
	case <-ticker.C():
	case <-time.After(time.Second):
		t.Error("ticker did not fire")
	}
}

func TestMockClock_NowAndSet(t *testing.T) {
	fixed := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	clock := NewMockClock(fixed)
	if !clock.Now().Equal(fixed) {
		t.Errorf("got %v, want %v", clock.Now(), fixed)
	}

	later := fixed.Add(time.Hour)
	clock.Set(later)
	if !clock.Now().Equal(later) {
		t.Errorf("got %v, want %v", clock.Now(), later)
	}
	if d := clock.Since(fixed); d != time.Hour {
		t.Errorf("Since() = %v, want 1h", d)
	}
}

func TestMockTicker_FiresOnAdvance(t *testing.T) {
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)
	ticker := clock.NewTicker(30 * time.Second)

	clock.Advance(29 * time.Second)
	select {
	case <-ticker.C():
		t.Fatal("ticker fired early")
	default:
	}

	clock.Advance(time.Second)
	select {
	case got := <-ticker.C():
		if want := start.Add(30 * time.Second); !got.Equal(want) {
			t.Errorf("tick time = %v, want %v", got, want)
		}
	default:
		t.Fatal("ticker did not fire at its period")
	}

	clock.Advance(30 * time.Second)
	select {
	case <-ticker.C():
	default:
		t.Fatal("ticker did not fire a second time")
	}
}

func TestMockTicker_StopPreventsTicks(t *testing.T) {
	clock := NewMockClock(time.Time{})
	ticker := clock.NewTicker(time.Second)
	if got := clock.ActiveTickers(); got != 1 {
		t.Fatalf("ActiveTickers() = %d, want 1", got)
	}

	ticker.Stop()
	clock.Advance(5 * time.Second)

	select {
	case <-ticker.C():
		t.Error("stopped ticker fired")
	default:
	}
	if got := clock.ActiveTickers(); got != 0 {
		t.Errorf("ActiveTickers() = %d, want 0", got)
	}
}

func TestMockTicker_Reset(t *testing.T) {
	clock := NewMockClock(time.Time{})
	ticker := clock.NewTicker(10 * time.Second)
	ticker.Stop()
	ticker.Reset(2 * time.Second)

	clock.Advance(2 * time.Second)
	select {
	case <-ticker.C():
	default:
		t.Error("reset ticker did not fire at the new period")
	}
}
