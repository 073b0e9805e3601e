package pipeline

import (
	"time"

	"github.com/wonny/spotcast/internal/freeze"
	"github.com/wonny/spotcast/internal/window"
)

// RunClock is the single notion of time for one run. Every stage reads it
// instead of the wall clock.
// ⭐ SSOT: 실행 시각은 한 번만 계산
type RunClock struct {
	Instant time.Time     `json:"instant"`
	Window  window.Window `json:"window"`
	Cutoff  time.Time     `json:"cutoff"`
}

// NewRunClock derives the window and the freeze cutoff from instant.
func NewRunClock(instant time.Time, cfg window.Config, loc *time.Location) RunClock {
	return RunClock{
		Instant: instant.UTC(),
		Window:  window.Compute(instant, cfg),
		Cutoff:  freeze.Cutoff(instant, loc),
	}
}

// Now is the hour-aligned run time.
func (c RunClock) Now() time.Time {
	return c.Window.Now
}
