package window

import "time"

// Config holds the history depth and forecast horizon of a run.
type Config struct {
	Lookback time.Duration // history depth (default 7 days)
	Horizon  time.Duration // forecast horizon (default 120 hours)
}

// DefaultConfig returns 7 days back, 5 days forward.
func DefaultConfig() Config {
	return Config{
		Lookback: 7 * 24 * time.Hour,
		Horizon:  120 * time.Hour,
	}
}

// Window is the canonical time axis of one run.
// ⭐ SSOT: 실행 윈도우 계산은 여기서만
type Window struct {
	Now           time.Time `json:"now"`
	RetainedStart time.Time `json:"retained_start"`
	HorizonEnd    time.Time `json:"horizon_end"`
}

// Compute rounds instant up to the next full hour (unchanged when already
// aligned) and derives the retained start and horizon end from it.
func Compute(instant time.Time, cfg Config) Window {
	now := RoundUpHour(instant)
	return Window{
		Now:           now,
		RetainedStart: now.Add(-cfg.Lookback),
		HorizonEnd:    now.Add(cfg.Horizon),
	}
}

// RoundUpHour returns t in UTC, ceiled to the hour.
func RoundUpHour(t time.Time) time.Time {
	t = t.UTC()
	floor := t.Truncate(time.Hour)
	if floor.Equal(t) {
		return floor
	}
	return floor.Add(time.Hour)
}

// Index lists every hour in (RetainedStart, HorizonEnd]: the history hours
// ending at Now followed by the forward hours Now+1h .. HorizonEnd.
func (w Window) Index() []time.Time {
	n := w.Hours()
	if n <= 0 {
		return nil
	}
	out := make([]time.Time, 0, n)
	for ts := w.RetainedStart.Add(time.Hour); !ts.After(w.HorizonEnd); ts = ts.Add(time.Hour) {
		out = append(out, ts)
	}
	return out
}

// Hours is the number of rows Index produces.
func (w Window) Hours() int {
	return int(w.HorizonEnd.Sub(w.RetainedStart) / time.Hour)
}

// Forward lists the hours after Now.
func (w Window) Forward() []time.Time {
	var out []time.Time
	for ts := w.Now.Add(time.Hour); !ts.After(w.HorizonEnd); ts = ts.Add(time.Hour) {
		out = append(out, ts)
	}
	return out
}

// Contains reports whether ts lies inside the indexed range.
func (w Window) Contains(ts time.Time) bool {
	return ts.After(w.RetainedStart) && !ts.After(w.HorizonEnd)
}

// ClampStart bounds a source's query start by its own lookback: a source is
// never asked to backfill further than lookback before Now, even if the table
// keeps a longer history.
func (w Window) ClampStart(lookback time.Duration) time.Time {
	start := w.RetainedStart
	if lookback > 0 {
		if limit := w.Now.Add(-lookback); limit.After(start) {
			start = limit
		}
	}
	return start
}
