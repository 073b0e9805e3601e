package quality

import (
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/wonny/spotcast/internal/contracts"
	"github.com/wonny/spotcast/internal/table"
)

// Config holds quality gate thresholds. Coverage is the share of non-null
// cells of a column inside a time range.
type Config struct {
	MinHistoryCoverage float64 `yaml:"min_history_coverage"` // feature columns, rows up to Now
	MinPriceCoverage   float64 `yaml:"min_price_coverage"`   // target column, rows up to Now
}

// DefaultConfig returns 0.8 for features and 0.9 for the price.
func DefaultConfig() Config {
	return Config{
		MinHistoryCoverage: 0.8,
		MinPriceCoverage:   0.9,
	}
}

// Coverage is one column's fill rate.
type Coverage struct {
	Column  string  `json:"column"`
	History float64 `json:"history"`
	Forward float64 `json:"forward"`
	Passed  bool    `json:"passed"`
}

// Snapshot is the quality picture of a merged table.
type Snapshot struct {
	Now      time.Time  `json:"now"`
	Coverage []Coverage `json:"coverage"`
	Score    float64    `json:"score"` // mean history coverage
	Passed   bool       `json:"passed"`
}

// Failed lists the columns below their threshold.
func (s *Snapshot) Failed() []string {
	var out []string
	for _, c := range s.Coverage {
		if !c.Passed {
			out = append(out, c.Column)
		}
	}
	return out
}

// Gate measures column coverage after a merge. It never blocks a run:
// a failing snapshot is reported and logged.
// ⭐ SSOT: 병합 후 품질 검증
type Gate struct {
	cfg Config
	log zerolog.Logger
}

// NewGate creates a quality gate
func NewGate(cfg Config, log zerolog.Logger) *Gate {
	return &Gate{
		cfg: cfg,
		log: log.With().Str("component", "quality").Logger(),
	}
}

// Check computes coverage of every column in columns over the rows of t
// inside (start, now] and (now, end].
func (g *Gate) Check(t *table.Table, columns []string, start, now, end time.Time) *Snapshot {
	snap := &Snapshot{Now: now, Passed: true}

	var history, forward []time.Time
	for _, ts := range t.Index() {
		switch {
		case !ts.After(start) || ts.After(end):
		case ts.After(now):
			forward = append(forward, ts)
		default:
			history = append(history, ts)
		}
	}

	cols := append([]string(nil), columns...)
	sort.Strings(cols)

	total := 0.0
	for _, col := range cols {
		c := Coverage{
			Column:  col,
			History: ratio(t, history, col),
			Forward: ratio(t, forward, col),
		}
		threshold := g.cfg.MinHistoryCoverage
		if col == contracts.ColPrice {
			threshold = g.cfg.MinPriceCoverage
		}
		c.Passed = c.History >= threshold
		if !c.Passed {
			snap.Passed = false
		}
		total += c.History
		snap.Coverage = append(snap.Coverage, c)
	}
	if len(cols) > 0 {
		snap.Score = total / float64(len(cols))
	}

	if !snap.Passed {
		g.log.Warn().
			Strs("columns", snap.Failed()).
			Float64("score", snap.Score).
			Msg("coverage below threshold")
	}
	return snap
}

func ratio(t *table.Table, rows []time.Time, column string) float64 {
	if len(rows) == 0 {
		return 0
	}
	n := 0
	for _, ts := range rows {
		if _, ok := t.Value(ts, column); ok {
			n++
		}
	}
	return float64(n) / float64(len(rows))
}
