package reconcile

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/wonny/spotcast/internal/contracts"
	"github.com/wonny/spotcast/internal/table"
)

// ErrJoinKey is returned when an incoming point cannot be joined on its
// timestamp (zero, not hour aligned, or repeated within one update).
var ErrJoinKey = errors.New("reconcile: unusable join key")

// Precedence orders updates. Cell-level the rule is the same for both:
// a non-null incoming value replaces the current one and null never does.
// Overrides are applied after every ordinary update, so they win.
type Precedence int

const (
	PrecedenceIncoming Precedence = iota
	PrecedenceOverride
)

func (p Precedence) String() string {
	if p == PrecedenceOverride {
		return "override"
	}
	return "incoming"
}

// Update is one adapter's partial series for one column.
type Update struct {
	Source     string
	Column     string
	Series     contracts.Series
	Precedence Precedence
}

// Stats describes what one update did to the table.
type Stats struct {
	Source     string `json:"source"`
	Column     string `json:"column"`
	Precedence string `json:"precedence"`
	Received   int    `json:"received"`
	Filled     int    `json:"filled"`    // null -> value
	Replaced   int    `json:"replaced"`  // value -> different value
	Unchanged  int    `json:"unchanged"` // value -> same value
	NullKept   int    `json:"null_kept"` // incoming null, existing kept
	Outside    int    `json:"outside"`   // timestamp not in the table
}

// Engine folds partial series into the canonical table.
// ⭐ SSOT: 병합 우선순위 (override > incoming > existing > carried-forward)
type Engine struct {
	log zerolog.Logger
}

// NewEngine creates a reconciliation engine
func NewEngine(log zerolog.Logger) *Engine {
	return &Engine{
		log: log.With().Str("component", "reconcile").Logger(),
	}
}

// Coalesce returns the first non-null value, in precedence order.
func Coalesce(values ...*float64) *float64 {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

// finite maps NaN and ±Inf to null.
func finite(v *float64) *float64 {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return nil
	}
	return v
}

// Apply merges one update into t. The column is created if missing. Keys are
// validated before any cell is written, so a rejected update leaves t intact.
func (e *Engine) Apply(t *table.Table, u Update) (Stats, error) {
	stats := Stats{
		Source:     u.Source,
		Column:     u.Column,
		Precedence: u.Precedence.String(),
		Received:   len(u.Series),
	}

	if u.Column == "" {
		return stats, fmt.Errorf("%w: %s update has no column", ErrJoinKey, u.Source)
	}
	if contracts.IsCalendarColumn(u.Column) {
		return stats, fmt.Errorf("reconcile: %s may not write derived column %s", u.Source, u.Column)
	}

	seen := make(map[int64]bool, len(u.Series))
	for _, p := range u.Series {
		ts := p.Timestamp.UTC()
		if ts.IsZero() || !ts.Equal(ts.Truncate(time.Hour)) {
			return stats, fmt.Errorf("%w: %s/%s timestamp %s", ErrJoinKey, u.Source, u.Column, p.Timestamp.Format(time.RFC3339Nano))
		}
		if seen[ts.Unix()] {
			return stats, fmt.Errorf("%w: %s/%s repeats %s", ErrJoinKey, u.Source, u.Column, ts.Format(time.RFC3339))
		}
		seen[ts.Unix()] = true
	}

	t.AddColumn(u.Column)

	for _, p := range u.Series.Sorted() {
		ts := p.Timestamp.UTC()
		if !t.Contains(ts) {
			stats.Outside++
			continue
		}

		incoming := finite(p.Value)
		existing := t.Get(ts, u.Column)
		merged := Coalesce(incoming, existing)

		switch {
		case incoming == nil:
			stats.NullKept++
			continue
		case existing == nil:
			stats.Filled++
		case *existing == *merged:
			stats.Unchanged++
			continue
		default:
			stats.Replaced++
		}

		if err := t.Set(ts, u.Column, merged); err != nil {
			return stats, err
		}
	}

	e.log.Debug().
		Str("source", stats.Source).
		Str("column", stats.Column).
		Str("precedence", stats.Precedence).
		Int("received", stats.Received).
		Int("filled", stats.Filled).
		Int("replaced", stats.Replaced).
		Int("outside", stats.Outside).
		Msg("update merged")

	return stats, nil
}

// ApplyAll applies ordinary updates in declared order, then overrides in
// declared order. The first failing update aborts the merge.
func (e *Engine) ApplyAll(t *table.Table, updates []Update) ([]Stats, error) {
	ordered := make([]Update, 0, len(updates))
	for _, u := range updates {
		if u.Precedence == PrecedenceIncoming {
			ordered = append(ordered, u)
		}
	}
	for _, u := range updates {
		if u.Precedence == PrecedenceOverride {
			ordered = append(ordered, u)
		}
	}

	all := make([]Stats, 0, len(ordered))
	for _, u := range ordered {
		s, err := e.Apply(t, u)
		if err != nil {
			return all, fmt.Errorf("merge %s/%s: %w", u.Source, u.Column, err)
		}
		all = append(all, s)
	}
	return all, nil
}

// CarryForward is the fallback of last resort: every still-null cell of the
// given columns takes the value the previous snapshot held for that exact
// timestamp, if any. Returns the number of cells filled.
func (e *Engine) CarryForward(t, previous *table.Table, columns []string) int {
	if previous == nil {
		return 0
	}

	filled := 0
	for _, col := range columns {
		if !previous.HasColumn(col) {
			continue
		}
		t.AddColumn(col)
		for _, ts := range t.Index() {
			merged := Coalesce(t.Get(ts, col), previous.Get(ts, col))
			if merged == nil || t.Get(ts, col) != nil {
				continue
			}
			_ = t.Set(ts, col, merged)
			filled++
		}
	}

	if filled > 0 {
		e.log.Info().Int("cells", filled).Msg("carried forward from previous snapshot")
	}
	return filled
}
