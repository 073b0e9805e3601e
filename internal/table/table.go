package table

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	// ErrDuplicateTimestamp is returned when a row key appears twice
	ErrDuplicateTimestamp = errors.New("duplicate timestamp")

	// ErrUnknownTimestamp is returned when a cell is addressed by a missing row key
	ErrUnknownTimestamp = errors.New("timestamp not in table")

	// ErrNotHourAligned is returned for row keys that are not whole UTC hours
	ErrNotHourAligned = errors.New("timestamp not hour aligned")
)

// Table is the canonical hourly table: one row per hour-aligned UTC timestamp,
// an ordered set of nullable numeric columns.
// ⭐ SSOT: 시계열 테이블 구조는 여기서만
type Table struct {
	columns []string
	index   []time.Time
	pos     map[int64]int
	cells   map[string][]*float64
}

// New creates an empty table with the given columns.
func New(columns ...string) *Table {
	t := &Table{
		pos:   make(map[int64]int),
		cells: make(map[string][]*float64),
	}
	for _, c := range columns {
		t.AddColumn(c)
	}
	return t
}

// Len returns the number of rows.
func (t *Table) Len() int {
	return len(t.index)
}

// Columns returns the column names in persisted order.
func (t *Table) Columns() []string {
	out := make([]string, len(t.columns))
	copy(out, t.columns)
	return out
}

// HasColumn reports whether the column exists.
func (t *Table) HasColumn(name string) bool {
	_, ok := t.cells[name]
	return ok
}

// AddColumn appends an all-null column. Returns false if it already existed.
func (t *Table) AddColumn(name string) bool {
	if _, ok := t.cells[name]; ok {
		return false
	}
	t.columns = append(t.columns, name)
	t.cells[name] = make([]*float64, len(t.index))
	return true
}

// Index returns a copy of the row keys in ascending order.
func (t *Table) Index() []time.Time {
	out := make([]time.Time, len(t.index))
	copy(out, t.index)
	return out
}

// Contains reports whether a row exists for ts.
func (t *Table) Contains(ts time.Time) bool {
	_, ok := t.pos[ts.Unix()]
	return ok
}

// First and Last return the oldest and newest row keys.
func (t *Table) First() (time.Time, bool) {
	if len(t.index) == 0 {
		return time.Time{}, false
	}
	return t.index[0], true
}

func (t *Table) Last() (time.Time, bool) {
	if len(t.index) == 0 {
		return time.Time{}, false
	}
	return t.index[len(t.index)-1], true
}

// Value returns the cell value; ok is false for null cells, unknown rows and
// unknown columns.
func (t *Table) Value(ts time.Time, column string) (float64, bool) {
	p := t.Get(ts, column)
	if p == nil {
		return 0, false
	}
	return *p, true
}

// Get returns a copy of the cell pointer (nil for null).
func (t *Table) Get(ts time.Time, column string) *float64 {
	i, ok := t.pos[ts.Unix()]
	if !ok {
		return nil
	}
	col, ok := t.cells[column]
	if !ok || col[i] == nil {
		return nil
	}
	v := *col[i]
	return &v
}

// Set writes a cell. The column is created on demand; the row must exist.
func (t *Table) Set(ts time.Time, column string, v *float64) error {
	i, ok := t.pos[ts.Unix()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTimestamp, ts.UTC().Format(time.RFC3339))
	}
	t.AddColumn(column)
	if v == nil {
		t.cells[column][i] = nil
		return nil
	}
	val := *v
	t.cells[column][i] = &val
	return nil
}

// AppendRow adds a row with the given cells. Rows may arrive in any order;
// the index stays sorted.
func (t *Table) AppendRow(ts time.Time, values map[string]*float64) error {
	ts = ts.UTC()
	if ts.IsZero() || !ts.Equal(ts.Truncate(time.Hour)) {
		return fmt.Errorf("%w: %s", ErrNotHourAligned, ts.Format(time.RFC3339Nano))
	}
	if t.Contains(ts) {
		return fmt.Errorf("%w: %s", ErrDuplicateTimestamp, ts.Format(time.RFC3339))
	}

	t.insert([]time.Time{ts})
	for col, v := range values {
		if err := t.Set(ts, col, v); err != nil {
			return err
		}
	}
	return nil
}

// Extend adds every timestamp of index that is not yet present (union of the
// existing rows and index). New rows are all-null. Returns the number added.
func (t *Table) Extend(index []time.Time) int {
	missing := make([]time.Time, 0)
	seen := make(map[int64]bool)
	for _, ts := range index {
		ts = ts.UTC()
		key := ts.Unix()
		if t.Contains(ts) || seen[key] {
			continue
		}
		seen[key] = true
		missing = append(missing, ts)
	}
	if len(missing) == 0 {
		return 0
	}
	t.insert(missing)
	return len(missing)
}

// EvictBefore drops rows strictly older than cutoff. Returns the number removed.
func (t *Table) EvictBefore(cutoff time.Time) int {
	n := sort.Search(len(t.index), func(i int) bool {
		return !t.index[i].Before(cutoff)
	})
	if n == 0 {
		return 0
	}

	t.index = append([]time.Time(nil), t.index[n:]...)
	for _, c := range t.columns {
		t.cells[c] = append([]*float64(nil), t.cells[c][n:]...)
	}
	t.reindex()
	return n
}

// Clone returns a deep copy.
func (t *Table) Clone() *Table {
	c := New(t.columns...)
	c.index = t.Index()
	for _, name := range t.columns {
		src := t.cells[name]
		dst := make([]*float64, len(src))
		for i, v := range src {
			if v != nil {
				val := *v
				dst[i] = &val
			}
		}
		c.cells[name] = dst
	}
	c.reindex()
	return c
}

// Gaps returns the hours inside [from, to] that have no row.
func (t *Table) Gaps(from, to time.Time) []time.Time {
	var gaps []time.Time
	for ts := from.UTC(); !ts.After(to); ts = ts.Add(time.Hour) {
		if !t.Contains(ts) {
			gaps = append(gaps, ts)
		}
	}
	return gaps
}

// Validate checks the row-key invariants: sorted, unique, hour aligned.
func (t *Table) Validate() error {
	for i, ts := range t.index {
		if !ts.Equal(ts.Truncate(time.Hour)) {
			return fmt.Errorf("%w: %s", ErrNotHourAligned, ts.Format(time.RFC3339Nano))
		}
		if i > 0 && !t.index[i-1].Before(ts) {
			return fmt.Errorf("%w: %s", ErrDuplicateTimestamp, ts.Format(time.RFC3339))
		}
	}
	if len(t.pos) != len(t.index) {
		return fmt.Errorf("%w: index has %d rows, lookup has %d", ErrDuplicateTimestamp, len(t.index), len(t.pos))
	}
	return nil
}

// insert merges new (absent) timestamps into the sorted index.
func (t *Table) insert(add []time.Time) {
	merged := make([]time.Time, 0, len(t.index)+len(add))
	merged = append(merged, t.index...)
	merged = append(merged, add...)
	sort.Slice(merged, func(i, j int) bool { return merged[i].Before(merged[j]) })

	old := t.pos
	for _, c := range t.columns {
		src := t.cells[c]
		dst := make([]*float64, len(merged))
		for i, ts := range merged {
			if j, ok := old[ts.Unix()]; ok {
				dst[i] = src[j]
			}
		}
		t.cells[c] = dst
	}
	t.index = merged
	t.reindex()
}

func (t *Table) reindex() {
	t.pos = make(map[int64]int, len(t.index))
	for i, ts := range t.index {
		t.pos[ts.Unix()] = i
	}
}
