package pipeline

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/spotcast/internal/contracts"
	"github.com/wonny/spotcast/internal/freeze"
	"github.com/wonny/spotcast/internal/model"
	"github.com/wonny/spotcast/internal/reconcile"
	"github.com/wonny/spotcast/internal/source"
	"github.com/wonny/spotcast/internal/store"
	"github.com/wonny/spotcast/internal/table"
	"github.com/wonny/spotcast/internal/window"
)

// instant is 00:00 Helsinki on 2024-03-02, so the cutoff lands 24h after Now.
var instant = time.Date(2024, 3, 1, 22, 0, 0, 0, time.UTC)

func hour(n int) time.Time {
	return instant.Add(time.Duration(n) * time.Hour)
}

type memStore struct {
	mu    sync.Mutex
	t     *table.Table
	saves int
}

func (s *memStore) Load(context.Context) (*table.Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.t == nil {
		return table.New(), nil
	}
	return s.t.Clone(), nil
}

func (s *memStore) Save(_ context.Context, t *table.Table) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.t = t.Clone()
	s.saves++
	return nil
}

func (s *memStore) csv(t *testing.T) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, store.Encode(&buf, s.t))
	return buf.String()
}

// stubAdapter returns fixed series and records the range it was asked for.
type stubAdapter struct {
	name    string
	columns []string
	series  map[string]contracts.Series
	err     error

	mu     sync.Mutex
	ranges []contracts.Range
}

func (a *stubAdapter) Name() string      { return a.name }
func (a *stubAdapter) Columns() []string { return a.columns }

func (a *stubAdapter) Fetch(_ context.Context, r contracts.Range) (map[string]contracts.Series, error) {
	a.mu.Lock()
	a.ranges = append(a.ranges, r)
	a.mu.Unlock()
	if a.err != nil {
		return nil, a.err
	}
	return a.series, nil
}

// forward returns a series over forward hours from..to with value f(n).
func forward(from, to int, f func(n int) float64) contracts.Series {
	var s contracts.Series
	for n := from; n <= to; n++ {
		s = append(s, contracts.Point{Timestamp: hour(n), Value: contracts.F(f(n))})
	}
	return s
}

// history builds 168 fully populated rows ending at Now.
func history(t *testing.T) *table.Table {
	t.Helper()
	tbl := table.New("ws_1", contracts.ColNuclear, contracts.ColPrice)
	for n := -167; n <= 0; n++ {
		ws := float64(5 + (n+167)%7)
		nuc := 4000 - float64((n+167)%5)*50
		require.NoError(t, tbl.AppendRow(hour(n), map[string]*float64{
			"ws_1":               contracts.F(ws),
			contracts.ColNuclear: contracts.F(nuc),
			contracts.ColPrice:   contracts.F(12 - 0.8*ws + 0.001*nuc),
		}))
	}
	table.ApplyCalendar(tbl)
	return tbl
}

func adapters() (*stubAdapter, *stubAdapter) {
	weather := &stubAdapter{
		name:    "weather",
		columns: []string{"ws_1"},
		series: map[string]contracts.Series{
			"ws_1": forward(1, 24, func(n int) float64 { return float64(4 + n%6) }),
		},
	}
	nuclear := &stubAdapter{
		name:    "nuclear",
		columns: []string{contracts.ColNuclear},
		series: map[string]contracts.Series{
			contracts.ColNuclear: forward(1, 24, func(n int) float64 { return 3900 }),
		},
	}
	return weather, nuclear
}

func helsinki(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Helsinki")
	require.NoError(t, err)
	return loc
}

func newRunner(t *testing.T, st TableStore, regs []source.Registration, lock Locker) *Runner {
	t.Helper()
	cfg := Config{
		Window:   window.DefaultConfig(),
		Location: helsinki(t),
		Workers:  2,
	}
	return NewRunner(cfg, st, regs, model.NewLinear(model.DefaultConfig(), zerolog.Nop()), lock, zerolog.Nop())
}

func regs(as ...contracts.Adapter) []source.Registration {
	out := make([]source.Registration, len(as))
	for i, a := range as {
		out[i] = source.Registration{Adapter: a, Lookback: 7 * 24 * time.Hour}
	}
	return out
}

func TestRunClock(t *testing.T) {
	c := NewRunClock(instant, window.DefaultConfig(), helsinki(t))
	assert.Equal(t, instant, c.Now())
	assert.Equal(t, hour(24), c.Cutoff)
	assert.Equal(t, 288, c.Window.Hours())

	// the cutoff follows the raw instant, not the rounded hour
	c = NewRunClock(instant.Add(-30*time.Minute), window.DefaultConfig(), helsinki(t))
	assert.Equal(t, instant, c.Now())
	assert.Equal(t, instant, c.Cutoff)
}

func TestRun_EndToEnd(t *testing.T) {
	seed := history(t)
	// forward hours 1..12 were predicted by an earlier run
	for n := 1; n <= 12; n++ {
		require.NoError(t, seed.AppendRow(hour(n), map[string]*float64{contracts.ColPredicted: contracts.F(-1)}))
	}
	st := &memStore{t: seed}
	weather, nuclear := adapters()
	r := newRunner(t, st, regs(weather, nuclear), nil)

	report, err := r.Run(context.Background(), instant, Options{})
	require.NoError(t, err)
	require.True(t, report.Saved)

	tbl := st.t
	assert.Equal(t, 288, tbl.Len())
	assert.Equal(t, 288-180, report.Added)
	assert.Equal(t, hour(24), report.Clock.Cutoff)
	require.NotNil(t, report.Freeze)
	assert.Equal(t, 168, report.Freeze.Trained)
	assert.Equal(t, 96, report.Freeze.Written)
	assert.Equal(t, 192, report.Freeze.Settled)
	require.NotNil(t, report.Quality)
	assert.True(t, report.Quality.Passed)

	// fetched hours got features, the rest of the horizon stays null
	for n := 1; n <= 120; n++ {
		_, ok := tbl.Value(hour(n), "ws_1")
		assert.Equal(t, n <= 24, ok, "ws_1 at forward hour %d", n)
		_, ok = tbl.Value(hour(n), contracts.ColNuclear)
		assert.Equal(t, n <= 24, ok, "nuclear at forward hour %d", n)
	}

	// settled forward hours keep what they had, open hours are predicted
	for n := 1; n <= 120; n++ {
		v, ok := tbl.Value(hour(n), contracts.ColPredicted)
		switch {
		case n <= 12:
			assert.Equal(t, -1.0, v, "hour %d", n)
		case n <= 24:
			assert.False(t, ok, "hour %d became settled without a prediction", n)
		default:
			assert.True(t, ok, "hour %d", n)
		}
	}

	// history is untouched apart from its (still null) prediction
	for n := -167; n <= 0; n++ {
		assert.Equal(t, seed.Get(hour(n), contracts.ColPrice), tbl.Get(hour(n), contracts.ColPrice))
		assert.Nil(t, tbl.Get(hour(n), contracts.ColPredicted))
		dow, _ := tbl.Value(hour(n), contracts.ColDayOfWeek)
		assert.NotZero(t, dow)
	}
}

func TestRun_Idempotent(t *testing.T) {
	st := &memStore{t: history(t)}
	weather, nuclear := adapters()
	r := newRunner(t, st, regs(weather, nuclear), nil)

	_, err := r.Run(context.Background(), instant, Options{})
	require.NoError(t, err)
	first := st.csv(t)

	_, err = r.Run(context.Background(), instant, Options{})
	require.NoError(t, err)
	assert.Equal(t, first, st.csv(t))
	assert.Equal(t, 2, st.saves)
}

func TestRun_NoDuplicateTimestamps(t *testing.T) {
	st := &memStore{t: history(t)}
	weather, nuclear := adapters()
	// points far outside the window must not create rows
	weather.series["ws_1"] = append(weather.series["ws_1"], contracts.Point{Timestamp: hour(500), Value: contracts.F(1)})
	r := newRunner(t, st, regs(weather, nuclear), nil)

	for i := 0; i < 3; i++ {
		_, err := r.Run(context.Background(), instant.Add(time.Duration(i)*time.Hour), Options{})
		require.NoError(t, err)
	}
	require.NoError(t, st.t.Validate())
	assert.False(t, st.t.Contains(hour(500)))
	assert.Equal(t, 288+2, st.t.Len())
}

func TestRun_FrozenHistory(t *testing.T) {
	st := &memStore{t: history(t)}
	weather, nuclear := adapters()
	prices := &stubAdapter{name: "nordpool", columns: []string{contracts.ColPrice}}
	r := newRunner(t, st, regs(weather, nuclear, prices), nil)

	_, err := r.Run(context.Background(), instant, Options{})
	require.NoError(t, err)
	before := st.t.Clone()

	// a day later the first forward day has realized prices and a new weather
	// forecast, so the refit model differs
	weather.series = map[string]contracts.Series{
		"ws_1": forward(1, 48, func(int) float64 { return 9 }),
	}
	prices.series = map[string]contracts.Series{
		contracts.ColPrice: forward(1, 24, func(n int) float64 { return 30 + float64(n%3) }),
	}
	report, err := r.Run(context.Background(), instant.Add(24*time.Hour), Options{})
	require.NoError(t, err)
	cutoff := report.Clock.Cutoff
	require.Equal(t, hour(48), cutoff)
	require.NotNil(t, report.Freeze)
	assert.Equal(t, 168+24, report.Freeze.Trained)

	for _, ts := range before.Index() {
		if ts.After(cutoff) {
			continue
		}
		assert.Equal(t, before.Get(ts, contracts.ColPredicted), st.t.Get(ts, contracts.ColPredicted), "settled %s", ts)
	}
	for n := 25; n <= 48; n++ {
		_, ok := st.t.Value(hour(n), contracts.ColPredicted)
		assert.True(t, ok, "hour %d keeps its first-run prediction", n)
	}

	changed := 0
	for n := 49; n <= 120; n++ {
		prev := before.Get(hour(n), contracts.ColPredicted)
		cur := st.t.Get(hour(n), contracts.ColPredicted)
		require.NotNil(t, prev, "hour %d", n)
		require.NotNil(t, cur, "hour %d", n)
		if *prev != *cur {
			changed++
		}
	}
	assert.Positive(t, changed, "open rows are re-predicted")
}

func TestRun_NullNeverRegresses(t *testing.T) {
	st := &memStore{t: history(t)}
	weather := &stubAdapter{
		name:    "weather",
		columns: []string{"ws_1"},
		series: map[string]contracts.Series{
			"ws_1": {
				{Timestamp: hour(-10), Value: nil},
				{Timestamp: hour(-9), Value: contracts.F(42)},
			},
		},
	}
	r := newRunner(t, st, regs(weather), nil)

	before, _ := st.t.Value(hour(-10), "ws_1")
	_, err := r.Run(context.Background(), instant, Options{})
	require.NoError(t, err)

	v, ok := st.t.Value(hour(-10), "ws_1")
	require.True(t, ok)
	assert.Equal(t, before, v)
	v, _ = st.t.Value(hour(-9), "ws_1")
	assert.Equal(t, 42.0, v)
}

func TestRun_OverridePrecedence(t *testing.T) {
	st := &memStore{t: history(t)}
	inferred := &stubAdapter{
		name:    "fingrid",
		columns: []string{contracts.ColNuclear},
		series: map[string]contracts.Series{
			contracts.ColNuclear: forward(1, 3, func(int) float64 { return 4000 }),
		},
	}
	outages := &stubAdapter{
		name:    "entsoe",
		columns: []string{contracts.ColNuclear},
		series: map[string]contracts.Series{
			contracts.ColNuclear: {
				{Timestamp: hour(1), Value: contracts.F(2800)},
				{Timestamp: hour(2), Value: nil},
			},
		},
	}
	sources := []source.Registration{
		{Adapter: outages, Precedence: reconcile.PrecedenceOverride},
		{Adapter: inferred, Precedence: reconcile.PrecedenceIncoming},
	}
	r := newRunner(t, st, sources, nil)

	report, err := r.Run(context.Background(), instant, Options{})
	require.NoError(t, err)

	v, _ := st.t.Value(hour(1), contracts.ColNuclear)
	assert.Equal(t, 2800.0, v, "override wins regardless of declaration order")
	v, _ = st.t.Value(hour(2), contracts.ColNuclear)
	assert.Equal(t, 4000.0, v, "null override keeps the inferred value")
	v, _ = st.t.Value(hour(3), contracts.ColNuclear)
	assert.Equal(t, 4000.0, v)

	require.Len(t, report.Merges, 2)
	assert.Equal(t, "fingrid", report.Merges[0].Source)
	assert.Equal(t, "entsoe", report.Merges[1].Source)
}

func TestRun_FailingAdapterIsSkipped(t *testing.T) {
	st := &memStore{t: history(t)}
	weather, _ := adapters()
	broken := &stubAdapter{name: "nuclear", columns: []string{contracts.ColNuclear}, err: errors.New("boom")}
	r := newRunner(t, st, regs(weather, broken), nil)

	report, err := r.Run(context.Background(), instant, Options{})
	require.NoError(t, err)
	require.Len(t, report.Fetches, 2)
	assert.Empty(t, report.Fetches[0].Error)
	assert.Equal(t, 24, report.Fetches[0].Points)
	assert.Equal(t, "boom", report.Fetches[1].Error)
	assert.True(t, report.Saved)
}

func TestRun_LookbackBoundsQuery(t *testing.T) {
	st := &memStore{}
	weather, _ := adapters()
	sources := []source.Registration{{Adapter: weather, Lookback: 48 * time.Hour}}
	r := newRunner(t, st, sources, nil)

	_, _ = r.Run(context.Background(), instant.Add(-15*time.Minute), Options{})
	require.Len(t, weather.ranges, 1)
	got := weather.ranges[0]
	assert.Equal(t, hour(-48), got.Start)
	assert.Equal(t, instant, got.Now)
	assert.Equal(t, hour(120), got.End)
}

func TestRun_NoTrainingDataStillSaves(t *testing.T) {
	st := &memStore{}
	weather, nuclear := adapters()
	r := newRunner(t, st, regs(weather, nuclear), nil)

	report, err := r.Run(context.Background(), instant, Options{})
	require.ErrorIs(t, err, freeze.ErrNoTrainingData)
	assert.True(t, report.Saved)
	assert.Equal(t, 288, st.t.Len())
	v, ok := st.t.Value(hour(3), "ws_1")
	require.True(t, ok)
	assert.Equal(t, 7.0, v)
}

func TestRun_DryRun(t *testing.T) {
	st := &memStore{t: history(t)}
	weather, nuclear := adapters()
	r := newRunner(t, st, regs(weather, nuclear), nil)

	report, err := r.Run(context.Background(), instant, Options{DryRun: true})
	require.NoError(t, err)
	assert.False(t, report.Saved)
	assert.Equal(t, 0, st.saves)
	assert.Equal(t, 288, report.Rows)
	assert.Equal(t, 168, st.t.Len())
}

func TestRun_Retention(t *testing.T) {
	st := &memStore{t: history(t)}
	weather, nuclear := adapters()
	r := newRunner(t, st, regs(weather, nuclear), nil)
	r.cfg.Retention = 7 * 24 * time.Hour

	report, err := r.Run(context.Background(), instant.Add(48*time.Hour), Options{})
	require.NoError(t, err)
	assert.Equal(t, 47, report.Evicted)
	first, _ := st.t.First()
	assert.Equal(t, hour(48-168), first)
}

type stubLock struct {
	err      error
	released int
}

func (l *stubLock) Acquire(context.Context) error { return l.err }

func (l *stubLock) Release(context.Context) error {
	l.released++
	return nil
}

func TestRun_Lock(t *testing.T) {
	st := &memStore{t: history(t)}
	weather, nuclear := adapters()

	held := &stubLock{err: errors.New("held elsewhere")}
	_, err := newRunner(t, st, regs(weather, nuclear), held).Run(context.Background(), instant, Options{})
	require.ErrorIs(t, err, ErrRunInProgress)
	assert.Equal(t, 0, st.saves)

	free := &stubLock{}
	_, err = newRunner(t, st, regs(weather, nuclear), free).Run(context.Background(), instant, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, free.released)
}
