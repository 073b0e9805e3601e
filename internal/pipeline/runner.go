package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/wonny/spotcast/internal/contracts"
	"github.com/wonny/spotcast/internal/freeze"
	"github.com/wonny/spotcast/internal/quality"
	"github.com/wonny/spotcast/internal/reconcile"
	"github.com/wonny/spotcast/internal/source"
	"github.com/wonny/spotcast/internal/table"
	"github.com/wonny/spotcast/internal/window"
)

// ErrRunInProgress is returned when another run holds the table.
var ErrRunInProgress = errors.New("pipeline: run already in progress")

// TableStore loads and persists the canonical table.
type TableStore interface {
	Load(ctx context.Context) (*table.Table, error)
	Save(ctx context.Context, t *table.Table) error
}

// Locker guards the store across processes.
type Locker interface {
	Acquire(ctx context.Context) error
	Release(ctx context.Context) error
}

// Config holds the run parameters.
type Config struct {
	Window    window.Config
	Location  *time.Location // freeze cutoff timezone
	Retention time.Duration  // 0 keeps every row
	Workers   int            // parallel adapter fetches
}

// Options are per-run switches.
type Options struct {
	DryRun bool // run every stage but do not save
}

// FetchReport describes one adapter call.
type FetchReport struct {
	Adapter    string        `json:"adapter"`
	Precedence string        `json:"precedence"`
	Start      time.Time     `json:"start"`
	End        time.Time     `json:"end"`
	Points     int           `json:"points"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Report summarizes one run.
type Report struct {
	Clock      RunClock          `json:"clock"`
	Rows       int               `json:"rows"`
	Evicted    int               `json:"evicted"`
	Added      int               `json:"added"`
	PricedRows int               `json:"priced_rows"`
	Fetches    []FetchReport     `json:"fetches"`
	Merges     []reconcile.Stats `json:"merges"`
	Carried    int               `json:"carried"`
	Quality    *quality.Snapshot `json:"quality,omitempty"`
	Freeze     *freeze.Result    `json:"freeze,omitempty"`
	Saved      bool              `json:"saved"`
	DryRun     bool              `json:"dry_run"`
}

// Runner executes one forecast cycle: load, extend, fetch, merge, train,
// write predictions, save.
// ⭐ SSOT: 실행 순서는 여기서만
type Runner struct {
	cfg     Config
	store   TableStore
	sources []source.Registration
	engine  *reconcile.Engine
	freezer *freeze.Controller
	gate    *quality.Gate
	lock    Locker
	log     zerolog.Logger
	mu      sync.Mutex
}

// NewRunner creates a runner. lock may be nil.
func NewRunner(cfg Config, store TableStore, sources []source.Registration, model contracts.Model, lock Locker, log zerolog.Logger) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Runner{
		cfg:     cfg,
		store:   store,
		sources: sources,
		engine:  reconcile.NewEngine(log),
		freezer: freeze.NewController(model, freeze.DefaultConfig(), log),
		gate:    quality.NewGate(quality.DefaultConfig(), log),
		lock:    lock,
		log:     log.With().Str("component", "pipeline").Logger(),
	}
}

// Clock returns the run clock for instant.
func (r *Runner) Clock(instant time.Time) RunClock {
	return NewRunClock(instant, r.cfg.Window, r.cfg.Location)
}

// Run executes one cycle at instant. A run without training data still saves
// the reconciled features and then returns freeze.ErrNoTrainingData.
func (r *Runner) Run(ctx context.Context, instant time.Time, opts Options) (*Report, error) {
	if !r.mu.TryLock() {
		return nil, ErrRunInProgress
	}
	defer r.mu.Unlock()

	if r.lock != nil {
		if err := r.lock.Acquire(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRunInProgress, err)
		}
		defer func() {
			if err := r.lock.Release(context.WithoutCancel(ctx)); err != nil {
				r.log.Warn().Err(err).Msg("release run lock")
			}
		}()
	}

	clock := r.Clock(instant)
	report := &Report{Clock: clock, DryRun: opts.DryRun}
	started := time.Now()

	r.log.Info().
		Time("instant", clock.Instant).
		Time("now", clock.Now()).
		Time("horizon_end", clock.Window.HorizonEnd).
		Time("cutoff", clock.Cutoff).
		Bool("dry_run", opts.DryRun).
		Msg("run started")

	t, err := r.store.Load(ctx)
	if err != nil {
		return report, fmt.Errorf("load table: %w", err)
	}
	previous := t.Clone()

	if r.cfg.Retention > 0 {
		report.Evicted = t.EvictBefore(clock.Now().Add(-r.cfg.Retention))
	}
	report.Added = t.Extend(clock.Window.Index())

	updates, fetches := r.fetchAll(ctx, clock)
	report.Fetches = fetches
	if err := ctx.Err(); err != nil {
		return report, err
	}

	merges, err := r.engine.ApplyAll(t, updates)
	report.Merges = merges
	if err != nil {
		return report, err
	}
	report.Carried = r.engine.CarryForward(t, previous, r.featureColumns())

	table.ApplyCalendar(t)
	if err := t.Validate(); err != nil {
		return report, fmt.Errorf("validate table: %w", err)
	}
	if gaps := t.Gaps(clock.Window.RetainedStart.Add(time.Hour), clock.Window.HorizonEnd); len(gaps) > 0 {
		return report, fmt.Errorf("table has %d missing hours, first %s", len(gaps), gaps[0].Format(time.RFC3339))
	}
	report.Quality = r.gate.Check(t, r.featureColumns(), clock.Window.RetainedStart, clock.Now(), clock.Window.HorizonEnd)

	features := append(contracts.CalendarColumns(), r.featureColumns()...)
	result, freezeErr := r.freezer.Run(ctx, t, clock.Cutoff, features)
	report.Freeze = result
	switch {
	case freezeErr == nil:
	case errors.Is(freezeErr, freeze.ErrCutoffMissing):
		r.log.Warn().Time("cutoff", clock.Cutoff).Msg("cutoff row missing, predictions skipped")
	case errors.Is(freezeErr, freeze.ErrNoTrainingData):
		// features are still worth keeping
	default:
		return report, freezeErr
	}

	report.Rows = t.Len()
	report.PricedRows = r.countNonNull(t, contracts.ColPrice)

	if !opts.DryRun {
		if err := r.store.Save(ctx, t); err != nil {
			return report, fmt.Errorf("save table: %w", err)
		}
		report.Saved = true
	}

	r.logSummary(report, time.Since(started))

	if errors.Is(freezeErr, freeze.ErrNoTrainingData) {
		return report, freezeErr
	}
	return report, nil
}

type fetched struct {
	series map[string]contracts.Series
	report FetchReport
}

// fetchAll queries every adapter in parallel and returns the updates in
// registration order. A failing adapter counts as having returned nothing.
func (r *Runner) fetchAll(ctx context.Context, clock RunClock) ([]reconcile.Update, []FetchReport) {
	results := make([]fetched, len(r.sources))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Workers)
	for i, reg := range r.sources {
		g.Go(func() error {
			results[i] = r.fetchOne(gctx, clock, reg)
			return nil
		})
	}
	_ = g.Wait()

	var (
		updates []reconcile.Update
		reports = make([]FetchReport, 0, len(results))
	)
	for i, res := range results {
		reg := r.sources[i]
		reports = append(reports, res.report)

		declared := make(map[string]bool)
		for _, col := range reg.Adapter.Columns() {
			declared[col] = true
			s, ok := res.series[col]
			if !ok {
				continue
			}
			updates = append(updates, reconcile.Update{
				Source:     reg.Adapter.Name(),
				Column:     col,
				Series:     s,
				Precedence: reg.Precedence,
			})
		}
		for col := range res.series {
			if !declared[col] {
				r.log.Warn().Str("adapter", reg.Adapter.Name()).Str("column", col).Msg("undeclared column ignored")
			}
		}
	}
	return updates, reports
}

func (r *Runner) fetchOne(ctx context.Context, clock RunClock, reg source.Registration) fetched {
	rng := contracts.Range{
		Start: clock.Window.ClampStart(reg.Lookback),
		End:   clock.Window.HorizonEnd,
		Now:   clock.Now(),
	}
	rep := FetchReport{
		Adapter:    reg.Adapter.Name(),
		Precedence: reg.Precedence.String(),
		Start:      rng.Start,
		End:        rng.End,
	}

	started := time.Now()
	series, err := reg.Adapter.Fetch(ctx, rng)
	rep.Duration = time.Since(started)
	if err != nil {
		rep.Error = err.Error()
		r.log.Warn().Err(err).Str("adapter", rep.Adapter).Msg("adapter failed, continuing without it")
		return fetched{report: rep}
	}

	for _, s := range series {
		rep.Points += s.NonNull()
	}
	if rep.Points == 0 {
		r.log.Warn().Str("adapter", rep.Adapter).Msg("adapter returned no data")
	}
	return fetched{series: series, report: rep}
}

// featureColumns lists every declared adapter column once, in registration order.
func (r *Runner) featureColumns() []string {
	var cols []string
	seen := make(map[string]bool)
	for _, reg := range r.sources {
		for _, c := range reg.Adapter.Columns() {
			if seen[c] {
				continue
			}
			seen[c] = true
			cols = append(cols, c)
		}
	}
	return cols
}

func (r *Runner) countNonNull(t *table.Table, column string) int {
	n := 0
	for _, ts := range t.Index() {
		if _, ok := t.Value(ts, column); ok {
			n++
		}
	}
	return n
}

func (r *Runner) logSummary(rep *Report, elapsed time.Duration) {
	ev := r.log.Info().
		Int("rows", rep.Rows).
		Int("evicted", rep.Evicted).
		Int("added", rep.Added).
		Float64("coverage_days", float64(rep.PricedRows)/24).
		Int("carried", rep.Carried).
		Bool("quality_passed", rep.Quality != nil && rep.Quality.Passed).
		Bool("saved", rep.Saved).
		Dur("elapsed", elapsed)
	if f := rep.Freeze; f != nil {
		ev = ev.
			Int("trained", f.Trained).
			Int("written", f.Written).
			Int("settled", f.Settled).
			Int("incomplete", f.Incomplete).
			Float64("mae", f.Metrics.MAE).
			Float64("r2", f.Metrics.R2)
	}
	ev.Msg("run finished")

	for _, m := range rep.Merges {
		r.log.Debug().
			Str("source", m.Source).
			Str("column", m.Column).
			Int("filled", m.Filled).
			Int("replaced", m.Replaced).
			Int("null_kept", m.NullKept).
			Int("outside", m.Outside).
			Msg("merge stats")
	}
}
