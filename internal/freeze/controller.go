package freeze

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/wonny/spotcast/internal/contracts"
	"github.com/wonny/spotcast/internal/table"
)

var (
	// ErrNoTrainingData is returned when no row has every model input and the target
	ErrNoTrainingData = errors.New("freeze: no complete training rows")

	// ErrCutoffMissing is returned when the cutoff timestamp has no row, so
	// predictions cannot be written after it
	ErrCutoffMissing = errors.New("freeze: cutoff row not in table")
)

// State classifies a row relative to the cutoff.
type State int

const (
	// Settled rows (ts <= cutoff) keep whatever prediction they hold
	Settled State = iota
	// Open rows (ts > cutoff) receive fresh predictions
	Open
)

func (s State) String() string {
	if s == Open {
		return "OPEN"
	}
	return "SETTLED"
}

// Cutoff returns the start of the calendar day after instant in loc, in UTC.
// ⭐ SSOT: 예측 동결 기준 시각
func Cutoff(instant time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := instant.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc)
	return next.UTC()
}

// StateOf returns the row state of ts for the given cutoff.
func StateOf(ts, cutoff time.Time) State {
	if ts.After(cutoff) {
		return Open
	}
	return Settled
}

// Config names the target and prediction columns.
type Config struct {
	Target    string
	Predicted string
	// Impute fills missing inputs of open rows with the training mean of
	// that feature instead of leaving the row unpredicted.
	Impute bool
}

// DefaultConfig uses the spot price columns and imputes missing inputs.
func DefaultConfig() Config {
	return Config{
		Target:    contracts.ColPrice,
		Predicted: contracts.ColPredicted,
		Impute:    true,
	}
}

// Result summarizes one train-and-write pass.
type Result struct {
	Cutoff     time.Time         `json:"cutoff"`
	Features   []string          `json:"features"`
	Metrics    contracts.Metrics `json:"metrics"`
	Trained    int               `json:"trained"`
	Written    int               `json:"written"`
	Settled    int               `json:"settled"`
	Incomplete int               `json:"incomplete"`
	Imputed    int               `json:"imputed"`
}

// Controller trains on reconciled history and writes predictions for open rows.
type Controller struct {
	model contracts.Model
	cfg   Config
	log   zerolog.Logger
}

// NewController creates a freeze controller
func NewController(model contracts.Model, cfg Config, log zerolog.Logger) *Controller {
	return &Controller{
		model: model,
		cfg:   cfg,
		log:   log.With().Str("component", "freeze").Logger(),
	}
}

// Run trains on every complete row and writes predictions strictly after
// cutoff. Settled rows are never touched. When the cutoff row is absent the
// model is still trained but nothing is written and ErrCutoffMissing is
// returned with the result.
func (c *Controller) Run(ctx context.Context, t *table.Table, cutoff time.Time, features []string) (*Result, error) {
	cutoff = cutoff.UTC()
	features = c.inputs(features)

	result := &Result{
		Cutoff:   cutoff,
		Features: features,
	}

	set := c.trainingSet(t, features)
	result.Trained = len(set.Y)
	if len(set.Y) == 0 {
		c.log.Warn().Strs("features", features).Msg("no complete training rows")
		return result, ErrNoTrainingData
	}

	fitted, metrics, err := c.model.Train(ctx, set)
	if err != nil {
		return result, fmt.Errorf("train: %w", err)
	}
	result.Metrics = metrics

	if !t.Contains(cutoff) {
		c.log.Warn().Time("cutoff", cutoff).Msg("cutoff row missing, predictions not written")
		return result, ErrCutoffMissing
	}

	means := columnMeans(set)

	var (
		targets []time.Time
		rows    [][]float64
	)
	for _, ts := range t.Index() {
		if StateOf(ts, cutoff) == Settled {
			result.Settled++
			continue
		}
		row, ok := rowOf(t, ts, features)
		if !ok {
			if !c.cfg.Impute {
				result.Incomplete++
				continue
			}
			row = imputed(t, ts, features, means)
			result.Imputed++
		}
		targets = append(targets, ts)
		rows = append(rows, row)
	}

	if len(rows) == 0 {
		return result, nil
	}

	predicted, err := c.model.Predict(ctx, fitted, rows)
	if err != nil {
		return result, fmt.Errorf("predict: %w", err)
	}
	if len(predicted) != len(rows) {
		return result, fmt.Errorf("predict: got %d values for %d rows", len(predicted), len(rows))
	}

	t.AddColumn(c.cfg.Predicted)
	for i, ts := range targets {
		if err := t.Set(ts, c.cfg.Predicted, contracts.F(predicted[i])); err != nil {
			return result, err
		}
		result.Written++
	}

	c.log.Info().
		Time("cutoff", cutoff).
		Int("trained", result.Trained).
		Int("written", result.Written).
		Int("settled", result.Settled).
		Int("incomplete", result.Incomplete).
		Int("imputed", result.Imputed).
		Msg("predictions written")

	return result, nil
}

// inputs drops the target and prediction columns from the feature list.
func (c *Controller) inputs(features []string) []string {
	out := make([]string, 0, len(features))
	seen := make(map[string]bool, len(features))
	for _, f := range features {
		if f == c.cfg.Target || f == c.cfg.Predicted || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

func (c *Controller) trainingSet(t *table.Table, features []string) contracts.TrainingSet {
	set := contracts.TrainingSet{Features: features}
	for _, ts := range t.Index() {
		y, ok := t.Value(ts, c.cfg.Target)
		if !ok {
			continue
		}
		row, ok := rowOf(t, ts, features)
		if !ok {
			continue
		}
		set.X = append(set.X, row)
		set.Y = append(set.Y, y)
	}
	return set
}

func rowOf(t *table.Table, ts time.Time, features []string) ([]float64, bool) {
	row := make([]float64, len(features))
	for i, f := range features {
		v, ok := t.Value(ts, f)
		if !ok {
			return nil, false
		}
		row[i] = v
	}
	return row, true
}

// imputed returns the row with null inputs replaced by means.
func imputed(t *table.Table, ts time.Time, features []string, means []float64) []float64 {
	row := make([]float64, len(features))
	for i, f := range features {
		if v, ok := t.Value(ts, f); ok {
			row[i] = v
			continue
		}
		row[i] = means[i]
	}
	return row
}

func columnMeans(set contracts.TrainingSet) []float64 {
	means := make([]float64, len(set.Features))
	if len(set.X) == 0 {
		return means
	}
	for _, row := range set.X {
		for j, v := range row {
			means[j] += v
		}
	}
	for j := range means {
		means[j] /= float64(len(set.X))
	}
	return means
}
