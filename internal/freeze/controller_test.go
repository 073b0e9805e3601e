package freeze

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/spotcast/internal/contracts"
	"github.com/wonny/spotcast/internal/table"
)

// constModel predicts the mean of the training target plus a marker offset.
type constModel struct {
	trained  contracts.TrainingSet
	predicts int
}

type constFit struct {
	features []string
	value    float64
}

func (f constFit) Features() []string { return f.features }

func (m *constModel) Train(_ context.Context, set contracts.TrainingSet) (contracts.Fitted, contracts.Metrics, error) {
	m.trained = set
	sum := 0.0
	for _, y := range set.Y {
		sum += y
	}
	return constFit{features: set.Features, value: sum/float64(len(set.Y)) + 100}, contracts.Metrics{Samples: len(set.Y)}, nil
}

func (m *constModel) Predict(_ context.Context, fitted contracts.Fitted, rows [][]float64) ([]float64, error) {
	m.predicts++
	out := make([]float64, len(rows))
	for i := range out {
		out[i] = fitted.(constFit).value
	}
	return out, nil
}

func mustLoc(t *testing.T) *time.Location {
	loc, err := time.LoadLocation("Europe/Helsinki")
	require.NoError(t, err)
	return loc
}

func TestCutoff(t *testing.T) {
	loc := mustLoc(t)

	tests := []struct {
		name    string
		instant time.Time
		want    time.Time
	}{
		{
			name:    "winter morning run",
			instant: time.Date(2024, 3, 1, 5, 0, 0, 0, time.UTC),
			want:    time.Date(2024, 3, 1, 22, 0, 0, 0, time.UTC),
		},
		{
			name:    "after local midnight, before UTC midnight",
			instant: time.Date(2024, 3, 1, 22, 30, 0, 0, time.UTC),
			want:    time.Date(2024, 3, 2, 22, 0, 0, 0, time.UTC),
		},
		{
			name:    "day before DST switch",
			instant: time.Date(2024, 3, 30, 10, 0, 0, 0, time.UTC),
			want:    time.Date(2024, 3, 30, 22, 0, 0, 0, time.UTC),
		},
		{
			name:    "summer time",
			instant: time.Date(2024, 3, 31, 10, 0, 0, 0, time.UTC),
			want:    time.Date(2024, 3, 31, 21, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Cutoff(tt.instant, loc))
		})
	}

	assert.Equal(t, time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC), Cutoff(time.Date(2024, 3, 1, 5, 0, 0, 0, time.UTC), nil))
}

func TestStateOf(t *testing.T) {
	cutoff := time.Date(2024, 3, 1, 22, 0, 0, 0, time.UTC)
	assert.Equal(t, Settled, StateOf(cutoff, cutoff))
	assert.Equal(t, Settled, StateOf(cutoff.Add(-time.Hour), cutoff))
	assert.Equal(t, Open, StateOf(cutoff.Add(time.Hour), cutoff))
	assert.Equal(t, "OPEN", Open.String())
}

var base = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

// fixture: 10 rows, price known for the first 5, feature "x" everywhere
// except row 8, old predictions on every row.
func fixture(t *testing.T) *table.Table {
	tbl := table.New("x", contracts.ColPrice, contracts.ColPredicted)
	for i := 0; i < 10; i++ {
		ts := base.Add(time.Duration(i) * time.Hour)
		row := map[string]*float64{
			contracts.ColPredicted: contracts.F(-1),
		}
		if i != 8 {
			row["x"] = contracts.F(float64(i))
		}
		if i < 5 {
			row[contracts.ColPrice] = contracts.F(float64(i))
		}
		require.NoError(t, tbl.AppendRow(ts, row))
	}
	return tbl
}

func strict() Config {
	cfg := DefaultConfig()
	cfg.Impute = false
	return cfg
}

func TestController_FreezesSettledRows(t *testing.T) {
	tbl := fixture(t)
	m := &constModel{}
	c := NewController(m, strict(), zerolog.Nop())
	cutoff := base.Add(5 * time.Hour)

	res, err := c.Run(context.Background(), tbl, cutoff, []string{"x", contracts.ColPrice})
	require.NoError(t, err)

	assert.Equal(t, []string{"x"}, res.Features, "target is never a model input")
	assert.Equal(t, 5, res.Trained)
	assert.Equal(t, 6, res.Settled)
	assert.Equal(t, 3, res.Written)
	assert.Equal(t, 1, res.Incomplete)

	for i := 0; i < 10; i++ {
		ts := base.Add(time.Duration(i) * time.Hour)
		v, ok := tbl.Value(ts, contracts.ColPredicted)
		require.True(t, ok)
		switch {
		case i <= 5, i == 8:
			assert.Equal(t, -1.0, v, "row %d must keep its prediction", i)
		default:
			assert.Equal(t, 102.0, v, "row %d must be re-predicted", i)
		}
	}
}

func TestController_ImputesOpenRows(t *testing.T) {
	tbl := fixture(t)
	m := &constModel{}
	c := NewController(m, DefaultConfig(), zerolog.Nop())

	res, err := c.Run(context.Background(), tbl, base.Add(5*time.Hour), []string{"x"})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Written)
	assert.Equal(t, 1, res.Imputed)
	assert.Equal(t, 0, res.Incomplete)

	v, ok := tbl.Value(base.Add(8*time.Hour), contracts.ColPredicted)
	require.True(t, ok)
	assert.Equal(t, 102.0, v)

	// settled rows are still untouched
	v, _ = tbl.Value(base.Add(5*time.Hour), contracts.ColPredicted)
	assert.Equal(t, -1.0, v)
}

func TestColumnMeans(t *testing.T) {
	means := columnMeans(contracts.TrainingSet{
		Features: []string{"a", "b"},
		X:        [][]float64{{1, 10}, {3, 20}},
	})
	assert.Equal(t, []float64{2, 15}, means)
}

func TestController_CutoffMissing(t *testing.T) {
	tbl := fixture(t)
	m := &constModel{}
	c := NewController(m, DefaultConfig(), zerolog.Nop())

	res, err := c.Run(context.Background(), tbl, base.Add(48*time.Hour), []string{"x"})
	assert.ErrorIs(t, err, ErrCutoffMissing)
	assert.Equal(t, 5, res.Trained)
	assert.Equal(t, 0, res.Written)
	assert.Equal(t, 0, m.predicts)
}

func TestController_NoTrainingData(t *testing.T) {
	tbl := fixture(t)
	c := NewController(&constModel{}, DefaultConfig(), zerolog.Nop())

	_, err := c.Run(context.Background(), tbl, base, []string{"x", "missing"})
	assert.ErrorIs(t, err, ErrNoTrainingData)
}

func TestController_FirstRunLeavesSettledNull(t *testing.T) {
	tbl := table.New("x", contracts.ColPrice)
	for i := 0; i < 4; i++ {
		require.NoError(t, tbl.AppendRow(base.Add(time.Duration(i)*time.Hour), map[string]*float64{
			"x":                contracts.F(1),
			contracts.ColPrice: contracts.F(2),
		}))
	}

	c := NewController(&constModel{}, DefaultConfig(), zerolog.Nop())
	res, err := c.Run(context.Background(), tbl, base.Add(time.Hour), []string{"x"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Written)

	_, ok := tbl.Value(base, contracts.ColPredicted)
	assert.False(t, ok)
	_, ok = tbl.Value(base.Add(time.Hour), contracts.ColPredicted)
	assert.False(t, ok)
	v, ok := tbl.Value(base.Add(2*time.Hour), contracts.ColPredicted)
	assert.True(t, ok)
	assert.Equal(t, 102.0, v)
}
