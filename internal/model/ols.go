package model

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/wonny/spotcast/internal/contracts"
)

var (
	// ErrEmptyTrainingSet is returned when there is nothing to fit
	ErrEmptyTrainingSet = errors.New("model: empty training set")

	// ErrShape is returned for ragged or mismatched input matrices
	ErrShape = errors.New("model: input shape mismatch")
)

// Config controls the linear model.
type Config struct {
	Ridge        float64 // L2 penalty on standardized coefficients
	TestFraction float64 // trailing share of rows held out for metrics
	MinHoldout   int     // below this many held-out rows metrics use the training rows
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		Ridge:        1e-3,
		TestFraction: 0.2,
		MinHoldout:   24,
	}
}

// Linear is a ridge-regularized ordinary least squares regression over
// standardized features.
// ⭐ SSOT: 가격 예측 모델
type Linear struct {
	cfg Config
	log zerolog.Logger
}

// NewLinear creates a linear model
func NewLinear(cfg Config, log zerolog.Logger) *Linear {
	return &Linear{
		cfg: cfg,
		log: log.With().Str("component", "model").Logger(),
	}
}

// Fit is a trained linear model.
type Fit struct {
	features  []string
	mean      []float64
	scale     []float64
	coef      []float64
	intercept float64
}

// Features returns the input columns in the order Predict expects.
func (f *Fit) Features() []string {
	out := make([]string, len(f.features))
	copy(out, f.features)
	return out
}

// Coefficients returns the per-feature weights in original units.
func (f *Fit) Coefficients() map[string]float64 {
	out := make(map[string]float64, len(f.features))
	for i, name := range f.features {
		out[name] = f.coef[i] / f.scale[i]
	}
	return out
}

// Train fits on the leading rows, scores the trailing holdout, then refits
// on every row. Rows are expected in chronological order.
func (m *Linear) Train(ctx context.Context, set contracts.TrainingSet) (contracts.Fitted, contracts.Metrics, error) {
	var metrics contracts.Metrics

	if err := checkShape(set.X, len(set.Features)); err != nil {
		return nil, metrics, err
	}
	if len(set.X) == 0 {
		return nil, metrics, ErrEmptyTrainingSet
	}
	if len(set.Y) != len(set.X) {
		return nil, metrics, fmt.Errorf("%w: %d rows, %d targets", ErrShape, len(set.X), len(set.Y))
	}
	if err := ctx.Err(); err != nil {
		return nil, metrics, err
	}

	n := len(set.X)
	holdout := int(float64(n) * m.cfg.TestFraction)
	metrics.Samples = n

	if holdout >= m.cfg.MinHoldout && n-holdout > 0 {
		split := n - holdout
		fit, err := m.fit(set.Features, set.X[:split], set.Y[:split])
		if err != nil {
			return nil, metrics, err
		}
		metrics = score(fit, set.X[split:], set.Y[split:])
		metrics.Samples = n
		metrics.Holdout = holdout
	}

	fit, err := m.fit(set.Features, set.X, set.Y)
	if err != nil {
		return nil, metrics, err
	}

	if metrics.Holdout == 0 {
		metrics = score(fit, set.X, set.Y)
		metrics.Samples = n
	}

	m.log.Info().
		Int("samples", metrics.Samples).
		Int("holdout", metrics.Holdout).
		Float64("mae", metrics.MAE).
		Float64("r2", metrics.R2).
		Msg("model trained")

	return fit, metrics, nil
}

// Predict evaluates the fit on rows laid out as fitted.Features().
func (m *Linear) Predict(ctx context.Context, fitted contracts.Fitted, rows [][]float64) ([]float64, error) {
	fit, ok := fitted.(*Fit)
	if !ok {
		return nil, fmt.Errorf("model: unexpected fitted type %T", fitted)
	}
	if err := checkShape(rows, len(fit.features)); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return fit.predict(rows), nil
}

func (m *Linear) fit(features []string, X [][]float64, y []float64) (*Fit, error) {
	n, p := len(X), len(features)

	f := &Fit{
		features: append([]string(nil), features...),
		mean:     make([]float64, p),
		scale:    make([]float64, p),
		coef:     make([]float64, p),
	}

	col := make([]float64, n)
	for j := 0; j < p; j++ {
		for i := range X {
			col[i] = X[i][j]
		}
		mean, std := stat.MeanStdDev(col, nil)
		if std == 0 || math.IsNaN(std) {
			std = 1
		}
		f.mean[j], f.scale[j] = mean, std
	}

	f.intercept = stat.Mean(y, nil)
	if p == 0 {
		return f, nil
	}

	Z := mat.NewDense(n, p, nil)
	for i := range X {
		for j := 0; j < p; j++ {
			Z.Set(i, j, (X[i][j]-f.mean[j])/f.scale[j])
		}
	}
	yc := mat.NewVecDense(n, nil)
	for i := range y {
		yc.SetVec(i, y[i]-f.intercept)
	}

	// (ZᵀZ + λI) β = Zᵀy
	var zz mat.Dense
	zz.Mul(Z.T(), Z)
	gram := mat.NewSymDense(p, nil)
	for i := 0; i < p; i++ {
		for j := i; j < p; j++ {
			v := zz.At(i, j)
			if i == j {
				v += m.cfg.Ridge * float64(n)
			}
			gram.SetSym(i, j, v)
		}
	}

	var zy mat.VecDense
	zy.MulVec(Z.T(), yc)

	var chol mat.Cholesky
	if ok := chol.Factorize(gram); !ok {
		return nil, errors.New("model: normal equations are not positive definite")
	}
	var beta mat.VecDense
	if err := chol.SolveVecTo(&beta, &zy); err != nil {
		return nil, fmt.Errorf("model: solve: %w", err)
	}
	for j := 0; j < p; j++ {
		f.coef[j] = beta.AtVec(j)
	}
	return f, nil
}

func (f *Fit) predict(rows [][]float64) []float64 {
	out := make([]float64, len(rows))
	for i, row := range rows {
		v := f.intercept
		for j, x := range row {
			v += f.coef[j] * (x - f.mean[j]) / f.scale[j]
		}
		out[i] = v
	}
	return out
}

func score(f *Fit, X [][]float64, y []float64) contracts.Metrics {
	est := f.predict(X)

	var abs, sq float64
	for i := range y {
		d := est[i] - y[i]
		abs += math.Abs(d)
		sq += d * d
	}
	n := float64(len(y))

	m := contracts.Metrics{
		MAE: abs / n,
		MSE: sq / n,
	}
	if len(y) > 1 {
		m.R2 = stat.RSquaredFrom(est, y, nil)
	}
	return m
}

func checkShape(X [][]float64, width int) error {
	for i, row := range X {
		if len(row) != width {
			return fmt.Errorf("%w: row %d has %d values, want %d", ErrShape, i, len(row), width)
		}
	}
	return nil
}
