package contracts

import (
	"context"
	"time"
)

// Range is the query window handed to an adapter. Now is the run's hour-aligned
// "now", so adapters can split history from forecast without reading the clock.
type Range struct {
	Start time.Time
	End   time.Time
	Now   time.Time
}

// Adapter supplies partial series for one or more columns.
// ⭐ SSOT: 외부 데이터 소스 인터페이스
type Adapter interface {
	// Name identifies the adapter in logs and the source registry
	Name() string

	// Columns lists the columns the adapter may return, in merge order
	Columns() []string

	// Fetch returns whatever the source knows inside r. Missing hours are
	// simply absent; an adapter never invents values outside its knowledge.
	Fetch(ctx context.Context, r Range) (map[string]Series, error)
}

// TrainingSet is the model input: rows of feature values plus the target.
type TrainingSet struct {
	Features []string
	X        [][]float64
	Y        []float64
}

// Metrics reports model quality on held-out rows.
type Metrics struct {
	MAE     float64 `json:"mae"`
	MSE     float64 `json:"mse"`
	R2      float64 `json:"r2"`
	Samples int     `json:"samples"`
	Holdout int     `json:"holdout"`
}

// Fitted is an opaque trained model.
type Fitted interface {
	Features() []string
}

// Model is the training / prediction collaborator.
// ⭐ SSOT: 모델 인터페이스
type Model interface {
	Train(ctx context.Context, set TrainingSet) (Fitted, Metrics, error)
	// Predict returns one estimate per row, aligned positionally with rows
	Predict(ctx context.Context, fitted Fitted, rows [][]float64) ([]float64, error)
}
