package jobs

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/spotcast/internal/freeze"
	"github.com/wonny/spotcast/internal/pipeline"
	"github.com/wonny/spotcast/pkg/config"
	"github.com/wonny/spotcast/pkg/logger"
)

type fakeRunner struct {
	instants []time.Time
	err      error
}

func (r *fakeRunner) Run(_ context.Context, instant time.Time, _ pipeline.Options) (*pipeline.Report, error) {
	r.instants = append(r.instants, instant)
	return &pipeline.Report{Rows: 288, Saved: true, Freeze: &freeze.Result{Written: 96}}, r.err
}

func newJob(r Runner) *SpotForecastJob {
	log := logger.NewWithWriter(&config.Config{Env: "test", LogLevel: "error"}, io.Discard)
	j := NewSpotForecastJob(r, "0 0 7 * * *", log)
	j.now = func() time.Time { return time.Date(2024, 3, 1, 5, 0, 0, 0, time.UTC) }
	return j
}

func TestSpotForecastJob(t *testing.T) {
	r := &fakeRunner{}
	j := newJob(r)

	assert.Equal(t, "spot_forecast", j.Name())
	assert.Equal(t, "0 0 7 * * *", j.Schedule())

	require.NoError(t, j.Run(context.Background()))
	require.Len(t, r.instants, 1)
	assert.Equal(t, time.Date(2024, 3, 1, 5, 0, 0, 0, time.UTC), r.instants[0])
}

func TestSpotForecastJob_Errors(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		permanent bool
	}{
		{"transient", errors.New("store unavailable"), false},
		{"in progress", pipeline.ErrRunInProgress, true},
		{"no training data", freeze.ErrNoTrainingData, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := newJob(&fakeRunner{err: tt.err}).Run(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.err)

			var perm *backoff.PermanentError
			assert.Equal(t, tt.permanent, errors.As(err, &perm))
		})
	}
}
