package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wonny/spotcast/internal/freeze"
	"github.com/wonny/spotcast/internal/pipeline"
	"github.com/wonny/spotcast/internal/scheduler"
	"github.com/wonny/spotcast/pkg/logger"
)

// Runner is the part of pipeline.Runner the job needs
type Runner interface {
	Run(ctx context.Context, instant time.Time, opts pipeline.Options) (*pipeline.Report, error)
}

// SpotForecastJob runs one forecast cycle.
// Schedule: 07:00 Europe/Helsinki by default (RUN_SCHEDULE)
type SpotForecastJob struct {
	runner   Runner
	schedule string
	logger   *logger.Logger
	now      func() time.Time
}

// NewSpotForecastJob creates a new forecast job
func NewSpotForecastJob(runner Runner, schedule string, log *logger.Logger) *SpotForecastJob {
	return &SpotForecastJob{
		runner:   runner,
		schedule: schedule,
		logger:   log,
		now:      time.Now,
	}
}

// Name returns the job name
func (j *SpotForecastJob) Name() string {
	return "spot_forecast"
}

// Schedule returns the cron schedule (with seconds)
func (j *SpotForecastJob) Schedule() string {
	return j.schedule
}

// Run executes the pipeline at the current instant. Each attempt reads the
// clock again, so a retry after midnight uses the new day's cutoff.
func (j *SpotForecastJob) Run(ctx context.Context) error {
	j.logger.Info("Starting scheduled spot forecast")

	report, err := j.runner.Run(ctx, j.now(), pipeline.Options{})
	switch {
	case err == nil:
	case errors.Is(err, pipeline.ErrRunInProgress):
		// 다른 실행이 진행 중: 재시도 불필요
		return scheduler.Permanent(err)
	case errors.Is(err, freeze.ErrNoTrainingData):
		return scheduler.Permanent(fmt.Errorf("spot forecast: %w", err))
	default:
		return fmt.Errorf("spot forecast: %w", err)
	}

	fields := map[string]interface{}{
		"rows":  report.Rows,
		"saved": report.Saved,
	}
	if report.Freeze != nil {
		fields["written"] = report.Freeze.Written
		fields["settled"] = report.Freeze.Settled
	}
	j.logger.WithFields(fields).Info("Spot forecast completed")

	return nil
}
