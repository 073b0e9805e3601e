package jobs

import (
	"context"
	"time"

	"github.com/wonny/spotcast/pkg/database"
	"github.com/wonny/spotcast/pkg/logger"
)

// StoreHealthJob checks the Postgres table store between runs
type StoreHealthJob struct {
	db     *database.DB
	logger *logger.Logger
}

// NewStoreHealthJob creates a new store health job
func NewStoreHealthJob(db *database.DB, log *logger.Logger) *StoreHealthJob {
	return &StoreHealthJob{
		db:     db,
		logger: log,
	}
}

// Name returns the job name
func (j *StoreHealthJob) Name() string {
	return "store_health"
}

// Schedule returns the cron schedule (every 5 minutes)
func (j *StoreHealthJob) Schedule() string {
	return "0 */5 * * * *" // Every 5 minutes
}

// Run pings the database
func (j *StoreHealthJob) Run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	status, err := j.db.HealthCheck(ctx)
	if err != nil {
		return err
	}

	j.logger.WithFields(map[string]interface{}{
		"response_time": status.ResponseTime.String(),
		"total_conns":   status.TotalConns,
		"idle_conns":    status.IdleConns,
	}).Debug("Store healthy")

	return nil
}
