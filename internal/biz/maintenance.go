package biz

import (
	"context"
	"time"

	"github.com/go-kratos/kratos/v2/log"

	"MendLane/internal/conf"
)

// MaintenanceUsecase owns the periodic housekeeping the cron scheduler
// drives: flushing pending error aggregate deltas to the store and purging
// append-only history past the retention window. All of it is best
// effort; a failed purge is retried on the next run.
type MaintenanceUsecase struct {
	health     HealthCheckRepo
	workflows  RecoveryWorkflowRepo
	sessions   SessionRepo
	classifier *ErrorClassifierUsecase
	errorLogs  ErrorLogRepo
	rcfg       conf.Recovery
	logger     *log.Helper

	now func() time.Time
}

// NewMaintenanceUsecase creates a new maintenance use case.
func NewMaintenanceUsecase(rc *conf.Recovery, health HealthCheckRepo, workflows RecoveryWorkflowRepo, sessions SessionRepo, classifier *ErrorClassifierUsecase, errorLogs ErrorLogRepo, logger log.Logger) *MaintenanceUsecase {
	return &MaintenanceUsecase{
		health:     health,
		workflows:  workflows,
		sessions:   sessions,
		classifier: classifier,
		errorLogs:  errorLogs,
		rcfg:       recoveryConfig(rc),
		logger:     log.NewHelper(logger),
		now:        time.Now,
	}
}

// FlushAggregates folds the classifier's pending hourly deltas into the
// store. Runs hourly.
func (uc *MaintenanceUsecase) FlushAggregates(ctx context.Context) error {
	if err := uc.classifier.FlushAggregates(ctx); err != nil {
		uc.logger.Warnf("aggregate flush failed: %v", err)
		return err
	}
	return nil
}

// PurgeExpired removes health checks, terminal workflows, sessions and
// error logs older than the retention window. Runs daily.
func (uc *MaintenanceUsecase) PurgeExpired(ctx context.Context) {
	cutoff := uc.now().AddDate(0, 0, -uc.rcfg.RetentionDays)

	type purge struct {
		kind string
		fn   func(context.Context, time.Time) (int64, error)
	}
	purges := []purge{
		{"health_checks", uc.health.PurgeOlderThan},
		{"recovery_workflows", uc.workflows.PurgeOlderThan},
		{"orchestration_sessions", uc.sessions.PurgeOlderThan},
		{"error_logs", uc.errorLogs.PurgeOlderThan},
	}

	for _, p := range purges {
		removed, err := p.fn(ctx, cutoff)
		if err != nil {
			uc.logger.Warnw("retention purge failed",
				"kind", p.kind,
				"cutoff", cutoff.Format(time.RFC3339),
				"error", err)
			continue
		}
		if removed > 0 {
			uc.logger.Infow("retention purge completed",
				"kind", p.kind,
				"removed", removed,
				"cutoff", cutoff.Format(time.RFC3339))
		}
	}
}
