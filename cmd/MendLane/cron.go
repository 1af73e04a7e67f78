package main

import (
	"context"
	"time"

	"MendLane/internal/biz"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/robfig/cron/v3"
)

// Cron schedules (seconds field enabled):
//   - health check sweep every 15s; each service's own probe interval
//     gates whether it actually probes
//   - workflow advance tick every 5s; moves every active recovery
//     workflow forward by at most one step attempt
//   - hourly at :05 flush dirty error aggregates to the store
//   - daily at 03:00 purge history past the retention window
const (
	scheduleCheckSweep   = "*/15 * * * * *"
	scheduleWorkflowTick = "*/5 * * * * *"
	scheduleHourlyFlush  = "0 5 * * * *"
	scheduleDailyPurge   = "0 0 3 * * *"
)

// cronServer adapts the robfig cron runner to the Kratos transport.Server
// interface so scheduling starts and stops with the application.
type cronServer struct {
	cron   *cron.Cron
	helper *log.Helper
}

// newCronServer registers the recurring jobs and returns the scheduler.
func newCronServer(health *biz.HealthCheckUsecase, workflows *biz.RecoveryWorkflowUsecase, maintenance *biz.MaintenanceUsecase, logger log.Logger) (*cronServer, error) {
	helper := log.NewHelper(logger)
	c := cron.New(cron.WithSeconds())

	if _, err := c.AddFunc(scheduleCheckSweep, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		health.RunDueChecks(ctx)
	}); err != nil {
		return nil, err
	}

	if _, err := c.AddFunc(scheduleWorkflowTick, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		workflows.TickActive(ctx)
	}); err != nil {
		return nil, err
	}

	if _, err := c.AddFunc(scheduleHourlyFlush, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := maintenance.FlushAggregates(ctx); err != nil {
			helper.Errorw("hourly aggregate flush failed", "error", err)
		}
	}); err != nil {
		return nil, err
	}

	if _, err := c.AddFunc(scheduleDailyPurge, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		maintenance.PurgeExpired(ctx)
	}); err != nil {
		return nil, err
	}

	return &cronServer{cron: c, helper: helper}, nil
}

// Start implements transport.Server.
func (s *cronServer) Start(_ context.Context) error {
	s.cron.Start()
	s.helper.Info("cron scheduler started: check sweep 15s, workflow tick 5s, hourly flush, daily purge")
	return nil
}

// Stop implements transport.Server. Waits for running jobs to finish.
func (s *cronServer) Stop(ctx context.Context) error {
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
	}
	s.helper.Info("cron scheduler stopped")
	return nil
}
