/**
 * @description
 * Cron scheduler setup for scheduled jobs.
 */
package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Schedules holds the cron expressions for each job.
type Schedules struct {
	EvaluateSubscriptions string
	ExpirePaymentRequests string
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron      *cron.Cron
	jobs      *Jobs
	logger    *slog.Logger
	schedules Schedules
}

// NewScheduler creates a new scheduler instance. A job still running when its next tick
// fires is skipped rather than run concurrently.
func NewScheduler(jobs *Jobs, logger *slog.Logger, schedules Schedules) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:      c,
		jobs:      jobs,
		logger:    logger,
		schedules: schedules,
	}
}

// Start registers the jobs and starts the cron scheduler. It fails if any schedule cannot be
// parsed.
func (s *Scheduler) Start() error {
	if err := s.register("subscription evaluation", s.schedules.EvaluateSubscriptions, s.jobs.EvaluateSubscriptions); err != nil {
		return err
	}
	if err := s.register("payment request expiry", s.schedules.ExpirePaymentRequests, s.jobs.ExpirePaymentRequests); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

func (s *Scheduler) register(name, spec string, job func()) error {
	if _, err := s.cron.AddFunc(spec, job); err != nil {
		s.logger.Error("failed to schedule job", "job", name, "schedule", spec, "error", err)
		return fmt.Errorf("schedule %s job: %w", name, err)
	}
	s.logger.Info("scheduled job", "job", name, "schedule", spec)
	return nil
}

// Entries reports how many jobs are registered.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
