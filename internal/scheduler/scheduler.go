// Package scheduler provides cron-based housekeeping for FlowPipe.
//
// It periodically ends stale sessions and purges old inbound dedup records.
package scheduler

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// DefaultHousekeepingSchedule runs housekeeping every five minutes.
const DefaultHousekeepingSchedule = "*/5 * * * *"

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates a cron scheduler. Jobs run once Start or Run is called.
func NewScheduler() *Scheduler {
	c := cron.New(cron.WithParser(cronParser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	return &Scheduler{cron: c}
}

// ValidateSchedule reports whether expr is a valid 5-field cron expression.
func ValidateSchedule(expr string) error {
	_, err := cronParser.Parse(expr)
	return err
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// Start starts the scheduler in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Run starts the scheduler and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("Scheduler.Run: started", "jobs", len(s.cron.Entries()))
	s.Start()
	<-ctx.Done()
	s.Stop()
	slog.Info("Scheduler.Run: stopped")
	return nil
}
