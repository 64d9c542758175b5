package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/reply-relay/internal/domain"
	"github.com/go-co-op/gocron/v2"
)

// Runner drives both sweeps on their own fixed intervals.
type Runner struct {
	scheduler         gocron.Scheduler
	reminders         *ReminderSweeper
	retention         *RetentionSweeper
	sweepInterval     time.Duration
	retentionInterval time.Duration
	now               func() time.Time
	logger            *slog.Logger
}

// NewRunner creates a runner. Nothing is scheduled until Start.
func NewRunner(reminders *ReminderSweeper, retention *RetentionSweeper, sweepInterval, retentionInterval time.Duration, logger *slog.Logger) (*Runner, error) {
	if sweepInterval <= 0 || retentionInterval <= 0 {
		return nil, fmt.Errorf("sweep intervals must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	return &Runner{
		scheduler:         s,
		reminders:         reminders,
		retention:         retention,
		sweepInterval:     sweepInterval,
		retentionInterval: retentionInterval,
		now:               time.Now,
		logger:            logger,
	}, nil
}

// Start registers both sweep jobs and starts the scheduler. Jobs run with ctx
// and stop doing work once it is cancelled. Overlapping fires are not
// suppressed here; each sweeper drops them itself.
func (r *Runner) Start(ctx context.Context) error {
	_, err := r.scheduler.NewJob(
		gocron.DurationJob(r.sweepInterval),
		gocron.NewTask(func() { r.runReminders(ctx) }),
		gocron.WithName("reminder_sweep"),
	)
	if err != nil {
		return fmt.Errorf("failed to create reminder job: %w", err)
	}

	_, err = r.scheduler.NewJob(
		gocron.DurationJob(r.retentionInterval),
		gocron.NewTask(func() { r.runRetention(ctx) }),
		gocron.WithName("retention_sweep"),
	)
	if err != nil {
		return fmt.Errorf("failed to create retention job: %w", err)
	}

	r.scheduler.Start()
	r.logger.Info("Sweep scheduler started",
		"sweep_interval", r.sweepInterval,
		"retention_interval", r.retentionInterval)
	return nil
}

// Shutdown stops the scheduler and waits for running jobs.
func (r *Runner) Shutdown() error {
	r.logger.Info("Sweep scheduler shutting down")
	return r.scheduler.Shutdown()
}

func (r *Runner) runReminders(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := r.reminders.Sweep(ctx, r.now()); err != nil && !errors.Is(err, domain.ErrBusy) && !errors.Is(err, context.Canceled) {
		r.logger.Error("Reminder sweep failed", "error", err)
	}
}

func (r *Runner) runRetention(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := r.retention.Sweep(ctx, r.now()); err != nil && !errors.Is(err, domain.ErrBusy) && !errors.Is(err, context.Canceled) {
		r.logger.Error("Retention sweep failed", "error", err)
	}
}
