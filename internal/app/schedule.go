package app

import (
	"context"
	"time"

	"github.com/dvloznov/receipt-ledger/internal/jobs"
	"github.com/dvloznov/receipt-ledger/internal/logger"
)

// EnqueueFullSync publishes a full sync job. Failures are logged only.
func EnqueueFullSync(ctx context.Context, publisher jobs.Publisher, trigger string) {
	log := logger.FromContext(ctx)
	job := &jobs.SyncJob{Type: jobs.JobTypeFullSync, Trigger: trigger}
	if err := publisher.Publish(ctx, job); err != nil {
		log.Error().Err(err).Str("trigger", trigger).Msg("Failed to enqueue full sync")
		return
	}
	log.Info().Str("job_id", job.JobID).Str("trigger", trigger).Msg("Full sync enqueued")
}

// RunSchedule enqueues a full sync every interval until ctx is done.
func RunSchedule(ctx context.Context, publisher jobs.Publisher, interval time.Duration) {
	log := logger.FromContext(ctx)
	log.Info().Dur("interval", interval).Msg("Scheduled full sync enabled")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			EnqueueFullSync(ctx, publisher, "schedule")
		}
	}
}

// StartBackground starts the queue workers, the startup sync and the schedule
// as configured. Workers and schedule stop when ctx is done.
func (a *App) StartBackground(ctx context.Context) error {
	if err := a.Queue.Start(ctx, a.HandleJob); err != nil {
		return err
	}
	log := logger.FromContext(ctx)
	log.Info().Int("workers", a.Config.Jobs.Workers).Msg("Job worker started")

	if a.Config.Sync.SyncOnStartup {
		EnqueueFullSync(ctx, a.Publisher, "startup")
	}
	if a.Config.Sync.Interval > 0 {
		go RunSchedule(ctx, a.Publisher, a.Config.Sync.Interval)
	}
	return nil
}
