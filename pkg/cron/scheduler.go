// Package cron provides scheduled background jobs using robfig/cron.
package cron

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/FACorreiaa/bank-statement-analyzer/internal/job"
)

// Scheduler runs the periodic reconcile sweep so jobs whose tasks died
// without a fragment are detected even when nobody polls their status.
type Scheduler struct {
	cron   *cron.Cron
	svc    *job.Service
	spec   string
	logger *slog.Logger
}

// NewScheduler creates a new job scheduler. spec is a standard 5-field cron
// expression; empty means every 5 minutes.
func NewScheduler(svc *job.Service, spec string, logger *slog.Logger) *Scheduler {
	if spec == "" {
		spec = "*/5 * * * *"
	}
	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))

	return &Scheduler{
		cron:   c,
		svc:    svc,
		spec:   spec,
		logger: logger,
	}
}

// Start begins scheduled jobs.
func (s *Scheduler) Start() error {
	_, err := s.cron.AddFunc(s.spec, s.reconcileActiveJobs)
	if err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Info("cron scheduler started",
		slog.String("spec", s.spec),
		slog.Int("jobs", len(s.cron.Entries())),
	)
	return nil
}

// Stop gracefully stops all scheduled jobs.
func (s *Scheduler) Stop() context.Context {
	s.logger.Info("cron scheduler stopping")
	return s.cron.Stop()
}

// RunNow manually triggers a sweep (for testing/admin).
func (s *Scheduler) RunNow() {
	go s.reconcileActiveJobs()
}

// reconcileActiveJobs walks every non-terminal job and runs the same
// reconcile-on-read logic as a status poll.
func (s *Scheduler) reconcileActiveJobs() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	s.logger.Info("starting reconcile sweep")

	jobIDs, err := s.svc.ActiveJobs()
	if err != nil {
		s.logger.Error("failed to list active jobs", slog.Any("error", err))
		return
	}

	reconciled := 0
	failed := 0

	for _, jobID := range jobIDs {
		if err := s.svc.Reconcile(ctx, jobID); err != nil {
			s.logger.Warn("failed to reconcile job",
				slog.String("job_id", jobID),
				slog.Any("error", err),
			)
			failed++
			continue
		}
		reconciled++
	}

	s.logger.Info("reconcile sweep completed",
		slog.Int("jobs_reconciled", reconciled),
		slog.Int("jobs_failed", failed),
	)
}
