package job

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/FACorreiaa/bank-statement-analyzer/internal/jobfs"
	"github.com/FACorreiaa/bank-statement-analyzer/internal/summary"
	"github.com/FACorreiaa/bank-statement-analyzer/pkg/taskq"
)

// Task unit names registered on the executor.
const (
	TaskProcessJob  = "jobs.process_job"
	TaskProcessPage = "jobs.process_page"
	TaskFinalizeJob = "jobs.finalize_job"
)

func (s *Service) registerHandlers() {
	s.exec.Register(TaskProcessJob, s.handleProcessJob)
	s.exec.Register(TaskProcessPage, s.handleProcessPage)
	s.exec.Register(TaskFinalizeJob, s.handleFinalizeJob)
}

// handleProcessJob is the job unit: text parsing for digital documents (with
// OCR fallback on any failure), or rendering plus per-page dispatch for the
// OCR path.
func (s *Service) handleProcessJob(ctx context.Context, t *taskq.Task) error {
	jobID := t.Payload.JobID
	mode := t.Payload.ParseMode

	if mode == ModeText {
		pages, err := s.pipe.ProcessTextJob(ctx, jobID)
		if err == nil {
			return s.completeTextJob(ctx, jobID, pages)
		}
		s.logger.Warn("text pipeline failed, falling back to ocr",
			slog.String("job_id", jobID),
			slog.Any("error", err))
		if err := s.switchToOCR(ctx, jobID); err != nil {
			return err
		}
	}

	s.setStep(jobID, "rendering")
	pages, err := s.pipe.RenderJob(ctx, jobID)
	if err != nil {
		if Retryable(err) && !s.policy.Exhausted(t.Attempt) {
			s.metrics.RecordTaskRetry(TaskProcessJob)
			s.setStep(jobID, "render_retry")
			return taskq.RetryIn(s.policy.Delay(t.Attempt), err)
		}
		return s.failJob(ctx, jobID, fmt.Sprintf("render failed: %v", err))
	}
	if len(pages) == 0 {
		return s.failJob(ctx, jobID, "document produced no pages")
	}
	return s.dispatchPages(ctx, jobID, pages)
}

// handleProcessPage is the page unit: one idempotent pipeline run, with
// transient failures rescheduled under the backoff policy and exhausted or
// fatal failures marking the page failed.
func (s *Service) handleProcessPage(ctx context.Context, t *taskq.Task) error {
	jobID := t.Payload.JobID
	page := t.Payload.Page

	if err := s.mutatePage(ctx, jobID, page, func(ps *PageStatus) {
		ps.State = PageProcessing
		ps.TaskID = t.ID
		ps.RetryAttempt = t.Attempt - 1
		ps.RetryMax = s.policy.MaxAttempts
		ps.Message = ""
	}, false); err != nil {
		return err
	}

	heartbeat := func(wait time.Duration) {
		_ = s.mutatePage(ctx, jobID, page, func(ps *PageStatus) {
			ps.Message = fmt.Sprintf("waiting_on_rate_limit:%s", wait.Round(time.Millisecond))
		}, false)
	}

	_, alreadyDone, err := s.pipe.ProcessPage(ctx, jobID, page, heartbeat)
	if err == nil {
		if alreadyDone {
			s.logger.Debug("page fragment already present",
				slog.String("job_id", jobID),
				slog.String("page", page))
		}
		return s.mutatePage(ctx, jobID, page, func(ps *PageStatus) {
			ps.State = PageDone
			ps.Message = ""
		}, true)
	}

	if Retryable(err) && !s.policy.Exhausted(t.Attempt) {
		delay := s.policy.Delay(t.Attempt)
		s.metrics.RecordTaskRetry(TaskProcessPage)
		if merr := s.mutatePage(ctx, jobID, page, func(ps *PageStatus) {
			ps.State = PageRetrying
			ps.RetryAttempt = t.Attempt
			ps.Message = boundError(err.Error())
		}, false); merr != nil {
			return merr
		}
		s.logger.Warn("page retry scheduled",
			slog.String("job_id", jobID),
			slog.String("page", page),
			slog.Int("attempt", t.Attempt),
			slog.Duration("delay", delay),
			slog.Any("error", err))
		return taskq.RetryIn(delay, err)
	}

	if merr := s.mutatePage(ctx, jobID, page, func(ps *PageStatus) {
		ps.State = PageFailed
		ps.Message = boundError(err.Error())
	}, true); merr != nil {
		return merr
	}
	s.logger.Error("page failed",
		slog.String("job_id", jobID),
		slog.String("page", page),
		slog.Int("attempt", t.Attempt),
		slog.Any("error", err))
	return err
}

// handleFinalizeJob merges fragments, caches the summary and settles the
// terminal job status.
func (s *Service) handleFinalizeJob(ctx context.Context, t *taskq.Task) error {
	jobID := t.Payload.JobID
	lock := s.jobLock(jobID)
	lock.Lock()
	defer lock.Unlock()

	st, err := s.readStatus(jobID)
	if err != nil {
		return err
	}
	if st.Status.Terminal() {
		return nil
	}
	pages, err := s.readPages(jobID)
	if err != nil {
		return err
	}
	return s.finalizeLocked(ctx, jobID, st, pages)
}

// completeTextJob records every page of a successful text-mode parse as done
// and finalizes.
func (s *Service) completeTextJob(ctx context.Context, jobID string, pageNames []string) error {
	lock := s.jobLock(jobID)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now().UTC()
	pages := make(map[string]PageStatus, len(pageNames))
	for i, name := range pageNames {
		pages[name] = PageStatus{
			Page:      name,
			State:     PageDone,
			PageIndex: i + 1,
			PageCount: len(pageNames),
			UpdatedAt: now,
		}
	}
	if err := s.writePages(jobID, pages); err != nil {
		return err
	}
	st, err := s.readStatus(jobID)
	if err != nil {
		return err
	}
	st.Step = "processing_pages"
	syncCounters(st, pages)
	if err := s.writeStatus(st); err != nil {
		return err
	}
	return s.maybeFinalizeLocked(ctx, st, pages)
}

// switchToOCR flips the job's parse mode after a text-path failure.
func (s *Service) switchToOCR(ctx context.Context, jobID string) error {
	lock := s.jobLock(jobID)
	lock.Lock()
	defer lock.Unlock()

	st, err := s.readStatus(jobID)
	if err != nil {
		return err
	}
	st.ParseMode = ModeOCR
	if err := s.writeStatus(st); err != nil {
		return err
	}
	s.recordCatalogStatus(ctx, jobID, st.Status, ModeOCR)
	return nil
}

// dispatchPages seeds the page records and submits one page unit each.
func (s *Service) dispatchPages(ctx context.Context, jobID string, pageNames []string) error {
	lock := s.jobLock(jobID)

	now := time.Now().UTC()
	pages := make(map[string]PageStatus, len(pageNames))
	for i, name := range pageNames {
		pages[name] = PageStatus{
			Page:      name,
			State:     PageQueued,
			RetryMax:  s.policy.MaxAttempts,
			PageIndex: i + 1,
			PageCount: len(pageNames),
			UpdatedAt: now,
		}
	}

	lock.Lock()
	if err := s.writePages(jobID, pages); err != nil {
		lock.Unlock()
		return err
	}
	st, err := s.readStatus(jobID)
	if err != nil {
		lock.Unlock()
		return err
	}
	st.Step = "processing_pages"
	syncCounters(st, pages)
	if err := s.writeStatus(st); err != nil {
		lock.Unlock()
		return err
	}
	lock.Unlock()

	for i, name := range pageNames {
		taskID, err := s.exec.Submit(ctx, TaskProcessPage, taskq.Payload{
			JobID:     jobID,
			ParseMode: ModeOCR,
			Page:      name,
			PageIndex: i + 1,
			PageCount: len(pageNames),
		}, 0)
		if err != nil {
			if merr := s.mutatePage(ctx, jobID, name, func(ps *PageStatus) {
				ps.State = PageFailed
				ps.Message = boundError(fmt.Sprintf("dispatch failed: %v", err))
			}, true); merr != nil {
				return merr
			}
			continue
		}
		if err := s.mutatePage(ctx, jobID, name, func(ps *PageStatus) {
			if ps.TaskID == "" {
				ps.TaskID = taskID
			}
		}, false); err != nil {
			return err
		}
	}
	s.logger.Info("pages dispatched",
		slog.String("job_id", jobID),
		slog.Int("pages", len(pageNames)))
	return nil
}

// mutatePage applies fn to one page record under the job lock, refreshes the
// derived job counters, and optionally runs the finalization check.
func (s *Service) mutatePage(ctx context.Context, jobID, page string, fn func(*PageStatus), finalizeCheck bool) error {
	lock := s.jobLock(jobID)
	lock.Lock()
	defer lock.Unlock()

	pages, err := s.readPages(jobID)
	if err != nil {
		return err
	}
	ps := pages[page]
	ps.Page = page
	fn(&ps)
	ps.UpdatedAt = time.Now().UTC()
	pages[page] = ps
	if err := s.writePages(jobID, pages); err != nil {
		return err
	}

	st, err := s.readStatus(jobID)
	if err != nil {
		return err
	}
	syncCounters(st, pages)
	if err := s.writeStatus(st); err != nil {
		return err
	}
	if finalizeCheck {
		return s.maybeFinalizeLocked(ctx, st, pages)
	}
	return nil
}

// maybeFinalizeLocked triggers finalization once every page is terminal.
// Caller holds the job lock.
func (s *Service) maybeFinalizeLocked(ctx context.Context, st *JobStatus, pages map[string]PageStatus) error {
	if st.Status.Terminal() || len(pages) == 0 {
		return nil
	}
	for _, ps := range pages {
		if !ps.State.Terminal() {
			return nil
		}
	}
	if st.Step == "finalizing" {
		return nil
	}
	st.Step = "finalizing"
	if err := s.writeStatus(st); err != nil {
		return err
	}
	if s.exec != nil {
		_, err := s.exec.Submit(ctx, TaskFinalizeJob, taskq.Payload{JobID: st.JobID}, 0)
		return err
	}
	return s.finalizeLocked(ctx, st.JobID, st, pages)
}

// finalizeLocked merges fragments into the summary cache and settles the
// terminal status. Caller holds the job lock.
func (s *Service) finalizeLocked(ctx context.Context, jobID string, st *JobStatus, pages map[string]PageStatus) error {
	rows, err := s.mergedRows(jobID)
	if err != nil {
		return err
	}
	sum := summary.Compute(rows)
	if err := jobfs.WriteJSON(s.fs.SummaryPath(jobID), sum); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}

	syncCounters(st, pages)
	final := StatusDone
	errMsg := ""
	switch {
	case st.PagesTotal > 0 && st.PagesDone == 0:
		final = StatusFailed
		if len(st.FailedPages) > 0 {
			errMsg = st.FailedPages[0].Error
		} else {
			errMsg = "all pages failed"
		}
	case st.PagesFailed > 0:
		final = StatusDoneWithWarnings
	}

	st.Status = final
	st.Step = "finalized"
	st.Progress = 100
	if errMsg != "" {
		st.Error = boundError(errMsg)
	}
	if err := s.writeStatus(st); err != nil {
		return err
	}

	s.metrics.RecordJobFinalized(string(final))
	s.pipe.ForgetJob(jobID)
	s.recordCatalogStatus(ctx, jobID, final, st.ParseMode)
	s.logger.Info("job finalized",
		slog.String("job_id", jobID),
		slog.String("status", string(final)),
		slog.Int("pages_done", st.PagesDone),
		slog.Int("pages_failed", st.PagesFailed),
		slog.Int("rows", len(rows)))
	return nil
}

// failJob settles the job as failed before any pages exist.
func (s *Service) failJob(ctx context.Context, jobID, msg string) error {
	lock := s.jobLock(jobID)
	lock.Lock()
	defer lock.Unlock()

	st, err := s.readStatus(jobID)
	if err != nil {
		return err
	}
	if st.Status.Terminal() {
		return nil
	}
	st.Status = StatusFailed
	st.Step = "failed"
	st.Progress = 100
	st.Error = boundError(msg)
	if err := s.writeStatus(st); err != nil {
		return err
	}
	s.metrics.RecordJobFinalized(string(StatusFailed))
	s.pipe.ForgetJob(jobID)
	s.recordCatalogStatus(ctx, jobID, StatusFailed, st.ParseMode)
	s.logger.Error("job failed",
		slog.String("job_id", jobID),
		slog.String("error", st.Error))
	return nil
}

// setStep updates the human-readable step, best-effort.
func (s *Service) setStep(jobID, step string) {
	lock := s.jobLock(jobID)
	lock.Lock()
	defer lock.Unlock()

	st, err := s.readStatus(jobID)
	if err != nil {
		return
	}
	st.Step = step
	_ = s.writeStatus(st)
}
