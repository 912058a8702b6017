// Package job is the orchestrator: it owns the job and page state machines,
// dispatches task units to the executor, reconciles lost tasks on read, and
// finalizes jobs into merged rows and a cached summary.
package job

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/FACorreiaa/bank-statement-analyzer/internal/export"
	"github.com/FACorreiaa/bank-statement-analyzer/internal/jobfs"
	"github.com/FACorreiaa/bank-statement-analyzer/internal/parser"
	"github.com/FACorreiaa/bank-statement-analyzer/internal/pipeline"
	"github.com/FACorreiaa/bank-statement-analyzer/internal/summary"
	"github.com/FACorreiaa/bank-statement-analyzer/pkg/metrics"
	"github.com/FACorreiaa/bank-statement-analyzer/pkg/money"
	"github.com/FACorreiaa/bank-statement-analyzer/pkg/taskq"
)

var (
	ErrJobNotFound  = errors.New("job not found")
	ErrPageNotFound = errors.New("page not found")
	ErrNotAPDF      = errors.New("file is not a PDF document")
)

var pdfMagic = []byte("%PDF")

// Catalog records jobs in an external index, best-effort. The filesystem
// stays the source of truth; catalog failures are logged and swallowed.
type Catalog interface {
	RecordJob(ctx context.Context, m Manifest) error
	RecordStatus(ctx context.Context, jobID string, status Status, parseMode string) error
}

// Options configures a Service.
type Options struct {
	Executor         taskq.Executor
	Catalog          Catalog
	Policy           RetryPolicy
	DigitalThreshold int
	Metrics          *metrics.Metrics
	Logger           *slog.Logger
}

// Service exposes the job operations. All status mutations for a job are
// serialized by a per-job lock; page fragments on disk are the ground truth
// the status record is reconciled against.
type Service struct {
	fs       *jobfs.Store
	pipe     *pipeline.Pipeline
	renderer pipeline.Renderer
	exec     taskq.Executor
	catalog  Catalog
	policy   RetryPolicy
	metrics  *metrics.Metrics
	logger   *slog.Logger

	digitalThreshold int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewService wires a Service and registers its task handlers on the executor.
func NewService(fs *jobfs.Store, pipe *pipeline.Pipeline, renderer pipeline.Renderer, opts Options) *Service {
	if opts.Policy.MaxAttempts == 0 {
		opts.Policy = DefaultRetryPolicy()
	}
	if opts.DigitalThreshold == 0 {
		opts.DigitalThreshold = 300
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Service{
		fs:               fs,
		pipe:             pipe,
		renderer:         renderer,
		exec:             opts.Executor,
		catalog:          opts.Catalog,
		policy:           opts.Policy,
		metrics:          opts.Metrics,
		logger:           opts.Logger,
		digitalThreshold: opts.DigitalThreshold,
		locks:            make(map[string]*sync.Mutex),
	}
	if s.exec != nil {
		s.registerHandlers()
	}
	return s
}

// CreateResult is the outcome of job intake.
type CreateResult struct {
	JobID  string `json:"job_id"`
	Status Status `json:"status"`
	TaskID string `json:"task_id,omitempty"`
}

// StartResult reports the dispatched job unit.
type StartResult struct {
	JobID     string `json:"job_id"`
	TaskID    string `json:"task_id"`
	ParseMode string `json:"parse_mode"`
}

// UpdateResult is the outcome of a manual row edit.
type UpdateResult struct {
	Page    string          `json:"page"`
	Rows    []parser.Row    `json:"rows"`
	Summary summary.Summary `json:"summary"`
}

// CreateJob stores the uploaded document, lays out the job directory and
// writes the queued status record. attachmentIDs accepts the shapes that
// ParseAttachmentIDs does. When autoStart is set the job unit is dispatched
// immediately.
func (s *Service) CreateJob(ctx context.Context, file []byte, filename, requestedMode string, attachmentIDs any, autoStart bool) (CreateResult, error) {
	if len(file) < len(pdfMagic) || !bytes.HasPrefix(file, pdfMagic) {
		return CreateResult{}, ErrNotAPDF
	}
	mode, err := normalizeMode(requestedMode)
	if err != nil {
		return CreateResult{}, err
	}
	ids, err := ParseAttachmentIDs(attachmentIDs)
	if err != nil {
		return CreateResult{}, fmt.Errorf("attachment ids: %w", err)
	}

	jobID := uuid.NewString()
	if err := s.fs.CreateJob(jobID, file); err != nil {
		return CreateResult{}, fmt.Errorf("create job: %w", err)
	}

	now := time.Now().UTC()
	manifest := Manifest{
		JobID:         jobID,
		Filename:      filename,
		Size:          int64(len(file)),
		RequestedMode: mode,
		AttachmentIDs: ids,
		CreatedAt:     now,
	}
	if err := jobfs.WriteJSON(s.fs.ManifestPath(jobID), manifest); err != nil {
		return CreateResult{}, fmt.Errorf("write manifest: %w", err)
	}
	st := &JobStatus{
		JobID:         jobID,
		Status:        StatusQueued,
		Step:          "queued",
		ParseMode:     mode,
		RequestedMode: mode,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := jobfs.WriteJSON(s.fs.StatusPath(jobID), st); err != nil {
		return CreateResult{}, fmt.Errorf("write status: %w", err)
	}
	s.recordCatalogJob(ctx, manifest)

	s.logger.Info("job created",
		slog.String("job_id", jobID),
		slog.String("filename", filename),
		slog.Int("size", len(file)),
		slog.String("requested_mode", mode))

	res := CreateResult{JobID: jobID, Status: StatusQueued}
	if autoStart {
		start, err := s.StartJob(ctx, jobID, mode)
		if err != nil {
			return res, err
		}
		res.Status = StatusProcessing
		res.TaskID = start.TaskID
	}
	return res, nil
}

// StartJob resolves the parse mode and dispatches the job unit. Calling it on
// a job that is already processing returns the active task; terminal jobs are
// rejected.
func (s *Service) StartJob(ctx context.Context, jobID, requestedMode string) (StartResult, error) {
	if !s.fs.JobExists(jobID) {
		return StartResult{}, ErrJobNotFound
	}
	if s.exec == nil {
		return StartResult{}, errors.New("no executor configured")
	}
	mode, err := normalizeMode(requestedMode)
	if err != nil {
		return StartResult{}, err
	}

	lock := s.jobLock(jobID)
	lock.Lock()
	defer lock.Unlock()

	st, err := s.readStatus(jobID)
	if err != nil {
		return StartResult{}, err
	}
	if st.Status.Terminal() {
		return StartResult{}, fmt.Errorf("job %s already finished with status %s", jobID, st.Status)
	}
	if st.Status == StatusProcessing && st.TaskID != "" {
		return StartResult{JobID: jobID, TaskID: st.TaskID, ParseMode: st.ParseMode}, nil
	}

	if mode == ModeAuto && st.RequestedMode != "" {
		mode = st.RequestedMode
	}
	resolved := s.resolveMode(ctx, jobID, mode)

	taskID, err := s.exec.Submit(ctx, TaskProcessJob, taskq.Payload{JobID: jobID, ParseMode: resolved}, 0)
	if err != nil {
		return StartResult{}, fmt.Errorf("submit job unit: %w", err)
	}

	st.Status = StatusProcessing
	st.Step = "dispatched"
	st.ParseMode = resolved
	st.TaskID = taskID
	if err := s.writeStatus(st); err != nil {
		return StartResult{}, err
	}
	s.recordCatalogStatus(ctx, jobID, StatusProcessing, resolved)

	s.logger.Info("job dispatched",
		slog.String("job_id", jobID),
		slog.String("task_id", taskID),
		slog.String("parse_mode", resolved))
	return StartResult{JobID: jobID, TaskID: taskID, ParseMode: resolved}, nil
}

// resolveMode turns "auto" into "text" or "ocr" using the document's embedded
// text density. Profiling failures fall back to OCR.
func (s *Service) resolveMode(ctx context.Context, jobID, mode string) string {
	if mode != ModeAuto {
		return mode
	}
	tp, err := s.renderer.TextProfile(ctx, s.fs.InputPath(jobID))
	if err != nil {
		s.logger.Warn("text profiling failed, using ocr",
			slog.String("job_id", jobID),
			slog.Any("error", err))
		return ModeOCR
	}
	if tp.IsDigital(s.digitalThreshold) {
		return ModeText
	}
	return ModeOCR
}

// GetStatus returns the job status after reconciling it against the
// fragments on disk and the executor's view of in-flight page tasks.
func (s *Service) GetStatus(ctx context.Context, jobID string) (JobStatus, error) {
	if !s.fs.JobExists(jobID) {
		return JobStatus{}, ErrJobNotFound
	}
	if err := s.Reconcile(ctx, jobID); err != nil {
		return JobStatus{}, err
	}
	st, err := s.readStatus(jobID)
	if err != nil {
		return JobStatus{}, err
	}
	return *st, nil
}

// Reconcile brings the status record in line with reality: fragments present
// on disk mark pages done regardless of what the task said, and pages whose
// task reached a terminal state without producing a fragment are force-failed.
// When every page is terminal and the job is not, finalization is triggered.
func (s *Service) Reconcile(ctx context.Context, jobID string) error {
	if !s.fs.JobExists(jobID) {
		return ErrJobNotFound
	}

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
	if len(pages) == 0 {
		return nil
	}

	changed := false
	for name, ps := range pages {
		if ps.State.Terminal() {
			continue
		}
		if s.fs.FragmentExists(jobID, name) {
			ps.State = PageDone
			ps.Message = ""
			ps.UpdatedAt = time.Now().UTC()
			pages[name] = ps
			changed = true
			continue
		}
		if ps.TaskID != "" && s.exec != nil {
			if ts := s.exec.StateOf(ps.TaskID); ts.Terminal() {
				ps.State = PageFailed
				ps.Message = boundError("task_terminated:" + strings.ToLower(string(ts)))
				ps.UpdatedAt = time.Now().UTC()
				pages[name] = ps
				changed = true
			}
		}
	}
	if changed {
		if err := s.writePages(jobID, pages); err != nil {
			return err
		}
	}
	syncCounters(st, pages)
	if err := s.writeStatus(st); err != nil {
		return err
	}
	return s.maybeFinalizeLocked(ctx, st, pages)
}

// GetPagesStatus returns the per-page task records.
func (s *Service) GetPagesStatus(ctx context.Context, jobID string) (map[string]PageStatus, error) {
	if !s.fs.JobExists(jobID) {
		return nil, ErrJobNotFound
	}
	return s.readPages(jobID)
}

// GetParsedRows returns the rows of every completed page, keyed by canonical
// page name, with missing rownumbers backfilled from the retained raw
// structured-rows responses.
func (s *Service) GetParsedRows(ctx context.Context, jobID string) (map[string][]parser.Row, error) {
	if !s.fs.JobExists(jobID) {
		return nil, ErrJobNotFound
	}
	fragments, err := s.fs.ListFragments(jobID)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]parser.Row, len(fragments))
	for _, page := range fragments {
		rows, err := s.pageRows(jobID, page)
		if err != nil {
			return nil, err
		}
		out[page] = rows
	}
	return out, nil
}

// GetPageRows returns one page's rows. The page reference is tolerant
// ("3", "page_3", "page_003.png").
func (s *Service) GetPageRows(ctx context.Context, jobID, page string) ([]parser.Row, error) {
	if !s.fs.JobExists(jobID) {
		return nil, ErrJobNotFound
	}
	name, ok := jobfs.NormalizePageName(page)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrPageNotFound, page)
	}
	if !s.fs.FragmentExists(jobID, name) {
		return nil, fmt.Errorf("%w: %s", ErrPageNotFound, name)
	}
	return s.pageRows(jobID, name)
}

// UpdatePageRows replaces a page's rows with manually edited ones: dates,
// amounts and rownumbers are re-normalized, row ids reassigned densely, the
// bounds of surviving rows carried over, and the job summary recomputed.
func (s *Service) UpdatePageRows(ctx context.Context, jobID, page string, rows []parser.Row) (UpdateResult, error) {
	if !s.fs.JobExists(jobID) {
		return UpdateResult{}, ErrJobNotFound
	}
	name, ok := jobfs.NormalizePageName(page)
	if !ok {
		return UpdateResult{}, fmt.Errorf("%w: %q", ErrPageNotFound, page)
	}
	frag, err := s.pipe.LoadFragment(jobID, name)
	if err != nil {
		if os.IsNotExist(err) {
			return UpdateResult{}, fmt.Errorf("%w: %s", ErrPageNotFound, name)
		}
		return UpdateResult{}, err
	}

	oldBounds := make(map[string]parser.RowBounds, len(frag.Bounds))
	for _, b := range frag.Bounds {
		oldBounds[b.RowID] = b
	}

	next := make([]parser.Row, 0, len(rows))
	var nextBounds []parser.RowBounds
	for _, r := range rows {
		if norm, ok := parser.NormalizeDate(r.Date); ok {
			r.Date = norm
		}
		if r.RowType == "" {
			r.RowType = parser.RowTransaction
		}
		oldID := r.RowID
		r.RowID = fmt.Sprintf("%03d", len(next)+1)
		r.Page = name
		if b, ok := oldBounds[oldID]; ok && oldID != "" {
			b.RowID = r.RowID
			nextBounds = append(nextBounds, b)
		}
		next = append(next, r)
	}

	frag.Rows = next
	frag.Bounds = nextBounds
	frag.UpdatedAt = time.Now().UTC()
	if err := jobfs.WriteJSON(s.fs.FragmentPath(jobID, name), frag); err != nil {
		return UpdateResult{}, fmt.Errorf("write fragment: %w", err)
	}

	sum, err := s.recomputeSummary(jobID)
	if err != nil {
		return UpdateResult{}, err
	}
	s.logger.Info("page rows updated",
		slog.String("job_id", jobID),
		slog.String("page", name),
		slog.Int("rows", len(next)))
	return UpdateResult{Page: name, Rows: next, Summary: sum}, nil
}

// GetSummary returns the cached aggregate summary, recomputing it when the
// cache is missing or predates the monthly-average fields.
func (s *Service) GetSummary(ctx context.Context, jobID string) (summary.Summary, error) {
	if !s.fs.JobExists(jobID) {
		return summary.Summary{}, ErrJobNotFound
	}
	path := s.fs.SummaryPath(jobID)
	if jobfs.Exists(path) {
		var probe map[string]json.RawMessage
		if err := jobfs.ReadJSON(path, &probe); err == nil {
			if _, ok := probe["total_credit_monthly_average"]; ok {
				var sum summary.Summary
				if err := jobfs.ReadJSON(path, &sum); err != nil {
					return summary.Summary{}, err
				}
				return sum, nil
			}
		}
	}
	return s.recomputeSummary(jobID)
}

// GetBounds returns the row bounding boxes of every completed page.
func (s *Service) GetBounds(ctx context.Context, jobID string) (map[string][]parser.RowBounds, error) {
	if !s.fs.JobExists(jobID) {
		return nil, ErrJobNotFound
	}
	fragments, err := s.fs.ListFragments(jobID)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]parser.RowBounds, len(fragments))
	for _, page := range fragments {
		frag, err := s.pipe.LoadFragment(jobID, page)
		if err != nil {
			return nil, err
		}
		out[page] = frag.Bounds
	}
	return out, nil
}

// ExportCSV renders the merged rows of every completed page as CSV and
// returns the bytes plus a suggested filename.
func (s *Service) ExportCSV(ctx context.Context, jobID string) ([]byte, string, error) {
	if !s.fs.JobExists(jobID) {
		return nil, "", ErrJobNotFound
	}
	rows, err := s.mergedRows(jobID)
	if err != nil {
		return nil, "", err
	}
	records := make([]export.RowRecord, 0, len(rows))
	for _, r := range rows {
		records = append(records, export.RowRecord{
			Page:        r.Page,
			RowID:       r.RowID,
			Date:        r.Date,
			Description: r.Description,
			Debit:       money.FormatNullDecimal(r.Debit),
			Credit:      money.FormatNullDecimal(r.Credit),
			Balance:     money.FormatNullDecimal(r.Balance),
		})
	}
	data, err := export.CSV(records)
	if err != nil {
		return nil, "", err
	}
	return data, jobID + "_rows.csv", nil
}

// ActiveJobs lists job ids whose status record is present and not terminal.
// Used by the reconcile sweep.
func (s *Service) ActiveJobs() ([]string, error) {
	entries, err := os.ReadDir(s.fs.Root())
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	var active []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		jobID := e.Name()
		st, err := s.readStatus(jobID)
		if err != nil {
			continue
		}
		if !st.Status.Terminal() {
			active = append(active, jobID)
		}
	}
	sort.Strings(active)
	return active, nil
}

// mergedRows loads every fragment in page order and concatenates the rows,
// stamping each with its page.
func (s *Service) mergedRows(jobID string) ([]parser.Row, error) {
	fragments, err := s.fs.ListFragments(jobID)
	if err != nil {
		return nil, err
	}
	var rows []parser.Row
	for _, page := range fragments {
		pageRows, err := s.pageRows(jobID, page)
		if err != nil {
			return nil, err
		}
		rows = append(rows, pageRows...)
	}
	return rows, nil
}

// pageRows loads one fragment's rows, stamps the page and backfills missing
// rownumbers from the retained raw provider response.
func (s *Service) pageRows(jobID, page string) ([]parser.Row, error) {
	frag, err := s.pipe.LoadFragment(jobID, page)
	if err != nil {
		return nil, err
	}
	rows := frag.Rows
	for i := range rows {
		rows[i].Page = page
	}
	s.backfillRowNumbers(jobID, page, rows)
	return rows, nil
}

// recomputeSummary rebuilds the summary from the merged rows and caches it.
func (s *Service) recomputeSummary(jobID string) (summary.Summary, error) {
	rows, err := s.mergedRows(jobID)
	if err != nil {
		return summary.Summary{}, err
	}
	sum := summary.Compute(rows)
	if err := jobfs.WriteJSON(s.fs.SummaryPath(jobID), sum); err != nil {
		return summary.Summary{}, fmt.Errorf("write summary: %w", err)
	}
	return sum, nil
}

// rawChatEnvelope is the retained provider response shape used for
// rownumber backfill.
type rawChatEnvelope struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type rawRowsPayload struct {
	Rows []struct {
		RowNumber any `json:"rownumber"`
	} `json:"rows"`
}

// backfillRowNumbers fills nil rownumbers positionally from the raw
// structured-rows response, when one is retained. Best-effort.
func (s *Service) backfillRowNumbers(jobID, page string, rows []parser.Row) {
	missing := false
	for i := range rows {
		if rows[i].RowNumber == nil {
			missing = true
			break
		}
	}
	if !missing {
		return
	}
	data, err := os.ReadFile(s.fs.RawResponsePath(jobID, page))
	if err != nil {
		return
	}
	var env rawChatEnvelope
	if err := json.Unmarshal(data, &env); err != nil || len(env.Choices) == 0 {
		return
	}
	var payload rawRowsPayload
	if err := json.Unmarshal([]byte(stripFence(env.Choices[0].Message.Content)), &payload); err != nil {
		return
	}
	for i := range rows {
		if rows[i].RowNumber != nil || i >= len(payload.Rows) {
			continue
		}
		if raw := scalarString(payload.Rows[i].RowNumber); raw != "" {
			rows[i].RowNumber = parser.CoerceRowNumber(raw)
		}
	}
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func scalarString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

func normalizeMode(mode string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", ModeAuto:
		return ModeAuto, nil
	case ModeText:
		return ModeText, nil
	case ModeOCR:
		return ModeOCR, nil
	default:
		return "", fmt.Errorf("unsupported parse mode %q", mode)
	}
}

// --- status plumbing ---

func (s *Service) jobLock(jobID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock := s.locks[jobID]
	if lock == nil {
		lock = &sync.Mutex{}
		s.locks[jobID] = lock
	}
	return lock
}

func (s *Service) readStatus(jobID string) (*JobStatus, error) {
	var st JobStatus
	if err := jobfs.ReadJSON(s.fs.StatusPath(jobID), &st); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return &st, nil
}

func (s *Service) writeStatus(st *JobStatus) error {
	st.UpdatedAt = time.Now().UTC()
	return jobfs.WriteJSON(s.fs.StatusPath(st.JobID), st)
}

func (s *Service) readPages(jobID string) (map[string]PageStatus, error) {
	pages := make(map[string]PageStatus)
	if err := jobfs.ReadJSON(s.fs.PagesStatusPath(jobID), &pages); err != nil {
		if os.IsNotExist(err) {
			return pages, nil
		}
		return nil, err
	}
	return pages, nil
}

func (s *Service) writePages(jobID string, pages map[string]PageStatus) error {
	return jobfs.WriteJSON(s.fs.PagesStatusPath(jobID), pages)
}

// syncCounters recomputes the derived job fields from the page records.
func syncCounters(st *JobStatus, pages map[string]PageStatus) {
	st.PagesTotal = len(pages)
	st.PagesDone = 0
	st.PagesFailed = 0
	st.PagesInflight = 0
	st.FailedPages = nil
	st.ActiveTaskIDs = nil

	names := make([]string, 0, len(pages))
	for name := range pages {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ps := pages[name]
		switch ps.State {
		case PageDone:
			st.PagesDone++
		case PageFailed:
			st.PagesFailed++
			st.FailedPages = append(st.FailedPages, FailedPage{Page: name, Error: ps.Message})
		default:
			st.PagesInflight++
			if ps.TaskID != "" {
				st.ActiveTaskIDs = append(st.ActiveTaskIDs, ps.TaskID)
			}
		}
	}
	if !st.Status.Terminal() {
		st.Progress = progressOf(st.PagesDone, st.PagesFailed, st.PagesTotal)
	}
}

func (s *Service) recordCatalogJob(ctx context.Context, m Manifest) {
	if s.catalog == nil {
		return
	}
	if err := s.catalog.RecordJob(ctx, m); err != nil {
		s.logger.Warn("catalog insert failed",
			slog.String("job_id", m.JobID),
			slog.Any("error", err))
	}
}

func (s *Service) recordCatalogStatus(ctx context.Context, jobID string, status Status, parseMode string) {
	if s.catalog == nil {
		return
	}
	if err := s.catalog.RecordStatus(ctx, jobID, status, parseMode); err != nil {
		s.logger.Warn("catalog update failed",
			slog.String("job_id", jobID),
			slog.Any("error", err))
	}
}
