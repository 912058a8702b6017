package job

import (
	"context"
	"errors"
	"image"
	"image/png"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FACorreiaa/bank-statement-analyzer/internal/jobfs"
	"github.com/FACorreiaa/bank-statement-analyzer/internal/parser"
	"github.com/FACorreiaa/bank-statement-analyzer/internal/pipeline"
	"github.com/FACorreiaa/bank-statement-analyzer/internal/render"
	"github.com/FACorreiaa/bank-statement-analyzer/internal/vision"
	"github.com/FACorreiaa/bank-statement-analyzer/pkg/taskq"
)

var pdfBytes = []byte("%PDF-1.4\nfake statement body\n%%EOF")

// =============================================================================
// Fakes
// =============================================================================

type fakeRenderer struct {
	mu        sync.Mutex
	pageCount int
	avgChars  int
	textPages []render.TextPage
	textErr   error
}

func (f *fakeRenderer) PageCount(context.Context, string) (int, error) { return f.pageCount, nil }

func (f *fakeRenderer) RenderPages(_ context.Context, _, outDir string) ([]string, error) {
	var names []string
	for i := 1; i <= f.pageCount; i++ {
		name := jobfs.PageName(i)
		if err := writePNG(outDir + "/" + name + ".png"); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, nil
}

func (f *fakeRenderer) RenderPage(_ context.Context, _ string, _, _ int, outPath string) error {
	return writePNG(outPath)
}

func (f *fakeRenderer) TextProfile(context.Context, string) (*render.TextProfile, error) {
	return &render.TextProfile{PageCount: f.pageCount, AvgCharsPage: float64(f.avgChars)}, nil
}

func (f *fakeRenderer) ExtractWords(context.Context, string) ([]render.TextPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.textPages, f.textErr
}

type fakeExtractor struct {
	mu        sync.Mutex
	calls     int
	failFirst int
	failWith  error
}

func (f *fakeExtractor) ExtractRows(context.Context, string, vision.Gate) (*vision.RowsResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failFirst {
		return nil, f.failWith
	}
	return &vision.RowsResult{
		Rows: []parser.Row{{
			RowID:   "001",
			Date:    "01/06/2026",
			RowType: parser.RowTransaction,
			Credit:  decimal.NullDecimal{Decimal: decimal.RequireFromString("1000.00"), Valid: true},
		}},
		Bounds: []parser.RowBounds{{RowID: "001", X0: 0.1, Y0: 0.1, X1: 0.9, Y1: 0.2}},
		Raw:    []byte(`{"choices":[]}`),
	}, nil
}

func (f *fakeExtractor) ExtractTokens(context.Context, string, vision.Gate) (*vision.TokensResult, error) {
	return nil, errors.New("tokens tier not scripted")
}

func (f *fakeExtractor) ExtractText(context.Context, string, vision.Gate) (*vision.TextResult, error) {
	return nil, errors.New("text tier not scripted")
}

func (f *fakeExtractor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingCatalog struct {
	mu       sync.Mutex
	jobs     []Manifest
	statuses []Status
}

func (c *recordingCatalog) RecordJob(_ context.Context, m Manifest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobs = append(c.jobs, m)
	return nil
}

func (c *recordingCatalog) RecordStatus(_ context.Context, _ string, status Status, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses = append(c.statuses, status)
	return nil
}

func writePNG(path string) error {
	img := image.NewGray(image.Rect(0, 0, 20, 30))
	for i := range img.Pix {
		img.Pix[i] = uint8(40 + i%180)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return png.Encode(f, img)
}

func depositTextPage() render.TextPage {
	return render.TextPage{
		Width:  800,
		Height: 1000,
		Words: []render.Word{
			{Text: "01/06/2026", X0: 40, X1: 110, Y0: 100, Y1: 112},
			{Text: "DEPOSIT", X0: 150, X1: 220, Y0: 100, Y1: 112},
			{Text: "1000.00", X0: 580, X1: 640, Y0: 100, Y1: 112},
			{Text: "1000.00", X0: 690, X1: 750, Y0: 100, Y1: 112},
		},
	}
}

type harness struct {
	fs  *jobfs.Store
	svc *Service
}

func newHarness(t *testing.T, renderer pipeline.Renderer, extractor pipeline.Extractor, opts Options) *harness {
	t.Helper()
	fs, err := jobfs.New(t.TempDir())
	require.NoError(t, err)

	pipe := pipeline.New(fs, renderer, extractor, nil, nil, pipeline.Options{UseStructuredRows: true})
	if opts.Executor == nil {
		exec := taskq.NewLocal(taskq.LocalOptions{Workers: 4, DispatchPerSecond: 500})
		t.Cleanup(exec.Close)
		opts.Executor = exec
	}
	if opts.Policy.MaxAttempts == 0 {
		opts.Policy = RetryPolicy{MaxAttempts: 3, Base: 10 * time.Millisecond, Cap: 50 * time.Millisecond}
	}
	return &harness{fs: fs, svc: NewService(fs, pipe, renderer, opts)}
}

func waitTerminal(t *testing.T, svc *Service, jobID string) JobStatus {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		st, err := svc.GetStatus(context.Background(), jobID)
		require.NoError(t, err)
		if st.Status.Terminal() {
			return st
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("job did not reach a terminal state")
	return JobStatus{}
}

// =============================================================================
// End to end
// =============================================================================

func TestEndToEndTextMode(t *testing.T) {
	ctx := context.Background()
	catalog := &recordingCatalog{}
	renderer := &fakeRenderer{pageCount: 1, avgChars: 500, textPages: []render.TextPage{depositTextPage()}}
	h := newHarness(t, renderer, &fakeExtractor{}, Options{Catalog: catalog})

	filename := gofakeit.Company() + "_statement.pdf"
	res, err := h.svc.CreateJob(ctx, pdfBytes, filename, ModeAuto, "att-1", true)
	require.NoError(t, err)
	require.NotEmpty(t, res.TaskID)

	st := waitTerminal(t, h.svc, res.JobID)
	assert.Equal(t, StatusDone, st.Status)
	assert.Equal(t, ModeText, st.ParseMode)
	assert.Equal(t, 100, st.Progress)
	assert.Equal(t, 1, st.PagesDone)
	assert.Zero(t, st.PagesFailed)

	rows, err := h.svc.GetParsedRows(ctx, res.JobID)
	require.NoError(t, err)
	require.Len(t, rows["page_001"], 1)
	row := rows["page_001"][0]
	assert.Equal(t, "01/06/2026", row.Date)
	assert.Equal(t, "DEPOSIT", row.Description)
	require.True(t, row.Credit.Valid)
	assert.Equal(t, "1000.00", row.Credit.Decimal.StringFixed(2))

	sum, err := h.svc.GetSummary(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.TransactionCount)
	assert.Equal(t, 1, sum.CreditCount)
	assert.Equal(t, "1000.00", sum.TotalCredit.StringFixed(2))
	require.True(t, sum.EndingBalance.Valid)
	assert.Equal(t, "1000.00", sum.EndingBalance.Decimal.StringFixed(2))

	data, name, err := h.svc.ExportCSV(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, res.JobID+"_rows.csv", name)
	assert.Contains(t, string(data), "DEPOSIT")
	assert.Contains(t, string(data), "1000.00")

	catalog.mu.Lock()
	defer catalog.mu.Unlock()
	require.Len(t, catalog.jobs, 1)
	assert.Equal(t, []string{"att-1"}, catalog.jobs[0].AttachmentIDs)
	assert.Contains(t, catalog.statuses, StatusProcessing)
	assert.Contains(t, catalog.statuses, StatusDone)
}

func TestEndToEndOCRMode(t *testing.T) {
	ctx := context.Background()
	renderer := &fakeRenderer{pageCount: 2, avgChars: 50}
	ext := &fakeExtractor{}
	h := newHarness(t, renderer, ext, Options{})

	res, err := h.svc.CreateJob(ctx, pdfBytes, "scan.pdf", ModeAuto, nil, false)
	require.NoError(t, err)
	start, err := h.svc.StartJob(ctx, res.JobID, ModeAuto)
	require.NoError(t, err)
	assert.Equal(t, ModeOCR, start.ParseMode)

	st := waitTerminal(t, h.svc, res.JobID)
	assert.Equal(t, StatusDone, st.Status)
	assert.Equal(t, 2, st.PagesDone)

	pages, err := h.svc.GetPagesStatus(ctx, res.JobID)
	require.NoError(t, err)
	require.Len(t, pages, 2)
	for name, ps := range pages {
		assert.Equal(t, PageDone, ps.State, name)
		assert.True(t, h.fs.FragmentExists(res.JobID, name))
	}

	sum, err := h.svc.GetSummary(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.TransactionCount)
}

func TestTextFailureFallsBackToOCR(t *testing.T) {
	ctx := context.Background()
	renderer := &fakeRenderer{pageCount: 1, avgChars: 500, textErr: errors.New("no text layer")}
	h := newHarness(t, renderer, &fakeExtractor{}, Options{})

	res, err := h.svc.CreateJob(ctx, pdfBytes, "digital.pdf", ModeAuto, nil, true)
	require.NoError(t, err)

	st := waitTerminal(t, h.svc, res.JobID)
	assert.Equal(t, StatusDone, st.Status)
	assert.Equal(t, ModeOCR, st.ParseMode, "text failure switches the job to ocr")
	assert.Equal(t, 1, st.PagesDone)
}

// =============================================================================
// Retry behavior
// =============================================================================

func TestPageRetryThenSuccess(t *testing.T) {
	ctx := context.Background()
	renderer := &fakeRenderer{pageCount: 1, avgChars: 50}
	ext := &fakeExtractor{failFirst: 1, failWith: errors.New("read tcp: connection reset by peer")}
	h := newHarness(t, renderer, ext, Options{})

	res, err := h.svc.CreateJob(ctx, pdfBytes, "flaky.pdf", ModeOCR, nil, true)
	require.NoError(t, err)

	st := waitTerminal(t, h.svc, res.JobID)
	assert.Equal(t, StatusDone, st.Status)
	assert.Equal(t, 2, ext.callCount(), "one failure, one successful retry")

	pages, err := h.svc.GetPagesStatus(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, 1, pages["page_001"].RetryAttempt)
}

func TestPageFailsAfterRetriesExhausted(t *testing.T) {
	ctx := context.Background()
	renderer := &fakeRenderer{pageCount: 1, avgChars: 50}
	ext := &fakeExtractor{failFirst: 100, failWith: errors.New("read tcp: connection reset by peer")}
	h := newHarness(t, renderer, ext, Options{
		Policy: RetryPolicy{MaxAttempts: 2, Base: 5 * time.Millisecond, Cap: 10 * time.Millisecond},
	})

	res, err := h.svc.CreateJob(ctx, pdfBytes, "dead.pdf", ModeOCR, nil, true)
	require.NoError(t, err)

	st := waitTerminal(t, h.svc, res.JobID)
	assert.Equal(t, StatusFailed, st.Status, "every page failed")
	assert.Equal(t, 100, st.Progress)
	require.Len(t, st.FailedPages, 1)
	assert.Contains(t, st.FailedPages[0].Error, "connection reset")
	assert.Equal(t, 2, ext.callCount(), "attempts bounded by policy")
}

// =============================================================================
// Reconcile
// =============================================================================

type fakeExec struct {
	mu       sync.Mutex
	handlers map[string]taskq.Handler
	states   map[string]taskq.State
}

func newFakeExec() *fakeExec {
	return &fakeExec{handlers: make(map[string]taskq.Handler), states: make(map[string]taskq.State)}
}

func (f *fakeExec) Register(name string, h taskq.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[name] = h
}

func (f *fakeExec) Submit(ctx context.Context, name string, payload taskq.Payload, _ time.Duration) (string, error) {
	f.mu.Lock()
	h := f.handlers[name]
	id := uuid.NewString()
	f.states[id] = taskq.StateStarted
	f.mu.Unlock()
	go func() {
		err := h(ctx, &taskq.Task{ID: id, Name: name, Payload: payload, Attempt: 1})
		f.mu.Lock()
		defer f.mu.Unlock()
		if err != nil {
			f.states[id] = taskq.StateFailure
			return
		}
		f.states[id] = taskq.StateSuccess
	}()
	return id, nil
}

func (f *fakeExec) StateOf(taskID string) taskq.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.states[taskID]; ok {
		return s
	}
	return taskq.StateUnknown
}

func (f *fakeExec) Revoke(string) {}

func TestReconcileForceFailsLostTask(t *testing.T) {
	ctx := context.Background()
	exec := newFakeExec()
	exec.states["dead-task"] = taskq.StateFailure

	renderer := &fakeRenderer{pageCount: 1, avgChars: 50}
	h := newHarness(t, renderer, &fakeExtractor{}, Options{Executor: exec})

	res, err := h.svc.CreateJob(ctx, pdfBytes, "lost.pdf", ModeOCR, nil, false)
	require.NoError(t, err)

	// Simulate a job whose page task died without writing a fragment.
	var st JobStatus
	require.NoError(t, jobfs.ReadJSON(h.fs.StatusPath(res.JobID), &st))
	st.Status = StatusProcessing
	st.Step = "processing_pages"
	require.NoError(t, jobfs.WriteJSON(h.fs.StatusPath(res.JobID), st))
	require.NoError(t, jobfs.WriteJSON(h.fs.PagesStatusPath(res.JobID), map[string]PageStatus{
		"page_001": {Page: "page_001", State: PageProcessing, TaskID: "dead-task", PageIndex: 1, PageCount: 1, UpdatedAt: time.Now().UTC()},
	}))

	final := waitTerminal(t, h.svc, res.JobID)
	assert.Equal(t, StatusFailed, final.Status)
	require.Len(t, final.FailedPages, 1)
	assert.Equal(t, "task_terminated:failure", final.FailedPages[0].Error)
}

func TestReconcileSelfHealsFromFragment(t *testing.T) {
	ctx := context.Background()
	renderer := &fakeRenderer{pageCount: 1, avgChars: 50}
	h := newHarness(t, renderer, &fakeExtractor{}, Options{})

	res, err := h.svc.CreateJob(ctx, pdfBytes, "healed.pdf", ModeOCR, nil, false)
	require.NoError(t, err)

	// Fragment on disk but the page record still says processing.
	frag := pipeline.Fragment{
		Page: "page_001",
		Rows: []parser.Row{{
			RowID: "001", Date: "01/06/2026", RowType: parser.RowTransaction,
			Credit: decimal.NullDecimal{Decimal: decimal.RequireFromString("55.25"), Valid: true},
		}},
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, jobfs.WriteJSON(h.fs.FragmentPath(res.JobID, "page_001"), frag))

	var st JobStatus
	require.NoError(t, jobfs.ReadJSON(h.fs.StatusPath(res.JobID), &st))
	st.Status = StatusProcessing
	require.NoError(t, jobfs.WriteJSON(h.fs.StatusPath(res.JobID), st))
	require.NoError(t, jobfs.WriteJSON(h.fs.PagesStatusPath(res.JobID), map[string]PageStatus{
		"page_001": {Page: "page_001", State: PageProcessing, PageIndex: 1, PageCount: 1, UpdatedAt: time.Now().UTC()},
	}))

	final := waitTerminal(t, h.svc, res.JobID)
	assert.Equal(t, StatusDone, final.Status)
	assert.Equal(t, 1, final.PagesDone)
}

// =============================================================================
// Intake validation
// =============================================================================

func TestCreateJobRejectsNonPDF(t *testing.T) {
	h := newHarness(t, &fakeRenderer{pageCount: 1}, &fakeExtractor{}, Options{})
	_, err := h.svc.CreateJob(context.Background(), []byte("PK\x03\x04 zipfile"), "a.zip", ModeAuto, nil, false)
	assert.ErrorIs(t, err, ErrNotAPDF)
}

func TestCreateJobRejectsUnknownMode(t *testing.T) {
	h := newHarness(t, &fakeRenderer{pageCount: 1}, &fakeExtractor{}, Options{})
	_, err := h.svc.CreateJob(context.Background(), pdfBytes, "a.pdf", "turbo", nil, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse mode")
}

// =============================================================================
// Row edits, summary cache, backfill
// =============================================================================

func seedFragment(t *testing.T, h *harness, rows []parser.Row, bounds []parser.RowBounds) string {
	t.Helper()
	jobID := uuid.NewString()
	require.NoError(t, h.fs.CreateJob(jobID, pdfBytes))
	frag := pipeline.Fragment{Page: "page_001", Rows: rows, Bounds: bounds, UpdatedAt: time.Now().UTC()}
	require.NoError(t, jobfs.WriteJSON(h.fs.FragmentPath(jobID, "page_001"), frag))
	return jobID
}

func TestUpdatePageRows(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeRenderer{pageCount: 1}, &fakeExtractor{}, Options{})
	jobID := seedFragment(t, h,
		[]parser.Row{
			{RowID: "001", Date: "01/05/2026", Description: "NOISE", RowType: parser.RowTransaction,
				Debit: decimal.NullDecimal{Decimal: decimal.RequireFromString("3.00"), Valid: true}},
			{RowID: "002", Date: "01/06/2026", Description: "GROCERIES", RowType: parser.RowTransaction,
				Debit: decimal.NullDecimal{Decimal: decimal.RequireFromString("80.00"), Valid: true}},
		},
		[]parser.RowBounds{
			{RowID: "001", X0: 0.1, Y0: 0.10, X1: 0.9, Y1: 0.12},
			{RowID: "002", X0: 0.1, Y0: 0.20, X1: 0.9, Y1: 0.22},
		})

	// Drop the first row, fix the second row's amount and a sloppy date.
	res, err := h.svc.UpdatePageRows(ctx, jobID, "1", []parser.Row{
		{RowID: "002", Date: "7/4/2026", Description: "GROCERIES",
			Debit: decimal.NullDecimal{Decimal: decimal.RequireFromString("12.34"), Valid: true}},
	})
	require.NoError(t, err)

	require.Len(t, res.Rows, 1)
	assert.Equal(t, "001", res.Rows[0].RowID, "ids are reassigned densely")
	assert.Equal(t, "07/04/2026", res.Rows[0].Date)
	assert.Equal(t, parser.RowTransaction, res.Rows[0].RowType)
	assert.Equal(t, "12.34", res.Summary.TotalDebit.StringFixed(2))

	bounds, err := h.svc.GetBounds(ctx, jobID)
	require.NoError(t, err)
	require.Len(t, bounds["page_001"], 1)
	assert.Equal(t, "001", bounds["page_001"][0].RowID)
	assert.InDelta(t, 0.20, bounds["page_001"][0].Y0, 1e-9, "surviving row keeps its box")

	sum, err := h.svc.GetSummary(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, "12.34", sum.TotalDebit.StringFixed(2))
}

func TestGetSummaryRecomputesStaleCache(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeRenderer{pageCount: 1}, &fakeExtractor{}, Options{})
	jobID := seedFragment(t, h, []parser.Row{
		{RowID: "001", Date: "01/06/2026", RowType: parser.RowTransaction,
			Credit: decimal.NullDecimal{Decimal: decimal.RequireFromString("55.25"), Valid: true}},
	}, nil)

	// Cache written by an older build, missing the monthly-average fields.
	require.NoError(t, jobfs.WriteJSON(h.fs.SummaryPath(jobID), map[string]any{
		"transaction_count": 1,
		"total_credit":      "0",
	}))

	sum, err := h.svc.GetSummary(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, "55.25", sum.TotalCredit.StringFixed(2), "stale cache recomputed from rows")
}

func TestGetPageRowsBackfillsRowNumbers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeRenderer{pageCount: 1}, &fakeExtractor{}, Options{})
	jobID := seedFragment(t, h, []parser.Row{
		{RowID: "001", Date: "01/06/2026", RowType: parser.RowTransaction},
		{RowID: "002", Date: "01/07/2026", RowType: parser.RowTransaction},
	}, nil)

	raw := `{"choices":[{"message":{"content":"` + "```json\\n{\\\"rows\\\":[{\\\"rownumber\\\":101},{\\\"rownumber\\\":\\\"A12\\\"}]}\\n```" + `"}}]}`
	require.NoError(t, os.WriteFile(h.fs.RawResponsePath(jobID, "page_001"), []byte(raw), 0o644))

	rows, err := h.svc.GetPageRows(ctx, jobID, "page_001")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.NotNil(t, rows[0].RowNumber)
	assert.Equal(t, 101, *rows[0].RowNumber)
	assert.Nil(t, rows[1].RowNumber, "alphabetic rownumber stays null")
}
