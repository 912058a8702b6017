// Package pipeline composes rendering, profile matching, extraction and
// parsing into the per-page unit of work, producing idempotent page
// fragments.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/FACorreiaa/bank-statement-analyzer/internal/jobfs"
	"github.com/FACorreiaa/bank-statement-analyzer/internal/parser"
	"github.com/FACorreiaa/bank-statement-analyzer/internal/profile"
	"github.com/FACorreiaa/bank-statement-analyzer/internal/ratelimit"
	"github.com/FACorreiaa/bank-statement-analyzer/internal/render"
	"github.com/FACorreiaa/bank-statement-analyzer/internal/vision"
	"github.com/FACorreiaa/bank-statement-analyzer/pkg/metrics"
)

// Fragment is the durable output of one page: written once per successful
// attempt, and its presence on disk is the definition of page success.
type Fragment struct {
	Page      string             `json:"page"`
	Rows      []parser.Row       `json:"rows"`
	Bounds    []parser.RowBounds `json:"bounds"`
	Diag      parser.Diagnostics `json:"diag"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// Renderer is the subset of the page renderer the pipeline needs.
type Renderer interface {
	PageCount(ctx context.Context, pdfPath string) (int, error)
	RenderPages(ctx context.Context, pdfPath, outDir string) ([]string, error)
	RenderPage(ctx context.Context, pdfPath string, pageNum, dpi int, outPath string) error
	TextProfile(ctx context.Context, pdfPath string) (*render.TextProfile, error)
	ExtractWords(ctx context.Context, pdfPath string) ([]render.TextPage, error)
}

// Extractor is the subset of the vision client the pipeline needs.
type Extractor interface {
	ExtractRows(ctx context.Context, imagePath string, gate vision.Gate) (*vision.RowsResult, error)
	ExtractTokens(ctx context.Context, imagePath string, gate vision.Gate) (*vision.TokensResult, error)
	ExtractText(ctx context.Context, imagePath string, gate vision.Gate) (*vision.TextResult, error)
}

// Options configures a Pipeline.
type Options struct {
	UseStructuredRows  bool
	FallbackPreviewDPI int
	Metrics            *metrics.Metrics
	Logger             *slog.Logger
}

// Pipeline runs page units. Header anchors learned on one page are shared
// with later pages of the same job and profile, best-effort within this
// process.
type Pipeline struct {
	fs        *jobfs.Store
	renderer  Renderer
	extractor Extractor
	limiter   *ratelimit.Limiter
	matcher   *profile.Matcher
	opts      Options

	mu      sync.Mutex
	anchors map[string]map[string]*parser.HeaderAnchor // jobID -> profile name -> anchor
}

// New wires a Pipeline. limiter may be nil (no gating, single-node setups).
func New(fs *jobfs.Store, renderer Renderer, extractor Extractor, limiter *ratelimit.Limiter, matcher *profile.Matcher, opts Options) *Pipeline {
	if matcher == nil {
		matcher = profile.NewMatcher(nil)
	}
	if opts.FallbackPreviewDPI == 0 {
		opts.FallbackPreviewDPI = 130
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Pipeline{
		fs:        fs,
		renderer:  renderer,
		extractor: extractor,
		limiter:   limiter,
		matcher:   matcher,
		opts:      opts,
		anchors:   make(map[string]map[string]*parser.HeaderAnchor),
	}
}

// RenderJob rasterizes and cleans every page of the job's input document,
// returning the canonical page names.
func (p *Pipeline) RenderJob(ctx context.Context, jobID string) ([]string, error) {
	pages, err := p.renderer.RenderPages(ctx, p.fs.InputPath(jobID), p.fs.PagesDir(jobID))
	if err != nil {
		return nil, err
	}
	for _, page := range pages {
		src := p.fs.PageImagePath(jobID, page)
		dst := p.fs.CleanedImagePath(jobID, page)
		if err := render.CleanImage(src, dst); err != nil {
			return nil, fmt.Errorf("clean %s: %w", page, err)
		}
	}
	return pages, nil
}

// ProcessPage runs the OCR path for one page. If the page's fragment already
// exists the call is a no-op returning the stored fragment (duplicate
// dispatch and retry safety). heartbeat, when non-nil, is invoked with
// rate-limit wait durations so the page status stays fresh.
func (p *Pipeline) ProcessPage(ctx context.Context, jobID, page string, heartbeat func(time.Duration)) (*Fragment, bool, error) {
	if p.fs.FragmentExists(jobID, page) {
		frag, err := p.LoadFragment(jobID, page)
		if err != nil {
			return nil, false, err
		}
		return frag, true, nil
	}

	started := time.Now()
	imagePath, err := p.EnsureCleaned(ctx, jobID, page)
	if err != nil {
		return nil, false, err
	}

	gate := vision.NopGate
	if p.limiter != nil {
		gate = vision.GateFunc(func(ctx context.Context) error {
			return p.limiter.Acquire(ctx, heartbeat)
		})
	}

	frag, err := p.extractPage(ctx, jobID, page, imagePath, gate)
	if err != nil {
		p.opts.Metrics.RecordPage("failed")
		return nil, false, err
	}

	if err := jobfs.WriteJSON(p.fs.FragmentPath(jobID, page), frag); err != nil {
		return nil, false, fmt.Errorf("write fragment: %w", err)
	}
	p.opts.Metrics.RecordPage("ok")
	p.opts.Metrics.RecordPageDuration(time.Since(started).Seconds())
	p.opts.Logger.Info("page processed",
		slog.String("job_id", jobID),
		slog.String("page", page),
		slog.Int("rows", len(frag.Rows)))
	return frag, false, nil
}

// extractPage walks the extraction tiers: structured rows, then tokens, then
// plain text. Schema failures step down a tier; anything else propagates.
func (p *Pipeline) extractPage(ctx context.Context, jobID, page, imagePath string, gate vision.Gate) (*Fragment, error) {
	var schemaErr *vision.SchemaError

	if p.opts.UseStructuredRows {
		res, err := p.extractor.ExtractRows(ctx, imagePath, gate)
		switch {
		case err == nil:
			p.writeRaw(jobID, page, res.Raw)
			prof, _ := p.matcher.Match(rowsText(res.Rows))
			rows, bounds := parser.ClassifyStructuredRows(res.Rows, res.Bounds, prof)
			return &Fragment{
				Page:      page,
				Rows:      rows,
				Bounds:    bounds,
				Diag:      parser.Diagnostics{ProfileSelected: "vision_structured"},
				UpdatedAt: time.Now().UTC(),
			}, nil
		case errors.As(err, &schemaErr):
			p.opts.Logger.Warn("structured rows rejected, falling back to tokens",
				slog.String("job_id", jobID),
				slog.String("page", page),
				slog.Any("error", err))
		default:
			return nil, err
		}
	}

	tokens, err := p.extractor.ExtractTokens(ctx, imagePath, gate)
	switch {
	case err == nil:
		p.writeRaw(jobID, page, tokens.Raw)
		return p.parseTokens(jobID, page, tokens.Page), nil
	case errors.As(err, &schemaErr):
		p.opts.Logger.Warn("token extraction rejected, falling back to plain text",
			slog.String("job_id", jobID),
			slog.String("page", page),
			slog.Any("error", err))
	default:
		return nil, err
	}

	text, err := p.extractor.ExtractText(ctx, imagePath, gate)
	if err != nil {
		return nil, err
	}
	p.writeRaw(jobID, page, text.Raw)
	return p.parseTokens(jobID, page, text.Page), nil
}

// rowsText joins structured-row descriptions for profile matching.
func rowsText(rows []parser.Row) string {
	var sb strings.Builder
	for _, r := range rows {
		sb.WriteString(r.Description)
		sb.WriteByte(' ')
	}
	return sb.String()
}

// parseTokens runs profile matching and column parsing over a token page and
// updates the job's header anchors.
func (p *Pipeline) parseTokens(jobID, page string, tokenPage parser.Page) *Fragment {
	var sb strings.Builder
	for _, w := range tokenPage.Words {
		sb.WriteString(w.Text)
		sb.WriteByte(' ')
	}
	prof, detected := p.matcher.Match(sb.String())

	res := parser.Parse(tokenPage, prof, detected, p.anchorFor(jobID, prof.Name))
	if res.Anchor != nil {
		p.storeAnchor(jobID, res.Anchor)
	}
	return &Fragment{
		Page:      page,
		Rows:      res.Rows,
		Bounds:    res.Bounds,
		Diag:      res.Diagnostics,
		UpdatedAt: time.Now().UTC(),
	}
}

// ProcessTextJob parses the embedded text layer of the whole document,
// writing one fragment per page. Used for digital PDFs; any failure here is
// expected to trigger the OCR path instead.
func (p *Pipeline) ProcessTextJob(ctx context.Context, jobID string) ([]string, error) {
	textPages, err := p.renderer.ExtractWords(ctx, p.fs.InputPath(jobID))
	if err != nil {
		return nil, err
	}
	if len(textPages) == 0 {
		return nil, fmt.Errorf("document has no text layer")
	}

	pages := make([]string, 0, len(textPages))
	for i, tp := range textPages {
		page := jobfs.PageName(i + 1)
		tokenPage := parser.Page{Width: tp.Width, Height: tp.Height}
		for _, w := range tp.Words {
			tokenPage.Words = append(tokenPage.Words, parser.Word{
				Text: w.Text, X0: w.X0, Y0: w.Y0, X1: w.X1, Y1: w.Y1,
			})
		}
		frag := p.parseTokens(jobID, page, tokenPage)
		if err := jobfs.WriteJSON(p.fs.FragmentPath(jobID, page), frag); err != nil {
			return nil, fmt.Errorf("write fragment %s: %w", page, err)
		}
		p.opts.Metrics.RecordPage("ok")
		pages = append(pages, page)
	}
	return pages, nil
}

// EnsureCleaned returns the cleaned image path for a page, producing it on
// demand: from the rendered page if present, otherwise by re-rendering that
// single page at the fallback DPI.
func (p *Pipeline) EnsureCleaned(ctx context.Context, jobID, page string) (string, error) {
	cleaned := p.fs.CleanedImagePath(jobID, page)
	if jobfs.Exists(cleaned) {
		return cleaned, nil
	}

	rendered := p.fs.PageImagePath(jobID, page)
	if !jobfs.Exists(rendered) {
		num, ok := jobfs.PageNumber(page)
		if !ok {
			return "", fmt.Errorf("invalid page name %q", page)
		}
		if err := p.renderer.RenderPage(ctx, p.fs.InputPath(jobID), num, p.opts.FallbackPreviewDPI, rendered); err != nil {
			return "", fmt.Errorf("re-render %s: %w", page, err)
		}
	}
	if err := render.CleanImage(rendered, cleaned); err != nil {
		return "", fmt.Errorf("clean %s: %w", page, err)
	}
	return cleaned, nil
}

// LoadFragment reads a page's fragment from disk.
func (p *Pipeline) LoadFragment(jobID, page string) (*Fragment, error) {
	var frag Fragment
	if err := jobfs.ReadJSON(p.fs.FragmentPath(jobID, page), &frag); err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("read fragment %s: %w", page, err)
	}
	return &frag, nil
}

// ForgetJob drops the in-process anchors for a finished job.
func (p *Pipeline) ForgetJob(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.anchors, jobID)
}

func (p *Pipeline) anchorFor(jobID, profileName string) *parser.HeaderAnchor {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m := p.anchors[jobID]; m != nil {
		return m[profileName]
	}
	return nil
}

func (p *Pipeline) storeAnchor(jobID string, anchor *parser.HeaderAnchor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.anchors[jobID]
	if m == nil {
		m = make(map[string]*parser.HeaderAnchor)
		p.anchors[jobID] = m
	}
	m[anchor.Profile] = anchor
}

func (p *Pipeline) writeRaw(jobID, page string, raw []byte) {
	if len(raw) == 0 {
		return
	}
	if err := os.WriteFile(p.fs.RawResponsePath(jobID, page), raw, 0o644); err != nil {
		p.opts.Logger.Warn("raw response retention failed",
			slog.String("job_id", jobID),
			slog.String("page", page),
			slog.Any("error", err))
	}
}
