// Package render rasterizes PDF pages and extracts the embedded text layer
// using the poppler command-line tools.
package render

import (
	"context"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/image/draw"

	"github.com/FACorreiaa/bank-statement-analyzer/internal/jobfs"
)

const (
	minDPI = 150
	maxDPI = 200
)

var pdfinfoPagesRe = regexp.MustCompile(`(?m)^Pages:\s+(\d+)`)

// Options configures a Renderer.
type Options struct {
	DPI                int
	FallbackPreviewDPI int
	MaxPixels          int
	MaxPages           int
	PdftoppmBin        string
	PdftotextBin       string
	PdfinfoBin         string
	Logger             *slog.Logger
}

// Renderer converts PDF documents into per-page images and text.
type Renderer struct {
	runner Runner
	opts   Options
	logger *slog.Logger
}

// New creates a Renderer. A nil runner defaults to ExecRunner.
func New(runner Runner, opts Options) *Renderer {
	if runner == nil {
		runner = ExecRunner{}
	}
	if opts.DPI == 0 {
		opts.DPI = 180
	}
	if opts.FallbackPreviewDPI == 0 {
		opts.FallbackPreviewDPI = 130
	}
	if opts.MaxPixels == 0 {
		opts.MaxPixels = 6_000_000
	}
	if opts.PdftoppmBin == "" {
		opts.PdftoppmBin = "pdftoppm"
	}
	if opts.PdftotextBin == "" {
		opts.PdftotextBin = "pdftotext"
	}
	if opts.PdfinfoBin == "" {
		opts.PdfinfoBin = "pdfinfo"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Renderer{runner: runner, opts: opts, logger: logger}
}

// ClampDPI bounds a requested DPI to the supported rasterization range.
func ClampDPI(dpi int) int {
	if dpi < minDPI {
		return minDPI
	}
	if dpi > maxDPI {
		return maxDPI
	}
	return dpi
}

// PageCount returns the number of pages in the document.
func (r *Renderer) PageCount(ctx context.Context, pdfPath string) (int, error) {
	out, err := r.runner.Run(ctx, r.opts.PdfinfoBin, pdfPath)
	if err != nil {
		return 0, fmt.Errorf("pdfinfo: %w", err)
	}
	m := pdfinfoPagesRe.FindSubmatch(out)
	if m == nil {
		return 0, fmt.Errorf("pdfinfo: no page count in output")
	}
	n, err := strconv.Atoi(string(m[1]))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("pdfinfo: bad page count %q", m[1])
	}
	return n, nil
}

// RenderPages rasterizes every page of the document into outDir using the
// canonical page_%03d naming, applying the pixel cap to each page. It returns
// the canonical page names in order.
func (r *Renderer) RenderPages(ctx context.Context, pdfPath, outDir string) ([]string, error) {
	count, err := r.PageCount(ctx, pdfPath)
	if err != nil {
		return nil, err
	}
	if r.opts.MaxPages > 0 && count > r.opts.MaxPages {
		return nil, fmt.Errorf("document has %d pages, limit is %d", count, r.opts.MaxPages)
	}

	dpi := ClampDPI(r.opts.DPI)
	prefix := filepath.Join(outDir, "raster")
	args := []string{"-png", "-r", strconv.Itoa(dpi), pdfPath, prefix}
	if _, err := r.runner.Run(ctx, r.opts.PdftoppmBin, args...); err != nil {
		return nil, fmt.Errorf("pdftoppm: %w", err)
	}

	rendered, err := r.collectRasterOutput(outDir, prefix)
	if err != nil {
		return nil, err
	}
	if len(rendered) == 0 {
		return nil, fmt.Errorf("pdftoppm produced no pages")
	}

	for _, page := range rendered {
		path := filepath.Join(outDir, page+".png")
		if err := r.capPixels(path); err != nil {
			return nil, fmt.Errorf("downscale %s: %w", page, err)
		}
	}

	r.logger.Info("rendered document",
		slog.Int("pages", len(rendered)),
		slog.Int("dpi", dpi))
	return rendered, nil
}

// RenderPage rasterizes a single 1-based page at the given DPI into outPath.
// Used for on-demand previews when a cleaned image went missing.
func (r *Renderer) RenderPage(ctx context.Context, pdfPath string, pageNum, dpi int, outPath string) error {
	dir := filepath.Dir(outPath)
	prefix := filepath.Join(dir, "preview-tmp")
	args := []string{
		"-png",
		"-f", strconv.Itoa(pageNum),
		"-l", strconv.Itoa(pageNum),
		"-r", strconv.Itoa(ClampDPI(dpi)),
		pdfPath, prefix,
	}
	if _, err := r.runner.Run(ctx, r.opts.PdftoppmBin, args...); err != nil {
		return fmt.Errorf("pdftoppm: %w", err)
	}

	matches, err := filepath.Glob(prefix + "-*.png")
	if err != nil || len(matches) == 0 {
		return fmt.Errorf("pdftoppm produced no output for page %d", pageNum)
	}
	if err := os.Rename(matches[0], outPath); err != nil {
		return fmt.Errorf("move preview into place: %w", err)
	}
	for _, m := range matches[1:] {
		os.Remove(m)
	}
	return r.capPixels(outPath)
}

// collectRasterOutput renames pdftoppm's numbered output (raster-1.png,
// raster-01.png, ...) to the canonical page names.
func (r *Renderer) collectRasterOutput(outDir, prefix string) ([]string, error) {
	matches, err := filepath.Glob(prefix + "-*.png")
	if err != nil {
		return nil, fmt.Errorf("list raster output: %w", err)
	}

	type out struct {
		num  int
		path string
	}
	var outs []out
	base := filepath.Base(prefix) + "-"
	for _, m := range matches {
		numStr := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(m), base), ".png")
		n, err := strconv.Atoi(numStr)
		if err != nil {
			continue
		}
		outs = append(outs, out{num: n, path: m})
	}
	sort.Slice(outs, func(i, j int) bool { return outs[i].num < outs[j].num })

	pages := make([]string, 0, len(outs))
	for _, o := range outs {
		page := jobfs.PageName(o.num)
		if err := os.Rename(o.path, filepath.Join(outDir, page+".png")); err != nil {
			return nil, fmt.Errorf("rename raster output: %w", err)
		}
		pages = append(pages, page)
	}
	return pages, nil
}

// capPixels downscales the image at path in place when it exceeds the pixel
// cap, preserving aspect ratio.
func (r *Renderer) capPixels(path string) error {
	img, err := loadPNG(path)
	if err != nil {
		return err
	}
	bounds := img.Bounds()
	pixels := bounds.Dx() * bounds.Dy()
	if pixels <= r.opts.MaxPixels {
		return nil
	}

	scale := scaleFor(pixels, r.opts.MaxPixels)
	dst := resizeBilinear(img, scale)
	return savePNG(path, dst)
}

func loadPNG(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

func savePNG(path string, img image.Image) error {
	f, err := os.CreateTemp(filepath.Dir(path), ".img*.png")
	if err != nil {
		return fmt.Errorf("create temp image: %w", err)
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("encode image: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp image: %w", err)
	}
	return os.Rename(tmp, path)
}

// scaleFor returns the uniform scale factor that brings pixels under limit.
func scaleFor(pixels, limit int) float64 {
	scale := 1.0
	for float64(pixels)*scale*scale > float64(limit) {
		scale *= 0.95
	}
	return scale
}

func resizeBilinear(src image.Image, scale float64) image.Image {
	b := src.Bounds()
	w := int(float64(b.Dx()) * scale)
	h := int(float64(b.Dy()) * scale)
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	return dst
}
