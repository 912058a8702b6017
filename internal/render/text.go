package render

import (
	"context"
	"encoding/xml"
	"fmt"
	"strings"
)

// TextProfile summarizes the embedded text layer of a document. It decides
// whether a PDF is digital (text pipeline) or scanned (vision pipeline).
type TextProfile struct {
	PageCount    int
	TotalChars   int
	AvgCharsPage float64
	PageTexts    []string
}

// Word is a single text-layer token with its bounding box in page points.
type Word struct {
	Text string
	X0   float64
	Y0   float64
	X1   float64
	Y1   float64
}

// TextPage holds the word boxes of one page.
type TextPage struct {
	Width  float64
	Height float64
	Words  []Word
}

// TextProfile extracts the text layer page by page and computes its density.
func (r *Renderer) TextProfile(ctx context.Context, pdfPath string) (*TextProfile, error) {
	out, err := r.runner.Run(ctx, r.opts.PdftotextBin, "-layout", pdfPath, "-")
	if err != nil {
		return nil, fmt.Errorf("pdftotext: %w", err)
	}

	// pdftotext separates pages with form feeds; a trailing one yields an
	// empty final element.
	pages := strings.Split(string(out), "\f")
	if n := len(pages); n > 0 && strings.TrimSpace(pages[n-1]) == "" {
		pages = pages[:n-1]
	}

	profile := &TextProfile{PageCount: len(pages), PageTexts: pages}
	for _, p := range pages {
		profile.TotalChars += len(strings.TrimSpace(p))
	}
	if profile.PageCount > 0 {
		profile.AvgCharsPage = float64(profile.TotalChars) / float64(profile.PageCount)
	}
	return profile, nil
}

// IsDigital reports whether the text density clears the given avg-chars/page
// threshold.
func (p *TextProfile) IsDigital(threshold int) bool {
	return p.AvgCharsPage > float64(threshold)
}

// bboxDoc mirrors the XHTML document emitted by pdftotext -bbox.
type bboxDoc struct {
	Body struct {
		Doc struct {
			Pages []bboxPage `xml:"page"`
		} `xml:"doc"`
	} `xml:"body"`
}

type bboxPage struct {
	Width  float64    `xml:"width,attr"`
	Height float64    `xml:"height,attr"`
	Words  []bboxWord `xml:"word"`
}

type bboxWord struct {
	XMin float64 `xml:"xMin,attr"`
	YMin float64 `xml:"yMin,attr"`
	XMax float64 `xml:"xMax,attr"`
	YMax float64 `xml:"yMax,attr"`
	Text string  `xml:",chardata"`
}

// ExtractWords returns per-page word boxes from the text layer.
func (r *Renderer) ExtractWords(ctx context.Context, pdfPath string) ([]TextPage, error) {
	out, err := r.runner.Run(ctx, r.opts.PdftotextBin, "-bbox", pdfPath, "-")
	if err != nil {
		return nil, fmt.Errorf("pdftotext -bbox: %w", err)
	}
	return parseBBoxOutput(out)
}

func parseBBoxOutput(data []byte) ([]TextPage, error) {
	var doc bboxDoc
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse bbox output: %w", err)
	}

	pages := make([]TextPage, 0, len(doc.Body.Doc.Pages))
	for _, p := range doc.Body.Doc.Pages {
		page := TextPage{Width: p.Width, Height: p.Height}
		for _, w := range p.Words {
			text := strings.TrimSpace(w.Text)
			if text == "" {
				continue
			}
			page.Words = append(page.Words, Word{
				Text: text,
				X0:   w.XMin,
				Y0:   w.YMin,
				X1:   w.XMax,
				Y1:   w.YMax,
			})
		}
		pages = append(pages, page)
	}
	return pages, nil
}
