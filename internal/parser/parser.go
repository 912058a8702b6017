package parser

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/FACorreiaa/bank-statement-analyzer/internal/profile"
	"github.com/FACorreiaa/bank-statement-analyzer/pkg/money"
)

// line is a y-cluster of words, kept in x order.
type line struct {
	words []Word
	yc    float64
}

// Parse converts one page of words into classified rows. detected records
// whether the profile came from a vocabulary match (as opposed to the generic
// fallback); anchor optionally carries column ranges learned from an earlier
// page of the same profile.
func Parse(page Page, prof *profile.BankProfile, detected bool, anchor *HeaderAnchor) Result {
	if prof == nil {
		prof = profile.Generic()
	}

	res := Result{
		Diagnostics: Diagnostics{
			ProfileDetected: detected,
			ProfileSelected: prof.Name,
		},
	}
	if page.Width <= 0 || page.Height <= 0 || len(page.Words) == 0 {
		res.Diagnostics.FallbackApplied = true
		return res
	}

	lines := clusterLines(page.Words)

	// Column spans start from the profile's relative proportions and are
	// overridden by a detected header or a carried anchor.
	spans := make(map[profile.Column]profile.Span, len(profile.Columns))
	for _, col := range profile.Columns {
		p := prof.Proportion(col)
		spans[col] = profile.Span{Lo: p.Lo * page.Width, Hi: p.Hi * page.Width}
	}
	anchored := make(map[profile.Column]bool)

	headerIdx, headerSpans := detectHeader(lines, prof, page.Width)
	switch {
	case headerIdx >= 0:
		res.Diagnostics.HeaderDetected = true
		for col, s := range headerSpans {
			spans[col] = s
			anchored[col] = true
		}
		res.Anchor = &HeaderAnchor{Profile: prof.Name, Spans: headerSpans}
	case anchor != nil && anchor.Profile == prof.Name && len(anchor.Spans) > 0:
		res.Diagnostics.HeaderHintUsed = true
		for col, s := range anchor.Spans {
			spans[col] = s
			anchored[col] = true
		}
		res.Anchor = anchor
	default:
		res.Diagnostics.FallbackApplied = true
	}

	for i, ln := range lines {
		if i == headerIdx {
			continue
		}
		row, bounds, ok := assembleRow(ln, prof, spans, anchored, page)
		if !ok {
			continue
		}
		res.Rows = append(res.Rows, row)
		res.Bounds = append(res.Bounds, bounds)
	}

	Renumber(res.Rows, res.Bounds)
	return res
}

// clusterLines groups words into rows by y-center proximity.
func clusterLines(words []Word) []line {
	sorted := make([]Word, len(words))
	copy(sorted, words)
	sort.Slice(sorted, func(i, j int) bool {
		yi := (sorted[i].Y0 + sorted[i].Y1) / 2
		yj := (sorted[j].Y0 + sorted[j].Y1) / 2
		if yi != yj {
			return yi < yj
		}
		return sorted[i].X0 < sorted[j].X0
	})

	var heights float64
	for _, w := range sorted {
		heights += w.Y1 - w.Y0
	}
	tol := 2.0
	if len(sorted) > 0 {
		if h := heights / float64(len(sorted)) * 0.6; h > tol {
			tol = h
		}
	}

	var lines []line
	for _, w := range sorted {
		yc := (w.Y0 + w.Y1) / 2
		if n := len(lines); n > 0 && math.Abs(yc-lines[n-1].yc) <= tol {
			cur := &lines[n-1]
			cur.words = append(cur.words, w)
			cur.yc = (cur.yc*float64(len(cur.words)-1) + yc) / float64(len(cur.words))
			continue
		}
		lines = append(lines, line{words: []Word{w}, yc: yc})
	}
	for i := range lines {
		sort.Slice(lines[i].words, func(a, b int) bool {
			return lines[i].words[a].X0 < lines[i].words[b].X0
		})
	}
	return lines
}

// detectHeader finds the first line that reads like a column header: at
// least two distinct column vocabularies, no date, no amounts. It returns
// the line index and the column x-ranges derived from the header words via
// midpoint boundaries.
func detectHeader(lines []line, prof *profile.BankProfile, width float64) (int, map[profile.Column]profile.Span) {
	for i, ln := range lines {
		type hit struct {
			col  profile.Column
			word Word
		}
		var hits []hit
		seen := make(map[profile.Column]bool)
		plausible := true
		for _, w := range ln.words {
			if _, ok := NormalizeDate(w.Text); ok {
				plausible = false
				break
			}
			if amt := money.ParseAmount(w.Text); amt.Valid {
				plausible = false
				break
			}
			if col, ok := prof.ColumnForHeaderWord(w.Text); ok && !seen[col] {
				seen[col] = true
				hits = append(hits, hit{col: col, word: w})
			}
		}
		if !plausible || len(hits) < 2 {
			continue
		}

		sort.Slice(hits, func(a, b int) bool {
			return hits[a].word.X0 < hits[b].word.X0
		})
		spans := make(map[profile.Column]profile.Span, len(hits))
		for j, h := range hits {
			lo := 0.0
			if j > 0 {
				lo = (hits[j-1].word.X1 + h.word.X0) / 2
			}
			hi := width
			if j < len(hits)-1 {
				hi = (h.word.X1 + hits[j+1].word.X0) / 2
			}
			spans[h.col] = profile.Span{Lo: lo, Hi: hi}
		}
		return i, spans
	}
	return -1, nil
}

// assignColumn routes a word to a column: anchored ranges first, then the
// remaining spans, then nearest-midpoint as a last resort.
func assignColumn(xc float64, spans map[profile.Column]profile.Span, anchored map[profile.Column]bool) profile.Column {
	for _, col := range profile.Columns {
		if anchored[col] && spans[col].Contains(xc) {
			return col
		}
	}
	for _, col := range profile.Columns {
		if !anchored[col] && spans[col].Contains(xc) {
			return col
		}
	}
	best := ColBestFallback
	bestDist := math.Inf(1)
	for _, col := range profile.Columns {
		s := spans[col]
		mid := (s.Lo + s.Hi) / 2
		if d := math.Abs(xc - mid); d < bestDist {
			best, bestDist = col, d
		}
	}
	return best
}

// ColBestFallback is the column used when nothing else can claim a word.
const ColBestFallback = profile.ColDescription

func assembleRow(ln line, prof *profile.BankProfile, spans map[profile.Column]profile.Span, anchored map[profile.Column]bool, page Page) (Row, RowBounds, bool) {
	colText := make(map[profile.Column][]string)
	var rawWords []string
	for _, w := range ln.words {
		rawWords = append(rawWords, w.Text)
		xc := (w.X0 + w.X1) / 2
		col := assignColumn(xc, spans, anchored)
		colText[col] = append(colText[col], w.Text)
	}

	dateText := strings.Join(colText[profile.ColDate], " ")
	date, hasDate := NormalizeDate(dateText)
	if !hasDate && len(colText[profile.ColDate]) > 0 {
		date, hasDate = NormalizeDate(colText[profile.ColDate][0])
	}

	debit := money.ParseAmount(strings.Join(colText[profile.ColDebit], ""))
	credit := money.ParseAmount(strings.Join(colText[profile.ColCredit], ""))
	balance := money.ParseAmount(strings.Join(colText[profile.ColBalance], ""))
	description := strings.Join(colText[profile.ColDescription], " ")
	hasAmount := debit.Valid || credit.Valid || balance.Valid

	// Residual header fragment: vocabulary but no data.
	if !hasDate && !hasAmount && prof.HeaderTokenCount(rawWords) >= 2 {
		return Row{}, RowBounds{}, false
	}
	if !hasDate {
		return Row{}, RowBounds{}, false
	}

	rowType, ok := ClassifyRow(prof, description, debit, credit, balance)
	if !ok {
		return Row{}, RowBounds{}, false
	}
	row := Row{
		Date:        date,
		Description: description,
		Debit:       debit,
		Credit:      credit,
		Balance:     balance,
		RowType:     rowType,
	}
	return row, lineBounds(ln, page), true
}

// ClassifyRow types a row from its amounts and any balance-marker phrase in
// the description. A nil profile uses the generic marker vocabulary. ok is
// false when the row carries no usable amounts.
func ClassifyRow(prof *profile.BankProfile, description string, debit, credit, balance decimal.NullDecimal) (RowType, bool) {
	if prof == nil {
		prof = profile.Generic()
	}
	switch marker := prof.MarkerIn(description); {
	case marker == "opening" && balance.Valid:
		return RowOpeningBalance, true
	case marker == "closing" && balance.Valid:
		return RowClosingBalance, true
	case debit.Valid || credit.Valid:
		return RowTransaction, true
	case balance.Valid:
		return RowBalanceOnly, true
	}
	return "", false
}

// ClassifyStructuredRows applies the marker typing and residual-header
// discard used for token parsing to rows that arrived pre-assembled from the
// structured tier. Bounds follow their rows and ids are reassigned densely.
func ClassifyStructuredRows(rows []Row, bounds []RowBounds, prof *profile.BankProfile) ([]Row, []RowBounds) {
	if prof == nil {
		prof = profile.Generic()
	}
	outRows := make([]Row, 0, len(rows))
	outBounds := make([]RowBounds, 0, len(bounds))
	for i, row := range rows {
		hasAmount := row.Debit.Valid || row.Credit.Valid || row.Balance.Valid
		if !hasAmount && prof.HeaderTokenCount(strings.Fields(row.Description)) >= 2 {
			continue
		}
		rowType, ok := ClassifyRow(prof, row.Description, row.Debit, row.Credit, row.Balance)
		if !ok {
			continue
		}
		row.RowType = rowType
		outRows = append(outRows, row)
		if i < len(bounds) {
			outBounds = append(outBounds, bounds[i])
		}
	}
	Renumber(outRows, outBounds)
	return outRows, outBounds
}

func lineBounds(ln line, page Page) RowBounds {
	x0, y0 := math.Inf(1), math.Inf(1)
	x1, y1 := math.Inf(-1), math.Inf(-1)
	for _, w := range ln.words {
		x0 = math.Min(x0, w.X0)
		y0 = math.Min(y0, w.Y0)
		x1 = math.Max(x1, w.X1)
		y1 = math.Max(y1, w.Y1)
	}
	clamp := func(v float64) float64 {
		if v < 0 {
			return 0
		}
		if v > 1 {
			return 1
		}
		return v
	}
	return RowBounds{
		X0: clamp(x0 / page.Width),
		Y0: clamp(y0 / page.Height),
		X1: clamp(x1 / page.Width),
		Y1: clamp(y1 / page.Height),
	}
}

// Renumber assigns dense 1-based zero-padded row ids to rows and their
// bounds, which stay index-aligned by construction.
func Renumber(rows []Row, bounds []RowBounds) {
	for i := range rows {
		id := fmt.Sprintf("%03d", i+1)
		rows[i].RowID = id
		if i < len(bounds) {
			bounds[i].RowID = id
		}
	}
}
