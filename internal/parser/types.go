// Package parser turns words-with-bounding-boxes into classified statement
// rows using profile-driven column anchoring.
package parser

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"

	"github.com/FACorreiaa/bank-statement-analyzer/internal/profile"
)

// RowType classifies an assembled statement row.
type RowType string

const (
	RowTransaction    RowType = "transaction"
	RowBalanceOnly    RowType = "balance_only"
	RowOpeningBalance RowType = "opening_balance"
	RowClosingBalance RowType = "closing_balance"
)

// Row is one normalized ledger row. RowID is dense, 1-based and zero-padded,
// assigned after filtering. RowNumber is the statement's own serial column
// when one exists; it is never inferred from check/reference numbers in the
// description.
type Row struct {
	RowID       string              `json:"row_id"`
	RowNumber   *int                `json:"rownumber,omitempty"`
	Date        string              `json:"date"`
	Description string              `json:"description"`
	Debit       decimal.NullDecimal `json:"debit"`
	Credit      decimal.NullDecimal `json:"credit"`
	Balance     decimal.NullDecimal `json:"balance"`
	RowType     RowType             `json:"row_type"`
	Page        string              `json:"page,omitempty"`
}

// RowBounds is a row's bounding rectangle in [0,1]² page-relative
// coordinates.
type RowBounds struct {
	RowID string  `json:"row_id"`
	X0    float64 `json:"x0"`
	Y0    float64 `json:"y0"`
	X1    float64 `json:"x1"`
	Y1    float64 `json:"y1"`
}

// Word is a token with its bounding box in page coordinates.
type Word struct {
	Text string  `json:"text"`
	X0   float64 `json:"x0"`
	Y0   float64 `json:"y0"`
	X1   float64 `json:"x1"`
	Y1   float64 `json:"y1"`
}

// Page is the parse input: tokens plus the page dimensions they live in.
type Page struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Words  []Word  `json:"words"`
}

// HeaderAnchor carries column x-ranges learned from the most recent page of
// the same profile that showed a header row. Scoped per profile name, reset
// per job.
type HeaderAnchor struct {
	Profile string                          `json:"profile"`
	Spans   map[profile.Column]profile.Span `json:"spans"`
}

// Diagnostics describes how a page was parsed.
type Diagnostics struct {
	ProfileDetected bool   `json:"profile_detected"`
	ProfileSelected string `json:"profile_selected"`
	FallbackApplied bool   `json:"fallback_applied"`
	HeaderDetected  bool   `json:"header_detected"`
	HeaderHintUsed  bool   `json:"header_hint_used"`
}

// Result is the output of parsing one page.
type Result struct {
	Rows        []Row         `json:"rows"`
	Bounds      []RowBounds   `json:"bounds"`
	Diagnostics Diagnostics   `json:"diag"`
	Anchor      *HeaderAnchor `json:"-"`
}

// CoerceRowNumber interprets a raw serial-column value. Any alphabetic
// character disqualifies it, so check numbers like "CK I 1320695" never leak
// into the serial column.
func CoerceRowNumber(raw string) *int {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil
	}
	for _, r := range s {
		if unicode.IsLetter(r) {
			return nil
		}
	}
	var digits strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	if digits.Len() == 0 {
		return nil
	}
	n, err := strconv.Atoi(digits.String())
	if err != nil {
		return nil
	}
	return &n
}
