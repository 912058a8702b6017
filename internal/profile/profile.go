// Package profile holds the bank statement layout vocabularies and the
// matcher that picks the best layout for a page of text.
package profile

import (
	"strings"

	"github.com/lithammer/fuzzysearch/fuzzy"
)

// Column identifies a logical statement column.
type Column string

const (
	ColDate        Column = "date"
	ColDescription Column = "description"
	ColDebit       Column = "debit"
	ColCredit      Column = "credit"
	ColBalance     Column = "balance"
)

// Columns lists the logical columns in left-to-right statement order.
var Columns = []Column{ColDate, ColDescription, ColDebit, ColCredit, ColBalance}

// Span is a relative x-range [Lo, Hi) in page-width fractions.
type Span struct {
	Lo float64
	Hi float64
}

// Contains reports whether the relative x-coordinate falls in the span.
func (s Span) Contains(x float64) bool {
	return x >= s.Lo && x < s.Hi
}

// BankProfile is a named statement layout: identifying keywords, the header
// vocabulary per column, balance-marker phrases, and fallback column
// proportions used when no header can be anchored.
type BankProfile struct {
	Name           string
	Keywords       []string
	HeaderTokens   map[Column][]string
	OpeningMarkers []string
	ClosingMarkers []string
	Proportions    map[Column]Span
}

// GenericName is the fallback profile name.
const GenericName = "generic"

// defaultProportions routes values by position when neither a header row nor
// a carried anchor is available.
var defaultProportions = map[Column]Span{
	ColDate:        {0.00, 0.14},
	ColDescription: {0.14, 0.55},
	ColDebit:       {0.55, 0.72},
	ColCredit:      {0.72, 0.84},
	ColBalance:     {0.84, 1.01},
}

var genericHeaderTokens = map[Column][]string{
	ColDate:        {"date", "post date", "posting date", "trans date"},
	ColDescription: {"description", "transaction", "details", "memo", "payee"},
	ColDebit:       {"debit", "debits", "withdrawal", "withdrawals", "payments", "money out"},
	ColCredit:      {"credit", "credits", "deposit", "deposits", "additions", "money in"},
	ColBalance:     {"balance", "running balance", "daily balance"},
}

var genericOpeningMarkers = []string{"beginning balance", "opening balance", "previous balance", "balance forward"}
var genericClosingMarkers = []string{"ending balance", "closing balance", "new balance", "balance at end"}

// Generic returns the fallback profile used when no layout matches.
func Generic() *BankProfile {
	return &BankProfile{
		Name:           GenericName,
		HeaderTokens:   genericHeaderTokens,
		OpeningMarkers: genericOpeningMarkers,
		ClosingMarkers: genericClosingMarkers,
		Proportions:    defaultProportions,
	}
}

// Builtin returns the shipped layout profiles, generic excluded.
func Builtin() []*BankProfile {
	return []*BankProfile{
		{
			Name:     "chase",
			Keywords: []string{"jpmorgan chase", "chase bank", "chase.com"},
			HeaderTokens: map[Column][]string{
				ColDate:        {"date"},
				ColDescription: {"description"},
				ColDebit:       {"amount", "withdrawals"},
				ColCredit:      {"deposits", "additions"},
				ColBalance:     {"balance"},
			},
			OpeningMarkers: []string{"beginning balance"},
			ClosingMarkers: []string{"ending balance"},
			Proportions:    defaultProportions,
		},
		{
			Name:     "bank_of_america",
			Keywords: []string{"bank of america", "bankofamerica.com"},
			HeaderTokens: map[Column][]string{
				ColDate:        {"date"},
				ColDescription: {"description"},
				ColDebit:       {"withdrawals", "subtractions", "amount"},
				ColCredit:      {"deposits", "additions"},
				ColBalance:     {"balance"},
			},
			OpeningMarkers: []string{"beginning balance"},
			ClosingMarkers: []string{"ending balance"},
			Proportions:    defaultProportions,
		},
		{
			Name:     "wells_fargo",
			Keywords: []string{"wells fargo", "wellsfargo.com"},
			HeaderTokens: map[Column][]string{
				ColDate:        {"date"},
				ColDescription: {"transaction", "description"},
				ColDebit:       {"withdrawals", "subtractions"},
				ColCredit:      {"deposits", "additions"},
				ColBalance:     {"ending daily balance", "balance"},
			},
			OpeningMarkers: []string{"beginning balance"},
			ClosingMarkers: []string{"ending balance"},
			Proportions:    defaultProportions,
		},
	}
}

// ColumnForHeaderWord maps a header-row word to its column, tolerating OCR
// noise with a fuzzy fold match.
func (p *BankProfile) ColumnForHeaderWord(word string) (Column, bool) {
	w := normalizeToken(word)
	if w == "" {
		return "", false
	}
	for _, col := range Columns {
		for _, tok := range p.HeaderTokens[col] {
			if headerTokenMatches(tok, w) {
				return col, true
			}
		}
	}
	return "", false
}

// HeaderTokenCount counts distinct columns whose vocabulary appears among the
// given words. Used both for header detection and residual-header discard.
func (p *BankProfile) HeaderTokenCount(words []string) int {
	seen := make(map[Column]bool)
	for _, w := range words {
		if col, ok := p.ColumnForHeaderWord(w); ok {
			seen[col] = true
		}
	}
	return len(seen)
}

// MarkerIn reports which balance marker phrase, if any, the description
// contains: "opening", "closing", or "".
func (p *BankProfile) MarkerIn(description string) string {
	d := strings.ToLower(description)
	for _, m := range p.OpeningMarkers {
		if strings.Contains(d, m) {
			return "opening"
		}
	}
	for _, m := range p.ClosingMarkers {
		if strings.Contains(d, m) {
			return "closing"
		}
	}
	return ""
}

// Proportion returns the fallback span for a column.
func (p *BankProfile) Proportion(col Column) Span {
	if s, ok := p.Proportions[col]; ok {
		return s
	}
	return defaultProportions[col]
}

func headerTokenMatches(token, word string) bool {
	token = normalizeToken(token)
	if token == "" {
		return false
	}
	if word == token || strings.Contains(word, token) || strings.Contains(token, word) && len(word) >= 4 {
		return true
	}
	// Tolerate dropped characters from OCR ("descripton", "blance").
	rank := fuzzy.RankMatchNormalizedFold(word, token)
	return rank >= 0 && rank <= 2 && len(word) >= 4
}

func normalizeToken(s string) string {
	return strings.ToLower(strings.Trim(strings.TrimSpace(s), ".:;,"))
}
