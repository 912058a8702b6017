// Package export renders merged statement rows into portable formats.
// It uses gocsv for struct-tagged CSV marshaling.
package export

import (
	"fmt"

	"github.com/gocarina/gocsv"
)

// RowRecord is one exported ledger row. Amounts are pre-formatted strings so
// absent values export as empty cells rather than zeros.
type RowRecord struct {
	Page        string `csv:"page"`
	RowID       string `csv:"row_id"`
	Date        string `csv:"date"`
	Description string `csv:"description"`
	Debit       string `csv:"debit"`
	Credit      string `csv:"credit"`
	Balance     string `csv:"balance"`
}

// CSV marshals the records with a header row. An empty record set still
// yields the header so downstream imports see a stable shape.
func CSV(records []RowRecord) ([]byte, error) {
	if records == nil {
		records = []RowRecord{}
	}
	data, err := gocsv.MarshalBytes(&records)
	if err != nil {
		return nil, fmt.Errorf("marshal csv: %w", err)
	}
	return data, nil
}
