package export

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// CSV
// =============================================================================

func TestCSV(t *testing.T) {
	records := []RowRecord{
		{Page: "page_001", RowID: "001", Date: "01/05/2026", Description: "COFFEE SHOP", Debit: "4.50"},
		{Page: "page_001", RowID: "002", Date: "01/06/2026", Description: "PAYROLL", Credit: "2500.00", Balance: "3120.75"},
	}

	data, err := CSV(records)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "page,row_id,date,description,debit,credit,balance", lines[0])
	assert.Contains(t, lines[1], "COFFEE SHOP")
	assert.Contains(t, lines[2], "2500.00")
	assert.True(t, strings.HasSuffix(lines[1], "4.50,,"), "absent amounts stay empty: %s", lines[1])
}

func TestCSVEmpty(t *testing.T) {
	data, err := CSV(nil)
	require.NoError(t, err)
	assert.Equal(t, "page,row_id,date,description,debit,credit,balance", strings.TrimSpace(string(data)))
}
