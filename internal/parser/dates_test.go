package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeDate(t *testing.T) {
	tests := []struct {
		raw  string
		want string
		ok   bool
	}{
		{"2026-02-23", "02/23/2026", true},
		{"23/02/2026", "02/23/2026", true},
		{"2-3-2026", "02/03/2026", true},
		{"02/23/2026", "02/23/2026", true},
		{"1.7.2026", "01/07/2026", true},
		{"01/05/26", "01/05/2026", true},
		{"13/13/2026", "", false}, // neither reading yields a month
		{"01/05", "", false},      // no year component
		{"CHECK", "", false},
		{"", "", false},
		{"2026-02-30", "", false}, // impossible day
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, ok := NormalizeDate(tt.raw)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCoerceRowNumber(t *testing.T) {
	tests := []struct {
		raw  string
		want *int
	}{
		{"15", intPtr(15)},
		{" 007 ", intPtr(7)},
		{"CK I 1320695", nil}, // check reference, not a serial column
		{"A1", nil},
		{"", nil},
		{"-", nil},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got := CoerceRowNumber(tt.raw)
			if tt.want == nil {
				assert.Nil(t, got)
			} else {
				assert.NotNil(t, got)
				assert.Equal(t, *tt.want, *got)
			}
		})
	}
}

func intPtr(n int) *int { return &n }
