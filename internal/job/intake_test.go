package job

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// ParseAttachmentIDs
// =============================================================================

func TestParseAttachmentIDs(t *testing.T) {
	tests := []struct {
		name    string
		raw     any
		want    []string
		wantErr bool
	}{
		{
			name: "scalar string",
			raw:  "att-1",
			want: []string{"att-1"},
		},
		{
			name: "string list",
			raw:  []string{"att-1", "att-2", "att-1"},
			want: []string{"att-1", "att-2"},
		},
		{
			name: "any list preserves order",
			raw:  []any{"b", "a", "b", "c"},
			want: []string{"b", "a", "c"},
		},
		{
			name: "json encoded list",
			raw:  `["att-9", "att-3", "att-9"]`,
			want: []string{"att-9", "att-3"},
		},
		{
			name: "whitespace and empties dropped",
			raw:  []string{"  att-1  ", "", "   "},
			want: []string{"att-1"},
		},
		{
			name: "nil",
			raw:  nil,
			want: nil,
		},
		{
			name: "empty string",
			raw:  "   ",
			want: nil,
		},
		{
			name:    "malformed json list",
			raw:     `["att-1",`,
			wantErr: true,
		},
		{
			name:    "non-string element",
			raw:     []any{"att-1", 42},
			wantErr: true,
		},
		{
			name:    "unsupported shape",
			raw:     map[string]string{"id": "att-1"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAttachmentIDs(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
