package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateID(t *testing.T) {
	tests := []struct {
		id      string
		wantErr bool
	}{
		{"504", false},
		{"R2_bus", false},
		{"1_100-A.x:y", false},
		{"", true},
		{"has space", true},
		{"semi;colon", true},
		{strings.Repeat("a", MaxIDLength+1), true},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			if tt.wantErr {
				assert.Error(t, ValidateID(tt.id))
			} else {
				assert.NoError(t, ValidateID(tt.id))
			}
		})
	}
}

func TestParseIDList(t *testing.T) {
	ids, err := ParseIDList(" R1 ,R2,,R1, R3")
	require.NoError(t, err)
	assert.Equal(t, []string{"R1", "R2", "R3"}, ids)

	ids, err = ParseIDList("")
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = ParseIDList("R1,bad id")
	assert.Error(t, err)
}
