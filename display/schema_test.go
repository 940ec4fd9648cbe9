package display

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cpaumelle/smart-parking-platform-sub000/errors"
)

func TestValidatePayloadTable(t *testing.T) {
	tests := []struct {
		name    string
		table   map[string]string
		wantErr bool
	}{
		{
			name: "valid table",
			table: map[string]string{
				"free":     "01ff00",
				"occupied": "02ff00",
				"reserved": "03",
			},
		},
		{
			name:    "unknown state key",
			table:   map[string]string{"parked": "01"},
			wantErr: true,
		},
		{
			name:    "odd length hex",
			table:   map[string]string{"free": "0f0"},
			wantErr: true,
		},
		{
			name:    "non hex payload",
			table:   map[string]string{"free": "zz"},
			wantErr: true,
		},
		{
			name:    "empty table",
			table:   map[string]string{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePayloadTable(tt.table)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsInvalid(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidatePolicy(t *testing.T) {
	valid := DefaultPolicy("tenant-1")
	assert.NoError(t, ValidatePolicy(valid))

	noTenant := DefaultPolicy("")
	err := ValidatePolicy(noTenant)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	zeroWindow := DefaultPolicy("tenant-1")
	zeroWindow.DebounceWindowSec = 0
	assert.Error(t, ValidatePolicy(zeroWindow))

	noColors := DefaultPolicy("tenant-1")
	noColors.Colors = map[string]string{}
	assert.Error(t, ValidatePolicy(noColors))
}
