package phone

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/acme/broadcast-dispatch/pkg/errors"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		region  string
		want    string
		wantErr bool
	}{
		{name: "international format", raw: "+1 650-253-0000", region: "US", want: "+16502530000"},
		{name: "national format with region", raw: "(650) 253-0000", region: "us", want: "+16502530000"},
		{name: "uzbek mobile", raw: "+998 91 234 56 78", region: "UZ", want: "+998912345678"},
		{name: "empty", raw: "   ", region: "US", wantErr: true},
		{name: "garbage", raw: "call me", region: "US", wantErr: true},
		{name: "too short", raw: "12345", region: "US", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.raw, tt.region)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, apperrors.ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
