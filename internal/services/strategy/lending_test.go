package strategy

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vselivanov/stratex/internal/domain"
)

func TestNewLending_Validation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     LendingConfig
		wantErr string
	}{
		{
			name:    "venue required",
			cfg:     LendingConfig{Asset: "USDT"},
			wantErr: "venue is required",
		},
		{
			name:    "asset required",
			cfg:     LendingConfig{Venue: domain.VenueAave},
			wantErr: "asset is required",
		},
		{
			name: "valid with defaults",
			cfg:  LendingConfig{Venue: domain.VenueAave, Asset: "USDT"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mode, err := NewLending(tt.cfg)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)

			th := mode.Thresholds()
			assert.True(t, th.MinHealthFactor.Equal(decimal.NewFromFloat(1.5)))
			assert.True(t, th.EquityDeviation.Equal(decimal.NewFromFloat(0.02)))
			assert.True(t, th.CriticalExitFraction.Equal(decimal.NewFromInt(1)))
		})
	}
}

func TestLending_TargetAllocation(t *testing.T) {
	mode, err := NewLending(LendingConfig{Venue: domain.VenueAave, Asset: "USDT"})
	require.NoError(t, err)

	target, err := mode.TargetAllocation(decimal.NewFromInt(50000), nil)
	require.NoError(t, err)
	require.NotNil(t, target.Lend)
	assert.Equal(t, domain.VenueAave, target.Lend.Venue)
	assert.Equal(t, domain.Asset("USDT"), target.Lend.Asset)
	assert.True(t, target.Lend.Amount.Equal(decimal.NewFromInt(50000)))
	assert.Empty(t, target.Balances)

	_, err = mode.TargetAllocation(decimal.Zero, nil)
	require.Error(t, err)
}
