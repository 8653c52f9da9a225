package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeveragePosition_HealthFactor(t *testing.T) {
	tests := []struct {
		name       string
		collateral decimal.Decimal
		debt       decimal.Decimal
		price      decimal.Decimal
		liq        decimal.Decimal
		expectHF   string
		expectOK   bool
	}{
		{
			name:       "no debt has no health factor",
			collateral: decimal.NewFromInt(10),
			debt:       decimal.Zero,
			price:      decimal.NewFromInt(3000),
			liq:        decimal.NewFromFloat(0.95),
			expectOK:   false,
		},
		{
			name:       "price cancels out of the ratio",
			collateral: decimal.NewFromInt(20),
			debt:       decimal.NewFromInt(10),
			price:      decimal.NewFromInt(3000),
			liq:        decimal.NewFromFloat(0.95),
			// 0.95 * 20 / 10 = 1.9 regardless of price
			expectHF: "1.9",
			expectOK: true,
		},
		{
			name:       "near liquidation",
			collateral: decimal.NewFromInt(100),
			debt:       decimal.NewFromInt(95),
			price:      decimal.NewFromInt(1),
			liq:        decimal.NewFromFloat(0.95),
			expectHF:   "1",
			expectOK:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &LeveragePosition{
				CollateralUnits:      tt.collateral,
				DebtUnits:            tt.debt,
				CollateralPrice:      tt.price,
				LiquidationThreshold: tt.liq,
			}
			hf, ok := p.HealthFactor()
			assert.Equal(t, tt.expectOK, ok)
			if tt.expectOK {
				assert.True(t, hf.Equal(decimal.RequireFromString(tt.expectHF)), "hf = %s", hf)
			}
		})
	}
}

func TestLeveragePosition_ValidateHealth(t *testing.T) {
	p := &LeveragePosition{
		CollateralUnits:      decimal.NewFromInt(100),
		DebtUnits:            decimal.NewFromInt(90),
		CollateralPrice:      decimal.NewFromInt(2000),
		LiquidationThreshold: decimal.NewFromFloat(0.95),
	}
	// hf = 0.95 * 100/90 = 1.0555...
	err := p.ValidateHealth(decimal.NewFromFloat(1.1))
	require.Error(t, err)

	var violation *InvariantViolation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, "health_factor", violation.Check)
	assert.True(t, violation.Need.Equal(decimal.NewFromFloat(1.1)))
	assert.True(t, violation.Have.LessThan(violation.Need))

	// same state passes a lower bar
	require.NoError(t, p.ValidateHealth(decimal.NewFromFloat(1.05)))

	// debt-free position always passes
	free := &LeveragePosition{
		CollateralUnits:      decimal.NewFromInt(100),
		DebtUnits:            decimal.Zero,
		CollateralPrice:      decimal.NewFromInt(2000),
		LiquidationThreshold: decimal.NewFromFloat(0.95),
	}
	require.NoError(t, free.ValidateHealth(decimal.NewFromFloat(99)))
}

func TestLeveragePosition_LTV(t *testing.T) {
	p := &LeveragePosition{
		CollateralUnits: decimal.NewFromInt(200),
		DebtUnits:       decimal.NewFromInt(186),
		CollateralPrice: decimal.NewFromInt(1500),
	}
	assert.True(t, p.LTV().Equal(decimal.NewFromFloat(0.93)), "ltv = %s", p.LTV())

	empty := &LeveragePosition{CollateralPrice: decimal.NewFromInt(1500)}
	assert.True(t, empty.LTV().IsZero())
}

func TestLeveragePosition_AfterUnwind(t *testing.T) {
	p := &LeveragePosition{
		Venue:                VenueAave,
		Asset:                "WSTETH",
		CollateralUnits:      decimal.NewFromInt(100),
		DebtUnits:            decimal.NewFromInt(80),
		CollateralPrice:      decimal.NewFromInt(3000),
		LiquidationThreshold: decimal.NewFromFloat(0.95),
	}

	half := p.AfterUnwind(decimal.NewFromInt(40), decimal.NewFromInt(45))
	require.NotNil(t, half)
	assert.True(t, half.DebtUnits.Equal(decimal.NewFromInt(40)))
	assert.True(t, half.CollateralUnits.Equal(decimal.NewFromInt(55)))
	// receiver untouched
	assert.True(t, p.DebtUnits.Equal(decimal.NewFromInt(80)))

	full := p.AfterUnwind(decimal.NewFromInt(80), decimal.NewFromInt(100))
	assert.Nil(t, full)
}

func TestNewLeveragePosition_Validation(t *testing.T) {
	one := decimal.NewFromInt(1)

	_, err := NewLeveragePosition(VenueAave, "WSTETH", decimal.Zero, decimal.Zero, one, decimal.NewFromFloat(0.95), decimal.NewFromFloat(0.9))
	assert.Error(t, err, "zero collateral rejected")

	_, err = NewLeveragePosition(VenueAave, "WSTETH", one, decimal.NewFromInt(-1), one, decimal.NewFromFloat(0.95), decimal.NewFromFloat(0.9))
	assert.Error(t, err, "negative debt rejected")

	_, err = NewLeveragePosition(VenueAave, "WSTETH", one, decimal.Zero, one, decimal.NewFromFloat(1.5), decimal.NewFromFloat(0.9))
	assert.Error(t, err, "liquidation threshold above 1 rejected")

	_, err = NewLeveragePosition(VenueAave, "WSTETH", one, decimal.Zero, one, decimal.NewFromFloat(0.95), one)
	assert.Error(t, err, "target LTV of 1 rejected")

	p, err := NewLeveragePosition(VenueAave, "WSTETH", one, decimal.Zero, one, decimal.NewFromFloat(0.95), decimal.NewFromFloat(0.9))
	require.NoError(t, err)
	assert.Equal(t, VenueAave, p.Venue)
}
