package domain

import (
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// LeveragePosition is a looped collateral/debt position on a lending
// protocol. Collateral and debt are denominated in the same asset, so the
// health factor reduces to liquidation threshold times the collateral/debt
// ratio; prices are kept for valuing the position in settlement currency.
type LeveragePosition struct {
	Venue                Venue
	Asset                Asset
	CollateralUnits      decimal.Decimal
	DebtUnits            decimal.Decimal
	CollateralPrice      decimal.Decimal
	LiquidationThreshold decimal.Decimal
	TargetLTV            decimal.Decimal
}

// NewLeveragePosition constructs a validated leverage position.
func NewLeveragePosition(venue Venue, asset Asset, collateral, debt, price, liqThreshold, targetLTV decimal.Decimal) (*LeveragePosition, error) {
	if collateral.LessThanOrEqual(decimal.Zero) {
		return nil, errors.Errorf("collateral must be positive, got %s", collateral.String())
	}
	if debt.IsNegative() {
		return nil, errors.Errorf("debt must not be negative, got %s", debt.String())
	}
	if price.LessThanOrEqual(decimal.Zero) {
		return nil, errors.Errorf("collateral price must be positive, got %s", price.String())
	}
	if liqThreshold.LessThanOrEqual(decimal.Zero) || liqThreshold.GreaterThan(decimal.NewFromInt(1)) {
		return nil, errors.Errorf("liquidation threshold must be in (0, 1], got %s", liqThreshold.String())
	}
	if targetLTV.LessThanOrEqual(decimal.Zero) || targetLTV.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, errors.Errorf("target LTV must be in (0, 1), got %s", targetLTV.String())
	}

	return &LeveragePosition{
		Venue:                venue,
		Asset:                asset,
		CollateralUnits:      collateral,
		DebtUnits:            debt,
		CollateralPrice:      price,
		LiquidationThreshold: liqThreshold,
		TargetLTV:            targetLTV,
	}, nil
}

// CollateralValue returns the collateral value in settlement currency.
func (p *LeveragePosition) CollateralValue() decimal.Decimal {
	return p.CollateralUnits.Mul(p.CollateralPrice)
}

// DebtValue returns the debt value in settlement currency.
func (p *LeveragePosition) DebtValue() decimal.Decimal {
	return p.DebtUnits.Mul(p.CollateralPrice)
}

// NetEquity returns collateral value minus debt value.
func (p *LeveragePosition) NetEquity() decimal.Decimal {
	return p.CollateralValue().Sub(p.DebtValue())
}

// HealthFactor returns liqThreshold * collateralValue / debtValue. The second
// return is false when the position carries no debt and the ratio is
// undefined (an undebted position cannot be liquidated).
func (p *LeveragePosition) HealthFactor() (decimal.Decimal, bool) {
	debt := p.DebtValue()
	if debt.IsZero() {
		return decimal.Zero, false
	}
	return p.LiquidationThreshold.Mul(p.CollateralValue()).Div(debt), true
}

// LTV returns debt value over collateral value.
func (p *LeveragePosition) LTV() decimal.Decimal {
	collateral := p.CollateralValue()
	if collateral.IsZero() {
		return decimal.Zero
	}
	return p.DebtValue().Div(collateral)
}

// ValidateHealth rejects the position state when its health factor is below
// min. Simulated and live paths both gate every post-state through this one
// check; a violating instruction is rejected before execution, never rolled
// back after.
func (p *LeveragePosition) ValidateHealth(min decimal.Decimal) error {
	hf, ok := p.HealthFactor()
	if !ok {
		return nil
	}
	if hf.LessThan(min) {
		return &InvariantViolation{Check: "health_factor", Have: hf, Need: min}
	}
	return nil
}

// WithPrice returns a copy marked to a new collateral price.
func (p *LeveragePosition) WithPrice(price decimal.Decimal) *LeveragePosition {
	c := *p
	c.CollateralPrice = price
	return &c
}

// AfterUnwind returns the position state after repaying repayUnits of debt
// and withdrawing withdrawUnits of collateral. Pure; the receiver is
// unchanged. Returns nil when the unwind clears the whole position.
func (p *LeveragePosition) AfterUnwind(repayUnits, withdrawUnits decimal.Decimal) *LeveragePosition {
	c := *p
	c.DebtUnits = c.DebtUnits.Sub(repayUnits)
	c.CollateralUnits = c.CollateralUnits.Sub(withdrawUnits)
	if c.DebtUnits.LessThanOrEqual(decimal.Zero) && c.CollateralUnits.LessThanOrEqual(dustEpsilon) {
		return nil
	}
	return &c
}

// dustEpsilon is the collateral size below which a position is treated as
// fully closed.
var dustEpsilon = decimal.New(1, -9)
