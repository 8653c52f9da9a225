package domain

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// InstructionType represents the kind of venue operation to perform.
type InstructionType string

const (
	InstructionSpotTrade     InstructionType = "spot_trade"
	InstructionPerpTrade     InstructionType = "perp_trade"
	InstructionLend          InstructionType = "lend"
	InstructionWithdraw      InstructionType = "withdraw"
	InstructionLeverageEnter InstructionType = "leverage_enter"
	InstructionLeverageExit  InstructionType = "leverage_exit"
	InstructionDustConvert   InstructionType = "dust_convert"
)

// IsValid checks if the InstructionType value is valid.
func (t InstructionType) IsValid() bool {
	switch t {
	case InstructionSpotTrade, InstructionPerpTrade, InstructionLend,
		InstructionWithdraw, InstructionLeverageEnter, InstructionLeverageExit,
		InstructionDustConvert:
		return true
	}
	return false
}

// Side represents the direction of a trade instruction.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ExitPlan optional protective exit levels for an entry instruction.
type ExitPlan struct {
	StopLoss   decimal.Decimal
	TakeProfit decimal.Decimal
}

// Instruction is one execution step produced by the decision engine. Atomic
// instructions must apply their full net balance effect or none of it; no
// partial application is ever observable in the snapshot or the ledger.
type Instruction struct {
	Type   InstructionType
	Venue  Venue
	Asset  Asset
	Quote  Asset
	Side   Side
	Amount decimal.Decimal
	Atomic bool
	// TargetLTV is set for leverage_enter; UnwindFraction for leverage_exit.
	TargetLTV      decimal.Decimal
	UnwindFraction decimal.Decimal
	Exit           *ExitPlan
}

// String returns a human-readable string representation.
func (in *Instruction) String() string {
	return fmt.Sprintf("%s %s %s on %s amount: %s", in.Type, in.Side, in.Asset, in.Venue, in.Amount.String())
}

// Validate validates the instruction.
func (in *Instruction) Validate() error {
	if !in.Type.IsValid() {
		return errors.Errorf("invalid instruction type: %s", in.Type)
	}
	if in.Venue == "" {
		return errors.New("venue is required")
	}
	if in.Asset == "" {
		return errors.New("asset is required")
	}

	switch in.Type {
	case InstructionSpotTrade, InstructionPerpTrade:
		if in.Side != SideBuy && in.Side != SideSell {
			return errors.Errorf("invalid side: %s", in.Side)
		}
		if in.Amount.LessThanOrEqual(decimal.Zero) {
			return errors.Errorf("amount must be positive, got %s", in.Amount.String())
		}
	case InstructionLend:
		if in.Amount.LessThanOrEqual(decimal.Zero) {
			return errors.Errorf("amount must be positive, got %s", in.Amount.String())
		}
	case InstructionWithdraw:
		// sell moves funds venue to wallet, buy funds the venue from the wallet
		if in.Side != SideBuy && in.Side != SideSell {
			return errors.Errorf("invalid side: %s", in.Side)
		}
		if in.Amount.LessThanOrEqual(decimal.Zero) {
			return errors.Errorf("amount must be positive, got %s", in.Amount.String())
		}
	case InstructionLeverageEnter:
		if !in.Atomic {
			return errors.New("leverage_enter must be atomic")
		}
		if in.TargetLTV.LessThanOrEqual(decimal.Zero) || in.TargetLTV.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			return errors.Errorf("target LTV must be in (0, 1), got %s", in.TargetLTV.String())
		}
		if in.Amount.LessThanOrEqual(decimal.Zero) {
			return errors.Errorf("equity amount must be positive, got %s", in.Amount.String())
		}
	case InstructionLeverageExit:
		if !in.Atomic {
			return errors.New("leverage_exit must be atomic")
		}
		if in.UnwindFraction.LessThanOrEqual(decimal.Zero) || in.UnwindFraction.GreaterThan(decimal.NewFromInt(1)) {
			return errors.Errorf("unwind fraction must be in (0, 1], got %s", in.UnwindFraction.String())
		}
	case InstructionDustConvert:
		// amount is discovered from the snapshot at execution time
	}

	if in.Exit != nil {
		if in.Exit.StopLoss.LessThanOrEqual(decimal.Zero) {
			return errors.New("stop loss must be greater than 0")
		}
		if in.Exit.TakeProfit.LessThanOrEqual(decimal.Zero) {
			return errors.New("take profit must be greater than 0")
		}
		switch in.Side {
		case SideBuy:
			if in.Exit.StopLoss.GreaterThanOrEqual(in.Exit.TakeProfit) {
				return errors.New("stop loss must be less than take profit for long entries")
			}
		case SideSell:
			if in.Exit.StopLoss.LessThanOrEqual(in.Exit.TakeProfit) {
				return errors.New("stop loss must be greater than take profit for short entries")
			}
		}
	}

	return nil
}
