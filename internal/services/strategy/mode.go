// Package strategy implements the decision engine: one shared transition
// skeleton evaluated in fixed priority order, with per-mode behavior
// injected as thresholds plus a target-allocation function. Modes never add
// branches to the skeleton.
package strategy

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/vselivanov/stratex/internal/domain"
)

// Defaults shared by the shipped modes.
var (
	defaultEquityDeviation  = decimal.NewFromFloat(0.02)
	defaultSignalConfidence = decimal.NewFromFloat(0.5)
)

// Thresholds are a mode's risk limits. Zero values disable the check.
type Thresholds struct {
	// MinHealthFactor triggers the critical rule when the lending health
	// factor drops below it.
	MinHealthFactor decimal.Decimal
	// MinMarginRatio triggers the critical rule for perp margin.
	MinMarginRatio decimal.Decimal
	// MinProtocolHealth triggers the critical rule on protocol degradation.
	MinProtocolHealth decimal.Decimal
	// MaxDeltaDrift triggers the secondary rule in hedged modes.
	MaxDeltaDrift decimal.Decimal
	// EquityDeviation is the rebalance trigger relative to equity at last
	// rebalance. The boundary is inclusive: deviation == threshold fires.
	EquityDeviation decimal.Decimal
	// CriticalExitFraction is how much of the position a critical breach
	// unwinds; 1 exits in full.
	CriticalExitFraction decimal.Decimal
	// MinSignalConfidence gates the signal rule.
	MinSignalConfidence decimal.Decimal
}

// LendTarget asks the planner to keep the given amount supplied to a lending
// pool. Supplying draws on the wallet directly, and a venue balance at the
// pool counts as supplied.
type LendTarget struct {
	Venue  domain.Venue
	Asset  domain.Asset
	Amount decimal.Decimal
}

// LeverageTarget asks the planner to hold a looped lending position.
type LeverageTarget struct {
	Venue     domain.Venue
	Asset     domain.Asset
	TargetLTV decimal.Decimal
	// Equity is the settlement value committed to the loop.
	Equity decimal.Decimal
}

// PerpTarget asks the planner to hold a perp position of the given signed
// size.
type PerpTarget struct {
	Venue      domain.Venue
	Instrument domain.Asset
	Size       decimal.Decimal
	Exit       *domain.ExitPlan
}

// TargetAllocation is a mode's desired exposure, expressed as data so the
// shared planner can diff it against the snapshot without mode-specific
// code paths.
type TargetAllocation struct {
	// Balances are desired spot holdings in asset units.
	Balances map[domain.BalanceKey]decimal.Decimal
	// Lend, when set, is the desired supplied amount at a lending pool.
	Lend *LendTarget
	// Leverage, when set, is the desired lending loop.
	Leverage *LeverageTarget
	// Perp, when set, is the desired derivative position.
	Perp *PerpTarget
	// Stance is the signal direction this allocation expresses. The engine
	// adopts it once the allocation is executed, so signal modes see their
	// own direction even when a rebalance rule applied it.
	Stance SignalDirection
}

// TargetPositions flattens the allocation into asset-level amounts for the
// decision audit record.
func (t *TargetAllocation) TargetPositions() map[domain.Asset]decimal.Decimal {
	out := make(map[domain.Asset]decimal.Decimal)
	for key, amount := range t.Balances {
		out[key.Asset] = out[key.Asset].Add(amount)
	}
	if t.Lend != nil {
		out[t.Lend.Asset] = out[t.Lend.Asset].Add(t.Lend.Amount)
	}
	if t.Leverage != nil {
		out[t.Leverage.Asset] = out[t.Leverage.Asset].Add(t.Leverage.Equity)
	}
	if t.Perp != nil {
		out[t.Perp.Instrument] = out[t.Perp.Instrument].Add(t.Perp.Size)
	}
	return out
}

// Mode supplies the per-strategy configuration the shared engine runs on.
type Mode interface {
	Name() string
	Thresholds() Thresholds
	// TargetAllocation maps current equity and market data to desired
	// exposure. Pure; called once per tick when a rebalance rule fires.
	TargetAllocation(equity decimal.Decimal, view *domain.MarketView) (*TargetAllocation, error)
	// RequiredMetrics are the assessment entries this mode cannot decide
	// without, given the current exposure. A missing one fails closed.
	RequiredMetrics(snap *domain.Snapshot) []domain.RiskMetric
}

// SignalDirection is a mode signal's desired stance.
type SignalDirection int

const (
	SignalNeutral SignalDirection = iota
	SignalLong
	SignalShort
)

// String returns the string representation of the direction
func (s SignalDirection) String() string {
	switch s {
	case SignalLong:
		return "long"
	case SignalShort:
		return "short"
	default:
		return "neutral"
	}
}

// Signal is a mode-specific entry/exit trigger with confidence in [0, 1].
type Signal struct {
	Direction  SignalDirection
	Confidence decimal.Decimal
	Reason     string
}

// Signaler is implemented by modes with a signal-driven rule. The engine
// checks for it once at construction; modes without it skip the rule.
type Signaler interface {
	Signal(ts time.Time, view *domain.MarketView) (Signal, error)
}
