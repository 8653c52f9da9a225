package strategy

import (
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vselivanov/stratex/internal/domain"
)

// LevStakeConfig configures the leveraged staking mode.
type LevStakeConfig struct {
	// Instance names the strategy instance in the position registry.
	Instance string
	// Venue is the lending protocol the loop runs on.
	Venue domain.Venue
	// Asset is the staked collateral asset.
	Asset domain.Asset
	// TargetLTV is the loop's loan-to-value target, in (0, 1).
	TargetLTV decimal.Decimal
	// MinHealthFactor is the critical floor, default 1.1.
	MinHealthFactor decimal.Decimal
	// MinProtocolHealth, when positive, exits on protocol degradation.
	MinProtocolHealth decimal.Decimal
	// EquityDeviation is the rebalance threshold, default 2%.
	EquityDeviation decimal.Decimal
	// CriticalExitFraction is the share deleveraged on a critical breach.
	// Defaults to 0.5: breaches cut the loop in half rather than unwinding
	// a position that is still solvent.
	CriticalExitFraction decimal.Decimal
}

// LevStake runs a looped staking position at a target LTV: collateral and
// debt share the staked asset, so the loop's ratios hold through price moves
// and the risk is liquidation-threshold drift and rate divergence.
type LevStake struct {
	cfg       LevStakeConfig
	positions PositionSource
}

// NewLevStake builds the mode. positions is the execution manager's registry
// and drives which metrics are required: with a live loop the health factor
// must be present or the engine fails closed.
func NewLevStake(cfg LevStakeConfig, positions PositionSource) (*LevStake, error) {
	if cfg.Instance == "" {
		return nil, errors.New("instance is required")
	}
	if cfg.Venue == "" {
		return nil, errors.New("loop venue is required")
	}
	if cfg.Asset == "" {
		return nil, errors.New("collateral asset is required")
	}
	if cfg.TargetLTV.LessThanOrEqual(decimal.Zero) || cfg.TargetLTV.GreaterThanOrEqual(one) {
		return nil, errors.Errorf("target LTV must be in (0, 1), got %s", cfg.TargetLTV.String())
	}
	if cfg.MinHealthFactor.IsZero() {
		cfg.MinHealthFactor = decimal.NewFromFloat(1.1)
	}
	if cfg.EquityDeviation.IsZero() {
		cfg.EquityDeviation = defaultEquityDeviation
	}
	if cfg.CriticalExitFraction.IsZero() {
		cfg.CriticalExitFraction = decimal.NewFromFloat(0.5)
	}
	return &LevStake{cfg: cfg, positions: positions}, nil
}

func (l *LevStake) Name() string { return "levstake" }

func (l *LevStake) Thresholds() Thresholds {
	return Thresholds{
		MinHealthFactor:      l.cfg.MinHealthFactor,
		MinProtocolHealth:    l.cfg.MinProtocolHealth,
		EquityDeviation:      l.cfg.EquityDeviation,
		CriticalExitFraction: l.cfg.CriticalExitFraction,
	}
}

func (l *LevStake) TargetAllocation(equity decimal.Decimal, _ *domain.MarketView) (*TargetAllocation, error) {
	if !equity.IsPositive() {
		return nil, errors.Errorf("no equity to allocate: %s", equity.String())
	}
	return &TargetAllocation{
		Leverage: &LeverageTarget{
			Venue:     l.cfg.Venue,
			Asset:     l.cfg.Asset,
			TargetLTV: l.cfg.TargetLTV,
			Equity:    equity,
		},
	}, nil
}

func (l *LevStake) RequiredMetrics(*domain.Snapshot) []domain.RiskMetric {
	metrics := []domain.RiskMetric{domain.MetricEquity}
	if l.positions != nil && l.positions.LeveragePosition(l.cfg.Instance) != nil {
		metrics = append(metrics, domain.MetricHealthFactor, domain.MetricLTV)
	}
	return metrics
}
