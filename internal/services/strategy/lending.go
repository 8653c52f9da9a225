package strategy

import (
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vselivanov/stratex/internal/domain"
)

// LendingConfig configures the pure lending mode.
type LendingConfig struct {
	// Venue is the lending protocol the equity is supplied to.
	Venue domain.Venue
	// Asset is the supplied asset; pure lending supplies the settlement
	// asset, so amounts and equity share a unit.
	Asset domain.Asset
	// MinHealthFactor is the critical floor for the protocol account's own
	// health factor. Defaults to 1.5.
	MinHealthFactor decimal.Decimal
	// MinProtocolHealth, when positive, exits on protocol degradation.
	MinProtocolHealth decimal.Decimal
	// EquityDeviation is the rebalance threshold, default 2%.
	EquityDeviation decimal.Decimal
}

// Lending is the pure lending mode: all equity supplied to one pool, earning
// rate, no market exposure. The only transitions are deviation rebalances
// (resupplying accrued interest or fresh capital) and critical exits.
type Lending struct {
	cfg LendingConfig
}

func NewLending(cfg LendingConfig) (*Lending, error) {
	if cfg.Venue == "" {
		return nil, errors.New("lending venue is required")
	}
	if cfg.Asset == "" {
		return nil, errors.New("lending asset is required")
	}
	if cfg.MinHealthFactor.IsZero() {
		cfg.MinHealthFactor = decimal.NewFromFloat(1.5)
	}
	if cfg.EquityDeviation.IsZero() {
		cfg.EquityDeviation = defaultEquityDeviation
	}
	return &Lending{cfg: cfg}, nil
}

func (l *Lending) Name() string { return "lending" }

func (l *Lending) Thresholds() Thresholds {
	return Thresholds{
		MinHealthFactor:      l.cfg.MinHealthFactor,
		MinProtocolHealth:    l.cfg.MinProtocolHealth,
		EquityDeviation:      l.cfg.EquityDeviation,
		CriticalExitFraction: one,
	}
}

func (l *Lending) TargetAllocation(equity decimal.Decimal, _ *domain.MarketView) (*TargetAllocation, error) {
	if !equity.IsPositive() {
		return nil, errors.Errorf("no equity to allocate: %s", equity.String())
	}
	return &TargetAllocation{
		Lend: &LendTarget{Venue: l.cfg.Venue, Asset: l.cfg.Asset, Amount: equity},
	}, nil
}

func (l *Lending) RequiredMetrics(*domain.Snapshot) []domain.RiskMetric {
	return []domain.RiskMetric{domain.MetricEquity}
}
