package strategy

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vselivanov/stratex/internal/domain"
)

// BasisConfig configures the funding capture mode.
type BasisConfig struct {
	SpotVenue       domain.Venue
	BaseAsset       domain.Asset
	PerpVenue       domain.Venue
	Instrument      domain.Asset
	SettlementAsset domain.Asset
	// MarginFraction is the share of equity parked at the perp venue as
	// margin; the rest buys spot. Defaults to 0.3.
	MarginFraction decimal.Decimal
	// MinFunding is the funding rate floor that keeps the trade on. At the
	// default of zero the trade comes off when funding turns negative.
	MinFunding      decimal.Decimal
	MinMarginRatio  decimal.Decimal
	MaxDeltaDrift   decimal.Decimal
	EquityDeviation decimal.Decimal
}

// Basis holds spot long against an equal perp short and collects the funding
// premium. Delta drift is its secondary risk condition; the funding rate
// doubles as its signal, taking the trade off when the premium is gone.
type Basis struct {
	cfg BasisConfig
}

func NewBasis(cfg BasisConfig) (*Basis, error) {
	if cfg.SpotVenue == "" || cfg.PerpVenue == "" {
		return nil, errors.New("spot and perp venues are required")
	}
	if cfg.BaseAsset == "" || cfg.Instrument == "" {
		return nil, errors.New("base asset and perp instrument are required")
	}
	if cfg.SettlementAsset == "" {
		return nil, errors.New("settlement asset is required")
	}
	if cfg.MarginFraction.IsZero() {
		cfg.MarginFraction = decimal.NewFromFloat(0.3)
	}
	if cfg.MarginFraction.LessThanOrEqual(decimal.Zero) || cfg.MarginFraction.GreaterThanOrEqual(one) {
		return nil, errors.Errorf("margin fraction must be in (0, 1), got %s", cfg.MarginFraction.String())
	}
	if cfg.MinMarginRatio.IsZero() {
		cfg.MinMarginRatio = decimal.NewFromFloat(0.1)
	}
	if cfg.MaxDeltaDrift.IsZero() {
		cfg.MaxDeltaDrift = decimal.NewFromFloat(0.02)
	}
	if cfg.EquityDeviation.IsZero() {
		cfg.EquityDeviation = defaultEquityDeviation
	}
	return &Basis{cfg: cfg}, nil
}

func (b *Basis) Name() string { return "basis" }

func (b *Basis) Thresholds() Thresholds {
	return Thresholds{
		MinMarginRatio:       b.cfg.MinMarginRatio,
		MaxDeltaDrift:        b.cfg.MaxDeltaDrift,
		EquityDeviation:      b.cfg.EquityDeviation,
		CriticalExitFraction: one,
		MinSignalConfidence:  defaultSignalConfidence,
	}
}

// TargetAllocation builds the delta-neutral book: spot long funded with
// 1-MarginFraction of equity, a perp short of the same size, margin at the
// perp venue. When funding is below the floor the target is an empty book,
// everything parked in the wallet.
func (b *Basis) TargetAllocation(equity decimal.Decimal, view *domain.MarketView) (*TargetAllocation, error) {
	if !equity.IsPositive() {
		return nil, errors.Errorf("no equity to allocate: %s", equity.String())
	}
	rate, err := view.FundingRate(b.cfg.PerpVenue, b.cfg.Instrument)
	if err != nil {
		return nil, errors.Wrap(err, "funding rate")
	}
	if rate.LessThan(b.cfg.MinFunding) {
		return &TargetAllocation{}, nil
	}

	price, err := view.Price(b.cfg.SpotVenue, b.cfg.BaseAsset)
	if err != nil {
		return nil, errors.Wrapf(err, "price %s on %s", b.cfg.BaseAsset, b.cfg.SpotVenue)
	}
	units := equity.Mul(one.Sub(b.cfg.MarginFraction)).Div(price)

	return &TargetAllocation{
		Balances: map[domain.BalanceKey]decimal.Decimal{
			{Venue: b.cfg.SpotVenue, Asset: b.cfg.BaseAsset}:       units,
			{Venue: b.cfg.PerpVenue, Asset: b.cfg.SettlementAsset}: equity.Mul(b.cfg.MarginFraction),
		},
		Perp: &PerpTarget{
			Venue:      b.cfg.PerpVenue,
			Instrument: b.cfg.Instrument,
			Size:       units.Neg(),
		},
		Stance: SignalLong,
	}, nil
}

func (b *Basis) RequiredMetrics(snap *domain.Snapshot) []domain.RiskMetric {
	metrics := []domain.RiskMetric{domain.MetricEquity}
	if snap.Position(b.cfg.PerpVenue, string(b.cfg.Instrument)) != nil {
		metrics = append(metrics, domain.MetricMarginRatio, domain.MetricDeltaDrift)
	}
	return metrics
}

// Signal is long while funding pays and neutral once it stops.
func (b *Basis) Signal(_ time.Time, view *domain.MarketView) (Signal, error) {
	rate, err := view.FundingRate(b.cfg.PerpVenue, b.cfg.Instrument)
	if err != nil {
		return Signal{}, errors.Wrap(err, "funding rate")
	}
	if rate.LessThan(b.cfg.MinFunding) {
		return Signal{
			Direction:  SignalNeutral,
			Confidence: one,
			Reason:     fmt.Sprintf("funding %s below floor %s", rate.String(), b.cfg.MinFunding.String()),
		}, nil
	}
	return Signal{
		Direction:  SignalLong,
		Confidence: one,
		Reason:     fmt.Sprintf("funding %s at or above floor %s", rate.String(), b.cfg.MinFunding.String()),
	}, nil
}
