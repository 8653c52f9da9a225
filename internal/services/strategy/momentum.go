package strategy

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vselivanov/stratex/internal/domain"
)

// MomentumConfig configures the directional perp mode.
type MomentumConfig struct {
	Venue           domain.Venue
	Instrument      domain.Asset
	SettlementAsset domain.Asset
	// Leverage is position notional as a multiple of equity, default 1.
	Leverage decimal.Decimal
	// StopLossPct and TakeProfitPct set the protective exit levels relative
	// to the entry mark. Defaults 3% and 6%.
	StopLossPct   decimal.Decimal
	TakeProfitPct decimal.Decimal
	// MinSignalConfidence gates entries, default 0.5.
	MinSignalConfidence decimal.Decimal
	MinMarginRatio      decimal.Decimal
	EquityDeviation     decimal.Decimal
	// Overbought and Oversold are the RSI gates, defaults 70 and 30.
	Overbought decimal.Decimal
	Oversold   decimal.Decimal
}

// Momentum trades a perp directionally off an EMA trend with RSI
// confirmation. The trend data arrives pre-computed on the market view's
// timeframe; the mode only compares levels, the way the signal provider
// feeds it.
type Momentum struct {
	cfg MomentumConfig
}

func NewMomentum(cfg MomentumConfig) (*Momentum, error) {
	if cfg.Venue == "" || cfg.Instrument == "" {
		return nil, errors.New("venue and instrument are required")
	}
	if cfg.SettlementAsset == "" {
		return nil, errors.New("settlement asset is required")
	}
	if cfg.Leverage.IsZero() {
		cfg.Leverage = one
	}
	if cfg.Leverage.LessThan(one) || cfg.Leverage.GreaterThan(decimal.NewFromInt(5)) {
		return nil, errors.Errorf("leverage must be in [1, 5], got %s", cfg.Leverage.String())
	}
	if cfg.StopLossPct.IsZero() {
		cfg.StopLossPct = decimal.NewFromFloat(0.03)
	}
	if cfg.TakeProfitPct.IsZero() {
		cfg.TakeProfitPct = decimal.NewFromFloat(0.06)
	}
	if cfg.MinSignalConfidence.IsZero() {
		cfg.MinSignalConfidence = defaultSignalConfidence
	}
	if cfg.MinMarginRatio.IsZero() {
		cfg.MinMarginRatio = decimal.NewFromFloat(0.15)
	}
	if cfg.EquityDeviation.IsZero() {
		cfg.EquityDeviation = defaultEquityDeviation
	}
	if cfg.Overbought.IsZero() {
		cfg.Overbought = decimal.NewFromInt(70)
	}
	if cfg.Oversold.IsZero() {
		cfg.Oversold = decimal.NewFromInt(30)
	}
	return &Momentum{cfg: cfg}, nil
}

func (m *Momentum) Name() string { return "momentum" }

func (m *Momentum) Thresholds() Thresholds {
	return Thresholds{
		MinMarginRatio:       m.cfg.MinMarginRatio,
		EquityDeviation:      m.cfg.EquityDeviation,
		CriticalExitFraction: one,
		MinSignalConfidence:  m.cfg.MinSignalConfidence,
	}
}

// TargetAllocation sizes a perp position in the current signal direction,
// with all equity as margin. A neutral signal targets an empty book.
func (m *Momentum) TargetAllocation(equity decimal.Decimal, view *domain.MarketView) (*TargetAllocation, error) {
	if !equity.IsPositive() {
		return nil, errors.Errorf("no equity to allocate: %s", equity.String())
	}
	sig, err := m.Signal(time.Time{}, view)
	if err != nil {
		return nil, err
	}
	if sig.Direction == SignalNeutral || sig.Confidence.LessThan(m.cfg.MinSignalConfidence) {
		return &TargetAllocation{}, nil
	}

	mark, err := view.Price(m.cfg.Venue, m.cfg.Instrument)
	if err != nil {
		return nil, errors.Wrapf(err, "mark %s on %s", m.cfg.Instrument, m.cfg.Venue)
	}
	size := equity.Mul(m.cfg.Leverage).Div(mark)
	exit := &domain.ExitPlan{
		StopLoss:   mark.Mul(one.Sub(m.cfg.StopLossPct)),
		TakeProfit: mark.Mul(one.Add(m.cfg.TakeProfitPct)),
	}
	if sig.Direction == SignalShort {
		size = size.Neg()
		exit = &domain.ExitPlan{
			StopLoss:   mark.Mul(one.Add(m.cfg.StopLossPct)),
			TakeProfit: mark.Mul(one.Sub(m.cfg.TakeProfitPct)),
		}
	}

	return &TargetAllocation{
		Balances: map[domain.BalanceKey]decimal.Decimal{
			{Venue: m.cfg.Venue, Asset: m.cfg.SettlementAsset}: equity,
		},
		Perp: &PerpTarget{
			Venue:      m.cfg.Venue,
			Instrument: m.cfg.Instrument,
			Size:       size,
			Exit:       exit,
		},
		Stance: sig.Direction,
	}, nil
}

func (m *Momentum) RequiredMetrics(snap *domain.Snapshot) []domain.RiskMetric {
	metrics := []domain.RiskMetric{domain.MetricEquity}
	if snap.Position(m.cfg.Venue, string(m.cfg.Instrument)) != nil {
		metrics = append(metrics, domain.MetricMarginRatio)
	}
	return metrics
}

// Signal reads the trend off the view's timeframe: a bullish EMA stack with
// RSI below overbought goes long, the bearish mirror goes short. Confidence
// scales with the EMA spread, saturating at a 2% gap.
func (m *Momentum) Signal(_ time.Time, view *domain.MarketView) (Signal, error) {
	tf := view.Timeframe
	candle, ok := tf.LatestCandle()
	if !ok {
		return Signal{}, errors.New("no candle data")
	}
	ind, ok := tf.LatestIndicator()
	if !ok {
		return Signal{}, errors.New("no indicator data")
	}
	if !ind.EMA50.IsPositive() {
		return Signal{}, errors.New("indicators not warmed up")
	}

	confidence := decimal.Min(one, ind.EMA20.Sub(ind.EMA50).Abs().Div(ind.EMA50).Mul(decimal.NewFromInt(50)))
	reason := fmt.Sprintf("close %s, ema20 %s, ema50 %s, rsi %s",
		candle.Close.StringFixed(2), ind.EMA20.StringFixed(2), ind.EMA50.StringFixed(2), ind.RSI14.StringFixed(1))

	switch tf.Trend() {
	case domain.TrendDirectionBullish:
		if ind.RSI14.LessThan(m.cfg.Overbought) {
			return Signal{Direction: SignalLong, Confidence: confidence, Reason: reason}, nil
		}
	case domain.TrendDirectionBearish:
		if ind.RSI14.GreaterThan(m.cfg.Oversold) {
			return Signal{Direction: SignalShort, Confidence: confidence, Reason: reason}, nil
		}
	}
	return Signal{Direction: SignalNeutral, Confidence: one, Reason: reason}, nil
}
