// Package risk computes the named risk metrics the decision engine consumes.
// The engine treats the assessment as authoritative and never recomputes
// risk itself; a metric the assessor cannot compute is omitted, and modes
// that require it fail closed.
package risk

import (
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vselivanov/stratex/internal/domain"
)

// PositionSource exposes the execution manager's leverage position registry.
type PositionSource interface {
	LeveragePosition(instance string) *domain.LeveragePosition
}

// ProtocolSource reports lending-protocol state for a venue. Nil in
// backtests; live deployments wire the chain client here.
type ProtocolSource interface {
	ProtocolHealth(venue domain.Venue) (decimal.Decimal, error)
	// AccountHealthFactor is the protocol's own liquidation ratio for our
	// account. ok is false when the account carries no debt.
	AccountHealthFactor(venue domain.Venue) (hf decimal.Decimal, ok bool, err error)
}

// Config ties an assessor to one strategy instance's venues and assets.
type Config struct {
	Instance        string
	BaseAsset       domain.Asset
	SettlementAsset domain.Asset
	SpotVenue       domain.Venue
	PerpVenue       domain.Venue
	PerpInstrument  domain.Asset
	LendingVenue    domain.Venue
}

// Assessor computes a risk assessment for one instance per tick.
type Assessor struct {
	cfg       Config
	positions PositionSource
	protocol  ProtocolSource
	log       *zap.Logger
}

// NewAssessor builds an assessor. protocol may be nil.
func NewAssessor(cfg Config, positions PositionSource, protocol ProtocolSource, log *zap.Logger) *Assessor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Assessor{cfg: cfg, positions: positions, protocol: protocol, log: log}
}

// Assess computes every metric the current snapshot and market view admit.
func (a *Assessor) Assess(snap *domain.Snapshot, view *domain.MarketView) domain.RiskAssessment {
	out := make(domain.RiskAssessment)

	a.assessEquity(out, snap, view)
	a.assessLeverage(out)
	a.assessPerp(out, snap, view)
	a.assessProtocol(out)

	return out
}

// assessEquity values the book: snapshot balances and positions, plus the
// net equity of the instance's leverage loop. An unpriceable book omits the
// metric entirely rather than reporting a partial value.
func (a *Assessor) assessEquity(out domain.RiskAssessment, snap *domain.Snapshot, view *domain.MarketView) {
	equity, err := snap.Equity(view)
	if err != nil {
		a.log.Warn("equity not computable, metric omitted",
			zap.String("instance", a.cfg.Instance),
			zap.Error(err))
		return
	}

	if pos := a.leveragePosition(); pos != nil {
		price, err := view.Price(pos.Venue, pos.Asset)
		if err != nil {
			a.log.Warn("loop collateral not priceable, equity omitted",
				zap.String("instance", a.cfg.Instance),
				zap.Error(err))
			return
		}
		equity = equity.Add(pos.WithPrice(price).NetEquity())
	}

	out[domain.MetricEquity] = equity
}

func (a *Assessor) leveragePosition() *domain.LeveragePosition {
	if a.positions == nil {
		return nil
	}
	return a.positions.LeveragePosition(a.cfg.Instance)
}

// assessLeverage emits health factor and LTV for the instance's lending
// position. Collateral and debt share one asset, so both ratios are
// price-independent and never go stale. Without a registered loop the
// protocol's own account health factor is used, covering plain lending
// exposure.
func (a *Assessor) assessLeverage(out domain.RiskAssessment) {
	pos := a.leveragePosition()
	if pos == nil {
		a.assessAccountHealth(out)
		return
	}

	if hf, ok := pos.HealthFactor(); ok {
		out[domain.MetricHealthFactor] = hf
	}
	out[domain.MetricLTV] = pos.LTV()
}

func (a *Assessor) assessAccountHealth(out domain.RiskAssessment) {
	if a.protocol == nil || a.cfg.LendingVenue == "" {
		return
	}
	hf, ok, err := a.protocol.AccountHealthFactor(a.cfg.LendingVenue)
	if err != nil {
		a.log.Warn("account health factor unavailable, metric omitted",
			zap.String("instance", a.cfg.Instance),
			zap.String("venue", string(a.cfg.LendingVenue)),
			zap.Error(err))
		return
	}
	if ok {
		out[domain.MetricHealthFactor] = hf
	}
}

// assessPerp emits margin ratio and delta drift for hedged instances.
func (a *Assessor) assessPerp(out domain.RiskAssessment, snap *domain.Snapshot, view *domain.MarketView) {
	if a.cfg.PerpVenue == "" || a.cfg.PerpInstrument == "" {
		return
	}
	pos := snap.Position(a.cfg.PerpVenue, string(a.cfg.PerpInstrument))
	if pos == nil {
		return
	}

	mark, err := view.Price(a.cfg.PerpVenue, a.cfg.PerpInstrument)
	if err != nil {
		a.log.Warn("perp mark price unavailable, margin metrics omitted",
			zap.String("instance", a.cfg.Instance),
			zap.Error(err))
		return
	}

	notional := pos.Size.Abs().Mul(mark)
	if notional.IsPositive() {
		pnl := mark.Sub(pos.EntryPrice).Mul(pos.Size)
		margin := snap.Balance(a.cfg.PerpVenue, a.cfg.SettlementAsset).Add(pnl)
		out[domain.MetricMarginRatio] = margin.Div(notional)
	}

	equity, hasEquity := out.Get(domain.MetricEquity)
	if !hasEquity || !equity.IsPositive() {
		return
	}

	spotUnits := decimal.Zero
	for key, amount := range snap.Balances {
		if key.Asset == a.cfg.BaseAsset {
			spotUnits = spotUnits.Add(amount)
		}
	}
	netUnits := spotUnits.Add(pos.Size)
	out[domain.MetricDeltaDrift] = netUnits.Abs().Mul(mark).Div(equity)
}

func (a *Assessor) assessProtocol(out domain.RiskAssessment) {
	if a.protocol == nil || a.cfg.LendingVenue == "" {
		return
	}
	health, err := a.protocol.ProtocolHealth(a.cfg.LendingVenue)
	if err != nil {
		a.log.Warn("protocol health unavailable, metric omitted",
			zap.String("instance", a.cfg.Instance),
			zap.String("venue", string(a.cfg.LendingVenue)),
			zap.Error(err))
		return
	}
	out[domain.MetricProtocolHealth] = health
}
