package strategy

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vselivanov/stratex/internal/domain"
)

var defaultDustNotional = decimal.NewFromInt(10)

// PositionSource exposes the execution manager's leverage position registry.
type PositionSource interface {
	LeveragePosition(instance string) *domain.LeveragePosition
}

// PlannerConfig ties a planner to one strategy instance.
type PlannerConfig struct {
	Instance        string
	SettlementAsset domain.Asset
	// Wallet is the passive venue funds are parked on between deployments.
	Wallet domain.Venue
	// DustNotional is the settlement value below which a balance diff is
	// left alone instead of traded.
	DustNotional decimal.Decimal
}

// Planner turns a target allocation into an ordered instruction list by
// diffing it against the current snapshot. It works off the shape of the
// target alone: a leverage section plans leverage steps, a perp section
// plans perp steps, regardless of which mode produced the target.
//
// Plans are ordered sells, venue-to-wallet moves, wallet-to-venue moves,
// buys, perp adjustments, leverage adjustments, so settlement freed by one
// step is on the right venue before the step that spends it. Proceeds that
// only materialize during execution (sale revenue, unwind returns) are
// repatriated by the following tick's plan.
type Planner struct {
	cfg       PlannerConfig
	positions PositionSource
}

// NewPlanner builds a planner. positions may be nil for modes that never
// hold a leverage loop.
func NewPlanner(cfg PlannerConfig, positions PositionSource) (*Planner, error) {
	if cfg.Instance == "" {
		return nil, errors.New("instance is required")
	}
	if cfg.SettlementAsset == "" {
		return nil, errors.New("settlement asset is required")
	}
	if cfg.Wallet == "" {
		cfg.Wallet = domain.VenueWallet
	}
	if cfg.DustNotional.IsZero() {
		cfg.DustNotional = defaultDustNotional
	}
	return &Planner{cfg: cfg, positions: positions}, nil
}

func (p *Planner) leveragePosition() *domain.LeveragePosition {
	if p.positions == nil {
		return nil
	}
	return p.positions.LeveragePosition(p.cfg.Instance)
}

// Plan diffs target against snap and returns the instructions that close the
// gap. Diffs below DustNotional are skipped. Returns an error when a price
// needed for sizing is missing or stale.
func (p *Planner) Plan(snap *domain.Snapshot, target *TargetAllocation, view *domain.MarketView) ([]domain.Instruction, error) {
	if target == nil {
		return nil, errors.New("target allocation is nil")
	}

	var sells, buys []domain.Instruction
	settle := p.settlementByVenue(snap)
	desired := make(map[domain.Venue]decimal.Decimal)

	for _, key := range unionKeys(snap, target) {
		if target.Lend != nil && key.Venue == target.Lend.Venue && key.Asset == target.Lend.Asset {
			// supplied balance, owned by the lend section
			continue
		}
		tgt := target.Balances[key]
		if key.Asset == p.cfg.SettlementAsset {
			desired[key.Venue] = desired[key.Venue].Add(tgt)
			continue
		}
		if key.Venue == p.cfg.Wallet {
			// nothing trades on the wallet
			continue
		}
		delta := tgt.Sub(snap.Balance(key.Venue, key.Asset))
		price, err := view.Price(key.Venue, key.Asset)
		if err != nil {
			return nil, errors.Wrapf(err, "price %s", key)
		}
		if delta.Abs().Mul(price).LessThan(p.cfg.DustNotional) {
			continue
		}
		in := domain.Instruction{
			Type:   domain.InstructionSpotTrade,
			Venue:  key.Venue,
			Asset:  key.Asset,
			Quote:  p.cfg.SettlementAsset,
			Amount: delta.Abs(),
		}
		if delta.IsNegative() {
			in.Side = domain.SideSell
			sells = append(sells, in)
			settle[key.Venue] = settle[key.Venue].Add(delta.Abs().Mul(price))
		} else {
			in.Side = domain.SideBuy
			buys = append(buys, in)
			settle[key.Venue] = settle[key.Venue].Sub(delta.Mul(price))
		}
	}

	lend, err := p.planLend(snap, target.Lend, view)
	if err != nil {
		return nil, err
	}
	if target.Lend != nil && target.Lend.Asset == p.cfg.SettlementAsset {
		// the lend section owns that venue's settlement balance
		delete(settle, target.Lend.Venue)
		delete(desired, target.Lend.Venue)
	}

	perp, err := p.planPerp(snap, target.Perp, view)
	if err != nil {
		return nil, err
	}
	leverage, enterAmount := p.planLeverage(target.Leverage)
	if target.Leverage != nil && enterAmount.IsPositive() {
		// entry draws settlement on the lending venue, route funds there
		desired[target.Leverage.Venue] = desired[target.Leverage.Venue].Add(enterAmount)
	}

	moves := p.planMoves(settle, desired)

	out := make([]domain.Instruction, 0, len(sells)+len(moves)+len(lend)+len(buys)+len(perp)+len(leverage))
	out = append(out, sells...)
	out = append(out, moves...)
	out = append(out, lend...)
	out = append(out, buys...)
	out = append(out, perp...)
	out = append(out, leverage...)
	return out, nil
}

// planLend diffs the supplied amount at the pool against the target. Supply
// draws on the wallet, withdrawal returns to it, so neither moves through
// the settlement routing.
func (p *Planner) planLend(snap *domain.Snapshot, target *LendTarget, view *domain.MarketView) ([]domain.Instruction, error) {
	if target == nil {
		return nil, nil
	}
	delta := target.Amount.Sub(snap.Balance(target.Venue, target.Asset))

	notional := delta.Abs()
	if target.Asset != p.cfg.SettlementAsset {
		price, err := view.Price(target.Venue, target.Asset)
		if err != nil {
			return nil, errors.Wrapf(err, "price %s on %s", target.Asset, target.Venue)
		}
		notional = notional.Mul(price)
	}
	if notional.LessThan(p.cfg.DustNotional) {
		return nil, nil
	}

	if delta.IsPositive() {
		return []domain.Instruction{{
			Type:   domain.InstructionLend,
			Venue:  target.Venue,
			Asset:  target.Asset,
			Amount: delta,
		}}, nil
	}
	return []domain.Instruction{{
		Type:   domain.InstructionWithdraw,
		Venue:  target.Venue,
		Asset:  target.Asset,
		Side:   domain.SideSell,
		Amount: delta.Abs(),
	}}, nil
}

// Flatten liquidates the given fraction of every exposure without consulting
// prices: amounts are in held units, perp closes in contracts, the loop
// unwind as a fraction. It is always executable, even when market data is
// the reason for exiting.
func (p *Planner) Flatten(snap *domain.Snapshot, fraction decimal.Decimal) []domain.Instruction {
	one := decimal.NewFromInt(1)
	if fraction.LessThanOrEqual(decimal.Zero) || fraction.GreaterThan(one) {
		fraction = one
	}

	var out []domain.Instruction
	for _, key := range snap.SortedKeys() {
		if key.Asset == p.cfg.SettlementAsset || key.Venue == p.cfg.Wallet {
			continue
		}
		amount := snap.Balance(key.Venue, key.Asset).Mul(fraction)
		if !amount.IsPositive() {
			continue
		}
		out = append(out, domain.Instruction{
			Type:   domain.InstructionSpotTrade,
			Venue:  key.Venue,
			Asset:  key.Asset,
			Quote:  p.cfg.SettlementAsset,
			Side:   domain.SideSell,
			Amount: amount,
		})
	}

	for _, pos := range snap.Positions {
		amount := pos.Size.Abs().Mul(fraction)
		if !amount.IsPositive() {
			continue
		}
		side := domain.SideSell
		if pos.Size.IsNegative() {
			side = domain.SideBuy
		}
		out = append(out, domain.Instruction{
			Type:   domain.InstructionPerpTrade,
			Venue:  pos.Venue,
			Asset:  domain.Asset(pos.Instrument),
			Quote:  p.cfg.SettlementAsset,
			Side:   side,
			Amount: amount,
		})
	}

	if lev := p.leveragePosition(); lev != nil {
		out = append(out, domain.Instruction{
			Type:           domain.InstructionLeverageExit,
			Venue:          lev.Venue,
			Asset:          lev.Asset,
			Atomic:         true,
			UnwindFraction: fraction,
		})
	}

	for _, key := range snap.SortedKeys() {
		if key.Asset != p.cfg.SettlementAsset || key.Venue == p.cfg.Wallet {
			continue
		}
		amount := snap.Balance(key.Venue, key.Asset).Mul(fraction)
		if !amount.IsPositive() {
			continue
		}
		out = append(out, domain.Instruction{
			Type:   domain.InstructionWithdraw,
			Venue:  key.Venue,
			Asset:  p.cfg.SettlementAsset,
			Side:   domain.SideSell,
			Amount: amount,
		})
	}

	return out
}

// planPerp diffs the target derivative position against the snapshot. Open
// positions not covered by the target are closed in full.
func (p *Planner) planPerp(snap *domain.Snapshot, target *PerpTarget, view *domain.MarketView) ([]domain.Instruction, error) {
	var out []domain.Instruction

	for _, pos := range snap.Positions {
		if target != nil && pos.Venue == target.Venue && pos.Instrument == string(target.Instrument) {
			continue
		}
		side := domain.SideSell
		if pos.Size.IsNegative() {
			side = domain.SideBuy
		}
		out = append(out, domain.Instruction{
			Type:   domain.InstructionPerpTrade,
			Venue:  pos.Venue,
			Asset:  domain.Asset(pos.Instrument),
			Quote:  p.cfg.SettlementAsset,
			Side:   side,
			Amount: pos.Size.Abs(),
		})
	}

	if target == nil {
		return out, nil
	}

	cur := decimal.Zero
	if pos := snap.Position(target.Venue, string(target.Instrument)); pos != nil {
		cur = pos.Size
	}
	delta := target.Size.Sub(cur)
	if delta.IsZero() {
		return out, nil
	}
	mark, err := view.Price(target.Venue, target.Instrument)
	if err != nil {
		return nil, errors.Wrapf(err, "mark %s on %s", target.Instrument, target.Venue)
	}
	if delta.Abs().Mul(mark).LessThan(p.cfg.DustNotional) {
		return out, nil
	}
	in := domain.Instruction{
		Type:   domain.InstructionPerpTrade,
		Venue:  target.Venue,
		Asset:  target.Instrument,
		Quote:  p.cfg.SettlementAsset,
		Amount: delta.Abs(),
	}
	if delta.IsPositive() {
		in.Side = domain.SideBuy
	} else {
		in.Side = domain.SideSell
	}
	// protective levels only make sense when the trade grows exposure
	if target.Exit != nil && delta.Sign() == target.Size.Sign() {
		exit := *target.Exit
		in.Exit = &exit
	}
	return append(out, in), nil
}

// planLeverage diffs the target loop against the registered position and
// returns the instructions plus the settlement amount a pending entry will
// draw on the lending venue.
func (p *Planner) planLeverage(target *LeverageTarget) ([]domain.Instruction, decimal.Decimal) {
	cur := p.leveragePosition()
	if target == nil && cur == nil {
		return nil, decimal.Zero
	}

	if target == nil {
		return []domain.Instruction{{
			Type:           domain.InstructionLeverageExit,
			Venue:          cur.Venue,
			Asset:          cur.Asset,
			Atomic:         true,
			UnwindFraction: decimal.NewFromInt(1),
		}}, decimal.Zero
	}

	enter := domain.Instruction{
		Type:      domain.InstructionLeverageEnter,
		Venue:     target.Venue,
		Asset:     target.Asset,
		Atomic:    true,
		TargetLTV: target.TargetLTV,
		Amount:    target.Equity,
	}

	if cur == nil {
		return []domain.Instruction{enter}, target.Equity
	}

	// an LTV change rebuilds the loop from scratch
	if !cur.TargetLTV.Equal(target.TargetLTV) || cur.Venue != target.Venue || cur.Asset != target.Asset {
		exit := domain.Instruction{
			Type:           domain.InstructionLeverageExit,
			Venue:          cur.Venue,
			Asset:          cur.Asset,
			Atomic:         true,
			UnwindFraction: decimal.NewFromInt(1),
		}
		return []domain.Instruction{exit, enter}, decimal.Max(decimal.Zero, target.Equity.Sub(cur.NetEquity()))
	}

	diff := target.Equity.Sub(cur.NetEquity())
	if diff.Abs().LessThan(p.cfg.DustNotional) {
		return nil, decimal.Zero
	}
	if diff.IsPositive() {
		enter.Amount = diff
		return []domain.Instruction{enter}, diff
	}
	fraction := diff.Abs().Div(cur.NetEquity())
	return []domain.Instruction{{
		Type:           domain.InstructionLeverageExit,
		Venue:          cur.Venue,
		Asset:          cur.Asset,
		Atomic:         true,
		UnwindFraction: fraction,
	}}, decimal.Zero
}

// planMoves routes settlement between venues through the wallet so every
// venue projects its desired balance. The wallet absorbs the residual.
func (p *Planner) planMoves(settle, desired map[domain.Venue]decimal.Decimal) []domain.Instruction {
	var outbound, inbound []domain.Instruction
	for _, venue := range sortedVenues(settle, desired) {
		if venue == p.cfg.Wallet {
			continue
		}
		gap := settle[venue].Sub(desired[venue])
		if gap.Abs().LessThan(p.cfg.DustNotional) {
			continue
		}
		if gap.IsPositive() {
			outbound = append(outbound, domain.Instruction{
				Type:   domain.InstructionWithdraw,
				Venue:  venue,
				Asset:  p.cfg.SettlementAsset,
				Side:   domain.SideSell,
				Amount: gap,
			})
		} else {
			inbound = append(inbound, domain.Instruction{
				Type:   domain.InstructionWithdraw,
				Venue:  venue,
				Asset:  p.cfg.SettlementAsset,
				Side:   domain.SideBuy,
				Amount: gap.Abs(),
			})
		}
	}
	return append(outbound, inbound...)
}

func (p *Planner) settlementByVenue(snap *domain.Snapshot) map[domain.Venue]decimal.Decimal {
	out := make(map[domain.Venue]decimal.Decimal)
	for _, key := range snap.SortedKeys() {
		if key.Asset == p.cfg.SettlementAsset {
			out[key.Venue] = snap.Balance(key.Venue, key.Asset)
		}
	}
	return out
}

// unionKeys merges snapshot and target balance keys into one deterministic
// ordering.
func unionKeys(snap *domain.Snapshot, target *TargetAllocation) []domain.BalanceKey {
	seen := make(map[domain.BalanceKey]struct{})
	var keys []domain.BalanceKey
	for _, key := range snap.SortedKeys() {
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	for key := range target.Balances {
		if _, ok := seen[key]; !ok {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Venue != keys[j].Venue {
			return keys[i].Venue < keys[j].Venue
		}
		return keys[i].Asset < keys[j].Asset
	})
	return keys
}

func sortedVenues(settle, desired map[domain.Venue]decimal.Decimal) []domain.Venue {
	seen := make(map[domain.Venue]struct{})
	var venues []domain.Venue
	for venue := range settle {
		seen[venue] = struct{}{}
		venues = append(venues, venue)
	}
	for venue := range desired {
		if _, ok := seen[venue]; !ok {
			venues = append(venues, venue)
		}
	}
	sort.Slice(venues, func(i, j int) bool { return venues[i] < venues[j] })
	return venues
}
