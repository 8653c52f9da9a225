package executor

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vselivanov/stratex/internal/domain"
)

var (
	one        = decimal.NewFromInt(1)
	bpsDivisor = decimal.NewFromInt(10000)
)

// entryPlan is the sized flash-loop entry. Values are in the settlement
// asset, units in the collateral asset.
type entryPlan struct {
	Equity          decimal.Decimal
	FlashBorrow     decimal.Decimal
	Supplied        decimal.Decimal
	Borrowed        decimal.Decimal
	CollateralUnits decimal.Decimal
	DebtUnits       decimal.Decimal
}

// planEntry sizes a flash entry for the requested target LTV: flash-borrow
// F = ltv/(1-ltv) * equity, stake and supply S = equity + F, then borrow F
// against S to repay the flash loan. The borrow must clear the venue's cap
// minus the safety buffer or the entry is rejected before anything executes.
func (m *Manager) planEntry(equity, targetLTV, price decimal.Decimal) (entryPlan, error) {
	flash := targetLTV.Div(one.Sub(targetLTV)).Mul(equity)
	supplied := equity.Add(flash)
	buffer := supplied.Mul(m.cfg.SafetyBufferBps).Div(bpsDivisor)
	capacity := m.cfg.MaxBorrowLTV.Mul(supplied).Sub(buffer)
	if flash.GreaterThan(capacity) {
		return entryPlan{}, domain.NewValidationError("target_ltv",
			fmt.Sprintf("flash repay needs %s but the venue borrow cap leaves %s",
				flash.StringFixed(2), capacity.StringFixed(2)))
	}
	return entryPlan{
		Equity:          equity,
		FlashBorrow:     flash,
		Supplied:        supplied,
		Borrowed:        flash,
		CollateralUnits: supplied.Div(price),
		DebtUnits:       flash.Div(price),
	}, nil
}

// enterLeverage opens a leveraged staking loop. The position is validated
// against the health floor before any event is recorded; a rejection leaves
// only a risk alert on the ledger.
func (m *Manager) enterLeverage(ctx context.Context, in domain.Instruction, mc MarketContext) (*ExecutionResult, error) {
	if m.registry.LeveragePosition(m.cfg.Instance) != nil {
		return nil, domain.NewValidationError("instruction", "a leverage position is already open; exit before re-entering")
	}
	price, err := mc.View.Price(in.Venue, in.Asset)
	if err != nil {
		return nil, err
	}

	plan, err := m.planEntry(in.Amount, in.TargetLTV, price)
	if err != nil {
		rejectsTotal.WithLabelValues(string(in.Venue)).Inc()
		return nil, err
	}

	pos, err := domain.NewLeveragePosition(in.Venue, in.Asset,
		plan.CollateralUnits, plan.DebtUnits, price, m.cfg.LiquidationThreshold, in.TargetLTV)
	if err != nil {
		return nil, err
	}
	if err := pos.ValidateHealth(m.cfg.MinHealthFactor); err != nil {
		m.recordRiskAlert(ctx, in, mc, err)
		rejectsTotal.WithLabelValues(string(in.Venue)).Inc()
		return nil, err
	}

	if m.cfg.IterativeLoop {
		return m.enterIterative(ctx, in, mc, price)
	}

	live := m.Mode() == ModeLive
	status := domain.StatusCompleted
	if live {
		status = domain.StatusPending
	}

	wrapper := domain.Event{
		Timestamp: mc.At,
		Kind:      domain.EventBundle,
		Instance:  m.cfg.Instance,
		Venue:     in.Venue,
		Asset:     in.Asset,
		Amount:    in.Amount,
		Price:     price,
		Status:    status,
		Reason:    mc.Reason,
	}
	details := m.entryDetails(in, mc, plan, price, status)

	delta := &domain.BalanceDelta{}
	delta.Add(in.Venue, m.cfg.SettlementAsset, plan.Equity.Neg())

	fill, err := m.fillBundle(ctx, in, mc, wrapper, details, delta)
	if err != nil {
		return nil, err
	}

	m.registry.put(m.cfg.Instance, pos)
	hf, _ := pos.HealthFactor()
	m.log.Info("leverage entered",
		zap.String("instance", m.cfg.Instance),
		zap.String("supplied", plan.Supplied.StringFixed(2)),
		zap.String("borrowed", plan.Borrowed.StringFixed(2)),
		zap.String("health_factor", hf.StringFixed(4)))

	return &ExecutionResult{
		AmountFilled:  plan.CollateralUnits,
		FillPrice:     price,
		ExecutionCost: fill.Fee,
		Delta:         fill.Delta,
		Events:        fill.Events,
		SnapshotAfter: fill.SnapshotAfter,
	}, nil
}

// unwindPlan is a sized partial or full exit. Realized is the settlement
// value returned to the venue balance after debt repayment and swap costs.
type unwindPlan struct {
	Full          bool
	RepayValue    decimal.Decimal
	WithdrawValue decimal.Decimal
	RepayUnits    decimal.Decimal
	WithdrawUnits decimal.Decimal
	Cost          decimal.Decimal
	Realized      decimal.Decimal
}

// planUnwind sizes an exit: repay R = fraction * debt via flash loan, then
// withdraw W = R / targetLTV of collateral, swap it back and keep W - R - cost.
// A full exit repays everything and withdraws all collateral. Repaying a
// fraction while withdrawing proportionally to the target LTV keeps the
// remaining position's LTV where it was.
func (m *Manager) planUnwind(pos *domain.LeveragePosition, fraction, price decimal.Decimal) unwindPlan {
	debt := pos.DebtValue()
	collateral := pos.CollateralValue()

	full := fraction.GreaterThanOrEqual(one) || !debt.IsPositive()
	var repay, withdraw decimal.Decimal
	if full {
		repay = debt
		withdraw = collateral
	} else {
		repay = fraction.Mul(debt)
		ltv := pos.TargetLTV
		if !ltv.IsPositive() {
			ltv = pos.LTV()
		}
		withdraw = repay.Div(ltv)
		withdraw = decimal.Min(withdraw, collateral)
	}

	cost := withdraw.Mul(m.cfg.SwapFeeBps).Div(bpsDivisor)
	return unwindPlan{
		Full:          full,
		RepayValue:    repay,
		WithdrawValue: withdraw,
		RepayUnits:    repay.Div(price),
		WithdrawUnits: withdraw.Div(price),
		Cost:          cost,
		Realized:      withdraw.Sub(repay).Sub(cost),
	}
}

// exitLeverage unwinds the open loop by the instruction's fraction. Exits
// price from the tick's view but fall back to the position's last known
// price, so a fail-closed unwind stays executable when market data is gone.
func (m *Manager) exitLeverage(ctx context.Context, in domain.Instruction, mc MarketContext) (*ExecutionResult, error) {
	cur := m.registry.LeveragePosition(m.cfg.Instance)
	if cur == nil {
		return nil, domain.NewValidationError("instruction", "no leverage position to exit")
	}
	price, err := mc.View.Price(in.Venue, in.Asset)
	if err != nil {
		price = cur.CollateralPrice
		m.log.Warn("exit priced from last known collateral price",
			zap.String("instance", m.cfg.Instance),
			zap.String("price", price.String()),
			zap.Error(err))
	}
	pos := cur.WithPrice(price)

	plan := m.planUnwind(pos, in.UnwindFraction, price)
	remainder := pos.AfterUnwind(plan.RepayUnits, plan.WithdrawUnits)
	if remainder != nil {
		if err := remainder.ValidateHealth(m.cfg.MinHealthFactor); err != nil {
			m.recordRiskAlert(ctx, in, mc, err)
			rejectsTotal.WithLabelValues(string(in.Venue)).Inc()
			return nil, err
		}
	}

	live := m.Mode() == ModeLive
	status := domain.StatusCompleted
	if live {
		status = domain.StatusPending
	}

	wrapper := domain.Event{
		Timestamp: mc.At,
		Kind:      domain.EventBundle,
		Instance:  m.cfg.Instance,
		Venue:     in.Venue,
		Asset:     in.Asset,
		Amount:    plan.WithdrawUnits,
		Price:     price,
		Fee:       plan.Cost,
		Status:    status,
		Reason:    mc.Reason,
	}
	details := m.exitDetails(in, mc, plan, price, status)

	delta := &domain.BalanceDelta{}
	delta.Add(in.Venue, m.cfg.SettlementAsset, plan.Realized)

	fill, err := m.fillBundle(ctx, in, mc, wrapper, details, delta)
	if err != nil {
		return nil, err
	}

	m.registry.put(m.cfg.Instance, remainder)
	m.log.Info("leverage unwound",
		zap.String("instance", m.cfg.Instance),
		zap.String("fraction", in.UnwindFraction.String()),
		zap.String("realized", plan.Realized.StringFixed(2)),
		zap.Bool("closed", remainder == nil))

	return &ExecutionResult{
		AmountFilled:  plan.WithdrawUnits,
		FillPrice:     price,
		ExecutionCost: plan.Cost.Add(fill.Fee),
		Delta:         fill.Delta,
		Events:        fill.Events,
		SnapshotAfter: fill.SnapshotAfter,
	}, nil
}

// bundleFill is the committed outcome of an atomic bundle.
type bundleFill struct {
	Fee           decimal.Decimal
	Delta         *domain.BalanceDelta
	Events        []domain.Event
	SnapshotAfter *domain.Snapshot
}

// fillBundle runs the venue interaction for an atomic operation and records
// the wrapper plus its detail steps in one writer turn. The wrapper owns the
// bundle's balance delta; details are informational steps, so replaying the
// ledger folds each bundle exactly once.
func (m *Manager) fillBundle(ctx context.Context, in domain.Instruction, mc MarketContext,
	wrapper domain.Event, details []domain.Event, delta *domain.BalanceDelta) (bundleFill, error) {

	live := m.Mode() == ModeLive
	next := mc.Snap.Apply(delta)

	audit := ctx
	if live {
		audit = context.WithoutCancel(ctx)
	}

	var wrapperSeq uint64
	var detailSeqs []uint64
	if live {
		ws, ds, err := m.ledger.AppendBundle(audit, wrapper, details)
		if err != nil {
			return bundleFill{}, err
		}
		wrapperSeq, detailSeqs = ws, ds
	}

	req := FillRequest{
		Instance:    m.cfg.Instance,
		Instruction: in,
		At:          mc.At,
		View:        mc.View,
		Snap:        mc.Snap,
	}
	if live {
		req.OnSubmit = func(ref string) {
			if uerr := m.ledger.Update(audit, wrapperSeq, domain.StatusSubmitted, domain.UpdateFields{VenueRef: ref}); uerr != nil {
				m.log.Error("submit status update failed", zap.Uint64("seq", wrapperSeq), zap.Error(uerr))
			}
		}
	}

	fill, err := m.filler.Fill(ctx, req)
	if err != nil {
		if live {
			m.failBundle(audit, wrapperSeq, detailSeqs, err)
		}
		fillFailures.WithLabelValues(string(in.Venue)).Inc()
		return bundleFill{}, errors.Wrapf(err, "%s on %s", in.Type, in.Venue)
	}

	if fill.Fee.IsPositive() {
		delta.Add(in.Venue, m.cfg.SettlementAsset, fill.Fee.Neg())
		next = mc.Snap.Apply(delta)
	}

	if live {
		err = m.ledger.Update(audit, wrapperSeq, domain.StatusConfirmed, domain.UpdateFields{
			Fee:      fill.Fee,
			VenueRef: fill.VenueRef,
			Delta:    delta,
		})
		if err != nil {
			return bundleFill{}, err
		}
		for _, seq := range detailSeqs {
			if uerr := m.ledger.Update(audit, seq, domain.StatusConfirmed, domain.UpdateFields{VenueRef: fill.VenueRef}); uerr != nil {
				m.log.Error("detail confirm failed", zap.Uint64("seq", seq), zap.Error(uerr))
			}
		}
		wrapper.Sequence = wrapperSeq
		wrapper.Status = domain.StatusConfirmed
		wrapper.Fee = fill.Fee
		wrapper.VenueRef = fill.VenueRef
		wrapper.Delta = delta
		for i := range details {
			if i < len(detailSeqs) {
				details[i].Sequence = detailSeqs[i]
				details[i].ParentSequence = &wrapperSeq
			}
			details[i].Status = domain.StatusConfirmed
		}
	} else {
		wrapper.Delta = delta
		if len(details) == 0 {
			wrapper.SnapshotAfter = next
		} else {
			details[len(details)-1].SnapshotAfter = next
		}
		ws, ds, aerr := m.ledger.AppendBundle(ctx, wrapper, details)
		if aerr != nil {
			return bundleFill{}, aerr
		}
		wrapperSeq, detailSeqs = ws, ds
		wrapper.Sequence = wrapperSeq
		for i := range details {
			if i < len(detailSeqs) {
				details[i].Sequence = detailSeqs[i]
				details[i].ParentSequence = &wrapperSeq
			}
		}
	}

	events := make([]domain.Event, 0, 1+len(details))
	events = append(events, wrapper)
	events = append(events, details...)
	return bundleFill{Fee: fill.Fee, Delta: delta, Events: events, SnapshotAfter: next}, nil
}

// failBundle walks a live bundle to failed after the venue rejected it.
func (m *Manager) failBundle(ctx context.Context, wrapperSeq uint64, detailSeqs []uint64, cause error) {
	if uerr := m.ledger.Update(ctx, wrapperSeq, domain.StatusFailed, domain.UpdateFields{Reason: cause.Error()}); uerr != nil {
		m.log.Error("wrapper fail update failed", zap.Uint64("seq", wrapperSeq), zap.Error(uerr))
	}
	for _, seq := range detailSeqs {
		if uerr := m.ledger.Update(ctx, seq, domain.StatusFailed, domain.UpdateFields{Reason: cause.Error()}); uerr != nil {
			m.log.Error("detail fail update failed", zap.Uint64("seq", seq), zap.Error(uerr))
		}
	}
}

// loopStep is one supply-and-borrow round of an iterative entry.
type loopStep struct {
	Supply decimal.Decimal
	Borrow decimal.Decimal
}

// loopSteps sizes the iterative entry: supply the equity, borrow targetLTV
// against it, supply the proceeds, and repeat until the next round falls
// below minStep. No round pushes the running LTV above the target, and the
// total supplied converges to equity / (1 - targetLTV) as minStep shrinks.
func loopSteps(equity, targetLTV, minStep decimal.Decimal) []loopStep {
	var steps []loopStep
	supply := equity
	for supply.GreaterThanOrEqual(minStep) {
		step := loopStep{Supply: supply}
		borrow := targetLTV.Mul(supply)
		if borrow.GreaterThanOrEqual(minStep) {
			step.Borrow = borrow
		}
		steps = append(steps, step)
		supply = step.Borrow
	}
	return steps
}

// enterIterative opens the loop as individual supply and borrow rounds for
// venues without atomic bundling. Each round is audited separately; a ledger
// failure mid-loop halts recording and surfaces, leaving the rounds already
// written as the reconciliation trail.
func (m *Manager) enterIterative(ctx context.Context, in domain.Instruction, mc MarketContext, price decimal.Decimal) (*ExecutionResult, error) {
	steps := loopSteps(in.Amount, in.TargetLTV, m.cfg.MinLoopStep)
	if len(steps) == 0 {
		return nil, domain.NewValidationError("amount",
			fmt.Sprintf("equity %s is below the minimum loop step %s", in.Amount.String(), m.cfg.MinLoopStep.String()))
	}
	var supplied, borrowed decimal.Decimal
	for _, step := range steps {
		supplied = supplied.Add(step.Supply)
		borrowed = borrowed.Add(step.Borrow)
	}

	pos, err := domain.NewLeveragePosition(in.Venue, in.Asset,
		supplied.Div(price), borrowed.Div(price), price, m.cfg.LiquidationThreshold, in.TargetLTV)
	if err != nil {
		return nil, err
	}
	if err := pos.ValidateHealth(m.cfg.MinHealthFactor); err != nil {
		m.recordRiskAlert(ctx, in, mc, err)
		rejectsTotal.WithLabelValues(string(in.Venue)).Inc()
		return nil, err
	}

	live := m.Mode() == ModeLive
	settlement := m.settlement(in)
	audit := ctx
	if live {
		audit = context.WithoutCancel(ctx)
	}

	var intentSeq uint64
	if live {
		intent := domain.Event{
			Timestamp: mc.At,
			Kind:      domain.EventStakeOp,
			Instance:  m.cfg.Instance,
			Venue:     in.Venue,
			Asset:     in.Asset,
			Amount:    in.Amount,
			Status:    domain.StatusPending,
			Reason:    mc.Reason,
		}
		seq, aerr := m.ledger.Append(audit, intent)
		if aerr != nil {
			return nil, aerr
		}
		intentSeq = seq
	}

	req := FillRequest{
		Instance:    m.cfg.Instance,
		Instruction: in,
		At:          mc.At,
		View:        mc.View,
		Snap:        mc.Snap,
	}
	if live {
		req.OnSubmit = func(ref string) {
			if uerr := m.ledger.Update(audit, intentSeq, domain.StatusSubmitted, domain.UpdateFields{VenueRef: ref}); uerr != nil {
				m.log.Error("submit status update failed", zap.Uint64("seq", intentSeq), zap.Error(uerr))
			}
		}
	}
	fill, err := m.filler.Fill(ctx, req)
	if err != nil {
		if live {
			if uerr := m.ledger.Update(audit, intentSeq, domain.StatusFailed, domain.UpdateFields{Reason: err.Error()}); uerr != nil {
				m.log.Error("failed status update failed", zap.Uint64("seq", intentSeq), zap.Error(uerr))
			}
		}
		fillFailures.WithLabelValues(string(in.Venue)).Inc()
		return nil, errors.Wrapf(err, "%s on %s", in.Type, in.Venue)
	}

	total := &domain.BalanceDelta{}
	total.Add(in.Venue, settlement, in.Amount.Neg())
	if live {
		fields := domain.UpdateFields{Fee: fill.Fee, VenueRef: fill.VenueRef}
		if fill.Fee.IsPositive() {
			feeDelta := &domain.BalanceDelta{}
			feeDelta.Add(in.Venue, settlement, fill.Fee.Neg())
			fields.Delta = feeDelta
			total.Add(in.Venue, settlement, fill.Fee.Neg())
		}
		if uerr := m.ledger.Update(audit, intentSeq, domain.StatusConfirmed, fields); uerr != nil {
			return nil, uerr
		}
	}

	status := domain.StatusCompleted
	if live {
		status = domain.StatusConfirmed
	}
	running := mc.Snap
	if live && fill.Fee.IsPositive() {
		feeDelta := &domain.BalanceDelta{}
		feeDelta.Add(in.Venue, settlement, fill.Fee.Neg())
		running = running.Apply(feeDelta)
	}
	events := make([]domain.Event, 0, 2*len(steps))
	for i, step := range steps {
		stake := domain.Event{
			Timestamp: mc.At,
			Kind:      domain.EventStakeOp,
			Instance:  m.cfg.Instance,
			Venue:     in.Venue,
			Asset:     in.Asset,
			Amount:    step.Supply.Div(price),
			Price:     price,
			Status:    status,
			Reason:    "loop_supply",
			VenueRef:  fill.VenueRef,
		}
		stakeDelta := &domain.BalanceDelta{}
		stakeDelta.Add(in.Venue, settlement, step.Supply.Neg())
		stake.Delta = stakeDelta
		running = running.Apply(stakeDelta)
		if i == len(steps)-1 {
			stake.SnapshotAfter = running
		}
		seq, aerr := m.ledger.Append(audit, stake)
		if aerr != nil {
			return nil, errors.Wrapf(aerr, "loop round %d of %d", i+1, len(steps))
		}
		stake.Sequence = seq
		events = append(events, stake)

		if !step.Borrow.IsPositive() {
			continue
		}
		borrow := domain.Event{
			Timestamp: mc.At,
			Kind:      domain.EventLoanOp,
			Instance:  m.cfg.Instance,
			Venue:     in.Venue,
			Asset:     settlement,
			Amount:    step.Borrow,
			Status:    status,
			Reason:    "loop_borrow",
			VenueRef:  fill.VenueRef,
		}
		borrowDelta := &domain.BalanceDelta{}
		borrowDelta.Add(in.Venue, settlement, step.Borrow)
		borrow.Delta = borrowDelta
		running = running.Apply(borrowDelta)
		seq, aerr = m.ledger.Append(audit, borrow)
		if aerr != nil {
			return nil, errors.Wrapf(aerr, "loop round %d of %d", i+1, len(steps))
		}
		borrow.Sequence = seq
		events = append(events, borrow)
	}

	m.registry.put(m.cfg.Instance, pos)
	hf, _ := pos.HealthFactor()
	m.log.Info("leverage entered iteratively",
		zap.String("instance", m.cfg.Instance),
		zap.Int("rounds", len(steps)),
		zap.String("supplied", supplied.StringFixed(2)),
		zap.String("borrowed", borrowed.StringFixed(2)),
		zap.String("health_factor", hf.StringFixed(4)))

	return &ExecutionResult{
		AmountFilled:  supplied.Div(price),
		FillPrice:     price,
		ExecutionCost: fill.Fee,
		Delta:         total,
		Events:        events,
		SnapshotAfter: running,
	}, nil
}

func (m *Manager) entryDetails(in domain.Instruction, mc MarketContext, plan entryPlan, price decimal.Decimal, status domain.EventStatus) []domain.Event {
	base := domain.Event{
		Timestamp: mc.At,
		Kind:      domain.EventBundleDetail,
		Instance:  m.cfg.Instance,
		Venue:     in.Venue,
		Status:    status,
	}
	settlement := m.settlement(in)

	flashBorrow := base
	flashBorrow.Asset = settlement
	flashBorrow.Amount = plan.FlashBorrow
	flashBorrow.Reason = "flash_borrow"

	stake := base
	stake.Asset = in.Asset
	stake.Amount = plan.CollateralUnits
	stake.Price = price
	stake.Reason = "stake"

	supply := base
	supply.Asset = in.Asset
	supply.Amount = plan.CollateralUnits
	supply.Price = price
	supply.Reason = "supply_collateral"

	borrow := base
	borrow.Asset = settlement
	borrow.Amount = plan.Borrowed
	borrow.Reason = "borrow"

	repay := base
	repay.Asset = settlement
	repay.Amount = plan.FlashBorrow
	repay.Reason = "flash_repay"

	return []domain.Event{flashBorrow, stake, supply, borrow, repay}
}

func (m *Manager) exitDetails(in domain.Instruction, mc MarketContext, plan unwindPlan, price decimal.Decimal, status domain.EventStatus) []domain.Event {
	base := domain.Event{
		Timestamp: mc.At,
		Kind:      domain.EventBundleDetail,
		Instance:  m.cfg.Instance,
		Venue:     in.Venue,
		Status:    status,
	}
	settlement := m.settlement(in)

	flashBorrow := base
	flashBorrow.Asset = settlement
	flashBorrow.Amount = plan.RepayValue
	flashBorrow.Reason = "flash_borrow"

	repayDebt := base
	repayDebt.Asset = in.Asset
	repayDebt.Amount = plan.RepayUnits
	repayDebt.Price = price
	repayDebt.Reason = "repay_debt"

	withdraw := base
	withdraw.Asset = in.Asset
	withdraw.Amount = plan.WithdrawUnits
	withdraw.Price = price
	withdraw.Reason = "withdraw_collateral"

	swap := base
	swap.Asset = in.Asset
	swap.Amount = plan.WithdrawUnits
	swap.Price = price
	swap.Fee = plan.Cost
	swap.Reason = "swap_collateral"

	flashRepay := base
	flashRepay.Asset = settlement
	flashRepay.Amount = plan.RepayValue
	flashRepay.Reason = "flash_repay"

	return []domain.Event{flashBorrow, repayDebt, withdraw, swap, flashRepay}
}
