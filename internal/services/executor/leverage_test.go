package executor

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vselivanov/stratex/internal/domain"
	"github.com/vselivanov/stratex/internal/ledger"
)

func enterInstruction(equity int64, ltv string) domain.Instruction {
	return domain.Instruction{
		Type:      domain.InstructionLeverageEnter,
		Venue:     domain.VenueAave,
		Asset:     "wstETH",
		Amount:    decimal.NewFromInt(equity),
		TargetLTV: decimal.RequireFromString(ltv),
		Atomic:    true,
	}
}

func exitInstruction(fraction string) domain.Instruction {
	return domain.Instruction{
		Type:           domain.InstructionLeverageExit,
		Venue:          domain.VenueAave,
		Asset:          "wstETH",
		UnwindFraction: decimal.RequireFromString(fraction),
		Atomic:         true,
	}
}

// unitView prices wstETH at par so collateral units and settlement values
// coincide and the sizing math is directly visible in the assertions.
func unitView(at time.Time) *domain.MarketView {
	view := domain.NewMarketView(at, 0)
	view.SetPrice(domain.VenueAave, "wstETH", decimal.NewFromInt(1), at)
	return view
}

func aaveFunds(amount int64) *domain.Snapshot {
	return domain.NewSnapshot(map[domain.BalanceKey]decimal.Decimal{
		{Venue: domain.VenueAave, Asset: "USDT"}: decimal.NewFromInt(amount),
	})
}

func TestManager_FlashEntryClosedForm(t *testing.T) {
	ctx := context.Background()
	led := newTestLedger(t)
	m, reg := newSimManager(t, led, Config{MinHealthFactor: decimal.RequireFromString("1.02")})
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	// equity 100000 at target LTV 0.93: flash borrow 1328571.43,
	// supply 1428571.43, health factor 0.95/0.93
	res, err := m.Execute(ctx, enterInstruction(100000, "0.93"), tick(aaveFunds(100000), unitView(at)))
	require.NoError(t, err)

	pos := reg.LeveragePosition("test")
	require.NotNil(t, pos)
	assert.True(t, pos.CollateralValue().Round(2).Equal(decimal.RequireFromString("1428571.43")),
		"supplied %s", pos.CollateralValue().String())
	assert.True(t, pos.DebtValue().Round(2).Equal(decimal.RequireFromString("1328571.43")),
		"borrowed %s", pos.DebtValue().String())
	assert.True(t, pos.LTV().Round(6).Equal(decimal.RequireFromString("0.93")))
	hf, ok := pos.HealthFactor()
	require.True(t, ok)
	assert.True(t, hf.Round(4).Equal(decimal.RequireFromString("1.0215")), "health factor %s", hf.String())

	// the entry consumed exactly the committed equity
	assert.True(t, res.SnapshotAfter.Balance(domain.VenueAave, "USDT").IsZero())

	// one wrapper, five steps, wrapper committed first
	require.Len(t, res.Events, 6)
	wrapper := res.Events[0]
	assert.Equal(t, domain.EventBundle, wrapper.Kind)
	assert.Equal(t, uint64(1), wrapper.Sequence)
	require.NotNil(t, wrapper.Delta)

	wantReasons := []string{"flash_borrow", "stake", "supply_collateral", "borrow", "flash_repay"}
	for i, detail := range res.Events[1:] {
		assert.Equal(t, domain.EventBundleDetail, detail.Kind)
		assert.Equal(t, wantReasons[i], detail.Reason)
		require.NotNil(t, detail.ParentSequence)
		assert.Equal(t, wrapper.Sequence, *detail.ParentSequence)
		assert.Greater(t, detail.Sequence, wrapper.Sequence)
	}

	// the stored trail matches and the chain verifies
	events, err := led.Read(ctx, ledger.Filter{})
	require.NoError(t, err)
	require.Len(t, events, 6)
	assert.Equal(t, domain.EventBundle, events[0].Kind)
	require.NotNil(t, events[5].SnapshotAfter)
	assert.True(t, events[5].SnapshotAfter.Balance(domain.VenueAave, "USDT").IsZero())
	_, err = led.VerifyChain(ctx)
	require.NoError(t, err)
}

func TestManager_FlashEntryRejectedBelowHealthFloor(t *testing.T) {
	ctx := context.Background()
	led := newTestLedger(t)
	// default floor 1.1 sits above 0.95/0.93
	m, reg := newSimManager(t, led, Config{})
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	res, err := m.Execute(ctx, enterInstruction(100000, "0.93"), tick(aaveFunds(100000), unitView(at)))
	require.Error(t, err)
	assert.Nil(t, res)

	var iv *domain.InvariantViolation
	require.True(t, errors.As(err, &iv))
	assert.Equal(t, "health_factor", iv.Check)

	// nothing was applied; the only trace is the risk alert
	assert.Nil(t, reg.LeveragePosition("test"))
	events, lerr := led.Read(ctx, ledger.Filter{})
	require.NoError(t, lerr)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventRiskAlert, events[0].Kind)
	assert.Contains(t, events[0].Reason, "leverage_enter rejected")
	assert.Nil(t, events[0].Delta)
}

func TestManager_FlashEntryRejectedByBorrowCap(t *testing.T) {
	ctx := context.Background()
	led := newTestLedger(t)
	m, reg := newSimManager(t, led, Config{
		MinHealthFactor: decimal.RequireFromString("1.0"),
		MaxBorrowLTV:    decimal.RequireFromString("0.8"),
	})
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	// target 0.93 needs a repay borrow of 0.93 * supplied, far over the
	// 0.8 cap less the safety buffer
	_, err := m.Execute(ctx, enterInstruction(100000, "0.93"), tick(aaveFunds(100000), unitView(at)))
	require.Error(t, err)

	var ve *domain.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "target_ltv", ve.Field)

	assert.Nil(t, reg.LeveragePosition("test"))
	last, err := led.LastSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), last)
}

func TestManager_FlashEntryRejectedWhenAlreadyOpen(t *testing.T) {
	ctx := context.Background()
	led := newTestLedger(t)
	m, _ := newSimManager(t, led, Config{MinHealthFactor: decimal.RequireFromString("1.0")})
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	res, err := m.Execute(ctx, enterInstruction(100000, "0.93"), tick(aaveFunds(200000), unitView(at)))
	require.NoError(t, err)

	_, err = m.Execute(ctx, enterInstruction(50000, "0.93"), tick(res.SnapshotAfter, unitView(at)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already open")

	last, err := led.LastSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), last)
}

func TestManager_UnwindPartialKeepsLTV(t *testing.T) {
	ctx := context.Background()
	led := newTestLedger(t)
	m, reg := newSimManager(t, led, Config{MinHealthFactor: decimal.RequireFromString("1.0")})
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	res, err := m.Execute(ctx, enterInstruction(100000, "0.93"), tick(aaveFunds(100000), unitView(at)))
	require.NoError(t, err)

	res, err = m.Execute(ctx, exitInstruction("0.25"), tick(res.SnapshotAfter, unitView(at)))
	require.NoError(t, err)

	// repay a quarter of the debt, withdraw repay/ltv of collateral:
	// 25000 gross less 30 bps swap cost on the withdrawn leg
	got := res.SnapshotAfter.Balance(domain.VenueAave, "USDT")
	assert.True(t, got.Round(2).Equal(decimal.RequireFromString("23928.57")), "realized %s", got.String())

	// unwinding proportionally leaves the loop's shape unchanged
	pos := reg.LeveragePosition("test")
	require.NotNil(t, pos)
	assert.True(t, pos.LTV().Round(6).Equal(decimal.RequireFromString("0.93")), "ltv %s", pos.LTV().String())
	hf, ok := pos.HealthFactor()
	require.True(t, ok)
	assert.True(t, hf.Round(4).Equal(decimal.RequireFromString("1.0215")))
	assert.True(t, pos.DebtValue().Round(2).Equal(decimal.RequireFromString("996428.57")),
		"debt %s", pos.DebtValue().String())

	require.Len(t, res.Events, 6)
	wantReasons := []string{"flash_borrow", "repay_debt", "withdraw_collateral", "swap_collateral", "flash_repay"}
	for i, detail := range res.Events[1:] {
		assert.Equal(t, wantReasons[i], detail.Reason)
	}
}

func TestManager_UnwindFullClosesPosition(t *testing.T) {
	ctx := context.Background()
	led := newTestLedger(t)
	m, reg := newSimManager(t, led, Config{MinHealthFactor: decimal.RequireFromString("1.0")})
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	res, err := m.Execute(ctx, enterInstruction(100000, "0.93"), tick(aaveFunds(100000), unitView(at)))
	require.NoError(t, err)

	res, err = m.Execute(ctx, exitInstruction("1"), tick(res.SnapshotAfter, unitView(at)))
	require.NoError(t, err)

	// net equity 100000 less 30 bps of the full collateral swap
	got := res.SnapshotAfter.Balance(domain.VenueAave, "USDT")
	assert.True(t, got.Round(2).Equal(decimal.RequireFromString("95714.29")), "realized %s", got.String())
	assert.Nil(t, reg.LeveragePosition("test"))
}

func TestManager_UnwindWithoutPositionRejected(t *testing.T) {
	ctx := context.Background()
	led := newTestLedger(t)
	m, _ := newSimManager(t, led, Config{})
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	_, err := m.Execute(ctx, exitInstruction("0.5"), tick(aaveFunds(0), unitView(at)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no leverage position")
}

func TestManager_UnwindPricedFromLastKnown(t *testing.T) {
	ctx := context.Background()
	led := newTestLedger(t)
	m, reg := newSimManager(t, led, Config{MinHealthFactor: decimal.RequireFromString("1.0")})
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	res, err := m.Execute(ctx, enterInstruction(100000, "0.93"), tick(aaveFunds(100000), unitView(at)))
	require.NoError(t, err)

	// market data is gone; a forced unwind must still execute, priced from
	// the position's last known collateral price
	empty := domain.NewMarketView(at.Add(time.Minute), 0)
	res, err = m.Execute(ctx, exitInstruction("1"), tick(res.SnapshotAfter, empty))
	require.NoError(t, err)
	assert.True(t, res.FillPrice.Equal(decimal.NewFromInt(1)))
	assert.Nil(t, reg.LeveragePosition("test"))
}

func TestLoopSteps_ConvergesToClosedForm(t *testing.T) {
	equity := decimal.NewFromInt(100000)
	ltv := decimal.RequireFromString("0.93")
	steps := loopSteps(equity, ltv, decimal.RequireFromString("0.01"))
	require.NotEmpty(t, steps)

	var supplied, borrowed decimal.Decimal
	for _, step := range steps {
		supplied = supplied.Add(step.Supply)
		borrowed = borrowed.Add(step.Borrow)

		// no round may push the running loop past the target ratio
		if supplied.IsPositive() {
			running := borrowed.Div(supplied)
			assert.True(t, running.LessThanOrEqual(ltv),
				"running ltv %s above target", running.String())
		}
	}

	// the multiplier approaches 1/(1-ltv) from below
	target := one.Div(one.Sub(ltv))
	multiplier := supplied.Div(equity)
	assert.True(t, multiplier.LessThan(target))
	rel := target.Sub(multiplier).Div(target)
	assert.True(t, rel.LessThan(decimal.RequireFromString("0.000001")),
		"relative error %s after %d rounds", rel.String(), len(steps))
}

func TestManager_IterativeEntryRoundsAudited(t *testing.T) {
	ctx := context.Background()
	led := newTestLedger(t)
	m, reg := newSimManager(t, led, Config{
		IterativeLoop: true,
		MinLoopStep:   decimal.NewFromInt(100),
	})
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	res, err := m.Execute(ctx, enterInstruction(1000, "0.5"), tick(aaveFunds(1000), unitView(at)))
	require.NoError(t, err)

	// rounds: supply 1000/500/250/125, borrow 500/250/125, then the next
	// borrow falls under the 100 step floor
	require.Len(t, res.Events, 7)
	wantKinds := []domain.EventKind{
		domain.EventStakeOp, domain.EventLoanOp,
		domain.EventStakeOp, domain.EventLoanOp,
		domain.EventStakeOp, domain.EventLoanOp,
		domain.EventStakeOp,
	}
	wantAmounts := []string{"1000", "500", "500", "250", "250", "125", "125"}
	for i, ev := range res.Events {
		assert.Equal(t, wantKinds[i], ev.Kind, "event %d", i)
		assert.Equal(t, domain.StatusCompleted, ev.Status)
		assert.True(t, ev.Amount.Equal(decimal.RequireFromString(wantAmounts[i])),
			"event %d amount %s", i, ev.Amount.String())
		require.NotNil(t, ev.Delta)
	}
	require.NotNil(t, res.Events[6].SnapshotAfter)
	assert.True(t, res.Events[6].SnapshotAfter.Balance(domain.VenueAave, "USDT").IsZero())

	// steady state: 1875 supplied against 875 borrowed
	pos := reg.LeveragePosition("test")
	require.NotNil(t, pos)
	assert.True(t, pos.CollateralValue().Equal(decimal.NewFromInt(1875)))
	assert.True(t, pos.DebtValue().Equal(decimal.NewFromInt(875)))
	assert.True(t, pos.LTV().LessThanOrEqual(decimal.RequireFromString("0.5")))

	// net effect equals the committed equity
	assert.True(t, res.SnapshotAfter.Balance(domain.VenueAave, "USDT").IsZero())
	last, err := led.LastSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), last)
	_, err = led.VerifyChain(ctx)
	require.NoError(t, err)
}

func TestManager_IterativeBelowMinStepRejected(t *testing.T) {
	ctx := context.Background()
	led := newTestLedger(t)
	m, _ := newSimManager(t, led, Config{
		IterativeLoop: true,
		MinLoopStep:   decimal.NewFromInt(100),
	})
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	_, err := m.Execute(ctx, enterInstruction(50, "0.5"), tick(aaveFunds(50), unitView(at)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "below the minimum loop step")

	last, err := led.LastSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), last)
}
