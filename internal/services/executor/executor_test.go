package executor

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vselivanov/stratex/internal/domain"
	"github.com/vselivanov/stratex/internal/ledger"
)

func newTestLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	led, err := ledger.New(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = led.Close() })
	return led
}

// newSimManager wires a manager over the simulated filler. Zero config
// fields get test defaults.
func newSimManager(t *testing.T, rec Recorder, cfg Config) (*Manager, *Registry) {
	t.Helper()
	if cfg.Instance == "" {
		cfg.Instance = "test"
	}
	if cfg.SettlementAsset == "" {
		cfg.SettlementAsset = "USDT"
	}
	filler, err := NewSimulatedFiller(SimulatedConfig{SettlementAsset: cfg.SettlementAsset}, zap.NewNop())
	require.NoError(t, err)
	reg := NewRegistry()
	m, err := NewManager(cfg, rec, filler, reg, zap.NewNop())
	require.NoError(t, err)
	return m, reg
}

func tick(snap *domain.Snapshot, view *domain.MarketView) MarketContext {
	return MarketContext{At: view.At, View: view, Snap: snap, Reason: "rebalance"}
}

// failingRecorder refuses every write, standing in for a dead audit store.
type failingRecorder struct{}

func (failingRecorder) Append(context.Context, domain.Event) (uint64, error) {
	return 0, errors.Wrap(domain.ErrLedgerWrite, "disk full")
}

func (failingRecorder) AppendBundle(context.Context, domain.Event, []domain.Event) (uint64, []uint64, error) {
	return 0, nil, errors.Wrap(domain.ErrLedgerWrite, "disk full")
}

func (failingRecorder) Update(context.Context, uint64, domain.EventStatus, domain.UpdateFields) error {
	return errors.Wrap(domain.ErrLedgerWrite, "disk full")
}

func TestManager_SpotRoundTrip(t *testing.T) {
	ctx := context.Background()
	led := newTestLedger(t)
	m, _ := newSimManager(t, led, Config{})
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	snap := domain.NewSnapshot(map[domain.BalanceKey]decimal.Decimal{
		{Venue: domain.VenueBinance, Asset: "USDT"}: decimal.NewFromInt(10000),
	})
	view := domain.NewMarketView(at, 0)
	view.SetPrice(domain.VenueBinance, "ETH", decimal.NewFromInt(3000), at)

	buy := domain.Instruction{
		Type:   domain.InstructionSpotTrade,
		Venue:  domain.VenueBinance,
		Asset:  "ETH",
		Side:   domain.SideBuy,
		Amount: decimal.NewFromInt(2),
	}
	res, err := m.Execute(ctx, buy, tick(snap, view))
	require.NoError(t, err)

	// 5 bps slippage on 3000 is 1.5, 10 bps fee on 6003 notional is 6.003.
	assert.True(t, res.AmountFilled.Equal(decimal.NewFromInt(2)))
	assert.True(t, res.FillPrice.Equal(decimal.RequireFromString("3001.5")))
	assert.True(t, res.ExecutionCost.Equal(decimal.RequireFromString("9.003")))
	require.NotNil(t, res.SnapshotAfter)
	assert.True(t, res.SnapshotAfter.Balance(domain.VenueBinance, "ETH").Equal(decimal.NewFromInt(2)))
	assert.True(t, res.SnapshotAfter.Balance(domain.VenueBinance, "USDT").Equal(decimal.RequireFromString("3990.997")))

	require.Len(t, res.Events, 1)
	ev := res.Events[0]
	assert.Equal(t, domain.EventTrade, ev.Kind)
	assert.Equal(t, domain.StatusCompleted, ev.Status)
	assert.Equal(t, "rebalance", ev.Reason)
	assert.Equal(t, uint64(1), ev.Sequence)
	require.NotNil(t, ev.Delta)
	require.NotNil(t, ev.SnapshotAfter)

	// sell one back at a higher mark
	view.SetPrice(domain.VenueBinance, "ETH", decimal.NewFromInt(3100), at)
	sell := buy
	sell.Side = domain.SideSell
	sell.Amount = decimal.NewFromInt(1)
	res2, err := m.Execute(ctx, sell, tick(res.SnapshotAfter, view))
	require.NoError(t, err)

	// 3100 less 5 bps is 3098.45; proceeds net of the 10 bps fee.
	assert.True(t, res2.FillPrice.Equal(decimal.RequireFromString("3098.45")))
	assert.True(t, res2.SnapshotAfter.Balance(domain.VenueBinance, "ETH").Equal(decimal.NewFromInt(1)))
	assert.True(t, res2.SnapshotAfter.Balance(domain.VenueBinance, "USDT").Equal(decimal.RequireFromString("7086.34855")))

	// the audit trail replays to the same book
	events, err := led.Read(ctx, ledger.Filter{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	replayed := domain.NewSnapshot(map[domain.BalanceKey]decimal.Decimal{
		{Venue: domain.VenueBinance, Asset: "USDT"}: decimal.NewFromInt(10000),
	})
	for _, ev := range events {
		replayed = replayed.Apply(ev.Delta)
	}
	assert.True(t, replayed.StateEquals(res2.SnapshotAfter))

	last, err := led.VerifyChain(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), last)
}

func TestManager_SpotSellInsufficientBalance(t *testing.T) {
	ctx := context.Background()
	led := newTestLedger(t)
	m, _ := newSimManager(t, led, Config{})
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	snap := domain.NewSnapshot(map[domain.BalanceKey]decimal.Decimal{
		{Venue: domain.VenueBinance, Asset: "ETH"}: decimal.NewFromInt(1),
	})
	view := domain.NewMarketView(at, 0)
	view.SetPrice(domain.VenueBinance, "ETH", decimal.NewFromInt(3000), at)

	sell := domain.Instruction{
		Type:   domain.InstructionSpotTrade,
		Venue:  domain.VenueBinance,
		Asset:  "ETH",
		Side:   domain.SideSell,
		Amount: decimal.NewFromInt(2),
	}
	res, err := m.Execute(ctx, sell, tick(snap, view))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insufficient")
	assert.Nil(t, res)

	// a rejected fill leaves no audit record
	last, err := led.LastSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), last)
}

func TestManager_PerpLifecycle(t *testing.T) {
	ctx := context.Background()
	led := newTestLedger(t)
	m, _ := newSimManager(t, led, Config{})
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	snap := domain.NewSnapshot(map[domain.BalanceKey]decimal.Decimal{
		{Venue: domain.VenueHyperliquid, Asset: "USDT"}: decimal.NewFromInt(10000),
	})
	view := domain.NewMarketView(at, 0)

	perp := func(side domain.Side, amount int64, mark int64) domain.Instruction {
		view.SetPrice(domain.VenueHyperliquid, "ETH-PERP", decimal.NewFromInt(mark), at)
		return domain.Instruction{
			Type:   domain.InstructionPerpTrade,
			Venue:  domain.VenueHyperliquid,
			Asset:  "ETH-PERP",
			Side:   side,
			Amount: decimal.NewFromInt(amount),
		}
	}

	// open long 2 at 100: fills at 100.05
	res, err := m.Execute(ctx, perp(domain.SideBuy, 2, 100), tick(snap, view))
	require.NoError(t, err)
	pos := res.SnapshotAfter.Position(domain.VenueHyperliquid, "ETH-PERP")
	require.NotNil(t, pos)
	assert.True(t, pos.Size.Equal(decimal.NewFromInt(2)))
	assert.True(t, pos.EntryPrice.Equal(decimal.RequireFromString("100.05")))

	// add 2 at 110: entry averages to 105.0525
	res, err = m.Execute(ctx, perp(domain.SideBuy, 2, 110), tick(res.SnapshotAfter, view))
	require.NoError(t, err)
	pos = res.SnapshotAfter.Position(domain.VenueHyperliquid, "ETH-PERP")
	require.NotNil(t, pos)
	assert.True(t, pos.Size.Equal(decimal.NewFromInt(4)))
	assert.True(t, pos.EntryPrice.Equal(decimal.RequireFromString("105.0525")))

	// reduce 1 at 120: realizes (119.94 - 105.0525), entry unchanged
	res, err = m.Execute(ctx, perp(domain.SideSell, 1, 120), tick(res.SnapshotAfter, view))
	require.NoError(t, err)
	pos = res.SnapshotAfter.Position(domain.VenueHyperliquid, "ETH-PERP")
	require.NotNil(t, pos)
	assert.True(t, pos.Size.Equal(decimal.NewFromInt(3)))
	assert.True(t, pos.EntryPrice.Equal(decimal.RequireFromString("105.0525")))

	// close the rest at 120
	res, err = m.Execute(ctx, perp(domain.SideSell, 3, 120), tick(res.SnapshotAfter, view))
	require.NoError(t, err)
	assert.Nil(t, res.SnapshotAfter.Position(domain.VenueHyperliquid, "ETH-PERP"))

	// 10000 + 59.55 realized - 0.89997 total fees
	assert.True(t, res.SnapshotAfter.Balance(domain.VenueHyperliquid, "USDT").
		Equal(decimal.RequireFromString("10058.65003")),
		"got %s", res.SnapshotAfter.Balance(domain.VenueHyperliquid, "USDT").String())
}

func TestManager_LendAndWithdraw(t *testing.T) {
	ctx := context.Background()
	led := newTestLedger(t)
	m, _ := newSimManager(t, led, Config{})
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	view := domain.NewMarketView(at, 0)

	snap := domain.NewSnapshot(map[domain.BalanceKey]decimal.Decimal{
		{Venue: domain.VenueWallet, Asset: "USDT"}: decimal.NewFromInt(5000),
	})

	lend := domain.Instruction{
		Type:   domain.InstructionLend,
		Venue:  domain.VenueAave,
		Asset:  "USDT",
		Amount: decimal.NewFromInt(2000),
	}
	res, err := m.Execute(ctx, lend, tick(snap, view))
	require.NoError(t, err)
	assert.True(t, res.SnapshotAfter.Balance(domain.VenueWallet, "USDT").Equal(decimal.NewFromInt(3000)))
	assert.True(t, res.SnapshotAfter.Balance(domain.VenueAave, "USDT").Equal(decimal.NewFromInt(2000)))
	require.Len(t, res.Events, 1)
	assert.Equal(t, domain.EventLoanOp, res.Events[0].Kind)

	// pull half of it back to the wallet
	withdraw := domain.Instruction{
		Type:   domain.InstructionWithdraw,
		Venue:  domain.VenueAave,
		Asset:  "USDT",
		Side:   domain.SideSell,
		Amount: decimal.NewFromInt(1000),
	}
	res, err = m.Execute(ctx, withdraw, tick(res.SnapshotAfter, view))
	require.NoError(t, err)
	assert.True(t, res.SnapshotAfter.Balance(domain.VenueAave, "USDT").Equal(decimal.NewFromInt(1000)))
	assert.True(t, res.SnapshotAfter.Balance(domain.VenueWallet, "USDT").Equal(decimal.NewFromInt(4000)))
	require.Len(t, res.Events, 1)
	assert.Equal(t, domain.EventBalanceChange, res.Events[0].Kind)

	// fund an exchange from the wallet
	deposit := domain.Instruction{
		Type:   domain.InstructionWithdraw,
		Venue:  domain.VenueBinance,
		Asset:  "USDT",
		Side:   domain.SideBuy,
		Amount: decimal.NewFromInt(1500),
	}
	res, err = m.Execute(ctx, deposit, tick(res.SnapshotAfter, view))
	require.NoError(t, err)
	assert.True(t, res.SnapshotAfter.Balance(domain.VenueWallet, "USDT").Equal(decimal.NewFromInt(2500)))
	assert.True(t, res.SnapshotAfter.Balance(domain.VenueBinance, "USDT").Equal(decimal.NewFromInt(1500)))
}

func TestManager_DustConvert(t *testing.T) {
	ctx := context.Background()
	led := newTestLedger(t)
	m, _ := newSimManager(t, led, Config{})
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	view := domain.NewMarketView(at, 0)
	view.SetPrice(domain.VenueBinance, "PEPE", decimal.RequireFromString("0.001"), at)

	snap := domain.NewSnapshot(map[domain.BalanceKey]decimal.Decimal{
		{Venue: domain.VenueBinance, Asset: "PEPE"}: decimal.RequireFromString("1234.5"),
	})

	sweep := domain.Instruction{
		Type:  domain.InstructionDustConvert,
		Venue: domain.VenueBinance,
		Asset: "PEPE",
	}
	res, err := m.Execute(ctx, sweep, tick(snap, view))
	require.NoError(t, err)

	// the amount is discovered from the book at execution time
	assert.True(t, res.AmountFilled.Equal(decimal.RequireFromString("1234.5")))
	assert.True(t, res.SnapshotAfter.Balance(domain.VenueBinance, "PEPE").IsZero())
	assert.True(t, res.SnapshotAfter.Balance(domain.VenueBinance, "USDT").IsPositive())
	require.Len(t, res.Events, 1)
	assert.Equal(t, domain.EventTrade, res.Events[0].Kind)

	// nothing left to sweep: no-op, no audit record
	res, err = m.Execute(ctx, sweep, tick(res.SnapshotAfter, view))
	require.NoError(t, err)
	assert.Empty(t, res.Events)
	last, err := led.LastSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), last)
}

func TestManager_FailingLedgerHaltsExecution(t *testing.T) {
	ctx := context.Background()
	m, _ := newSimManager(t, failingRecorder{}, Config{})
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	snap := domain.NewSnapshot(map[domain.BalanceKey]decimal.Decimal{
		{Venue: domain.VenueBinance, Asset: "USDT"}: decimal.NewFromInt(10000),
	})
	view := domain.NewMarketView(at, 0)
	view.SetPrice(domain.VenueBinance, "ETH", decimal.NewFromInt(3000), at)

	buy := domain.Instruction{
		Type:   domain.InstructionSpotTrade,
		Venue:  domain.VenueBinance,
		Asset:  "ETH",
		Side:   domain.SideBuy,
		Amount: decimal.NewFromInt(1),
	}
	res, err := m.Execute(ctx, buy, tick(snap, view))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrLedgerWrite))
	assert.Nil(t, res)
}

func TestManager_InvalidInstructionRejected(t *testing.T) {
	ctx := context.Background()
	led := newTestLedger(t)
	m, _ := newSimManager(t, led, Config{})
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	view := domain.NewMarketView(at, 0)
	snap := domain.NewSnapshot(nil)

	_, err := m.Execute(ctx, domain.Instruction{Type: "teleport"}, tick(snap, view))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "instruction rejected")

	// leverage ops must be flagged atomic by the planner
	_, err = m.Execute(ctx, domain.Instruction{
		Type:      domain.InstructionLeverageEnter,
		Venue:     domain.VenueAave,
		Asset:     "wstETH",
		Amount:    decimal.NewFromInt(1000),
		TargetLTV: decimal.RequireFromString("0.7"),
	}, tick(snap, view))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "atomic")
}

func TestNewManager_Validation(t *testing.T) {
	led := newTestLedger(t)
	filler, err := NewSimulatedFiller(SimulatedConfig{SettlementAsset: "USDT"}, zap.NewNop())
	require.NoError(t, err)
	reg := NewRegistry()
	valid := Config{Instance: "test", SettlementAsset: "USDT"}

	_, err = NewManager(Config{SettlementAsset: "USDT"}, led, filler, reg, nil)
	require.Error(t, err)

	_, err = NewManager(Config{Instance: "test"}, led, filler, reg, nil)
	require.Error(t, err)

	_, err = NewManager(valid, nil, filler, reg, nil)
	require.Error(t, err)

	_, err = NewManager(valid, led, nil, reg, nil)
	require.Error(t, err)

	_, err = NewManager(valid, led, filler, nil, nil)
	require.Error(t, err)

	bad := valid
	bad.MaxBorrowLTV = decimal.RequireFromString("0.99")
	_, err = NewManager(bad, led, filler, reg, nil)
	require.Error(t, err, "borrow cap above the liquidation threshold")

	m, err := NewManager(valid, led, filler, reg, nil)
	require.NoError(t, err)
	assert.Equal(t, ModeSimulated, m.Mode())
	assert.True(t, m.cfg.MinHealthFactor.Equal(decimal.RequireFromString("1.1")))
	assert.True(t, m.cfg.LiquidationThreshold.Equal(decimal.RequireFromString("0.95")))
	assert.True(t, m.cfg.MaxBorrowLTV.Equal(decimal.RequireFromString("0.95")))
}
