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
)

func simFiller(t *testing.T, cfg SimulatedConfig) *SimulatedFiller {
	t.Helper()
	if cfg.SettlementAsset == "" {
		cfg.SettlementAsset = "USDT"
	}
	f, err := NewSimulatedFiller(cfg, nil)
	require.NoError(t, err)
	return f
}

func TestSimulatedFiller_TradePricing(t *testing.T) {
	f := simFiller(t, SimulatedConfig{
		SlippageBps: decimal.NewFromInt(10),
		FeeBps:      decimal.NewFromInt(20),
	})
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	view := domain.NewMarketView(at, 0)
	view.SetPrice(domain.VenueBinance, "ETH", decimal.NewFromInt(2000), at)
	snap := domain.NewSnapshot(map[domain.BalanceKey]decimal.Decimal{
		{Venue: domain.VenueBinance, Asset: "USDT"}: decimal.NewFromInt(100000),
		{Venue: domain.VenueBinance, Asset: "ETH"}:  decimal.NewFromInt(10),
	})

	tests := []struct {
		name      string
		side      domain.Side
		wantPrice string
		wantFee   string
		wantCost  string
	}{
		// slippage 10 bps on mark 2000 moves the fill 2 against the
		// taker; fee is 20 bps of the slipped notional
		{name: "buy pays up", side: domain.SideBuy, wantPrice: "2002", wantFee: "12.012", wantCost: "18.012"},
		{name: "sell gives up", side: domain.SideSell, wantPrice: "1998", wantFee: "11.988", wantCost: "17.988"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fill, err := f.Fill(context.Background(), FillRequest{
				Instruction: domain.Instruction{
					Type:   domain.InstructionSpotTrade,
					Venue:  domain.VenueBinance,
					Asset:  "ETH",
					Side:   tt.side,
					Amount: decimal.NewFromInt(3),
				},
				View: view,
				Snap: snap,
			})
			require.NoError(t, err)
			assert.True(t, fill.Amount.Equal(decimal.NewFromInt(3)))
			assert.True(t, fill.Price.Equal(decimal.RequireFromString(tt.wantPrice)), "price %s", fill.Price.String())
			assert.True(t, fill.Fee.Equal(decimal.RequireFromString(tt.wantFee)), "fee %s", fill.Fee.String())
			assert.True(t, fill.Cost.Equal(decimal.RequireFromString(tt.wantCost)), "cost %s", fill.Cost.String())
		})
	}
}

func TestSimulatedFiller_MissingPriceFails(t *testing.T) {
	f := simFiller(t, SimulatedConfig{})
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	_, err := f.Fill(context.Background(), FillRequest{
		Instruction: domain.Instruction{
			Type:   domain.InstructionSpotTrade,
			Venue:  domain.VenueBinance,
			Asset:  "ETH",
			Side:   domain.SideBuy,
			Amount: decimal.NewFromInt(1),
		},
		View: domain.NewMarketView(at, 0),
		Snap: domain.NewSnapshot(nil),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrMissing))
}

func TestSimulatedFiller_FundsChecks(t *testing.T) {
	f := simFiller(t, SimulatedConfig{})
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	view := domain.NewMarketView(at, 0)
	view.SetPrice(domain.VenueBinance, "ETH", decimal.NewFromInt(2000), at)
	// wallet holds 50 USDT, binance holds 100 USDT and 1 ETH
	snap := domain.NewSnapshot(map[domain.BalanceKey]decimal.Decimal{
		{Venue: domain.VenueWallet, Asset: "USDT"}:  decimal.NewFromInt(50),
		{Venue: domain.VenueBinance, Asset: "USDT"}: decimal.NewFromInt(100),
		{Venue: domain.VenueBinance, Asset: "ETH"}:  decimal.NewFromInt(1),
	})

	tests := []struct {
		name string
		in   domain.Instruction
	}{
		{
			name: "buy exceeds quote balance",
			in: domain.Instruction{
				Type: domain.InstructionSpotTrade, Venue: domain.VenueBinance,
				Asset: "ETH", Side: domain.SideBuy, Amount: decimal.NewFromInt(1),
			},
		},
		{
			name: "sell exceeds asset balance",
			in: domain.Instruction{
				Type: domain.InstructionSpotTrade, Venue: domain.VenueBinance,
				Asset: "ETH", Side: domain.SideSell, Amount: decimal.NewFromInt(2),
			},
		},
		{
			name: "lend exceeds wallet balance",
			in: domain.Instruction{
				Type: domain.InstructionLend, Venue: domain.VenueAave,
				Asset: "USDT", Amount: decimal.NewFromInt(51),
			},
		},
		{
			name: "withdraw exceeds wallet balance",
			in: domain.Instruction{
				Type: domain.InstructionWithdraw, Venue: domain.VenueBinance,
				Asset: "USDT", Side: domain.SideBuy, Amount: decimal.NewFromInt(51),
			},
		},
		{
			name: "leverage equity exceeds venue balance",
			in: domain.Instruction{
				Type: domain.InstructionLeverageEnter, Venue: domain.VenueBinance,
				Asset: "wstETH", Amount: decimal.NewFromInt(101),
				TargetLTV: decimal.RequireFromString("0.5"), Atomic: true,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.Fill(context.Background(), FillRequest{Instruction: tt.in, View: view, Snap: snap})
			require.Error(t, err)
			assert.Contains(t, err.Error(), "insufficient")
		})
	}
}

func TestSimulatedFiller_TransfersAtPar(t *testing.T) {
	f := simFiller(t, SimulatedConfig{})
	snap := domain.NewSnapshot(map[domain.BalanceKey]decimal.Decimal{
		{Venue: domain.VenueWallet, Asset: "USDT"}: decimal.NewFromInt(1000),
		{Venue: domain.VenueAave, Asset: "USDT"}:   decimal.NewFromInt(700),
	})

	lend, err := f.Fill(context.Background(), FillRequest{
		Instruction: domain.Instruction{
			Type: domain.InstructionLend, Venue: domain.VenueAave,
			Asset: "USDT", Amount: decimal.NewFromInt(500),
		},
		Snap: snap,
	})
	require.NoError(t, err)
	assert.True(t, lend.Amount.Equal(decimal.NewFromInt(500)))
	assert.True(t, lend.Price.Equal(decimal.NewFromInt(1)))
	assert.True(t, lend.Fee.IsZero())
	assert.True(t, lend.Cost.IsZero())

	pull, err := f.Fill(context.Background(), FillRequest{
		Instruction: domain.Instruction{
			Type: domain.InstructionWithdraw, Venue: domain.VenueAave,
			Asset: "USDT", Side: domain.SideSell, Amount: decimal.NewFromInt(700),
		},
		Snap: snap,
	})
	require.NoError(t, err)
	assert.True(t, pull.Amount.Equal(decimal.NewFromInt(700)))
	assert.True(t, pull.Fee.IsZero())
}

func TestSimulatedFiller_Deterministic(t *testing.T) {
	f := simFiller(t, SimulatedConfig{})
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	view := domain.NewMarketView(at, 0)
	view.SetPrice(domain.VenueBinance, "ETH", decimal.RequireFromString("2987.65"), at)
	req := FillRequest{
		Instruction: domain.Instruction{
			Type:   domain.InstructionSpotTrade,
			Venue:  domain.VenueBinance,
			Asset:  "ETH",
			Side:   domain.SideBuy,
			Amount: decimal.RequireFromString("1.5"),
		},
		View: view,
		Snap: domain.NewSnapshot(map[domain.BalanceKey]decimal.Decimal{
			{Venue: domain.VenueBinance, Asset: "USDT"}: decimal.NewFromInt(10000),
		}),
	}

	first, err := f.Fill(context.Background(), req)
	require.NoError(t, err)
	second, err := f.Fill(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, first.Price.Equal(second.Price))
	assert.True(t, first.Fee.Equal(second.Fee))
	assert.True(t, first.Cost.Equal(second.Cost))
}

func TestNewSimulatedFiller_Validation(t *testing.T) {
	_, err := NewSimulatedFiller(SimulatedConfig{}, nil)
	require.Error(t, err)

	f, err := NewSimulatedFiller(SimulatedConfig{SettlementAsset: "USDT"}, nil)
	require.NoError(t, err)
	assert.Equal(t, ModeSimulated, f.Mode())
	assert.Equal(t, domain.VenueWallet, f.cfg.Wallet)
	assert.True(t, f.cfg.SlippageBps.Equal(decimal.NewFromInt(5)))
	assert.True(t, f.cfg.FeeBps.Equal(decimal.NewFromInt(10)))
}
