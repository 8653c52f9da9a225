package executor

import (
	"context"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vselivanov/stratex/internal/domain"
)

// SimulatedConfig parameterizes the deterministic fill model.
type SimulatedConfig struct {
	SettlementAsset domain.Asset
	// Wallet defaults to domain.VenueWallet.
	Wallet domain.Venue
	// SlippageBps is applied against the fill on trades, default 5.
	SlippageBps decimal.Decimal
	// FeeBps is charged on trade notional, default 10.
	FeeBps decimal.Decimal
}

// SimulatedFiller prices fills from the tick's market view with a fixed
// slippage and fee model. It plays the venue's part in full: balance checks
// reject fills the venue would reject, transfers settle at par and fee-free,
// and the same inputs always produce the same fill.
type SimulatedFiller struct {
	cfg SimulatedConfig
	log *zap.Logger
}

// NewSimulatedFiller builds the backtest filler.
func NewSimulatedFiller(cfg SimulatedConfig, log *zap.Logger) (*SimulatedFiller, error) {
	if cfg.SettlementAsset == "" {
		return nil, errors.New("settlement asset is required")
	}
	if cfg.Wallet == "" {
		cfg.Wallet = domain.VenueWallet
	}
	if cfg.SlippageBps.IsZero() {
		cfg.SlippageBps = decimal.NewFromInt(5)
	}
	if cfg.FeeBps.IsZero() {
		cfg.FeeBps = decimal.NewFromInt(10)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &SimulatedFiller{cfg: cfg, log: log}, nil
}

// Mode reports the simulated execution mode.
func (f *SimulatedFiller) Mode() ExecutionMode { return ModeSimulated }

// Fill models one venue interaction for the instruction.
func (f *SimulatedFiller) Fill(_ context.Context, req FillRequest) (Fill, error) {
	in := req.Instruction
	switch in.Type {
	case domain.InstructionSpotTrade, domain.InstructionDustConvert, domain.InstructionPerpTrade:
		return f.fillTrade(req)

	case domain.InstructionLend:
		if bal := req.Snap.Balance(f.cfg.Wallet, in.Asset); bal.LessThan(in.Amount) {
			return Fill{}, errors.Errorf("insufficient %s in the wallet: have %s, need %s",
				in.Asset, bal.String(), in.Amount.String())
		}
		return parFill(in.Amount), nil

	case domain.InstructionWithdraw:
		from := f.cfg.Wallet
		if in.Side == domain.SideSell {
			from = in.Venue
		}
		if bal := req.Snap.Balance(from, in.Asset); bal.LessThan(in.Amount) {
			return Fill{}, errors.Errorf("insufficient %s on %s: have %s, need %s",
				in.Asset, from, bal.String(), in.Amount.String())
		}
		return parFill(in.Amount), nil

	case domain.InstructionLeverageEnter:
		if bal := req.Snap.Balance(in.Venue, f.cfg.SettlementAsset); bal.LessThan(in.Amount) {
			return Fill{}, errors.Errorf("insufficient %s on %s: have %s, need %s",
				f.cfg.SettlementAsset, in.Venue, bal.String(), in.Amount.String())
		}
		return parFill(in.Amount), nil

	case domain.InstructionLeverageExit:
		return parFill(in.Amount), nil
	}
	return Fill{}, errors.Errorf("unsupported instruction type: %s", in.Type)
}

// parFill is a fee-free transfer settling at unit price.
func parFill(amount decimal.Decimal) Fill {
	return Fill{Amount: amount, Price: decimal.NewFromInt(1)}
}

func (f *SimulatedFiller) fillTrade(req FillRequest) (Fill, error) {
	in := req.Instruction
	mark, err := req.View.Price(in.Venue, in.Asset)
	if err != nil {
		return Fill{}, err
	}

	slip := mark.Mul(f.cfg.SlippageBps).Div(bpsDivisor)
	price := mark.Add(slip)
	if in.Side == domain.SideSell {
		price = mark.Sub(slip)
	}
	notional := in.Amount.Mul(price)
	fee := notional.Mul(f.cfg.FeeBps).Div(bpsDivisor)

	if in.Type != domain.InstructionPerpTrade {
		if in.Side == domain.SideBuy {
			quote := in.Quote
			if quote == "" {
				quote = f.cfg.SettlementAsset
			}
			need := notional.Add(fee)
			if bal := req.Snap.Balance(in.Venue, quote); bal.LessThan(need) {
				return Fill{}, errors.Errorf("insufficient %s on %s: have %s, need %s",
					quote, in.Venue, bal.String(), need.String())
			}
		} else if bal := req.Snap.Balance(in.Venue, in.Asset); bal.LessThan(in.Amount) {
			return Fill{}, errors.Errorf("insufficient %s on %s: have %s, need %s",
				in.Asset, in.Venue, bal.String(), in.Amount.String())
		}
	}

	return Fill{
		Amount: in.Amount,
		Price:  price,
		Fee:    fee,
		Cost:   slip.Mul(in.Amount).Add(fee),
	}, nil
}
