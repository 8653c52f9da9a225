// Package executor turns decision instructions into committed fills. One
// manager owns validation, leverage math, balance-delta production and ledger
// recording; a pluggable Filler supplies the venue interaction, so backtests
// and live deployments run the same code path and produce results of the same
// shape.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vselivanov/stratex/internal/domain"
)

// ExecutionMode distinguishes simulated fills from live venue orders.
type ExecutionMode string

const (
	ModeSimulated ExecutionMode = "simulated"
	ModeLive      ExecutionMode = "live"
)

// FillRequest is everything a filler needs to price and place one instruction.
type FillRequest struct {
	Instance    string
	Instruction domain.Instruction
	At          time.Time
	View        *domain.MarketView
	// Snap is the pre-execution book; simulated fillers validate funds
	// against it, live fillers ignore it.
	Snap *domain.Snapshot
	// OnSubmit is invoked by live fillers once the venue accepts the order,
	// before blocking for the terminal status. Nil in simulated mode.
	OnSubmit func(venueRef string)
}

// Fill is the terminal outcome of one venue interaction. Cost is the total
// execution cost, fees plus modeled slippage where the filler knows it.
type Fill struct {
	Amount   decimal.Decimal
	Price    decimal.Decimal
	Fee      decimal.Decimal
	Cost     decimal.Decimal
	VenueRef string
}

// Filler executes a single instruction against a venue, real or modeled.
type Filler interface {
	Mode() ExecutionMode
	Fill(ctx context.Context, req FillRequest) (Fill, error)
}

// Recorder is the slice of the audit ledger the manager writes through.
// *ledger.Ledger satisfies it.
type Recorder interface {
	Append(ctx context.Context, ev domain.Event) (uint64, error)
	AppendBundle(ctx context.Context, wrapper domain.Event, details []domain.Event) (uint64, []uint64, error)
	Update(ctx context.Context, seq uint64, status domain.EventStatus, fields domain.UpdateFields) error
}

// MarketContext carries the tick inputs one execution prices against.
type MarketContext struct {
	At   time.Time
	View *domain.MarketView
	Snap *domain.Snapshot
	// Reason is the decision rule behind the instruction, carried onto the
	// audit events verbatim.
	Reason string
}

// ExecutionResult reports one applied instruction. Simulated and live
// executions fill the same fields; callers cannot tell the modes apart here.
type ExecutionResult struct {
	AmountFilled  decimal.Decimal
	FillPrice     decimal.Decimal
	ExecutionCost decimal.Decimal
	Delta         *domain.BalanceDelta
	Events        []domain.Event
	SnapshotAfter *domain.Snapshot
}

// Config holds per-instance execution parameters.
type Config struct {
	Instance        string
	SettlementAsset domain.Asset
	// Wallet is the venue self-custodied balances live on. Defaults to
	// domain.VenueWallet.
	Wallet domain.Venue
	// MinHealthFactor gates every leverage mutation before it is applied.
	MinHealthFactor decimal.Decimal
	// LiquidationThreshold of the lending venue, defaults to 0.95.
	LiquidationThreshold decimal.Decimal
	// MaxBorrowLTV caps how much the venue lends against supplied
	// collateral. Flash entries whose repay borrow exceeds the cap are
	// rejected. Defaults to LiquidationThreshold.
	MaxBorrowLTV decimal.Decimal
	// SafetyBufferBps shaves the borrow cap so entries never sit exactly at
	// the venue limit. Defaults to 50.
	SafetyBufferBps decimal.Decimal
	// SwapFeeBps models the cost of the two swap legs of an unwind.
	// Defaults to 30.
	SwapFeeBps decimal.Decimal
	// IterativeLoop switches leverage entries from the atomic flash bundle
	// to stepwise supply-and-borrow rounds, for venues without atomic
	// bundling support.
	IterativeLoop bool
	// MinLoopStep is the settlement notional below which the iterative loop
	// stops adding rounds. Defaults to 100.
	MinLoopStep decimal.Decimal
}

func (c *Config) applyDefaults() {
	if c.Wallet == "" {
		c.Wallet = domain.VenueWallet
	}
	if c.MinHealthFactor.IsZero() {
		c.MinHealthFactor = decimal.RequireFromString("1.1")
	}
	if c.LiquidationThreshold.IsZero() {
		c.LiquidationThreshold = decimal.RequireFromString("0.95")
	}
	if c.MaxBorrowLTV.IsZero() {
		c.MaxBorrowLTV = c.LiquidationThreshold
	}
	if c.SafetyBufferBps.IsZero() {
		c.SafetyBufferBps = decimal.NewFromInt(50)
	}
	if c.SwapFeeBps.IsZero() {
		c.SwapFeeBps = decimal.NewFromInt(30)
	}
	if c.MinLoopStep.IsZero() {
		c.MinLoopStep = decimal.NewFromInt(100)
	}
}

func (c *Config) validate() error {
	if c.Instance == "" {
		return errors.New("instance is required")
	}
	if c.SettlementAsset == "" {
		return errors.New("settlement asset is required")
	}
	one := decimal.NewFromInt(1)
	if c.LiquidationThreshold.LessThanOrEqual(decimal.Zero) || c.LiquidationThreshold.GreaterThan(one) {
		return errors.Errorf("liquidation threshold must be in (0, 1], got %s", c.LiquidationThreshold.String())
	}
	if c.MaxBorrowLTV.LessThanOrEqual(decimal.Zero) || c.MaxBorrowLTV.GreaterThan(c.LiquidationThreshold) {
		return errors.Errorf("max borrow LTV must be in (0, %s], got %s",
			c.LiquidationThreshold.String(), c.MaxBorrowLTV.String())
	}
	return nil
}

// Manager applies instructions one at a time: validate, fill, book the
// balance delta, record the audit trail. A failed instruction leaves the
// snapshot untouched; the caller decides whether to continue the batch.
type Manager struct {
	cfg      Config
	ledger   Recorder
	filler   Filler
	registry *Registry
	log      *zap.Logger
}

// NewManager wires an execution manager.
func NewManager(cfg Config, rec Recorder, filler Filler, registry *Registry, log *zap.Logger) (*Manager, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, errors.New("recorder is required")
	}
	if filler == nil {
		return nil, errors.New("filler is required")
	}
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{cfg: cfg, ledger: rec, filler: filler, registry: registry, log: log}, nil
}

// Mode reports which kind of filler backs this manager.
func (m *Manager) Mode() ExecutionMode { return m.filler.Mode() }

// Execute applies one instruction and returns the committed result. On error
// nothing was applied: simulated rejections record at most a risk alert, live
// failures leave a failed event on the ledger but never a balance effect.
func (m *Manager) Execute(ctx context.Context, in domain.Instruction, mc MarketContext) (*ExecutionResult, error) {
	if err := in.Validate(); err != nil {
		rejectsTotal.WithLabelValues(string(in.Venue)).Inc()
		return nil, errors.Wrap(err, "instruction rejected")
	}
	if mc.Snap == nil {
		return nil, errors.New("market context needs a snapshot")
	}
	if mc.View == nil {
		return nil, errors.New("market context needs a market view")
	}

	start := time.Now()
	var (
		res *ExecutionResult
		err error
	)
	switch in.Type {
	case domain.InstructionLeverageEnter:
		res, err = m.enterLeverage(ctx, in, mc)
	case domain.InstructionLeverageExit:
		res, err = m.exitLeverage(ctx, in, mc)
	case domain.InstructionDustConvert:
		res, err = m.convertDust(ctx, in, mc)
	default:
		res, err = m.fillAndRecord(ctx, in, mc)
	}
	if err != nil {
		m.log.Warn("instruction failed",
			zap.String("instance", m.cfg.Instance),
			zap.String("instruction", in.String()),
			zap.Error(err))
		return nil, err
	}

	fillLatency.WithLabelValues(string(in.Venue), string(m.Mode())).Observe(time.Since(start).Seconds())
	fillsTotal.WithLabelValues(string(in.Venue), string(in.Type)).Inc()
	m.log.Info("instruction applied",
		zap.String("instance", m.cfg.Instance),
		zap.String("instruction", in.String()),
		zap.String("price", res.FillPrice.String()),
		zap.String("cost", res.ExecutionCost.String()))
	return res, nil
}

// fillAndRecord is the common path for spot, perp, lend and withdraw
// instructions. Simulated mode fills first and appends one terminal event;
// live mode appends the pending intent first, then walks it to confirmed or
// failed as the venue reports.
func (m *Manager) fillAndRecord(ctx context.Context, in domain.Instruction, mc MarketContext) (*ExecutionResult, error) {
	live := m.Mode() == ModeLive
	ev := m.eventFor(in, mc)

	// Live audit writes outlive the caller: once an order is on its way to
	// a venue, cancelling the tick must not lose the trail.
	audit := ctx
	if live {
		audit = context.WithoutCancel(ctx)
	}

	var seq uint64
	if live {
		ev.Status = domain.StatusPending
		s, err := m.ledger.Append(audit, ev)
		if err != nil {
			return nil, err
		}
		seq = s
		ev.Sequence = s
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
			if uerr := m.ledger.Update(audit, seq, domain.StatusSubmitted, domain.UpdateFields{VenueRef: ref}); uerr != nil {
				m.log.Error("submit status update failed", zap.Uint64("seq", seq), zap.Error(uerr))
			}
		}
	}

	fill, err := m.filler.Fill(ctx, req)
	if err != nil {
		if live {
			if uerr := m.ledger.Update(audit, seq, domain.StatusFailed, domain.UpdateFields{Reason: err.Error()}); uerr != nil {
				m.log.Error("failed status update failed", zap.Uint64("seq", seq), zap.Error(uerr))
			}
		}
		fillFailures.WithLabelValues(string(in.Venue)).Inc()
		return nil, errors.Wrapf(err, "%s on %s", in.Type, in.Venue)
	}

	delta := m.deltaFor(in, fill, mc.Snap)
	next := mc.Snap.Apply(delta)
	ev.Amount = fill.Amount
	ev.Price = fill.Price
	ev.Fee = fill.Fee
	ev.VenueRef = fill.VenueRef

	if live {
		err = m.ledger.Update(audit, seq, domain.StatusConfirmed, domain.UpdateFields{
			Price:    fill.Price,
			Amount:   fill.Amount,
			Fee:      fill.Fee,
			VenueRef: fill.VenueRef,
			Delta:    delta,
		})
		if err != nil {
			return nil, err
		}
		ev.Status = domain.StatusConfirmed
		ev.Delta = delta
	} else {
		ev.Status = domain.StatusCompleted
		ev.Delta = delta
		ev.SnapshotAfter = next
		s, aerr := m.ledger.Append(ctx, ev)
		if aerr != nil {
			return nil, aerr
		}
		ev.Sequence = s
	}

	return &ExecutionResult{
		AmountFilled:  fill.Amount,
		FillPrice:     fill.Price,
		ExecutionCost: fill.Cost,
		Delta:         delta,
		Events:        []domain.Event{ev},
		SnapshotAfter: next,
	}, nil
}

// convertDust resolves the sweep amount from the snapshot, then executes it
// like a spot sell into the settlement asset. Nothing to sweep is a no-op.
func (m *Manager) convertDust(ctx context.Context, in domain.Instruction, mc MarketContext) (*ExecutionResult, error) {
	balance := mc.Snap.Balance(in.Venue, in.Asset)
	if !balance.IsPositive() {
		return &ExecutionResult{SnapshotAfter: mc.Snap}, nil
	}
	in.Side = domain.SideSell
	in.Amount = balance
	return m.fillAndRecord(ctx, in, mc)
}

func (m *Manager) eventFor(in domain.Instruction, mc MarketContext) domain.Event {
	kind := domain.EventTrade
	switch in.Type {
	case domain.InstructionLend:
		kind = domain.EventLoanOp
	case domain.InstructionWithdraw:
		kind = domain.EventBalanceChange
	}
	return domain.Event{
		Timestamp: mc.At,
		Kind:      kind,
		Instance:  m.cfg.Instance,
		Venue:     in.Venue,
		Asset:     in.Asset,
		Amount:    in.Amount,
		Reason:    mc.Reason,
	}
}

// deltaFor books a fill as balance movements. Transfers net their fee out of
// the arriving amount; trades charge it to the venue's settlement balance.
func (m *Manager) deltaFor(in domain.Instruction, fill Fill, snap *domain.Snapshot) *domain.BalanceDelta {
	delta := &domain.BalanceDelta{}
	switch in.Type {
	case domain.InstructionSpotTrade, domain.InstructionDustConvert:
		notional := fill.Amount.Mul(fill.Price)
		if in.Side == domain.SideBuy {
			delta.Add(in.Venue, in.Asset, fill.Amount)
			delta.Add(in.Venue, m.settlement(in), notional.Add(fill.Fee).Neg())
		} else {
			delta.Add(in.Venue, in.Asset, fill.Amount.Neg())
			delta.Add(in.Venue, m.settlement(in), notional.Sub(fill.Fee))
		}
	case domain.InstructionPerpTrade:
		m.perpDelta(delta, in, fill, snap)
	case domain.InstructionLend:
		delta.Add(m.cfg.Wallet, in.Asset, fill.Amount.Neg())
		delta.Add(in.Venue, in.Asset, fill.Amount.Sub(fill.Fee))
	case domain.InstructionWithdraw:
		if in.Side == domain.SideSell {
			delta.Add(in.Venue, in.Asset, fill.Amount.Neg())
			delta.Add(m.cfg.Wallet, in.Asset, fill.Amount.Sub(fill.Fee))
		} else {
			delta.Add(m.cfg.Wallet, in.Asset, fill.Amount.Neg())
			delta.Add(in.Venue, in.Asset, fill.Amount.Sub(fill.Fee))
		}
	}
	return delta
}

// perpDelta books a derivative fill: fees hit the venue's settlement balance,
// additions average the entry price, reductions realize PnL on the closed
// portion, and a fill through zero reopens the remainder at the fill price.
func (m *Manager) perpDelta(delta *domain.BalanceDelta, in domain.Instruction, fill Fill, snap *domain.Snapshot) {
	settlement := m.settlement(in)
	if fill.Fee.IsPositive() {
		delta.Add(in.Venue, settlement, fill.Fee.Neg())
	}

	signed := fill.Amount
	if in.Side == domain.SideSell {
		signed = signed.Neg()
	}
	instrument := string(in.Asset)
	cur := snap.Position(in.Venue, instrument)
	if cur == nil || cur.Size.IsZero() {
		delta.SetPosition(domain.DerivativePosition{
			Venue:      in.Venue,
			Instrument: instrument,
			Size:       signed,
			EntryPrice: fill.Price,
			Notional:   fill.Amount.Mul(fill.Price),
		})
		return
	}

	newSize := cur.Size.Add(signed)
	if cur.Size.Sign() == signed.Sign() {
		weighted := cur.EntryPrice.Mul(cur.Size.Abs()).Add(fill.Price.Mul(fill.Amount))
		entry := weighted.Div(newSize.Abs())
		delta.SetPosition(domain.DerivativePosition{
			Venue:      in.Venue,
			Instrument: instrument,
			Size:       newSize,
			EntryPrice: entry,
			Notional:   newSize.Abs().Mul(entry),
		})
		return
	}

	closed := decimal.Min(fill.Amount, cur.Size.Abs())
	pnl := fill.Price.Sub(cur.EntryPrice).Mul(closed)
	if cur.Size.IsNegative() {
		pnl = pnl.Neg()
	}
	delta.Add(in.Venue, settlement, pnl)

	switch {
	case newSize.IsZero():
		delta.RemovePosition(in.Venue, instrument)
	case newSize.Sign() == cur.Size.Sign():
		delta.SetPosition(domain.DerivativePosition{
			Venue:      in.Venue,
			Instrument: instrument,
			Size:       newSize,
			EntryPrice: cur.EntryPrice,
			Notional:   newSize.Abs().Mul(cur.EntryPrice),
		})
	default:
		delta.SetPosition(domain.DerivativePosition{
			Venue:      in.Venue,
			Instrument: instrument,
			Size:       newSize,
			EntryPrice: fill.Price,
			Notional:   newSize.Abs().Mul(fill.Price),
		})
	}
}

func (m *Manager) settlement(in domain.Instruction) domain.Asset {
	if in.Quote != "" {
		return in.Quote
	}
	return m.cfg.SettlementAsset
}

// recordRiskAlert writes an audit record for a rejected leverage mutation.
// Alerts carry no delta, so replay is unaffected.
func (m *Manager) recordRiskAlert(ctx context.Context, in domain.Instruction, mc MarketContext, cause error) {
	ev := domain.Event{
		Timestamp: mc.At,
		Kind:      domain.EventRiskAlert,
		Instance:  m.cfg.Instance,
		Venue:     in.Venue,
		Asset:     in.Asset,
		Amount:    in.Amount,
		Status:    domain.StatusCompleted,
		Reason:    fmt.Sprintf("%s rejected: %v", in.Type, cause),
	}
	if _, err := m.ledger.Append(ctx, ev); err != nil {
		m.log.Error("risk alert append failed", zap.Error(err))
	}
}
