// Package orchestrator drives the strategy instances. Each instance owns a
// sequential tick loop: market view, risk assessment, decision, execution,
// snapshot commit. Decisions queue by priority and a risk override executes
// immediately, flushing queued work. Instances run in parallel on a shared
// goroutine pool; the audit ledger is the only thing they share.
package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vselivanov/stratex/internal/domain"
	"github.com/vselivanov/stratex/internal/ledger"
	"github.com/vselivanov/stratex/internal/services/executor"
	"github.com/vselivanov/stratex/internal/state"
)

// MarketSource assembles the market view for a tick.
type MarketSource interface {
	View(ctx context.Context, at time.Time) (*domain.MarketView, error)
}

// Enricher attaches timeframe analysis to a market view. Optional; instances
// without a signal service run bare views.
type Enricher interface {
	Enrich(ctx context.Context, view *domain.MarketView) error
}

// Assessor computes the tick's risk metrics.
type Assessor interface {
	Assess(snap *domain.Snapshot, view *domain.MarketView) domain.RiskAssessment
}

// Decider runs the mode's transition rules. *strategy.Engine satisfies it.
type Decider interface {
	Decide(ts time.Time, trig domain.Trigger, view *domain.MarketView, snap *domain.Snapshot, assessment domain.RiskAssessment) (domain.Decision, error)
	MarkExecuted(d domain.Decision, equity decimal.Decimal)
}

// Executor applies instructions. *executor.Manager satisfies it.
type Executor interface {
	Mode() executor.ExecutionMode
	Execute(ctx context.Context, in domain.Instruction, mc executor.MarketContext) (*executor.ExecutionResult, error)
}

// Journal is the slice of the audit ledger the orchestrator uses directly:
// genesis deposits, replay reads and freeze alerts. *ledger.Ledger satisfies it.
type Journal interface {
	Append(ctx context.Context, ev domain.Event) (uint64, error)
	Read(ctx context.Context, f ledger.Filter) ([]domain.Event, error)
}

// Config holds per-instance loop parameters.
type Config struct {
	Instance        string
	SettlementAsset domain.Asset
	// TickInterval paces the live loop. Defaults to one minute.
	TickInterval time.Duration
	// InitialBalances fund the instance on first boot. They enter the ledger
	// as genesis deposit events, so replay needs no out-of-band state. On
	// restart the recorded events win and this map is ignored.
	InitialBalances map[domain.BalanceKey]decimal.Decimal
	// DustInterval schedules sweeps of residual balances into the settlement
	// asset. Zero disables sweeping.
	DustInterval time.Duration
	// DustThreshold is the settlement notional below which a balance counts
	// as dust. Defaults to 10.
	DustThreshold decimal.Decimal
	// DustVenues are scanned for sweepable balances.
	DustVenues []domain.Venue
}

func (c *Config) applyDefaults() {
	if c.SettlementAsset == "" {
		c.SettlementAsset = "USDT"
	}
	if c.TickInterval <= 0 {
		c.TickInterval = time.Minute
	}
	if c.DustThreshold.IsZero() {
		c.DustThreshold = decimal.NewFromInt(10)
	}
}

// Engine is the tick loop of one strategy instance. All decision and
// execution work happens on the loop goroutine; the snapshot book and the
// frozen flag are safe to read from outside.
type Engine struct {
	cfg     Config
	market  MarketSource
	signals Enricher
	risk    Assessor
	decider Decider
	exec    Executor
	journal Journal
	log     *zap.Logger

	book  *state.Book
	queue *workQueue

	mu           sync.Mutex
	frozen       bool
	frozenReason string

	lastDust time.Time
}

// NewEngine wires one instance. signals may be nil.
func NewEngine(cfg Config, market MarketSource, signals Enricher, risk Assessor, decider Decider, exec Executor, journal Journal, log *zap.Logger) (*Engine, error) {
	cfg.applyDefaults()
	if cfg.Instance == "" {
		return nil, errors.New("instance name is required")
	}
	if market == nil {
		return nil, errors.New("market source is required")
	}
	if risk == nil {
		return nil, errors.New("risk assessor is required")
	}
	if decider == nil {
		return nil, errors.New("decider is required")
	}
	if exec == nil {
		return nil, errors.New("executor is required")
	}
	if journal == nil {
		return nil, errors.New("journal is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		cfg:     cfg,
		market:  market,
		signals: signals,
		risk:    risk,
		decider: decider,
		exec:    exec,
		journal: journal,
		log:     log.With(zap.String("instance", cfg.Instance)),
		queue:   newWorkQueue(),
	}, nil
}

// Instance returns the instance name.
func (e *Engine) Instance() string { return e.cfg.Instance }

// Frozen reports whether the instance stopped trading after an unverifiable
// live failure, and why.
func (e *Engine) Frozen() (bool, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.frozen, e.frozenReason
}

// Book exposes the instance's snapshot holder for read surfaces.
func (e *Engine) Book() *state.Book { return e.book }

// Seed prepares the snapshot book. With recorded events for this instance the
// book is rebuilt by replaying their deltas; on first boot the configured
// initial balances enter the ledger as genesis deposit events.
func (e *Engine) Seed(ctx context.Context) error {
	if e.book != nil {
		return nil
	}

	events, err := e.journal.Read(ctx, ledger.Filter{Instance: e.cfg.Instance})
	if err != nil {
		return errors.Wrap(err, "read recorded events")
	}
	if len(events) > 0 {
		snap, err := state.Replay(events)
		if err != nil {
			return errors.Wrap(err, "replay recorded events")
		}
		e.book, err = state.NewBook(snap)
		if err != nil {
			return err
		}
		e.log.Info("snapshot rebuilt from ledger",
			zap.Int("events", len(events)),
			zap.Uint64("version", snap.Version))
		return nil
	}

	if len(e.cfg.InitialBalances) == 0 {
		return errors.Errorf("instance %s has no recorded events and no initial balances", e.cfg.Instance)
	}

	snap := domain.NewSnapshot(nil)
	keys := sortedBalanceKeys(e.cfg.InitialBalances)
	for i, key := range keys {
		amount := e.cfg.InitialBalances[key]
		if !amount.IsPositive() {
			return errors.Errorf("initial balance %s must be positive, got %s", key.String(), amount.String())
		}

		delta := &domain.BalanceDelta{}
		delta.Add(key.Venue, key.Asset, amount)
		snap = snap.Apply(delta)

		ev := domain.Event{
			Timestamp: time.Now().UTC(),
			Kind:      domain.EventBalanceChange,
			Instance:  e.cfg.Instance,
			Venue:     key.Venue,
			Asset:     key.Asset,
			Amount:    amount,
			Status:    domain.StatusCompleted,
			Reason:    "genesis deposit",
			Delta:     delta,
		}
		if i == len(keys)-1 {
			ev.SnapshotAfter = snap.Clone()
		}
		if _, err := e.journal.Append(ctx, ev); err != nil {
			return errors.Wrap(err, "genesis deposit")
		}
	}

	e.book, err = state.NewBook(snap)
	if err != nil {
		return err
	}
	e.log.Info("instance funded",
		zap.Int("deposits", len(keys)),
		zap.String("mode", string(e.exec.Mode())))
	return nil
}

// Run seeds the book and drives the live tick loop until the context ends.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Seed(ctx); err != nil {
		return errors.Wrap(err, "seed")
	}

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	e.log.Info("starting strategy loop",
		zap.Duration("tick_interval", e.cfg.TickInterval),
		zap.String("mode", string(e.exec.Mode())))

	e.logTickErr(e.Tick(ctx, time.Now().UTC(), domain.TriggerStartup))

	for {
		select {
		case <-ctx.Done():
			e.log.Info("stopping strategy loop")
			return ctx.Err()
		case now := <-ticker.C:
			e.logTickErr(e.Tick(ctx, now.UTC(), domain.TriggerSchedule))
		}
	}
}

func (e *Engine) logTickErr(err error) {
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrMissing) || errors.Is(err, domain.ErrStale):
		e.log.Debug("market data not ready, tick skipped", zap.Error(err))
	default:
		e.log.Error("tick failed", zap.Error(err))
	}
}

// Tick evaluates one timestamp: view, risk, decision, then queue drain. The
// backtest driver calls it directly with historical timestamps.
func (e *Engine) Tick(ctx context.Context, at time.Time, trig domain.Trigger) error {
	if e.book == nil {
		return errors.New("engine is not seeded")
	}
	ticksTotal.WithLabelValues(e.cfg.Instance).Inc()

	if frozen, reason := e.Frozen(); frozen {
		e.log.Warn("instance frozen, tick skipped", zap.String("reason", reason))
		return nil
	}

	view, err := e.market.View(ctx, at)
	if err != nil {
		tickFailures.WithLabelValues(e.cfg.Instance).Inc()
		return errors.Wrap(err, "market view")
	}
	if e.signals != nil {
		if err := e.signals.Enrich(ctx, view); err != nil {
			// without a timeframe the signal rule holds its stance; every
			// other rule still runs on the bare view
			e.log.Warn("signal enrichment failed", zap.Error(err))
		}
	}

	if n := e.queue.dropStale(at); n > 0 {
		queueDropped.WithLabelValues(e.cfg.Instance).Add(float64(n))
		e.log.Debug("dropped stale queued work", zap.Int("items", n))
	}

	snap := e.book.Current()
	assessment := e.risk.Assess(snap, view)

	d, err := e.decider.Decide(at, trig, view, snap, assessment)
	if err != nil {
		tickFailures.WithLabelValues(e.cfg.Instance).Inc()
		return errors.Wrap(err, "decide")
	}
	decisionsTotal.WithLabelValues(e.cfg.Instance, d.Action.String()).Inc()

	baseline, _ := assessment.Get(domain.MetricEquity)
	if d.RiskOverride {
		overridesTotal.WithLabelValues(e.cfg.Instance).Inc()
		if n := e.queue.clear(); n > 0 {
			queueDropped.WithLabelValues(e.cfg.Instance).Add(float64(n))
			e.log.Warn("risk override flushed queued work", zap.Int("items", n))
		}
		if err := e.runItem(ctx, at, view, workItem{
			decision:     &d,
			instructions: d.Instructions,
			priority:     d.Priority,
			reason:       d.Rule,
			plannedAt:    at,
			baseline:     baseline,
		}); err != nil {
			tickFailures.WithLabelValues(e.cfg.Instance).Inc()
			return errors.Wrapf(err, "risk override %s", d.Rule)
		}
	} else if d.Action != domain.ActionMaintain {
		e.queue.push(workItem{
			decision:     &d,
			instructions: d.Instructions,
			priority:     d.Priority,
			reason:       d.Rule,
			plannedAt:    at,
			baseline:     baseline,
		})
	}

	if e.dustDue(at) {
		e.lastDust = at
		if sweeps := e.dustInstructions(e.book.Current(), view); len(sweeps) > 0 {
			e.queue.push(workItem{
				instructions: sweeps,
				priority:     domain.PriorityLow,
				reason:       "dust sweep",
				plannedAt:    at,
				sticky:       true,
			})
		}
	}

	return e.drain(ctx, at, view)
}

// drain executes queued work in priority order. The first failure stops the
// drain: later items were planned with the failed item applied, and the next
// tick re-plans everything against the actual book.
func (e *Engine) drain(ctx context.Context, at time.Time, view *domain.MarketView) error {
	for {
		it, ok := e.queue.pop()
		if !ok {
			return nil
		}
		if err := e.runItem(ctx, at, view, it); err != nil {
			tickFailures.WithLabelValues(e.cfg.Instance).Inc()
			return errors.Wrapf(err, "%s", it.reason)
		}
	}
}

// runItem executes one work item's instructions sequentially, committing the
// snapshot after each applied instruction. A decision item that fully applies
// is marked executed so the mode's baselines advance.
func (e *Engine) runItem(ctx context.Context, at time.Time, view *domain.MarketView, it workItem) error {
	for i := range it.instructions {
		in := it.instructions[i]
		mc := executor.MarketContext{
			At:     at,
			View:   view,
			Snap:   e.book.Current(),
			Reason: it.reason,
		}
		res, err := e.exec.Execute(ctx, in, mc)
		if err != nil {
			e.maybeFreeze(ctx, at, in, err)
			return errors.Wrapf(err, "instruction %d of %d", i+1, len(it.instructions))
		}
		// a no-op sweep hands back the unchanged snapshot
		if res.SnapshotAfter != nil && res.SnapshotAfter.Version > mc.Snap.Version {
			if err := e.book.Commit(res.SnapshotAfter); err != nil {
				return errors.Wrap(err, "commit snapshot")
			}
		}
	}

	if it.decision != nil {
		equity, err := e.book.Current().Equity(view)
		if err != nil {
			// fall back to the pre-execution assessment so the deviation
			// baseline stays sane
			equity = it.baseline
		}
		e.decider.MarkExecuted(*it.decision, equity)
	}
	return nil
}

// maybeFreeze stops the instance when a live leverage mutation failed after
// reaching the venue. The book cannot verify what the venue applied, so no
// further decisions execute until an operator reconciles and restarts.
func (e *Engine) maybeFreeze(ctx context.Context, at time.Time, in domain.Instruction, cause error) {
	if e.exec.Mode() != executor.ModeLive {
		return
	}
	leveraged := in.Type == domain.InstructionLeverageEnter ||
		in.Type == domain.InstructionLeverageExit || in.Atomic
	if !leveraged {
		return
	}
	var ve *domain.VenueError
	if !errors.As(cause, &ve) && !errors.Is(cause, domain.ErrLedgerWrite) {
		return
	}

	e.mu.Lock()
	e.frozen = true
	e.frozenReason = cause.Error()
	e.mu.Unlock()
	frozenGauge.WithLabelValues(e.cfg.Instance).Set(1)

	e.log.Error("instance frozen, leverage mutation failed after reaching the venue",
		zap.String("instruction", in.String()),
		zap.Error(cause))

	ev := domain.Event{
		Timestamp: at,
		Kind:      domain.EventRiskAlert,
		Instance:  e.cfg.Instance,
		Venue:     in.Venue,
		Asset:     in.Asset,
		Status:    domain.StatusCompleted,
		Reason:    "instance frozen: " + cause.Error(),
	}
	// the audit record must land even when the tick's context is gone
	if _, err := e.journal.Append(context.WithoutCancel(ctx), ev); err != nil {
		e.log.Error("freeze alert append failed", zap.Error(err))
	}
}

func (e *Engine) dustDue(at time.Time) bool {
	if e.cfg.DustInterval <= 0 {
		return false
	}
	return e.lastDust.IsZero() || at.Sub(e.lastDust) >= e.cfg.DustInterval
}

// dustInstructions finds residual balances on the configured venues worth
// less than the threshold and plans their conversion into the settlement
// asset. Unpriceable balances are left alone.
func (e *Engine) dustInstructions(snap *domain.Snapshot, view *domain.MarketView) []domain.Instruction {
	if len(e.cfg.DustVenues) == 0 {
		return nil
	}
	venues := make(map[domain.Venue]bool, len(e.cfg.DustVenues))
	for _, v := range e.cfg.DustVenues {
		venues[v] = true
	}

	var out []domain.Instruction
	for _, key := range snap.SortedKeys() {
		if !venues[key.Venue] || key.Asset == e.cfg.SettlementAsset {
			continue
		}
		amount := snap.Balance(key.Venue, key.Asset)
		if !amount.IsPositive() {
			continue
		}
		price, err := view.Price(key.Venue, key.Asset)
		if err != nil {
			continue
		}
		if amount.Mul(price).GreaterThanOrEqual(e.cfg.DustThreshold) {
			continue
		}
		out = append(out, domain.Instruction{
			Type:  domain.InstructionDustConvert,
			Venue: key.Venue,
			Asset: key.Asset,
			Quote: e.cfg.SettlementAsset,
		})
	}
	return out
}

// Valuation prices the current book at the given timestamp.
func (e *Engine) Valuation(ctx context.Context, at time.Time) (decimal.Decimal, error) {
	if e.book == nil {
		return decimal.Zero, errors.New("engine is not seeded")
	}
	view, err := e.market.View(ctx, at)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "market view")
	}
	return e.book.Current().Equity(view)
}

func sortedBalanceKeys(m map[domain.BalanceKey]decimal.Decimal) []domain.BalanceKey {
	keys := make([]domain.BalanceKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Venue != keys[j].Venue {
			return keys[i].Venue < keys[j].Venue
		}
		return keys[i].Asset < keys[j].Asset
	})
	return keys
}
