package strategy

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vselivanov/stratex/internal/domain"
)

// Rule names recorded on decisions for the audit trail.
const (
	ruleFailClosed      = "fail_closed"
	ruleCriticalBreach  = "critical_breach"
	ruleDeltaDrift      = "delta_drift"
	ruleEquityDeviation = "equity_deviation"
	ruleSignalEntry     = "signal_entry"
	ruleSignalExit      = "signal_exit"
)

var one = decimal.NewFromInt(1)

// Engine evaluates the shared transition rules for one strategy instance.
// Rules run in fixed priority order and the first that fires wins:
//
//  1. missing required metrics fail closed with a full exit
//  2. a critical threshold breach exits with a risk override
//  3. delta drift past the mode limit rebalances at high priority
//  4. equity deviation at or past the mode threshold rebalances
//  5. a confident mode signal enters or exits
//  6. otherwise the book is maintained
//
// The engine is driven by its instance's tick loop, one call at a time, and
// keeps two pieces of memory between ticks: equity at the last executed
// rebalance and the current signal stance.
type Engine struct {
	mode     Mode
	signaler Signaler
	planner  *Planner
	log      *zap.Logger

	equityAtRebalance decimal.Decimal
	stance            SignalDirection
	pendingStance     SignalDirection
}

// NewEngine builds an engine for the mode. The signal rule is active only
// when the mode implements Signaler.
func NewEngine(mode Mode, planner *Planner, log *zap.Logger) (*Engine, error) {
	if mode == nil {
		return nil, errors.New("mode is required")
	}
	if planner == nil {
		return nil, errors.New("planner is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{mode: mode, planner: planner, log: log.With(zap.String("mode", mode.Name()))}
	if s, ok := mode.(Signaler); ok {
		e.signaler = s
	}
	return e, nil
}

// Decide runs the rule ladder against one tick's market view, snapshot and
// risk assessment.
func (e *Engine) Decide(ts time.Time, trig domain.Trigger, view *domain.MarketView, snap *domain.Snapshot, assessment domain.RiskAssessment) (domain.Decision, error) {
	if snap == nil || view == nil {
		return domain.Decision{}, errors.New("snapshot and market view are required")
	}

	d := e.decide(ts, snap, view, assessment)
	if err := d.Validate(); err != nil {
		return domain.Decision{}, errors.Wrapf(err, "mode %s produced an invalid decision", e.mode.Name())
	}

	switch {
	case d.RiskOverride:
		e.log.Warn("risk override decision",
			zap.String("trigger", string(trig)),
			zap.String("rule", d.Rule),
			zap.String("action", d.Action.String()),
			zap.String("reasoning", d.Reasoning))
	case d.Action != domain.ActionMaintain:
		e.log.Info("decision",
			zap.String("trigger", string(trig)),
			zap.String("rule", d.Rule),
			zap.String("action", d.Action.String()),
			zap.Int("instructions", len(d.Instructions)),
			zap.String("reasoning", d.Reasoning))
	}
	return d, nil
}

// MarkExecuted records the outcome of an executed decision: equity resets
// the deviation baseline and the stance the executed allocation expressed
// becomes current. Only call it after execution succeeds, so a failed
// execution is retried by the same rule on the next tick. Decisions execute
// one at a time per instance, so the pending stance always belongs to d.
func (e *Engine) MarkExecuted(d domain.Decision, equity decimal.Decimal) {
	if d.Action == domain.ActionMaintain {
		return
	}
	e.stance = e.pendingStance
	e.equityAtRebalance = equity
}

func (e *Engine) decide(ts time.Time, snap *domain.Snapshot, view *domain.MarketView, assessment domain.RiskAssessment) domain.Decision {
	if err := assessment.Require(e.mode.RequiredMetrics(snap)...); err != nil {
		return e.failClosed(snap, assessment, err.Error())
	}

	t := e.mode.Thresholds()

	if d, breached := e.criticalBreach(snap, assessment, t); breached {
		return d
	}

	if t.MaxDeltaDrift.IsPositive() {
		if drift, ok := assessment.Get(domain.MetricDeltaDrift); ok && drift.GreaterThan(t.MaxDeltaDrift) {
			reasoning := fmt.Sprintf("delta drift %s exceeds limit %s", drift.StringFixed(4), t.MaxDeltaDrift.StringFixed(4))
			return e.rebalance(snap, view, assessment, ruleDeltaDrift, reasoning, domain.PriorityHigh)
		}
	}

	if t.EquityDeviation.IsPositive() {
		if equity, ok := assessment.Get(domain.MetricEquity); ok {
			deviation := one
			if e.equityAtRebalance.IsPositive() {
				deviation = equity.Sub(e.equityAtRebalance).Abs().Div(e.equityAtRebalance)
			}
			// the boundary is inclusive: deviation equal to the threshold fires
			if deviation.GreaterThanOrEqual(t.EquityDeviation) {
				reasoning := fmt.Sprintf("equity %s deviates %s%% from %s at last rebalance",
					equity.StringFixed(2),
					deviation.Mul(decimal.NewFromInt(100)).StringFixed(3),
					e.equityAtRebalance.StringFixed(2))
				return e.rebalance(snap, view, assessment, ruleEquityDeviation, reasoning, domain.PriorityMedium)
			}
		}
	}

	if e.signaler != nil && t.MinSignalConfidence.IsPositive() {
		if d, fired := e.signalRule(ts, snap, view, assessment, t); fired {
			return d
		}
	}

	return domain.Maintain(fmt.Sprintf("%s within thresholds, holding", e.mode.Name()))
}

// criticalBreach checks the hard risk floors in a fixed order. A threshold
// of zero disables its check; a metric that is absent without being required
// means no exposure of that kind exists.
func (e *Engine) criticalBreach(snap *domain.Snapshot, assessment domain.RiskAssessment, t Thresholds) (domain.Decision, bool) {
	floors := []struct {
		metric domain.RiskMetric
		min    decimal.Decimal
	}{
		{domain.MetricHealthFactor, t.MinHealthFactor},
		{domain.MetricMarginRatio, t.MinMarginRatio},
		{domain.MetricProtocolHealth, t.MinProtocolHealth},
	}

	for _, f := range floors {
		if !f.min.IsPositive() {
			continue
		}
		v, ok := assessment.Get(f.metric)
		if !ok || v.GreaterThanOrEqual(f.min) {
			continue
		}

		fraction := t.CriticalExitFraction
		if !fraction.IsPositive() || fraction.GreaterThan(one) {
			fraction = one
		}
		reasoning := fmt.Sprintf("%s %s below minimum %s", f.metric, v.String(), f.min.String())
		instructions := e.planner.Flatten(snap, fraction)
		if len(instructions) == 0 {
			return maintainWith(ruleCriticalBreach, reasoning+"; no exposure to unwind"), true
		}

		d := domain.Decision{
			Action:       domain.ActionExitFull,
			Reasoning:    reasoning,
			Rule:         ruleCriticalBreach,
			Instructions: instructions,
			RiskOverride: true,
			Priority:     domain.PriorityCritical,
		}
		if fraction.LessThan(one) {
			// partial deleverage keeps the direction
			d.Action = domain.ActionExitPartial
			e.pendingStance = e.stance
		} else {
			d.TargetPositions = e.settlementTarget(assessment)
			e.pendingStance = SignalNeutral
		}
		return d, true
	}
	return domain.Decision{}, false
}

// rebalance asks the mode for a target allocation and plans the diff.
// Planning failures fail closed: a book that cannot be valued or repriced is
// exited, not held.
func (e *Engine) rebalance(snap *domain.Snapshot, view *domain.MarketView, assessment domain.RiskAssessment, rule, reasoning string, priority domain.Priority) domain.Decision {
	equity, ok := assessment.Get(domain.MetricEquity)
	if !ok {
		return e.failClosed(snap, assessment, "equity unavailable for rebalance")
	}
	target, err := e.mode.TargetAllocation(equity, view)
	if err != nil {
		return e.failClosed(snap, assessment, fmt.Sprintf("target allocation: %v", err))
	}
	instructions, err := e.planner.Plan(snap, target, view)
	if err != nil {
		return e.failClosed(snap, assessment, fmt.Sprintf("plan rebalance: %v", err))
	}
	if len(instructions) == 0 {
		// the book already matches this equity, make it the baseline
		if e.equityAtRebalance.IsZero() {
			e.equityAtRebalance = equity
		}
		return maintainWith(rule, reasoning+"; already at target")
	}
	e.pendingStance = target.Stance
	return domain.Decision{
		Action:          domain.ActionRebalance,
		Reasoning:       reasoning,
		Rule:            rule,
		TargetPositions: target.TargetPositions(),
		Instructions:    instructions,
		Priority:        priority,
	}
}

// signalRule acts when the mode's signal is confident and disagrees with the
// current stance. A signal that cannot be computed skips the rule: entries
// wait for data, exits on risk are already covered by the metric rules.
func (e *Engine) signalRule(ts time.Time, snap *domain.Snapshot, view *domain.MarketView, assessment domain.RiskAssessment, t Thresholds) (domain.Decision, bool) {
	sig, err := e.signaler.Signal(ts, view)
	if err != nil {
		e.log.Warn("signal unavailable", zap.Error(err))
		return domain.Decision{}, false
	}
	if sig.Confidence.LessThan(t.MinSignalConfidence) || sig.Direction == e.stance {
		return domain.Decision{}, false
	}

	reasoning := fmt.Sprintf("%s signal with confidence %s: %s", sig.Direction, sig.Confidence.StringFixed(2), sig.Reason)

	if sig.Direction == SignalNeutral {
		instructions := e.planner.Flatten(snap, one)
		if len(instructions) == 0 {
			return maintainWith(ruleSignalExit, reasoning+"; no exposure to unwind"), true
		}
		e.pendingStance = SignalNeutral
		return domain.Decision{
			Action:          domain.ActionExitFull,
			Reasoning:       reasoning,
			Rule:            ruleSignalExit,
			TargetPositions: e.settlementTarget(assessment),
			Instructions:    instructions,
			Priority:        domain.PriorityHigh,
		}, true
	}

	action := domain.ActionEnterLong
	if sig.Direction == SignalShort {
		action = domain.ActionEnterShort
	}
	d := e.rebalance(snap, view, assessment, ruleSignalEntry, reasoning, domain.PriorityHigh)
	if d.Action == domain.ActionRebalance {
		d.Action = action
	}
	return d, true
}

// failClosed is the response to any tick the engine cannot reason about:
// exit everything, immediately, without prices.
func (e *Engine) failClosed(snap *domain.Snapshot, assessment domain.RiskAssessment, cause string) domain.Decision {
	instructions := e.planner.Flatten(snap, one)
	if len(instructions) == 0 {
		return maintainWith(ruleFailClosed, cause+"; no exposure to unwind")
	}
	e.pendingStance = SignalNeutral
	return domain.Decision{
		Action:          domain.ActionExitFull,
		Reasoning:       cause + "; exiting to settlement",
		Rule:            ruleFailClosed,
		TargetPositions: e.settlementTarget(assessment),
		Instructions:    instructions,
		RiskOverride:    true,
		Priority:        domain.PriorityCritical,
	}
}

// settlementTarget renders a full exit's target book: all equity parked in
// the settlement asset, when equity is known.
func (e *Engine) settlementTarget(assessment domain.RiskAssessment) map[domain.Asset]decimal.Decimal {
	equity, ok := assessment.Get(domain.MetricEquity)
	if !ok {
		return nil
	}
	return map[domain.Asset]decimal.Decimal{e.planner.cfg.SettlementAsset: equity}
}

func maintainWith(rule, reasoning string) domain.Decision {
	d := domain.Maintain(reasoning)
	d.Rule = rule
	return d
}
