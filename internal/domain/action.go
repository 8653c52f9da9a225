package domain

// Action represents what the decision engine wants done with the position.
type Action int

const (
	ActionMaintain Action = iota
	ActionRebalance
	ActionExitPartial
	ActionExitFull
	ActionEnterLong
	ActionEnterShort
)

// action string constants to avoid magic strings
const (
	actionStringMaintain    = "maintain"
	actionStringRebalance   = "rebalance"
	actionStringExitPartial = "exit_partial"
	actionStringExitFull    = "exit_full"
	actionStringEnterLong   = "enter_long"
	actionStringEnterShort  = "enter_short"
)

// String returns the string representation of the action
func (a Action) String() string {
	switch a {
	case ActionMaintain:
		return actionStringMaintain
	case ActionRebalance:
		return actionStringRebalance
	case ActionExitPartial:
		return actionStringExitPartial
	case ActionExitFull:
		return actionStringExitFull
	case ActionEnterLong:
		return actionStringEnterLong
	case ActionEnterShort:
		return actionStringEnterShort
	default:
		return "unknown"
	}
}

// Exiting reports whether the action reduces or closes exposure.
func (a Action) Exiting() bool {
	return a == ActionExitPartial || a == ActionExitFull
}

// Priority orders decisions in the orchestrator's execution queue.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

// String returns the string representation of the priority
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Trigger names what woke the decision engine for a tick.
type Trigger string

const (
	// TriggerSchedule is the regular interval tick.
	TriggerSchedule Trigger = "schedule"
	// TriggerMarket is a market data update pushed by a feed.
	TriggerMarket Trigger = "market"
	// TriggerManual is an operator-requested evaluation.
	TriggerManual Trigger = "manual"
	// TriggerStartup is the first tick after boot or replay.
	TriggerStartup Trigger = "startup"
)
