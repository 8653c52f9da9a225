package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventKind classifies audit events.
type EventKind string

const (
	EventBalanceChange EventKind = "balance_change"
	EventTrade         EventKind = "trade"
	EventLoanOp        EventKind = "loan_op"
	EventStakeOp       EventKind = "stake_op"
	EventRiskAlert     EventKind = "risk_alert"
	// EventBundle is the wrapper record for an atomic multi-step operation;
	// its steps follow as EventBundleDetail records linked via ParentSequence.
	EventBundle       EventKind = "bundle"
	EventBundleDetail EventKind = "bundle_detail"
)

// EventStatus is the lifecycle state of an event. Backtest events are born
// terminal; live events walk pending -> submitted -> confirmed/failed.
type EventStatus string

const (
	StatusCompleted EventStatus = "completed"
	StatusPending   EventStatus = "pending"
	StatusSubmitted EventStatus = "submitted"
	StatusConfirmed EventStatus = "confirmed"
	StatusFailed    EventStatus = "failed"
)

// Terminal reports whether the status admits no further transition.
func (s EventStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusConfirmed || s == StatusFailed
}

// Event is one immutable audit record. Sequence is assigned by the ledger at
// append time and totally orders all events across strategy instances. After
// append only Status and the fill fields (Price, Amount, Fee, VenueRef) may
// change, and only through the ledger's live status update path.
type Event struct {
	Sequence  uint64          `json:"seq"`
	Timestamp time.Time       `json:"ts"`
	Kind      EventKind       `json:"kind"`
	Instance  string          `json:"instance,omitempty"`
	Venue     Venue           `json:"venue,omitempty"`
	Asset     Asset           `json:"asset,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Price     decimal.Decimal `json:"price,omitempty"`
	Fee       decimal.Decimal `json:"fee,omitempty"`
	Status    EventStatus     `json:"status"`
	// ParentSequence links a bundle_detail to its wrapper. The wrapper is
	// always committed before any of its details.
	ParentSequence *uint64 `json:"parent_seq,omitempty"`
	// VenueRef is the exchange order id or chain tx hash, set in live mode.
	VenueRef string `json:"venue_ref,omitempty"`
	Reason   string `json:"reason,omitempty"`
	// Delta is the balance effect of this event. Folding deltas in sequence
	// order from the genesis snapshot reproduces the current snapshot.
	Delta *BalanceDelta `json:"delta,omitempty"`
	// SnapshotAfter is a copy of the exposure snapshot at event-commit time,
	// attached to the last event of an applied execution.
	SnapshotAfter *Snapshot `json:"snapshot_after,omitempty"`
	// Checksum is the hex-encoded hash-chain value assigned by the ledger;
	// each event's checksum covers its payload and the previous checksum.
	Checksum string `json:"checksum,omitempty"`
}

// UpdateFields carries the non-historical fields a live status transition may
// set. Zero values leave the recorded value untouched.
type UpdateFields struct {
	Price    decimal.Decimal
	Amount   decimal.Decimal
	Fee      decimal.Decimal
	VenueRef string
	Reason   string
	// Delta replaces the event's recorded delta with the realized fill
	// effect when a live confirmation differs from the submitted intent.
	Delta *BalanceDelta
}
