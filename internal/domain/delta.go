package domain

import "github.com/shopspring/decimal"

// PositionOp says how a PositionDelta changes the derivative position set.
type PositionOp string

const (
	// PositionSet upserts the full position keyed by (venue, instrument).
	PositionSet PositionOp = "set"
	// PositionClose removes the position keyed by (venue, instrument).
	PositionClose PositionOp = "close"
)

// DeltaEntry is one signed balance movement.
type DeltaEntry struct {
	Venue  Venue           `json:"venue"`
	Asset  Asset           `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

// Key returns the balance bucket the entry applies to.
func (e DeltaEntry) Key() BalanceKey {
	return BalanceKey{Venue: e.Venue, Asset: e.Asset}
}

// PositionDelta is one derivative-position change.
type PositionDelta struct {
	Op       PositionOp         `json:"op"`
	Position DerivativePosition `json:"position"`
}

// BalanceDelta is the token-level effect of a committed execution, produced
// only by the execution manager and folded into snapshots by Apply. Deltas
// attached to ledger events are the replay source of truth: folding them in
// sequence order from zero reproduces the live snapshot.
type BalanceDelta struct {
	Entries   []DeltaEntry    `json:"entries,omitempty"`
	Positions []PositionDelta `json:"positions,omitempty"`
}

// Add appends a balance movement, skipping exact zeros.
func (d *BalanceDelta) Add(venue Venue, asset Asset, amount decimal.Decimal) {
	if amount.IsZero() {
		return
	}
	d.Entries = append(d.Entries, DeltaEntry{Venue: venue, Asset: asset, Amount: amount})
}

// SetPosition records a derivative-position upsert.
func (d *BalanceDelta) SetPosition(p DerivativePosition) {
	d.Positions = append(d.Positions, PositionDelta{Op: PositionSet, Position: p})
}

// RemovePosition records a derivative-position close.
func (d *BalanceDelta) RemovePosition(venue Venue, instrument string) {
	d.Positions = append(d.Positions, PositionDelta{
		Op:       PositionClose,
		Position: DerivativePosition{Venue: venue, Instrument: instrument},
	})
}

// Merge appends all movements of other into d.
func (d *BalanceDelta) Merge(other *BalanceDelta) {
	if other == nil {
		return
	}
	d.Entries = append(d.Entries, other.Entries...)
	d.Positions = append(d.Positions, other.Positions...)
}

// Empty reports whether the delta carries no effect.
func (d *BalanceDelta) Empty() bool {
	return d == nil || (len(d.Entries) == 0 && len(d.Positions) == 0)
}
