package domain

import (
	"encoding/json"
	"sort"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// DerivativePosition is one open derivative (perp or loan-backed) position.
// Size is signed: positive long, negative short.
type DerivativePosition struct {
	Venue      Venue           `json:"venue"`
	Instrument string          `json:"instrument"`
	Size       decimal.Decimal `json:"size"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	Notional   decimal.Decimal `json:"notional"`
}

// Snapshot is the immutable position/exposure read model: spot balances per
// (venue, asset) plus open derivative positions. Apply never mutates the
// receiver; old snapshots stay valid for in-flight readers.
type Snapshot struct {
	Version   uint64
	Balances  map[BalanceKey]decimal.Decimal
	Positions []DerivativePosition
}

// NewSnapshot builds the initial snapshot from starting capital.
func NewSnapshot(initial map[BalanceKey]decimal.Decimal) *Snapshot {
	balances := make(map[BalanceKey]decimal.Decimal, len(initial))
	for k, v := range initial {
		balances[k] = v
	}
	return &Snapshot{Version: 1, Balances: balances}
}

// Balance returns the balance for (venue, asset); absent buckets read zero.
func (s *Snapshot) Balance(venue Venue, asset Asset) decimal.Decimal {
	if s == nil || s.Balances == nil {
		return decimal.Zero
	}
	return s.Balances[BalanceKey{Venue: venue, Asset: asset}]
}

// Position returns the derivative position for (venue, instrument), nil when
// not held.
func (s *Snapshot) Position(venue Venue, instrument string) *DerivativePosition {
	if s == nil {
		return nil
	}
	for i := range s.Positions {
		if s.Positions[i].Venue == venue && s.Positions[i].Instrument == instrument {
			p := s.Positions[i]
			return &p
		}
	}
	return nil
}

// Apply folds a balance delta into a new snapshot. Pure: the receiver is
// unchanged and the result owns fresh maps/slices.
func (s *Snapshot) Apply(delta *BalanceDelta) *Snapshot {
	next := &Snapshot{
		Version:  s.Version + 1,
		Balances: make(map[BalanceKey]decimal.Decimal, len(s.Balances)+len(delta.Entries)),
	}
	for k, v := range s.Balances {
		next.Balances[k] = v
	}
	next.Positions = append(next.Positions, s.Positions...)

	if delta == nil {
		return next
	}
	for _, e := range delta.Entries {
		key := e.Key()
		next.Balances[key] = next.Balances[key].Add(e.Amount)
	}
	for _, pd := range delta.Positions {
		next.applyPosition(pd)
	}
	return next
}

func (s *Snapshot) applyPosition(pd PositionDelta) {
	idx := -1
	for i := range s.Positions {
		if s.Positions[i].Venue == pd.Position.Venue && s.Positions[i].Instrument == pd.Position.Instrument {
			idx = i
			break
		}
	}
	switch pd.Op {
	case PositionSet:
		if idx >= 0 {
			s.Positions[idx] = pd.Position
			return
		}
		s.Positions = append(s.Positions, pd.Position)
	case PositionClose:
		if idx >= 0 {
			s.Positions = append(s.Positions[:idx], s.Positions[idx+1:]...)
		}
	}
}

// Valuer prices an asset on a venue in settlement currency.
type Valuer interface {
	Price(venue Venue, asset Asset) (decimal.Decimal, error)
}

// Equity values all balances plus derivative PnL in settlement currency.
// Balances of assets the valuer cannot price are an error: equity feeding
// risk decisions must never be silently undervalued.
func (s *Snapshot) Equity(v Valuer) (decimal.Decimal, error) {
	total := decimal.Zero
	for k, amount := range s.Balances {
		if amount.IsZero() {
			continue
		}
		price, err := v.Price(k.Venue, k.Asset)
		if err != nil {
			return decimal.Zero, errors.Wrapf(err, "price %s", k.String())
		}
		total = total.Add(amount.Mul(price))
	}
	for _, p := range s.Positions {
		mark, err := v.Price(p.Venue, Asset(p.Instrument))
		if err != nil {
			return decimal.Zero, errors.Wrapf(err, "mark %s on %s", p.Instrument, p.Venue)
		}
		total = total.Add(mark.Sub(p.EntryPrice).Mul(p.Size))
	}
	return total, nil
}

// Clone returns a deep copy; used when attaching snapshot_after to events.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	c := &Snapshot{
		Version:  s.Version,
		Balances: make(map[BalanceKey]decimal.Decimal, len(s.Balances)),
	}
	for k, v := range s.Balances {
		c.Balances[k] = v
	}
	c.Positions = append(c.Positions, s.Positions...)
	return c
}

type snapshotJSON struct {
	Version   uint64               `json:"version"`
	Balances  map[string]string    `json:"balances"`
	Positions []DerivativePosition `json:"positions,omitempty"`
}

// MarshalJSON flattens struct-keyed balances into "venue:asset" keys with
// string amounts, keeping serialized snapshots precision-safe and diffable.
func (s *Snapshot) MarshalJSON() ([]byte, error) {
	out := snapshotJSON{
		Version:   s.Version,
		Balances:  make(map[string]string, len(s.Balances)),
		Positions: s.Positions,
	}
	for k, v := range s.Balances {
		out.Balances[k.String()] = v.String()
	}
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var in snapshotJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return errors.Wrap(err, "decode snapshot")
	}
	s.Version = in.Version
	s.Positions = in.Positions
	s.Balances = make(map[BalanceKey]decimal.Decimal, len(in.Balances))
	for key, amount := range in.Balances {
		k, err := ParseBalanceKey(key)
		if err != nil {
			return err
		}
		d, err := decimal.NewFromString(amount)
		if err != nil {
			return errors.Wrapf(err, "decode balance %s", key)
		}
		s.Balances[k] = d
	}
	return nil
}

// StateEquals compares balances and positions, ignoring Version. Absent
// balance buckets compare equal to zero ones, so a replayed snapshot matches
// the live book even when intermediate flows zeroed some buckets.
func (s *Snapshot) StateEquals(other *Snapshot) bool {
	if s == nil || other == nil {
		return s == other
	}
	for k, v := range s.Balances {
		if !v.Equal(other.Balances[k]) {
			return false
		}
	}
	for k, v := range other.Balances {
		if !v.Equal(s.Balances[k]) {
			return false
		}
	}
	if len(s.Positions) != len(other.Positions) {
		return false
	}
	for i := range s.Positions {
		p := s.Positions[i]
		q := other.Position(p.Venue, p.Instrument)
		if q == nil || !p.Size.Equal(q.Size) || !p.EntryPrice.Equal(q.EntryPrice) || !p.Notional.Equal(q.Notional) {
			return false
		}
	}
	return true
}

// SortedKeys returns balance keys in deterministic order; planners and
// exports iterate balances through this to keep output stable.
func (s *Snapshot) SortedKeys() []BalanceKey {
	keys := make([]BalanceKey, 0, len(s.Balances))
	for k := range s.Balances {
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
