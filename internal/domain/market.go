package domain

import (
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// PricePoint is one observed price and its observation time.
type PricePoint struct {
	Price decimal.Decimal
	At    time.Time
}

// MarketView is the market data input for a single decision cycle: spot
// prices and funding rates keyed by (venue, asset), plus candle data for
// signal-driven modes. A view is assembled once per tick and read-only
// afterwards.
type MarketView struct {
	// At is the tick timestamp prices are judged against.
	At time.Time
	// MaxAge is the staleness bound for price lookups; zero disables it.
	MaxAge    time.Duration
	Prices    map[BalanceKey]PricePoint
	Funding   map[BalanceKey]decimal.Decimal
	Timeframe *Timeframe
}

// NewMarketView constructs an empty view for the given tick.
func NewMarketView(at time.Time, maxAge time.Duration) *MarketView {
	return &MarketView{
		At:      at,
		MaxAge:  maxAge,
		Prices:  make(map[BalanceKey]PricePoint),
		Funding: make(map[BalanceKey]decimal.Decimal),
	}
}

// SetPrice records an observed price.
func (m *MarketView) SetPrice(venue Venue, asset Asset, price decimal.Decimal, at time.Time) {
	m.Prices[BalanceKey{Venue: venue, Asset: asset}] = PricePoint{Price: price, At: at}
}

// SetFunding records a funding rate for a perp instrument.
func (m *MarketView) SetFunding(venue Venue, instrument Asset, rate decimal.Decimal) {
	m.Funding[BalanceKey{Venue: venue, Asset: instrument}] = rate
}

// Price returns the price for (venue, asset). Missing entries return
// ErrMissing; entries observed longer than MaxAge before the tick return
// ErrStale. Decision inputs must never silently fall back to old prices.
func (m *MarketView) Price(venue Venue, asset Asset) (decimal.Decimal, error) {
	key := BalanceKey{Venue: venue, Asset: asset}
	p, ok := m.Prices[key]
	if !ok {
		return decimal.Zero, errors.Wrapf(ErrMissing, "price %s", key.String())
	}
	if m.MaxAge > 0 && m.At.Sub(p.At) > m.MaxAge {
		return decimal.Zero, errors.Wrapf(ErrStale, "price %s observed at %s", key.String(), p.At.Format(time.RFC3339))
	}
	return p.Price, nil
}

// FundingRate returns the funding rate for a perp instrument, ErrMissing
// when not observed this tick.
func (m *MarketView) FundingRate(venue Venue, instrument Asset) (decimal.Decimal, error) {
	key := BalanceKey{Venue: venue, Asset: instrument}
	rate, ok := m.Funding[key]
	if !ok {
		return decimal.Zero, errors.Wrapf(ErrMissing, "funding %s", key.String())
	}
	return rate, nil
}
