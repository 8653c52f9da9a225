// Package marketdata assembles the per-tick market view the decision and
// execution paths consume. Two providers share one contract: History replays
// recorded series for backtests, Live polls venue clients with a TTL cache.
// Neither provider fails a view over an unresolvable key; the entry stays
// missing and lookups downstream fail closed.
package marketdata

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vselivanov/stratex/internal/domain"
)

// Provider produces the market view for one tick.
type Provider interface {
	View(ctx context.Context, at time.Time) (*domain.MarketView, error)
}

// seedSettlements prices the settlement assets at par on the wallet, the
// given venues, and every venue the view already knows, so equity valuation
// never misses the quote leg of a balance.
func seedSettlements(view *domain.MarketView, venues []domain.Venue, settlements []domain.Asset) {
	seen := map[domain.Venue]struct{}{domain.VenueWallet: {}}
	for _, v := range venues {
		seen[v] = struct{}{}
	}
	for key := range view.Prices {
		seen[key.Venue] = struct{}{}
	}
	par := decimal.NewFromInt(1)
	for venue := range seen {
		for _, asset := range settlements {
			if _, ok := view.Prices[domain.BalanceKey{Venue: venue, Asset: asset}]; ok {
				continue
			}
			view.SetPrice(venue, asset, par, view.At)
		}
	}
}
