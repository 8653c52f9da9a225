// Package clients adapts venue SDKs and chain RPC to the narrow surfaces the
// engine consumes: order submission and status polling for the live filler,
// ticker and funding reads for the market data provider, kline history for
// signal enrichment, and lending-protocol account state for the risk
// assessor. Venue-facing calls return *domain.VenueError so the execution
// path can tell transient congestion from hard rejections.
package clients

import (
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vselivanov/stratex/internal/domain"
)

// clientOrderID builds an exchange-safe client order id. Binance caps client
// ids at 36 characters, so the uuid is used without its dashes.
func clientOrderID() string {
	return "stx" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// spotSymbol builds the venue ticker symbol for an asset against its quote.
func spotSymbol(asset, quote domain.Asset) string {
	if quote == "" {
		quote = "USDT"
	}
	return string(asset) + string(quote)
}

// joinRef packs the symbol and order id into one venue reference, for venues
// whose status endpoints need both.
func joinRef(symbol, id string) string {
	return symbol + "/" + id
}

func splitRef(ref string) (symbol, id string, err error) {
	symbol, id, ok := strings.Cut(ref, "/")
	if !ok || symbol == "" || id == "" {
		return "", "", errors.Errorf("malformed venue ref %q", ref)
	}
	return symbol, id, nil
}

// parseDecimal reads a venue-reported numeric field, treating absence as
// zero.
func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

func transientErr(venue domain.Venue, op string, err error) error {
	return &domain.VenueError{Venue: venue, Op: op, Transient: true, Err: err}
}

func hardErr(venue domain.Venue, op string, err error) error {
	return &domain.VenueError{Venue: venue, Op: op, Err: err}
}
