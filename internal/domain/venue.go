// Package domain defines the core data structures shared by the decision,
// execution and audit layers of the engine.
package domain

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Venue identifies an execution venue: a centralized exchange account or an
// on-chain protocol deployment.
type Venue string

// VenueKind distinguishes how instructions reach the venue.
type VenueKind int

const (
	// VenueKindCEX routes through exchange order APIs.
	VenueKindCEX VenueKind = iota
	// VenueKindChain routes through signed on-chain transactions.
	VenueKindChain
	// VenueKindWallet is a passive balance holder, no execution.
	VenueKindWallet
)

// Well-known venues used across configs and tests. Arbitrary venue names are
// accepted; these are the ones shipped configurations refer to.
const (
	VenueBinance     Venue = "binance"
	VenueBybit       Venue = "bybit"
	VenueHyperliquid Venue = "hyperliquid"
	VenueAave        Venue = "aave"
	VenueLido        Venue = "lido"
	VenueWallet      Venue = "wallet"
)

// Asset is a token or currency symbol ("BTC", "USDT", "stETH").
type Asset string

// BalanceKey addresses one balance bucket in a snapshot.
type BalanceKey struct {
	Venue Venue
	Asset Asset
}

// String renders the key in "venue:asset" form used by serialized snapshots
// and cache keys.
func (k BalanceKey) String() string {
	return fmt.Sprintf("%s:%s", k.Venue, k.Asset)
}

// ParseBalanceKey parses the "venue:asset" form produced by String.
func ParseBalanceKey(s string) (BalanceKey, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return BalanceKey{}, errors.Errorf("malformed balance key %q", s)
	}
	return BalanceKey{Venue: Venue(parts[0]), Asset: Asset(parts[1])}, nil
}
