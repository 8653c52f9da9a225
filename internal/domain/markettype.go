package domain

// MarketType type of market an instruction settles on.
type MarketType string

const (
	// MarketTypeSpot spot balances.
	MarketTypeSpot MarketType = "spot"
	// MarketTypePerp perpetual futures positions.
	MarketTypePerp MarketType = "perp"
	// MarketTypeLending lending protocol collateral and debt.
	MarketTypeLending MarketType = "lending"
)

// String returns the string representation.
func (m MarketType) String() string {
	return string(m)
}

// IsValid checks if the MarketType value is valid.
func (m MarketType) IsValid() bool {
	return m == MarketTypeSpot || m == MarketTypePerp || m == MarketTypeLending
}
