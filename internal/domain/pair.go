package domain

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Pair is a base/quote instrument identifier.
type Pair struct {
	// From base asset symbol.
	From Asset
	// To quote asset symbol.
	To Asset
}

// String returns the underscore-separated representation.
func (p Pair) String() string {
	return fmt.Sprintf("%s_%s", p.From, p.To)
}

// Symbol returns the concatenated exchange symbol.
func (p Pair) Symbol() string {
	return fmt.Sprintf("%s%s", p.From, p.To)
}

// ParsePair parses "BASE_QUOTE" into a Pair.
func ParsePair(s string) (Pair, error) {
	parts := strings.Split(s, "_")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Pair{}, errors.Errorf("invalid pair %q, want BASE_QUOTE", s)
	}
	return Pair{From: Asset(parts[0]), To: Asset(parts[1])}, nil
}
