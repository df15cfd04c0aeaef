package matching

import (
	"fmt"
	"strings"
)

// Pair "BASE-QUOTE"
type Pair struct {
	Symbol string
	Base   string
	Quote  string
}

func ParsePair(symbol string) (Pair, error) {
	base, quote, ok := strings.Cut(symbol, "-")
	if !ok || base == "" || quote == "" || strings.Contains(quote, "-") {
		return Pair{}, fmt.Errorf("matching: malformed pair %q", symbol)
	}
	return Pair{Symbol: symbol, Base: base, Quote: quote}, nil
}

func (p Pair) String() string { return p.Symbol }
