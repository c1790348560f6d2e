// Package fetcher adapts external price providers to resolver.Source.
package fetcher

import (
	"github.com/shopspring/decimal"

	"pricewatcher/internal/resolver"
)

const (
	NameDexScreener = "dexscreener"
	NameJupiter     = "jupiter"
	NameBirdeye     = "birdeye"
	NameCoinGecko   = "coingecko"
	NameChainlink   = "chainlink"
	NameCow         = "cow"
)

// toValue converts a provider price into the float the resolver works
// with, rejecting values that are zero or negative.
func toValue(source string, price decimal.Decimal) (float64, error) {
	if !price.IsPositive() {
		return 0, NewValidationError(source, "price must be greater than zero, got "+price.String())
	}
	return price.InexactFloat64(), nil
}

var (
	_ resolver.Source = (*DexScreener)(nil)
	_ resolver.Source = (*Jupiter)(nil)
	_ resolver.Source = (*Birdeye)(nil)
	_ resolver.Source = (*CoinGecko)(nil)
	_ resolver.Source = (*Chainlink)(nil)
	_ resolver.Source = (*Cow)(nil)
)
