package resolver

import (
	"fmt"
	"math"
	"strings"
)

const (
	usdcMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	usdtMint = "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB"
)

// FixedTable maps identifiers to constant values consulted before any
// network activity. It is read-only after construction.
type FixedTable struct {
	tag    string
	values map[string]float64
}

// NewFixedTable validates and copies values. An empty tag defaults to
// SourceStablecoin.
func NewFixedTable(tag string, values map[string]float64) (*FixedTable, error) {
	if strings.TrimSpace(tag) == "" {
		tag = SourceStablecoin
	}

	copied := make(map[string]float64, len(values))
	for id, v := range values {
		if err := validateIdentifier(id); err != nil {
			return nil, fmt.Errorf("fixed value table: %w", err)
		}
		if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("fixed value table: value for %s must be a positive finite number, got %v", id, v)
		}
		copied[id] = v
	}

	return &FixedTable{tag: tag, values: copied}, nil
}

// DefaultStablecoins pins USDC and USDT on Solana to 1.0.
func DefaultStablecoins() *FixedTable {
	return &FixedTable{
		tag: SourceStablecoin,
		values: map[string]float64{
			usdcMint: 1.0,
			usdtMint: 1.0,
		},
	}
}

// Lookup returns the fixed value for id.
func (t *FixedTable) Lookup(id string) (float64, bool) {
	if t == nil {
		return 0, false
	}
	v, ok := t.values[id]
	return v, ok
}

// Tag is the source name reported for fixed results.
func (t *FixedTable) Tag() string {
	if t == nil {
		return SourceStablecoin
	}
	return t.tag
}

// Len returns the number of fixed identifiers.
func (t *FixedTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.values)
}

func validateIdentifier(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidIdentifier)
	}
	if strings.IndexFunc(id, isSpace) >= 0 {
		return fmt.Errorf("%w: %q contains whitespace", ErrInvalidIdentifier, id)
	}
	return nil
}

func isSpace(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\r', '\v', '\f':
		return true
	}
	return false
}
