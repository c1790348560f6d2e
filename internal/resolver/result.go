package resolver

import (
	"errors"
	"time"
)

const (
	// SourceNone tags a result that no source could produce.
	SourceNone = "none"
	// SourceStablecoin is the default tag of fixed-table results.
	SourceStablecoin = "stablecoin"
)

var (
	// ErrInvalidIdentifier is returned by Resolve for malformed identifiers.
	ErrInvalidIdentifier = errors.New("resolver: invalid identifier")
	// ErrDuplicateSource rejects a second registration under the same name.
	ErrDuplicateSource = errors.New("resolver: duplicate source name")
)

// ValueResult is the outcome of a single resolution.
type ValueResult struct {
	Value      float64   `json:"value"`
	Source     string    `json:"source"`
	ObservedAt time.Time `json:"observed_at"`
	FromCache  bool      `json:"from_cache"`
}

// IsResolved reports whether the result carries real data. A zero value
// with Source == SourceNone means "temporarily unavailable", not zero.
func (r ValueResult) IsResolved() bool {
	return r.Source != SourceNone
}

func unresolved(now time.Time) ValueResult {
	return ValueResult{Value: 0, Source: SourceNone, ObservedAt: now}
}
