package resolver

import "context"

// Source is an independently failing provider of values. Fetch returns an
// error, or a non-positive value, when the attempt produced nothing usable.
type Source interface {
	Name() string
	Fetch(ctx context.Context, identifier string) (float64, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc struct {
	SourceName string
	Fn         func(ctx context.Context, identifier string) (float64, error)
}

// Name implements Source.
func (s SourceFunc) Name() string { return s.SourceName }

// Fetch implements Source.
func (s SourceFunc) Fetch(ctx context.Context, identifier string) (float64, error) {
	if s.Fn == nil {
		return 0, nil
	}
	return s.Fn(ctx, identifier)
}

var _ Source = SourceFunc{}
