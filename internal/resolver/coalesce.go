package resolver

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultFlightTimeout bounds a shared resolution when NewCoalescer is
// given no timeout.
const DefaultFlightTimeout = time.Minute

// ValueResolver is satisfied by Resolver and Coalescer.
type ValueResolver interface {
	Resolve(ctx context.Context, identifier string) (ValueResult, error)
}

// Coalescer sits in front of a resolver and collapses concurrent calls for
// the same identifier into one. The shared call runs detached from every
// caller's cancellation, bounded by its own timeout; a caller that gives
// up gets the "none" sentinel while the others keep waiting.
type Coalescer struct {
	next    ValueResolver
	timeout time.Duration
	group   singleflight.Group
	shared  atomic.Int64
}

// NewCoalescer wraps next. timeout bounds each shared resolution.
func NewCoalescer(next ValueResolver, timeout time.Duration) *Coalescer {
	if timeout <= 0 {
		timeout = DefaultFlightTimeout
	}
	return &Coalescer{next: next, timeout: timeout}
}

// Resolve implements ValueResolver.
func (c *Coalescer) Resolve(ctx context.Context, identifier string) (ValueResult, error) {
	if err := validateIdentifier(identifier); err != nil {
		return ValueResult{}, err
	}

	ch := c.group.DoChan(identifier, func() (any, error) {
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		return c.next.Resolve(flightCtx, identifier)
	})

	select {
	case res := <-ch:
		if res.Shared {
			c.shared.Add(1)
		}
		if res.Err != nil {
			return ValueResult{}, res.Err
		}
		return res.Val.(ValueResult), nil
	case <-ctx.Done():
		return unresolved(time.Now()), nil
	}
}

// Shared counts calls whose result was delivered to more than one caller.
func (c *Coalescer) Shared() int64 {
	return c.shared.Load()
}

var (
	_ ValueResolver = (*Coalescer)(nil)
	_ ValueResolver = (*Resolver)(nil)
)
