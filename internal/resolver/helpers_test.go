package resolver

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var errBoom = errors.New("boom")

// stubSource returns a fixed value or error and counts invocations.
type stubSource struct {
	name  string
	value float64
	err   error
	calls atomic.Int64
	order *[]string
	mu    *sync.Mutex
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) Fetch(ctx context.Context, identifier string) (float64, error) {
	s.calls.Add(1)
	if s.order != nil {
		s.mu.Lock()
		*s.order = append(*s.order, s.name)
		s.mu.Unlock()
	}
	return s.value, s.err
}

func okSource(name string, v float64) *stubSource { return &stubSource{name: name, value: v} }

func failingSource(name string) *stubSource { return &stubSource{name: name, err: errBoom} }

func newTestResolver(clock *fakeClock, opts Options) *Resolver {
	opts.Now = clock.Now
	return New(opts, zerolog.Nop())
}
