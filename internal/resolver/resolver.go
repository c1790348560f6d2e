package resolver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultCacheTTL         = 30 * time.Second
	DefaultMaxCacheSize     = 1000
	DefaultFailureThreshold = 5
	DefaultBaseBackoff      = 30 * time.Second
	DefaultMaxBackoff       = 300 * time.Second
	DefaultRequestTimeout   = 10 * time.Second
)

var errNotPositive = errors.New("source returned a non-positive value")

// Options parameterise a Resolver. Zero values take the package defaults.
type Options struct {
	CacheTTL         time.Duration
	MaxCacheSize     int
	FailureThreshold int
	BaseBackoff      time.Duration
	MaxBackoff       time.Duration
	// RequestTimeout bounds every single source call.
	RequestTimeout time.Duration
	// Fixed defaults to DefaultStablecoins when nil.
	Fixed    *FixedTable
	Now      func() time.Time
	Observer Observer
}

// Resolver answers value lookups from a fixed table, a TTL cache and an
// ordered set of unreliable sources.
type Resolver struct {
	logger   zerolog.Logger
	now      func() time.Time
	timeout  time.Duration
	fixed    *FixedTable
	cache    *Cache
	tracker  *Tracker
	observer Observer
	rank     ranking

	mu       sync.RWMutex
	sources  []Source
	names    map[string]struct{}
	pinned   map[string]Source
	registry uint64
}

// New constructs a Resolver with no sources registered.
func New(opts Options, logger zerolog.Logger) *Resolver {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	fixed := opts.Fixed
	if fixed == nil {
		fixed = DefaultStablecoins()
	}
	var observer Observer = nopObserver{}
	if opts.Observer != nil {
		observer = opts.Observer
	}

	return &Resolver{
		logger:  logger.With().Str("component", "resolver").Logger(),
		now:     now,
		timeout: timeout,
		fixed:   fixed,
		cache:   NewCache(opts.CacheTTL, opts.MaxCacheSize, now),
		tracker: NewTracker(BackoffPolicy{
			FailureThreshold: opts.FailureThreshold,
			BaseBackoff:      opts.BaseBackoff,
			MaxBackoff:       opts.MaxBackoff,
		}, now),
		observer: observer,
		names:    make(map[string]struct{}),
		pinned:   make(map[string]Source),
	}
}

// Register appends sources to the general list. Registration order breaks
// ranking ties.
func (r *Resolver) Register(sources ...Source) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make([]Source, len(r.sources), len(r.sources)+len(sources))
	copy(next, r.sources)
	for _, src := range sources {
		name := src.Name()
		if name == "" || name == SourceNone {
			return fmt.Errorf("resolver: invalid source name %q", name)
		}
		if _, dup := r.names[name]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateSource, name)
		}
		r.names[name] = struct{}{}
		next = append(next, src)
		r.tracker.Touch(name)
	}

	r.sources = next
	r.registry++
	r.rank.invalidate()
	return nil
}

// Pin dedicates src to identifier. It is tried once before the general
// list and skipped during the general scan of that identifier. A pinned
// source sharing a name with a general source shares its health record.
func (r *Resolver) Pin(identifier string, src Source) error {
	if err := validateIdentifier(identifier); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.pinned[identifier]; ok {
		return fmt.Errorf("resolver: %s already pinned to %s", identifier, existing.Name())
	}
	r.pinned[identifier] = src
	r.tracker.Touch(src.Name())
	return nil
}

// Sources lists the general sources in registration order.
func (r *Resolver) Sources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.sources))
	for i, src := range r.sources {
		names[i] = src.Name()
	}
	return names
}

// Order returns the current candidate order of the general sources.
func (r *Resolver) Order() []string {
	r.mu.RLock()
	sources, registry := r.sources, r.registry
	r.mu.RUnlock()

	ordered := r.rank.ordered(r.tracker, sources, registry)
	names := make([]string, len(ordered))
	for i, src := range ordered {
		names[i] = src.Name()
	}
	return names
}

// Resolve returns the current value of identifier. Source failures never
// surface as errors: when nothing answers, the result is the "none"
// sentinel with a zero value. The only error is ErrInvalidIdentifier.
func (r *Resolver) Resolve(ctx context.Context, identifier string) (ValueResult, error) {
	if err := validateIdentifier(identifier); err != nil {
		return ValueResult{}, err
	}

	if v, ok := r.fixed.Lookup(identifier); ok {
		return ValueResult{Value: v, Source: r.fixed.Tag(), ObservedAt: r.now()}, nil
	}

	if cached, ok := r.cache.Get(identifier); ok {
		r.observer.Resolved(identifier, cached)
		return cached, nil
	}

	r.mu.RLock()
	pinned := r.pinned[identifier]
	sources, registry := r.sources, r.registry
	r.mu.RUnlock()

	if pinned != nil {
		if res, ok := r.attempt(ctx, pinned, identifier); ok {
			return res, nil
		}
	}

	for _, src := range r.rank.ordered(r.tracker, sources, registry) {
		if ctx.Err() != nil {
			break
		}
		name := src.Name()
		if pinned != nil && name == pinned.Name() {
			continue
		}
		if !r.tracker.Available(name) {
			r.logger.Debug().Str("source", name).Str("identifier", identifier).Msg("source disabled; skipping")
			continue
		}
		if res, ok := r.attempt(ctx, src, identifier); ok {
			return res, nil
		}
	}

	res := unresolved(r.now())
	if err := ctx.Err(); err != nil {
		r.logger.Debug().Str("identifier", identifier).Err(err).Msg("resolution abandoned by caller")
		return res, nil
	}
	r.logger.Warn().Str("identifier", identifier).Msg("all sources failed")
	r.observer.Resolved(identifier, res)
	return res, nil
}

// Price is Resolve reduced to the value; unresolvable identifiers yield 0.
func (r *Resolver) Price(ctx context.Context, identifier string) float64 {
	res, err := r.Resolve(ctx, identifier)
	if err != nil {
		return 0
	}
	return res.Value
}

func (r *Resolver) attempt(ctx context.Context, src Source, identifier string) (ValueResult, bool) {
	name := src.Name()

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	start := time.Now()
	value, err := safeFetch(callCtx, src, identifier)
	elapsed := time.Since(start)
	cancel()

	if err == nil && (!(value > 0) || math.IsInf(value, 1)) {
		err = fmt.Errorf("%w: %v", errNotPositive, value)
	}
	r.observer.SourceAttempt(name, elapsed, err)

	if err != nil {
		if ctx.Err() != nil {
			// the caller gave up; the source is not to blame
			r.logger.Debug().Str("source", name).Str("identifier", identifier).Err(ctx.Err()).Msg("resolution cancelled")
			return ValueResult{}, false
		}
		r.recordFailure(name, identifier, err)
		return ValueResult{}, false
	}

	res := ValueResult{Value: value, Source: name, ObservedAt: r.now()}
	r.cache.Put(identifier, res)

	tr := r.tracker.RecordSuccess(name)
	if tr.Recovered {
		r.logger.Info().Str("source", name).Msg("source recovered")
		r.observer.SourceTransition(tr)
	}
	r.observer.Resolved(identifier, res)
	return res, true
}

func (r *Resolver) recordFailure(name, identifier string, err error) {
	tr := r.tracker.RecordFailure(name)

	r.logger.Debug().Str("source", name).
		Str("identifier", identifier).
		Int64("consecutive_failures", tr.ConsecutiveFailures).
		Err(err).
		Msg("source attempt failed")

	if tr.Disabled {
		r.logger.Warn().Str("source", name).
			Int64("consecutive_failures", tr.ConsecutiveFailures).
			Time("disabled_until", tr.DisabledUntil).
			Msg("source disabled")
		r.observer.SourceTransition(tr)
	}
}

func safeFetch(ctx context.Context, src Source, identifier string) (value float64, err error) {
	defer func() {
		if p := recover(); p != nil {
			value, err = 0, fmt.Errorf("source %s panicked: %v", src.Name(), p)
		}
	}()
	return src.Fetch(ctx, identifier)
}

// HealthStatus reports every known source without mutating state.
func (r *Resolver) HealthStatus() map[string]SourceStatus {
	return r.tracker.Snapshot()
}

// IsHealthy reports the health of a single source.
func (r *Resolver) IsHealthy(source string) bool {
	return r.tracker.IsHealthy(source)
}

// Invalidate drops identifier from the cache.
func (r *Resolver) Invalidate(identifier string) {
	r.cache.Invalidate(identifier)
}

// ClearCache drops every cached value.
func (r *Resolver) ClearCache() {
	r.cache.Clear()
}

// CacheStats reports cache counters.
func (r *Resolver) CacheStats() CacheStats {
	return r.cache.Stats()
}
