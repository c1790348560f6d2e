package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"pricewatcher/internal/resolver"
	"pricewatcher/internal/scheduler"
	"pricewatcher/internal/storage"
)

// Options configure the watch loop.
type Options struct {
	Identifiers []string
	Workers     int
	LockKey     int64
}

// Outcome is the resolution of one identifier within a bucket.
type Outcome struct {
	Identifier string
	Result     resolver.ValueResult
	Err        error
}

// Service resolves the watched identifiers on every scheduler tick and
// persists what resolved.
type Service struct {
	scheduler *scheduler.Scheduler
	resolver  resolver.ValueResolver
	store     storage.PriceSampleStore
	locker    storage.AdvisoryLocker
	logger    zerolog.Logger

	identifiers []string
	workers     int
	lockKey     int64
}

// New constructs the watch service. store may be nil.
func New(opts Options, sched *scheduler.Scheduler, res resolver.ValueResolver, store storage.PriceSampleStore, logger zerolog.Logger) *Service {
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}

	var locker storage.AdvisoryLocker
	if l, ok := store.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		scheduler:   sched,
		resolver:    res,
		store:       store,
		locker:      locker,
		logger:      logger.With().Str("component", "service").Logger(),
		identifiers: append([]string(nil), opts.Identifiers...),
		workers:     workers,
		lockKey:     opts.LockKey,
	}
}

// Run begins the polling loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	if len(s.identifiers) == 0 {
		return fmt.Errorf("no identifiers to watch")
	}
	return s.scheduler.Run(ctx, s.ProcessBucket)
}

// ProcessBucket 执行单个时间桶的采样逻辑。
func (s *Service) ProcessBucket(ctx context.Context, bucket time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("bucket", bucket).Msg("skip bucket because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	outcomes, err := s.ResolveAll(ctx, s.identifiers)
	if err != nil {
		return err
	}

	samples := make([]storage.PriceSample, 0, len(outcomes))
	unresolved := 0
	for _, out := range outcomes {
		switch {
		case out.Err != nil:
			s.logger.Error().Err(out.Err).Str("identifier", out.Identifier).Msg("identifier rejected")
		case !out.Result.IsResolved():
			unresolved++
			s.logger.Warn().Time("bucket", bucket).Str("identifier", out.Identifier).Msg("identifier unresolved")
		default:
			samples = append(samples, toSample(bucket, out))
		}
	}

	if s.store != nil && len(samples) > 0 {
		if err := s.store.UpsertPriceSamples(ctx, samples); err != nil {
			s.logger.Error().Err(err).Time("bucket", bucket).Msg("failed to upsert samples")
		}
	}

	s.logger.Info().Time("bucket", bucket).
		Int("resolved", len(samples)).
		Int("unresolved", unresolved).
		Msg("bucket recorded")
	return nil
}

// ResolveAll resolves identifiers concurrently with at most Workers calls
// in flight. Outcomes are sorted by identifier.
func (s *Service) ResolveAll(ctx context.Context, identifiers []string) ([]Outcome, error) {
	outcomes := make([]Outcome, len(identifiers))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, id := range identifiers {
		i, id := i, id
		g.Go(func() error {
			res, err := s.resolver.Resolve(gctx, id)
			outcomes[i] = Outcome{Identifier: id, Result: res, Err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(outcomes, func(i, j int) bool {
		return outcomes[i].Identifier < outcomes[j].Identifier
	})
	return outcomes, nil
}

func toSample(bucket time.Time, out Outcome) storage.PriceSample {
	return storage.PriceSample{
		Bucket:     bucket,
		Identifier: out.Identifier,
		Value:      decimal.NewFromFloat(out.Result.Value),
		Source:     out.Result.Source,
		FromCache:  out.Result.FromCache,
		ObservedAt: out.Result.ObservedAt,
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
