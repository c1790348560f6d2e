package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"pricewatcher/internal/alerting"
	"pricewatcher/internal/resolver"
	"pricewatcher/internal/storage"
)

const defaultOutageQueue = 64

// OutageOptions configure the outage notifier.
type OutageOptions struct {
	// FailureThreshold identifies the failure that first opens a circuit.
	// Escalations past it are not re-announced.
	FailureThreshold int
	Channels         []string
	QueueSize        int
	Now              func() time.Time
}

// OutageNotifier is a resolver.Observer that announces sources being
// disabled or recovering. Delivery happens on Run's goroutine so resolution
// never waits on Telegram or the database.
type OutageNotifier struct {
	notifier  alerting.Notifier
	events    storage.SourceEventStore
	channels  []string
	threshold int64
	now       func() time.Time
	queue     chan resolver.Transition
	logger    zerolog.Logger

	dropped   atomic.Int64
	delivered atomic.Int64
}

// NewOutageNotifier builds the observer. notifier and events may be nil.
func NewOutageNotifier(opts OutageOptions, notifier alerting.Notifier, events storage.SourceEventStore, logger zerolog.Logger) *OutageNotifier {
	threshold := opts.FailureThreshold
	if threshold <= 0 {
		threshold = resolver.DefaultFailureThreshold
	}
	size := opts.QueueSize
	if size <= 0 {
		size = defaultOutageQueue
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &OutageNotifier{
		notifier:  notifier,
		events:    events,
		channels:  opts.Channels,
		threshold: int64(threshold),
		now:       now,
		queue:     make(chan resolver.Transition, size),
		logger:    logger.With().Str("component", "outage_notifier").Logger(),
	}
}

func (o *OutageNotifier) SourceAttempt(string, time.Duration, error) {}

func (o *OutageNotifier) Resolved(string, resolver.ValueResult) {}

// SourceTransition queues first openings and recoveries. A full queue
// drops the event.
func (o *OutageNotifier) SourceTransition(tr resolver.Transition) {
	if !o.announces(tr) {
		return
	}
	select {
	case o.queue <- tr:
	default:
		o.dropped.Add(1)
		o.logger.Warn().Str("source", tr.Source).Msg("outage queue full; dropping notification")
	}
}

func (o *OutageNotifier) announces(tr resolver.Transition) bool {
	if tr.Recovered {
		return true
	}
	return tr.Disabled && tr.ConsecutiveFailures == o.threshold
}

// Run delivers queued transitions until ctx is cancelled, then flushes
// what is already queued with a short grace period.
func (o *OutageNotifier) Run(ctx context.Context) error {
	for {
		select {
		case tr := <-o.queue:
			o.deliverLogged(ctx, tr)
		case <-ctx.Done():
			o.flush()
			return nil
		}
	}
}

func (o *OutageNotifier) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case tr := <-o.queue:
			o.deliverLogged(ctx, tr)
		default:
			return
		}
	}
}

func (o *OutageNotifier) deliverLogged(ctx context.Context, tr resolver.Transition) {
	if err := o.Deliver(ctx, tr, alerting.KindDisabled); err != nil {
		o.logger.Error().Err(err).Str("source", tr.Source).Msg("failed to deliver outage notification")
	}
}

// Deliver records and sends one transition synchronously. kind is used
// unless the transition is a recovery.
func (o *OutageNotifier) Deliver(ctx context.Context, tr resolver.Transition, kind alerting.Kind) error {
	if tr.Recovered {
		kind = alerting.KindRecovered
	}
	at := o.now().UTC()

	var errs []error
	if o.events != nil {
		event := storage.SourceEvent{
			Source:              tr.Source,
			Kind:                storage.SourceEventKind(kind),
			ConsecutiveFailures: tr.ConsecutiveFailures,
			Channels:            o.channels,
		}
		if !tr.DisabledUntil.IsZero() {
			until := tr.DisabledUntil
			event.DisabledUntil = &until
		}
		if _, err := o.events.InsertSourceEvent(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("persist source event: %w", err))
		}
	}

	if o.notifier != nil {
		note := alerting.Notification{
			Source:              tr.Source,
			Kind:                kind,
			ConsecutiveFailures: tr.ConsecutiveFailures,
			DisabledUntil:       tr.DisabledUntil,
			At:                  at,
			Channels:            o.channels,
		}
		if err := o.notifier.Notify(ctx, note); err != nil {
			errs = append(errs, fmt.Errorf("notify: %w", err))
		}
	}

	if len(errs) == 0 {
		o.delivered.Add(1)
	}
	return errors.Join(errs...)
}

// Dropped counts notifications lost to a full queue.
func (o *OutageNotifier) Dropped() int64 { return o.dropped.Load() }

// Delivered counts notifications fully delivered.
func (o *OutageNotifier) Delivered() int64 { return o.delivered.Load() }

var _ resolver.Observer = (*OutageNotifier)(nil)
