package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	upsertPriceSampleSQL = `INSERT INTO price_samples (
        bucket_ts,
        identifier,
        value,
        source,
        from_cache,
        observed_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    )
    ON CONFLICT (identifier, bucket_ts) DO UPDATE
    SET
        value       = EXCLUDED.value,
        source      = EXCLUDED.source,
        from_cache  = EXCLUDED.from_cache,
        observed_at = EXCLUDED.observed_at;`

	sampleColumns = `bucket_ts,
        identifier,
        value::text,
        source,
        from_cache,
        observed_at,
        created_at`

	listSamplesBetweenSQL = `SELECT ` + sampleColumns + `
    FROM price_samples
    WHERE identifier = $1
      AND bucket_ts >= $2
      AND bucket_ts < $3
    ORDER BY bucket_ts;`

	listRecentSamplesSQL = `SELECT ` + sampleColumns + `
    FROM price_samples
    WHERE ($1 = '' OR identifier = $1)
    ORDER BY bucket_ts DESC, identifier
    LIMIT $2;`

	countSamplesSQL = `SELECT COUNT(*) FROM price_samples;`

	insertSourceEventSQL = `INSERT INTO source_events (
        source,
        kind,
        consecutive_failures,
        disabled_until,
        channels
    ) VALUES (
        $1,$2,$3,$4,$5
    )
    RETURNING id, created_at;`

	listRecentSourceEventsSQL = `SELECT
        id,
        source,
        kind,
        consecutive_failures,
        disabled_until,
        channels,
        created_at
    FROM source_events
    ORDER BY created_at DESC
    LIMIT $1;`

	deleteSourceEventsBeforeSQL = `DELETE FROM source_events WHERE created_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// PriceSampleStore persists resolved values.
type PriceSampleStore interface {
	UpsertPriceSamples(ctx context.Context, samples []PriceSample) error
	ListSamplesBetween(ctx context.Context, identifier string, from, to time.Time) ([]PriceSample, error)
	ListRecentSamples(ctx context.Context, identifier string, limit int) ([]PriceSample, error)
	CountSamples(ctx context.Context) (int64, error)
}

// SourceEventStore audits source health transitions.
type SourceEventStore interface {
	InsertSourceEvent(ctx context.Context, event SourceEvent) (SourceEvent, error)
	ListRecentSourceEvents(ctx context.Context, limit int) ([]SourceEvent, error)
	DeleteSourceEventsBefore(ctx context.Context, olderThan time.Time) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to price samples and source events.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// a failed unlock is released with the session
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// UpsertPriceSamples writes a bucket's samples in one batch.
func (s *Store) UpsertPriceSamples(ctx context.Context, samples []PriceSample) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, sample := range samples {
		batch.Queue(upsertPriceSampleSQL,
			sample.Bucket,
			sample.Identifier,
			sample.Value.String(),
			sample.Source,
			sample.FromCache,
			sample.ObservedAt,
		)
	}

	if err := pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert price samples: %w", err)
	}
	return nil
}

// ListSamplesBetween lists one identifier's samples within a time window.
func (s *Store) ListSamplesBetween(ctx context.Context, identifier string, from, to time.Time) ([]PriceSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSamplesBetweenSQL, identifier, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list samples between: %w", queryErr)
	}
	return collectSamples(rows, 0)
}

// ListRecentSamples lists the most recent samples, optionally for one
// identifier only.
func (s *Store) ListRecentSamples(ctx context.Context, identifier string, limit int) ([]PriceSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentSamplesSQL, identifier, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent samples: %w", queryErr)
	}
	return collectSamples(rows, limit)
}

// CountSamples counts stored samples.
func (s *Store) CountSamples(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countSamplesSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count samples: %w", scanErr)
	}
	return count, nil
}

// InsertSourceEvent records a health transition.
func (s *Store) InsertSourceEvent(ctx context.Context, event SourceEvent) (SourceEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return SourceEvent{}, err
	}

	channels := event.Channels
	if channels == nil {
		channels = []string{}
	}

	row := pool.QueryRow(ctx, insertSourceEventSQL,
		event.Source,
		string(event.Kind),
		event.ConsecutiveFailures,
		event.DisabledUntil,
		channels,
	)
	if scanErr := row.Scan(&event.ID, &event.CreatedAt); scanErr != nil {
		return SourceEvent{}, fmt.Errorf("insert source event: %w", scanErr)
	}
	return event, nil
}

// ListRecentSourceEvents lists the most recent transitions.
func (s *Store) ListRecentSourceEvents(ctx context.Context, limit int) ([]SourceEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentSourceEventsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent source events: %w", queryErr)
	}
	defer rows.Close()

	events := make([]SourceEvent, 0, limit)
	for rows.Next() {
		var (
			ev   SourceEvent
			kind string
		)
		if err := rows.Scan(
			&ev.ID,
			&ev.Source,
			&kind,
			&ev.ConsecutiveFailures,
			&ev.DisabledUntil,
			&ev.Channels,
			&ev.CreatedAt,
		); err != nil {
			return nil, err
		}
		ev.Kind = SourceEventKind(kind)
		events = append(events, ev)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return events, nil
}

// DeleteSourceEventsBefore prunes historical transitions.
func (s *Store) DeleteSourceEventsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteSourceEventsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete source events before: %w", execErr)
	}
	return nil
}

func collectSamples(rows pgx.Rows, capHint int) ([]PriceSample, error) {
	defer rows.Close()

	samples := make([]PriceSample, 0, capHint)
	for rows.Next() {
		sample, scanErr := scanPriceSample(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

func scanPriceSample(rows pgx.Rows) (PriceSample, error) {
	var (
		sample   PriceSample
		valueStr string
	)
	if err := rows.Scan(
		&sample.Bucket,
		&sample.Identifier,
		&valueStr,
		&sample.Source,
		&sample.FromCache,
		&sample.ObservedAt,
		&sample.CreatedAt,
	); err != nil {
		return PriceSample{}, err
	}

	value, err := decimal.NewFromString(valueStr)
	if err != nil {
		return PriceSample{}, fmt.Errorf("parse sample value: %w", err)
	}
	sample.Value = value
	return sample, nil
}

var (
	_ PriceSampleStore = (*Store)(nil)
	_ SourceEventStore = (*Store)(nil)
	_ AdvisoryLocker   = (*Store)(nil)
)
