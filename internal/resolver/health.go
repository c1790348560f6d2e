package resolver

import (
	"sync"
	"time"
)

// BackoffPolicy controls when a source is disabled and for how long.
type BackoffPolicy struct {
	FailureThreshold int
	BaseBackoff      time.Duration
	MaxBackoff       time.Duration
}

func (p BackoffPolicy) withDefaults() BackoffPolicy {
	if p.FailureThreshold <= 0 {
		p.FailureThreshold = DefaultFailureThreshold
	}
	if p.BaseBackoff <= 0 {
		p.BaseBackoff = DefaultBaseBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = DefaultMaxBackoff
	}
	if p.MaxBackoff < p.BaseBackoff {
		p.MaxBackoff = p.BaseBackoff
	}
	return p
}

// Backoff returns the disable window after the given number of
// consecutive failures: base * 2^(failures-threshold), capped at max.
func (p BackoffPolicy) Backoff(consecutiveFailures int64) time.Duration {
	p = p.withDefaults()
	exp := consecutiveFailures - int64(p.FailureThreshold)
	if exp < 0 {
		exp = 0
	}

	d := p.BaseBackoff
	for i := int64(0); i < exp; i++ {
		d *= 2
		if d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// SourceHealth is the lifetime record of one source.
type SourceHealth struct {
	Name                string
	SuccessCount        int64
	FailureCount        int64
	ConsecutiveFailures int64
	LastSuccessAt       time.Time
	LastFailureAt       time.Time
	DisabledUntil       *time.Time
}

// SourceStatus is the dashboard view of a source.
type SourceStatus struct {
	Healthy             bool       `json:"healthy"`
	SuccessCount        int64      `json:"success_count"`
	FailureCount        int64      `json:"failure_count"`
	ConsecutiveFailures int64      `json:"consecutive_failures"`
	DisabledUntil       *time.Time `json:"disabled_until,omitempty"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
}

// Transition describes the state change caused by a recorded outcome.
type Transition struct {
	Source              string
	ConsecutiveFailures int64
	// Disabled is set when the failure opened (or extended) the circuit.
	Disabled      bool
	DisabledUntil time.Time
	// Recovered is set when a success closed an open circuit.
	Recovered bool
}

// Tracker holds per-source health. Records are created lazily on first
// reference.
type Tracker struct {
	mu      sync.Mutex
	policy  BackoffPolicy
	now     func() time.Time
	sources map[string]*SourceHealth
	version uint64
}

// NewTracker builds a health tracker.
func NewTracker(policy BackoffPolicy, now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		policy:  policy.withDefaults(),
		now:     now,
		sources: make(map[string]*SourceHealth),
	}
}

// Policy returns the effective backoff policy.
func (t *Tracker) Policy() BackoffPolicy {
	return t.policy
}

func (t *Tracker) recordLocked(name string) *SourceHealth {
	h, ok := t.sources[name]
	if !ok {
		h = &SourceHealth{Name: name}
		t.sources[name] = h
	}
	return h
}

// Touch creates the record for name if it does not exist yet.
func (t *Tracker) Touch(name string) {
	t.mu.Lock()
	t.recordLocked(name)
	t.mu.Unlock()
}

// RecordSuccess closes the circuit of name and bumps its counters.
func (t *Tracker) RecordSuccess(name string) Transition {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := t.recordLocked(name)
	wasOpen := h.DisabledUntil != nil || h.ConsecutiveFailures >= int64(t.policy.FailureThreshold)

	h.SuccessCount++
	h.ConsecutiveFailures = 0
	h.DisabledUntil = nil
	h.LastSuccessAt = t.now()
	t.version++

	return Transition{Source: name, Recovered: wasOpen}
}

// RecordFailure bumps the failure counters of name and opens its circuit
// once the threshold is reached.
func (t *Tracker) RecordFailure(name string) Transition {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	h := t.recordLocked(name)
	h.FailureCount++
	h.ConsecutiveFailures++
	h.LastFailureAt = now
	t.version++

	tr := Transition{Source: name, ConsecutiveFailures: h.ConsecutiveFailures}
	if h.ConsecutiveFailures >= int64(t.policy.FailureThreshold) {
		until := now.Add(t.policy.Backoff(h.ConsecutiveFailures))
		h.DisabledUntil = &until
		tr.Disabled = true
		tr.DisabledUntil = until
	}
	return tr
}

// IsHealthy reports whether name has no open circuit and is below the
// failure threshold. Unknown sources are healthy.
func (t *Tracker) IsHealthy(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.sources[name]
	if !ok {
		return true
	}
	return t.healthyLocked(h, t.now())
}

// Available reports whether calls to name are allowed right now: its
// circuit is closed or the disable window has lapsed.
func (t *Tracker) Available(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.sources[name]
	if !ok {
		return true
	}
	return windowLapsed(h, t.now())
}

func (t *Tracker) healthyLocked(h *SourceHealth, now time.Time) bool {
	return windowLapsed(h, now) && h.ConsecutiveFailures < int64(t.policy.FailureThreshold)
}

func windowLapsed(h *SourceHealth, now time.Time) bool {
	return h.DisabledUntil == nil || !now.Before(*h.DisabledUntil)
}

// Get returns a copy of the record for name.
func (t *Tracker) Get(name string) (SourceHealth, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.sources[name]
	if !ok {
		return SourceHealth{Name: name}, false
	}
	cp := *h
	if h.DisabledUntil != nil {
		until := *h.DisabledUntil
		cp.DisabledUntil = &until
	}
	return cp, true
}

// Version changes on every recorded outcome.
func (t *Tracker) Version() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.version
}

// Snapshot returns the status of every known source without mutating it.
func (t *Tracker) Snapshot() map[string]SourceStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	out := make(map[string]SourceStatus, len(t.sources))
	for name, h := range t.sources {
		st := SourceStatus{
			Healthy:             t.healthyLocked(h, now),
			SuccessCount:        h.SuccessCount,
			FailureCount:        h.FailureCount,
			ConsecutiveFailures: h.ConsecutiveFailures,
		}
		if h.DisabledUntil != nil {
			until := *h.DisabledUntil
			st.DisabledUntil = &until
		}
		if !h.LastSuccessAt.IsZero() {
			ts := h.LastSuccessAt
			st.LastSuccessAt = &ts
		}
		if !h.LastFailureAt.IsZero() {
			ts := h.LastFailureAt
			st.LastFailureAt = &ts
		}
		out[name] = st
	}
	return out
}

// rankView is the slice of state the ranking needs, read under one lock.
type rankView struct {
	healthy      bool
	successCount int64
}

func (t *Tracker) rankViews(names []string) (map[string]rankView, uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	views := make(map[string]rankView, len(names))
	for _, name := range names {
		h, ok := t.sources[name]
		if !ok {
			views[name] = rankView{healthy: true}
			continue
		}
		views[name] = rankView{healthy: t.healthyLocked(h, now), successCount: h.SuccessCount}
	}
	return views, t.version
}
