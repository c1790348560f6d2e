package resolver

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const (
	rayMint = "4k3Dyjzvzp8eMZWUXbBCjEvwSkkk59S5iCNLY3QrkX6R"
	solMint = "So11111111111111111111111111111111111111112"
)

func TestResolveFixedValueSkipsSources(t *testing.T) {
	clock := newFakeClock()
	r := newTestResolver(clock, Options{})
	src := okSource("jupiter", 2)
	if err := r.Register(src); err != nil {
		t.Fatal(err)
	}

	for _, mint := range []string{usdcMint, usdtMint} {
		res, err := r.Resolve(context.Background(), mint)
		if err != nil {
			t.Fatalf("resolve %s: %v", mint, err)
		}
		if res.Value != 1.0 || res.Source != SourceStablecoin || res.FromCache {
			t.Fatalf("unexpected stablecoin result %+v", res)
		}
	}
	if src.calls.Load() != 0 {
		t.Fatal("fixed values must not touch sources")
	}
	if r.cache.Contains(usdcMint) {
		t.Fatal("fixed values must not be cached")
	}
	if h, _ := r.tracker.Get("jupiter"); h.SuccessCount != 0 || h.FailureCount != 0 {
		t.Fatal("fixed values must not touch health state")
	}
}

func TestResolveFixedValueIgnoresDisabledSources(t *testing.T) {
	clock := newFakeClock()
	fixed, err := NewFixedTable("peg", map[string]float64{"USDX": 0.5})
	if err != nil {
		t.Fatal(err)
	}
	r := newTestResolver(clock, Options{Fixed: fixed})
	a := failingSource("a")
	_ = r.Register(a)
	for i := 0; i < 6; i++ {
		r.tracker.RecordFailure("a")
	}

	res, _ := r.Resolve(context.Background(), "USDX")
	if res.Value != 0.5 || res.Source != "peg" {
		t.Fatalf("unexpected fixed result %+v", res)
	}
	if a.calls.Load() != 0 {
		t.Fatal("source invoked for fixed identifier")
	}
}

func TestResolveServesCacheWithinTTL(t *testing.T) {
	clock := newFakeClock()
	r := newTestResolver(clock, Options{CacheTTL: 30 * time.Second})
	src := okSource("dexscreener", 1.23)
	_ = r.Register(src)

	first, _ := r.Resolve(context.Background(), rayMint)
	if first.FromCache || first.Value != 1.23 {
		t.Fatalf("unexpected first result %+v", first)
	}

	clock.Advance(10 * time.Second)
	second, _ := r.Resolve(context.Background(), rayMint)
	if !second.FromCache || second.Value != first.Value || second.Source != "dexscreener" {
		t.Fatalf("expected cached result, got %+v", second)
	}
	if src.calls.Load() != 1 {
		t.Fatalf("cache hit must not invoke sources, calls=%d", src.calls.Load())
	}

	clock.Advance(21 * time.Second)
	third, _ := r.Resolve(context.Background(), rayMint)
	if third.FromCache {
		t.Fatal("entry older than ttl served from cache")
	}
	if src.calls.Load() != 2 {
		t.Fatalf("expected a fresh fetch after ttl, calls=%d", src.calls.Load())
	}
}

func TestResolveFirstSuccessWins(t *testing.T) {
	clock := newFakeClock()
	r := newTestResolver(clock, Options{})
	a, b, c := failingSource("A"), okSource("B", 42.0), okSource("C", 7)
	_ = r.Register(a, b, c)

	res, err := r.Resolve(context.Background(), rayMint)
	if err != nil {
		t.Fatal(err)
	}
	if res.Value != 42.0 || res.Source != "B" || res.FromCache {
		t.Fatalf("unexpected result %+v", res)
	}
	if c.calls.Load() != 0 {
		t.Fatal("C must not be invoked after B succeeded")
	}

	ha, _ := r.tracker.Get("A")
	hb, _ := r.tracker.Get("B")
	if ha.ConsecutiveFailures != 1 || hb.ConsecutiveFailures != 0 || hb.SuccessCount != 1 {
		t.Fatalf("unexpected health A=%+v B=%+v", ha, hb)
	}
}

func TestResolveAllSourcesFail(t *testing.T) {
	clock := newFakeClock()
	r := newTestResolver(clock, Options{})
	a, b, c := failingSource("A"), failingSource("B"), failingSource("C")
	_ = r.Register(a, b, c)

	res, err := r.Resolve(context.Background(), rayMint)
	if err != nil {
		t.Fatalf("total failure must not be an error: %v", err)
	}
	if res.Value != 0 || res.Source != SourceNone || res.FromCache || res.IsResolved() {
		t.Fatalf("expected sentinel, got %+v", res)
	}
	for _, name := range []string{"A", "B", "C"} {
		if h, _ := r.tracker.Get(name); h.FailureCount != 1 {
			t.Fatalf("%s failure count = %d, want 1", name, h.FailureCount)
		}
	}
	if r.cache.Contains(rayMint) {
		t.Fatal("sentinel must not be cached")
	}
}

func TestResolveTreatsNonPositiveAsFailure(t *testing.T) {
	clock := newFakeClock()
	r := newTestResolver(clock, Options{})
	zero, negative, good := okSource("zero", 0), okSource("negative", -1.5), okSource("good", 3)
	_ = r.Register(zero, negative, good)

	res, _ := r.Resolve(context.Background(), rayMint)
	if res.Source != "good" {
		t.Fatalf("expected good source to answer, got %+v", res)
	}
	for _, name := range []string{"zero", "negative"} {
		if h, _ := r.tracker.Get(name); h.FailureCount != 1 {
			t.Fatalf("%s should record a failure", name)
		}
	}
}

func TestResolveDisabledSourceExcludedForWindow(t *testing.T) {
	clock := newFakeClock()
	r := newTestResolver(clock, Options{})
	s := failingSource("S")
	_ = r.Register(s)

	for i := 0; i < 5; i++ {
		_, _ = r.Resolve(context.Background(), rayMint)
	}
	if r.IsHealthy("S") {
		t.Fatal("S should be unhealthy after five consecutive failures")
	}
	calls := s.calls.Load()

	backup := okSource("backup", 1)
	_ = r.Register(backup)

	clock.Advance(29 * time.Second)
	res, _ := r.Resolve(context.Background(), rayMint)
	if res.Source != "backup" {
		t.Fatalf("expected backup to answer, got %+v", res)
	}
	if s.calls.Load() != calls {
		t.Fatal("disabled source invoked inside its window")
	}

	// window lapsed; the trial call happens after healthy sources fail
	backup.err = errBoom
	clock.Advance(2 * time.Second)
	r.Invalidate(rayMint)
	_, _ = r.Resolve(context.Background(), rayMint)
	if s.calls.Load() != calls+1 {
		t.Fatal("source should get a trial call once its window lapsed")
	}
	h, _ := r.tracker.Get("S")
	if h.ConsecutiveFailures != 6 || h.DisabledUntil.Sub(clock.Now()) != 60*time.Second {
		t.Fatalf("failed trial should escalate backoff, got %+v", h)
	}
}

func TestResolveSuccessRestoresHealth(t *testing.T) {
	clock := newFakeClock()
	r := newTestResolver(clock, Options{})
	s := failingSource("S")
	_ = r.Register(s)

	for i := 0; i < 5; i++ {
		_, _ = r.Resolve(context.Background(), rayMint)
	}
	clock.Advance(30 * time.Second)

	s.err = nil
	s.value = 9
	res, _ := r.Resolve(context.Background(), rayMint)
	if res.Source != "S" {
		t.Fatalf("recovered source should answer, got %+v", res)
	}
	if !r.IsHealthy("S") {
		t.Fatal("single success must restore health")
	}
	if st := r.HealthStatus()["S"]; st.ConsecutiveFailures != 0 || st.DisabledUntil != nil {
		t.Fatalf("unexpected status after recovery %+v", st)
	}
}

func TestResolveOrdersHealthyFirst(t *testing.T) {
	clock := newFakeClock()
	r := newTestResolver(clock, Options{})
	dex, jup := okSource("dexscreener", 2), okSource("jupiter", 1.5)
	_ = r.Register(dex, jup)

	for i := 0; i < 5; i++ {
		r.tracker.RecordFailure("dexscreener")
	}
	clock.Advance(31 * time.Second) // window lapsed, still below healthy tier

	if order := r.Order(); order[0] != "jupiter" || order[1] != "dexscreener" {
		t.Fatalf("unexpected order %v", order)
	}
	res, _ := r.Resolve(context.Background(), rayMint)
	if res.Source != "jupiter" || dex.calls.Load() != 0 {
		t.Fatalf("healthy source should be tried first, got %+v", res)
	}
}

func TestResolveOrdersBySuccessCount(t *testing.T) {
	clock := newFakeClock()
	r := newTestResolver(clock, Options{})
	var (
		mu    sync.Mutex
		order []string
	)
	dex := &stubSource{name: "dexscreener", value: 1, order: &order, mu: &mu}
	jup := &stubSource{name: "jupiter", value: 2, order: &order, mu: &mu}
	_ = r.Register(dex, jup)

	for i := 0; i < 10; i++ {
		r.tracker.RecordSuccess("dexscreener")
	}
	for i := 0; i < 100; i++ {
		r.tracker.RecordSuccess("jupiter")
	}

	_, _ = r.Resolve(context.Background(), "test_mint")
	if len(order) == 0 || order[0] != "jupiter" {
		t.Fatalf("jupiter should be called first, got %v", order)
	}
}

func TestResolveTieKeepsRegistrationOrder(t *testing.T) {
	r := newTestResolver(newFakeClock(), Options{})
	_ = r.Register(okSource("c", 1), okSource("a", 1), okSource("b", 1))

	order := r.Order()
	if order[0] != "c" || order[1] != "a" || order[2] != "b" {
		t.Fatalf("ties should keep registration order, got %v", order)
	}
}

func TestResolvePinnedSource(t *testing.T) {
	clock := newFakeClock()
	r := newTestResolver(clock, Options{})
	coingecko := okSource("coingecko", 180.5)
	dex := okSource("dexscreener", 170)
	_ = r.Register(dex)
	if err := r.Pin(solMint, coingecko); err != nil {
		t.Fatal(err)
	}

	res, _ := r.Resolve(context.Background(), solMint)
	if res.Value != 180.5 || res.Source != "coingecko" {
		t.Fatalf("pinned source should answer, got %+v", res)
	}
	if dex.calls.Load() != 0 {
		t.Fatal("general list must not be scanned when pinned source succeeds")
	}
	if !r.cache.Contains(solMint) {
		t.Fatal("pinned result should be cached")
	}
}

func TestResolvePinnedFailureFallsThrough(t *testing.T) {
	clock := newFakeClock()
	r := newTestResolver(clock, Options{})
	coingecko := failingSource("coingecko")
	dex := okSource("dexscreener", 170)
	_ = r.Register(coingecko, dex)
	_ = r.Pin(solMint, coingecko)

	res, _ := r.Resolve(context.Background(), solMint)
	if res.Source != "dexscreener" {
		t.Fatalf("expected fallback to general list, got %+v", res)
	}
	if coingecko.calls.Load() != 1 {
		t.Fatalf("pinned source should be tried exactly once, calls=%d", coingecko.calls.Load())
	}
	if h, _ := r.tracker.Get("coingecko"); h.ConsecutiveFailures != 1 {
		t.Fatalf("pinned failure not recorded: %+v", h)
	}
}

func TestResolveInvalidIdentifier(t *testing.T) {
	r := newTestResolver(newFakeClock(), Options{})
	src := okSource("a", 1)
	_ = r.Register(src)

	for _, id := range []string{"", "with space", "tab\tbed"} {
		if _, err := r.Resolve(context.Background(), id); !errors.Is(err, ErrInvalidIdentifier) {
			t.Fatalf("%q: expected ErrInvalidIdentifier, got %v", id, err)
		}
	}
	if src.calls.Load() != 0 {
		t.Fatal("invalid identifiers must not reach sources")
	}
}

func TestResolveRecoversPanickingSource(t *testing.T) {
	r := newTestResolver(newFakeClock(), Options{})
	panicky := SourceFunc{SourceName: "panicky", Fn: func(ctx context.Context, id string) (float64, error) {
		panic("adapter bug")
	}}
	_ = r.Register(panicky, okSource("ok", 4))

	res, err := r.Resolve(context.Background(), rayMint)
	if err != nil || res.Source != "ok" {
		t.Fatalf("panic should be contained, got %+v err=%v", res, err)
	}
	if h, _ := r.tracker.Get("panicky"); h.FailureCount != 1 {
		t.Fatal("panic should count as failure")
	}
}

func TestResolveTimeoutCountsAsFailure(t *testing.T) {
	r := newTestResolver(newFakeClock(), Options{RequestTimeout: 20 * time.Millisecond})
	slow := SourceFunc{SourceName: "slow", Fn: func(ctx context.Context, id string) (float64, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}}
	_ = r.Register(slow, okSource("fast", 5))

	res, _ := r.Resolve(context.Background(), rayMint)
	if res.Source != "fast" {
		t.Fatalf("expected fast source after timeout, got %+v", res)
	}
	if h, _ := r.tracker.Get("slow"); h.FailureCount != 1 {
		t.Fatal("timeout should be recorded as failure")
	}
}

func TestResolveCallerCancellationIsNotBlamed(t *testing.T) {
	r := newTestResolver(newFakeClock(), Options{})
	ctx, cancel := context.WithCancel(context.Background())
	first := SourceFunc{SourceName: "first", Fn: func(ctx context.Context, id string) (float64, error) {
		cancel()
		return 0, ctx.Err()
	}}
	second := okSource("second", 1)
	_ = r.Register(first, second)

	res, _ := r.Resolve(ctx, rayMint)
	if res.IsResolved() {
		t.Fatalf("cancelled resolution should be unresolved, got %+v", res)
	}
	if h, _ := r.tracker.Get("first"); h.FailureCount != 0 {
		t.Fatal("caller cancellation must not count against the source")
	}
	if second.calls.Load() != 0 {
		t.Fatal("scan should stop once the caller cancelled")
	}
}

func TestHealthStatusListsRegisteredSources(t *testing.T) {
	r := newTestResolver(newFakeClock(), Options{})
	_ = r.Register(okSource("dexscreener", 1), okSource("jupiter", 1), okSource("birdeye", 1))
	_ = r.Pin(solMint, okSource("coingecko", 1))

	status := r.HealthStatus()
	if len(status) != 4 {
		t.Fatalf("expected 4 sources, got %d", len(status))
	}
	for name, st := range status {
		if !st.Healthy || st.ConsecutiveFailures != 0 {
			t.Fatalf("%s should start healthy: %+v", name, st)
		}
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := newTestResolver(newFakeClock(), Options{})
	if err := r.Register(okSource("a", 1)); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(okSource("a", 2)); !errors.Is(err, ErrDuplicateSource) {
		t.Fatalf("expected ErrDuplicateSource, got %v", err)
	}
	if err := r.Register(okSource(SourceNone, 2)); err == nil {
		t.Fatal("sentinel name must be rejected")
	}
}

func TestPriceConvenience(t *testing.T) {
	r := newTestResolver(newFakeClock(), Options{})
	_ = r.Register(failingSource("a"))

	if got := r.Price(context.Background(), rayMint); got != 0 {
		t.Fatalf("expected 0 for unresolvable id, got %v", got)
	}
	if got := r.Price(context.Background(), usdcMint); got != 1 {
		t.Fatalf("expected 1 for stablecoin, got %v", got)
	}
}

type recordingObserver struct {
	mu          sync.Mutex
	attempts    int
	transitions []Transition
	resolved    []ValueResult
}

func (o *recordingObserver) SourceAttempt(string, time.Duration, error) {
	o.mu.Lock()
	o.attempts++
	o.mu.Unlock()
}

func (o *recordingObserver) SourceTransition(tr Transition) {
	o.mu.Lock()
	o.transitions = append(o.transitions, tr)
	o.mu.Unlock()
}

func (o *recordingObserver) Resolved(_ string, res ValueResult) {
	o.mu.Lock()
	o.resolved = append(o.resolved, res)
	o.mu.Unlock()
}

func TestCancelledResolutionIsNotReportedAsResolved(t *testing.T) {
	obs := &recordingObserver{}
	r := newTestResolver(newFakeClock(), Options{Observer: obs})
	_ = r.Register(okSource("a", 1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := r.Resolve(ctx, rayMint)
	if err != nil || res.IsResolved() {
		t.Fatalf("expected sentinel without error, got %+v %v", res, err)
	}
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.resolved) != 0 || obs.attempts != 0 {
		t.Fatalf("abandoned resolution leaked to observer: %d resolved, %d attempts", len(obs.resolved), obs.attempts)
	}
}

func TestObserverSeesTransitions(t *testing.T) {
	clock := newFakeClock()
	obs := &recordingObserver{}
	r := newTestResolver(clock, Options{Observer: obs})
	s := failingSource("s")
	_ = r.Register(s)

	for i := 0; i < 5; i++ {
		_, _ = r.Resolve(context.Background(), rayMint)
	}
	clock.Advance(time.Minute)
	s.err, s.value = nil, 2
	_, _ = r.Resolve(context.Background(), rayMint)

	if obs.attempts != 6 {
		t.Fatalf("expected 6 attempts, got %d", obs.attempts)
	}
	if len(obs.transitions) != 2 || !obs.transitions[0].Disabled || !obs.transitions[1].Recovered {
		t.Fatalf("unexpected transitions %+v", obs.transitions)
	}
	if len(obs.resolved) != 6 || obs.resolved[5].Source != "s" {
		t.Fatalf("unexpected resolutions %+v", obs.resolved)
	}
}

func TestConcurrentResolveIsSafe(t *testing.T) {
	r := newTestResolver(newFakeClock(), Options{MaxCacheSize: 10})
	flaky := &flakySource{}
	_ = r.Register(flaky, okSource("steady", 1))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i%26))
			for j := 0; j < 20; j++ {
				if res, err := r.Resolve(context.Background(), id); err != nil || !res.IsResolved() {
					t.Errorf("unexpected result %+v err=%v", res, err)
					return
				}
				r.Invalidate(id)
			}
		}(i)
	}
	wg.Wait()

	if r.CacheStats().Entries > 10 {
		t.Fatalf("cache exceeded capacity: %d", r.CacheStats().Entries)
	}
	st := r.HealthStatus()
	if st["steady"].FailureCount != 0 {
		t.Fatal("steady source should never fail")
	}
}

type flakySource struct {
	n atomic.Int64
}

func (f *flakySource) Name() string { return "flaky" }

func (f *flakySource) Fetch(ctx context.Context, id string) (float64, error) {
	if f.n.Add(1)%2 == 0 {
		return 0, errBoom
	}
	return 1, nil
}

func TestCoalescerCollapsesConcurrentCalls(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int64
	var once sync.Once
	gate := SourceFunc{SourceName: "gate", Fn: func(ctx context.Context, id string) (float64, error) {
		calls.Add(1)
		once.Do(func() { close(started) })
		<-release
		return 3, nil
	}}

	r := New(Options{}, zerolog.Nop())
	_ = r.Register(gate)
	c := NewCoalescer(r, time.Second)

	const n = 8
	var wg sync.WaitGroup
	results := make([]ValueResult, n)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], _ = c.Resolve(context.Background(), rayMint)
	}()
	<-started
	for i := 1; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = c.Resolve(context.Background(), rayMint)
		}(i)
	}
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls.Load() >= n {
		t.Fatalf("coalescer did not collapse calls: %d source calls", calls.Load())
	}
	for i, res := range results {
		if res.Value != 3 {
			t.Fatalf("caller %d got %+v", i, res)
		}
	}
	if c.Shared() == 0 {
		t.Fatal("expected shared results")
	}
}

func TestCoalescerPropagatesInvalidIdentifier(t *testing.T) {
	c := NewCoalescer(New(Options{}, zerolog.Nop()), 0)
	if _, err := c.Resolve(context.Background(), ""); !errors.Is(err, ErrInvalidIdentifier) {
		t.Fatalf("expected ErrInvalidIdentifier, got %v", err)
	}
}

func TestCoalescerLeaderCancelDoesNotFailWaiters(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	slow := SourceFunc{SourceName: "slow", Fn: func(ctx context.Context, id string) (float64, error) {
		once.Do(func() { close(started) })
		select {
		case <-release:
			return 42, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}}

	r := New(Options{}, zerolog.Nop())
	_ = r.Register(slow)
	c := NewCoalescer(r, 5*time.Second)

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderDone := make(chan ValueResult, 1)
	go func() {
		res, _ := c.Resolve(leaderCtx, rayMint)
		leaderDone <- res
	}()
	<-started

	waiterDone := make(chan ValueResult, 1)
	go func() {
		res, _ := c.Resolve(context.Background(), rayMint)
		waiterDone <- res
	}()
	time.Sleep(50 * time.Millisecond)

	cancelLeader()
	select {
	case res := <-leaderDone:
		if res.IsResolved() {
			t.Fatalf("cancelled caller should get the sentinel, got %+v", res)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled caller did not return promptly")
	}

	close(release)
	select {
	case res := <-waiterDone:
		if res.Value != 42 || res.Source != "slow" {
			t.Fatalf("waiter with a live context got %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never returned")
	}
	if h := r.HealthStatus()["slow"]; h.FailureCount != 0 || h.SuccessCount != 1 {
		t.Fatalf("leader cancellation must not be blamed on the source: %+v", h)
	}
}

func TestCoalescerFlightTimeout(t *testing.T) {
	hang := SourceFunc{SourceName: "hang", Fn: func(ctx context.Context, id string) (float64, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}}
	r := New(Options{RequestTimeout: time.Minute}, zerolog.Nop())
	_ = r.Register(hang)
	c := NewCoalescer(r, 30*time.Millisecond)

	start := time.Now()
	res, err := c.Resolve(context.Background(), rayMint)
	if err != nil {
		t.Fatal(err)
	}
	if res.IsResolved() {
		t.Fatalf("expected sentinel, got %+v", res)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("flight timeout did not bound the shared call")
	}
}

func TestNewFixedTableValidation(t *testing.T) {
	if _, err := NewFixedTable("", map[string]float64{"USDC": 0}); err == nil {
		t.Fatal("zero fixed value should be rejected")
	}
	if _, err := NewFixedTable("", map[string]float64{"bad id": 1}); !errors.Is(err, ErrInvalidIdentifier) {
		t.Fatalf("malformed identifier should be rejected, got %v", err)
	}
	table, err := NewFixedTable("", map[string]float64{"USDC": 1})
	if err != nil {
		t.Fatal(err)
	}
	if table.Tag() != SourceStablecoin || table.Len() != 1 {
		t.Fatalf("unexpected table %+v", table)
	}
}
