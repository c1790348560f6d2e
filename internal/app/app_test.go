package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pricewatcher/internal/config"
	"pricewatcher/internal/resolver"
	"pricewatcher/internal/storage"
)

const (
	testSOL  = "So11111111111111111111111111111111111111112"
	testUSDC = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
)

func loadConfig(t *testing.T, body string) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

func TestNewEngineFollowsConfiguredOrder(t *testing.T) {
	a := NewApp(loadConfig(t, "app:\n  name: test\n"), zerolog.Nop())

	eng, err := a.newEngine(nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer eng.Close()

	// birdeye has no api key and is skipped
	if got := strings.Join(eng.resolver.Sources(), ","); got != "dexscreener,jupiter" {
		t.Fatalf("unexpected sources %s", got)
	}
	if _, ok := eng.sources[config.SourceCoinGecko]; !ok {
		t.Fatal("pinned coingecko adapter should be built")
	}
	if _, ok := eng.front.(*resolver.Coalescer); !ok {
		t.Fatal("coalescing is on by default")
	}
}

func TestNewEngineSharesAdapterBetweenPinAndOrder(t *testing.T) {
	cfg := loadConfig(t, `
resolver:
  coalesce: false
  pinned:
    - identifier: RAY
      source: jupiter
sources:
  order: [jupiter]
`)
	a := NewApp(cfg, zerolog.Nop())
	eng, err := a.newEngine(nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer eng.Close()

	if len(eng.sources) != 1 {
		t.Fatalf("expected one shared adapter, got %d", len(eng.sources))
	}
	if _, ok := eng.front.(*resolver.Resolver); !ok {
		t.Fatal("front should be the bare resolver when coalescing is off")
	}
}

func TestResolveWritesJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("ids")
		w.Header().Set("Content-Type", "application/json")
		if id != "RAY" {
			w.Write([]byte(`{"data":{}}`))
			return
		}
		w.Write([]byte(`{"data":{"RAY":{"id":"RAY","price":"2.5"}}}`))
	}))
	defer srv.Close()

	cfg := loadConfig(t, `
resolver:
  pinned: []
sources:
  order: [jupiter]
  jupiter:
    base_url: `+srv.URL+`
    retries: 0
`)
	a := NewApp(cfg, zerolog.Nop())

	var out bytes.Buffer
	err := a.Resolve(context.Background(), ResolveOptions{Identifiers: []string{"RAY", testUSDC, "BONK"}, Health: true}, &out)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	var report resolveOutput
	if err := json.Unmarshal(out.Bytes(), &report); err != nil {
		t.Fatalf("decode: %v\n%s", err, out.String())
	}
	if len(report.Results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(report.Results))
	}
	byID := make(map[string]resolveEntry)
	for _, r := range report.Results {
		byID[r.Identifier] = r
	}
	if r := byID["RAY"]; r.Value != 2.5 || r.Source != "jupiter" || !r.Resolved {
		t.Fatalf("unexpected RAY result %+v", r)
	}
	if r := byID[testUSDC]; r.Value != 1 || r.Source != resolver.SourceStablecoin {
		t.Fatalf("unexpected USDC result %+v", r)
	}
	if r := byID["BONK"]; r.Resolved || r.Source != resolver.SourceNone {
		t.Fatalf("BONK should be unresolved, got %+v", r)
	}
	if report.Health["jupiter"].FailureCount != 1 {
		t.Fatalf("unexpected health %+v", report.Health)
	}
}

func TestResolveRejectsInvalidIdentifier(t *testing.T) {
	cfg := loadConfig(t, "sources:\n  order: []\nresolver:\n  pinned: []\n")
	a := NewApp(cfg, zerolog.Nop())

	var out bytes.Buffer
	err := a.Resolve(context.Background(), ResolveOptions{Identifiers: []string{"bad id"}}, &out)
	if err == nil {
		t.Fatal("expected error for malformed identifier")
	}
	if !strings.Contains(out.String(), "invalid identifier") {
		t.Fatalf("error should be reported in output: %s", out.String())
	}
}

func samplesAt(n int) []storage.PriceSample {
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	out := make([]storage.PriceSample, n)
	for i := range out {
		out[i] = storage.PriceSample{
			Bucket:     start.Add(time.Duration(i) * time.Minute),
			Identifier: testSOL,
			Value:      decimal.NewFromInt(int64(100 + i)),
			Source:     "jupiter",
			ObservedAt: start.Add(time.Duration(i) * time.Minute),
		}
	}
	return out
}

func TestDownsampleKeepsEndpoints(t *testing.T) {
	samples := samplesAt(100)
	got := downsampleSamples(samples, 10)
	if len(got) != 10 {
		t.Fatalf("expected 10 points, got %d", len(got))
	}
	if !got[0].Bucket.Equal(samples[0].Bucket) || !got[9].Bucket.Equal(samples[99].Bucket) {
		t.Fatal("first and last samples should survive downsampling")
	}
	if len(downsampleSamples(samples, 0)) != 100 {
		t.Fatal("max 0 keeps everything")
	}
	if len(downsampleSamples(samples, 1)) != 1 {
		t.Fatal("max 1 keeps the latest sample")
	}
}

func TestWriteSamplesCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "sol.csv")
	if err := writeSamplesCSV(path, samplesAt(2)); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	body, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header + 2 rows, got %d", len(lines))
	}
	if lines[0] != "bucket_ts,identifier,value,source,from_cache,observed_at" {
		t.Fatalf("unexpected header %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "2025-03-01T00:00:00Z,"+testSOL+",100,jupiter,false,") {
		t.Fatalf("unexpected row %q", lines[1])
	}
}

func TestWriteSamplesPNG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sol.png")
	if err := writeSamplesPNG(path, testSOL, samplesAt(20)); err != nil {
		t.Fatalf("write png: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		t.Fatalf("png not written: %v", err)
	}
}

func TestExportWindow(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	from, to, err := exportWindow(ExportOptions{MaxPoints: 60}, time.Minute, now)
	if err != nil {
		t.Fatal(err)
	}
	if !to.Equal(now) || !from.Equal(now.Add(-time.Hour)) {
		t.Fatalf("unexpected window %s - %s", from, to)
	}

	later := now.Add(time.Hour)
	if _, _, err := exportWindow(ExportOptions{From: &later, To: &now}, time.Minute, now); err == nil {
		t.Fatal("inverted window should be rejected")
	}
}

func TestSimulatedTransition(t *testing.T) {
	fixedNow := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	timeNow = func() time.Time { return fixedNow }
	defer func() { timeNow = time.Now }()

	rc := config.ResolverConfig{FailureThreshold: 5, BaseBackoff: 30 * time.Second, MaxBackoff: 300 * time.Second}
	tr := simulatedTransition(rc, SimulateOptions{Source: "jupiter"})
	if !tr.Disabled || tr.ConsecutiveFailures != 5 || !tr.DisabledUntil.Equal(fixedNow.Add(30*time.Second)) {
		t.Fatalf("unexpected transition %+v", tr)
	}

	tr = simulatedTransition(rc, SimulateOptions{Source: "jupiter", Recovered: true})
	if !tr.Recovered || tr.Disabled {
		t.Fatalf("unexpected recovery %+v", tr)
	}
}

func TestSimulateOutageRequiresDestination(t *testing.T) {
	a := NewApp(loadConfig(t, "app:\n  name: test\n"), zerolog.Nop())
	if err := a.SimulateOutage(context.Background(), SimulateOptions{Source: "jupiter"}); err == nil {
		t.Fatal("expected error without notifier or database")
	}
	if err := a.SimulateOutage(context.Background(), SimulateOptions{Source: "nope"}); err == nil {
		t.Fatal("expected error for unknown source")
	}
}

func TestSMAPeriod(t *testing.T) {
	cases := map[int]int{10: 0, 100: 5, 5000: 60}
	for points, want := range cases {
		if got := smaPeriod(points); got != want {
			t.Fatalf("smaPeriod(%d) = %d, want %d", points, got, want)
		}
	}
}
