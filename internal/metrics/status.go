package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// statusCollector reads health and cache state at scrape time so gauges
// never drift from the tracker.
type statusCollector struct {
	src StatusSource

	healthy     *prometheus.Desc
	consecutive *prometheus.Desc
	successes   *prometheus.Desc
	failures    *prometheus.Desc
	entries     *prometheus.Desc
	hits        *prometheus.Desc
	misses      *prometheus.Desc
	evictions   *prometheus.Desc
}

func newStatusCollector(src StatusSource) *statusCollector {
	source := []string{"source"}
	return &statusCollector{
		src:         src,
		healthy:     prometheus.NewDesc(namespace+"_source_healthy", "1 when the source is healthy.", source, nil),
		consecutive: prometheus.NewDesc(namespace+"_source_consecutive_failures", "Current failure streak.", source, nil),
		successes:   prometheus.NewDesc(namespace+"_source_successes_total", "Lifetime successful calls.", source, nil),
		failures:    prometheus.NewDesc(namespace+"_source_failures_total", "Lifetime failed calls.", source, nil),
		entries:     prometheus.NewDesc(namespace+"_cache_entries", "Values held in the cache, expired ones included.", nil, nil),
		hits:        prometheus.NewDesc(namespace+"_cache_hits_total", "Cache hits.", nil, nil),
		misses:      prometheus.NewDesc(namespace+"_cache_misses_total", "Cache misses.", nil, nil),
		evictions:   prometheus.NewDesc(namespace+"_cache_evictions_total", "Entries evicted for capacity.", nil, nil),
	}
}

func (c *statusCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{c.healthy, c.consecutive, c.successes, c.failures, c.entries, c.hits, c.misses, c.evictions} {
		ch <- d
	}
}

func (c *statusCollector) Collect(ch chan<- prometheus.Metric) {
	for name, st := range c.src.HealthStatus() {
		healthy := 0.0
		if st.Healthy {
			healthy = 1
		}
		ch <- prometheus.MustNewConstMetric(c.healthy, prometheus.GaugeValue, healthy, name)
		ch <- prometheus.MustNewConstMetric(c.consecutive, prometheus.GaugeValue, float64(st.ConsecutiveFailures), name)
		ch <- prometheus.MustNewConstMetric(c.successes, prometheus.CounterValue, float64(st.SuccessCount), name)
		ch <- prometheus.MustNewConstMetric(c.failures, prometheus.CounterValue, float64(st.FailureCount), name)
	}

	stats := c.src.CacheStats()
	ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(stats.Entries))
	ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(stats.Hits))
	ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(stats.Misses))
	ch <- prometheus.MustNewConstMetric(c.evictions, prometheus.CounterValue, float64(stats.Evictions))
}
