package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/opensource-finance/ringwatch/internal/domain"
)

// cacheCollector reads the local cache counters at scrape time.
type cacheCollector struct {
	stats func() domain.CacheStats

	hits      *prometheus.Desc
	misses    *prometheus.Desc
	evictions *prometheus.Desc
	size      *prometheus.Desc
	capacity  *prometheus.Desc
}

func newCacheCollector(stats func() domain.CacheStats) *cacheCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "cache", name), help, nil, nil)
	}
	return &cacheCollector{
		stats:     stats,
		hits:      desc("hits_total", "Local cache lookups that found a live entry"),
		misses:    desc("misses_total", "Local cache lookups that found nothing"),
		evictions: desc("evictions_total", "Entries dropped to stay within capacity"),
		size:      desc("entries", "Entries currently held"),
		capacity:  desc("capacity", "Maximum entries held"),
	}
}

func (c *cacheCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.hits
	ch <- c.misses
	ch <- c.evictions
	ch <- c.size
	ch <- c.capacity
}

func (c *cacheCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()
	ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(s.Hits))
	ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(s.Misses))
	ch <- prometheus.MustNewConstMetric(c.evictions, prometheus.CounterValue, float64(s.Evictions))
	ch <- prometheus.MustNewConstMetric(c.size, prometheus.GaugeValue, float64(s.Size))
	ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, float64(s.Capacity))
}

// RegisterCacheStats exports the local cache counters. It is a no-op on a
// nil receiver or a nil source.
func (m *Metrics) RegisterCacheStats(stats func() domain.CacheStats) {
	if m == nil || stats == nil {
		return
	}
	m.registry.MustRegister(newCacheCollector(stats))
}
