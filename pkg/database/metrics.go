package database

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// PoolStats is a backend-neutral view of a connection pool.
type PoolStats struct {
	Total    uint32
	Idle     uint32
	InUse    uint32
	Hits     uint64 // acquires served without waiting
	Misses   uint64 // acquires that had to wait or dial
	Timeouts uint64
}

// PgxPoolStats adapts a pgx pool to PoolStats.
func PgxPoolStats(pool *pgxpool.Pool) func() PoolStats {
	return func() PoolStats {
		s := pool.Stat()
		return PoolStats{
			Total:    uint32(s.TotalConns()),
			Idle:     uint32(s.IdleConns()),
			InUse:    uint32(s.AcquiredConns()),
			Hits:     uint64(s.AcquireCount() - s.EmptyAcquireCount()),
			Misses:   uint64(s.EmptyAcquireCount()),
			Timeouts: uint64(s.CanceledAcquireCount()),
		}
	}
}

// RedisPoolStats adapts a go-redis client to PoolStats.
func RedisPoolStats(client *redis.Client) func() PoolStats {
	return func() PoolStats {
		s := client.PoolStats()
		return PoolStats{
			Total:    s.TotalConns,
			Idle:     s.IdleConns,
			InUse:    s.TotalConns - s.IdleConns,
			Hits:     uint64(s.Hits),
			Misses:   uint64(s.Misses),
			Timeouts: uint64(s.Timeouts),
		}
	}
}

// PoolStatsCollector exports connection pool statistics for one storage
// backend as Prometheus metrics.
type PoolStatsCollector struct {
	backend string
	stats   func() PoolStats

	totalConns *prometheus.Desc
	idleConns  *prometheus.Desc
	inUseConns *prometheus.Desc
	hits       *prometheus.Desc
	misses     *prometheus.Desc
	timeouts   *prometheus.Desc
}

// NewPoolStatsCollector creates a collector reading stats on every scrape.
func NewPoolStatsCollector(backend string, stats func() PoolStats) *PoolStatsCollector {
	labels := []string{"backend"}
	return &PoolStatsCollector{
		backend:    backend,
		stats:      stats,
		totalConns: prometheus.NewDesc("storage_pool_total_connections", "Total number of connections in the pool", labels, nil),
		idleConns:  prometheus.NewDesc("storage_pool_idle_connections", "Number of idle connections", labels, nil),
		inUseConns: prometheus.NewDesc("storage_pool_in_use_connections", "Number of connections in use", labels, nil),
		hits:       prometheus.NewDesc("storage_pool_hits_total", "Acquires served by an idle connection", labels, nil),
		misses:     prometheus.NewDesc("storage_pool_misses_total", "Acquires that had to wait or dial", labels, nil),
		timeouts:   prometheus.NewDesc("storage_pool_timeouts_total", "Acquires that timed out or were canceled", labels, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *PoolStatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.totalConns
	ch <- c.idleConns
	ch <- c.inUseConns
	ch <- c.hits
	ch <- c.misses
	ch <- c.timeouts
}

// Collect implements prometheus.Collector.
func (c *PoolStatsCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()
	ch <- prometheus.MustNewConstMetric(c.totalConns, prometheus.GaugeValue, float64(s.Total), c.backend)
	ch <- prometheus.MustNewConstMetric(c.idleConns, prometheus.GaugeValue, float64(s.Idle), c.backend)
	ch <- prometheus.MustNewConstMetric(c.inUseConns, prometheus.GaugeValue, float64(s.InUse), c.backend)
	ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(s.Hits), c.backend)
	ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(s.Misses), c.backend)
	ch <- prometheus.MustNewConstMetric(c.timeouts, prometheus.CounterValue, float64(s.Timeouts), c.backend)
}
