package metrics

import (
	"context"
	"sync"
	"time"
)

// LockTable is anything that can report its live key count.
type LockTable interface {
	Len() int
}

// Collector periodically samples gauges that are cheaper to poll than to
// update on every operation.
type Collector struct {
	metrics *EngineMetrics

	mu     sync.Mutex
	tables map[string]LockTable // by bucket
}

// NewCollector creates a collector writing into m.
func NewCollector(m *EngineMetrics) *Collector {
	return &Collector{metrics: m, tables: make(map[string]LockTable)}
}

// Track starts sampling the lock table of bucket.
func (c *Collector) Track(bucket string, t LockTable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tables[bucket] = t
}

// Untrack stops sampling bucket and drops its gauge.
func (c *Collector) Untrack(bucket string) {
	c.mu.Lock()
	delete(c.tables, bucket)
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.LockKeys.DeleteLabelValues(bucket)
	}
}

// Collect samples every tracked bucket once.
func (c *Collector) Collect() {
	if c.metrics == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for bucket, t := range c.tables {
		c.metrics.LockKeys.WithLabelValues(bucket).Set(float64(t.Len()))
	}
}

// Run starts periodic metric collection.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.Collect()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}
