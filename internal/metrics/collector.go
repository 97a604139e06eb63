package metrics

import (
	"context"
	"encoding/json"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/campaignd/internal/job"
)

// JobStatsProvider provides job statistics for metrics
type JobStatsProvider interface {
	Stats(ctx context.Context) (*job.Stats, error)
}

var (
	bucketMetrics = []byte("metrics")
	keyCounters   = []byte("counters")
)

// counterSample is one persisted counter series
type counterSample struct {
	Labels map[string]string `json:"labels"`
	Value  float64           `json:"value"`
}

// Collector persists counters across restarts and refreshes gauges
type Collector struct {
	db            *bolt.DB
	metrics       *Metrics
	jobStats      JobStatsProvider
	storagePath   string
	flushInterval time.Duration
	startTime     time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewCollector creates a new metrics collector and restores persisted counters
func NewCollector(db *bolt.DB, m *Metrics, jobStats JobStatsProvider, storagePath string, flushInterval time.Duration) (*Collector, error) {
	if flushInterval == 0 {
		flushInterval = 10 * time.Second
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMetrics)
		return err
	})
	if err != nil {
		return nil, err
	}

	c := &Collector{
		db:            db,
		metrics:       m,
		jobStats:      jobStats,
		storagePath:   storagePath,
		flushInterval: flushInterval,
		startTime:     time.Now(),
		stopCh:        make(chan struct{}),
	}

	if err := c.loadCounters(); err != nil {
		return nil, err
	}

	return c, nil
}

// Start begins the collector background tasks
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(2)
	go c.persistLoop(ctx)
	go c.updateSystemMetrics(ctx)
}

// Stop stops the collector and persists final values
func (c *Collector) Stop() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	return c.persistCounters()
}

// loadCounters adds persisted values back onto the fresh counters
func (c *Collector) loadCounters() error {
	return c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMetrics).Get(keyCounters)
		if data == nil {
			return nil
		}

		var snapshot map[string][]counterSample
		if err := json.Unmarshal(data, &snapshot); err != nil {
			return nil // Skip invalid data
		}

		counters := c.metrics.persistentCounters()
		for name, samples := range snapshot {
			vec, ok := counters[name]
			if !ok {
				continue
			}
			for _, s := range samples {
				counter, err := vec.GetMetricWith(prometheus.Labels(s.Labels))
				if err != nil {
					continue
				}
				counter.Add(s.Value)
			}
		}

		return nil
	})
}

// snapshot gathers the current values of the persistent counters
func (c *Collector) snapshot() (map[string][]counterSample, error) {
	families, err := c.metrics.Registry().Gather()
	if err != nil {
		return nil, err
	}

	counters := c.metrics.persistentCounters()
	snapshot := make(map[string][]counterSample)

	for _, mf := range families {
		if _, ok := counters[mf.GetName()]; !ok {
			continue
		}
		for _, metric := range mf.GetMetric() {
			labels := make(map[string]string, len(metric.GetLabel()))
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			snapshot[mf.GetName()] = append(snapshot[mf.GetName()], counterSample{
				Labels: labels,
				Value:  metric.GetCounter().GetValue(),
			})
		}
	}

	return snapshot, nil
}

// persistCounters saves counter values to BoltDB
func (c *Collector) persistCounters() error {
	snapshot, err := c.snapshot()
	if err != nil {
		return err
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}

	return c.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMetrics)
		if bucket == nil {
			return nil
		}
		return bucket.Put(keyCounters, data)
	})
}

// persistLoop periodically persists counter values
func (c *Collector) persistLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.persistCounters()
		}
	}
}

// updateSystemMetrics periodically updates system gauges
func (c *Collector) updateSystemMetrics(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.collectSystemMetrics(ctx)
		}
	}
}

// collectSystemMetrics collects current system state
func (c *Collector) collectSystemMetrics(ctx context.Context) {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.storagePath != "" {
		if info, err := os.Stat(c.storagePath); err == nil {
			c.metrics.StorageUsedBytes.Set(float64(info.Size()))
		}
	}

	if c.jobStats != nil {
		stats, err := c.jobStats.Stats(ctx)
		if err == nil {
			c.metrics.JobsByStatus.WithLabelValues(string(job.StatusScheduled)).Set(float64(stats.Scheduled))
			c.metrics.JobsByStatus.WithLabelValues(string(job.StatusRunning)).Set(float64(stats.Running))
			c.metrics.JobsByStatus.WithLabelValues(string(job.StatusCompleted)).Set(float64(stats.Completed))
			c.metrics.JobsByStatus.WithLabelValues(string(job.StatusFailed)).Set(float64(stats.Failed))
			c.metrics.JobsByStatus.WithLabelValues(string(job.StatusCancelled)).Set(float64(stats.Cancelled))
		}
	}
}
