package metrics

import (
	"time"

	"github.com/meridianhq/axis/pkg/storage"
	"github.com/meridianhq/axis/pkg/types"
)

// jobStatuses enumerates every status so gauges for empty states read zero
// instead of going missing.
var jobStatuses = []types.JobStatus{
	types.JobStatusPending,
	types.JobStatusPlanning,
	types.JobStatusValidating,
	types.JobStatusAwaitingApproval,
	types.JobStatusExecuting,
	types.JobStatusReflecting,
	types.JobStatusCompleted,
	types.JobStatusFailed,
	types.JobStatusCancelled,
	types.JobStatusRejected,
}

// Collector periodically samples job counts from the store
type Collector struct {
	store    storage.Store
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(store storage.Store) *Collector {
	return &Collector{
		store:    store,
		interval: 15 * time.Second,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	for _, status := range jobStatuses {
		jobs, err := c.store.ListJobsByStatus(status)
		if err != nil {
			continue
		}
		JobsTotal.WithLabelValues(string(status)).Set(float64(len(jobs)))
	}
}
