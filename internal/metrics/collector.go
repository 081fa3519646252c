package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/mkrv/dispatchly/internal/queue"
)

// QueueStatsProvider provides queue statistics for metrics
type QueueStatsProvider interface {
	Stats(ctx context.Context) (*queue.Stats, error)
}

// Collector periodically refreshes the queue gauges
type Collector struct {
	metrics  *Metrics
	provider QueueStatsProvider
	interval time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCollector creates a new metrics collector
func NewCollector(m *Metrics, provider QueueStatsProvider, interval time.Duration) *Collector {
	if interval == 0 {
		interval = 10 * time.Second
	}
	return &Collector{
		metrics:  m,
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the collector background task
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.refresh(ctx)
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Collector) refresh(ctx context.Context) {
	stats, err := c.provider.Stats(ctx)
	if err != nil {
		return
	}
	c.metrics.QueueWaiting.Set(float64(stats.Waiting))
	c.metrics.QueueDelayed.Set(float64(stats.Delayed))
	c.metrics.QueueActive.Set(float64(stats.Active))
	c.metrics.QueueFailed.Set(float64(stats.Failed))
}
