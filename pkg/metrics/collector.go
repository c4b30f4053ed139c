package metrics

import (
	"context"
	"time"

	"github.com/migadu/sievevm/logger"
)

// TrackerMaintainer is implemented by persistent duplicate trackers.
type TrackerMaintainer interface {
	// Purge removes expired entries and returns how many were removed.
	Purge(ctx context.Context) (int64, error)
	// Count returns the number of live entries.
	Count(ctx context.Context) (int64, error)
}

// Collector periodically purges the duplicate tracker and updates its gauges
type Collector struct {
	tracker  TrackerMaintainer
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new collector
func NewCollector(tracker TrackerMaintainer, interval time.Duration) *Collector {
	if interval == 0 {
		interval = time.Hour
	}

	return &Collector{
		tracker:  tracker,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start runs the collection loop until ctx is done or Stop is called
func (c *Collector) Start(ctx context.Context) {
	c.collect(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	logger.Info("MetricsCollector started", "interval", c.interval)

	for {
		select {
		case <-ctx.Done():
			logger.Info("MetricsCollector stopping due to context cancellation")
			return
		case <-c.stopCh:
			logger.Info("MetricsCollector stopping due to stop signal")
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

// Stop signals the collector to stop
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect(ctx context.Context) {
	purged, err := c.tracker.Purge(ctx)
	if err != nil {
		logger.Error("MetricsCollector: error purging duplicate tracker", "error", err)
	} else if purged > 0 {
		DuplicatePurged.Add(float64(purged))
	}

	live, err := c.tracker.Count(ctx)
	if err != nil {
		logger.Error("MetricsCollector: error counting duplicate tracker entries", "error", err)
		return
	}
	DuplicateEntries.Set(float64(live))
	logger.Debug("MetricsCollector: updated duplicate tracker metrics", "entries", live, "purged", purged)
}
