package metrics

import (
	"time"
)

// ProjectStatsSource is the minimal surface the collector needs from the
// queue engine to derive gauges. pkg/queue.Engine satisfies this.
type ProjectStatsSource interface {
	// CollectStats returns, for every known project, the count of tasks
	// in each status plus the project's own lifecycle status.
	CollectStats() ([]ProjectStatsSnapshot, error)
	// ActiveSessionCount returns the number of non-expired sessions.
	ActiveSessionCount() (int, error)
}

// ProjectStatsSnapshot is a point-in-time readout for a single project.
type ProjectStatsSnapshot struct {
	ProjectID     string
	ProjectStatus string
	TaskCounts    map[string]int // status -> count
}

// Collector periodically samples queue engine state into gauges.
type Collector struct {
	source ProjectStatsSource
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector over the given stats source.
func NewCollector(source ProjectStatsSource) *Collector {
	return &Collector{
		source: source,
		stopCh: make(chan struct{}),
	}
}

// Start begins periodic collection on a 15s tick.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
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

// Stop halts the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectProjectMetrics()
	c.collectSessionMetrics()
}

func (c *Collector) collectProjectMetrics() {
	snapshots, err := c.source.CollectStats()
	if err != nil {
		return
	}

	projectStatusCounts := make(map[string]int)

	TasksTotal.Reset()
	for _, snap := range snapshots {
		projectStatusCounts[snap.ProjectStatus]++

		for status, count := range snap.TaskCounts {
			TasksTotal.WithLabelValues(snap.ProjectID, status).Set(float64(count))
		}
	}

	for status, count := range projectStatusCounts {
		ProjectsTotal.WithLabelValues(status).Set(float64(count))
	}
}

func (c *Collector) collectSessionMetrics() {
	n, err := c.source.ActiveSessionCount()
	if err != nil {
		return
	}
	SessionsActive.Set(float64(n))
}
