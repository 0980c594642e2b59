package metrics

import (
	"time"

	"github.com/rosfleet/rosfleet/pkg/storage"
)

// Collector periodically samples gauge-style metrics from the store
// and the live components that expose depth callbacks.
type Collector struct {
	store      storage.Store
	queueDepth func() int
	cacheSize  func() int
	stopCh     chan struct{}
}

// NewCollector creates a metrics collector. The depth callbacks may be
// nil when the owning component is not running.
func NewCollector(store storage.Store, queueDepth, cacheSize func() int) *Collector {
	return &Collector{
		store:      store,
		queueDepth: queueDepth,
		cacheSize:  cacheSize,
		stopCh:     make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
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
	c.collectDeviceMetrics()

	if c.queueDepth != nil {
		QueueDepth.Set(float64(c.queueDepth()))
	}
	if c.cacheSize != nil {
		CacheSize.Set(float64(c.cacheSize()))
	}
}

func (c *Collector) collectDeviceMetrics() {
	devices, err := c.store.ListDevices()
	if err != nil {
		// The fleet scan doubles as the database liveness probe
		UpdateComponent("database", false, err.Error())
		return
	}
	UpdateComponent("database", true, "")

	counts := make(map[string]map[string]int)
	for _, device := range devices {
		env := string(device.Environment)
		status := string(device.Status)
		if counts[env] == nil {
			counts[env] = make(map[string]int)
		}
		counts[env][status]++
	}

	DevicesTotal.Reset()
	for env, statuses := range counts {
		for status, count := range statuses {
			DevicesTotal.WithLabelValues(env, status).Set(float64(count))
		}
	}
}
