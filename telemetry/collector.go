package telemetry

import (
	"sync"
	"time"
)

// StatsProvider is implemented by components whose state is sampled into gauges
type StatsProvider interface {
	ItemStats() (items int, bytes uint64)
	UnderReplicated() int
}

// MetricsCollector periodically collects stats and updates telemetry gauges
type MetricsCollector struct {
	providers []StatsProvider
	interval  time.Duration
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(interval time.Duration, providers ...StatsProvider) *MetricsCollector {
	return &MetricsCollector{
		providers: providers,
		interval:  interval,
		stopCh:    make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	var totalItems, totalUnder int
	var totalBytes uint64

	for _, p := range mc.providers {
		if p == nil {
			continue
		}
		items, bytes := p.ItemStats()
		totalItems += items
		totalBytes += bytes
		totalUnder += p.UnderReplicated()
	}

	LocalItems.Set(float64(totalItems))
	LocalBytes.Set(float64(totalBytes))
	UnderReplicatedItems.Set(float64(totalUnder))
}
