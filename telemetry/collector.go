package telemetry

import (
	"sync"
	"time"
)

// EngineStats is a point in time snapshot of an open database
type EngineStats struct {
	Topics     int
	WriteFiles int
	ReadFiles  int
	RtMem      int
	RtDisk     int
	Iterators  int
}

// StatsProvider is implemented by components that report engine stats.
// Stats must be safe to call from any goroutine.
type StatsProvider interface {
	Stats() EngineStats
}

// MetricsCollector periodically collects stats and updates telemetry gauges
type MetricsCollector struct {
	provider StatsProvider
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(provider StatsProvider, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	mc.stopOnce.Do(func() { close(mc.stopCh) })
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
	if mc.provider == nil {
		return
	}

	s := mc.provider.Stats()
	OpenTopics.Set(float64(s.Topics))
	OpenFiles.With("write").Set(float64(s.WriteFiles))
	OpenFiles.With("read").Set(float64(s.ReadFiles))
	RtSubscriptions.With("mem").Set(float64(s.RtMem))
	RtSubscriptions.With("disk").Set(float64(s.RtDisk))
	RtSubscriptions.With("iterator").Set(float64(s.Iterators))
}
