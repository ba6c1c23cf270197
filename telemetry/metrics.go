package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// AppendBuckets for a single record append (two writes, no fsync)
	AppendBuckets = []float64{0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05}

	// RebuildBuckets for key cache rebuilds at topic open
	RebuildBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10}

	// RowsBuckets for rows loaded per iterator or page
	RowsBuckets = []float64{1, 10, 100, 1000, 10000, 100000, 1000000}
)

// Append path
var (
	// AppendsTotal counts appends by topic and result (success, failed)
	AppendsTotal CounterVec = noopCounterVec{}

	// AppendBytesTotal counts content bytes written
	AppendBytesTotal Counter = NoopStat{}

	// AppendDurationSeconds measures append latency
	AppendDurationSeconds Histogram = NoopStat{}

	// CriticalErrorsTotal counts file system errors escalated through the critical policy
	CriticalErrorsTotal CounterVec = noopCounterVec{}
)

// Query path
var (
	// RowsLoaded measures rows delivered per historical load, by kind (iterator, page)
	RowsLoaded HistogramVec = noopHistogramVec{}

	// CacheRebuildSeconds measures key cache rebuild duration at topic open
	CacheRebuildSeconds Histogram = NoopStat{}

	// CorruptionsTotal counts corrupted shards or non consecutive rows found
	CorruptionsTotal CounterVec = noopCounterVec{}
)

// Realtime
var (
	// RtDeliveriesTotal counts records delivered to realtime subscribers by kind (mem, disk)
	RtDeliveriesTotal CounterVec = noopCounterVec{}

	// RtSubscriptions tracks open realtime subscriptions by kind (mem, disk, iterator)
	RtSubscriptions GaugeVec = noopGaugeVec{}

	// WatcherEventsTotal counts file system watcher events by type
	WatcherEventsTotal CounterVec = noopCounterVec{}

	// HardLinksTotal counts wakeup links created by the master
	HardLinksTotal Counter = NoopStat{}
)

// Resources
var (
	// OpenFiles tracks cached file descriptors by side (write, read)
	OpenFiles GaugeVec = noopGaugeVec{}

	// FDEvictionsTotal counts file descriptors closed to make room, by reason (lru, key_limit, emfile)
	FDEvictionsTotal CounterVec = noopCounterVec{}

	// OpenTopics tracks currently open topics
	OpenTopics Gauge = NoopStat{}
)

// Publisher
var (
	// CapturedTotal counts records written to the publish outbox, by topic
	CapturedTotal CounterVec = noopCounterVec{}

	// PublishedTotal counts outbox events handed to sinks, by sink and result (success, failed, filtered)
	PublishedTotal CounterVec = noopCounterVec{}

	// SinkLag tracks outbox events not yet published, by sink
	SinkLag GaugeVec = noopGaugeVec{}
)

// InitMetrics initializes all Prometheus metrics.
// Called by InitializeTelemetry.
func InitMetrics() {
	AppendsTotal = NewCounterVec(
		"appends_total",
		"Total record appends by topic and result",
		[]string{"topic", "result"},
	)
	AppendBytesTotal = NewCounter(
		"append_bytes_total",
		"Total content bytes appended",
	)
	AppendDurationSeconds = NewHistogramWithBuckets(
		"append_duration_seconds",
		"Record append duration in seconds",
		AppendBuckets,
	)
	CriticalErrorsTotal = NewCounterVec(
		"critical_errors_total",
		"File system errors escalated by operation",
		[]string{"op"},
	)

	RowsLoaded = NewHistogramVec(
		"rows_loaded",
		"Rows delivered per historical load",
		[]string{"kind"},
		RowsBuckets,
	)
	CacheRebuildSeconds = NewHistogramWithBuckets(
		"cache_rebuild_seconds",
		"Key cache rebuild duration in seconds",
		RebuildBuckets,
	)
	CorruptionsTotal = NewCounterVec(
		"corruptions_total",
		"Corrupted shards or non consecutive rows by kind",
		[]string{"kind"},
	)

	RtDeliveriesTotal = NewCounterVec(
		"rt_deliveries_total",
		"Records delivered to realtime subscribers",
		[]string{"kind"},
	)
	RtSubscriptions = NewGaugeVec(
		"rt_subscriptions",
		"Open realtime subscriptions",
		[]string{"kind"},
	)
	WatcherEventsTotal = NewCounterVec(
		"watcher_events_total",
		"File system watcher events by type",
		[]string{"type"},
	)
	HardLinksTotal = NewCounter(
		"hard_links_total",
		"Wakeup hard links created for rt_disk subscribers",
	)

	OpenFiles = NewGaugeVec(
		"open_files",
		"Cached file descriptors",
		[]string{"side"},
	)
	FDEvictionsTotal = NewCounterVec(
		"fd_evictions_total",
		"Cached file descriptors closed to make room",
		[]string{"reason"},
	)
	OpenTopics = NewGauge(
		"open_topics",
		"Currently open topics",
	)

	CapturedTotal = NewCounterVec(
		"captured_total",
		"Records written to the publish outbox",
		[]string{"topic"},
	)
	PublishedTotal = NewCounterVec(
		"published_total",
		"Outbox events handed to sinks by result",
		[]string{"sink", "result"},
	)
	SinkLag = NewGaugeVec(
		"sink_lag",
		"Outbox events not yet published",
		[]string{"sink"},
	)
}
