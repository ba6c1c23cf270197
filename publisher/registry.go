package publisher

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/timeranger/cfg"
	"github.com/maxpert/timeranger/telemetry"
	"github.com/maxpert/timeranger/tranger"
	"github.com/rs/zerolog/log"
)

// RegistryConfig configures the relay
type RegistryConfig struct {
	DataDir     string                  // Outbox location
	Database    string                  // Stamped on every event
	NodeID      uint64                  // Stamped on every event
	SinkConfigs []cfg.SinkConfiguration // From config
}

// Registry owns the outbox and one worker per sink
type Registry struct {
	log      *PublishLog
	workers  []*Worker
	database string
	nodeID   uint64
	running  atomic.Bool
	stopped  atomic.Bool
	mu       sync.Mutex

	// Last captured rowid per topic\x00key, loaded lazily from the outbox
	marks   map[string]uint64
	marksMu sync.Mutex
}

// NewRegistry opens the outbox and creates the configured workers
func NewRegistry(config RegistryConfig) (*Registry, error) {
	if config.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}

	pubLog, err := NewPublishLog(config.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create publish log: %w", err)
	}

	registry := &Registry{
		log:      pubLog,
		workers:  make([]*Worker, 0, len(config.SinkConfigs)),
		database: config.Database,
		nodeID:   config.NodeID,
		marks:    make(map[string]uint64),
	}

	for _, sinkCfg := range config.SinkConfigs {
		if err := registry.AddSink(sinkCfg); err != nil {
			registry.closeSinks()
			pubLog.Close()
			return nil, fmt.Errorf("failed to add sink %q: %w", sinkCfg.Name, err)
		}
	}

	log.Info().
		Int("workers", len(registry.workers)).
		Str("path", pubLog.path).
		Msg("Publisher registry initialized")

	return registry, nil
}

// AddSink creates a worker for the given sink configuration
func (r *Registry) AddSink(config cfg.SinkConfiguration) error {
	snk, err := createSink(config)
	if err != nil {
		return fmt.Errorf("failed to create sink: %w", err)
	}
	return r.addWorker(config, snk)
}

func (r *Registry) addWorker(config cfg.SinkConfiguration, snk Sink) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	format := config.Format
	if format == "" {
		format = "json"
	}
	trans, err := createTransformer(format)
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create transformer: %w", err)
	}

	filter, err := NewGlobFilter(config.FilterTopics, config.FilterKeys)
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create filter: %w", err)
	}

	worker, err := NewWorker(WorkerConfig{
		Name:            config.Name,
		Log:             r.log,
		Sink:            snk,
		Transformer:     trans,
		Filter:          filter,
		TopicPrefix:     config.TopicPrefix,
		BatchSize:       config.BatchSize,
		PollInterval:    time.Duration(config.PollIntervalMS) * time.Millisecond,
		RetryInitial:    time.Duration(config.RetryInitialMS) * time.Millisecond,
		RetryMax:        time.Duration(config.RetryMaxMS) * time.Millisecond,
		RetryMultiplier: config.RetryMultiplier,
	})
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create worker: %w", err)
	}

	r.workers = append(r.workers, worker)
	if r.running.Load() {
		worker.Start()
	}

	log.Info().
		Str("sink", config.Name).
		Str("type", config.Type).
		Str("format", format).
		Msg("Added publisher sink")
	return nil
}

// Workers returns the sink workers
func (r *Registry) Workers() []*Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Worker(nil), r.workers...)
}

// Log returns the outbox
func (r *Registry) Log() *PublishLog { return r.log }

// Start starts all workers
func (r *Registry) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped.Load() {
		return fmt.Errorf("registry stopped")
	}
	if r.running.Swap(true) {
		return fmt.Errorf("registry already running")
	}

	log.Info().Int("workers", len(r.workers)).Msg("Starting publisher registry")
	for _, worker := range r.workers {
		worker.Start()
	}
	return nil
}

// Stop stops all workers, closes the sinks and the outbox. Idempotent.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped.Swap(true) {
		return
	}
	r.running.Store(false)

	for _, worker := range r.workers {
		worker.Stop()
	}
	r.closeSinks()

	if err := r.log.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close publish log")
	}
	log.Info().Msg("Publisher registry stopped")
}

func (r *Registry) closeSinks() {
	for _, worker := range r.workers {
		if err := worker.config.Sink.Close(); err != nil {
			log.Warn().Err(err).Str("sink", worker.config.Name).Msg("Failed to close sink")
		}
	}
}

// Capture appends a record to the outbox unless its key was already
// captured at or beyond its rowid. It has the tranger.LoadRecordFunc
// signature so it can feed iterators and realtime subscriptions directly.
func (r *Registry) Capture(_ string, rec *tranger.Record) error {
	mk := markKey(rec.Topic, rec.Key)

	r.marksMu.Lock()
	defer r.marksMu.Unlock()

	mark, ok := r.marks[mk]
	if !ok {
		var err error
		if mark, err = r.log.Captured(rec.Topic, rec.Key); err != nil {
			return err
		}
		r.marks[mk] = mark
	}
	if rec.Rowid <= mark {
		return nil
	}

	events := []Event{NewEvent(r.database, rec, r.nodeID)}
	if err := r.log.Append(events); err != nil {
		log.Error().
			Err(err).
			Str("topic", rec.Topic).
			Str("key", rec.Key).
			Uint64("rowid", rec.Rowid).
			Msg("Failed to capture record")
		return err
	}
	r.marks[mk] = rec.Rowid
	telemetry.CapturedTotal.With(rec.Topic).Inc()
	return nil
}

// Follower keeps a topic flowing into the outbox
type Follower struct {
	db     *tranger.Database
	rtMem  *tranger.RtMem
	rtDisk *tranger.RtDisk
}

// Follow subscribes to every new record of a topic, then replays each key
// from its capture mark. byMem selects the in-process feed and needs the
// master; otherwise the rt_disk feed is used. Call it from the goroutine
// running the database loop, before the loop runs.
func (r *Registry) Follow(db *tranger.Database, topic string, byMem bool) (*Follower, error) {
	f := &Follower{db: db}

	var err error
	if byMem {
		f.rtMem, err = db.OpenRtMem(topic, "", tranger.MatchCond{}, r.Capture, "")
	} else {
		f.rtDisk, err = db.OpenRtDisk(topic, "", tranger.MatchCond{}, r.Capture, "")
	}
	if err != nil {
		return nil, err
	}

	keys, err := db.ListKeys(topic, tranger.KeyFilter{})
	if err != nil {
		f.Close()
		return nil, err
	}

	var replayed int
	for _, key := range keys {
		mark, err := r.log.Captured(topic, key)
		if err != nil {
			f.Close()
			return nil, err
		}

		it, err := db.OpenIterator(topic, key, tranger.MatchCond{
			FromRowid: int64(mark) + 1,
			ToRowid:   -1,
		}, func(id string, rec *tranger.Record) error {
			replayed++
			return r.Capture(id, rec)
		}, "", nil)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("replay %s/%s: %w", topic, key, err)
		}
		db.CloseIterator(it)
	}

	log.Info().
		Str("topic", topic).
		Int("keys", len(keys)).
		Int("replayed", replayed).
		Bool("by_mem", byMem).
		Msg("Following topic")
	return f, nil
}

// Close ends the realtime subscription
func (f *Follower) Close() error {
	if f.rtMem != nil {
		return f.db.CloseRtMem(f.rtMem)
	}
	if f.rtDisk != nil {
		return f.db.CloseRtDisk(f.rtDisk)
	}
	return nil
}

// createSink creates a sink based on the configuration
func createSink(config cfg.SinkConfiguration) (Sink, error) {
	factoryMu.RLock()
	factory, exists := sinkFactories[config.Type]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown sink type: %s", config.Type)
	}
	return factory(config)
}

// SinkFactory is a function that creates a Sink from a configuration
type SinkFactory func(cfg.SinkConfiguration) (Sink, error)

// TransformerFactory is a function that creates a Transformer
type TransformerFactory func() Transformer

var (
	sinkFactories        = make(map[string]SinkFactory)
	transformerFactories = make(map[string]TransformerFactory)
	factoryMu            sync.RWMutex
)

// RegisterSink registers a sink factory for a type
func RegisterSink(sinkType string, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[sinkType] = factory
}

// RegisterTransformer registers a transformer factory for a format
func RegisterTransformer(format string, factory TransformerFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	transformerFactories[format] = factory
}

// createTransformer creates a transformer based on the format
func createTransformer(format string) (Transformer, error) {
	factoryMu.RLock()
	factory, exists := transformerFactories[format]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown format: %s", format)
	}
	return factory(), nil
}
