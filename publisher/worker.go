package publisher

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/timeranger/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	// Default batch size for reading events per poll cycle
	DefaultBatchSize = 100
	// Default interval between poll cycles
	DefaultPollInterval = 100 * time.Millisecond
	// Default initial retry delay for failed publish operations
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 30 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
	// Maximum number of retry attempts before giving up on a publish operation
	DefaultMaxRetries = 100
)

var errWorkerStopped = errors.New("worker stopped during retry")

// WorkerConfig configures one sink worker
type WorkerConfig struct {
	Name            string        // Sink name (for cursor tracking)
	Log             *PublishLog   // Outbox to read from
	Sink            Sink          // Destination sink
	Transformer     Transformer   // Event transformer
	Filter          Filter        // Event filter
	TopicPrefix     string        // Subject prefix (e.g., "timeranger")
	BatchSize       int           // Events per poll cycle
	PollInterval    time.Duration // Poll interval
	RetryInitial    time.Duration // Initial retry delay
	RetryMax        time.Duration // Max retry delay
	RetryMultiplier float64       // Backoff multiplier
	MaxRetries      int           // Maximum retry attempts
}

// Worker polls the outbox and publishes events to a sink
type Worker struct {
	config      WorkerConfig
	cursor      atomic.Uint64 // Last processed sequence
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex
}

// NewWorker creates a worker positioned at the sink's stored cursor
func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("worker name is required")
	}
	if config.Log == nil {
		return nil, fmt.Errorf("publish log is required")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.Transformer == nil {
		return nil, fmt.Errorf("transformer is required")
	}
	if config.Filter == nil {
		return nil, fmt.Errorf("filter is required")
	}

	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 0 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}

	cursor, err := config.Log.GetCursor(config.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to get cursor: %w", err)
	}

	// A new sink starts at the earliest event still in the outbox
	if cursor == 0 {
		events, err := config.Log.ReadFrom(0, 1)
		if err != nil {
			return nil, fmt.Errorf("failed to find earliest entry: %w", err)
		}
		if len(events) > 0 {
			cursor = events[0].SeqNum - 1
		}
	}

	w := &Worker{
		config: config,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	w.cursor.Store(cursor)
	return w, nil
}

// Name returns the sink name
func (w *Worker) Name() string { return w.config.Name }

// Cursor returns the last processed sequence
func (w *Worker) Cursor() uint64 { return w.cursor.Load() }

// Start starts the worker goroutine
func (w *Worker) Start() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running.Load() {
		return
	}

	w.running.Store(true)
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	log.Info().
		Str("worker", w.config.Name).
		Uint64("cursor", w.cursor.Load()).
		Msg("Starting publisher worker")

	go w.pollLoop()
}

// Stop stops the worker and waits for the current event
func (w *Worker) Stop() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running.Load() {
		return
	}

	close(w.stopCh)
	<-w.doneCh
	w.running.Store(false)

	log.Info().Str("worker", w.config.Name).Msg("Publisher worker stopped")
}

func (w *Worker) pollLoop() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		events, err := w.config.Log.ReadFrom(w.cursor.Load(), w.config.BatchSize)
		if err != nil {
			log.Error().
				Err(err).
				Str("worker", w.config.Name).
				Uint64("cursor", w.cursor.Load()).
				Msg("Failed to read from publish log")
			w.sleep(w.config.PollInterval)
			continue
		}

		telemetry.SinkLag.With(w.config.Name).Set(float64(w.config.Log.LastSeq() - w.cursor.Load()))
		if len(events) == 0 {
			w.sleep(w.config.PollInterval)
			continue
		}

		for _, event := range events {
			if err := w.processEvent(event); err != nil {
				if errors.Is(err, errWorkerStopped) {
					return
				}
				log.Error().
					Err(err).
					Str("worker", w.config.Name).
					Uint64("seq", event.SeqNum).
					Msg("Failed to process event, worker halted")
				return
			}
			w.cursor.Store(event.SeqNum)
		}
	}
}

// processEvent publishes one event, then advances the cursor.
// Filtered events advance the cursor without publishing.
func (w *Worker) processEvent(event Event) error {
	if !w.config.Filter.Match(event.Topic, event.Key) {
		telemetry.PublishedTotal.With(w.config.Name, "filtered").Inc()
		w.advance(event.SeqNum)
		return nil
	}

	data, err := w.config.Transformer.Transform(event)
	if err != nil {
		telemetry.PublishedTotal.With(w.config.Name, "failed").Inc()
		return fmt.Errorf("failed to transform event: %w", err)
	}

	msg := Message{
		Subject: w.buildSubject(event.Topic),
		Key:     event.Key,
		Value:   data,
		Headers: map[string]string{
			"content-type": w.config.Transformer.ContentType(),
			"database":     event.Database,
			"topic":        event.Topic,
			"rowid":        strconv.FormatUint(event.Rowid, 10),
		},
	}
	if err := w.publishWithRetry(msg); err != nil {
		telemetry.PublishedTotal.With(w.config.Name, "failed").Inc()
		return err
	}
	telemetry.PublishedTotal.With(w.config.Name, "success").Inc()

	w.advance(event.SeqNum)
	return nil
}

func (w *Worker) advance(seq uint64) {
	if err := w.config.Log.AdvanceCursor(w.config.Name, seq); err != nil {
		log.Warn().
			Err(err).
			Str("worker", w.config.Name).
			Uint64("seq", seq).
			Msg("Failed to advance cursor, event may be redelivered")
	}
}

func (w *Worker) buildSubject(topic string) string {
	if w.config.TopicPrefix == "" {
		return topic
	}
	return w.config.TopicPrefix + "." + topic
}

// publishWithRetry publishes with exponential backoff until success,
// MaxRetries attempts or Stop
func (w *Worker) publishWithRetry(msg Message) error {
	delay := w.config.RetryInitial
	attempts := 0

	for {
		err := w.config.Sink.Publish(msg)
		if err == nil {
			return nil
		}

		attempts++
		if attempts >= w.config.MaxRetries {
			return fmt.Errorf("exhausted max retries (%d) for %s: %w", w.config.MaxRetries, msg.Subject, err)
		}

		log.Warn().
			Err(err).
			Str("worker", w.config.Name).
			Str("subject", msg.Subject).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Failed to publish event, retrying")

		if !w.sleep(delay) {
			return errWorkerStopped
		}

		delay = time.Duration(float64(delay) * w.config.RetryMultiplier)
		if delay > w.config.RetryMax {
			delay = w.config.RetryMax
		}
	}
}

// sleep returns false if the worker was stopped
func (w *Worker) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-w.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
