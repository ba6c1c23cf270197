package publisher

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSink struct {
	mu        sync.Mutex
	messages  []Message
	failCount atomic.Int32 // Failures before succeeding
	closed    atomic.Bool
}

func (m *mockSink) Publish(msg Message) error {
	if m.failCount.Load() > 0 {
		m.failCount.Add(-1)
		return fmt.Errorf("mock publish failure")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	return nil
}

func (m *mockSink) Close() error {
	m.closed.Store(true)
	return nil
}

func (m *mockSink) snapshot() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.messages...)
}

type plainTransformer struct{}

func (plainTransformer) Transform(e Event) ([]byte, error) {
	return []byte(fmt.Sprintf("%s/%s/%d", e.Topic, e.Key, e.Rowid)), nil
}

func (plainTransformer) ContentType() string { return "text/plain" }

func init() {
	RegisterTransformer("plain", func() Transformer { return plainTransformer{} })
}

func allowAll(t *testing.T) Filter {
	f, err := NewGlobFilter(nil, nil)
	require.NoError(t, err)
	return f
}

func newTestWorker(t *testing.T, pl *PublishLog, snk Sink, filter Filter) *Worker {
	t.Helper()
	w, err := NewWorker(WorkerConfig{
		Name:         "test",
		Log:          pl,
		Sink:         snk,
		Transformer:  plainTransformer{},
		Filter:       filter,
		TopicPrefix:  "tr",
		PollInterval: 5 * time.Millisecond,
		RetryInitial: time.Millisecond,
		RetryMax:     5 * time.Millisecond,
	})
	require.NoError(t, err)
	return w
}

func TestNewWorker_Validation(t *testing.T) {
	pl := openLog(t, t.TempDir())
	defer pl.Close()

	cases := map[string]WorkerConfig{
		"missing name":        {},
		"missing log":         {Name: "x"},
		"missing sink":        {Name: "x", Log: pl},
		"missing transformer": {Name: "x", Log: pl, Sink: &mockSink{}},
		"missing filter":      {Name: "x", Log: pl, Sink: &mockSink{}, Transformer: plainTransformer{}},
	}
	for name, config := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewWorker(config)
			assert.Error(t, err)
		})
	}

	w, err := NewWorker(WorkerConfig{Name: "x", Log: pl, Sink: &mockSink{}, Transformer: plainTransformer{}, Filter: allowAll(t)})
	require.NoError(t, err)
	assert.Equal(t, DefaultBatchSize, w.config.BatchSize)
	assert.Equal(t, DefaultPollInterval, w.config.PollInterval)
	assert.Equal(t, DefaultMaxRetries, w.config.MaxRetries)
}

func TestWorker_Publishes(t *testing.T) {
	pl := openLog(t, t.TempDir())
	defer pl.Close()
	require.NoError(t, pl.Append([]Event{testEvent("events", "a", 1), testEvent("events", "b", 1)}))

	snk := &mockSink{}
	w := newTestWorker(t, pl, snk, allowAll(t))
	w.Start()
	defer w.Stop()

	require.Eventually(t, func() bool { return len(snk.snapshot()) == 2 }, 2*time.Second, 5*time.Millisecond)

	msgs := snk.snapshot()
	assert.Equal(t, "tr.events", msgs[0].Subject)
	assert.Equal(t, "a", msgs[0].Key)
	assert.Equal(t, []byte("events/a/1"), msgs[0].Value)
	assert.Equal(t, "1", msgs[0].Headers["rowid"])
	assert.Equal(t, "text/plain", msgs[0].Headers["content-type"])
	assert.Equal(t, "db", msgs[0].Headers["database"])

	// Events appended while running are picked up
	require.NoError(t, pl.Append([]Event{testEvent("events", "a", 2)}))
	require.Eventually(t, func() bool { return len(snk.snapshot()) == 3 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return w.Cursor() == 3 }, 2*time.Second, 5*time.Millisecond)

	cursor, err := pl.GetCursor("test")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), cursor)
}

func TestWorker_Filters(t *testing.T) {
	pl := openLog(t, t.TempDir())
	defer pl.Close()
	require.NoError(t, pl.Append([]Event{
		testEvent("events", "a", 1),
		testEvent("metrics", "a", 1),
		testEvent("events", "b", 1),
	}))

	filter, err := NewGlobFilter([]string{"events"}, []string{"a"})
	require.NoError(t, err)
	snk := &mockSink{}
	w := newTestWorker(t, pl, snk, filter)
	w.Start()
	defer w.Stop()

	require.Eventually(t, func() bool { return w.Cursor() == 3 }, 2*time.Second, 5*time.Millisecond)
	msgs := snk.snapshot()
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("events/a/1"), msgs[0].Value)
}

func TestWorker_RetriesThenSucceeds(t *testing.T) {
	pl := openLog(t, t.TempDir())
	defer pl.Close()
	require.NoError(t, pl.Append([]Event{testEvent("events", "a", 1)}))

	snk := &mockSink{}
	snk.failCount.Store(3)
	w := newTestWorker(t, pl, snk, allowAll(t))
	w.Start()
	defer w.Stop()

	require.Eventually(t, func() bool { return len(snk.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, snk.failCount.Load())
}

func TestWorker_ResumesFromCursor(t *testing.T) {
	dir := t.TempDir()
	pl := openLog(t, dir)
	require.NoError(t, pl.Append([]Event{testEvent("events", "a", 1), testEvent("events", "a", 2)}))
	require.NoError(t, pl.AdvanceCursor("test", 1))

	snk := &mockSink{}
	w := newTestWorker(t, pl, snk, allowAll(t))
	assert.Equal(t, uint64(1), w.Cursor())
	w.Start()
	require.Eventually(t, func() bool { return w.Cursor() == 2 }, 2*time.Second, 5*time.Millisecond)
	w.Stop()
	require.NoError(t, pl.Close())

	msgs := snk.snapshot()
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("events/a/2"), msgs[0].Value)
}

func TestWorker_NewSinkStartsAtEarliest(t *testing.T) {
	pl := openLog(t, t.TempDir())
	defer pl.Close()

	events := make([]Event, 0, 6)
	for i := uint64(1); i <= 6; i++ {
		events = append(events, testEvent("events", "a", i))
	}
	require.NoError(t, pl.Append(events))
	require.NoError(t, pl.AdvanceCursor("other", 4))
	pl.cleanup()

	w := newTestWorker(t, pl, &mockSink{}, allowAll(t))
	assert.Equal(t, uint64(3), w.Cursor())
}

func TestWorker_StopIsIdempotent(t *testing.T) {
	pl := openLog(t, t.TempDir())
	defer pl.Close()

	w := newTestWorker(t, pl, &mockSink{}, allowAll(t))
	w.Start()
	w.Start()
	w.Stop()
	w.Stop()
	assert.False(t, w.running.Load())
}
