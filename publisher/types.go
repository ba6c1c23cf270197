package publisher

import (
	"encoding/json"
	"time"

	"github.com/maxpert/timeranger/md2"
	"github.com/maxpert/timeranger/tranger"
)

// Event is one captured record
type Event struct {
	SeqNum    uint64   `msgpack:"seq"`  // Assigned by PublishLog
	Database  string   `msgpack:"db"`   // Database name
	Topic     string   `msgpack:"tpc"`  // Topic name
	Key       string   `msgpack:"key"`  // Record key
	Rowid     uint64   `msgpack:"row"`  // Rowid within the key
	Info      md2.Info `msgpack:"md"`   // Descriptor view
	Content   []byte   `msgpack:"body"` // JSON content, nil for metadata only records
	CaptureTS int64    `msgpack:"ts"`   // Capture time (unix ms)
	NodeID    uint64   `msgpack:"node"` // Capturing node
}

// NewEvent builds an event from a loaded or appended record
func NewEvent(database string, rec *tranger.Record, nodeID uint64) Event {
	return Event{
		Database:  database,
		Topic:     rec.Topic,
		Key:       rec.Key,
		Rowid:     rec.Rowid,
		Info:      rec.Info(),
		Content:   rec.Content,
		CaptureTS: time.Now().UnixMilli(),
		NodeID:    nodeID,
	}
}

// Record rebuilds the record carried by the event
func (e Event) Record() *tranger.Record {
	var content json.RawMessage
	if e.Content != nil {
		content = json.RawMessage(e.Content)
	}
	return &tranger.Record{
		Topic: e.Topic,
		Key:   e.Key,
		Rowid: e.Rowid,
		Metadata: md2.Metadata{
			T:          e.Info.T,
			TM:         e.Info.TM,
			UserFlag:   e.Info.UserFlag,
			SystemFlag: md2.SystemFlag(e.Info.SystemFlag),
			Offset:     e.Info.Offset,
			Size:       e.Info.Size,
		},
		Content: content,
	}
}

// Message is what a sink receives
type Message struct {
	Subject string            // Kafka topic or NATS subject
	Key     string            // Partition key, the record key
	Value   []byte            // Transformed payload
	Headers map[string]string // Record coordinates and content type
}

// Sink represents a destination for events (e.g., Kafka, NATS)
type Sink interface {
	// Publish sends a message to the sink
	Publish(msg Message) error
	// Close releases any resources held by the sink
	Close() error
}

// Transformer converts events to sink-specific payloads
type Transformer interface {
	// Transform converts an event to bytes for publishing
	Transform(event Event) ([]byte, error)
	// ContentType names the payload encoding, sent as a header
	ContentType() string
}

// Filter determines whether an event should be published
type Filter interface {
	// Match returns true if the event should be published
	Match(topic, key string) bool
}
