package transformer

import (
	"encoding/json"
	"fmt"

	"github.com/maxpert/timeranger/publisher"
)

// DebeziumTransformer wraps records in the Debezium change event envelope
// without an embedded schema (the schemas.enable=false layout), so Kafka
// Connect style consumers can read them. Records are append only, so every
// event is a create ("c") with a null "before".
type DebeziumTransformer struct {
	connectorName string
}

// NewDebeziumTransformer creates a new Debezium transformer
func NewDebeziumTransformer() *DebeziumTransformer {
	return &DebeziumTransformer{connectorName: "timeranger"}
}

type debeziumMessage struct {
	Schema  *struct{}       `json:"schema"`
	Payload debeziumPayload `json:"payload"`
}

type debeziumPayload struct {
	Before json.RawMessage `json:"before"`
	After  json.RawMessage `json:"after"`
	Op     string          `json:"op"`
	TsMs   int64           `json:"ts_ms"`
	Source debeziumSource  `json:"source"`
}

type debeziumSource struct {
	Connector string `json:"connector"`
	Name      string `json:"name"`
	TsMs      int64  `json:"ts_ms"`
	T         uint64 `json:"t"`
	Db        string `json:"db"`
	Table     string `json:"table"`
	Key       string `json:"key"`
	Rowid     uint64 `json:"rowid"`
	TM        uint64 `json:"tm"`
	UserFlag  uint16 `json:"user_flag"`
	Node      uint64 `json:"node"`
}

// Transform renders one event. Metadata only events carry a null "after".
func (d *DebeziumTransformer) Transform(event publisher.Event) ([]byte, error) {
	after := json.RawMessage("null")
	if len(event.Content) > 0 {
		if !json.Valid(event.Content) {
			return nil, fmt.Errorf("record %s/%d: invalid JSON content", event.Key, event.Rowid)
		}
		after = event.Content
	}

	msg := debeziumMessage{
		Payload: debeziumPayload{
			Before: json.RawMessage("null"),
			After:  after,
			Op:     "c",
			TsMs:   event.CaptureTS,
			Source: debeziumSource{
				Connector: d.connectorName,
				Name:      d.connectorName,
				TsMs:      event.CaptureTS,
				T:         event.Info.T,
				Db:        event.Database,
				Table:     event.Topic,
				Key:       event.Key,
				Rowid:     event.Rowid,
				TM:        event.Info.TM,
				UserFlag:  event.Info.UserFlag,
				Node:      event.NodeID,
			},
		},
	}
	return json.Marshal(msg)
}

func (d *DebeziumTransformer) ContentType() string { return "application/json" }
