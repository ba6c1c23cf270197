package transformer

import (
	"encoding/json"
	"testing"

	"github.com/maxpert/timeranger/encoding"
	"github.com/maxpert/timeranger/md2"
	"github.com/maxpert/timeranger/publisher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Interface compliance
var (
	_ publisher.Transformer = JSONTransformer{}
	_ publisher.Transformer = MsgpackTransformer{}
	_ publisher.Transformer = (*DebeziumTransformer)(nil)
)

func testEvent() publisher.Event {
	return publisher.Event{
		SeqNum:    4,
		Database:  "db",
		Topic:     "events",
		Key:       "a",
		Rowid:     3,
		Info:      md2.Info{Rowid: 3, T: 1700000000, TM: 1699999000, UserFlag: 2, Offset: 64, Size: 20},
		Content:   []byte(`{"id":"a","n":3}`),
		CaptureTS: 1700000000123,
		NodeID:    9,
	}
}

func TestJSONTransformer(t *testing.T) {
	out, err := JSONTransformer{}.Transform(testEvent())
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &doc))
	assert.Equal(t, "a", doc["id"])
	md := doc["__md_tranger__"].(map[string]interface{})
	assert.Equal(t, float64(3), md["rowid"])
	assert.Equal(t, float64(2), md["user_flag"])
	assert.Equal(t, "application/json", JSONTransformer{}.ContentType())
}

func TestMsgpackTransformer(t *testing.T) {
	out, err := MsgpackTransformer{}.Transform(testEvent())
	require.NoError(t, err)

	var rec encoding.ExportedRecord
	require.NoError(t, encoding.Unmarshal(out, &rec))
	assert.Equal(t, "events", rec.Topic)
	assert.Equal(t, uint64(3), rec.Info.Rowid)
	assert.Equal(t, "a", rec.Content.(map[string]interface{})["id"])
}

func TestDebeziumTransformer(t *testing.T) {
	out, err := NewDebeziumTransformer().Transform(testEvent())
	require.NoError(t, err)

	var msg struct {
		Schema  interface{} `json:"schema"`
		Payload struct {
			Before interface{}            `json:"before"`
			After  map[string]interface{} `json:"after"`
			Op     string                 `json:"op"`
			TsMs   int64                  `json:"ts_ms"`
			Source map[string]interface{} `json:"source"`
		} `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(out, &msg))
	assert.Nil(t, msg.Schema)
	assert.Nil(t, msg.Payload.Before)
	assert.Equal(t, "c", msg.Payload.Op)
	assert.Equal(t, int64(1700000000123), msg.Payload.TsMs)
	assert.Equal(t, float64(3), msg.Payload.After["n"])
	assert.Equal(t, "timeranger", msg.Payload.Source["connector"])
	assert.Equal(t, "events", msg.Payload.Source["table"])
	assert.Equal(t, "db", msg.Payload.Source["db"])
	assert.Equal(t, float64(3), msg.Payload.Source["rowid"])
}

func TestDebeziumTransformer_MetadataOnly(t *testing.T) {
	e := testEvent()
	e.Content = nil
	out, err := NewDebeziumTransformer().Transform(e)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"after":null`)

	e.Content = []byte(`{broken`)
	_, err = NewDebeziumTransformer().Transform(e)
	assert.Error(t, err)
}
