// Package transformer provides the payload formats of the publisher.
// Importing it registers "json", "msgpack" and "debezium".
package transformer

import (
	"github.com/maxpert/timeranger/encoding"
	"github.com/maxpert/timeranger/publisher"
)

func init() {
	publisher.RegisterTransformer("json", func() publisher.Transformer { return JSONTransformer{} })
	publisher.RegisterTransformer("msgpack", func() publisher.Transformer { return MsgpackTransformer{} })
	publisher.RegisterTransformer("debezium", func() publisher.Transformer { return NewDebeziumTransformer() })
}

// JSONTransformer emits the record content with its descriptor set as
// __md_tranger__, the same document the list command prints.
type JSONTransformer struct{}

func (JSONTransformer) Transform(event publisher.Event) ([]byte, error) {
	return event.Record().JSON()
}

func (JSONTransformer) ContentType() string { return "application/json" }

// MsgpackTransformer emits encoding.ExportedRecord as msgpack
type MsgpackTransformer struct{}

func (MsgpackTransformer) Transform(event publisher.Event) ([]byte, error) {
	out, err := encoding.Export(event.Record())
	if err != nil {
		return nil, err
	}
	return encoding.Marshal(out)
}

func (MsgpackTransformer) ContentType() string { return "application/msgpack" }
