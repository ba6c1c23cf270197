package encoding

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/maxpert/timeranger/md2"
	"github.com/maxpert/timeranger/tranger"
	"github.com/vmihailenco/msgpack/v5"
)

// Format selects the export encoding
type Format string

const (
	FormatJSON    Format = "json"    // One JSON document per line
	FormatMsgpack Format = "msgpack" // Concatenated msgpack maps
	FormatText    Format = "text"    // One metadata line per record
)

// ParseFormat validates a format name
func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case FormatJSON, FormatMsgpack, FormatText:
		return f, nil
	}
	return "", fmt.Errorf("unknown export format %q", s)
}

// ExportedRecord is the msgpack shape of a record
type ExportedRecord struct {
	Topic   string      `json:"topic"`
	Key     string      `json:"key"`
	Info    md2.Info    `json:"md"`
	Content interface{} `json:"content,omitempty"`
}

// RecordWriter streams records to an io.Writer. It is not safe for
// concurrent use.
type RecordWriter struct {
	w      *bufio.Writer
	format Format
	topic  *tranger.Topic
	enc    *msgpack.Encoder
}

// NewRecordWriter returns a writer in the given format. topic is only
// needed by FormatText, which renders through the topic's time flags.
func NewRecordWriter(w io.Writer, format Format, topic *tranger.Topic) *RecordWriter {
	bw := bufio.NewWriter(w)
	rw := &RecordWriter{w: bw, format: format, topic: topic}
	if format == FormatMsgpack {
		rw.enc = msgpack.NewEncoder(bw)
		rw.enc.SetCustomStructTag("json")
	}
	return rw
}

// Write encodes one record
func (rw *RecordWriter) Write(rec *tranger.Record) error {
	switch rw.format {
	case FormatMsgpack:
		out, err := Export(rec)
		if err != nil {
			return err
		}
		return rw.enc.Encode(out)
	case FormatText:
		if rw.topic == nil {
			return fmt.Errorf("text format needs a topic")
		}
		_, err := fmt.Fprintln(rw.w, rw.topic.FormatRecord(rec))
		return err
	default:
		doc, err := rec.JSON()
		if err != nil {
			return err
		}
		if _, err := rw.w.Write(doc); err != nil {
			return err
		}
		return rw.w.WriteByte('\n')
	}
}

// Flush writes any buffered data to the underlying writer
func (rw *RecordWriter) Flush() error {
	return rw.w.Flush()
}

// Export converts a record to its msgpack shape, decoding the JSON content
func Export(rec *tranger.Record) (*ExportedRecord, error) {
	out := &ExportedRecord{
		Topic: rec.Topic,
		Key:   rec.Key,
		Info:  rec.Info(),
	}
	if len(rec.Content) > 0 {
		if err := json.Unmarshal(rec.Content, &out.Content); err != nil {
			return nil, fmt.Errorf("record %s/%d content: %w", rec.Key, rec.Rowid, err)
		}
	}
	return out, nil
}

// DecodeRecords reads every msgpack record from r
func DecodeRecords(r io.Reader) ([]*ExportedRecord, error) {
	dec := msgpack.NewDecoder(r)
	dec.SetCustomStructTag("json")
	dec.UseLooseInterfaceDecoding(true)

	var out []*ExportedRecord
	for {
		var rec ExportedRecord
		if err := dec.Decode(&rec); err != nil {
			if err == io.EOF {
				return out, nil
			}
			return out, err
		}
		out = append(out, &rec)
	}
}
