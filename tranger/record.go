package tranger

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/buger/jsonparser"
	"github.com/maxpert/timeranger/md2"
)

// MetadataField is the record field carrying the descriptor view.
const MetadataField = "__md_tranger__"

// Record is one appended or loaded record.
type Record struct {
	Topic    string
	Key      string
	Rowid    uint64 // 1 based, unique within the key
	Metadata md2.Metadata
	// Content is the JSON payload, nil when only metadata was requested.
	Content json.RawMessage
}

// LoadRecordFunc receives records from iterators and realtime subscriptions.
// id is the iterator or subscription id. Returning ErrBreak, or any error,
// stops a historical load; realtime deliveries ignore the result.
type LoadRecordFunc func(id string, rec *Record) error

// Info returns the descriptor view of the record.
func (r *Record) Info() md2.Info {
	return r.Metadata.Info(r.Rowid)
}

// JSON returns the content with the descriptor view set as __md_tranger__.
func (r *Record) JSON() (json.RawMessage, error) {
	content := []byte(r.Content)
	if len(content) == 0 {
		content = []byte("{}")
	}
	md, err := json.Marshal(r.Info())
	if err != nil {
		return nil, err
	}
	out, err := jsonparser.Set(append([]byte(nil), content...), md, MetadataField)
	if err != nil {
		return nil, fmt.Errorf("%w: set %s: %v", ErrCorrupted, MetadataField, err)
	}
	return out, nil
}

// clone returns a shallow copy safe to hand to one subscriber.
func (r *Record) clone() *Record {
	c := *r
	return &c
}

// FormatRecord renders the metadata of a record on one line:
// rowid, flags, times, key, offset and size.
func (t *Topic) FormatRecord(r *Record) string {
	sf := t.desc.SystemFlag
	var b strings.Builder
	fmt.Fprintf(&b, "rowid:%d, uflag:0x%X, sflag:0x%X, t:%s, tm:%s, key:%s, off:%d, size:%d",
		r.Rowid,
		r.Metadata.UserFlag,
		uint16(r.Metadata.SystemFlag),
		formatTime(r.Metadata.T, sf&md2.TMs != 0),
		formatTime(r.Metadata.TM, sf&md2.TmMs != 0),
		r.Key,
		r.Metadata.Offset,
		r.Metadata.Size,
	)
	return b.String()
}

func formatTime(v uint64, ms bool) string {
	var ts time.Time
	if ms {
		ts = time.UnixMilli(int64(v))
	} else {
		ts = time.Unix(int64(v), 0)
	}
	return ts.UTC().Format("2006-01-02T15:04:05Z0700")
}
