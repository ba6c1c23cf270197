package publisher

import (
	"testing"

	"github.com/maxpert/timeranger/encoding"
	"github.com/maxpert/timeranger/md2"
	"github.com/maxpert/timeranger/tranger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvent_RecordRoundTrip(t *testing.T) {
	rec := &tranger.Record{
		Topic: "events",
		Key:   "a",
		Rowid: 12,
		Metadata: md2.Metadata{
			T:          1700000000,
			TM:         1699999999,
			UserFlag:   0x3,
			SystemFlag: md2.ZipRecord,
			Offset:     512,
			Size:       40,
		},
		Content: []byte(`{"id":"a"}`),
	}

	e := NewEvent("db", rec, 9)
	assert.Equal(t, "db", e.Database)
	assert.Equal(t, uint64(9), e.NodeID)
	assert.NotZero(t, e.CaptureTS)
	assert.Equal(t, rec.Info(), e.Info)

	data, err := encoding.Marshal(&e)
	require.NoError(t, err)
	var back Event
	require.NoError(t, encoding.Unmarshal(data, &back))
	assert.Equal(t, e, back)
	assert.Equal(t, rec, back.Record())
}

func TestEvent_MetadataOnly(t *testing.T) {
	rec := &tranger.Record{Topic: "events", Key: "a", Rowid: 1}
	e := NewEvent("db", rec, 1)

	data, err := encoding.Marshal(&e)
	require.NoError(t, err)
	var back Event
	require.NoError(t, encoding.Unmarshal(data, &back))
	assert.Nil(t, back.Content)
	assert.Nil(t, back.Record().Content)
}
