package publisher

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/maxpert/timeranger/md2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvent(topic, key string, rowid uint64) Event {
	return Event{
		Database: "db",
		Topic:    topic,
		Key:      key,
		Rowid:    rowid,
		Info:     md2.Info{Rowid: rowid, T: 1700000000, Size: 10},
		Content:  []byte(fmt.Sprintf(`{"id":%q,"n":%d}`, key, rowid)),
	}
}

func openLog(t *testing.T, dir string) *PublishLog {
	t.Helper()
	pl, err := NewPublishLog(dir)
	require.NoError(t, err)
	return pl
}

func TestNewPublishLog(t *testing.T) {
	dir := t.TempDir()
	pl := openLog(t, dir)
	defer pl.Close()

	assert.Equal(t, filepath.Join(dir, "outbox"), pl.path)
	assert.Zero(t, pl.LastSeq())
	assert.Empty(t, pl.cursors)
}

func TestPublishLog_AppendAndRead(t *testing.T) {
	pl := openLog(t, t.TempDir())
	defer pl.Close()

	events := []Event{testEvent("events", "a", 1), testEvent("events", "b", 1), testEvent("events", "a", 2)}
	require.NoError(t, pl.Append(events))
	assert.Equal(t, uint64(1), events[0].SeqNum)
	assert.Equal(t, uint64(3), events[2].SeqNum)
	assert.Equal(t, uint64(3), pl.LastSeq())

	got, err := pl.ReadFrom(0, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, e := range got {
		assert.Equal(t, uint64(i+1), e.SeqNum)
		assert.Equal(t, events[i].Key, e.Key)
		assert.Equal(t, events[i].Info, e.Info)
		assert.Equal(t, events[i].Content, e.Content)
	}

	got, err = pl.ReadFrom(1, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(2), got[0].SeqNum)

	got, err = pl.ReadFrom(3, 10)
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, pl.Append(nil))
	assert.Equal(t, uint64(3), pl.LastSeq())
}

func TestPublishLog_CaptureMarks(t *testing.T) {
	pl := openLog(t, t.TempDir())
	defer pl.Close()

	mark, err := pl.Captured("events", "a")
	require.NoError(t, err)
	assert.Zero(t, mark)

	require.NoError(t, pl.Append([]Event{testEvent("events", "a", 4), testEvent("events", "a", 5), testEvent("other", "a", 9)}))

	mark, err = pl.Captured("events", "a")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), mark)

	mark, err = pl.Captured("other", "a")
	require.NoError(t, err)
	assert.Equal(t, uint64(9), mark)
}

func TestPublishLog_Persistence(t *testing.T) {
	dir := t.TempDir()

	pl := openLog(t, dir)
	require.NoError(t, pl.Append([]Event{testEvent("events", "a", 1), testEvent("events", "a", 2)}))
	require.NoError(t, pl.AdvanceCursor("kafka", 1))
	require.NoError(t, pl.Close())
	assert.Error(t, pl.Close())

	pl = openLog(t, dir)
	defer pl.Close()

	assert.Equal(t, uint64(2), pl.LastSeq())
	cursor, err := pl.GetCursor("kafka")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cursor)
	mark, err := pl.Captured("events", "a")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), mark)

	events := []Event{testEvent("events", "a", 3)}
	require.NoError(t, pl.Append(events))
	assert.Equal(t, uint64(3), events[0].SeqNum)
}

func TestPublishLog_Cursors(t *testing.T) {
	pl := openLog(t, t.TempDir())
	defer pl.Close()

	cursor, err := pl.GetCursor("new")
	require.NoError(t, err)
	assert.Zero(t, cursor)

	require.NoError(t, pl.AdvanceCursor("a", 10))
	require.NoError(t, pl.AdvanceCursor("b", 20))
	a, _ := pl.GetCursor("a")
	b, _ := pl.GetCursor("b")
	assert.Equal(t, uint64(10), a)
	assert.Equal(t, uint64(20), b)
}

func TestPublishLog_Cleanup(t *testing.T) {
	pl := openLog(t, t.TempDir())
	defer pl.Close()

	events := make([]Event, 0, 10)
	for i := uint64(1); i <= 10; i++ {
		events = append(events, testEvent("events", "a", i))
	}
	require.NoError(t, pl.Append(events))

	require.NoError(t, pl.AdvanceCursor("fast", 8))
	require.NoError(t, pl.AdvanceCursor("slow", 5))
	pl.cleanup()

	got, err := pl.ReadFrom(0, 100)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, uint64(5), got[0].SeqNum)
	assert.Len(t, got, 6)
}

func TestPublishLog_Closed(t *testing.T) {
	pl := openLog(t, t.TempDir())
	require.NoError(t, pl.Close())

	assert.ErrorIs(t, pl.Append([]Event{testEvent("events", "a", 1)}), errLogClosed)
	_, err := pl.ReadFrom(0, 1)
	assert.ErrorIs(t, err, errLogClosed)
	_, err = pl.Captured("events", "a")
	assert.ErrorIs(t, err, errLogClosed)
	assert.ErrorIs(t, pl.AdvanceCursor("x", 1), errLogClosed)
}

func TestPublishLog_ConcurrentAppends(t *testing.T) {
	pl := openLog(t, t.TempDir())
	defer pl.Close()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 1; i <= 25; i++ {
				assert.NoError(t, pl.Append([]Event{testEvent("events", fmt.Sprint(g), uint64(i))}))
			}
		}(g)
	}
	wg.Wait()

	got, err := pl.ReadFrom(0, 1000)
	require.NoError(t, err)
	require.Len(t, got, 200)
	for i, e := range got {
		assert.Equal(t, uint64(i+1), e.SeqNum)
	}
}

func TestPrefixUpperBound(t *testing.T) {
	assert.Equal(t, []byte("/ev0"), prefixUpperBound([]byte("/ev/")))
	assert.Equal(t, []byte{0x01}, prefixUpperBound([]byte{0x00, 0xff}))
	assert.Nil(t, prefixUpperBound([]byte{0xff, 0xff}))
	assert.Equal(t, "/ev/000000000000002a", string(eventKey(42)))
}
