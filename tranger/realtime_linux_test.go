//go:build linux

package tranger

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/maxpert/timeranger/evloop"
	"github.com/maxpert/timeranger/md2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runUntil(t *testing.T, loop *evloop.Loop, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, loop.RunUntil(ctx, cond))
}

func TestRtDisk_DeliversAcrossHandles(t *testing.T) {
	dir := t.TempDir()
	loop := evloop.New()

	master := openDB(t, loop, dir, true)
	createTopic(t, master, md2.StringKey)
	appendN(t, master, "a", day1, 2)

	client := openDB(t, loop, dir, false)
	require.False(t, client.Master())

	var got []*Record
	d, err := client.OpenRtDisk(testTopic, "", MatchCond{}, collector(&got), "client1")
	require.NoError(t, err)
	runUntil(t, loop, func() bool {
		_, ok := master.GetRtMemByID(testTopic, "client1")
		return ok
	})

	const batches, perBatch = 4, 5
	for b := 0; b < batches; b++ {
		ts := day1
		if b >= 2 {
			ts = day2
		}
		appendN(t, master, "a", ts, perBatch)
		want := (b + 1) * perBatch
		runUntil(t, loop, func() bool { return len(got) >= want })
	}

	require.Len(t, got, batches*perBatch)
	assert.Equal(t, seq(3, 22), rowids(got))
	for _, rec := range got {
		assert.True(t, rec.Metadata.SystemFlag.Has(md2.LoadingFromDisk))
		assert.Contains(t, string(rec.Content), `"id":"a"`)
	}

	// The client cache follows the deliveries
	size, err := client.TopicKeySize(testTopic, "a")
	require.NoError(t, err)
	assert.Equal(t, uint64(22), size)

	require.NoError(t, client.CloseRtDisk(d))
	_, err = os.Stat(filepath.Join(dir, "db", testTopic, disksDir, "client1"))
	assert.True(t, os.IsNotExist(err))
	runUntil(t, loop, func() bool {
		_, ok := master.GetRtMemByID(testTopic, "client1")
		return !ok
	})
}

func TestRtDisk_KeyFilter(t *testing.T) {
	dir := t.TempDir()
	loop := evloop.New()

	master := openDB(t, loop, dir, true)
	createTopic(t, master, md2.StringKey)
	client := openDB(t, loop, dir, false)

	var got []*Record
	_, err := client.OpenRtDisk(testTopic, "b", MatchCond{OnlyMd: true}, collector(&got), "only-b")
	require.NoError(t, err)
	runUntil(t, loop, func() bool {
		_, ok := master.GetRtMemByID(testTopic, "only-b")
		return ok
	})

	appendN(t, master, "a", day1, 3)
	appendN(t, master, "b", day1, 2)
	runUntil(t, loop, func() bool { return len(got) >= 2 })

	for _, rec := range got {
		assert.Equal(t, "b", rec.Key)
		assert.Nil(t, rec.Content)
	}
	assert.Equal(t, []uint64{1, 2}, rowids(got))
}

func TestIterator_FollowsByDisk(t *testing.T) {
	dir := t.TempDir()
	loop := evloop.New()

	master := openDB(t, loop, dir, true)
	seed(t, master)
	client := openDB(t, loop, dir, false)

	var got []*Record
	it, err := client.OpenIterator(testTopic, "a", MatchCond{FromRowid: -1}, collector(&got), "", nil)
	require.NoError(t, err)
	require.NotNil(t, it.RtDisk())
	assert.Equal(t, []uint64{9}, rowids(got))

	runUntil(t, loop, func() bool {
		_, ok := master.GetRtMemByID(testTopic, it.RtDisk().ID())
		return ok
	})
	appendN(t, master, "a", day3, 3)
	runUntil(t, loop, func() bool { return len(got) >= 4 })
	assert.Equal(t, seq(9, 12), rowids(got))
	assert.Equal(t, uint64(12), it.Cursor())

	require.NoError(t, client.CloseIterator(it))
	assert.Zero(t, client.Stats().RtDisk)
}

func TestRtDisk_MasterSubscribesToItself(t *testing.T) {
	loop := evloop.New()
	master := openDB(t, loop, t.TempDir(), true)
	createTopic(t, master, md2.StringKey)

	var got []*Record
	_, err := master.OpenRtDisk(testTopic, "a", MatchCond{}, collector(&got), "self")
	require.NoError(t, err)
	runUntil(t, loop, func() bool {
		m, ok := master.GetRtMemByID(testTopic, "self")
		return ok && m.Internal()
	})

	appendN(t, master, "a", day1, 3)
	runUntil(t, loop, func() bool { return len(got) >= 3 })
	assert.Equal(t, seq(1, 3), rowids(got))
}
