package tranger

import (
	"fmt"
	"testing"

	"github.com/maxpert/timeranger/md2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRtMem_FanOut(t *testing.T) {
	db := openDB(t, nil, t.TempDir(), true)
	createTopic(t, db, md2.StringKey)

	var onlyA, all []*Record
	a, err := db.OpenRtMem(testTopic, "a", MatchCond{}, collector(&onlyA), "only-a")
	require.NoError(t, err)
	_, err = db.OpenRtMem(testTopic, "", MatchCond{OnlyMd: true}, collector(&all), "")
	require.NoError(t, err)

	appendN(t, db, "a", day1, 2)
	appendN(t, db, "b", day1, 1)

	require.Len(t, onlyA, 2)
	require.Len(t, all, 3)
	assert.Equal(t, []uint64{1, 2}, rowids(onlyA))
	assert.NotEmpty(t, onlyA[0].Content)
	assert.Nil(t, all[0].Content)
	assert.Equal(t, "b", all[2].Key)

	got, ok := db.GetRtMemByID(testTopic, "only-a")
	require.True(t, ok)
	assert.Same(t, a, got)

	require.NoError(t, db.CloseRtMem(a))
	appendN(t, db, "a", day1, 1)
	assert.Len(t, onlyA, 2)
	assert.Len(t, all, 4)
	_, ok = db.GetRtMemByID(testTopic, "only-a")
	assert.False(t, ok)
	assert.ErrorIs(t, db.CloseRtMem(a), ErrNotFound)
}

func TestRtMem_Filters(t *testing.T) {
	db := openDB(t, nil, t.TempDir(), true)
	createTopic(t, db, md2.StringKey)

	var got []*Record
	_, err := db.OpenRtMem(testTopic, "a", MatchCond{FromRowid: 3, UserFlagMaskSet: 0x1}, collector(&got), "")
	require.NoError(t, err)

	for i, flag := range []uint16{1, 1, 1, 0, 1} {
		_, err := db.AppendRecord(testTopic, day1, flag, []byte(fmt.Sprintf(`{"id":"a","n":%d}`, i)))
		require.NoError(t, err)
	}
	assert.Equal(t, []uint64{3, 5}, rowids(got))
}

func TestRtMem_Rejects(t *testing.T) {
	dir := t.TempDir()
	db := openDB(t, nil, dir, true)
	createTopic(t, db, md2.StringKey)

	_, err := db.OpenRtMem(testTopic, "", MatchCond{}, nil, "")
	assert.ErrorIs(t, err, ErrInvalidParameter)

	_, err = db.OpenRtMem(testTopic, "", MatchCond{}, collector(new([]*Record)), "x")
	require.NoError(t, err)
	_, err = db.OpenRtMem(testTopic, "", MatchCond{}, collector(new([]*Record)), "x")
	assert.ErrorIs(t, err, ErrAlreadyExists)

	reader := openDB(t, nil, dir, false)
	_, err = reader.OpenRtMem(testTopic, "", MatchCond{}, collector(new([]*Record)), "")
	assert.ErrorIs(t, err, ErrNotMaster)
}

func TestRtDisk_NeedsLoop(t *testing.T) {
	db := openDB(t, nil, t.TempDir(), true)
	createTopic(t, db, md2.StringKey)

	_, err := db.OpenRtDisk(testTopic, "", MatchCond{}, collector(new([]*Record)), "")
	assert.ErrorIs(t, err, ErrNoLoop)
}

func TestCloseTopic_ClosesRtMem(t *testing.T) {
	db := openDB(t, nil, t.TempDir(), true)
	createTopic(t, db, md2.StringKey)

	_, err := db.OpenRtMem(testTopic, "", MatchCond{}, collector(new([]*Record)), "sub")
	require.NoError(t, err)
	assert.Equal(t, 1, db.Stats().RtMem)

	require.NoError(t, db.CloseTopic(testTopic))
	assert.Zero(t, db.Stats().RtMem)
}
