package tranger

import (
	"testing"

	"github.com/maxpert/timeranger/md2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		name     string
		from, to int64
		want     rowRange
	}{
		{"all", 0, 0, rowRange{1, 10}},
		{"last", -1, 0, rowRange{10, 10}},
		{"tail window", -3, -2, rowRange{8, 9}},
		{"from beyond total", 11, 0, rowRange{}},
		{"from before first", -20, 0, rowRange{1, 10}},
		{"to before first", 0, -20, rowRange{}},
		{"to clamped", 0, 20, rowRange{1, 10}},
		{"window", 3, 5, rowRange{3, 5}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := MatchCond{FromRowid: tc.from, ToRowid: tc.to}.normalize(10)
			if tc.want == (rowRange{}) {
				assert.True(t, got.empty())
				return
			}
			assert.Equal(t, tc.want, got)
		})
	}

	assert.True(t, MatchCond{FromRowid: 5, ToRowid: 3}.normalize(10).empty())
	assert.True(t, MatchCond{}.normalize(0).empty())
}

func TestParseTime(t *testing.T) {
	for in, want := range map[string]int64{
		"2023-11-14T22:13:20Z":      int64(day1),
		"2023-11-14T22:13:20":       int64(day1),
		"2023-11-14T23:13:20+01:00": int64(day1),
		"2023-11-14T22:13:20.5Z":    int64(day1),
		"1700000000":                int64(day1),
		" 42 ":                      42,
	} {
		got, err := ParseTime(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, in := range []string{"", "yesterday", "2023-13-01T00:00:00"} {
		_, err := ParseTime(in)
		assert.ErrorIs(t, err, ErrInvalidParameter, in)
	}
}

func TestMatchMetadata(t *testing.T) {
	md := md2.Metadata{T: 100, TM: 50, UserFlag: 0x6}
	one, six := uint16(1), uint16(6)

	assert.True(t, MatchCond{}.matchMetadata(md))
	assert.True(t, MatchCond{FromT: 100, ToT: 100}.matchMetadata(md))
	assert.False(t, MatchCond{FromT: 101}.matchMetadata(md))
	assert.False(t, MatchCond{ToT: 99}.matchMetadata(md))
	assert.False(t, MatchCond{FromTm: 51}.matchMetadata(md))
	assert.False(t, MatchCond{ToTm: 49}.matchMetadata(md))

	assert.True(t, MatchCond{UserFlag: &six}.matchMetadata(md))
	assert.False(t, MatchCond{UserFlag: &one}.matchMetadata(md))
	assert.False(t, MatchCond{NotUserFlag: &six}.matchMetadata(md))
	assert.True(t, MatchCond{NotUserFlag: &one}.matchMetadata(md))

	assert.True(t, MatchCond{UserFlagMaskSet: 0x2}.matchMetadata(md))
	assert.False(t, MatchCond{UserFlagMaskSet: 0x3}.matchMetadata(md))
	assert.True(t, MatchCond{UserFlagMaskNotset: 0x1}.matchMetadata(md))
	assert.False(t, MatchCond{UserFlagMaskNotset: 0x5}.matchMetadata(md))
}

func TestRealtimeInference(t *testing.T) {
	assert.True(t, MatchCond{}.realtime())
	assert.True(t, MatchCond{FromRowid: -10, FromT: 5}.realtime())
	assert.False(t, MatchCond{ToRowid: -1}.realtime())
	assert.False(t, MatchCond{ToT: 5}.realtime())
	assert.False(t, MatchCond{ToTm: 5}.realtime())
}

func TestSegments(t *testing.T) {
	db := openDB(t, nil, t.TempDir(), true)
	seed(t, db)
	topic, err := db.Topic(testTopic)
	require.NoError(t, err)

	segs, r := topic.getSegments("a", MatchCond{})
	require.Len(t, segs, 3)
	assert.Equal(t, rowRange{1, 9}, r)
	var rows uint64
	for i, s := range segs {
		rows += s.Rows()
		if i > 0 {
			assert.Equal(t, segs[i-1].LastRow+1, s.FirstRow)
		}
	}
	assert.Equal(t, topic.keyRows("a"), rows)

	// Rows 1-2 on day 1, 3-5 on day 2, 6-9 on day 3
	segs, _ = topic.getSegments("a", MatchCond{FromRowid: 4, ToRowid: 6})
	require.Len(t, segs, 2)
	assert.Equal(t, "2023-11-15", segs[0].Cell.ID)
	assert.Equal(t, uint64(3), segs[0].FirstRow)
	assert.Equal(t, uint64(9), segs[1].LastRow)

	segs, _ = topic.getSegments("a", MatchCond{FromRowid: -1, Backward: true})
	require.Len(t, segs, 1)
	assert.Equal(t, "2023-11-16", segs[0].Cell.ID)

	segs, _ = topic.getSegments("a", MatchCond{FromT: int64(day3) + 1})
	assert.Empty(t, segs)
	segs, _ = topic.getSegments("a", MatchCond{ToT: int64(day1) - 1})
	assert.Empty(t, segs)
	segs, _ = topic.getSegments("missing", MatchCond{})
	assert.Empty(t, segs)
}

func TestCursor_WalksBothWays(t *testing.T) {
	db := openDB(t, nil, t.TempDir(), true)
	seed(t, db)
	topic, err := db.Topic(testTopic)
	require.NoError(t, err)

	walk := func(cond MatchCond) []uint64 {
		segs, r := topic.getSegments("a", cond)
		c := newCursor(topic, segs, r, cond.Backward)
		var out []uint64
		for ok := c.first(); ok; ok = c.next() {
			out = append(out, c.rowid)
		}
		return out
	}

	assert.Equal(t, seq(1, 9), walk(MatchCond{}))
	assert.Equal(t, seq(9, 1), walk(MatchCond{Backward: true}))
	assert.Equal(t, seq(2, 7), walk(MatchCond{FromRowid: 2, ToRowid: 7}))
	assert.Equal(t, seq(7, 2), walk(MatchCond{FromRowid: 2, ToRowid: 7, Backward: true}))
	assert.Empty(t, walk(MatchCond{FromRowid: 20}))
}

func TestCursor_StopsOnGap(t *testing.T) {
	segs := []Segment{
		{Key: "a", Cell: CacheCell{ID: "1", Rows: 2}, FirstRow: 1, LastRow: 2},
		{Key: "a", Cell: CacheCell{ID: "2", Rows: 2}, FirstRow: 4, LastRow: 5},
	}
	c := newCursor(&Topic{name: testTopic}, segs, rowRange{1, 5}, false)

	var out []uint64
	for ok := c.first(); ok; ok = c.next() {
		out = append(out, c.rowid)
	}
	assert.Equal(t, []uint64{1, 2}, out)
}
