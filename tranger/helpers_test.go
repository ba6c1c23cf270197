package tranger

import (
	"fmt"
	"testing"

	"github.com/maxpert/timeranger/evloop"
	"github.com/maxpert/timeranger/md2"
	"github.com/stretchr/testify/require"
)

const (
	testTopic = "events"

	day1 uint64 = 1700000000 // 2023-11-14T22:13:20Z
	day2        = day1 + 86400
	day3        = day2 + 86400
)

func openDB(t *testing.T, loop *evloop.Loop, dir string, master bool) *Database {
	t.Helper()
	db, err := Startup(loop, Options{Path: dir, Database: "db", Master: master})
	require.NoError(t, err)
	t.Cleanup(db.Shutdown)
	return db
}

func createTopic(t *testing.T, db *Database, flag md2.SystemFlag) *Topic {
	t.Helper()
	topic, err := db.CreateTopic(TopicSpec{
		Name:       testTopic,
		Pkey:       "id",
		Tkey:       "tm",
		SystemFlag: flag,
	})
	require.NoError(t, err)
	return topic
}

func appendN(t *testing.T, db *Database, key string, ts uint64, n int) []*Record {
	t.Helper()
	recs := make([]*Record, 0, n)
	for i := 0; i < n; i++ {
		rec, err := db.AppendRecord(testTopic, ts, 0, []byte(fmt.Sprintf(`{"id":%q,"n":%d}`, key, i)))
		require.NoError(t, err)
		recs = append(recs, rec)
	}
	return recs
}

// seed writes key "a" over three days (2, 3 and 4 rows) and one row of "b".
func seed(t *testing.T, db *Database) {
	t.Helper()
	createTopic(t, db, md2.StringKey)
	appendN(t, db, "a", day1, 2)
	appendN(t, db, "a", day2, 3)
	appendN(t, db, "a", day3, 4)
	appendN(t, db, "b", day1, 1)
}

func rowids(recs []*Record) []uint64 {
	out := make([]uint64, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Rowid)
	}
	return out
}

func seq(from, to uint64) []uint64 {
	var out []uint64
	if from <= to {
		for i := from; i <= to; i++ {
			out = append(out, i)
		}
		return out
	}
	for i := from; i >= to; i-- {
		out = append(out, i)
	}
	return out
}

func collector(recs *[]*Record) LoadRecordFunc {
	return func(_ string, rec *Record) error {
		*recs = append(*recs, rec)
		return nil
	}
}
