package tranger

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/maxpert/timeranger/md2"
)

// MatchCond selects the records an iterator loads.
//
// Rowids are key absolute and 1 based; negative values count from the end,
// so -1 is the last record. Zero times mean unrestricted.
type MatchCond struct {
	Backward bool
	OnlyMd   bool
	// RtByMem asks a master for an rt_mem subscription instead of rt_disk.
	RtByMem bool

	FromRowid int64
	ToRowid   int64

	FromT  int64
	ToT    int64
	FromTm int64
	ToTm   int64

	UserFlag           *uint16
	NotUserFlag        *uint16
	UserFlagMaskSet    uint16
	UserFlagMaskNotset uint16
}

// realtime reports whether the iterator follows new records after the
// history is loaded.
func (c MatchCond) realtime() bool {
	return c.ToRowid == 0 && c.ToT == 0 && c.ToTm == 0
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
}

// ParseTime parses an ISO 8601 time, or a plain integer, into seconds.
// A time without zone is UTC.
func ParseTime(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if strings.ContainsRune(s, 'T') {
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.Unix(), nil
			}
		}
		return 0, fmt.Errorf("%w: time %q", ErrInvalidParameter, s)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: time %q", ErrInvalidParameter, s)
	}
	return n, nil
}

// rowRange is a normalized rowid interval, both ends included.
type rowRange struct {
	from, to uint64
}

func (r rowRange) empty() bool { return r.from == 0 || r.from > r.to }

// normalize resolves negative and zero rowids against total rows.
func (c MatchCond) normalize(total uint64) rowRange {
	if total == 0 {
		return rowRange{}
	}
	n := int64(total)

	var from uint64
	switch {
	case c.FromRowid == 0:
		from = 1
	case c.FromRowid > 0:
		if c.FromRowid > n {
			return rowRange{}
		}
		from = uint64(c.FromRowid)
	case c.FromRowid < -n:
		from = 1
	default:
		from = uint64(n + c.FromRowid + 1)
	}

	var to uint64
	switch {
	case c.ToRowid == 0:
		to = total
	case c.ToRowid > 0:
		to = min(uint64(c.ToRowid), total)
	case c.ToRowid < -n:
		return rowRange{}
	default:
		to = uint64(n + c.ToRowid + 1)
	}
	return rowRange{from: from, to: to}
}

// timeOverlaps reports whether the time window can hold a record of cell.
func (c MatchCond) timeOverlaps(cell CacheCell) bool {
	if c.FromT > 0 && uint64(c.FromT) > cell.ToT {
		return false
	}
	if c.ToT > 0 && uint64(c.ToT) < cell.FromT {
		return false
	}
	if c.FromTm > 0 && uint64(c.FromTm) > cell.ToTm {
		return false
	}
	if c.ToTm > 0 && uint64(c.ToTm) < cell.FromTm {
		return false
	}
	return true
}

// matchMetadata applies the per record time and user flag filters.
func (c MatchCond) matchMetadata(md md2.Metadata) bool {
	if c.FromT > 0 && md.T < uint64(c.FromT) {
		return false
	}
	if c.ToT > 0 && md.T > uint64(c.ToT) {
		return false
	}
	if c.FromTm > 0 && md.TM < uint64(c.FromTm) {
		return false
	}
	if c.ToTm > 0 && md.TM > uint64(c.ToTm) {
		return false
	}
	if c.UserFlag != nil && md.UserFlag != *c.UserFlag {
		return false
	}
	if c.NotUserFlag != nil && md.UserFlag == *c.NotUserFlag {
		return false
	}
	if md.UserFlag&c.UserFlagMaskSet != c.UserFlagMaskSet {
		return false
	}
	if md.UserFlag&c.UserFlagMaskNotset != 0 {
		return false
	}
	return true
}

// matchRealtime filters a record delivered after the history load.
func (c MatchCond) matchRealtime(rec *Record) bool {
	if c.FromRowid > 0 && rec.Rowid > 0 && rec.Rowid < uint64(c.FromRowid) {
		return false
	}
	return c.matchMetadata(rec.Metadata)
}

// Segment is a shard overlapping a query, annotated with the absolute
// rowids of its first and last rows.
type Segment struct {
	Key      string    `json:"key"`
	Cell     CacheCell `json:"cell"`
	FirstRow uint64    `json:"first_row"`
	LastRow  uint64    `json:"last_row"`
}

// Rows returns the rows of the segment.
func (s Segment) Rows() uint64 { return s.LastRow - s.FirstRow + 1 }

// getSegments returns, in rowid order, the shards of a key holding rows of
// the normalized range. Time bounds that cannot match the key at all give
// no segments.
func (t *Topic) getSegments(key string, cond MatchCond) ([]Segment, rowRange) {
	kc := t.cache[key]
	if kc == nil || kc.Total.Rows == 0 {
		return nil, rowRange{}
	}
	if !cond.timeOverlaps(kc.Total) {
		return nil, rowRange{}
	}
	r := cond.normalize(kc.Total.Rows)
	if r.empty() {
		return nil, r
	}

	var segs []Segment
	var before uint64
	for _, c := range kc.Files {
		if c.Rows == 0 {
			continue
		}
		first, last := before+1, before+c.Rows
		before = last
		if last < r.from || first > r.to {
			continue
		}
		segs = append(segs, Segment{Key: key, Cell: c, FirstRow: first, LastRow: last})
	}
	return segs, r
}

// cursor walks the rowids of a range across contiguous segments.
type cursor struct {
	topic    *Topic
	segs     []Segment
	r        rowRange
	backward bool

	idx   int
	rowid uint64
}

func newCursor(t *Topic, segs []Segment, r rowRange, backward bool) *cursor {
	return &cursor{topic: t, segs: segs, r: r, backward: backward, idx: -1}
}

// first positions the cursor on the first row of the range, false if empty.
func (c *cursor) first() bool {
	if len(c.segs) == 0 || c.r.empty() {
		return false
	}
	if c.backward {
		c.idx = len(c.segs) - 1
		c.rowid = min(c.r.to, c.segs[c.idx].LastRow)
	} else {
		c.idx = 0
		c.rowid = max(c.r.from, c.segs[0].FirstRow)
	}
	return c.rowid >= c.segs[c.idx].FirstRow && c.rowid <= c.segs[c.idx].LastRow
}

// next advances one row, moving to the adjacent segment at a boundary.
func (c *cursor) next() bool {
	if c.idx < 0 {
		return false
	}
	seg := c.segs[c.idx]
	if c.backward {
		if c.rowid <= c.r.from {
			return false
		}
		c.rowid--
		if c.rowid >= seg.FirstRow {
			return true
		}
		c.idx--
		if c.idx < 0 {
			return false
		}
		if c.segs[c.idx].LastRow != c.rowid {
			c.broken()
			return false
		}
		return true
	}

	if c.rowid >= c.r.to {
		return false
	}
	c.rowid++
	if c.rowid <= seg.LastRow {
		return true
	}
	c.idx++
	if c.idx >= len(c.segs) {
		return false
	}
	if c.segs[c.idx].FirstRow != c.rowid {
		c.broken()
		return false
	}
	return true
}

func (c *cursor) broken() {
	seg := c.segs[c.idx]
	corrupted("segments", "Segments not consecutive", map[string]interface{}{
		"topic":     c.topic.name,
		"key":       seg.Key,
		"file_id":   seg.Cell.ID,
		"rowid":     c.rowid,
		"first_row": seg.FirstRow,
		"last_row":  seg.LastRow,
	})
	c.idx = -1
}

// position returns the shard and 0 based row of the current rowid.
func (c *cursor) position() (string, uint64) {
	seg := c.segs[c.idx]
	return seg.Cell.ID, c.rowid - seg.FirstRow
}
