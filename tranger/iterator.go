package tranger

import (
	"errors"
	"fmt"

	"github.com/maxpert/timeranger/telemetry"
	"github.com/rs/zerolog/log"
)

// Iterator is a query over the records of one key. It loads the history
// selected by its MatchCond at open and, when the condition has no upper
// bound, keeps following new records through a realtime subscription.
type Iterator struct {
	id    string
	key   string
	topic *Topic
	cond  MatchCond
	cb    LoadRecordFunc

	segs     []Segment
	size     uint64
	rowid    uint64
	realtime bool

	rtMem  *RtMem
	rtDisk *RtDisk
}

func (it *Iterator) ID() string          { return it.id }
func (it *Iterator) Key() string         { return it.key }
func (it *Iterator) Topic() string       { return it.topic.name }
func (it *Iterator) Cond() MatchCond     { return it.cond }
func (it *Iterator) Segments() []Segment { return append([]Segment(nil), it.segs...) }
func (it *Iterator) Realtime() bool      { return it.realtime }
func (it *Iterator) RtMem() *RtMem       { return it.rtMem }
func (it *Iterator) RtDisk() *RtDisk     { return it.rtDisk }

// Size returns the rows selected by the segments at open.
func (it *Iterator) Size() uint64 { return it.size }

// Cursor returns the rowid of the last record delivered, 0 if none.
func (it *Iterator) Cursor() uint64 { return it.rowid }

// Page is one window of a key returned by IteratorGetPage.
type Page struct {
	TotalRows uint64    `json:"total_rows"`
	Pages     uint64    `json:"pages"`
	Data      []*Record `json:"-"`
}

func registryID(topic, id string) string {
	return topic + "/" + id
}

// OpenIterator opens an iterator over one key of a topic.
//
// Historical records selected by cond are passed to cb, in rowid order or
// reversed when cond.Backward, and appended to data when it is not nil. cb
// returning an error stops the history. id defaults to the key. When cond
// has no upper bound and cb is set, the iterator then follows new records:
// through rt_mem on a master asking cond.RtByMem, otherwise through rt_disk.
func (db *Database) OpenIterator(topic, key string, cond MatchCond, cb LoadRecordFunc, id string, data *[]*Record) (*Iterator, error) {
	if key == "" {
		log.Error().Str("msgset", msgsetParameter).Str("topic", topic).Msg("What key?")
		return nil, fmt.Errorf("%w: iterator needs a key", ErrInvalidParameter)
	}
	t, err := db.Topic(topic)
	if err != nil {
		return nil, err
	}
	if id == "" {
		id = key
	}
	if _, ok := db.iterators.Load(registryID(topic, id)); ok {
		log.Error().Str("msgset", msgsetParameter).Str("topic", topic).Str("id", id).Msg("Iterator already exists")
		return nil, fmt.Errorf("%w: iterator %s", ErrAlreadyExists, id)
	}

	if !db.master {
		t.reloadKey(key)
	}

	it := &Iterator{
		id:       id,
		key:      key,
		topic:    t,
		cond:     cond,
		cb:       cb,
		realtime: cond.realtime(),
	}

	segs, r := t.getSegments(key, cond)
	it.segs = segs
	if !r.empty() {
		for _, s := range segs {
			it.size += min(s.LastRow, r.to) - max(s.FirstRow, r.from) + 1
		}
	}

	loaded := it.loadHistory(r, data)
	telemetry.RowsLoaded.With("iterator").Observe(float64(loaded))

	if it.realtime && cb != nil {
		if err := it.follow(); err != nil {
			return nil, err
		}
	}

	db.iterators.Store(registryID(topic, id), it)
	telemetry.RtSubscriptions.With("iterator").Inc()
	log.Debug().
		Str("topic", topic).
		Str("key", key).
		Str("id", id).
		Uint64("size", it.size).
		Int("loaded", loaded).
		Bool("realtime", it.realtime).
		Msg("Iterator opened")
	return it, nil
}

func (it *Iterator) loadHistory(r rowRange, data *[]*Record) int {
	t := it.topic
	c := newCursor(t, it.segs, r, it.cond.Backward)
	loaded := 0
	for ok := c.first(); ok; ok = c.next() {
		fileID, relative := c.position()
		md, err := t.readMD(it.key, fileID, relative)
		if err != nil {
			break
		}
		if !it.cond.matchMetadata(md) {
			continue
		}
		rec := &Record{Topic: t.name, Key: it.key, Rowid: c.rowid, Metadata: md}
		if !it.cond.OnlyMd {
			content, err := t.readContent(it.key, fileID, md)
			if err != nil {
				log.Error().Err(err).Str("topic", t.name).Str("key", it.key).Uint64("rowid", c.rowid).Msg("Cannot load record content")
				continue
			}
			rec.Content = content
		}
		it.rowid = c.rowid
		loaded++
		if data != nil {
			*data = append(*data, rec)
		}
		if it.cb != nil {
			if err := it.cb(it.id, rec); err != nil {
				if !errors.Is(err, ErrBreak) {
					log.Debug().Err(err).Str("topic", t.name).Str("id", it.id).Msg("Iterator load stopped")
				}
				break
			}
		}
	}
	return loaded
}

// follow opens the realtime subscription feeding the iterator callback.
func (it *Iterator) follow() error {
	db := it.topic.db
	cb := func(_ string, rec *Record) error {
		if rec.Rowid > 0 {
			it.rowid = rec.Rowid
		}
		return it.cb(it.id, rec)
	}
	subID := db.newID("iterator", it.topic.name, it.id)

	if db.master && it.cond.RtByMem {
		m, err := db.openRtMem(it.topic, it.key, it.cond, cb, subID, it.id)
		if err != nil {
			return err
		}
		it.rtMem = m
		return nil
	}
	d, err := db.openRtDisk(it.topic, it.key, it.cond, cb, subID, it.id)
	if err != nil {
		return err
	}
	it.rtDisk = d
	return nil
}

// CloseIterator closes the iterator and its realtime subscription.
func (db *Database) CloseIterator(it *Iterator) error {
	if it == nil {
		return fmt.Errorf("%w: nil iterator", ErrInvalidParameter)
	}
	if _, ok := db.iterators.LoadAndDelete(registryID(it.topic.name, it.id)); !ok {
		return fmt.Errorf("%w: iterator %s", ErrNotFound, it.id)
	}
	if it.rtMem != nil {
		db.CloseRtMem(it.rtMem)
		it.rtMem = nil
	}
	if it.rtDisk != nil {
		db.CloseRtDisk(it.rtDisk)
		it.rtDisk = nil
	}
	telemetry.RtSubscriptions.With("iterator").Dec()
	return nil
}

// GetIteratorByID returns an open iterator of a topic.
func (db *Database) GetIteratorByID(topic, id string) (*Iterator, bool) {
	return db.iterators.Load(registryID(topic, id))
}

// IteratorGetPage reads a window of up to limit records of the iterator key.
//
// fromRowid is the first rowid of the window: 0 means the first record, or
// the last when backward; negative values count from the end. The page
// covers rowids fromRowid to fromRowid+limit-1 in both directions, newest
// first when backward. The window is computed on the current key cache, so
// records appended after the iterator opened are visible. The iterator time
// and user flag filters still apply.
func (db *Database) IteratorGetPage(it *Iterator, fromRowid int64, limit int, backward bool) (Page, error) {
	if it == nil {
		return Page{}, fmt.Errorf("%w: nil iterator", ErrInvalidParameter)
	}
	t := it.topic
	if !db.master {
		t.reloadKey(it.key)
	}

	total := t.keyRows(it.key)
	page := Page{TotalRows: total}
	if limit <= 0 || total == 0 {
		return page, nil
	}
	page.Pages = (total + uint64(limit) - 1) / uint64(limit)

	var start uint64
	switch {
	case fromRowid == 0:
		if backward {
			start = total
		} else {
			start = 1
		}
	case fromRowid < 0:
		n := int64(total) + fromRowid + 1
		start = uint64(max(n, 1))
	default:
		start = uint64(fromRowid)
	}
	if start > total {
		return page, nil
	}

	// Same window both ways, backward only reverses the walk
	from := start
	to := min(start+uint64(limit)-1, total)

	cond := MatchCond{FromRowid: int64(from), ToRowid: int64(to)}
	segs, r := t.getSegments(it.key, cond)
	c := newCursor(t, segs, r, backward)
	for ok := c.first(); ok; ok = c.next() {
		fileID, relative := c.position()
		md, err := t.readMD(it.key, fileID, relative)
		if err != nil {
			return page, err
		}
		if !it.cond.matchMetadata(md) {
			continue
		}
		rec := &Record{Topic: t.name, Key: it.key, Rowid: c.rowid, Metadata: md}
		if !it.cond.OnlyMd {
			content, err := t.readContent(it.key, fileID, md)
			if err != nil {
				log.Error().Err(err).Str("topic", t.name).Str("key", it.key).Uint64("rowid", c.rowid).Msg("Cannot load record content")
				continue
			}
			rec.Content = content
		}
		page.Data = append(page.Data, rec)
	}
	telemetry.RowsLoaded.With("page").Observe(float64(len(page.Data)))
	return page, nil
}
