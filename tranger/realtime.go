package tranger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/maxpert/timeranger/fswatch"
	"github.com/maxpert/timeranger/md2"
	"github.com/maxpert/timeranger/notify"
	"github.com/maxpert/timeranger/telemetry"
	"github.com/rs/zerolog/log"
)

// RtMem is an in process realtime subscription fed directly by appends.
type RtMem struct {
	id    string
	owner string // id passed to the callback
	key   string
	topic *Topic
	cond  MatchCond
	cb    LoadRecordFunc

	cancel func()

	// Set on the master for the subscription mirroring a disks/{id} directory
	internal bool
}

func (m *RtMem) ID() string    { return m.id }
func (m *RtMem) Key() string   { return m.key }
func (m *RtMem) Topic() string { return m.topic.name }

// Internal reports whether the master opened it for an rt_disk subscriber.
func (m *RtMem) Internal() bool { return m.internal }

// RtDisk is a realtime subscription fed through the file system. The master
// hard links every shard receiving a record into disks/{id}/{key}/; the
// subscriber unlinks it and reads the rows it has not delivered yet.
type RtDisk struct {
	id    string
	owner string
	key   string
	topic *Topic
	cond  MatchCond
	cb    LoadRecordFunc

	path    string
	watcher *fswatch.Watcher

	// Rows already seen, per key and file id
	rows map[string]map[string]uint64
}

func (d *RtDisk) ID() string    { return d.id }
func (d *RtDisk) Key() string   { return d.key }
func (d *RtDisk) Topic() string { return d.topic.name }
func (d *RtDisk) Path() string  { return d.path }

// OpenRtMem subscribes cb to the records appended to a key of the topic, or
// to every key when key is empty. Only the master appends, so only the
// master can open one.
func (db *Database) OpenRtMem(topic, key string, cond MatchCond, cb LoadRecordFunc, id string) (*RtMem, error) {
	t, err := db.Topic(topic)
	if err != nil {
		return nil, err
	}
	if id == "" {
		id = db.newID("rt_mem", topic, key)
	}
	return db.openRtMem(t, key, cond, cb, id, id)
}

func (db *Database) openRtMem(t *Topic, key string, cond MatchCond, cb LoadRecordFunc, id, owner string) (*RtMem, error) {
	if !db.master {
		log.Error().Str("msgset", msgsetParameter).Str("topic", t.name).Msg("rt_mem needs the master")
		return nil, fmt.Errorf("%w: rt_mem on %s", ErrNotMaster, t.name)
	}
	if cb == nil {
		return nil, fmt.Errorf("%w: rt_mem without callback", ErrInvalidParameter)
	}
	if !validName(id) {
		return nil, fmt.Errorf("%w: rt_mem id %q", ErrInvalidParameter, id)
	}
	if _, ok := db.rtMems.Load(registryID(t.name, id)); ok {
		return nil, fmt.Errorf("%w: rt_mem %s", ErrAlreadyExists, id)
	}

	m := &RtMem{
		id:    id,
		owner: owner,
		key:   key,
		topic: t,
		cond:  cond,
		cb:    cb,
	}
	var filter notify.Filter
	if key != "" {
		filter.Keys = []string{key}
	}
	_, m.cancel = t.hub.Subscribe(filter, m.deliver)

	db.rtMems.Store(registryID(t.name, id), m)
	telemetry.RtSubscriptions.With("mem").Inc()
	log.Debug().Str("topic", t.name).Str("key", key).Str("id", id).Msg("rt_mem opened")
	return m, nil
}

func (m *RtMem) deliver(rec *Record) {
	if !m.cond.matchRealtime(rec) {
		return
	}
	c := rec.clone()
	if m.cond.OnlyMd {
		c.Content = nil
	}
	telemetry.RtDeliveriesTotal.With("mem").Inc()
	if err := m.cb(m.owner, c); err != nil && !errors.Is(err, ErrBreak) {
		log.Debug().Err(err).Str("topic", m.topic.name).Str("id", m.id).Msg("rt_mem callback failed")
	}
}

// CloseRtMem cancels the subscription.
func (db *Database) CloseRtMem(m *RtMem) error {
	if m == nil {
		return fmt.Errorf("%w: nil rt_mem", ErrInvalidParameter)
	}
	if _, ok := db.rtMems.LoadAndDelete(registryID(m.topic.name, m.id)); !ok {
		return fmt.Errorf("%w: rt_mem %s", ErrNotFound, m.id)
	}
	m.cancel()
	telemetry.RtSubscriptions.With("mem").Dec()
	log.Debug().Str("topic", m.topic.name).Str("id", m.id).Msg("rt_mem closed")
	return nil
}

// GetRtMemByID returns an open rt_mem of a topic.
func (db *Database) GetRtMemByID(topic, id string) (*RtMem, bool) {
	return db.rtMems.Load(registryID(topic, id))
}

// OpenRtDisk subscribes cb to the records appended by the master to a key
// of the topic, or to every key when key is empty. It works in any process
// and needs the event loop. Records already on disk when it opens are not
// delivered.
func (db *Database) OpenRtDisk(topic, key string, cond MatchCond, cb LoadRecordFunc, id string) (*RtDisk, error) {
	t, err := db.Topic(topic)
	if err != nil {
		return nil, err
	}
	if id == "" {
		id = db.newID("rt_disk", topic, key)
	}
	return db.openRtDisk(t, key, cond, cb, id, id)
}

func (db *Database) openRtDisk(t *Topic, key string, cond MatchCond, cb LoadRecordFunc, id, owner string) (*RtDisk, error) {
	if db.loop == nil {
		return nil, fmt.Errorf("%w: rt_disk on %s", ErrNoLoop, t.name)
	}
	if cb == nil {
		return nil, fmt.Errorf("%w: rt_disk without callback", ErrInvalidParameter)
	}
	if !validName(id) {
		return nil, fmt.Errorf("%w: rt_disk id %q", ErrInvalidParameter, id)
	}
	if _, ok := db.rtDisks.Load(registryID(t.name, id)); ok {
		return nil, fmt.Errorf("%w: rt_disk %s", ErrAlreadyExists, id)
	}

	if !db.master {
		t.reloadKey(key)
	}

	d := &RtDisk{
		id:    id,
		owner: owner,
		key:   key,
		topic: t,
		cond:  cond,
		cb:    cb,
		path:  filepath.Join(t.disksPath(), id),
		rows:  map[string]map[string]uint64{},
	}
	for k, kc := range t.cache {
		if key != "" && k != key {
			continue
		}
		d.rows[k] = make(map[string]uint64, len(kc.Files))
		for _, c := range kc.Files {
			d.rows[k][c.ID] = c.Rows
		}
	}

	// A stale directory left by a dead subscriber would hide the first links
	if err := os.RemoveAll(d.path); err != nil {
		db.critical("open_rt_disk", "Cannot remove rt_disk directory", err, map[string]interface{}{"path": d.path})
		return nil, err
	}
	if err := os.Mkdir(d.path, fileMode(t.xpermission())); err != nil {
		db.critical("open_rt_disk", "Cannot create rt_disk directory", err, map[string]interface{}{"path": d.path})
		return nil, err
	}

	w, err := fswatch.New(db.loop, d.path, fswatch.FlagRecursive, d.onEvent)
	if err != nil {
		os.RemoveAll(d.path)
		return nil, err
	}
	d.watcher = w
	w.Start()

	db.rtDisks.Store(registryID(t.name, id), d)
	telemetry.RtSubscriptions.With("disk").Inc()
	log.Debug().Str("topic", t.name).Str("key", key).Str("id", id).Str("path", d.path).Msg("rt_disk opened")
	return d, nil
}

func (d *RtDisk) onEvent(_ *fswatch.Watcher, ev fswatch.Event) {
	switch ev.Type {
	case fswatch.SubdirCreated:
		if ev.Directory != d.path {
			log.Error().
				Str("msgset", msgsetInternal).
				Str("topic", d.topic.name).
				Str("directory", ev.Directory).
				Str("name", ev.Filename).
				Msg("Unexpected directory in rt_disk")
		}

	case fswatch.FileCreated:
		path := filepath.Join(ev.Directory, ev.Filename)
		// Unlink first: a record appended after this point links again
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Error().Err(err).Str("path", path).Msg("Cannot remove rt_disk link")
		}
		if filepath.Dir(ev.Directory) != d.path || !strings.HasSuffix(ev.Filename, mdExt) {
			log.Error().
				Str("msgset", msgsetInternal).
				Str("topic", d.topic.name).
				Str("path", path).
				Msg("Unexpected file in rt_disk")
			return
		}
		key := filepath.Base(ev.Directory)
		if d.key != "" && key != d.key {
			return
		}
		d.deliver(key, strings.TrimSuffix(ev.Filename, mdExt))

	default:
		log.Debug().Str("topic", d.topic.name).Str("event", ev.Type.String()).Str("path", filepath.Join(ev.Directory, ev.Filename)).Msg("rt_disk event ignored")
	}
}

// deliver replays the rows of a shard added since the last delivery.
func (d *RtDisk) deliver(key, fileID string) {
	t := d.topic
	cell, ok, err := t.loadFileCell(key, fileID)
	if err != nil || !ok {
		return
	}

	kc := t.keyCache(key)
	var idx int
	if t.db.master {
		var found bool
		if idx, found = kc.position(fileID); !found {
			idx = kc.upsert(cell)
		}
	} else {
		idx = kc.upsert(cell)
	}

	seen := d.rows[key]
	if seen == nil {
		seen = map[string]uint64{}
		d.rows[key] = seen
	}
	base := seen[fileID]
	if cell.Rows <= base {
		return
	}
	before := kc.rowsBefore(idx)

	for rel := base; rel < cell.Rows; rel++ {
		md, err := t.readMD(key, fileID, rel)
		if err != nil {
			cell.Rows = rel
			break
		}
		rec := &Record{Topic: t.name, Key: key, Rowid: before + rel + 1, Metadata: md}
		rec.Metadata.SystemFlag |= md2.LoadingFromDisk
		if !d.cond.matchRealtime(rec) {
			continue
		}
		if !d.cond.OnlyMd {
			content, err := t.readContent(key, fileID, md)
			if err != nil {
				log.Error().Err(err).Str("topic", t.name).Str("key", key).Uint64("rowid", rec.Rowid).Msg("Cannot load record content")
				continue
			}
			rec.Content = content
		}
		telemetry.RtDeliveriesTotal.With("disk").Inc()
		if err := d.cb(d.owner, rec); err != nil && !errors.Is(err, ErrBreak) {
			log.Debug().Err(err).Str("topic", t.name).Str("id", d.id).Msg("rt_disk callback failed")
		}
	}
	seen[fileID] = cell.Rows
}

// CloseRtDisk stops the watcher and removes the subscription directory; the
// master then drops its side of the subscription.
func (db *Database) CloseRtDisk(d *RtDisk) error {
	if d == nil {
		return fmt.Errorf("%w: nil rt_disk", ErrInvalidParameter)
	}
	if _, ok := db.rtDisks.LoadAndDelete(registryID(d.topic.name, d.id)); !ok {
		return fmt.Errorf("%w: rt_disk %s", ErrNotFound, d.id)
	}
	if d.watcher != nil {
		d.watcher.Stop()
		d.watcher = nil
	}
	if err := os.RemoveAll(d.path); err != nil {
		log.Error().Err(err).Str("path", d.path).Msg("Cannot remove rt_disk directory")
	}
	telemetry.RtSubscriptions.With("disk").Dec()
	log.Debug().Str("topic", d.topic.name).Str("id", d.id).Msg("rt_disk closed")
	return nil
}

// GetRtDiskByID returns an open rt_disk of a topic.
func (db *Database) GetRtDiskByID(topic, id string) (*RtDisk, bool) {
	return db.rtDisks.Load(registryID(topic, id))
}

// Master side of rt_disk

// startDisksMonitor mirrors every disks/{id} directory with an internal
// rt_mem and watches disks/ for subscribers coming and going.
func (t *Topic) startDisksMonitor() error {
	path := t.disksPath()
	if err := os.MkdirAll(path, fileMode(t.xpermission())); err != nil {
		return err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			t.openDiskLink(e.Name())
		}
	}

	w, err := fswatch.New(t.db.loop, path, 0, t.onDisksEvent)
	if err != nil {
		return err
	}
	t.disksWatcher = w
	w.Start()
	return nil
}

func (t *Topic) onDisksEvent(_ *fswatch.Watcher, ev fswatch.Event) {
	switch ev.Type {
	case fswatch.SubdirCreated:
		t.openDiskLink(ev.Filename)
	case fswatch.SubdirDeleted:
		if m, ok := t.db.rtMems.Load(registryID(t.name, ev.Filename)); ok && m.internal {
			t.db.CloseRtMem(m)
		}
	default:
		log.Error().
			Str("msgset", msgsetInternal).
			Str("topic", t.name).
			Str("event", ev.Type.String()).
			Str("path", filepath.Join(ev.Directory, ev.Filename)).
			Msg("Unexpected file in disks directory")
	}
}

// openDiskLink opens the internal rt_mem that links shards for subscriber id.
func (t *Topic) openDiskLink(id string) {
	if _, ok := t.db.rtMems.Load(registryID(t.name, id)); ok {
		return
	}
	diskPath := filepath.Join(t.disksPath(), id)
	cb := func(_ string, rec *Record) error {
		return t.linkRecord(diskPath, rec)
	}
	m, err := t.db.openRtMem(t, "", MatchCond{OnlyMd: true}, cb, id, id)
	if err != nil {
		log.Error().Err(err).Str("topic", t.name).Str("id", id).Msg("Cannot open rt_disk link")
		return
	}
	m.internal = true
}

// linkRecord hard links the shard holding rec into the subscriber directory.
// An existing link means the subscriber has not consumed it yet and will
// read this record with the previous ones.
func (t *Topic) linkRecord(diskPath string, rec *Record) error {
	if t.desc.SystemFlag&md2.NoDisk != 0 {
		return nil
	}
	dir := filepath.Join(diskPath, rec.Key)
	if err := os.Mkdir(dir, fileMode(t.xpermission())); err != nil && !errors.Is(err, os.ErrExist) {
		// The subscriber may be closing
		log.Debug().Err(err).Str("path", dir).Msg("Cannot create rt_disk key directory")
		return nil
	}

	fileID := t.fileID(rec.Metadata.T)
	dst := filepath.Join(dir, fileID+mdExt)
	if _, err := os.Lstat(dst); err == nil {
		return nil
	}
	src := t.shardPath(rec.Key, fileID, mdExt)
	if err := os.Link(src, dst); err != nil {
		if !errors.Is(err, os.ErrExist) {
			log.Error().Err(err).Str("msgset", msgsetSystem).Str("src", src).Str("dst", dst).Msg("Cannot link md2 file")
		}
		return nil
	}
	telemetry.HardLinksTotal.Inc()
	return nil
}
