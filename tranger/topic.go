package tranger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/gobwas/glob"
	"github.com/maxpert/timeranger/fdcache"
	"github.com/maxpert/timeranger/fswatch"
	"github.com/maxpert/timeranger/md2"
	"github.com/maxpert/timeranger/notify"
	"github.com/maxpert/timeranger/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	topicDescFile = "topic_desc.json"
	topicColsFile = "topic_cols.json"
	topicVarFile  = "topic_var.json"
	keysDir       = "keys"
	disksDir      = "disks"
)

// immutableFields are owned by topic_desc.json and never taken from topic_var.json.
var immutableFields = []string{
	"topic_name", "pkey", "tkey", "system_flag", "cols", "directory",
	"filename_mask", "xpermission", "rpermission",
}

// TopicSpec describes a topic to create.
type TopicSpec struct {
	Name       string
	Pkey       string
	Tkey       string
	SystemFlag md2.SystemFlag

	// Optional per topic overrides of the database settings
	FilenameMask string
	XPermission  uint32
	RPermission  uint32

	Cols json.RawMessage
	Var  map[string]interface{}
}

// TopicDesc is the content of topic_desc.json. It is written once.
type TopicDesc struct {
	TopicName    string         `json:"topic_name"`
	Pkey         string         `json:"pkey"`
	Tkey         string         `json:"tkey"`
	SystemFlag   md2.SystemFlag `json:"system_flag"`
	FilenameMask string         `json:"filename_mask,omitempty"`
	XPermission  uint32         `json:"xpermission,omitempty"`
	RPermission  uint32         `json:"rpermission,omitempty"`
}

// TopicDescription is the public view returned by Database.TopicDesc.
type TopicDescription struct {
	TopicDesc
	TopicVersion int64           `json:"topic_version"`
	Cols         json.RawMessage `json:"cols,omitempty"`
}

// KeyFilter selects keys. Empty fields match everything.
type KeyFilter struct {
	Key  string // exact key
	RKey string // regular expression
	GKey string // glob pattern
}

// Topic is an open topic. Fields are owned by the loop goroutine.
type Topic struct {
	db        *Database
	name      string
	directory string
	desc      TopicDesc
	vars      map[string]interface{}
	cols      json.RawMessage

	cache   map[string]*KeyCache
	writers *fdcache.Writers
	readers *fdcache.Readers
	hub     *notify.Hub[*Record]

	disksWatcher *fswatch.Watcher
}

func (t *Topic) Name() string               { return t.name }
func (t *Topic) Directory() string          { return t.directory }
func (t *Topic) Pkey() string               { return t.desc.Pkey }
func (t *Topic) Tkey() string               { return t.desc.Tkey }
func (t *Topic) SystemFlag() md2.SystemFlag { return t.desc.SystemFlag }

// Var returns a copy of the topic variables.
func (t *Topic) Var() map[string]interface{} {
	out := make(map[string]interface{}, len(t.vars))
	for k, v := range t.vars {
		out[k] = v
	}
	return out
}

// Cols returns the raw topic columns, nil if none were written.
func (t *Topic) Cols() json.RawMessage { return t.cols }

func (t *Topic) filenameMask() string {
	if t.desc.FilenameMask != "" {
		return t.desc.FilenameMask
	}
	return t.db.opts.FilenameMask
}

func (t *Topic) xpermission() uint32 {
	if t.desc.XPermission != 0 {
		return t.desc.XPermission
	}
	return t.db.opts.XPermission
}

func (t *Topic) rpermission() uint32 {
	if t.desc.RPermission != 0 {
		return t.desc.RPermission
	}
	return t.db.opts.RPermission
}

// CreateTopic creates the topic if it does not exist and opens it.
//
// An existing topic keeps its topic_desc.json. As master, topic_cols.json and
// topic_var.json are rewritten when spec.Var carries a newer topic_version,
// and recreated when missing.
func (db *Database) CreateTopic(spec TopicSpec) (*Topic, error) {
	if !validName(spec.Name) {
		log.Error().Str("msgset", msgsetParameter).Str("topic", spec.Name).Msg("What topic name?")
		return nil, fmt.Errorf("%w: topic name %q", ErrInvalidParameter, spec.Name)
	}

	directory := filepath.Join(db.directory, spec.Name)
	xperm := db.opts.XPermission
	if spec.XPermission != 0 {
		xperm = spec.XPermission
	}
	rperm := db.opts.RPermission
	if spec.RPermission != 0 {
		rperm = spec.RPermission
	}

	if _, err := os.Stat(directory); errors.Is(err, os.ErrNotExist) {
		if !db.master {
			log.Error().Str("msgset", msgsetParameter).Str("topic", spec.Name).Msg("Cannot create topic, not found and no master")
			return nil, fmt.Errorf("%w: create topic %s", ErrNotMaster, spec.Name)
		}
		if spec.Pkey == "" {
			log.Error().Str("msgset", msgsetParameter).Str("topic", spec.Name).Msg("What pkey?")
			return nil, fmt.Errorf("%w: topic %s without pkey", ErrInvalidParameter, spec.Name)
		}

		flag := spec.SystemFlag
		if flag.KeyType() == 0 {
			flag |= md2.StringKey
		}

		if err := os.Mkdir(directory, fileMode(xperm)); err != nil {
			db.critical("create_topic", "Cannot create topic directory", err, map[string]interface{}{"path": directory})
			return nil, fmt.Errorf("create topic directory: %w", err)
		}

		desc := TopicDesc{
			TopicName:    spec.Name,
			Pkey:         spec.Pkey,
			Tkey:         spec.Tkey,
			SystemFlag:   flag,
			FilenameMask: spec.FilenameMask,
			XPermission:  spec.XPermission,
			RPermission:  spec.RPermission,
		}
		if err := saveJSON(filepath.Join(directory, topicDescFile), desc, rperm); err != nil {
			return nil, err
		}
		if err := writeCols(directory, spec.Cols, rperm); err != nil {
			return nil, err
		}
		if err := saveJSON(filepath.Join(directory, topicVarFile), varsOrEmpty(spec.Var), rperm); err != nil {
			return nil, err
		}
		for _, sub := range []string{keysDir, disksDir} {
			if err := os.Mkdir(filepath.Join(directory, sub), fileMode(xperm)); err != nil {
				return nil, fmt.Errorf("create %s: %w", sub, err)
			}
		}
		log.Info().Str("topic", spec.Name).Str("pkey", spec.Pkey).Str("system_flag", flag.String()).Msg("Topic created")

	} else if err != nil {
		return nil, fmt.Errorf("stat topic: %w", err)

	} else if db.master {
		colsPath := filepath.Join(directory, topicColsFile)
		varPath := filepath.Join(directory, topicVarFile)

		var stored map[string]interface{}
		if loadJSON(varPath, &stored) == nil && topicVersion(spec.Var) > topicVersion(stored) {
			log.Info().
				Str("topic", spec.Name).
				Int64("from", topicVersion(stored)).
				Int64("to", topicVersion(spec.Var)).
				Msg("Topic version changed, rewriting cols and var")
			os.Remove(colsPath)
			os.Remove(varPath)
			if t, ok := db.topics.Load(spec.Name); ok {
				db.closeTopic(t)
			}
		}

		if _, err := os.Stat(colsPath); errors.Is(err, os.ErrNotExist) {
			if err := writeCols(directory, spec.Cols, rperm); err != nil {
				return nil, err
			}
		}
		if _, err := os.Stat(varPath); errors.Is(err, os.ErrNotExist) {
			if err := saveJSON(varPath, varsOrEmpty(spec.Var), rperm); err != nil {
				return nil, err
			}
		}
	}

	return db.OpenTopic(spec.Name)
}

func writeCols(directory string, cols json.RawMessage, perm uint32) error {
	if len(cols) == 0 {
		cols = json.RawMessage("{}")
	}
	var indented bytes.Buffer
	if err := json.Indent(&indented, cols, "", "    "); err != nil {
		return fmt.Errorf("%w: cols: %v", ErrInvalidParameter, err)
	}
	path := filepath.Join(directory, topicColsFile)
	if err := os.WriteFile(path, indented.Bytes(), fileMode(perm)); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func varsOrEmpty(v map[string]interface{}) map[string]interface{} {
	if v == nil {
		return map[string]interface{}{}
	}
	return v
}

// topicVersion reads var.topic_version, stored as a number or a string.
func topicVersion(vars map[string]interface{}) int64 {
	switch v := vars["topic_version"].(type) {
	case float64:
		return int64(v)
	case int:
		return int64(v)
	case int64:
		return v
	case json.Number:
		n, _ := v.Int64()
		return n
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	}
	return 0
}

// mergeVars copies src into dst skipping the immutable fields.
func mergeVars(dst, src map[string]interface{}) {
	for k, v := range src {
		dst[k] = v
	}
	for _, f := range immutableFields {
		delete(dst, f)
	}
}

// OpenTopic opens a topic and builds its key cache from disk. Opening an
// open topic returns it.
func (db *Database) OpenTopic(name string) (*Topic, error) {
	if t, ok := db.topics.Load(name); ok {
		return t, nil
	}
	if !validName(name) {
		return nil, fmt.Errorf("%w: topic name %q", ErrInvalidParameter, name)
	}

	directory := filepath.Join(db.directory, name)
	if _, err := os.Stat(directory); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTopicNotFound, name)
	}

	t := &Topic{
		db:        db,
		name:      name,
		directory: directory,
		vars:      map[string]interface{}{},
		cache:     map[string]*KeyCache{},
		hub:       notify.NewHub[*Record](),
	}
	if err := loadJSON(filepath.Join(directory, topicDescFile), &t.desc); err != nil {
		return nil, err
	}

	var vars map[string]interface{}
	if err := loadJSON(filepath.Join(directory, topicVarFile), &vars); err == nil {
		mergeVars(t.vars, vars)
	}
	if cols, err := os.ReadFile(filepath.Join(directory, topicColsFile)); err == nil {
		t.cols = cols
	}

	t.writers = fdcache.NewWriters(nil)
	readers, err := fdcache.NewReaders(db.opts.ReadFDCacheSize, nil)
	if err != nil {
		return nil, err
	}
	t.readers = readers

	t.rebuildCache()
	db.topics.Store(name, t)
	telemetry.OpenTopics.Inc()

	if db.loop != nil && db.master {
		if err := t.startDisksMonitor(); err != nil {
			log.Error().Err(err).Str("topic", name).Msg("Cannot monitor rt_disk subscriptions")
		}
	}

	log.Debug().Str("topic", name).Int("keys", len(t.cache)).Msg("Topic opened")
	return t, nil
}

// Topic returns the open topic, opening it if needed.
func (db *Database) Topic(name string) (*Topic, error) {
	if t, ok := db.topics.Load(name); ok {
		return t, nil
	}
	return db.OpenTopic(name)
}

// CloseTopic closes the topic files, its subscriptions and iterators.
func (db *Database) CloseTopic(name string) error {
	t, ok := db.topics.Load(name)
	if !ok {
		log.Error().Str("msgset", msgsetParameter).Str("topic", name).Msg("Cannot close topic, not opened")
		return fmt.Errorf("%w: %s not opened", ErrTopicNotFound, name)
	}
	db.closeTopic(t)
	return nil
}

func (db *Database) closeTopic(t *Topic) {
	if t.disksWatcher != nil {
		t.disksWatcher.Stop()
		t.disksWatcher = nil
	}

	db.iterators.Range(func(_ string, it *Iterator) bool {
		if it.topic == t {
			db.CloseIterator(it)
		}
		return true
	})
	db.rtDisks.Range(func(_ string, d *RtDisk) bool {
		if d.topic == t {
			db.CloseRtDisk(d)
		}
		return true
	})
	db.rtMems.Range(func(_ string, m *RtMem) bool {
		if m.topic == t {
			db.CloseRtMem(m)
		}
		return true
	})
	t.hub.Close()

	t.writers.CloseAll()
	t.readers.CloseAll()
	db.topics.Delete(t.name)
	telemetry.OpenTopics.Dec()
	db.syncFileStats()
	log.Debug().Str("topic", t.name).Msg("Topic closed")
}

// DeleteTopic closes the topic and removes its directory.
func (db *Database) DeleteTopic(name string) error {
	if !db.master {
		return fmt.Errorf("%w: delete topic %s", ErrNotMaster, name)
	}
	if !validName(name) {
		return fmt.Errorf("%w: topic name %q", ErrInvalidParameter, name)
	}
	if t, ok := db.topics.Load(name); ok {
		db.closeTopic(t)
	}

	directory := filepath.Join(db.directory, name)
	if _, err := os.Stat(directory); err != nil {
		return fmt.Errorf("%w: %s", ErrTopicNotFound, name)
	}
	if err := os.RemoveAll(directory); err != nil {
		db.critical("delete_topic", "Cannot remove topic directory", err, map[string]interface{}{"path": directory})
		return fmt.Errorf("remove topic: %w", err)
	}
	log.Info().Str("topic", name).Msg("Topic deleted")
	return nil
}

// BackupTopic renames the topic directory to backupPath/backupName and
// creates an empty topic with the same description, cols and var.
// backupPath defaults to the database directory, backupName to "{name}.bak".
func (db *Database) BackupTopic(name, backupPath, backupName string, overwrite bool) (*Topic, error) {
	if !db.master {
		return nil, fmt.Errorf("%w: backup topic %s", ErrNotMaster, name)
	}
	if !validName(name) {
		return nil, fmt.Errorf("%w: topic name %q", ErrInvalidParameter, name)
	}
	if backupPath == "" {
		backupPath = db.directory
	}
	if backupName == "" {
		backupName = name + ".bak"
	}
	backup := filepath.Join(backupPath, backupName)

	if _, err := os.Stat(backup); err == nil {
		if !overwrite {
			return nil, fmt.Errorf("%w: backup %s", ErrAlreadyExists, backup)
		}
		if err := os.RemoveAll(backup); err != nil {
			return nil, fmt.Errorf("remove old backup: %w", err)
		}
	}

	directory := filepath.Join(db.directory, name)
	var desc TopicDesc
	if err := loadJSON(filepath.Join(directory, topicDescFile), &desc); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrTopicNotFound, name)
		}
		return nil, err
	}
	cols, _ := os.ReadFile(filepath.Join(directory, topicColsFile))
	var vars map[string]interface{}
	loadJSON(filepath.Join(directory, topicVarFile), &vars)

	if t, ok := db.topics.Load(name); ok {
		db.closeTopic(t)
	}
	if err := os.Rename(directory, backup); err != nil {
		db.critical("backup_topic", "Cannot rename topic directory", err, map[string]interface{}{"from": directory, "to": backup})
		return nil, fmt.Errorf("rename topic: %w", err)
	}
	log.Info().Str("topic", name).Str("backup", backup).Msg("Topic backed up")

	return db.CreateTopic(TopicSpec{
		Name:         name,
		Pkey:         desc.Pkey,
		Tkey:         desc.Tkey,
		SystemFlag:   desc.SystemFlag,
		FilenameMask: desc.FilenameMask,
		XPermission:  desc.XPermission,
		RPermission:  desc.RPermission,
		Cols:         cols,
		Var:          vars,
	})
}

// WriteTopicVar merges vars into topic_var.json.
func (db *Database) WriteTopicVar(name string, vars map[string]interface{}) error {
	if !db.master {
		return fmt.Errorf("%w: write topic var", ErrNotMaster)
	}
	if vars == nil {
		return fmt.Errorf("%w: var must be an object", ErrInvalidParameter)
	}
	t, err := db.Topic(name)
	if err != nil {
		return err
	}

	path := filepath.Join(t.directory, topicVarFile)
	stored := map[string]interface{}{}
	loadJSON(path, &stored)
	if stored == nil {
		stored = map[string]interface{}{}
	}
	for k, v := range vars {
		stored[k] = v
	}
	mergeVars(t.vars, vars)
	return saveJSON(path, stored, t.rpermission())
}

// WriteTopicCols replaces topic_cols.json. cols must be a JSON object or array.
func (db *Database) WriteTopicCols(name string, cols json.RawMessage) error {
	if !db.master {
		return fmt.Errorf("%w: write topic cols", ErrNotMaster)
	}
	trimmed := bytes.TrimSpace(cols)
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') || !json.Valid(trimmed) {
		return fmt.Errorf("%w: cols must be a dict or a list", ErrInvalidParameter)
	}
	t, err := db.Topic(name)
	if err != nil {
		return err
	}
	if err := writeCols(t.directory, trimmed, t.rpermission()); err != nil {
		return err
	}
	t.cols = append(json.RawMessage(nil), trimmed...)
	return nil
}

// TopicDesc returns the description of a topic.
func (db *Database) TopicDesc(name string) (*TopicDescription, error) {
	t, err := db.Topic(name)
	if err != nil {
		return nil, err
	}
	return &TopicDescription{
		TopicDesc:    t.desc,
		TopicVersion: topicVersion(t.vars),
		Cols:         t.cols,
	}, nil
}

// ListTopics returns the names of the topics on disk.
func (db *Database) ListTopics() ([]string, error) {
	entries, err := os.ReadDir(db.directory)
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(db.directory, e.Name(), topicDescFile)); err == nil {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// ListKeys returns the sorted keys of a topic that match f.
func (db *Database) ListKeys(topic string, f KeyFilter) ([]string, error) {
	t, err := db.Topic(topic)
	if err != nil {
		return nil, err
	}
	if !db.master {
		t.rebuildCache()
	}

	match, err := f.matcher()
	if err != nil {
		return nil, err
	}
	var keys []string
	for key := range t.cache {
		if match(key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (f KeyFilter) matcher() (func(string) bool, error) {
	if f.Key != "" {
		return func(k string) bool { return k == f.Key }, nil
	}
	if f.RKey != "" {
		re, err := regexp.Compile(f.RKey)
		if err != nil {
			return nil, fmt.Errorf("%w: rkey %q: %v", ErrInvalidParameter, f.RKey, err)
		}
		return re.MatchString, nil
	}
	if f.GKey != "" {
		g, err := glob.Compile(f.GKey)
		if err != nil {
			return nil, fmt.Errorf("%w: gkey %q: %v", ErrInvalidParameter, f.GKey, err)
		}
		return g.Match, nil
	}
	return func(string) bool { return true }, nil
}

// TopicSize returns the rows of every key of the topic.
func (db *Database) TopicSize(topic string) (uint64, error) {
	t, err := db.Topic(topic)
	if err != nil {
		return 0, err
	}
	var rows uint64
	for _, kc := range t.cache {
		rows += kc.Total.Rows
	}
	return rows, nil
}

// TopicKeySize returns the rows of one key, 0 for an unknown key.
func (db *Database) TopicKeySize(topic, key string) (uint64, error) {
	t, err := db.Topic(topic)
	if err != nil {
		return 0, err
	}
	return t.keyRows(key), nil
}

func (t *Topic) keyRows(key string) uint64 {
	if kc := t.cache[key]; kc != nil {
		return kc.Total.Rows
	}
	return 0
}
