// Package tranger is a file backed time series store.
//
// A database is a directory of topics. Each topic stores, per key, append
// only shards named by a strftime mask of the record time: a content file of
// NUL terminated JSON blobs and an .md2 file of fixed size descriptors. One
// process, the master, holds an exclusive lock on the database metadata file
// and is the only writer. Other processes read the same files and follow new
// records through rt_disk subscriptions, which use hard links and inotify as
// a wakeup channel.
//
// A Database is not safe for concurrent use. Every call, and every watcher
// callback, runs on the goroutine that drives the evloop.Loop given to
// Startup. Only Stats may be called from other goroutines.
package tranger

import (
	"crypto/cipher"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/maxpert/timeranger/evloop"
	"github.com/maxpert/timeranger/telemetry"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/sys/unix"
)

// metadata is the content of __timeranger2__.json.
type metadata struct {
	FilenameMask string `json:"filename_mask"`
	RPermission  uint32 `json:"rpermission"`
	XPermission  uint32 `json:"xpermission"`
}

// Database is an open database directory.
type Database struct {
	opts      Options
	directory string
	master    bool
	loop      *evloop.Loop
	lock      *os.File
	aead      cipher.AEAD

	topics    *xsync.MapOf[string, *Topic]
	iterators *xsync.MapOf[string, *Iterator]
	rtMems    *xsync.MapOf[string, *RtMem]
	rtDisks   *xsync.MapOf[string, *RtDisk]

	idSeq      atomic.Uint64
	writeFiles atomic.Int64
	readFiles  atomic.Int64
}

// Startup opens, or as master creates, the database at opts.Path/opts.Database.
// loop may be nil; realtime features that need a watcher are then disabled.
//
// A master that cannot take the lock continues as a non master.
func Startup(loop *evloop.Loop, opts Options) (*Database, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("%w: what path?", ErrInvalidParameter)
	}
	if opts.Database == "" {
		opts.Database = filepath.Base(opts.Path)
		opts.Path = filepath.Dir(opts.Path)
	}
	opts.setDefaults()

	db := &Database{
		opts:      opts,
		directory: filepath.Join(opts.Path, opts.Database),
		master:    opts.Master,
		loop:      loop,
		topics:    xsync.NewMapOf[string, *Topic](),
		iterators: xsync.NewMapOf[string, *Iterator](),
		rtMems:    xsync.NewMapOf[string, *RtMem](),
		rtDisks:   xsync.NewMapOf[string, *RtDisk](),
	}

	if len(opts.CipherKey) > 0 {
		aead, err := chacha20poly1305.NewX(opts.CipherKey)
		if err != nil {
			return nil, fmt.Errorf("%w: cipher key: %v", ErrInvalidParameter, err)
		}
		db.aead = aead
	}

	if db.master {
		if err := os.MkdirAll(db.directory, fileMode(opts.XPermission)); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	metaPath := filepath.Join(db.directory, MetadataFilename)
	if _, err := os.Stat(metaPath); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("stat %s: %w", metaPath, err)
		}
		if !db.master {
			log.Error().
				Str("msgset", msgsetParameter).
				Str("path", metaPath).
				Msg("Cannot open database, not found and not master")
			return nil, fmt.Errorf("%w: database %s", ErrNotFound, db.directory)
		}
		meta := metadata{
			FilenameMask: opts.FilenameMask,
			RPermission:  opts.RPermission,
			XPermission:  opts.XPermission,
		}
		if err := saveJSON(metaPath, meta, opts.RPermission); err != nil {
			return nil, err
		}
	}

	if db.master {
		if err := db.takeLock(metaPath); err != nil {
			log.Warn().Err(err).Str("path", metaPath).Msg("Open as not master, __timeranger2__.json locked")
			db.master = false
		}
	}

	var meta metadata
	if err := loadJSON(metaPath, &meta); err != nil {
		db.releaseLock()
		return nil, err
	}
	if meta.FilenameMask != "" {
		db.opts.FilenameMask = meta.FilenameMask
	}
	if meta.RPermission != 0 {
		db.opts.RPermission = meta.RPermission
	}
	if meta.XPermission != 0 {
		db.opts.XPermission = meta.XPermission
	}

	log.Info().
		Str("directory", db.directory).
		Bool("master", db.master).
		Str("filename_mask", db.opts.FilenameMask).
		Msg("Database opened")
	return db, nil
}

func (db *Database) takeLock(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return fmt.Errorf("flock: %w", err)
	}
	db.lock = f
	return nil
}

func (db *Database) releaseLock() {
	if db.lock == nil {
		return
	}
	unix.Flock(int(db.lock.Fd()), unix.LOCK_UN)
	db.lock.Close()
	db.lock = nil
}

// Shutdown closes every topic, with their subscriptions and iterators, and
// releases the master lock.
func (db *Database) Shutdown() {
	db.topics.Range(func(name string, t *Topic) bool {
		db.closeTopic(t)
		return true
	})
	db.releaseLock()
	log.Info().Str("directory", db.directory).Msg("Database closed")
}

// Directory returns the database directory.
func (db *Database) Directory() string { return db.directory }

// Master reports whether this handle is the writer.
func (db *Database) Master() bool { return db.master }

// FilenameMask returns the database wide shard mask.
func (db *Database) FilenameMask() string { return db.opts.FilenameMask }

// Loop returns the event loop the watchers run on, or nil.
func (db *Database) Loop() *evloop.Loop { return db.loop }

// Stats implements telemetry.StatsProvider.
func (db *Database) Stats() telemetry.EngineStats {
	return telemetry.EngineStats{
		Topics:     db.topics.Size(),
		WriteFiles: int(db.writeFiles.Load()),
		ReadFiles:  int(db.readFiles.Load()),
		RtMem:      db.rtMems.Size(),
		RtDisk:     db.rtDisks.Size(),
		Iterators:  db.iterators.Size(),
	}
}

// syncFileStats refreshes the descriptor counts published by Stats.
func (db *Database) syncFileStats() {
	var w, r int
	db.topics.Range(func(_ string, t *Topic) bool {
		w += t.writers.Len()
		r += t.readers.Len()
		return true
	})
	db.writeFiles.Store(int64(w))
	db.readFiles.Store(int64(r))
	telemetry.OpenFiles.With("write").Set(float64(w))
	telemetry.OpenFiles.With("read").Set(float64(r))
}

// newID returns a fresh subscription id usable as a directory name. Ids
// differ across processes sharing the database.
func (db *Database) newID(parts ...string) string {
	h := xxhash.New()
	h.WriteString(db.directory)
	for _, p := range parts {
		h.WriteString("\x00")
		h.WriteString(p)
	}
	h.WriteString(strconv.Itoa(os.Getpid()))
	h.WriteString(strconv.FormatInt(time.Now().UnixNano(), 10))
	h.WriteString(strconv.FormatUint(db.idSeq.Add(1), 10))
	return strconv.FormatUint(h.Sum64(), 16)
}

// validName reports whether s can be used as a single path segment.
func validName(s string) bool {
	if s == "" || s == "." || s == ".." || len(s) > 255 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] == '/' || s[i] == 0 {
			return false
		}
	}
	return true
}

func saveJSON(path string, v interface{}, perm uint32) error {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, fileMode(perm)); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func loadJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		log.Error().Str("msgset", msgsetJSON).Str("path", path).Err(err).Msg("Cannot parse json file")
		return fmt.Errorf("%w: %s: %v", ErrCorrupted, path, err)
	}
	return nil
}
