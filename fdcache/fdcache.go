// Package fdcache keeps shard files open between operations.
//
// Write descriptors are bounded per key: a key never holds more than two open
// shards, which covers the current bucket plus one late record. Read
// descriptors live in a bounded LRU and are closed on eviction.
package fdcache

import (
	"errors"
	"os"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/maxpert/timeranger/telemetry"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

const maxWritersPerKey = 2

// OpenFunc opens the file for a cache miss.
type OpenFunc func() (*os.File, error)

// OpenWithRetry calls open and, if the process ran out of descriptors, calls
// purge and tries exactly once more.
func OpenWithRetry(open OpenFunc, purge func()) (*os.File, error) {
	f, err := open()
	if err == nil || !errors.Is(err, unix.EMFILE) || purge == nil {
		return f, err
	}

	log.Warn().Err(err).Msg("Too many open files, purging descriptor cache")
	telemetry.FDEvictionsTotal.With("emfile").Inc()
	purge()
	return open()
}

// Writers maps key -> filename -> write descriptor.
type Writers struct {
	files map[string]map[string]*os.File
	purge func()
}

// NewWriters creates an empty write cache. purge runs on EMFILE; nil means
// closing every cached writer.
func NewWriters(purge func()) *Writers {
	w := &Writers{files: make(map[string]map[string]*os.File)}
	w.purge = purge
	if w.purge == nil {
		w.purge = w.CloseAll
	}
	return w
}

// Get returns the cached descriptor or nil.
func (w *Writers) Get(key, filename string) *os.File {
	return w.files[key][filename]
}

// Open returns the cached descriptor for (key, filename), opening it on a miss.
func (w *Writers) Open(key, filename string, open OpenFunc) (*os.File, error) {
	if f := w.Get(key, filename); f != nil {
		return f, nil
	}

	if len(w.files[key]) >= maxWritersPerKey {
		telemetry.FDEvictionsTotal.With("key_limit").Add(float64(len(w.files[key])))
		w.CloseKey(key)
	}

	f, err := OpenWithRetry(open, w.purge)
	if err != nil {
		return nil, err
	}

	if w.files[key] == nil {
		w.files[key] = make(map[string]*os.File)
	}
	w.files[key][filename] = f
	return f, nil
}

// Close closes one descriptor.
func (w *Writers) Close(key, filename string) {
	if f := w.Get(key, filename); f != nil {
		f.Close()
		delete(w.files[key], filename)
	}
}

// CloseKey closes every descriptor of key.
func (w *Writers) CloseKey(key string) {
	for _, f := range w.files[key] {
		f.Close()
	}
	delete(w.files, key)
}

// CloseAll closes everything.
func (w *Writers) CloseAll() {
	for key := range w.files {
		w.CloseKey(key)
	}
}

// Len returns the number of open descriptors.
func (w *Writers) Len() int {
	n := 0
	for _, m := range w.files {
		n += len(m)
	}
	return n
}

// Readers is an LRU of read descriptors keyed "key/filename".
type Readers struct {
	cache *lru.Cache[string, *os.File]
	purge func()
}

// NewReaders creates a read cache holding at most size descriptors. purge
// runs on EMFILE; nil means closing every cached reader.
func NewReaders(size int, purge func()) (*Readers, error) {
	cache, err := lru.NewWithEvict(size, func(_ string, f *os.File) {
		f.Close()
	})
	if err != nil {
		return nil, err
	}

	r := &Readers{cache: cache, purge: purge}
	if r.purge == nil {
		r.purge = r.CloseAll
	}
	return r, nil
}

func readerID(key, filename string) string {
	return key + "/" + filename
}

// Open returns the cached descriptor for (key, filename), opening it on a miss.
func (r *Readers) Open(key, filename string, open OpenFunc) (*os.File, error) {
	id := readerID(key, filename)
	if f, ok := r.cache.Get(id); ok {
		return f, nil
	}

	f, err := OpenWithRetry(open, r.purge)
	if err != nil {
		return nil, err
	}

	if r.cache.Add(id, f) {
		telemetry.FDEvictionsTotal.With("lru").Inc()
	}
	return f, nil
}

// Close closes one descriptor.
func (r *Readers) Close(key, filename string) {
	r.cache.Remove(readerID(key, filename))
}

// CloseKey closes every descriptor of key.
func (r *Readers) CloseKey(key string) {
	prefix := key + "/"
	for _, id := range r.cache.Keys() {
		if strings.HasPrefix(id, prefix) {
			r.cache.Remove(id)
		}
	}
}

// CloseAll closes everything.
func (r *Readers) CloseAll() {
	r.cache.Purge()
}

// Len returns the number of open descriptors.
func (r *Readers) Len() int {
	return r.cache.Len()
}
