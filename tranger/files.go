package tranger

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/s2"
	"github.com/maxpert/timeranger/md2"
	"github.com/ncruces/go-strftime"
	"github.com/rs/zerolog/log"
)

const (
	contentExt = ".json"
	mdExt      = ".md2"
)

func (t *Topic) keysPath() string {
	return filepath.Join(t.directory, keysDir)
}

func (t *Topic) keyPath(key string) string {
	return filepath.Join(t.directory, keysDir, key)
}

func (t *Topic) shardPath(key, fileID, ext string) string {
	return filepath.Join(t.directory, keysDir, key, fileID+ext)
}

func (t *Topic) disksPath() string {
	return filepath.Join(t.directory, disksDir)
}

// seconds returns the record arrival time in seconds.
func (t *Topic) seconds(ts uint64) uint64 {
	if t.desc.SystemFlag&md2.TMs != 0 {
		return ts / 1000
	}
	return ts
}

// fileID returns the shard name for an arrival time.
func (t *Topic) fileID(ts uint64) string {
	return strftime.Format(t.filenameMask(), time.Unix(int64(t.seconds(ts)), 0).UTC())
}

// openWriter returns the cached write descriptor of a shard file, creating
// the key directory and the file when missing.
func (t *Topic) openWriter(key, fileID, ext string) (*os.File, error) {
	filename := fileID + ext
	if f := t.writers.Get(key, filename); f != nil {
		return f, nil
	}

	path := t.shardPath(key, fileID, ext)
	f, err := t.writers.Open(key, filename, func() (*os.File, error) {
		f, err := os.OpenFile(path, os.O_RDWR, 0)
		if err == nil || !errors.Is(err, os.ErrNotExist) {
			return f, err
		}
		if err := os.MkdirAll(t.keyPath(key), fileMode(t.xpermission())); err != nil {
			return nil, err
		}
		return os.OpenFile(path, os.O_RDWR|os.O_CREATE, fileMode(t.rpermission()))
	})
	if err != nil {
		t.db.critical("open_writer", "Cannot open file to write", err, map[string]interface{}{
			"topic": t.name,
			"path":  path,
		})
		return nil, err
	}
	t.db.syncFileStats()
	return f, nil
}

// openReader returns the cached read descriptor of a shard file.
func (t *Topic) openReader(key, fileID, ext string) (*os.File, error) {
	filename := fileID + ext
	missed := false
	path := t.shardPath(key, fileID, ext)
	f, err := t.readers.Open(key, filename, func() (*os.File, error) {
		missed = true
		return os.Open(path)
	})
	if err != nil {
		t.db.critical("open_reader", "Cannot open file to read", err, map[string]interface{}{
			"topic": t.name,
			"path":  path,
		})
		return nil, err
	}
	if missed {
		t.db.syncFileStats()
	}
	return f, nil
}

// closeKeyFiles drops every cached descriptor of a key.
func (t *Topic) closeKeyFiles(key string) {
	t.writers.CloseKey(key)
	t.readers.CloseKey(key)
	t.db.syncFileStats()
}

// encodeContent compresses and then encrypts a record as flag requests.
func (t *Topic) encodeContent(data []byte, flag md2.SystemFlag) ([]byte, error) {
	if flag&md2.ZipRecord != 0 {
		data = s2.Encode(nil, data)
	}
	if flag&md2.CipherRecord != 0 {
		aead := t.db.aead
		if aead == nil {
			return nil, fmt.Errorf("%w: topic %s needs a cipher key", ErrInvalidParameter, t.name)
		}
		nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(data)+aead.Overhead())
		if _, err := rand.Read(nonce); err != nil {
			return nil, fmt.Errorf("nonce: %w", err)
		}
		data = aead.Seal(nonce, nonce, data, []byte(t.name))
	}
	return data, nil
}

// decodeContent reverses encodeContent: decrypt first, decompress second.
func (t *Topic) decodeContent(data []byte, flag md2.SystemFlag) ([]byte, error) {
	if flag&md2.CipherRecord != 0 {
		aead := t.db.aead
		if aead == nil {
			return nil, fmt.Errorf("%w: topic %s needs a cipher key", ErrInvalidParameter, t.name)
		}
		if len(data) < aead.NonceSize() {
			return nil, fmt.Errorf("%w: ciphered record too short", ErrCorrupted)
		}
		nonce, sealed := data[:aead.NonceSize()], data[aead.NonceSize():]
		plain, err := aead.Open(nil, nonce, sealed, []byte(t.name))
		if err != nil {
			return nil, fmt.Errorf("%w: decrypt: %v", ErrCorrupted, err)
		}
		data = plain
	}
	if flag&md2.ZipRecord != 0 {
		plain, err := s2.Decode(nil, data)
		if err != nil {
			return nil, fmt.Errorf("%w: decompress: %v", ErrCorrupted, err)
		}
		data = plain
	}
	return data, nil
}

// listShardIDs returns the sorted file ids of a key's .md2 shards.
func (t *Topic) listShardIDs(key string) ([]string, error) {
	entries, err := os.ReadDir(t.keyPath(key))
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if !e.Type().IsRegular() || !strings.HasSuffix(e.Name(), mdExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), mdExt))
	}
	return ids, nil
}

// listKeyDirs returns the sorted key directories of the topic.
func (t *Topic) listKeyDirs() []string {
	entries, err := os.ReadDir(t.keysPath())
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Error().Err(err).Str("topic", t.name).Msg("Cannot list keys")
		}
		return nil
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() {
			keys = append(keys, e.Name())
		}
	}
	return keys
}
