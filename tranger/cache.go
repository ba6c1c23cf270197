package tranger

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/maxpert/timeranger/md2"
	"github.com/maxpert/timeranger/telemetry"
	"github.com/rs/zerolog/log"
)

// CacheCell summarizes one shard of one key.
type CacheCell struct {
	ID     string `json:"id"`
	FromT  uint64 `json:"fr_t"`
	ToT    uint64 `json:"to_t"`
	FromTm uint64 `json:"fr_tm"`
	ToTm   uint64 `json:"to_tm"`
	Rows   uint64 `json:"rows"`
	WrTime uint64 `json:"wr_time"` // nanoseconds
}

// extend folds one more record into the cell.
func (c *CacheCell) extend(md md2.Metadata) {
	if c.Rows == 0 {
		c.FromT, c.ToT = md.T, md.T
		c.FromTm, c.ToTm = md.TM, md.TM
	} else {
		c.FromT = min(c.FromT, md.T)
		c.ToT = max(c.ToT, md.T)
		c.FromTm = min(c.FromTm, md.TM)
		c.ToTm = max(c.ToTm, md.TM)
	}
	c.Rows++
}

// KeyCache is the segment index of one key: its shards in file id order
// and their fold.
type KeyCache struct {
	Files []CacheCell `json:"files"`
	Total CacheCell   `json:"total"`
}

// fold recomputes the totals over every cell.
func (k *KeyCache) fold() {
	var total CacheCell
	for _, c := range k.Files {
		if c.Rows == 0 {
			continue
		}
		if total.Rows == 0 {
			total.FromT, total.ToT = c.FromT, c.ToT
			total.FromTm, total.ToTm = c.FromTm, c.ToTm
		} else {
			total.FromT = min(total.FromT, c.FromT)
			total.ToT = max(total.ToT, c.ToT)
			total.FromTm = min(total.FromTm, c.FromTm)
			total.ToTm = max(total.ToTm, c.ToTm)
		}
		total.Rows += c.Rows
		total.WrTime = max(total.WrTime, c.WrTime)
	}
	k.Total = total
}

// position returns the index of the cell with id, searching from the end
// where appends land, or the index where it must be inserted.
func (k *KeyCache) position(id string) (int, bool) {
	for i := len(k.Files) - 1; i >= 0; i-- {
		switch {
		case k.Files[i].ID == id:
			return i, true
		case k.Files[i].ID < id:
			return i + 1, false
		}
	}
	return 0, false
}

// rowsBefore returns the rows held by the cells preceding idx.
func (k *KeyCache) rowsBefore(idx int) uint64 {
	var rows uint64
	for i := 0; i < idx && i < len(k.Files); i++ {
		rows += k.Files[i].Rows
	}
	return rows
}

// upsert replaces or inserts a cell and refolds.
func (k *KeyCache) upsert(cell CacheCell) int {
	idx, found := k.position(cell.ID)
	if found {
		k.Files[idx] = cell
	} else {
		k.Files = append(k.Files, CacheCell{})
		copy(k.Files[idx+1:], k.Files[idx:])
		k.Files[idx] = cell
	}
	k.fold()
	return idx
}

func (k *KeyCache) clone() KeyCache {
	return KeyCache{
		Files: append([]CacheCell(nil), k.Files...),
		Total: k.Total,
	}
}

// loadFileCell builds the cell of one shard from its first and last
// descriptors. ok is false for an empty shard.
func (t *Topic) loadFileCell(key, fileID string) (cell CacheCell, ok bool, err error) {
	path := t.shardPath(key, fileID, mdExt)
	f, err := os.Open(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			t.db.critical("load_file_cache", "Cannot open md2 file", err, map[string]interface{}{"path": path})
		}
		return cell, false, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return cell, false, fmt.Errorf("stat %s: %w", path, err)
	}
	size := st.Size()
	if size%md2.Size != 0 {
		corrupted("md2_size", "Cannot read last record, md2 file corrupted", map[string]interface{}{
			"path": path,
			"size": size,
		})
		return cell, false, fmt.Errorf("%w: %s size %d", ErrCorrupted, path, size)
	}
	if size == 0 {
		return cell, false, nil
	}

	var buf [md2.Size]byte
	if _, err := f.ReadAt(buf[:], 0); err != nil {
		return cell, false, fmt.Errorf("read %s: %w", path, err)
	}
	first, _ := md2.Decode(buf[:])
	if _, err := f.ReadAt(buf[:], size-md2.Size); err != nil && !errors.Is(err, io.EOF) {
		return cell, false, fmt.Errorf("read %s: %w", path, err)
	}
	last, _ := md2.Decode(buf[:])

	cell = CacheCell{
		ID:     fileID,
		FromT:  min(first.T, last.T),
		ToT:    max(first.T, last.T),
		FromTm: min(first.TM, last.TM),
		ToTm:   max(first.TM, last.TM),
		Rows:   uint64(size / md2.Size),
		WrTime: uint64(st.ModTime().UnixNano()),
	}
	return cell, true, nil
}

// loadKeyCache reads every shard of a key. Corrupted shards are skipped.
func (t *Topic) loadKeyCache(key string) (*KeyCache, error) {
	ids, err := t.listShardIDs(key)
	if err != nil {
		return nil, err
	}
	kc := &KeyCache{}
	for _, id := range ids {
		cell, ok, err := t.loadFileCell(key, id)
		if err != nil || !ok {
			continue
		}
		kc.Files = append(kc.Files, cell)
	}
	kc.fold()
	return kc, nil
}

// rebuildCache rebuilds the whole key cache from disk.
func (t *Topic) rebuildCache() {
	start := time.Now()
	cache := make(map[string]*KeyCache)
	for _, key := range t.listKeyDirs() {
		kc, err := t.loadKeyCache(key)
		if err != nil {
			log.Error().Err(err).Str("topic", t.name).Str("key", key).Msg("Cannot load key cache")
			continue
		}
		cache[key] = kc
	}
	t.cache = cache
	telemetry.CacheRebuildSeconds.Observe(time.Since(start).Seconds())
}

// reloadKey refreshes one key from disk; used by readers that do not see
// the master appends. An empty key reloads everything.
func (t *Topic) reloadKey(key string) {
	if key == "" {
		t.rebuildCache()
		return
	}
	kc, err := t.loadKeyCache(key)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Error().Err(err).Str("topic", t.name).Str("key", key).Msg("Cannot reload key cache")
		}
		return
	}
	t.cache[key] = kc
}

// keyCache returns the cache of a key, creating an empty one.
func (t *Topic) keyCache(key string) *KeyCache {
	kc := t.cache[key]
	if kc == nil {
		kc = &KeyCache{}
		t.cache[key] = kc
	}
	return kc
}

// KeyCache returns a copy of the segment index of a key.
func (db *Database) KeyCache(topic, key string) (KeyCache, error) {
	t, err := db.Topic(topic)
	if err != nil {
		return KeyCache{}, err
	}
	kc := t.cache[key]
	if kc == nil {
		return KeyCache{}, fmt.Errorf("%w: key %q", ErrNotFound, key)
	}
	return kc.clone(), nil
}
