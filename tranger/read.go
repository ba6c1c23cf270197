package tranger

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/maxpert/timeranger/md2"
	"github.com/rs/zerolog/log"
)

// locate maps a key absolute rowid to its shard and the 0 based row inside it.
func (t *Topic) locate(key string, rowid uint64) (fileID string, relative uint64, ok bool) {
	kc := t.cache[key]
	if kc == nil || rowid == 0 || rowid > kc.Total.Rows {
		return "", 0, false
	}
	var before uint64
	for _, c := range kc.Files {
		if rowid <= before+c.Rows {
			return c.ID, rowid - before - 1, true
		}
		before += c.Rows
	}
	return "", 0, false
}

// readMD reads the descriptor at a 0 based row of a shard.
func (t *Topic) readMD(key, fileID string, relative uint64) (md2.Metadata, error) {
	f, err := t.openReader(key, fileID, mdExt)
	if err != nil {
		return md2.Metadata{}, err
	}
	var buf [md2.Size]byte
	n, err := f.ReadAt(buf[:], int64(relative*md2.Size))
	if n != md2.Size {
		if err == nil || errors.Is(err, io.EOF) {
			corrupted("md2", "Record metadata beyond end of file", map[string]interface{}{
				"topic":    t.name,
				"key":      key,
				"file_id":  fileID,
				"relative": relative,
			})
			return md2.Metadata{}, fmt.Errorf("%w: %s/%s row %d beyond end", ErrCorrupted, key, fileID, relative)
		}
		t.db.critical("read_md", "Cannot read record metadata", err, map[string]interface{}{
			"topic":    t.name,
			"key":      key,
			"file_id":  fileID,
			"relative": relative,
		})
		return md2.Metadata{}, err
	}
	return md2.Decode(buf[:])
}

// readContent reads, decodes and validates the content of a record.
func (t *Topic) readContent(key, fileID string, md md2.Metadata) (json.RawMessage, error) {
	if md.Size == 0 {
		return json.RawMessage("{}"), nil
	}
	f, err := t.openReader(key, fileID, contentExt)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, md.Size)
	n, err := f.ReadAt(buf, int64(md.Offset))
	if uint64(n) != md.Size {
		if err == nil || errors.Is(err, io.EOF) {
			corrupted("content", "Record content beyond end of file", map[string]interface{}{
				"topic":   t.name,
				"key":     key,
				"file_id": fileID,
				"offset":  md.Offset,
				"size":    md.Size,
			})
			return nil, fmt.Errorf("%w: %s/%s content at %d short", ErrCorrupted, key, fileID, md.Offset)
		}
		t.db.critical("read_content", "Cannot read record content", err, map[string]interface{}{
			"topic":   t.name,
			"key":     key,
			"file_id": fileID,
			"offset":  md.Offset,
			"size":    md.Size,
		})
		return nil, err
	}
	if buf[len(buf)-1] == 0 {
		buf = buf[:len(buf)-1]
	}

	data, err := t.decodeContent(buf, md.SystemFlag)
	if err != nil {
		corrupted("content", "Cannot decode record content", map[string]interface{}{
			"topic": t.name, "key": key, "file_id": fileID, "offset": md.Offset, "error": err.Error(),
		})
		return nil, err
	}
	if len(data) == 0 {
		return json.RawMessage("{}"), nil
	}
	if !json.Valid(data) {
		corrupted("content", "Bad json in record content", map[string]interface{}{
			"topic": t.name, "key": key, "file_id": fileID, "offset": md.Offset,
		})
		return nil, fmt.Errorf("%w: %s/%s content at %d is not json", ErrCorrupted, key, fileID, md.Offset)
	}
	return json.RawMessage(data), nil
}

// loadRecord reads one record by key absolute rowid.
func (t *Topic) loadRecord(key string, rowid uint64, onlyMd bool) (*Record, error) {
	fileID, relative, ok := t.locate(key, rowid)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s rowid %d", ErrNotFound, t.name, key, rowid)
	}
	md, err := t.readMD(key, fileID, relative)
	if err != nil {
		return nil, err
	}
	rec := &Record{Topic: t.name, Key: key, Rowid: rowid, Metadata: md}
	if !onlyMd {
		if rec.Content, err = t.readContent(key, fileID, md); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

// GetRecordByRowid reads one record of a key. A non master refreshes the key
// from disk first.
func (db *Database) GetRecordByRowid(topic, key string, rowid uint64, onlyMd bool) (*Record, error) {
	t, err := db.Topic(topic)
	if err != nil {
		return nil, err
	}
	if !db.master {
		t.reloadKey(key)
	}
	rec, err := t.loadRecord(key, rowid, onlyMd)
	if err != nil {
		log.Debug().Err(err).Str("topic", topic).Str("key", key).Uint64("rowid", rowid).Msg("Cannot get record")
		return nil, err
	}
	return rec, nil
}
