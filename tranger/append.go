package tranger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/buger/jsonparser"
	"github.com/maxpert/timeranger/md2"
	"github.com/maxpert/timeranger/telemetry"
	"github.com/rs/zerolog/log"
)

// AppendRecord appends a JSON object to the topic.
//
// t is the arrival time, seconds or milliseconds per sf_t_ms; zero means
// now. The key is read from the pkey field and the application time from
// the tkey field. The record is written to its shard, the key cache is
// updated and then every matching rt_mem subscriber is called.
func (db *Database) AppendRecord(topicName string, t uint64, userFlag uint16, content []byte) (*Record, error) {
	if !db.master {
		log.Error().Str("msgset", msgsetParameter).Str("topic", topicName).Msg("Cannot append record, not master")
		return nil, fmt.Errorf("%w: append to %s", ErrNotMaster, topicName)
	}
	topic, err := db.Topic(topicName)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	rec, err := topic.append(t, userFlag, content)
	if err != nil {
		telemetry.AppendsTotal.With(topicName, "failed").Inc()
		return nil, err
	}
	telemetry.AppendsTotal.With(topicName, "success").Inc()
	telemetry.AppendDurationSeconds.Observe(time.Since(start).Seconds())

	topic.hub.Publish(rec.Key, rec)
	return rec, nil
}

func (t *Topic) append(ts uint64, userFlag uint16, content []byte) (*Record, error) {
	sf := t.desc.SystemFlag

	var compact bytes.Buffer
	if err := json.Compact(&compact, content); err != nil {
		log.Error().Str("msgset", msgsetJSON).Str("topic", t.name).Err(err).Msg("Cannot append record, bad json")
		return nil, fmt.Errorf("%w: record: %v", ErrInvalidParameter, err)
	}
	data := compact.Bytes()
	if len(data) == 0 || data[0] != '{' {
		return nil, fmt.Errorf("%w: record must be a json object", ErrInvalidParameter)
	}

	key, err := t.recordKey(data)
	if err != nil {
		return nil, err
	}

	if ts == 0 {
		now := time.Now()
		if sf&md2.TMs != 0 {
			ts = uint64(now.UnixMilli())
		} else {
			ts = uint64(now.Unix())
		}
	}

	md := md2.Metadata{
		T:          ts,
		TM:         t.recordTm(data),
		UserFlag:   userFlag,
		SystemFlag: sf & md2.RecordMask,
	}
	rec := &Record{Topic: t.name, Key: key, Metadata: md, Content: data}

	if sf&md2.NoDisk != 0 {
		return rec, nil
	}

	fileID := t.fileID(ts)

	// Content at the end of the content file
	payload, err := t.encodeContent(data, md.SystemFlag)
	if err != nil {
		return nil, err
	}
	contentFile, err := t.openWriter(key, fileID, contentExt)
	if err != nil {
		return nil, err
	}
	offset, err := contentFile.Seek(0, io.SeekEnd)
	if err != nil {
		t.db.critical("append", "Cannot append record, seek FAILED", err, map[string]interface{}{"topic": t.name, "key": key})
		return nil, err
	}
	md.Offset = uint64(offset)
	md.Size = uint64(len(payload)) + 1

	buf := make([]byte, 0, len(payload)+1)
	buf = append(append(buf, payload...), 0)
	if _, err := contentFile.Write(buf); err != nil {
		t.db.critical("append", "Cannot append record, write FAILED", err, map[string]interface{}{"topic": t.name, "key": key})
		return nil, err
	}
	telemetry.AppendBytesTotal.Add(float64(len(buf)))

	// Descriptor at the end of the md2 file
	mdFile, err := t.openWriter(key, fileID, mdExt)
	if err != nil {
		return nil, err
	}
	mdOffset, err := mdFile.Seek(0, io.SeekEnd)
	if err != nil {
		t.db.critical("append", "Cannot append record, seek FAILED", err, map[string]interface{}{"topic": t.name, "key": key})
		return nil, err
	}
	if mdOffset%md2.Size != 0 {
		corrupted("md2_size", "Cannot append record, md2 file corrupted", map[string]interface{}{
			"topic": t.name, "key": key, "file_id": fileID, "size": mdOffset,
		})
		return nil, fmt.Errorf("%w: %s/%s size %d", ErrCorrupted, key, fileID, mdOffset)
	}
	relative := uint64(mdOffset / md2.Size)

	kc := t.keyCache(key)
	idx, found := kc.position(fileID)
	if found && kc.Files[idx].Rows != relative {
		log.Warn().
			Str("msgset", msgsetInternal).
			Str("topic", t.name).
			Str("key", key).
			Str("file_id", fileID).
			Uint64("cache_rows", kc.Files[idx].Rows).
			Uint64("file_rows", relative).
			Msg("Key cache out of sync with md2 file")
		kc.Files[idx].Rows = relative
	}
	rec.Rowid = kc.rowsBefore(idx) + relative + 1
	rec.Metadata = md

	if sf&md2.SaveMdInRecord != 0 {
		t.appendInfo(key, fileID, rec)
	}

	// Opening a writer may purge the cache on EMFILE, so fetch it again
	if mdFile, err = t.openWriter(key, fileID, mdExt); err != nil {
		return nil, err
	}
	var desc [md2.Size]byte
	md.Encode(desc[:])
	if _, err := mdFile.WriteAt(desc[:], mdOffset); err != nil {
		t.db.critical("append", "Cannot save record metadata, write FAILED", err, map[string]interface{}{"topic": t.name, "key": key})
		return nil, err
	}

	// Key cache
	var cell CacheCell
	if found {
		cell = kc.Files[idx]
	} else {
		cell = CacheCell{ID: fileID}
	}
	cell.extend(md)
	cell.WrTime = uint64(time.Now().UnixNano())
	kc.upsert(cell)

	return rec, nil
}

// appendInfo writes the descriptor view of rec after its content. A failure
// here does not fail the append.
func (t *Topic) appendInfo(key, fileID string, rec *Record) {
	info, err := json.Marshal(rec.Info())
	if err != nil {
		return
	}
	f, err := t.openWriter(key, fileID, contentExt)
	if err != nil {
		return
	}
	if _, err := f.Seek(0, io.SeekEnd); err == nil {
		_, err = f.Write(append(info, 0))
	}
	if err != nil {
		log.Error().Err(err).Str("topic", t.name).Str("key", key).Msg("Cannot append __md_tranger__, write FAILED")
	}
}

// recordKey extracts and validates the key value from the pkey field.
func (t *Topic) recordKey(data []byte) (string, error) {
	value, dataType, _, err := jsonparser.Get(data, t.desc.Pkey)
	if err != nil {
		log.Error().Str("msgset", msgsetParameter).Str("topic", t.name).Str("pkey", t.desc.Pkey).Msg("Cannot append record, no pkey")
		return "", fmt.Errorf("%w: pkey %q not found", ErrInvalidParameter, t.desc.Pkey)
	}

	switch t.desc.SystemFlag.KeyType() {
	case md2.StringKey:
		if dataType != jsonparser.String {
			return "", fmt.Errorf("%w: pkey %q must be a string", ErrInvalidParameter, t.desc.Pkey)
		}
		key, err := jsonparser.ParseString(value)
		if err != nil {
			return "", fmt.Errorf("%w: pkey: %v", ErrInvalidParameter, err)
		}
		if !validName(key) {
			log.Error().Str("msgset", msgsetParameter).Str("topic", t.name).Str("key", key).Msg("Cannot append record, bad pkey value")
			return "", fmt.Errorf("%w: pkey value %q", ErrInvalidParameter, key)
		}
		return key, nil

	case md2.IntKey:
		if dataType != jsonparser.Number {
			return "", fmt.Errorf("%w: pkey %q must be an integer", ErrInvalidParameter, t.desc.Pkey)
		}
		n, err := jsonparser.ParseInt(value)
		if err != nil {
			return "", fmt.Errorf("%w: pkey: %v", ErrInvalidParameter, err)
		}
		return fmt.Sprintf("%019d", n), nil
	}

	log.Error().Str("msgset", msgsetInternal).Str("topic", t.name).Str("system_flag", t.desc.SystemFlag.String()).Msg("Key type unknown")
	return "", fmt.Errorf("%w: key type of %s", ErrInvalidParameter, t.name)
}

// recordTm returns the application time from the tkey field, 0 when absent.
func (t *Topic) recordTm(data []byte) uint64 {
	if t.desc.Tkey == "" {
		return 0
	}
	value, dataType, _, err := jsonparser.Get(data, t.desc.Tkey)
	if err != nil {
		return 0
	}
	switch dataType {
	case jsonparser.String:
		s, err := jsonparser.ParseString(value)
		if err != nil {
			return 0
		}
		ts, err := ParseTime(s)
		if err != nil || ts < 0 {
			log.Warn().Str("topic", t.name).Str("tkey", t.desc.Tkey).Str("value", s).Msg("Cannot parse tkey time")
			return 0
		}
		if t.desc.SystemFlag&md2.TmMs != 0 {
			return uint64(ts) * 1000
		}
		return uint64(ts)
	case jsonparser.Number:
		n, err := strconv.ParseInt(string(value), 10, 64)
		if err != nil || n < 0 {
			return 0
		}
		return uint64(n)
	}
	return 0
}
