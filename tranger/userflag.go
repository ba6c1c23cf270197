package tranger

import (
	"fmt"

	"github.com/maxpert/timeranger/md2"
)

// ReadUserFlag returns the user flag of a record.
func (db *Database) ReadUserFlag(topic, key string, rowid uint64) (uint16, error) {
	rec, err := db.GetRecordByRowid(topic, key, rowid, true)
	if err != nil {
		return 0, err
	}
	return rec.Metadata.UserFlag, nil
}

// WriteUserFlag replaces the user flag of a record in place.
func (db *Database) WriteUserFlag(topic, key string, rowid uint64, flag uint16) error {
	return db.rewriteUserFlag(topic, key, rowid, func(uint16) uint16 { return flag })
}

// SetUserFlag sets, or clears when set is false, the mask bits of a record
// user flag.
func (db *Database) SetUserFlag(topic, key string, rowid uint64, mask uint16, set bool) error {
	return db.rewriteUserFlag(topic, key, rowid, func(old uint16) uint16 {
		if set {
			return old | mask
		}
		return old &^ mask
	})
}

func (db *Database) rewriteUserFlag(topic, key string, rowid uint64, update func(uint16) uint16) error {
	if !db.master {
		return fmt.Errorf("%w: write user flag of %s", ErrNotMaster, topic)
	}
	t, err := db.Topic(topic)
	if err != nil {
		return err
	}
	fileID, relative, ok := t.locate(key, rowid)
	if !ok {
		return fmt.Errorf("%w: %s/%s rowid %d", ErrNotFound, topic, key, rowid)
	}
	md, err := t.readMD(key, fileID, relative)
	if err != nil {
		return err
	}

	md.UserFlag = update(md.UserFlag)

	f, err := t.openWriter(key, fileID, mdExt)
	if err != nil {
		return err
	}
	var buf [md2.Size]byte
	md.Encode(buf[:])
	if _, err := f.WriteAt(buf[:], int64(relative*md2.Size)); err != nil {
		db.critical("write_user_flag", "Cannot rewrite record metadata", err, map[string]interface{}{
			"topic":   topic,
			"key":     key,
			"file_id": fileID,
			"rowid":   rowid,
		})
		return err
	}
	return nil
}
