package publisher

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/maxpert/timeranger/encoding"
	"github.com/rs/zerolog/log"
)

// Key prefixes for Pebble storage
const (
	prefixEvent  = "/ev/"  // /ev/{16-digit-hex-seq}
	prefixCursor = "/cur/" // /cur/{sinkName}
	prefixMark   = "/row/" // /row/{topic}\x00{key}
	keySeq       = "/seq"
)

// Pebble configuration constants
const (
	memTableSize                = 16 << 20 // 16MB
	memTableStopWritesThreshold = 4
	l0CompactionThreshold       = 2
	l0StopWritesThreshold       = 12
	lBaseMaxBytes               = 64 << 20 // 64MB
	maxConcurrentCompactions    = 2
)

// Read and cleanup constants
const (
	defaultReadLimit    = 100  // Default limit for ReadFrom
	cleanupIntervalMask = 0x7F // Cleanup every 128 sequences
)

var errLogClosed = errors.New("publish log is closed")

// PublishLog is the Pebble-backed outbox of captured events
type PublishLog struct {
	db   *pebble.DB
	path string

	// In-memory cursor map for fast lookups
	cursors   map[string]uint64
	cursorsMu sync.RWMutex

	// Last assigned sequence, appends are serialized by appendMu
	lastSeq  atomic.Uint64
	appendMu sync.Mutex

	cleanupMu      sync.Mutex
	cleanupRunning atomic.Bool
	cleanupWg      sync.WaitGroup

	closed atomic.Bool
}

// NewPublishLog creates or opens the outbox under dataDir
func NewPublishLog(dataDir string) (*PublishLog, error) {
	logPath := filepath.Join(dataDir, "outbox")

	opts := &pebble.Options{
		MemTableSize:                memTableSize,
		MemTableStopWritesThreshold: memTableStopWritesThreshold,
		L0CompactionThreshold:       l0CompactionThreshold,
		L0StopWritesThreshold:       l0StopWritesThreshold,
		LBaseMaxBytes:               lBaseMaxBytes,
		MaxConcurrentCompactions:    func() int { return maxConcurrentCompactions },
	}

	db, err := pebble.Open(logPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open publish log at %s: %w", logPath, err)
	}

	pl := &PublishLog{
		db:      db,
		path:    logPath,
		cursors: make(map[string]uint64),
	}

	seq, err := pl.getUint64([]byte(keySeq))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load sequence number: %w", err)
	}
	pl.lastSeq.Store(seq)

	if err := pl.loadCursors(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load cursors: %w", err)
	}

	return pl, nil
}

// getUint64 returns 0 for a missing key
func (pl *PublishLog) getUint64(key []byte) (uint64, error) {
	val, closer, err := pl.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()

	if len(val) != 8 {
		return 0, fmt.Errorf("invalid value length %d for %q", len(val), key)
	}
	return binary.LittleEndian.Uint64(val), nil
}

func uint64Bytes(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}

func (pl *PublishLog) loadCursors() error {
	prefix := []byte(prefixCursor)
	iter, err := pl.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		name := string(iter.Key()[len(prefix):])
		val, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		if len(val) != 8 {
			return fmt.Errorf("corrupted cursor for sink %s: invalid length %d", name, len(val))
		}
		pl.cursors[name] = binary.LittleEndian.Uint64(val)
	}
	if err := iter.Error(); err != nil {
		return err
	}

	if len(pl.cursors) > 0 {
		log.Info().Int("cursors", len(pl.cursors)).Msg("Loaded publish log cursors")
	}
	return nil
}

// Append stores events, assigning sequence numbers, and moves the capture
// mark of every (topic, key) to the highest rowid in the batch.
// It sets SeqNum on the given events.
func (pl *PublishLog) Append(events []Event) error {
	if len(events) == 0 {
		return nil
	}
	if pl.closed.Load() {
		return errLogClosed
	}

	pl.appendMu.Lock()
	defer pl.appendMu.Unlock()

	batch := pl.db.NewBatch()
	defer batch.Close()

	seq := pl.lastSeq.Load()
	marks := make(map[string]uint64)
	for i := range events {
		seq++
		events[i].SeqNum = seq

		val, err := encoding.Marshal(&events[i])
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		if err := batch.Set(eventKey(seq), val, nil); err != nil {
			return fmt.Errorf("failed to write event: %w", err)
		}

		mk := markKey(events[i].Topic, events[i].Key)
		if events[i].Rowid > marks[mk] {
			marks[mk] = events[i].Rowid
		}
	}
	for mk, rowid := range marks {
		if err := batch.Set([]byte(mk), uint64Bytes(rowid), nil); err != nil {
			return fmt.Errorf("failed to write capture mark: %w", err)
		}
	}
	if err := batch.Set([]byte(keySeq), uint64Bytes(seq), nil); err != nil {
		return fmt.Errorf("failed to update sequence: %w", err)
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	pl.lastSeq.Store(seq)
	return nil
}

// LastSeq returns the last assigned sequence number
func (pl *PublishLog) LastSeq() uint64 {
	return pl.lastSeq.Load()
}

// Captured returns the highest rowid of a key already in the outbox
func (pl *PublishLog) Captured(topic, key string) (uint64, error) {
	if pl.closed.Load() {
		return 0, errLogClosed
	}
	return pl.getUint64([]byte(markKey(topic, key)))
}

// ReadFrom reads events after cursor, up to limit events
func (pl *PublishLog) ReadFrom(cursor uint64, limit int) ([]Event, error) {
	if pl.closed.Load() {
		return nil, errLogClosed
	}
	if limit <= 0 {
		limit = defaultReadLimit
	}

	start := eventKey(cursor + 1)
	iter, err := pl.db.NewIter(&pebble.IterOptions{
		LowerBound: start,
		UpperBound: prefixUpperBound([]byte(prefixEvent)),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	events := make([]Event, 0, limit)
	for iter.First(); iter.Valid() && len(events) < limit; iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}

		var event Event
		if err := encoding.Unmarshal(val, &event); err != nil {
			log.Warn().Err(err).Str("key", string(iter.Key())).Msg("Failed to unmarshal outbox event")
			continue
		}
		events = append(events, event)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return events, nil
}

// GetCursor returns the last sequence published by a sink, 0 for a new sink
func (pl *PublishLog) GetCursor(sinkName string) (uint64, error) {
	if pl.closed.Load() {
		return 0, errLogClosed
	}

	pl.cursorsMu.RLock()
	cursor, ok := pl.cursors[sinkName]
	pl.cursorsMu.RUnlock()
	if ok {
		return cursor, nil
	}

	cursor, err := pl.getUint64([]byte(prefixCursor + sinkName))
	if err != nil {
		return 0, err
	}

	pl.cursorsMu.Lock()
	defer pl.cursorsMu.Unlock()
	if existing, ok := pl.cursors[sinkName]; ok {
		return existing, nil
	}
	pl.cursors[sinkName] = cursor
	return cursor, nil
}

// AdvanceCursor stores the cursor of a sink and triggers cleanup periodically
func (pl *PublishLog) AdvanceCursor(sinkName string, seq uint64) error {
	if pl.closed.Load() {
		return errLogClosed
	}

	pl.cursorsMu.Lock()
	pl.cursors[sinkName] = seq
	pl.cursorsMu.Unlock()

	if err := pl.db.Set([]byte(prefixCursor+sinkName), uint64Bytes(seq), pebble.Sync); err != nil {
		return fmt.Errorf("failed to update cursor: %w", err)
	}

	if seq&cleanupIntervalMask == 0 && pl.cleanupRunning.CompareAndSwap(false, true) {
		pl.cleanupWg.Add(1)
		go pl.cleanupAsync()
	}
	return nil
}

// cleanup deletes events every sink has published
func (pl *PublishLog) cleanup() {
	pl.cleanupMu.Lock()
	defer pl.cleanupMu.Unlock()

	if pl.closed.Load() {
		return
	}

	pl.cursorsMu.RLock()
	if len(pl.cursors) == 0 {
		pl.cursorsMu.RUnlock()
		return
	}
	minCursor := ^uint64(0)
	for _, cursor := range pl.cursors {
		minCursor = min(minCursor, cursor)
	}
	pl.cursorsMu.RUnlock()

	if minCursor == 0 {
		return
	}

	// The event at minCursor is kept so a new sink can find the earliest entry
	if err := pl.db.DeleteRange([]byte(prefixEvent), eventKey(minCursor), pebble.Sync); err != nil {
		log.Warn().Err(err).Uint64("min_cursor", minCursor).Msg("Failed to clean up publish log")
		return
	}
	log.Debug().Uint64("min_cursor", minCursor).Msg("Cleaned up publish log")
}

func (pl *PublishLog) cleanupAsync() {
	defer pl.cleanupWg.Done()
	defer pl.cleanupRunning.Store(false)
	pl.cleanup()
}

// Close waits for in-flight cleanups and closes Pebble
func (pl *PublishLog) Close() error {
	if !pl.closed.CompareAndSwap(false, true) {
		return errLogClosed
	}
	pl.cleanupWg.Wait()

	if pl.db != nil {
		return pl.db.Close()
	}
	return nil
}

func eventKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x", prefixEvent, seq))
}

func markKey(topic, key string) string {
	return prefixMark + topic + "\x00" + key
}

// prefixUpperBound returns the upper bound for a prefix scan
func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
