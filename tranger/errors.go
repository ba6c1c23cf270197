package tranger

import (
	"errors"
	"runtime/debug"

	"github.com/maxpert/timeranger/telemetry"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotMaster        = errors.New("operation requires the master")
	ErrTopicNotFound    = errors.New("topic not found")
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrCorrupted        = errors.New("corrupted data")
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrNoLoop           = errors.New("no event loop")

	// ErrBreak returned by a LoadRecordFunc stops a historical load.
	ErrBreak = errors.New("break load")
)

// msgset values classify log entries.
const (
	msgsetParameter = "parameter"
	msgsetSystem    = "system"
	msgsetInternal  = "internal"
	msgsetJSON      = "json"
)

// critical logs a failed file system operation and applies the database
// critical error policy. fields are added to the entry as is.
func (db *Database) critical(op, msg string, err error, fields map[string]interface{}) {
	telemetry.CriticalErrorsTotal.With(op).Inc()

	ev := log.Error().
		Bool("critical", true).
		Str("msgset", msgsetSystem).
		Str("op", op).
		Err(err)
	if fields != nil {
		ev = ev.Fields(fields)
	}
	if db.opts.OnCriticalError == LogTrace {
		ev = ev.Str("stack", string(debug.Stack()))
	}
	ev.Msg(msg)

	if db.opts.OnCriticalError == Abort {
		log.Fatal().Str("op", op).Msg("Aborting on critical error")
	}
}

// corrupted logs an integrity failure. The operation aborts but the
// process continues.
func corrupted(kind, msg string, fields map[string]interface{}) {
	telemetry.CorruptionsTotal.With(kind).Inc()
	log.Error().
		Bool("critical", true).
		Str("msgset", msgsetInternal).
		Str("kind", kind).
		Fields(fields).
		Msg(msg)
}
