// Package fswatch reports typed file system events for a directory tree.
//
// Raw events are read on a private goroutine and dispatched to the handler on
// the owning evloop.Loop, so handlers run on the same goroutine as the rest of
// the engine.
package fswatch

import (
	"errors"
	"fmt"
)

// EventType is the kind of a reported event.
type EventType int

const (
	SubdirCreated EventType = iota + 1
	SubdirDeleted
	FileCreated
	FileDeleted
	FileModified
)

func (t EventType) String() string {
	switch t {
	case SubdirCreated:
		return "subdir_created"
	case SubdirDeleted:
		return "subdir_deleted"
	case FileCreated:
		return "file_created"
	case FileDeleted:
		return "file_deleted"
	case FileModified:
		return "file_modified"
	}
	return fmt.Sprintf("event(%d)", int(t))
}

// Flags tune a watcher.
type Flags uint8

const (
	// FlagRecursive watches subdirectories as they appear.
	FlagRecursive Flags = 1 << iota
	// FlagModifiedFiles reports FileModified. Under heavy write load this
	// risks a kernel queue overflow.
	FlagModifiedFiles
)

// Event is one typed notification. Directory is the watched directory that
// contains Filename.
type Event struct {
	Type      EventType
	Directory string
	Filename  string
}

// Handler receives events on the loop goroutine.
type Handler func(w *Watcher, ev Event)

var (
	ErrNotDirectory = errors.New("fswatch: not a directory")
	ErrUnsupported  = errors.New("fswatch: not supported on this platform")
)
