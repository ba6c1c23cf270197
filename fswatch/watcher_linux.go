//go:build linux

package fswatch

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unsafe"

	"github.com/maxpert/timeranger/evloop"
	"github.com/maxpert/timeranger/telemetry"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

const (
	defaultMask = unix.IN_DELETE_SELF | unix.IN_MOVE_SELF | unix.IN_CREATE | unix.IN_DELETE |
		unix.IN_DONT_FOLLOW | unix.IN_EXCL_UNLINK

	readBufferSize = 256 * (unix.SizeofInotifyEvent + 255 + 1)
)

type rawEvent struct {
	wd   int
	mask uint32
	name string
}

// Watcher is one inotify instance. Apart from New, every method must be
// called on the loop goroutine.
type Watcher struct {
	loop    *evloop.Loop
	path    string
	flags   Flags
	handler Handler

	fd   int
	file *os.File

	wds   map[int]string
	paths map[string]int

	started bool
	stopped bool
}

// New creates a watcher on path and registers the initial watches. In
// recursive mode every existing subdirectory is watched without reporting
// events. Call Start to begin delivering events.
func New(loop *evloop.Loop, path string, flags Flags, handler Handler) (*Watcher, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotDirectory, path)
	}

	fd, err := unix.InotifyInit1(unix.IN_NONBLOCK | unix.IN_CLOEXEC)
	if err != nil {
		log.Error().
			Err(err).
			Bool("critical", true).
			Str("msgset", "system").
			Str("path", path).
			Msg("inotify_init1() failed")
		return nil, fmt.Errorf("inotify init: %w", err)
	}

	w := &Watcher{
		loop:    loop,
		path:    filepath.Clean(path),
		flags:   flags,
		handler: handler,
		fd:      fd,
		file:    os.NewFile(uintptr(fd), "inotify"),
		wds:     make(map[int]string),
		paths:   make(map[string]int),
	}

	if err := w.addWatch(w.path); err != nil {
		w.file.Close()
		return nil, err
	}

	if flags&FlagRecursive != 0 {
		filepath.WalkDir(w.path, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() && p != w.path {
				w.addWatch(p)
			}
			return nil
		})
	}

	return w, nil
}

// Path returns the watched root.
func (w *Watcher) Path() string {
	return w.path
}

// Watching reports whether dir currently has a watch.
func (w *Watcher) Watching(dir string) bool {
	_, ok := w.paths[filepath.Clean(dir)]
	return ok
}

// Start launches the reader. Calling it twice has no effect.
func (w *Watcher) Start() {
	if w.started || w.stopped {
		return
	}
	w.started = true
	go w.readLoop()
}

// Stop releases the inotify instance and drops pending events. Idempotent.
func (w *Watcher) Stop() {
	if w.stopped {
		return
	}
	w.stopped = true
	w.file.Close()
	w.wds = make(map[int]string)
	w.paths = make(map[string]int)
}

func (w *Watcher) mask() uint32 {
	m := uint32(defaultMask)
	if w.flags&FlagModifiedFiles != 0 {
		m |= unix.IN_MODIFY
	}
	return m
}

func (w *Watcher) addWatch(path string) error {
	if _, ok := w.paths[path]; ok {
		return nil
	}

	wd, err := unix.InotifyAddWatch(w.fd, path, w.mask())
	if err != nil {
		log.Error().
			Err(err).
			Str("msgset", "system").
			Str("path", path).
			Msg("inotify_add_watch() failed")
		return fmt.Errorf("inotify add watch %s: %w", path, err)
	}

	w.wds[wd] = path
	w.paths[path] = wd
	return nil
}

func (w *Watcher) forget(wd int) {
	if path, ok := w.wds[wd]; ok {
		delete(w.paths, path)
		delete(w.wds, wd)
	}
}

func (w *Watcher) readLoop() {
	buf := make([]byte, readBufferSize)
	for {
		n, err := w.file.Read(buf)
		if err != nil {
			if !errors.Is(err, os.ErrClosed) {
				log.Error().Err(err).Str("path", w.path).Msg("inotify read failed")
			}
			return
		}

		raws := parseEvents(buf[:n])
		if len(raws) == 0 {
			continue
		}
		if !w.loop.Post(func() { w.dispatch(raws) }) {
			return
		}
	}
}

func parseEvents(buf []byte) []rawEvent {
	var out []rawEvent
	for off := 0; off+unix.SizeofInotifyEvent <= len(buf); {
		raw := (*unix.InotifyEvent)(unsafe.Pointer(&buf[off]))
		start := off + unix.SizeofInotifyEvent
		end := start + int(raw.Len)
		if end > len(buf) {
			break
		}
		out = append(out, rawEvent{
			wd:   int(raw.Wd),
			mask: raw.Mask,
			name: strings.TrimRight(string(buf[start:end]), "\x00"),
		})
		off = end
	}
	return out
}

func (w *Watcher) dispatch(raws []rawEvent) {
	for _, r := range raws {
		if w.stopped {
			return
		}
		w.handle(r)
	}
}

func (w *Watcher) handle(r rawEvent) {
	if r.mask&unix.IN_Q_OVERFLOW != 0 {
		log.Warn().Str("path", w.path).Msg("inotify queue overflow, events lost")
		return
	}

	dir, ok := w.wds[r.wd]
	if !ok {
		return
	}

	switch {
	case r.mask&unix.IN_IGNORED != 0:
		w.forget(r.wd)
		return

	case r.mask&unix.IN_DELETE_SELF != 0:
		// Subdirectories are reported through their parent's IN_DELETE.
		if dir == w.path {
			w.emit(SubdirDeleted, filepath.Dir(dir), filepath.Base(dir))
		}
		return

	case r.mask&unix.IN_MOVE_SELF != 0:
		unix.InotifyRmWatch(w.fd, uint32(r.wd))
		w.forget(r.wd)
		if dir == w.path {
			w.emit(SubdirDeleted, filepath.Dir(dir), filepath.Base(dir))
		}
		return
	}

	if r.mask&unix.IN_ISDIR != 0 {
		switch {
		case r.mask&unix.IN_CREATE != 0:
			full := filepath.Join(dir, r.name)
			watched := w.flags&FlagRecursive != 0 && w.addWatch(full) == nil
			w.emit(SubdirCreated, dir, r.name)
			if watched {
				w.scan(full)
			}
		case r.mask&unix.IN_DELETE != 0:
			// Drop the child mapping now so a directory recreated under the
			// same name gets a fresh watch.
			if wd, ok := w.paths[filepath.Join(dir, r.name)]; ok {
				w.forget(wd)
			}
			w.emit(SubdirDeleted, dir, r.name)
		}
		return
	}

	switch {
	case r.mask&unix.IN_CREATE != 0:
		w.emit(FileCreated, dir, r.name)
	case r.mask&unix.IN_DELETE != 0:
		w.emit(FileDeleted, dir, r.name)
	case r.mask&unix.IN_MODIFY != 0:
		w.emit(FileModified, dir, r.name)
	}
}

// scan reports entries of a freshly watched directory that were created
// before the watch existed.
func (w *Watcher) scan(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	for _, e := range entries {
		if w.stopped {
			return
		}
		if e.IsDir() {
			full := filepath.Join(dir, e.Name())
			watched := w.addWatch(full) == nil
			w.emit(SubdirCreated, dir, e.Name())
			if watched {
				w.scan(full)
			}
			continue
		}
		w.emit(FileCreated, dir, e.Name())
	}
}

func (w *Watcher) emit(t EventType, dir, name string) {
	if w.stopped {
		return
	}
	telemetry.WatcherEventsTotal.With(t.String()).Inc()
	w.handler(w, Event{Type: t, Directory: dir, Filename: name})
}
