//go:build !linux

package fswatch

import (
	"github.com/maxpert/timeranger/evloop"
)

// Watcher is unavailable without inotify; realtime disk feeds are disabled.
type Watcher struct {
	path string
}

func New(loop *evloop.Loop, path string, flags Flags, handler Handler) (*Watcher, error) {
	return nil, ErrUnsupported
}

func (w *Watcher) Path() string             { return w.path }
func (w *Watcher) Watching(dir string) bool { return false }
func (w *Watcher) Start()                   {}
func (w *Watcher) Stop()                    {}
