//go:build linux

package fswatch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/maxpert/timeranger/evloop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	events []Event
}

func (r *recorder) handle(_ *Watcher, ev Event) {
	r.events = append(r.events, ev)
}

func (r *recorder) has(t EventType, dir, name string) bool {
	for _, ev := range r.events {
		if ev.Type == t && ev.Directory == dir && ev.Filename == name {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, loop *evloop.Loop, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, loop.RunUntil(ctx, cond))
}

func TestWatcher_RejectsFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(file, nil, 0644))

	_, err := New(evloop.New(), file, 0, func(*Watcher, Event) {})
	assert.ErrorIs(t, err, ErrNotDirectory)
}

func TestWatcher_FileEvents(t *testing.T) {
	dir := t.TempDir()
	loop := evloop.New()
	rec := &recorder{}

	w, err := New(loop, dir, 0, rec.handle)
	require.NoError(t, err)
	defer w.Stop()
	w.Start()

	file := filepath.Join(dir, "a.md2")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))
	waitFor(t, loop, func() bool { return rec.has(FileCreated, dir, "a.md2") })

	require.NoError(t, os.Remove(file))
	waitFor(t, loop, func() bool { return rec.has(FileDeleted, dir, "a.md2") })

	for _, ev := range rec.events {
		assert.NotEqual(t, FileModified, ev.Type)
	}
}

func TestWatcher_ModifiedIsOptIn(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "a.json")
	require.NoError(t, os.WriteFile(file, nil, 0644))

	loop := evloop.New()
	rec := &recorder{}
	w, err := New(loop, dir, FlagModifiedFiles, rec.handle)
	require.NoError(t, err)
	defer w.Stop()
	w.Start()

	require.NoError(t, os.WriteFile(file, []byte("data"), 0644))
	waitFor(t, loop, func() bool { return rec.has(FileModified, dir, "a.json") })
}

func TestWatcher_RecursiveSubdirs(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "existing")
	require.NoError(t, os.Mkdir(existing, 0755))

	loop := evloop.New()
	rec := &recorder{}
	w, err := New(loop, dir, FlagRecursive, rec.handle)
	require.NoError(t, err)
	defer w.Stop()
	w.Start()

	assert.True(t, w.Watching(existing))
	assert.Empty(t, rec.events, "initial registration is silent")

	// Files in pre-existing subdirectories are reported.
	require.NoError(t, os.WriteFile(filepath.Join(existing, "old.md2"), nil, 0644))
	waitFor(t, loop, func() bool { return rec.has(FileCreated, existing, "old.md2") })

	// A new subdirectory is reported and its racing content found.
	sub := filepath.Join(dir, "key1")
	require.NoError(t, os.Mkdir(sub, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "2024-01-01.md2"), nil, 0644))

	waitFor(t, loop, func() bool {
		return rec.has(SubdirCreated, dir, "key1") && rec.has(FileCreated, sub, "2024-01-01.md2")
	})
	assert.True(t, w.Watching(sub))

	require.NoError(t, os.RemoveAll(sub))
	waitFor(t, loop, func() bool { return rec.has(SubdirDeleted, dir, "key1") })
	assert.False(t, w.Watching(sub))

	deleted := 0
	loop.RunOnce(50 * time.Millisecond)
	for _, ev := range rec.events {
		if ev.Type == SubdirDeleted && ev.Filename == "key1" {
			deleted++
		}
	}
	assert.Equal(t, 1, deleted)
}

func TestWatcher_NonRecursiveIgnoresNested(t *testing.T) {
	dir := t.TempDir()
	loop := evloop.New()
	rec := &recorder{}

	w, err := New(loop, dir, 0, rec.handle)
	require.NoError(t, err)
	defer w.Stop()
	w.Start()

	sub := filepath.Join(dir, "rt1")
	require.NoError(t, os.Mkdir(sub, 0755))
	waitFor(t, loop, func() bool { return rec.has(SubdirCreated, dir, "rt1") })
	assert.False(t, w.Watching(sub))

	require.NoError(t, os.WriteFile(filepath.Join(sub, "f"), nil, 0644))
	require.NoError(t, os.Remove(filepath.Join(sub, "f")))
	require.NoError(t, os.Remove(sub))
	waitFor(t, loop, func() bool { return rec.has(SubdirDeleted, dir, "rt1") })

	for _, ev := range rec.events {
		assert.NotEqual(t, sub, ev.Directory)
	}
}

func TestWatcher_RootDeleted(t *testing.T) {
	parent := t.TempDir()
	dir := filepath.Join(parent, "watched")
	require.NoError(t, os.Mkdir(dir, 0755))

	loop := evloop.New()
	rec := &recorder{}
	w, err := New(loop, dir, FlagRecursive, rec.handle)
	require.NoError(t, err)
	defer w.Stop()
	w.Start()

	require.NoError(t, os.Remove(dir))
	waitFor(t, loop, func() bool { return rec.has(SubdirDeleted, parent, "watched") })
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	loop := evloop.New()
	rec := &recorder{}

	w, err := New(loop, dir, FlagRecursive, rec.handle)
	require.NoError(t, err)
	w.Start()

	w.Stop()
	w.Stop()
	assert.False(t, w.Watching(dir))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "late"), nil, 0644))
	loop.RunOnce(50 * time.Millisecond)
	assert.Empty(t, rec.events)
}
