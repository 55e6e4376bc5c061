// Copyright (C) 2016 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

//go:build dragonfly || freebsd || netbsd || openbsd || (darwin && !cgo)

// Package kqueue implements the BSD kqueue adapter.Adapter backend,
// also used on macOS as the fallback when cgo is unavailable for the
// FSEvents backend. kqueue reports only that a watched descriptor
// changed, not what changed about it, so the adapter holds an open file
// descriptor per watched file and directory and derives create, delete
// and rename events by diffing a lib/snapshot of each directory's
// immediate children against the previous pass. Descriptors never
// outlive their watch: removing a watch closes every descendant
// descriptor before the parent's.
package kqueue

import (
	"context"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/syncthing/fswatch/lib/adapter"
	"github.com/syncthing/fswatch/lib/equeue"
	"github.com/syncthing/fswatch/lib/fsevent"
	"github.com/syncthing/fswatch/lib/logger"
	"github.com/syncthing/fswatch/lib/snapshot"
	"github.com/syncthing/fswatch/lib/sync"
	"github.com/syncthing/fswatch/lib/watcherr"
)

var l = logger.DefaultLogger.NewFacility("kqueue", "BSD/macOS kqueue adapter")

const vnodeEvents = unix.NOTE_DELETE | unix.NOTE_WRITE | unix.NOTE_RENAME |
	unix.NOTE_ATTRIB | unix.NOTE_EXTEND | unix.NOTE_LINK | unix.NOTE_REVOKE

type node struct {
	path      string
	fd        int
	isDir     bool
	recursive bool
	watchIDs  map[fsevent.WatchID]struct{}
	children  *snapshot.Snapshot // nil for files
}

// Adapter is the kqueue adapter.Adapter implementation.
type Adapter struct {
	mut sync.Mutex

	kq      int
	stopR   int
	stopW   int
	byFD    map[int]*node
	byPath  map[string]*node
	watches map[fsevent.WatchID]fsevent.Watch

	queue  *equeue.Queue
	doneCh chan struct{}

	stopped bool
}

// New constructs an unstarted kqueue adapter.
func New() (adapter.Adapter, error) {
	return &Adapter{
		mut:     sync.NewMutex(),
		byFD:    make(map[int]*node),
		byPath:  make(map[string]*node),
		watches: make(map[fsevent.WatchID]fsevent.Watch),
	}, nil
}

func (a *Adapter) Name() string { return "kqueue" }

func (a *Adapter) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{NativeRecursive: false, ReportsMoves: false, ReportsOverflow: false}
}

func (a *Adapter) Start(ctx context.Context, queue *equeue.Queue) error {
	kq, err := unix.Kqueue()
	if err != nil {
		return watcherr.New(watcherr.OSObservationError, "", err)
	}
	fds := make([]int, 2)
	if err := unix.Pipe(fds); err != nil {
		unix.Close(kq)
		return watcherr.New(watcherr.OSObservationError, "", err)
	}

	a.kq = kq
	a.stopR, a.stopW = fds[0], fds[1]
	a.queue = queue
	a.doneCh = make(chan struct{})

	stopKevent := unix.Kevent_t{}
	unix.SetKevent(&stopKevent, a.stopR, unix.EVFILT_READ, unix.EV_ADD|unix.EV_CLEAR)
	if _, err := unix.Kevent(a.kq, []unix.Kevent_t{stopKevent}, nil, nil); err != nil {
		unix.Close(kq)
		unix.Close(fds[0])
		unix.Close(fds[1])
		return watcherr.New(watcherr.OSObservationError, "", err)
	}

	go a.pump(ctx)
	return nil
}

func (a *Adapter) Stop() {
	a.mut.Lock()
	if a.stopped {
		a.mut.Unlock()
		return
	}
	a.stopped = true
	a.mut.Unlock()

	if a.doneCh == nil {
		// Start never ran, so there are no descriptors to close.
		return
	}
	unix.Write(a.stopW, []byte{0})
	<-a.doneCh
	unix.Close(a.stopR)
	unix.Close(a.stopW)
	unix.Close(a.kq)
}

func (a *Adapter) AddWatch(w fsevent.Watch) error {
	info, err := os.Lstat(w.Path)
	if err != nil {
		return watcherr.New(watcherr.WatchPathDoesNotExist, w.Path, err)
	}

	a.mut.Lock()
	defer a.mut.Unlock()

	a.watches[w.ID] = w

	if !info.IsDir() || !w.Recursive {
		return a.addNode(w.Path, w.ID, info.IsDir(), false)
	}
	return a.addRecursive(w.Path, w.ID)
}

func (a *Adapter) addRecursive(root string, id fsevent.WatchID) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.Mode()&os.ModeSymlink != 0 {
			if path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if n, ok := a.byPath[path]; ok {
			n.watchIDs[id] = struct{}{}
			return nil
		}
		if addErr := a.addNode(path, id, info.IsDir(), true); addErr != nil {
			l.Debugf("Failed to watch %s: %v", path, addErr)
			if info.IsDir() {
				return filepath.SkipDir
			}
		}
		return nil
	})
}

// addNode must be called with a.mut held.
func (a *Adapter) addNode(path string, id fsevent.WatchID, isDir, recursive bool) error {
	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		return watcherr.New(watcherr.OSObservationError, path, err)
	}

	kev := unix.Kevent_t{}
	unix.SetKevent(&kev, fd, unix.EVFILT_VNODE, unix.EV_ADD|unix.EV_CLEAR)
	kev.Fflags = vnodeEvents
	if _, err := unix.Kevent(a.kq, []unix.Kevent_t{kev}, nil, nil); err != nil {
		unix.Close(fd)
		return watcherr.New(watcherr.OSObservationError, path, err)
	}

	n := &node{path: path, fd: fd, isDir: isDir, recursive: recursive, watchIDs: map[fsevent.WatchID]struct{}{id: {}}}
	if isDir {
		if snap, snapErr := snapshot.Take(path, snapshot.TakeOptions{Recursive: false}); snapErr == nil {
			n.children = snap
		} else {
			n.children = snapshot.Empty(path)
		}
	}
	a.byFD[fd] = n
	a.byPath[path] = n
	return nil
}

func (a *Adapter) RemoveWatch(id fsevent.WatchID) error {
	a.mut.Lock()
	defer a.mut.Unlock()

	delete(a.watches, id)

	var toClose []*node
	for _, n := range a.byPath {
		if _, ok := n.watchIDs[id]; ok {
			delete(n.watchIDs, id)
			if len(n.watchIDs) == 0 {
				toClose = append(toClose, n)
			}
		}
	}
	// Close deepest paths first so descriptors never outlive their watch.
	for i := 0; i < len(toClose); i++ {
		for j := i + 1; j < len(toClose); j++ {
			if len(toClose[j].path) > len(toClose[i].path) {
				toClose[i], toClose[j] = toClose[j], toClose[i]
			}
		}
	}
	for _, n := range toClose {
		a.closeNode(n)
	}
	return nil
}

// closeNode must be called with a.mut held.
func (a *Adapter) closeNode(n *node) {
	unix.Close(n.fd)
	delete(a.byFD, n.fd)
	delete(a.byPath, n.path)
}

func (a *Adapter) pump(ctx context.Context) {
	defer close(a.doneCh)

	events := make([]unix.Kevent_t, 32)
	for {
		n, err := unix.Kevent(a.kq, nil, events, nil)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			l.Debugf("kevent error: %v", err)
			return
		}
		for i := 0; i < n; i++ {
			kev := events[i]
			if int(kev.Ident) == a.stopR {
				return
			}
			a.handleEvent(int(kev.Ident), kev.Fflags)
		}
	}
}

func (a *Adapter) handleEvent(fd int, fflags uint32) {
	a.mut.Lock()
	n, ok := a.byFD[fd]
	a.mut.Unlock()
	if !ok {
		return
	}

	if fflags&(unix.NOTE_DELETE|unix.NOTE_RENAME|unix.NOTE_REVOKE) != 0 {
		a.mut.Lock()
		a.removeDescendants(n)
		a.mut.Unlock()
		return
	}

	if !n.isDir {
		a.queue.Put(fsevent.Event{Kind: fsevent.Modified, SrcPath: n.path}, "")
		return
	}

	a.rescanDir(n)
}

func (a *Adapter) rescanDir(n *node) {
	newSnap, err := snapshot.Take(n.path, snapshot.TakeOptions{Recursive: false})
	if err != nil {
		return
	}

	a.mut.Lock()
	oldSnap := n.children
	n.children = newSnap
	ids := make([]fsevent.WatchID, 0, len(n.watchIDs))
	for id := range n.watchIDs {
		ids = append(ids, id)
	}
	recursive := n.recursive
	a.mut.Unlock()

	for _, ev := range snapshot.Diff(oldSnap, newSnap) {
		a.queue.Put(ev, "")
		if recursive && ev.Kind == fsevent.Created && ev.IsDirectory {
			a.mut.Lock()
			for _, id := range ids {
				a.addRecursive(ev.SrcPath, id)
			}
			a.mut.Unlock()
		}
	}
}

// removeDescendants closes n and every descendant descriptor, emitting a
// synthetic deletion per descendant path. Must be called with a.mut held.
func (a *Adapter) removeDescendants(n *node) {
	prefix := n.path + string(filepath.Separator)
	var descendants []*node
	for path, other := range a.byPath {
		if path == n.path || len(path) > len(prefix) && path[:len(prefix)] == prefix {
			descendants = append(descendants, other)
		}
	}
	for i := 0; i < len(descendants); i++ {
		for j := i + 1; j < len(descendants); j++ {
			if len(descendants[j].path) > len(descendants[i].path) {
				descendants[i], descendants[j] = descendants[j], descendants[i]
			}
		}
	}
	for _, d := range descendants {
		a.closeNode(d)
		a.queue.Put(fsevent.Event{Kind: fsevent.Deleted, IsDirectory: d.isDir, SrcPath: d.path, IsSynthetic: true}, "")
	}
}

