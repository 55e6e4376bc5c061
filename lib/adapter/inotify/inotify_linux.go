// Copyright (C) 2016 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

//go:build linux

// Package inotify implements the Linux adapter.Adapter backend. One
// kernel inotify instance is shared by every fsevent.Watch the observer
// registers; recursion is emulated in userspace by walking the tree at
// registration time and adding one kernel watch per directory, then
// reacting to IN_CREATE/IN_ISDIR to extend coverage and to
// IN_DELETE_SELF/IN_MOVE_SELF to retract it.
package inotify

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/syncthing/fswatch/lib/adapter"
	"github.com/syncthing/fswatch/lib/equeue"
	"github.com/syncthing/fswatch/lib/fsevent"
	"github.com/syncthing/fswatch/lib/grouper"
	"github.com/syncthing/fswatch/lib/logger"
	"github.com/syncthing/fswatch/lib/sync"
	"github.com/syncthing/fswatch/lib/watcherr"
)

var l = logger.DefaultLogger.NewFacility("inotify", "Linux inotify adapter")

const watchMask = unix.IN_CREATE | unix.IN_DELETE | unix.IN_DELETE_SELF |
	unix.IN_ATTRIB | unix.IN_MOVED_FROM | unix.IN_MOVED_TO | unix.IN_MOVE_SELF |
	unix.IN_CLOSE_WRITE | unix.IN_CLOSE_NOWRITE | unix.IN_OPEN | unix.IN_MODIFY

// eventBufSize follows the convention used throughout the teacher's
// notify-backed watcher of a generously sized fixed read buffer; unlike
// that channel-based design we read straight off the fd.
const eventBufSize = 64 * (unix.SizeofInotifyEvent + unix.PathMax + 1)

type dirWatch struct {
	path      string
	wd        int32
	watchIDs  map[fsevent.WatchID]struct{}
	recursive bool
}

// Adapter is the Linux adapter.Adapter implementation.
type Adapter struct {
	mut sync.Mutex

	fd       int
	stopR    int
	stopW    int
	byWD     map[int32]*dirWatch
	byPath   map[string]*dirWatch
	watches  map[fsevent.WatchID]fsevent.Watch
	grouper  *grouper.Grouper
	queue    *equeue.Queue
	doneCh   chan struct{}
	stopped  bool
}

// New constructs an unstarted inotify adapter. It probes that the
// kernel facility is actually usable (e.g. not disabled by a container
// seccomp profile) by opening and immediately closing a throwaway
// inotify instance, so that observer.Select's fallback to polling can
// trigger on a real unavailability rather than only on a later Start
// failure.
func New() (adapter.Adapter, error) {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		return nil, watcherr.New(watcherr.OSObservationError, "", err)
	}
	unix.Close(fd)

	return &Adapter{
		mut:     sync.NewMutex(),
		byWD:    make(map[int32]*dirWatch),
		byPath:  make(map[string]*dirWatch),
		watches: make(map[fsevent.WatchID]fsevent.Watch),
		grouper: grouper.New(grouper.DefaultWindow, grouper.DefaultCapacity),
	}, nil
}

func (a *Adapter) Name() string { return "inotify" }

func (a *Adapter) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{NativeRecursive: false, ReportsMoves: false, ReportsOverflow: true}
}

func (a *Adapter) Start(ctx context.Context, queue *equeue.Queue) error {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		return watcherr.New(watcherr.OSObservationError, "", err)
	}

	fds := make([]int, 2)
	if err := unix.Pipe2(fds, unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		unix.Close(fd)
		return watcherr.New(watcherr.OSObservationError, "", err)
	}

	a.fd = fd
	a.stopR, a.stopW = fds[0], fds[1]
	a.queue = queue
	a.doneCh = make(chan struct{})

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
	unix.Close(a.fd)
}

func (a *Adapter) AddWatch(w fsevent.Watch) error {
	info, err := os.Lstat(w.Path)
	if err != nil {
		return watcherr.New(watcherr.WatchPathDoesNotExist, w.Path, err)
	}

	a.mut.Lock()
	defer a.mut.Unlock()

	a.watches[w.ID] = w

	if !info.IsDir() {
		return a.addKernelWatch(w.Path, w.ID, false)
	}
	if !w.Recursive {
		return a.addKernelWatch(w.Path, w.ID, false)
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
		if !info.IsDir() {
			return nil
		}
		if werr := a.addKernelWatch(path, id, true); werr != nil {
			l.Debugf("Failed to add watch for %s: %v", path, werr)
		}
		return nil
	})
}

// addKernelWatch must be called with a.mut held.
func (a *Adapter) addKernelWatch(path string, id fsevent.WatchID, recursive bool) error {
	if dw, ok := a.byPath[path]; ok {
		dw.watchIDs[id] = struct{}{}
		return nil
	}

	wd, err := unix.InotifyAddWatch(a.fd, path, watchMask)
	if err != nil {
		if reachedMaxUserWatches(err) {
			err = errors.New("inotify watch limit reached; increase fs.inotify.max_user_watches")
		}
		return watcherr.New(watcherr.OSObservationError, path, err)
	}

	dw := &dirWatch{path: path, wd: int32(wd), watchIDs: map[fsevent.WatchID]struct{}{id: {}}, recursive: recursive}
	a.byWD[int32(wd)] = dw
	a.byPath[path] = dw
	return nil
}

func (a *Adapter) RemoveWatch(id fsevent.WatchID) error {
	a.mut.Lock()
	defer a.mut.Unlock()

	delete(a.watches, id)

	var toRemove []*dirWatch
	for _, dw := range a.byPath {
		if _, ok := dw.watchIDs[id]; ok {
			delete(dw.watchIDs, id)
			if len(dw.watchIDs) == 0 {
				toRemove = append(toRemove, dw)
			}
		}
	}
	for _, dw := range toRemove {
		a.removeKernelWatch(dw)
	}
	return nil
}

// removeKernelWatch must be called with a.mut held.
func (a *Adapter) removeKernelWatch(dw *dirWatch) {
	unix.InotifyRmWatch(a.fd, uint32(dw.wd))
	delete(a.byWD, dw.wd)
	delete(a.byPath, dw.path)
}

func (a *Adapter) pump(ctx context.Context) {
	defer close(a.doneCh)
	defer func() {
		for _, ev := range a.grouper.Flush() {
			a.queue.Put(ev, "")
		}
	}()

	buf := make([]byte, eventBufSize)
	pfds := []unix.PollFd{
		{Fd: int32(a.fd), Events: unix.POLLIN},
		{Fd: int32(a.stopR), Events: unix.POLLIN},
	}

	for {
		timeout := -1
		if deadline, ok := a.grouper.NextDeadline(); ok {
			if d := time.Until(deadline); d > 0 {
				timeout = int(d.Milliseconds()) + 1
			} else {
				timeout = 0
			}
		}

		n, err := unix.Poll(pfds, timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			l.Debugf("poll error: %v", err)
			return
		}

		for _, ev := range a.grouper.Expire(time.Now()) {
			a.queue.Put(ev, "")
		}

		if n == 0 {
			continue
		}
		if pfds[1].Revents&unix.POLLIN != 0 {
			return
		}
		if pfds[0].Revents&unix.POLLIN == 0 {
			continue
		}

		nread, err := unix.Read(a.fd, buf)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			l.Debugf("read error: %v", err)
			return
		}
		a.handleBuffer(buf[:nread])
	}
}

func (a *Adapter) handleBuffer(buf []byte) {
	offset := 0
	for offset+unix.SizeofInotifyEvent <= len(buf) {
		raw := (*unix.InotifyEvent)(unsafe.Pointer(&buf[offset]))
		nameLen := int(raw.Len)
		start := offset + unix.SizeofInotifyEvent
		var name string
		if nameLen > 0 {
			nameBytes := buf[start : start+nameLen]
			if i := indexByte(nameBytes, 0); i >= 0 {
				nameBytes = nameBytes[:i]
			}
			name = string(nameBytes)
		}
		offset = start + nameLen

		if raw.Mask&unix.IN_Q_OVERFLOW != 0 {
			a.queue.Put(fsevent.Overflow, "")
			continue
		}

		a.handleRaw(raw, name)
	}
}

func (a *Adapter) handleRaw(raw *unix.InotifyEvent, name string) {
	a.mut.Lock()
	dw, ok := a.byWD[raw.Wd]
	a.mut.Unlock()
	if !ok {
		return
	}

	path := dw.path
	if name != "" {
		path = filepath.Join(dw.path, name)
	}
	isDir := raw.Mask&unix.IN_ISDIR != 0

	switch {
	case raw.Mask&unix.IN_CREATE != 0:
		if isDir && dw.recursive {
			a.mut.Lock()
			for id := range dw.watchIDs {
				a.addRecursive(path, id)
			}
			a.mut.Unlock()
		}
		a.queue.Put(fsevent.Event{Kind: fsevent.Created, IsDirectory: isDir, SrcPath: path}, "")

	case raw.Mask&unix.IN_DELETE != 0:
		a.queue.Put(fsevent.Event{Kind: fsevent.Deleted, IsDirectory: isDir, SrcPath: path}, "")

	case raw.Mask&(unix.IN_DELETE_SELF|unix.IN_MOVE_SELF) != 0:
		a.mut.Lock()
		a.removeDescendants(dw)
		a.mut.Unlock()

	case raw.Mask&unix.IN_MOVED_FROM != 0:
		if ev, evicted := a.grouper.MoveFrom(path, isDir, raw.Cookie, time.Now()); evicted {
			a.queue.Put(ev, "")
		}

	case raw.Mask&unix.IN_MOVED_TO != 0:
		if isDir && dw.recursive {
			a.mut.Lock()
			for id := range dw.watchIDs {
				a.addRecursive(path, id)
			}
			a.mut.Unlock()
		}
		a.queue.Put(a.grouper.MoveTo(path, isDir, raw.Cookie), "")

	case raw.Mask&unix.IN_ATTRIB != 0:
		a.queue.Put(fsevent.Event{Kind: fsevent.Modified, IsDirectory: isDir, SrcPath: path}, "")

	case raw.Mask&unix.IN_MODIFY != 0:
		a.queue.Put(fsevent.Event{Kind: fsevent.Modified, IsDirectory: isDir, SrcPath: path}, "")

	case raw.Mask&unix.IN_CLOSE_WRITE != 0:
		a.queue.Put(fsevent.Event{Kind: fsevent.ClosedWrite, IsDirectory: isDir, SrcPath: path}, "")

	case raw.Mask&unix.IN_CLOSE_NOWRITE != 0:
		a.queue.Put(fsevent.Event{Kind: fsevent.ClosedNoWrite, IsDirectory: isDir, SrcPath: path}, "")

	case raw.Mask&unix.IN_OPEN != 0:
		a.queue.Put(fsevent.Event{Kind: fsevent.Opened, IsDirectory: isDir, SrcPath: path}, "")
	}
}

// removeDescendants unregisters dw and every kernel watch rooted under
// it, emitting a synthetic deletion per descendant path per spec
// section 4.1.1. Must be called with a.mut held.
func (a *Adapter) removeDescendants(dw *dirWatch) {
	prefix := dw.path + string(filepath.Separator)
	var descendants []*dirWatch
	for path, other := range a.byPath {
		if path == dw.path || len(path) > len(prefix) && path[:len(prefix)] == prefix {
			descendants = append(descendants, other)
		}
	}
	// Deepest paths first, so a child's kernel watch and synthetic
	// deletion are torn down before its parent's.
	for i := 0; i < len(descendants); i++ {
		for j := i + 1; j < len(descendants); j++ {
			if len(descendants[j].path) > len(descendants[i].path) {
				descendants[i], descendants[j] = descendants[j], descendants[i]
			}
		}
	}
	for _, d := range descendants {
		a.removeKernelWatch(d)
		a.queue.Put(fsevent.Event{Kind: fsevent.Deleted, IsDirectory: true, SrcPath: d.path, IsSynthetic: true}, "")
	}
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func reachedMaxUserWatches(err error) bool {
	errno, ok := err.(unix.Errno)
	return ok && (errno == unix.ENOSPC || errno == unix.EMFILE)
}
