// Copyright (C) 2016 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

//go:build windows

// Package readdcw implements the Windows adapter.Adapter backend on top
// of ReadDirectoryChangesW and an I/O completion port. One overlapped
// read is outstanding per watched directory at a time; on completion the
// variable-length FILE_NOTIFY_INFORMATION record list is decoded and a
// renamed-old-name record is paired with the renamed-new-name record
// that immediately follows it in the same buffer. A mismatched pair (an
// old-name with no following new-name, or vice versa) is treated as two
// independent events rather than dropped.
package readdcw

import (
	"context"
	"path/filepath"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/syncthing/fswatch/lib/adapter"
	"github.com/syncthing/fswatch/lib/equeue"
	"github.com/syncthing/fswatch/lib/fsevent"
	"github.com/syncthing/fswatch/lib/logger"
	"github.com/syncthing/fswatch/lib/sync"
	"github.com/syncthing/fswatch/lib/watcherr"
)

var l = logger.DefaultLogger.NewFacility("readdcw", "Windows ReadDirectoryChangesW adapter")

const notifyFilter = windows.FILE_NOTIFY_CHANGE_FILE_NAME |
	windows.FILE_NOTIFY_CHANGE_DIR_NAME |
	windows.FILE_NOTIFY_CHANGE_ATTRIBUTES |
	windows.FILE_NOTIFY_CHANGE_SIZE |
	windows.FILE_NOTIFY_CHANGE_LAST_WRITE |
	windows.FILE_NOTIFY_CHANGE_SECURITY

const bufSize = 64 * 1024

type dirWatch struct {
	watch     fsevent.Watch
	handle    windows.Handle
	buf       [bufSize]byte
	overlapped windows.Overlapped
}

// Adapter is the Windows adapter.Adapter implementation.
type Adapter struct {
	mut sync.Mutex

	iocp    windows.Handle
	watches map[fsevent.WatchID]*dirWatch
	queue   *equeue.Queue
	doneCh  chan struct{}
	stopped bool
}

// New constructs an unstarted ReadDirectoryChangesW adapter.
func New() (adapter.Adapter, error) {
	return &Adapter{mut: sync.NewMutex(), watches: make(map[fsevent.WatchID]*dirWatch)}, nil
}

func (a *Adapter) Name() string { return "readdirectorychangesw" }

func (a *Adapter) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{NativeRecursive: true, ReportsMoves: true, ReportsOverflow: true}
}

func (a *Adapter) Start(ctx context.Context, queue *equeue.Queue) error {
	iocp, err := windows.CreateIoCompletionPort(windows.InvalidHandle, 0, 0, 0)
	if err != nil {
		return watcherr.New(watcherr.OSObservationError, "", err)
	}
	a.iocp = iocp
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
	watches := make([]*dirWatch, 0, len(a.watches))
	for _, dw := range a.watches {
		watches = append(watches, dw)
	}
	a.mut.Unlock()

	for _, dw := range watches {
		windows.CancelIoEx(dw.handle, &dw.overlapped)
		windows.CloseHandle(dw.handle)
	}
	windows.CloseHandle(a.iocp)
	if a.doneCh != nil {
		<-a.doneCh
	}
}

func (a *Adapter) AddWatch(w fsevent.Watch) error {
	pathPtr, err := windows.UTF16PtrFromString(w.Path)
	if err != nil {
		return watcherr.New(watcherr.WatchPathDoesNotExist, w.Path, err)
	}

	handle, err := windows.CreateFile(
		pathPtr,
		windows.FILE_LIST_DIRECTORY,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE|windows.FILE_SHARE_DELETE,
		nil,
		windows.OPEN_EXISTING,
		windows.FILE_FLAG_BACKUP_SEMANTICS|windows.FILE_FLAG_OVERLAPPED,
		0,
	)
	if err != nil {
		return watcherr.New(watcherr.WatchPathDoesNotExist, w.Path, err)
	}

	dw := &dirWatch{watch: w, handle: handle}

	if _, err := windows.CreateIoCompletionPort(handle, a.iocp, uintptr(unsafe.Pointer(dw)), 0); err != nil {
		windows.CloseHandle(handle)
		return watcherr.New(watcherr.OSObservationError, w.Path, err)
	}

	a.mut.Lock()
	a.watches[w.ID] = dw
	a.mut.Unlock()

	if err := a.issueRead(dw); err != nil {
		return err
	}
	return nil
}

func (a *Adapter) issueRead(dw *dirWatch) error {
	var bytesReturned uint32
	err := windows.ReadDirectoryChanges(
		dw.handle,
		&dw.buf[0],
		uint32(len(dw.buf)),
		dw.watch.Recursive,
		notifyFilter,
		&bytesReturned,
		&dw.overlapped,
		0,
	)
	if err != nil {
		return watcherr.New(watcherr.OSObservationError, dw.watch.Path, err)
	}
	return nil
}

func (a *Adapter) RemoveWatch(id fsevent.WatchID) error {
	a.mut.Lock()
	dw, ok := a.watches[id]
	delete(a.watches, id)
	a.mut.Unlock()
	if !ok {
		return nil
	}
	windows.CancelIoEx(dw.handle, &dw.overlapped)
	windows.CloseHandle(dw.handle)
	return nil
}

func (a *Adapter) pump(ctx context.Context) {
	defer close(a.doneCh)

	for {
		var bytesTransferred uint32
		var key uintptr
		var overlapped *windows.Overlapped

		err := windows.GetQueuedCompletionStatus(a.iocp, &bytesTransferred, &key, &overlapped, windows.INFINITE)
		if ctx.Err() != nil {
			return
		}
		if overlapped == nil {
			if err != nil {
				l.Debugf("GetQueuedCompletionStatus error: %v", err)
			}
			continue
		}

		dw := (*dirWatch)(unsafe.Pointer(key))
		if bytesTransferred == 0 {
			a.queue.Put(fsevent.Overflow, dw.watch.ID)
		} else {
			a.decode(dw, bytesTransferred)
		}

		if issueErr := a.issueRead(dw); issueErr != nil {
			l.Debugf("Failed to re-issue overlapped read for %s: %v", dw.watch.Path, issueErr)
		}
	}
}

type fileNotifyInformation struct {
	NextEntryOffset uint32
	Action          uint32
	FileNameLength  uint32
}

const (
	actionAdded          = 1
	actionRemoved        = 2
	actionModified       = 3
	actionRenamedOldName = 4
	actionRenamedNewName = 5
)

type decodedRecord struct {
	action uint32
	name   string
}

func (a *Adapter) decode(dw *dirWatch, n uint32) {
	records := decodeRecords(dw.buf[:n])

	for i := 0; i < len(records); i++ {
		rec := records[i]
		path := filepath.Join(dw.watch.Path, rec.name)

		switch rec.action {
		case actionAdded:
			a.queue.Put(fsevent.Event{Kind: fsevent.Created, SrcPath: path}, dw.watch.ID)
		case actionRemoved:
			a.queue.Put(fsevent.Event{Kind: fsevent.Deleted, SrcPath: path}, dw.watch.ID)
		case actionModified:
			a.queue.Put(fsevent.Event{Kind: fsevent.Modified, SrcPath: path}, dw.watch.ID)
		case actionRenamedOldName:
			if i+1 < len(records) && records[i+1].action == actionRenamedNewName {
				destPath := filepath.Join(dw.watch.Path, records[i+1].name)
				a.queue.Put(fsevent.Event{Kind: fsevent.Moved, SrcPath: path, DestPath: destPath}, dw.watch.ID)
				i++
			} else {
				a.queue.Put(fsevent.Event{Kind: fsevent.Deleted, SrcPath: path}, dw.watch.ID)
			}
		case actionRenamedNewName:
			a.queue.Put(fsevent.Event{Kind: fsevent.Created, SrcPath: path}, dw.watch.ID)
		}
	}
}

func decodeRecords(buf []byte) []decodedRecord {
	var out []decodedRecord
	offset := 0
	for {
		if offset+12 > len(buf) {
			break
		}
		info := (*fileNotifyInformation)(unsafe.Pointer(&buf[offset]))
		nameOffset := offset + 12
		nameLen := int(info.FileNameLength)
		if nameOffset+nameLen > len(buf) {
			break
		}
		u16 := make([]uint16, nameLen/2)
		for i := range u16 {
			u16[i] = uint16(buf[nameOffset+2*i]) | uint16(buf[nameOffset+2*i+1])<<8
		}
		out = append(out, decodedRecord{action: info.Action, name: windows.UTF16ToString(u16)})

		if info.NextEntryOffset == 0 {
			break
		}
		offset += int(info.NextEntryOffset)
	}
	return out
}
