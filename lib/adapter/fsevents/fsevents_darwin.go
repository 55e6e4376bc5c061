// Copyright (C) 2016 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

//go:build darwin && cgo

// Package fsevents implements the macOS adapter.Adapter backend on top
// of the CoreServices FSEvents API. One stream is attached per
// recursive root at a latency of about 1ms; a non-recursive watch is
// synthesized by attaching a stream at the same root and filtering
// events down to paths that are direct children. Each raw flag mask
// (the kernel coalesces several logically distinct changes into one
// mask) is expanded into the uniform Event set in the order FSEvents
// actually coalesces them: created, modified, renamed, removed.
package fsevents

/*
#include <CoreServices/CoreServices.h>

typedef void (*CFRunLoopPerformCallBack)(void*);

void gosource(void *);
void gostream(uintptr_t, uintptr_t, size_t, uintptr_t, uintptr_t, uintptr_t);

static FSEventStreamRef streamCreate(FSEventStreamContext *context, uintptr_t info, CFArrayRef paths, FSEventStreamEventId since, CFTimeInterval latency, FSEventStreamCreateFlags flags) {
	context->info = (void*) info;
	return FSEventStreamCreate(NULL, (FSEventStreamCallback) gostream, context, paths, since, latency, flags);
}

#cgo LDFLAGS: -framework CoreServices
*/
import "C"

import (
	"context"
	"strings"
	"unsafe"

	"github.com/syncthing/fswatch/lib/adapter"
	"github.com/syncthing/fswatch/lib/equeue"
	"github.com/syncthing/fswatch/lib/fsevent"
	"github.com/syncthing/fswatch/lib/logger"
	"github.com/syncthing/fswatch/lib/sync"
	"github.com/syncthing/fswatch/lib/watcherr"
)

var l = logger.DefaultLogger.NewFacility("fsevents", "macOS FSEvents adapter")

// streamLatency is the constant spec section 4.1.2 calls out, "a small
// constant (~1 ms)".
const streamLatency = C.CFTimeInterval(0.001)

var nilstream C.FSEventStreamRef

var runloop C.CFRunLoopRef
var runloopReady = make(chan struct{})

// source is a dummy CFRunLoop source; without at least one registered
// source the run loop returns immediately instead of blocking forever.
var source = C.CFRunLoopSourceCreate(nil, 0, &C.CFRunLoopSourceContext{
	perform: (C.CFRunLoopPerformCallBack)(C.gosource),
})

func init() {
	go func() {
		runloop = C.CFRunLoopGetCurrent()
		C.CFRunLoopAddSource(runloop, source, C.kCFRunLoopDefaultMode)
		close(runloopReady)
		C.CFRunLoopRun()
	}()
}

//export gosource
func gosource(unsafe.Pointer) {}

type streamHandle struct {
	watch    fsevent.Watch
	ref      C.FSEventStreamRef
	queue    *equeue.Queue
	filterTo string // non-empty: restrict emitted events to direct children of this dir
}

var streams = struct {
	sync.Mutex
	byInfo map[uintptr]*streamHandle
	next   uintptr
}{Mutex: sync.NewMutex(), byInfo: make(map[uintptr]*streamHandle)}

//export gostream
func gostream(_, info uintptr, n C.size_t, paths, flags, ids uintptr) {
	const (
		offchar = unsafe.Sizeof((*C.char)(nil))
		offflag = unsafe.Sizeof(C.FSEventStreamEventFlags(0))
	)
	if n == 0 {
		return
	}

	streams.Lock()
	h, ok := streams.byInfo[info]
	streams.Unlock()
	if !ok {
		return
	}

	for i := uintptr(0); i < uintptr(n); i++ {
		rawFlags := *(*uint32)(unsafe.Pointer(flags + i*offflag))
		path := C.GoString(*(**C.char)(unsafe.Pointer(paths + i*offchar)))
		path = strings.TrimRight(path, "/")

		if rawFlags&uint32(C.kFSEventStreamEventFlagMustScanSubDirs) != 0 {
			h.queue.Put(fsevent.Overflow, "")
			continue
		}
		if h.filterTo != "" && !isDirectChild(h.filterTo, path) {
			continue
		}
		for _, ev := range expand(path, rawFlags) {
			h.queue.Put(ev, h.watch.ID)
		}
	}
}

func isDirectChild(dir, path string) bool {
	if path == dir {
		return true
	}
	rest := strings.TrimPrefix(path, dir+"/")
	if rest == path {
		return false
	}
	return !strings.Contains(rest, "/")
}

// expand turns one coalesced flag mask into a sequence of events.
// FSEvents never coalesces a removed+created pair for the same item
// (a chain always starts with created), so the observed order is
// created, then modified, then renamed, then removed — never removed
// first. See watchdog's queue_events for the chain this mirrors.
func expand(path string, flags uint32) []fsevent.Event {
	isDir := flags&uint32(C.kFSEventStreamEventFlagItemIsDir) != 0
	var out []fsevent.Event
	if flags&uint32(C.kFSEventStreamEventFlagItemCreated) != 0 {
		out = append(out, fsevent.Event{Kind: fsevent.Created, IsDirectory: isDir, SrcPath: path})
	}
	if flags&uint32(C.kFSEventStreamEventFlagItemModified|C.kFSEventStreamEventFlagItemInodeMetaMod) != 0 {
		out = append(out, fsevent.Event{Kind: fsevent.Modified, IsDirectory: isDir, SrcPath: path})
	}
	if flags&uint32(C.kFSEventStreamEventFlagItemRenamed) != 0 {
		out = append(out, fsevent.Event{Kind: fsevent.Moved, IsDirectory: isDir, SrcPath: path})
	}
	if flags&uint32(C.kFSEventStreamEventFlagItemRemoved) != 0 {
		out = append(out, fsevent.Event{Kind: fsevent.Deleted, IsDirectory: isDir, SrcPath: path})
	}
	return out
}

// Adapter is the macOS adapter.Adapter implementation.
type Adapter struct {
	mut     sync.Mutex
	streams map[fsevent.WatchID]*streamHandle
	queue   *equeue.Queue
}

// New constructs an unstarted FSEvents adapter.
func New() (adapter.Adapter, error) {
	return &Adapter{mut: sync.NewMutex(), streams: make(map[fsevent.WatchID]*streamHandle)}, nil
}

func (a *Adapter) Name() string { return "fsevents" }

func (a *Adapter) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{NativeRecursive: true, ReportsMoves: true, ReportsOverflow: true}
}

func (a *Adapter) Start(ctx context.Context, queue *equeue.Queue) error {
	a.queue = queue
	<-runloopReady
	go func() {
		<-ctx.Done()
		a.Stop()
	}()
	return nil
}

func (a *Adapter) Stop() {
	a.mut.Lock()
	handles := make([]*streamHandle, 0, len(a.streams))
	for _, h := range a.streams {
		handles = append(handles, h)
	}
	a.streams = make(map[fsevent.WatchID]*streamHandle)
	a.mut.Unlock()

	for _, h := range handles {
		stopStream(h)
	}
}

func (a *Adapter) AddWatch(w fsevent.Watch) error {
	root := w.Path
	filterTo := ""
	if !w.Recursive {
		filterTo = w.Path
	}

	h := &streamHandle{watch: w, queue: a.queue, filterTo: filterTo}

	streams.Lock()
	streams.next++
	info := streams.next
	streams.byInfo[info] = h
	streams.Unlock()

	cpath := C.CString(root)
	defer C.free(unsafe.Pointer(cpath))
	cfpath := C.CFStringCreateWithCString(nil, cpath, C.kCFStringEncodingUTF8)
	patharray := C.CFArrayCreate(nil, (*unsafe.Pointer)(unsafe.Pointer(&cfpath)), 1, nil)

	flags := C.FSEventStreamCreateFlags(C.kFSEventStreamCreateFlagFileEvents | C.kFSEventStreamCreateFlagNoDefer)
	cfctx := C.FSEventStreamContext{}
	ref := C.streamCreate(&cfctx, C.uintptr_t(info), patharray, C.FSEventStreamEventId(C.FSEventsGetCurrentEventId()), streamLatency, flags)
	if ref == nilstream {
		return watcherr.New(watcherr.OSObservationError, w.Path, errCreate)
	}

	C.FSEventStreamScheduleWithRunLoop(ref, runloop, C.kCFRunLoopDefaultMode)
	if C.FSEventStreamStart(ref) == C.Boolean(0) {
		C.FSEventStreamInvalidate(ref)
		return watcherr.New(watcherr.OSObservationError, w.Path, errStart)
	}
	C.CFRunLoopWakeUp(runloop)

	h.ref = ref

	a.mut.Lock()
	a.streams[w.ID] = h
	a.mut.Unlock()
	return nil
}

func (a *Adapter) RemoveWatch(id fsevent.WatchID) error {
	a.mut.Lock()
	h, ok := a.streams[id]
	delete(a.streams, id)
	a.mut.Unlock()
	if !ok {
		return nil
	}
	stopStream(h)
	return nil
}

func stopStream(h *streamHandle) {
	if h.ref == nilstream {
		return
	}
	C.FSEventStreamStop(h.ref)
	C.FSEventStreamInvalidate(h.ref)
	C.CFRunLoopWakeUp(runloop)

	streams.Lock()
	for info, other := range streams.byInfo {
		if other == h {
			delete(streams.byInfo, info)
			break
		}
	}
	streams.Unlock()
}

var (
	errCreate = fsEventsError("FSEventStreamCreate returned NULL")
	errStart  = fsEventsError("FSEventStreamStart returned false")
)

type fsEventsError string

func (e fsEventsError) Error() string { return string(e) }
