// Copyright (C) 2016 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package adapter defines the capability every platform-specific
// notification backend implements, and the factory that picks the best
// one available on the running system. Each concrete adapter
// (adapter/inotify, adapter/fsevents, adapter/kqueue, adapter/readdcw,
// adapter/polling) owns exactly one kernel-facing resource per watch and
// pushes normalized fsevent.Event values into a shared equeue.Queue; none
// of them know about the dispatcher or the observer facade above them.
package adapter

import (
	"context"
	"fmt"

	"github.com/syncthing/fswatch/lib/equeue"
	"github.com/syncthing/fswatch/lib/fsevent"
)

// Adapter is the capability surface the observer facade drives. A new
// Adapter is created per platform choice and lives for the lifetime of
// the Observer; watches are added and removed against the running
// adapter rather than recreating it per watch.
type Adapter interface {
	// Start begins pumping normalized events into queue. It returns once
	// the adapter's background goroutine(s) are running, or an error if
	// the underlying kernel facility could not be initialized.
	Start(ctx context.Context, queue *equeue.Queue) error

	// Stop tears down all kernel resources and blocks until the pump
	// goroutine(s) have exited. It is safe to call Stop without a prior
	// Start having succeeded.
	Stop()

	// AddWatch begins observing path. Recursive requests a whole-subtree
	// watch where the adapter is expected to synthesize one (inotify,
	// kqueue); FSEvents is natively recursive and drops events below the
	// top level of a non-recursive watch, and ReadDirectoryChangesW passes
	// the flag to the kernel as its watch-subtree argument.
	AddWatch(watch fsevent.Watch) error

	// RemoveWatch stops observing the watch previously registered with
	// the given ID. Removing an unknown ID is a no-op.
	RemoveWatch(id fsevent.WatchID) error

	// Name identifies the adapter for logging and the terminal-error
	// payload, e.g. "inotify", "fsevents", "kqueue", "readdirectorychangesw",
	// "polling".
	Name() string

	// Capabilities reports what this backend can do natively.
	Capabilities() Capabilities
}

// Capabilities describes what an adapter backend can and can't do
// natively, so the factory and the observer facade can decide whether a
// requested watch needs adapter-side emulation (e.g. polling reports
// NativeRecursive and ReportsMoves but not ReportsOverflow; inotify needs
// recursive emulation in userspace).
type Capabilities struct {
	// NativeRecursive is true when a single kernel watch already covers
	// an entire subtree (FSEvents, ReadDirectoryChangesW).
	NativeRecursive bool
	// ReportsMoves is true when the backend can correlate a rename's two
	// halves itself rather than needing the grouper.
	ReportsMoves bool
	// ReportsOverflow is true when the backend can detect and signal its
	// own kernel-side queue overflow (inotify IN_Q_OVERFLOW, FSEvents
	// kFSEventStreamEventFlagMustScanSubDirs, ReadDirectoryChangesW's
	// zero-length completion).
	ReportsOverflow bool
}

// Factory constructs a new, unstarted Adapter instance.
type Factory func() (Adapter, error)

// ErrUnavailable describes a backend that cannot be used on the running
// system. None of the backends in this module returns it: the platform
// factories are chosen at build time, and inotify.New reports a failed
// probe as a watcherr OSObservationError.
type ErrUnavailable struct {
	Backend string
	Reason  string
}

func (e *ErrUnavailable) Error() string {
	return fmt.Sprintf("%s adapter unavailable: %s", e.Backend, e.Reason)
}
