// Copyright (C) 2016 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package grouper implements the inotify move-pair grouper: the state
// machine that joins a move-from/move-to pair sharing a kernel
// correlation cookie into one fsevent.Moved event. It is the one
// non-trivial piece of normalization logic described in spec section 4.2
// and is driven single-threaded from the inotify adapter's pump loop.
package grouper

import (
	"time"

	"github.com/syncthing/fswatch/lib/fsevent"
	"github.com/syncthing/fswatch/lib/logger"
)

var l = logger.DefaultLogger.NewFacility("grouper", "Move-pair event grouping")

const (
	// DefaultWindow is how long a move-from waits for its move-to half
	// before it is flushed as a plain deletion.
	DefaultWindow = 500 * time.Millisecond
	// DefaultCapacity bounds the pending-cookie map so that a stream of
	// one-sided moves (move-from with no matching move-to, e.g. a move
	// out of the watched tree) cannot grow it without bound.
	DefaultCapacity = 8192
)

// Grouper is not safe for concurrent use; it is owned by a single
// adapter pump goroutine.
type Grouper struct {
	window   time.Duration
	capacity int
	pending  *delayheap
}

func New(window time.Duration, capacity int) *Grouper {
	if window <= 0 {
		window = DefaultWindow
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Grouper{window: window, capacity: capacity, pending: newDelayheap()}
}

// MoveFrom records the first half of a rename. If the pending map is at
// capacity, the oldest pending move-from is evicted and returned as a
// synthetic deletion the caller should emit before continuing.
func (g *Grouper) MoveFrom(path string, isDir bool, cookie uint32, now time.Time) (evicted fsevent.Event, hadEviction bool) {
	pm := &pendingMove{cookie: cookie, path: path, isDir: isDir, deadline: now.Add(g.window)}
	if old := g.pending.insert(pm, g.capacity); old != nil {
		l.Debugf("Pending-move map at capacity %d, evicting cookie %d as deleted", g.capacity, old.cookie)
		return deletedEvent(old), true
	}
	return fsevent.Event{}, false
}

// MoveTo resolves the second half of a rename. If cookie has a pending
// move-from, a single Moved event is returned. Otherwise the move-to is
// unpaired (its source was outside the watched scope) and a Created
// event is returned.
func (g *Grouper) MoveTo(path string, isDir bool, cookie uint32) fsevent.Event {
	if from, ok := g.pending.cancel(cookie); ok {
		return fsevent.Event{
			Kind:        fsevent.Moved,
			IsDirectory: isDir,
			SrcPath:     from.path,
			DestPath:    path,
		}
	}
	return fsevent.Event{Kind: fsevent.Created, IsDirectory: isDir, SrcPath: path}
}

// NextDeadline reports when the next pending move-from will expire, for
// the adapter pump loop to arm its timer against.
func (g *Grouper) NextDeadline() (time.Time, bool) {
	return g.pending.nextDeadline()
}

// Expire flushes every pending move-from whose deadline is at or before
// now into a Deleted event, in deadline order.
func (g *Grouper) Expire(now time.Time) []fsevent.Event {
	expired := g.pending.expired(now)
	if len(expired) == 0 {
		return nil
	}
	out := make([]fsevent.Event, len(expired))
	for i, pm := range expired {
		out[i] = deletedEvent(pm)
	}
	return out
}

// Flush drains every still-pending move-from as a Deleted event. Called
// when the owning adapter stops.
func (g *Grouper) Flush() []fsevent.Event {
	pending := g.pending.drain()
	out := make([]fsevent.Event, len(pending))
	for i, pm := range pending {
		out[i] = deletedEvent(pm)
	}
	return out
}

// Pending reports how many move-from halves are currently awaiting
// their pair; exposed for tests and diagnostics only.
func (g *Grouper) Pending() int {
	return g.pending.Len()
}

func deletedEvent(pm *pendingMove) fsevent.Event {
	return fsevent.Event{Kind: fsevent.Deleted, IsDirectory: pm.isDir, SrcPath: pm.path}
}
