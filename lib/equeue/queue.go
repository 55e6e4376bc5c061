// Copyright (C) 2016 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package equeue implements the bounded, multi-producer single-consumer
// event queue that sits between every adapter's pump and the dispatcher.
// A full queue never blocks a producer: it discards the oldest pending
// item and guarantees the next successful Get sees the distinguished
// overflow marker before any event that postdates the drop.
package equeue

import (
	"time"

	"github.com/syncthing/fswatch/lib/fsevent"
	"github.com/syncthing/fswatch/lib/logger"
	"github.com/syncthing/fswatch/lib/sync"
)

var l = logger.DefaultLogger.NewFacility("equeue", "Bounded event queue")

// Slot is one queued item: an Event tied to the Watch it was raised
// against. The distinguished overflow slot carries a zero WatchID and
// fsevent.Overflow.
type Slot struct {
	Event   fsevent.Event
	WatchID fsevent.WatchID
}

// Queue is a bounded FIFO. The zero value is not usable; construct with
// New. A Capacity of 0 means unbounded (soft memory pressure only).
type Queue struct {
	mut         sync.Mutex
	notEmpty    chan struct{}
	items       []Slot
	capacity    int
	dropped     int
	overflowed  bool
	closed      bool
	closeSignal chan struct{}
}

// Sentinel is returned by Get once the queue has been closed and
// drained.
var Sentinel = Slot{Event: fsevent.Event{Kind: -2}}

func New(capacity int) *Queue {
	return &Queue{
		mut:         sync.NewMutex(),
		notEmpty:    make(chan struct{}, 1),
		capacity:    capacity,
		closeSignal: make(chan struct{}),
	}
}

// Put enqueues a slot. It never blocks: if the queue is at capacity the
// oldest slot is dropped and an overflow marker is armed to precede the
// next slot a consumer receives.
func (q *Queue) Put(event fsevent.Event, watch fsevent.WatchID) {
	q.mut.Lock()
	if q.closed {
		q.mut.Unlock()
		return
	}
	if q.capacity > 0 && len(q.items) >= q.capacity {
		q.items = q.items[1:]
		q.dropped++
		q.overflowed = true
		l.Debugf("Queue at capacity %d, dropped oldest event", q.capacity)
	}
	q.items = append(q.items, Slot{Event: event, WatchID: watch})
	q.mut.Unlock()

	select {
	case q.notEmpty <- struct{}{}:
	default:
	}
}

// Get blocks until a slot is available or the queue is closed (returns
// Sentinel). It has no timeout and always returns ok=true; GetTimeout is
// the bounded variant.
func (q *Queue) Get() (Slot, bool) {
	for {
		q.mut.Lock()
		if q.overflowed {
			q.overflowed = false
			q.mut.Unlock()
			return Slot{Event: fsevent.Overflow}, true
		}
		if len(q.items) > 0 {
			s := q.items[0]
			q.items = q.items[1:]
			q.mut.Unlock()
			return s, true
		}
		if q.closed {
			q.mut.Unlock()
			return Sentinel, true
		}
		q.mut.Unlock()

		select {
		case <-q.notEmpty:
		case <-q.closeSignal:
		}
	}
}

// GetTimeout behaves like Get but gives up and returns ok=false after
// timeout, letting the dispatcher re-check its shutdown condition
// without blocking on the queue forever (the "timeout" configuration
// option).
func (q *Queue) GetTimeout(timeout time.Duration) (Slot, bool) {
	t := time.NewTimer(timeout)
	defer t.Stop()

	for {
		q.mut.Lock()
		if q.overflowed {
			q.overflowed = false
			q.mut.Unlock()
			return Slot{Event: fsevent.Overflow}, true
		}
		if len(q.items) > 0 {
			s := q.items[0]
			q.items = q.items[1:]
			q.mut.Unlock()
			return s, true
		}
		if q.closed {
			q.mut.Unlock()
			return Sentinel, true
		}
		q.mut.Unlock()

		select {
		case <-q.notEmpty:
		case <-q.closeSignal:
		case <-t.C:
			return Slot{}, false
		}
	}
}

// Close is idempotent and wakes any waiting consumer with the sentinel.
func (q *Queue) Close() {
	q.mut.Lock()
	if q.closed {
		q.mut.Unlock()
		return
	}
	q.closed = true
	q.mut.Unlock()
	close(q.closeSignal)
}

// Dropped returns the number of events discarded due to overflow so far.
func (q *Queue) Dropped() int {
	q.mut.Lock()
	defer q.mut.Unlock()
	return q.dropped
}
