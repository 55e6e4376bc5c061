// Copyright (C) 2016 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package dispatcher implements the one-thread-per-observer fan-out
// loop: it drains the shared equeue.Queue and, for each registered
// (watch, handler) pair whose scope covers the event's path, invokes the
// handler synchronously in registration order.
package dispatcher

import (
	"fmt"
	"strings"
	"time"

	"github.com/syncthing/fswatch/lib/equeue"
	"github.com/syncthing/fswatch/lib/fsevent"
	"github.com/syncthing/fswatch/lib/logger"
	"github.com/syncthing/fswatch/lib/sync"
	"github.com/syncthing/fswatch/lib/watcherr"
)

var l = logger.DefaultLogger.NewFacility("dispatcher", "Event fan-out to registered handlers")

// pollInterval bounds how long Get blocks between checks of the stop
// channel, so Stop is responsive even while the queue is otherwise idle.
const pollInterval = time.Second

type registration struct {
	watch   fsevent.Watch
	handler fsevent.Handler
}

// Dispatcher owns no kernel resources; it is driven entirely off a
// equeue.Queue fed by one or more adapters.
type Dispatcher struct {
	queue *equeue.Queue

	mut   sync.Mutex
	order []*registration

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Dispatcher that will consume from queue once Run is
// called.
func New(queue *equeue.Queue) *Dispatcher {
	return &Dispatcher{
		queue:  queue,
		mut:    sync.NewMutex(),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// AddHandler attaches handler to watch. Registration order across all
// handlers (regardless of which watch they're attached to) determines
// dispatch order for events that match more than one.
func (d *Dispatcher) AddHandler(watch fsevent.Watch, handler fsevent.Handler) {
	d.mut.Lock()
	defer d.mut.Unlock()
	d.order = append(d.order, &registration{watch: watch, handler: handler})
}

// RemoveHandler detaches handler from watch. It is a no-op if the pair
// was never registered.
func (d *Dispatcher) RemoveHandler(watch fsevent.Watch, handler fsevent.Handler) {
	d.mut.Lock()
	defer d.mut.Unlock()
	for i, reg := range d.order {
		if reg.watch.ID == watch.ID && reg.handler == handler {
			d.order = append(d.order[:i], d.order[i+1:]...)
			return
		}
	}
}

// RemoveWatch detaches every handler registered against watch.
func (d *Dispatcher) RemoveWatch(id fsevent.WatchID) {
	d.mut.Lock()
	defer d.mut.Unlock()
	kept := d.order[:0]
	for _, reg := range d.order {
		if reg.watch.ID != id {
			kept = append(kept, reg)
		}
	}
	d.order = kept
}

// Run drains the queue until Stop is called. It is meant to be run on
// its own goroutine, one per observer.
func (d *Dispatcher) Run() {
	defer close(d.doneCh)
	for {
		select {
		case <-d.stopCh:
			return
		default:
		}

		slot, ok := d.queue.GetTimeout(pollInterval)
		if !ok {
			continue
		}
		if slot == equeue.Sentinel {
			return
		}
		d.dispatch(slot)
	}
}

// Stop signals Run to exit and blocks until it has.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	<-d.doneCh
}

func (d *Dispatcher) dispatch(slot equeue.Slot) {
	d.mut.Lock()
	regs := make([]*registration, len(d.order))
	copy(regs, d.order)
	d.mut.Unlock()

	if slot.Event.IsOverflow() {
		for _, reg := range regs {
			d.invoke(reg, slot.Event)
		}
		return
	}

	for _, reg := range regs {
		if !inScope(reg.watch, slot.Event) {
			continue
		}
		if !reg.handler.Filter(slot.Event) {
			continue
		}
		d.invoke(reg, slot.Event)
	}
}

func (d *Dispatcher) invoke(reg *registration, event fsevent.Event) {
	defer func() {
		if r := recover(); r != nil {
			err := watcherr.New(watcherr.HandlerFailure, reg.watch.Path, fmt.Errorf("%v", r))
			l.Warnf("Handler for watch %s panicked: %v", reg.watch.ID, err)
		}
	}()
	reg.handler.Dispatch(event)
}

func inScope(watch fsevent.Watch, event fsevent.Event) bool {
	if event.IsOverflow() {
		return true
	}
	if underPath(watch, event.SrcPath) {
		return true
	}
	if event.DestPath != "" && underPath(watch, event.DestPath) {
		return true
	}
	return false
}

func underPath(watch fsevent.Watch, path string) bool {
	if path == watch.Path {
		return true
	}
	if !strings.HasPrefix(path, watch.Path) {
		return false
	}
	rest := path[len(watch.Path):]
	if !strings.HasPrefix(rest, "/") {
		return false
	}
	if !watch.Recursive && strings.Contains(rest[1:], "/") {
		return false
	}
	return true
}
