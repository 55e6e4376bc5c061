// Copyright (C) 2016 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package polling implements the fallback adapter.Adapter backend used
// when no native kernel notification facility is available. It retakes
// a snapshot.Snapshot of every watched root on an interval and emits the
// snapshot.Diff against the previous pass. It never reports overflow
// because it has no kernel queue to overflow from, and it does report
// moves natively since the diff already does identity-based move
// detection.
package polling

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/syncthing/fswatch/lib/adapter"
	"github.com/syncthing/fswatch/lib/equeue"
	"github.com/syncthing/fswatch/lib/fsevent"
	"github.com/syncthing/fswatch/lib/logger"
	"github.com/syncthing/fswatch/lib/snapshot"
	"github.com/syncthing/fswatch/lib/sync"
	"github.com/syncthing/fswatch/lib/watcherr"
)

var l = logger.DefaultLogger.NewFacility("polling", "Polling fallback adapter")

// DefaultInterval is how often each watched root is rescanned.
const DefaultInterval = 1 * time.Second

type watchState struct {
	watch fsevent.Watch
	last  *snapshot.Snapshot
}

// Adapter is the polling adapter.Adapter implementation.
type Adapter struct {
	interval time.Duration
	limiter  *rate.Limiter

	mut     sync.Mutex
	watches map[fsevent.WatchID]*watchState

	cancel context.CancelFunc
	doneCh chan struct{}
}

// New constructs an unstarted polling adapter with the given rescan
// interval (DefaultInterval if zero or negative). The limiter paces
// individual root rescans so that a pathologically large tree being
// polled at a short interval cannot starve the dispatcher with a burst
// of stat() calls.
func New(interval time.Duration) (adapter.Adapter, error) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Adapter{
		interval: interval,
		limiter:  rate.NewLimiter(rate.Every(interval/4), 1),
		mut:      sync.NewMutex(),
		watches:  make(map[fsevent.WatchID]*watchState),
	}, nil
}

func (a *Adapter) Name() string { return "polling" }

func (a *Adapter) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{NativeRecursive: true, ReportsMoves: true, ReportsOverflow: false}
}

func (a *Adapter) Start(ctx context.Context, queue *equeue.Queue) error {
	pumpCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.doneCh = make(chan struct{})
	go a.pump(pumpCtx, queue)
	return nil
}

func (a *Adapter) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.doneCh != nil {
		<-a.doneCh
	}
}

func (a *Adapter) AddWatch(w fsevent.Watch) error {
	snap, err := snapshot.Take(w.Path, snapshot.TakeOptions{Recursive: w.Recursive, FollowSymlinks: false})
	if err != nil {
		return watcherr.New(watcherr.OSObservationError, w.Path, err)
	}
	a.mut.Lock()
	a.watches[w.ID] = &watchState{watch: w, last: snap}
	a.mut.Unlock()
	return nil
}

func (a *Adapter) RemoveWatch(id fsevent.WatchID) error {
	a.mut.Lock()
	delete(a.watches, id)
	a.mut.Unlock()
	return nil
}

func (a *Adapter) pump(ctx context.Context, queue *equeue.Queue) {
	defer close(a.doneCh)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.rescanAll(ctx, queue)
		}
	}
}

func (a *Adapter) rescanAll(ctx context.Context, queue *equeue.Queue) {
	a.mut.Lock()
	states := make([]*watchState, 0, len(a.watches))
	for _, st := range a.watches {
		states = append(states, st)
	}
	a.mut.Unlock()

	for _, st := range states {
		if err := a.limiter.Wait(ctx); err != nil {
			return
		}
		a.rescanOne(st, queue)
	}
}

func (a *Adapter) rescanOne(st *watchState, queue *equeue.Queue) {
	snap, err := snapshot.Take(st.watch.Path, snapshot.TakeOptions{Recursive: st.watch.Recursive, FollowSymlinks: false})
	if err != nil {
		l.Debugf("Rescan of %s failed: %v", st.watch.Path, err)
		return
	}

	a.mut.Lock()
	prev := st.last
	st.last = snap
	a.mut.Unlock()

	for _, ev := range snapshot.Diff(prev, snap) {
		queue.Put(ev, st.watch.ID)
	}
}
