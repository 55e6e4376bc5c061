// Copyright (C) 2016 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package observer is the public facade of the filesystem watching
// core: it owns the platform adapter, the shared event queue and the
// dispatcher, and exposes schedule/unschedule operations over them with
// a bounded, cooperative shutdown.
package observer

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/thejerf/suture/v4"

	"github.com/syncthing/fswatch/lib/adapter"
	"github.com/syncthing/fswatch/lib/dispatcher"
	"github.com/syncthing/fswatch/lib/equeue"
	"github.com/syncthing/fswatch/lib/fsevent"
	"github.com/syncthing/fswatch/lib/lifecycle"
	"github.com/syncthing/fswatch/lib/logger"
	"github.com/syncthing/fswatch/lib/svcutil"
	"github.com/syncthing/fswatch/lib/sync"
	"github.com/syncthing/fswatch/lib/watcherr"
)

var l = logger.DefaultLogger.NewFacility("observer", "Filesystem watching facade")

// GracePeriod bounds how long Stop waits for the adapter pump and
// dispatcher to exit cooperatively before abandoning them.
const GracePeriod = 5 * time.Second

// QueueCapacity is the default bound on the shared event queue.
const QueueCapacity = 4096

// recorderSize/recorderInitialSize bound the in-memory diagnostic log
// ring buffer kept alongside the facade's own facility logger.
const (
	recorderSize        = 250
	recorderInitialSize = 50
)

type state int

const (
	stateCreated state = iota
	stateStarted
	stateStopped
)

// Observer is not safe for concurrent Start/Stop calls; schedule,
// unschedule and handler registration are safe from any goroutine once
// started.
type Observer struct {
	ad    adapter.Adapter
	queue *equeue.Queue
	disp  *dispatcher.Dispatcher
	bus   *lifecycle.Bus

	mut     sync.Mutex
	state   state
	watches map[string]*watchEntry // key: path+recursive flag

	sup      *suture.Supervisor
	cancel   context.CancelFunc
	terminal chan error
	termOnce sync.Mutex
	termSent bool

	recorder logger.Recorder
}

type watchEntry struct {
	watch    fsevent.Watch
	handlers []fsevent.Handler
}

// New constructs an Observer using the best adapter available for the
// running platform, per Select. The Observer is created but not
// started; call Start before scheduling any watch.
func New() (*Observer, error) {
	ad, err := Select()
	if err != nil {
		return nil, err
	}
	return NewWithAdapter(ad), nil
}

// NewWithAdapter constructs an Observer around an explicit adapter,
// primarily for tests that want a fake backend.
func NewWithAdapter(ad adapter.Adapter) *Observer {
	queue := equeue.New(QueueCapacity)
	return &Observer{
		ad:       ad,
		queue:    queue,
		disp:     dispatcher.New(queue),
		bus:      lifecycle.NewBus(),
		mut:      sync.NewMutex(),
		watches:  make(map[string]*watchEntry),
		terminal: make(chan error, 1),
		termOnce: sync.NewMutex(),
		recorder: logger.NewRecorder(l, logger.LevelDebug, recorderSize, recorderInitialSize),
	}
}

// RecentLogs returns the diagnostic log lines recorded since t. The
// recorder hangs off the shared default logger, so it holds lines from
// every facility of this module (adapters, dispatcher, supervisor
// events, grace-period timeouts), for tooling built on top of this
// module (e.g. a support bundle) that wants recent history without
// subscribing up front.
func (o *Observer) RecentLogs(since time.Time) []logger.Line {
	return o.recorder.Since(since)
}

// TerminalErrors returns a channel that receives at most one value: the
// error the adapter or dispatcher supervision tree terminated with, if
// any. It is closed-over for the lifetime of the Observer and never
// sent to more than once.
func (o *Observer) TerminalErrors() <-chan error {
	return o.terminal
}

func (o *Observer) signalTerminal(err error) {
	if err == nil {
		return
	}
	o.termOnce.Lock()
	defer o.termOnce.Unlock()
	if o.termSent {
		return
	}
	o.termSent = true
	o.terminal <- err
	o.bus.Log(lifecycle.TerminalError, err)
}

// Events returns a lifecycle subscription filtered to mask, for callers
// that want to observe the facade's own lifecycle (watches
// added/removed, handlers attached/detached, start/stop, terminal
// errors) rather than filesystem events. The Observer does not publish
// lifecycle.QueueOverflowed.
func (o *Observer) Events(mask lifecycle.EventType) *lifecycle.Subscription {
	return o.bus.Subscribe(mask)
}

// Start spawns the adapter pump and the dispatcher. It is an error to
// call Start more than once.
func (o *Observer) Start() error {
	o.mut.Lock()
	if o.state != stateCreated {
		o.mut.Unlock()
		return fmt.Errorf("observer already started or stopped")
	}
	o.state = stateStarted
	o.mut.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel

	o.sup = suture.New("observer", svcutil.SpecWithDebugLogger(l))

	// The adapter gets its own nested supervisor, logged at info level:
	// a kernel backend failing to start is an event worth surfacing
	// above debug, whereas the top-level tree's own restarts stay at
	// debug. See lib/svcutil.SpecWithInfoLogger.
	adapterSup := suture.New("observer.adapter-supervisor", svcutil.SpecWithInfoLogger(l))
	adapterStarted := make(chan struct{}, 1)
	adapterSup.Add(svcutil.AsService(func(ctx context.Context) error {
		err := o.ad.Start(ctx, o.queue)
		select {
		case adapterStarted <- struct{}{}:
		default:
		}
		if err != nil {
			// The adapter failed to acquire its kernel resource; retrying
			// with the same watch set would fail the same way, so this
			// terminates the supervision tree instead of looping.
			return svcutil.AsFatalErr(err, svcutil.ExitError)
		}
		return svcutil.NoRestartErr(nil)
	}, "observer.adapter"))
	o.sup.Add(adapterSup)

	o.sup.Add(svcutil.AsService(func(ctx context.Context) error {
		done := make(chan struct{})
		go func() {
			o.disp.Run()
			close(done)
		}()
		select {
		case <-ctx.Done():
			o.disp.Stop()
			<-done
		case <-done:
		}
		return svcutil.NoRestartErr(nil)
	}, "observer.dispatcher"))

	svcutil.OnSupervisorDone(o.sup, func() {
		l.Debugln("observer supervisor tree stopped")
	})

	go func() {
		err := o.sup.Serve(ctx)
		o.signalTerminal(err)
	}()

	// Return only once the adapter's Start has returned, so a Schedule
	// issued right after Start reaches an adapter that is running.
	<-adapterStarted

	o.bus.Log(lifecycle.ObserverStarted, nil)
	return nil
}

// Stop signals both the adapter pump and the dispatcher, waits up to
// GracePeriod for them to exit, and abandons them with a logged warning
// if they have not.
func (o *Observer) Stop() {
	o.mut.Lock()
	if o.state != stateStarted {
		o.mut.Unlock()
		return
	}
	o.state = stateStopped
	o.mut.Unlock()

	done := make(chan struct{})
	go func() {
		o.ad.Stop()
		o.queue.Close()
		o.cancel()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(GracePeriod):
		l.Warnf("Observer did not stop within %v, abandoning pump and dispatcher", GracePeriod)
	}

	o.bus.Log(lifecycle.ObserverStopped, nil)
}

// Schedule registers handler against a watch covering path. If an
// equivalent watch already exists (same path, same recursive flag), the
// handler is attached to it instead of creating a new kernel
// registration. Schedule fails with watcherr.ErrPathDoesNotExist if path
// is absent, and with watcherr.ErrOSObservation if the adapter could not
// add the kernel watch.
func (o *Observer) Schedule(handler fsevent.Handler, path string, recursive bool) (fsevent.Watch, error) {
	if _, err := os.Lstat(path); err != nil {
		return fsevent.Watch{}, watcherr.New(watcherr.WatchPathDoesNotExist, path, err)
	}

	key := watchKey(path, recursive)

	o.mut.Lock()
	if entry, ok := o.watches[key]; ok {
		entry.handlers = append(entry.handlers, handler)
		watch := entry.watch
		o.mut.Unlock()
		o.disp.AddHandler(watch, handler)
		o.bus.Log(lifecycle.HandlerAttached, watch)
		return watch, nil
	}
	o.mut.Unlock()

	watch := fsevent.Watch{ID: fsevent.WatchID(uuid.New().String()), Path: path, Recursive: recursive}
	if err := o.ad.AddWatch(watch); err != nil {
		return fsevent.Watch{}, err
	}

	o.mut.Lock()
	o.watches[key] = &watchEntry{watch: watch, handlers: []fsevent.Handler{handler}}
	o.mut.Unlock()

	o.disp.AddHandler(watch, handler)
	o.bus.Log(lifecycle.WatchAdded, watch)
	o.bus.Log(lifecycle.HandlerAttached, watch)
	return watch, nil
}

// Unschedule removes every handler attached to watch and the underlying
// adapter watch.
func (o *Observer) Unschedule(watch fsevent.Watch) error {
	o.mut.Lock()
	key := watchKey(watch.Path, watch.Recursive)
	delete(o.watches, key)
	o.mut.Unlock()

	o.disp.RemoveWatch(watch.ID)
	err := o.ad.RemoveWatch(watch.ID)
	o.bus.Log(lifecycle.WatchRemoved, watch)
	return err
}

// UnscheduleAll removes every watch and handler currently registered.
func (o *Observer) UnscheduleAll() {
	o.mut.Lock()
	entries := make([]*watchEntry, 0, len(o.watches))
	for _, e := range o.watches {
		entries = append(entries, e)
	}
	o.watches = make(map[string]*watchEntry)
	o.mut.Unlock()

	for _, e := range entries {
		o.disp.RemoveWatch(e.watch.ID)
		o.ad.RemoveWatch(e.watch.ID)
		o.bus.Log(lifecycle.WatchRemoved, e.watch)
	}
}

// AddHandlerForWatch attaches an additional handler to an existing
// watch without creating a new kernel registration.
func (o *Observer) AddHandlerForWatch(handler fsevent.Handler, watch fsevent.Watch) {
	o.mut.Lock()
	key := watchKey(watch.Path, watch.Recursive)
	if entry, ok := o.watches[key]; ok {
		entry.handlers = append(entry.handlers, handler)
	}
	o.mut.Unlock()
	o.disp.AddHandler(watch, handler)
	o.bus.Log(lifecycle.HandlerAttached, watch)
}

// RemoveHandlerForWatch detaches handler from watch, leaving the
// underlying adapter watch (and any other attached handlers) in place.
func (o *Observer) RemoveHandlerForWatch(handler fsevent.Handler, watch fsevent.Watch) {
	o.disp.RemoveHandler(watch, handler)
	o.bus.Log(lifecycle.HandlerRemoved, watch)
}

func watchKey(path string, recursive bool) string {
	if recursive {
		return "r:" + path
	}
	return "n:" + path
}
