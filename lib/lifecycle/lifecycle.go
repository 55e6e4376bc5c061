// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package lifecycle is a small mask-based publish/subscribe bus for
// observer lifecycle notifications: watch table changes, handler
// attach/detach, and the terminal error an adapter reports before the
// observer stops. It exists so tests (and diagnostic tooling built on top
// of this module) can synchronize on these transitions instead of
// polling, the way the teacher's own watch aggregator tests synchronize
// on events.Default.
package lifecycle

import (
	"errors"
	"time"

	"github.com/syncthing/fswatch/lib/sync"
)

type EventType int

const (
	WatchAdded EventType = 1 << iota
	WatchRemoved
	HandlerAttached
	HandlerRemoved
	ObserverStarted
	ObserverStopped
	TerminalError
	QueueOverflowed

	AllEvents = (1 << iota) - 1
)

func (t EventType) String() string {
	switch t {
	case WatchAdded:
		return "WatchAdded"
	case WatchRemoved:
		return "WatchRemoved"
	case HandlerAttached:
		return "HandlerAttached"
	case HandlerRemoved:
		return "HandlerRemoved"
	case ObserverStarted:
		return "ObserverStarted"
	case ObserverStopped:
		return "ObserverStopped"
	case TerminalError:
		return "TerminalError"
	case QueueOverflowed:
		return "QueueOverflowed"
	default:
		return "Unknown"
	}
}

const BufferSize = 64

var (
	ErrTimeout = errors.New("timeout")
	ErrClosed  = errors.New("closed")
)

type Event struct {
	GlobalID int
	Time     time.Time
	Type     EventType
	Data     interface{}
}

type Bus struct {
	subs         []*Subscription
	nextGlobalID int
	mutex        sync.Mutex
}

func NewBus() *Bus {
	return &Bus{mutex: sync.NewMutex()}
}

func (b *Bus) Log(t EventType, data interface{}) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.nextGlobalID++
	e := Event{GlobalID: b.nextGlobalID, Time: time.Now(), Type: t, Data: data}

	for _, s := range b.subs {
		if s.mask&t != 0 {
			select {
			case s.events <- e:
			default:
				// Subscriber too slow; drop rather than block the
				// observer thread that is logging this event.
			}
		}
	}
}

func (b *Bus) Subscribe(mask EventType) *Subscription {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	s := &Subscription{
		mask:   mask,
		events: make(chan Event, BufferSize),
	}
	b.subs = append(b.subs, s)
	return s
}

func (b *Bus) Unsubscribe(s *Subscription) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	for i, ss := range b.subs {
		if s == ss {
			last := len(b.subs) - 1
			b.subs[i] = b.subs[last]
			b.subs[last] = nil
			b.subs = b.subs[:last]
			break
		}
	}
	close(s.events)
}

type Subscription struct {
	mask   EventType
	events chan Event
}

func (s *Subscription) C() <-chan Event {
	return s.events
}

// Poll returns the next event or ErrTimeout/ErrClosed.
func (s *Subscription) Poll(timeout time.Duration) (Event, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case e, ok := <-s.events:
		if !ok {
			return Event{}, ErrClosed
		}
		return e, nil
	case <-t.C:
		return Event{}, ErrTimeout
	}
}
