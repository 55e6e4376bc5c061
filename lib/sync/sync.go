// Copyright (C) 2015 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package sync provides wrappers for sync.Mutex, sync.RWMutex and
// sync.WaitGroup that optionally log critical sections held (or waited
// on) for at least the configured threshold. It is used throughout the
// observer core (watch table, handler map) so that a slow consumer or a
// lock held across kernel I/O shows up in the logs instead of a silent
// stall; the grouper's move-cookie map is owned by one goroutine and
// takes no lock.
package sync

import (
	"fmt"
	"runtime"
	"strings"
	stdsync "sync"
	"time"
)

type Mutex interface {
	Lock()
	Unlock()
	TryLock() bool
}

func NewMutex() Mutex {
	if debug {
		return &loggedMutex{}
	}
	return &stdsync.Mutex{}
}

type loggedMutex struct {
	stdsync.Mutex
	start time.Time
	place string
}

func (m *loggedMutex) Lock() {
	m.Mutex.Lock()
	m.start = time.Now()
	m.place = callers()
}

func (m *loggedMutex) Unlock() {
	duration := time.Since(m.start)
	if duration >= threshold {
		l.Debugf("Mutex held for %v. Locked at %s", duration, m.place)
	}
	m.Mutex.Unlock()
}

type RWMutex interface {
	Mutex
	RLock()
	RUnlock()
}

func NewRWMutex() RWMutex {
	if debug {
		return &loggedRWMutex{}
	}
	return &stdsync.RWMutex{}
}

type loggedRWMutex struct {
	stdsync.RWMutex
	start       time.Time
	place       string
	rmut        stdsync.Mutex
	unlockers   []string
	heldRLocker int
}

func (m *loggedRWMutex) Lock() {
	start := time.Now()
	m.RWMutex.Lock()
	m.start = time.Now()
	m.place = callers()

	if duration := m.start.Sub(start); duration >= threshold {
		m.rmut.Lock()
		unlockers := m.unlockers
		m.unlockers = nil
		m.rmut.Unlock()
		if len(unlockers) > 0 {
			l.Debugf("Blocked %v for RUnlockers while locking:\n%s", duration, strings.Join(unlockers, "\n"))
		}
	}
}

func (m *loggedRWMutex) Unlock() {
	duration := time.Since(m.start)
	if duration >= threshold {
		l.Debugf("RWMutex held for %v. Locked at %s", duration, m.place)
	}
	m.RWMutex.Unlock()
}

func (m *loggedRWMutex) RLock() {
	m.rmut.Lock()
	m.heldRLocker++
	m.rmut.Unlock()
	m.RWMutex.RLock()
}

func (m *loggedRWMutex) RUnlock() {
	m.rmut.Lock()
	m.heldRLocker--
	m.unlockers = append(m.unlockers, "at "+callers())
	m.rmut.Unlock()
	m.RWMutex.RUnlock()
}

type WaitGroup interface {
	Add(int)
	Done()
	Wait()
}

func NewWaitGroup() WaitGroup {
	if debug {
		return &loggedWaitGroup{}
	}
	return &stdsync.WaitGroup{}
}

type loggedWaitGroup struct {
	stdsync.WaitGroup
}

func (wg *loggedWaitGroup) Wait() {
	start := time.Now()
	wg.WaitGroup.Wait()
	if duration := time.Since(start); duration >= threshold {
		l.Debugf("WaitGroup took %v at %s", duration, callers())
	}
}

func callers() string {
	var pc [16]uintptr
	n := runtime.Callers(3, pc[:])
	frames := runtime.CallersFrames(pc[:n])
	var sb strings.Builder
	for {
		frame, more := frames.Next()
		fmt.Fprintf(&sb, "sync %s:%d\n", frame.File, frame.Line)
		if !more {
			break
		}
	}
	return sb.String()
}
