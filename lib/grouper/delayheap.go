// Copyright (C) 2016 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package grouper

import (
	"container/heap"
	"time"
)

// delayheap is a priority queue of pending move-from halves ordered by
// the deadline at which they expire into a synthetic deleted event. It
// plays the same role as the original watchdog project's DelayedQueue:
// items can be cancelled (by cookie, on a matching move-to) before their
// deadline fires, without walking the whole structure.
type delayheap struct {
	items []*pendingMove
	index map[uint32]int // cookie -> index into items, for O(log n) cancel
}

type pendingMove struct {
	cookie   uint32
	path     string
	isDir    bool
	deadline time.Time
}

func newDelayheap() *delayheap {
	return &delayheap{index: make(map[uint32]int)}
}

func (h *delayheap) Len() int { return len(h.items) }

func (h *delayheap) Less(i, j int) bool {
	return h.items[i].deadline.Before(h.items[j].deadline)
}

func (h *delayheap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.index[h.items[i].cookie] = i
	h.index[h.items[j].cookie] = j
}

func (h *delayheap) Push(x interface{}) {
	pm := x.(*pendingMove)
	h.index[pm.cookie] = len(h.items)
	h.items = append(h.items, pm)
}

func (h *delayheap) Pop() interface{} {
	old := h.items
	n := len(old)
	pm := old[n-1]
	old[n-1] = nil
	h.items = old[:n-1]
	delete(h.index, pm.cookie)
	return pm
}

// insert adds a pending move-from, returning the entry evicted to make
// room if the heap was already at capacity (nil otherwise).
func (h *delayheap) insert(pm *pendingMove, capacity int) *pendingMove {
	var evicted *pendingMove
	if capacity > 0 && h.Len() >= capacity {
		evicted = heap.Pop(h).(*pendingMove)
	}
	heap.Push(h, pm)
	return evicted
}

// cancel removes and returns the pending move-from for cookie, if any.
func (h *delayheap) cancel(cookie uint32) (*pendingMove, bool) {
	i, ok := h.index[cookie]
	if !ok {
		return nil, false
	}
	pm := heap.Remove(h, i).(*pendingMove)
	return pm, true
}

// expired pops every entry whose deadline is at or before now.
func (h *delayheap) expired(now time.Time) []*pendingMove {
	var out []*pendingMove
	for h.Len() > 0 && !h.items[0].deadline.After(now) {
		out = append(out, heap.Pop(h).(*pendingMove))
	}
	return out
}

// nextDeadline reports the earliest pending deadline, if any.
func (h *delayheap) nextDeadline() (time.Time, bool) {
	if h.Len() == 0 {
		return time.Time{}, false
	}
	return h.items[0].deadline, true
}

// drain removes and returns every pending entry, in deadline order.
func (h *delayheap) drain() []*pendingMove {
	out := make([]*pendingMove, 0, h.Len())
	for h.Len() > 0 {
		out = append(out, heap.Pop(h).(*pendingMove))
	}
	return out
}
