// Copyright (C) 2016 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

//go:build dragonfly || freebsd || netbsd || openbsd || (darwin && !cgo)

package kqueue

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/syncthing/fswatch/lib/equeue"
	"github.com/syncthing/fswatch/lib/fsevent"
	"github.com/syncthing/fswatch/lib/snapshot"
	"github.com/syncthing/fswatch/lib/sync"
)

func newTestAdapter(t *testing.T, q *equeue.Queue) *Adapter {
	t.Helper()
	return &Adapter{
		mut:     sync.NewMutex(),
		byFD:    make(map[int]*node),
		byPath:  make(map[string]*node),
		watches: make(map[fsevent.WatchID]fsevent.Watch),
		queue:   q,
	}
}

func TestRescanDirEmitsCreated(t *testing.T) {
	dir := t.TempDir()
	snap, err := snapshot.Take(dir, snapshot.TakeOptions{Recursive: false})
	if err != nil {
		t.Fatal(err)
	}

	q := equeue.New(16)
	a := newTestAdapter(t, q)
	n := &node{path: dir, isDir: true, watchIDs: map[fsevent.WatchID]struct{}{"w": {}}, children: snap}
	a.byPath[dir] = n

	if err := os.WriteFile(filepath.Join(dir, "new.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	a.rescanDir(n)

	slot, ok := q.GetTimeout(0)
	if !ok {
		t.Fatal("expected an event")
	}
	if slot.Event.Kind != fsevent.Created {
		t.Fatalf("expected Created, got %v", slot.Event.Kind)
	}
}

func TestRemoveDescendantsRemovesPrefixedPathsOnly(t *testing.T) {
	q := equeue.New(16)
	a := newTestAdapter(t, q)

	root := &node{path: "/tmp/root", fd: -1, isDir: true}
	sub := &node{path: "/tmp/root/sub", fd: -1, isDir: true}
	sibling := &node{path: "/tmp/rootsibling", fd: -1, isDir: true}
	a.byPath["/tmp/root"] = root
	a.byPath["/tmp/root/sub"] = sub
	a.byPath["/tmp/rootsibling"] = sibling

	a.removeDescendants(root)

	if _, ok := a.byPath["/tmp/root"]; ok {
		t.Fatal("root should be removed")
	}
	if _, ok := a.byPath["/tmp/root/sub"]; ok {
		t.Fatal("descendant should be removed")
	}
	if _, ok := a.byPath["/tmp/rootsibling"]; !ok {
		t.Fatal("sibling must survive")
	}

	var deletions int
	for {
		slot, ok := q.GetTimeout(0)
		if !ok {
			break
		}
		if !slot.Event.IsSynthetic || slot.Event.Kind != fsevent.Deleted {
			t.Fatalf("expected synthetic deletion, got %+v", slot.Event)
		}
		deletions++
	}
	if deletions != 2 {
		t.Fatalf("expected 2 synthetic deletions, got %d", deletions)
	}
}
