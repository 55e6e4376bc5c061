// Copyright (C) 2016 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package snapshot provides a point-in-time, inode-keyed inventory of a
// directory tree and a diff operation that turns two such inventories
// into synthetic Events describing the filesystem operations that
// occurred between them. A directory whose entries changed also gets a
// Modified event of its own, because its mtime moved.
// It is the recovery path after a queue overflow marker and the entire
// mechanism behind the polling adapter.
package snapshot

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/syncthing/fswatch/lib/fsevent"
)

// Identity is a stable inode identity: (device, inode) on POSIX, the
// volume serial number and file index on Windows.
type Identity struct {
	Device uint64
	Inode  uint64
}

// Entry is everything the diff needs to know about one path.
type Entry struct {
	Path        string
	IsDirectory bool
	Size        int64
	ModTime     time.Time
}

// Snapshot is an inode-keyed inventory of a directory tree, plus the
// reverse path -> identity mapping. Diff detects renames from the
// identity mapping alone.
type Snapshot struct {
	Root            string
	CaseInsensitive bool
	byIdentity      map[Identity]Entry
	byPath          map[string]Identity
}

// TakeOptions configures a Take call.
type TakeOptions struct {
	Recursive bool
	// FollowSymlinks records symlinks as entries (keyed by the link's own
	// identity) instead of skipping them. Take never descends through a
	// symlink, whatever this flag says.
	FollowSymlinks  bool
	CaseInsensitive bool
}

// Take walks root honoring opts and returns the resulting Snapshot.
func Take(root string, opts TakeOptions) (*Snapshot, error) {
	snap := &Snapshot{
		Root:            root,
		CaseInsensitive: opts.CaseInsensitive,
		byIdentity:      make(map[Identity]Entry),
		byPath:          make(map[string]Identity),
	}

	walkFn := func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 && !opts.FollowSymlinks {
			return nil
		}
		if id, ok := identityOf(path, info); ok {
			entry := Entry{
				Path:        path,
				IsDirectory: info.IsDir(),
				Size:        info.Size(),
				ModTime:     info.ModTime(),
			}
			snap.byIdentity[id] = entry
			snap.byPath[path] = id
		}
		// A non-recursive Take records an immediate subdirectory but not
		// its contents.
		if path != root && info.IsDir() && !opts.Recursive {
			return filepath.SkipDir
		}
		return nil
	}

	if err := filepath.Walk(root, walkFn); err != nil {
		return nil, err
	}
	return snap, nil
}

// Empty returns a Snapshot with no entries, rooted at root. Useful as a
// diff baseline when an initial Take failed (e.g. a transient
// permission error) so the next successful rescan is still comparable.
func Empty(root string) *Snapshot {
	return &Snapshot{
		Root:       root,
		byIdentity: make(map[Identity]Entry),
		byPath:     make(map[string]Identity),
	}
}

// Diff computes the synthetic Events that would explain the difference
// between old and new: creations, deletions, moves (identity survives
// under a new path) and modifications (identity and path both survive
// but size or mtime changed).
//
// Ordering is deterministic: deletes, then moves, then creates, then
// modifies; within a kind, by SrcPath lexicographic order.
func Diff(old, new *Snapshot) []fsevent.Event {
	var deletes, moves, creates, modifies []fsevent.Event

	for id, oldEntry := range old.byIdentity {
		newEntry, stillExists := new.byIdentity[id]
		if !stillExists {
			deletes = append(deletes, fsevent.Event{
				Kind:        fsevent.Deleted,
				IsDirectory: oldEntry.IsDirectory,
				SrcPath:     oldEntry.Path,
				IsSynthetic: true,
			})
			continue
		}
		if !samePath(oldEntry.Path, newEntry.Path, old.CaseInsensitive) {
			moves = append(moves, fsevent.Event{
				Kind:        fsevent.Moved,
				IsDirectory: newEntry.IsDirectory,
				SrcPath:     oldEntry.Path,
				DestPath:    newEntry.Path,
				IsSynthetic: true,
			})
			continue
		}
		if newEntry.Size != oldEntry.Size || !newEntry.ModTime.Equal(oldEntry.ModTime) {
			modifies = append(modifies, fsevent.Event{
				Kind:        fsevent.Modified,
				IsDirectory: newEntry.IsDirectory,
				SrcPath:     newEntry.Path,
				IsSynthetic: true,
			})
		}
	}

	for id, newEntry := range new.byIdentity {
		if _, existedBefore := old.byIdentity[id]; !existedBefore {
			creates = append(creates, fsevent.Event{
				Kind:        fsevent.Created,
				IsDirectory: newEntry.IsDirectory,
				SrcPath:     newEntry.Path,
				IsSynthetic: true,
			})
		}
	}

	sortByPath(deletes)
	sortByPath(moves)
	sortByPath(creates)
	sortByPath(modifies)

	out := make([]fsevent.Event, 0, len(deletes)+len(moves)+len(creates)+len(modifies))
	out = append(out, deletes...)
	out = append(out, moves...)
	out = append(out, creates...)
	out = append(out, modifies...)
	return out
}

func sortByPath(evs []fsevent.Event) {
	sort.Slice(evs, func(i, j int) bool { return evs[i].SrcPath < evs[j].SrcPath })
}

func samePath(a, b string, caseInsensitive bool) bool {
	if !caseInsensitive {
		return a == b
	}
	return len(a) == len(b) && equalFold(a, b)
}

func equalFold(a, b string) bool {
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
