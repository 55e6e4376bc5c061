// Copyright (C) 2016 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

//go:build !linux && !windows && !dragonfly && !freebsd && !netbsd && !openbsd && !(darwin && cgo) && !(darwin && !cgo)

package observer

import (
	"github.com/syncthing/fswatch/lib/adapter"
	"github.com/syncthing/fswatch/lib/adapter/polling"
)

// Select falls back to polling on any platform with no native backend
// wired in above (e.g. solaris, js/wasm, android without cgo).
func Select() (adapter.Adapter, error) {
	return polling.New(0)
}
