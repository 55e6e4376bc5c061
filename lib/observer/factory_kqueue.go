// Copyright (C) 2016 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

//go:build dragonfly || freebsd || netbsd || openbsd || (darwin && !cgo)

package observer

import (
	"github.com/syncthing/fswatch/lib/adapter"
	"github.com/syncthing/fswatch/lib/adapter/kqueue"
)

// Select uses kqueue: the native facility on the BSDs, and the fallback
// on macOS when cgo (and therefore FSEvents) is unavailable.
func Select() (adapter.Adapter, error) {
	return kqueue.New()
}
