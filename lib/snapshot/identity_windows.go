// Copyright (C) 2016 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

//go:build windows

package snapshot

import (
	"os"

	"golang.org/x/sys/windows"
)

// identityOf asks the kernel for the (volume serial, file index) pair
// that plays the role POSIX (device, inode) plays elsewhere in this
// package. Unlike os.FileInfo.Sys() on Windows, which only carries
// attributes and size, this requires actually opening the file.
func identityOf(path string, _ os.FileInfo) (Identity, bool) {
	h, err := windows.Open(path, windows.O_RDONLY, 0)
	if err != nil {
		return Identity{}, false
	}
	defer windows.CloseHandle(h)

	var fi windows.ByHandleFileInformation
	if err := windows.GetFileInformationByHandle(h, &fi); err != nil {
		return Identity{}, false
	}

	inode := uint64(fi.FileIndexHigh)<<32 | uint64(fi.FileIndexLow)
	return Identity{Device: uint64(fi.VolumeSerialNumber), Inode: inode}, true
}
