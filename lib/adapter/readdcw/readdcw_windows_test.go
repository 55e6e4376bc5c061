// Copyright (C) 2016 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

//go:build windows

package readdcw

import (
	"encoding/binary"
	"testing"
)

func appendRecord(buf []byte, action uint32, name string, last bool) []byte {
	u16 := utf16Encode(name)
	nameBytes := make([]byte, len(u16)*2)
	for i, c := range u16 {
		binary.LittleEndian.PutUint16(nameBytes[i*2:], c)
	}

	rec := make([]byte, 12+len(nameBytes))
	binary.LittleEndian.PutUint32(rec[4:], action)
	binary.LittleEndian.PutUint32(rec[8:], uint32(len(nameBytes)))

	padded := pad4(rec)
	if !last {
		binary.LittleEndian.PutUint32(padded[0:], uint32(len(padded)))
	}
	return append(buf, padded...)
}

func pad4(b []byte) []byte {
	for len(b)%4 != 0 {
		b = append(b, 0)
	}
	return b
}

func utf16Encode(s string) []uint16 {
	out := make([]uint16, 0, len(s))
	for _, r := range s {
		out = append(out, uint16(r))
	}
	return out
}

func TestDecodeRecordsSingle(t *testing.T) {
	var buf []byte
	buf = appendRecord(buf, actionAdded, "a.txt", true)

	recs := decodeRecords(buf)
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	if recs[0].action != actionAdded || recs[0].name != "a.txt" {
		t.Fatalf("unexpected record: %+v", recs[0])
	}
}

func TestDecodeRecordsRenamePair(t *testing.T) {
	var buf []byte
	buf = appendRecord(buf, actionRenamedOldName, "old.txt", false)
	buf = appendRecord(buf, actionRenamedNewName, "new.txt", true)

	recs := decodeRecords(buf)
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].action != actionRenamedOldName || recs[0].name != "old.txt" {
		t.Fatalf("unexpected first record: %+v", recs[0])
	}
	if recs[1].action != actionRenamedNewName || recs[1].name != "new.txt" {
		t.Fatalf("unexpected second record: %+v", recs[1])
	}
}
