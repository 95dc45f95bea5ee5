// Copyright (c) 2024-2026 Shardstore, Inc.
//
// This file is part of Shardstore Object Storage stack
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package rawio

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestAlignedRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.raw")
	f, err := Create(path, 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	buf := AlignedBlock(2 * BlockSize)
	for i := range buf {
		buf[i] = byte(i % 251)
	}
	if err := f.WriteAt(buf, 3*BlockSize); err != nil {
		t.Fatal(err)
	}
	if err := f.Flush(); err != nil {
		t.Fatal(err)
	}

	got := AlignedBlock(2 * BlockSize)
	if err := f.ReadAt(got, 3*BlockSize); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, buf) {
		t.Fatal("round trip mismatch")
	}
}

func TestUnalignedRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.raw")
	f, err := Create(path, 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	aligned := AlignedBlock(BlockSize)
	if err := f.WriteAt(aligned, 100); err != ErrUnaligned {
		t.Fatalf("unaligned offset accepted: %v", err)
	}
	if err := f.WriteAt(aligned[:100], 0); err != ErrUnaligned {
		t.Fatalf("unaligned length accepted: %v", err)
	}
	if err := f.ReadAt(aligned, 100); err != ErrUnaligned {
		t.Fatalf("unaligned read accepted: %v", err)
	}
}

func TestSizeObserved(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.raw")
	f, err := Create(path, 4<<20)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if f.Size() != 4<<20 {
		t.Fatalf("size %d", f.Size())
	}
}
