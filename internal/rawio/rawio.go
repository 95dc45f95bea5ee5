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

// Package rawio provides 4 KiB-aligned access to a raw device or backing
// file, bypassing the page cache where the platform supports it.
package rawio

import (
	"errors"
	"os"
	"unsafe"

	"github.com/ncw/directio"
)

// BlockSize is the required alignment for offsets, lengths and buffer
// bases.
const BlockSize = directio.BlockSize

// Alignment errors.
var (
	ErrUnaligned = errors.New("rawio: offset, length and buffer must be 4096-byte aligned")
)

// File is an aligned-I/O handle over a raw device or regular file.
type File struct {
	f    *os.File
	size int64
}

// AlignedBlock returns a buffer of n bytes whose base address satisfies
// the direct I/O alignment requirement. n must be a multiple of
// BlockSize.
func AlignedBlock(n int) []byte {
	return directio.AlignedBlock(n)
}

// Aligned reports whether buf is usable for direct I/O.
func Aligned(buf []byte) bool {
	return isAligned(buf) && len(buf)%BlockSize == 0
}

// isAligned reports whether buf's base address satisfies directio's
// required alignment. github.com/ncw/directio does not export this
// check itself, so it is reimplemented here against the package's
// exported AlignSize constant.
func isAligned(buf []byte) bool {
	if len(buf) == 0 {
		return true
	}
	if directio.AlignSize == 0 {
		return true
	}
	return uintptr(unsafe.Pointer(&buf[0]))&uintptr(directio.AlignSize-1) == 0
}

// OpenFile opens path for direct I/O. On platforms without O_DIRECT
// semantics directio falls back to equivalent cache-bypassing flags.
// Filesystems that reject O_DIRECT outright (tmpfs) degrade to a
// plain open; alignment rules still apply so the I/O pattern stays
// identical.
func OpenFile(path string, flag int, perm os.FileMode) (*File, error) {
	f, err := directio.OpenFile(path, flag, perm)
	if err != nil {
		f, err = os.OpenFile(path, flag, perm)
	}
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &File{f: f, size: st.Size()}, nil
}

// Create creates (or truncates) a backing file of the given size and
// opens it for direct I/O. Used by `shardstore format` when the target
// is a file rather than a device.
func Create(path string, size int64) (*File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err = f.Truncate(size); err != nil {
		f.Close()
		return nil, err
	}
	if err = f.Close(); err != nil {
		return nil, err
	}
	return OpenFile(path, os.O_RDWR, 0o644)
}

// Size returns the device size observed at open.
func (fl *File) Size() int64 {
	return fl.size
}

// ReadAt reads len(buf) bytes at offset. The offset and buffer must be
// aligned.
func (fl *File) ReadAt(buf []byte, offset int64) error {
	if offset%BlockSize != 0 || !Aligned(buf) {
		return ErrUnaligned
	}
	_, err := fl.f.ReadAt(buf, offset)
	return err
}

// WriteAt writes len(buf) bytes at offset. The offset and buffer must
// be aligned. Durability requires a following Flush.
func (fl *File) WriteAt(buf []byte, offset int64) error {
	if offset%BlockSize != 0 || !Aligned(buf) {
		return ErrUnaligned
	}
	_, err := fl.f.WriteAt(buf, offset)
	return err
}

// Close closes the underlying handle.
func (fl *File) Close() error {
	return fl.f.Close()
}
