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

package wal

import (
	"io"
	"os"
	"sync"

	"github.com/shardstore/shardstore/internal/rawio"
)

// FileAppender backs a Log with a regular file in the OSD metadata
// directory (metadata WAL, cache journal).
type FileAppender struct {
	mu   sync.Mutex
	f    *os.File
	size int64
}

// OpenFileAppender opens (creating if needed) the log file at path and
// positions appends at its current end.
func OpenFileAppender(path string) (*FileAppender, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if _, err = f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, err
	}
	return &FileAppender{f: f, size: st.Size()}, nil
}

// Append implements Appender.
func (fa *FileAppender) Append(b []byte) error {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	n, err := fa.f.Write(b)
	fa.size += int64(n)
	return err
}

// Flush implements Appender.
func (fa *FileAppender) Flush() error {
	return fa.f.Sync()
}

// Size implements Appender.
func (fa *FileAppender) Size() int64 {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	return fa.size
}

// Reset implements Appender.
func (fa *FileAppender) Reset() error {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	if err := fa.f.Truncate(0); err != nil {
		return err
	}
	if _, err := fa.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	fa.size = 0
	return fa.f.Sync()
}

// Close closes the underlying file.
func (fa *FileAppender) Close() error {
	return fa.f.Close()
}

// RegionAppender backs a Log with a fixed byte region of a raw device
// (the data WAL). Appends are staged in memory from the last flushed
// page boundary; Flush rewrites that partial page plus everything after
// it with aligned direct writes.
type RegionAppender struct {
	mu       sync.Mutex
	dev      *rawio.File
	base     int64
	capacity int64

	written int64  // logical bytes appended
	flushed int64  // page-aligned prefix already on disk
	dirty   []byte // bytes from flushed..written
}

// NewRegionAppender wraps the WAL region [base, base+capacity) of dev.
// written is the logical end of valid records found by replay.
func NewRegionAppender(dev *rawio.File, base, capacity, written int64, tail []byte) *RegionAppender {
	flushed := written / rawio.BlockSize * rawio.BlockSize
	dirty := make([]byte, written-flushed)
	copy(dirty, tail)
	return &RegionAppender{
		dev:      dev,
		base:     base,
		capacity: capacity,
		written:  written,
		flushed:  flushed,
		dirty:    dirty,
	}
}

// Append implements Appender.
func (ra *RegionAppender) Append(b []byte) error {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	if ra.written+int64(len(b)) > ra.capacity {
		return ErrFull
	}
	ra.dirty = append(ra.dirty, b...)
	ra.written += int64(len(b))
	return nil
}

// Flush implements Appender.
func (ra *RegionAppender) Flush() error {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	if len(ra.dirty) == 0 {
		return ra.dev.Flush()
	}
	padded := (int64(len(ra.dirty)) + rawio.BlockSize - 1) / rawio.BlockSize * rawio.BlockSize
	buf := rawio.AlignedBlock(int(padded))
	copy(buf, ra.dirty)
	if err := ra.dev.WriteAt(buf, ra.base+ra.flushed); err != nil {
		return err
	}
	if err := ra.dev.Flush(); err != nil {
		return err
	}
	// Keep the final partial page dirty; the next flush rewrites it.
	fullPages := int64(len(ra.dirty)) / rawio.BlockSize * rawio.BlockSize
	ra.dirty = append(ra.dirty[:0:0], ra.dirty[fullPages:]...)
	ra.flushed += fullPages
	return nil
}

// Size implements Appender.
func (ra *RegionAppender) Size() int64 {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	return ra.written
}

// Reset implements Appender. The first page is zeroed on disk so a
// later replay does not resurrect stale records.
func (ra *RegionAppender) Reset() error {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	zero := rawio.AlignedBlock(rawio.BlockSize)
	if err := ra.dev.WriteAt(zero, ra.base); err != nil {
		return err
	}
	if err := ra.dev.Flush(); err != nil {
		return err
	}
	ra.written = 0
	ra.flushed = 0
	ra.dirty = ra.dirty[:0]
	return nil
}

// RegionReader adapts the WAL region for replay via io.Reader.
type RegionReader struct {
	dev    *rawio.File
	base   int64
	length int64
	off    int64
}

// NewRegionReader reads the region [base, base+length) sequentially.
func NewRegionReader(dev *rawio.File, base, length int64) *RegionReader {
	return &RegionReader{dev: dev, base: base, length: length}
}

// Read implements io.Reader with aligned chunked reads. The logical
// offset may be unaligned between calls; reads round down to the page
// boundary and skip the prefix.
func (rr *RegionReader) Read(p []byte) (int, error) {
	if rr.off >= rr.length {
		return 0, io.EOF
	}
	alignedOff := rr.off / rawio.BlockSize * rawio.BlockSize
	chunk := int64(256 << 10)
	if rem := rr.length - alignedOff; rem < chunk {
		chunk = (rem + rawio.BlockSize - 1) / rawio.BlockSize * rawio.BlockSize
	}
	buf := rawio.AlignedBlock(int(chunk))
	if err := rr.dev.ReadAt(buf, rr.base+alignedOff); err != nil {
		return 0, err
	}
	skip := rr.off - alignedOff
	valid := rr.length - alignedOff
	if valid > int64(len(buf)) {
		valid = int64(len(buf))
	}
	n := copy(p, buf[skip:valid])
	rr.off += int64(n)
	return n, nil
}
