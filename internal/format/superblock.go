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

// Package format defines the bit-exact on-disk structures of a shardstore
// data disk: the superblock, the data block header and footer, and the
// record framing shared by the write-ahead logs.
//
// Disk layout:
//
//	+------------------+  offset 0
//	|   Superblock     |  4 KiB
//	+------------------+
//	|   Data WAL       |  configurable, 4 KiB aligned
//	+------------------+
//	|   Block bitmap   |  1 bit per data block, 4 KiB aligned
//	+------------------+
//	|   Data region    |  fixed-size blocks
//	+------------------+
//
// All integers are little-endian.
package format

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"

	"github.com/google/uuid"
)

// SuperblockMagic identifies a shardstore formatted disk.
var SuperblockMagic = [8]byte{'O', 'B', 'J', 'I', 'O', '0', '0', '1'}

const (
	// SuperblockSize is the size of the superblock region.
	SuperblockSize = 4096

	// FormatVersion is the current disk format version.
	FormatVersion = 1

	// Alignment is the required alignment for all raw disk I/O.
	Alignment = 4096

	// superblock CRC32C covers [0, crcOffset) and is stored at
	// [crcOffset, SuperblockSize).
	crcOffset = SuperblockSize - 4
)

// castagnoli is the CRC32C polynomial table used by every on-disk checksum.
var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Checksum returns the CRC32C of b.
func Checksum(b []byte) uint32 {
	return crc32.Checksum(b, castagnoli)
}

// ChecksumAdd extends an existing CRC32C with b.
func ChecksumAdd(crc uint32, b []byte) uint32 {
	return crc32.Update(crc, castagnoli, b)
}

// AlignUp rounds v up to the next multiple of Alignment.
func AlignUp(v uint64) uint64 {
	return (v + Alignment - 1) / Alignment * Alignment
}

// Superblock is the 4 KiB disk header. It records the region layout
// computed at format time; the layout never changes after that.
type Superblock struct {
	Version       uint32
	DiskUUID      uuid.UUID
	DiskSize      uint64
	BlockSize     uint32 // data block size, header+payload+footer
	MetaBlockSize uint32
	TotalBlocks   uint64
	WALOffset     uint64
	WALSize       uint64
	BitmapOffset  uint64
	BitmapSize    uint64
	DataOffset    uint64
	DataSize      uint64
	CreatedAt     uint64 // unix seconds
	LastMount     uint64
	MountCount    uint64
	Flags         uint32
}

// DefaultBlockSize is the default data block size (4 MiB).
const DefaultBlockSize = 4 << 20

// DefaultMetaBlockSize is the default metadata block size.
const DefaultMetaBlockSize = 64 << 10

// NewSuperblock computes the region layout for a disk of the given size.
// walSize is rounded up to the alignment; the remainder after WAL and
// bitmap becomes the data region.
func NewSuperblock(diskSize, walSize uint64, blockSize uint32, now uint64) (*Superblock, error) {
	if blockSize == 0 || blockSize%Alignment != 0 {
		return nil, errBadBlockSize
	}
	walOffset := uint64(SuperblockSize)
	walSize = AlignUp(walSize)

	bitmapOffset := walOffset + walSize
	if bitmapOffset >= diskSize {
		return nil, errDiskTooSmall
	}
	// One bit per block over the space remaining after the bitmap region
	// itself; a small over-estimate of the bitmap keeps the math simple.
	approxBlocks := (diskSize - bitmapOffset) / uint64(blockSize)
	bitmapSize := AlignUp((approxBlocks + 7) / 8)

	dataOffset := bitmapOffset + bitmapSize
	if dataOffset >= diskSize {
		return nil, errDiskTooSmall
	}
	dataSize := diskSize - dataOffset
	totalBlocks := dataSize / uint64(blockSize)
	if totalBlocks == 0 {
		return nil, errDiskTooSmall
	}

	return &Superblock{
		Version:       FormatVersion,
		DiskUUID:      uuid.New(),
		DiskSize:      diskSize,
		BlockSize:     blockSize,
		MetaBlockSize: DefaultMetaBlockSize,
		TotalBlocks:   totalBlocks,
		WALOffset:     walOffset,
		WALSize:       walSize,
		BitmapOffset:  bitmapOffset,
		BitmapSize:    bitmapSize,
		DataOffset:    dataOffset,
		DataSize:      dataSize,
		CreatedAt:     now,
		LastMount:     now,
		MountCount:    1,
	}, nil
}

// MarshalBinary encodes the superblock into a 4 KiB buffer with the
// trailing CRC32C over the first 4092 bytes.
func (sb *Superblock) MarshalBinary() []byte {
	buf := make([]byte, SuperblockSize)
	copy(buf[0:8], SuperblockMagic[:])
	le := binary.LittleEndian
	le.PutUint32(buf[8:], sb.Version)
	copy(buf[12:28], sb.DiskUUID[:])
	le.PutUint64(buf[28:], sb.DiskSize)
	le.PutUint32(buf[36:], sb.BlockSize)
	le.PutUint32(buf[40:], sb.MetaBlockSize)
	le.PutUint64(buf[44:], sb.TotalBlocks)
	le.PutUint64(buf[52:], sb.WALOffset)
	le.PutUint64(buf[60:], sb.WALSize)
	le.PutUint64(buf[68:], sb.BitmapOffset)
	le.PutUint64(buf[76:], sb.BitmapSize)
	le.PutUint64(buf[84:], sb.DataOffset)
	le.PutUint64(buf[92:], sb.DataSize)
	le.PutUint64(buf[100:], sb.CreatedAt)
	le.PutUint64(buf[108:], sb.LastMount)
	le.PutUint64(buf[116:], sb.MountCount)
	le.PutUint32(buf[124:], sb.Flags)
	le.PutUint32(buf[crcOffset:], Checksum(buf[:crcOffset]))
	return buf
}

// UnmarshalSuperblock decodes and verifies a superblock buffer.
func UnmarshalSuperblock(buf []byte) (*Superblock, error) {
	if len(buf) < SuperblockSize {
		return nil, errShortSuperblock
	}
	if !bytes.Equal(buf[0:8], SuperblockMagic[:]) {
		return nil, errBadMagic
	}
	le := binary.LittleEndian
	if le.Uint32(buf[crcOffset:]) != Checksum(buf[:crcOffset]) {
		return nil, errBadChecksum
	}
	sb := &Superblock{}
	sb.Version = le.Uint32(buf[8:])
	if sb.Version != FormatVersion {
		return nil, errBadVersion
	}
	copy(sb.DiskUUID[:], buf[12:28])
	sb.DiskSize = le.Uint64(buf[28:])
	sb.BlockSize = le.Uint32(buf[36:])
	sb.MetaBlockSize = le.Uint32(buf[40:])
	sb.TotalBlocks = le.Uint64(buf[44:])
	sb.WALOffset = le.Uint64(buf[52:])
	sb.WALSize = le.Uint64(buf[60:])
	sb.BitmapOffset = le.Uint64(buf[68:])
	sb.BitmapSize = le.Uint64(buf[76:])
	sb.DataOffset = le.Uint64(buf[84:])
	sb.DataSize = le.Uint64(buf[92:])
	sb.CreatedAt = le.Uint64(buf[100:])
	sb.LastMount = le.Uint64(buf[108:])
	sb.MountCount = le.Uint64(buf[116:])
	sb.Flags = le.Uint32(buf[124:])

	if sb.DataOffset+sb.DataSize > sb.DiskSize {
		return nil, errBadLayout
	}
	if sb.TotalBlocks*uint64(sb.BlockSize) > sb.DataSize {
		return nil, errBadLayout
	}
	return sb, nil
}

// BlockOffset returns the disk offset of data block n.
func (sb *Superblock) BlockOffset(n uint64) uint64 {
	return sb.DataOffset + n*uint64(sb.BlockSize)
}

// MaxPayload returns the number of payload bytes one data block holds.
func (sb *Superblock) MaxPayload() uint32 {
	return sb.BlockSize - BlockHeaderSize - BlockFooterSize
}
