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

package format

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	sha256 "github.com/minio/sha256-simd"
)

// Errors shared by the format decoders.
var (
	errBadMagic        = errors.New("format: bad magic")
	errBadChecksum     = errors.New("format: checksum mismatch")
	errBadVersion      = errors.New("format: unsupported version")
	errBadLayout       = errors.New("format: region layout inconsistent")
	errShortSuperblock = errors.New("format: superblock buffer too small")
	errShortBuffer     = errors.New("format: buffer too small")
	errBadBlockSize    = errors.New("format: block size must be a non-zero multiple of 4096")
	errDiskTooSmall    = errors.New("format: disk too small for configured regions")
)

// IsChecksumMismatch reports whether err is a format checksum failure.
func IsChecksumMismatch(err error) bool {
	return errors.Is(err, errBadChecksum)
}

// BlockMagic identifies a data block header.
var BlockMagic = [4]byte{'B', 'L', 'O', 'K'}

const (
	// BlockHeaderSize is the fixed header at the start of every data block.
	BlockHeaderSize = 64
	// BlockFooterSize is the fixed footer at the end of every data block.
	BlockFooterSize = 32
)

// BlockType describes what a data block holds.
type BlockType uint8

// Block types.
const (
	BlockTypeData BlockType = iota + 1
	BlockTypeParity
	BlockTypeIndex
)

// BlockHeader is the 64-byte header written at the start of each data
// block. The (ObjectID, StripeID, Position) triple doubles as the inverse
// index used by full-disk recovery scans.
type BlockHeader struct {
	Type       BlockType
	Flags      uint8
	ECKind     uint8 // erasure kind, mirrors the stripe's ec type
	LocalGroup uint8
	BlockUUID  uuid.UUID
	ObjectID   uuid.UUID
	StripeID   uint64
	Position   uint8
	ECK        uint8
	ECM        uint8
	PayloadLen uint32
	Sequence   uint64
}

// MarshalBinary encodes the header into a 64-byte buffer.
func (h *BlockHeader) MarshalBinary() []byte {
	buf := make([]byte, BlockHeaderSize)
	le := binary.LittleEndian
	copy(buf[0:4], BlockMagic[:])
	buf[4] = byte(h.Type)
	buf[5] = h.Flags
	buf[6] = h.ECKind
	buf[7] = h.LocalGroup
	copy(buf[8:24], h.BlockUUID[:])
	copy(buf[24:40], h.ObjectID[:])
	le.PutUint64(buf[40:], h.StripeID)
	buf[48] = h.Position
	buf[49] = h.ECK
	buf[50] = h.ECM
	// buf[51] reserved
	le.PutUint32(buf[52:], h.PayloadLen)
	le.PutUint64(buf[56:], h.Sequence)
	return buf
}

// UnmarshalBlockHeader decodes a block header.
func UnmarshalBlockHeader(buf []byte) (*BlockHeader, error) {
	if len(buf) < BlockHeaderSize {
		return nil, errShortBuffer
	}
	if !bytes.Equal(buf[0:4], BlockMagic[:]) {
		return nil, errBadMagic
	}
	le := binary.LittleEndian
	h := &BlockHeader{
		Type:       BlockType(buf[4]),
		Flags:      buf[5],
		ECKind:     buf[6],
		LocalGroup: buf[7],
		StripeID:   le.Uint64(buf[40:]),
		Position:   buf[48],
		ECK:        buf[49],
		ECM:        buf[50],
		PayloadLen: le.Uint32(buf[52:]),
		Sequence:   le.Uint64(buf[56:]),
	}
	copy(h.BlockUUID[:], buf[8:24])
	copy(h.ObjectID[:], buf[24:40])
	return h, nil
}

// BlockFooter is the 32-byte trailer of each data block: CRC32C over
// header+payload, xxHash64 over the payload, and the first 20 bytes of
// the payload's SHA-256.
type BlockFooter struct {
	CRC32C uint32
	XXHash uint64
	SHA256 [20]byte
}

// NewBlockFooter computes the footer for an encoded header and payload.
func NewBlockFooter(header, payload []byte) BlockFooter {
	sum := sha256.Sum256(payload)
	var f BlockFooter
	f.CRC32C = ChecksumAdd(Checksum(header), payload)
	f.XXHash = xxhash.Sum64(payload)
	copy(f.SHA256[:], sum[:20])
	return f
}

// MarshalBinary encodes the footer into a 32-byte buffer.
func (f *BlockFooter) MarshalBinary() []byte {
	buf := make([]byte, BlockFooterSize)
	le := binary.LittleEndian
	le.PutUint32(buf[0:], f.CRC32C)
	le.PutUint64(buf[4:], f.XXHash)
	copy(buf[12:32], f.SHA256[:])
	return buf
}

// UnmarshalBlockFooter decodes a block footer.
func UnmarshalBlockFooter(buf []byte) (*BlockFooter, error) {
	if len(buf) < BlockFooterSize {
		return nil, errShortBuffer
	}
	le := binary.LittleEndian
	f := &BlockFooter{
		CRC32C: le.Uint32(buf[0:]),
		XXHash: le.Uint64(buf[4:]),
	}
	copy(f.SHA256[:], buf[12:32])
	return f, nil
}

// Verify recomputes the footer for header+payload and compares.
func (f *BlockFooter) Verify(header, payload []byte) error {
	want := NewBlockFooter(header, payload)
	if want.CRC32C != f.CRC32C || want.XXHash != f.XXHash || want.SHA256 != f.SHA256 {
		return errBadChecksum
	}
	return nil
}
