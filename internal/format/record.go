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
	"encoding/binary"
	"io"
)

// WAL record framing, shared by the data WAL ("WALO"), the metadata WAL
// ("MWAL") and the block cache journal ("CJRN"):
//
//	+--------+--------+--------+---------+--------+
//	| magic  |  LSN   | length | payload | CRC32C |
//	| u32 LE | u64 LE | u32 LE |  var    | u32 LE |
//	+--------+--------+--------+---------+--------+
//
// The CRC covers magic through payload. A record whose magic, length or
// CRC does not check out marks the end of the valid log; replay stops
// there and the tail is discarded.

// Log magics. Encoded little-endian so the ASCII name reads forward in
// a hex dump of the first four bytes.
const (
	DataWALMagic      = uint32('W') | uint32('A')<<8 | uint32('L')<<16 | uint32('O')<<24
	MetaWALMagic      = uint32('M') | uint32('W')<<8 | uint32('A')<<16 | uint32('L')<<24
	CacheJournalMagic = uint32('C') | uint32('J')<<8 | uint32('R')<<16 | uint32('N')<<24
)

// RecordHeaderSize is the fixed prefix of every WAL record.
const RecordHeaderSize = 16

// RecordOverhead is header plus trailing CRC.
const RecordOverhead = RecordHeaderSize + 4

// MaxRecordPayload bounds a single record; anything larger indicates a
// corrupt length field during replay.
const MaxRecordPayload = 64 << 20

// AppendRecord appends a framed record to dst and returns the result.
func AppendRecord(dst []byte, magic uint32, lsn uint64, payload []byte) []byte {
	le := binary.LittleEndian
	var hdr [RecordHeaderSize]byte
	le.PutUint32(hdr[0:], magic)
	le.PutUint64(hdr[4:], lsn)
	le.PutUint32(hdr[12:], uint32(len(payload)))
	dst = append(dst, hdr[:]...)
	dst = append(dst, payload...)
	crc := ChecksumAdd(Checksum(hdr[:]), payload)
	var tail [4]byte
	le.PutUint32(tail[:], crc)
	return append(dst, tail[:]...)
}

// RecordSize returns the framed size of a payload.
func RecordSize(payloadLen int) int {
	return RecordOverhead + payloadLen
}

// ReplayRecords reads framed records from r and calls fn for each valid
// one in order. Replay stops silently at the first torn or corrupt
// record (the crash-truncated tail) or at io.EOF. fn errors abort the
// replay and are returned.
func ReplayRecords(r io.Reader, magic uint32, fn func(lsn uint64, payload []byte) error) error {
	le := binary.LittleEndian
	br := newByteReader(r)
	for {
		hdr, err := br.peek(RecordHeaderSize)
		if err != nil {
			return nil // clean or torn end
		}
		if le.Uint32(hdr[0:]) != magic {
			return nil
		}
		lsn := le.Uint64(hdr[4:])
		length := le.Uint32(hdr[12:])
		if length > MaxRecordPayload {
			return nil
		}
		full, err := br.peek(RecordHeaderSize + int(length) + 4)
		if err != nil {
			return nil
		}
		payload := full[RecordHeaderSize : RecordHeaderSize+int(length)]
		want := le.Uint32(full[RecordHeaderSize+int(length):])
		if Checksum(full[:RecordHeaderSize+int(length)]) != want {
			return nil
		}
		if err := fn(lsn, payload); err != nil {
			return err
		}
		br.discard(RecordHeaderSize + int(length) + 4)
	}
}

// byteReader is a minimal buffered reader with peek semantics sized for
// WAL replay.
type byteReader struct {
	r   io.Reader
	buf []byte
	eof bool
}

func newByteReader(r io.Reader) *byteReader {
	return &byteReader{r: r}
}

func (b *byteReader) peek(n int) ([]byte, error) {
	for len(b.buf) < n && !b.eof {
		chunk := make([]byte, 64<<10)
		m, err := b.r.Read(chunk)
		if m > 0 {
			b.buf = append(b.buf, chunk[:m]...)
		}
		if err != nil {
			b.eof = true
		}
	}
	if len(b.buf) < n {
		return nil, io.ErrUnexpectedEOF
	}
	return b.buf[:n], nil
}

func (b *byteReader) discard(n int) {
	b.buf = b.buf[n:]
}
