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

package cmd

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// Data WAL record payloads. The framing (magic, LSN, length, CRC32C)
// lives in internal/format; this file encodes the typed payloads.

type walRecType byte

// Data WAL record types.
const (
	walRecBeginTxn walRecType = iota + 1
	walRecWriteBlock
	walRecDelete
	walRecCommit
	walRecAbort
	walRecCheckpoint
)

// walRecord is the decoded form of a data WAL payload.
type walRecord struct {
	Type      walRecType
	TxnID     uint64
	ObjectID  uuid.UUID // BeginTxn
	Timestamp uint64    // BeginTxn, Commit, Checkpoint
	BlockUUID uuid.UUID // WriteBlock
	Block     uint64    // WriteBlock, Delete
	Length    uint32    // WriteBlock
	CRC32C    uint32    // WriteBlock
	Sequence  uint64    // Checkpoint
	Reason    string    // Abort
}

func (r *walRecord) encode() []byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, byte(r.Type))
	var n8 [8]byte
	le := binary.LittleEndian
	le.PutUint64(n8[:], r.TxnID)
	buf = append(buf, n8[:]...)
	switch r.Type {
	case walRecBeginTxn:
		buf = append(buf, r.ObjectID[:]...)
		le.PutUint64(n8[:], r.Timestamp)
		buf = append(buf, n8[:]...)
	case walRecWriteBlock:
		buf = append(buf, r.BlockUUID[:]...)
		le.PutUint64(n8[:], r.Block)
		buf = append(buf, n8[:]...)
		var n4 [4]byte
		le.PutUint32(n4[:], r.Length)
		buf = append(buf, n4[:]...)
		le.PutUint32(n4[:], r.CRC32C)
		buf = append(buf, n4[:]...)
	case walRecDelete:
		le.PutUint64(n8[:], r.Block)
		buf = append(buf, n8[:]...)
	case walRecCommit:
		le.PutUint64(n8[:], r.Timestamp)
		buf = append(buf, n8[:]...)
	case walRecAbort:
		buf = append(buf, []byte(r.Reason)...)
	case walRecCheckpoint:
		le.PutUint64(n8[:], r.Sequence)
		buf = append(buf, n8[:]...)
		le.PutUint64(n8[:], r.Timestamp)
		buf = append(buf, n8[:]...)
	}
	return buf
}

func decodeWALRecord(payload []byte) (*walRecord, error) {
	if len(payload) < 9 {
		return nil, fmt.Errorf("data WAL payload too short: %d bytes", len(payload))
	}
	le := binary.LittleEndian
	r := &walRecord{Type: walRecType(payload[0]), TxnID: le.Uint64(payload[1:])}
	rest := payload[9:]
	switch r.Type {
	case walRecBeginTxn:
		if len(rest) < 24 {
			return nil, fmt.Errorf("short BeginTxn record")
		}
		copy(r.ObjectID[:], rest[:16])
		r.Timestamp = le.Uint64(rest[16:])
	case walRecWriteBlock:
		if len(rest) < 32 {
			return nil, fmt.Errorf("short WriteBlock record")
		}
		copy(r.BlockUUID[:], rest[:16])
		r.Block = le.Uint64(rest[16:])
		r.Length = le.Uint32(rest[24:])
		r.CRC32C = le.Uint32(rest[28:])
	case walRecDelete:
		if len(rest) < 8 {
			return nil, fmt.Errorf("short Delete record")
		}
		r.Block = le.Uint64(rest)
	case walRecCommit:
		if len(rest) < 8 {
			return nil, fmt.Errorf("short Commit record")
		}
		r.Timestamp = le.Uint64(rest)
	case walRecAbort:
		r.Reason = string(rest)
	case walRecCheckpoint:
		if len(rest) < 16 {
			return nil, fmt.Errorf("short Checkpoint record")
		}
		r.Sequence = le.Uint64(rest)
		r.Timestamp = le.Uint64(rest[8:])
	default:
		return nil, fmt.Errorf("unknown data WAL record type %d", r.Type)
	}
	return r, nil
}
