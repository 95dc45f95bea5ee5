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
	"testing"

	"github.com/google/uuid"
)

func TestWALRecordRoundTrip(t *testing.T) {
	records := []walRecord{
		{Type: walRecBeginTxn, TxnID: 1, ObjectID: uuid.New(), Timestamp: 1700000000},
		{Type: walRecWriteBlock, TxnID: 1, BlockUUID: uuid.New(), Block: 42, Length: 512, CRC32C: 0xabcdef12},
		{Type: walRecDelete, TxnID: 2, Block: 7},
		{Type: walRecCommit, TxnID: 1, Timestamp: 1700000001},
		{Type: walRecAbort, TxnID: 3, Reason: "allocation failed"},
		{Type: walRecCheckpoint, Sequence: 55, Timestamp: 1700000002},
	}
	for i, rec := range records {
		got, err := decodeWALRecord(rec.encode())
		if err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
		if got.Type != rec.Type || got.TxnID != rec.TxnID {
			t.Fatalf("record %d: identity mismatch %+v", i, got)
		}
		switch rec.Type {
		case walRecBeginTxn:
			if got.ObjectID != rec.ObjectID || got.Timestamp != rec.Timestamp {
				t.Fatalf("begin mismatch: %+v", got)
			}
		case walRecWriteBlock:
			if got.BlockUUID != rec.BlockUUID || got.Block != 42 || got.Length != 512 || got.CRC32C != 0xabcdef12 {
				t.Fatalf("write mismatch: %+v", got)
			}
		case walRecDelete:
			if got.Block != 7 {
				t.Fatalf("delete mismatch: %+v", got)
			}
		case walRecAbort:
			if got.Reason != "allocation failed" {
				t.Fatalf("abort mismatch: %+v", got)
			}
		case walRecCheckpoint:
			if got.Sequence != 55 {
				t.Fatalf("checkpoint mismatch: %+v", got)
			}
		}
	}
}

func TestWALRecordRejectsGarbage(t *testing.T) {
	if _, err := decodeWALRecord(nil); err == nil {
		t.Fatal("nil payload accepted")
	}
	if _, err := decodeWALRecord([]byte{99, 0, 0, 0, 0, 0, 0, 0, 0}); err == nil {
		t.Fatal("unknown record type accepted")
	}
	rec := walRecord{Type: walRecWriteBlock, TxnID: 1, Block: 1, Length: 1}
	truncated := rec.encode()[:12]
	if _, err := decodeWALRecord(truncated); err == nil {
		t.Fatal("truncated record accepted")
	}
}
