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
	"testing"

	"github.com/google/uuid"
)

func TestSuperblockRoundTrip(t *testing.T) {
	sb, err := NewSuperblock(10<<30, 1<<30, DefaultBlockSize, 1700000000)
	if err != nil {
		t.Fatal(err)
	}
	buf := sb.MarshalBinary()
	if len(buf) != SuperblockSize {
		t.Fatalf("superblock is %d bytes", len(buf))
	}
	got, err := UnmarshalSuperblock(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.DiskUUID != sb.DiskUUID || got.TotalBlocks != sb.TotalBlocks ||
		got.BlockSize != sb.BlockSize || got.DataOffset != sb.DataOffset {
		t.Fatalf("round-trip mismatch: %+v vs %+v", got, sb)
	}
}

func TestSuperblockRegionLayout(t *testing.T) {
	sb, err := NewSuperblock(10<<30, 1<<30, DefaultBlockSize, 0)
	if err != nil {
		t.Fatal(err)
	}
	for name, off := range map[string]uint64{
		"wal":    sb.WALOffset,
		"bitmap": sb.BitmapOffset,
		"data":   sb.DataOffset,
	} {
		if off%Alignment != 0 {
			t.Fatalf("%s offset %d unaligned", name, off)
		}
	}
	if sb.WALOffset != SuperblockSize {
		t.Fatal("WAL must follow the superblock")
	}
	if sb.BitmapOffset != sb.WALOffset+sb.WALSize {
		t.Fatal("bitmap must follow the WAL")
	}
	if sb.DataOffset+sb.DataSize != sb.DiskSize {
		t.Fatal("data region must reach the end of the disk")
	}
	if sb.BitmapSize*8 < sb.TotalBlocks {
		t.Fatal("bitmap too small for block count")
	}
}

func TestSuperblockCorruptionRejected(t *testing.T) {
	sb, err := NewSuperblock(2<<30, 128<<20, DefaultBlockSize, 0)
	if err != nil {
		t.Fatal(err)
	}
	buf := sb.MarshalBinary()

	flipped := append([]byte(nil), buf...)
	flipped[100] ^= 0xff
	if _, err := UnmarshalSuperblock(flipped); err == nil {
		t.Fatal("corrupt superblock accepted")
	}

	badMagic := append([]byte(nil), buf...)
	badMagic[0] = 'X'
	if _, err := UnmarshalSuperblock(badMagic); err == nil {
		t.Fatal("bad magic accepted")
	}
}

func TestBlockHeaderFooterRoundTrip(t *testing.T) {
	hdr := &BlockHeader{
		Type:       BlockTypeData,
		ECKind:     1,
		LocalGroup: 2,
		BlockUUID:  uuid.New(),
		ObjectID:   uuid.New(),
		StripeID:   7,
		Position:   3,
		ECK:        4,
		ECM:        2,
		PayloadLen: 1234,
		Sequence:   99,
	}
	buf := hdr.MarshalBinary()
	if len(buf) != BlockHeaderSize {
		t.Fatalf("header is %d bytes", len(buf))
	}
	got, err := UnmarshalBlockHeader(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.ObjectID != hdr.ObjectID || got.StripeID != 7 || got.Position != 3 ||
		got.PayloadLen != 1234 || got.Sequence != 99 {
		t.Fatalf("header mismatch: %+v", got)
	}

	payload := []byte("some shard payload bytes")
	footer := NewBlockFooter(buf, payload)
	fbuf := footer.MarshalBinary()
	if len(fbuf) != BlockFooterSize {
		t.Fatalf("footer is %d bytes", len(fbuf))
	}
	got2, err := UnmarshalBlockFooter(fbuf)
	if err != nil {
		t.Fatal(err)
	}
	if err := got2.Verify(buf, payload); err != nil {
		t.Fatal(err)
	}
	if err := got2.Verify(buf, append(payload, 'x')); err == nil {
		t.Fatal("footer verified altered payload")
	}
}

func TestReplayRecords(t *testing.T) {
	var log []byte
	payloads := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for i, p := range payloads {
		log = AppendRecord(log, MetaWALMagic, uint64(i+1), p)
	}

	var got [][]byte
	err := ReplayRecords(bytes.NewReader(log), MetaWALMagic, func(lsn uint64, payload []byte) error {
		if lsn != uint64(len(got)+1) {
			t.Fatalf("lsn %d out of order", lsn)
		}
		got = append(got, append([]byte(nil), payload...))
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || !bytes.Equal(got[2], []byte("three")) {
		t.Fatalf("replay mismatch: %q", got)
	}
}

// TestReplayTornTail truncates the log at every possible byte offset
// and requires replay to return exactly the fully framed prefix.
func TestReplayTornTail(t *testing.T) {
	var log []byte
	var ends []int
	for i := 1; i <= 4; i++ {
		log = AppendRecord(log, DataWALMagic, uint64(i), bytes.Repeat([]byte{byte(i)}, i*7))
		ends = append(ends, len(log))
	}
	for cut := 0; cut <= len(log); cut++ {
		wantComplete := 0
		for _, end := range ends {
			if end <= cut {
				wantComplete++
			}
		}
		count := 0
		err := ReplayRecords(bytes.NewReader(log[:cut]), DataWALMagic, func(lsn uint64, payload []byte) error {
			count++
			return nil
		})
		if err != nil {
			t.Fatalf("cut %d: %v", cut, err)
		}
		if count != wantComplete {
			t.Fatalf("cut %d: replayed %d records, want %d", cut, count, wantComplete)
		}
	}
}

func TestReplayStopsAtCorruption(t *testing.T) {
	var log []byte
	log = AppendRecord(log, DataWALMagic, 1, []byte("good"))
	mark := len(log)
	log = AppendRecord(log, DataWALMagic, 2, []byte("soon corrupt"))
	log = AppendRecord(log, DataWALMagic, 3, []byte("unreachable"))
	log[mark+RecordHeaderSize] ^= 0xff // flip a payload byte of record 2

	count := 0
	if err := ReplayRecords(bytes.NewReader(log), DataWALMagic, func(lsn uint64, payload []byte) error {
		count++
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("replayed %d records past corruption, want 1", count)
	}
}
