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

package blockcache

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// fakeDisk records flushed blocks.
type fakeDisk struct {
	mu     sync.Mutex
	blocks map[uint64][]byte
	writes int
}

func newFakeDisk() *fakeDisk {
	return &fakeDisk{blocks: make(map[uint64][]byte)}
}

func (d *fakeDisk) flush(block uint64, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.blocks[block] = append([]byte(nil), buf...)
	d.writes++
	return nil
}

func (d *fakeDisk) get(block uint64) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.blocks[block]
	return b, ok
}

func TestWriteThrough(t *testing.T) {
	disk := newFakeDisk()
	c, err := New(Config{Policy: WriteThrough, MaxEntries: 16, Flush: disk.flush})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	payload := []byte("write-through payload")
	if err := c.WriteBlock(context.Background(), 7, payload); err != nil {
		t.Fatal(err)
	}
	if got, ok := disk.get(7); !ok || !bytes.Equal(got, payload) {
		t.Fatal("write-through did not reach disk")
	}
	if got, ok := c.Get(7); !ok || !bytes.Equal(got, payload) {
		t.Fatal("write-through did not populate cache")
	}
}

func TestWriteAround(t *testing.T) {
	disk := newFakeDisk()
	c, err := New(Config{Policy: WriteAround, MaxEntries: 16, Flush: disk.flush})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	c.PutClean(9, []byte("stale"))
	payload := []byte("write-around payload")
	if err := c.WriteBlock(context.Background(), 9, payload); err != nil {
		t.Fatal(err)
	}
	if got, ok := disk.get(9); !ok || !bytes.Equal(got, payload) {
		t.Fatal("write-around did not reach disk")
	}
	if _, ok := c.Get(9); ok {
		t.Fatal("write-around left an entry in cache")
	}
}

func TestWriteBackJournalsAndDrains(t *testing.T) {
	disk := newFakeDisk()
	dir := t.TempDir()
	c, err := New(Config{
		Policy:      WriteBack,
		MaxEntries:  16,
		JournalPath: filepath.Join(dir, "cache_journal.log"),
		DirtyMax:    4,
		MaxDirtyAge: 50 * time.Millisecond,
		Flush:       disk.flush,
	})
	if err != nil {
		t.Fatal(err)
	}
	payload := []byte("write-back payload")
	if err := c.WriteBlock(context.Background(), 11, payload); err != nil {
		t.Fatal(err)
	}
	// Reply happened before any disk write; the flusher drains soon.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := disk.get(11); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("flusher never drained the dirty entry")
		}
		time.Sleep(10 * time.Millisecond)
	}
	c.Close()
}

// TestWriteBackRecovery writes dirty entries, drops the cache without
// draining, and verifies a new cache replays the journal to disk
// before serving.
func TestWriteBackRecovery(t *testing.T) {
	disk := newFakeDisk()
	dir := t.TempDir()
	journal := filepath.Join(dir, "cache_journal.log")
	c, err := New(Config{
		Policy:      WriteBack,
		MaxEntries:  16,
		JournalPath: journal,
		MaxDirtyAge: time.Hour, // flusher never fires
		DirtyMax:    1 << 30,
		Flush:       disk.flush,
	})
	if err != nil {
		t.Fatal(err)
	}
	want := map[uint64][]byte{}
	for i := uint64(1); i <= 5; i++ {
		payload := []byte(fmt.Sprintf("dirty-%d", i))
		want[i] = payload
		if err := c.WriteBlock(context.Background(), i, payload); err != nil {
			t.Fatal(err)
		}
	}
	// Simulated crash: the journal survives, the cache state does not.
	c.journal.Close()
	c.journalApp.Close()

	if disk.writes != 0 {
		t.Fatal("dirty entries reached disk before the crash")
	}
	c2, err := New(Config{
		Policy:      WriteBack,
		MaxEntries:  16,
		JournalPath: journal,
		Flush:       disk.flush,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer c2.Close()
	for block, payload := range want {
		got, ok := disk.get(block)
		if !ok || !bytes.Equal(got, payload) {
			t.Fatalf("block %d not recovered from journal", block)
		}
	}
}

func TestEvictionBounded(t *testing.T) {
	disk := newFakeDisk()
	c, err := New(Config{Policy: WriteThrough, MaxEntries: 8, Flush: disk.flush})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	for i := uint64(0); i < 64; i++ {
		c.PutClean(i, []byte("entry"))
	}
	if got := c.Stats().Entries; got > 8+shardCount {
		t.Fatalf("cache holds %d entries, bound is 8", got)
	}
}

// TestScanResistance keeps a working set hot, then streams a scan much
// larger than capacity through the cache; a bounded fraction of the
// working set must survive.
func TestScanResistance(t *testing.T) {
	disk := newFakeDisk()
	c, err := New(Config{Policy: WriteThrough, MaxEntries: 32, Flush: disk.flush})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	working := []uint64{}
	for i := uint64(0); i < 16; i++ {
		working = append(working, i)
		c.PutClean(i, []byte("hot"))
	}
	for round := 0; round < 50; round++ {
		for _, blk := range working {
			c.Get(blk)
		}
		// One-shot scan entries, touched once each.
		for j := 0; j < 8; j++ {
			c.PutClean(1000+uint64(round*8+j), []byte("cold"))
		}
	}
	survivors := 0
	for _, blk := range working {
		if _, ok := c.Get(blk); ok {
			survivors++
		}
	}
	if survivors < len(working)/2 {
		t.Fatalf("scan evicted the working set: %d/%d survive", survivors, len(working))
	}
}
