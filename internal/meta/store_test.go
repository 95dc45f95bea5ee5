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

package meta

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func testStore(t *testing.T, dir string) *Store {
	t.Helper()
	cfg := DefaultConfig(dir)
	cfg.SnapshotThreshold = 1 << 30 // only explicit snapshots
	s, err := Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestPutGetDelete(t *testing.T) {
	s := testStore(t, t.TempDir())
	defer s.Close()
	ctx := context.Background()

	if _, err := s.Put(ctx, []byte("alpha"), []byte("1")); err != nil {
		t.Fatal(err)
	}
	v, ok := s.Get([]byte("alpha"))
	if !ok || !bytes.Equal(v, []byte("1")) {
		t.Fatalf("get: %q %v", v, ok)
	}
	if _, err := s.Delete(ctx, []byte("alpha")); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Get([]byte("alpha")); ok {
		t.Fatal("deleted key still present")
	}
}

func TestScanSortedPrefix(t *testing.T) {
	s := testStore(t, t.TempDir())
	defer s.Close()
	ctx := context.Background()

	keys := []string{"p/zebra", "p/apple", "p/mango", "q/other", "p/banana"}
	for _, k := range keys {
		if _, err := s.Put(ctx, []byte(k), []byte(k)); err != nil {
			t.Fatal(err)
		}
	}
	entries := s.Scan([]byte("p/"))
	if len(entries) != 4 {
		t.Fatalf("scan returned %d entries", len(entries))
	}
	var got []string
	for _, e := range entries {
		got = append(got, string(e.Key))
	}
	if !sort.StringsAreSorted(got) {
		t.Fatalf("scan out of order: %v", got)
	}
	for _, k := range got {
		if k[:2] != "p/" {
			t.Fatalf("foreign key %q in prefix scan", k)
		}
	}
}

func TestBatchAtomicReplay(t *testing.T) {
	dir := t.TempDir()
	s := testStore(t, dir)
	ctx := context.Background()
	ops := []Op{
		{Key: []byte("b1"), Value: []byte("v1")},
		{Key: []byte("b2"), Value: []byte("v2")},
		{Delete: true, Key: []byte("b1")},
	}
	if _, err := s.Batch(ctx, ops); err != nil {
		t.Fatal(err)
	}
	s.walLog.Close() // stop without snapshot: state must come from WAL
	s.appender.Close()

	s2 := testStore(t, dir)
	defer s2.Close()
	if _, ok := s2.Get([]byte("b1")); ok {
		t.Fatal("batched delete lost on replay")
	}
	v, ok := s2.Get([]byte("b2"))
	if !ok || !bytes.Equal(v, []byte("v2")) {
		t.Fatal("batched put lost on replay")
	}
}

func TestRecoveryFromWALOnly(t *testing.T) {
	dir := t.TempDir()
	s := testStore(t, dir)
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		if _, err := s.Put(ctx, []byte(fmt.Sprintf("key-%03d", i)), []byte("v")); err != nil {
			t.Fatal(err)
		}
	}
	// Simulated crash: no snapshot, no clean close.
	s.walLog.Close()
	s.appender.Close()

	s2 := testStore(t, dir)
	defer s2.Close()
	if got := len(s2.Scan([]byte("key-"))); got != 100 {
		t.Fatalf("recovered %d keys, want 100", got)
	}
}

func TestSnapshotPlusTailRecovery(t *testing.T) {
	dir := t.TempDir()
	s := testStore(t, dir)
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		s.Put(ctx, []byte(fmt.Sprintf("snap-%03d", i)), []byte("s"))
	}
	if err := s.Snapshot(); err != nil {
		t.Fatal(err)
	}
	for i := 50; i < 80; i++ {
		s.Put(ctx, []byte(fmt.Sprintf("snap-%03d", i)), []byte("tail"))
	}
	s.walLog.Close()
	s.appender.Close()

	s2 := testStore(t, dir)
	defer s2.Close()
	if got := len(s2.Scan([]byte("snap-"))); got != 80 {
		t.Fatalf("recovered %d keys, want 80", got)
	}
	v, ok := s2.Get([]byte("snap-079"))
	if !ok || !bytes.Equal(v, []byte("tail")) {
		t.Fatal("post-snapshot tail record lost")
	}
}

func TestCorruptSnapshotFallsBack(t *testing.T) {
	dir := t.TempDir()
	s := testStore(t, dir)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		s.Put(ctx, []byte(fmt.Sprintf("gen1-%d", i)), []byte("1"))
	}
	if err := s.Snapshot(); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		s.Put(ctx, []byte(fmt.Sprintf("gen2-%d", i)), []byte("2"))
	}
	if err := s.Snapshot(); err != nil {
		t.Fatal(err)
	}
	s.Close()

	// Corrupt the newest snapshot; recovery must fall back to the
	// older one (the WAL was truncated, so gen2 keys are lost with
	// the bad snapshot, which is the documented degradation).
	lsns := (&Store{cfg: DefaultConfig(dir)}).snapshotLSNs()
	if len(lsns) < 2 {
		t.Fatalf("expected 2 snapshots, have %d", len(lsns))
	}
	newest := filepath.Join(dir, snapshotName(lsns[len(lsns)-1]))
	raw, err := os.ReadFile(newest)
	if err != nil {
		t.Fatal(err)
	}
	raw[len(raw)/2] ^= 0xff
	if err := os.WriteFile(newest, raw, 0o644); err != nil {
		t.Fatal(err)
	}

	s2 := testStore(t, dir)
	defer s2.Close()
	if got := len(s2.Scan([]byte("gen1-"))); got != 10 {
		t.Fatalf("fallback lost gen1 keys: %d", got)
	}
}

func TestTornWALTailSkipped(t *testing.T) {
	dir := t.TempDir()
	s := testStore(t, dir)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		s.Put(ctx, []byte(fmt.Sprintf("torn-%d", i)), []byte("v"))
	}
	s.walLog.Close()
	s.appender.Close()

	// Append garbage to simulate a torn final record.
	walPath := filepath.Join(dir, "mwal.log")
	f, err := os.OpenFile(walPath, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	f.Write([]byte{0x4D, 0x57, 0x41, 0x4C, 0xde, 0xad}) // magic + torn rest
	f.Close()

	s2 := testStore(t, dir)
	defer s2.Close()
	if got := len(s2.Scan([]byte("torn-"))); got != 5 {
		t.Fatalf("recovered %d keys, want 5", got)
	}
	// The store stays writable after truncating the torn tail.
	if _, err := s2.Put(ctx, []byte("torn-after"), []byte("ok")); err != nil {
		t.Fatal(err)
	}
}

func TestStats(t *testing.T) {
	s := testStore(t, t.TempDir())
	defer s.Close()
	ctx := context.Background()
	s.Put(ctx, []byte("stat-1"), []byte("v"))
	s.Get([]byte("stat-1"))
	s.Get([]byte("missing"))
	st := s.Stats()
	if st.EntryCount != 1 {
		t.Fatalf("entries %d", st.EntryCount)
	}
	if st.CacheHits == 0 {
		t.Fatal("expected at least one cache hit")
	}
	if st.CacheMisses == 0 {
		t.Fatal("expected at least one cache miss")
	}
	if st.WALLSN == 0 {
		t.Fatal("wal lsn not advancing")
	}
}

func TestScanRangePagination(t *testing.T) {
	s := testStore(t, t.TempDir())
	defer s.Close()
	ctx := context.Background()
	for i := 0; i < 30; i++ {
		s.Put(ctx, []byte(fmt.Sprintf("page-%02d", i)), []byte("v"))
	}
	var all []string
	from := []byte("page-")
	for {
		entries := s.ScanRange([]byte("page-"), from, 7)
		if len(entries) == 0 {
			break
		}
		for _, e := range entries {
			all = append(all, string(e.Key))
		}
		from = append(append([]byte(nil), entries[len(entries)-1].Key...), 0)
	}
	if len(all) != 30 {
		t.Fatalf("paginated %d keys, want 30", len(all))
	}
	if !sort.StringsAreSorted(all) {
		t.Fatal("pagination out of order")
	}
}
