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
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/google/btree"

	"github.com/shardstore/shardstore/internal/format"
)

// Snapshot file layout: header {magic "MSNP", version u32, entry count
// u64, last LSN u64}, then length-prefixed key/value pairs, then a
// trailing CRC32C over everything before it. Written to a temp file,
// flushed, renamed.

var snapshotMagic = [4]byte{'M', 'S', 'N', 'P'}

const snapshotHeaderSize = 4 + 4 + 8 + 8

func snapshotName(lsn uint64) string {
	return fmt.Sprintf("snapshot_%020d.bin", lsn)
}

func parseSnapshotLSN(name string) (uint64, bool) {
	if !strings.HasPrefix(name, "snapshot_") || !strings.HasSuffix(name, ".bin") {
		return 0, false
	}
	lsn, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, "snapshot_"), ".bin"), 10, 64)
	if err != nil {
		return 0, false
	}
	return lsn, true
}

// snapshot writes the full index to a new snapshot file, truncates the
// WAL up to the captured LSN and prunes old snapshots.
func (s *Store) snapshot() error {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()

	// Capture a consistent copy of the index and the LSN it reflects.
	s.mu.RLock()
	lsn := s.walLog.LastLSN()
	entries := make([]Entry, 0, s.index.Len())
	s.index.Ascend(func(i btree.Item) bool {
		it := i.(item)
		entries = append(entries, Entry{Key: it.key, Value: it.value})
		return true
	})
	s.mu.RUnlock()

	if lsn <= s.lastSnapshotLSN {
		return nil // nothing new
	}

	buf := make([]byte, snapshotHeaderSize, snapshotHeaderSize+len(entries)*64)
	copy(buf[0:4], snapshotMagic[:])
	le := binary.LittleEndian
	le.PutUint32(buf[4:], 1)
	le.PutUint64(buf[8:], uint64(len(entries)))
	le.PutUint64(buf[16:], lsn)
	var n [4]byte
	for _, e := range entries {
		le.PutUint32(n[:], uint32(len(e.Key)))
		buf = append(buf, n[:]...)
		buf = append(buf, e.Key...)
		le.PutUint32(n[:], uint32(len(e.Value)))
		buf = append(buf, n[:]...)
		buf = append(buf, e.Value...)
	}
	le.PutUint32(n[:], format.Checksum(buf))
	buf = append(buf, n[:]...)

	tmp := filepath.Join(s.cfg.Dir, ".snapshot.tmp")
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err = f.Write(buf); err != nil {
		f.Close()
		return err
	}
	if err = f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	final := filepath.Join(s.cfg.Dir, snapshotName(lsn))
	if err = os.Rename(tmp, final); err != nil {
		return err
	}

	// All records with LSN <= lsn are captured; restart the WAL.
	if err = s.walLog.Reset(lsn + 1); err != nil {
		return err
	}
	s.lastSnapshotLSN = lsn
	atomic.StoreUint64(&s.mutations, 0)
	s.pruneSnapshots()
	return nil
}

// pruneSnapshots keeps the newest SnapshotRetention snapshot files.
func (s *Store) pruneSnapshots() {
	lsns := s.snapshotLSNs()
	if len(lsns) <= s.cfg.SnapshotRetention {
		return
	}
	for _, lsn := range lsns[:len(lsns)-s.cfg.SnapshotRetention] {
		os.Remove(filepath.Join(s.cfg.Dir, snapshotName(lsn)))
	}
}

// snapshotLSNs lists snapshot LSNs ascending.
func (s *Store) snapshotLSNs() []uint64 {
	dirents, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return nil
	}
	var lsns []uint64
	for _, de := range dirents {
		if lsn, ok := parseSnapshotLSN(de.Name()); ok {
			lsns = append(lsns, lsn)
		}
	}
	sort.Slice(lsns, func(i, j int) bool { return lsns[i] < lsns[j] })
	return lsns
}

// loadLatestSnapshot loads the newest snapshot that verifies, falling
// back to older ones on corruption. Returns the loaded snapshot LSN.
func (s *Store) loadLatestSnapshot() (uint64, error) {
	lsns := s.snapshotLSNs()
	for i := len(lsns) - 1; i >= 0; i-- {
		path := filepath.Join(s.cfg.Dir, snapshotName(lsns[i]))
		lsn, err := s.loadSnapshotFile(path)
		if err != nil {
			log.WithError(err).WithField("snapshot", path).
				Warn("snapshot failed verification, falling back")
			continue
		}
		return lsn, nil
	}
	return 0, nil
}

func (s *Store) loadSnapshotFile(path string) (uint64, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	if len(buf) < snapshotHeaderSize+4 {
		return 0, fmt.Errorf("meta: snapshot too short")
	}
	le := binary.LittleEndian
	if [4]byte{buf[0], buf[1], buf[2], buf[3]} != snapshotMagic {
		return 0, fmt.Errorf("meta: bad snapshot magic")
	}
	body := buf[:len(buf)-4]
	if format.Checksum(body) != le.Uint32(buf[len(buf)-4:]) {
		return 0, fmt.Errorf("meta: snapshot checksum mismatch")
	}
	count := le.Uint64(buf[8:])
	lsn := le.Uint64(buf[16:])

	idx := btree.New(32)
	rest := body[snapshotHeaderSize:]
	for i := uint64(0); i < count; i++ {
		if len(rest) < 4 {
			return 0, fmt.Errorf("meta: snapshot truncated")
		}
		kl := le.Uint32(rest)
		if len(rest) < int(4+kl+4) {
			return 0, fmt.Errorf("meta: snapshot truncated")
		}
		key := append([]byte(nil), rest[4:4+kl]...)
		vl := le.Uint32(rest[4+kl:])
		if len(rest) < int(4+kl+4+vl) {
			return 0, fmt.Errorf("meta: snapshot truncated")
		}
		val := append([]byte(nil), rest[8+kl:8+kl+vl]...)
		idx.ReplaceOrInsert(item{key: key, value: val})
		rest = rest[8+kl+vl:]
	}
	s.index = idx
	return lsn, nil
}
