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

// Package meta implements the OSD's local metadata store: an ordered
// in-memory index in front of an append-only metadata WAL, periodic
// atomic snapshots, and an adaptive replacement cache for point reads.
package meta

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	lru "github.com/hashicorp/golang-lru"

	"github.com/shardstore/shardstore/internal/format"
	"github.com/shardstore/shardstore/internal/logger"
	"github.com/shardstore/shardstore/internal/wal"
)

var log = logger.New("metastore")

// Errors.
var (
	ErrClosed = errors.New("meta: store closed")
)

// Config tunes the metadata store.
type Config struct {
	Dir               string // metadata directory
	SnapshotThreshold uint64 // mutations between snapshots
	SnapshotRetention int    // snapshots kept
	MaxWALBytes       int64  // WAL size triggering a snapshot
	CacheSize         int    // ARC entry capacity
}

// DefaultConfig returns the tuning defaults.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:               dir,
		SnapshotThreshold: 8192,
		SnapshotRetention: 3,
		MaxWALBytes:       256 << 20,
		CacheSize:         4096,
	}
}

// WAL op codes.
const (
	opPut    byte = 1
	opDelete byte = 2
	opBatch  byte = 3
)

// Op is one mutation of a Batch.
type Op struct {
	Delete bool
	Key    []byte
	Value  []byte
}

// item is a btree entry.
type item struct {
	key   []byte
	value []byte
}

func (a item) Less(b btree.Item) bool {
	return bytes.Compare(a.key, b.(item).key) < 0
}

// Entry is a key/value pair returned by Scan.
type Entry struct {
	Key   []byte
	Value []byte
}

// Stats is the observable state of the store.
type Stats struct {
	EntryCount      int
	WALSize         int64
	WALLSN          uint64
	LastSnapshotLSN uint64
	CacheHits       uint64
	CacheMisses     uint64
	HitRatio        float64
}

// Store is the metadata engine. All mutations append to the WAL before
// touching the index; an ack implies the record was flushed.
type Store struct {
	cfg Config

	mu    sync.RWMutex
	index *btree.BTree

	walLog   *wal.Log
	appender *wal.FileAppender

	cache  *lru.ARCCache
	hits   uint64
	misses uint64

	snapMu          sync.Mutex // serializes snapshot writers
	lastSnapshotLSN uint64
	mutations       uint64

	closed int32
}

// Open loads the most recent valid snapshot, replays the WAL tail and
// opens the store for service.
func Open(cfg Config) (*Store, error) {
	if cfg.SnapshotThreshold == 0 {
		cfg.SnapshotThreshold = 8192
	}
	if cfg.SnapshotRetention == 0 {
		cfg.SnapshotRetention = 3
	}
	if cfg.CacheSize == 0 {
		cfg.CacheSize = 4096
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}
	cache, err := lru.NewARC(cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	s := &Store{
		cfg:   cfg,
		index: btree.New(32),
		cache: cache,
	}

	snapLSN, err := s.loadLatestSnapshot()
	if err != nil {
		return nil, err
	}
	s.lastSnapshotLSN = snapLSN

	walPath := filepath.Join(cfg.Dir, "mwal.log")
	lastLSN := snapLSN
	var validLen int64
	if f, err := os.Open(walPath); err == nil {
		replayErr := format.ReplayRecords(f, format.MetaWALMagic, func(lsn uint64, payload []byte) error {
			validLen += int64(format.RecordSize(len(payload)))
			if lsn > snapLSN {
				s.applyPayload(payload)
				lastLSN = lsn
			}
			return nil
		})
		f.Close()
		if replayErr != nil {
			return nil, replayErr
		}
		// Drop the torn tail so fresh appends chain onto valid records.
		if st, err := os.Stat(walPath); err == nil && st.Size() > validLen {
			if err := os.Truncate(walPath, validLen); err != nil {
				return nil, err
			}
		}
	}

	app, err := wal.OpenFileAppender(walPath)
	if err != nil {
		return nil, err
	}
	s.appender = app
	s.walLog = wal.NewLog(app, format.MetaWALMagic, lastLSN+1)
	return s, nil
}

// applyPayload decodes one WAL payload and applies it to the index.
func (s *Store) applyPayload(payload []byte) {
	ops, err := decodeOps(payload)
	if err != nil {
		log.WithError(err).Warn("skipping undecodable metadata WAL record")
		return
	}
	s.mu.Lock()
	for _, op := range ops {
		s.applyLocked(op)
	}
	s.mu.Unlock()
}

func (s *Store) applyLocked(op Op) {
	if op.Delete {
		s.index.Delete(item{key: op.Key})
		s.cache.Remove(string(op.Key))
		return
	}
	s.index.ReplaceOrInsert(item{key: op.Key, value: op.Value})
	s.cache.Add(string(op.Key), op.Value)
}

// Get returns the value for key, consulting the ARC cache first.
func (s *Store) Get(key []byte) ([]byte, bool) {
	if v, ok := s.cache.Get(string(key)); ok {
		atomic.AddUint64(&s.hits, 1)
		return v.([]byte), true
	}
	atomic.AddUint64(&s.misses, 1)
	s.mu.RLock()
	it := s.index.Get(item{key: key})
	s.mu.RUnlock()
	if it == nil {
		return nil, false
	}
	v := it.(item).value
	s.cache.Add(string(key), v)
	return v, true
}

// Put writes key=value durably and returns the record's LSN.
func (s *Store) Put(ctx context.Context, key, value []byte) (uint64, error) {
	return s.commit(ctx, []Op{{Key: key, Value: value}})
}

// Delete removes key durably and returns the record's LSN.
func (s *Store) Delete(ctx context.Context, key []byte) (uint64, error) {
	return s.commit(ctx, []Op{{Delete: true, Key: key}})
}

// Batch applies ops atomically: one WAL record, one flush, all-or-
// nothing on replay.
func (s *Store) Batch(ctx context.Context, ops []Op) (uint64, error) {
	if len(ops) == 0 {
		return s.walLog.LastLSN(), nil
	}
	return s.commit(ctx, ops)
}

func (s *Store) commit(ctx context.Context, ops []Op) (uint64, error) {
	if atomic.LoadInt32(&s.closed) != 0 {
		return 0, ErrClosed
	}
	payload := encodeOps(ops)
	lsn, err := s.walLog.Append(ctx, payload)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	for _, op := range ops {
		s.applyLocked(op)
	}
	s.mu.Unlock()

	if n := atomic.AddUint64(&s.mutations, uint64(len(ops))); n >= s.cfg.SnapshotThreshold ||
		(s.cfg.MaxWALBytes > 0 && s.walLog.Size() >= s.cfg.MaxWALBytes) {
		go s.trySnapshot()
	}
	return lsn, nil
}

// Scan returns the entries under prefix in ascending key order, as a
// consistent copy taken at call time.
func (s *Store) Scan(prefix []byte) []Entry {
	var out []Entry
	s.mu.RLock()
	s.index.AscendGreaterOrEqual(item{key: prefix}, func(i btree.Item) bool {
		it := i.(item)
		if !bytes.HasPrefix(it.key, prefix) {
			return false
		}
		out = append(out, Entry{
			Key:   append([]byte(nil), it.key...),
			Value: append([]byte(nil), it.value...),
		})
		return true
	})
	s.mu.RUnlock()
	return out
}

// ScanRange returns up to limit entries with key >= from under prefix.
func (s *Store) ScanRange(prefix, from []byte, limit int) []Entry {
	start := prefix
	if bytes.Compare(from, prefix) > 0 {
		start = from
	}
	var out []Entry
	s.mu.RLock()
	s.index.AscendGreaterOrEqual(item{key: start}, func(i btree.Item) bool {
		it := i.(item)
		if !bytes.HasPrefix(it.key, prefix) {
			return false
		}
		out = append(out, Entry{
			Key:   append([]byte(nil), it.key...),
			Value: append([]byte(nil), it.value...),
		})
		return limit <= 0 || len(out) < limit
	})
	s.mu.RUnlock()
	return out
}

// Stats implements the observability contract.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	entries := s.index.Len()
	s.mu.RUnlock()
	hits := atomic.LoadUint64(&s.hits)
	misses := atomic.LoadUint64(&s.misses)
	ratio := 0.0
	if hits+misses > 0 {
		ratio = float64(hits) / float64(hits+misses)
	}
	s.snapMu.Lock()
	snapLSN := s.lastSnapshotLSN
	s.snapMu.Unlock()
	return Stats{
		EntryCount:      entries,
		WALSize:         s.walLog.Size(),
		WALLSN:          s.walLog.LastLSN(),
		LastSnapshotLSN: snapLSN,
		CacheHits:       hits,
		CacheMisses:     misses,
		HitRatio:        ratio,
	}
}

// Snapshot forces a snapshot now. Used by tests and shutdown.
func (s *Store) Snapshot() error {
	return s.snapshot()
}

func (s *Store) trySnapshot() {
	if err := s.snapshot(); err != nil {
		log.WithError(err).Error("metadata snapshot failed")
	}
}

// Close snapshots and stops the WAL writer.
func (s *Store) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}
	err := s.snapshot()
	s.walLog.Close()
	if cerr := s.appender.Close(); err == nil {
		err = cerr
	}
	return err
}

// encodeOps serializes ops into one WAL payload.
//
//	op(1) | keyLen(4) | key | valLen(4) | val    (repeated; Batch wraps
//	a count prefix)
func encodeOps(ops []Op) []byte {
	var buf []byte
	if len(ops) == 1 && !ops[0].Delete {
		buf = append(buf, opPut)
		buf = appendKV(buf, ops[0].Key, ops[0].Value)
		return buf
	}
	if len(ops) == 1 && ops[0].Delete {
		buf = append(buf, opDelete)
		buf = appendKV(buf, ops[0].Key, nil)
		return buf
	}
	buf = append(buf, opBatch)
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(ops)))
	buf = append(buf, n[:]...)
	for _, op := range ops {
		if op.Delete {
			buf = append(buf, opDelete)
			buf = appendKV(buf, op.Key, nil)
		} else {
			buf = append(buf, opPut)
			buf = appendKV(buf, op.Key, op.Value)
		}
	}
	return buf
}

func appendKV(buf, key, val []byte) []byte {
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(key)))
	buf = append(buf, n[:]...)
	buf = append(buf, key...)
	binary.LittleEndian.PutUint32(n[:], uint32(len(val)))
	buf = append(buf, n[:]...)
	return append(buf, val...)
}

func decodeOps(payload []byte) ([]Op, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("meta: empty WAL payload")
	}
	switch payload[0] {
	case opPut, opDelete:
		op, _, err := decodeOne(payload[0], payload[1:])
		if err != nil {
			return nil, err
		}
		return []Op{op}, nil
	case opBatch:
		if len(payload) < 5 {
			return nil, fmt.Errorf("meta: short batch payload")
		}
		count := binary.LittleEndian.Uint32(payload[1:5])
		rest := payload[5:]
		ops := make([]Op, 0, count)
		for i := uint32(0); i < count; i++ {
			if len(rest) < 1 {
				return nil, fmt.Errorf("meta: truncated batch")
			}
			op, n, err := decodeOne(rest[0], rest[1:])
			if err != nil {
				return nil, err
			}
			ops = append(ops, op)
			rest = rest[1+n:]
		}
		return ops, nil
	}
	return nil, fmt.Errorf("meta: unknown op code %d", payload[0])
}

func decodeOne(code byte, b []byte) (Op, int, error) {
	if len(b) < 4 {
		return Op{}, 0, fmt.Errorf("meta: truncated op")
	}
	keyLen := binary.LittleEndian.Uint32(b)
	if len(b) < int(4+keyLen+4) {
		return Op{}, 0, fmt.Errorf("meta: truncated key")
	}
	key := append([]byte(nil), b[4:4+keyLen]...)
	valLen := binary.LittleEndian.Uint32(b[4+keyLen:])
	total := int(4 + keyLen + 4 + valLen)
	if len(b) < total {
		return Op{}, 0, fmt.Errorf("meta: truncated value")
	}
	val := append([]byte(nil), b[8+keyLen:8+keyLen+valLen]...)
	op := Op{Key: key, Value: val, Delete: code == opDelete}
	if op.Delete {
		op.Value = nil
	}
	return op, total, nil
}
