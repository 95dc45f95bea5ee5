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

// Package blockcache caches data-region blocks in memory. Eviction is
// approximate LRU driven by a global access clock; locking is sharded
// so one hot bucket never serializes the cache. Three write policies
// are supported; under write-back a journal file makes dirty entries
// crash-safe.
package blockcache

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shardstore/shardstore/internal/format"
	"github.com/shardstore/shardstore/internal/logger"
	"github.com/shardstore/shardstore/internal/wal"
)

var log = logger.New("blockcache")

// Policy selects the write semantics, configured per OSD.
type Policy uint8

// Write policies.
const (
	WriteThrough Policy = iota + 1
	WriteBack
	WriteAround
)

// ParsePolicy maps a config string to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "write-through", "writethrough":
		return WriteThrough, nil
	case "write-back", "writeback":
		return WriteBack, nil
	case "write-around", "writearound":
		return WriteAround, nil
	}
	return 0, fmt.Errorf("blockcache: unknown write policy %q", s)
}

// FlushFunc writes one block durably to the data region.
type FlushFunc func(block uint64, buf []byte) error

// Config tunes the cache.
type Config struct {
	Policy       Policy
	MaxBytes     int64
	MaxEntries   int
	JournalPath  string        // write-back only
	DirtyMax     int           // dirty entries triggering a drain
	DirtyHardCap int64         // dirty bytes refusing new insertions
	MaxDirtyAge  time.Duration // oldest dirty entry triggering a drain
	Flush        FlushFunc
}

const shardCount = 16

type entry struct {
	buf    []byte
	dirty  bool
	seq    uint64
	access int64 // global clock value at last touch
}

type shard struct {
	mu      sync.RWMutex
	entries map[uint64]*entry
}

// Cache is a bounded block cache.
type Cache struct {
	cfg    Config
	shards [shardCount]*shard

	clock      int64
	bytes      int64
	dirtyCount int64
	dirtyBytes int64

	journal    *wal.Log
	journalApp *wal.FileAppender
	seq        uint64

	hits    uint64
	misses  uint64
	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// ErrDirtyFull signals the write-back dirty cap is reached; the caller
// falls back to write-through.
var ErrDirtyFull = errors.New("blockcache: dirty cap reached")

// New opens the cache. Under write-back the journal is replayed and
// drained before the cache accepts traffic.
func New(cfg Config) (*Cache, error) {
	if cfg.MaxEntries == 0 {
		cfg.MaxEntries = 1024
	}
	if cfg.DirtyMax == 0 {
		cfg.DirtyMax = 64
	}
	if cfg.MaxDirtyAge == 0 {
		cfg.MaxDirtyAge = 5 * time.Second
	}
	c := &Cache{cfg: cfg, stopCh: make(chan struct{})}
	for i := range c.shards {
		c.shards[i] = &shard{entries: make(map[uint64]*entry)}
	}
	if cfg.Policy == WriteBack {
		if cfg.JournalPath == "" || cfg.Flush == nil {
			return nil, errors.New("blockcache: write-back requires journal path and flush func")
		}
		if err := c.recoverJournal(); err != nil {
			return nil, err
		}
		app, err := wal.OpenFileAppender(cfg.JournalPath)
		if err != nil {
			return nil, err
		}
		c.journalApp = app
		c.journal = wal.NewLog(app, format.CacheJournalMagic, 1)
		c.wg.Add(1)
		go c.flusher()
	}
	return c, nil
}

// recoverJournal replays dirty records from a prior crash and flushes
// them to disk in sequence order, then truncates the journal.
func (c *Cache) recoverJournal() error {
	f, err := os.Open(c.cfg.JournalPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	type rec struct {
		block uint64
		seq   uint64
		buf   []byte
	}
	latest := map[uint64]rec{}
	replayErr := format.ReplayRecords(f, format.CacheJournalMagic, func(lsn uint64, payload []byte) error {
		if len(payload) < 20 {
			return nil
		}
		le := binary.LittleEndian
		r := rec{block: le.Uint64(payload), seq: le.Uint64(payload[8:])}
		n := le.Uint32(payload[16:])
		if len(payload) < int(20+n) {
			return nil
		}
		r.buf = append([]byte(nil), payload[20:20+n]...)
		if prev, ok := latest[r.block]; !ok || r.seq > prev.seq {
			latest[r.block] = r
		}
		return nil
	})
	f.Close()
	if replayErr != nil {
		return replayErr
	}
	recs := make([]rec, 0, len(latest))
	for _, r := range latest {
		recs = append(recs, r)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].seq < recs[j].seq })
	for _, r := range recs {
		if err := c.cfg.Flush(r.block, r.buf); err != nil {
			return err
		}
	}
	if len(recs) > 0 {
		log.WithField("blocks", len(recs)).Info("replayed dirty cache journal entries")
	}
	return os.Truncate(c.cfg.JournalPath, 0)
}

func (c *Cache) shardFor(block uint64) *shard {
	return c.shards[block%shardCount]
}

// Get returns a copy of the cached block payload.
func (c *Cache) Get(block uint64) ([]byte, bool) {
	sh := c.shardFor(block)
	sh.mu.RLock()
	e, ok := sh.entries[block]
	if ok {
		atomic.StoreInt64(&e.access, atomic.AddInt64(&c.clock, 1))
	}
	sh.mu.RUnlock()
	if !ok {
		atomic.AddUint64(&c.misses, 1)
		return nil, false
	}
	atomic.AddUint64(&c.hits, 1)
	return append([]byte(nil), e.buf...), true
}

// PutClean inserts a clean entry (read path, write-through).
func (c *Cache) PutClean(block uint64, buf []byte) {
	c.insert(block, buf, false, 0)
}

// Invalidate drops a cached entry (delete path, write-around).
func (c *Cache) Invalidate(block uint64) {
	sh := c.shardFor(block)
	sh.mu.Lock()
	if e, ok := sh.entries[block]; ok {
		delete(sh.entries, block)
		atomic.AddInt64(&c.bytes, -int64(len(e.buf)))
		if e.dirty {
			atomic.AddInt64(&c.dirtyCount, -1)
			atomic.AddInt64(&c.dirtyBytes, -int64(len(e.buf)))
		}
	}
	sh.mu.Unlock()
}

// WriteBlock applies the configured write policy to a block write.
// The caller's buf is retained by the cache on insert paths.
func (c *Cache) WriteBlock(ctx context.Context, block uint64, buf []byte) error {
	switch c.cfg.Policy {
	case WriteThrough:
		if err := c.cfg.Flush(block, buf); err != nil {
			return err
		}
		c.insert(block, buf, false, 0)
		return nil
	case WriteAround:
		if err := c.cfg.Flush(block, buf); err != nil {
			return err
		}
		c.Invalidate(block)
		return nil
	case WriteBack:
		if c.cfg.DirtyHardCap > 0 && atomic.LoadInt64(&c.dirtyBytes)+int64(len(buf)) > c.cfg.DirtyHardCap {
			// Hard cap: degrade to write-through for this block.
			if err := c.cfg.Flush(block, buf); err != nil {
				return err
			}
			c.insert(block, buf, false, 0)
			return nil
		}
		seq := atomic.AddUint64(&c.seq, 1)
		payload := make([]byte, 20+len(buf))
		le := binary.LittleEndian
		le.PutUint64(payload, block)
		le.PutUint64(payload[8:], seq)
		le.PutUint32(payload[16:], uint32(len(buf)))
		copy(payload[20:], buf)
		if _, err := c.journal.Append(ctx, payload); err != nil {
			return err
		}
		c.insert(block, buf, true, seq)
		return nil
	}
	return fmt.Errorf("blockcache: unconfigured write policy")
}

func (c *Cache) insert(block uint64, buf []byte, dirty bool, seq uint64) {
	sh := c.shardFor(block)
	sh.mu.Lock()
	if old, ok := sh.entries[block]; ok {
		atomic.AddInt64(&c.bytes, -int64(len(old.buf)))
		if old.dirty {
			atomic.AddInt64(&c.dirtyCount, -1)
			atomic.AddInt64(&c.dirtyBytes, -int64(len(old.buf)))
		}
	}
	sh.entries[block] = &entry{
		buf:    buf,
		dirty:  dirty,
		seq:    seq,
		access: atomic.AddInt64(&c.clock, 1),
	}
	atomic.AddInt64(&c.bytes, int64(len(buf)))
	if dirty {
		atomic.AddInt64(&c.dirtyCount, 1)
		atomic.AddInt64(&c.dirtyBytes, int64(len(buf)))
	}
	sh.mu.Unlock()
	c.maybeEvict()
}

// maybeEvict trims clean entries while either bound is exceeded. Each
// round evicts the least-recently-touched clean entry across all
// shards; dirty entries stay until flushed.
func (c *Cache) maybeEvict() {
	for c.overCapacity() {
		var victimShard *shard
		var victim uint64
		var victimEntry *entry
		for _, sh := range c.shards {
			sh.mu.RLock()
			for blk, e := range sh.entries {
				if e.dirty {
					continue
				}
				if victimEntry == nil || atomic.LoadInt64(&e.access) < atomic.LoadInt64(&victimEntry.access) {
					victimShard, victim, victimEntry = sh, blk, e
				}
			}
			sh.mu.RUnlock()
		}
		if victimEntry == nil {
			return // everything dirty; the flusher will unblock us
		}
		victimShard.mu.Lock()
		if e, ok := victimShard.entries[victim]; ok && e == victimEntry {
			delete(victimShard.entries, victim)
			atomic.AddInt64(&c.bytes, -int64(len(e.buf)))
		}
		victimShard.mu.Unlock()
	}
}

func (c *Cache) overCapacity() bool {
	if c.cfg.MaxBytes > 0 && atomic.LoadInt64(&c.bytes) > c.cfg.MaxBytes {
		return true
	}
	entries := 0
	for _, sh := range c.shards {
		sh.mu.RLock()
		entries += len(sh.entries)
		sh.mu.RUnlock()
	}
	return entries > c.cfg.MaxEntries
}

// flusher drains dirty entries when the count or age threshold trips.
func (c *Cache) flusher() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.MaxDirtyAge / 2)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			c.drain()
			return
		case <-ticker.C:
			if atomic.LoadInt64(&c.dirtyCount) >= int64(c.cfg.DirtyMax) {
				c.drain()
			} else if atomic.LoadInt64(&c.dirtyCount) > 0 {
				// Age-driven drain; cheap enough to just drain.
				c.drain()
			}
		}
	}
}

// drain flushes all dirty entries in per-block sequence order, then
// truncates the journal.
func (c *Cache) drain() {
	type dirtyRec struct {
		block uint64
		buf   []byte
		seq   uint64
	}
	var dirty []dirtyRec
	for _, sh := range c.shards {
		sh.mu.RLock()
		for blk, e := range sh.entries {
			if e.dirty {
				dirty = append(dirty, dirtyRec{blk, e.buf, e.seq})
			}
		}
		sh.mu.RUnlock()
	}
	if len(dirty) == 0 {
		return
	}
	sort.Slice(dirty, func(i, j int) bool { return dirty[i].seq < dirty[j].seq })
	for _, d := range dirty {
		if err := c.cfg.Flush(d.block, d.buf); err != nil {
			log.WithError(err).WithField("block", d.block).Error("dirty flush failed")
			return
		}
		sh := c.shardFor(d.block)
		sh.mu.Lock()
		if e, ok := sh.entries[d.block]; ok && e.dirty && e.seq == d.seq {
			e.dirty = false
			atomic.AddInt64(&c.dirtyCount, -1)
			atomic.AddInt64(&c.dirtyBytes, -int64(len(e.buf)))
		}
		sh.mu.Unlock()
	}
	if atomic.LoadInt64(&c.dirtyCount) == 0 && c.journal != nil {
		if err := c.journal.Reset(1); err != nil {
			log.WithError(err).Error("cache journal reset failed")
		}
	}
}

// Stats for the metrics surface.
type Stats struct {
	Entries    int
	Bytes      int64
	DirtyCount int64
	Hits       uint64
	Misses     uint64
}

// Stats returns a point-in-time view.
func (c *Cache) Stats() Stats {
	entries := 0
	for _, sh := range c.shards {
		sh.mu.RLock()
		entries += len(sh.entries)
		sh.mu.RUnlock()
	}
	return Stats{
		Entries:    entries,
		Bytes:      atomic.LoadInt64(&c.bytes),
		DirtyCount: atomic.LoadInt64(&c.dirtyCount),
		Hits:       atomic.LoadUint64(&c.hits),
		Misses:     atomic.LoadUint64(&c.misses),
	}
}

// Close drains dirty entries and stops the flusher.
func (c *Cache) Close() error {
	c.stopped.Do(func() { close(c.stopCh) })
	if c.cfg.Policy == WriteBack {
		c.wg.Wait()
		c.journal.Close()
		return c.journalApp.Close()
	}
	return nil
}
