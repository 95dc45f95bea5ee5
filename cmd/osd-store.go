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
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/shardstore/shardstore/internal/bitmap"
	"github.com/shardstore/shardstore/internal/blockcache"
	"github.com/shardstore/shardstore/internal/ec"
	"github.com/shardstore/shardstore/internal/format"
	"github.com/shardstore/shardstore/internal/logger"
	"github.com/shardstore/shardstore/internal/meta"
	"github.com/shardstore/shardstore/internal/rawio"
	"github.com/shardstore/shardstore/internal/wal"
)

var osdLog = logger.New("osd")

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// mountGraceWindow: a last-mount timestamp within this window of now
// suggests the previous process did not shut down cleanly.
const mountGraceWindow = 2 * time.Minute

// primaryCheckFunc answers whether this OSD is primary for an object.
// The OSD server wires it to the placement engine; tests may leave it
// nil to disable the check.
type primaryCheckFunc func(bucket, key string) (bool, error)

// osdStore is the local storage engine of one disk: raw device layout,
// data WAL, block allocator, metadata store and block cache.
type osdStore struct {
	nodeID string
	diskID string

	dev *rawio.File
	sb  *format.Superblock

	walLog *wal.Log
	walApp *wal.RegionAppender

	alloc  *bitmap.Bitmap
	mstore *meta.Store
	bcache *blockcache.Cache

	nsLock *nsLockMap

	txnSeq   uint64
	blockSeq uint64

	primaryCheck primaryCheckFunc

	topologyVersion uint64 // last version seen via heartbeat
	fatal           int32
}

// formatDisk initializes a raw device or backing file with the
// superblock, a zeroed first WAL page and an empty bitmap.
func formatDisk(path string, diskSize, walSize uint64, blockSize uint32) error {
	sb, err := format.NewSuperblock(diskSize, walSize, blockSize, uint64(time.Now().Unix()))
	if err != nil {
		return err
	}
	dev, err := rawio.Create(path, int64(diskSize))
	if err != nil {
		return err
	}
	defer dev.Close()

	sbuf := rawio.AlignedBlock(format.SuperblockSize)
	copy(sbuf, sb.MarshalBinary())
	if err = dev.WriteAt(sbuf, 0); err != nil {
		return err
	}
	// Zero the first WAL page and the bitmap region so neither replays
	// stale bytes.
	zero := rawio.AlignedBlock(rawio.BlockSize)
	if err = dev.WriteAt(zero, int64(sb.WALOffset)); err != nil {
		return err
	}
	for off := uint64(0); off < sb.BitmapSize; off += rawio.BlockSize {
		if err = dev.WriteAt(zero, int64(sb.BitmapOffset+off)); err != nil {
			return err
		}
	}
	return dev.Flush()
}

// mountDisk opens a formatted device and recovers it to a consistent
// state: superblock checks, cache journal replay, data WAL replay,
// then a fresh checkpoint.
func mountDisk(path, metaDir string, cfg Config) (*osdStore, error) {
	dev, err := rawio.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "opening device %s", path)
	}
	sbuf := rawio.AlignedBlock(format.SuperblockSize)
	if err = dev.ReadAt(sbuf, 0); err != nil {
		dev.Close()
		return nil, errors.Wrap(err, "reading superblock")
	}
	sb, err := format.UnmarshalSuperblock(sbuf)
	if err != nil {
		dev.Close()
		return nil, errors.Wrapf(err, "superblock of %s rejected", path)
	}

	now := time.Now()
	if last := time.Unix(int64(sb.LastMount), 0); now.Sub(last) < mountGraceWindow {
		osdLog.WithField("last_mount", last).
			Warn("previous shutdown may have been unclean; relying on WAL replay")
	}
	sb.LastMount = uint64(now.Unix())
	sb.MountCount++
	copy(sbuf, sb.MarshalBinary())
	if err = dev.WriteAt(sbuf, 0); err != nil {
		dev.Close()
		return nil, err
	}
	if err = dev.Flush(); err != nil {
		dev.Close()
		return nil, err
	}

	s := &osdStore{
		nodeID:   cfg.OSD.NodeID,
		diskID:   sb.DiskUUID.String(),
		dev:      dev,
		sb:       sb,
		nsLock:   newNSLockMap(),
		blockSeq: sb.MountCount << 32,
	}

	// Block cache before WAL replay: journal recovery restores data-
	// region bytes that committed transactions depend on.
	if cfg.Storage.Cache.BlockCache.Enabled {
		policy, err := blockcache.ParsePolicy(cfg.Storage.Cache.BlockCache.Policy)
		if err != nil {
			dev.Close()
			return nil, err
		}
		bc, err := blockcache.New(blockcache.Config{
			Policy:       policy,
			MaxBytes:     cfg.Storage.Cache.BlockCache.SizeMB << 20,
			MaxEntries:   4096,
			JournalPath:  filepath.Join(metaDir, "cache_journal.log"),
			DirtyHardCap: (cfg.Storage.Cache.BlockCache.SizeMB << 20) / 2,
			Flush:        s.flushBlock,
		})
		if err != nil {
			dev.Close()
			return nil, err
		}
		s.bcache = bc
	}

	// Load the persisted bitmap, then correct it from the WAL.
	bmBuf := rawio.AlignedBlock(int(sb.BitmapSize))
	if err = dev.ReadAt(bmBuf, int64(sb.BitmapOffset)); err != nil {
		dev.Close()
		return nil, errors.Wrap(err, "reading block bitmap")
	}
	s.alloc = bitmap.Load(bmBuf, sb.TotalBlocks)

	mcfg := meta.DefaultConfig(metaDir)
	mcfg.SnapshotThreshold = cfg.Storage.Metadata.SnapshotThreshold
	mcfg.SnapshotRetention = cfg.Storage.Metadata.SnapshotRetention
	mcfg.CacheSize = cfg.Storage.Metadata.CacheSize
	s.mstore, err = meta.Open(mcfg)
	if err != nil {
		dev.Close()
		return nil, errors.Wrap(err, "opening metadata store")
	}

	if err = s.replayDataWAL(); err != nil {
		s.mstore.Close()
		dev.Close()
		return nil, errors.Wrap(err, "replaying data WAL")
	}
	return s, nil
}

// replayDataWAL scans the WAL region, applies committed transactions
// to the bitmap, frees reservations of uncommitted ones, then truncates
// the log and writes a fresh checkpoint. It touches only the bitmap; no
// metadata store entries are written or removed here.
func (s *osdStore) replayDataWAL() error {
	type txnState struct {
		writes    []walRecord
		deletes   []uint64
		committed bool
	}
	txns := map[uint64]*txnState{}
	order := []uint64{}
	var lastLSN uint64
	var walEnd int64

	rr := wal.NewRegionReader(s.dev, int64(s.sb.WALOffset), int64(s.sb.WALSize))
	err := format.ReplayRecords(rr, format.DataWALMagic, func(lsn uint64, payload []byte) error {
		rec, derr := decodeWALRecord(payload)
		if derr != nil {
			osdLog.WithError(derr).Warn("skipping undecodable data WAL record")
			return nil
		}
		lastLSN = lsn
		walEnd += int64(format.RecordSize(len(payload)))
		st := txns[rec.TxnID]
		if st == nil && rec.Type != walRecCheckpoint {
			st = &txnState{}
			txns[rec.TxnID] = st
			order = append(order, rec.TxnID)
		}
		switch rec.Type {
		case walRecWriteBlock:
			st.writes = append(st.writes, *rec)
		case walRecDelete:
			st.deletes = append(st.deletes, rec.Block)
		case walRecCommit:
			st.committed = true
		case walRecAbort:
			st.committed = false
			st.writes = nil
			st.deletes = nil
		}
		return nil
	})
	if err != nil {
		return err
	}

	ctx := context.Background()
	for _, txnID := range order {
		st := txns[txnID]
		if st.committed {
			for _, w := range st.writes {
				s.alloc.MarkAllocated([]uint64{w.Block})
			}
			s.alloc.Free(st.deletes)
		} else {
			// No Commit record: roll the reservation back.
			for _, w := range st.writes {
				s.alloc.Free([]uint64{w.Block})
			}
		}
	}

	// Everything recovered is now reflected in memory; persist the
	// bitmap, restart the log and leave a checkpoint marker.
	s.walApp = wal.NewRegionAppender(s.dev, int64(s.sb.WALOffset), int64(s.sb.WALSize), 0, nil)
	if err := s.walApp.Reset(); err != nil {
		return err
	}
	s.walLog = wal.NewLog(s.walApp, format.DataWALMagic, lastLSN+1)
	if err := s.persistBitmap(); err != nil {
		return err
	}
	cp := walRecord{Type: walRecCheckpoint, Sequence: lastLSN, Timestamp: uint64(time.Now().Unix())}
	if _, err := s.walLog.Append(ctx, cp.encode()); err != nil {
		return err
	}
	return nil
}

// persistBitmap writes the in-memory bitmap into its disk region.
func (s *osdStore) persistBitmap() error {
	raw := s.alloc.Bytes()
	buf := rawio.AlignedBlock(int(s.sb.BitmapSize))
	copy(buf, raw)
	if err := s.dev.WriteAt(buf, int64(s.sb.BitmapOffset)); err != nil {
		return err
	}
	return s.dev.Flush()
}

// checkpoint captures allocator and metadata state and truncates the
// data WAL. Runs when the WAL passes half its region capacity.
func (s *osdStore) checkpoint(ctx context.Context) error {
	if err := s.persistBitmap(); err != nil {
		return err
	}
	if err := s.mstore.Snapshot(); err != nil {
		return err
	}
	lsn := s.walLog.LastLSN()
	if err := s.walLog.Reset(lsn + 1); err != nil {
		return err
	}
	cp := walRecord{Type: walRecCheckpoint, Sequence: lsn, Timestamp: uint64(time.Now().Unix())}
	_, err := s.walLog.Append(ctx, cp.encode())
	return err
}

func (s *osdStore) maybeCheckpoint(ctx context.Context) {
	if s.walLog.Size() > int64(s.sb.WALSize)/2 {
		if err := s.checkpoint(ctx); err != nil {
			osdLog.WithError(err).Error("checkpoint failed")
		}
	}
}

// flushBlock writes one fully framed block durably to the data region.
// Used directly and as the block cache flush callback.
func (s *osdStore) flushBlock(block uint64, buf []byte) error {
	if uint32(len(buf)) != s.sb.BlockSize {
		return errors.Errorf("flush of mis-sized block: %d bytes", len(buf))
	}
	aligned := rawio.AlignedBlock(len(buf))
	copy(aligned, buf)
	if err := s.dev.WriteAt(aligned, int64(s.sb.BlockOffset(block))); err != nil {
		return err
	}
	return s.dev.Flush()
}

// readBlock reads and returns one raw block from the data region.
func (s *osdStore) readBlock(block uint64) ([]byte, error) {
	buf := rawio.AlignedBlock(int(s.sb.BlockSize))
	if err := s.dev.ReadAt(buf, int64(s.sb.BlockOffset(block))); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteShard stores one shard payload transactionally. Idempotent by
// (object, stripe, position): a retry meeting a committed shard with
// the same payload CRC succeeds with the original location.
func (s *osdStore) WriteShard(ctx context.Context, args writeShardArgs, payload []byte) (*writeShardResult, error) {
	if uint32(len(payload)) > s.sb.MaxPayload() {
		return nil, errors.Wrapf(errBadInput, "payload %d exceeds block capacity %d",
			len(payload), s.sb.MaxPayload())
	}
	triple := nsParam{objectID: args.ObjectID, stripeID: args.StripeID, position: args.Position}
	s.nsLock.Lock(triple)
	defer s.nsLock.Unlock(triple)

	payloadCRC := format.Checksum(payload)
	shardKey := meta.ShardKey(args.ObjectID, args.StripeID, args.Position)
	if raw, ok := s.mstore.Get(shardKey); ok {
		var existing ShardMeta
		if err := json.Unmarshal(raw, &existing); err == nil {
			if existing.CRC32C == payloadCRC {
				return &writeShardResult{
					BlockNumber: existing.BlockNumber,
					ByteLength:  existing.ByteLength,
					CRC32C:      existing.CRC32C,
				}, nil
			}
			return nil, errConflictShard
		}
	}

	txnID := atomic.AddUint64(&s.txnSeq, 1)
	begin := walRecord{
		Type:      walRecBeginTxn,
		TxnID:     txnID,
		ObjectID:  args.ObjectID,
		Timestamp: uint64(time.Now().Unix()),
	}
	if _, err := s.walLog.Append(ctx, begin.encode()); err != nil {
		return nil, err
	}

	blocks, err := s.alloc.Allocate(1)
	if err != nil {
		s.abortTxn(ctx, txnID, "allocation failed")
		return nil, err
	}
	block := blocks[0]

	// The reservation is logged before any data-region write; a crash
	// between here and Commit re-frees the block on replay.
	wb := walRecord{
		Type:      walRecWriteBlock,
		TxnID:     txnID,
		BlockUUID: uuid.New(),
		Block:     block,
		Length:    uint32(len(payload)),
		CRC32C:    payloadCRC,
	}
	if _, err = s.walLog.Append(ctx, wb.encode()); err != nil {
		s.alloc.Free(blocks)
		return nil, err
	}

	blockType := format.BlockTypeData
	if kind := (ec.Params{Type: args.ECType, K: int(args.ECK), M: int(args.ECM)}).Kind(int(args.Position)); kind != ec.KindData {
		blockType = format.BlockTypeParity
	}
	hdr := format.BlockHeader{
		Type:       blockType,
		ECKind:     uint8(args.ECType),
		LocalGroup: uint8(args.LocalGroup),
		BlockUUID:  wb.BlockUUID,
		ObjectID:   args.ObjectID,
		StripeID:   args.StripeID,
		Position:   args.Position,
		ECK:        args.ECK,
		ECM:        args.ECM,
		PayloadLen: uint32(len(payload)),
		Sequence:   atomic.AddUint64(&s.blockSeq, 1),
	}
	hdrBytes := hdr.MarshalBinary()
	footer := format.NewBlockFooter(hdrBytes, payload)

	blockBuf := make([]byte, s.sb.BlockSize)
	copy(blockBuf, hdrBytes)
	copy(blockBuf[format.BlockHeaderSize:], payload)
	copy(blockBuf[s.sb.BlockSize-format.BlockFooterSize:], footer.MarshalBinary())

	if err = s.writeBlockData(ctx, block, blockBuf); err != nil {
		s.abortTxn(ctx, txnID, "data write failed")
		s.alloc.Free(blocks)
		return nil, err
	}

	commit := walRecord{Type: walRecCommit, TxnID: txnID, Timestamp: uint64(time.Now().Unix())}
	if _, err = s.walLog.Append(ctx, commit.encode()); err != nil {
		return nil, err
	}

	sm := ShardMeta{
		BlockNumber: block,
		ByteLength:  uint32(len(payload)),
		CRC32C:      payloadCRC,
		ECType:      args.ECType,
		LocalGroup:  args.LocalGroup,
		CreatedAt:   time.Now().UTC(),
	}
	smBytes, _ := json.Marshal(&sm)
	hintBytes, _ := json.Marshal(&hdr)
	if _, err = s.mstore.Batch(ctx, []meta.Op{
		{Key: shardKey, Value: smBytes},
		{Key: meta.BlockKey(block), Value: hintBytes},
	}); err != nil {
		return nil, err
	}

	s.maybeCheckpoint(ctx)
	metricShardWrites.WithLabelValues("ok").Inc()
	return &writeShardResult{BlockNumber: block, ByteLength: sm.ByteLength, CRC32C: sm.CRC32C}, nil
}

// writeBlockData routes a block write through the cache policy, or
// straight to the device when the cache is disabled.
func (s *osdStore) writeBlockData(ctx context.Context, block uint64, buf []byte) error {
	if s.bcache != nil {
		return s.bcache.WriteBlock(ctx, block, buf)
	}
	return s.flushBlock(block, buf)
}

func (s *osdStore) abortTxn(ctx context.Context, txnID uint64, reason string) {
	ab := walRecord{Type: walRecAbort, TxnID: txnID, Reason: reason}
	if _, err := s.walLog.Append(ctx, ab.encode()); err != nil {
		osdLog.WithError(err).Error("abort record append failed")
	}
}

// ReadShard returns the verified payload of a stored shard.
func (s *osdStore) ReadShard(ctx context.Context, objectID uuid.UUID, stripeID uint64, position uint8) ([]byte, error) {
	raw, ok := s.mstore.Get(meta.ShardKey(objectID, stripeID, position))
	if !ok {
		return nil, errNoSuchKey
	}
	var sm ShardMeta
	if err := json.Unmarshal(raw, &sm); err != nil {
		return nil, err
	}

	var blockBuf []byte
	if s.bcache != nil {
		if cached, ok := s.bcache.Get(sm.BlockNumber); ok {
			blockBuf = cached
		}
	}
	if blockBuf == nil {
		var err error
		blockBuf, err = s.readBlock(sm.BlockNumber)
		if err != nil {
			return nil, err
		}
		if s.bcache != nil {
			s.bcache.PutClean(sm.BlockNumber, blockBuf)
		}
	}

	hdrBytes := blockBuf[:format.BlockHeaderSize]
	hdr, err := format.UnmarshalBlockHeader(hdrBytes)
	if err != nil {
		return nil, errCorruptShard
	}
	if hdr.PayloadLen != sm.ByteLength || hdr.ObjectID != objectID {
		return nil, errCorruptShard
	}
	payload := blockBuf[format.BlockHeaderSize : format.BlockHeaderSize+int(hdr.PayloadLen)]
	footer, err := format.UnmarshalBlockFooter(blockBuf[s.sb.BlockSize-format.BlockFooterSize:])
	if err != nil {
		return nil, errCorruptShard
	}
	if err := footer.Verify(hdrBytes, payload); err != nil {
		metricShardReads.WithLabelValues("corrupt").Inc()
		return nil, errCorruptShard
	}
	metricShardReads.WithLabelValues("ok").Inc()
	return append([]byte(nil), payload...), nil
}

// DeleteShard frees a shard's block transactionally. Idempotent.
func (s *osdStore) DeleteShard(ctx context.Context, objectID uuid.UUID, stripeID uint64, position uint8) error {
	triple := nsParam{objectID: objectID, stripeID: stripeID, position: position}
	s.nsLock.Lock(triple)
	defer s.nsLock.Unlock(triple)

	shardKey := meta.ShardKey(objectID, stripeID, position)
	raw, ok := s.mstore.Get(shardKey)
	if !ok {
		return nil
	}
	var sm ShardMeta
	if err := json.Unmarshal(raw, &sm); err != nil {
		return err
	}

	txnID := atomic.AddUint64(&s.txnSeq, 1)
	begin := walRecord{Type: walRecBeginTxn, TxnID: txnID, ObjectID: objectID,
		Timestamp: uint64(time.Now().Unix())}
	if _, err := s.walLog.Append(ctx, begin.encode()); err != nil {
		return err
	}
	del := walRecord{Type: walRecDelete, TxnID: txnID, Block: sm.BlockNumber}
	if _, err := s.walLog.Append(ctx, del.encode()); err != nil {
		return err
	}
	commit := walRecord{Type: walRecCommit, TxnID: txnID, Timestamp: uint64(time.Now().Unix())}
	if _, err := s.walLog.Append(ctx, commit.encode()); err != nil {
		return err
	}

	if _, err := s.mstore.Batch(ctx, []meta.Op{
		{Delete: true, Key: shardKey},
		{Delete: true, Key: meta.BlockKey(sm.BlockNumber)},
	}); err != nil {
		return err
	}
	s.alloc.Free([]uint64{sm.BlockNumber})
	if s.bcache != nil {
		s.bcache.Invalidate(sm.BlockNumber)
	}
	s.maybeCheckpoint(ctx)
	return nil
}

// objectLockParam derives a lock key for ObjectMeta serialization.
func objectLockParam(bucket, key string) nsParam {
	return nsParam{objectID: uuid.NewSHA1(uuid.NameSpaceOID, []byte(bucket+"\x00"+key))}
}

// PutObjectMeta stores an object's metadata record. Only the primary
// OSD accepts it. With expectVersion > 0 the call is a compare-and-set
// used by the repair manager; a plain PUT overwrites unconditionally.
func (s *osdStore) PutObjectMeta(ctx context.Context, om *ObjectMeta, expectVersion uint64) error {
	if s.primaryCheck != nil {
		primary, err := s.primaryCheck(om.Bucket, om.Key)
		if err != nil {
			return err
		}
		if !primary {
			return errNotPrimary
		}
	}
	lock := objectLockParam(om.Bucket, om.Key)
	s.nsLock.Lock(lock)
	defer s.nsLock.Unlock(lock)

	objKey := meta.ObjectKey(om.Bucket, om.Key)
	var current uint64
	if raw, ok := s.mstore.Get(objKey); ok {
		var existing ObjectMeta
		if err := json.Unmarshal(raw, &existing); err == nil {
			current = existing.Version
		}
	}
	if expectVersion > 0 && expectVersion != current {
		return errCASMismatch
	}
	om.Version = current + 1
	raw, err := json.Marshal(om)
	if err != nil {
		return err
	}
	_, err = s.mstore.Put(ctx, objKey, raw)
	return err
}

// GetObjectMeta loads an object's metadata record from the primary.
func (s *osdStore) GetObjectMeta(bucket, key string) (*ObjectMeta, error) {
	if s.primaryCheck != nil {
		primary, err := s.primaryCheck(bucket, key)
		if err != nil {
			return nil, err
		}
		if !primary {
			return nil, errNotPrimary
		}
	}
	raw, ok := s.mstore.Get(meta.ObjectKey(bucket, key))
	if !ok {
		return nil, errNoSuchKey
	}
	om := &ObjectMeta{}
	if err := json.Unmarshal(raw, om); err != nil {
		return nil, err
	}
	return om, nil
}

// DeleteObjectMeta removes the metadata record. Shard deletion on the
// stripe OSDs follows it.
func (s *osdStore) DeleteObjectMeta(ctx context.Context, bucket, key string) error {
	lock := objectLockParam(bucket, key)
	s.nsLock.Lock(lock)
	defer s.nsLock.Unlock(lock)
	_, err := s.mstore.Delete(ctx, meta.ObjectKey(bucket, key))
	return err
}

// ListObjectMeta returns one page of this OSD's objects for a bucket
// prefix, resuming after cursor (an object key name).
func (s *osdStore) ListObjectMeta(bucket, prefix, cursor string, limit int) (*listPage, error) {
	if limit <= 0 {
		limit = 1000
	}
	scanPrefix := meta.ObjectPrefix(bucket, prefix)
	from := scanPrefix
	if cursor != "" {
		// Resume strictly after the cursor key.
		from = append(meta.ObjectKey(bucket, cursor), 0)
	}
	entries := s.mstore.ScanRange(scanPrefix, from, limit+1)
	page := &listPage{Exhausted: len(entries) <= limit}
	if !page.Exhausted {
		entries = entries[:limit]
	}
	for _, e := range entries {
		var om ObjectMeta
		if err := json.Unmarshal(e.Value, &om); err != nil {
			continue
		}
		page.Objects = append(page.Objects, om)
	}
	if n := len(page.Objects); n > 0 {
		page.NextKey = page.Objects[n-1].Key
	}
	return page, nil
}

// Stats reports the disk's heartbeat payload and refreshes the
// exported gauges.
func (s *osdStore) Stats() DiskStats {
	shardCount := uint64(0)
	for range s.mstore.Scan([]byte{'s'}) {
		shardCount++
	}
	ms := s.mstore.Stats()
	metricMetaEntries.WithLabelValues(s.diskID).Set(float64(ms.EntryCount))
	metricCacheHitRatio.WithLabelValues("metadata", s.diskID).Set(ms.HitRatio)
	if s.bcache != nil {
		cs := s.bcache.Stats()
		if cs.Hits+cs.Misses > 0 {
			metricCacheHitRatio.WithLabelValues("block", s.diskID).
				Set(float64(cs.Hits) / float64(cs.Hits+cs.Misses))
		}
	}
	return DiskStats{
		DiskID:          s.diskID,
		TotalBlocks:     s.alloc.TotalCount(),
		FreeBlocks:      s.alloc.FreeCount(),
		BlockSize:       s.sb.BlockSize,
		ShardCount:      shardCount,
		TopologyVersion: atomic.LoadUint64(&s.topologyVersion),
	}
}

// RebuildIndex scans the header of every block and reconstructs
// shard metadata and the bitmap from the data region alone. Disaster
// recovery only; normal mounts never need it.
func (s *osdStore) RebuildIndex(ctx context.Context) error {
	rebuilt := bitmap.New(s.sb.TotalBlocks)
	var ops []meta.Op
	page := rawio.AlignedBlock(rawio.BlockSize)
	for block := uint64(0); block < s.sb.TotalBlocks; block++ {
		if err := s.dev.ReadAt(page, int64(s.sb.BlockOffset(block))); err != nil {
			return err
		}
		hdr, err := format.UnmarshalBlockHeader(page[:format.BlockHeaderSize])
		if err != nil {
			continue // free or torn block
		}
		full, err := s.readBlock(block)
		if err != nil {
			return err
		}
		payload := full[format.BlockHeaderSize : format.BlockHeaderSize+int(hdr.PayloadLen)]
		footer, err := format.UnmarshalBlockFooter(full[s.sb.BlockSize-format.BlockFooterSize:])
		if err != nil || footer.Verify(full[:format.BlockHeaderSize], payload) != nil {
			continue
		}
		rebuilt.MarkAllocated([]uint64{block})
		sm := ShardMeta{
			BlockNumber: block,
			ByteLength:  hdr.PayloadLen,
			CRC32C:      format.Checksum(payload),
			ECType:      ec.Type(hdr.ECKind),
			LocalGroup:  int8(hdr.LocalGroup),
			CreatedAt:   time.Now().UTC(),
		}
		smBytes, _ := json.Marshal(&sm)
		hintBytes, _ := json.Marshal(hdr)
		ops = append(ops,
			meta.Op{Key: meta.ShardKey(hdr.ObjectID, hdr.StripeID, hdr.Position), Value: smBytes},
			meta.Op{Key: meta.BlockKey(block), Value: hintBytes},
		)
	}
	if _, err := s.mstore.Batch(ctx, ops); err != nil {
		return err
	}
	s.alloc = rebuilt
	return s.persistBitmap()
}

// markFatal takes the disk out of service after an unmaskable error.
// The process keeps running; the repair manager handles the fallout.
func (s *osdStore) markFatal(err error) {
	if atomic.CompareAndSwapInt32(&s.fatal, 0, 1) {
		osdLog.WithError(err).WithField("disk", s.diskID).
			Error("disk marked out of service")
	}
}

func (s *osdStore) isFatal() bool {
	return atomic.LoadInt32(&s.fatal) != 0
}

// Close checkpoints and shuts the engine down.
func (s *osdStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if s.bcache != nil {
		s.bcache.Close()
	}
	if err := s.checkpoint(ctx); err != nil {
		osdLog.WithError(err).Warn("final checkpoint failed")
	}
	s.walLog.Close()
	if err := s.mstore.Close(); err != nil {
		osdLog.WithError(err).Warn("metadata store close failed")
	}
	return s.dev.Close()
}
