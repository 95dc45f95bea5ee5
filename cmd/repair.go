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
	"container/heap"
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/shardstore/shardstore/internal/ec"
	"github.com/shardstore/shardstore/internal/hrw"
	"github.com/shardstore/shardstore/internal/logger"
	"github.com/shardstore/shardstore/internal/meta"
)

var repairLog = logger.New("repair")

// repairPriority orders the repair queue. Lower value drains first.
type repairPriority int

// Repair priorities: a stripe at exactly k available shards has zero
// redundancy left and goes first.
const (
	priorityCritical repairPriority = iota
	priorityHigh
	priorityNormal
	priorityLow
)

// scrubInterval is the pause between scrub sweeps.
const scrubInterval = 10 * time.Minute

// repairBandwidth caps scrub+repair disk reads (bytes/s) so
// foreground I/O keeps priority.
const repairBandwidth = 32 << 20

// repairTask names one stripe needing reconstruction.
type repairTask struct {
	priority repairPriority
	seq      uint64 // FIFO within a priority
	bucket   string
	key      string
	stripe   int // index into ObjectMeta.Stripes
	missing  []int
}

type repairQueue []*repairTask

func (q repairQueue) Len() int { return len(q) }
func (q repairQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	return q[i].seq < q[j].seq
}
func (q repairQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *repairQueue) Push(x interface{}) { *q = append(*q, x.(*repairTask)) }
func (q *repairQueue) Pop() interface{} {
	old := *q
	n := len(old)
	x := old[n-1]
	*q = old[:n-1]
	return x
}

// repairManager scrubs local shards and reconstructs damaged stripes
// of objects this OSD is primary for.
type repairManager struct {
	store   *osdStore
	ccs     *ccsClient
	pool    *osdClientPool
	limiter *rate.Limiter

	mu    sync.Mutex
	queue repairQueue
	seq   uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func newRepairManager(store *osdStore, ccs *ccsClient) *repairManager {
	return &repairManager{
		store:   store,
		ccs:     ccs,
		pool:    newOSDClientPool(),
		limiter: rate.NewLimiter(rate.Limit(repairBandwidth), repairBandwidth),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the scrub and repair loops.
func (rm *repairManager) Start() {
	rm.wg.Add(2)
	go rm.scrubLoop()
	go rm.repairLoop()
}

// Stop terminates both loops.
func (rm *repairManager) Stop() {
	close(rm.stopCh)
	rm.wg.Wait()
}

func (rm *repairManager) enqueue(t *repairTask) {
	rm.mu.Lock()
	rm.seq++
	t.seq = rm.seq
	heap.Push(&rm.queue, t)
	metricRepairQueueDepth.Set(float64(rm.queue.Len()))
	rm.mu.Unlock()
}

func (rm *repairManager) dequeue() *repairTask {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.queue.Len() == 0 {
		return nil
	}
	t := heap.Pop(&rm.queue).(*repairTask)
	metricRepairQueueDepth.Set(float64(rm.queue.Len()))
	return t
}

// scrubLoop periodically verifies local shards and probes the health
// of stripes this OSD owns metadata for.
func (rm *repairManager) scrubLoop() {
	defer rm.wg.Done()
	ticker := time.NewTicker(scrubInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rm.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), scrubInterval)
			rm.scrubLocalShards(ctx)
			rm.scanPrimaryObjects(ctx)
			cancel()
		}
	}
}

// scrubLocalShards re-reads every local block, which verifies its
// checksums, and stamps last_verified.
func (rm *repairManager) scrubLocalShards(ctx context.Context) {
	for _, e := range rm.store.mstore.Scan([]byte{'s'}) {
		select {
		case <-rm.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
		var sm ShardMeta
		if err := json.Unmarshal(e.Value, &sm); err != nil {
			continue
		}
		if err := rm.limiter.WaitN(ctx, int(sm.ByteLength)+1); err != nil {
			return
		}
		objectID, stripeID, position, ok := meta.ParseShardKey(e.Key)
		if !ok {
			continue
		}
		_, err := rm.store.ReadShard(ctx, objectID, stripeID, position)
		if err != nil {
			repairLog.WithError(err).WithField("block", sm.BlockNumber).
				Warn("scrub found unreadable shard")
			continue
		}
		sm.LastVerified = time.Now().UTC()
		raw, _ := json.Marshal(&sm)
		if _, err := rm.store.mstore.Put(ctx, e.Key, raw); err != nil {
			return
		}
	}
}

// scanPrimaryObjects probes every stripe of every object whose
// metadata lives here and enqueues repairs for missing shards.
func (rm *repairManager) scanPrimaryObjects(ctx context.Context) {
	for _, e := range rm.store.mstore.Scan([]byte{'o'}) {
		select {
		case <-rm.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
		var om ObjectMeta
		if err := json.Unmarshal(e.Value, &om); err != nil {
			continue
		}
		for i := range om.Stripes {
			sm := &om.Stripes[i]
			missing := rm.probeStripe(ctx, &om, sm)
			if len(missing) == 0 {
				continue
			}
			total := sm.Params().Total()
			available := total - len(missing)
			k := sm.K
			var prio repairPriority
			switch {
			case available <= k:
				prio = priorityCritical
			case available == k+1:
				prio = priorityHigh
			case available < total:
				prio = priorityNormal
			default:
				prio = priorityLow
			}
			rm.enqueue(&repairTask{
				priority: prio,
				bucket:   om.Bucket,
				key:      om.Key,
				stripe:   i,
				missing:  missing,
			})
		}
	}
}

// probeStripe reads each shard location and reports unreachable or
// corrupt positions. Tombstoned shards count as missing outright.
func (rm *repairManager) probeStripe(ctx context.Context, om *ObjectMeta, sm *StripeMeta) []int {
	var missing []int
	for _, loc := range sm.Shards {
		if loc.Tombstone {
			missing = append(missing, loc.Position)
			continue
		}
		if err := rm.limiter.WaitN(ctx, int(loc.ByteLength)+1); err != nil {
			return missing
		}
		payload, err := rm.pool.get(loc.Addr).ReadShard(ctx, loc.DiskID, om.ObjectID, sm.StripeID, loc.Position)
		if err != nil || crcOf(payload) != loc.CRC32C {
			missing = append(missing, loc.Position)
		}
	}
	return missing
}

// repairLoop drains the priority queue.
func (rm *repairManager) repairLoop() {
	defer rm.wg.Done()
	for {
		select {
		case <-rm.stopCh:
			return
		case <-time.After(time.Second):
		}
		for {
			task := rm.dequeue()
			if task == nil {
				break
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			if err := rm.repairStripe(ctx, task); err != nil {
				repairLog.WithError(err).WithFields(logger.Fields{
					"bucket": task.bucket, "key": task.key, "stripe": task.stripe,
				}).Warn("stripe repair failed")
			}
			cancel()
		}
	}
}

// repairStripe reconstructs the missing shards of one stripe and
// republishes the stripe's locations with a compare-and-set. A
// concurrent overwrite of the object wins the race; the repair is
// retried against the new metadata next sweep.
func (rm *repairManager) repairStripe(ctx context.Context, task *repairTask) error {
	om, err := rm.store.GetObjectMeta(task.bucket, task.key)
	if err != nil {
		return err
	}
	if task.stripe >= len(om.Stripes) {
		return nil // object rewritten meanwhile
	}
	sm := &om.Stripes[task.stripe]
	params := sm.Params()
	codec, err := ec.NewCodec(params)
	if err != nil {
		return err
	}
	total := params.Total()

	missingSet := map[int]bool{}
	for _, pos := range task.missing {
		missingSet[pos] = true
	}

	// LRC fast path: one missing shard in a healthy local group reads
	// only group_size shards instead of k.
	shards := make([][]byte, total)
	reconstructed := map[int][]byte{}
	if params.Type == ec.TypeLRC && len(task.missing) == 1 {
		pos := task.missing[0]
		if payload, err := rm.localRecover(ctx, om, sm, codec, pos); err == nil {
			reconstructed[pos] = payload
		}
	}
	if len(reconstructed) == 0 {
		// Full decode: fetch healthy shards until k plus the number
		// missing are in hand, reconstruct.
		fetched := 0
		for _, loc := range sm.Shards {
			if missingSet[loc.Position] || loc.Tombstone {
				continue
			}
			payload, err := rm.pool.get(loc.Addr).ReadShard(ctx, loc.DiskID, om.ObjectID, sm.StripeID, loc.Position)
			if err != nil || crcOf(payload) != loc.CRC32C {
				continue
			}
			shards[loc.Position] = payload
			fetched++
			if fetched >= params.K+len(task.missing) {
				break
			}
		}
		if err := codec.Decode(shards); err != nil {
			return err
		}
		for pos := range missingSet {
			reconstructed[pos] = shards[pos]
		}
	}

	// Write reconstructed shards to fresh placements on the current
	// topology; a disk that failed is Down there and never re-chosen.
	topo, err := rm.ccs.Topology(ctx)
	if err != nil {
		return err
	}
	sc, err := rm.ccs.BucketClass(ctx, om.Bucket)
	if err != nil {
		sc = StorageClass{Protection: params, FailureDomain: hrw.LevelNode}
	}
	placement, err := hrw.Place(om.Bucket, om.Key, sm.StripeID, sc.PlacementSpec(), topo.Topology)
	if err != nil {
		return err
	}

	for pos, payload := range reconstructed {
		target := placement[pos]
		// Drop the stale copy first: a corrupt block at the same
		// (object, stripe, position) would otherwise satisfy the
		// idempotent-retry check and the rewrite would never land.
		old := sm.Shards[pos]
		if !old.Tombstone {
			if err := rm.pool.get(old.Addr).DeleteShard(ctx, old.DiskID, om.ObjectID, sm.StripeID, pos); err != nil {
				repairLog.WithError(err).WithField("position", pos).
					Debug("stale shard delete failed before rewrite")
			}
		}
		res, err := rm.pool.get(target.Addr).WriteShard(ctx, target.DiskID, writeShardArgs{
			ObjectID:   om.ObjectID,
			StripeID:   sm.StripeID,
			Position:   uint8(pos),
			ECType:     params.Type,
			ECK:        uint8(params.K),
			ECM:        uint8(total - params.K),
			LocalGroup: int8(params.GroupOf(pos)),
		}, payload)
		if err != nil {
			return err
		}
		sm.Shards[pos] = ShardLocation{
			Position:    pos,
			NodeID:      target.NodeID,
			DiskID:      target.DiskID,
			Addr:        target.Addr,
			BlockNumber: res.BlockNumber,
			ByteLength:  res.ByteLength,
			CRC32C:      res.CRC32C,
		}
	}

	// CAS keyed on the version we read; a racing PUT wins.
	return rm.store.PutObjectMeta(ctx, om, om.Version)
}

// localRecover executes the LRC group XOR using only the missing
// position's group members.
func (rm *repairManager) localRecover(ctx context.Context, om *ObjectMeta, sm *StripeMeta, codec ec.Codec, missing int) ([]byte, error) {
	params := codec.Parameters()
	group := params.GroupOf(missing)
	if group < 0 {
		return nil, ec.ErrNotLocallyRecoverable
	}
	shards := make([][]byte, params.Total())
	for _, loc := range sm.Shards {
		if loc.Position == missing || params.GroupOf(loc.Position) != group || loc.Tombstone {
			continue
		}
		payload, err := rm.pool.get(loc.Addr).ReadShard(ctx, loc.DiskID, om.ObjectID, sm.StripeID, loc.Position)
		if err != nil || crcOf(payload) != loc.CRC32C {
			return nil, ec.ErrNotLocallyRecoverable
		}
		shards[loc.Position] = payload
	}
	return codec.TryLocalRecovery(shards, missing)
}
