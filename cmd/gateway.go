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
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/shardstore/shardstore/internal/ec"
	"github.com/shardstore/shardstore/internal/format"
	"github.com/shardstore/shardstore/internal/hrw"
	"github.com/shardstore/shardstore/internal/logger"
)

var gwLog = logger.New("gateway")

// maxShardBytes is the payload capacity of one data block with the
// default block size, rounded down to the codec's shard alignment so
// the padded shards of a full stripe still fit in one block.
const maxShardBytes = (format.DefaultBlockSize - format.BlockHeaderSize - format.BlockFooterSize) / ec.ShardAlignment * ec.ShardAlignment

// extraAckWindow is how long a stripe write keeps collecting acks past
// quorum before tombstoning the stragglers for the repair manager.
const extraAckWindow = 250 * time.Millisecond

// gatewayEngine is the stateless stripe orchestrator: it owns no
// persistent state, only clients to the CCS and the OSDs.
type gatewayEngine struct {
	ccs      *ccsClient
	pool     *osdClientPool
	tokenKey []byte // signs listing continuation tokens
}

func newGatewayEngine(ccs *ccsClient, tokenKey []byte) *gatewayEngine {
	return &gatewayEngine{ccs: ccs, pool: newOSDClientPool(), tokenKey: tokenKey}
}

// placeStripe computes a stripe's placement. Placement varies per
// stripe (the stripe id is folded into the seed), spreading large
// objects across OSDs; stripe 0 position 0 stays the object's stable
// primary.
func (g *gatewayEngine) placeStripe(bucket, key string, stripeID uint64, sc StorageClass, topo *topologySnapshot) ([]hrw.Placement, error) {
	return hrw.Place(bucket, key, stripeID, sc.PlacementSpec(), topo.Topology)
}

// shardAck is one WriteShard completion.
type shardAck struct {
	position int
	res      *writeShardResult
	err      error
}

// PutObject streams body into erasure-coded stripes, writes shards
// with quorum, and commits ObjectMeta on the primary OSD. The stripe
// buffer is the only payload copy held per in-flight stripe.
func (g *gatewayEngine) PutObject(ctx context.Context, bucket, key string, body io.Reader, contentType string, userMeta map[string]string) (*ObjectMeta, error) {
	sc, err := g.ccs.BucketClass(ctx, bucket)
	if err != nil {
		return nil, err
	}
	topo, err := g.ccs.Topology(ctx)
	if err != nil {
		return nil, err
	}
	placement0, err := g.placeStripe(bucket, key, 0, sc, topo)
	if err != nil {
		return nil, err
	}
	primary := placement0[0]

	codec, err := ec.NewCodec(sc.Protection)
	if err != nil {
		return nil, err
	}
	params := codec.Parameters()
	maxStripeBytes := params.K * maxShardBytes

	objectID := uuid.New()
	now := time.Now().UTC()
	om := &ObjectMeta{
		Bucket:       bucket,
		Key:          key,
		ObjectID:     objectID,
		ContentType:  contentType,
		CreatedAt:    now,
		LastModified: now,
		UserMetadata: userMeta,
	}
	etag := newETagBuilder()

	buf := make([]byte, maxStripeBytes)
	for stripeID := uint64(0); ; stripeID++ {
		n, rerr := io.ReadFull(body, buf)
		if rerr != nil && rerr != io.EOF && rerr != io.ErrUnexpectedEOF {
			g.cleanupShards(om)
			return nil, rerr
		}
		eof := rerr == io.EOF || rerr == io.ErrUnexpectedEOF
		if n == 0 && stripeID > 0 {
			break
		}
		// A zero-byte object still writes one empty stripe so the
		// metadata record and ETag exist.
		placement := placement0
		if stripeID > 0 {
			placement, err = g.placeStripe(bucket, key, stripeID, sc, topo)
			if err != nil {
				g.cleanupShards(om)
				return nil, err
			}
		}
		sm, werr := g.writeStripe(ctx, stripeWrite{
			bucket:    bucket,
			key:       key,
			objectID:  objectID,
			stripeID:  stripeID,
			payload:   buf[:n],
			sc:        sc,
			codec:     codec,
			placement: placement,
		})
		if werr != nil {
			g.cleanupShards(om)
			return nil, werr
		}
		om.Stripes = append(om.Stripes, *sm)
		om.TotalSize += sm.LogicalDataSize
		etag.writeStripe(buf[:n])
		if eof {
			break
		}
	}

	om.ETag = etag.finish()
	primaryClient := g.pool.get(primary.Addr)
	if err := primaryClient.PutObjectMeta(ctx, primary.DiskID, om, 0); err != nil {
		g.cleanupShards(om)
		return nil, err
	}
	return om, nil
}

// stripeWrite carries one stripe through encode and dispatch.
type stripeWrite struct {
	bucket    string
	key       string
	objectID  uuid.UUID
	stripeID  uint64
	payload   []byte
	sc        StorageClass
	codec     ec.Codec
	placement []hrw.Placement
}

// writeStripe encodes one stripe and writes all shards in parallel,
// acking at quorum. Shards that fail or never ack are recorded with a
// tombstone for the repair manager to complete.
func (g *gatewayEngine) writeStripe(ctx context.Context, sw stripeWrite) (*StripeMeta, error) {
	params := sw.codec.Parameters()
	// Split pads to the shard alignment, so replication (k=1) and the
	// empty stripe both encode uniformly; logical_data_size trims on
	// read.
	data := ec.Split(sw.payload, params.K)
	shards, err := sw.codec.Encode(data)
	if err != nil {
		return nil, err
	}
	total := params.Total()
	quorum := sw.sc.WriteQuorum()

	acks := make(chan shardAck, total)
	for pos := 0; pos < total; pos++ {
		go func(pos int) {
			target := sw.placement[pos]
			client := g.pool.get(target.Addr)
			res, err := client.WriteShard(ctx, target.DiskID, writeShardArgs{
				ObjectID:   sw.objectID,
				StripeID:   sw.stripeID,
				Position:   uint8(pos),
				ECType:     params.Type,
				ECK:        uint8(params.K),
				ECM:        uint8(total - params.K),
				LocalGroup: int8(params.GroupOf(pos)),
			}, shards[pos])
			acks <- shardAck{position: pos, res: res, err: err}
		}(pos)
	}

	results := make([]*writeShardResult, total)
	acked, failed := 0, 0
	for acked+failed < total && acked < quorum {
		select {
		case ack := <-acks:
			if ack.err != nil {
				failed++
				gwLog.WithError(ack.err).WithFields(logger.Fields{
					"stripe": sw.stripeID, "position": ack.position,
				}).Warn("shard write failed")
			} else {
				results[ack.position] = ack.res
				acked++
			}
		case <-ctx.Done():
			return nil, errTimeout
		}
		if total-failed < quorum {
			metricStripeWrites.WithLabelValues("quorum_failed").Inc()
			return nil, &QuorumError{StripeID: sw.stripeID, Acks: acked, Needed: quorum}
		}
	}
	if acked < quorum {
		metricStripeWrites.WithLabelValues("quorum_failed").Inc()
		return nil, &QuorumError{StripeID: sw.stripeID, Acks: acked, Needed: quorum}
	}
	metricStripeWrites.WithLabelValues("ok").Inc()

	// Quorum reached; give stragglers a short window, then tombstone.
	grace := time.NewTimer(extraAckWindow)
	defer grace.Stop()
collect:
	for acked+failed < total {
		select {
		case ack := <-acks:
			if ack.err != nil {
				failed++
			} else {
				results[ack.position] = ack.res
				acked++
			}
		case <-grace.C:
			break collect
		case <-ctx.Done():
			break collect
		}
	}

	sm := &StripeMeta{
		StripeID:        sw.stripeID,
		ECType:          params.Type,
		K:               params.K,
		M:               params.M,
		L:               params.L,
		G:               params.G,
		LogicalDataSize: int64(len(sw.payload)),
	}
	for pos := 0; pos < total; pos++ {
		target := sw.placement[pos]
		loc := ShardLocation{
			Position: pos,
			NodeID:   target.NodeID,
			DiskID:   target.DiskID,
			Addr:     target.Addr,
		}
		if res := results[pos]; res != nil {
			loc.BlockNumber = res.BlockNumber
			loc.ByteLength = res.ByteLength
			loc.CRC32C = res.CRC32C
		} else {
			loc.Tombstone = true
		}
		sm.Shards = append(sm.Shards, loc)
	}
	return sm, nil
}

// cleanupShards best-effort deletes the shards of a failed PUT. Leaks
// are caught by the background cleaner.
func (g *gatewayEngine) cleanupShards(om *ObjectMeta) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, sm := range om.Stripes {
		for _, loc := range sm.Shards {
			if loc.Tombstone {
				continue
			}
			client := g.pool.get(loc.Addr)
			if err := client.DeleteShard(ctx, loc.DiskID, om.ObjectID, sm.StripeID, loc.Position); err != nil {
				gwLog.WithError(err).Debug("cleanup shard delete failed")
			}
		}
	}
}

// DeleteObject removes the metadata record, then the shards.
func (g *gatewayEngine) DeleteObject(ctx context.Context, bucket, key string) error {
	om, primary, err := g.lookupObject(ctx, bucket, key)
	if err != nil {
		return err
	}
	client := g.pool.get(primary.Addr)
	if err := client.DeleteObjectMeta(ctx, primary.DiskID, bucket, key); err != nil {
		return err
	}
	g.cleanupShards(om)
	return nil
}

// lookupObject finds the primary OSD and loads ObjectMeta from it. A
// NotPrimary answer (topology race) refreshes the snapshot and retries
// once.
func (g *gatewayEngine) lookupObject(ctx context.Context, bucket, key string) (*ObjectMeta, hrw.Placement, error) {
	sc, err := g.ccs.BucketClass(ctx, bucket)
	if err != nil {
		return nil, hrw.Placement{}, err
	}
	for attempt := 0; ; attempt++ {
		topo, err := g.ccs.Topology(ctx)
		if err != nil {
			return nil, hrw.Placement{}, err
		}
		primary, err := hrw.Primary(bucket, key, sc.PlacementSpec(), topo.Topology)
		if err != nil {
			return nil, hrw.Placement{}, err
		}
		om, err := g.pool.get(primary.Addr).GetObjectMeta(ctx, primary.DiskID, bucket, key)
		if err == errNotPrimary && attempt == 0 {
			if _, err := g.ccs.RefreshTopology(ctx); err != nil {
				return nil, hrw.Placement{}, err
			}
			continue
		}
		if err != nil {
			return nil, hrw.Placement{}, err
		}
		return om, primary, nil
	}
}
