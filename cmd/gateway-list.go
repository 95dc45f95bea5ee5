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
	"crypto/subtle"
	"encoding/base64"
	"sync/atomic"
	"time"

	"github.com/minio/highwayhash"
	"golang.org/x/sync/errgroup"

	"github.com/shardstore/shardstore/internal/hrw"
)

// perOSDListTimeout bounds each disk's listing RPC; slow disks yield a
// partial (flagged) result rather than stalling the whole call.
const perOSDListTimeout = 5 * time.Second

// listMaxFanout bounds concurrent per-disk listing RPCs.
const listMaxFanout = 16

// osdCursor is one disk's listing progress inside a continuation
// token.
type osdCursor struct {
	NextKey   string `json:"k,omitempty"`
	Exhausted bool   `json:"x,omitempty"`
}

// listToken is the decoded continuation token: per-disk cursors pinned
// to a topology version. The token is MAC-signed so clients cannot
// forge cursors into other disks' keyspaces.
type listToken struct {
	TopologyVersion uint64               `json:"tv"`
	Cursors         map[string]osdCursor `json:"c"`
}

// ListResult is the merged listing page.
type ListResult struct {
	Objects           []ObjectMeta
	Truncated         bool
	ContinuationToken string
	Partial           bool // some disks timed out or failed
}

func (g *gatewayEngine) signToken(payload []byte) string {
	mac, _ := highwayhash.New(g.tokenKey)
	mac.Write(payload)
	signed := append(mac.Sum(nil), payload...)
	return base64.RawURLEncoding.EncodeToString(signed)
}

func (g *gatewayEngine) verifyToken(token string) (*listToken, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) < highwayhash.Size {
		return nil, errBadInput
	}
	sig, payload := raw[:highwayhash.Size], raw[highwayhash.Size:]
	mac, _ := highwayhash.New(g.tokenKey)
	mac.Write(payload)
	if subtle.ConstantTimeCompare(sig, mac.Sum(nil)) != 1 {
		return nil, errBadInput
	}
	tok := &listToken{}
	if err := json.Unmarshal(payload, tok); err != nil {
		return nil, errBadInput
	}
	return tok, nil
}

// mergeEntry is one disk's head-of-stream during the k-way merge.
type mergeEntry struct {
	diskID  string
	objects []ObjectMeta
	idx     int
}

type mergeHeap []*mergeEntry

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	return h[i].objects[h[i].idx].Key < h[j].objects[h[j].idx].Key
}
func (h mergeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x interface{}) { *h = append(*h, x.(*mergeEntry)) }
func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// ListObjects scatter-gathers ListObjectMeta across every disk that
// may hold primaries for the bucket, k-way merges by key, and returns
// a signed continuation token. strict=true fails on any per-disk
// error; otherwise partial results are flagged.
func (g *gatewayEngine) ListObjects(ctx context.Context, bucket, prefix, continuation string, maxKeys int, strict bool) (*ListResult, error) {
	if maxKeys <= 0 || maxKeys > 1000 {
		maxKeys = 1000
	}
	if _, err := g.ccs.Bucket(ctx, bucket); err != nil {
		return nil, err
	}
	topo, err := g.ccs.Topology(ctx)
	if err != nil {
		return nil, err
	}

	cursors := map[string]osdCursor{}
	if continuation != "" {
		tok, err := g.verifyToken(continuation)
		if err != nil {
			return nil, err
		}
		if tok.TopologyVersion != topo.Version {
			return nil, errTopologyChanged
		}
		cursors = tok.Cursors
	}

	// Every up or draining disk may hold primaries.
	disks := []*hrw.Node{}
	for _, d := range topo.Topology.Root.Disks() {
		if d.State == hrw.StateUp || d.State == hrw.StateDraining {
			disks = append(disks, d)
		}
	}

	pages := make([]*listPage, len(disks))
	var partial int32
	eg, ectx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, listMaxFanout)
	for i, disk := range disks {
		i, disk := i, disk
		cur := cursors[disk.ID]
		if cur.Exhausted {
			pages[i] = &listPage{Exhausted: true}
			continue
		}
		eg.Go(func() error {
			sem <- struct{}{}
			defer func() { <-sem }()
			dctx, cancel := context.WithTimeout(ectx, perOSDListTimeout)
			defer cancel()
			page, err := g.pool.get(disk.Addr).ListObjectMeta(dctx, disk.ID, bucket, prefix, cur.NextKey, maxKeys)
			if err != nil {
				if strict {
					return err
				}
				atomic.StoreInt32(&partial, 1)
				pages[i] = &listPage{Exhausted: true}
				return nil
			}
			pages[i] = page
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	// K-way merge by key, ascending byte-lexicographic. Each disk's
	// cursor advances only past keys actually returned to the client;
	// unconsumed page entries are re-read next call.
	h := &mergeHeap{}
	exhaustedPage := map[string]bool{}
	consumedAll := map[string]bool{}
	result := &ListResult{Partial: atomic.LoadInt32(&partial) != 0}
	nextCursors := map[string]osdCursor{}
	for i, page := range pages {
		if page == nil {
			continue
		}
		id := disks[i].ID
		exhaustedPage[id] = page.Exhausted
		nextCursors[id] = osdCursor{NextKey: cursors[id].NextKey, Exhausted: page.Exhausted && len(page.Objects) == 0}
		if len(page.Objects) > 0 {
			heap.Push(h, &mergeEntry{diskID: id, objects: page.Objects})
		} else {
			consumedAll[id] = true
		}
	}
	for h.Len() > 0 && len(result.Objects) < maxKeys {
		e := heap.Pop(h).(*mergeEntry)
		om := e.objects[e.idx]
		result.Objects = append(result.Objects, om)
		cur := nextCursors[e.diskID]
		cur.NextKey = om.Key
		nextCursors[e.diskID] = cur
		e.idx++
		if e.idx < len(e.objects) {
			heap.Push(h, e)
		} else {
			consumedAll[e.diskID] = true
			if exhaustedPage[e.diskID] {
				cur.Exhausted = true
				nextCursors[e.diskID] = cur
			}
		}
	}

	// Truncated when any disk has keys the client has not seen: page
	// entries left in the heap, or a non-exhausted server cursor.
	for h.Len() > 0 {
		heap.Pop(h)
		result.Truncated = true
	}
	for id, cur := range nextCursors {
		if !cur.Exhausted && (!consumedAll[id] || !exhaustedPage[id]) {
			result.Truncated = true
		}
	}

	if result.Truncated {
		payload, err := json.Marshal(&listToken{
			TopologyVersion: topo.Version,
			Cursors:         nextCursors,
		})
		if err != nil {
			return nil, err
		}
		result.ContinuationToken = g.signToken(payload)
	}
	return result, nil
}

// tokenKeyFromEnv derives the 32-byte highwayhash key for tokens. A
// fixed development key applies when none is configured; multi-gateway
// deployments must share one via SHARDSTORE_TOKEN_KEY.
func tokenKeyFromEnv(env string) []byte {
	key := make([]byte, 32)
	copy(key, env)
	if env == "" {
		copy(key, "shardstore-default-listing-key")
	}
	return key
}
