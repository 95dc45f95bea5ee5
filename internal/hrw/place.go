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

package hrw

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
)

// maxRetries bounds the reseeded descents per shard position before
// placement gives up with InsufficientCapacity.
const maxRetries = 32

// Spec is what placement needs to know about a storage class.
type Spec struct {
	TotalShards   int
	FailureDomain Level
}

// Placement is one shard's target.
type Placement struct {
	Position int
	NodeID   string
	DiskID   string
	Addr     string
}

// InsufficientCapacityError reports that the topology cannot satisfy
// the failure-domain constraint.
type InsufficientCapacityError struct {
	Level Level
}

func (e *InsufficientCapacityError) Error() string {
	return fmt.Sprintf("hrw: insufficient capacity at %s level", e.Level)
}

// Seed derives the stable per-shard seed. It depends only on the
// object coordinates, never on the topology, so placement survives
// topology changes.
func Seed(bucket, key string, stripeID uint64, position int) uint64 {
	h := xxhash.New()
	h.WriteString(bucket)
	h.Write([]byte{0})
	h.WriteString(key)
	h.Write([]byte{0})
	var buf [12]byte
	binary.LittleEndian.PutUint64(buf[0:], stripeID)
	binary.LittleEndian.PutUint32(buf[8:], uint32(position))
	h.Write(buf[:])
	return h.Sum64()
}

// childSeed mixes the parent seed with a child identifier.
func childSeed(seed uint64, childID string) uint64 {
	h := xxhash.New()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], seed)
	h.Write(buf[:])
	h.WriteString(childID)
	return h.Sum64()
}

// reseed perturbs the seed for a bounded retry.
func reseed(seed uint64, retry int) uint64 {
	h := xxhash.New()
	var buf [12]byte
	binary.LittleEndian.PutUint64(buf[0:], seed)
	binary.LittleEndian.PutUint32(buf[8:], uint32(retry))
	h.Write(buf[:])
	return h.Sum64()
}

// score is the weight-adjusted rendezvous score -ln(u)/weight with
// u in (0,1] derived from the hash. Lower is better: the child with the
// minimal score wins, which matches picking the highest random weight.
func score(h uint64, weight float64) float64 {
	// (h+1)/2^64 maps to (0, 1].
	u := (float64(h) + 1) / float64(1<<63) / 2
	return -math.Log(u) / weight
}

// Place maps (bucket, key, stripeID) to an ordered list of
// spec.TotalShards distinct disks whose ancestors at the failure-domain
// level are pairwise distinct. Position 0 of stripe 0 is the object's
// primary. Deterministic for a given topology snapshot.
func Place(bucket, key string, stripeID uint64, spec Spec, topo *Topology) ([]Placement, error) {
	if spec.TotalShards <= 0 {
		return nil, fmt.Errorf("hrw: non-positive shard count")
	}
	out := make([]Placement, 0, spec.TotalShards)
	usedDomains := map[string]bool{}
	usedDisks := map[string]bool{}

	for pos := 0; pos < spec.TotalShards; pos++ {
		seed := Seed(bucket, key, stripeID, pos)
		var disk *Node
		for retry := 0; retry < maxRetries; retry++ {
			s := seed
			if retry > 0 {
				s = reseed(seed, retry)
			}
			disk = descend(topo.Root, s, spec.FailureDomain, usedDomains, usedDisks)
			if disk != nil {
				break
			}
		}
		if disk == nil {
			return nil, &InsufficientCapacityError{Level: spec.FailureDomain}
		}
		usedDisks[disk.ID] = true
		if dom := domainAncestorID(topo.Root, disk.ID, spec.FailureDomain); dom != "" {
			usedDomains[dom] = true
		}
		out = append(out, Placement{
			Position: pos,
			NodeID:   disk.NodeID,
			DiskID:   disk.ID,
			Addr:     disk.Addr,
		})
	}
	return out, nil
}

// descend walks from n to a leaf, at each step choosing the child with
// the best rendezvous score among those not excluded by the committed
// failure-domain and disk choices. Returns nil when no eligible leaf
// exists under n for this seed path.
func descend(n *Node, seed uint64, domain Level, usedDomains, usedDisks map[string]bool) *Node {
	if len(n.Children) == 0 {
		if n.Level != LevelDisk || !n.State.writable() || usedDisks[n.ID] {
			return nil
		}
		return n
	}
	type candidate struct {
		node *Node
		sc   float64
	}
	cands := make([]candidate, 0, len(n.Children))
	for _, c := range n.Children {
		if c.Level <= domain && usedDomains[c.ID] {
			continue
		}
		w := c.totalWeight()
		if w <= 0 {
			continue
		}
		cands = append(cands, candidate{c, score(childSeed(seed, c.ID), w)})
	}
	// Best score first; on an exact tie the smaller child ID wins.
	for len(cands) > 0 {
		best := 0
		for i := 1; i < len(cands); i++ {
			if cands[i].sc < cands[best].sc ||
				(cands[i].sc == cands[best].sc && cands[i].node.ID < cands[best].node.ID) {
				best = i
			}
		}
		if leaf := descend(cands[best].node, seed, domain, usedDomains, usedDisks); leaf != nil {
			return leaf
		}
		cands = append(cands[:best], cands[best+1:]...)
	}
	return nil
}

// domainAncestorID returns the ID of diskID's ancestor at the given
// level (diskID itself when the level is disk, "" when no ancestor at
// that level is found).
func domainAncestorID(root *Node, diskID string, level Level) string {
	if level == LevelDisk {
		return diskID
	}
	var walk func(n *Node, ancestorAtLevel string) string
	walk = func(n *Node, ancestorAtLevel string) string {
		if n.Level == level {
			ancestorAtLevel = n.ID
		}
		if len(n.Children) == 0 {
			if n.ID == diskID {
				return ancestorAtLevel
			}
			return ""
		}
		for _, c := range n.Children {
			if got := walk(c, ancestorAtLevel); got != "" {
				return got
			}
		}
		return ""
	}
	return walk(root, "")
}

// Primary returns the primary placement (stripe 0, position 0) for an
// object. The gateway uses it to locate ObjectMeta on read.
func Primary(bucket, key string, spec Spec, topo *Topology) (Placement, error) {
	placements, err := Place(bucket, key, 0, spec, topo)
	if err != nil {
		return Placement{}, err
	}
	return placements[0], nil
}
