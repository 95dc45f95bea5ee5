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

// Package hrw implements the deterministic shard placement engine:
// highest-random-weight hashing down an immutable failure-domain tree.
package hrw

import (
	"fmt"
	"sort"
)

// Level names a tier of the physical hierarchy.
type Level uint8

// Hierarchy levels, root to leaf.
const (
	LevelCluster Level = iota
	LevelRegion
	LevelDatacenter
	LevelRack
	LevelNode
	LevelDisk
)

func (l Level) String() string {
	switch l {
	case LevelCluster:
		return "cluster"
	case LevelRegion:
		return "region"
	case LevelDatacenter:
		return "datacenter"
	case LevelRack:
		return "rack"
	case LevelNode:
		return "node"
	case LevelDisk:
		return "disk"
	}
	return fmt.Sprintf("level(%d)", uint8(l))
}

// ParseLevel maps a configuration string to a Level.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "cluster":
		return LevelCluster, nil
	case "region":
		return LevelRegion, nil
	case "datacenter":
		return LevelDatacenter, nil
	case "rack":
		return LevelRack, nil
	case "node":
		return LevelNode, nil
	case "disk":
		return LevelDisk, nil
	}
	return 0, fmt.Errorf("hrw: unknown failure domain level %q", s)
}

// DiskState is the liveness state of a leaf disk.
type DiskState uint8

// Disk states.
const (
	StateUp DiskState = iota
	StateDown
	StateDraining
	StateOutOfService
)

func (s DiskState) String() string {
	switch s {
	case StateUp:
		return "up"
	case StateDown:
		return "down"
	case StateDraining:
		return "draining"
	case StateOutOfService:
		return "out-of-service"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// writable reports whether a new shard may land on a disk in this
// state. Draining disks keep existing shards readable but accept no
// new placements.
func (s DiskState) writable() bool {
	return s == StateUp
}

// Node is one vertex of the topology tree. Leaves are disks; their
// NodeID field carries the owning OSD node's identifier.
type Node struct {
	ID       string    `json:"id"`
	Level    Level     `json:"level"`
	Weight   float64   `json:"weight"`
	State    DiskState `json:"state"`
	NodeID   string    `json:"node_id,omitempty"` // set on disks
	Addr     string  `json:"addr,omitempty"`    // OSD RPC address, set on nodes and disks
	Children []*Node `json:"children,omitempty"`
}

// Topology is an immutable snapshot of the cluster tree. Mutation
// produces a new snapshot with a bumped version; readers never see a
// partially edited tree.
type Topology struct {
	Version uint64 `json:"version"`
	Root    *Node  `json:"root"`
}

// totalWeight of an internal node is the sum of its writable leaves.
func (n *Node) totalWeight() float64 {
	if len(n.Children) == 0 {
		if n.State.writable() {
			return n.Weight
		}
		return 0
	}
	var w float64
	for _, c := range n.Children {
		w += c.totalWeight()
	}
	return w
}

// Disks returns all leaf disks under n in stable order.
func (n *Node) Disks() []*Node {
	if len(n.Children) == 0 {
		if n.Level == LevelDisk {
			return []*Node{n}
		}
		return nil
	}
	var out []*Node
	for _, c := range n.Children {
		out = append(out, c.Disks()...)
	}
	return out
}

// FindDisk locates a disk by ID.
func (t *Topology) FindDisk(diskID string) *Node {
	for _, d := range t.Root.Disks() {
		if d.ID == diskID {
			return d
		}
	}
	return nil
}

// Clone deep-copies the tree so an editor can produce the next
// immutable snapshot.
func (t *Topology) Clone() *Topology {
	return &Topology{Version: t.Version, Root: cloneNode(t.Root)}
}

func cloneNode(n *Node) *Node {
	out := *n
	out.Children = make([]*Node, len(n.Children))
	for i, c := range n.Children {
		out.Children[i] = cloneNode(c)
	}
	return &out
}

// sortChildren orders children by ID; topology builders call it so the
// lexicographic tie-break is well defined regardless of input order.
func sortChildren(n *Node) {
	sort.Slice(n.Children, func(i, j int) bool {
		return n.Children[i].ID < n.Children[j].ID
	})
	for _, c := range n.Children {
		sortChildren(c)
	}
}

// Normalize sorts the tree for deterministic iteration. Builders call
// it once before publishing a snapshot.
func (t *Topology) Normalize() {
	sortChildren(t.Root)
}
