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
	"time"

	"github.com/google/uuid"

	"github.com/shardstore/shardstore/internal/ec"
)

// ShardLocation records where one shard of a stripe landed. Stored
// only inside ObjectMeta on the primary OSD.
type ShardLocation struct {
	Position    int    `json:"pos"`
	NodeID      string `json:"node"`
	DiskID      string `json:"disk"`
	Addr        string `json:"addr"`
	BlockNumber uint64 `json:"block"`
	ByteLength  uint32 `json:"len"`
	CRC32C      uint32 `json:"crc"`
	// Tombstone marks a shard that never acked during the PUT; the
	// repair manager attempts to complete it.
	Tombstone bool `json:"tomb,omitempty"`
}

// StripeMeta describes one erasure-coded stripe of an object.
type StripeMeta struct {
	StripeID        uint64          `json:"stripe_id"`
	ECType          ec.Type         `json:"ec_type"`
	K               int             `json:"k"`
	M               int             `json:"m,omitempty"`
	L               int             `json:"l,omitempty"`
	G               int             `json:"g,omitempty"`
	LogicalDataSize int64           `json:"logical_size"`
	Shards          []ShardLocation `json:"shards"`
}

// Params returns the codec parameters of this stripe.
func (sm *StripeMeta) Params() ec.Params {
	return ec.Params{Type: sm.ECType, K: sm.K, M: sm.M, L: sm.L, G: sm.G}
}

// ObjectMeta is the authoritative record of a live object, owned by
// the primary OSD of stripe 0. Version supports compare-and-set
// updates from the repair manager.
type ObjectMeta struct {
	Bucket       string            `json:"bucket"`
	Key          string            `json:"key"`
	ObjectID     uuid.UUID         `json:"object_id"`
	TotalSize    int64             `json:"total_size"`
	ETag         string            `json:"etag"`
	ContentType  string            `json:"content_type,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	LastModified time.Time         `json:"last_modified"`
	UserMetadata map[string]string `json:"user_metadata,omitempty"`
	Version      uint64            `json:"version"`
	Stripes      []StripeMeta      `json:"stripes"`
}

// ShardMeta is the per-shard record each OSD keeps for its own blocks.
type ShardMeta struct {
	BlockNumber  uint64    `json:"block"`
	ByteLength   uint32    `json:"len"`
	CRC32C       uint32    `json:"crc"`
	ECType       ec.Type   `json:"ec_type"`
	LocalGroup   int8      `json:"local_group"`
	CreatedAt    time.Time `json:"created_at"`
	LastVerified time.Time `json:"last_verified,omitempty"`
}

// VersioningState of a bucket.
type VersioningState string

// Versioning states.
const (
	VersioningOff       VersioningState = "Off"
	VersioningEnabled   VersioningState = "Enabled"
	VersioningSuspended VersioningState = "Suspended"
)

// BucketMeta is owned by the cluster configuration service.
type BucketMeta struct {
	Name         string          `json:"name"`
	OwnerUserID  string          `json:"owner_user_id"`
	CreatedAt    time.Time       `json:"created_at"`
	StorageClass string          `json:"storage_class"`
	Versioning   VersioningState `json:"versioning"`
	Policy       string          `json:"policy,omitempty"`
}

// DiskStats is reported by HeartbeatAndReport.
type DiskStats struct {
	DiskID          string `json:"disk_id"`
	TotalBlocks     uint64 `json:"total_blocks"`
	FreeBlocks      uint64 `json:"free_blocks"`
	BlockSize       uint32 `json:"block_size"`
	ShardCount      uint64 `json:"shard_count"`
	TopologyVersion uint64 `json:"topology_version"`
}

// writeShardArgs carries the WriteShard RPC identity; the payload
// streams in the request body.
type writeShardArgs struct {
	ObjectID   uuid.UUID
	StripeID   uint64
	Position   uint8
	ECType     ec.Type
	ECK        uint8
	ECM        uint8
	LocalGroup int8
}

// writeShardResult is the WriteShard RPC response body.
type writeShardResult struct {
	BlockNumber uint64 `json:"block"`
	ByteLength  uint32 `json:"len"`
	CRC32C      uint32 `json:"crc"`
}

// listPage is one OSD's ListObjectMeta response.
type listPage struct {
	Objects   []ObjectMeta `json:"objects"`
	NextKey   string       `json:"next_key"`
	Exhausted bool         `json:"exhausted"`
}
