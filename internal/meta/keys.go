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

	"github.com/cespare/xxhash/v2"
)

// Key prefixes. The single-byte prefix keeps each record family in a
// contiguous, range-scannable keyspace region.
const (
	prefixObject byte = 'o' // 'o' | bucketHash(8) | key bytes      -> ObjectMeta
	prefixShard  byte = 's' // 's' | objectID(16) | stripeID(8, big-endian) | position -> ShardMeta
	prefixBlock  byte = 'd' // 'd' | blockNumber(8, big-endian)     -> allocator hint
)

// ObjectKey builds the metadata key of an object's ObjectMeta record.
// The bucket hash keeps one bucket's keys contiguous without embedding
// arbitrary-length bucket names ahead of the object key.
func ObjectKey(bucket, key string) []byte {
	out := make([]byte, 0, 9+len(key))
	out = append(out, prefixObject)
	var h [8]byte
	binary.BigEndian.PutUint64(h[:], xxhash.Sum64String(bucket))
	out = append(out, h[:]...)
	return append(out, key...)
}

// ObjectPrefix returns the scan prefix covering every object of a
// bucket stored on this OSD. keyPrefix narrows to a key prefix.
func ObjectPrefix(bucket, keyPrefix string) []byte {
	return ObjectKey(bucket, keyPrefix)
}

// ObjectKeyName recovers the object key name from a metadata key.
func ObjectKeyName(metaKey []byte) string {
	if len(metaKey) < 9 || metaKey[0] != prefixObject {
		return ""
	}
	return string(metaKey[9:])
}

// ShardKey builds the metadata key of a ShardMeta record. The stripe
// id sits between object id and position so one object's shards scan
// in (stripe, position) order.
func ShardKey(objectID [16]byte, stripeID uint64, position uint8) []byte {
	out := make([]byte, 0, 26)
	out = append(out, prefixShard)
	out = append(out, objectID[:]...)
	var s [8]byte
	binary.BigEndian.PutUint64(s[:], stripeID)
	out = append(out, s[:]...)
	return append(out, position)
}

// ShardPrefix returns the scan prefix covering all shards of an object.
func ShardPrefix(objectID [16]byte) []byte {
	out := make([]byte, 0, 17)
	out = append(out, prefixShard)
	return append(out, objectID[:]...)
}

// ParseShardKey decodes a shard metadata key back into its triple.
func ParseShardKey(key []byte) (objectID [16]byte, stripeID uint64, position uint8, ok bool) {
	if len(key) != 26 || key[0] != prefixShard {
		return objectID, 0, 0, false
	}
	copy(objectID[:], key[1:17])
	stripeID = binary.BigEndian.Uint64(key[17:25])
	return objectID, stripeID, key[25], true
}

// BlockKey builds the metadata key of a block allocator hint. Big-
// endian keeps numeric order and byte order identical for range scans.
func BlockKey(blockNumber uint64) []byte {
	out := make([]byte, 9)
	out[0] = prefixBlock
	binary.BigEndian.PutUint64(out[1:], blockNumber)
	return out
}
