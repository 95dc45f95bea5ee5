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
	"bytes"
	"testing"
)

func TestObjectKeyPrefixing(t *testing.T) {
	k1 := ObjectKey("bucket", "a/file.txt")
	k2 := ObjectKey("bucket", "a/other.txt")
	k3 := ObjectKey("bucket2", "a/file.txt")
	prefix := ObjectPrefix("bucket", "a/")

	if !bytes.HasPrefix(k1, prefix) || !bytes.HasPrefix(k2, prefix) {
		t.Fatal("same-bucket keys must share the prefix")
	}
	if bytes.HasPrefix(k3, prefix) {
		t.Fatal("foreign bucket key matches prefix")
	}
	if ObjectKeyName(k1) != "a/file.txt" {
		t.Fatalf("recovered name %q", ObjectKeyName(k1))
	}
}

func TestObjectKeysSortByName(t *testing.T) {
	names := []string{"a", "a/b", "ab", "b"}
	for i := 1; i < len(names); i++ {
		prev := ObjectKey("b", names[i-1])
		cur := ObjectKey("b", names[i])
		if bytes.Compare(prev, cur) >= 0 {
			t.Fatalf("keys for %q and %q out of order", names[i-1], names[i])
		}
	}
}

func TestShardKeyRoundTrip(t *testing.T) {
	var objectID [16]byte
	for i := range objectID {
		objectID[i] = byte(i * 7)
	}
	key := ShardKey(objectID, 12, 3)
	gotID, gotStripe, gotPos, ok := ParseShardKey(key)
	if !ok || gotID != objectID || gotStripe != 12 || gotPos != 3 {
		t.Fatalf("parse: %v %v %d %d", ok, gotID, gotStripe, gotPos)
	}
	if !bytes.HasPrefix(key, ShardPrefix(objectID)) {
		t.Fatal("shard key must extend the object's shard prefix")
	}
	if _, _, _, ok := ParseShardKey(ObjectKey("b", "k")); ok {
		t.Fatal("object key parsed as shard key")
	}
}

func TestShardKeysSortByStripeThenPosition(t *testing.T) {
	var objectID [16]byte
	prev := ShardKey(objectID, 0, 0)
	for _, tc := range []struct {
		stripe uint64
		pos    uint8
	}{{0, 1}, {0, 5}, {1, 0}, {1, 3}, {256, 0}} {
		cur := ShardKey(objectID, tc.stripe, tc.pos)
		if bytes.Compare(prev, cur) >= 0 {
			t.Fatalf("shard key (%d,%d) out of order", tc.stripe, tc.pos)
		}
		prev = cur
	}
}

func TestBlockKeysSortNumerically(t *testing.T) {
	prev := BlockKey(0)
	for _, n := range []uint64{1, 2, 255, 256, 1 << 20, 1 << 40} {
		cur := BlockKey(n)
		if bytes.Compare(prev, cur) >= 0 {
			t.Fatalf("block key %d out of order", n)
		}
		prev = cur
	}
}
