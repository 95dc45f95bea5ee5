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
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/shardstore/shardstore/internal/format"
)

// primaryStoreOf locates the in-process store holding the object's
// metadata.
func (tc *testCluster) primaryStoreOf(bucket, key string) *osdStore {
	tc.t.Helper()
	_, primary, err := tc.engine.lookupObject(context.Background(), bucket, key)
	if err != nil {
		tc.t.Fatal(err)
	}
	for _, s := range tc.stores {
		if s.diskID == primary.DiskID {
			return s
		}
	}
	tc.t.Fatalf("primary disk %s not in cluster", primary.DiskID)
	return nil
}

func (tc *testCluster) corruptShard(om *ObjectMeta, stripe, pos int) {
	tc.t.Helper()
	loc := om.Stripes[stripe].Shards[pos]
	for i, s := range tc.stores {
		if s.diskID != loc.DiskID {
			continue
		}
		f, err := os.OpenFile(tc.paths[i], os.O_WRONLY, 0o644)
		if err != nil {
			tc.t.Fatal(err)
		}
		offset := int64(s.sb.BlockOffset(loc.BlockNumber)) + format.BlockHeaderSize
		if _, err := f.WriteAt([]byte{0xde, 0xad}, offset); err != nil {
			tc.t.Fatal(err)
		}
		f.Sync()
		f.Close()
		return
	}
	tc.t.Fatalf("disk %s not found", loc.DiskID)
}

func TestRepairStripeRestoresShard(t *testing.T) {
	tc := newTestCluster(t, 6)
	tc.createBucket("b", "standard")
	ctx := context.Background()

	payload := []byte("repair this stripe please, it matters")
	om, err := tc.engine.PutObject(ctx, "b", "fix-me", bytes.NewReader(payload), "", nil)
	if err != nil {
		t.Fatal(err)
	}
	tc.corruptShard(om, 0, 1)

	primary := tc.primaryStoreOf("b", "fix-me")
	rm := newRepairManager(primary, tc.engine.ccs)

	before, err := primary.GetObjectMeta("b", "fix-me")
	if err != nil {
		t.Fatal(err)
	}
	missing := rm.probeStripe(ctx, om, &om.Stripes[0])
	if len(missing) != 1 || missing[0] != 1 {
		t.Fatalf("probe found %v, want [1]", missing)
	}
	if err := rm.repairStripe(ctx, &repairTask{
		priority: priorityNormal,
		bucket:   "b",
		key:      "fix-me",
		stripe:   0,
		missing:  missing,
	}); err != nil {
		t.Fatal(err)
	}

	// The stripe is healthy again.
	repaired, err := primary.GetObjectMeta("b", "fix-me")
	if err != nil {
		t.Fatal(err)
	}
	if repaired.Version != before.Version+1 {
		t.Fatalf("version %d, want %d", repaired.Version, before.Version+1)
	}
	if again := rm.probeStripe(ctx, repaired, &repaired.Stripes[0]); len(again) != 0 {
		t.Fatalf("stripe still missing %v after repair", again)
	}

	got, _ := tc.get("b", "fix-me", nil)
	if !bytes.Equal(got, payload) {
		t.Fatal("object bytes wrong after repair")
	}
}

func TestRepairQueueOrdering(t *testing.T) {
	rm := &repairManager{}
	rm.enqueue(&repairTask{priority: priorityNormal, key: "n"})
	rm.enqueue(&repairTask{priority: priorityCritical, key: "c"})
	rm.enqueue(&repairTask{priority: priorityLow, key: "l"})
	rm.enqueue(&repairTask{priority: priorityCritical, key: "c2"})
	rm.enqueue(&repairTask{priority: priorityHigh, key: "h"})

	wantOrder := []string{"c", "c2", "h", "n", "l"}
	for _, want := range wantOrder {
		task := rm.dequeue()
		if task == nil || task.key != want {
			t.Fatalf("dequeue got %+v, want key %q", task, want)
		}
	}
	if rm.dequeue() != nil {
		t.Fatal("queue not empty")
	}
}
