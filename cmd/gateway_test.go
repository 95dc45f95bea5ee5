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
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shardstore/shardstore/internal/format"
	"github.com/shardstore/shardstore/internal/hrw"
)

// testCluster is an in-process cluster: one CCS, one OSD per node with
// one disk each, and a gateway engine wired through real HTTP.
type testCluster struct {
	t       *testing.T
	engine  *gatewayEngine
	ccs     *ccsServer
	stores  []*osdStore
	paths   []string
	servers []*httptest.Server
}

const (
	clusterDiskSize = 192 << 20
	clusterWALSize  = 8 << 20
)

func newTestCluster(t *testing.T, nodes int) *testCluster {
	t.Helper()
	tc := &testCluster{t: t}
	cfg := testOSDConfig()

	rack := &hrw.Node{ID: "rack01", Level: hrw.LevelRack}
	for i := 0; i < nodes; i++ {
		dir := t.TempDir()
		diskPath := filepath.Join(dir, "disk.raw")
		if err := formatDisk(diskPath, clusterDiskSize, clusterWALSize, format.DefaultBlockSize); err != nil {
			t.Fatal(err)
		}
		nodeCfg := cfg
		nodeCfg.OSD.NodeID = fmt.Sprintf("node%02d", i)
		store, err := mountDisk(diskPath, filepath.Join(dir, "meta"), nodeCfg)
		if err != nil {
			t.Fatal(err)
		}
		store.nodeID = nodeCfg.OSD.NodeID
		srv := httptest.NewServer(newOSDServer(nodeCfg.OSD.NodeID, map[string]*osdStore{store.diskID: store}).Handler())

		addr := strings.TrimPrefix(srv.URL, "http://")
		node := &hrw.Node{ID: nodeCfg.OSD.NodeID, Level: hrw.LevelNode}
		node.Children = append(node.Children, &hrw.Node{
			ID:     store.diskID,
			Level:  hrw.LevelDisk,
			Weight: 1,
			NodeID: nodeCfg.OSD.NodeID,
			Addr:   addr,
		})
		rack.Children = append(rack.Children, node)

		tc.stores = append(tc.stores, store)
		tc.paths = append(tc.paths, diskPath)
		tc.servers = append(tc.servers, srv)
	}

	topo := &hrw.Topology{Version: 1, Root: &hrw.Node{
		ID:    "cluster",
		Level: hrw.LevelCluster,
		Children: []*hrw.Node{{
			ID: "dc1", Level: hrw.LevelDatacenter,
			Children: []*hrw.Node{rack},
		}},
	}}
	tc.ccs = newCCSServer(&topologySnapshot{Version: 1, Topology: topo})
	ccsSrv := httptest.NewServer(tc.ccs.Handler())
	tc.servers = append(tc.servers, ccsSrv)

	ccsClient := newCCSClient(strings.TrimPrefix(ccsSrv.URL, "http://"))
	tc.engine = newGatewayEngine(ccsClient, tokenKeyFromEnv(""))

	t.Cleanup(func() {
		for _, srv := range tc.servers {
			srv.Close()
		}
		for _, s := range tc.stores {
			s.Close()
		}
	})
	return tc
}

func (tc *testCluster) createBucket(name, class string) {
	tc.t.Helper()
	err := tc.engine.ccs.CreateBucket(context.Background(), BucketMeta{
		Name:         name,
		StorageClass: class,
	})
	if err != nil {
		tc.t.Fatal(err)
	}
}

func (tc *testCluster) get(bucket, key string, rng *byteRange) ([]byte, *ObjectMeta) {
	tc.t.Helper()
	om, body, err := tc.engine.GetObject(context.Background(), bucket, key, rng)
	if err != nil {
		tc.t.Fatal(err)
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		tc.t.Fatal(err)
	}
	return data, om
}

// TestSmallObjectMDS is the "hello world" scenario: one stripe, six
// shards, exact logical size and the well-known MD5 ETag.
func TestSmallObjectMDS(t *testing.T) {
	tc := newTestCluster(t, 6)
	tc.createBucket("b", "standard") // MDS 4+2
	ctx := context.Background()

	payload := []byte("hello world")
	om, err := tc.engine.PutObject(ctx, "b", "hi.txt", bytes.NewReader(payload), "text/plain", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(om.Stripes) != 1 {
		t.Fatalf("%d stripes, want 1", len(om.Stripes))
	}
	if len(om.Stripes[0].Shards) != 6 {
		t.Fatalf("%d shards, want 6", len(om.Stripes[0].Shards))
	}
	if om.Stripes[0].LogicalDataSize != 11 {
		t.Fatalf("logical size %d, want 11", om.Stripes[0].LogicalDataSize)
	}
	if om.ETag != "5eb63bbbe01eeed093cb22bb8f5acdc3" {
		t.Fatalf("etag %q", om.ETag)
	}

	got, gotMeta := tc.get("b", "hi.txt", nil)
	if !bytes.Equal(got, payload) {
		t.Fatalf("GET returned %q", got)
	}
	if gotMeta.ETag != om.ETag {
		t.Fatal("ETag changed between PUT and GET")
	}
}

// TestMultiStripeRangedRead writes a large object spanning stripes and
// reads 20 bytes across the stripe 0/1 boundary.
func TestMultiStripeRangedRead(t *testing.T) {
	if testing.Short() {
		t.Skip("large object test")
	}
	tc := newTestCluster(t, 6)
	tc.createBucket("b", "standard")
	ctx := context.Background()

	payload := make([]byte, 50<<20)
	rand.New(rand.NewSource(42)).Read(payload)
	om, err := tc.engine.PutObject(ctx, "b", "big.bin", bytes.NewReader(payload), "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(om.Stripes) != 4 {
		t.Fatalf("%d stripes, want 4", len(om.Stripes))
	}
	if !strings.HasSuffix(om.ETag, "-4") {
		t.Fatalf("composite etag %q lacks -4 suffix", om.ETag)
	}
	if om.TotalSize != int64(len(payload)) {
		t.Fatalf("total size %d", om.TotalSize)
	}

	boundary := om.Stripes[0].LogicalDataSize
	rng := &byteRange{Start: boundary - 10, End: boundary + 10}
	got, _ := tc.get("b", "big.bin", rng)
	if len(got) != 20 {
		t.Fatalf("range read returned %d bytes", len(got))
	}
	if !bytes.Equal(got, payload[rng.Start:rng.End]) {
		t.Fatal("range bytes differ across the stripe boundary")
	}

	full, _ := tc.get("b", "big.bin", nil)
	if !bytes.Equal(full, payload) {
		t.Fatal("full read mismatch")
	}
}

// TestDegradedRead corrupts two shards on disk; the read path must
// fetch parity and decode.
func TestDegradedRead(t *testing.T) {
	tc := newTestCluster(t, 6)
	tc.createBucket("b", "standard")
	ctx := context.Background()

	payload := []byte("hello world")
	om, err := tc.engine.PutObject(ctx, "b", "hi.txt", bytes.NewReader(payload), "", nil)
	if err != nil {
		t.Fatal(err)
	}

	// Flip payload bytes of shards at positions 2 and 3 directly on
	// the backing files; the footer CRC catches it on read.
	for _, pos := range []int{2, 3} {
		loc := om.Stripes[0].Shards[pos]
		var store *osdStore
		var path string
		for i, s := range tc.stores {
			if s.diskID == loc.DiskID {
				store, path = s, tc.paths[i]
			}
		}
		if store == nil {
			t.Fatalf("disk %s not found", loc.DiskID)
		}
		f, err := os.OpenFile(path, os.O_WRONLY, 0o644)
		if err != nil {
			t.Fatal(err)
		}
		offset := int64(store.sb.BlockOffset(loc.BlockNumber)) + format.BlockHeaderSize
		if _, err := f.WriteAt([]byte{0xff, 0xfe, 0xfd}, offset); err != nil {
			t.Fatal(err)
		}
		f.Sync()
		f.Close()

		if _, err := store.ReadShard(ctx, om.ObjectID, 0, uint8(pos)); err != errCorruptShard {
			t.Fatalf("position %d: expected errCorruptShard, got %v", pos, err)
		}
	}

	got, _ := tc.get("b", "hi.txt", nil)
	if !bytes.Equal(got, payload) {
		t.Fatalf("degraded read returned %q", got)
	}
}

// TestQuorumFailure takes three of six OSDs offline; a 4+2 PUT cannot
// reach its quorum of four acks.
func TestQuorumFailure(t *testing.T) {
	tc := newTestCluster(t, 6)
	tc.createBucket("b", "standard")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for i := 0; i < 3; i++ {
		tc.servers[i].Close()
	}
	_, err := tc.engine.PutObject(ctx, "b", "doomed", bytes.NewReader([]byte("payload")), "", nil)
	var qe *QuorumError
	if !errors.As(err, &qe) {
		t.Fatalf("expected QuorumError, got %v", err)
	}
	if qe.Needed != 4 {
		t.Fatalf("quorum needed %d, want 4", qe.Needed)
	}
}

func TestReplicationPutGet(t *testing.T) {
	tc := newTestCluster(t, 6)
	tc.createBucket("r", "replica") // REP:3
	ctx := context.Background()

	payload := []byte("replicated object body")
	om, err := tc.engine.PutObject(ctx, "r", "rep.txt", bytes.NewReader(payload), "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(om.Stripes[0].Shards) != 3 {
		t.Fatalf("%d replicas, want 3", len(om.Stripes[0].Shards))
	}
	got, _ := tc.get("r", "rep.txt", nil)
	if !bytes.Equal(got, payload) {
		t.Fatal("replication round trip failed")
	}
}

func TestDeleteObject(t *testing.T) {
	tc := newTestCluster(t, 6)
	tc.createBucket("b", "standard")
	ctx := context.Background()

	if _, err := tc.engine.PutObject(ctx, "b", "gone", bytes.NewReader([]byte("x")), "", nil); err != nil {
		t.Fatal(err)
	}
	if err := tc.engine.DeleteObject(ctx, "b", "gone"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := tc.engine.GetObject(ctx, "b", "gone", nil); !errors.Is(err, errNoSuchKey) {
		t.Fatalf("expected errNoSuchKey, got %v", err)
	}
	// Shards are gone too.
	for _, s := range tc.stores {
		if n := len(s.mstore.Scan([]byte{'s'})); n != 0 {
			t.Fatalf("%d shard records leaked", n)
		}
	}
}

func TestListObjectsPaginated(t *testing.T) {
	tc := newTestCluster(t, 6)
	tc.createBucket("b", "standard")
	ctx := context.Background()

	want := []string{}
	for i := 0; i < 25; i++ {
		key := fmt.Sprintf("docs/file-%03d", i)
		want = append(want, key)
		if _, err := tc.engine.PutObject(ctx, "b", key, bytes.NewReader([]byte(key)), "", nil); err != nil {
			t.Fatal(err)
		}
	}
	// Noise outside the prefix.
	if _, err := tc.engine.PutObject(ctx, "b", "other/x", bytes.NewReader([]byte("x")), "", nil); err != nil {
		t.Fatal(err)
	}

	var got []string
	token := ""
	for {
		res, err := tc.engine.ListObjects(ctx, "b", "docs/", token, 7, true)
		if err != nil {
			t.Fatal(err)
		}
		for _, om := range res.Objects {
			got = append(got, om.Key)
		}
		if !res.Truncated {
			break
		}
		token = res.ContinuationToken
	}
	if len(got) != len(want) {
		t.Fatalf("listed %d keys, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("position %d: %q, want %q", i, got[i], want[i])
		}
	}
}

func TestListTokenTamperRejected(t *testing.T) {
	tc := newTestCluster(t, 3)
	tc.createBucket("b", "replica")
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("t/%d", i)
		if _, err := tc.engine.PutObject(ctx, "b", key, bytes.NewReader([]byte("v")), "", nil); err != nil {
			t.Fatal(err)
		}
	}
	res, err := tc.engine.ListObjects(ctx, "b", "t/", "", 2, true)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Truncated {
		t.Fatal("expected truncation")
	}
	// Flip one payload character; the MAC must reject it.
	tail := byte('A')
	if res.ContinuationToken[len(res.ContinuationToken)-1] == 'A' {
		tail = 'B'
	}
	bad := res.ContinuationToken[:len(res.ContinuationToken)-1] + string(tail)
	if _, err := tc.engine.ListObjects(ctx, "b", "t/", bad, 2, true); !errors.Is(err, errBadInput) {
		t.Fatalf("tampered token accepted: %v", err)
	}
}

func TestListTokenTopologyChange(t *testing.T) {
	tc := newTestCluster(t, 3)
	tc.createBucket("b", "replica")
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		key := fmt.Sprintf("tc/%d", i)
		if _, err := tc.engine.PutObject(ctx, "b", key, bytes.NewReader([]byte("v")), "", nil); err != nil {
			t.Fatal(err)
		}
	}
	res, err := tc.engine.ListObjects(ctx, "b", "tc/", "", 2, true)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Truncated {
		t.Fatal("expected truncation")
	}

	// Bump the topology: mark one disk draining.
	diskID := tc.stores[0].diskID
	tc.ccs.mu.Lock()
	cur := tc.ccs.snapshot()
	next := &topologySnapshot{Version: cur.Version + 1, Topology: cur.Topology.Clone()}
	next.Topology.Version = next.Version
	next.Topology.FindDisk(diskID).State = hrw.StateDraining
	tc.ccs.topology.Store(next)
	tc.ccs.mu.Unlock()
	if _, err := tc.engine.ccs.RefreshTopology(ctx); err != nil {
		t.Fatal(err)
	}

	if _, err := tc.engine.ListObjects(ctx, "b", "tc/", res.ContinuationToken, 2, true); !errors.Is(err, errTopologyChanged) {
		t.Fatalf("expected errTopologyChanged, got %v", err)
	}
}

func TestEmptyObject(t *testing.T) {
	tc := newTestCluster(t, 6)
	tc.createBucket("b", "standard")
	ctx := context.Background()
	om, err := tc.engine.PutObject(ctx, "b", "empty", bytes.NewReader(nil), "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if om.TotalSize != 0 {
		t.Fatalf("size %d", om.TotalSize)
	}
	// MD5 of the empty string.
	if om.ETag != "d41d8cd98f00b204e9800998ecf8427e" {
		t.Fatalf("etag %q", om.ETag)
	}
	got, _ := tc.get("b", "empty", nil)
	if len(got) != 0 {
		t.Fatalf("GET returned %d bytes", len(got))
	}
}
