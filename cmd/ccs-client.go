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
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shardstore/shardstore/internal/hrw"
)

// topologySnapshot is the published cluster tree plus its version.
type topologySnapshot struct {
	Version  uint64        `json:"version"`
	Topology *hrw.Topology `json:"topology"`
}

func parseDiskState(s string) (hrw.DiskState, error) {
	switch s {
	case "up":
		return hrw.StateUp, nil
	case "down":
		return hrw.StateDown, nil
	case "draining":
		return hrw.StateDraining, nil
	case "out-of-service":
		return hrw.StateOutOfService, nil
	}
	return 0, fmt.Errorf("unknown disk state %q", s)
}

// topologyRefresh bounds how stale a cached topology may get before
// the client re-fetches.
const topologyRefresh = 5 * time.Second

// ccsClient caches the CCS's topology snapshot and bucket records.
// The snapshot is swapped atomically; readers always see a consistent
// tree.
type ccsClient struct {
	addr   string
	client *http.Client

	topo        atomic.Value // *topologySnapshot
	topoFetched int64        // unix nano of last fetch

	mu      sync.Mutex
	buckets map[string]bucketCacheEntry
	classes map[string]StorageClass
}

type bucketCacheEntry struct {
	meta    BucketMeta
	fetched time.Time
}

func newCCSClient(addr string) *ccsClient {
	return &ccsClient{
		addr:    addr,
		client:  &http.Client{Timeout: 10 * time.Second},
		buckets: make(map[string]bucketCacheEntry),
		classes: make(map[string]StorageClass),
	}
}

func (c *ccsClient) get(ctx context.Context, path string, q url.Values, out interface{}) error {
	u := url.URL{Scheme: "http", Host: c.addr, Path: ccsPathPrefix + path, RawQuery: q.Encode()}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusNotFound {
			return errNoSuchBucket
		}
		return fmt.Errorf("ccs %s: http %d", c.addr, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Topology returns the cached snapshot, refreshing when stale.
func (c *ccsClient) Topology(ctx context.Context) (*topologySnapshot, error) {
	if cached, ok := c.topo.Load().(*topologySnapshot); ok {
		if time.Since(time.Unix(0, atomic.LoadInt64(&c.topoFetched))) < topologyRefresh {
			return cached, nil
		}
	}
	return c.RefreshTopology(ctx)
}

// RefreshTopology force-fetches the latest snapshot.
func (c *ccsClient) RefreshTopology(ctx context.Context) (*topologySnapshot, error) {
	snap := &topologySnapshot{}
	if err := c.get(ctx, pathTopologyGet, nil, snap); err != nil {
		if cached, ok := c.topo.Load().(*topologySnapshot); ok {
			return cached, nil // serve stale over failing
		}
		return nil, err
	}
	snap.Topology.Normalize()
	c.topo.Store(snap)
	atomic.StoreInt64(&c.topoFetched, time.Now().UnixNano())
	return snap, nil
}

// Bucket returns bucket metadata, cached briefly; the CCS stays
// authoritative.
func (c *ccsClient) Bucket(ctx context.Context, name string) (BucketMeta, error) {
	c.mu.Lock()
	if e, ok := c.buckets[name]; ok && time.Since(e.fetched) < topologyRefresh {
		c.mu.Unlock()
		return e.meta, nil
	}
	c.mu.Unlock()

	q := url.Values{}
	q.Set("name", name)
	bm := BucketMeta{}
	if err := c.get(ctx, pathBucketGet, q, &bm); err != nil {
		return bm, err
	}
	c.mu.Lock()
	c.buckets[name] = bucketCacheEntry{meta: bm, fetched: time.Now()}
	c.mu.Unlock()
	return bm, nil
}

// Class resolves a storage class by name. Classes are immutable once
// defined, so the cache never expires.
func (c *ccsClient) Class(ctx context.Context, name string) (StorageClass, error) {
	c.mu.Lock()
	if sc, ok := c.classes[name]; ok {
		c.mu.Unlock()
		return sc, nil
	}
	c.mu.Unlock()

	q := url.Values{}
	q.Set("name", name)
	sc := StorageClass{}
	if err := c.get(ctx, pathClassGet, q, &sc); err != nil {
		return sc, err
	}
	c.mu.Lock()
	c.classes[name] = sc
	c.mu.Unlock()
	return sc, nil
}

// BucketClass resolves a bucket straight to its storage class.
func (c *ccsClient) BucketClass(ctx context.Context, bucket string) (StorageClass, error) {
	bm, err := c.Bucket(ctx, bucket)
	if err != nil {
		return StorageClass{}, err
	}
	return c.Class(ctx, bm.StorageClass)
}

// CreateBucket registers a bucket with the CCS.
func (c *ccsClient) CreateBucket(ctx context.Context, bm BucketMeta) error {
	raw, err := json.Marshal(bm)
	if err != nil {
		return err
	}
	u := url.URL{Scheme: "http", Host: c.addr, Path: ccsPathPrefix + pathBucketPut}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(raw))
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ccs %s: create bucket: http %d", c.addr, resp.StatusCode)
	}
	return nil
}
