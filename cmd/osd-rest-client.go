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
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/shardstore/shardstore/internal/format"
)

func crcOf(b []byte) uint32 {
	return format.Checksum(b)
}

// osdClient talks the shard RPC protocol to one OSD endpoint.
type osdClient struct {
	addr   string // host:port
	client *http.Client
}

func newOSDClient(addr string) *osdClient {
	return &osdClient{
		addr: addr,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// call issues one RPC. Deadlines propagate via header so the server
// can cancel its task at the next suspension point.
func (c *osdClient) call(ctx context.Context, path string, q url.Values, body io.Reader) (*http.Response, error) {
	u := url.URL{Scheme: "http", Host: c.addr, Path: osdPathPrefix + path, RawQuery: q.Encode()}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), body)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		req.Header.Set(hdrDeadline, strconv.FormatInt(deadline.UnixMilli(), 10))
	}
	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errTimeout
		}
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		code, _ := strconv.Atoi(resp.Header.Get(hdrErrCode))
		if code == 0 {
			return nil, errors.Errorf("osd %s: http %d: %s", c.addr, resp.StatusCode, msg)
		}
		return nil, errorFromCode(code, string(msg))
	}
	return resp, nil
}

func shardQuery(diskID string, objectID uuid.UUID, stripeID uint64, position int) url.Values {
	q := url.Values{}
	q.Set("disk", diskID)
	q.Set("object", objectID.String())
	q.Set("stripe", strconv.FormatUint(stripeID, 10))
	q.Set("pos", strconv.Itoa(position))
	return q
}

// WriteShard stores one shard on the target disk.
func (c *osdClient) WriteShard(ctx context.Context, diskID string, args writeShardArgs, payload []byte) (*writeShardResult, error) {
	q := shardQuery(diskID, args.ObjectID, args.StripeID, int(args.Position))
	q.Set("ectype", strconv.Itoa(int(args.ECType)))
	q.Set("k", strconv.Itoa(int(args.ECK)))
	q.Set("m", strconv.Itoa(int(args.ECM)))
	q.Set("group", strconv.Itoa(int(args.LocalGroup)))
	resp, err := c.call(ctx, pathShardWrite, q, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	res := &writeShardResult{}
	if err := json.NewDecoder(resp.Body).Decode(res); err != nil {
		return nil, err
	}
	return res, nil
}

// ReadShard fetches and CRC-verifies one shard payload.
func (c *osdClient) ReadShard(ctx context.Context, diskID string, objectID uuid.UUID, stripeID uint64, position int) ([]byte, error) {
	resp, err := c.call(ctx, pathShardRead, shardQuery(diskID, objectID, stripeID, position), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if want := resp.Header.Get(hdrCRC); want != "" {
		crc, err := strconv.ParseUint(want, 10, 32)
		if err == nil && uint32(crc) != crcOf(payload) {
			return nil, errCorruptShard
		}
	}
	return payload, nil
}

// DeleteShard frees one shard.
func (c *osdClient) DeleteShard(ctx context.Context, diskID string, objectID uuid.UUID, stripeID uint64, position int) error {
	resp, err := c.call(ctx, pathShardDelete, shardQuery(diskID, objectID, stripeID, position), nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// PutObjectMeta stores the object record on the primary disk.
// expectVersion > 0 requests compare-and-set semantics.
func (c *osdClient) PutObjectMeta(ctx context.Context, diskID string, om *ObjectMeta, expectVersion uint64) error {
	raw, err := json.Marshal(om)
	if err != nil {
		return err
	}
	q := url.Values{}
	q.Set("disk", diskID)
	if expectVersion > 0 {
		q.Set("cas", strconv.FormatUint(expectVersion, 10))
	}
	resp, err := c.call(ctx, pathMetaPut, q, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// GetObjectMeta loads the object record from the primary disk.
func (c *osdClient) GetObjectMeta(ctx context.Context, diskID, bucket, key string) (*ObjectMeta, error) {
	q := url.Values{}
	q.Set("disk", diskID)
	q.Set("bucket", bucket)
	q.Set("key", key)
	resp, err := c.call(ctx, pathMetaGet, q, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	om := &ObjectMeta{}
	if err := json.NewDecoder(resp.Body).Decode(om); err != nil {
		return nil, err
	}
	return om, nil
}

// DeleteObjectMeta removes the object record.
func (c *osdClient) DeleteObjectMeta(ctx context.Context, diskID, bucket, key string) error {
	q := url.Values{}
	q.Set("disk", diskID)
	q.Set("bucket", bucket)
	q.Set("key", key)
	resp, err := c.call(ctx, pathMetaDelete, q, nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// ListObjectMeta fetches one listing page from a disk.
func (c *osdClient) ListObjectMeta(ctx context.Context, diskID, bucket, prefix, cursor string, limit int) (*listPage, error) {
	q := url.Values{}
	q.Set("disk", diskID)
	q.Set("bucket", bucket)
	q.Set("prefix", prefix)
	q.Set("cursor", cursor)
	q.Set("limit", strconv.Itoa(limit))
	resp, err := c.call(ctx, pathMetaList, q, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	page := &listPage{}
	if err := json.NewDecoder(resp.Body).Decode(page); err != nil {
		return nil, err
	}
	return page, nil
}

// Heartbeat reports disk stats and the OSD's known topology version.
func (c *osdClient) Heartbeat(ctx context.Context, topologyVersion uint64) ([]DiskStats, error) {
	q := url.Values{}
	q.Set("topology", strconv.FormatUint(topologyVersion, 10))
	resp, err := c.call(ctx, pathHeartbeat, q, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var stats []DiskStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, err
	}
	return stats, nil
}

// osdClientPool caches one client per OSD address.
type osdClientPool struct {
	mu      sync.Mutex
	clients map[string]*osdClient
}

func newOSDClientPool() *osdClientPool {
	return &osdClientPool{clients: make(map[string]*osdClient)}
}

func (p *osdClientPool) get(addr string) *osdClient {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.clients[addr]
	if !ok {
		c = newOSDClient(addr)
		p.clients[addr] = c
	}
	return c
}
