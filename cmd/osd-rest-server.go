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
	"context"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shardstore/shardstore/internal/ec"
)

// Shard RPC paths. Version-prefixed like every storage wire surface;
// bump on incompatible change.
const (
	osdAPIVersion    = "v1"
	osdPathPrefix    = "/shardstore/osd/" + osdAPIVersion
	pathShardWrite   = "/shard/write"
	pathShardRead    = "/shard/read"
	pathShardDelete  = "/shard/delete"
	pathMetaPut      = "/meta/put"
	pathMetaGet      = "/meta/get"
	pathMetaDelete   = "/meta/delete"
	pathMetaList     = "/meta/list"
	pathHeartbeat    = "/heartbeat"
	pathRebuildIndex = "/admin/rebuild-index"
)

// RPC headers.
const (
	hdrErrCode  = "X-Shardstore-Err-Code"
	hdrCRC      = "X-Shardstore-Crc32c"
	hdrDeadline = "X-Shardstore-Deadline-Ms"
)

// defaultQueueDepth bounds concurrently served shard requests per OSD;
// excess callers get an immediate Overloaded answer instead of
// queueing unboundedly.
const defaultQueueDepth = 128

// osdServer exposes the shard RPC surface over the disks it owns.
type osdServer struct {
	nodeID string
	disks  map[string]*osdStore // by disk UUID
	queue  chan struct{}
}

func newOSDServer(nodeID string, disks map[string]*osdStore) *osdServer {
	return &osdServer{
		nodeID: nodeID,
		disks:  disks,
		queue:  make(chan struct{}, defaultQueueDepth),
	}
}

// Handler builds the HTTP router.
func (srv *osdServer) Handler() http.Handler {
	r := mux.NewRouter()
	api := r.PathPrefix(osdPathPrefix).Subrouter()
	api.HandleFunc(pathShardWrite, srv.wrap(srv.handleWriteShard)).Methods(http.MethodPost)
	api.HandleFunc(pathShardRead, srv.wrap(srv.handleReadShard)).Methods(http.MethodPost)
	api.HandleFunc(pathShardDelete, srv.wrap(srv.handleDeleteShard)).Methods(http.MethodPost)
	api.HandleFunc(pathMetaPut, srv.wrap(srv.handlePutObjectMeta)).Methods(http.MethodPost)
	api.HandleFunc(pathMetaGet, srv.wrap(srv.handleGetObjectMeta)).Methods(http.MethodPost)
	api.HandleFunc(pathMetaDelete, srv.wrap(srv.handleDeleteObjectMeta)).Methods(http.MethodPost)
	api.HandleFunc(pathMetaList, srv.wrap(srv.handleListObjectMeta)).Methods(http.MethodPost)
	api.HandleFunc(pathHeartbeat, srv.wrap(srv.handleHeartbeat)).Methods(http.MethodPost)
	api.HandleFunc(pathRebuildIndex, srv.wrap(srv.handleRebuildIndex)).Methods(http.MethodPost)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

type osdHandler func(ctx context.Context, w http.ResponseWriter, r *http.Request) error

// wrap applies backpressure, deadline propagation and error encoding
// around each handler.
func (srv *osdServer) wrap(h osdHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		select {
		case srv.queue <- struct{}{}:
			defer func() { <-srv.queue }()
		default:
			writeErrorResponse(w, errOsdOverloaded)
			return
		}
		ctx := r.Context()
		if ms := r.Header.Get(hdrDeadline); ms != "" {
			if n, err := strconv.ParseInt(ms, 10, 64); err == nil {
				deadline := time.UnixMilli(n)
				var cancel context.CancelFunc
				ctx, cancel = context.WithDeadline(ctx, deadline)
				defer cancel()
			}
		}
		if err := h(ctx, w, r); err != nil {
			if ctx.Err() != nil {
				err = errTimeout
			}
			writeErrorResponse(w, err)
		}
	}
}

func writeErrorResponse(w http.ResponseWriter, err error) {
	code := errorCode(err)
	w.Header().Set(hdrErrCode, strconv.Itoa(code))
	status := http.StatusInternalServerError
	switch code {
	case codeBadInput:
		status = http.StatusBadRequest
	case codeNoSuchKey, codeNoSuchBucket:
		status = http.StatusNotFound
	case codeOverloaded, codeTimeout, codeInsufficientShards:
		status = http.StatusServiceUnavailable
	case codeConflictShard, codeCASMismatch, codeNotPrimary, codeTopologyChanged:
		status = http.StatusConflict
	}
	w.WriteHeader(status)
	io.WriteString(w, err.Error())
}

// disk resolves the disk query parameter.
func (srv *osdServer) disk(r *http.Request) (*osdStore, error) {
	id := r.URL.Query().Get("disk")
	s, ok := srv.disks[id]
	if !ok {
		return nil, errBadInput
	}
	if s.isFatal() {
		return nil, errDiskFatal
	}
	return s, nil
}

func parseShardTriple(r *http.Request) (uuid.UUID, uint64, uint8, error) {
	q := r.URL.Query()
	objectID, err := uuid.Parse(q.Get("object"))
	if err != nil {
		return uuid.UUID{}, 0, 0, errBadInput
	}
	stripeID, err := strconv.ParseUint(q.Get("stripe"), 10, 64)
	if err != nil {
		return uuid.UUID{}, 0, 0, errBadInput
	}
	pos, err := strconv.ParseUint(q.Get("pos"), 10, 8)
	if err != nil {
		return uuid.UUID{}, 0, 0, errBadInput
	}
	return objectID, stripeID, uint8(pos), nil
}

func (srv *osdServer) handleWriteShard(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	s, err := srv.disk(r)
	if err != nil {
		return err
	}
	objectID, stripeID, pos, err := parseShardTriple(r)
	if err != nil {
		return err
	}
	q := r.URL.Query()
	ecType, _ := strconv.Atoi(q.Get("ectype"))
	k, _ := strconv.Atoi(q.Get("k"))
	m, _ := strconv.Atoi(q.Get("m"))
	group, _ := strconv.Atoi(q.Get("group"))
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	res, err := s.WriteShard(ctx, writeShardArgs{
		ObjectID:   objectID,
		StripeID:   stripeID,
		Position:   pos,
		ECType:     ec.Type(ecType),
		ECK:        uint8(k),
		ECM:        uint8(m),
		LocalGroup: int8(group),
	}, payload)
	if err != nil {
		return err
	}
	return json.NewEncoder(w).Encode(res)
}

func (srv *osdServer) handleReadShard(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	s, err := srv.disk(r)
	if err != nil {
		return err
	}
	objectID, stripeID, pos, err := parseShardTriple(r)
	if err != nil {
		return err
	}
	payload, err := s.ReadShard(ctx, objectID, stripeID, pos)
	if err != nil {
		return err
	}
	w.Header().Set(hdrCRC, strconv.FormatUint(uint64(crcOf(payload)), 10))
	w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
	_, err = w.Write(payload)
	return err
}

func (srv *osdServer) handleDeleteShard(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	s, err := srv.disk(r)
	if err != nil {
		return err
	}
	objectID, stripeID, pos, err := parseShardTriple(r)
	if err != nil {
		return err
	}
	return s.DeleteShard(ctx, objectID, stripeID, pos)
}

func (srv *osdServer) handlePutObjectMeta(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	s, err := srv.disk(r)
	if err != nil {
		return err
	}
	expectVersion, _ := strconv.ParseUint(r.URL.Query().Get("cas"), 10, 64)
	om := &ObjectMeta{}
	if err := json.NewDecoder(r.Body).Decode(om); err != nil {
		return errBadInput
	}
	return s.PutObjectMeta(ctx, om, expectVersion)
}

func (srv *osdServer) handleGetObjectMeta(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	s, err := srv.disk(r)
	if err != nil {
		return err
	}
	q := r.URL.Query()
	om, err := s.GetObjectMeta(q.Get("bucket"), q.Get("key"))
	if err != nil {
		return err
	}
	return json.NewEncoder(w).Encode(om)
}

func (srv *osdServer) handleDeleteObjectMeta(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	s, err := srv.disk(r)
	if err != nil {
		return err
	}
	q := r.URL.Query()
	return s.DeleteObjectMeta(ctx, q.Get("bucket"), q.Get("key"))
}

func (srv *osdServer) handleListObjectMeta(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	s, err := srv.disk(r)
	if err != nil {
		return err
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	page, err := s.ListObjectMeta(q.Get("bucket"), q.Get("prefix"), q.Get("cursor"), limit)
	if err != nil {
		return err
	}
	return json.NewEncoder(w).Encode(page)
}

func (srv *osdServer) handleHeartbeat(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	topo, _ := strconv.ParseUint(r.URL.Query().Get("topology"), 10, 64)
	stats := make([]DiskStats, 0, len(srv.disks))
	for _, s := range srv.disks {
		if s.isFatal() {
			continue
		}
		atomic.StoreUint64(&s.topologyVersion, topo)
		stats = append(stats, s.Stats())
	}
	return json.NewEncoder(w).Encode(stats)
}

func (srv *osdServer) handleRebuildIndex(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	s, err := srv.disk(r)
	if err != nil {
		return err
	}
	return s.RebuildIndex(ctx)
}
