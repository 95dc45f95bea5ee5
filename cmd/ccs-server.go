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
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CCS RPC paths.
const (
	ccsPathPrefix     = "/shardstore/ccs/v1"
	pathTopologyGet   = "/topology"
	pathTopologySet   = "/topology/set"
	pathBucketGet     = "/bucket/get"
	pathBucketPut     = "/bucket/put"
	pathBucketDelete  = "/bucket/delete"
	pathClassGet     = "/class/get"
	pathClassPut     = "/class/put"
	pathDiskSetState = "/disk/state"
)

// ccsServer owns buckets, storage classes and the cluster topology.
// The topology is published as an immutable snapshot swapped
// atomically; placement runs client-side against the snapshot, so this
// service never sits on the data path.
type ccsServer struct {
	mu       sync.Mutex // guards mutations; readers use the atomics
	topology atomic.Value // *hrw.Topology
	buckets  sync.Map     // name -> BucketMeta
	classes  sync.Map     // name -> StorageClass
}

func newCCSServer(topo *topologySnapshot) *ccsServer {
	s := &ccsServer{}
	topo.Topology.Normalize()
	s.topology.Store(topo)
	// Seed the default storage classes.
	for name, spec := range map[string]string{
		"standard": "MDS:4+2@node",
		"archive":  "LRC:6+2+2@node",
		"replica":  "REP:3@node",
	} {
		if sc, err := parseStorageClass(name, spec); err == nil {
			s.classes.Store(name, sc)
		}
	}
	return s
}

// Handler builds the HTTP router.
func (s *ccsServer) Handler() http.Handler {
	r := mux.NewRouter()
	api := r.PathPrefix(ccsPathPrefix).Subrouter()
	api.HandleFunc(pathTopologyGet, s.handleGetTopology).Methods(http.MethodGet)
	api.HandleFunc(pathTopologySet, s.handleSetTopology).Methods(http.MethodPost)
	api.HandleFunc(pathBucketGet, s.handleGetBucket).Methods(http.MethodGet)
	api.HandleFunc(pathBucketPut, s.handlePutBucket).Methods(http.MethodPost)
	api.HandleFunc(pathBucketDelete, s.handleDeleteBucket).Methods(http.MethodPost)
	api.HandleFunc(pathClassGet, s.handleGetClass).Methods(http.MethodGet)
	api.HandleFunc(pathClassPut, s.handlePutClass).Methods(http.MethodPost)
	api.HandleFunc(pathDiskSetState, s.handleSetDiskState).Methods(http.MethodPost)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (s *ccsServer) snapshot() *topologySnapshot {
	return s.topology.Load().(*topologySnapshot)
}

func (s *ccsServer) handleGetTopology(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(s.snapshot())
}

// handleSetTopology replaces the whole tree, bumping the version.
// In production the Raft-backed configuration service feeds this; the
// core only requires the snapshot semantics.
func (s *ccsServer) handleSetTopology(w http.ResponseWriter, r *http.Request) {
	next := &topologySnapshot{}
	if err := json.NewDecoder(r.Body).Decode(next); err != nil {
		writeErrorResponse(w, errBadInput)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.snapshot()
	next.Version = cur.Version + 1
	next.Topology.Version = next.Version
	next.Topology.Normalize()
	s.topology.Store(next)
}

// handleSetDiskState flips one disk's liveness state, producing a new
// snapshot.
func (s *ccsServer) handleSetDiskState(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	diskID := q.Get("disk")
	state, err := parseDiskState(q.Get("state"))
	if err != nil {
		writeErrorResponse(w, errBadInput)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.snapshot()
	next := &topologySnapshot{Version: cur.Version + 1, Topology: cur.Topology.Clone()}
	next.Topology.Version = next.Version
	disk := next.Topology.FindDisk(diskID)
	if disk == nil {
		writeErrorResponse(w, errBadInput)
		return
	}
	disk.State = state
	s.topology.Store(next)
}

func (s *ccsServer) handleGetBucket(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	v, ok := s.buckets.Load(name)
	if !ok {
		writeErrorResponse(w, errNoSuchBucket)
		return
	}
	json.NewEncoder(w).Encode(v)
}

func (s *ccsServer) handlePutBucket(w http.ResponseWriter, r *http.Request) {
	bm := BucketMeta{}
	if err := json.NewDecoder(r.Body).Decode(&bm); err != nil || bm.Name == "" {
		writeErrorResponse(w, errBadInput)
		return
	}
	if bm.CreatedAt.IsZero() {
		bm.CreatedAt = time.Now().UTC()
	}
	if bm.Versioning == "" {
		bm.Versioning = VersioningOff
	}
	if bm.StorageClass == "" {
		bm.StorageClass = "standard"
	}
	if _, ok := s.classes.Load(bm.StorageClass); !ok {
		writeErrorResponse(w, errBadInput)
		return
	}
	s.buckets.Store(bm.Name, bm)
}

func (s *ccsServer) handleDeleteBucket(w http.ResponseWriter, r *http.Request) {
	s.buckets.Delete(r.URL.Query().Get("name"))
}

func (s *ccsServer) handleGetClass(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	v, ok := s.classes.Load(name)
	if !ok {
		writeErrorResponse(w, errBadInput)
		return
	}
	json.NewEncoder(w).Encode(v)
}

func (s *ccsServer) handlePutClass(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sc, err := parseStorageClass(q.Get("name"), q.Get("spec"))
	if err != nil {
		writeErrorResponse(w, errBadInput)
		return
	}
	s.classes.Store(sc.Name, sc)
}
