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
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler exposes the gateway's object data path. This is the surface
// the S3 front end (XML framing, SigV4, IAM) sits on; it is plain
// HTTP with JSON envelopes and raw payload bodies.
func (g *gatewayEngine) Handler() http.Handler {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/{bucket}", g.handleCreateBucket).Methods(http.MethodPut)
	r.HandleFunc("/{bucket}", g.handleListObjects).Methods(http.MethodGet)
	r.HandleFunc("/{bucket}/{key:.+}", g.handlePutObject).Methods(http.MethodPut)
	r.HandleFunc("/{bucket}/{key:.+}", g.handleGetObject).Methods(http.MethodGet)
	r.HandleFunc("/{bucket}/{key:.+}", g.handleHeadObject).Methods(http.MethodHead)
	r.HandleFunc("/{bucket}/{key:.+}", g.handleDeleteObject).Methods(http.MethodDelete)
	return r
}

func (g *gatewayEngine) handleCreateBucket(w http.ResponseWriter, r *http.Request) {
	bucket := mux.Vars(r)["bucket"]
	bm := BucketMeta{
		Name:         bucket,
		StorageClass: r.URL.Query().Get("class"),
		CreatedAt:    time.Now().UTC(),
	}
	if bm.StorageClass == "" {
		bm.StorageClass = "standard"
	}
	if err := g.ccs.CreateBucket(r.Context(), bm); err != nil {
		writeErrorResponse(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (g *gatewayEngine) handlePutObject(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	userMeta := map[string]string{}
	for name, vals := range r.Header {
		if strings.HasPrefix(strings.ToLower(name), "x-amz-meta-") && len(vals) > 0 {
			userMeta[strings.ToLower(name)] = vals[0]
		}
	}
	om, err := g.PutObject(r.Context(), vars["bucket"], vars["key"], r.Body,
		r.Header.Get("Content-Type"), userMeta)
	if err != nil {
		writeErrorResponse(w, err)
		return
	}
	w.Header().Set("ETag", `"`+om.ETag+`"`)
	w.WriteHeader(http.StatusOK)
}

// parseRange understands the single-range form "bytes=a-b".
func parseRange(spec string, size int64) (*byteRange, error) {
	if spec == "" {
		return nil, nil
	}
	if !strings.HasPrefix(spec, "bytes=") {
		return nil, errBadInput
	}
	parts := strings.SplitN(strings.TrimPrefix(spec, "bytes="), "-", 2)
	if len(parts) != 2 {
		return nil, errBadInput
	}
	if parts[0] == "" {
		// suffix form: last N bytes
		n, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || n <= 0 {
			return nil, errBadInput
		}
		start := size - n
		if start < 0 {
			start = 0
		}
		return &byteRange{Start: start, End: size}, nil
	}
	start, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, errBadInput
	}
	end := size
	if parts[1] != "" {
		last, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, errBadInput
		}
		end = last + 1 // HTTP ranges are inclusive
	}
	return &byteRange{Start: start, End: end}, nil
}

func (g *gatewayEngine) handleGetObject(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	// The range needs the object size; lookupObject inside GetObject
	// re-fetches cheaply from the primary's cache.
	om, _, err := g.lookupObject(r.Context(), vars["bucket"], vars["key"])
	if err != nil {
		writeErrorResponse(w, err)
		return
	}
	rng, err := parseRange(r.Header.Get("Range"), om.TotalSize)
	if err != nil {
		writeErrorResponse(w, err)
		return
	}
	om, body, err := g.GetObject(r.Context(), vars["bucket"], vars["key"], rng)
	if err != nil {
		writeErrorResponse(w, err)
		return
	}
	defer body.Close()
	w.Header().Set("ETag", `"`+om.ETag+`"`)
	w.Header().Set("Last-Modified", om.LastModified.UTC().Format(http.TimeFormat))
	if om.ContentType != "" {
		w.Header().Set("Content-Type", om.ContentType)
	}
	status := http.StatusOK
	length := om.TotalSize
	if rng != nil {
		status = http.StatusPartialContent
		end := rng.End
		if end > om.TotalSize {
			end = om.TotalSize
		}
		length = end - rng.Start
	}
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	w.WriteHeader(status)
	io.Copy(w, body)
}

func (g *gatewayEngine) handleHeadObject(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	om, _, err := g.lookupObject(r.Context(), vars["bucket"], vars["key"])
	if err != nil {
		writeErrorResponse(w, err)
		return
	}
	w.Header().Set("ETag", `"`+om.ETag+`"`)
	w.Header().Set("Last-Modified", om.LastModified.UTC().Format(http.TimeFormat))
	w.Header().Set("Content-Length", strconv.FormatInt(om.TotalSize, 10))
	w.WriteHeader(http.StatusOK)
}

func (g *gatewayEngine) handleDeleteObject(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := g.DeleteObject(r.Context(), vars["bucket"], vars["key"]); err != nil {
		writeErrorResponse(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *gatewayEngine) handleListObjects(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	maxKeys, _ := strconv.Atoi(q.Get("max-keys"))
	res, err := g.ListObjects(r.Context(), mux.Vars(r)["bucket"], q.Get("prefix"),
		q.Get("continuation-token"), maxKeys, q.Get("strict") == "true")
	if err != nil {
		writeErrorResponse(w, err)
		return
	}
	json.NewEncoder(w).Encode(res)
}
