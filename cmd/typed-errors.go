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
	"errors"
	"fmt"
)

// Sentinel errors of the storage core. Each maps to a stable wire code
// (see errorCode) so the RPC layer and the S3 surface can translate
// without string matching.
var (
	errBadInput        = errors.New("invalid argument")
	errNoSuchKey       = errors.New("key does not exist")
	errNoSuchBucket    = errors.New("bucket does not exist")
	errCorruptShard    = errors.New("shard failed checksum verification")
	errConflictShard   = errors.New("conflicting shard content for idempotent retry")
	errNotPrimary      = errors.New("this OSD is not primary for the object")
	errOsdOverloaded   = errors.New("OSD request queue full")
	errTimeout         = errors.New("operation deadline exceeded")
	errTopologyChanged = errors.New("topology changed, restart paginated operation")
	errCASMismatch     = errors.New("object metadata version mismatch")
	errDiskFatal       = errors.New("disk failed, marked out of service")
)

// QuorumError reports a stripe write that could not reach its ack
// quorum.
type QuorumError struct {
	StripeID uint64
	Acks     int
	Needed   int
}

func (e *QuorumError) Error() string {
	return fmt.Sprintf("stripe %d write failed: %d acks, need %d", e.StripeID, e.Acks, e.Needed)
}

// InsufficientShardsError reports a read that cannot reach k usable
// shards.
type InsufficientShardsError struct {
	StripeID  uint64
	Available int
	Required  int
}

func (e *InsufficientShardsError) Error() string {
	return fmt.Sprintf("stripe %d unreadable: %d shards available, need %d",
		e.StripeID, e.Available, e.Required)
}

// Wire codes for typed errors. Stable; never renumber.
const (
	codeOK                 = 0
	codeBadInput           = 1
	codeNoSuchKey          = 2
	codeNoSuchBucket       = 3
	codeCorruptShard       = 4
	codeConflictShard      = 5
	codeNotPrimary         = 6
	codeOverloaded         = 7
	codeTimeout            = 8
	codeTopologyChanged    = 9
	codeCASMismatch        = 10
	codeQuorum             = 11
	codeInsufficientShards = 12
	codeDiskFatal          = 13
	codeInternal           = 100
)

// errorCode maps an error to its wire code.
func errorCode(err error) int {
	switch {
	case err == nil:
		return codeOK
	case errors.Is(err, errBadInput):
		return codeBadInput
	case errors.Is(err, errNoSuchKey):
		return codeNoSuchKey
	case errors.Is(err, errNoSuchBucket):
		return codeNoSuchBucket
	case errors.Is(err, errCorruptShard):
		return codeCorruptShard
	case errors.Is(err, errConflictShard):
		return codeConflictShard
	case errors.Is(err, errNotPrimary):
		return codeNotPrimary
	case errors.Is(err, errOsdOverloaded):
		return codeOverloaded
	case errors.Is(err, errTimeout):
		return codeTimeout
	case errors.Is(err, errTopologyChanged):
		return codeTopologyChanged
	case errors.Is(err, errCASMismatch):
		return codeCASMismatch
	case errors.Is(err, errDiskFatal):
		return codeDiskFatal
	}
	var q *QuorumError
	if errors.As(err, &q) {
		return codeQuorum
	}
	var is *InsufficientShardsError
	if errors.As(err, &is) {
		return codeInsufficientShards
	}
	return codeInternal
}

// errorFromCode rebuilds the sentinel for a wire code on the client
// side. Structured payloads (quorum, insufficient shards) travel as
// their message text; the sentinel identity is what callers branch on.
func errorFromCode(code int, msg string) error {
	switch code {
	case codeOK:
		return nil
	case codeBadInput:
		return errBadInput
	case codeNoSuchKey:
		return errNoSuchKey
	case codeNoSuchBucket:
		return errNoSuchBucket
	case codeCorruptShard:
		return errCorruptShard
	case codeConflictShard:
		return errConflictShard
	case codeNotPrimary:
		return errNotPrimary
	case codeOverloaded:
		return errOsdOverloaded
	case codeTimeout:
		return errTimeout
	case codeTopologyChanged:
		return errTopologyChanged
	case codeCASMismatch:
		return errCASMismatch
	case codeDiskFatal:
		return errDiskFatal
	case codeQuorum:
		return &QuorumError{}
	case codeInsufficientShards:
		return &InsufficientShardsError{}
	}
	if msg == "" {
		msg = "internal error"
	}
	return errors.New(msg)
}

// isRetryable reports whether the gateway may retry the call on
// another attempt or replica.
func isRetryable(err error) bool {
	return errors.Is(err, errOsdOverloaded) || errors.Is(err, errTimeout)
}
